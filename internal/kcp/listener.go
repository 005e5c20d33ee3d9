// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package kcp

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const maxPacketSize = 65536

// Listener accepts inbound KCP conversations over one shared UDP
// socket, allocating a conv for every new peer and demultiplexing
// subsequent packets to the right session. A single receive loop owns
// the socket; a client's conv=0 opener is rewritten in place to a
// freshly allocated conv before dispatch.
type Listener struct {
	conn    *net.UDPConn
	mgr     *manager
	log     logrus.FieldLogger
	closeCh chan struct{}
}

// Bind opens a UDP socket at addr and starts accepting KCP
// conversations on it.
func Bind(addr string, log logrus.FieldLogger) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve kcp listen address %q", addr)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen kcp udp %q", addr)
	}

	l := &Listener{
		conn:    conn,
		mgr:     newManager(),
		log:     log,
		closeCh: make(chan struct{}),
	}
	go l.recvLoop()
	return l, nil
}

func (l *Listener) recvLoop() {
	buf := make([]byte, maxPacketSize)
	for {
		select {
		case <-l.closeCh:
			return
		default:
		}

		n, peerAddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.closeCh:
				return
			default:
			}
			l.log.WithError(err).Warn("kcp udp read failed")
			time.Sleep(time.Second)
			continue
		}
		if n < overhead {
			continue
		}

		packet := append([]byte(nil), buf[:n]...)
		conv := getConv(packet)
		if conv == 0 {
			conv = l.mgr.allocConv()
			setConv(packet, conv)
			l.log.WithField("conv", conv).WithField("peer", peerAddr).Debug("allocated new kcp conversation")
		}

		sess, _ := l.mgr.getOrCreate(conv, peerAddr, l.conn)
		if sess == nil {
			l.log.WithField("conv", conv).Warn("kcp accept queue full, dropping new conversation")
			continue
		}
		sess.input(packet)
	}
}

// Accept blocks until a new KCP conversation has been established,
// returning a stream positioned at the very start of it.
func (l *Listener) Accept() (*Stream, error) {
	select {
	case s, ok := <-l.mgr.accept:
		if !ok {
			return nil, errors.New("kcp listener closed")
		}
		return &Stream{sess: s}, nil
	case <-l.closeCh:
		return nil, errors.New("kcp listener closed")
	}
}

// Close stops accepting new conversations, closes every live session
// and closes the UDP socket.
func (l *Listener) Close() error {
	select {
	case <-l.closeCh:
		return nil
	default:
		close(l.closeCh)
	}
	l.mgr.closeAll()
	return l.conn.Close()
}

// LocalAddr returns the UDP address the listener is bound to.
func (l *Listener) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}
