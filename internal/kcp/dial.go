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
)

// connectedConn adapts a connected UDP socket to the packetConn shape
// a session writes through; the peer address is fixed at dial time so
// the addr argument is ignored.
type connectedConn struct {
	*net.UDPConn
}

func (c connectedConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	return c.Write(b)
}

// Dial opens a new KCP conversation to a listener at addr. The session
// starts with conv 0, which asks the listener to allocate one: the
// first write goes out as a single-datagram opener and every later
// write blocks until the listener's first reply carries the assigned
// conv back.
func Dial(addr string) (*Stream, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve kcp dial address %q", addr)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial kcp udp %q", addr)
	}

	sess := newSession(0, udpAddr, connectedConn{conn}, func(uint32) {
		conn.Close()
	})
	go dialRecvLoop(conn, sess)
	return &Stream{sess: sess}, nil
}

// dialRecvLoop feeds inbound datagrams to the session, adopting the
// listener-assigned conv from the first reply. It exits when the
// socket is closed by the session's teardown.
func dialRecvLoop(conn *net.UDPConn, sess *session) {
	buf := make([]byte, maxPacketSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				sess.close()
				return
			}
			// ICMP unreachable before the listener is up surfaces as a
			// read error on a connected socket; ARQ retransmission
			// recovers once the listener binds, so keep reading.
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if n < overhead {
			continue
		}
		packet := append([]byte(nil), buf[:n]...)
		sess.adoptConv(getConv(packet))
		sess.input(packet)
	}
}
