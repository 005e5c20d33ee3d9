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
	"io"
	"net"
	"sync"
	"time"
)

// packetConn is the minimal socket capability a session needs: sending
// datagrams to its one peer. The listener satisfies this with the
// *net.UDPConn it owns; tests can fake it.
type packetConn interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// session owns one KCP conversation: the ARQ engine, the peer address
// it talks to, and a background deferred-send queue absorbing
// transient socket back-pressure so engine.flush never blocks.
//
// Readers and writers block on one sync.Cond, broadcast on every state
// change: there is exactly one logical waiter per direction, woken
// whenever progress became possible.
type session struct {
	conv     uint32
	peerAddr net.Addr
	conn     packetConn

	mu  sync.Mutex
	eng *engine
	cnd *sync.Cond

	closed      bool
	torn        bool
	writeClosed bool
	lastActive  time.Time

	// Dial-side only: true until the peer's first reply tells us which
	// conv the listener allocated for our conv=0 opener.
	awaitingConv bool
	sentOnce     bool

	sendMu    sync.Mutex
	sendCond  *sync.Cond
	sendQueue [][]byte

	onClose func(conv uint32)
}

func newSession(conv uint32, peerAddr net.Addr, conn packetConn, onClose func(uint32)) *session {
	s := &session{
		conv:         conv,
		peerAddr:     peerAddr,
		conn:         conn,
		lastActive:   time.Now(),
		awaitingConv: conv == 0,
		onClose:      onClose,
	}
	s.cnd = sync.NewCond(&s.mu)
	s.sendCond = sync.NewCond(&s.sendMu)
	s.eng = newEngine(conv, s.output)
	s.eng.setNoDelay(1, 20, 2, true) // "fastest" profile: matches the proxy's low-latency target
	s.eng.setWndSize(128, 512)
	go s.runSender()
	go s.runTicker()
	return s
}

// output queues a datagram for the background sender instead of
// writing to the socket inline: engine.flush must never block on I/O.
func (s *session) output(buf []byte) {
	cp := append([]byte(nil), buf...)
	s.sendMu.Lock()
	s.sendQueue = append(s.sendQueue, cp)
	s.sendCond.Signal()
	s.sendMu.Unlock()
}

func (s *session) runSender() {
	for {
		s.sendMu.Lock()
		for len(s.sendQueue) == 0 {
			s.mu.Lock()
			torn := s.torn
			s.mu.Unlock()
			if torn {
				s.sendMu.Unlock()
				return
			}
			s.sendCond.Wait()
		}
		buf := s.sendQueue[0]
		s.sendQueue = s.sendQueue[1:]
		s.sendMu.Unlock()

		for attempt := 0; attempt < 3; attempt++ {
			if _, err := s.conn.WriteTo(buf, s.peerAddr); err == nil {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

// closeDrainGrace bounds how long runTicker keeps flushing a closed
// session's send buffer before giving up and freeing the conv anyway,
// so a peer that never acks can't pin a conv forever.
const closeDrainGrace = 5 * time.Second

// runTicker drives engine.update on its own schedule, independent of
// any Read/Write/input activity, so retransmits and ack flushes keep
// happening even on an otherwise idle stream. Once the session is
// closed it keeps ticking until the send buffer has drained (or the
// grace period above elapses) before tearing the session down, so a
// segment still sitting unacked at Close() time gets a chance to be
// retransmitted and acked instead of being dropped and the conv freed
// out from under it.
func (s *session) runTicker() {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	var closedAt time.Time
	for range t.C {
		s.mu.Lock()
		s.eng.update(currentMillis())
		s.cnd.Broadcast()
		closed := s.closed
		waitSnd := s.eng.waitSnd()
		s.mu.Unlock()

		if !closed {
			continue
		}
		if closedAt.IsZero() {
			closedAt = time.Now()
		}
		if waitSnd == 0 || time.Since(closedAt) >= closeDrainGrace {
			s.teardown()
			return
		}
	}
}

// teardown runs once, after a closed session's send buffer has drained
// or the grace timeout has elapsed: it releases the sender goroutine
// and notifies the owning manager so it can free the conv.
func (s *session) teardown() {
	s.mu.Lock()
	s.torn = true
	s.mu.Unlock()

	s.sendMu.Lock()
	s.sendCond.Signal()
	s.sendMu.Unlock()

	if s.onClose != nil {
		s.onClose(s.conv)
	}
}

// input feeds one datagram received for this conv into the engine.
// A closed session still takes input until teardown, so acks for its
// remaining in-flight segments can drain the send buffer.
func (s *session) input(packet []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torn {
		return
	}
	s.eng.input(packet, true, currentMillis())
	s.lastActive = time.Now()
	s.cnd.Broadcast()
}

// read blocks until at least one byte is available or the session is
// closed, then drains as much as fits in buf. A closed session with
// nothing left to deliver reads as a clean io.EOF, matching the
// io.Reader contract the relay's half-close handling relies on.
func (s *session) read(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if n := s.eng.recv(buf); n >= 0 {
			return n, nil
		}
		if s.closed {
			return 0, io.EOF
		}
		s.cnd.Wait()
	}
}

// write blocks until the send window has room, then queues buf. It may
// queue fewer bytes than offered on a dial-side session that has not
// been assigned its conv yet; callers loop until everything is queued.
func (s *session) write(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeClosed {
		return 0, errWriteClose
	}
	for s.eng.waitSnd() >= int(s.eng.sndWnd) {
		if s.closed {
			return 0, errClosed
		}
		s.cnd.Wait()
	}
	if s.awaitingConv {
		if s.sentOnce {
			// One opener is already in flight; anything more has to
			// wait until the peer tells us our conv, or the listener
			// would treat every datagram as a fresh conversation.
			for s.awaitingConv && !s.closed {
				s.cnd.Wait()
			}
		} else {
			// The opener must fit one datagram: the listener assigns
			// the conv from whichever packet arrives first.
			if len(buf) > int(s.eng.mss) {
				buf = buf[:s.eng.mss]
			}
			s.sentOnce = true
		}
	}
	if s.closed {
		return 0, errClosed
	}
	n := len(buf)
	s.eng.send(buf)
	s.eng.flush(false, currentMillis())
	s.lastActive = time.Now()
	return n, nil
}

// adoptConv installs the conv the listener allocated for this dialed
// session, learned from the first reply datagram. In-flight segments
// were queued under conv 0 and are rewritten so their retransmissions
// stay within the adopted conversation.
func (s *session) adoptConv(conv uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.awaitingConv {
		return
	}
	s.conv = conv
	s.eng.conv = conv
	for i := range s.eng.sndBuf {
		s.eng.sndBuf[i].conv = conv
	}
	s.awaitingConv = false
	s.cnd.Broadcast()
}

// closeWrite half-closes the session: further write calls fail, but
// the engine keeps running so the peer's remaining inbound data can
// still be delivered to read. KCP carries no wire-level half-close
// signal, so this is a local-only state change.
func (s *session) closeWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeClosed {
		return nil
	}
	s.writeClosed = true
	return nil
}

// close marks the session closed and wakes any blocked reader/writer
// right away. It does not free the conv itself: runTicker keeps the
// engine flushing past this point and only hands the conv back to the
// manager once the send buffer has drained (or times out).
func (s *session) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cnd.Broadcast()
	return nil
}

func (s *session) idleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActive)
}
