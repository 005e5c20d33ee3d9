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
	"sync"
)

// manager multiplexes conversations sharing one UDP socket: it owns
// conv allocation, the conv -> session map, and the accept-queue
// publication policy (bounded backlog, drop-on-overflow).
type manager struct {
	mu       sync.Mutex
	sessions map[uint32]*session
	nextConv uint32

	accept chan *session
}

const acceptBacklog = 1024

func newManager() *manager {
	return &manager{
		sessions: make(map[uint32]*session),
		nextConv: 1,
		accept:   make(chan *session, acceptBacklog),
	}
}

// allocConv returns a conv id not currently in use, skipping zero
// (reserved to mean "please allocate one").
func (m *manager) allocConv() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		c := m.nextConv
		m.nextConv++
		if m.nextConv == 0 {
			m.nextConv = 1
		}
		if c != 0 {
			if _, used := m.sessions[c]; !used {
				return c
			}
		}
	}
}

// getOrCreate returns the session for conv, creating (and queueing for
// accept) one if this is the first packet seen for it. The bool
// result reports whether a new session was created.
func (m *manager) getOrCreate(conv uint32, peerAddr net.Addr, conn packetConn) (*session, bool) {
	m.mu.Lock()
	if s, ok := m.sessions[conv]; ok {
		m.mu.Unlock()
		return s, false
	}

	s := newSession(conv, peerAddr, conn, m.closeConv)
	m.sessions[conv] = s

	overflow := false
	select {
	case m.accept <- s:
	default:
		// Accept queue is full: drop the new session rather than block
		// the receive loop that every other conversation depends on.
		delete(m.sessions, conv)
		overflow = true
	}
	m.mu.Unlock()

	if overflow {
		s.close()
		return nil, false
	}
	return s, true
}

// closeConv removes conv from the live set. Safe to call from the
// session's own teardown (its onClose callback).
func (m *manager) closeConv(conv uint32) {
	m.mu.Lock()
	delete(m.sessions, conv)
	m.mu.Unlock()
}

// closeAll closes every live session and empties the map, used when the
// listener shuts down.
func (m *manager) closeAll() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[uint32]*session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}
