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

// Package kcp implements a reliable, ordered ARQ transport over
// unreliable datagrams: the engine (send/receive windows, RTO
// estimation, fast/early retransmit), a session wrapping one engine
// per conversation, a session manager multiplexing many conversations
// over one UDP socket, a listener producing accepted streams, and the
// KcpStream exposed to the rest of the proxy as the same peek.Stream
// capability TCP connections satisfy.
//
// The engine in this file follows the canonical KCP ARQ algorithm
// without the FEC shard layer: the conv/window/RTO state machine is
// kept wire-equivalent so it interoperates with any other KCP
// implementation.
package kcp

import "encoding/binary"

const (
	rtoNoDelayMin = 30
	rtoMin        = 100
	rtoDefault    = 200
	rtoMax        = 60000

	cmdPush = 81
	cmdAck  = 82
	cmdWask = 83
	cmdWins = 84

	askSend = 1
	askTell = 2

	wndSndDefault = 32
	wndRcvDefault = 128

	mtuDefault = 1400
	overhead   = 24
	deadLink   = 20

	threshInit = 2
	threshMin  = 2

	probeInit  = 7000
	probeLimit = 120000
)

func minu32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func maxu32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func boundu32(lower, middle, upper uint32) uint32 {
	return minu32(maxu32(lower, middle), upper)
}

func timediff(later, earlier uint32) int32 {
	return int32(later - earlier)
}

// segment is one unit of the send/receive windows.
type segment struct {
	conv     uint32
	cmd      uint32
	frg      uint32
	wnd      uint32
	ts       uint32
	sn       uint32
	una      uint32
	data     []byte
	resendTS uint32
	rto      uint32
	fastack  uint32
	xmit     uint32
}

func (seg *segment) encode(ptr []byte) []byte {
	binary.LittleEndian.PutUint32(ptr, seg.conv)
	ptr[4] = byte(seg.cmd)
	ptr[5] = byte(seg.frg)
	binary.LittleEndian.PutUint16(ptr[6:], uint16(seg.wnd))
	binary.LittleEndian.PutUint32(ptr[8:], seg.ts)
	binary.LittleEndian.PutUint32(ptr[12:], seg.sn)
	binary.LittleEndian.PutUint32(ptr[16:], seg.una)
	binary.LittleEndian.PutUint32(ptr[20:], uint32(len(seg.data)))
	return ptr[overhead:]
}

type ackItem struct {
	sn uint32
	ts uint32
}

// output is called by the engine whenever it has a datagram ready to
// leave the process. The caller owns buf past the call.
type output func(buf []byte)

// engine is one side of a KCP conversation: a pure state machine with
// no knowledge of sockets, goroutines, or time beyond the millisecond
// counters handed to it.
type engine struct {
	conv, mtu, mss     uint32
	state              uint32
	sndUna, sndNxt     uint32
	rcvNxt             uint32
	ssthresh           uint32
	rxRttvar, rxSrtt   int32
	rxRTO, rxMinrto    uint32
	sndWnd, rcvWnd     uint32
	rmtWnd, cwnd       uint32
	probe              uint32
	interval, tsFlush  uint32
	nodelay, updated   uint32
	tsProbe, probeWait uint32
	incr               uint32

	fastresend int32
	nocwnd     bool
	stream     bool

	sndQueue []segment
	rcvQueue []segment
	sndBuf   []segment
	rcvBuf   []segment

	acklist []ackItem

	buffer []byte
	out    output
}

func newEngine(conv uint32, out output) *engine {
	e := &engine{
		conv:      conv,
		sndWnd:    wndSndDefault,
		rcvWnd:    wndRcvDefault,
		rmtWnd:    wndRcvDefault,
		mtu:       mtuDefault,
		rxRTO:     rtoDefault,
		rxMinrto:  rtoMin,
		interval:  100,
		tsFlush:   100,
		ssthresh:  threshInit,
		out:       out,
		stream:    true, // this proxy always runs KCP in byte-stream mode
	}
	e.mss = e.mtu - overhead
	e.buffer = make([]byte, (e.mtu+overhead)*3)
	return e
}

// setNoDelay mirrors the classic ikcp_nodelay tuning knobs. -1 leaves
// a field untouched.
func (e *engine) setNoDelay(nodelay, interval, resend int, nc bool) {
	if nodelay >= 0 {
		e.nodelay = uint32(nodelay)
		if nodelay != 0 {
			e.rxMinrto = rtoNoDelayMin
		} else {
			e.rxMinrto = rtoMin
		}
	}
	if interval >= 0 {
		if interval > 5000 {
			interval = 5000
		} else if interval < 10 {
			interval = 10
		}
		e.interval = uint32(interval)
	}
	if resend >= 0 {
		e.fastresend = int32(resend)
	}
	e.nocwnd = nc
}

func (e *engine) setWndSize(sndwnd, rcvwnd int) {
	if sndwnd > 0 {
		e.sndWnd = uint32(sndwnd)
	}
	if rcvwnd > 0 {
		e.rcvWnd = uint32(rcvwnd)
	}
}

// waitSnd is how many segments are still queued or unacknowledged.
func (e *engine) waitSnd() int {
	return len(e.sndBuf) + len(e.sndQueue)
}

// peekSize reports the size of the next complete message sitting in
// rcvQueue, or -1 if none is ready yet.
func (e *engine) peekSize() int {
	if len(e.rcvQueue) == 0 {
		return -1
	}
	seg := &e.rcvQueue[0]
	if seg.frg == 0 {
		return len(seg.data)
	}
	if len(e.rcvQueue) < int(seg.frg+1) {
		return -1
	}
	length := 0
	for i := range e.rcvQueue {
		s := &e.rcvQueue[i]
		length += len(s.data)
		if s.frg == 0 {
			break
		}
	}
	return length
}

// recv drains one complete message (or, in stream mode, as many
// ready bytes as fit) into buffer. Returns -1 if nothing is ready yet.
func (e *engine) recv(buffer []byte) int {
	if len(e.rcvQueue) == 0 {
		return -1
	}
	if e.peekSize() < 0 {
		return -1
	}

	fastRecover := len(e.rcvQueue) >= int(e.rcvWnd)

	n := 0
	count := 0
	for i := range e.rcvQueue {
		seg := &e.rcvQueue[i]
		if n+len(seg.data) > len(buffer) {
			if e.stream {
				// take what fits; the rest of the segment stays queued
				k := copy(buffer[n:], seg.data)
				seg.data = seg.data[k:]
				n += k
			}
			break
		}
		copy(buffer[n:], seg.data)
		n += len(seg.data)
		count++
		if seg.frg == 0 && !e.stream {
			break
		}
	}
	e.rcvQueue = e.rcvQueue[count:]

	count = 0
	for i := range e.rcvBuf {
		seg := &e.rcvBuf[i]
		if seg.sn == e.rcvNxt && len(e.rcvQueue) < int(e.rcvWnd) {
			e.rcvNxt++
			count++
		} else {
			break
		}
	}
	e.rcvQueue = append(e.rcvQueue, e.rcvBuf[:count]...)
	e.rcvBuf = e.rcvBuf[count:]

	if len(e.rcvQueue) < int(e.rcvWnd) && fastRecover {
		e.probe |= askTell
	}
	return n
}

// send queues buffer for transmission. In the proxy's always-stream
// mode, bytes are appended to the tail segment when it has room
// instead of always starting a fresh one, so small writes don't each
// cost a full MSS-sized segment.
func (e *engine) send(buffer []byte) int {
	if len(buffer) == 0 {
		return -1
	}

	if n := len(e.sndQueue); n > 0 {
		old := &e.sndQueue[n-1]
		if len(old.data) < int(e.mss) {
			capacity := int(e.mss) - len(old.data)
			extend := capacity
			if len(buffer) < capacity {
				extend = len(buffer)
			}
			old.data = append(old.data, buffer[:extend]...)
			buffer = buffer[extend:]
		}
	}
	if len(buffer) == 0 {
		return 0
	}

	count := (len(buffer) + int(e.mss) - 1) / int(e.mss)
	if count == 0 {
		count = 1
	}
	for i := 0; i < count; i++ {
		size := int(e.mss)
		if size > len(buffer) {
			size = len(buffer)
		}
		seg := segment{data: append([]byte(nil), buffer[:size]...)}
		e.sndQueue = append(e.sndQueue, seg)
		buffer = buffer[size:]
	}
	return 0
}

func (e *engine) updateAck(rtt int32) {
	if e.rxSrtt == 0 {
		e.rxSrtt = rtt
		e.rxRttvar = rtt >> 1
	} else {
		delta := rtt - e.rxSrtt
		e.rxSrtt += delta >> 3
		if delta < 0 {
			delta = -delta
		}
		if rtt < e.rxSrtt-e.rxRttvar {
			e.rxRttvar += (delta - e.rxRttvar) >> 5
		} else {
			e.rxRttvar += (delta - e.rxRttvar) >> 2
		}
	}
	rto := uint32(e.rxSrtt) + maxu32(e.interval, uint32(e.rxRttvar)<<2)
	e.rxRTO = boundu32(e.rxMinrto, rto, rtoMax)
}

func (e *engine) shrinkBuf() {
	if len(e.sndBuf) > 0 {
		e.sndUna = e.sndBuf[0].sn
	} else {
		e.sndUna = e.sndNxt
	}
}

func (e *engine) parseAck(sn uint32) {
	if timediff(sn, e.sndUna) < 0 || timediff(sn, e.sndNxt) >= 0 {
		return
	}
	for i := range e.sndBuf {
		if sn == e.sndBuf[i].sn {
			e.sndBuf = append(e.sndBuf[:i], e.sndBuf[i+1:]...)
			break
		}
		if timediff(sn, e.sndBuf[i].sn) < 0 {
			break
		}
	}
}

func (e *engine) parseFastack(sn uint32) {
	if timediff(sn, e.sndUna) < 0 || timediff(sn, e.sndNxt) >= 0 {
		return
	}
	for i := range e.sndBuf {
		seg := &e.sndBuf[i]
		if timediff(sn, seg.sn) < 0 {
			break
		} else if sn != seg.sn {
			seg.fastack++
		}
	}
}

func (e *engine) parseUna(una uint32) {
	count := 0
	for i := range e.sndBuf {
		if timediff(una, e.sndBuf[i].sn) > 0 {
			count++
		} else {
			break
		}
	}
	e.sndBuf = e.sndBuf[count:]
}

func (e *engine) ackPush(sn, ts uint32) {
	e.acklist = append(e.acklist, ackItem{sn: sn, ts: ts})
}

func (e *engine) parseData(newseg segment) {
	sn := newseg.sn
	if timediff(sn, e.rcvNxt+e.rcvWnd) >= 0 || timediff(sn, e.rcvNxt) < 0 {
		return
	}

	n := len(e.rcvBuf) - 1
	insertIdx := 0
	repeat := false
	for i := n; i >= 0; i-- {
		if e.rcvBuf[i].sn == sn {
			repeat = true
			break
		}
		if timediff(sn, e.rcvBuf[i].sn) > 0 {
			insertIdx = i + 1
			break
		}
	}

	if !repeat {
		if insertIdx == n+1 {
			e.rcvBuf = append(e.rcvBuf, newseg)
		} else {
			e.rcvBuf = append(e.rcvBuf, segment{})
			copy(e.rcvBuf[insertIdx+1:], e.rcvBuf[insertIdx:])
			e.rcvBuf[insertIdx] = newseg
		}
	}

	count := 0
	for i := range e.rcvBuf {
		if e.rcvBuf[i].sn == e.rcvNxt && len(e.rcvQueue) < int(e.rcvWnd) {
			e.rcvNxt++
			count++
		} else {
			break
		}
	}
	e.rcvQueue = append(e.rcvQueue, e.rcvBuf[:count]...)
	e.rcvBuf = e.rcvBuf[count:]
}

// input feeds one inbound datagram (which may contain several
// concatenated segments) into the engine. regular marks a packet that
// arrived on the normal path (as opposed to some out-of-band replay),
// used to decide whether to trust its window advertisement.
func (e *engine) input(data []byte, regular bool, now uint32) int {
	sndUnaBefore := e.sndUna
	if len(data) < overhead {
		return -1
	}

	var maxack uint32
	flag := false

	for len(data) >= overhead {
		conv := binary.LittleEndian.Uint32(data)
		if conv != e.conv {
			return -1
		}
		cmd := data[4]
		frg := data[5]
		wnd := binary.LittleEndian.Uint16(data[6:])
		ts := binary.LittleEndian.Uint32(data[8:])
		sn := binary.LittleEndian.Uint32(data[12:])
		una := binary.LittleEndian.Uint32(data[16:])
		length := binary.LittleEndian.Uint32(data[20:])
		data = data[overhead:]
		if uint32(len(data)) < length {
			return -2
		}

		if cmd != cmdPush && cmd != cmdAck && cmd != cmdWask && cmd != cmdWins {
			return -3
		}

		if regular {
			e.rmtWnd = uint32(wnd)
		}
		e.parseUna(una)
		e.shrinkBuf()

		switch cmd {
		case cmdAck:
			if timediff(now, ts) >= 0 {
				e.updateAck(timediff(now, ts))
			}
			e.parseAck(sn)
			e.shrinkBuf()
			if !flag {
				flag = true
				maxack = sn
			} else if timediff(sn, maxack) > 0 {
				maxack = sn
			}
		case cmdPush:
			if timediff(sn, e.rcvNxt+e.rcvWnd) < 0 {
				e.ackPush(sn, ts)
				if timediff(sn, e.rcvNxt) >= 0 {
					seg := segment{
						conv: conv, cmd: uint32(cmd), frg: uint32(frg),
						wnd: uint32(wnd), ts: ts, sn: sn, una: una,
						data: append([]byte(nil), data[:length]...),
					}
					e.parseData(seg)
				}
			}
		case cmdWask:
			e.probe |= askTell
		case cmdWins:
			// remote just told us its window size; nothing to do here.
		}

		data = data[length:]
	}

	if flag && regular {
		e.parseFastack(maxack)
	}

	if timediff(e.sndUna, sndUnaBefore) > 0 && e.cwnd < e.rmtWnd {
		if e.cwnd < e.ssthresh {
			e.cwnd++
			e.incr += e.mss
		} else {
			if e.incr < e.mss {
				e.incr = e.mss
			}
			e.incr += (e.mss*e.mss)/e.incr + e.mss/16
			if (e.cwnd+1)*e.mss <= e.incr {
				e.cwnd++
			}
		}
		if e.cwnd > e.rmtWnd {
			e.cwnd = e.rmtWnd
			e.incr = e.rmtWnd * e.mss
		}
	}

	if e.rmtWnd == 0 && len(e.acklist) > 0 {
		e.flush(true, now)
	}
	return 0
}

func (e *engine) wndUnused() uint32 {
	if len(e.rcvQueue) < int(e.rcvWnd) {
		return e.rcvWnd - uint32(len(e.rcvQueue))
	}
	return 0
}

// flush emits every pending ack, probe, and data segment as one or
// more datagrams via e.out. ackOnly restricts it to the ack batch,
// used when input() needs to flush acks immediately without also
// running the full retransmission pass.
func (e *engine) flush(ackOnly bool, now uint32) {
	buffer := e.buffer
	lost := false
	change := 0

	var seg segment
	seg.conv = e.conv
	seg.cmd = cmdAck
	seg.wnd = e.wndUnused()
	seg.una = e.rcvNxt

	ptr := buffer
	for _, ack := range e.acklist {
		if len(ptr) < overhead {
			e.out(buffer[:len(buffer)-len(ptr)])
			ptr = buffer
		}
		seg.sn, seg.ts = ack.sn, ack.ts
		ptr = seg.encode(ptr)
	}
	e.acklist = nil

	if size := len(buffer) - len(ptr); size > 0 {
		e.out(buffer[:size])
		ptr = buffer
	}
	if ackOnly {
		return
	}

	if e.rmtWnd == 0 {
		if e.probeWait == 0 {
			e.probeWait = probeInit
			e.tsProbe = now + e.probeWait
		} else if timediff(now, e.tsProbe) >= 0 {
			if e.probeWait < probeInit {
				e.probeWait = probeInit
			}
			e.probeWait += e.probeWait / 2
			if e.probeWait > probeLimit {
				e.probeWait = probeLimit
			}
			e.tsProbe = now + e.probeWait
			e.probe |= askSend
		}
	} else {
		e.tsProbe = 0
		e.probeWait = 0
	}

	if e.probe&askSend != 0 {
		seg.cmd = cmdWask
		ptr = seg.encode(ptr)
	}
	if e.probe&askTell != 0 {
		seg.cmd = cmdWins
		ptr = seg.encode(ptr)
	}
	e.probe = 0

	cwnd := minu32(e.sndWnd, e.rmtWnd)
	if !e.nocwnd {
		cwnd = minu32(e.cwnd, cwnd)
	}

	newSegs := 0
	for i := range e.sndQueue {
		if timediff(e.sndNxt, e.sndUna+cwnd) >= 0 {
			break
		}
		newseg := e.sndQueue[i]
		newseg.conv = e.conv
		newseg.cmd = cmdPush
		newseg.sn = e.sndNxt
		e.sndBuf = append(e.sndBuf, newseg)
		e.sndNxt++
		newSegs++
	}
	e.sndQueue = e.sndQueue[newSegs:]

	resent := uint32(e.fastresend)
	if e.fastresend <= 0 {
		resent = 0xffffffff
	}

	flushSegment := func(segment *segment) {
		need := overhead + len(segment.data)
		if len(ptr) < need {
			e.out(buffer[:len(buffer)-len(ptr)])
			ptr = buffer
			now = currentMillis()
		}
		ptr = segment.encode(ptr)
		n := copy(ptr, segment.data)
		ptr = ptr[n:]
	}

	for i := len(e.sndBuf) - newSegs; i < len(e.sndBuf); i++ {
		s := &e.sndBuf[i]
		s.xmit++
		s.rto = e.rxRTO
		s.resendTS = now + s.rto
		s.ts = now
		s.wnd = seg.wnd
		s.una = e.rcvNxt
		flushSegment(s)
	}

	for i := 0; i < len(e.sndBuf)-newSegs; i++ {
		s := &e.sndBuf[i]
		needsend := false
		if timediff(now, s.resendTS) >= 0 {
			needsend = true
			s.xmit++
			if e.nodelay == 0 {
				s.rto += e.rxRTO
			} else {
				s.rto += e.rxRTO / 2
			}
			s.resendTS = now + s.rto
			lost = true
		} else if s.fastack >= resent {
			needsend = true
			s.xmit++
			s.fastack = 0
			s.rto = e.rxRTO
			s.resendTS = now + s.rto
			change++
		} else if s.fastack > 0 && newSegs == 0 {
			needsend = true
			s.xmit++
			s.fastack = 0
			s.rto = e.rxRTO
			s.resendTS = now + s.rto
			change++
		}

		if needsend {
			s.ts = now
			s.wnd = seg.wnd
			s.una = e.rcvNxt
			flushSegment(s)
			if s.xmit >= deadLink {
				e.state = 0xFFFFFFFF
			}
		}
	}

	if size := len(buffer) - len(ptr); size > 0 {
		e.out(buffer[:size])
	}

	if change != 0 {
		inflight := e.sndNxt - e.sndUna
		e.ssthresh = maxu32(inflight/2, threshMin)
		e.cwnd = e.ssthresh + resent
		e.incr = e.cwnd * e.mss
	}
	if lost {
		e.ssthresh = maxu32(cwnd/2, threshMin)
		e.cwnd = 1
		e.incr = e.mss
	}
	if e.cwnd < 1 {
		e.cwnd = 1
		e.incr = e.mss
	}
}

// update drives the engine's timer-based work: ack/probe/retransmit
// flushing. Call it roughly every e.interval milliseconds, or sooner
// if the caller observes e.conv's connection is otherwise idle.
func (e *engine) update(now uint32) {
	if e.updated == 0 {
		e.updated = 1
		e.tsFlush = now
	}
	slap := timediff(now, e.tsFlush)
	if slap >= 10000 || slap < -10000 {
		e.tsFlush = now
		slap = 0
	}
	if slap >= 0 {
		e.tsFlush += e.interval
		if timediff(now, e.tsFlush) >= 0 {
			e.tsFlush = now + e.interval
		}
		e.flush(false, now)
	}
}
