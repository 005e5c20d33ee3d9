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
	"encoding/binary"
	"time"
)

var processStart = time.Now()

// currentMillis is the engine's internal clock: milliseconds since
// process start. It only needs to be monotonic and consistent across
// calls within one process, never wall-clock accurate.
func currentMillis() uint32 {
	return uint32(time.Since(processStart).Milliseconds())
}

// getConv reads the 32-bit conversation id from the front of a raw
// packet without touching engine state. A listener calls this before
// a session exists yet, to route the packet or allocate a fresh conv.
func getConv(packet []byte) uint32 {
	return binary.LittleEndian.Uint32(packet)
}

// setConv rewrites the conversation id in place, used by the listener
// when allocating a conv for a client that sent conv=0.
func setConv(packet []byte, conv uint32) {
	binary.LittleEndian.PutUint32(packet, conv)
}
