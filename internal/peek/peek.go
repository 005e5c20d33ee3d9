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

// Package peek provides a "peek without consuming" shim: most
// transports (and KCP streams in particular) cannot natively peek, so
// the first N bytes read from the underlying stream are buffered in
// user space and prepended transparently on the first real Read.
package peek

import "io"

// Stream is the small capability the router and relay operate over: a
// duplex byte stream that can half-close its write side independently
// of its read side.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	CloseWrite() error
}

// Conn wraps a Stream with a peek buffer. The zero value is not usable;
// construct with Wrap.
type Conn struct {
	Stream
	buffered []byte
	readPos  int
}

// Wrap returns a Conn that can Peek the first bytes of s without
// consuming them from the perspective of subsequent Reads.
func Wrap(s Stream) *Conn {
	return &Conn{Stream: s}
}

// Peek returns up to n bytes from the stream without consuming them:
// a later Read still observes these bytes. It issues at most one
// blocking Read on the underlying stream, so it may return fewer than
// n bytes (including zero on EOF). It must not wait for more input
// than that single Read yields: at peek time nothing downstream has
// been dialed yet, so a peer that sent its opening bytes and is now
// waiting on a response would never send more.
//
// Only the portion of the stream not yet consumed by a prior Read can
// still be peeked: Peek is meant to be called once, before any Read,
// for a one-shot routing decision.
func (c *Conn) Peek(n int) ([]byte, error) {
	if len(c.buffered)-c.readPos == 0 && n > 0 {
		chunk := make([]byte, n)
		k, err := c.Stream.Read(chunk)
		if k > 0 {
			c.buffered = append(c.buffered, chunk[:k]...)
		}
		if err != nil {
			return c.buffered[c.readPos:], err
		}
	}
	out := c.buffered[c.readPos:]
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Read first drains whatever remains of the peek buffer, then falls
// through to the underlying stream.
func (c *Conn) Read(b []byte) (int, error) {
	if c.readPos < len(c.buffered) {
		n := copy(b, c.buffered[c.readPos:])
		c.readPos += n
		if c.readPos == len(c.buffered) {
			// release the backing array once fully drained
			c.buffered = nil
			c.readPos = 0
		}
		return n, nil
	}
	return c.Stream.Read(b)
}
