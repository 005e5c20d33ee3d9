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

// Stream is one accepted (or dialed) KCP conversation, exposed as the
// same duplex byte-stream capability a TCP connection provides
// (see internal/peek.Stream) so the router and relay never need to
// know which transport accepted a connection.
type Stream struct {
	sess *session
}

func (s *Stream) Read(b []byte) (int, error) {
	return s.sess.read(b)
}

func (s *Stream) Write(b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := s.sess.write(b[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// CloseWrite half-closes the stream: no further Write calls are
// accepted, but Read continues to deliver whatever the peer still
// sends until it too finishes.
func (s *Stream) CloseWrite() error {
	return s.sess.closeWrite()
}

// Close closes the conversation: blocked reads and writes return at
// once, and the conv is freed after the send buffer drains (or the
// drain grace period elapses).
func (s *Stream) Close() error {
	return s.sess.close()
}
