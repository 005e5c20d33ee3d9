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

// Package router selects, for a freshly accepted inbound stream and
// its listener descriptor, which upstream the connection should be
// relayed to: the TLS ClientHello SNI is peeked on TLS listeners, and
// everything else falls back to the descriptor's default upstream.
package router

import (
	"github.com/sirupsen/logrus"

	"github.com/lirui-tech/fourth/internal/config"
	"github.com/lirui-tech/fourth/internal/peek"
	"github.com/lirui-tech/fourth/internal/sni"
)

// peekWindow is the number of bytes peeked from the inbound stream to
// look for a ClientHello.
const peekWindow = 1024

// Resolve selects the Upstream a freshly accepted connection should be
// relayed to. It never consumes bytes from conn beyond what Peek
// buffers internally, so the relay still sees the full stream
// including the peeked bytes.
//
// The selection is one-shot: it is made once from the initial peek
// window and never re-evaluated once forwarding begins.
func Resolve(conn *peek.Conn, desc *config.Descriptor, log logrus.FieldLogger) *config.Upstream {
	selected := desc.Default

	if desc.TLS {
		buf, _ := conn.Peek(peekWindow)
		names := sni.GetSNI(buf, log)
		if len(names) > 0 && desc.SNI != nil {
			for _, name := range names {
				if up, ok := desc.SNI[name]; ok {
					selected = up
					break
				}
			}
		}
	}

	if up, ok := desc.Upstream[selected]; ok {
		return up
	}

	log.WithField("upstream", selected).WithField("server", desc.Name).
		Warn("no upstream with that name, falling back to default")

	if up, ok := desc.Upstream[desc.Default]; ok {
		return up
	}
	return &config.Upstream{Name: config.UpstreamBan, Kind: config.KindBan}
}
