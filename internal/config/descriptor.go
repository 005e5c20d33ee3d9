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

package config

import (
	"net"

	"github.com/sirupsen/logrus"
)

// Descriptor is the immutable per-listener Proxy Descriptor. One is
// produced per (server entry, listen address) pair.
type Descriptor struct {
	Name     string
	Listen   string // host:port, already checked to split into host and port
	Protocol string // "tcp" or "kcp"
	TLS      bool
	SNI      map[string]string // hostname -> upstream name, nil if unset
	Default  string            // upstream name, defaults to "ban"
	Upstream map[string]*Upstream
}

// Flatten builds one Descriptor per listen address across all server
// entries. Listen addresses that do not parse as host:port are logged
// and skipped rather than aborting the whole flatten; they are not
// resolved here.
func (c *Config) Flatten(log *logrus.Logger) []*Descriptor {
	var out []*Descriptor

	for name, entry := range c.Servers {
		proto := entry.Protocol
		if proto == "" {
			proto = "tcp"
		}
		def := entry.Default
		if def == "" {
			def = UpstreamBan
		}

		for _, listen := range entry.Listen {
			if _, _, err := net.SplitHostPort(listen); err != nil {
				log.WithError(err).WithField("listen", listen).WithField("server", name).
					Warn("invalid listen address, skipping")
				continue
			}

			out = append(out, &Descriptor{
				Name:     name,
				Listen:   listen,
				Protocol: proto,
				TLS:      entry.TLS,
				SNI:      entry.SNI,
				Default:  def,
				Upstream: c.Upstream,
			})
		}
	}
	return out
}
