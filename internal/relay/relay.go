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

// Package relay implements the bidirectional byte pump between an
// accepted inbound stream and its resolved Upstream, including the
// `ban`/`echo` synthetic targets. A clean EOF on one direction only
// shuts the write side of its destination, while an error on either
// direction tears the whole relay down immediately.
package relay

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/lirui-tech/fourth/internal/config"
	"github.com/lirui-tech/fourth/internal/peek"
)

// dialTimeout bounds how long Serve waits to establish the outbound
// connection to a Custom upstream.
const dialTimeout = 5 * time.Second

// Serve relays conn according to the resolved upstream and returns when
// the relay is over: Ban shuts the inbound write side and returns at
// once, Echo loops bytes back until EOF, and Custom dials the named
// address and pumps both directions until both sides have finished.
func Serve(conn *peek.Conn, up *config.Upstream, log logrus.FieldLogger) error {
	switch up.Kind {
	case config.KindBan:
		return serveBan(conn)
	case config.KindEcho:
		return serveEcho(conn, log)
	case config.KindCustom:
		return serveCustom(conn, up, log)
	default:
		log.WithField("upstream", up.Name).Error("unknown upstream kind, closing")
		return conn.Close()
	}
}

func serveBan(conn *peek.Conn) error {
	defer conn.Close()
	return conn.CloseWrite()
}

func serveEcho(conn *peek.Conn, log logrus.FieldLogger) error {
	defer conn.Close()
	n, err := io.Copy(conn, conn)
	log.WithField("bytes", n).Debug("echo finished")
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}

func serveCustom(conn *peek.Conn, up *config.Upstream, log logrus.FieldLogger) error {
	if up.Protocol != "tcp" {
		log.WithField("protocol", up.Protocol).Error("unsupported upstream protocol, closing")
		conn.Close()
		return errors.Errorf("unsupported upstream protocol %q", up.Protocol)
	}

	raw, err := net.DialTimeout("tcp", up.Addr, dialTimeout)
	if err != nil {
		log.WithError(err).WithField("addr", up.Addr).Warn("failed to connect to upstream, closing inbound")
		conn.Close()
		return errors.Wrapf(err, "dial upstream %s", up.Addr)
	}

	outbound, ok := raw.(peek.Stream)
	if !ok {
		raw.Close()
		conn.Close()
		return errors.New("upstream connection does not support half-close")
	}

	join(conn, outbound, log)
	return nil
}

// join runs the two copy directions concurrently with fail-fast
// cancellation: whichever direction finishes first with a real error
// tears down both streams immediately; a clean EOF instead half-closes
// its destination and waits for the other direction to finish on its
// own.
func join(inbound, outbound peek.Stream, log logrus.FieldLogger) {
	type result struct {
		name string
		err  error
	}
	results := make(chan result, 2)

	pump := func(name string, dst, src peek.Stream) {
		_, err := io.Copy(dst, src)
		if err == nil {
			err = dst.CloseWrite()
		}
		results <- result{name: name, err: err}
	}

	go pump("inbound->outbound", outbound, inbound)
	go pump("outbound->inbound", inbound, outbound)

	first := <-results
	if first.err != nil && first.err != io.EOF {
		log.WithError(first.err).WithField("direction", first.name).Debug("relay direction failed, cancelling the other")
		inbound.Close()
		outbound.Close()
		<-results
		return
	}

	second := <-results
	if second.err != nil && second.err != io.EOF {
		log.WithError(second.err).WithField("direction", second.name).Debug("relay direction failed after peer EOF")
	}
	inbound.Close()
	outbound.Close()
}
