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

// Package supervisor flattens a validated configuration into one
// listener task per (server, listen address) pair and runs them all
// to completion, failing the whole run as soon as any one of them
// does.
package supervisor

import (
	"context"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lirui-tech/fourth/internal/config"
	"github.com/lirui-tech/fourth/internal/kcp"
	"github.com/lirui-tech/fourth/internal/peek"
	"github.com/lirui-tech/fourth/internal/relay"
	"github.com/lirui-tech/fourth/internal/router"
)

// Supervisor owns the flattened set of listener tasks derived from a
// configuration and runs them until the context is cancelled or one
// of them fails.
type Supervisor struct {
	cfg *config.Config
	log *logrus.Logger
}

func New(cfg *config.Config, log *logrus.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, log: log}
}

// Run spawns one task per descriptor and blocks until ctx is
// cancelled or any task returns an error, at which point every other
// task is cancelled too.
func (s *Supervisor) Run(ctx context.Context) error {
	descriptors := s.cfg.Flatten(s.log)

	for _, unused := range s.cfg.UnusedUpstreams() {
		s.log.WithField("upstream", unused).Warn("upstream declared but never referenced by any server")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, d := range descriptors {
		d := d
		g.Go(func() error {
			log := s.log.WithField("server", d.Name).WithField("listen", d.Listen).WithField("protocol", d.Protocol)
			switch d.Protocol {
			case "tcp":
				return serveTCP(ctx, d, log)
			case "kcp":
				return serveKCP(ctx, d, log)
			default:
				log.Warn("unsupported protocol, skipping listener")
				return nil
			}
		})
	}
	return g.Wait()
}

func serveTCP(ctx context.Context, d *config.Descriptor, log *logrus.Entry) error {
	ln, err := net.Listen("tcp", d.Listen)
	if err != nil {
		return err
	}
	log.Info("tcp listener started")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		stream, ok := conn.(peek.Stream)
		if !ok {
			log.Warn("accepted tcp connection does not support half-close, closing")
			conn.Close()
			continue
		}
		go handle(peek.Wrap(stream), d, log)
	}
}

func serveKCP(ctx context.Context, d *config.Descriptor, log *logrus.Entry) error {
	ln, err := kcp.Bind(d.Listen, log)
	if err != nil {
		return err
	}
	log.Info("kcp listener started")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		stream, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go handle(peek.Wrap(stream), d, log)
	}
}

func handle(conn *peek.Conn, d *config.Descriptor, log *logrus.Entry) {
	up := router.Resolve(conn, d, log)
	if err := relay.Serve(conn, up, log); err != nil {
		log.WithError(err).WithField("upstream", up.Name).Debug("relay finished with error")
	}
}
