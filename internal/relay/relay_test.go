package relay

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lirui-tech/fourth/internal/config"
	"github.com/lirui-tech/fourth/internal/peek"
)

// pipeStream is a peek.Stream backed by a pair of io.Pipes, letting
// tests drive both ends of a relay without touching the network.
type pipeStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipeStream) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeStream) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeStream) Close() error {
	p.w.Close()
	return p.r.Close()
}
func (p *pipeStream) CloseWrite() error { return p.w.Close() }

// newPipePair returns two ends of a duplex pipe: bytes written to a are
// read from b and vice versa.
func newPipePair() (a, b *pipeStream) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	a = &pipeStream{r: r2, w: w1}
	b = &pipeStream{r: r1, w: w2}
	return a, b
}

func discardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestServeBanShutsDownWriteSide(t *testing.T) {
	a, b := newPipePair()
	log := discardLogger()

	if err := Serve(peek.Wrap(a), &config.Upstream{Name: "ban", Kind: config.KindBan}, log); err != nil {
		t.Fatalf("Serve(ban) returned error: %v", err)
	}

	buf := make([]byte, 1)
	if _, err := b.Read(buf); err != io.EOF {
		t.Fatalf("expected EOF on peer after ban, got %v", err)
	}
}

func TestServeEchoReflectsBytes(t *testing.T) {
	a, b := newPipePair()
	log := discardLogger()

	done := make(chan error, 1)
	go func() {
		done <- Serve(peek.Wrap(a), &config.Upstream{Name: "echo", Kind: config.KindEcho}, log)
	}()

	if _, err := b.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	b.CloseWrite()

	got, err := io.ReadAll(b.r)
	if err != nil {
		t.Fatalf("read echoed bytes: %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("expected echoed \"hello\", got %q", got)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve(echo) returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve(echo) did not return after peer EOF")
	}
}

func TestServeCustomRelaysBothDirectionsAndHalfCloses(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	upstreamDone := make(chan struct{})
	go func() {
		defer close(upstreamDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()

	a, b := newPipePair()
	log := discardLogger()
	up := &config.Upstream{Name: "backend", Kind: config.KindCustom, Addr: ln.Addr().String(), Protocol: "tcp"}

	done := make(chan error, 1)
	go func() {
		done <- Serve(peek.Wrap(a), up, log)
	}()

	if _, err := b.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	b.CloseWrite()

	got, err := io.ReadAll(b.r)
	if err != nil {
		t.Fatalf("read relayed response: %v", err)
	}
	if !bytes.Equal(got, []byte("ping")) {
		t.Fatalf("expected relayed \"ping\" back from upstream, got %q", got)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve(custom) did not return after both directions finished")
	}
	<-upstreamDone
}

func TestServeCustomUnreachableUpstreamClosesInbound(t *testing.T) {
	a, b := newPipePair()
	log := discardLogger()
	up := &config.Upstream{Name: "backend", Kind: config.KindCustom, Addr: "127.0.0.1:1", Protocol: "tcp"}

	if err := Serve(peek.Wrap(a), up, log); err == nil {
		t.Fatal("expected an error dialing an unreachable upstream")
	}

	buf := make([]byte, 1)
	if _, err := b.Read(buf); err != io.EOF {
		t.Fatalf("expected inbound to be closed (EOF on peer), got %v", err)
	}
}
