package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lirui-tech/fourth/internal/config"
	"github.com/lirui-tech/fourth/internal/kcp"
	"github.com/lirui-tech/fourth/internal/logging"
	"github.com/lirui-tech/fourth/internal/supervisor"
)

// mockBackend listens on addr and replies "hello" to every "by" it reads.
func mockBackend(t *testing.T, addr string) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("mock backend listen %s: %v", addr, err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, len("by"))
				if _, err := io.ReadFull(c, buf); err != nil {
					return
				}
				if string(buf) == "by" {
					c.Write([]byte("hello"))
				}
			}(conn)
		}
	}()
	return ln
}

// TestEndToEndTCPEchoAndProxy drives a full configured proxy over the
// TCP ingress: an echo upstream round-trips every byte value, and a
// custom upstream relays "by" to a mock backend that answers "hello".
func TestEndToEndTCPEchoAndProxy(t *testing.T) {
	const echoAddr = "127.0.0.1:54956"
	const proxyAddr = "127.0.0.1:54500"
	const backendAddr = "127.0.0.1:54501"

	backend := mockBackend(t, backendAddr)
	defer backend.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
version: 1
log: disable
upstream:
  backend: tcp://` + backendAddr + `
servers:
  echo:
    listen: ["` + echoAddr + `"]
    default: echo
  proxy:
    listen: ["` + proxyAddr + `"]
    default: backend
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	log := logging.New("disable")
	sup := supervisor.New(cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx) }()

	waitForListener(t, echoAddr)
	waitForListener(t, proxyAddr)

	t.Run("echo round-trips every byte value", func(t *testing.T) {
		conn, err := net.Dial("tcp", echoAddr)
		if err != nil {
			t.Fatalf("dial echo: %v", err)
		}
		defer conn.Close()

		payload := make([]byte, 256)
		for i := range payload {
			payload[i] = byte(i)
		}
		if _, err := conn.Write(payload); err != nil {
			t.Fatalf("write: %v", err)
		}
		conn.(*net.TCPConn).CloseWrite()

		got, err := io.ReadAll(conn)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(got) != len(payload) {
			t.Fatalf("expected %d bytes back, got %d", len(payload), len(got))
		}
		for i := range payload {
			if got[i] != payload[i] {
				t.Fatalf("byte %d: want %#x got %#x", i, payload[i], got[i])
			}
		}
	})

	t.Run("proxy relays by to hello", func(t *testing.T) {
		conn, err := net.Dial("tcp", proxyAddr)
		if err != nil {
			t.Fatalf("dial proxy: %v", err)
		}
		defer conn.Close()

		if _, err := conn.Write([]byte("by")); err != nil {
			t.Fatalf("write: %v", err)
		}

		buf := make([]byte, len("hello"))
		if _, err := io.ReadFull(conn, buf); err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(buf) != "hello" {
			t.Fatalf("expected \"hello\", got %q", buf)
		}
	})

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down after context cancellation")
	}
}

// TestEndToEndKCPEchoAndProxy drives a full configured proxy over the
// KCP ingress: bytes 0..=10 echoed one at a time, and "by" relayed
// through a KCP listener to a mock TCP backend answering "hello".
func TestEndToEndKCPEchoAndProxy(t *testing.T) {
	const echoAddr = "127.0.0.1:54959"
	const proxyAddr = "127.0.0.1:54958"
	const backendAddr = "127.0.0.1:54957"

	backend := mockBackend(t, backendAddr)
	defer backend.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
version: 1
log: disable
upstream:
  backend: tcp://` + backendAddr + `
servers:
  kcp-echo:
    listen: ["` + echoAddr + `"]
    protocol: kcp
    default: echo
  kcp-proxy:
    listen: ["` + proxyAddr + `"]
    protocol: kcp
    default: backend
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	log := logging.New("disable")
	sup := supervisor.New(cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx) }()

	// UDP has no connect-probe equivalent of waitForListener; the dial
	// side's ARQ retransmission absorbs any opener sent before the
	// listener binds, but give the supervisor a head start anyway.
	time.Sleep(100 * time.Millisecond)

	t.Run("kcp echo round-trips bytes one at a time", func(t *testing.T) {
		conn, err := kcp.Dial(echoAddr)
		if err != nil {
			t.Fatalf("kcp dial echo: %v", err)
		}
		defer conn.Close()

		for i := 0; i <= 10; i++ {
			if _, err := conn.Write([]byte{byte(i)}); err != nil {
				t.Fatalf("write byte %d: %v", i, err)
			}
			got := readWithTimeout(t, conn, 1, 3*time.Second)
			if got[0] != byte(i) {
				t.Fatalf("byte %d: expected echo %#x, got %#x", i, byte(i), got[0])
			}
		}
	})

	t.Run("kcp proxy relays by to hello", func(t *testing.T) {
		conn, err := kcp.Dial(proxyAddr)
		if err != nil {
			t.Fatalf("kcp dial proxy: %v", err)
		}
		defer conn.Close()

		if _, err := conn.Write([]byte("by")); err != nil {
			t.Fatalf("write: %v", err)
		}
		got := readWithTimeout(t, conn, len("hello"), 3*time.Second)
		if string(got) != "hello" {
			t.Fatalf("expected \"hello\", got %q", got)
		}
	})

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down after context cancellation")
	}
}

// clientHello builds a minimal TLS ClientHello record carrying the
// given hostnames in its SNI extension, in order.
func clientHello(hostnames ...string) []byte {
	var list bytes.Buffer
	for _, h := range hostnames {
		list.WriteByte(0x00) // host_name
		l := uint16(len(h))
		list.WriteByte(byte(l >> 8))
		list.WriteByte(byte(l))
		list.WriteString(h)
	}
	var ext bytes.Buffer
	listLen := uint16(list.Len())
	ext.WriteByte(byte(listLen >> 8))
	ext.WriteByte(byte(listLen))
	ext.Write(list.Bytes())

	var extensions bytes.Buffer
	extensions.Write([]byte{0x00, 0x00}) // extension type SNI
	extLen := uint16(ext.Len())
	extensions.WriteByte(byte(extLen >> 8))
	extensions.WriteByte(byte(extLen))
	extensions.Write(ext.Bytes())

	var body bytes.Buffer
	body.Write([]byte{0x03, 0x03}) // client_version
	body.Write(make([]byte, 32))   // random
	body.WriteByte(0x00)           // session id len
	body.Write([]byte{0x00, 0x02}) // cipher suites len
	body.Write([]byte{0x00, 0x00}) // cipher suites
	body.WriteByte(0x01)           // compression len
	body.WriteByte(0x00)           // compression methods
	extnsLen := uint16(extensions.Len())
	body.WriteByte(byte(extnsLen >> 8))
	body.WriteByte(byte(extnsLen))
	body.Write(extensions.Bytes())

	var handshake bytes.Buffer
	handshake.WriteByte(0x01) // ClientHello
	bl := body.Len()
	handshake.Write([]byte{byte(bl >> 16), byte(bl >> 8), byte(bl)})
	handshake.Write(body.Bytes())

	var record bytes.Buffer
	record.WriteByte(0x16) // handshake
	record.Write([]byte{0x03, 0x01})
	hl := uint16(handshake.Len())
	record.WriteByte(byte(hl >> 8))
	record.WriteByte(byte(hl))
	record.Write(handshake.Bytes())
	return record.Bytes()
}

// helloFirstBackend accepts connections and immediately writes "hello"
// without reading anything first, so a test can tell "routed here"
// apart from "routed to ban" by what it reads back.
func helloFirstBackend(t *testing.T, addr string) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("backend listen %s: %v", addr, err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				c.Write([]byte("hello"))
			}(conn)
		}
	}()
	return ln
}

// TestEndToEndTLSSNIRouting drives a tls-enabled listener with a
// crafted ClientHello: a hostname present in the sni map reaches its
// upstream, an unknown hostname falls through to the ban default and
// reads EOF before anything else. The client sends only the hello and
// then waits, so routing must decide from that first read alone.
func TestEndToEndTLSSNIRouting(t *testing.T) {
	const tlsAddr = "127.0.0.1:54960"
	const backendAddr = "127.0.0.1:54961"

	backend := helloFirstBackend(t, backendAddr)
	defer backend.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
version: 1
log: disable
upstream:
  backend: tcp://` + backendAddr + `
servers:
  tls-router:
    listen: ["` + tlsAddr + `"]
    tls: true
    sni:
      www.lirui.tech: backend
    default: ban
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	log := logging.New("disable")
	sup := supervisor.New(cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx) }()

	waitForListener(t, tlsAddr)

	t.Run("matching sni routes to its upstream", func(t *testing.T) {
		conn, err := net.Dial("tcp", tlsAddr)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()

		if _, err := conn.Write(clientHello("www.lirui.tech")); err != nil {
			t.Fatalf("write client hello: %v", err)
		}
		got := readWithTimeout(t, conn, len("hello"), 3*time.Second)
		if string(got) != "hello" {
			t.Fatalf("expected \"hello\" from the sni-selected upstream, got %q", got)
		}
	})

	t.Run("unknown sni falls through to ban", func(t *testing.T) {
		conn, err := net.Dial("tcp", tlsAddr)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()

		if _, err := conn.Write(clientHello("other.example")); err != nil {
			t.Fatalf("write client hello: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		n, err := conn.Read(make([]byte, 1))
		if n != 0 || err != io.EOF {
			t.Fatalf("expected immediate EOF with zero bytes from ban, got n=%d err=%v", n, err)
		}
	})

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down after context cancellation")
	}
}

// readWithTimeout reads exactly n bytes from r or fails the test, so a
// broken relay can't hang the suite on a deadline-less KCP stream.
func readWithTimeout(t *testing.T, r io.Reader, n int, timeout time.Duration) []byte {
	t.Helper()
	got := make([]byte, n)
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(r, got)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("read %d bytes: %v", n, err)
		}
		return got
	case <-time.After(timeout):
		t.Fatalf("timed out reading %d bytes", n)
		return nil
	}
}

// waitForListener polls until a TCP dial to addr succeeds, bounding how
// long a test waits for the supervisor's goroutine to start listening.
func waitForListener(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("listener at %s did not come up in time", addr)
}
