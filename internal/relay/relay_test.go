package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"vcrelay/internal/testutil/testlog"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SocketDir = t.TempDir()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.Channel = "test"
	return cfg
}

// acceptOne runs a listener for a single authenticated peer and hands the
// server-side conn back on a channel.
func acceptOne(t *testing.T, address string, token []byte, cfg Config) (<-chan net.Conn, *Listener) {
	t.Helper()
	ln, err := Listen(address, token, cfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	ch := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			return
		}
		ch <- conn
	}()
	return ch, ln
}

func TestSocketPath(t *testing.T) {
	testlog.Start(t)
	got, err := SocketPath("pipe://echo-4242", "/run/vcrelay")
	if err != nil {
		t.Fatalf("pipe address: %v", err)
	}
	if got != "/run/vcrelay/echo-4242.sock" {
		t.Fatalf("unexpected path: %q", got)
	}
	got, err = SocketPath("unix:///var/run/echo.sock", "")
	if err != nil {
		t.Fatalf("unix address: %v", err)
	}
	if got != "/var/run/echo.sock" {
		t.Fatalf("unexpected path: %q", got)
	}
	for _, bad := range []string{"tcp://host:1", "pipe://", "pipe://a/b", "echo"} {
		if _, err := SocketPath(bad, "/tmp"); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("address %q: expected ErrInvalidAddress, got %v", bad, err)
		}
	}
}

func TestConnectRefusedWithoutListener(t *testing.T) {
	testlog.Start(t)
	_, err := Connect(context.Background(), "pipe://nobody-home", testConfig(t))
	if !errors.Is(err, ErrConnectRefused) {
		t.Fatalf("expected ErrConnectRefused, got %v", err)
	}
}

func TestConnectAuthenticateLifecycle(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	token := []byte{0xAA, 0xBB, 0xCC}
	serverCh, _ := acceptOne(t, "pipe://echo-4242", token, cfg)

	r, err := Connect(context.Background(), "pipe://echo-4242", cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer r.Close()
	if r.State() != Authenticating {
		t.Fatalf("state after connect: %s", r.State())
	}

	if err := r.Authenticate(token); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if r.State() != Ready {
		t.Fatalf("state after authenticate: %s", r.State())
	}

	var server net.Conn
	select {
	case server = <-serverCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("server never accepted")
	}
	defer server.Close()

	if _, err := server.Write([]byte("hello")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	buf := make([]byte, 16)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("relay read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("unexpected read: %q", buf[:n])
	}
	if r.State() != Streaming {
		t.Fatalf("state after first read: %s", r.State())
	}
}

func TestRoundTripBytesUnshortenedInOrder(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	token := []byte{0x01, 0x02}
	serverCh, _ := acceptOne(t, "pipe://roundtrip", token, cfg)

	r, err := Connect(context.Background(), "pipe://roundtrip", cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer r.Close()
	if err := r.Authenticate(token); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	server := <-serverCh
	defer server.Close()

	payload := bytes.Repeat([]byte("0123456789abcdef"), 4096) // 64 KiB
	go func() {
		server.Write(payload)
		server.Close()
	}()

	var got bytes.Buffer
	buf := make([]byte, 1500)
	for got.Len() < len(payload) {
		n, err := r.Read(buf)
		if n > 0 {
			got.Write(buf[:n])
			continue
		}
		if err != nil {
			t.Fatalf("read after %d bytes: %v", got.Len(), err)
		}
	}
	if !bytes.Equal(got.Bytes(), payload) {
		t.Fatalf("payload corrupted: got %d bytes", got.Len())
	}

	// Reverse direction.
	echo := []byte("echo back")
	if err := r.Write(echo); err != nil {
		t.Fatalf("relay write: %v", err)
	}
	back := make([]byte, len(echo))
	if _, err := io.ReadFull(server, back); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if !bytes.Equal(back, echo) {
		t.Fatalf("unexpected echo: %q", back)
	}
}

// scriptedConn fakes a conn whose reads can legitimately return zero bytes.
type scriptedConn struct {
	net.Conn
	mu    sync.Mutex
	reads [][]byte
}

func (c *scriptedConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reads) == 0 {
		return 0, io.EOF
	}
	chunk := c.reads[0]
	c.reads = c.reads[1:]
	return copy(p, chunk), nil
}

func (c *scriptedConn) Close() error { return nil }

func TestZeroLengthReadIsNotStreamEnd(t *testing.T) {
	testlog.Start(t)
	conn := &scriptedConn{reads: [][]byte{{}, {}, []byte("hello")}}
	r := &Relay{cfg: DefaultConfig().WithDefaults(), state: Ready, conn: conn}

	buf := make([]byte, 16)
	for i := 0; i < 2; i++ {
		n, err := r.Read(buf)
		if err != nil {
			t.Fatalf("zero read %d errored: %v", i, err)
		}
		if n != 0 {
			t.Fatalf("expected empty read, got %d bytes", n)
		}
	}
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 5 || string(buf[:n]) != "hello" {
		t.Fatalf("unexpected read: n=%d %q", n, buf[:n])
	}
	// EOF after the scripted data maps to a relay close.
	if _, err := r.Read(buf); !errors.Is(err, ErrRelayClosed) {
		t.Fatalf("expected ErrRelayClosed at EOF, got %v", err)
	}
}

func TestReadWithEmptyBuffer(t *testing.T) {
	testlog.Start(t)
	r := &Relay{cfg: DefaultConfig().WithDefaults(), state: Ready, conn: &scriptedConn{}}
	if n, err := r.Read(nil); n != 0 || err != nil {
		t.Fatalf("empty buffer read: n=%d err=%v", n, err)
	}
}

func TestCloseUnblocksBlockedRead(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	token := []byte{0x05}
	serverCh, _ := acceptOne(t, "pipe://blocked", token, cfg)

	r, err := Connect(context.Background(), "pipe://blocked", cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := r.Authenticate(token); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	server := <-serverCh
	defer server.Close()

	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 32)
		_, err := r.Read(buf)
		readErr <- err
	}()

	time.Sleep(50 * time.Millisecond) // let the read block
	r.Close()

	select {
	case err := <-readErr:
		if !errors.Is(err, ErrRelayClosed) {
			t.Fatalf("expected ErrRelayClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("blocked read hung through close")
	}
}

func TestCloseIdempotentAndConcurrent(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	token := []byte{0x09}
	serverCh, _ := acceptOne(t, "pipe://closing", token, cfg)

	r, err := Connect(context.Background(), "pipe://closing", cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := r.Authenticate(token); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	(<-serverCh).Close()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Close()
		}()
	}
	wg.Wait()
	r.Close()

	if r.State() != Closed {
		t.Fatalf("state after close: %s", r.State())
	}
	if err := r.Write([]byte("x")); !errors.Is(err, ErrRelayClosed) {
		t.Fatalf("write after close: %v", err)
	}
	if _, err := r.Read(make([]byte, 4)); !errors.Is(err, ErrRelayClosed) {
		t.Fatalf("read after close: %v", err)
	}
}

func TestAuthenticateValidation(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	token := []byte{0x0A, 0x0B}
	serverCh, _ := acceptOne(t, "pipe://authcheck", token, cfg)

	r, err := Connect(context.Background(), "pipe://authcheck", cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer r.Close()

	if err := r.Authenticate(nil); !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("expected ErrEmptyToken, got %v", err)
	}
	if err := r.Authenticate(token); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := r.Authenticate(token); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on re-auth, got %v", err)
	}
	(<-serverCh).Close()
}

func TestListenerRejectsWrongToken(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	ln, err := Listen("pipe://strict", []byte("correct"), cfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := net.Dial("unix", ln.Addr())
		if err != nil {
			return
		}
		conn.Write([]byte("wrongtk"))
		conn.Close()
	}()

	_, err = ln.Accept(context.Background())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestListenerTokenIsSingleUse(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	token, err := NewToken(16)
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	ln, err := Listen("pipe://once", token, cfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	dialAuth := func() {
		conn, err := net.Dial("unix", ln.Addr())
		if err != nil {
			t.Errorf("dial: %v", err)
			return
		}
		conn.Write(token)
	}

	go dialAuth()
	first, err := ln.Accept(context.Background())
	if err != nil {
		t.Fatalf("first accept: %v", err)
	}
	defer first.Close()

	go dialAuth()
	if _, err := ln.Accept(context.Background()); !errors.Is(err, ErrTokenReused) {
		t.Fatalf("expected ErrTokenReused, got %v", err)
	}
}

func TestAcceptHonorsContextCancel(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	ln, err := Listen("pipe://cancelled", []byte{0x01}, cfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	if _, err := ln.Accept(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
