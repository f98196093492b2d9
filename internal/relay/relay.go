package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"vcrelay/internal/observability"
)

var (
	ErrConnectTimeout = errors.New("relay: connect timeout")
	ErrConnectRefused = errors.New("relay: connect refused")
	ErrRelayClosed    = errors.New("relay: closed")
	ErrInvalidAddress = errors.New("relay: invalid address")
	ErrInvalidState   = errors.New("relay: invalid state for operation")
	ErrEmptyToken     = errors.New("relay: empty auth token")
)

// State is the relay connection lifecycle phase.
type State int32

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Ready
	Streaming
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Ready:
		return "ready"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config carries relay transport settings.
type Config struct {
	// SocketDir hosts the unix sockets behind pipe:// addresses.
	SocketDir      string
	ConnectTimeout time.Duration
	// Channel labels logs and metrics; it does not affect addressing.
	Channel string
}

func DefaultConfig() Config {
	return Config{
		SocketDir:      os.TempDir(),
		ConnectTimeout: 5 * time.Second,
	}
}

func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.SocketDir) == "" {
		c.SocketDir = os.TempDir()
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	return c
}

// SocketPath resolves a relay address to a unix socket path. pipe://<name>
// maps into dir; unix://<path> is taken as-is.
func SocketPath(address, dir string) (string, error) {
	switch {
	case strings.HasPrefix(address, "pipe://"):
		name := strings.TrimPrefix(address, "pipe://")
		if name == "" || strings.ContainsAny(name, "/\\") {
			return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
		}
		return filepath.Join(dir, name+".sock"), nil
	case strings.HasPrefix(address, "unix://"):
		path := strings.TrimPrefix(address, "unix://")
		if path == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
		}
		return path, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
}

// Relay owns one virtual channel connection. The connection handle may be
// shared between an inbound and an outbound pump; Close is safe to call from
// either side concurrently and unblocks pending reads and writes.
type Relay struct {
	cfg Config

	mu    sync.Mutex
	state State
	conn  net.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Connect opens the named connection and leaves the relay in Authenticating
// on success. Timeout maps to ErrConnectTimeout, an absent or unresponsive
// endpoint to ErrConnectRefused.
func Connect(ctx context.Context, address string, cfg Config) (*Relay, error) {
	cfg = cfg.WithDefaults()
	path, err := SocketPath(address, cfg.SocketDir)
	if err != nil {
		return nil, err
	}

	r := &Relay{cfg: cfg, state: Connecting}
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		// Not shared yet, no lock needed.
		r.state = Failed
		return nil, mapConnectError(err, address)
	}

	r.mu.Lock()
	r.conn = conn
	r.state = Authenticating
	r.mu.Unlock()
	return r, nil
}

func mapConnectError(err error, address string) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %s", ErrConnectTimeout, address)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrConnectTimeout, address)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT) {
		return fmt.Errorf("%w: %s", ErrConnectRefused, address)
	}
	return fmt.Errorf("%w: %s: %v", ErrConnectRefused, address, err)
}

// Authenticate writes the raw token as the first bytes on the connection and
// moves the relay to Ready on write success. Local success is optimistic: it
// proves the bytes were sent, not that the remote accepted them. The
// authoritative acceptance signal is the channel-ready event on the control
// channel.
func (r *Relay) Authenticate(token []byte) error {
	if len(token) == 0 {
		return ErrEmptyToken
	}
	r.mu.Lock()
	if r.state == Closed {
		r.mu.Unlock()
		return ErrRelayClosed
	}
	if r.state != Authenticating {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: authenticate in %s", ErrInvalidState, state)
	}
	conn := r.conn
	r.mu.Unlock()

	r.writeMu.Lock()
	_, err := conn.Write(token)
	r.writeMu.Unlock()
	if err != nil {
		r.fail()
		return r.mapIOError(err)
	}

	r.mu.Lock()
	if r.state == Authenticating {
		r.state = Ready
	}
	r.mu.Unlock()
	return nil
}

// Read blocks until data is available, the connection closes, or an error
// occurs. A zero count with nil error is a valid, non-terminal outcome and
// must not be treated as end-of-stream; callers loop.
func (r *Relay) Read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	conn, err := r.liveConn()
	if err != nil {
		return 0, err
	}
	n, err := conn.Read(buf)
	if n > 0 {
		r.markStreaming()
		observability.RecordRelayBytes(r.cfg.Channel, "inbound", n)
	}
	if err != nil {
		if n > 0 {
			// Deliver the data; the close surfaces on the next call.
			return n, nil
		}
		return 0, r.mapIOError(err)
	}
	return n, nil
}

// Write transmits b fully before returning. Writes never interleave: one call
// completes before the next begins.
func (r *Relay) Write(b []byte) error {
	conn, err := r.liveConn()
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	_, err = conn.Write(b)
	r.writeMu.Unlock()
	if err != nil {
		return r.mapIOError(err)
	}
	r.markStreaming()
	observability.RecordRelayBytes(r.cfg.Channel, "outbound", len(b))
	return nil
}

// Close is idempotent, transitions any state to Closed, and unblocks pending
// reads and writes with ErrRelayClosed.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		conn := r.conn
		r.state = Closed
		r.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
	return nil
}

func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Relay) liveConn() (net.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case Ready, Streaming:
		return r.conn, nil
	case Closed, Failed:
		return nil, ErrRelayClosed
	default:
		return nil, fmt.Errorf("%w: stream io in %s", ErrInvalidState, r.state)
	}
}

func (r *Relay) markStreaming() {
	r.mu.Lock()
	if r.state == Ready {
		r.state = Streaming
	}
	r.mu.Unlock()
}

func (r *Relay) fail() {
	r.mu.Lock()
	if r.state != Closed {
		r.state = Failed
	}
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (r *Relay) mapIOError(err error) error {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, syscall.EPIPE) {
		r.Close()
		return ErrRelayClosed
	}
	r.fail()
	return fmt.Errorf("relay: io: %w", err)
}
