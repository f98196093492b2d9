package relay

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

var (
	ErrAuthFailed  = errors.New("relay: authentication failed")
	ErrTokenReused = errors.New("relay: auth token already used")
)

// HandshakeTimeout bounds the wait for the client's token bytes after accept.
const HandshakeTimeout = 5 * time.Second

// NewToken returns n random token bytes for a channel grant.
func NewToken(n int) ([]byte, error) {
	if n <= 0 {
		return nil, ErrEmptyToken
	}
	token := make([]byte, n)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("relay: generate token: %w", err)
	}
	return token, nil
}

// Listener is the host side of a virtual channel: it accepts connections on
// the pipe address and validates the expected auth token. The token is single
// use; only the first successful authentication is honored.
type Listener struct {
	ln    net.Listener
	path  string
	token []byte

	mu   sync.Mutex
	used bool

	closeOnce sync.Once
}

// Listen binds the pipe address. A stale socket file from a previous run is
// removed first.
func Listen(address string, token []byte, cfg Config) (*Listener, error) {
	if len(token) == 0 {
		return nil, ErrEmptyToken
	}
	cfg = cfg.WithDefaults()
	path, err := SocketPath(address, cfg.SocketDir)
	if err != nil {
		return nil, err
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("relay: listen %s: %w", address, err)
	}
	return &Listener{ln: ln, path: path, token: token}, nil
}

// Accept returns the next authenticated connection. A wrong or reused token
// closes the offending connection and returns an error; the listener stays
// usable for further attempts.
func (l *Listener) Accept(ctx context.Context) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer stop()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrRelayClosed
		}
		return nil, fmt.Errorf("relay: accept: %w", err)
	}

	if err := l.authenticate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (l *Listener) authenticate(conn net.Conn) error {
	buf := make([]byte, len(l.token))
	conn.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("%w: reading token: %v", ErrAuthFailed, err)
	}
	conn.SetReadDeadline(time.Time{})

	if subtle.ConstantTimeCompare(buf, l.token) != 1 {
		return ErrAuthFailed
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.used {
		return ErrTokenReused
	}
	l.used = true
	return nil
}

// Addr reports the bound socket path.
func (l *Listener) Addr() string { return l.path }

// Close releases the listener and its socket file. Idempotent.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.ln.Close()
		os.Remove(l.path)
	})
	return nil
}
