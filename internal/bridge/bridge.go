package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"vcrelay/internal/observability"
	"vcrelay/internal/relay"
)

var ErrMissingTopic = errors.New("bridge: missing topic")

// Bus is the external pub/sub collaborator. Payloads are strings; Go strings
// carry arbitrary bytes, so relay chunks pass through losslessly in-process.
// Implementations are responsible for binary-safe transport of their own wire
// format.
type Bus interface {
	Broadcast(topic string, payload string) error
	Subscribe(topic string, handler func(payload string)) (func(), error)
}

// Config shapes one bridge instance.
type Config struct {
	// Channel labels logs and metrics.
	Channel string
	// InboundTopic receives chunks read from the relay.
	InboundTopic string
	// OutboundTopic feeds payloads to write to the relay.
	OutboundTopic  string
	ReadBufferSize int
	// QueueSize bounds the outbound payload queue between the bus handler
	// and the relay writer.
	QueueSize   int
	IdleBackoff BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ReadBufferSize: 32 * 1024,
		QueueSize:      64,
		IdleBackoff:    DefaultBackoffConfig(),
	}
}

func (c Config) WithDefaults() Config {
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 32 * 1024
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	c.IdleBackoff = c.IdleBackoff.WithDefaults()
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.InboundTopic) == "" {
		return fmt.Errorf("%w: inbound", ErrMissingTopic)
	}
	if strings.TrimSpace(c.OutboundTopic) == "" {
		return fmt.Errorf("%w: outbound", ErrMissingTopic)
	}
	return nil
}

// Bridge runs the two pump loops between one relay and one bus.
type Bridge struct {
	id    string
	relay *relay.Relay
	bus   Bus
	cfg   Config
}

func New(r *relay.Relay, bus Bus, cfg Config) (*Bridge, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Bridge{
		id:    uuid.NewString(),
		relay: r,
		bus:   bus,
		cfg:   cfg,
	}, nil
}

// Run pumps until the relay closes, the context is cancelled, or a pump
// fails. Whichever pump ends first triggers shutdown: the relay is closed so
// the other pump observes ErrRelayClosed and terminates. A closed relay or a
// cancelled context is a clean shutdown, not an error.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := log.With().Str("bridge", b.id).Str("channel", b.cfg.Channel).Logger()
	logger.Info().Str("inbound_topic", b.cfg.InboundTopic).
		Str("outbound_topic", b.cfg.OutboundTopic).Msg("bridge starting")

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- b.pumpInbound(ctx)
	}()
	go func() {
		defer wg.Done()
		errCh <- b.pumpOutbound(ctx)
	}()

	first := <-errCh
	cancel()
	b.relay.Close()
	wg.Wait()

	if first == nil || errors.Is(first, relay.ErrRelayClosed) ||
		errors.Is(first, context.Canceled) || errors.Is(first, context.DeadlineExceeded) {
		logger.Info().Msg("bridge stopped")
		return nil
	}
	logger.Error().Err(first).Msg("bridge failed")
	return first
}

// pumpInbound forwards each non-empty relay chunk to the bus exactly once,
// preserving arrival order. Zero-length reads back off and retry; they are
// never treated as stream end.
func (b *Bridge) pumpInbound(ctx context.Context) error {
	buf := make([]byte, b.cfg.ReadBufferSize)
	idle := newIdleBackoff(b.cfg.IdleBackoff)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := b.relay.Read(buf)
		if n > 0 {
			idle.reset()
			if err := b.bus.Broadcast(b.cfg.InboundTopic, string(buf[:n])); err != nil {
				return fmt.Errorf("bridge: broadcast: %w", err)
			}
			observability.RecordBridgeChunk(b.cfg.Channel, "inbound")
			continue
		}
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(idle.next()):
		}
	}
}

// pumpOutbound writes each payload received from the bus to the relay, in
// subscription delivery order.
func (b *Bridge) pumpOutbound(ctx context.Context) error {
	queue := make(chan string, b.cfg.QueueSize)
	unsubscribe, err := b.bus.Subscribe(b.cfg.OutboundTopic, func(payload string) {
		select {
		case queue <- payload:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("bridge: subscribe: %w", err)
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload := <-queue:
			if err := b.relay.Write([]byte(payload)); err != nil {
				return err
			}
			observability.RecordBridgeChunk(b.cfg.Channel, "outbound")
		}
	}
}
