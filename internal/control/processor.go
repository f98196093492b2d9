package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"vcrelay/internal/observability"
	"vcrelay/internal/vcwire"
)

var (
	ErrProtocol           = errors.New("control: protocol error")
	ErrNegotiationRefused = errors.New("control: negotiation refused")
	ErrChannelClosed      = errors.New("control: channel closed")
	ErrTimeout            = errors.New("control: timeout")
)

// DefaultRequestTimeout bounds request operations whose context carries no
// deadline of its own.
const DefaultRequestTimeout = 15 * time.Second

type Option func(*Processor)

func WithRequestTimeout(d time.Duration) Option {
	return func(p *Processor) { p.requestTimeout = d }
}

// Processor is the requester side of the control channel. It owns one inbound
// and one outbound byte stream, serializes outbound envelopes, and matches
// responses to requests by correlation id. A background goroutine decodes the
// inbound stream for the lifetime of the processor.
//
// All operations are safe to call concurrently.
type Processor struct {
	enc *vcwire.Encoder
	dec *vcwire.Decoder

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan *vcwire.Envelope
	nextID  uint64
	closed  bool

	readyOnce sync.Once
	readyCh   chan struct{}

	shutdownOnce sync.Once
	done         chan struct{}

	requestTimeout time.Duration
}

func NewProcessor(in io.Reader, out io.Writer, opts ...Option) *Processor {
	p := &Processor{
		enc:            vcwire.NewEncoder(out),
		dec:            vcwire.NewDecoder(in),
		pending:        make(map[uint64]chan *vcwire.Envelope),
		readyCh:        make(chan struct{}),
		done:           make(chan struct{}),
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.readLoop()
	return p
}

// Done is closed once the inbound stream has ended and every pending request
// has been resolved with ErrChannelClosed.
func (p *Processor) Done() <-chan struct{} { return p.done }

// Close resolves all pending requests with ErrChannelClosed and rejects new
// ones. It is idempotent and safe to call concurrently with operations.
func (p *Processor) Close() error {
	p.shutdown()
	return nil
}

// DiscoverHost identifies the remote control endpoint.
func (p *Processor) DiscoverHost(ctx context.Context) (vcwire.HostInfo, error) {
	resp, err := p.roundTrip(ctx, vcwire.OpDiscoverHost, nil)
	if err != nil {
		return vcwire.HostInfo{}, err
	}
	if err := responseError(resp); err != nil {
		return vcwire.HostInfo{}, err
	}
	var info vcwire.HostInfo
	if err := json.Unmarshal(resp.Payload, &info); err != nil {
		return vcwire.HostInfo{}, fmt.Errorf("%w: invalid host info: %v", ErrProtocol, err)
	}
	if !info.Role.Valid() {
		return vcwire.HostInfo{}, fmt.Errorf("%w: invalid role %q", ErrProtocol, info.Role)
	}
	return info, nil
}

// FetchManifest asks the remote for the channel manifest location.
func (p *Processor) FetchManifest(ctx context.Context) (vcwire.ManifestLocation, error) {
	resp, err := p.roundTrip(ctx, vcwire.OpFetchManifest, nil)
	if err != nil {
		return vcwire.ManifestLocation{}, err
	}
	if err := responseError(resp); err != nil {
		return vcwire.ManifestLocation{}, err
	}
	var loc vcwire.ManifestLocation
	if err := json.Unmarshal(resp.Payload, &loc); err != nil {
		return vcwire.ManifestLocation{}, fmt.Errorf("%w: invalid manifest location: %v", ErrProtocol, err)
	}
	if strings.TrimSpace(loc.Path) == "" {
		return vcwire.ManifestLocation{}, fmt.Errorf("%w: empty manifest path", ErrProtocol)
	}
	return loc, nil
}

// NegotiateChannel requests one named virtual channel for the given requester.
// The returned grant carries the relay address and a single-use auth token.
func (p *Processor) NegotiateChannel(ctx context.Context, name string, requesterID uint32) (vcwire.ChannelGrant, error) {
	payload := vcwire.ChannelRequest{ChannelName: name, RequesterID: requesterID}
	resp, err := p.roundTrip(ctx, vcwire.OpOpenChannel, payload)
	if err != nil {
		return vcwire.ChannelGrant{}, err
	}
	if err := responseError(resp); err != nil {
		return vcwire.ChannelGrant{}, err
	}
	var grant vcwire.ChannelGrant
	if err := json.Unmarshal(resp.Payload, &grant); err != nil {
		return vcwire.ChannelGrant{}, fmt.Errorf("%w: invalid channel grant: %v", ErrProtocol, err)
	}
	if strings.TrimSpace(grant.RelayAddress) == "" || len(grant.AuthToken) == 0 {
		return vcwire.ChannelGrant{}, fmt.Errorf("%w: incomplete channel grant", ErrProtocol)
	}
	return grant, nil
}

// AwaitChannelReady suspends until the remote signals channel readiness via
// the asynchronous channel-ready event. Readiness is signaled on the control
// channel, not on the relay: callers pair this with Relay.Authenticate.
func (p *Processor) AwaitChannelReady(ctx context.Context) error {
	select {
	case <-p.readyCh:
		return nil
	case <-p.done:
		return fmt.Errorf("%w: awaiting channel-ready", ErrChannelClosed)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: awaiting channel-ready", ErrTimeout)
		}
		return ctx.Err()
	}
}

// CloseChannel notifies the remote that the named channel is going away.
// Best effort: the request is written but no response is awaited, and a late
// reply is dropped by the decode loop as an unmatched response.
func (p *Processor) CloseChannel(name string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrChannelClosed
	}
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	env, err := vcwire.NewRequest(id, vcwire.OpCloseChannel, vcwire.ChannelClose{ChannelName: name})
	if err != nil {
		return err
	}
	return p.send(env)
}

func (p *Processor) roundTrip(ctx context.Context, name string, payload any) (*vcwire.Envelope, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.requestTimeout)
		defer cancel()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		observability.RecordControlRequest(name, "closed")
		return nil, fmt.Errorf("%w: %s", ErrChannelClosed, name)
	}
	p.nextID++
	id := p.nextID
	ch := make(chan *vcwire.Envelope, 1)
	p.pending[id] = ch
	p.mu.Unlock()

	env, err := vcwire.NewRequest(id, name, payload)
	if err != nil {
		p.discard(id)
		observability.RecordControlRequest(name, "error")
		return nil, err
	}
	if err := p.send(env); err != nil {
		p.discard(id)
		observability.RecordControlRequest(name, "error")
		return nil, fmt.Errorf("control: send %s: %w", name, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			observability.RecordControlRequest(name, "closed")
			return nil, fmt.Errorf("%w: awaiting %s response", ErrChannelClosed, name)
		}
		observability.RecordControlRequest(name, "ok")
		return resp, nil
	case <-ctx.Done():
		// Drop the slot so a late response stops consuming caller state.
		p.discard(id)
		observability.RecordControlRequest(name, "timeout")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, name)
		}
		return nil, ctx.Err()
	}
}

func (p *Processor) send(env *vcwire.Envelope) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.enc.Encode(env)
}

func (p *Processor) discard(id uint64) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *Processor) readLoop() {
	for {
		env, err := p.dec.Decode()
		if err != nil {
			if errors.Is(err, vcwire.ErrMalformedMessage) {
				// Codec failure affects one message, not the loop.
				log.Warn().Err(err).Msg("control.Processor dropping malformed envelope")
				continue
			}
			if !errors.Is(err, vcwire.ErrStreamClosed) {
				log.Error().Err(err).Msg("control.Processor inbound stream error")
			}
			p.shutdown()
			return
		}
		switch env.Kind {
		case vcwire.KindResponse:
			p.resolve(env)
		case vcwire.KindEvent:
			p.handleEvent(env)
		default:
			log.Warn().Str("name", env.Name).Msg("control.Processor dropping unexpected request envelope")
		}
	}
}

func (p *Processor) resolve(env *vcwire.Envelope) {
	p.mu.Lock()
	ch, ok := p.pending[env.ID]
	delete(p.pending, env.ID)
	p.mu.Unlock()
	if !ok {
		// Protocol anomaly, not fatal: the requester may have timed out.
		log.Warn().Uint64("id", env.ID).Str("name", env.Name).
			Msg("control.Processor dropping unmatched response")
		return
	}
	ch <- env
}

func (p *Processor) handleEvent(env *vcwire.Envelope) {
	switch env.Name {
	case vcwire.EventChannelReady:
		p.readyOnce.Do(func() { close(p.readyCh) })
	default:
		log.Debug().Str("name", env.Name).Msg("control.Processor ignoring event")
	}
}

func (p *Processor) shutdown() {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		for id, ch := range p.pending {
			delete(p.pending, id)
			close(ch)
		}
		p.mu.Unlock()
		close(p.done)
	})
}

func responseError(resp *vcwire.Envelope) error {
	if resp.Err == nil {
		return nil
	}
	if resp.Err.Code == vcwire.CodeChannelUnavailable {
		return fmt.Errorf("%w: %s", ErrNegotiationRefused, resp.Err.Message)
	}
	return fmt.Errorf("%w: remote error %s: %s", ErrProtocol, resp.Err.Code, resp.Err.Message)
}
