package control

import (
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"vcrelay/internal/vcwire"
)

// CodeUnknownOperation is returned for requests no handler is registered for.
const CodeUnknownOperation = "unknown-operation"

// Handler serves one control operation. A non-nil WireError becomes an error
// response; otherwise the returned payload is marshalled into the response.
type Handler func(payload json.RawMessage) (any, *vcwire.WireError)

// Responder is the host side of the control channel: it decodes request
// envelopes, dispatches them to registered handlers, and writes correlated
// responses. Events can be emitted at any time, serialized with responses.
type Responder struct {
	enc *vcwire.Encoder
	dec *vcwire.Decoder

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]Handler
}

func NewResponder(in io.Reader, out io.Writer) *Responder {
	return &Responder{
		enc:      vcwire.NewEncoder(out),
		dec:      vcwire.NewDecoder(in),
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for one operation name.
func (r *Responder) Handle(name string, h Handler) {
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
}

// EmitEvent writes an unsolicited event envelope to the requester.
func (r *Responder) EmitEvent(name string, payload any) error {
	env, err := vcwire.NewEvent(name, payload)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.enc.Encode(env)
}

// Run serves requests until the inbound stream ends. Malformed messages are
// dropped; a clean stream close returns nil.
func (r *Responder) Run() error {
	for {
		env, err := r.dec.Decode()
		if err != nil {
			if errors.Is(err, vcwire.ErrMalformedMessage) {
				log.Warn().Err(err).Msg("control.Responder dropping malformed envelope")
				continue
			}
			if errors.Is(err, vcwire.ErrStreamClosed) {
				return nil
			}
			return err
		}
		if env.Kind != vcwire.KindRequest {
			log.Warn().Str("kind", string(env.Kind)).Str("name", env.Name).
				Msg("control.Responder dropping non-request envelope")
			continue
		}
		if err := r.dispatch(env); err != nil {
			return err
		}
	}
}

func (r *Responder) dispatch(req *vcwire.Envelope) error {
	r.mu.Lock()
	h, ok := r.handlers[req.Name]
	r.mu.Unlock()

	var resp *vcwire.Envelope
	if !ok {
		resp = vcwire.NewErrorResponse(req.ID, req.Name, CodeUnknownOperation, "no handler for "+req.Name)
	} else {
		payload, wireErr := h(req.Payload)
		if wireErr != nil {
			resp = vcwire.NewErrorResponse(req.ID, req.Name, wireErr.Code, wireErr.Message)
		} else {
			var err error
			resp, err = vcwire.NewResponse(req.ID, req.Name, payload)
			if err != nil {
				return err
			}
		}
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.enc.Encode(resp)
}
