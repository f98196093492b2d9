package vcwire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind identifies the envelope class on the control channel.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
)

// Operation and event names carried in Envelope.Name.
const (
	OpDiscoverHost  = "host.discover"
	OpFetchManifest = "manifest.fetch"
	OpOpenChannel   = "channel.open"
	OpCloseChannel  = "channel.close"

	EventChannelReady = "channel-ready"
)

// CodeChannelUnavailable is the wire error code for a declined negotiation.
const CodeChannelUnavailable = "channel-unavailable"

var (
	ErrMalformedMessage = errors.New("vcwire: malformed message")
	ErrStreamClosed     = errors.New("vcwire: stream closed")
)

// ErrMessageTooLarge wraps ErrMalformedMessage: oversized input is still a
// codec-level failure for the specific message, not a transport failure.
var ErrMessageTooLarge = fmt.Errorf("%w: message too large", ErrMalformedMessage)

// WireError is the remote failure detail attached to a response envelope.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Envelope is one control-channel message. ID correlates a request with its
// response and is absent (zero) on events.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	ID      uint64          `json:"id,omitempty"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Err     *WireError      `json:"error,omitempty"`
}

func (e *Envelope) Validate() error {
	switch e.Kind {
	case KindRequest, KindResponse:
		if e.ID == 0 {
			return fmt.Errorf("%w: %s missing id", ErrMalformedMessage, e.Kind)
		}
	case KindEvent:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedMessage, e.Kind)
	}
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrMalformedMessage)
	}
	return nil
}

// Role identifies the remote control endpoint.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

func (r Role) Valid() bool {
	return r == RoleServer || r == RoleClient
}

// HostInfo is the host.discover response payload. Immutable once received.
type HostInfo struct {
	Role Role `json:"role"`
}

// ManifestLocation is the manifest.fetch response payload.
type ManifestLocation struct {
	Path string `json:"path"`
}

// ChannelRequest is the channel.open request payload.
type ChannelRequest struct {
	ChannelName string `json:"channel_name"`
	RequesterID uint32 `json:"requester_id"`
}

// ChannelGrant is the channel.open response payload. The token is single use:
// valid only for the first authentication attempt on the relay address.
type ChannelGrant struct {
	RelayAddress string `json:"relay_address"`
	AuthToken    []byte `json:"auth_token"`
}

// ChannelClose is the channel.close request payload.
type ChannelClose struct {
	ChannelName string `json:"channel_name"`
}

// NewRequest builds a request envelope with a marshalled payload.
func NewRequest(id uint64, name string, payload any) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Kind: KindRequest, ID: id, Name: name, Payload: raw}, nil
}

// NewResponse builds a success response correlated to the given request id.
func NewResponse(id uint64, name string, payload any) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Kind: KindResponse, ID: id, Name: name, Payload: raw}, nil
}

// NewErrorResponse builds a failure response correlated to the given request id.
func NewErrorResponse(id uint64, name, code, message string) *Envelope {
	return &Envelope{
		Kind: KindResponse,
		ID:   id,
		Name: name,
		Err:  &WireError{Code: code, Message: message},
	}
}

// NewEvent builds an unsolicited event envelope.
func NewEvent(name string, payload any) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Kind: KindEvent, Name: name, Payload: raw}, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("vcwire: marshal payload: %w", err)
	}
	return raw, nil
}
