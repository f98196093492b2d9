package vcwire

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	req, err := NewRequest(7, OpOpenChannel, ChannelRequest{ChannelName: "echo", RequesterID: 4242})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(req); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := NewDecoder(&buf).Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != KindRequest || got.ID != 7 || got.Name != OpOpenChannel {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	var payload ChannelRequest
	if err := json.Unmarshal(got.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.ChannelName != "echo" || payload.RequesterID != 4242 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestChannelGrantTokenRoundTrip(t *testing.T) {
	grant := ChannelGrant{RelayAddress: "pipe://echo-4242", AuthToken: []byte{0xAA, 0xBB, 0xCC}}
	resp, err := NewResponse(3, OpOpenChannel, grant)
	if err != nil {
		t.Fatalf("new response: %v", err)
	}
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(resp); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := NewDecoder(&buf).Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var out ChannelGrant
	if err := json.Unmarshal(got.Payload, &out); err != nil {
		t.Fatalf("unmarshal grant: %v", err)
	}
	if out.RelayAddress != grant.RelayAddress || !bytes.Equal(out.AuthToken, grant.AuthToken) {
		t.Fatalf("grant mismatch: %+v", out)
	}
}

func TestDecodeAcrossSplitWrites(t *testing.T) {
	req, err := NewRequest(1, OpDiscoverHost, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(req); err != nil {
		t.Fatalf("encode: %v", err)
	}
	wire := buf.Bytes()

	pr, pw := io.Pipe()
	go func() {
		// Drip the envelope one byte at a time; Decode must buffer partials.
		for _, b := range wire {
			pw.Write([]byte{b})
		}
		pw.Close()
	}()
	dec := NewDecoder(pr)
	got, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != 1 || got.Name != OpDiscoverHost {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	if _, err := dec.Decode(); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
}

func TestDecodeMalformedLineThenRecovers(t *testing.T) {
	input := "{not json}\n" + `{"kind":"event","name":"channel-ready"}` + "\n"
	dec := NewDecoder(strings.NewReader(input))
	if _, err := dec.Decode(); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
	got, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode after malformed line: %v", err)
	}
	if got.Kind != KindEvent || got.Name != EventChannelReady {
		t.Fatalf("unexpected envelope: %+v", got)
	}
}

func TestDecodeStreamClosed(t *testing.T) {
	if _, err := NewDecoder(strings.NewReader("")).Decode(); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed on empty stream, got %v", err)
	}
	// Stream ending mid-message is also a close, not a hang.
	if _, err := NewDecoder(strings.NewReader(`{"kind":"req`)).Decode(); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed on truncated message, got %v", err)
	}
}

func TestDecodeSkipsBlankLines(t *testing.T) {
	input := "\n\n" + `{"kind":"response","id":9,"name":"manifest.fetch"}` + "\n"
	got, err := NewDecoder(strings.NewReader(input)).Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != 9 {
		t.Fatalf("unexpected envelope: %+v", got)
	}
}

func TestEncodeRejectsInvalidEnvelopes(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.Encode(&Envelope{Kind: KindRequest, Name: OpDiscoverHost}); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage for request without id, got %v", err)
	}
	if err := enc.Encode(&Envelope{Kind: Kind("bogus"), ID: 1, Name: "x"}); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage for unknown kind, got %v", err)
	}
	if err := enc.Encode(&Envelope{Kind: KindEvent, Name: "  "}); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage for blank name, got %v", err)
	}
}

func TestDecodeOversizedMessage(t *testing.T) {
	line := `{"kind":"event","name":"` + strings.Repeat("x", MaxMessageSize) + `"}` + "\n"
	_, err := NewDecoder(strings.NewReader(line)).Decode()
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
	if !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("oversized should remain a codec-level failure, got %v", err)
	}
}

func TestDecodeCapsUnterminatedStream(t *testing.T) {
	// No delimiter anywhere: the cap must trip while reading, not after a
	// full line has been buffered.
	dec := NewDecoder(strings.NewReader(strings.Repeat("x", 2*MaxMessageSize)))
	_, err := dec.Decode()
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
	if _, err := dec.Decode(); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed after drained stream, got %v", err)
	}
}

func TestDecodeOversizedLineThenRecovers(t *testing.T) {
	input := strings.Repeat("x", 2*MaxMessageSize) + "\n" +
		`{"kind":"event","name":"channel-ready"}` + "\n"
	dec := NewDecoder(strings.NewReader(input))
	if _, err := dec.Decode(); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
	got, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode after oversized line: %v", err)
	}
	if got.Kind != KindEvent || got.Name != EventChannelReady {
		t.Fatalf("unexpected envelope: %+v", got)
	}
}
