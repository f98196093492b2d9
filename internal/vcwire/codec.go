package vcwire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize caps one encoded envelope, delimiter included.
const MaxMessageSize = 1 << 20

// Encoder writes envelopes to a byte stream, one JSON line per envelope.
// The whole line goes out in a single Write call so that two encoders sharing
// a serialized writer never interleave partial envelopes.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Encode(env *Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("vcwire: encode: %w", err)
	}
	if len(data)+1 > MaxMessageSize {
		return ErrMessageTooLarge
	}
	data = append(data, '\n')
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("vcwire: write envelope: %w", err)
	}
	return nil
}

// Decoder reads envelopes from a byte stream. Decode blocks until one complete
// envelope is available; partial reads are buffered and bytes belonging to the
// next message are never lost. A malformed line fails that Decode call only,
// the decoder stays usable for the following line.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

func (d *Decoder) Decode() (*Envelope, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if err := env.Validate(); err != nil {
			return nil, err
		}
		return &env, nil
	}
}

// readLine accumulates one newline-terminated line, enforcing MaxMessageSize
// while reading so an unterminated stream cannot grow the buffer past the cap.
// An oversized line is drained up to its delimiter and reported as
// ErrMessageTooLarge; the decoder resumes at the next line.
func (d *Decoder) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		line = append(line, chunk...)
		switch {
		case err == nil:
			if len(line) > MaxMessageSize {
				return nil, ErrMessageTooLarge
			}
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			if len(line) > MaxMessageSize {
				if derr := d.discardLine(); derr != nil && !errors.Is(derr, ErrStreamClosed) {
					return nil, derr
				}
				return nil, ErrMessageTooLarge
			}
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe):
			// A partial trailing line means the stream ended mid-message;
			// either way the stream is gone.
			return nil, ErrStreamClosed
		default:
			return nil, fmt.Errorf("vcwire: read envelope: %w", err)
		}
	}
}

// discardLine consumes the rest of the current line without retaining it.
func (d *Decoder) discardLine() error {
	for {
		_, err := d.r.ReadSlice('\n')
		switch {
		case err == nil:
			return nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe):
			return ErrStreamClosed
		default:
			return fmt.Errorf("vcwire: read envelope: %w", err)
		}
	}
}
