package proto

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Maximum accepted size of a single wire message.
const maxMessageSize = 512 * 1024

// Encoder writes newline-delimited messages. Safe for concurrent use so the
// agent's heartbeat ticker and result writer can share one stdout.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode writes one message followed by a newline.
func (e *Encoder) Encode(msg Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(msg); err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	return nil
}

// Decoder reads newline-delimited messages.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxMessageSize)
	return &Decoder{scanner: scanner}
}

// Decode reads the next message. Returns io.EOF when the stream ends.
func (d *Decoder) Decode() (Message, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return Message{}, fmt.Errorf("malformed message: %w", err)
		}
		if msg.Type == "" || msg.ID == "" {
			return Message{}, fmt.Errorf("malformed message: missing type or id")
		}
		return msg, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}
