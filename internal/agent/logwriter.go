package agent

import (
	"bytes"
	"sync"

	"github.com/nxtg-ai/forge-pool/internal/proto"
)

// logWriter converts a task's raw output stream into line-delimited log
// messages on the wire.
type logWriter struct {
	mu     sync.Mutex
	enc    *proto.Encoder
	taskID string
	stream string
	buf    bytes.Buffer
}

func newLogWriter(enc *proto.Encoder, taskID, stream string) *logWriter {
	return &logWriter{enc: enc, taskID: taskID, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line stays buffered until the next write or Flush.
			w.buf.WriteString(line)
			break
		}
		w.emit(line[:len(line)-1])
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *logWriter) emit(line string) {
	msg, err := proto.New(proto.TypeLog, proto.LogPayload{
		TaskID: w.taskID,
		Stream: w.stream,
		Line:   line,
	})
	if err != nil {
		return
	}
	_ = w.enc.Encode(msg)
}
