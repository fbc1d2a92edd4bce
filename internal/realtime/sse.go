package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sink receives frames for one connection.
type Sink interface {
	Send(event, id string, data any) error
}

// SSEWriter frames events as text/event-stream and flushes each one.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter writes the stream headers. It fails if w cannot flush.
func NewSSEWriter(w http.ResponseWriter, retryMillis int) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if retryMillis > 0 {
		if _, err := fmt.Fprintf(w, "retry: %d\n\n", retryMillis); err != nil {
			return nil, err
		}
	}
	flusher.Flush()
	return &SSEWriter{w: w, flusher: flusher}, nil
}

func (s *SSEWriter) Send(event, id string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}
	var b strings.Builder
	if id != "" {
		b.WriteString("id: ")
		b.WriteString(id)
		b.WriteByte('\n')
	}
	b.WriteString("event: ")
	b.WriteString(event)
	b.WriteString("\ndata: ")
	b.Write(body)
	b.WriteString("\n\n")
	if _, err := s.w.Write([]byte(b.String())); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
