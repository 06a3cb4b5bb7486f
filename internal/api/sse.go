package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agixt/backend/internal/prompt"
)

// sseWriter emits server-sent events in the OpenAI streaming framing:
// `data: <json>\n\n` per event, `data: [DONE]\n\n` terminator, and an
// in-band error chunk when the stream fails after the headers went out.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	model   string
	started bool
}

// newSSEWriter prepares the response for streaming. Returns nil when the
// transport cannot flush.
func newSSEWriter(w http.ResponseWriter, model string) *sseWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, flusher: flusher, model: model}
}

// Send writes one event.
func (s *sseWriter) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.started = true
	s.flusher.Flush()
	return nil
}

// Error emits one synthetic chunk carrying the failure, then terminates the
// stream. Raw stack traces never cross the wire.
func (s *sseWriter) Error(msg string) {
	stop := "stop"
	chunk := prompt.NewChunk("chatcmpl-error", s.model, fmt.Sprintf("[Error: %s]", msg), &stop, time.Now())
	_ = s.Send(chunk)
	s.Done()
}

// Done writes the stream terminator.
func (s *sseWriter) Done() {
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}
