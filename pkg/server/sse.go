package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// sseWriter emits `event: <name>\ndata: <json>\n\n` frames and flushes
// after each one.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter switches the response into event-stream mode. It fails when
// the underlying writer cannot flush.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, nil
}

// send writes one frame. Write errors mean the client went away.
func (s *sseWriter) send(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\n", sanitizeEventName(name)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// sanitizeEventName keeps event names single-line: newlines, carriage
// returns, and colons would break framing.
func sanitizeEventName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ':':
			return '_'
		}
		return r
	}, name)
}
