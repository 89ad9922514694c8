package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

type healthResponse struct {
	Status      string  `json:"status"`
	QueueLength int     `json:"queueLength"`
	Working     bool    `json:"working"`
	Waiting     int     `json:"waiting"`
	Uptime      float64 `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.queue.Stats()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		QueueLength: stats.Length,
		Working:     stats.Working,
		Waiting:     stats.Waiting,
		Uptime:      time.Since(s.startTime).Seconds(),
	})
}

// handleEnqueue pushes one opaque JSON work item.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "body must be valid JSON")
		return
	}
	position := s.queue.Enqueue(json.RawMessage(body))
	writeJSON(w, http.StatusOK, map[string]any{"queued": true, "position": position})
}

// handleNext long-polls for the next work item: 200 with the item, or 204
// when nothing arrives within the window.
func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.nextWait)
	defer cancel()

	item, ok := s.queue.Next(ctx)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(item)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	remaining := s.queue.Complete()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "remaining": remaining})
}

// handleShutdown acknowledges and then stops the server. The graceful drain
// lets this response reach the caller first.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	s.TriggerShutdown()
}
