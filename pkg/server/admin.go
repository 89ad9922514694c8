package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/invopop/jsonschema"

	"github.com/toolforge/forge/pkg/config"
)

// handleGetConfig returns the active configuration document. Environment-
// only fields (DATABASE_URL, REDIS_URL) never serialize.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.config())
}

// handlePutConfig merges the submitted fields over the active document,
// runs the full validation pipeline, persists the result atomically, and
// applies it to subsequent requests. Invalid documents change nothing.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	merged := *s.config()
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&merged); err != nil {
		writeError(w, http.StatusBadRequest, "invalid config document: "+err.Error())
		return
	}
	merged.SetDefaults()
	if err := merged.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.configPath != "" {
		if err := config.Save(s.configPath, &merged); err != nil {
			slog.Error("Failed to persist config", "path", s.configPath, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to persist config")
			return
		}
	}

	// Environment overrides still win over anything the document says.
	merged.ApplyEnv()
	s.ApplyConfig(&merged)
	writeJSON(w, http.StatusOK, &merged)
}

// handleConfigSchema returns the JSON Schema of the configuration document.
func (s *Server) handleConfigSchema(w http.ResponseWriter, r *http.Request) {
	reflector := jsonschema.Reflector{ExpandedStruct: true}
	schema := reflector.Reflect(&config.Config{})
	writeJSON(w, http.StatusOK, schema)
}
