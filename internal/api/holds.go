package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// defaultPause applies when a pause request names no duration.
const defaultPause = 24 * time.Hour

type pauseRequest struct {
	Hours float64 `json:"hours"`
}

type blockRequest struct {
	Until *time.Time `json:"until"`
}

type bypassRequest struct {
	Bypass bool `json:"bypass"`
}

// decodeOptional leaves v untouched for an empty body.
func decodeOptional(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) holdsAvailable(w http.ResponseWriter) bool {
	if s.deps.Holds == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "session holds unavailable"})
		return false
	}
	return true
}

func (s *Server) pauseSession(w http.ResponseWriter, r *http.Request) {
	if !s.holdsAvailable(w) {
		return
	}
	var req pauseRequest
	if err := decodeOptional(r, &req); err != nil || req.Hours < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid pause request"})
		return
	}
	d := defaultPause
	if req.Hours > 0 {
		d = time.Duration(req.Hours * float64(time.Hour))
	}
	id := chi.URLParam(r, "sessionId")
	until := s.now().Add(d).UTC()
	ok, err := s.deps.Holds.PauseSession(r.Context(), id, until)
	if err != nil {
		s.logger.Error("pause session failed", "session_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "session not found or closed"})
		return
	}
	s.logger.Info("session paused", "session_id", id, "until", until)
	writeJSON(w, http.StatusOK, map[string]any{"paused": true, "until": until})
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	if !s.holdsAvailable(w) {
		return
	}
	id := chi.URLParam(r, "sessionId")
	ok, err := s.deps.Holds.ResumeSession(r.Context(), id)
	if err != nil {
		s.logger.Error("resume session failed", "session_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resumed": true})
}

func (s *Server) blockSessionAI(w http.ResponseWriter, r *http.Request) {
	if !s.holdsAvailable(w) {
		return
	}
	var req blockRequest
	if err := decodeOptional(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid block request"})
		return
	}
	if req.Until != nil && !req.Until.After(s.now()) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "until must be in the future"})
		return
	}
	id := chi.URLParam(r, "sessionId")
	ok, err := s.deps.Holds.BlockSessionAI(r.Context(), id, req.Until)
	if err != nil {
		s.logger.Error("block session ai failed", "session_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocked": true, "until": req.Until})
}

func (s *Server) setBypassBots(w http.ResponseWriter, r *http.Request) {
	if !s.holdsAvailable(w) {
		return
	}
	var req bypassRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid bypass request"})
		return
	}
	id := chi.URLParam(r, "contactId")
	ok, err := s.deps.Holds.SetContactBypassBots(r.Context(), id, req.Bypass)
	if err != nil {
		s.logger.Error("set bypass failed", "contact_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "contact not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bypass_bots": req.Bypass})
}
