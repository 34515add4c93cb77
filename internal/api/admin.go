package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/MikeSquared-Agency/conduit/internal/concat"
)

func concatKey(r *http.Request) concat.Key {
	return concat.Key{
		ConversationID: chi.URLParam(r, "conversationId"),
		PartyID:        chi.URLParam(r, "partyId"),
	}
}

func (s *Server) pendingGroup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Concat == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "concatenation disabled"})
		return
	}
	key := concatKey(r)
	g, err := s.deps.Concat.Pending(r.Context(), key)
	if err != nil {
		s.logger.Error("read pending group failed", "key", key.String(), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if g == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no pending group"})
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) flushGroup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Concat == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "concatenation disabled"})
		return
	}
	key := concatKey(r)
	flushed, err := s.deps.Concat.ForceFlush(r.Context(), key)
	if err != nil {
		s.logger.Error("force flush failed", "key", key.String(), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flushed": flushed})
}

func (s *Server) clearGroup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Concat == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "concatenation disabled"})
		return
	}
	key := concatKey(r)
	cleared, err := s.deps.Concat.ClearGroup(r.Context(), key)
	if err != nil {
		s.logger.Error("clear group failed", "key", key.String(), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
}

func (s *Server) callLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.CallLogs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "call logs unavailable"})
		return
	}
	channelID := r.URL.Query().Get("channel_id")
	if channelID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "channel_id is required"})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid limit"})
			return
		}
		limit = n
	}
	logs, err := s.deps.CallLogs.ListCallLogs(r.Context(), channelID, limit)
	if err != nil {
		s.logger.Error("list call logs failed", "channel_id", channelID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"call_logs": logs, "count": len(logs)})
}

func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "scheduler unavailable"})
		return
	}
	dl := s.deps.Jobs.DeadLetters()
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": dl, "count": len(dl)})
}
