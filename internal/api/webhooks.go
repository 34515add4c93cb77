package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MikeSquared-Agency/conduit/internal/normalizer"
)

const maxWebhookBody = 8 << 20

// webhook acknowledges every payload that normalizes, whatever happens
// downstream, so brokers do not retry.
func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	v, ok := normalizer.ParseVariant(provider)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "unknown provider " + provider})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "unreadable body"})
		return
	}

	if v == normalizer.CloudAPI && s.cfg.AppSecret != "" {
		if !validHubSignature(s.cfg.AppSecret, body, r.Header.Get("X-Hub-Signature-256")) {
			s.logger.Warn("cloudapi webhook with invalid signature", "remote", r.RemoteAddr)
			writeJSON(w, http.StatusForbidden, map[string]any{"success": false, "error": "invalid signature"})
			return
		}
	}

	evt, err := s.deps.Ingest.Ingest(r.Context(), v, body)
	if err != nil {
		if errors.Is(err, normalizer.ErrNormalization) {
			s.logger.Warn("rejected webhook payload", "provider", provider, "error", err)
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
			return
		}
		s.logger.Error("webhook ingest failed", "provider", provider, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "event": evt.Kind})
}

// verifyCloudAPI answers the subscription handshake by echoing hub.challenge.
func (s *Server) verifyCloudAPI(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	if mode != "subscribe" || s.cfg.VerifyToken == "" || token != s.cfg.VerifyToken {
		s.logger.Warn("cloudapi verification failed", "mode", mode)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, q.Get("hub.challenge"))
}
