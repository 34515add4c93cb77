package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/conduit/internal/concat"
	"github.com/MikeSquared-Agency/conduit/internal/event"
	"github.com/MikeSquared-Agency/conduit/internal/normalizer"
	"github.com/MikeSquared-Agency/conduit/internal/router"
	"github.com/MikeSquared-Agency/conduit/internal/scheduler"
)

// Ingestor normalizes and processes one broker payload.
type Ingestor interface {
	Ingest(ctx context.Context, v normalizer.Variant, raw []byte) (event.NormalizedEvent, error)
}

// ConcatAdmin exposes the administrative engine operations.
type ConcatAdmin interface {
	Pending(ctx context.Context, key concat.Key) (*concat.Group, error)
	ForceFlush(ctx context.Context, key concat.Key) (bool, error)
	ClearGroup(ctx context.Context, key concat.Key) (bool, error)
	InFlight() int
}

// HoldAdmin pauses, blocks and resumes automation for a conversation.
type HoldAdmin interface {
	PauseSession(ctx context.Context, id string, until time.Time) (bool, error)
	ResumeSession(ctx context.Context, id string) (bool, error)
	BlockSessionAI(ctx context.Context, id string, until *time.Time) (bool, error)
	SetContactBypassBots(ctx context.Context, contactID string, bypass bool) (bool, error)
}

type CallLogReader interface {
	ListCallLogs(ctx context.Context, channelID string, limit int) ([]router.CallLogEntry, error)
}

type JobInspector interface {
	Pending() int
	DeadLetters() []scheduler.DeadLetter
}

// Deps are the components the HTTP surface fronts. Nil members disable the
// routes that need them.
type Deps struct {
	Ingest    Ingestor
	Concat    ConcatAdmin
	Holds     HoldAdmin
	CallLogs  CallLogReader
	Jobs      JobInspector
	Connected func() bool
}

type Config struct {
	APIToken string
	// VerifyToken answers the Cloud API subscription challenge.
	VerifyToken string
	// AppSecret enables X-Hub-Signature-256 checks on Cloud API posts.
	AppSecret string
}

type Server struct {
	router *chi.Mux
	port   int
	cfg    Config
	deps   Deps
	logger *slog.Logger
	srv    *http.Server
	now    func() time.Time
}

func NewServer(port int, cfg Config, deps Deps, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		port:   port,
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		now:    time.Now,
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/conduit/status", s.status)

	router.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Get("/cloudapi", s.verifyCloudAPI)
		r.Post("/{provider}", s.webhook)
	})

	router.Group(func(r chi.Router) {
		r.Use(BearerAuthMiddleware(cfg.APIToken))
		r.Route("/api/v1/concat/{conversationId}/{partyId}", func(r chi.Router) {
			r.Get("/", s.pendingGroup)
			r.Post("/flush", s.flushGroup)
			r.Delete("/", s.clearGroup)
		})
		r.Route("/api/v1/sessions/{sessionId}", func(r chi.Router) {
			r.Post("/pause", s.pauseSession)
			r.Post("/resume", s.resumeSession)
			r.Post("/block-ai", s.blockSessionAI)
		})
		r.Put("/api/v1/contacts/{contactId}/bypass-bots", s.setBypassBots)
		r.Get("/api/v1/calllogs", s.callLogs)
		r.Get("/api/v1/scheduler/deadletters", s.deadLetters)
	})

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server starting", "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"service": "conduit",
		"status":  "running",
	}
	if s.deps.Connected != nil {
		body["nats_connected"] = s.deps.Connected()
	}
	if s.deps.Jobs != nil {
		body["scheduled_jobs"] = s.deps.Jobs.Pending()
		body["dead_letters"] = len(s.deps.Jobs.DeadLetters())
	}
	if s.deps.Concat != nil {
		body["flushes_in_flight"] = s.deps.Concat.InFlight()
	}
	writeJSON(w, http.StatusOK, body)
}
