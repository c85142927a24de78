// Package api is the HTTP surface: chat, direct plan submission, plan status
// and live progress over Server-Sent Events, credential management and the
// tool catalog.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/rahul/agentichq/internal/agent"
	"github.com/rahul/agentichq/internal/engine"
	"github.com/rahul/agentichq/internal/plan"
	"github.com/rahul/agentichq/internal/progress"
	"github.com/rahul/agentichq/internal/secrets"
	"github.com/rahul/agentichq/internal/store"
	"github.com/rahul/agentichq/internal/tools"
	"golang.org/x/time/rate"
)

const (
	defaultChatID       = "web"
	defaultHistoryLimit = 50
	maxBodyBytes        = 1 << 20
)

// Chatter answers chat messages.
type Chatter interface {
	HandleMessage(ctx context.Context, chatID, text string) (*agent.Reply, error)
}

// Submitter starts plans.
type Submitter interface {
	Submit(ctx context.Context, steps []plan.Step) (*engine.Run, error)
}

// Store is the read side the API needs.
type Store interface {
	GetPlan(ctx context.Context, id string) (*plan.Plan, error)
	ListStepExecutions(ctx context.Context, planID string) ([]*plan.StepExecution, error)
	GetHistory(ctx context.Context, chatID string, limit int) ([]store.Message, error)
	ClearHistory(ctx context.Context, chatID string) error
}

// Keys manages provider credentials.
type Keys interface {
	SetKey(ctx context.Context, provider, rawKey string) error
	DeleteKey(ctx context.Context, provider string) error
	Status(ctx context.Context, provider string) (secrets.Status, error)
}

// KeyTester checks stored credentials against the provider.
type KeyTester interface {
	TestConnection(ctx context.Context, provider string) error
}

// Catalog lists the registered tools.
type Catalog interface {
	Catalog() []tools.Descriptor
}

// Deps are the collaborators of a Server. Chat, Keys and Tester may be nil;
// their routes then answer 503.
type Deps struct {
	Chat    Chatter
	Engine  Submitter
	Store   Store
	Hub     *progress.Hub
	Keys    Keys
	Tester  KeyTester
	Tools   Catalog
	Metrics http.Handler

	// RunContext bounds plans submitted over HTTP. They outlive the request.
	RunContext context.Context
}

type Server struct {
	deps      Deps
	limiter   *rate.Limiter
	heartbeat time.Duration
	mux       *http.ServeMux
}

type Option func(*Server)

// WithRateLimit limits mutating requests to rps per second with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) { s.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithHeartbeat sets the interval of SSE keep-alive comments.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

func NewServer(deps Deps, opts ...Option) *Server {
	if deps.RunContext == nil {
		deps.RunContext = context.Background()
	}
	s := &Server{
		deps:      deps,
		limiter:   rate.NewLimiter(rate.Limit(5), 10),
		heartbeat: 15 * time.Second,
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/chat", s.limited(s.handleChat))
	s.mux.HandleFunc("GET /api/chat/history", s.handleHistory)
	s.mux.HandleFunc("DELETE /api/chat/history", s.handleClearHistory)

	s.mux.HandleFunc("POST /api/plans", s.limited(s.handleSubmitPlan))
	s.mux.HandleFunc("GET /api/plans/{id}", s.handleGetPlan)
	s.mux.HandleFunc("GET /api/plans/{id}/events", s.handleEvents)

	s.mux.HandleFunc("GET /api/keys/{provider}", s.handleKeyStatus)
	s.mux.HandleFunc("POST /api/keys/{provider}", s.limited(s.handleSetKey))
	s.mux.HandleFunc("DELETE /api/keys/{provider}", s.handleDeleteKey)
	s.mux.HandleFunc("POST /api/keys/{provider}/test", s.limited(s.handleTestKey))

	s.mux.HandleFunc("GET /api/tools", s.handleTools)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// limited rejects the request with 429 when the limiter has no token.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next(w, r)
	}
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP API listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Failed to write JSON response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
