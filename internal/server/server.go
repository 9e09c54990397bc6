// Package server is the HTTP API over the run store and queue: create,
// inspect, cancel, event streaming, and artifact download.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/strongdm/aos/internal/store"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. ":8080"
}

// RunStore is the slice of the store the API needs.
type RunStore interface {
	Ping(ctx context.Context) error
	CreateRun(ctx context.Context, in store.NewRun) (*store.Run, error)
	GetRun(ctx context.Context, id string) (*store.Run, error)
	CancelRun(ctx context.Context, id string) (bool, error)
	SetRQJobID(ctx context.Context, id, jobID string) error
	ListEvents(ctx context.Context, runID string, afterID int64, limit int) ([]store.Event, error)
	GetArtifact(ctx context.Context, runID, name string) (*store.Artifact, error)
}

// RunQueue is the slice of the queue the API needs.
type RunQueue interface {
	Ping(ctx context.Context) error
	Enqueue(ctx context.Context, runID string) (string, error)
}

// Server is the HTTP server for managing runs.
type Server struct {
	config  Config
	store   RunStore
	queue   RunQueue
	httpSrv *http.Server
	logger  *log.Logger
}

// New creates a new Server with the given config.
func New(cfg Config, st RunStore, q RunQueue) *Server {
	s := &Server{
		config: cfg,
		store:  st,
		queue:  q,
		logger: log.New(os.Stderr, "[server] ", log.LstdFlags|log.Lmsgprefix),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost", "http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key"},
	}))
	r.Use(metricsMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", s.handleCreateRun)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Post("/cancel", s.handleCancelRun)
			r.Get("/events", s.handleListEvents)
			r.Get("/events/stream", s.handleStreamEvents)
			r.Get("/artifacts/{name}", s.handleGetArtifact)
		})
	})

	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe starts the server and blocks until the context is canceled
// or the listener fails, then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpSrv.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()
	s.logger.Printf("listening on %s", s.config.Addr)

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
