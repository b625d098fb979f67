// Package receiver is the thin HTTP ingest surface in front of the
// batching engine: submit an operation and wait for its batched outcome,
// or cancel one that is still pending. It carries no engine logic.
package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/batch-governor/internal/batch"
	"github.com/szibis/batch-governor/internal/dispatch"
	"github.com/szibis/batch-governor/internal/logging"
	"github.com/szibis/batch-governor/internal/scheduler"
)

var requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "batch_governor_receiver_requests_total",
	Help: "Total ingest requests by method and status code",
}, []string{"method", "code"})

func init() {
	prometheus.MustRegister(requestsTotal)
}

// Engine is the scheduler surface the receiver consumes.
type Engine interface {
	Enqueue(target, id string, payload []byte) (*batch.Operation, error)
	Cancel(target, id string) bool
}

// Config holds the ingest server configuration.
type Config struct {
	// ListenAddr is the ingest listen address (default: ":8080").
	ListenAddr string
	// MaxBodyBytes bounds request bodies (default: 1MiB).
	MaxBodyBytes int64
	// ReadTimeout / WriteTimeout guard the HTTP server. WriteTimeout must
	// exceed the worst-case window plus dispatch time (default: 60s).
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 60 * time.Second
	}
	return c
}

// Server is the ingest HTTP server.
type Server struct {
	cfg    Config
	engine Engine
	srv    *http.Server
}

// enqueueRequest is the ingest body. ID is optional; a duplicate ID for
// the same target is rejected while the original is still pending.
type enqueueRequest struct {
	Target  string          `json:"target"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type enqueueResponse struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// New creates the ingest server.
func New(cfg Config, engine Engine) *Server {
	cfg = cfg.withDefaults()
	s := &Server{cfg: cfg, engine: engine}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/operations", s.handleOperations)
	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// ListenAndServe blocks serving ingest traffic.
func (s *Server) ListenAndServe() error {
	logging.Info("ingest server listening", logging.F("addr", s.cfg.ListenAddr))
	return s.srv.ListenAndServe()
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleEnqueue(w, r)
	case http.MethodDelete:
		s.handleCancel(w, r)
	default:
		s.reply(w, r, http.StatusMethodNotAllowed, enqueueResponse{Error: "method not allowed"})
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.reply(w, r, http.StatusBadRequest, enqueueResponse{Error: "invalid body: " + err.Error()})
		return
	}
	if req.Target == "" {
		s.reply(w, r, http.StatusBadRequest, enqueueResponse{Error: "target is required"})
		return
	}
	if len(req.Payload) == 0 {
		s.reply(w, r, http.StatusBadRequest, enqueueResponse{Error: "payload is required"})
		return
	}

	op, err := s.engine.Enqueue(req.Target, req.ID, req.Payload)
	if err != nil {
		s.reply(w, r, enqueueStatus(err), enqueueResponse{ID: req.ID, Error: err.Error()})
		return
	}

	select {
	case outcome := <-op.Sink.Done():
		if outcome.Err != nil {
			s.reply(w, r, outcomeStatus(outcome.Err), enqueueResponse{ID: op.ID, Error: outcome.Err.Error()})
			return
		}
		s.reply(w, r, http.StatusOK, enqueueResponse{ID: op.ID, Payload: outcome.Payload})
	case <-r.Context().Done():
		// Caller went away; the operation stays queued and resolves into
		// its buffered sink.
		requestsTotal.WithLabelValues(r.Method, "499").Inc()
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	id := r.URL.Query().Get("id")
	if target == "" || id == "" {
		s.reply(w, r, http.StatusBadRequest, enqueueResponse{Error: "target and id are required"})
		return
	}
	if !s.engine.Cancel(target, id) {
		s.reply(w, r, http.StatusNotFound, enqueueResponse{ID: id, Error: "operation not pending"})
		return
	}
	s.reply(w, r, http.StatusOK, enqueueResponse{ID: id})
}

func (s *Server) reply(w http.ResponseWriter, r *http.Request, code int, body enqueueResponse) {
	requestsTotal.WithLabelValues(r.Method, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// enqueueStatus maps enqueue-time failures to HTTP codes.
func enqueueStatus(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, scheduler.ErrDuplicate):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// outcomeStatus maps dispatch outcomes to HTTP codes.
func outcomeStatus(err error) int {
	var de *dispatch.Error
	switch {
	case errors.Is(err, dispatch.ErrCircuitOpen),
		errors.Is(err, scheduler.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, scheduler.ErrCancelled):
		return http.StatusConflict
	case errors.As(err, &de):
		if de.Kind == dispatch.KindPermanent {
			return http.StatusBadRequest
		}
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}
