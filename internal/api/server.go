// Package api exposes the memory core over HTTP with JSON bodies.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcliao/tiered-memory/internal/maintenance"
	"github.com/rcliao/tiered-memory/internal/metrics"
	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/retrieval"
	"github.com/rcliao/tiered-memory/internal/snapshot"
	"github.com/rcliao/tiered-memory/internal/store"
)

const maxBodyBytes = 1 << 20

// Server wires HTTP routes to the store, snapshot manager, retrieval engine
// and maintenance service.
type Server struct {
	store   *store.SQLiteStore
	manager *snapshot.Manager
	engine  *retrieval.Engine
	maint   *maintenance.Service
	logger  *slog.Logger
}

func New(s *store.SQLiteStore, m *snapshot.Manager, e *retrieval.Engine, svc *maintenance.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: s, manager: m, engine: e, maint: svc, logger: logger}
}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /v1/memories", s.handleAddMemory)
	s.route(mux, "GET /v1/memories/{id}", s.handleGet(model.KindMemory))
	s.route(mux, "GET /v1/snapshots/{id}", s.handleGet(model.KindSnapshot))
	s.route(mux, "GET /v1/meta-snapshots/{id}", s.handleGet(model.KindMeta))
	s.route(mux, "GET /v1/categories/{category}", s.handleFindCategory)
	s.route(mux, "POST /v1/snapshots", s.handleCreateSnapshot)
	s.route(mux, "POST /v1/meta-snapshots", s.handleCreateMeta)
	s.route(mux, "POST /v1/snapshots/cluster", s.handleCluster)
	s.route(mux, "GET /v1/pending", s.handlePending)
	s.route(mux, "POST /v1/retrieve", s.handleRetrieve)
	s.route(mux, "POST /v1/maintenance/cleanup", s.handleCleanup)
	s.route(mux, "POST /v1/maintenance/clear", s.handleClear)
	s.route(mux, "GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// route registers h under pattern and counts responses per pattern.
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		h(rec, r)
		metrics.HTTPRequests.WithLabelValues(pattern, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps the error taxonomy onto status codes.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSONError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrReferentialIntegrity):
		return http.StatusConflict
	case errors.Is(err, model.ErrGeneration):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &model.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// decodeOptional is decode for endpoints whose body may be omitted. An empty
// body leaves v untouched whatever Content-Length says; chunked requests
// report -1.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return &model.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}
