// Package httpapi is the HTTP control surface of the engine: submit a
// definition with a trigger event, read run status, cancel runs and fetch
// artifacts.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/vk/pipegrid/internal/artifact"
	"github.com/vk/pipegrid/internal/builder"
	"github.com/vk/pipegrid/internal/config"
	"github.com/vk/pipegrid/internal/coordinator"
	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/execution"
	"github.com/vk/pipegrid/internal/store"
	"github.com/vk/pipegrid/internal/trigger"
)

const (
	// RequestIDHeader carries the correlation id of a request.
	RequestIDHeader = "X-Request-Id"
	// DigestHeader carries the digest of a served artifact.
	DigestHeader = "X-Artifact-Digest"

	maxDefinitionBytes = 1 << 20
)

// Runs is the run control the server exposes.
type Runs interface {
	Submit(ctx context.Context, p *config.Pipeline, event trigger.Event) (int64, error)
	Status(ctx context.Context, runID int64) (*execution.Run, error)
	Cancel(ctx context.Context, runID int64) error
}

// Artifacts serves published artifacts.
type Artifacts interface {
	Get(ctx context.Context, name string, runID int64) (*artifact.Artifact, error)
}

// ParseFunc translates a submitted definition into the config model.
type ParseFunc func(ctx context.Context, format, filename string, src []byte) (*config.Pipeline, error)

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	Runs      Runs
	Artifacts Artifacts
	Parse     ParseFunc
	Logger    *slog.Logger
}

// SubmitRequest is the body of POST /v1/runs.
type SubmitRequest struct {
	Format     string        `json:"format" validate:"required,oneof=hcl yaml yml"`
	Definition string        `json:"definition" validate:"required"`
	Trigger    trigger.Event `json:"trigger"`
}

var validate = validator.New()

// Router returns the HTTP handler of the control surface.
func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.correlate)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/v1/runs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/{id}", s.handleStatus)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Get("/{id}/artifacts/{name}", s.handleArtifact)
	})
	return r
}

// correlate tags every request with an id and a request-scoped logger.
func (s Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		logger := s.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger = logger.With("request_id", id)
		ctx := ctxlog.WithLogger(r.Context(), logger)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		logger.Debug("HTTP request served.", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
	})
}

func (s Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctxlog.FromContext(r.Context()).Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDefinitionBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErr(w, http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}

	p, err := s.Parse(ctx, req.Format, "definition."+req.Format, []byte(req.Definition))
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
		return
	}

	id, err := s.Runs.Submit(ctx, p, req.Trigger)
	var defErr *builder.DefinitionError
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]any{"run_id": id})
	case errors.As(err, &defErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": defErr.Error(), "problems": defErr.Problems})
	case errors.Is(err, coordinator.ErrNotTriggered):
		writeJSON(w, http.StatusOK, map[string]any{"skipped": true, "reason": err.Error()})
	case errors.Is(err, coordinator.ErrShuttingDown):
		writeErr(w, http.StatusServiceUnavailable, err)
	default:
		writeErr(w, http.StatusInternalServerError, err)
	}
}

func (s Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	run, err := s.Runs.Status(r.Context(), id)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	if err := s.Runs.Cancel(r.Context(), id); err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": id, "canceling": true})
}

func (s Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	a, err := s.Artifacts.Get(r.Context(), name, id)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".tar.gz"))
	w.Header().Set(DigestHeader, a.Digest)
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Blob)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(a.Blob)
}

func runID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid run id: %s", raw))
		return 0, false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, artifact.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrNotActive):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
