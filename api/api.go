// Package api exposes the enrichment engine over HTTP. The surface is
// deliberately thin: every handler validates input, delegates to the
// engine, and maps domain errors to status codes. State never changes
// outside the engine's operations.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/readwell/enrich"
	"github.com/readwell/enrich/engine"
)

// API serves the enrichment HTTP surface.
type API struct {
	eng    *engine.Engine
	logger *slog.Logger
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// New creates an API around an engine.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{eng: eng, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", a.health)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", a.submitJob)
		r.Get("/jobs/{jobID}", a.getJob)
		r.Get("/jobs/{jobID}/result", a.getResult)
		r.Post("/jobs/{jobID}/cancel", a.cancelJob)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/queue-stats", a.queueStats)
			r.Get("/archive", a.listArchive)
			r.Post("/archive/{entryID}/resubmit", a.resubmitArchived)
		})
	})

	return r
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Error string `json:"error"`
}

func (a *API) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Error("response encode failed", slog.String("error", err.Error()))
	}
}

// respondError maps domain errors to HTTP status codes.
func (a *API) respondError(w http.ResponseWriter, err error) {
	var verr *enrich.ValidationError

	switch {
	case errors.As(err, &verr):
		a.respond(w, http.StatusBadRequest, errorResponse{Error: verr.Error()})
	case errors.Is(err, enrich.ErrJobNotFound),
		errors.Is(err, enrich.ErrArtifactNotFound),
		errors.Is(err, enrich.ErrPublisherNotFound):
		a.respond(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, enrich.ErrTerminalState),
		errors.Is(err, enrich.ErrStateConflict),
		errors.Is(err, enrich.ErrJobExists):
		a.respond(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		a.logger.Error("request failed", slog.String("error", err.Error()))
		a.respond(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	a.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
