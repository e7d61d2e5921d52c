// Package api provides HTTP handlers and routing for the app engine service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options selects the optional middleware of a Server.
type Options struct {
	// Auth guards every route that is not public (nil = no auth)
	Auth func(http.Handler) http.Handler

	// RateLimit throttles API requests (nil = unlimited)
	RateLimit func(http.Handler) http.Handler

	// Tracing enables otelhttp server spans
	Tracing bool
}

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
	opts     Options
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers, opts *Options) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	if opts != nil {
		s.opts = *opts
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	h := s.handlers

	// Health endpoints
	s.router.HandleFunc("/health", h.Health).Methods("GET")
	s.router.HandleFunc("/healthz", h.Health).Methods("GET")
	s.router.HandleFunc("/ready", h.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Tasks
	api.HandleFunc("/tasks", h.CreateTask).Methods("POST")
	api.HandleFunc("/tasks", h.ListTasks).Methods("GET")
	api.HandleFunc("/tasks/{id}", h.GetTask).Methods("GET")
	api.HandleFunc("/tasks/{id}/runs", h.ListTaskRuns).Methods("GET")
	api.HandleFunc("/tasks/{id}/runs", h.CreateRun).Methods("POST")
	api.HandleFunc("/tasks/{namespace}/{version}", h.GetTaskByVersion).Methods("GET")
	api.HandleFunc("/tasks/{namespace}/{version}/runs", h.CreateRunByVersion).Methods("POST")

	// Runs
	api.HandleFunc("/task-runs/{id}", h.GetRun).Methods("GET")
	api.HandleFunc("/task-runs/{id}/state-actions", h.StateAction).Methods("POST")

	// Provisioning
	api.HandleFunc("/task-runs/{id}/input-provisions", h.ProvisionMany).Methods("PUT")
	api.HandleFunc("/task-runs/{id}/input-provisions/{name}", h.ProvisionParameter).Methods("PUT")
	api.HandleFunc("/task-runs/{id}/input-provisions/{name}/indexes", h.ProvisionItem).Methods("PUT")

	// Retrieval
	api.HandleFunc("/task-runs/{id}/inputs", h.ListInputs).Methods("GET")
	api.HandleFunc("/task-runs/{id}/outputs", h.ListOutputs).Methods("GET")
	api.HandleFunc("/task-runs/{id}/inputs.zip", h.InputsArchive).Methods("GET")
	api.HandleFunc("/task-runs/{id}/outputs.zip", h.OutputsArchive).Methods("GET")
	api.HandleFunc("/task-runs/{id}/input/{name}", h.GetInput).Methods("GET")
	api.HandleFunc("/task-runs/{id}/output/{name}", h.GetOutput).Methods("GET")

	// Output submission by the run's job, authenticated by the path secret
	api.HandleFunc("/task-runs/{id}/{secret}/outputs.zip", h.SubmitOutputs).Methods("POST")

	// Preflight requests are answered by the CORS middleware
	api.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	// Apply middleware. Routing has happened by now, so route templates are
	// available to tracing, metrics and log redaction.
	if s.opts.Tracing {
		s.router.Use(TracingMiddleware)
	}
	s.router.Use(h.RequestIDMiddleware)
	s.router.Use(h.CORSMiddleware)
	s.router.Use(h.SecurityHeadersMiddleware)
	s.router.Use(h.LoggingMiddleware)
	s.router.Use(h.RecoveryMiddleware)
	if s.opts.RateLimit != nil {
		api.Use(s.opts.RateLimit)
	}
	if s.opts.Auth != nil {
		api.Use(s.opts.Auth)
	}
}
