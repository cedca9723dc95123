package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dyluth/flowmirror/pkg/delta"
)

// Workflows is the read-only view of the replica store the server exposes.
type Workflows interface {
	GetWorkflows() (active, inactive []string)
	Summaries() []delta.Summary
}

// Pinger checks a dependency the service cannot work without.
type Pinger func(ctx context.Context) error

// Server provides health, metrics and workflow listing endpoints.
type Server struct {
	workflows Workflows
	gatherer  prometheus.Gatherer
	ping      Pinger
	server    *http.Server
	listener  net.Listener
}

// New creates a server. gatherer and ping may be nil.
func New(workflows Workflows, gatherer prometheus.Gatherer, ping Pinger) *Server {
	return &Server{
		workflows: workflows,
		gatherer:  gatherer,
		ping:      ping,
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthCheckHandler)
	mux.HandleFunc("/workflows", s.workflowsHandler)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[Server] HTTP server error: %v", err)
		}
	}()

	log.Printf("[Server] Listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status   string `json:"status"`
	Active   int    `json:"active"`
	Inactive int    `json:"inactive"`
	Error    string `json:"error,omitempty"`
}

// healthCheckHandler returns 200 while the ping succeeds, 503 otherwise.
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	active, inactive := s.workflows.GetWorkflows()
	response := HealthResponse{
		Status:   "healthy",
		Active:   len(active),
		Inactive: len(inactive),
	}
	code := http.StatusOK

	if s.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.ping(ctx); err != nil {
			response.Status = "unhealthy"
			response.Error = err.Error()
			code = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, code, response)
}

// WorkflowsResponse lists every replica and its summary record.
type WorkflowsResponse struct {
	Active    []string        `json:"active"`
	Inactive  []string        `json:"inactive"`
	Workflows []delta.Summary `json:"workflows"`
}

func (s *Server) workflowsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	active, inactive := s.workflows.GetWorkflows()
	summaries := s.workflows.Summaries()
	if summaries == nil {
		summaries = []delta.Summary{}
	}

	writeJSON(w, http.StatusOK, WorkflowsResponse{
		Active:    active,
		Inactive:  inactive,
		Workflows: summaries,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Server] Failed to encode response: %v", err)
	}
}
