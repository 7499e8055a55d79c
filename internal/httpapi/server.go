// Package httpapi is the coordinator's external HTTP surface (§6): task
// submission (batch and SSE), status/health endpoints, and admin
// operations. Routed directly on net/http.ServeMux, matching
// core/agent.go's mux.HandleFunc idiom — no web framework, per the
// spec's explicit "HTTP-facade framework out of scope" Non-goal. SSE
// framing (one "data: <line>\n" per line, http.Flusher) is grounded on
// manifold's stream_agents.go.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jobop/agentcoord/core"
	"github.com/jobop/agentcoord/internal/domain"
	"github.com/jobop/agentcoord/internal/mcpclient"
	"github.com/jobop/agentcoord/internal/metrics"
	"github.com/jobop/agentcoord/internal/registry"
	"github.com/jobop/agentcoord/internal/taskmanager"
	"github.com/jobop/agentcoord/resilience"
)

// Server wires the coordinator's HTTP routes onto one ServeMux.
type Server struct {
	mux             *http.ServeMux
	tasks           *taskmanager.Manager
	registry        *registry.Registry
	mcp             *mcpclient.Client
	mcpDefs         map[string]domain.MCPServerEntry
	logger          core.Logger
	tracer          trace.Tracer
	startTime       time.Time
	llmReady        func() bool
	rediscover      func()
	circuitBreakers func() map[string]*resilience.CircuitBreaker
	metrics         *metrics.Registry
	metricsMode     string
}

// New builds a Server. mcpDefs is the static server->definition map from
// config, used to answer GET /admin/mcp-servers without depending on
// mcpclient's runtime state for declared-but-not-yet-started servers.
// metricsMode selects /admin/metrics's rendering ("json" or "prometheus").
func New(
	tasks *taskmanager.Manager,
	reg *registry.Registry,
	mcp *mcpclient.Client,
	mcpDefs map[string]domain.MCPServerEntry,
	logger core.Logger,
	tracer trace.Tracer,
	llmReady func() bool,
	rediscover func(),
	circuitBreakers func() map[string]*resilience.CircuitBreaker,
	metricsRegistry *metrics.Registry,
	metricsMode string,
) *Server {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	s := &Server{
		mux: http.NewServeMux(), tasks: tasks, registry: reg, mcp: mcp, mcpDefs: mcpDefs,
		logger: logger, tracer: tracer, startTime: time.Now(), llmReady: llmReady, rediscover: rediscover,
		circuitBreakers: circuitBreakers, metrics: metricsRegistry, metricsMode: metricsMode,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /task", s.handleSubmitTask)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /task/{id}", s.handleGetTask)
	s.mux.HandleFunc("POST /admin/rediscover", s.handleRediscover)
	s.mux.HandleFunc("GET /admin/agents", s.handleAdminAgents)
	s.mux.HandleFunc("GET /admin/mcp-servers", s.handleAdminMCPServers)
	s.mux.HandleFunc("GET /admin/metrics", s.handleAdminMetrics)
	s.mux.HandleFunc("GET /admin/circuit-breakers", s.handleAdminCircuitBreakers)
}

// Handler returns the routed mux, ready to be wrapped by otelhttp at the
// call site in cmd/coordinator (keeps this package free of the exact
// span-naming decision).
func (s *Server) Handler() http.Handler { return s.mux }

type submitRequest struct {
	Description string                 `json:"description"`
	Context     map[string]interface{} `json:"context"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Description) == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}

	task := s.tasks.Submit(r.Context(), req.Description, req.Context)

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.streamTask(w, r, task.ID)
		return
	}

	final, err := s.tasks.WaitBatch(r.Context(), task.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, final)
}

func (s *Server) streamTask(w http.ResponseWriter, r *http.Request, taskID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	events, ok := s.tasks.Events(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			for _, line := range strings.Split(string(payload), "\n") {
				fmt.Fprintf(w, "data: %s\n", line)
			}
			fmt.Fprint(w, "\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, ok := s.tasks.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ready := true
	if s.llmReady != nil {
		ready = s.llmReady()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"timestamp":         time.Now().Format(time.RFC3339),
		"llm_ready":         ready,
		"discovered_agents": len(s.registry.Snapshot()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	agents := s.registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents":      agents,
		"agent_count": len(agents),
		"uptime_s":    time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleRediscover(w http.ResponseWriter, r *http.Request) {
	if s.rediscover != nil {
		s.rediscover()
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "rediscovery triggered"})
}

func (s *Server) handleAdminAgents(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		writeJSON(w, http.StatusOK, s.registry.Snapshot())
		return
	}
	entry, ok := s.registry.Lookup(agentID)
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleAdminMCPServers(w http.ResponseWriter, r *http.Request) {
	out := make([]domain.MCPServerEntry, 0, len(s.mcpDefs))
	for _, def := range s.mcpDefs {
		out = append(out, def)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := s.metrics.Snapshot(r.Context())
	snapshot["uptime_s"] = time.Since(s.startTime).Seconds()
	snapshot["agent_count"] = float64(len(s.registry.Snapshot()))

	if s.metricsMode == "prometheus" {
		writePrometheusText(w, snapshot)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// writePrometheusText hand-formats the counter snapshot as Prometheus
// exposition text. No exporter in this tree's dependency stack renders
// this format directly from otel/sdk/metric data, so it is built here.
func writePrometheusText(w http.ResponseWriter, snapshot map[string]float64) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	for name, value := range snapshot {
		fmt.Fprintf(w, "agentcoord_%s %v\n", name, value)
	}
}

func (s *Server) handleAdminCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	if s.circuitBreakers == nil {
		writeJSON(w, http.StatusOK, []domain.CircuitBreakerState{})
		return
	}
	breakers := s.circuitBreakers()
	out := make([]domain.CircuitBreakerState, 0, len(breakers))
	for name, cb := range breakers {
		metrics := cb.GetMetrics()
		failureCount, _ := metrics["failure"].(uint64)
		out = append(out, domain.CircuitBreakerState{
			Name:         name,
			State:        cb.GetState(),
			FailureCount: int(failureCount),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
