package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mooncake-conductor/common"
	"mooncake-conductor/conderr"
	"mooncake-conductor/engine"
	"mooncake-conductor/locator"
	"mooncake-conductor/obsmetrics"
	"mooncake-conductor/scheduler"
)

// Server is the conductor's HTTP front end and request handler, bound
// to a scheduler, an engine adapter registry, and an object locator
// client.
type Server struct {
	Registry  *engine.Registry
	Scheduler *scheduler.Scheduler
	Locator   *locator.Client

	HTTPClient *http.Client

	Model      string
	WorldSize  int
	MaxRetries int
	RetryDelay time.Duration

	// endpointToPrefillIdx maps the transport endpoint a prefill worker
	// advertises into the object locator (typically "host:port") to that
	// worker's index in the prefill pool, so the planner's node_id can be
	// mapped back to a reservable worker.
	endpointToPrefillIdx common.SyncMap[string, int]

	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer constructs a Server. RegisterPrefillEndpoint must be called
// once per prefill worker before serving traffic, so planner hits can be
// mapped back to a pool index.
func NewServer(registry *engine.Registry, sched *scheduler.Scheduler, loc *locator.Client, model string, worldSize, maxRetries int, retryDelay time.Duration) *Server {
	return &Server{
		Registry:   registry,
		Scheduler:  sched,
		Locator:    loc,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Model:      model,
		WorldSize:  worldSize,
		MaxRetries: maxRetries,
		RetryDelay: retryDelay,
	}
}

// RegisterPrefillEndpoint records that the prefill worker at idx publishes
// its blocks into the object locator under transportEndpoint.
func (s *Server) RegisterPrefillEndpoint(transportEndpoint string, idx int) {
	s.endpointToPrefillIdx.Store(transportEndpoint, idx)
}

// Start launches the HTTP server on addr and returns once it is listening.
// Shutdown is driven by ctx: when ctx is cancelled the server is given a
// grace period to finish in-flight requests before it is forced closed.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/completions", s.serveCompletions)
	mux.HandleFunc("/v1/chat/completions", s.serveChatCompletions)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	ln, err := netListen(addr)
	if err != nil {
		return conderr.Wrap(conderr.ConfigInvalid, "bind conductor listen address "+addr, err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		slog.Info("conductor HTTP server listening", "addr", addr)
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("conductor HTTP server failed", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		slog.Info("shutting down conductor HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("conductor HTTP server shutdown error", "error", err)
			_ = s.httpServer.Close()
		}
	}()

	return nil
}

// Wait blocks until the HTTP server's serving goroutine has returned.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) serveCompletions(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, false)
}

func (s *Server) serveChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, true)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, chat bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, "", err)
		return
	}
	if req.RequestID == "" {
		req.RequestID = newRequestID()
	}
	if req.Model == "" {
		req.Model = s.Model
	}

	prompt := req.Prompt
	if chat {
		prompt = flattenMessages(req.Messages)
	}

	result, err := s.Run(r.Context(), req.RequestID, req.Model, prompt, req.SLO)
	if err != nil {
		obsmetrics.ObserveRequest("error")
		s.fail(w, req.RequestID, err)
		return
	}

	obsmetrics.ObserveRequest("ok")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		slog.Error("failed to encode completion response", "request_id", req.RequestID, "error", err)
	}
}

// fail maps any error kind to a single error response: 500 with a fixed
// body, logged with the request ID and error kind.
func (s *Server) fail(w http.ResponseWriter, requestID string, err error) {
	slog.Error("request failed", "request_id", requestID, "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte(`{"error":"Failed to handle request."}`))
}

func flattenMessages(msgs []ChatMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}
