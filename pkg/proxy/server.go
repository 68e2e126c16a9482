package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const sseKeepaliveInterval = 30 * time.Second

// Server is the HTTP transport shell around Router: it owns the
// `/mcp`, `/sse`, `/healthz`, and `/metrics` endpoints (spec.md §6).
type Server struct {
	router  *Router
	pool    *WorkerPool
	codec   Codec
	logger  *Logger
	metrics MetricsConfig

	httpServer    *http.Server
	metricsServer *http.Server
}

// NewServer wires an HTTP server around router, listening on addr.
func NewServer(addr string, router *Router, pool *WorkerPool, codec Codec, logger *Logger, metricsCfg MetricsConfig) *Server {
	s := &Server{router: router, pool: pool, codec: codec, logger: logger, metrics: metricsCfg}

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", s.handleMCP)
	mux.HandleFunc("/sse", s.handleSSE)
	mux.HandleFunc("/healthz", s.handleHealthz)

	if metricsCfg.Enabled && metricsCfg.Listen == "" {
		mux.Handle(metricsCfg.Path, promhttp.HandlerFor(s.registerCollector(), promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	if metricsCfg.Enabled && metricsCfg.Listen != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(metricsCfg.Path, promhttp.HandlerFor(s.registerCollector(), promhttp.HandlerOpts{}))
		s.metricsServer = &http.Server{Addr: metricsCfg.Listen, Handler: metricsMux}
	}

	return s
}

func (s *Server) registerCollector() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewPrometheusCollector(s.pool))
	return reg
}

// ListenAndServe starts the main listener (and a second one for
// metrics, if configured on a separate address) and blocks until
// either fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	errCh := make(chan error, 2)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if s.metricsServer != nil {
		go func() {
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	return <-errCh
}

// Shutdown stops accepting connections, drains in-flight requests and
// closes the listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := WithTraceID(r.Context())
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		s.writeError(w, nil, CodeParseError, "failed to read request body")
		return
	}

	var req RPCRequest
	if err := s.codec.Unmarshal(body, &req); err != nil {
		s.writeError(w, nil, CodeParseError, "invalid JSON-RPC request")
		return
	}

	resp := s.router.HandleRequest(ctx, &req)
	if resp == nil {
		// Notification: spec.md §6 mandates HTTP 204 with no body.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.writeResponse(w, resp)
}

func (s *Server) writeResponse(w http.ResponseWriter, resp *RPCResponse) {
	data, err := s.codec.Marshal(resp)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, id json.RawMessage, code int, msg string) {
	if id == nil {
		id = json.RawMessage("null")
	}
	s.writeResponse(w, newRPCError(id, code, msg))
}

// handleSSE serves the legacy event-stream endpoint: one connected
// frame, then periodic keepalive comments, no payload traffic
// (spec.md §6).
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	ticker := time.NewTicker(sseKeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.pool.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "ok",
		"active_workers": snap.ActiveWorkers,
		"workers":        s.pool.Diagnostics(),
	})
}
