package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestServer(t *testing.T) (*Server, *WorkerPool) {
	t.Helper()
	registry, pool := newTestRegistry(t, 2)
	router := NewRouter(registry, pool, DefaultCodec(), testLogger())
	srv := NewServer("127.0.0.1:0", router, pool, DefaultCodec(), testLogger(), MetricsConfig{Enabled: false})
	return srv, pool
}

func TestHandleMCPReturns204ForNotifications(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	w := httptest.NewRecorder()
	srv.handleMCP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204 for a notification, got %d", w.Code)
	}
}

func TestHandleMCPReturns200WithNullIDOnParseFailure(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`not json`))
	w := httptest.NewRecorder()
	srv.handleMCP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 on a parse failure, got %d", w.Code)
	}
	var resp RPCResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if string(resp.ID) != "null" {
		t.Errorf("expected a null id on parse failure, got %q", resp.ID)
	}
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Errorf("expected a parse error envelope, got %v", resp.Error)
	}
}

func TestHandleMCPRejectsNonPost(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	w := httptest.NewRecorder()
	srv.handleMCP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET /mcp, got %d", w.Code)
	}
}

func TestHandleHealthzReportsActiveWorkerCount(t *testing.T) {
	srv, pool := newTestServer(t)
	w := &Worker{port: 1, external: true}
	w.SetLastError("connection reset")
	pool.workers[1] = w

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.handleHealthz(rec, req)

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode /healthz body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	if int(body["active_workers"].(float64)) != 1 {
		t.Errorf("expected active_workers 1, got %v", body["active_workers"])
	}

	workers := body["workers"].([]interface{})
	if len(workers) != 1 {
		t.Fatalf("expected 1 worker diagnostic, got %d", len(workers))
	}
	diag := workers[0].(map[string]interface{})
	if diag["last_error"] != "connection reset" {
		t.Errorf("expected last_error to surface on /healthz, got %v", diag["last_error"])
	}
}
