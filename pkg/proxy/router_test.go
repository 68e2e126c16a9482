package proxy

import (
	"context"
	"encoding/json"
	"testing"
)

func newTestRouter(t *testing.T, maxProcesses int) (*Router, *Registry, *WorkerPool) {
	t.Helper()
	registry, pool := newTestRegistry(t, maxProcesses)
	router := NewRouter(registry, pool, DefaultCodec(), testLogger())
	return router, registry, pool
}

func decodeToolResult(t *testing.T, resp *RPCResponse) map[string]interface{} {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected RPC error: %s", resp.Error.Message)
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("failed to marshal result: %v", err)
	}
	var tr toolResult
	if err := json.Unmarshal(raw, &tr); err != nil {
		t.Fatalf("failed to unmarshal tool result: %v", err)
	}
	structured, ok := tr.StructuredContent.(map[string]interface{})
	if !ok {
		t.Fatalf("expected structuredContent to be an object, got %T", tr.StructuredContent)
	}
	return structured
}

func TestHandleInitialize(t *testing.T) {
	router, _, _ := newTestRouter(t, 2)
	resp := router.HandleRequest(context.Background(), &RPCRequest{JSONRPC: "2.0", ID: rawID(1), Method: "initialize"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok || result["protocolVersion"] != "2024-11-05" {
		t.Errorf("expected protocolVersion 2024-11-05, got %v", resp.Result)
	}
}

func TestHandleNotificationReturnsNil(t *testing.T) {
	router, _, _ := newTestRouter(t, 2)
	resp := router.HandleRequest(context.Background(), &RPCRequest{JSONRPC: "2.0", Method: "notifications/initialized"})
	if resp != nil {
		t.Error("expected a notification to produce no response")
	}
}

func TestOpenCloseListCurrentViaRouter(t *testing.T) {
	fw := newFakeWorker(t)
	defer fw.Close()

	router, _, pool := newTestRouter(t, 2)
	adoptFakeWorker(t, pool, fw)

	bin := tempBinary(t)
	ctx := context.Background()

	openParams, _ := json.Marshal(toolCallParams{Name: "idalib_open", Arguments: mustMarshal(map[string]interface{}{"input_path": bin})})
	resp := router.HandleRequest(ctx, &RPCRequest{JSONRPC: "2.0", ID: rawID(1), Method: "tools/call", Params: openParams})
	structured := decodeToolResult(t, resp)
	if structured["success"] != true {
		t.Fatalf("expected idalib_open to succeed, got %v", structured)
	}
	session := structured["session"].(map[string]interface{})
	sessionID := session["session_id"].(string)
	if _, ok := session["last_error"]; !ok {
		t.Error("expected session view to include last_error")
	}

	currentParams, _ := json.Marshal(toolCallParams{Name: "idalib_current"})
	resp = router.HandleRequest(ctx, &RPCRequest{JSONRPC: "2.0", ID: rawID(2), Method: "tools/call", Params: currentParams})
	structured = decodeToolResult(t, resp)
	if structured["session_id"] != sessionID {
		t.Errorf("expected idalib_current to report the just-opened session")
	}

	listParams, _ := json.Marshal(toolCallParams{Name: "idalib_list"})
	resp = router.HandleRequest(ctx, &RPCRequest{JSONRPC: "2.0", ID: rawID(3), Method: "tools/call", Params: listParams})
	structured = decodeToolResult(t, resp)
	if int(structured["count"].(float64)) != 1 {
		t.Errorf("expected idalib_list to report 1 session, got %v", structured["count"])
	}

	closeParams, _ := json.Marshal(toolCallParams{Name: "idalib_close", Arguments: mustMarshal(map[string]interface{}{"session_id": sessionID})})
	resp = router.HandleRequest(ctx, &RPCRequest{JSONRPC: "2.0", ID: rawID(4), Method: "tools/call", Params: closeParams})
	structured = decodeToolResult(t, resp)
	if structured["success"] != true {
		t.Errorf("expected idalib_close to succeed, got %v", structured)
	}

	resp = router.HandleRequest(ctx, &RPCRequest{JSONRPC: "2.0", ID: rawID(5), Method: "tools/call", Params: currentParams})
	structured = decodeToolResult(t, resp)
	if structured["success"] == true {
		t.Error("expected idalib_current to report no active session after close")
	}
}

func TestAnalysisCallForwardsToCurrentSessionAndRestoresID(t *testing.T) {
	fw := newFakeWorker(t)
	defer fw.Close()

	router, registry, pool := newTestRouter(t, 2)
	adoptFakeWorker(t, pool, fw)

	ctx := context.Background()
	sess, err := registry.OpenSession(ctx, tempBinary(t), true)
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	callParams, _ := json.Marshal(toolCallParams{Name: "decompile_function", Arguments: mustMarshal(map[string]interface{}{"address": "0x401000"})})
	req := &RPCRequest{JSONRPC: "2.0", ID: rawID(99), Method: "tools/call", Params: callParams}
	resp := router.HandleRequest(ctx, req)

	if resp.Error != nil {
		t.Fatalf("unexpected error forwarding analysis call: %v", resp.Error)
	}
	if string(resp.ID) != string(req.ID) {
		t.Errorf("expected outer request id to be restored, got %s want %s", resp.ID, req.ID)
	}

	if _, ok := registry.GetSession(sess.SessionID); !ok {
		t.Fatal("expected session to still exist after a successful forward")
	}
}

func TestAnalysisCallWithExplicitSessionOverridesCurrent(t *testing.T) {
	fw1 := newFakeWorker(t)
	defer fw1.Close()
	fw2 := newFakeWorker(t)
	defer fw2.Close()

	router, registry, pool := newTestRouter(t, 2)
	adoptFakeWorker(t, pool, fw1)
	adoptFakeWorker(t, pool, fw2)

	ctx := context.Background()
	sessA, _ := registry.OpenSession(ctx, tempBinary(t), true)
	_, _ = registry.OpenSession(ctx, tempBinary(t), true) // becomes current

	callParams, _ := json.Marshal(toolCallParams{
		Name:      "decompile_function",
		Arguments: mustMarshal(map[string]interface{}{"address": "0x1", "session": sessA.SessionID}),
	})
	resp := router.HandleRequest(ctx, &RPCRequest{JSONRPC: "2.0", ID: rawID(1), Method: "tools/call", Params: callParams})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	cur, _ := registry.GetCurrentSession()
	if cur.SessionID == sessA.SessionID {
		t.Error("an explicit session override should not change which session is current")
	}
}

func TestAnalysisCallFailsWithNoActiveSession(t *testing.T) {
	router, _, _ := newTestRouter(t, 2)
	callParams, _ := json.Marshal(toolCallParams{Name: "decompile_function"})
	resp := router.HandleRequest(context.Background(), &RPCRequest{JSONRPC: "2.0", ID: rawID(1), Method: "tools/call", Params: callParams})
	if resp.Error == nil || resp.Error.Code != CodeNoActiveSess {
		t.Fatalf("expected CodeNoActiveSess, got %v", resp.Error)
	}
}

func TestToolsListRewriteDropsCollisionsAndInjectsSessionProperty(t *testing.T) {
	fw := newFakeWorker(t)
	defer fw.Close()

	router, registry, pool := newTestRouter(t, 2)
	adoptFakeWorker(t, pool, fw)
	ctx := context.Background()
	if _, err := registry.OpenSession(ctx, tempBinary(t), true); err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	resp := router.HandleRequest(ctx, &RPCRequest{JSONRPC: "2.0", ID: rawID(1), Method: "tools/list"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	result := resp.Result.(map[string]interface{})
	tools := result["tools"].([]toolSchema)

	seen := map[string]toolSchema{}
	for _, tool := range tools {
		seen[tool.Name] = tool
	}

	for name := range sessionToolNames {
		if _, ok := seen[name]; !ok {
			t.Errorf("expected session tool %q in rewritten list", name)
		}
	}

	decompile, ok := seen["decompile_function"]
	if !ok {
		t.Fatal("expected worker tool decompile_function to survive the rewrite")
	}
	props := decompile.InputSchema["properties"].(map[string]interface{})
	if _, ok := props["session"]; !ok {
		t.Error("expected an injected optional session property")
	}

	count := 0
	for _, tool := range tools {
		if tool.Name == "idalib_open" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one idalib_open entry after dropping the worker's own, got %d", count)
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
