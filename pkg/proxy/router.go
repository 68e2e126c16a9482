package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zrax-x/idalib-proxy-mcp/internal/proxyerr"
)

// sessionToolNames is the external contract of the five tools the
// router implements locally (spec.md §4.4).
var sessionToolNames = map[string]bool{
	"idalib_open":    true,
	"idalib_close":   true,
	"idalib_switch":  true,
	"idalib_list":    true,
	"idalib_current": true,
}

var sessionToolSchemas = []toolSchema{
	{
		Name:        "idalib_open",
		Description: "Open a binary for analysis, reusing or evicting a worker as needed.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"input_path":        map[string]interface{}{"type": "string"},
				"run_auto_analysis": map[string]interface{}{"type": "boolean", "default": true},
			},
			"required": []string{"input_path"},
		},
	},
	{
		Name:        "idalib_close",
		Description: "Close a session and release its worker binding.",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"session_id": map[string]interface{}{"type": "string"}},
			"required":   []string{"session_id"},
		},
	},
	{
		Name:        "idalib_switch",
		Description: "Switch the current session.",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"session_id": map[string]interface{}{"type": "string"}},
			"required":   []string{"session_id"},
		},
	},
	{
		Name:        "idalib_list",
		Description: "List all open sessions.",
		InputSchema: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
	},
	{
		Name:        "idalib_current",
		Description: "Return the current session, if any.",
		InputSchema: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
	},
}

// Router translates the external JSON-RPC surface into registry calls
// and worker forwards (spec.md §4.4).
type Router struct {
	registry *Registry
	pool     *WorkerPool
	codec    Codec
	logger   *Logger

	cachedTools []toolSchema
}

// NewRouter constructs a Router bound to registry and pool.
func NewRouter(registry *Registry, pool *WorkerPool, codec Codec, logger *Logger) *Router {
	return &Router{registry: registry, pool: pool, codec: codec, logger: logger}
}

// HandleRequest dispatches one decoded JSON-RPC request and returns the
// response envelope to serialize, or nil if req was a notification (no
// response body, caller should reply with HTTP 204).
func (r *Router) HandleRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if strings.HasPrefix(req.Method, "notifications/") {
		return nil
	}

	switch req.Method {
	case "initialize":
		return r.handleInitialize(req)
	case "tools/list":
		return r.handleToolsList(ctx, req)
	case "tools/call":
		return r.handleToolsCall(ctx, req)
	default:
		return r.forwardToCurrent(ctx, req)
	}
}

func (r *Router) handleInitialize(req *RPCRequest) *RPCResponse {
	return newResult(req.ID, map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities": map[string]interface{}{
			"tools": map[string]interface{}{"listChanged": false},
		},
		"serverInfo": map[string]interface{}{
			"name":    "idalib-proxy-mcp",
			"version": "0.1.0",
		},
	})
}

// handleToolsList consults the current session's worker (or the
// default worker), rewrites the tool list per spec.md §4.4, and falls
// back to a cache taken at the last successful probe on failure.
func (r *Router) handleToolsList(ctx context.Context, req *RPCRequest) *RPCResponse {
	port, err := r.resolveProbePort(ctx)
	if err != nil {
		if r.cachedTools != nil {
			return newResult(req.ID, map[string]interface{}{"tools": r.rewriteTools(r.cachedTools)})
		}
		return newResult(req.ID, map[string]interface{}{"tools": r.rewriteTools(nil)})
	}

	upstreamReq := RPCRequest{JSONRPC: "2.0", ID: rawID(1), Method: "tools/list"}
	reqBytes, merr := r.codec.Marshal(upstreamReq)
	if merr != nil {
		return newResult(req.ID, map[string]interface{}{"tools": r.rewriteTools(r.cachedTools)})
	}

	respBytes, ferr := r.pool.Forward(ctx, port, "tools/list", reqBytes)
	if ferr != nil {
		r.logger.WarnContext(ctx, "tools/list probe failed, using cache", "port", port, "error", ferr)
		return newResult(req.ID, map[string]interface{}{"tools": r.rewriteTools(r.cachedTools)})
	}

	var resp RPCResponse
	if err := r.codec.Unmarshal(respBytes, &resp); err != nil || resp.Error != nil {
		return newResult(req.ID, map[string]interface{}{"tools": r.rewriteTools(r.cachedTools)})
	}

	tools := parseToolList(resp.Result)
	r.cachedTools = tools
	return newResult(req.ID, map[string]interface{}{"tools": r.rewriteTools(tools)})
}

func parseToolList(result interface{}) []toolSchema {
	obj, ok := result.(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := obj["tools"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]toolSchema, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		ts := toolSchema{}
		ts.Name, _ = m["name"].(string)
		ts.Description, _ = m["description"].(string)
		if schema, ok := m["inputSchema"].(map[string]interface{}); ok {
			ts.InputSchema = schema
		}
		out = append(out, ts)
	}
	return out
}

// rewriteTools drops worker tools colliding with session-tool names,
// injects an optional "session" property into the remainder, and
// prepends the five session-tool schemas (spec.md §4.4).
func (r *Router) rewriteTools(upstream []toolSchema) []toolSchema {
	out := make([]toolSchema, 0, len(upstream)+len(sessionToolSchemas))
	out = append(out, sessionToolSchemas...)

	for _, t := range upstream {
		if sessionToolNames[t.Name] {
			continue
		}
		out = append(out, injectSessionProperty(t))
	}
	return out
}

func injectSessionProperty(t toolSchema) toolSchema {
	schema := t.InputSchema
	if schema == nil {
		schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	} else {
		cp := make(map[string]interface{}, len(schema))
		for k, v := range schema {
			cp[k] = v
		}
		schema = cp
	}

	props, _ := schema["properties"].(map[string]interface{})
	propsCopy := make(map[string]interface{}, len(props)+1)
	for k, v := range props {
		propsCopy[k] = v
	}
	propsCopy["session"] = map[string]interface{}{
		"type":        "string",
		"description": "session id to target (optional, uses current if omitted)",
	}
	schema["properties"] = propsCopy

	t.InputSchema = schema
	return t
}

// resolveProbePort picks the worker to probe for tools/list: the
// current session's worker if one exists, else the default worker.
func (r *Router) resolveProbePort(ctx context.Context) (int, error) {
	if sess, ok := r.registry.GetCurrentSession(); ok {
		return sess.WorkerPort, nil
	}
	w, err := r.pool.EnsureDefault(ctx)
	if err != nil {
		return 0, err
	}
	return w.Port(), nil
}

func (r *Router) handleToolsCall(ctx context.Context, req *RPCRequest) *RPCResponse {
	var params toolCallParams
	if err := r.codec.Unmarshal(req.Params, &params); err != nil {
		return newRPCError(req.ID, CodeInvalidRequest, "invalid tools/call params")
	}

	if sessionToolNames[params.Name] {
		return r.dispatchSessionTool(ctx, req.ID, params)
	}
	return r.forwardAnalysisCall(ctx, req.ID, params)
}

func (r *Router) dispatchSessionTool(ctx context.Context, id json.RawMessage, params toolCallParams) *RPCResponse {
	var args map[string]interface{}
	if len(params.Arguments) > 0 {
		if err := r.codec.Unmarshal(params.Arguments, &args); err != nil {
			return newRPCError(id, CodeInvalidRequest, "invalid tool arguments")
		}
	}

	switch params.Name {
	case "idalib_open":
		return r.callOpen(ctx, id, args)
	case "idalib_close":
		return r.callClose(ctx, id, args)
	case "idalib_switch":
		return r.callSwitch(ctx, id, args)
	case "idalib_list":
		return r.callList(ctx, id)
	case "idalib_current":
		return r.callCurrent(ctx, id)
	default:
		return newRPCError(id, CodeMethodNotFound, fmt.Sprintf("unknown session tool %q", params.Name))
	}
}

// sessionView renders a session's diagnostic view, including the
// bound worker's last observed transport error, if any (SPEC_FULL.md
// §3).
func (r *Router) sessionView(s *Session) map[string]interface{} {
	lastError := ""
	if w, ok := r.pool.Get(s.WorkerPort); ok {
		lastError = w.LastError()
	}
	return map[string]interface{}{
		"session_id":        s.SessionID,
		"binary_path":       s.BinaryPath,
		"binary_name":       s.BinaryName,
		"worker_port":       s.WorkerPort,
		"created_at":        s.CreatedAt,
		"last_accessed_at":  s.LastAccessedAt,
		"is_current":        s.IsCurrent,
		"run_auto_analysis": s.RunAutoAnalysis,
		"last_error":        lastError,
	}
}

func (r *Router) callOpen(ctx context.Context, id json.RawMessage, args map[string]interface{}) *RPCResponse {
	inputPath, _ := args["input_path"].(string)
	if inputPath == "" {
		return r.toolError(id, map[string]interface{}{"success": false, "error": "input_path is required"})
	}
	runAuto := true
	if v, ok := args["run_auto_analysis"].(bool); ok {
		runAuto = v
	}

	sess, err := r.registry.OpenSession(ctx, inputPath, runAuto)
	if err != nil {
		return r.toolError(id, map[string]interface{}{"success": false, "error": err.Error()})
	}
	return r.toolOK(id, map[string]interface{}{
		"success": true,
		"session": r.sessionView(sess),
		"message": fmt.Sprintf("opened %s", sess.BinaryName),
	})
}

func (r *Router) callClose(ctx context.Context, id json.RawMessage, args map[string]interface{}) *RPCResponse {
	sessionID, _ := args["session_id"].(string)
	if sessionID == "" {
		return r.toolError(id, map[string]interface{}{"success": false, "error": "session_id is required"})
	}
	ok := r.registry.CloseSession(ctx, sessionID, false)
	if !ok {
		return r.toolOK(id, map[string]interface{}{"success": false, "error": "session not found"})
	}
	return r.toolOK(id, map[string]interface{}{"success": true, "message": fmt.Sprintf("closed %s", sessionID)})
}

func (r *Router) callSwitch(ctx context.Context, id json.RawMessage, args map[string]interface{}) *RPCResponse {
	sessionID, _ := args["session_id"].(string)
	if sessionID == "" {
		return r.toolError(id, map[string]interface{}{"success": false, "error": "session_id is required"})
	}
	sess, err := r.registry.SwitchSession(sessionID)
	if err != nil {
		return r.toolError(id, map[string]interface{}{"success": false, "error": err.Error()})
	}
	return r.toolOK(id, map[string]interface{}{
		"success": true,
		"session": r.sessionView(sess),
		"message": fmt.Sprintf("switched to %s", sess.SessionID),
	})
}

func (r *Router) callList(ctx context.Context, id json.RawMessage) *RPCResponse {
	sessions := r.registry.ListSessions()
	views := make([]map[string]interface{}, 0, len(sessions))
	for i := range sessions {
		views = append(views, r.sessionView(&sessions[i]))
	}
	currentID := ""
	if cur, ok := r.registry.GetCurrentSession(); ok {
		currentID = cur.SessionID
	}
	return r.toolOK(id, map[string]interface{}{
		"sessions":           views,
		"count":              len(views),
		"current_session_id": currentID,
	})
}

func (r *Router) callCurrent(ctx context.Context, id json.RawMessage) *RPCResponse {
	sess, ok := r.registry.GetCurrentSession()
	if !ok {
		return r.toolError(id, map[string]interface{}{"success": false, "error": "no active session"})
	}
	return r.toolOK(id, r.sessionView(sess))
}

func (r *Router) toolOK(id json.RawMessage, structured interface{}) *RPCResponse {
	tr, err := newToolResult(r.codec, structured, false)
	if err != nil {
		return newRPCError(id, CodeInternalError, "failed to encode tool result")
	}
	return newResult(id, tr)
}

func (r *Router) toolError(id json.RawMessage, structured interface{}) *RPCResponse {
	tr, err := newToolResult(r.codec, structured, true)
	if err != nil {
		return newRPCError(id, CodeInternalError, "failed to encode tool result")
	}
	return newResult(id, tr)
}

// forwardAnalysisCall implements spec.md §4.4's four-step analysis
// forwarding: extract+strip `session`, resolve target, touch + health
// check, forward with a rewritten id.
func (r *Router) forwardAnalysisCall(ctx context.Context, id json.RawMessage, params toolCallParams) *RPCResponse {
	var args map[string]interface{}
	if len(params.Arguments) > 0 {
		if err := r.codec.Unmarshal(params.Arguments, &args); err != nil {
			return newRPCError(id, CodeInvalidRequest, "invalid tool arguments")
		}
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	explicitSession, hadSession := args["session"].(string)
	delete(args, "session")

	var sess *Session
	var ok bool
	if hadSession && explicitSession != "" {
		sess, ok = r.registry.GetSession(explicitSession)
		if !ok {
			return newRPCError(id, CodeInvalidRequest, (&proxyerr.SessionNotFound{SessionID: explicitSession}).Error())
		}
	} else {
		sess, ok = r.registry.GetCurrentSession()
		if !ok {
			return newRPCError(id, CodeNoActiveSess, "no active session")
		}
	}

	r.registry.Touch(sess.SessionID)

	if !r.pool.IsHealthy(sess.WorkerPort) {
		r.registry.CloseSession(ctx, sess.SessionID, true)
		return r.toolError(id, map[string]interface{}{
			"success": false,
			"error":   fmt.Sprintf("worker for session %s is no longer available", sess.SessionID),
		})
	}

	callParams := map[string]interface{}{"name": params.Name, "arguments": args}
	paramsJSON, err := r.codec.Marshal(callParams)
	if err != nil {
		return newRPCError(id, CodeInternalError, "failed to encode forwarded call")
	}
	upstream := RPCRequest{JSONRPC: "2.0", ID: rawID(1), Method: "tools/call", Params: paramsJSON}
	upstreamBytes, err := r.codec.Marshal(upstream)
	if err != nil {
		return newRPCError(id, CodeInternalError, "failed to encode forwarded call")
	}

	respBytes, err := r.pool.Forward(ctx, sess.WorkerPort, "tools/call", upstreamBytes)
	if err != nil {
		return newRPCError(id, CodeForwardFailed, (&proxyerr.ForwardFailed{Port: sess.WorkerPort, Method: params.Name, Cause: err}).Error())
	}

	var resp RPCResponse
	if err := r.codec.Unmarshal(respBytes, &resp); err != nil {
		return newRPCError(id, CodeForwardFailed, "malformed worker response")
	}
	resp.ID = id
	return &resp
}

// forwardToCurrent forwards any method not otherwise classified to the
// current session's worker, rewriting the id both ways.
func (r *Router) forwardToCurrent(ctx context.Context, req *RPCRequest) *RPCResponse {
	sess, ok := r.registry.GetCurrentSession()
	if !ok {
		return newRPCError(req.ID, CodeNoActiveSess, "no active session")
	}
	r.registry.Touch(sess.SessionID)

	upstream := RPCRequest{JSONRPC: "2.0", ID: rawID(1), Method: req.Method, Params: req.Params}
	upstreamBytes, err := r.codec.Marshal(upstream)
	if err != nil {
		return newRPCError(req.ID, CodeInternalError, "failed to encode forwarded request")
	}

	respBytes, err := r.pool.Forward(ctx, sess.WorkerPort, req.Method, upstreamBytes)
	if err != nil {
		return newRPCError(req.ID, CodeForwardFailed, (&proxyerr.ForwardFailed{Port: sess.WorkerPort, Method: req.Method, Cause: err}).Error())
	}

	var resp RPCResponse
	if err := r.codec.Unmarshal(respBytes, &resp); err != nil {
		return newRPCError(req.ID, CodeForwardFailed, "malformed worker response")
	}
	resp.ID = req.ID
	return &resp
}
