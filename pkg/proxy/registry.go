package proxy

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zrax-x/idalib-proxy-mcp/internal/proxyerr"
)

// Session is a binding of one binary file to one worker (spec.md §3).
type Session struct {
	SessionID       string
	BinaryPath      string
	BinaryName      string
	WorkerPort      int
	WorkerSessionID string
	RunAutoAnalysis bool
	CreatedAt       time.Time
	LastAccessedAt  time.Time
	IsCurrent       bool
}

// Registry is the session/worker coordination core: bounded
// `(binary → worker)` bindings with LRU eviction (spec.md §4.3). The
// registry lock is always acquired before the pool's internal lock —
// never the reverse — to avoid deadlock (spec.md §5).
type Registry struct {
	mu sync.Mutex

	pool         *WorkerPool
	maxProcesses int
	codec        Codec
	logger       *Logger

	sessions  map[string]*Session
	byBinary  map[string]string
	byPort    map[int]string
	lru       *list.List
	lruElem   map[string]*list.Element
	currentID string
}

// NewRegistry constructs an empty registry bound to pool.
func NewRegistry(pool *WorkerPool, maxProcesses int, codec Codec, logger *Logger) *Registry {
	return &Registry{
		pool:         pool,
		maxProcesses: maxProcesses,
		codec:        codec,
		logger:       logger,
		sessions:     make(map[string]*Session),
		byBinary:     make(map[string]string),
		byPort:       make(map[int]string),
		lru:          list.New(),
		lruElem:      make(map[string]*list.Element),
	}
}

// touchLocked moves sessionID to the LRU tail and refreshes
// lastAccessedAt. Caller must hold r.mu.
func (r *Registry) touchLocked(sessionID string) {
	sess, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	sess.LastAccessedAt = time.Now()
	if elem, ok := r.lruElem[sessionID]; ok {
		r.lru.MoveToBack(elem)
	} else {
		r.lruElem[sessionID] = r.lru.PushBack(sessionID)
	}
}

func (r *Registry) setCurrentLocked(sessionID string) {
	if r.currentID != "" {
		if prev, ok := r.sessions[r.currentID]; ok {
			prev.IsCurrent = false
		}
	}
	r.currentID = sessionID
	if sess, ok := r.sessions[sessionID]; ok {
		sess.IsCurrent = true
	}
}

// Touch is the exported form used by the router after a successful
// analysis forward or switch (spec.md §4.3 touch semantics).
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touchLocked(sessionID)
}

// OpenSession implements the three-tier allocation policy of spec.md
// §4.3. The whole operation runs under the registry lock: admin
// operations (open/close/switch) are comparatively rare next to
// analysis forwarding, so coarse serialization here is the simplest
// correct way to avoid two sessions racing into existence for the same
// new binary (see spec.md §9's open question and DESIGN.md).
func (r *Registry) OpenSession(ctx context.Context, binaryPath string, runAutoAnalysis bool) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	canonical, err := canonicalizePath(binaryPath)
	if err != nil {
		return nil, &proxyerr.BinaryNotFound{Path: binaryPath}
	}

	if sessionID, ok := r.byBinary[canonical]; ok {
		r.touchLocked(sessionID)
		r.setCurrentLocked(sessionID)
		return r.sessions[sessionID], nil
	}

	port, startedNew, evictedID, err := r.selectWorkerLocked(ctx)
	if err != nil {
		return nil, err
	}

	result, err := r.callOpenLocked(ctx, port, canonical, runAutoAnalysis)
	if err != nil {
		if startedNew {
			r.pool.Remove(port, true)
		}
		return nil, err
	}

	sess := &Session{
		SessionID:       fmt.Sprintf("%s-%s", filepath.Base(canonical), result.SessionID),
		BinaryPath:      canonical,
		BinaryName:      filepath.Base(canonical),
		WorkerPort:      port,
		WorkerSessionID: result.SessionID,
		RunAutoAnalysis: runAutoAnalysis,
		CreatedAt:       time.Now(),
		LastAccessedAt:  time.Now(),
	}

	r.sessions[sess.SessionID] = sess
	r.byBinary[canonical] = sess.SessionID
	r.byPort[port] = sess.SessionID
	r.touchLocked(sess.SessionID)
	r.setCurrentLocked(sess.SessionID)

	if w, ok := r.pool.Get(port); ok {
		w.SetBinding(canonical, result.SessionID)
	}

	_ = evictedID
	return sess, nil
}

// selectWorkerLocked implements the three-tier priority of spec.md
// §4.3 step 3. Caller must hold r.mu.
func (r *Registry) selectWorkerLocked(ctx context.Context) (port int, startedNew bool, evictedID string, err error) {
	if idlePort, ok := r.pool.IdlePort(func(p int) bool {
		_, bound := r.byPort[p]
		return bound
	}); ok {
		return idlePort, false, "", nil
	}

	if r.pool.CanGrow() {
		w, err := r.pool.SpawnNew(ctx)
		if err != nil {
			return 0, false, "", err
		}
		return w.Port(), true, "", nil
	}

	front := r.lru.Front()
	if front == nil {
		return 0, false, "", &proxyerr.NoCapacity{}
	}
	evictedID = front.Value.(string)
	evicted, ok := r.sessions[evictedID]
	if !ok {
		r.lru.Remove(front)
		delete(r.lruElem, evictedID)
		return 0, false, "", &proxyerr.NoCapacity{}
	}

	r.bestEffortClose(ctx, evicted)
	r.removeSessionLocked(evictedID)
	r.pool.metrics.SessionsEvicted.Add(1)
	r.logger.WithSession(evictedID).InfoContext(ctx, "evicted LRU session for reuse", "port", evicted.WorkerPort)

	return evicted.WorkerPort, false, evictedID, nil
}

type openResult struct {
	SessionID string
}

// callOpenLocked issues tools/call idalib_open. Held under r.mu: the
// registry intentionally serializes admin operations (see OpenSession
// doc comment) rather than dropping the lock around this one
// round-trip, in exchange for a much simpler race-free implementation.
func (r *Registry) callOpenLocked(ctx context.Context, port int, canonicalPath string, runAutoAnalysis bool) (*openResult, error) {
	params := map[string]interface{}{
		"name": "idalib_open",
		"arguments": map[string]interface{}{
			"input_path":        canonicalPath,
			"run_auto_analysis": runAutoAnalysis,
		},
	}
	paramsJSON, _ := r.codec.Marshal(params)
	req := RPCRequest{JSONRPC: "2.0", ID: rawID(1), Method: "tools/call", Params: paramsJSON}
	reqBytes, err := r.codec.Marshal(req)
	if err != nil {
		return nil, &proxyerr.OpenFailed{Reason: err.Error()}
	}

	respBytes, err := r.pool.Forward(ctx, port, "tools/call", reqBytes)
	if err != nil {
		return nil, &proxyerr.OpenFailed{Reason: err.Error()}
	}

	var resp RPCResponse
	if err := r.codec.Unmarshal(respBytes, &resp); err != nil {
		return nil, &proxyerr.OpenFailed{Reason: "malformed worker response"}
	}
	if resp.Error != nil {
		return nil, &proxyerr.OpenFailed{Reason: resp.Error.Message}
	}

	data, err := extractStructured(resp.Result)
	if err != nil {
		return nil, &proxyerr.OpenFailed{Reason: err.Error()}
	}

	success, _ := data["success"].(bool)
	if !success {
		reason := "worker refused binary"
		if e, ok := data["error"].(string); ok {
			reason = e
		}
		return nil, &proxyerr.OpenFailed{Reason: reason}
	}

	sessionObj, ok := data["session"].(map[string]interface{})
	if !ok {
		return nil, &proxyerr.OpenFailed{Reason: "missing session in worker response"}
	}
	sessionID, _ := sessionObj["session_id"].(string)
	if sessionID == "" {
		return nil, &proxyerr.OpenFailed{Reason: "missing session_id in worker response"}
	}

	return &openResult{SessionID: sessionID}, nil
}

// extractStructured unwraps the MCP tools/call result shape (either a
// raw object, or {content:[{type:text,text:"<json>"}], ...}) into a
// plain map.
func extractStructured(result interface{}) (map[string]interface{}, error) {
	obj, ok := result.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected result shape")
	}
	if sc, ok := obj["structuredContent"]; ok {
		if m, ok := sc.(map[string]interface{}); ok {
			return m, nil
		}
	}
	if content, ok := obj["content"].([]interface{}); ok && len(content) > 0 {
		if item, ok := content[0].(map[string]interface{}); ok {
			if text, ok := item["text"].(string); ok {
				var parsed map[string]interface{}
				if err := json.Unmarshal([]byte(text), &parsed); err == nil {
					return parsed, nil
				}
			}
		}
	}
	return obj, nil
}

func (r *Registry) bestEffortClose(ctx context.Context, sess *Session) {
	logger := r.logger.WithSession(sess.SessionID)
	ack, err := forwardTyped[closeAck](ctx, r.pool, r.codec, sess.WorkerPort, "idalib_close",
		map[string]interface{}{"session_id": sess.WorkerSessionID})
	if err != nil {
		logger.WarnContext(ctx, "best-effort idalib_close failed", "error", err)
		return
	}
	if !ack.Success {
		logger.WarnContext(ctx, "worker refused idalib_close", "reason", ack.Error)
	}
}

func (r *Registry) removeSessionLocked(sessionID string) {
	sess, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	delete(r.byBinary, sess.BinaryPath)
	delete(r.byPort, sess.WorkerPort)
	if elem, ok := r.lruElem[sessionID]; ok {
		r.lru.Remove(elem)
		delete(r.lruElem, sessionID)
	}
	if r.currentID == sessionID {
		r.currentID = ""
		if back := r.lru.Back(); back != nil {
			r.setCurrentLocked(back.Value.(string))
		}
	}
	if w, ok := r.pool.Get(sess.WorkerPort); ok {
		w.ClearBinding()
	}
}

// CloseSession removes sessionID from all indexes, best-effort closes
// the worker-side session, and optionally terminates the worker.
// Returns false iff the id was unknown (spec.md §4.3).
func (r *Registry) CloseSession(ctx context.Context, sessionID string, terminateWorker bool) bool {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.removeSessionLocked(sessionID)
	r.mu.Unlock()

	r.bestEffortClose(ctx, sess)
	if terminateWorker {
		r.pool.Remove(sess.WorkerPort, true)
	}
	return true
}

// SwitchSession touches sessionID and makes it current.
func (r *Registry) SwitchSession(sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, &proxyerr.SessionNotFound{SessionID: sessionID}
	}
	r.touchLocked(sessionID)
	r.setCurrentLocked(sessionID)
	return sess, nil
}

// ListSessions snapshots the registry under the lock; order is
// unspecified (spec.md §4.3).
func (r *Registry) ListSessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// GetCurrentSession returns the current session, if any.
func (r *Registry) GetCurrentSession() (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentID == "" {
		return nil, false
	}
	sess, ok := r.sessions[r.currentID]
	if !ok {
		return nil, false
	}
	cp := *sess
	return &cp, true
}

// GetSession returns a copy of the session with the given id.
func (r *Registry) GetSession(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	cp := *sess
	return &cp, true
}

// GetSessionByBinary returns a copy of the session bound to path, if any.
func (r *Registry) GetSessionByBinary(path string) (*Session, bool) {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sessionID, ok := r.byBinary[canonical]
	if !ok {
		return nil, false
	}
	sess := r.sessions[sessionID]
	cp := *sess
	return &cp, true
}

// WorkerPortFor returns the port of a session's worker, taking the
// registry lock only for the lookup.
func (r *Registry) WorkerPortFor(sessionID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return 0, false
	}
	return sess.WorkerPort, true
}

// CloseAll closes every session without terminating their workers
// (used on shutdown before the pool's StopAll).
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.CloseSession(ctx, id, false)
	}
}

func canonicalizePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", err
	}
	return abs, nil
}
