package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/zrax-x/idalib-proxy-mcp/internal/proxyerr"
)

// WorkerPool is the bounded `port → WorkerHandle` mapping of spec.md
// §4.2. All pool bookkeeping is serialized by a single mutex; the
// blocking HTTP round-trip in Forward is performed outside that lock.
type WorkerPool struct {
	mu sync.Mutex

	host           string
	command        []string
	startupTimeout time.Duration
	maxProcesses   int
	basePort       int

	workers        map[int]*Worker
	availablePorts map[int]struct{}
	nextPort       int
	defaultPort    int // 0 means unset

	httpClient *http.Client
	logger     *Logger
	metrics    *PoolMetrics
}

// NewWorkerPool constructs an empty pool. No workers are spawned until
// EnsureDefault or SpawnNew is called.
func NewWorkerPool(host string, basePort, maxProcesses int, command []string, startupTimeout time.Duration, logger *Logger) *WorkerPool {
	return &WorkerPool{
		host:           host,
		command:        command,
		startupTimeout: startupTimeout,
		maxProcesses:   maxProcesses,
		basePort:       basePort,
		workers:        make(map[int]*Worker),
		availablePorts: make(map[int]struct{}),
		nextPort:       basePort,
		httpClient:     &http.Client{},
		logger:         logger,
		metrics:        NewPoolMetrics(),
	}
}

// allocate returns any recycled port if available, else the next
// monotonically increasing port.
func (p *WorkerPool) allocate() int {
	for port := range p.availablePorts {
		delete(p.availablePorts, port)
		return port
	}
	port := p.nextPort
	p.nextPort++
	return port
}

func (p *WorkerPool) release(port int) {
	p.availablePorts[port] = struct{}{}
}

// Size returns the number of live worker handles in the pool.
func (p *WorkerPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Get returns the worker at port, if any.
func (p *WorkerPool) Get(port int) (*Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[port]
	return w, ok
}

// IdlePort returns a port in the pool that has no session bound to it,
// according to the caller-supplied predicate (the registry knows which
// ports are bound; the pool does not track sessions). Returns 0, false
// if none qualify.
func (p *WorkerPool) IdlePort(isBound func(port int) bool) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := range p.workers {
		if !isBound(port) {
			return port, true
		}
	}
	return 0, false
}

// CanGrow reports whether the pool is below maxProcesses.
func (p *WorkerPool) CanGrow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers) < p.maxProcesses
}

// EnsureDefault returns the worker on basePort, adopting an externally
// running process if one answers there, else spawning a fresh one with
// no binary loaded (spec.md §4.2).
func (p *WorkerPool) EnsureDefault(ctx context.Context) (*Worker, error) {
	p.mu.Lock()
	if p.defaultPort != 0 {
		if w, ok := p.workers[p.defaultPort]; ok {
			p.mu.Unlock()
			return w, nil
		}
	}
	p.mu.Unlock()

	if w, ok := adoptExternal(p.host, p.basePort, p.logger); ok {
		p.mu.Lock()
		p.workers[p.basePort] = w
		p.defaultPort = p.basePort
		if p.nextPort <= p.basePort {
			p.nextPort = p.basePort + 1
		}
		p.mu.Unlock()
		p.logger.InfoContext(ctx, "adopted external worker", "port", p.basePort)
		return w, nil
	}

	p.mu.Lock()
	port := p.basePort
	if _, taken := p.workers[port]; taken {
		port = p.allocate()
	} else if p.nextPort <= port {
		p.nextPort = port + 1
	}
	p.mu.Unlock()

	w, err := spawnWorker(ctx, p.host, port, "", p.command, p.startupTimeout, p.logger)
	if err != nil {
		p.metrics.WorkerFailures.Add(1)
		return nil, err
	}

	p.mu.Lock()
	p.workers[port] = w
	p.defaultPort = port
	p.mu.Unlock()
	p.metrics.WorkersSpawned.Add(1)
	return w, nil
}

// SpawnNew allocates a fresh port and spawns a worker with no binary
// loaded, registering it in the pool.
func (p *WorkerPool) SpawnNew(ctx context.Context) (*Worker, error) {
	p.mu.Lock()
	port := p.allocate()
	p.mu.Unlock()

	w, err := spawnWorker(ctx, p.host, port, "", p.command, p.startupTimeout, p.logger)
	if err != nil {
		p.mu.Lock()
		p.release(port)
		p.mu.Unlock()
		p.metrics.WorkerFailures.Add(1)
		return nil, err
	}

	p.mu.Lock()
	p.workers[port] = w
	p.mu.Unlock()
	p.metrics.WorkersSpawned.Add(1)
	return w, nil
}

// Remove drops the worker at port from the pool map and terminates it
// if owned (never signals an external handle), returning the port to
// the recycling set.
func (p *WorkerPool) Remove(port int, terminate bool) {
	p.mu.Lock()
	w, ok := p.workers[port]
	if ok {
		delete(p.workers, port)
		p.release(port)
	}
	if p.defaultPort == port {
		p.defaultPort = 0
	}
	p.mu.Unlock()

	if ok && terminate {
		if err := w.Terminate(); err != nil {
			p.logger.Warn("worker termination failed", "port", port, "error", err)
		}
		p.metrics.WorkersTerminated.Add(1)
	}
}

// IsHealthy reports whether the worker at port exists and answers
// IsAlive. External handles are always reported healthy here; true
// failures surface on the next Forward.
func (p *WorkerPool) IsHealthy(port int) bool {
	w, ok := p.Get(port)
	if !ok {
		return false
	}
	return w.IsAlive()
}

// Forward serializes body to the worker's /mcp endpoint and returns the
// raw response bytes. The pool lock is not held across this call.
func (p *WorkerPool) Forward(ctx context.Context, port int, method string, body []byte) ([]byte, error) {
	w, ok := p.Get(port)
	if !ok {
		return nil, &proxyerr.WorkerUnhealthy{Port: port}
	}
	if !w.IsAlive() {
		return nil, &proxyerr.WorkerUnhealthy{Port: port}
	}

	p.metrics.RequestsTotal.Add(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL()+"/mcp", bytes.NewReader(body))
	if err != nil {
		p.metrics.RequestsFailed.Add(1)
		return nil, &proxyerr.ForwardFailed{Port: port, Method: method, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.metrics.RequestsFailed.Add(1)
		w.SetLastError(err.Error())
		return nil, &proxyerr.ForwardFailed{Port: port, Method: method, Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		p.metrics.RequestsFailed.Add(1)
		return nil, &proxyerr.ForwardFailed{Port: port, Method: method, Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		p.metrics.RequestsFailed.Add(1)
		return nil, &proxyerr.ForwardFailed{Port: port, Method: method, Cause: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	p.metrics.RequestsSucceeded.Add(1)
	return data, nil
}

// StopAll terminates every non-external handle; external handles are
// dropped from the map without being signalled.
func (p *WorkerPool) StopAll() {
	p.mu.Lock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.workers = make(map[int]*Worker)
	p.availablePorts = make(map[int]struct{})
	p.defaultPort = 0
	p.mu.Unlock()

	for _, w := range workers {
		if w.External() {
			continue
		}
		if err := w.Terminate(); err != nil {
			p.logger.Warn("worker termination failed on shutdown", "port", w.Port(), "error", err)
		}
	}
}

// Snapshot returns a point-in-time metrics snapshot for the /metrics
// and /healthz endpoints.
func (p *WorkerPool) Snapshot() PoolMetricsSnapshot {
	return p.metrics.Snapshot(p.Size())
}

// WorkerDiagnostic is a point-in-time view of one worker, surfaced on
// the /healthz endpoint (SPEC_FULL.md §3).
type WorkerDiagnostic struct {
	Port      int    `json:"port"`
	PID       int    `json:"pid"`
	External  bool   `json:"external"`
	Alive     bool   `json:"alive"`
	LastError string `json:"last_error"`
}

// Diagnostics snapshots every worker currently in the pool.
func (p *WorkerPool) Diagnostics() []WorkerDiagnostic {
	p.mu.Lock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	out := make([]WorkerDiagnostic, 0, len(workers))
	for _, w := range workers {
		out = append(out, WorkerDiagnostic{
			Port:      w.Port(),
			PID:       w.PID(),
			External:  w.External(),
			Alive:     w.IsAlive(),
			LastError: w.LastError(),
		})
	}
	return out
}
