package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func newTestPool(t *testing.T, basePort int) (*WorkerPool, func()) {
	t.Helper()
	pool := NewWorkerPool("127.0.0.1", basePort, 2, []string{"true"}, time.Second, testLogger())
	return pool, func() { pool.StopAll() }
}

func TestWorkerPoolAllocateRecyclesReleasedPorts(t *testing.T) {
	pool, cleanup := newTestPool(t, 40000)
	defer cleanup()

	a := pool.allocate()
	pool.release(a)
	b := pool.allocate()

	if a != b {
		t.Errorf("expected released port %d to be recycled, got %d", a, b)
	}
}

func TestWorkerPoolAllocateGrowsWhenNoneAvailable(t *testing.T) {
	pool, cleanup := newTestPool(t, 40100)
	defer cleanup()

	a := pool.allocate()
	b := pool.allocate()
	if a == b {
		t.Error("expected distinct ports when nothing has been released")
	}
}

func TestWorkerPoolCanGrowRespectsMaxProcesses(t *testing.T) {
	pool, cleanup := newTestPool(t, 40200)
	defer cleanup()

	if !pool.CanGrow() {
		t.Fatal("expected empty pool to be able to grow")
	}

	pool.workers[40200] = &Worker{port: 40200, external: true}
	pool.workers[40201] = &Worker{port: 40201, external: true}

	if pool.CanGrow() {
		t.Error("expected pool at maxProcesses to report it cannot grow")
	}
}

func TestWorkerPoolIdlePortHonorsBindingPredicate(t *testing.T) {
	pool, cleanup := newTestPool(t, 40300)
	defer cleanup()

	pool.workers[40300] = &Worker{port: 40300, external: true}

	if _, ok := pool.IdlePort(func(int) bool { return true }); ok {
		t.Error("expected no idle port when everything is reported bound")
	}

	port, ok := pool.IdlePort(func(int) bool { return false })
	if !ok || port != 40300 {
		t.Errorf("expected port 40300 to be reported idle, got %d ok=%v", port, ok)
	}
}

func TestWorkerPoolForwardAgainstLiveWorker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`))
	}))
	defer srv.Close()

	host, portStr := mustSplitHostPort(t, srv.URL)
	port, _ := strconv.Atoi(portStr)

	pool, cleanup := newTestPool(t, port)
	defer cleanup()

	w, ok := adoptExternal(host, port, testLogger())
	if !ok {
		t.Fatal("expected to adopt the test server")
	}
	pool.workers[port] = w

	resp, err := pool.Forward(context.Background(), port, "tools/call", []byte(`{}`))
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if len(resp) == 0 {
		t.Error("expected a non-empty response body")
	}
}

func TestWorkerPoolForwardFailsForUnknownPort(t *testing.T) {
	pool, cleanup := newTestPool(t, 40400)
	defer cleanup()

	if _, err := pool.Forward(context.Background(), 40400, "tools/call", []byte(`{}`)); err == nil {
		t.Fatal("expected Forward to fail for a port with no registered worker")
	}
}

func TestWorkerPoolRemoveReleasesPort(t *testing.T) {
	pool, cleanup := newTestPool(t, 40500)
	defer cleanup()

	pool.workers[40500] = &Worker{port: 40500, external: true}
	pool.Remove(40500, true)

	if _, ok := pool.Get(40500); ok {
		t.Error("expected worker to be removed from the pool map")
	}
	if _, taken := pool.availablePorts[40500]; !taken {
		t.Error("expected removed port to be returned to the recycling set")
	}
}
