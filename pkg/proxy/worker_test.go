package proxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"
)

func testLogger() *Logger {
	return NewLogger(LoggingConfig{Level: "error", Format: "json"})
}

func TestAdoptExternalSucceedsAgainstLiveServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":0,"result":{}}`))
	}))
	defer srv.Close()

	host, portStr := mustSplitHostPort(t, srv.URL)
	port, _ := strconv.Atoi(portStr)

	w, ok := adoptExternal(host, port, testLogger())
	if !ok {
		t.Fatal("expected adoptExternal to succeed against a live server")
	}
	if !w.External() {
		t.Error("adopted worker should be marked external")
	}
	if !w.IsAlive() {
		t.Error("external worker should always report alive")
	}
	if err := w.Terminate(); err != nil {
		t.Errorf("terminating an external worker should be a no-op: %v", err)
	}
}

func TestAdoptExternalFailsWhenNothingListening(t *testing.T) {
	_, ok := adoptExternal("127.0.0.1", 1, testLogger())
	if ok {
		t.Fatal("expected adoptExternal to fail when nothing answers")
	}
}

func TestProbeOnceRejectsNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	host, portStr := mustSplitHostPort(t, srv.URL)
	port, _ := strconv.Atoi(portStr)

	client := &http.Client{Timeout: time.Second}
	if probeOnce(client, host, port) {
		t.Error("probeOnce should reject a non-200 response")
	}
}

func TestWaitReadyReturnsOnExit(t *testing.T) {
	w := &Worker{host: "127.0.0.1", port: 1, logger: testLogger()}
	exited := make(chan struct{})
	close(exited)

	err := w.waitReady(context.Background(), time.Second, exited)
	if err == nil {
		t.Fatal("expected waitReady to fail when the process exited early")
	}
}

func mustSplitHostPort(t *testing.T, rawURL string) (string, string) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("failed to parse test server URL: %v", err)
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("failed to split host/port: %v", err)
	}
	return host, port
}
