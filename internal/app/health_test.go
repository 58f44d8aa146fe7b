package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dynastymap/api/internal/config"
	"dynastymap/api/internal/store"
	"go.uber.org/zap/zaptest"
)

// fakeStoreForHealth is a memory store with an overridable ping.
type fakeStoreForHealth struct {
	*store.MemoryStore
	pingFn func(context.Context) error
}

func (f *fakeStoreForHealth) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return f.MemoryStore.Ping(ctx)
}

func testConfig() config.Config {
	return config.Config{
		Schema:      "blob",
		Rows:        2,
		Cols:        2,
		Palette:     []string{"#FF0000", "#0000FF"},
		CallTimeout: time.Second,
		WritePolicy: "keep",
		ImageURL:    "/map.png",
	}
}

// newTestService builds an unstarted service over backend and closes both
// when the test ends.
func newTestService(t *testing.T, backend store.Backend) *Service {
	t.Helper()
	svc, err := New(testConfig(), backend, nil, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() {
		_ = svc.Close()
		_ = backend.Close()
	})
	return svc
}

func TestHealthEndpoint(t *testing.T) {
	svc := newTestService(t, &fakeStoreForHealth{MemoryStore: store.NewMemoryStore()})
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated X-Request-ID header")
	}
}

func TestReadyEndpointHealthy(t *testing.T) {
	svc := newTestService(t, &fakeStoreForHealth{MemoryStore: store.NewMemoryStore()})
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-Request-ID"); got != "req-1" {
		t.Errorf("expected request id to be echoed, got %q", got)
	}

	var response struct {
		OK     bool                      `json:"ok"`
		Status string                    `json:"status"`
		Checks map[string]map[string]any `json:"checks"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !response.OK || response.Status != "ready" {
		t.Errorf("expected ready, got %+v", response)
	}
	if response.Checks["backend"]["status"] != "ok" {
		t.Errorf("expected backend check ok, got %v", response.Checks["backend"])
	}
}

func TestReadyEndpointUnhealthy(t *testing.T) {
	fs := &fakeStoreForHealth{
		MemoryStore: store.NewMemoryStore(),
		pingFn: func(context.Context) error {
			return errors.New("connection refused")
		},
	}
	svc := newTestService(t, fs)
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}

	var response struct {
		OK     bool                      `json:"ok"`
		Status string                    `json:"status"`
		Checks map[string]map[string]any `json:"checks"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response.OK || response.Status != "not_ready" {
		t.Errorf("expected not_ready, got %+v", response)
	}
	if response.Checks["backend"]["error"] != "connection refused" {
		t.Errorf("expected ping error in checks, got %v", response.Checks["backend"])
	}
}

func TestReadyEndpointPingTimeout(t *testing.T) {
	fs := &fakeStoreForHealth{
		MemoryStore: store.NewMemoryStore(),
		pingFn: func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				return errors.New("expected deadline on ping context")
			}
			return nil
		},
	}
	svc := newTestService(t, fs)
	server := NewHTTPServer(svc, "*")

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/ready", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestPreflight(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore())
	server := NewHTTPServer(svc, "https://map.example")

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/api/admin/color", nil))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://map.example" {
		t.Errorf("unexpected allow origin %q", got)
	}
}
