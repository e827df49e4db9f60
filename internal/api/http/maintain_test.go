package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeMaintainer records trigger calls and signals them on a channel.
type fakeMaintainer struct {
	mu     sync.Mutex
	tables []string
	calls  chan string
	err    error
}

func newFakeMaintainer(tables ...string) *fakeMaintainer {
	return &fakeMaintainer{tables: tables, calls: make(chan string, 4)}
}

func (f *fakeMaintainer) Tables() []string { return f.tables }

func (f *fakeMaintainer) RunOnce(ctx context.Context) {
	f.calls <- "*"
}

func (f *fakeMaintainer) RunTable(ctx context.Context, root string) error {
	f.calls <- root
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func waitForCall(t *testing.T, f *fakeMaintainer) string {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("trigger never reached the maintainer")
		return ""
	}
}

func TestHealthHandler(t *testing.T) {
	h := NewHealthHandler("tidelake-maintain", newFakeMaintainer("silver/transactions", "gold/daily"))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" || resp.Service != "tidelake-maintain" || resp.Tables != 2 {
		t.Errorf("response = %+v", resp)
	}
}

func TestTriggerFullCycle(t *testing.T) {
	f := newFakeMaintainer("silver/transactions")
	h := NewTriggerHandler(f)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/trigger", nil))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}
	if got := waitForCall(t, f); got != "*" {
		t.Errorf("triggered %q, want full cycle", got)
	}
}

func TestTriggerSingleTable(t *testing.T) {
	f := newFakeMaintainer("silver/transactions", "gold/daily")
	h := NewTriggerHandler(f)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/trigger?table=gold/daily", nil))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}
	if got := waitForCall(t, f); got != "gold/daily" {
		t.Errorf("triggered %q, want gold/daily", got)
	}
}

func TestTriggerUnknownTable(t *testing.T) {
	f := newFakeMaintainer("silver/transactions")
	h := NewTriggerHandler(f)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/trigger?table=bronze/raw", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	select {
	case c := <-f.calls:
		t.Errorf("unknown table still triggered %q", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTriggerRejectsGet(t *testing.T) {
	h := NewTriggerHandler(newFakeMaintainer())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/trigger", nil))

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
}

func TestMiddlewareChain(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetRequestID(r.Context()) == "" {
			t.Error("request ID missing from context")
		}
		w.WriteHeader(http.StatusTeapot)
	})

	rr := httptest.NewRecorder()
	DefaultMiddleware()(inner).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))

	if rr.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want 418", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("no X-Request-ID header set")
	}
	if rr.Header().Get("Content-Type") != "application/json" {
		t.Error("no JSON content type set")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	})

	rr := httptest.NewRecorder()
	DefaultMiddleware()(inner).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != "internal server error" {
		t.Errorf("error = %q", resp.Error)
	}
}
