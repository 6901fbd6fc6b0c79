package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestResponseRecorderCapturesStatus(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	if rr.Status() != http.StatusOK {
		t.Fatalf("default status = %d, want 200", rr.Status())
	}
	rr.WriteHeader(http.StatusAccepted)
	if rr.Status() != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Status())
	}
}

func TestHTTPMiddlewareObservesRequests(t *testing.T) {
	rec := New()
	handler := HTTPMiddleware(rec, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest("GET", "/api/videos", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	got := testutil.ToFloat64(rec.httpRequests.WithLabelValues("GET", "/api/videos", "404"))
	if got != 1 {
		t.Fatalf("request count = %v, want 1", got)
	}
}

func TestHTTPMiddlewareNilRecorderPassesThrough(t *testing.T) {
	called := false
	handler := HTTPMiddleware(nil, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if !called {
		t.Fatal("next handler not invoked")
	}
}
