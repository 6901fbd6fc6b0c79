package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewRespectsLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Writer: &buf})

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info record emitted at warn level: %s", buf.String())
	}

	logger.Warn("visible", "component", "test")
	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["msg"] != "visible" {
		t.Fatalf("msg = %v", record["msg"])
	}

	buf.Reset()
	text := New(Config{Writer: &buf, Format: "text"})
	text.Info("plain")
	if !strings.Contains(buf.String(), "msg=plain") {
		t.Fatalf("text handler output = %q", buf.String())
	}
}

func TestWithContextAnnotatesIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithStreamID(ctx, "vid-1")
	WithContext(ctx, logger).Info("annotated")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["request_id"] != "req-1" || record["stream_id"] != "vid-1" {
		t.Fatalf("record = %v", record)
	}

	if _, ok := RequestIDFromContext(context.Background()); ok {
		t.Fatal("RequestIDFromContext returned a value for an empty context")
	}
	if got := ContextWithStreamID(context.Background(), "  "); got.Value(streamIDKey) != nil {
		t.Fatal("blank stream id stored on context")
	}
}

func TestRequestLoggerRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/videos", nil))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["status"] != float64(http.StatusTeapot) {
		t.Fatalf("status = %v", record["status"])
	}
	if record["path"] != "/api/videos" {
		t.Fatalf("path = %v", record["path"])
	}
}

func TestRequestLoggerStampsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})

	var seenID string
	handler := RequestLogger(logger)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seenID, _ = RequestIDFromContext(r.Context())
	}))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest("GET", "/api/videos", nil))

	if seenID == "" {
		t.Fatal("handler saw no request id on the context")
	}
	if got := recorder.Header().Get("X-Request-Id"); got != seenID {
		t.Fatalf("X-Request-Id header = %q, want %q", got, seenID)
	}
	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["request_id"] != seenID {
		t.Fatalf("request_id = %v, want %q", record["request_id"], seenID)
	}
}

func TestRequestLoggerHonorsInboundIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest("GET", "/api/streams/active", nil)
	req.Header.Set("X-Request-Id", "req-777")
	req.Header.Set("X-Stream-Id", "stream-42")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["request_id"] != "req-777" {
		t.Fatalf("request_id = %v, want req-777", record["request_id"])
	}
	if record["stream_id"] != "stream-42" {
		t.Fatalf("stream_id = %v, want stream-42", record["stream_id"])
	}
}
