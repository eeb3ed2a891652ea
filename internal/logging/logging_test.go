package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(globalLevel)
	prev := globalLogger
	globalLogger = zap.New(core)
	t.Cleanup(func() {
		globalLogger = prev
		globalLevel.SetLevel(zapcore.InfoLevel)
	})
	return logs
}

func TestMiddleware(t *testing.T) {
	logs := observe(t)

	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("abc"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/a.txt?download", nil))

	id := rec.Header().Get("X-Request-ID")
	if id == "" || seen != id {
		t.Fatalf("handler saw request ID %q, header %q", seen, id)
	}

	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 access log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(206) || fields["size"] != int64(3) || fields["query"] != "download" {
		t.Errorf("access log fields = %v", fields)
	}
	if fields["request_id"] != id {
		t.Errorf("request_id = %v, want %s", fields["request_id"], id)
	}
}

func TestMiddleware_KeepsClientRequestID(t *testing.T) {
	observe(t)

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("X-Request-ID = %q", got)
	}
}

func TestSetLevel(t *testing.T) {
	logs := observe(t)

	Debug("hidden")
	SetLevel("debug")
	Debug("shown")
	SetLevel("bogus") // ignored
	Debug("still shown")
	S().Debugf("sugared %d", 1)

	var got []string
	for _, e := range logs.All() {
		got = append(got, e.Message)
	}
	want := []string{"shown", "still shown", "sugared 1"}
	if len(got) != len(want) {
		t.Fatalf("messages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("messages = %v, want %v", got, want)
			break
		}
	}
}

func TestGetRequestID_Empty(t *testing.T) {
	if id := GetRequestID(httptest.NewRequest("GET", "/", nil).Context()); id != "" {
		t.Errorf("GetRequestID = %q", id)
	}
}
