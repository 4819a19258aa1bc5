package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMiddlewareSetsRequestID(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	globalLogger = zap.New(core)
	t.Cleanup(InitDefault)

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WithContext(r.Context()).Info("handling")
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	id := rec.Header().Get("X-Request-ID")
	if id == "" {
		t.Fatal("X-Request-ID header missing")
	}
	handled := logs.FilterMessage("handling").All()
	if len(handled) != 1 {
		t.Fatalf("handler logged %d entries", len(handled))
	}
	if got := handled[0].ContextMap()["request_id"]; got != id {
		t.Errorf("request_id field = %v, header = %q", got, id)
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestMiddlewareKeepsIncomingID(t *testing.T) {
	InitDefault()

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "abc" {
		t.Errorf("X-Request-ID = %q", got)
	}
}

func TestInitFallsBackToInfo(t *testing.T) {
	if err := Init(Config{Level: "nonsense", Format: "console"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if globalLevel.Level().String() != "info" {
		t.Errorf("level = %s", globalLevel.Level())
	}
	SetLevel("debug")
	if globalLevel.Level().String() != "debug" {
		t.Errorf("level after SetLevel = %s", globalLevel.Level())
	}
	SetLevel("info")
}
