package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"endpoint-logger/internal/config"
)

type fakeStats struct {
	inFlight    int64
	connections int
}

func (f fakeStats) InFlight() int64  { return f.inFlight }
func (f fakeStats) Connections() int { return f.connections }

type fakeCounter struct {
	n   int64
	err error
}

func (f fakeCounter) Count(context.Context) (int64, error) { return f.n, f.err }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load(&config.CLI{Target: "http://127.0.0.1:8080", DataDir: dir})
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHealthHandler(&config.Config{}, "test", "sid", fakeStats{}, fakeCounter{}, testLogger())
	if err := h.Healthz(c); err != nil {
		t.Fatalf("Healthz() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestStatus(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	cfg := testConfig(t)
	h := NewHealthHandler(cfg, "1.2.3", "run-1", fakeStats{inFlight: 3, connections: 5}, fakeCounter{n: 42}, testLogger())
	if err := h.Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := statusResponse{
		Status:          "ok",
		Version:         "1.2.3",
		SessionID:       "run-1",
		ListenAddress:   "127.0.0.1:3000",
		Backend:         "http://127.0.0.1:8080",
		InFlight:        3,
		Connections:     5,
		StoredExchanges: 42,
	}
	if body != want {
		t.Errorf("body = %+v, want %+v", body, want)
	}
}

func TestStatus_StoreUnavailable(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHealthHandler(testConfig(t), "1.2.3", "sid", fakeStats{}, fakeCounter{err: errors.New("database is closed")}, testLogger())
	if err := h.Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if strings.Contains(rec.Body.String(), "database is closed") {
		t.Errorf("body leaks the storage error: %s", rec.Body.String())
	}
}
