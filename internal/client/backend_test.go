package client

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"endpoint-logger/internal/config"
	"endpoint-logger/internal/metrics"
)

func newTestClient(t *testing.T, m *metrics.Metrics) *BackendClient {
	t.Helper()
	cfg := &config.Config{Proxy: config.ProxyConfig{IdleConnections: 10}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewBackendClient(cfg, logger, m)
	t.Cleanup(c.CloseIdleConnections)
	return c
}

func TestBackendClient_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	m := metrics.New()
	c := newTestClient(t, m)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/test", nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = res.Response.Body.Close() }()

	if res.Response.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", res.Response.StatusCode, http.StatusOK)
	}
	if !res.Connected {
		t.Error("Connected = false, want true")
	}
	if res.RemoteAddr != srv.Listener.Addr().String() {
		t.Errorf("RemoteAddr = %q, want %q", res.RemoteAddr, srv.Listener.Addr().String())
	}

	body, err := io.ReadAll(res.Response.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body = %q, want %q", string(body), `{"status":"ok"}`)
	}

	if got := testutil.ToFloat64(m.BackendResponses.WithLabelValues("GET", "200")); got != 1 {
		t.Errorf("backend_responses{GET,200} = %v, want 1", got)
	}
}

func TestBackendClient_Do_ConnectionRefused(t *testing.T) {
	// Reserve a port and close it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	c := newTestClient(t, nil)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://"+addr+"/", nil)
	if err != nil {
		t.Fatal(err)
	}

	res, err := c.Do(req)
	if err == nil {
		_ = res.Response.Body.Close()
		t.Fatal("Do() expected error for refused connection, got nil")
	}
	if res.Connected {
		t.Error("Connected = true, want false for refused connection")
	}
}

func TestBackendClient_Do_CanceledContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/slow", nil)
	if err != nil {
		t.Fatal(err)
	}

	res, err := c.Do(req)
	if err == nil {
		_ = res.Response.Body.Close()
		t.Fatal("Do() expected error for canceled context, got nil")
	}
	if !res.Connected {
		t.Error("Connected = false, want true: the backend accepted the connection")
	}
}

func TestBackendClient_Do_NoTransparentDecompression(t *testing.T) {
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	_, _ = zw.Write([]byte("hello hello hello"))
	_ = zw.Close()

	var gotAcceptEncoding string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAcceptEncoding = r.Header.Get("Accept-Encoding")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(compressed.Bytes())
	}))
	defer srv.Close()

	c := newTestClient(t, nil)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = res.Response.Body.Close() }()

	body, err := io.ReadAll(res.Response.Body)
	if err != nil {
		t.Fatal(err)
	}
	if gotAcceptEncoding != "" {
		t.Errorf("backend saw Accept-Encoding %q, want none added", gotAcceptEncoding)
	}
	if !bytes.Equal(body, compressed.Bytes()) {
		t.Error("response body was altered; want the backend's gzip bytes unchanged")
	}
	if res.Response.Header.Get("Content-Encoding") != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", res.Response.Header.Get("Content-Encoding"))
	}
}
