// Package client provides the pooled HTTP transport to the backend application.
package client

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"

	"endpoint-logger/internal/config"
	"endpoint-logger/internal/metrics"
)

// Result is the outcome of one backend round trip.
type Result struct {
	Response *http.Response

	// RemoteAddr is the backend address the request was written to.
	RemoteAddr string

	// Connected reports whether a backend connection was obtained. A failed
	// round trip with Connected false never reached the backend.
	Connected bool
}

// BackendClient sends proxied requests to the backend.
type BackendClient struct {
	transport *http.Transport
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewBackendClient creates a BackendClient with connection pooling.
// The metrics parameter is optional; pass nil to disable backend metrics recording.
//
// The transport never asks for or decodes compression on its own, so the bytes
// handed back are exactly what the backend sent.
func NewBackendClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *BackendClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Proxy.IdleConnections,
		MaxIdleConnsPerHost: cfg.Proxy.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &BackendClient{
		transport: transport,
		logger:    logger.With("component", "backend_client"),
		metrics:   m,
	}
}

// Do performs a single round trip. Redirects are not followed and the request
// is sent as-is; the caller owns the response body.
//
// The request's context bounds the whole exchange: canceling it aborts the
// dial, the request write and any pending body read.
func (c *BackendClient) Do(req *http.Request) (Result, error) {
	var (
		mu  sync.Mutex
		res Result
	)
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			mu.Lock()
			defer mu.Unlock()
			res.Connected = true
			if addr := info.Conn.RemoteAddr(); addr != nil {
				res.RemoteAddr = addr.String()
			}
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	c.logger.Debug("backend request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.transport.RoundTrip(req) //nolint:bodyclose // body ownership transfers to caller via Result
	duration := time.Since(start).Seconds()

	mu.Lock()
	defer mu.Unlock()

	if err != nil {
		if c.metrics != nil {
			c.metrics.BackendDuration.WithLabelValues(metrics.NormalizeMethod(req.Method)).Observe(duration)
		}
		return res, fmt.Errorf("backend request: %w", err)
	}

	if c.metrics != nil {
		c.metrics.ObserveBackend(req.Method, resp.StatusCode, duration)
	}
	res.Response = resp
	return res, nil
}

// CloseIdleConnections closes pooled backend connections that are not in use.
func (c *BackendClient) CloseIdleConnections() {
	c.transport.CloseIdleConnections()
}
