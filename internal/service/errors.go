package service

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"

	"endpoint-logger/internal/model"
)

// Sentinel causes for exchanges that did not complete.
var (
	// ErrClientProtocol marks a request that could not be parsed.
	ErrClientProtocol = errors.New("malformed client request")

	// ErrClientDisconnect marks a client that went away or failed mid-exchange.
	ErrClientDisconnect = errors.New("client connection failed")

	// ErrBackendConnect marks a backend that could not be reached.
	ErrBackendConnect = errors.New("backend connection failed")

	// ErrBackendStream marks a backend that failed after the connection was made.
	ErrBackendStream = errors.New("backend stream failed")

	// ErrInactivityTimeout marks an exchange that made no progress for too long.
	ErrInactivityTimeout = errors.New("inactivity timeout")

	// ErrShutdown marks an exchange force-aborted by a shutdown past its grace period.
	ErrShutdown = errors.New("proxy shutting down")
)

// failure is the classified outcome of an exchange that did not complete.
type failure struct {
	status model.Status
	cause  error
}

// classify maps the error that ended an exchange onto a terminal status.
//
// Cancellation of the exchange context wins over whatever error surfaced from
// the transport, since cancellation usually shows up there as a plain
// "context canceled". A failed client read comes next. Everything else is the
// backend's fault.
func classify(ctx context.Context, clientErr, backendErr error, connected bool) failure {
	if cause := context.Cause(ctx); cause != nil {
		switch {
		case errors.Is(cause, ErrInactivityTimeout):
			return failure{model.StatusTimedOut, ErrInactivityTimeout}
		case errors.Is(cause, ErrShutdown):
			return failure{model.StatusTimedOut, ErrShutdown}
		}
	}
	if clientErr != nil {
		return classifyClient(clientErr)
	}
	if !connected {
		return failure{model.StatusBackendError, wrap(ErrBackendConnect, backendErr)}
	}
	return failure{model.StatusBackendError, wrap(ErrBackendStream, backendErr)}
}

// classifyClient maps a client-side read or write error.
func classifyClient(err error) failure {
	if isTimeout(err) {
		return failure{model.StatusTimedOut, wrap(ErrInactivityTimeout, err)}
	}
	return failure{model.StatusClientAborted, wrap(ErrClientDisconnect, err)}
}

func wrap(sentinel, err error) error {
	if err == nil || errors.Is(err, sentinel) {
		return sentinel
	}
	return errors.Join(sentinel, err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// clientGone reports whether a request read error means the client closed or
// broke the connection, as opposed to sending something unparsable.
func clientGone(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	var oe *net.OpError
	return errors.As(err, &ne) || errors.As(err, &oe)
}

// proxyError is the response the proxy substitutes when an exchange fails
// before any backend byte reached the client.
type proxyError struct {
	code    int
	message string
}

var (
	errBadRequest     = proxyError{http.StatusBadRequest, "malformed request"}
	errHeaderTooLarge = proxyError{http.StatusRequestHeaderFieldsTooLarge, "request header too large"}
	errBadGateway     = proxyError{http.StatusBadGateway, "backend connection failed"}
	errGatewayTimeout = proxyError{http.StatusGatewayTimeout, "backend timed out"}
	errAtCapacity     = proxyError{http.StatusServiceUnavailable, "proxy at capacity"}
)

// responseFor returns the proxy-generated response for f, or false when the
// client should simply be disconnected.
func responseFor(f failure) (proxyError, bool) {
	switch f.status {
	case model.StatusBackendError:
		return errBadGateway, true
	case model.StatusTimedOut:
		if errors.Is(f.cause, ErrShutdown) {
			return proxyError{}, false
		}
		return errGatewayTimeout, true
	}
	return proxyError{}, false
}
