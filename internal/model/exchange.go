// Package model defines the captured exchange record shared by the proxy and the store.
package model

import (
	"errors"
	"net/http"
	"time"
)

// Status is the terminal outcome of an exchange.
type Status string

const (
	StatusCompleted     Status = "completed"
	StatusBackendError  Status = "backend_error"
	StatusClientAborted Status = "client_aborted"
	StatusTimedOut      Status = "timed_out"
)

// Valid reports whether s is one of the terminal statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusCompleted, StatusBackendError, StatusClientAborted, StatusTimedOut:
		return true
	}
	return false
}

// ErrFinalized is returned when an exchange is finalized a second time.
var ErrFinalized = errors.New("exchange already finalized")

// Body is the captured prefix of a message body.
// Size counts every byte that passed through, including bytes beyond the capture cap.
type Body struct {
	Data      []byte `json:"data,omitempty"`
	Size      int64  `json:"size"`
	Truncated bool   `json:"truncated"`
}

// Request is the client side of an exchange.
type Request struct {
	Method     string      `json:"method"`
	Target     string      `json:"target"`
	Proto      string      `json:"proto"`
	Header     http.Header `json:"header"`
	Body       Body        `json:"body"`
	ReceivedAt time.Time   `json:"received_at"`
}

// Response is the backend side of an exchange. It stays zero when the backend never answered.
type Response struct {
	StatusCode  int         `json:"status_code,omitempty"`
	Header      http.Header `json:"header,omitempty"`
	Body        Body        `json:"body"`
	FirstByteAt time.Time   `json:"first_byte_at,omitzero"`
	LastByteAt  time.Time   `json:"last_byte_at,omitzero"`
}

// Exchange is one client request paired with its (possibly absent) backend response.
//
// An Exchange is built up in place by the pipeline that owns it and becomes
// immutable once Finalize succeeds.
type Exchange struct {
	ID          uint64        `json:"id"`
	SessionID   string        `json:"session_id"`
	Status      Status        `json:"status"`
	Error       string        `json:"error,omitempty"`
	Request     Request       `json:"request"`
	Response    Response      `json:"response"`
	Duration    time.Duration `json:"duration"`
	ClientAddr  string        `json:"client_addr"`
	BackendAddr string        `json:"backend_addr"`

	finalized bool
}

// NewExchange creates the record skeleton at request acceptance.
func NewExchange(id uint64, sessionID string, receivedAt time.Time) *Exchange {
	return &Exchange{
		ID:        id,
		SessionID: sessionID,
		Request:   Request{ReceivedAt: receivedAt},
	}
}

// SetRequest fills request metadata from parsed request headers.
func (e *Exchange) SetRequest(method, target, proto string, header http.Header) {
	if e.finalized {
		return
	}
	e.Request.Method = method
	e.Request.Target = target
	e.Request.Proto = proto
	e.Request.Header = header.Clone()
}

// SetResponseHead records the backend status line and headers.
func (e *Exchange) SetResponseHead(statusCode int, header http.Header) {
	if e.finalized {
		return
	}
	e.Response.StatusCode = statusCode
	e.Response.Header = header.Clone()
}

// SetRequestBody stores the captured request body.
func (e *Exchange) SetRequestBody(b Body) {
	if e.finalized {
		return
	}
	e.Request.Body = b
}

// SetResponseBody stores the captured response body.
func (e *Exchange) SetResponseBody(b Body) {
	if e.finalized {
		return
	}
	e.Response.Body = b
}

// SetResponseTimes records when the first and last response bytes reached the client.
func (e *Exchange) SetResponseTimes(first, last time.Time) {
	if e.finalized {
		return
	}
	e.Response.FirstByteAt = first
	e.Response.LastByteAt = last
}

// Finalize sets the terminal status and freezes the record.
// Duration runs from request receipt to the last response byte, or to at when
// no response byte was ever delivered.
func (e *Exchange) Finalize(status Status, cause error, at time.Time) error {
	if e.finalized {
		return ErrFinalized
	}
	e.Status = status
	if cause != nil {
		e.Error = cause.Error()
	}
	end := at
	if !e.Response.LastByteAt.IsZero() {
		end = e.Response.LastByteAt
	}
	if !e.Request.ReceivedAt.IsZero() && end.After(e.Request.ReceivedAt) {
		e.Duration = end.Sub(e.Request.ReceivedAt)
	}
	e.finalized = true
	return nil
}

// Finalized reports whether the record is frozen.
func (e *Exchange) Finalized() bool {
	return e.finalized
}

// MarkFinalized freezes a record loaded from storage.
func (e *Exchange) MarkFinalized() {
	e.finalized = true
}
