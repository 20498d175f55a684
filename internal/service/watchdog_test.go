package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"endpoint-logger/internal/model"
)

func TestWatchdog_FiresWhenIdle(t *testing.T) {
	fired := make(chan struct{})
	w := newWatchdog(30*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire")
	}
	if !w.stop() {
		t.Error("stop() = false, want true after firing")
	}
}

func TestWatchdog_TouchPostponesExpiry(t *testing.T) {
	var fired atomic.Bool
	w := newWatchdog(80*time.Millisecond, func() { fired.Store(true) })

	for range 6 {
		time.Sleep(30 * time.Millisecond)
		w.touch()
	}
	if fired.Load() {
		t.Fatal("watchdog fired despite steady activity")
	}
	if w.stop() {
		t.Error("stop() = true, want false")
	}
}

func TestWatchdog_Disabled(t *testing.T) {
	w := newWatchdog(0, func() { t.Error("disabled watchdog fired") })
	w.touch()
	if w.stop() {
		t.Error("stop() = true, want false")
	}
}

func TestClassify(t *testing.T) {
	timeoutCtx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrInactivityTimeout)
	shutdownCtx, cancel2 := context.WithCancelCause(context.Background())
	cancel2(ErrShutdown)
	bg := context.Background()

	netTimeout := &net.OpError{Op: "read", Net: "tcp", Err: os.ErrDeadlineExceeded}
	backendErr := errors.New("dial tcp: connection refused")

	tests := []struct {
		name      string
		ctx       context.Context
		clientErr error
		connected bool
		status    model.Status
		sentinel  error
		respCode  int // zero when the client gets no response
	}{
		{"inactivity wins", timeoutCtx, io.ErrUnexpectedEOF, true, model.StatusTimedOut, ErrInactivityTimeout, 504},
		{"shutdown", shutdownCtx, nil, true, model.StatusTimedOut, ErrShutdown, 0},
		{"client gone", bg, io.ErrUnexpectedEOF, true, model.StatusClientAborted, ErrClientDisconnect, 0},
		{"client stalled", bg, netTimeout, true, model.StatusTimedOut, ErrInactivityTimeout, 504},
		{"backend refused", bg, nil, false, model.StatusBackendError, ErrBackendConnect, 502},
		{"backend broke", bg, nil, true, model.StatusBackendError, ErrBackendStream, 502},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := classify(tt.ctx, tt.clientErr, backendErr, tt.connected)
			if f.status != tt.status {
				t.Errorf("status = %q, want %q", f.status, tt.status)
			}
			if !errors.Is(f.cause, tt.sentinel) {
				t.Errorf("cause = %v, want %v", f.cause, tt.sentinel)
			}
			pe, ok := responseFor(f)
			switch {
			case tt.respCode == 0 && ok:
				t.Errorf("responseFor() = %d, want no response", pe.code)
			case tt.respCode != 0 && pe.code != tt.respCode:
				t.Errorf("responseFor() = %d, want %d", pe.code, tt.respCode)
			}
		})
	}
}

func TestClientGone(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{io.EOF, true},
		{io.ErrUnexpectedEOF, true},
		{fmt.Errorf("read: %w", net.ErrClosed), true},
		{&net.OpError{Op: "read", Err: errors.New("connection reset by peer")}, true},
		{errors.New("malformed HTTP request \"GARBAGE\""), false},
	}

	for _, tt := range tests {
		if got := clientGone(tt.err); got != tt.want {
			t.Errorf("clientGone(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
