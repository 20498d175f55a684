// Package supervisor accepts client connections and runs exchanges on them
// under a global concurrency ceiling, with graceful shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"endpoint-logger/internal/config"
	"endpoint-logger/internal/metrics"
	"endpoint-logger/internal/service"
)

// Exchanger runs one exchange on a connection and reports whether the
// connection may carry another.
type Exchanger interface {
	Serve(ctx context.Context, c *service.Conn) bool
}

// Config configures the supervisor.
type Config struct {
	ListenAddress string

	// MaxConcurrent is the number of exchanges allowed in flight.
	MaxConcurrent int

	// Backlog is the number of exchanges allowed to queue for a slot.
	Backlog int

	// KeepAliveTimeout bounds the wait for the next request on a reused connection.
	KeepAliveTimeout time.Duration

	// WriteTimeout bounds writing a rejection response.
	WriteTimeout time.Duration

	// ShutdownGrace is how long in-flight exchanges may finish after Shutdown.
	ShutdownGrace time.Duration
}

// NewConfig derives supervisor settings from the resolved configuration.
func NewConfig(cfg *config.Config) Config {
	return Config{
		ListenAddress:    cfg.Proxy.ListenAddress,
		MaxConcurrent:    cfg.Proxy.MaxConcurrentExchanges,
		Backlog:          cfg.Proxy.Backlog,
		KeepAliveTimeout: cfg.Proxy.KeepAliveTimeout(),
		WriteTimeout:     cfg.Proxy.InactivityTimeout(),
		ShutdownGrace:    cfg.Proxy.ShutdownGrace(),
	}
}

// tracked is a live client connection. active is set while an exchange runs
// or waits for a slot; idle connections are closed right away on shutdown.
type tracked struct {
	conn   *service.Conn
	active bool
}

// Supervisor owns the listener and every client connection.
type Supervisor struct {
	cfg      Config
	exchange Exchanger
	gate     *gate
	metrics  *metrics.Metrics
	logger   *slog.Logger

	baseCtx context.Context
	cancel  context.CancelCauseFunc

	mu       sync.Mutex
	ln       net.Listener
	conns    map[*tracked]struct{}
	shutting bool

	inFlight atomic.Int64
	connWG   sync.WaitGroup
	served   chan struct{}
}

// New creates a Supervisor. The metrics parameter is optional.
func New(cfg Config, ex Exchanger, m *metrics.Metrics, logger *slog.Logger) *Supervisor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Backlog < 0 {
		cfg.Backlog = 0
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Supervisor{
		cfg:      cfg,
		exchange: ex,
		gate:     newGate(cfg.MaxConcurrent, cfg.Backlog),
		metrics:  m,
		logger:   logger.With("component", "supervisor"),
		baseCtx:  ctx,
		cancel:   cancel,
		conns:    make(map[*tracked]struct{}),
		served:   make(chan struct{}),
	}
}

// Start binds the listen address and begins accepting connections.
func (s *Supervisor) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("proxy listening",
		"address", ln.Addr().String(),
		"max_concurrent", s.cfg.MaxConcurrent,
		"backlog", s.cfg.Backlog,
	)
	go s.serve(ln)
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (s *Supervisor) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// InFlight returns the number of exchanges holding a slot.
func (s *Supervisor) InFlight() int64 {
	return s.inFlight.Load()
}

// Connections returns the number of open client connections.
func (s *Supervisor) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Supervisor) serve(ln net.Listener) {
	defer close(s.served)

	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isShutting() || errors.Is(err, net.ErrClosed) {
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(2*delay, time.Second)
			}
			s.logger.Warn("accept failed, retrying", "err", err, "delay", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0

		t := &tracked{conn: service.NewConn(nc)}
		if !s.track(t) {
			_ = t.conn.Close()
			continue
		}
		go s.handle(t)
	}
}

// handle runs exchanges on one connection until it closes, fails, or the
// supervisor shuts down.
func (s *Supervisor) handle(t *tracked) {
	defer s.connWG.Done()
	defer s.untrack(t)
	defer func() { _ = t.conn.Close() }()

	for {
		// Waiting for the next request holds no slot.
		if err := t.conn.WaitRequest(s.cfg.KeepAliveTimeout); err != nil {
			return
		}
		if !s.setActive(t, true) {
			return
		}

		if err := s.gate.acquire(s.baseCtx); err != nil {
			if errors.Is(err, errGateFull) {
				s.reject(t)
			}
			return
		}

		s.inFlight.Add(1)
		if s.metrics != nil {
			s.metrics.ExchangesInFlight.Inc()
		}
		keep := s.exchange.Serve(s.baseCtx, t.conn)
		if s.metrics != nil {
			s.metrics.ExchangesInFlight.Dec()
		}
		s.inFlight.Add(-1)
		s.gate.release()

		if !keep || !s.setActive(t, false) {
			return
		}
	}
}

func (s *Supervisor) reject(t *tracked) {
	if s.metrics != nil {
		s.metrics.GateRejections.Inc()
	}
	s.logger.Warn("exchange rejected, proxy at capacity",
		"client_addr", t.conn.RemoteAddr(),
		"in_flight", s.inFlight.Load(),
		"queued", s.gate.queued(),
	)
	if err := t.conn.Reject(s.cfg.WriteTimeout); err != nil {
		s.logger.Debug("write rejection", "client_addr", t.conn.RemoteAddr(), "err", err)
	}
}

func (s *Supervisor) track(t *tracked) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutting {
		return false
	}
	s.conns[t] = struct{}{}
	s.connWG.Add(1)
	return true
}

func (s *Supervisor) untrack(t *tracked) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, t)
}

// setActive flips t between idle and active. It fails once shutdown started,
// in which case the connection must not start or continue another exchange.
func (s *Supervisor) setActive(t *tracked, active bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutting {
		return false
	}
	t.active = active
	return true
}

func (s *Supervisor) isShutting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutting
}

// Shutdown stops accepting, closes idle connections and lets in-flight
// exchanges finish within the grace period. Exchanges still running after
// that, or after ctx ends, are aborted and recorded as timed out. Shutdown
// returns once every connection is gone.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutting {
		s.mu.Unlock()
		return nil
	}
	s.shutting = true
	ln := s.ln
	idle, active := 0, 0
	for t := range s.conns {
		if t.active {
			active++
			continue
		}
		idle++
		_ = t.conn.Close()
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
		<-s.served
	}
	s.logger.Info("shutting down proxy",
		"idle_closed", idle,
		"active", active,
		"grace", s.cfg.ShutdownGrace,
	)

	drained := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(drained)
	}()

	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-drained:
		s.cancel(nil)
		s.logger.Info("proxy drained")
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	s.logger.Warn("shutdown grace elapsed, aborting exchanges", "in_flight", s.inFlight.Load())
	s.cancel(service.ErrShutdown)
	s.mu.Lock()
	for t := range s.conns {
		t.conn.Abort()
	}
	s.mu.Unlock()

	<-drained
	s.logger.Info("proxy stopped after abort")
	return nil
}
