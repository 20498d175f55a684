package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"endpoint-logger/internal/client"
	"endpoint-logger/internal/config"
	"endpoint-logger/internal/handler"
	"endpoint-logger/internal/metrics"
	"endpoint-logger/internal/middleware"
	"endpoint-logger/internal/model"
	"endpoint-logger/internal/recorder"
	"endpoint-logger/internal/service"
	"endpoint-logger/internal/storage"
	"endpoint-logger/internal/supervisor"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("endpoint-logger"),
		kong.Description("Transparent local HTTP proxy that records every exchange with a backend."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		fx.StopTimeout(time.Minute),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			func() handler.SessionID { return handler.SessionID(uuid.NewString()) },
			config.Load,
			newLogger,
			metrics.New,
			newStore,
			newSequence,
			newRecorder,
			client.NewBackendClient,
			newPipeline,
			newSupervisor,
			newHealthHandler,
			newExchangeHandler,
			newEcho,
		),
		fx.Invoke(
			warnConfigPermissions,
			startCheckpointer,
			startProxy,
			handler.RegisterRoutes,
			startAdmin,
			logStartup,
		),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newStore(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*storage.Store, error) {
	s, err := storage.Open(storage.Config{
		DataDir:        cfg.Storage.DataDirectory,
		CompressBodies: cfg.Storage.CompressBodies,
	}, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			return s.Close()
		},
	})
	return s, nil
}

// newSequence continues ids after the highest stored one, so a restart never
// reuses an id.
func newSequence(s *storage.Store, logger *slog.Logger) (*model.Sequence, error) {
	last, err := s.LastID(context.Background())
	if err != nil {
		return nil, fmt.Errorf("read last exchange id: %w", err)
	}
	logger.Debug("exchange ids resume", "after", last)
	return model.NewSequence(last), nil
}

func newRecorder(s *storage.Store, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *recorder.Recorder {
	return recorder.New(s, recorder.NewConfig(cfg), m, logger)
}

func newPipeline(
	bc *client.BackendClient,
	seq *model.Sequence,
	rec *recorder.Recorder,
	cfg *config.Config,
	sid handler.SessionID,
	m *metrics.Metrics,
	logger *slog.Logger,
) *service.Pipeline {
	return service.NewPipeline(bc, seq, rec, m, logger, service.NewOptions(cfg, string(sid)))
}

func newSupervisor(p *service.Pipeline, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *supervisor.Supervisor {
	return supervisor.New(supervisor.NewConfig(cfg), p, m, logger)
}

func newHealthHandler(
	cfg *config.Config,
	v handler.Version,
	sid handler.SessionID,
	sup *supervisor.Supervisor,
	s *storage.Store,
	logger *slog.Logger,
) *handler.HealthHandler {
	return handler.NewHealthHandler(cfg, v, sid, sup, s, logger)
}

func newExchangeHandler(s *storage.Store, logger *slog.Logger) *handler.ExchangeHandler {
	return handler.NewExchangeHandler(s, logger)
}

func newEcho(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// The admin API only serves small JSON documents.
	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 5 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	var quiet []string
	if cfg.Metrics.Enabled {
		quiet = append(quiet, cfg.Metrics.Path)
	}
	e.Use(middleware.RequestLogger(logger, quiet...))
	e.Use(middleware.SecurityHeaders())

	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	if cfg.Admin.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.Admin.RateLimit.RequestsPerSecond))
		logger.Info("admin rate limiter enabled", "rps", cfg.Admin.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startCheckpointer(lc fx.Lifecycle, s *storage.Store, cfg *config.Config, logger *slog.Logger) {
	cp := storage.NewCheckpointer(s, cfg.Storage.CheckpointSchedule, logger)
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return cp.Start()
		},
		OnStop: func(ctx context.Context) error {
			return cp.Stop(ctx)
		},
	})
}

func startProxy(lc fx.Lifecycle, sup *supervisor.Supervisor, bc *client.BackendClient) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return sup.Start()
		},
		OnStop: func(ctx context.Context) error {
			defer bc.CloseIdleConnections()
			return sup.Shutdown(ctx)
		},
	})
}

func startAdmin(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Admin.Enabled {
		logger.Info("admin API disabled")
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Admin.ListenAddress
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind admin %s: %w", addr, err)
			}
			logger.Info("starting admin API", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down admin API")
			return e.Shutdown(ctx)
		},
	})
}

func logStartup(lc fx.Lifecycle, cfg *config.Config, sid handler.SessionID, seq *model.Sequence, s *storage.Store, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			logger.Info("endpoint-logger started",
				"version", version,
				"session_id", string(sid),
				"listen", cfg.Proxy.ListenAddress,
				"backend", cfg.Proxy.Backend().String(),
				"database", s.Path(),
				"max_body_capture", cfg.Capture.MaxBodyBytes,
				"first_exchange_id", seq.Last()+1,
			)
			return nil
		},
	})
}
