// Package recorder hands finalized exchanges to the store.
package recorder

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"endpoint-logger/internal/config"
	"endpoint-logger/internal/metrics"
	"endpoint-logger/internal/model"
	"endpoint-logger/internal/storage"
)

// Appender persists one finalized exchange.
type Appender interface {
	Append(ctx context.Context, ex *model.Exchange) error
}

// Config configures the recorder.
type Config struct {
	// Retries is how many more attempts follow a failed append.
	// Default: 0
	Retries int

	// Timeout bounds a single append attempt.
	// Default: 5 seconds
	Timeout time.Duration

	// Backoff is the pause before the first retry; it doubles per attempt
	// with no jitter.
	// Default: 50 milliseconds
	Backoff time.Duration
}

// NewConfig derives recorder settings from the resolved configuration.
func NewConfig(cfg *config.Config) Config {
	return Config{
		Retries: cfg.Storage.AppendRetries,
		Timeout: cfg.Storage.AppendTimeout(),
	}
}

// Recorder appends exchanges synchronously, so an exchange counts as done
// only once its record is stored or the failure has been reported.
type Recorder struct {
	store   Appender
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Recorder. The metrics parameter is optional.
func New(store Appender, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Recorder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 50 * time.Millisecond
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &Recorder{
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "recorder"),
	}
}

// Record stores ex. Cancellation of ctx does not abandon the write: a record
// that reached finalization is persisted even when its exchange was aborted.
func (r *Recorder) Record(ctx context.Context, ex *model.Exchange) {
	ctx = context.WithoutCancel(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.Backoff
	b.Multiplier = 2
	b.RandomizationFactor = 0

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := r.append(ctx, ex)
		if errors.Is(err, storage.ErrNotFinalized) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.cfg.Retries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("retrying exchange append",
				"exchange_id", ex.ID,
				"attempt", attempt+1,
				"after", next,
				"err", err,
			)
		}),
	)
	if err == nil {
		return
	}

	if r.metrics != nil {
		r.metrics.StorageAppendErrors.Inc()
	}
	r.logger.Error("exchange record lost",
		"exchange_id", ex.ID,
		"status", ex.Status,
		"attempts", attempt,
		"err", err,
	)
}

func (r *Recorder) append(ctx context.Context, ex *model.Exchange) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := r.store.Append(ctx, ex)
	if r.metrics != nil {
		r.metrics.StorageAppendDuration.Observe(time.Since(start).Seconds())
	}
	return err
}
