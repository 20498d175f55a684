package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Checkpointer runs WAL checkpoints on a cron schedule so the log file does not
// grow without bound under a steady append load.
type Checkpointer struct {
	store    *Store
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewCheckpointer creates a Checkpointer. An empty schedule disables it.
func NewCheckpointer(store *Store, schedule string, logger *slog.Logger) *Checkpointer {
	return &Checkpointer{
		store:    store,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger.With("component", "storage.checkpointer"),
	}
}

// Start schedules the checkpoint job.
//
// Accepted schedules are standard cron expressions and descriptors such as
// "@every 5m" or "@hourly".
func (c *Checkpointer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.schedule == "" {
		c.logger.Info("checkpoint schedule not configured, skipping")
		return nil
	}
	if _, err := cron.ParseStandard(c.schedule); err != nil {
		return fmt.Errorf("invalid checkpoint schedule %q: %w", c.schedule, err)
	}
	if _, err := c.cron.AddFunc(c.schedule, c.run); err != nil {
		return fmt.Errorf("schedule checkpoint: %w", err)
	}

	c.cron.Start()
	c.running = true
	c.logger.Info("checkpoint scheduler started", "schedule", c.schedule)
	return nil
}

// Stop stops the scheduler and waits for a running checkpoint to finish or ctx to expire.
func (c *Checkpointer) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	c.running = false

	select {
	case <-c.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Checkpointer) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	start := time.Now()
	if err := c.store.Checkpoint(ctx); err != nil {
		c.logger.Error("checkpoint failed", "err", err)
		return
	}
	c.logger.Debug("checkpoint complete", "duration_ms", time.Since(start).Milliseconds())
}
