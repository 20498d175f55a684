package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"endpoint-logger/internal/config"
	"endpoint-logger/internal/metrics"
	"endpoint-logger/internal/model"
	"endpoint-logger/internal/storage"
)

type fakeStore struct {
	mu       sync.Mutex
	failures int // number of leading calls that fail
	err      error
	calls    int
	stored   []uint64
	ctxErrs  []error
	times    []time.Time
}

func (f *fakeStore) Append(ctx context.Context, ex *model.Exchange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.times = append(f.times, time.Now())
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	if f.calls <= f.failures {
		return f.err
	}
	f.stored = append(f.stored, ex.ID)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func finalized(t *testing.T, id uint64) *model.Exchange {
	t.Helper()
	ex := model.NewExchange(id, "s", time.Now())
	if err := ex.Finalize(model.StatusCompleted, nil, time.Now()); err != nil {
		t.Fatal(err)
	}
	return ex
}

func TestRecord_Success(t *testing.T) {
	store := &fakeStore{}
	m := metrics.New()
	r := New(store, Config{Retries: 2, Backoff: time.Millisecond}, m, testLogger())

	r.Record(context.Background(), finalized(t, 7))

	if store.calls != 1 {
		t.Errorf("calls = %d, want 1", store.calls)
	}
	if len(store.stored) != 1 || store.stored[0] != 7 {
		t.Errorf("stored = %v, want [7]", store.stored)
	}
	if v := testutil.ToFloat64(m.StorageAppendErrors); v != 0 {
		t.Errorf("StorageAppendErrors = %v, want 0", v)
	}
	if n := testutil.CollectAndCount(m.StorageAppendDuration); n != 1 {
		t.Errorf("StorageAppendDuration collected %d series, want 1", n)
	}
}

func TestRecord_RetriesTransientFailure(t *testing.T) {
	store := &fakeStore{failures: 2, err: errors.New("database is locked")}
	m := metrics.New()
	r := New(store, Config{Retries: 2, Backoff: time.Millisecond}, m, testLogger())

	r.Record(context.Background(), finalized(t, 1))

	if store.calls != 3 {
		t.Errorf("calls = %d, want 3", store.calls)
	}
	if len(store.stored) != 1 {
		t.Errorf("stored = %v, want one record", store.stored)
	}
	if v := testutil.ToFloat64(m.StorageAppendErrors); v != 0 {
		t.Errorf("StorageAppendErrors = %v, want 0", v)
	}
}

func TestRecord_GivesUpAfterRetries(t *testing.T) {
	store := &fakeStore{failures: 10, err: errors.New("disk I/O error")}
	m := metrics.New()
	r := New(store, Config{Retries: 1, Backoff: time.Millisecond}, m, testLogger())

	r.Record(context.Background(), finalized(t, 1))

	if store.calls != 2 {
		t.Errorf("calls = %d, want 2", store.calls)
	}
	if v := testutil.ToFloat64(m.StorageAppendErrors); v != 1 {
		t.Errorf("StorageAppendErrors = %v, want 1", v)
	}
}

func TestRecord_BackoffDoubles(t *testing.T) {
	store := &fakeStore{failures: 2, err: errors.New("database is locked")}
	r := New(store, Config{Retries: 2, Backoff: 20 * time.Millisecond}, nil, testLogger())

	r.Record(context.Background(), finalized(t, 1))

	if store.calls != 3 {
		t.Fatalf("calls = %d, want 3", store.calls)
	}
	for i, want := range []time.Duration{20 * time.Millisecond, 40 * time.Millisecond} {
		if gap := store.times[i+1].Sub(store.times[i]); gap < want {
			t.Errorf("pause before attempt %d = %v, want at least %v", i+2, gap, want)
		}
	}
}

func TestRecord_NotFinalizedIsNotRetried(t *testing.T) {
	store := &fakeStore{failures: 10, err: fmt.Errorf("append: %w", storage.ErrNotFinalized)}
	r := New(store, Config{Retries: 3, Backoff: time.Millisecond}, nil, testLogger())

	r.Record(context.Background(), model.NewExchange(1, "s", time.Now()))

	if store.calls != 1 {
		t.Errorf("calls = %d, want 1", store.calls)
	}
}

func TestRecord_IgnoresCallerCancellation(t *testing.T) {
	store := &fakeStore{}
	r := New(store, Config{}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Record(ctx, finalized(t, 3))

	if len(store.stored) != 1 {
		t.Fatalf("stored = %v, want the record despite a canceled caller", store.stored)
	}
	if store.ctxErrs[0] != nil {
		t.Errorf("append context err = %v, want nil", store.ctxErrs[0])
	}
}

func TestRecord_WithSQLiteStore(t *testing.T) {
	s, err := storage.Open(storage.Config{DataDir: t.TempDir()}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	r := New(s, Config{Retries: 1}, nil, testLogger())
	for id := uint64(1); id <= 3; id++ {
		r.Record(context.Background(), finalized(t, id))
	}

	n, err := s.Count(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("Count() = %d, want 3", n)
	}
}

func TestNewConfig(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{AppendRetries: 4, AppendTimeoutSeconds: 2}}
	got := NewConfig(cfg)
	if got.Retries != 4 || got.Timeout != 2*time.Second {
		t.Errorf("NewConfig() = %+v, want {Retries:4 Timeout:2s}", got)
	}
}
