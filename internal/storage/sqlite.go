// Package storage persists finalized exchanges in a local SQLite database.
//
// Records are append-only: the store has no update or delete path. Appends are
// serialized by an internal lock; reads run concurrently against the WAL.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"endpoint-logger/internal/model"
)

// FileName is the database file created under the data directory.
const FileName = "exchanges.db"

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Config configures the SQLite store.
type Config struct {
	// DataDir is the directory holding the database file. It is created if missing.
	DataDir string

	// CompressBodies stores captured bodies zstd-compressed.
	CompressBodies bool

	// BusyTimeout is how long a connection waits on a locked database.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// Range selects records by id and optional filters. Zero values mean
// unbounded or unfiltered.
type Range struct {
	FromID uint64
	ToID   uint64
	Status model.Status

	// Method matches the request method exactly.
	Method string
	// PathPrefix matches the start of the request target.
	PathPrefix string
	// Search matches any substring of the request target.
	Search string
	// ResponseStatus matches the backend status code; records without a
	// response have status 0 and never match.
	ResponseStatus int
	// ReceivedFrom and ReceivedTo bound the request receive time, inclusive.
	ReceivedFrom time.Time
	ReceivedTo   time.Time

	Limit int
}

// Store is the SQLite-backed exchange store.
type Store struct {
	db     *sql.DB
	path   string
	codec  *bodyCodec
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Open creates or opens the store under cfg.DataDir.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, newStorageError("open", errors.New("data directory cannot be empty"))
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, newStorageError("open", fmt.Errorf("create data directory: %w", err))
	}

	path := filepath.Join(cfg.DataDir, FileName)
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)",
		path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newStorageError("open", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)

	codec, err := newBodyCodec(cfg.CompressBodies)
	if err != nil {
		_ = db.Close()
		return nil, newStorageError("open", err)
	}

	s := &Store{
		db:     db,
		path:   path,
		codec:  codec,
		logger: logger.With("component", "storage"),
	}
	if err := s.initialize(); err != nil {
		codec.close()
		_ = db.Close()
		return nil, err
	}

	s.logger.Info("exchange store opened",
		"path", path,
		"compress_bodies", cfg.CompressBodies,
	)
	return s, nil
}

func (s *Store) initialize() error {
	if err := s.db.Ping(); err != nil {
		return newStorageError("open", err)
	}
	if _, err := s.db.Exec(schema); err != nil {
		return newStorageError("create_schema", err)
	}
	if _, err := s.db.Exec(insertSchemaVersion, schemaVersion); err != nil {
		return newStorageError("insert_schema_version", err)
	}
	var version int
	if err := s.db.QueryRow(selectSchemaVersion).Scan(&version); err != nil {
		return newStorageError("get_schema_version", err)
	}
	if version != schemaVersion {
		return newStorageError("schema_version_mismatch",
			fmt.Errorf("expected schema version %d, got %d", schemaVersion, version))
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Append persists one finalized exchange. It is atomic with respect to other
// appends and to readers: a reader sees the whole record or nothing.
func (s *Store) Append(ctx context.Context, ex *model.Exchange) error {
	if !ex.Finalized() {
		return newStorageError("append", ErrNotFinalized)
	}

	reqHeaders, err := json.Marshal(headerOrEmpty(ex.Request.Header))
	if err != nil {
		return newStorageError("append", fmt.Errorf("encode request headers: %w", err))
	}
	respHeaders, err := json.Marshal(headerOrEmpty(ex.Response.Header))
	if err != nil {
		return newStorageError("append", fmt.Errorf("encode response headers: %w", err))
	}
	reqBody := s.codec.encode(ex.Request.Body.Data)
	respBody := s.codec.encode(ex.Response.Body.Data)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, insertExchange,
		int64(ex.ID), ex.SessionID, string(ex.Status), ex.Error,
		ex.Request.Method, ex.Request.Target, ex.Request.Proto, string(reqHeaders),
		reqBody, ex.Request.Body.Size, ex.Request.Body.Truncated, unixNano(ex.Request.ReceivedAt),
		ex.Response.StatusCode, string(respHeaders),
		respBody, ex.Response.Body.Size, ex.Response.Body.Truncated,
		unixNano(ex.Response.FirstByteAt), unixNano(ex.Response.LastByteAt),
		int64(ex.Duration), ex.ClientAddr, ex.BackendAddr, s.codec.encoding(),
	)
	if err != nil {
		return newStorageError("append", err)
	}
	return nil
}

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id uint64) (*model.Exchange, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM exchanges WHERE id = ?", int64(id))
	ex, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newStorageError("get", err)
	}
	return ex, nil
}

// List returns records within r, sorted by id ascending.
func (s *Store) List(ctx context.Context, r Range) ([]*model.Exchange, error) {
	limit := r.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	query := "SELECT " + selectColumns + " FROM exchanges WHERE id >= ?"
	args := []any{int64(r.FromID)}
	if r.ToID > 0 {
		query += " AND id <= ?"
		args = append(args, int64(r.ToID))
	}
	if r.Status != "" {
		query += " AND status = ?"
		args = append(args, string(r.Status))
	}
	if r.Method != "" {
		query += " AND method = ?"
		args = append(args, r.Method)
	}
	if r.PathPrefix != "" {
		query += " AND instr(target, ?) = 1"
		args = append(args, r.PathPrefix)
	}
	if r.Search != "" {
		query += " AND instr(target, ?) > 0"
		args = append(args, r.Search)
	}
	if r.ResponseStatus > 0 {
		query += " AND response_status = ?"
		args = append(args, r.ResponseStatus)
	}
	if !r.ReceivedFrom.IsZero() {
		query += " AND received_at >= ?"
		args = append(args, r.ReceivedFrom.UnixNano())
	}
	if !r.ReceivedTo.IsZero() {
		query += " AND received_at <= ?"
		args = append(args, r.ReceivedTo.UnixNano())
	}
	query += " ORDER BY id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, newStorageError("list", err)
	}
	defer rows.Close()

	records := []*model.Exchange{}
	for rows.Next() {
		ex, err := s.scan(rows)
		if err != nil {
			return nil, newStorageError("list", err)
		}
		records = append(records, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, newStorageError("list", err)
	}
	return records, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM exchanges").Scan(&n); err != nil {
		return 0, newStorageError("count", err)
	}
	return n, nil
}

// LastID returns the highest stored id, or 0 for an empty store.
func (s *Store) LastID(ctx context.Context) (uint64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM exchanges").Scan(&id); err != nil {
		return 0, newStorageError("last_id", err)
	}
	return uint64(id), nil
}

// Checkpoint folds the write-ahead log back into the main database file.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return newStorageError("checkpoint", err)
	}
	return nil
}

// Close closes the database. It is safe to call more than once.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		err = s.db.Close()
		s.codec.close()
		s.logger.Info("exchange store closed", "path", s.path)
	})
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scan(sc scanner) (*model.Exchange, error) {
	var (
		ex                          model.Exchange
		id, receivedAt, first, last int64
		duration                    int64
		status, reqHeaders          string
		respHeaders, encoding       string
		reqBody, respBody           []byte
	)
	err := sc.Scan(
		&id, &ex.SessionID, &status, &ex.Error,
		&ex.Request.Method, &ex.Request.Target, &ex.Request.Proto, &reqHeaders,
		&reqBody, &ex.Request.Body.Size, &ex.Request.Body.Truncated, &receivedAt,
		&ex.Response.StatusCode, &respHeaders,
		&respBody, &ex.Response.Body.Size, &ex.Response.Body.Truncated, &first, &last,
		&duration, &ex.ClientAddr, &ex.BackendAddr, &encoding,
	)
	if err != nil {
		return nil, err
	}

	ex.ID = uint64(id)
	ex.Status = model.Status(status)
	ex.Duration = time.Duration(duration)
	ex.Request.ReceivedAt = fromUnixNano(receivedAt)
	ex.Response.FirstByteAt = fromUnixNano(first)
	ex.Response.LastByteAt = fromUnixNano(last)

	if err := json.Unmarshal([]byte(reqHeaders), &ex.Request.Header); err != nil {
		return nil, fmt.Errorf("decode request headers of %d: %w", id, err)
	}
	if err := json.Unmarshal([]byte(respHeaders), &ex.Response.Header); err != nil {
		return nil, fmt.Errorf("decode response headers of %d: %w", id, err)
	}
	if ex.Request.Body.Data, err = s.codec.decode(encoding, reqBody); err != nil {
		return nil, err
	}
	if ex.Response.Body.Data, err = s.codec.decode(encoding, respBody); err != nil {
		return nil, err
	}
	if len(ex.Response.Header) == 0 {
		ex.Response.Header = nil
	}

	ex.MarkFinalized()
	return &ex, nil
}

func headerOrEmpty(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
