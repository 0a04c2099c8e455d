package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite" // register the "sqlite" driver
)

// DBFileName is the sqlite backend's database inside the data dir.
const DBFileName = "index.db"

// maxBatchParams bounds the IN (...) list of a single lookup query.
const maxBatchParams = 500

// SQLiteIndex stores entries in a WAL-mode sqlite table. Batch inserts are
// committed in one transaction, so each InsertBatch is durable on return.
type SQLiteIndex struct {
	db    *sql.DB
	cache *lru.Cache[string, struct{}] // positive lookups only

	mu     sync.RWMutex
	closed bool
}

var _ Index = (*SQLiteIndex)(nil)

// OpenSQLite opens (or creates) index.db under opts.Dir.
func OpenSQLite(ctx context.Context, opts Options) (*SQLiteIndex, error) {
	dbPath := filepath.Join(opts.Dir, DBFileName)

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}

	size := opts.CacheSize
	if size <= 0 {
		size = 65_536
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create index cache: %w", err)
	}

	s := &SQLiteIndex{db: db, cache: cache}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteIndex) init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS backed_up (
			path     TEXT PRIMARY KEY,
			added_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}


func (s *SQLiteIndex) Contains(ctx context.Context, key string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if _, ok := s.cache.Get(key); ok {
		return true, nil
	}

	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM backed_up WHERE path = ?", key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", key, err)
	}
	s.cache.Add(key, struct{}{})
	return true, nil
}

// ContainsBatch reads every chunk inside one read transaction so the result
// reflects a single snapshot of the table.
func (s *SQLiteIndex) ContainsBatch(ctx context.Context, keys []string) (map[string]struct{}, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	present := make(map[string]struct{})

	var misses []string
	for _, k := range keys {
		if _, ok := s.cache.Get(k); ok {
			present[k] = struct{}{}
			continue
		}
		misses = append(misses, k)
	}
	if len(misses) == 0 {
		return present, nil
	}

	// A deferred transaction whose first statement is a SELECT holds one
	// WAL read snapshot until rollback.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(misses); start += maxBatchParams {
		chunk := misses[start:min(start+maxBatchParams, len(misses))]
		if err := s.lookupChunk(ctx, tx, chunk, present); err != nil {
			return nil, err
		}
	}
	return present, nil
}

func (s *SQLiteIndex) lookupChunk(ctx context.Context, tx *sql.Tx, chunk []string, present map[string]struct{}) error {
	args := make([]any, len(chunk))
	for i, k := range chunk {
		args[i] = k
	}
	q := "SELECT path FROM backed_up WHERE path IN (?" + strings.Repeat(",?", len(chunk)-1) + ")"

	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("batch lookup: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		present[p] = struct{}{}
		s.cache.Add(p, struct{}{})
	}
	return rows.Err()
}

func (s *SQLiteIndex) InsertBatch(ctx context.Context, keys []string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO backed_up (path, added_at) VALUES (?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, k, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert %s: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	for _, k := range keys {
		if k != "" {
			s.cache.Add(k, struct{}{})
		}
	}
	return nil
}

// Flush checkpoints the WAL into the main database file. Inserts are already
// durable once InsertBatch returns.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// Len returns the number of rows, or 0 when the count cannot be read.
func (s *SQLiteIndex) Len() int {
	if s.checkOpen() != nil {
		return 0
	}
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM backed_up").Scan(&n); err != nil {
		return 0
	}
	return n
}

func (s *SQLiteIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteIndex) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}
