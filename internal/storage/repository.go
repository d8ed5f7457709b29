package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"offerwatch/internal/watch"
)

const (
	createWatchRecordsSQL = `CREATE TABLE IF NOT EXISTS watch_records (
        key        TEXT PRIMARY KEY,
        record     JSONB NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	upsertWatchRecordSQL = `INSERT INTO watch_records (
        key,
        record,
        updated_at
    ) VALUES (
        $1,$2,$3
    )
    ON CONFLICT (key) DO UPDATE
    SET
        record     = EXCLUDED.record,
        updated_at = EXCLUDED.updated_at;`

	getWatchRecordSQL = `SELECT record FROM watch_records WHERE key = $1;`

	listWatchRecordsSQL = `SELECT key, record FROM watch_records ORDER BY key;`

	pruneWatchRecordsSQL = `DELETE FROM watch_records WHERE NOT (key = ANY($1));`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store persists watch records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the watch_records table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createWatchRecordsSQL); err != nil {
		return fmt.Errorf("create watch_records: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// 解锁失败时连接释放后会话锁随之失效
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Get loads one record.
func (s *Store) Get(ctx context.Context, key string) (*watch.WatchRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var raw []byte
	if err := pool.QueryRow(ctx, getWatchRecordSQL, key).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get watch record: %w", err)
	}
	return decodeRecord(raw)
}

// List loads every record.
func (s *Store) List(ctx context.Context) (map[string]*watch.WatchRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listWatchRecordsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list watch records: %w", queryErr)
	}
	defer rows.Close()

	out := make(map[string]*watch.WatchRecord)
	for rows.Next() {
		var (
			key string
			raw []byte
		)
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", key, err)
		}
		out[key] = rec
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// Save upserts a record.
func (s *Store) Save(ctx context.Context, key string, rec *watch.WatchRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode watch record: %w", err)
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	if _, execErr := pool.Exec(ctx, upsertWatchRecordSQL, key, raw, updated); execErr != nil {
		return fmt.Errorf("upsert watch record: %w", execErr)
	}
	return nil
}

// Prune deletes records for keys that are no longer tracked.
func (s *Store) Prune(ctx context.Context, keep []string) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if keep == nil {
		keep = []string{}
	}
	tag, execErr := pool.Exec(ctx, pruneWatchRecordsSQL, keep)
	if execErr != nil {
		return 0, fmt.Errorf("prune watch records: %w", execErr)
	}
	return int(tag.RowsAffected()), nil
}

func decodeRecord(raw []byte) (*watch.WatchRecord, error) {
	var rec watch.WatchRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode watch record: %w", err)
	}
	return &rec, nil
}

var (
	_ StateStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
