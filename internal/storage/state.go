package storage

import (
	"context"
	"errors"

	"offerwatch/internal/watch"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned by Get for unknown keys.
	ErrNotFound = errors.New("storage: record not found")
)

// StateStore persists watch records keyed by canonical product URL.
type StateStore interface {
	Get(ctx context.Context, key string) (*watch.WatchRecord, error)
	List(ctx context.Context) (map[string]*watch.WatchRecord, error)
	Save(ctx context.Context, key string, rec *watch.WatchRecord) error
	// Prune deletes every record whose key is not in keep and returns how many went.
	Prune(ctx context.Context, keep []string) (int, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}
