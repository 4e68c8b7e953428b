// Package tablock is a cross-process mutex backed by a SQLite file. Leases
// expire, so a crashed holder cannot block other processes forever.
package tablock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

var (
	// ErrLockHeld is returned when another owner holds an unexpired lease.
	ErrLockHeld = errors.New("tablock: lock held")
	// ErrNotHeld is returned when releasing or refreshing a lease that has
	// expired and been taken over, or was already released.
	ErrNotHeld = errors.New("tablock: lease not held")
)

// DefaultPollInterval is how often Acquire retries a held lock.
const DefaultPollInterval = 50 * time.Millisecond

// Locker hands out leases stored in one SQLite database.
type Locker struct {
	db   *sql.DB
	poll time.Duration
	now  func() time.Time
}

// Lease is a held lock. Only its owner token can release it.
type Lease struct {
	Key       string
	Owner     string
	ExpiresAt time.Time

	l *Locker
}

// Open opens (creating if needed) the lock database at path.
func Open(path string) (*Locker, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// WAL plus a busy timeout lets several processes share the file.
	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS leases (
		key TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create leases table: %w", err)
	}

	return &Locker{db: db, poll: DefaultPollInterval, now: time.Now}, nil
}

// Close closes the database.
func (l *Locker) Close() error {
	return l.db.Close()
}

// SetPollInterval changes how often Acquire retries.
func (l *Locker) SetPollInterval(d time.Duration) {
	if d > 0 {
		l.poll = d
	}
}

// TryAcquire takes the lease on key once, failing with ErrLockHeld if an
// unexpired lease exists. An expired lease is taken over.
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	now := l.now()
	lease := &Lease{
		Key:       key,
		Owner:     uuid.NewString(),
		ExpiresAt: now.Add(ttl),
		l:         l,
	}

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO leases (key, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE leases.expires_at <= ?`,
		key, lease.Owner, lease.ExpiresAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
	}
	return lease, nil
}

// Acquire takes the lease on key, polling while another owner holds it,
// until ctx ends.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		lease, err := l.TryAcquire(ctx, key, ttl)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrLockHeld) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", err, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Holder returns the owner and expiry of the current lease on key, if any.
func (l *Locker) Holder(ctx context.Context, key string) (string, time.Time, bool, error) {
	var owner string
	var expires int64
	err := l.db.QueryRowContext(ctx, `SELECT owner, expires_at FROM leases WHERE key = ?`, key).Scan(&owner, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, err
	}
	return owner, time.UnixMilli(expires), true, nil
}

// Release drops the lease if it is still this owner's.
func (le *Lease) Release(ctx context.Context) error {
	res, err := le.l.db.ExecContext(ctx, `DELETE FROM leases WHERE key = ? AND owner = ?`, le.Key, le.Owner)
	if err != nil {
		return fmt.Errorf("release %s: %w", le.Key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotHeld, le.Key)
	}
	return nil
}

// Refresh extends an unexpired lease by ttl from now.
func (le *Lease) Refresh(ctx context.Context, ttl time.Duration) error {
	now := le.l.now()
	expires := now.Add(ttl)
	res, err := le.l.db.ExecContext(ctx,
		`UPDATE leases SET expires_at = ? WHERE key = ? AND owner = ? AND expires_at > ?`,
		expires.UnixMilli(), le.Key, le.Owner, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("refresh %s: %w", le.Key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotHeld, le.Key)
	}
	le.ExpiresAt = expires
	return nil
}
