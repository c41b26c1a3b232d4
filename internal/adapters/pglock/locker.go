// Package pglock hands out inter-process locks backed by Postgres session advisory locks.
package pglock

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/manthysbr/inkwell/internal/core/ports"
)

const retryInterval = 50 * time.Millisecond

// Locker implements ports.Locker. Each held lock pins one pooled connection,
// since session advisory locks belong to the connection that took them.
type Locker struct {
	db      *sql.DB
	timeout time.Duration
}

var _ ports.Locker = (*Locker)(nil)

// Open connects with the lib/pq driver.
func Open(dsn string, timeout time.Duration) (*Locker, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewLocker(db, timeout), nil
}

func NewLocker(db *sql.DB, timeout time.Duration) *Locker {
	if timeout <= 0 {
		timeout = 750 * time.Millisecond
	}
	return &Locker{db: db, timeout: timeout}
}

func (l *Locker) Close() error {
	return l.db.Close()
}

// LockID maps a lock name onto the int64 key space of pg_advisory_lock.
func LockID(name string) int64 {
	sum := sha256.Sum256([]byte(name))
	var id int64
	for i := range 8 {
		id = (id << 8) | int64(sum[i])
	}
	return id
}

// TryAcquire gives up after the locker's timeout, including time spent waiting
// for a pooled connection or a slow server.
func (l *Locker) TryAcquire(ctx context.Context, name string) (ports.Lock, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	conn, err := l.db.Conn(attemptCtx)
	if err != nil {
		return l.giveUp(ctx, attemptCtx, fmt.Errorf("failed to get connection: %w", err))
	}

	id := LockID(name)
	for {
		var locked bool
		if err := conn.QueryRowContext(attemptCtx, "SELECT pg_try_advisory_lock($1)", id).Scan(&locked); err != nil {
			conn.Close()
			return l.giveUp(ctx, attemptCtx, fmt.Errorf("failed to acquire lock: %w", err))
		}
		if locked {
			return &advisoryLock{conn: conn, id: id}, true, nil
		}

		timer := time.NewTimer(retryInterval)
		select {
		case <-attemptCtx.Done():
			timer.Stop()
			conn.Close()
			return l.giveUp(ctx, attemptCtx, attemptCtx.Err())
		case <-timer.C:
		}
	}
}

// giveUp reports the caller's cancellation as an error and our own timeout as
// a plain miss.
func (l *Locker) giveUp(ctx, attemptCtx context.Context, err error) (ports.Lock, bool, error) {
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	if attemptCtx.Err() != nil {
		return nil, false, nil
	}
	return nil, false, err
}

type advisoryLock struct {
	conn *sql.Conn
	id   int64
}

func (a *advisoryLock) Release(ctx context.Context) error {
	defer a.conn.Close()

	if _, err := a.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", a.id); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
