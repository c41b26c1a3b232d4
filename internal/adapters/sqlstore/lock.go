package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/manthysbr/inkwell/internal/core/ports"
)

const lockRetryInterval = 50 * time.Millisecond

// LockOptions tunes lease acquisition.
type LockOptions struct {
	// TTL bounds how long a crashed holder can keep the lease.
	TTL time.Duration
	// Timeout is how long TryAcquire keeps retrying before giving up.
	Timeout time.Duration
}

// LeaseLocker implements ports.Locker with expiring rows in the shared store,
// so every process opening the same database file contends for the same lease.
type LeaseLocker struct {
	repo *Repository
	opts LockOptions
}

var _ ports.Locker = (*LeaseLocker)(nil)

func NewLeaseLocker(repo *Repository, opts LockOptions) *LeaseLocker {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 750 * time.Millisecond
	}
	return &LeaseLocker{repo: repo, opts: opts}
}

type claimResult struct {
	ok  bool
	err error
}

// TryAcquire returns within the configured timeout even when the store's write
// path is busy. An attempt still in flight at the deadline is abandoned, and a
// lease it manages to take afterwards is released in the background.
func (l *LeaseLocker) TryAcquire(ctx context.Context, name string) (ports.Lock, bool, error) {
	token := uuid.New().String()
	attemptCtx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()

	done := make(chan claimResult, 1)
	go func() {
		ok, err := l.acquire(attemptCtx, name, token)
		done <- claimResult{ok: ok, err: err}
	}()

	select {
	case res := <-done:
		switch {
		case res.ok:
			return &lease{repo: l.repo, name: name, token: token}, true, nil
		case ctx.Err() != nil:
			return nil, false, ctx.Err()
		case res.err != nil && attemptCtx.Err() == nil:
			return nil, false, res.err
		}
		return nil, false, nil
	case <-attemptCtx.Done():
		go l.abandon(done, name, token)
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
}

// acquire retries claim until it succeeds or ctx ends.
func (l *LeaseLocker) acquire(ctx context.Context, name, token string) (bool, error) {
	for {
		ok, err := l.claim(ctx, name, token)
		if err != nil || ok {
			return ok, err
		}

		timer := time.NewTimer(lockRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *LeaseLocker) abandon(done <-chan claimResult, name, token string) {
	if res := <-done; !res.ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := (&lease{repo: l.repo, name: name, token: token}).Release(ctx); err != nil {
		l.repo.logger.Warn("failed to release abandoned lease", "name", name, "error", err)
	}
}

// claim takes the lease when it is free or expired.
func (l *LeaseLocker) claim(ctx context.Context, name, token string) (bool, error) {
	claimed := false
	err := l.repo.write(ctx, func(tx *sql.Tx) error {
		now := time.Now()

		var expiresAt int64
		err := tx.QueryRowContext(ctx, `SELECT expires_at FROM rebuild_locks WHERE name = ?`, name).Scan(&expiresAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx,
				`INSERT INTO rebuild_locks (name, owner, expires_at) VALUES (?, ?, ?)`,
				name, token, toMillis(now.Add(l.opts.TTL)),
			)
		case err != nil:
			return fmt.Errorf("read lease: %w", err)
		case expiresAt > toMillis(now):
			return nil
		default:
			_, err = tx.ExecContext(ctx,
				`UPDATE rebuild_locks SET owner = ?, expires_at = ? WHERE name = ?`,
				token, toMillis(now.Add(l.opts.TTL)), name,
			)
		}
		if err != nil {
			return fmt.Errorf("claim lease: %w", err)
		}
		claimed = true
		return nil
	})
	return claimed, err
}

type lease struct {
	repo  *Repository
	name  string
	token string
}

// Release is a no-op when the lease already expired and was taken over.
func (l *lease) Release(ctx context.Context) error {
	return l.repo.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM rebuild_locks WHERE name = ? AND owner = ?`, l.name, l.token)
		if err != nil {
			return fmt.Errorf("release lease: %w", err)
		}
		return nil
	})
}
