package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/manthysbr/inkwell/internal/core/domain"
)

const lastMutationKey = "last_mutation"

func (r *Repository) GetAllMarkers(ctx context.Context, types []domain.MarkerType) (domain.MarkerSet, error) {
	set := make(domain.MarkerSet, len(types))
	if len(types) == 0 {
		return set, nil
	}

	args := make([]any, len(types))
	for i, t := range types {
		args[i] = string(t)
		set[t] = map[string]struct{}{}
	}

	rows, err := r.db.QueryContext(ctx, `SELECT path, marker FROM markers WHERE marker IN (`+inClause(len(types))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query markers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var path, marker string
		if err := rows.Scan(&path, &marker); err != nil {
			return nil, fmt.Errorf("scan marker: %w", err)
		}
		set[domain.MarkerType(marker)][path] = struct{}{}
	}
	return set, rows.Err()
}

func (r *Repository) Mark(ctx context.Context, path string, marker domain.MarkerType) error {
	return r.write(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO markers (path, marker, marked_at) VALUES (?, ?, ?)
			ON CONFLICT (path, marker) DO UPDATE SET marked_at = excluded.marked_at`,
			path, string(marker), toMillis(now),
		)
		if err != nil {
			return fmt.Errorf("insert marker: %w", err)
		}
		return bumpMutation(ctx, tx, now)
	})
}

func (r *Repository) Unmark(ctx context.Context, path string, marker domain.MarkerType) error {
	return r.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM markers WHERE path = ? AND marker = ?`, path, string(marker))
		if err != nil {
			return fmt.Errorf("delete marker: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return bumpMutation(ctx, tx, time.Now())
	})
}

// LastMutationTimestamp returns 0 until the first marker write.
func (r *Repository) LastMutationTimestamp(ctx context.Context) (int64, error) {
	var ts int64
	err := r.db.QueryRowContext(ctx, `SELECT meta_value FROM store_meta WHERE meta_key = ?`, lastMutationKey).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read mutation timestamp: %w", err)
	}
	return ts, nil
}

// bumpMutation advances the mutation timestamp to max(now, previous+1) so two
// writes in the same clock tick still compare as distinct.
func bumpMutation(ctx context.Context, tx *sql.Tx, now time.Time) error {
	var prev int64
	err := tx.QueryRowContext(ctx, `SELECT meta_value FROM store_meta WHERE meta_key = ?`, lastMutationKey).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read mutation timestamp: %w", err)
	}

	next := now.UnixNano()
	if next <= prev {
		next = prev + 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO store_meta (meta_key, meta_value) VALUES (?, ?)
		ON CONFLICT (meta_key) DO UPDATE SET meta_value = excluded.meta_value`,
		lastMutationKey, next,
	)
	if err != nil {
		return fmt.Errorf("advance mutation timestamp: %w", err)
	}
	return nil
}
