package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/manthysbr/inkwell/internal/core/domain"
)

const jobColumns = `id, operation, status, total, processed, success, error_count, error_message, created_at, started_at, completed_at`

func (r *Repository) CreateJob(ctx context.Context, operation string, total int) (domain.JobID, error) {
	if total < 0 {
		return "", fmt.Errorf("negative job total: %d", total)
	}
	id := domain.JobID(uuid.New().String())

	err := r.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, operation, status, total, processed, success, error_count, created_at)
			VALUES (?, ?, ?, ?, 0, 0, 0, ?)`,
			string(id), operation, string(domain.JobStatusQueued), total, toMillis(time.Now()),
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

func (r *Repository) UpdateJobProgress(ctx context.Context, id domain.JobID, delta domain.Progress) error {
	if delta.Processed < 0 || delta.Success < 0 || delta.Errors < 0 {
		return fmt.Errorf("negative progress delta: %+v", delta)
	}

	return r.write(ctx, func(tx *sql.Tx) error {
		args := []any{delta.Processed, delta.Success, delta.Errors, string(id)}
		args = append(args, statusArgs(domain.TerminalStatuses)...)
		args = append(args, delta.Processed)

		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET
				processed   = processed + ?,
				success     = success + ?,
				error_count = error_count + ?
			WHERE id = ?
			  AND status NOT IN (`+inClause(len(domain.TerminalStatuses))+`)
			  AND processed + ? <= total`,
			args...,
		)
		if err != nil {
			return fmt.Errorf("update progress: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}

		status, err := currentStatus(ctx, tx, id)
		if err != nil {
			return err
		}
		if status.Terminal() {
			return domain.ErrJobFinished
		}
		return domain.ErrProgressOverflow
	})
}

func (r *Repository) SetJobStatus(ctx context.Context, id domain.JobID, status domain.JobStatus, at time.Time) error {
	return r.transition(ctx, id, status, at, nil)
}

func (r *Repository) FailJob(ctx context.Context, id domain.JobID, at time.Time, message string) error {
	return r.transition(ctx, id, domain.JobStatusFailed, at, &message)
}

// transition applies a forward status change. A job that has already moved past
// the allowed source statuses is left untouched.
func (r *Repository) transition(ctx context.Context, id domain.JobID, status domain.JobStatus, at time.Time, message *string) error {
	sources := status.TransitionSources()
	if len(sources) == 0 {
		return fmt.Errorf("cannot transition job to %s", status)
	}

	timeColumn := "completed_at"
	if status == domain.JobStatusProcessing {
		timeColumn = "started_at"
	}

	return r.write(ctx, func(tx *sql.Tx) error {
		query := `UPDATE jobs SET status = ?, ` + timeColumn + ` = ?`
		args := []any{string(status), toMillis(at)}
		if message != nil {
			query += `, error_message = ?`
			args = append(args, *message)
		}
		query += ` WHERE id = ? AND status IN (` + inClause(len(sources)) + `)`
		args = append(args, string(id))
		args = append(args, statusArgs(sources)...)

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}

		_, err = currentStatus(ctx, tx, id)
		return err
	})
}

func (r *Repository) AppendResult(ctx context.Context, result domain.JobResult) error {
	var detail *string
	if len(result.Detail) > 0 {
		raw, err := json.Marshal(result.Detail)
		if err != nil {
			return fmt.Errorf("marshal result detail: %w", err)
		}
		s := string(raw)
		detail = &s
	}
	createdAt := result.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return r.write(ctx, func(tx *sql.Tx) error {
		if _, err := currentStatus(ctx, tx, result.JobID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO job_results (job_id, item, success, error, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			string(result.JobID), result.Item, boolToInt(result.Success), result.Error, detail, toMillis(createdAt),
		)
		if err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
		return nil
	})
}

func (r *Repository) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, string(id))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (r *Repository) ListJobs(ctx context.Context) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []domain.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *Repository) ListResults(ctx context.Context, id domain.JobID) ([]domain.JobResult, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT job_id, item, success, error, detail, created_at
		FROM job_results WHERE job_id = ?
		ORDER BY created_at, rowid`, string(id))
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	results := []domain.JobResult{}
	for rows.Next() {
		var (
			jobID, item     string
			success, millis int64
			errMsg, detail  sql.NullString
		)
		if err := rows.Scan(&jobID, &item, &success, &errMsg, &detail, &millis); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}

		res := domain.JobResult{
			JobID:     domain.JobID(jobID),
			Item:      item,
			Success:   success != 0,
			CreatedAt: fromMillis(millis),
		}
		if errMsg.Valid {
			msg := errMsg.String
			res.Error = &msg
		}
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &res.Detail); err != nil {
				r.logger.Warn("discarding unreadable result detail", "job_id", jobID, "item", item, "error", err)
			}
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

func (r *Repository) DeleteJob(ctx context.Context, id domain.JobID) error {
	return r.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM job_results WHERE job_id = ?`, string(id)); err != nil {
			return fmt.Errorf("delete results: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, string(id))
		if err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrJobNotFound
		}
		return nil
	})
}

func (r *Repository) CleanupOlderThan(ctx context.Context, cutoff time.Time) ([]domain.JobID, error) {
	filter := `status IN (` + inClause(len(domain.TerminalStatuses)) + `) AND completed_at IS NOT NULL AND completed_at < ?`
	args := append(statusArgs(domain.TerminalStatuses), toMillis(cutoff))

	var deleted []domain.JobID
	err := r.write(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM jobs WHERE `+filter+` ORDER BY id`, args...)
		if err != nil {
			return fmt.Errorf("select expired jobs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan expired job: %w", err)
			}
			deleted = append(deleted, domain.JobID(id))
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("select expired jobs: %w", err)
		}
		rows.Close()

		if _, err := tx.ExecContext(ctx, `DELETE FROM job_results WHERE job_id IN (SELECT id FROM jobs WHERE `+filter+`)`, args...); err != nil {
			return fmt.Errorf("delete expired results: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE `+filter, args...); err != nil {
			return fmt.Errorf("delete expired jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// currentStatus reads the job status inside tx, mapping a missing row to ErrJobNotFound.
func currentStatus(ctx context.Context, tx *sql.Tx, id domain.JobID) (domain.JobStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, string(id)).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read job status: %w", err)
	}
	return domain.JobStatus(status), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (domain.Job, error) {
	var (
		job                       domain.Job
		id, operation, status     string
		total, processed, success int64
		errorCount, createdAt     int64
		errMsg                    sql.NullString
		startedAt, completedAt    sql.NullInt64
	)
	err := s.Scan(&id, &operation, &status, &total, &processed, &success, &errorCount, &errMsg, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return domain.Job{}, err
	}

	job.ID = domain.JobID(id)
	job.Operation = operation
	job.Status = domain.JobStatus(status)
	job.Total = int(total)
	job.Processed = int(processed)
	job.Success = int(success)
	job.Errors = int(errorCount)
	job.CreatedAt = fromMillis(createdAt)
	if errMsg.Valid {
		msg := errMsg.String
		job.Error = &msg
	}
	if startedAt.Valid {
		t := fromMillis(startedAt.Int64)
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		job.CompletedAt = &t
	}
	return job, nil
}

func statusArgs(statuses []domain.JobStatus) []any {
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return args
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
