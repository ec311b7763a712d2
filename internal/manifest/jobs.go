package manifest

import (
	"accessd/internal/apperrors"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const jobColumns = `id, type, status, orders, created_at, started_at, finished_at,
	result_path, failure_kind, failure_message, failure_field`

// RecordJob inserts a new job record. The status must be queued.
func (m *Manifest) RecordJob(ctx context.Context, j Job) error {
	if j.Status == "" {
		j.Status = StatusQueued
	}
	if j.Status != StatusQueued {
		return apperrors.Validation("status", fmt.Sprintf("new job must be queued, got %s", j.Status))
	}
	orders, err := json.Marshal(ordersOrEmpty(j.Orders))
	if err != nil {
		return apperrors.Validation("orders", fmt.Sprintf("orders are not serializable: %v", err))
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, status, orders, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, j.ID, j.Type, string(j.Status), string(orders), j.CreatedAt.UTC().UnixNano())
	if err != nil {
		if isConstraint(err) {
			return apperrors.Conflict("job", j.ID, "job already exists")
		}
		return apperrors.Internal("manifest.recordJob", err)
	}
	return nil
}

// SetJobStatus moves a job to a new status. Illegal transitions, including
// any move out of a terminal state, return a conflict.
func (m *Manifest) SetJobStatus(ctx context.Context, id string, to Status) error {
	return m.transition(ctx, id, to, func(tx *sql.Tx, now int64) error {
		switch {
		case to == StatusRunning:
			_, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, started_at = ? WHERE id = ?`, string(to), now, id)
			return err
		case to.Terminal():
			_, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, finished_at = ? WHERE id = ?`, string(to), now, id)
			return err
		default:
			_, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ? WHERE id = ?`, string(to), id)
			return err
		}
	})
}

// ClaimJob moves a queued job to running. Returns false without error when
// the job is no longer queued.
func (m *Manifest) ClaimJob(ctx context.Context, id string) (bool, error) {
	err := m.SetJobStatus(ctx, id, StatusRunning)
	if errors.Is(err, apperrors.ErrConflict) || errors.Is(err, apperrors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetJobFailure marks a job failed and records why, in one update.
func (m *Manifest) SetJobFailure(ctx context.Context, id string, f Failure) error {
	return m.transition(ctx, id, StatusFailed, func(tx *sql.Tx, now int64) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, finished_at = ?, failure_kind = ?, failure_message = ?, failure_field = ?
			WHERE id = ?
		`, string(StatusFailed), now, string(f.Kind), f.Message, nullString(f.Field), id)
		return err
	})
}

// SetJobResult marks a job finished and records where its output lives.
func (m *Manifest) SetJobResult(ctx context.Context, id, path string) error {
	return m.transition(ctx, id, StatusFinished, func(tx *sql.Tx, now int64) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, finished_at = ?, result_path = ? WHERE id = ?
		`, string(StatusFinished), now, path, id)
		return err
	})
}

// transition reads the current status and applies update within a single
// transaction when the move is legal.
func (m *Manifest) transition(ctx context.Context, id string, to Status, update func(*sql.Tx, int64) error) error {
	if !to.Valid() {
		return apperrors.Validation("status", fmt.Sprintf("unknown status %q", to))
	}
	return m.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("job", id)
		}
		if err != nil {
			return apperrors.Internal("manifest.setJobStatus", err)
		}
		from := Status(current)
		if !CanTransition(from, to) {
			return apperrors.Conflict("job", id, fmt.Sprintf("job %s cannot move from %s to %s", id, from, to))
		}
		if err := update(tx, time.Now().UTC().UnixNano()); err != nil {
			return apperrors.Internal("manifest.setJobStatus", err)
		}
		return nil
	})
}

// GetJob returns the record for id, or false if absent.
func (m *Manifest) GetJob(ctx context.Context, id string) (Job, bool, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, apperrors.Internal("manifest.getJob", err)
	}
	return j, true, nil
}

// AllJobs returns every job record, oldest first.
func (m *Manifest) AllJobs(ctx context.Context) ([]Job, error) {
	return m.queryJobs(ctx, "manifest.allJobs", `SELECT `+jobColumns+` FROM jobs ORDER BY created_at, rowid`)
}

// JobsWithStatus returns jobs in any of the given states, oldest first.
func (m *Manifest) JobsWithStatus(ctx context.Context, statuses ...Status) ([]Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status IN (` + placeholders + `) ORDER BY created_at, rowid`
	return m.queryJobs(ctx, "manifest.jobsWithStatus", query, args...)
}

// RemoveJob deletes a job record.
func (m *Manifest) RemoveJob(ctx context.Context, id string) error {
	res, err := m.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return apperrors.Internal("manifest.removeJob", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Internal("manifest.removeJob", err)
	}
	if n == 0 {
		return apperrors.NotFound("job", id)
	}
	return nil
}

func (m *Manifest) queryJobs(ctx context.Context, op, query string, args ...any) ([]Job, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal(op, err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.Internal(op, err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal(op, err)
	}
	return out, nil
}

func scanJob(s scanner) (Job, error) {
	var (
		j                            Job
		status, orders               string
		created                      int64
		started, finished            sql.NullInt64
		resultPath, kind, msg, field sql.NullString
	)
	err := s.Scan(&j.ID, &j.Type, &status, &orders, &created, &started, &finished,
		&resultPath, &kind, &msg, &field)
	if err != nil {
		return Job{}, err
	}

	j.Status = Status(status)
	j.CreatedAt = fromNanos(created)
	if j.Orders, err = decodeOrders(orders); err != nil {
		return Job{}, fmt.Errorf("decode orders of job %s: %w", j.ID, err)
	}
	if started.Valid {
		t := fromNanos(started.Int64)
		j.StartedAt = &t
	}
	if finished.Valid {
		t := fromNanos(finished.Int64)
		j.FinishedAt = &t
	}
	j.ResultPath = resultPath.String
	if kind.Valid {
		j.Failure = &Failure{
			Kind:    apperrors.Kind(kind.String),
			Message: msg.String,
			Field:   field.String,
		}
	}
	return j, nil
}

// decodeOrders keeps numbers as json.Number so integers beyond float64
// precision pass through unchanged.
func decodeOrders(raw string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var orders map[string]any
	if err := dec.Decode(&orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func ordersOrEmpty(o map[string]any) map[string]any {
	if o == nil {
		return map[string]any{}
	}
	return o
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
