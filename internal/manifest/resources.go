package manifest

import (
	"accessd/internal/apperrors"
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
)

// RecordResource inserts a resource record. Ids are never reused, so a
// duplicate id is a conflict.
func (m *Manifest) RecordResource(ctx context.Context, r Resource) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO resources (id, hash, filename, size, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.Hash, r.Filename, r.Size, r.CreatedAt.UTC().UnixNano())
	if err != nil {
		if isConstraint(err) {
			return apperrors.Conflict("resource", r.ID, "resource already exists")
		}
		return apperrors.Internal("manifest.recordResource", err)
	}
	return nil
}

// RemoveResource deletes a resource record. Returns ResourceNotFound when
// the id is absent.
func (m *Manifest) RemoveResource(ctx context.Context, id string) error {
	res, err := m.db.ExecContext(ctx, `DELETE FROM resources WHERE id = ?`, id)
	if err != nil {
		return apperrors.Internal("manifest.removeResource", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Internal("manifest.removeResource", err)
	}
	if n == 0 {
		return apperrors.ResourceNotFound(id)
	}
	return nil
}

// GetResource returns the record for id, or false if absent.
func (m *Manifest) GetResource(ctx context.Context, id string) (Resource, bool, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, hash, filename, size, created_at FROM resources WHERE id = ?
	`, id)
	r, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Resource{}, false, nil
	}
	if err != nil {
		return Resource{}, false, apperrors.Internal("manifest.getResource", err)
	}
	return r, true, nil
}

// FindResourceByHash returns the oldest resource id whose content hash
// matches, or false if none does.
func (m *Manifest) FindResourceByHash(ctx context.Context, hash string) (string, bool, error) {
	var id string
	err := m.db.QueryRowContext(ctx, `
		SELECT id FROM resources WHERE hash = ? ORDER BY created_at, rowid LIMIT 1
	`, hash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.Internal("manifest.findResourceByHash", err)
	}
	return id, true, nil
}

// AllResources returns every resource record, oldest first.
func (m *Manifest) AllResources(ctx context.Context) ([]Resource, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, hash, filename, size, created_at FROM resources ORDER BY created_at, rowid
	`)
	if err != nil {
		return nil, apperrors.Internal("manifest.allResources", err)
	}
	defer rows.Close()

	var out []Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, apperrors.Internal("manifest.allResources", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("manifest.allResources", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResource(s scanner) (Resource, error) {
	var (
		r       Resource
		created int64
	)
	if err := s.Scan(&r.ID, &r.Hash, &r.Filename, &r.Size, &created); err != nil {
		return Resource{}, err
	}
	r.CreatedAt = fromNanos(created)
	return r, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}
