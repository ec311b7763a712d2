// Package resource stores uploaded data blobs on disk, keyed by generated
// id and addressable by SHA-256 content hash.
package resource

import (
	"accessd/internal/apperrors"
	"accessd/internal/ident"
	"accessd/internal/manifest"
	"accessd/internal/observability"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// blockSize is the copy buffer used while hashing uploads.
const blockSize = 64 << 10

// Catalog is the subset of the manifest the store records metadata in.
type Catalog interface {
	RecordResource(ctx context.Context, r manifest.Resource) error
	RemoveResource(ctx context.Context, id string) error
	GetResource(ctx context.Context, id string) (manifest.Resource, bool, error)
	FindResourceByHash(ctx context.Context, hash string) (string, bool, error)
	AllResources(ctx context.Context) ([]manifest.Resource, error)
}

// Config holds resource store settings.
type Config struct {
	Dir               string   // Directory holding one file per resource
	AllowedExtensions []string // Lowercase, without the leading dot
}

// Store manages resource blobs and their manifest entries.
type Store struct {
	dir     string
	allowed map[string]struct{}
	catalog Catalog
	metrics *observability.Metrics
	now     func() time.Time
	logger  *slog.Logger
}

// NewStore creates the storage directory if needed. An unwritable directory
// is a startup error.
func NewStore(cfg Config, catalog Catalog, metrics *observability.Metrics) (*Store, error) {
	if cfg.Dir == "" {
		return nil, apperrors.Validation("dir", "resource directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create resource directory: %w", err)
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
	}

	return &Store{
		dir:     cfg.Dir,
		allowed: allowed,
		catalog: catalog,
		metrics: metrics,
		now:     time.Now,
		logger:  slog.With("component", "resource"),
	}, nil
}

// CheckExtension rejects filenames whose extension is not allow-listed.
// The extension is the text after the last dot, compared case-insensitively.
func (s *Store) CheckExtension(filename string) error {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext == "" {
		return apperrors.DisallowedExtension(filename)
	}
	if _, ok := s.allowed[ext]; !ok {
		return apperrors.DisallowedExtension(filename)
	}
	return nil
}

// Store streams r to disk while hashing it, then records the resource in the
// manifest. Identical content uploaded twice yields two distinct ids.
func (s *Store) Store(ctx context.Context, filename string, r io.Reader) (manifest.Resource, error) {
	if err := s.CheckExtension(filename); err != nil {
		return manifest.Resource{}, err
	}

	id := ident.New()
	hash, size, err := s.writeBlob(id, r)
	if err != nil {
		return manifest.Resource{}, err
	}

	res := manifest.Resource{
		ID:        id,
		Hash:      hash,
		Filename:  filepath.Base(filename),
		Size:      size,
		CreatedAt: s.now().UTC(),
	}
	if err := s.catalog.RecordResource(ctx, res); err != nil {
		// Without a manifest entry the blob is unreachable.
		if rmErr := os.Remove(s.blobPath(id)); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.logger.Warn("Failed to remove unrecorded blob", "resourceId", id, "error", rmErr)
		}
		return manifest.Resource{}, err
	}

	s.metrics.RecordResourceStored(ctx, size)
	s.logger.Info("Resource stored", "resourceId", id, "hash", hash, "size", size)
	return res, nil
}

// writeBlob copies r into a temp file in fixed-size blocks, fsyncs it and
// renames it into place.
func (s *Store) writeBlob(id string, r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", 0, apperrors.Internal("resource.createTemp", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	h := sha256.New()
	buf := make([]byte, blockSize)
	size, err := io.CopyBuffer(io.MultiWriter(tmp, h), r, buf)
	if err != nil {
		return "", 0, apperrors.Internal("resource.write", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", 0, apperrors.Internal("resource.sync", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, apperrors.Internal("resource.close", err)
	}
	if err := os.Rename(tmpName, s.blobPath(id)); err != nil {
		return "", 0, apperrors.Internal("resource.rename", err)
	}
	committed = true
	if err := fsyncDir(s.dir); err != nil {
		s.logger.Warn("Failed to sync resource directory", "error", err)
	}

	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// Exists reports whether id has a manifest entry.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	if err := ident.Validate("resource id", id); err != nil {
		return false, err
	}
	_, ok, err := s.catalog.GetResource(ctx, id)
	return ok, err
}

// Get returns the manifest entry for id.
func (s *Store) Get(ctx context.Context, id string) (manifest.Resource, error) {
	if err := ident.Validate("resource id", id); err != nil {
		return manifest.Resource{}, err
	}
	r, ok, err := s.catalog.GetResource(ctx, id)
	if err != nil {
		return manifest.Resource{}, err
	}
	if !ok {
		return manifest.Resource{}, apperrors.ResourceNotFound(id)
	}
	return r, nil
}

// FindByHash returns the id of a resource whose content matches hash.
func (s *Store) FindByHash(ctx context.Context, hash string) (string, bool, error) {
	return s.catalog.FindResourceByHash(ctx, strings.ToLower(strings.TrimSpace(hash)))
}

// List returns every resource record.
func (s *Store) List(ctx context.Context) ([]manifest.Resource, error) {
	return s.catalog.AllResources(ctx)
}

// Resolve returns the blob path of a resource known to the manifest, or
// false if the id has no entry.
func (s *Store) Resolve(ctx context.Context, id string) (string, bool, error) {
	ok, err := s.Exists(ctx, id)
	if err != nil || !ok {
		return "", false, err
	}
	return s.blobPath(id), true, nil
}

// Delete removes the manifest entry and then the blob. A blob that is
// already gone is logged, not returned.
func (s *Store) Delete(ctx context.Context, id, reason string) error {
	if err := ident.Validate("resource id", id); err != nil {
		return err
	}
	if err := s.catalog.RemoveResource(ctx, id); err != nil {
		return err
	}

	logger := s.logger.With("resourceId", id, "reason", reason)
	if err := os.Remove(s.blobPath(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("Resource blob already removed")
		} else {
			logger.Error("Failed to remove resource blob", "error", err)
		}
	}

	s.metrics.RecordResourceDeleted(ctx, reason)
	logger.Info("Resource deleted")
	return nil
}

func (s *Store) blobPath(id string) string {
	return filepath.Join(s.dir, id)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// RemoveOrphans deletes blobs and abandoned temp files that have no manifest
// entry and are older than grace. Uploads in flight are younger than grace.
func (s *Store) RemoveOrphans(ctx context.Context, grace time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, apperrors.Internal("resource.readDir", err)
	}

	cutoff := s.now().Add(-grace)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, ".upload-") {
			if _, ok, err := s.catalog.GetResource(ctx, name); err != nil || ok {
				continue
			}
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("Failed to remove orphaned blob", "file", name, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
