// Package artifact reads a job's output directory: it lists the files a run
// produced and bundles them into a gzipped tar stream for download.
package artifact

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// File describes one output file.
type File struct {
	Path string `json:"path"` // slash-separated, relative to the output directory
	Size int64  `json:"size"`
}

// List returns the regular files under dir, sorted by path. Symlinks and
// in-progress temp files (".tmp-" prefix) are skipped. A missing directory
// yields no files.
func List(dir string) ([]File, error) {
	var files []File
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, File{Path: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Paths returns the paths of files in order.
func Paths(files []File) []string {
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	return paths
}
