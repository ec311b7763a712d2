package artifact

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WriteArchive streams a tar.gz of every file List reports under dir to w.
// Entry names are relative to dir. The context is checked between files so
// an abandoned download stops early.
func WriteArchive(ctx context.Context, w io.Writer, dir string) error {
	files, err := List(dir)
	if err != nil {
		return fmt.Errorf("failed to list outputs: %w", err)
	}

	gzWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzWriter)

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := archiveFile(tarWriter, filepath.Join(dir, filepath.FromSlash(f.Path)), f.Path); err != nil {
			return err
		}
	}

	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := gzWriter.Close(); err != nil {
		return fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	return nil
}

func archiveFile(tw *tar.Writer, path, name string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("failed to create tar header: %w", err)
	}
	header.Name = name
	header.Uname, header.Gname = "", ""
	header.Uid, header.Gid = 0, 0

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	// Copy exactly the header size in case the file grew after Stat.
	if _, err := io.CopyN(tw, file, header.Size); err != nil {
		return fmt.Errorf("failed to write file to tar: %w", err)
	}
	return nil
}
