package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	apperrors "github.com/lupppig/backupx/internal/errors"
)

type LocalStorage struct {
	baseDir string
}

func NewLocalStorage(baseDir string) *LocalStorage {
	if baseDir == "" {
		baseDir = "./"
	}
	return &LocalStorage{baseDir: baseDir}
}

func (s *LocalStorage) Save(ctx context.Context, name string, r io.Reader, _ int64) (string, error) {
	path := filepath.Join(s.baseDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeFilesystem, "failed to create mirror directory", "Check permissions on "+s.baseDir+".")
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeFilesystem, "failed to create temp file", "")
	}
	defer os.Remove(tmpPath)

	if _, err := io.Copy(f, contextReader{ctx: ctx, r: r}); err != nil {
		f.Close()
		return "", apperrors.Wrap(err, apperrors.TypeFilesystem, "failed to copy archive", "")
	}
	if err := f.Close(); err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeFilesystem, "failed to flush archive copy", "")
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeFilesystem, "failed to finalize archive copy", "")
	}
	return path, nil
}

func (s *LocalStorage) Location() string {
	return s.baseDir
}

func (s *LocalStorage) Close() error { return nil }

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
