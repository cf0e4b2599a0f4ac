package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/lupppig/backupx/internal/backup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingTarget struct{ closed bool }

func (f *failingTarget) Save(context.Context, string, io.Reader, int64) (string, error) {
	return "", errors.New("bucket gone")
}
func (f *failingTarget) Location() string { return "s3://key:secret@minio/bucket" }
func (f *failingTarget) Close() error { f.closed = true; return nil }

type result struct {
	target string
	err    error
}

func TestMirror_UploadsSuccessfulArchives(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "2024-03-09_10-15-30.zip")
	require.NoError(t, os.WriteFile(archive, []byte("zipdata"), 0644))

	mirrorDir := t.TempDir()
	bad := &failingTarget{}

	var mu sync.Mutex
	var results []result
	m := NewMirror([]Target{NewLocalStorage(mirrorDir), bad}, MirrorOptions{
		OnResult: func(target string, err error) {
			mu.Lock()
			defer mu.Unlock()
			results = append(results, result{target, err})
		},
	})

	m.BackupFinished(&backup.Job{Status: backup.StatusFailed, OutputPath: archive})
	m.BackupFinished(&backup.Job{Status: backup.StatusSucceeded, OutputPath: archive})
	require.NoError(t, m.Close())

	data, err := os.ReadFile(filepath.Join(mirrorDir, filepath.Base(archive)))
	require.NoError(t, err)
	assert.Equal(t, "zipdata", string(data))

	require.Len(t, results, 2)
	assert.Equal(t, mirrorDir, results[0].target)
	assert.NoError(t, results[0].err)
	assert.Equal(t, "s3://key:********@minio/bucket", results[1].target)
	assert.Error(t, results[1].err)
	assert.True(t, bad.closed)
}

func TestMirror_IgnoresAfterClose(t *testing.T) {
	calls := 0
	m := NewMirror([]Target{&failingTarget{}}, MirrorOptions{
		OnResult: func(string, error) { calls++ },
	})
	require.NoError(t, m.Close())

	m.BackupFinished(&backup.Job{Status: backup.StatusSucceeded, OutputPath: "/nope.zip"})
	require.NoError(t, m.Close())
	assert.Zero(t, calls)
}

func TestMirrorFromURIs(t *testing.T) {
	m, err := MirrorFromURIs([]string{t.TempDir()}, StorageOptions{}, MirrorOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Close())

	_, err = MirrorFromURIs([]string{t.TempDir(), "ftp://u:p@host/x"}, StorageOptions{}, MirrorOptions{})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), ":p@")
}
