package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string, size int, mod time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestList_OrderAndLimit(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	touch(t, filepath.Join(dir, "old.zip"), 10, now.Add(-3*time.Hour))
	touch(t, filepath.Join(dir, "newest.zip"), 30, now.Add(-1*time.Hour))
	touch(t, filepath.Join(dir, "middle.zip"), 20, now.Add(-2*time.Hour))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "not-a-backup"), 0755))

	entries, total, err := New(dir).List(2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, entries, 2)
	assert.Equal(t, "newest.zip", entries[0].Name)
	assert.Equal(t, int64(30), entries[0].Size)
	assert.Equal(t, "middle.zip", entries[1].Name)

	all, total, err := New(dir).List(All)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, all, 3)
	assert.Equal(t, "old.zip", all[2].Name)
}

func TestList_CreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backupx")

	entries, total, err := New(dir).List(10)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, total)
	assert.DirExists(t, dir)
}

func TestList_SkipsSymlinks(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.zip"), 1, time.Now())
	require.NoError(t, os.Symlink(filepath.Join(dir, "a.zip"), filepath.Join(dir, "latest.zip")))

	entries, _, err := New(dir).List(All)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.zip", entries[0].Name)
}

func TestEntry_HumanSize(t *testing.T) {
	assert.Equal(t, "1.5 MiB", Entry{Size: 3 << 19}.HumanSize())
}
