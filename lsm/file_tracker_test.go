package lsm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
}

func TestFileTrackerImmediateDelete(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "a.cst")
	touch(t, f)

	tracker := NewFileTracker(dir)
	tracker.DeleteFiles(map[string]bool{f: true})

	_, err := os.Stat(f)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, tracker.PendingDeletes())
}

func TestFileTrackerDefersWhileReferenced(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "a.cst")
	touch(t, f)

	tracker := NewFileTracker(dir)
	tracker.Ref([]string{f})
	tracker.DeleteFiles(map[string]bool{f: true})

	// Still referenced, still on disk.
	_, err := os.Stat(f)
	assert.NoError(t, err)
	assert.Equal(t, []string{f}, tracker.PendingDeletes())

	tracker.Unref([]string{f})
	_, err = os.Stat(f)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, tracker.PendingDeletes())
}

func TestFileTrackerSharedReference(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "a.cst")
	touch(t, f)

	tracker := NewFileTracker(dir)
	tracker.Ref([]string{f})
	tracker.Ref([]string{f})
	tracker.DeleteFiles(map[string]bool{f: true})

	tracker.Unref([]string{f})
	_, err := os.Stat(f)
	assert.NoError(t, err, "one reference remains")

	tracker.Unref([]string{f})
	_, err = os.Stat(f)
	assert.True(t, os.IsNotExist(err))
}

func TestFileTrackerResumesAfterRestart(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "a.cst")
	touch(t, f)

	tracker := NewFileTracker(dir)
	tracker.Ref([]string{f})
	tracker.DeleteFiles(map[string]bool{f: true})

	// Process dies with the reference held; the pending set survives.
	restarted := NewFileTracker(dir)
	_, err := os.Stat(f)
	assert.True(t, os.IsNotExist(err), "restart retries unreferenced pending deletes")
	assert.Empty(t, restarted.PendingDeletes())
}
