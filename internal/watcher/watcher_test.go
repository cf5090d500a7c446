package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/pdv-sync/internal/folder"
)

func newWatcher(t *testing.T, ttl time.Duration) *Watcher {
	t.Helper()
	w, err := New(Options{TTL: ttl})
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w
}

func TestCheckForChangesBaselineThenChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Caiss.mdb")
	require.NoError(t, os.WriteFile(path, []byte("version-1"), 0644))
	files := []folder.WatchedFile{{Path: path, FileType: folder.FileCaiss}}

	w := newWatcher(t, time.Hour)
	ctx := context.Background()

	events, err := w.CheckForChanges(ctx, files)
	require.NoError(t, err)
	assert.Empty(t, events, "first observation records a baseline")

	events, err = w.CheckForChanges(ctx, files)
	require.NoError(t, err)
	assert.Empty(t, events, "unchanged file")

	require.NoError(t, os.WriteFile(path, []byte("version-22"), 0644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	events, err = w.CheckForChanges(ctx, files)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, folder.FileCaiss, events[0].FileType)
	assert.Equal(t, path, events[0].Path)
	assert.Equal(t, []string{FieldModifiedTime, FieldSize, FieldContent}, events[0].ChangedFields)
	assert.Equal(t, int64(10), events[0].Current.Size)

	events, err = w.CheckForChanges(ctx, files)
	require.NoError(t, err)
	assert.Empty(t, events, "new fingerprint becomes the baseline")
}

func TestCheckForChangesTouchOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caiss_facturation.mdb")
	require.NoError(t, os.WriteFile(path, []byte("same"), 0644))
	files := []folder.WatchedFile{{Path: path, FileType: folder.FileFacturation}}

	w := newWatcher(t, time.Hour)
	ctx := context.Background()
	_, err := w.CheckForChanges(ctx, files)
	require.NoError(t, err)

	future := time.Now().Add(2 * time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	events, err := w.CheckForChanges(ctx, files)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, []string{FieldModifiedTime}, events[0].ChangedFields)
}

func TestCheckForChangesSkipsMissing(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "Caiss.mdb")
	require.NoError(t, os.WriteFile(present, []byte("x"), 0644))
	files := []folder.WatchedFile{
		{Path: present, FileType: folder.FileCaiss},
		{Path: filepath.Join(dir, "Caiss_frontoffice.mdb"), FileType: folder.FileFrontOffice},
	}

	w := newWatcher(t, time.Hour)
	events, err := w.CheckForChanges(context.Background(), files)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, ok := w.Baseline(present)
	assert.True(t, ok)
	_, ok = w.Baseline(files[1].Path)
	assert.False(t, ok)
}

func TestBaselineExpires(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Caiss.mdb")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0644))
	files := []folder.WatchedFile{{Path: path, FileType: folder.FileCaiss}}

	w := newWatcher(t, 50*time.Millisecond)
	ctx := context.Background()
	_, err := w.CheckForChanges(ctx, files)
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("two-changed"), 0644))

	events, err := w.CheckForChanges(ctx, files)
	require.NoError(t, err)
	assert.Empty(t, events, "expired baseline is treated as a first observation")
}

func TestReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Caiss.mdb")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0644))
	files := []folder.WatchedFile{{Path: path, FileType: folder.FileCaiss}}

	w := newWatcher(t, time.Hour)
	ctx := context.Background()
	_, err := w.CheckForChanges(ctx, files)
	require.NoError(t, err)

	w.Reset(files)
	require.NoError(t, os.WriteFile(path, []byte("two-changed"), 0644))

	events, err := w.CheckForChanges(ctx, files)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAffectedAreas(t *testing.T) {
	events := []ChangeEvent{
		{FileType: folder.FileCaiss},
		{FileType: folder.FileFacturation},
	}
	assert.Equal(t, []string{"articles", "stock", "invoices"}, AffectedAreas(events))
	assert.Empty(t, AffectedAreas(nil))
}
