package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeDropFile creates a file and backdates its modification time so the
// age gate sees it as settled.
func writeDropFile(t *testing.T, dir, name, contents string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
	return path
}

func TestIngestdPollPicksUpDropFiles(t *testing.T) {
	dir := t.TempDir()
	server, submitter, sink, _ := newTestDropBox(t)

	datasetPath := writeDropFile(t, dir, "loans.json", `[{"question": "q1", "answer": "a1"}]`, 2*time.Hour)
	kbPath := writeDropFile(t, dir, "notes.txt", "Escrow analysis runs annually.", 2*time.Hour)
	freshPath := filepath.Join(dir, "incoming.json")
	require.NoError(t, os.WriteFile(freshPath, []byte(`[{"question": "q2", "answer": "a2"}]`), 0o644))

	d := NewIngestd(Config{
		WatchDirs: []string{dir},
		FileTypeMap: []FileTypeMapping{
			{Path: "*.json", Type: FileTypeDataset},
			{Path: "*.txt", Type: FileTypeKnowledge},
		},
		FileAgeSecs: 3600,
	}, server, testLogger())

	d.pollOnce(context.Background())

	require.Len(t, submitter.submissions(), 1)
	assert.Equal(t, "q1", submitter.submissions()[0].Dataset[0].Question())
	assert.Equal(t, []string{"Escrow analysis runs annually."}, sink.docs)

	assert.NoFileExists(t, datasetPath, "processed files are removed")
	assert.NoFileExists(t, kbPath)
	assert.FileExists(t, freshPath, "files still settling are left alone")

	d.pollOnce(context.Background())
	assert.Len(t, submitter.submissions(), 1, "nothing new to pick up")
}

func TestIngestdDoesNotRetryUnchangedRejectedFile(t *testing.T) {
	dir := t.TempDir()
	server, submitter, _, objStore := newTestDropBox(t)

	badPath := writeDropFile(t, dir, "empty.json", "[]", 2*time.Hour)

	d := NewIngestd(Config{
		WatchDirs:   []string{dir},
		FileTypeMap: []FileTypeMapping{{Path: "*.json", Type: FileTypeDataset}},
		FileAgeSecs: 3600,
	}, server, testLogger())

	d.pollOnce(context.Background())
	assert.Empty(t, submitter.submissions())
	assert.FileExists(t, badPath, "rejected files stay in place for inspection")
	require.Len(t, objStore.archived(), 1)
	assert.Equal(t, DefaultFailedBucket, objStore.archived()[0].bucket)

	d.pollOnce(context.Background())
	assert.Len(t, objStore.archived(), 1, "unchanged file is not reprocessed")

	// rewriting the file makes it eligible again
	writeDropFile(t, dir, "empty.json", "[]", time.Hour)
	d.pollOnce(context.Background())
	assert.Len(t, objStore.archived(), 2)

	// once the producer takes the file back, its attempt record is dropped
	require.NoError(t, os.Remove(badPath))
	d.pollOnce(context.Background())
	d.mu.Lock()
	assert.Empty(t, d.attempted)
	d.mu.Unlock()
}

func TestIngestdRunStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	server, submitter, _, _ := newTestDropBox(t)

	writeDropFile(t, dir, "loans.json", `[{"question": "q1", "answer": "a1"}]`, 2*time.Hour)

	d := NewIngestd(Config{
		WatchDirs:     []string{dir},
		FileTypeMap:   []FileTypeMapping{{Path: "*.json", Type: FileTypeDataset}},
		SleepInterval: 20 * time.Millisecond,
		FileAgeSecs:   3600,
	}, server, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(submitter.submissions()) == 1
	}, 5*time.Second, 10*time.Millisecond, "first pass runs before the first tick")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestFindFilesNestedGlob(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "dir.json"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "top.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "inner.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "skip.txt"), []byte("x"), 0o644))

	files, err := findFiles(dir, "**/*.json")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "top.json"),
		filepath.Join(dir, "sub", "inner.json"),
	}, files)
}
