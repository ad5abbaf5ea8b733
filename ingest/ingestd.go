package ingest

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/remiges-tech/logharbour/logharbour"
)

// Defaults for the ingest daemon.
const (
	DefaultSleepInterval = 10 * time.Second
	DefaultFileAgeSecs   = 5
)

// FileTypeMapping maps a glob pattern to a drop file type.
type FileTypeMapping struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

// Config holds the ingest daemon configuration.
type Config struct {
	WatchDirs     []string
	FileTypeMap   []FileTypeMapping
	SleepInterval time.Duration
	FileAgeSecs   int
}

// Ingestd polls watch directories for drop files and routes them through a
// DropBoxServer. Files are only picked up once they stop changing, and a
// rejected file is left in place but not retried until it is modified.
type Ingestd struct {
	config  Config
	dropBox *DropBoxServer
	logger  *logharbour.Logger

	mu        sync.Mutex
	attempted map[string]time.Time
}

func NewIngestd(config Config, dropBox *DropBoxServer, logger *logharbour.Logger) *Ingestd {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if config.SleepInterval <= 0 {
		config.SleepInterval = DefaultSleepInterval
	}
	if config.FileAgeSecs <= 0 {
		config.FileAgeSecs = DefaultFileAgeSecs
	}
	return &Ingestd{
		config:    config,
		dropBox:   dropBox,
		logger:    logger,
		attempted: make(map[string]time.Time),
	}
}

// Run polls until the context is cancelled.
func (d *Ingestd) Run(ctx context.Context) error {
	d.logger.Info().LogActivity("Ingest daemon starting", map[string]any{
		"watchDirs":     d.config.WatchDirs,
		"sleepInterval": d.config.SleepInterval.String(),
	})

	ticker := time.NewTicker(d.config.SleepInterval)
	defer ticker.Stop()

	d.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info().LogActivity("Ingest daemon stopping", nil)
			return ctx.Err()
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

// pollOnce scans every watch directory once.
func (d *Ingestd) pollOnce(ctx context.Context) {
	for _, dir := range d.config.WatchDirs {
		for _, mapping := range d.config.FileTypeMap {
			if ctx.Err() != nil {
				return
			}
			d.processMapping(ctx, dir, mapping)
		}
	}
	d.pruneAttempted()
}

func (d *Ingestd) processMapping(ctx context.Context, dir string, mapping FileTypeMapping) {
	files, err := findFiles(dir, mapping.Path)
	if err != nil {
		d.logger.Warn().LogActivity("Error finding files", map[string]any{
			"dir":     dir,
			"pattern": mapping.Path,
			"error":   err.Error(),
		})
		return
	}
	for _, file := range files {
		if ctx.Err() != nil {
			return
		}
		d.processFile(ctx, file, mapping.Type)
	}
}

// findFiles returns all files under dir matching the glob pattern. The
// pattern may use ** to match nested directories.
func findFiles(dir, pattern string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), pattern)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, match := range matches {
		full := filepath.Join(dir, match)
		info, err := os.Stat(full)
		if err != nil || info.IsDir() {
			continue
		}
		files = append(files, full)
	}
	return files, nil
}

func (d *Ingestd) processFile(ctx context.Context, path, fileType string) {
	info, err := os.Stat(path)
	if err != nil {
		// picked up by a concurrent pass or removed by the producer
		return
	}
	if !isFileOldEnough(info, d.config.FileAgeSecs) {
		return
	}
	if !d.markAttempt(path, info.ModTime()) {
		return
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		d.logger.Warn().LogActivity("Error reading file", map[string]any{
			"file":  path,
			"error": err.Error(),
		})
		return
	}

	if _, err := d.dropBox.ProcessFile(ctx, contents, filepath.Base(path), fileType); err != nil {
		d.logger.Warn().LogActivity("File rejected", map[string]any{
			"file":  path,
			"type":  fileType,
			"error": err.Error(),
		})
		return
	}

	if err := os.Remove(path); err != nil {
		d.logger.Warn().LogActivity("Error removing processed file", map[string]any{
			"file":  path,
			"error": err.Error(),
		})
		return
	}
	d.forget(path)
}

// isFileOldEnough reports whether the file has not been modified for the
// configured age, so half-written drops are not picked up.
func isFileOldEnough(info fs.FileInfo, ageSecs int) bool {
	return time.Since(info.ModTime()) >= time.Duration(ageSecs)*time.Second
}

// markAttempt records that the file at this modification time is being
// processed. It returns false if this exact version was already attempted,
// which keeps a rejected file from being retried every poll.
func (d *Ingestd) markAttempt(path string, modTime time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.attempted[path]; ok && prev.Equal(modTime) {
		return false
	}
	d.attempted[path] = modTime
	return true
}

func (d *Ingestd) forget(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.attempted, path)
}

// pruneAttempted drops records for files that no longer exist.
func (d *Ingestd) pruneAttempted() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for path := range d.attempted {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			delete(d.attempted, path)
		}
	}
}
