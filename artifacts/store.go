// Package artifacts persists the output of a finished optimization run: the
// cleaned dataset, its metadata, the diagnostic report, the run statistics,
// and a human-readable summary. Files land in a local outputs tree and are
// optionally mirrored to an object store bucket.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/refinery/pipeline"
	"github.com/remiges-tech/refinery/tasks"
)

// DefaultBucket is the object store bucket artifacts are mirrored to.
const DefaultBucket = "refinery-artifacts"

const (
	datasetFileName    = "optimized_dataset.json"
	metadataFileName   = "metadata.json"
	reportFileName     = "diagnostic_report.json"
	statisticsFileName = "statistics.json"
	summaryFileName    = "summary.md"

	jsonContentType     = "application/json"
	markdownContentType = "text/markdown"
)

// Config tunes the artifact store; zero values select defaults.
type Config struct {
	// OutputDir is the root of the local outputs tree. Defaults to
	// ./outputs.
	OutputDir string
	// Bucket is the mirror bucket name. Defaults to DefaultBucket.
	Bucket string
}

// RunMetadata describes one saved run; it is the content of metadata.json.
type RunMetadata struct {
	TaskID      string         `json:"task_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Mode        string         `json:"mode"`
	DatasetSize int            `json:"dataset_size"`
	Statistics  map[string]any `json:"statistics"`
}

// Store writes run artifacts under OutputDir/datasets/{task_id} and
// OutputDir/reports/{task_id}. With a non-nil object store the same files
// are uploaded under matching keys.
type Store struct {
	datasetsDir string
	reportsDir  string
	objstore    ObjectStore
	bucket      string
	logger      *logharbour.Logger
}

// NewStore prepares the outputs tree. The object store is optional; pass
// nil to keep artifacts local only.
func NewStore(cfg Config, objstore ObjectStore, logger *logharbour.Logger) (*Store, error) {
	if logger == nil {
		panic("logger cannot be nil")
	}
	outputDir := cfg.OutputDir
	if outputDir == "" {
		outputDir = "./outputs"
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = DefaultBucket
	}

	s := &Store{
		datasetsDir: filepath.Join(outputDir, "datasets"),
		reportsDir:  filepath.Join(outputDir, "reports"),
		objstore:    objstore,
		bucket:      bucket,
		logger:      logger,
	}
	for _, dir := range []string{s.datasetsDir, s.reportsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create artifact directory %s: %w", dir, err)
		}
	}
	logger.Info().LogActivity("Artifact store ready", map[string]any{
		"outputDir": outputDir,
		"mirrored":  objstore != nil,
	})
	return s, nil
}

// SaveRun persists all artifacts of one finished run. It implements
// tasks.ArtifactSink, so a failure here fails the task before its terminal
// commit rather than losing output silently.
func (s *Store) SaveRun(ctx context.Context, task *tasks.Task, report *pipeline.DiagnosticReport, dataset []pipeline.Record, statistics map[string]any) error {
	meta := RunMetadata{
		TaskID:      task.TaskID,
		Timestamp:   time.Now().UTC(),
		Mode:        task.Mode,
		DatasetSize: len(dataset),
		Statistics:  statistics,
	}

	datasetJSON, err := json.MarshalIndent(dataset, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode dataset: %w", err)
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	reportJSON, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode diagnostic report: %w", err)
	}
	statsJSON, err := json.MarshalIndent(statistics, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode statistics: %w", err)
	}
	summary := []byte(renderSummary(task.TaskID, meta.Timestamp, task.Mode, report, statistics))

	datasetDir := filepath.Join(s.datasetsDir, task.TaskID)
	reportDir := filepath.Join(s.reportsDir, task.TaskID)
	for _, dir := range []string{datasetDir, reportDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create run directory %s: %w", dir, err)
		}
	}

	files := []struct {
		path        string
		key         string
		data        []byte
		contentType string
	}{
		{filepath.Join(datasetDir, datasetFileName), path.Join("datasets", task.TaskID, datasetFileName), datasetJSON, jsonContentType},
		{filepath.Join(datasetDir, metadataFileName), path.Join("datasets", task.TaskID, metadataFileName), metaJSON, jsonContentType},
		{filepath.Join(reportDir, reportFileName), path.Join("reports", task.TaskID, reportFileName), reportJSON, jsonContentType},
		{filepath.Join(reportDir, statisticsFileName), path.Join("reports", task.TaskID, statisticsFileName), statsJSON, jsonContentType},
		{filepath.Join(reportDir, summaryFileName), path.Join("reports", task.TaskID, summaryFileName), summary, markdownContentType},
	}
	for _, f := range files {
		if err := os.WriteFile(f.path, f.data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.path, err)
		}
	}
	if s.objstore != nil {
		for _, f := range files {
			err := s.objstore.Put(ctx, s.bucket, f.key, bytes.NewReader(f.data), int64(len(f.data)), f.contentType)
			if err != nil {
				return fmt.Errorf("failed to mirror %s: %w", f.key, err)
			}
		}
	}

	s.logger.Info().LogActivity("Run artifacts saved", map[string]any{
		"taskId":      task.TaskID,
		"datasetSize": len(dataset),
		"mirrored":    s.objstore != nil,
	})
	return nil
}

// LoadDataset reads back a saved dataset with its metadata.
func (s *Store) LoadDataset(taskID string) ([]pipeline.Record, *RunMetadata, error) {
	datasetDir := filepath.Join(s.datasetsDir, taskID)

	datasetJSON, err := os.ReadFile(filepath.Join(datasetDir, datasetFileName))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read saved dataset for %s: %w", taskID, err)
	}
	var dataset []pipeline.Record
	if err := json.Unmarshal(datasetJSON, &dataset); err != nil {
		return nil, nil, fmt.Errorf("failed to decode saved dataset for %s: %w", taskID, err)
	}

	metaJSON, err := os.ReadFile(filepath.Join(datasetDir, metadataFileName))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read metadata for %s: %w", taskID, err)
	}
	var meta RunMetadata
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, nil, fmt.Errorf("failed to decode metadata for %s: %w", taskID, err)
	}
	return dataset, &meta, nil
}

// ListRuns returns the metadata of every saved run, newest first. Entries
// without a readable metadata file are skipped.
func (s *Store) ListRuns() ([]RunMetadata, error) {
	entries, err := os.ReadDir(s.datasetsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan artifact directory: %w", err)
	}

	runs := make([]RunMetadata, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		metaJSON, err := os.ReadFile(filepath.Join(s.datasetsDir, entry.Name(), metadataFileName))
		if err != nil {
			continue
		}
		var meta RunMetadata
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			s.logger.Warn().LogActivity("Skipping unreadable run metadata", map[string]any{
				"taskId": entry.Name(),
				"error":  err.Error(),
			})
			continue
		}
		runs = append(runs, meta)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Timestamp.After(runs[j].Timestamp) })
	return runs, nil
}

// renderSummary produces the human-readable summary.md for one run.
func renderSummary(taskID string, ts time.Time, mode string, report *pipeline.DiagnosticReport, statistics map[string]any) string {
	inputSize := statInt(statistics, "input_size")
	outputSize := statInt(statistics, "output_size")
	optStats, _ := statistics["optimization_stats"].(map[string]any)
	verStats, _ := statistics["verification_stats"].(map[string]any)

	dataType := "plain QA data"
	reasoningScan := "skipped (no think field)"
	if report.HasThinkField {
		dataType = "reasoning data (think field present)"
		reasoningScan = "performed"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Data Optimization Report\n\n")
	fmt.Fprintf(&b, "## Task\n\n")
	fmt.Fprintf(&b, "- Task ID: %s\n", taskID)
	fmt.Fprintf(&b, "- Generated: %s\n", ts.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "- Mode: %s\n", mode)
	fmt.Fprintf(&b, "- Data type: %s\n\n", dataType)

	fmt.Fprintf(&b, "## Dataset\n\n")
	fmt.Fprintf(&b, "- Input samples: %d\n", inputSize)
	fmt.Fprintf(&b, "- Output samples: %d\n", outputSize)
	if inputSize > 0 {
		growth := float64(outputSize-inputSize) / float64(inputSize) * 100
		fmt.Fprintf(&b, "- Growth: %+.1f%%\n", growth)
	}
	fmt.Fprintf(&b, "\n## Diagnosis\n\n")
	fmt.Fprintf(&b, "- Sparse clusters: %d\n", len(report.SparseClusters))
	fmt.Fprintf(&b, "- Low-quality samples: %d\n", len(report.LowQualitySamples))
	fmt.Fprintf(&b, "- Reasoning quality scan: %s\n\n", reasoningScan)

	fmt.Fprintf(&b, "## Optimization\n\n")
	fmt.Fprintf(&b, "- Rewritten samples: %d\n", statInt(optStats, "optimized_count"))
	fmt.Fprintf(&b, "- Generated samples: %d\n\n", statInt(optStats, "generated_count"))

	fmt.Fprintf(&b, "## Verification\n\n")
	fmt.Fprintf(&b, "- Checked: %d\n", statInt(verStats, "total"))
	fmt.Fprintf(&b, "- Kept: %d\n\n", statInt(verStats, "verified"))

	fmt.Fprintf(&b, "## PII cleaning\n\n")
	fmt.Fprintf(&b, "- Cleaned samples: %d\n\n", statInt(statistics, "pii_cleaned_count"))

	fmt.Fprintf(&b, "## Files\n\n")
	fmt.Fprintf(&b, "- Dataset: `outputs/datasets/%s/%s`\n", taskID, datasetFileName)
	fmt.Fprintf(&b, "- Metadata: `outputs/datasets/%s/%s`\n", taskID, metadataFileName)
	fmt.Fprintf(&b, "- Diagnostic report: `outputs/reports/%s/%s`\n", taskID, reportFileName)
	fmt.Fprintf(&b, "- Statistics: `outputs/reports/%s/%s`\n", taskID, statisticsFileName)
	return b.String()
}

// statInt reads a numeric entry regardless of whether the map came straight
// from the pipeline (int) or through a JSON round trip (float64).
func statInt(m map[string]any, key string) int {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
