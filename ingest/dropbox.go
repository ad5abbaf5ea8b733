// Package ingest watches drop directories for dataset and knowledge files,
// validates them, and feeds them into the optimization pipeline. Processed
// files are archived to an object store bucket; rejected files land in a
// failed bucket for inspection.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/refinery/artifacts"
	"github.com/remiges-tech/refinery/pipeline"
	"github.com/remiges-tech/refinery/tasks"
)

// File types the drop box understands.
const (
	FileTypeDataset   = "dataset"
	FileTypeKnowledge = "knowledge"
)

// Default archive buckets.
const (
	DefaultIncomingBucket = "refinery-incoming"
	DefaultFailedBucket   = "refinery-failed"
)

const defaultMaxObjectIDLength = 200

// TaskSubmitter places a validated dataset drop on the task pipeline.
type TaskSubmitter interface {
	Submit(ctx context.Context, taskID string, payload *tasks.JobPayload) (*tasks.Task, error)
}

// KnowledgeSink stores shared corpus documents pulled from knowledge drops.
type KnowledgeSink interface {
	AddKnowledge(ctx context.Context, texts []string, source string) (int, error)
}

// DropBoxConfig holds configuration for drop file processing.
type DropBoxConfig struct {
	IncomingBucket    string
	FailedBucket      string
	MaxObjectIDLength int
}

// DropBoxServer validates drop files, submits their content, and archives
// the originals. A nil object store disables archiving.
type DropBoxServer struct {
	submitter TaskSubmitter
	ksink     KnowledgeSink
	objStore  artifacts.ObjectStore
	logger    *logharbour.Logger
	config    DropBoxConfig
}

func NewDropBoxServer(submitter TaskSubmitter, ksink KnowledgeSink, objStore artifacts.ObjectStore, logger *logharbour.Logger, config DropBoxConfig) *DropBoxServer {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if config.IncomingBucket == "" {
		config.IncomingBucket = DefaultIncomingBucket
	}
	if config.FailedBucket == "" {
		config.FailedBucket = DefaultFailedBucket
	}
	if config.MaxObjectIDLength == 0 {
		config.MaxObjectIDLength = defaultMaxObjectIDLength
	}
	return &DropBoxServer{
		submitter: submitter,
		ksink:     ksink,
		objStore:  objStore,
		logger:    logger,
		config:    config,
	}
}

// ProcessFile handles one drop file. Dataset files become submitted tasks
// and the returned id is the new task's; knowledge files are stored for the
// workers and return an empty id. The original is archived to the incoming
// bucket on success and to the failed bucket on a validation failure.
func (d *DropBoxServer) ProcessFile(ctx context.Context, contents []byte, filename, fileType string) (string, error) {
	var taskID string
	var err error

	switch fileType {
	case FileTypeDataset:
		taskID, err = d.processDataset(ctx, contents, filename)
	case FileTypeKnowledge:
		err = d.processKnowledge(ctx, contents, filename)
	default:
		return "", fmt.Errorf("no handler registered for file type: %s", fileType)
	}

	if err != nil {
		if archiveErr := d.archive(ctx, d.config.FailedBucket, contents, filename); archiveErr != nil {
			d.logger.Warn().LogActivity("Failed to archive rejected file", map[string]any{
				"filename": filename,
				"error":    archiveErr.Error(),
			})
		}
		return "", err
	}

	if err := d.archive(ctx, d.config.IncomingBucket, contents, filename); err != nil {
		// the content is already submitted; losing the archive copy is
		// not worth failing the drop over
		d.logger.Warn().LogActivity("Failed to archive processed file", map[string]any{
			"filename": filename,
			"error":    err.Error(),
		})
	}
	return taskID, nil
}

func (d *DropBoxServer) processDataset(ctx context.Context, contents []byte, filename string) (string, error) {
	payload, err := ParseDatasetFile(contents)
	if err != nil {
		return "", fmt.Errorf("dataset file %s rejected: %w", filename, err)
	}
	task, err := d.submitter.Submit(ctx, "", payload)
	if err != nil {
		return "", fmt.Errorf("failed to submit dataset file %s: %w", filename, err)
	}
	d.logger.Info().LogActivity("Dataset file submitted", map[string]any{
		"filename":    filename,
		"taskId":      task.TaskID,
		"datasetSize": len(payload.Dataset),
	})
	return task.TaskID, nil
}

func (d *DropBoxServer) processKnowledge(ctx context.Context, contents []byte, filename string) error {
	docs, err := ParseKnowledgeFile(contents)
	if err != nil {
		return fmt.Errorf("knowledge file %s rejected: %w", filename, err)
	}
	added, err := d.ksink.AddKnowledge(ctx, docs, "ingest:"+filepath.Base(filename))
	if err != nil {
		return fmt.Errorf("failed to store knowledge from %s: %w", filename, err)
	}
	d.logger.Info().LogActivity("Knowledge file loaded", map[string]any{
		"filename": filename,
		"docs":     added,
	})
	return nil
}

// datasetEnvelope is the object form of a dataset drop file. A bare JSON
// array of records is also accepted.
type datasetEnvelope struct {
	Dataset     []pipeline.Record  `json:"dataset"`
	Knowledge   []string           `json:"knowledge_base,omitempty"`
	Guidance    *pipeline.Guidance `json:"optimization_guidance,omitempty"`
	SaveReports bool               `json:"save_reports"`
}

// ParseDatasetFile converts a dataset drop file into a task payload. The
// file must be JSON: either a bare array of records or an envelope with a
// dataset field plus optional knowledge, guidance, and save_reports.
func ParseDatasetFile(contents []byte) (*tasks.JobPayload, error) {
	if !mimetype.Detect(contents).Is("application/json") {
		return nil, fmt.Errorf("not a JSON file")
	}

	trimmed := bytes.TrimLeftFunc(contents, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' })
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var dataset []pipeline.Record
		if err := json.Unmarshal(contents, &dataset); err != nil {
			return nil, fmt.Errorf("invalid record array: %w", err)
		}
		if len(dataset) == 0 {
			return nil, fmt.Errorf("contains no records")
		}
		return &tasks.JobPayload{Dataset: dataset}, nil
	}

	var env datasetEnvelope
	if err := json.Unmarshal(contents, &env); err != nil {
		return nil, fmt.Errorf("invalid dataset envelope: %w", err)
	}
	if len(env.Dataset) == 0 {
		return nil, fmt.Errorf("envelope has no dataset records")
	}
	return &tasks.JobPayload{
		Dataset:     env.Dataset,
		Knowledge:   env.Knowledge,
		Guidance:    env.Guidance,
		SaveReports: env.SaveReports,
	}, nil
}

// ParseKnowledgeFile extracts corpus documents from a knowledge drop file:
// a JSON array of strings, or any plain-text file taken as one document.
func ParseKnowledgeFile(contents []byte) ([]string, error) {
	mtype := mimetype.Detect(contents)
	switch {
	case mtype.Is("application/json"):
		var docs []string
		if err := json.Unmarshal(contents, &docs); err != nil {
			return nil, fmt.Errorf("invalid document array: %w", err)
		}
		if len(docs) == 0 {
			return nil, fmt.Errorf("contains no documents")
		}
		return docs, nil
	case mtype.Is("text/plain"):
		text := strings.TrimSpace(string(contents))
		if text == "" {
			return nil, fmt.Errorf("file is empty")
		}
		return []string{text}, nil
	default:
		return nil, fmt.Errorf("unsupported content type %s", mtype.String())
	}
}

// archive stores a drop file copy in the given bucket.
func (d *DropBoxServer) archive(ctx context.Context, bucket string, contents []byte, filename string) error {
	if d.objStore == nil {
		return nil
	}
	objectID := d.generateObjectID(filename)
	contentType := detectContentType(contents, filename)
	if err := d.objStore.Put(ctx, bucket, objectID, bytes.NewReader(contents), int64(len(contents)), contentType); err != nil {
		return fmt.Errorf("failed to store %s in bucket %s: %w", objectID, bucket, err)
	}
	return nil
}

// generateObjectID creates a unique object ID for storing in the object
// store, keeping it within the configured length limit.
func (d *DropBoxServer) generateObjectID(filename string) string {
	sanitized := sanitizeFilename(filename)
	timestamp := time.Now().Format("20060102-150405")
	uniqueID := uuid.NewString()

	maxSanitizedLength := d.config.MaxObjectIDLength - len(timestamp) - len(uniqueID) - 2
	if maxSanitizedLength < 0 {
		maxSanitizedLength = 0
	}
	if len(sanitized) > maxSanitizedLength {
		sanitized = sanitized[:maxSanitizedLength]
	}

	objectID := fmt.Sprintf("%s_%s_%s", sanitized, timestamp, uniqueID)
	if len(objectID) > d.config.MaxObjectIDLength {
		excess := len(objectID) - d.config.MaxObjectIDLength
		uniqueID = uniqueID[:len(uniqueID)-excess]
		objectID = fmt.Sprintf("%s_%s_%s", sanitized, timestamp, uniqueID)
	}
	return objectID
}

// sanitizeFilename replaces characters that are problematic in object keys.
func sanitizeFilename(filename string) string {
	replacer := strings.NewReplacer(" ", "_", "/", "_", "\\", "_", ":", "_", "*", "_", "?", "_", "\"", "_", "<", "_", ">", "_", "|", "_")
	sanitized := replacer.Replace(filepath.Base(filename))
	const maxLength = 100
	if len(sanitized) > maxLength {
		sanitized = sanitized[:maxLength]
	}
	return sanitized
}

// detectContentType determines the content type of the file, refining
// generic detections by extension.
func detectContentType(contents []byte, filename string) string {
	detected := mimetype.Detect(contents).String()
	if detected == "application/octet-stream" || strings.HasPrefix(detected, "text/plain") {
		switch strings.ToLower(filepath.Ext(filename)) {
		case ".json":
			return "application/json"
		case ".csv":
			return "text/csv"
		case ".txt", ".md":
			return "text/plain"
		}
	}
	return detected
}
