// The refinery ingest daemon. It watches drop directories for dataset and
// knowledge files, submits optimization tasks for datasets, loads
// knowledge documents into the shared corpus table, and archives processed
// files to the object store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/remiges-tech/refinery/artifacts"
	"github.com/remiges-tech/refinery/ingest"
	"github.com/remiges-tech/refinery/internal/infra"
	"github.com/remiges-tech/refinery/tasks"
)

const appName = "refinery-ingestd"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := infra.LoadConfig("ingestd")
	if err != nil {
		return err
	}
	lh := infra.NewLogger(appName)

	if len(cfg.Ingest.WatchDirs) == 0 {
		return errors.New("no watch directories configured, set INGEST_WATCH_DIRS")
	}

	rclient := infra.NewRedisClient(cfg.Redis)
	defer rclient.Close()

	store, closeStore, err := infra.OpenStore(ctx, cfg, rclient, lh)
	if err != nil {
		return err
	}
	defer closeStore()

	queue := tasks.NewQueue(rclient, lh)
	submitter := tasks.NewSubmitter(store, queue, cfg.BatchSize, lh)

	// Archiving is optional: without an object store processed files are
	// deleted after submission instead of moved to a bucket.
	var objStore artifacts.ObjectStore
	mc, err := infra.NewMinioClient(cfg.Minio)
	if err != nil {
		return fmt.Errorf("failed to connect to object store: %w", err)
	}
	if mc != nil {
		for _, bucket := range []string{ingest.DefaultIncomingBucket, ingest.DefaultFailedBucket} {
			if err := artifacts.EnsureBucket(ctx, mc, bucket); err != nil {
				return err
			}
		}
		objStore = artifacts.NewMinioObjectStore(mc)
	}

	dropBox := ingest.NewDropBoxServer(submitter, store, objStore, lh, ingest.DropBoxConfig{})
	daemon := ingest.NewIngestd(ingest.Config{
		WatchDirs: cfg.Ingest.WatchDirs,
		FileTypeMap: []ingest.FileTypeMapping{
			{Path: "**/*.json", Type: ingest.FileTypeDataset},
			{Path: "**/*.txt", Type: ingest.FileTypeKnowledge},
			{Path: "**/*.md", Type: ingest.FileTypeKnowledge},
		},
		SleepInterval: time.Duration(cfg.Ingest.SleepSecs) * time.Second,
		FileAgeSecs:   cfg.Ingest.FileAgeSecs,
	}, dropBox, lh)

	if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
