// The refinery worker. One process runs MAX_WORKERS worker loops; each
// loop owns its own pipeline workflow and knowledge corpus, pulls jobs off
// the shared queue, and commits batch results to the store. Workers
// register heartbeats so peers can re-enqueue tasks a crashed worker left
// behind.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/refinery/internal/infra"
	"github.com/remiges-tech/refinery/knowledge"
	"github.com/remiges-tech/refinery/metrics"
	"github.com/remiges-tech/refinery/pipeline"
	"github.com/remiges-tech/refinery/tasks"
)

const appName = "refinery-worker"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := infra.LoadConfig("worker")
	if err != nil {
		return err
	}
	lh := infra.NewLogger(appName)

	rclient := infra.NewRedisClient(cfg.Redis)
	defer rclient.Close()

	store, closeStore, err := infra.OpenStore(ctx, cfg, rclient, lh)
	if err != nil {
		return err
	}
	defer closeStore()

	queue := tasks.NewQueue(rclient, lh)
	registry := tasks.NewRegistry(rclient, lh, nil)

	mc, err := infra.NewMinioClient(cfg.Minio)
	if err != nil {
		return fmt.Errorf("failed to connect to object store: %w", err)
	}
	sink, err := infra.NewArtifactStore(ctx, cfg, mc, lh)
	if err != nil {
		return err
	}

	llmClient := infra.NewLLMClient(cfg, lh)
	embedder, err := infra.NewEmbedder(cfg)
	if err != nil {
		return err
	}

	if cfg.MetricsPort != "" {
		go serveMetrics(ctx, cfg, queue, lh)
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.MaxWorkers; i++ {
		corpus, err := knowledge.NewCorpus(embedder, lh)
		if err != nil {
			return err
		}
		if _, err := knowledge.LoadDir(ctx, corpus, cfg.KnowledgeDir, lh); err != nil {
			return fmt.Errorf("failed to bootstrap knowledge corpus: %w", err)
		}

		wf := pipeline.NewWorkflow(llmClient, embedder, corpus, infra.WorkflowConfig(cfg), lh)
		sched := tasks.NewScheduler(store, wf, lh, infra.SchedulerConfig(cfg))
		sched.SetArtifactSink(sink)
		w := tasks.NewWorker(store, store, queue, registry, sched, corpus, lh, nil)

		wg.Add(1)
		go func(w *tasks.Worker) {
			defer wg.Done()
			if err := w.RunWithContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
				lh.Error(err).LogActivity("Worker exited", map[string]any{"workerId": w.ID()})
			}
		}(w)
	}

	lh.Info().LogActivity("Worker fleet running", map[string]any{"workers": cfg.MaxWorkers})
	wg.Wait()
	lh.Info().LogActivity("Worker fleet stopped", nil)
	return nil
}

// serveMetrics exposes the worker-side gauges on METRICS_PORT. The API
// server publishes task counts already, so the worker only reports what it
// sees: queue depth and its own fleet size.
func serveMetrics(ctx context.Context, cfg *infra.AppConfig, queue *tasks.Queue, lh *logharbour.Logger) {
	pm := metrics.NewPrometheusMetrics()
	pm.Register("refinery_workers", "Gauge", "Worker loops running in this process")
	pm.Register("refinery_queue_depth", "Gauge", "Jobs waiting in the queue")
	pm.Record("refinery_workers", float64(cfg.MaxWorkers))

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if depth, err := queue.Depth(ctx); err == nil {
					pm.Record("refinery_queue_depth", float64(depth))
				}
			}
		}
	}()

	if err := pm.StartMetricsServer(cfg.MetricsPort); err != nil {
		lh.Error(err).LogActivity("Metrics server stopped", nil)
	}
}
