// The refinery API server. It owns the control API: task submission, the
// synchronous optimize path, task administration, knowledge loading,
// health, and metrics. Heavy lifting happens in the worker fleet; the
// server only runs the pipeline in process for small synchronous requests.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/refinery/internal/infra"
	"github.com/remiges-tech/refinery/internal/pg"
	"github.com/remiges-tech/refinery/knowledge"
	"github.com/remiges-tech/refinery/metrics"
	"github.com/remiges-tech/refinery/pipeline"
	"github.com/remiges-tech/refinery/router"
	"github.com/remiges-tech/refinery/service"
	"github.com/remiges-tech/refinery/tasks"
	"github.com/remiges-tech/refinery/webservices/health"
	"github.com/remiges-tech/refinery/webservices/optimize"
	"github.com/remiges-tech/refinery/webservices/taskadmin"
	"github.com/remiges-tech/refinery/wscutils"
)

const appName = "refinery-server"

// Message ids and error codes for failures produced by middleware, before
// any handler runs. Handler-level ids live with their webservice packages.
const (
	msgIDRequestTimeout = 1002
	msgIDTokenMissing   = 1010
	msgIDTokenFailed    = 1011
	msgIDTokenCache     = 1012
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := infra.LoadConfig("server")
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
	submitter := tasks.NewSubmitter(store, queue, cfg.BatchSize, lh)

	// The synchronous optimize path runs the pipeline in process, so the
	// server carries a workflow of its own, separate from the workers'.
	llmClient := infra.NewLLMClient(cfg, lh)
	embedder, err := infra.NewEmbedder(cfg)
	if err != nil {
		return err
	}
	corpus, err := knowledge.NewCorpus(embedder, lh)
	if err != nil {
		return err
	}
	wf := pipeline.NewWorkflow(llmClient, embedder, corpus, infra.WorkflowConfig(cfg), lh)
	sched := tasks.NewScheduler(store, wf, lh, infra.SchedulerConfig(cfg))

	mc, err := infra.NewMinioClient(cfg.Minio)
	if err != nil {
		return fmt.Errorf("failed to connect to object store: %w", err)
	}
	sink, err := infra.NewArtifactStore(ctx, cfg, mc, lh)
	if err != nil {
		return err
	}
	sched.SetArtifactSink(sink)

	registerErrorVocabulary()

	authmw, err := infra.LoadAuthMiddleware(cfg, appName)
	if err != nil {
		return err
	}
	r, err := router.SetupRouter(authmw != nil, router.NewLogHarbourAdapter(lh), authmw,
		time.Duration(cfg.RequestTimeoutSecs)*time.Second)
	if err != nil {
		return err
	}

	s := service.NewService(r).
		WithLogger(lh).
		WithDatabase(store).
		WithDependency("submitter", submitter).
		WithDependency("scheduler", sched).
		WithDependency("queue", queue).
		WithDependency("llm", llmClient).
		WithDependency("embedding_model", cfg.Embedding.Model)

	optimize.RegisterRoutes(s)
	taskadmin.RegisterRoutes(s)
	health.RegisterRoutes(s)

	pm := registerMetrics(r)
	go pollMetrics(ctx, cfg, pm, queue, store, lh)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: r}
	errCh := make(chan error, 1)
	go func() {
		lh.Info().LogActivity("API server listening", map[string]any{"port": cfg.Port})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		lh.Info().LogActivity("Shutting down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// registerErrorVocabulary wires the envelope's fallback ids and the
// middleware scenario ids so every error response speaks the same
// msgid/errcode language.
func registerErrorVocabulary() {
	wscutils.SetDefaultMsgID(9999)
	wscutils.SetDefaultErrCode("unknown")
	wscutils.SetValidationTagToMsgIDMap(map[string]int{
		"required": 1003,
		"min":      1004,
		"max":      1005,
	})
	wscutils.SetValidationTagToErrCodeMap(map[string]string{
		"required": "required",
		"min":      "too_small",
		"max":      "too_large",
	})

	router.RegisterMiddlewareMsgID(router.RequestTimeout, msgIDRequestTimeout)
	router.RegisterMiddlewareErrCode(router.RequestTimeout, "request_timeout")
	router.RegisterMiddlewareMsgID(router.TokenMissing, msgIDTokenMissing)
	router.RegisterMiddlewareErrCode(router.TokenMissing, "token_missing")
	router.RegisterMiddlewareMsgID(router.TokenVerificationFailed, msgIDTokenFailed)
	router.RegisterMiddlewareErrCode(router.TokenVerificationFailed, "token_verification_failed")
	router.RegisterMiddlewareMsgID(router.TokenCacheFailed, msgIDTokenCache)
	router.RegisterMiddlewareErrCode(router.TokenCacheFailed, "token_cache_failed")
}

func registerMetrics(r *gin.Engine) *metrics.PrometheusMetrics {
	pm := metrics.NewPrometheusMetrics()
	pm.Register("refinery_queue_depth", "Gauge", "Jobs waiting in the queue")
	pm.Register("refinery_knowledge_documents", "Gauge", "Documents in the shared knowledge corpus")
	pm.RegisterWithLabels("refinery_tasks", "Gauge", "Tasks by lifecycle status", []string{"status"})
	r.GET("/metrics", gin.WrapH(pm.Handler()))
	return pm
}

const metricsPollInterval = 15 * time.Second

// pollMetrics refreshes the gauges. Task counts come from the database/sql
// reporting provider when Postgres is configured, keeping the poller off
// the pgx pool serving requests; otherwise they come from the store itself.
func pollMetrics(ctx context.Context, cfg *infra.AppConfig, pm *metrics.PrometheusMetrics,
	queue *tasks.Queue, store infra.Store, lh *logharbour.Logger) {

	var reports *pg.Provider
	if cfg.DBDSN != "" {
		p, err := pg.NewProvider(ctx, cfg.DBDSN)
		if err != nil {
			lh.Error(err).LogActivity("Metrics reporting provider unavailable", nil)
		} else {
			reports = p
			defer reports.Close()
		}
	}

	ticker := time.NewTicker(metricsPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if depth, err := queue.Depth(ctx); err == nil {
			pm.Record("refinery_queue_depth", float64(depth))
		}

		if reports != nil {
			counts, err := reports.TaskCounts(ctx)
			if err != nil {
				continue
			}
			for _, status := range []string{"pending", "processing", "completed", "failed"} {
				pm.RecordWithLabels("refinery_tasks", float64(counts[status]), status)
			}
			if n, err := reports.KnowledgeCount(ctx); err == nil {
				pm.Record("refinery_knowledge_documents", float64(n))
			}
			continue
		}

		counts, err := store.CountByStatus(ctx)
		if err != nil {
			continue
		}
		pm.RecordWithLabels("refinery_tasks", float64(counts.Pending), "pending")
		pm.RecordWithLabels("refinery_tasks", float64(counts.Processing), "processing")
		pm.RecordWithLabels("refinery_tasks", float64(counts.Completed), "completed")
		pm.RecordWithLabels("refinery_tasks", float64(counts.Failed), "failed")
		if n, err := store.CountKnowledge(ctx); err == nil {
			pm.Record("refinery_knowledge_documents", float64(n))
		}
	}
}
