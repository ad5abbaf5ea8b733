// Package infra assembles the runtime pieces shared by the refinery
// binaries: configuration, logging, the task store, Redis, the object
// store, the model clients, and the optional auth middleware. Each binary
// picks the pieces it needs; nothing here starts serving by itself.
package infra

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/refinery/artifacts"
	"github.com/remiges-tech/refinery/config"
	"github.com/remiges-tech/refinery/knowledge"
	"github.com/remiges-tech/refinery/llm"
	"github.com/remiges-tech/refinery/logger"
	"github.com/remiges-tech/refinery/pipeline"
	"github.com/remiges-tech/refinery/router"
	"github.com/remiges-tech/refinery/tasks"
)

// RedisConfig locates the Redis instance carrying the queue, the worker
// registry, and the task cache.
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// RAGConfig tunes the verification stage.
type RAGConfig struct {
	RetrievalTopK        int     `json:"retrieval_top_k"`
	ConfidenceThreshold  float64 `json:"confidence_threshold"`
	EnableSelfCorrection bool    `json:"enable_self_correction"`
}

// LLMConfig locates the chat-completions endpoint.
type LLMConfig struct {
	APIKey      string `json:"api_key"`
	BaseURL     string `json:"base_url"`
	Model       string `json:"model"`
	TimeoutSecs int    `json:"timeout_secs"`
	RetryLimit  int    `json:"retry_limit"`
}

// EmbeddingConfig locates the embeddings endpoint. An empty APIKey falls
// back to the LLM key, and an empty BaseURL to the embedder's default.
type EmbeddingConfig struct {
	APIKey    string `json:"api_key"`
	BaseURL   string `json:"base_url"`
	Model     string `json:"model"`
	CacheSize int    `json:"cache_size"`
}

// MinioConfig locates the object store. An empty Endpoint disables
// artifact mirroring and ingest archiving.
type MinioConfig struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	UseSSL    bool   `json:"use_ssl"`
}

// IngestConfig tunes the drop-directory daemon.
type IngestConfig struct {
	WatchDirs   []string `json:"watch_dirs"`
	SleepSecs   int      `json:"sleep_secs"`
	FileAgeSecs int      `json:"file_age_secs"`
}

// AuthConfig selects the API auth mode: "" (open), "oidc", or "hs256".
type AuthConfig struct {
	Mode        string `json:"mode"`
	ClientID    string `json:"client_id"`
	ProviderURL string `json:"provider_url"`
	Secret      string `json:"secret"`
	CacheSecs   int    `json:"cache_secs"`
}

// AppConfig is the configuration shared by the refinery binaries. The Env
// source reads each field from the variable named after its json tag in
// upper snake case, with nested structs joined by underscores, so
// rag.retrieval_top_k is RAG_RETRIEVAL_TOP_K and llm.api_key is
// LLM_API_KEY.
type AppConfig struct {
	Port               int    `json:"port"`
	RequestTimeoutSecs int    `json:"request_timeout_secs"`
	MetricsPort        string `json:"metrics_port"`

	// DBDSN is the Postgres connection string. Empty selects the
	// in-memory store: task state is then process local.
	DBDSN string `json:"db_dsn"`

	Redis RedisConfig `json:"redis"`

	BatchSize      int `json:"batch_size"`
	MaxWorkers     int `json:"max_workers"`
	TaskTimeout    int `json:"task_timeout"`
	TaskRetryLimit int `json:"task_retry_limit"`

	RAG       RAGConfig       `json:"rag"`
	LLM       LLMConfig       `json:"llm"`
	Embedding EmbeddingConfig `json:"embedding"`

	OutputDir      string `json:"output_dir"`
	ArtifactBucket string `json:"artifact_bucket"`
	KnowledgeDir   string `json:"knowledge_dir"`

	Minio  MinioConfig  `json:"minio"`
	Ingest IngestConfig `json:"ingest"`
	Auth   AuthConfig   `json:"auth"`
}

// DefaultConfig returns the configuration the binaries start from before
// the selected source overrides it.
func DefaultConfig() AppConfig {
	return AppConfig{
		Port:               8001,
		RequestTimeoutSecs: 60,
		Redis:              RedisConfig{Host: "localhost", Port: 6379},
		BatchSize:          50,
		MaxWorkers:         4,
		TaskTimeout:        3600,
		TaskRetryLimit:     3,
		RAG: RAGConfig{
			RetrievalTopK:        5,
			ConfidenceThreshold:  0.8,
			EnableSelfCorrection: true,
		},
		LLM: LLMConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4",
			TimeoutSecs: 120,
			RetryLimit:  3,
		},
		Embedding: EmbeddingConfig{
			Model:     "text-embedding-3-small",
			CacheSize: 10000,
		},
		OutputDir:      "./outputs",
		ArtifactBucket: artifacts.DefaultBucket,
		Ingest: IngestConfig{
			SleepSecs:   10,
			FileAgeSecs: 5,
		},
		Auth: AuthConfig{CacheSecs: 30},
	}
}

// LoadConfig builds the configuration for one binary. CONFIG_SOURCE picks
// the source: "env" (the default) reads the process environment, "file"
// reads the JSON file named by CONFIG_FILE, and "rigel" loads the schema
// from etcd at RIGEL_ETCD_ENDPOINTS. module names the binary in the Rigel
// schema tree.
func LoadConfig(module string) (*AppConfig, error) {
	cfg := DefaultConfig()

	var source config.Config
	switch src := os.Getenv("CONFIG_SOURCE"); src {
	case "", "env":
		source = &config.Env{}
	case "file":
		path := os.Getenv("CONFIG_FILE")
		if path == "" {
			path = "./config.json"
		}
		source = &config.File{ConfigFilePath: path}
	case "rigel":
		version := 1
		if v := os.Getenv("RIGEL_SCHEMA_VERSION"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid RIGEL_SCHEMA_VERSION: %w", err)
			}
			version = parsed
		}
		configName := os.Getenv("RIGEL_CONFIG_NAME")
		if configName == "" {
			configName = "dev"
		}
		client, err := config.NewRigelClient(os.Getenv("RIGEL_ETCD_ENDPOINTS"),
			"refinery", module, version, configName)
		if err != nil {
			return nil, err
		}
		source = &config.Rigel{Client: client}
	default:
		return nil, fmt.Errorf("unknown CONFIG_SOURCE %q", src)
	}

	if err := config.Load(source, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return &cfg, nil
}

// NewLogger builds the process logger writing NDJSON to stdout. Setting
// LOG_LEVEL=debug lowers the context's minimum priority to Debug2.
func NewLogger(appName string) *logharbour.Logger {
	priority := logharbour.DefaultPriority
	if os.Getenv("LOG_LEVEL") == "debug" {
		priority = logharbour.Debug2
	}
	fallbackWriter := logharbour.NewFallbackWriter(os.Stdout, os.Stdout)
	lctx := logharbour.NewLoggerContext(priority)
	return logharbour.NewLogger(lctx, appName, fallbackWriter)
}

// NewRedisClient connects the go-redis client used by the queue, the
// registry, and the task cache.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Store is what the binaries need from the task store: task rows plus the
// shared knowledge corpus.
type Store interface {
	tasks.TaskStore
	tasks.KnowledgeStore
}

// OpenStore connects to Postgres when a DSN is configured, running the
// embedded migrations first. Without a DSN it falls back to the in-memory
// store.
func OpenStore(ctx context.Context, cfg *AppConfig, rclient *redis.Client, lh *logharbour.Logger) (Store, func(), error) {
	if cfg.DBDSN == "" {
		lh.Warn().LogActivity("No database configured, using in-memory task store", nil)
		return tasks.NewMemStore(), func() {}, nil
	}

	conn, err := pgx.Connect(ctx, cfg.DBDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := tasks.MigrateDatabase(ctx, conn); err != nil {
		_ = conn.Close(ctx)
		return nil, nil, err
	}
	if err := conn.Close(ctx); err != nil {
		return nil, nil, err
	}

	pool, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return tasks.NewPgStore(pool, rclient, lh, nil), pool.Close, nil
}

// NewMinioClient connects to the object store, or returns nil when no
// endpoint is configured.
func NewMinioClient(cfg MinioConfig) (*minio.Client, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
}

// NewArtifactStore builds the outputs-tree writer, mirroring to the object
// store when a Minio client is present.
func NewArtifactStore(ctx context.Context, cfg *AppConfig, mc *minio.Client, lh *logharbour.Logger) (*artifacts.Store, error) {
	var objstore artifacts.ObjectStore
	if mc != nil {
		if err := artifacts.EnsureBucket(ctx, mc, cfg.ArtifactBucket); err != nil {
			return nil, err
		}
		objstore = artifacts.NewMinioObjectStore(mc)
	}
	return artifacts.NewStore(artifacts.Config{
		OutputDir: cfg.OutputDir,
		Bucket:    cfg.ArtifactBucket,
	}, objstore, lh)
}

// NewLLMClient builds the chat-completions client the pipeline generates
// with.
func NewLLMClient(cfg *AppConfig, lh *logharbour.Logger) llm.Client {
	return llm.NewOpenAIClient(llm.Config{
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		Model:      cfg.LLM.Model,
		TimeoutSec: cfg.LLM.TimeoutSecs,
		RetryLimit: cfg.LLM.RetryLimit,
	}, lh)
}

// NewEmbedder builds the embeddings client behind the knowledge corpus.
func NewEmbedder(cfg *AppConfig) (knowledge.Embedder, error) {
	apiKey := cfg.Embedding.APIKey
	if apiKey == "" {
		apiKey = cfg.LLM.APIKey
	}
	return knowledge.NewEmbedder(knowledge.EmbedderConfig{
		APIKey:    apiKey,
		BaseURL:   cfg.Embedding.BaseURL,
		Model:     cfg.Embedding.Model,
		CacheSize: cfg.Embedding.CacheSize,
	})
}

// WorkflowConfig maps the RAG settings onto the pipeline tunables.
func WorkflowConfig(cfg *AppConfig) pipeline.WorkflowConfig {
	return pipeline.WorkflowConfig{
		Verify: pipeline.VerifyConfig{
			TopK:                 cfg.RAG.RetrievalTopK,
			ConfidenceThreshold:  cfg.RAG.ConfidenceThreshold,
			EnableSelfCorrection: cfg.RAG.EnableSelfCorrection,
		},
	}
}

// SchedulerConfig maps the task tunables onto the batch scheduler.
func SchedulerConfig(cfg *AppConfig) tasks.SchedulerConfig {
	return tasks.SchedulerConfig{
		BatchSize:   cfg.BatchSize,
		TaskTimeout: time.Duration(cfg.TaskTimeout) * time.Second,
		RetryLimit:  cfg.TaskRetryLimit,
	}
}

// LoadAuthMiddleware builds the bearer-auth middleware for the configured
// mode, or returns nil when auth is off. Verified tokens are cached in
// Redis for AUTH_CACHE_SECS.
func LoadAuthMiddleware(cfg *AppConfig, appName string) (*router.AuthMiddleware, error) {
	if cfg.Auth.Mode == "" || cfg.Auth.Mode == "off" {
		return nil, nil
	}

	cache := router.NewRedisTokenCache(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB,
		time.Duration(cfg.Auth.CacheSecs)*time.Second)
	l := logger.LoadLogger(appName)

	switch cfg.Auth.Mode {
	case "oidc":
		return router.LoadAuthMiddleware(cfg.Auth.ClientID, cfg.Auth.ProviderURL, cache, l)
	case "hs256":
		return router.LoadHS256Middleware(cfg.Auth.Secret, cache, l)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}
}
