package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/remiges-tech/refinery/config"
	"github.com/remiges-tech/rigel/etcd"
)

func TestNewRigelClient(t *testing.T) {
	etcdEndpoints := "localhost:2379"
	rigelClient, err := config.NewRigelClient(etcdEndpoints, "refinery", "server", 1, "dev")

	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if rigelClient == nil {
		t.Fatalf("Expected rigelClient to be not nil")
	}

	etcdStorage, ok := rigelClient.Storage.(*etcd.EtcdStorage)
	if !ok {
		t.Fatalf("Expected Storage to be of type *etcd.EtcdStorage")
	}

	if len(etcdStorage.Client.Endpoints()) == 0 || etcdStorage.Client.Endpoints()[0] != etcdEndpoints {
		t.Fatalf("Expected etcdStorage.Client.Endpoints()[0] to be %v, got %v", etcdEndpoints, etcdStorage.Client.Endpoints()[0])
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.json")
	contents := `{"app_name": "refinery", "batch_size": 50, "llm_model": "gpt-4o-mini"}`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	var appConfig struct {
		AppName   string `json:"app_name"`
		BatchSize int    `json:"batch_size"`
		LLMModel  string `json:"llm_model"`
	}
	if err := config.LoadConfigFromFile(path, &appConfig); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if appConfig.AppName != "refinery" {
		t.Errorf("Expected app_name refinery, got %v", appConfig.AppName)
	}
	if appConfig.BatchSize != 50 {
		t.Errorf("Expected batch_size 50, got %v", appConfig.BatchSize)
	}

	if err := config.LoadConfigFromFile("", &appConfig); err == nil {
		t.Error("Expected an error for an empty file path")
	}
}

func TestEnvLoadConfig(t *testing.T) {
	t.Setenv("BATCH_SIZE", "25")
	t.Setenv("LLM_MODEL", "gpt-4o-mini")
	t.Setenv("RAG_CONFIDENCE_THRESHOLD", "0.9")
	t.Setenv("RAG_ENABLE_SELF_CORRECTION", "false")
	t.Setenv("ETCD_ENDPOINTS", "one:2379, two:2379")

	appConfig := struct {
		BatchSize  int    `json:"batch_size"`
		MaxWorkers int    `json:"max_workers"`
		LLMModel   string `json:"llm_model"`
		RAG        struct {
			ConfidenceThreshold  float64 `json:"confidence_threshold"`
			EnableSelfCorrection bool    `json:"enable_self_correction"`
		} `json:"rag"`
		EtcdEndpoints []string `json:"etcd_endpoints"`
	}{BatchSize: 50, MaxWorkers: 4}

	if err := config.Load(&config.Env{}, &appConfig); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if appConfig.BatchSize != 25 {
		t.Errorf("Expected batch_size override 25, got %v", appConfig.BatchSize)
	}
	if appConfig.MaxWorkers != 4 {
		t.Errorf("Expected unset max_workers to keep its default, got %v", appConfig.MaxWorkers)
	}
	if appConfig.LLMModel != "gpt-4o-mini" {
		t.Errorf("Expected llm_model gpt-4o-mini, got %v", appConfig.LLMModel)
	}
	if appConfig.RAG.ConfidenceThreshold != 0.9 {
		t.Errorf("Expected rag confidence 0.9, got %v", appConfig.RAG.ConfidenceThreshold)
	}
	if appConfig.RAG.EnableSelfCorrection {
		t.Error("Expected rag self correction to be disabled")
	}
	if len(appConfig.EtcdEndpoints) != 2 || appConfig.EtcdEndpoints[1] != "two:2379" {
		t.Errorf("Expected two trimmed endpoints, got %v", appConfig.EtcdEndpoints)
	}
}

func TestEnvLoadConfigRejectsBadValue(t *testing.T) {
	t.Setenv("BATCH_SIZE", "many")

	var appConfig struct {
		BatchSize int `json:"batch_size"`
	}
	err := config.Load(&config.Env{}, &appConfig)
	if err == nil {
		t.Fatal("Expected an error for a non-numeric BATCH_SIZE")
	}
}

func TestEnvGet(t *testing.T) {
	t.Setenv("REFINERY_MODE", "guided")

	e := &config.Env{Prefix: "REFINERY"}
	value, err := e.Get("mode")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if value != "guided" {
		t.Errorf("Expected guided, got %v", value)
	}

	_, err = e.Get("absent")
	var notFound *config.KeyNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Expected KeyNotFoundError, got %v", err)
	}
}

func TestFileGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.json")
	contents := `{"llm_model": "gpt-4o-mini", "batch_size": 50}`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	f := &config.File{ConfigFilePath: path}

	value, err := f.Get("llm_model")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if value != "gpt-4o-mini" {
		t.Errorf("Expected gpt-4o-mini, got %v", value)
	}

	value, err = f.Get("batch_size")
	var notString *config.ValueNotStringError
	if !errors.As(err, &notString) {
		t.Fatalf("Expected ValueNotStringError, got %v", err)
	}
	if value != "50" {
		t.Errorf("Expected stringified 50, got %v", value)
	}

	_, err = f.Get("missing")
	var notFound *config.KeyNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Expected KeyNotFoundError, got %v", err)
	}
}
