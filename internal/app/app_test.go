package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shaiso/resumeflow/internal/artifact"
	"github.com/shaiso/resumeflow/internal/config"
	"github.com/shaiso/resumeflow/internal/stages"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func localConfig() *config.Config {
	return &config.Config{
		APIPort:        8080,
		MetricsPort:    8083,
		SubmitInterval: 10 * time.Second,
		Sweep:          config.SweepConfig{Spec: "@every 30s", StaleAfter: time.Minute},
		Worker:         config.WorkerConfig{LocalWorkers: 2, Prefetch: 1},
	}
}

// --- LoadPipeline Tests ---

func TestLoadPipeline_Default(t *testing.T) {
	p, err := LoadPipeline(localConfig(), stages.IsKnownOperation)
	if err != nil {
		t.Fatalf("LoadPipeline: %v", err)
	}
	if p.Len() != 7 {
		t.Errorf("expected 7 stages, got %d", p.Len())
	}
	if p.RunTimeout() != 15*time.Minute {
		t.Errorf("RunTimeout = %v, want 15m", p.RunTimeout())
	}
}

func TestLoadPipeline_RunTimeoutOverride(t *testing.T) {
	cfg := localConfig()
	cfg.RunTimeout = 20 * time.Minute

	p, err := LoadPipeline(cfg, stages.IsKnownOperation)
	if err != nil {
		t.Fatalf("LoadPipeline: %v", err)
	}
	if p.RunTimeout() != 20*time.Minute {
		t.Errorf("RunTimeout = %v, want 20m", p.RunTimeout())
	}
}

func TestLoadPipeline_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	spec := `name: merge-only
version: 3
stages:
  - id: save_results
    type: task
    operation: merge_results
`
	if err := os.WriteFile(path, []byte(spec), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := localConfig()
	cfg.PipelineFile = path

	p, err := LoadPipeline(cfg, stages.IsKnownOperation)
	if err != nil {
		t.Fatalf("LoadPipeline: %v", err)
	}
	if p.Name() != "merge-only" || p.Version() != 3 || p.Len() != 1 {
		t.Errorf("unexpected pipeline %s v%d (%d stages)", p.Name(), p.Version(), p.Len())
	}
}

func TestLoadPipeline_Invalid(t *testing.T) {
	cfg := localConfig()
	cfg.PipelineFile = filepath.Join(t.TempDir(), "missing.yaml")

	if _, err := LoadPipeline(cfg, stages.IsKnownOperation); err == nil {
		t.Error("expected error for missing pipeline file")
	}
}

// --- App Tests ---

func TestNew_LocalMode(t *testing.T) {
	a, err := New(context.Background(), localConfig(), Options{Consume: true}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.Pool != nil || a.Conn != nil {
		t.Error("expected no database and no RabbitMQ in local mode")
	}
	if _, ok := a.Artifacts.(*artifact.MemoryStore); !ok {
		t.Errorf("expected memory artifact store, got %T", a.Artifacts)
	}
	if a.Orchestrator.Pipeline().Len() != 7 {
		t.Errorf("unexpected pipeline length %d", a.Orchestrator.Pipeline().Len())
	}
	if err := a.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}

	sched, err := a.NewScheduler()
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	stats, err := sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if stats.Redispatched != 0 || stats.TimedOut != 0 {
		t.Errorf("unexpected sweep stats on empty store: %+v", stats)
	}
}

func TestNew_InvalidLLMConfig(t *testing.T) {
	cfg := localConfig()
	cfg.LLM.Endpoint = "http://llm:8000/v1"

	if _, err := New(context.Background(), cfg, Options{}, testLogger()); err == nil {
		t.Error("expected error for llm endpoint without model")
	}
}
