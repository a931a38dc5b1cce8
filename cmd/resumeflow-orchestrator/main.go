// resumeflow Orchestrator — продвигает runs по стадиям pipeline.
//
// Orchestrator:
//   - Читает run.advance из RabbitMQ и выполняет одну стадию на сообщение
//   - Сохраняет результаты стадий и финализирует runs
//   - По расписанию переотправляет зависшие runs и завершает просроченные
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/shaiso/resumeflow/internal/app"
	"github.com/shaiso/resumeflow/internal/config"
	"github.com/shaiso/resumeflow/internal/scheduler"
	"github.com/shaiso/resumeflow/internal/telemetry"
)

func main() {
	configPath := pflag.String("config", "", "Path to YAML config (default: $"+config.EnvConfigFile+")")
	pflag.Parse()

	logger := telemetry.SetupLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = telemetry.NewLogger(os.Stdout, telemetry.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	logger.Info("starting resumeflow-orchestrator")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.UseMemoryStores() {
		logger.Warn("orchestrator uses in-memory stores: runs started through the API are not visible here")
	}

	a, err := app.New(ctx, cfg, app.Options{Consume: true, Name: "resumeflow-orchestrator"}, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	orch := a.Orchestrator
	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	var sched *scheduler.Scheduler
	if !cfg.Sweep.Disabled {
		sched, err = a.NewScheduler()
		if err != nil {
			logger.Error("failed to create scheduler", "error", err)
			os.Exit(1)
		}
		if err := sched.Start(ctx); err != nil {
			logger.Error("failed to start scheduler", "error", err)
			os.Exit(1)
		}
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, pingCancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer pingCancel()
		if err := a.Ping(pingCtx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.MetricsAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	if sched != nil {
		sched.Stop()
	}
	orch.Stop()
	logger.Info("resumeflow-orchestrator stopped")
}
