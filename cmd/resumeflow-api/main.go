// resumeflow API — HTTP интерфейс запуска и просмотра runs.
//
// API:
//   - Принимает запуски (с ограничением частоты на сессию)
//   - Отдаёт состояние runs, результаты стадий, артефакты и сводки
//   - Без RabbitMQ сам продвигает runs и выполняет sweep
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

	"github.com/shaiso/resumeflow/internal/api"
	"github.com/shaiso/resumeflow/internal/app"
	"github.com/shaiso/resumeflow/internal/config"
	"github.com/shaiso/resumeflow/internal/poller"
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
	logger.Info("starting resumeflow-api")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, app.Options{Name: "resumeflow-api"}, logger)
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

	// Без RabbitMQ отдельного оркестратора нет: sweep выполняет API
	var sched *scheduler.Scheduler
	if a.Conn == nil && !cfg.Sweep.Disabled {
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

	handler := api.NewHandler(api.Config{
		Runs:      orch,
		Artifacts: a.Artifacts,
		Guard:     poller.NewSubmitGuard(cfg.SubmitInterval, nil),
		Ping:      a.Ping,
		Logger:    logger,
	})

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.APIAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if sched != nil {
		sched.Stop()
	}
	orch.Stop()

	logger.Info("resumeflow-api stopped")
}
