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

	"reel-server/internal/app"
	"reel-server/internal/config"
	"reel-server/internal/logger"
	"reel-server/internal/messaging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig(".env")
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.StoreBackend != "postgres" {
		fmt.Println("The worker needs STORE_BACKEND=postgres to share state with the server")
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.LogLevel,
		Encoding:   cfg.LogEncoding,
		OutputPath: cfg.LogOutputPath,
		Service:    "reel-worker",
		Env:        cfg.Env,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	metricsSrv := startMetricsServer(cfg.WorkerMetricsPort, log)

	topology := messaging.Topology{
		TaskQueue:          cfg.GenerationTaskQueue,
		DeadLetterExchange: cfg.DeadLetterExchange,
		DeadLetterQueue:    cfg.DeadLetterQueue,
	}
	conn, err := messaging.Connect(cfg.RabbitMQURL, 20, 3*time.Second, log)
	if err != nil {
		log.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer conn.Close()

	publisher, err := messaging.NewTaskPublisher(conn, topology, log)
	if err != nil {
		log.Fatal("Failed to create task publisher", zap.Error(err))
	}
	defer publisher.Close()

	setupCtx, setupCancel := context.WithTimeout(context.Background(), time.Minute)
	a, err := app.New(setupCtx, cfg, publisher, log)
	setupCancel()
	if err != nil {
		log.Fatal("Failed to initialize application", zap.Error(err))
	}
	defer a.Close()

	consumer, err := messaging.NewTaskConsumer(conn, topology, cfg.WorkerConcurrency, a.Service.ExecuteTask, log)
	if err != nil {
		log.Fatal("Failed to create task consumer", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Worker started",
		zap.String("queue", cfg.GenerationTaskQueue),
		zap.Int("concurrency", cfg.WorkerConcurrency),
	)
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Task consumer stopped with error", zap.Error(err))
	}

	log.Info("Shutting down worker...")
	if err := consumer.Close(); err != nil {
		log.Warn("Error closing task consumer", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Metrics server forced to shutdown", zap.Error(err))
	}
	log.Info("Worker exiting")
}

// startMetricsServer serves /metrics and /health for the worker.
func startMetricsServer(port string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("Starting metrics server", zap.String("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
