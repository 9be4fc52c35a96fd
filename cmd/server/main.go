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
	"reel-server/internal/database"
	"reel-server/internal/handler"
	"reel-server/internal/logger"
	"reel-server/internal/media"
	"reel-server/internal/messaging"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"
)

// taskDispatcher is what the server hands generation tasks to.
type taskDispatcher interface {
	messaging.Dispatcher
	Shutdown(ctx context.Context) error
}

func main() {
	cfg, err := config.LoadConfig(".env")
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.LogLevel,
		Encoding:   cfg.LogEncoding,
		OutputPath: cfg.LogOutputPath,
		Service:    "reel-server",
		Env:        cfg.Env,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)
	log.Info("Starting reel server", zap.String("env", cfg.Env), zap.String("store", cfg.StoreBackend), zap.String("dispatch", cfg.DispatchMode))

	if cfg.StoreBackend == "postgres" {
		if err := database.ApplyMigrations(cfg.GetDSN(), log); err != nil {
			log.Fatal("Failed to apply migrations", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	dispatcher, err := setupDispatcher(cfg, log)
	if err != nil {
		log.Fatal("Failed to set up task dispatcher", zap.Error(err))
	}

	a, err := app.New(ctx, cfg, dispatcher, log)
	if err != nil {
		log.Fatal("Failed to initialize application", zap.Error(err))
	}
	defer a.Close()

	if inproc, ok := dispatcher.(*messaging.InProcessDispatcher); ok {
		inproc.Bind(a.Service.ExecuteTask)
	}

	gin.SetMode(gin.ReleaseMode)
	if cfg.Env == "development" {
		gin.SetMode(gin.DebugMode)
	}
	router := gin.New()
	router.Use(handler.ZapLogger(log))
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.GetAllowedOrigins()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "X-User-ID", "X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	healthHandler := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	router.GET("/health", healthHandler)
	router.HEAD("/health", healthHandler)

	if local, ok := a.Storage.(*media.LocalStorage); ok {
		router.Static("/media", local.Root())
	}

	handler.NewPipelineHandler(a.Service, a.Status, cfg.Media.MaxUploadBytes, log).RegisterRoutes(router)

	p := ginprometheus.NewPrometheus("gin")
	p.Use(router)

	srv := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     router,
		ReadTimeout: 60 * time.Second,
		// Concatenate answers after ffmpeg finishes.
		WriteTimeout: cfg.Assembly.Timeout + time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", zap.String("port", cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server listen error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server forced to shutdown", zap.Error(err))
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		log.Error("Task dispatcher did not drain", zap.Error(err))
	}
	log.Info("Server exiting")
}

func setupDispatcher(cfg *config.Config, log *zap.Logger) (taskDispatcher, error) {
	if cfg.DispatchMode != "rabbitmq" {
		return messaging.NewInProcessDispatcher(cfg.WorkerConcurrency, log), nil
	}
	conn, err := messaging.Connect(cfg.RabbitMQURL, 20, 3*time.Second, log)
	if err != nil {
		return nil, err
	}
	publisher, err := messaging.NewTaskPublisher(conn, messaging.Topology{
		TaskQueue:          cfg.GenerationTaskQueue,
		DeadLetterExchange: cfg.DeadLetterExchange,
		DeadLetterQueue:    cfg.DeadLetterQueue,
	}, log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &amqpDispatcher{TaskPublisher: publisher, conn: conn}, nil
}

// amqpDispatcher publishes tasks for cmd/worker and owns the connection.
type amqpDispatcher struct {
	*messaging.TaskPublisher
	conn *amqp.Connection
}

func (d *amqpDispatcher) Shutdown(context.Context) error {
	return errors.Join(d.TaskPublisher.Close(), d.conn.Close())
}
