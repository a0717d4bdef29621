package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"c3d/api"
	"c3d/blob"
	"c3d/config"
	"c3d/engine"
	"c3d/jobs"
	"c3d/logger"
	"c3d/store"
	"c3d/trigger"
	"c3d/worker"
)

func main() {
	// Load configuration
	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log.Info("starting conversion service", "mode", cfg.Mode, "job_store", cfg.JobStore)

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error("failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}
	log.Info("connected to redis", "addr", cfg.RedisAddr)

	checks := map[string]api.HealthCheck{
		"redis": func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	}

	jobStore, closeStore, err := openJobStore(ctx, cfg, redisClient, checks)
	if err != nil {
		log.Error("failed to open job store", "job_store", cfg.JobStore, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	sess, err := blob.NewSession(cfg)
	if err != nil {
		log.Error("failed to create aws session", "error", err)
		os.Exit(1)
	}
	blobs := blob.NewS3Store(sess, cfg.UploadsBucket, cfg.ConversionsBucket)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var srv *http.Server
	if cfg.Mode != config.ModeWorker {
		srv = startAPI(cfg, log, jobStore, blobs, redisClient, checks)
	}
	if cfg.Mode != config.ModeAPI {
		startWorkers(ctx, &wg, cfg, log, jobStore, blobs, redisClient, sess)
	}

	log.Info("service is ready")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutdown signal received")
	cancel()

	if srv != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http server forced to shutdown", "error", err)
		}
		stop()
	}

	// Wait for workers to finish with timeout
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("all workers stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn("shutdown timeout, forcing exit")
	}

	log.Info("conversion service stopped")
}

func openJobStore(ctx context.Context, cfg *config.Config, redisClient *redis.Client, checks map[string]api.HealthCheck) (store.JobStore, func(), error) {
	switch cfg.JobStore {
	case config.StorePostgres:
		db, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		pg := store.NewPostgresStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		checks["database"] = db.PingContext
		return pg, func() { _ = pg.Close() }, nil
	case config.StoreMemory:
		return store.NewMemoryStore(), func() {}, nil
	default:
		return store.NewRedisStore(redisClient, cfg.RedisPrefix), func() {}, nil
	}
}

func startAPI(cfg *config.Config, log *slog.Logger, st store.JobStore, blobs blob.Store, redisClient *redis.Client, checks map[string]api.HealthCheck) *http.Server {
	gin.SetMode(gin.ReleaseMode)

	queue := worker.NewQueue(redisClient, cfg.PendingQueue)
	router := api.NewRouter(&api.Dependencies{
		Submit:         jobs.NewSubmitService(st, blobs, cfg.UploadURLTTL, cfg.JobRetention, log),
		Status:         jobs.NewStatusService(st, cfg.StaleAfter),
		Download:       jobs.NewDownloadService(st, blobs, cfg.DownloadURLTTL),
		Convert:        jobs.NewConvertService(st, queue, log),
		HealthChecks:   checks,
		Logger:         log,
		RateLimit:      cfg.APIRateLimit,
		RateBurst:      cfg.APIRateBurst,
		MaxRequestBody: cfg.MaxRequestBody,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("api server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api server failed", "error", err)
			os.Exit(1)
		}
	}()

	return srv
}

func startWorkers(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config, log *slog.Logger, st store.JobStore, blobs blob.Store, redisClient *redis.Client, sess *session.Session) {
	eng := engine.NewDispatcher(engine.NewMeshStrategy(), engine.NewCADService(cfg.CADEngineURL))
	handler := trigger.NewHandler(st, blobs, eng, trigger.Options{
		ScratchDir: cfg.ScratchDir,
		Timeout:    cfg.ConversionTimeout,
		Tolerances: engine.Tolerances{
			Linear:  cfg.LinearDeflection,
			Angular: cfg.AngularDeflection,
		},
	}, log)

	pool := worker.NewPool(cfg, redisClient, handler, st, log)
	for i := 0; i < cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			pool.StartWorker(ctx, workerID)
		}(i)
	}

	// Start stale job recovery goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.RecoveryLoop(ctx)
	}()

	log.Info("started conversion workers",
		"count", cfg.WorkerCount,
		"queue", cfg.PendingQueue,
		"cad_engine", cfg.CADEngineURL,
	)

	if cfg.SQSQueueURL == "" {
		log.Warn("SQS_QUEUE_URL not set, uploads only convert via POST /convert")
		return
	}

	consumer := worker.NewArrivalConsumer(sqs.New(sess), cfg.SQSQueueURL, cfg.SQSWaitSeconds, handler, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		consumer.Run(ctx)
	}()
	log.Info("consuming upload notifications", "queue_url", cfg.SQSQueueURL)
}
