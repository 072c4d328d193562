package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"biblio-integrator/internal/api"
	"biblio-integrator/internal/audit"
	"biblio-integrator/internal/config"
	"biblio-integrator/internal/covers"
	"biblio-integrator/internal/jobs"
	"biblio-integrator/internal/mapping"
	"biblio-integrator/internal/models"
	"biblio-integrator/internal/pipeline"
	"biblio-integrator/internal/ratelimit"
	"biblio-integrator/internal/repostore"
	"biblio-integrator/internal/sourcestore"
	"biblio-integrator/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	for _, dir := range []string{cfg.ProcessedDir(), cfg.ErrorDir(), cfg.CoversDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Fatal("create working directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	catalog := sourcestore.NewKohaClient(cfg, logger)
	repo, err := repostore.NewDSpaceClient(cfg, logger)
	if err != nil {
		logger.Fatal("repository client", zap.Error(err))
	}

	var trail audit.Trail = audit.Nop{}
	if cfg.PostgresDSN != "" {
		pg, err := audit.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("connect postgres", zap.Error(err))
		}
		defer pg.Close()
		trail = pg
	}

	rules := mapping.DefaultRules()
	if cfg.MappingRulesPath != "" {
		rules, err = mapping.LoadRules(cfg.MappingRulesPath)
		if err != nil {
			logger.Fatal("load mapping rules", zap.String("path", cfg.MappingRulesPath), zap.Error(err))
		}
	}
	engine, err := mapping.NewEngine(rules)
	if err != nil {
		logger.Fatal("compile mapping rules", zap.Error(err))
	}

	var publisher covers.Publisher
	s3pub, err := covers.NewS3Publisher(ctx, cfg)
	if err != nil {
		logger.Fatal("cover mirror", zap.Error(err))
	}
	if s3pub != nil {
		publisher = s3pub
	}
	coverSvc := covers.NewService(cfg, catalog,
		covers.NewPopplerRenderer(cfg.CoverRenderTool, cfg.CoverDPI), publisher, logger)

	pipe := pipeline.New(cfg, catalog, repo, coverSvc, engine, trail, logger)

	sup := jobs.New(cfg.WorkerCount, cfg.QueueCapacity, logger)
	sup.Start(ctx)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sup.Sweep(cfg.JobRetention)
			}
		}
	}()

	var limiter *ratelimit.TokenBucket
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	run := func(ctx context.Context, jobID, recordID string, progress func(jobID, note string)) (*models.IntegrationResult, error) {
		return pipe.Run(ctx, jobID, recordID, progress)
	}
	server := api.New(cfg, catalog, sup, limiter, run, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("integrator listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	sup.Wait()
}

func newLogger(env string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if env == "prod" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	return logger
}
