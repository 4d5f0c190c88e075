package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"channel-strategy-backend/internal/api"
	"channel-strategy-backend/internal/archive"
	"channel-strategy-backend/internal/config"
	"channel-strategy-backend/internal/dispatch"
	"channel-strategy-backend/internal/guardrail"
	"channel-strategy-backend/internal/platform"
	"channel-strategy-backend/internal/ratelimit"
	"channel-strategy-backend/internal/store"
	"channel-strategy-backend/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTenantBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitTTL)

	archiver, err := buildArchiver(ctx, cfg)
	if err != nil {
		log.Fatalf("init archiver: %v", err)
	}

	processor := worker.NewProcessor(worker.Deps{
		Store:     st,
		Tokens:    platform.NewStoreTokenSource(st),
		Refresher: platform.NewGoogleRefresher(cfg.OAuthTokenURL, cfg.OAuthClientID, cfg.OAuthClientSecret, 0),
		Metrics:   platform.NewAnalyticsClient(cfg.AnalyticsBaseURL, cfg.AnalyticsTimeout),
		Archiver:  archiver,
	}, cfg.LockTTL)

	dispatcher := dispatch.NewDispatcher(st, platform.NewStoreRegistry(st), cfg.TaskMaxAttempt)
	guardrails := guardrail.NewEvaluator(st)

	server := api.New(cfg, st, dispatcher, processor, guardrails, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func buildArchiver(ctx context.Context, cfg config.Config) (*archive.Archiver, error) {
	local := archive.NewLocalUploader(cfg.ArchiveDir)
	if cfg.S3Bucket == "" {
		return archive.NewArchiver(local, nil), nil
	}
	client, err := archive.NewS3Client(ctx, cfg.S3Region, cfg.S3Endpoint, cfg.S3UsePathStyle)
	if err != nil {
		return nil, err
	}
	return archive.NewArchiver(local, archive.NewS3Uploader(client, cfg.S3Bucket)), nil
}
