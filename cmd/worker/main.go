package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"channel-strategy-backend/internal/archive"
	"channel-strategy-backend/internal/config"
	"channel-strategy-backend/internal/dispatch"
	"channel-strategy-backend/internal/guardrail"
	"channel-strategy-backend/internal/models"
	"channel-strategy-backend/internal/platform"
	"channel-strategy-backend/internal/store"
	"channel-strategy-backend/internal/telemetry"
	workerproc "channel-strategy-backend/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
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

	archiver, err := buildArchiver(ctx, cfg)
	if err != nil {
		log.Fatalf("init archiver: %v", err)
	}

	processor := workerproc.NewProcessor(workerproc.Deps{
		Store:     st,
		Tokens:    platform.NewStoreTokenSource(st),
		Refresher: platform.NewGoogleRefresher(cfg.OAuthTokenURL, cfg.OAuthClientID, cfg.OAuthClientSecret, 0),
		Metrics:   platform.NewAnalyticsClient(cfg.AnalyticsBaseURL, cfg.AnalyticsTimeout),
		Archiver:  archiver,
	}, cfg.LockTTL)

	dispatcher := dispatch.NewDispatcher(st, platform.NewStoreRegistry(st), cfg.TaskMaxAttempt)
	guardrails := guardrail.NewEvaluator(st)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started with lock_ttl=%s claim_limit=%d poll=%s",
		workerproc.ClampLockTTL(cfg.LockTTL), cfg.ClaimLimit, cfg.WorkerPollInterval)

	ticker := time.NewTicker(cfg.WorkerPollInterval)
	defer ticker.Stop()

	var lastDispatched time.Time
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker stopped: %v", ctx.Err())
			return
		case <-ticker.C:
		}

		now := time.Now().UTC()
		if !models.Dt(now).Equal(models.Dt(lastDispatched)) {
			// dispatch and sweep are idempotent, so a partial failure just
			// reruns on the next tick
			if dispatchAll(ctx, dispatcher, now) && sweepGuardrails(ctx, st, guardrails, now) {
				lastDispatched = now
			}
		}

		res, err := processor.Tick(ctx, now, cfg.ClaimLimit, cfg.WorkerTenant)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Printf("tick: %v", err)
			continue
		}
		if res.Reclaimed > 0 || res.Claimed > 0 {
			log.Printf("tick reclaimed=%d claimed=%d succeeded=%d retried=%d dead=%d",
				res.Reclaimed, res.Claimed, res.Succeeded, res.Retried, res.Dead)
		}
	}
}

// dispatchAll enqueues both job kinds for the current date. The weekly
// dedupe key pins Monday, so re-dispatching mid-week is a no-op.
func dispatchAll(ctx context.Context, d *dispatch.Dispatcher, now time.Time) bool {
	ok := true
	for _, jobType := range []models.JobType{models.JobDailyChannel, models.JobWeeklyChannel} {
		res, err := d.Dispatch(ctx, jobType, now)
		if err != nil {
			log.Printf("dispatch %s: %v", jobType, err)
			ok = false
			continue
		}
		telemetry.DispatchCounter.Add(float64(res.Enqueued))
		log.Printf("dispatched %s run_for=%s channels=%d", jobType, models.FormatDt(res.RunForDt), res.Enqueued)
	}
	return ok
}

// sweepGuardrails evaluates alert conditions for every active channel.
// Windows end yesterday, so running right after the daily dispatch sees
// fully ingested data.
func sweepGuardrails(ctx context.Context, st store.Store, g *guardrail.Evaluator, now time.Time) bool {
	conns, err := st.ListActiveConnections(ctx)
	if err != nil {
		log.Printf("guardrail sweep: %v", err)
		return false
	}
	ok := true
	for _, c := range conns {
		res, err := g.Run(ctx, c.TenantID, c.ChannelID, now)
		if err != nil {
			log.Printf("guardrails %s/%s: %v", c.TenantID, c.ChannelID, err)
			ok = false
			continue
		}
		telemetry.AlertsRaised.Add(float64(res.Raised))
		telemetry.AlertsResolved.Add(float64(res.Resolved))
		if res.Raised > 0 || res.Resolved > 0 {
			log.Printf("guardrails %s/%s raised=%d resolved=%d", c.TenantID, c.ChannelID, res.Raised, res.Resolved)
		}
	}
	return ok
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
