package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"channel-strategy-backend/internal/archive"
	"channel-strategy-backend/internal/decision"
	"channel-strategy-backend/internal/models"
	"channel-strategy-backend/internal/platform"
	"channel-strategy-backend/internal/store"
	"channel-strategy-backend/internal/telemetry"
)

const (
	// Claim batch size bounds per tick.
	DefaultClaimLimit = 10
	MaxClaimLimit     = 50

	// Lock TTL bounds for stale-task reclaim.
	DefaultLockTTL = 600 * time.Second
	MinLockTTL     = 60 * time.Second
	MaxLockTTL     = 3600 * time.Second

	// Linear backoff: attempt_next * this step.
	retryBackoffStep = 60 * time.Second
)

// Deps are the collaborators a Processor executes tasks against.
type Deps struct {
	Store     store.Store
	Tokens    platform.TokenSource
	Refresher platform.TokenRefresher
	Metrics   platform.MetricsAPI
	Archiver  *archive.Archiver // optional; weekly snapshots skip archiving when nil
}

// Processor drains the task queue in bounded synchronous ticks. Arbitrarily
// many processors may tick concurrently against the same database; the claim
// transaction's row locks keep them from colliding.
type Processor struct {
	deps     Deps
	workerID string
	lockTTL  time.Duration
}

func NewProcessor(deps Deps, lockTTL time.Duration) *Processor {
	return &Processor{
		deps:     deps,
		workerID: uuid.NewString(),
		lockTTL:  ClampLockTTL(lockTTL),
	}
}

// TickResult is the aggregate outcome of one tick. Per-task errors live on
// the task rows, not here.
type TickResult struct {
	Reclaimed int `json:"reclaimed"`
	Claimed   int `json:"claimed"`
	Succeeded int `json:"succeeded"`
	Retried   int `json:"retried"`
	Dead      int `json:"dead"`
}

// Tick reclaims stale tasks, claims up to limit runnable ones (optionally
// scoped to a tenant), executes them sequentially, and finalizes each. A
// task failure never aborts the batch; context cancellation stops between
// tasks, leaving the rest claimed for the reclaimer.
func (p *Processor) Tick(ctx context.Context, now time.Time, limit int, tenant string) (TickResult, error) {
	var res TickResult

	reclaimed, err := p.deps.Store.ReclaimStale(ctx, now, p.lockTTL)
	if err != nil {
		return res, fmt.Errorf("reclaim stale tasks: %w", err)
	}
	res.Reclaimed = reclaimed
	telemetry.TasksReclaimed.Add(float64(reclaimed))

	tasks, err := p.deps.Store.ClaimBatch(ctx, store.ClaimParams{
		Now:      now,
		Limit:    clampLimit(limit),
		TenantID: tenant,
		WorkerID: p.workerID,
	})
	if err != nil {
		return res, fmt.Errorf("claim batch: %w", err)
	}
	res.Claimed = len(tasks)

	for _, task := range tasks {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}
		p.finalize(ctx, task, now, p.execute(ctx, task, now), &res)
	}

	if depth, err := p.deps.Store.CountClaimable(ctx, now); err == nil {
		telemetry.ClaimableDepthGauge.Set(float64(depth))
	}
	return res, nil
}

// execute runs one claimed task. The job type switch is the closed set of
// work this system knows; an unknown type cannot self-heal and will exhaust
// its retries into dead.
func (p *Processor) execute(ctx context.Context, task models.JobTask, now time.Time) error {
	switch task.JobType {
	case models.JobDailyChannel:
		return p.runDailyChannel(ctx, task, now)
	case models.JobWeeklyChannel:
		return p.runWeeklyChannel(ctx, task)
	default:
		return fmt.Errorf("no handler for job type %q", task.JobType)
	}
}

// finalize records one task's outcome. Attempt was already incremented at
// claim time, so attempt+1 is the number the next execution would carry;
// reaching max_attempt there means no further attempt is allowed.
func (p *Processor) finalize(ctx context.Context, task models.JobTask, now time.Time, execErr error, res *TickResult) {
	if execErr == nil {
		if err := p.deps.Store.MarkTaskSucceeded(ctx, task.ID, now); err != nil {
			log.Printf("task %d: mark succeeded: %v", task.ID, err)
			return
		}
		res.Succeeded++
		telemetry.TasksSucceeded.Inc()
		return
	}

	attemptNext := task.Attempt + 1
	if attemptNext >= task.MaxAttempt {
		if err := p.deps.Store.MarkTaskDead(ctx, task.ID, execErr.Error(), now); err != nil {
			log.Printf("task %d: mark dead: %v", task.ID, err)
			return
		}
		res.Dead++
		telemetry.TasksDead.Inc()
		log.Printf("task %d (%s %s/%s) dead after attempt %d: %v", task.ID, task.JobType, task.TenantID, task.ChannelID, task.Attempt, execErr)
		return
	}

	runAfter := now.Add(time.Duration(attemptNext) * retryBackoffStep)
	if err := p.deps.Store.MarkTaskRetry(ctx, task.ID, runAfter, execErr.Error(), now); err != nil {
		log.Printf("task %d: mark retry: %v", task.ID, err)
		return
	}
	res.Retried++
	telemetry.TasksRetried.Inc()
}

// ensureActiveParams loads the channel's active policy, seeding defaults the
// first time a channel is processed.
func (p *Processor) ensureActiveParams(ctx context.Context, tenant, channel string) (decision.Params, error) {
	stored, ok, err := p.deps.Store.GetPolicyParams(ctx, tenant, channel, models.ActivePolicyVersion)
	if err != nil {
		return decision.Params{}, fmt.Errorf("load active params: %w", err)
	}
	if ok {
		return decision.ParseParams(stored.ParamsJSON)
	}

	params := decision.DefaultParams()
	raw, err := decision.EncodeParams(params)
	if err != nil {
		return decision.Params{}, err
	}
	_, err = p.deps.Store.SeedPolicyParams(ctx, models.PolicyParams{
		TenantID:   tenant,
		ChannelID:  channel,
		Version:    models.ActivePolicyVersion,
		ParamsJSON: raw,
		CreatedBy:  "system",
	})
	if err != nil {
		return decision.Params{}, fmt.Errorf("seed active params: %w", err)
	}
	return params, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultClaimLimit
	}
	if limit > MaxClaimLimit {
		return MaxClaimLimit
	}
	return limit
}

// ClampLockTTL bounds a configured reclaim TTL, substituting the default
// for zero or negative values.
func ClampLockTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultLockTTL
	}
	if ttl < MinLockTTL {
		return MinLockTTL
	}
	if ttl > MaxLockTTL {
		return MaxLockTTL
	}
	return ttl
}
