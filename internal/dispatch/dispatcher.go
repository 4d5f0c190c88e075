package dispatch

import (
	"context"
	"fmt"
	"time"

	"channel-strategy-backend/internal/models"
	"channel-strategy-backend/internal/platform"
	"channel-strategy-backend/internal/store"
)

// Dispatcher enqueues one task per active (tenant, channel) for a job type.
// Re-dispatching the same business date is a no-op thanks to the dedupe key.
type Dispatcher struct {
	store      store.Store
	registry   platform.ChannelRegistry
	maxAttempt int
}

func NewDispatcher(s store.Store, registry platform.ChannelRegistry, maxAttempt int) *Dispatcher {
	if maxAttempt <= 0 {
		maxAttempt = 3
	}
	return &Dispatcher{store: s, registry: registry, maxAttempt: maxAttempt}
}

// Result reports what one dispatch call enqueued. Enqueued counts candidate
// pairs, including ones whose task row already existed.
type Result struct {
	JobType  models.JobType `json:"job_type"`
	RunForDt time.Time      `json:"run_for_dt"`
	Enqueued int            `json:"enqueued"`
}

// RunFor resolves the business date a job type runs for: daily jobs cover
// the UTC date of now, weekly jobs the Monday of its ISO week.
func RunFor(jobType models.JobType, now time.Time) time.Time {
	today := models.Dt(now)
	if jobType != models.JobWeeklyChannel {
		return today
	}
	wd := int(today.Weekday())
	if wd == 0 {
		wd = 7
	}
	return today.AddDate(0, 0, -(wd - 1))
}

// DedupeKey builds the deterministic identity of one scheduled unit of work.
func DedupeKey(tenant string, jobType models.JobType, channel string, runFor time.Time) string {
	return fmt.Sprintf("%s|%s|%s|%s", tenant, jobType, channel, models.FormatDt(runFor))
}

func (d *Dispatcher) Dispatch(ctx context.Context, jobType models.JobType, now time.Time) (Result, error) {
	runFor := RunFor(jobType, now)

	refs, err := d.registry.ListActive(ctx, jobType)
	if err != nil {
		return Result{}, fmt.Errorf("list channels: %w", err)
	}

	for _, ref := range refs {
		err := d.store.UpsertTask(ctx, store.UpsertTaskParams{
			TenantID:   ref.TenantID,
			JobType:    jobType,
			ChannelID:  ref.ChannelID,
			RunForDt:   &runFor,
			DedupeKey:  DedupeKey(ref.TenantID, jobType, ref.ChannelID, runFor),
			MaxAttempt: d.maxAttempt,
			RunAfter:   now,
			Now:        now,
		})
		if err != nil {
			return Result{}, fmt.Errorf("enqueue %s/%s: %w", ref.TenantID, ref.ChannelID, err)
		}
	}

	return Result{JobType: jobType, RunForDt: runFor, Enqueued: len(refs)}, nil
}
