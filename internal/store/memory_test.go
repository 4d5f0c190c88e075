package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"channel-strategy-backend/internal/models"
)

var memNow = time.Date(2025, 6, 18, 6, 0, 0, 0, time.UTC)

func seedTask(t *testing.T, m *Memory, dedupe string, runAfter time.Time) {
	t.Helper()
	runFor := models.Dt(memNow)
	err := m.UpsertTask(context.Background(), UpsertTaskParams{
		TenantID:   "t1",
		JobType:    models.JobDailyChannel,
		ChannelID:  "ch1",
		RunForDt:   &runFor,
		DedupeKey:  dedupe,
		MaxAttempt: 3,
		RunAfter:   runAfter,
		Now:        memNow,
	})
	if err != nil {
		t.Fatalf("seed task %s: %v", dedupe, err)
	}
}

func claimOne(t *testing.T, m *Memory, worker string, now time.Time) models.JobTask {
	t.Helper()
	got, err := m.ClaimBatch(context.Background(), ClaimParams{Now: now, Limit: 1, WorkerID: worker})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one claimed task, got %d", len(got))
	}
	return got[0]
}

func TestClaimBatchExclusiveUnderConcurrency(t *testing.T) {
	m := NewMemory()
	seedTask(t, m, "only", memNow)

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []models.JobTask
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := m.ClaimBatch(context.Background(), ClaimParams{
				Now:      memNow,
				Limit:    5,
				WorkerID: fmt.Sprintf("w%d", i),
			})
			if err != nil {
				t.Errorf("claim from w%d: %v", i, err)
				return
			}
			mu.Lock()
			claimed = append(claimed, got...)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(claimed) != 1 {
		t.Fatalf("expected exactly one winner, got %d claims", len(claimed))
	}
	if claimed[0].Attempt != 1 || claimed[0].Status != models.StatusRunning {
		t.Fatalf("claimed task not marked running at attempt 1: %+v", claimed[0])
	}
	if claimed[0].LockedBy == nil || claimed[0].LockedAt == nil {
		t.Fatal("claimed task must carry lock holder and time")
	}
}

func TestClaimBatchFIFOAndLimit(t *testing.T) {
	m := NewMemory()
	for i := 0; i < 3; i++ {
		seedTask(t, m, fmt.Sprintf("k%d", i), memNow)
	}

	first, err := m.ClaimBatch(context.Background(), ClaimParams{Now: memNow, Limit: 2, WorkerID: "w1"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(first))
	}
	if first[0].DedupeKey != "k0" || first[1].DedupeKey != "k1" {
		t.Fatalf("expected oldest-first order, got %s then %s", first[0].DedupeKey, first[1].DedupeKey)
	}
	if first[0].ID >= first[1].ID {
		t.Fatalf("ids must ascend, got %d then %d", first[0].ID, first[1].ID)
	}

	rest, err := m.ClaimBatch(context.Background(), ClaimParams{Now: memNow, Limit: 10, WorkerID: "w2"})
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(rest) != 1 || rest[0].DedupeKey != "k2" {
		t.Fatalf("expected only k2 left, got %+v", rest)
	}
}

func TestClaimBatchHonorsRunAfter(t *testing.T) {
	m := NewMemory()
	seedTask(t, m, "later", memNow.Add(time.Hour))

	got, err := m.ClaimBatch(context.Background(), ClaimParams{Now: memNow, Limit: 10, WorkerID: "w1"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("task before run_after must not be claimable, got %d", len(got))
	}

	claimOne(t, m, "w1", memNow.Add(time.Hour))
}

func TestReclaimStaleOnlyExpiredLocks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedTask(t, m, "stale", memNow)
	seedTask(t, m, "fresh", memNow)

	staleTask := claimOne(t, m, "w-dead", memNow)
	freshTask := claimOne(t, m, "w-live", memNow.Add(9*time.Minute))

	n, err := m.ReclaimStale(ctx, memNow.Add(10*time.Minute+time.Second), 10*time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}

	got, err := m.GetTask(ctx, staleTask.ID)
	if err != nil {
		t.Fatalf("get stale: %v", err)
	}
	if got.Status != models.StatusRetrying || got.LockedBy != nil || got.LockedAt != nil {
		t.Fatalf("stale task must be unlocked for retry, got %+v", got)
	}
	if got.Attempt != 1 {
		t.Fatalf("reclaim must not consume an attempt, got %d", got.Attempt)
	}

	got, err = m.GetTask(ctx, freshTask.ID)
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if got.Status != models.StatusRunning {
		t.Fatalf("live lock must survive, got %s", got.Status)
	}
}

func TestUpsertTaskDedupeTouchesWithoutReset(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedTask(t, m, "dup", memNow)
	task := claimOne(t, m, "w1", memNow)

	retryAt := memNow.Add(2 * time.Minute)
	if err := m.MarkTaskRetry(ctx, task.ID, retryAt, "boom", memNow); err != nil {
		t.Fatalf("mark retry: %v", err)
	}

	later := memNow.Add(2 * time.Hour)
	runFor := models.Dt(memNow)
	err := m.UpsertTask(ctx, UpsertTaskParams{
		TenantID:   "t1",
		JobType:    models.JobDailyChannel,
		ChannelID:  "ch1",
		RunForDt:   &runFor,
		DedupeKey:  "dup",
		MaxAttempt: 3,
		RunAfter:   later,
		Now:        later,
	})
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	got, err := m.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusRetrying || got.Attempt != 1 {
		t.Fatalf("dedupe hit must not reset progress, got %+v", got)
	}
	if !got.RunAfter.Equal(retryAt) {
		t.Fatalf("dedupe hit must not move run_after, got %v", got.RunAfter)
	}
	if !got.UpdatedAt.Equal(later) {
		t.Fatalf("dedupe hit should touch updated_at, got %v", got.UpdatedAt)
	}
}

func TestTaskErrorTruncatedToRuneLimit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedTask(t, m, "long-error", memNow)
	task := claimOne(t, m, "w1", memNow)

	long := strings.Repeat("é", 2100)
	if err := m.MarkTaskRetry(ctx, task.ID, memNow.Add(time.Minute), long, memNow); err != nil {
		t.Fatalf("mark retry: %v", err)
	}

	got, err := m.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastError == nil {
		t.Fatal("expected last_error")
	}
	if n := utf8.RuneCountInString(*got.LastError); n != 2000 {
		t.Fatalf("expected 2000 runes, got %d", n)
	}
	if !utf8.ValidString(*got.LastError) {
		t.Fatal("truncation must not split a rune")
	}

	if err := m.MarkTaskSucceeded(ctx, task.ID, memNow.Add(time.Minute)); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	got, err = m.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get after success: %v", err)
	}
	if got.LastError != nil {
		t.Fatalf("success must clear last_error, got %v", *got.LastError)
	}
}

func TestMarkTaskUnknownID(t *testing.T) {
	m := NewMemory()
	if err := m.MarkTaskSucceeded(context.Background(), 42, memNow); err != ErrTaskNotFound {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if err := m.MarkTaskDead(context.Background(), 42, "boom", memNow); err != ErrTaskNotFound {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestCountClaimable(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedTask(t, m, "doomed", memNow)
	seedTask(t, m, "future", memNow.Add(time.Hour))
	seedTask(t, m, "ready", memNow)

	// dead tasks never count, whatever their run_after says
	task := claimOne(t, m, "w1", memNow)
	if err := m.MarkTaskDead(ctx, task.ID, "gone", memNow); err != nil {
		t.Fatalf("mark dead: %v", err)
	}

	n, err := m.CountClaimable(ctx, memNow)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 claimable, got %d", n)
	}

	n, err = m.CountClaimable(ctx, memNow.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("count later: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 claimable once run_after passes, got %d", n)
	}
}

func TestListDeadTasksMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedTask(t, m, "d1", memNow)
	seedTask(t, m, "d2", memNow)

	first := claimOne(t, m, "w1", memNow)
	second := claimOne(t, m, "w1", memNow)
	if err := m.MarkTaskDead(ctx, first.ID, "one", memNow); err != nil {
		t.Fatalf("mark dead: %v", err)
	}
	if err := m.MarkTaskDead(ctx, second.ID, "two", memNow.Add(time.Minute)); err != nil {
		t.Fatalf("mark dead: %v", err)
	}

	dead, err := m.ListDeadTasks(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(dead) != 2 || dead[0].ID != second.ID {
		t.Fatalf("expected most recent death first, got %+v", dead)
	}

	dead, err = m.ListDeadTasks(ctx, 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("limit not applied, got %d", len(dead))
	}
}

func TestRecordFirstSeenOnlyFreshVideos(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	d1 := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)

	fresh, err := m.RecordFirstSeen(ctx, "t1", "ch1", map[string]time.Time{"v2": d1, "v1": d1})
	if err != nil {
		t.Fatalf("first record: %v", err)
	}
	if len(fresh) != 2 || fresh[0] != "v1" || fresh[1] != "v2" {
		t.Fatalf("expected sorted fresh ids, got %v", fresh)
	}

	fresh, err = m.RecordFirstSeen(ctx, "t1", "ch1", map[string]time.Time{
		"v1": d1.AddDate(0, 0, -3),
		"v3": d1,
	})
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	if len(fresh) != 1 || fresh[0] != "v3" {
		t.Fatalf("already-known videos must not re-register, got %v", fresh)
	}
}

func TestInsertUsageEventDedupe(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ev := models.UsageEvent{TenantID: "t1", EventKind: "decision_computed", DedupeKey: "ch1|2025-06-18"}

	inserted, err := m.InsertUsageEvent(ctx, ev)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !inserted {
		t.Fatal("first insert must land")
	}

	inserted, err = m.InsertUsageEvent(ctx, ev)
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if inserted {
		t.Fatal("duplicate must be swallowed")
	}

	other := ev
	other.EventKind = "guardrail_run"
	inserted, err = m.InsertUsageEvent(ctx, other)
	if err != nil {
		t.Fatalf("other kind: %v", err)
	}
	if !inserted {
		t.Fatal("different kind must not collide")
	}
}
