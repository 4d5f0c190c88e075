package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"channel-strategy-backend/internal/models"
)

// Postgres wraps pgxpool for durable persistence. It is the production
// Store and the sole coordination point between concurrent workers.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation. An insert racing a unique key is "already happened", not a
// failure.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// maxTaskErrorLen bounds stored task error text (in runes, not bytes).
const maxTaskErrorLen = 2000

func truncateTaskError(s string) string {
	r := []rune(s)
	if len(r) <= maxTaskErrorLen {
		return s
	}
	return string(r[:maxTaskErrorLen])
}

const taskColumns = `id, tenant_id, job_type, channel_id, run_for_dt, dedupe_key, status, attempt, max_attempt, run_after, locked_by, locked_at, last_error, created_at, updated_at`

func scanTask(row pgx.Row) (models.JobTask, error) {
	var (
		t        models.JobTask
		jobType  string
		status   string
		runFor   pgtype.Date
		lockedBy pgtype.Text
		lockedAt pgtype.Timestamptz
		lastErr  pgtype.Text
	)
	err := row.Scan(&t.ID, &t.TenantID, &jobType, &t.ChannelID, &runFor, &t.DedupeKey,
		&status, &t.Attempt, &t.MaxAttempt, &t.RunAfter, &lockedBy, &lockedAt, &lastErr,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return models.JobTask{}, err
	}
	t.JobType = models.JobType(jobType)
	t.Status = models.TaskStatus(status)
	if runFor.Valid {
		d := runFor.Time.UTC()
		t.RunForDt = &d
	}
	t.LockedBy = textPtr(lockedBy)
	if lockedAt.Valid {
		at := lockedAt.Time
		t.LockedAt = &at
	}
	t.LastError = textPtr(lastErr)
	return t, nil
}

// UpsertTask inserts a task row or, when the dedupe key already exists, only
// touches updated_at. Status and attempt are left alone so a redundant
// dispatch never reopens finished work.
func (p *Postgres) UpsertTask(ctx context.Context, up UpsertTaskParams) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO job_tasks (tenant_id, job_type, channel_id, run_for_dt, dedupe_key, status, attempt, max_attempt, run_after, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $7, $8, $8)
		ON CONFLICT (dedupe_key) DO UPDATE SET updated_at = EXCLUDED.updated_at
	`, up.TenantID, string(up.JobType), up.ChannelID, up.RunForDt, up.DedupeKey, up.MaxAttempt, up.RunAfter, up.Now)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

// ReclaimStale resets running tasks whose lock outlived the TTL back to
// retrying so the next claim can pick them up. Runs before claiming and is
// not bounded by the claim limit.
func (p *Postgres) ReclaimStale(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE job_tasks
		SET status = 'retrying', run_after = $1, locked_by = NULL, locked_at = NULL, updated_at = $1
		WHERE status = 'running' AND locked_at IS NOT NULL AND locked_at < $2
	`, now, now.Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("reclaim stale tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ClaimBatch claims up to Limit runnable tasks in one transaction. The
// SELECT ... FOR UPDATE row lock is the only mutual-exclusion mechanism:
// racing claimants serialize on the locked rows, and whoever loses the race
// re-reads them as running and skips them.
func (p *Postgres) ClaimBatch(ctx context.Context, cp ClaimParams) ([]models.JobTask, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	rows, err := tx.Query(ctx, `
		SELECT `+taskColumns+`
		FROM job_tasks
		WHERE status IN ('pending', 'retrying') AND run_after <= $1
		  AND ($2 = '' OR tenant_id = $2)
		ORDER BY id
		LIMIT $3
		FOR UPDATE
	`, cp.Now, cp.TenantID, cp.Limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable: %w", err)
	}
	claimed := make([]models.JobTask, 0, cp.Limit)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimable: %w", err)
		}
		claimed = append(claimed, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimable: %w", err)
	}
	if len(claimed) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, len(claimed))
	for i, t := range claimed {
		ids[i] = t.ID
	}
	_, err = tx.Exec(ctx, `
		UPDATE job_tasks
		SET status = 'running', attempt = attempt + 1, locked_by = $1, locked_at = $2, updated_at = $2
		WHERE id = ANY($3)
	`, cp.WorkerID, cp.Now, ids)
	if err != nil {
		return nil, fmt.Errorf("mark claimed running: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	worker := cp.WorkerID
	lockedAt := cp.Now
	for i := range claimed {
		claimed[i].Status = models.StatusRunning
		claimed[i].Attempt++
		claimed[i].LockedBy = &worker
		claimed[i].LockedAt = &lockedAt
	}
	return claimed, nil
}

// MarkTaskSucceeded finalizes a task into its terminal success state.
func (p *Postgres) MarkTaskSucceeded(ctx context.Context, id int64, now time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE job_tasks
		SET status = 'succeeded', locked_by = NULL, locked_at = NULL, last_error = NULL, updated_at = $2
		WHERE id = $1
	`, id, now)
	if err != nil {
		return fmt.Errorf("mark task succeeded: %w", err)
	}
	return nil
}

// MarkTaskRetry schedules another attempt after a failure.
func (p *Postgres) MarkTaskRetry(ctx context.Context, id int64, runAfter time.Time, taskErr string, now time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE job_tasks
		SET status = 'retrying', run_after = $2, last_error = $3, locked_by = NULL, locked_at = NULL, updated_at = $4
		WHERE id = $1
	`, id, runAfter, truncateTaskError(taskErr), now)
	if err != nil {
		return fmt.Errorf("mark task retrying: %w", err)
	}
	return nil
}

// MarkTaskDead dead-letters a task that exhausted its attempts. Dead rows
// stay put for manual inspection; nothing requeues them automatically.
func (p *Postgres) MarkTaskDead(ctx context.Context, id int64, taskErr string, now time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE job_tasks
		SET status = 'dead', last_error = $2, locked_by = NULL, locked_at = NULL, updated_at = $3
		WHERE id = $1
	`, id, truncateTaskError(taskErr), now)
	if err != nil {
		return fmt.Errorf("mark task dead: %w", err)
	}
	return nil
}

// GetTask fetches a task by id.
func (p *Postgres) GetTask(ctx context.Context, id int64) (models.JobTask, error) {
	t, err := scanTask(p.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM job_tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobTask{}, ErrTaskNotFound
	}
	if err != nil {
		return models.JobTask{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// LatestTaskForChannel returns the newest task of a type for one channel,
// used by the guardrail evaluator to surface platform errors.
func (p *Postgres) LatestTaskForChannel(ctx context.Context, tenant, channel string, jobType models.JobType) (models.JobTask, bool, error) {
	t, err := scanTask(p.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM job_tasks
		WHERE tenant_id = $1 AND channel_id = $2 AND job_type = $3
		ORDER BY id DESC
		LIMIT 1
	`, tenant, channel, string(jobType)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobTask{}, false, nil
	}
	if err != nil {
		return models.JobTask{}, false, fmt.Errorf("latest task for channel: %w", err)
	}
	return t, true, nil
}

// ListDeadTasks returns recently dead-lettered tasks for inspection.
func (p *Postgres) ListDeadTasks(ctx context.Context, limit int) ([]models.JobTask, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM job_tasks WHERE status = 'dead' ORDER BY updated_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead tasks: %w", err)
	}
	defer rows.Close()
	var out []models.JobTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountClaimable reports how many tasks are runnable right now.
func (p *Postgres) CountClaimable(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM job_tasks WHERE status IN ('pending', 'retrying') AND run_after <= $1
	`, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count claimable: %w", err)
	}
	return n, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
