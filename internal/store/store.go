package store

import (
	"context"
	"errors"
	"time"

	"channel-strategy-backend/internal/models"
)

// ErrTaskNotFound is returned by GetTask for an unknown id.
var ErrTaskNotFound = errors.New("task not found")

// UpsertTaskParams collects inputs for the dispatcher's insert-or-touch.
type UpsertTaskParams struct {
	TenantID   string
	JobType    models.JobType
	ChannelID  string
	RunForDt   *time.Time
	DedupeKey  string
	MaxAttempt int
	RunAfter   time.Time
	Now        time.Time
}

// ClaimParams bounds one claim transaction.
type ClaimParams struct {
	Now      time.Time
	Limit    int
	TenantID string // empty claims across all tenants
	WorkerID string
}

// Store is the single shared-state handle every component is constructed
// with. The Postgres implementation is the production coordination point;
// Memory mirrors its semantics for tests.
type Store interface {
	// Task queue.
	UpsertTask(ctx context.Context, p UpsertTaskParams) error
	ReclaimStale(ctx context.Context, now time.Time, ttl time.Duration) (int, error)
	ClaimBatch(ctx context.Context, p ClaimParams) ([]models.JobTask, error)
	MarkTaskSucceeded(ctx context.Context, id int64, now time.Time) error
	MarkTaskRetry(ctx context.Context, id int64, runAfter time.Time, taskErr string, now time.Time) error
	MarkTaskDead(ctx context.Context, id int64, taskErr string, now time.Time) error
	GetTask(ctx context.Context, id int64) (models.JobTask, error)
	LatestTaskForChannel(ctx context.Context, tenant, channel string, jobType models.JobType) (models.JobTask, bool, error)
	ListDeadTasks(ctx context.Context, limit int) ([]models.JobTask, error)
	CountClaimable(ctx context.Context, now time.Time) (int64, error)

	// Per-video and channel-total metrics.
	UpsertVideoMetrics(ctx context.Context, rows []models.VideoMetric) error
	RecordFirstSeen(ctx context.Context, tenant, channel string, seen map[string]time.Time) ([]string, error)
	VideoMetricsRange(ctx context.Context, tenant, channel string, start, end time.Time) ([]models.VideoMetric, error)
	ChannelTotalsRange(ctx context.Context, tenant, channel string, start, end time.Time) ([]models.VideoMetric, error)
	LatestMetricDt(ctx context.Context, tenant, channel string) (time.Time, bool, error)

	// Decisions and outcomes.
	UpsertDecision(ctx context.Context, d models.DecisionDaily) error
	GetDecision(ctx context.Context, tenant, channel string, asOf time.Time) (models.DecisionDaily, bool, error)
	DecisionHistory(ctx context.Context, tenant, channel string, start, end time.Time) ([]models.DecisionDaily, error)
	UpsertOutcome(ctx context.Context, o models.DecisionOutcome) error
	OutcomesByDecisionDt(ctx context.Context, tenant, channel string, start, end time.Time) ([]models.DecisionOutcome, error)

	// Policy params and eval reports.
	GetPolicyParams(ctx context.Context, tenant, channel, version string) (models.PolicyParams, bool, error)
	SeedPolicyParams(ctx context.Context, p models.PolicyParams) (bool, error)
	SavePolicyParams(ctx context.Context, p models.PolicyParams) error
	SaveEvalReport(ctx context.Context, r models.PolicyEvalReport) error
	GetEvalReport(ctx context.Context, tenant, channel, candidateVersion string) (models.PolicyEvalReport, bool, error)

	// Guardrail alerts.
	UpsertAlert(ctx context.Context, a models.Alert) error
	ResolveAlerts(ctx context.Context, tenant, channel string, keys []models.AlertKey, now time.Time) (int, error)
	ListAlerts(ctx context.Context, tenant, channel string, includeResolved bool) ([]models.Alert, error)

	// Channel connections (registry + token state).
	ListActiveConnections(ctx context.Context) ([]models.ChannelConnection, error)
	GetConnection(ctx context.Context, tenant, channel string) (models.ChannelConnection, bool, error)
	UpsertConnection(ctx context.Context, c models.ChannelConnection) error
	UpdateConnectionTokens(ctx context.Context, tenant, channel, access string, refresh *string, expiry *time.Time) error

	// Usage events. Returns false when the event already existed.
	InsertUsageEvent(ctx context.Context, e models.UsageEvent) (bool, error)
}
