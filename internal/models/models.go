package models

import (
	"fmt"
	"time"
)

// JobType is the closed set of schedulable work kinds. Adding a kind means
// adding a constant here and a case to the processor's switch.
type JobType string

const (
	JobDailyChannel  JobType = "daily_channel"
	JobWeeklyChannel JobType = "weekly_channel"
)

// ParseJobType validates an externally supplied job type string.
func ParseJobType(s string) (JobType, error) {
	switch JobType(s) {
	case JobDailyChannel, JobWeeklyChannel:
		return JobType(s), nil
	}
	return "", fmt.Errorf("unknown job type %q", s)
}

// TaskStatus enumerates task lifecycle states persisted in Postgres.
// succeeded and dead are terminal.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusRetrying  TaskStatus = "retrying"
	StatusSucceeded TaskStatus = "succeeded"
	StatusDead      TaskStatus = "dead"
)

// Direction is the decision engine's output category.
type Direction string

const (
	DirectionProtect Direction = "PROTECT"
	DirectionExploit Direction = "EXPLOIT"
	DirectionExplore Direction = "EXPLORE"
)

// Severity orders alert urgency from info to critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// AlertKey is the closed set of guardrail conditions. One open-or-resolved
// row per key per (tenant, channel) at any time.
type AlertKey string

const (
	AlertRPMDrop7d            AlertKey = "rpm_drop_7d"
	AlertMetricsStale         AlertKey = "metrics_stale"
	AlertRevConcentration7d   AlertKey = "rev_concentration_top1_7d"
	AlertRevVolatility7d      AlertKey = "rev_volatility_7d"
	AlertRevenueMissing7d     AlertKey = "revenue_missing_7d"
	AlertAnalyticsForbidden   AlertKey = "youtube_analytics_forbidden"
	AlertAnalyticsUnsupported AlertKey = "youtube_analytics_query_unsupported"
)

// ChannelTotalVideoID is the video_id column value carried by channel-day
// total rows. It exists only to satisfy the (tenant, channel, video, date)
// unique key; readers must branch on IsChannelTotal, never on this string.
const ChannelTotalVideoID = "__channel_total__"

// JobTask is a durable unit of scheduled work. Rows are never deleted; the
// table doubles as an audit log of everything the system attempted.
type JobTask struct {
	ID         int64      `json:"id"`
	TenantID   string     `json:"tenant_id"`
	JobType    JobType    `json:"job_type"`
	ChannelID  string     `json:"channel_id"`
	RunForDt   *time.Time `json:"run_for_dt,omitempty"`
	DedupeKey  string     `json:"dedupe_key"`
	Status     TaskStatus `json:"status"`
	Attempt    int        `json:"attempt"`
	MaxAttempt int        `json:"max_attempt"`
	RunAfter   time.Time  `json:"run_after"`
	LockedBy   *string    `json:"locked_by,omitempty"`
	LockedAt   *time.Time `json:"locked_at,omitempty"`
	LastError  *string    `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Claimable reports whether the task could be picked up at the given instant.
func (t JobTask) Claimable(now time.Time) bool {
	if t.Status != StatusPending && t.Status != StatusRetrying {
		return false
	}
	return !t.RunAfter.After(now)
}

// VideoMetric is one (video, day) revenue row. Channel-day totals carry
// IsChannelTotal=true and are excluded from per-video computations.
type VideoMetric struct {
	TenantID       string    `json:"tenant_id"`
	ChannelID      string    `json:"channel_id"`
	VideoID        string    `json:"video_id"`
	MetricDt       time.Time `json:"metric_dt"`
	RevenueUSD     float64   `json:"revenue_usd"`
	Impressions    int64     `json:"impressions"`
	Views          int64     `json:"views"`
	IsChannelTotal bool      `json:"is_channel_total"`
}

// DecisionDaily is the engine's output for one (tenant, channel, as_of_dt).
type DecisionDaily struct {
	TenantID   string    `json:"tenant_id"`
	ChannelID  string    `json:"channel_id"`
	AsOfDt     time.Time `json:"as_of_dt"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	Evidence   []string  `json:"evidence"`
	Forbidden  []string  `json:"forbidden"`
	Reevaluate []string  `json:"reevaluate"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DecisionOutcome labels how a past decision turned out, comparing the 7-day
// revenue windows straddling the decision date.
type DecisionOutcome struct {
	TenantID        string    `json:"tenant_id"`
	ChannelID       string    `json:"channel_id"`
	DecisionDt      time.Time `json:"decision_dt"`
	OutcomeDt       time.Time `json:"outcome_dt"`
	RevenueChange7d *float64  `json:"revenue_change_pct_7d,omitempty"`
	Catastrophic    bool      `json:"catastrophic_flag"`
	NewTopAsset     bool      `json:"new_top_asset_flag"`
	Notes           string    `json:"notes"`
	CreatedAt       time.Time `json:"created_at"`
}

// ActivePolicyVersion is the version string governing live decisions.
const ActivePolicyVersion = "active"

// CandidateVersion builds the versioned name for a weekly snapshot.
func CandidateVersion(runFor time.Time) string {
	return "candidate-" + FormatDt(runFor)
}

// PolicyParams is a versioned engine configuration blob per (tenant, channel).
type PolicyParams struct {
	TenantID   string    `json:"tenant_id"`
	ChannelID  string    `json:"channel_id"`
	Version    string    `json:"version"`
	ParamsJSON []byte    `json:"params_json"`
	CreatedBy  string    `json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PolicyEvalReport holds replay metrics for one candidate version. Approved
// stays false until candidate promotion is wired.
type PolicyEvalReport struct {
	TenantID         string    `json:"tenant_id"`
	ChannelID        string    `json:"channel_id"`
	CandidateVersion string    `json:"candidate_version"`
	ReplayMetrics    []byte    `json:"replay_metrics_json"`
	Approved         bool      `json:"approved"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Alert is a key-addressed guardrail condition with an open/resolved
// lifecycle, distinct from a one-shot notification.
type Alert struct {
	TenantID   string     `json:"tenant_id"`
	ChannelID  string     `json:"channel_id"`
	Key        AlertKey   `json:"alert_key"`
	Kind       string     `json:"kind"`
	Severity   Severity   `json:"severity"`
	Message    string     `json:"message"`
	Details    []byte     `json:"details_json,omitempty"`
	DetectedAt time.Time  `json:"detected_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// ChannelConnection is one tenant's linked channel with its platform tokens.
type ChannelConnection struct {
	TenantID     string     `json:"tenant_id"`
	ChannelID    string     `json:"channel_id"`
	AccessToken  string     `json:"-"`
	RefreshToken *string    `json:"-"`
	TokenExpiry  *time.Time `json:"token_expiry,omitempty"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ConnectionActive is the status of a connection eligible for scheduling.
const ConnectionActive = "active"

// UsageEvent is an idempotent billing/usage marker. A duplicate insert on
// (tenant, kind, dedupe_key) means the event already happened and is not an
// error.
type UsageEvent struct {
	TenantID  string    `json:"tenant_id"`
	EventKind string    `json:"event_kind"`
	DedupeKey string    `json:"dedupe_key"`
	Quantity  int64     `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
}

// DtLayout is the wire and map-key layout for business dates.
const DtLayout = "2006-01-02"

// Dt truncates an instant to its UTC business date.
func Dt(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FormatDt renders a business date as YYYY-MM-DD.
func FormatDt(t time.Time) string {
	return t.UTC().Format(DtLayout)
}

// ParseDt parses a YYYY-MM-DD business date.
func ParseDt(s string) (time.Time, error) {
	t, err := time.Parse(DtLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}
