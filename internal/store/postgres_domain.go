package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"channel-strategy-backend/internal/models"
)

// UpsertVideoMetrics writes per-video and channel-total day rows. Re-running
// an ingest for the same window overwrites in place, keeping task execution
// idempotent.
func (p *Postgres) UpsertVideoMetrics(ctx context.Context, rows []models.VideoMetric) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin metrics tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for _, r := range rows {
		_, err := tx.Exec(ctx, `
			INSERT INTO video_metrics_daily (tenant_id, channel_id, video_id, metric_dt, revenue_usd, impressions, views, is_channel_total, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
			ON CONFLICT (tenant_id, channel_id, video_id, metric_dt)
			DO UPDATE SET revenue_usd = EXCLUDED.revenue_usd, impressions = EXCLUDED.impressions, views = EXCLUDED.views, is_channel_total = EXCLUDED.is_channel_total, updated_at = EXCLUDED.updated_at
		`, r.TenantID, r.ChannelID, r.VideoID, models.Dt(r.MetricDt), r.RevenueUSD, r.Impressions, r.Views, r.IsChannelTotal, now)
		if err != nil {
			return fmt.Errorf("upsert video metric: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// RecordFirstSeen inserts first-seen dates for videos not yet known and
// returns the ids that were new. Existing rows keep their original date.
func (p *Postgres) RecordFirstSeen(ctx context.Context, tenant, channel string, seen map[string]time.Time) ([]string, error) {
	var fresh []string
	for videoID, dt := range seen {
		tag, err := p.pool.Exec(ctx, `
			INSERT INTO video_first_seen (tenant_id, channel_id, video_id, first_seen_dt)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant_id, channel_id, video_id) DO NOTHING
		`, tenant, channel, videoID, models.Dt(dt))
		if err != nil {
			return nil, fmt.Errorf("record first seen: %w", err)
		}
		if tag.RowsAffected() == 1 {
			fresh = append(fresh, videoID)
		}
	}
	return fresh, nil
}

const metricColumns = `tenant_id, channel_id, video_id, metric_dt, revenue_usd, impressions, views, is_channel_total`

func (p *Postgres) metricsRange(ctx context.Context, tenant, channel string, start, end time.Time, channelTotal bool) ([]models.VideoMetric, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+metricColumns+`
		FROM video_metrics_daily
		WHERE tenant_id = $1 AND channel_id = $2 AND metric_dt >= $3 AND metric_dt <= $4 AND is_channel_total = $5
		ORDER BY metric_dt, video_id
	`, tenant, channel, models.Dt(start), models.Dt(end), channelTotal)
	if err != nil {
		return nil, fmt.Errorf("query metrics range: %w", err)
	}
	defer rows.Close()
	var out []models.VideoMetric
	for rows.Next() {
		var m models.VideoMetric
		if err := rows.Scan(&m.TenantID, &m.ChannelID, &m.VideoID, &m.MetricDt, &m.RevenueUSD, &m.Impressions, &m.Views, &m.IsChannelTotal); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.MetricDt = m.MetricDt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// VideoMetricsRange returns per-video rows inside [start, end].
func (p *Postgres) VideoMetricsRange(ctx context.Context, tenant, channel string, start, end time.Time) ([]models.VideoMetric, error) {
	return p.metricsRange(ctx, tenant, channel, start, end, false)
}

// ChannelTotalsRange returns channel-day total rows inside [start, end].
func (p *Postgres) ChannelTotalsRange(ctx context.Context, tenant, channel string, start, end time.Time) ([]models.VideoMetric, error) {
	return p.metricsRange(ctx, tenant, channel, start, end, true)
}

// LatestMetricDt returns the most recent metric date for a channel. MAX over
// zero rows yields NULL, reported as not-found.
func (p *Postgres) LatestMetricDt(ctx context.Context, tenant, channel string) (time.Time, bool, error) {
	var dt pgtype.Date
	err := p.pool.QueryRow(ctx, `
		SELECT MAX(metric_dt) FROM video_metrics_daily WHERE tenant_id = $1 AND channel_id = $2
	`, tenant, channel).Scan(&dt)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("latest metric date: %w", err)
	}
	if !dt.Valid {
		return time.Time{}, false, nil
	}
	return dt.Time.UTC(), true, nil
}

// UpsertDecision writes the engine output for one (tenant, channel, as_of).
func (p *Postgres) UpsertDecision(ctx context.Context, d models.DecisionDaily) error {
	evidence, err := marshalStringList(d.Evidence)
	if err != nil {
		return err
	}
	forbidden, err := marshalStringList(d.Forbidden)
	if err != nil {
		return err
	}
	reevaluate, err := marshalStringList(d.Reevaluate)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = p.pool.Exec(ctx, `
		INSERT INTO decisions_daily (tenant_id, channel_id, as_of_dt, direction, confidence, evidence, forbidden, reevaluate, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (tenant_id, channel_id, as_of_dt)
		DO UPDATE SET direction = EXCLUDED.direction, confidence = EXCLUDED.confidence, evidence = EXCLUDED.evidence, forbidden = EXCLUDED.forbidden, reevaluate = EXCLUDED.reevaluate, updated_at = EXCLUDED.updated_at
	`, d.TenantID, d.ChannelID, models.Dt(d.AsOfDt), string(d.Direction), d.Confidence, evidence, forbidden, reevaluate, now)
	if err != nil {
		return fmt.Errorf("upsert decision: %w", err)
	}
	return nil
}

func marshalStringList(l []string) ([]byte, error) {
	if l == nil {
		l = []string{}
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal string list: %w", err)
	}
	return b, nil
}

const decisionColumns = `tenant_id, channel_id, as_of_dt, direction, confidence, evidence, forbidden, reevaluate, created_at, updated_at`

func scanDecision(row pgx.Row) (models.DecisionDaily, error) {
	var (
		d         models.DecisionDaily
		direction string
		evidence  []byte
		forbidden []byte
		reeval    []byte
	)
	err := row.Scan(&d.TenantID, &d.ChannelID, &d.AsOfDt, &direction, &d.Confidence,
		&evidence, &forbidden, &reeval, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return models.DecisionDaily{}, err
	}
	d.AsOfDt = d.AsOfDt.UTC()
	d.Direction = models.Direction(direction)
	for _, pair := range []struct {
		raw []byte
		dst *[]string
	}{{evidence, &d.Evidence}, {forbidden, &d.Forbidden}, {reeval, &d.Reevaluate}} {
		if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
			return models.DecisionDaily{}, fmt.Errorf("unmarshal decision list: %w", err)
		}
	}
	return d, nil
}

// GetDecision fetches one decision row.
func (p *Postgres) GetDecision(ctx context.Context, tenant, channel string, asOf time.Time) (models.DecisionDaily, bool, error) {
	d, err := scanDecision(p.pool.QueryRow(ctx, `
		SELECT `+decisionColumns+` FROM decisions_daily
		WHERE tenant_id = $1 AND channel_id = $2 AND as_of_dt = $3
	`, tenant, channel, models.Dt(asOf)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DecisionDaily{}, false, nil
	}
	if err != nil {
		return models.DecisionDaily{}, false, fmt.Errorf("get decision: %w", err)
	}
	return d, true, nil
}

// DecisionHistory returns decisions inside [start, end] ordered by date.
func (p *Postgres) DecisionHistory(ctx context.Context, tenant, channel string, start, end time.Time) ([]models.DecisionDaily, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+decisionColumns+` FROM decisions_daily
		WHERE tenant_id = $1 AND channel_id = $2 AND as_of_dt >= $3 AND as_of_dt <= $4
		ORDER BY as_of_dt
	`, tenant, channel, models.Dt(start), models.Dt(end))
	if err != nil {
		return nil, fmt.Errorf("query decision history: %w", err)
	}
	defer rows.Close()
	var out []models.DecisionDaily
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertOutcome writes one retrospective outcome label.
func (p *Postgres) UpsertOutcome(ctx context.Context, o models.DecisionOutcome) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO decision_outcomes (tenant_id, channel_id, decision_dt, outcome_dt, revenue_change_pct_7d, catastrophic_flag, new_top_asset_flag, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, channel_id, decision_dt, outcome_dt)
		DO UPDATE SET revenue_change_pct_7d = EXCLUDED.revenue_change_pct_7d, catastrophic_flag = EXCLUDED.catastrophic_flag, new_top_asset_flag = EXCLUDED.new_top_asset_flag, notes = EXCLUDED.notes
	`, o.TenantID, o.ChannelID, models.Dt(o.DecisionDt), models.Dt(o.OutcomeDt), o.RevenueChange7d, o.Catastrophic, o.NewTopAsset, o.Notes, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert outcome: %w", err)
	}
	return nil
}

// OutcomesByDecisionDt returns outcomes whose decision date falls in [start, end].
func (p *Postgres) OutcomesByDecisionDt(ctx context.Context, tenant, channel string, start, end time.Time) ([]models.DecisionOutcome, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT tenant_id, channel_id, decision_dt, outcome_dt, revenue_change_pct_7d, catastrophic_flag, new_top_asset_flag, notes, created_at
		FROM decision_outcomes
		WHERE tenant_id = $1 AND channel_id = $2 AND decision_dt >= $3 AND decision_dt <= $4
		ORDER BY decision_dt
	`, tenant, channel, models.Dt(start), models.Dt(end))
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()
	var out []models.DecisionOutcome
	for rows.Next() {
		var (
			o      models.DecisionOutcome
			change pgtype.Float8
		)
		if err := rows.Scan(&o.TenantID, &o.ChannelID, &o.DecisionDt, &o.OutcomeDt, &change, &o.Catastrophic, &o.NewTopAsset, &o.Notes, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.DecisionDt = o.DecisionDt.UTC()
		o.OutcomeDt = o.OutcomeDt.UTC()
		if change.Valid {
			v := change.Float64
			o.RevenueChange7d = &v
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetPolicyParams fetches one params version for a channel.
func (p *Postgres) GetPolicyParams(ctx context.Context, tenant, channel, version string) (models.PolicyParams, bool, error) {
	var pp models.PolicyParams
	err := p.pool.QueryRow(ctx, `
		SELECT tenant_id, channel_id, version, params_json, created_by, created_at, updated_at
		FROM policy_params
		WHERE tenant_id = $1 AND channel_id = $2 AND version = $3
	`, tenant, channel, version).Scan(&pp.TenantID, &pp.ChannelID, &pp.Version, &pp.ParamsJSON, &pp.CreatedBy, &pp.CreatedAt, &pp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PolicyParams{}, false, nil
	}
	if err != nil {
		return models.PolicyParams{}, false, fmt.Errorf("get policy params: %w", err)
	}
	return pp, true, nil
}

// SeedPolicyParams inserts a params version only when absent, reporting
// whether the insert happened. Used to lay down defaults without clobbering
// an operator-tuned active version.
func (p *Postgres) SeedPolicyParams(ctx context.Context, pp models.PolicyParams) (bool, error) {
	now := time.Now().UTC()
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO policy_params (tenant_id, channel_id, version, params_json, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (tenant_id, channel_id, version) DO NOTHING
	`, pp.TenantID, pp.ChannelID, pp.Version, pp.ParamsJSON, pp.CreatedBy, now)
	if err != nil {
		return false, fmt.Errorf("seed policy params: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SavePolicyParams creates or overwrites a params version.
func (p *Postgres) SavePolicyParams(ctx context.Context, pp models.PolicyParams) error {
	now := time.Now().UTC()
	_, err := p.pool.Exec(ctx, `
		INSERT INTO policy_params (tenant_id, channel_id, version, params_json, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (tenant_id, channel_id, version)
		DO UPDATE SET params_json = EXCLUDED.params_json, created_by = EXCLUDED.created_by, updated_at = EXCLUDED.updated_at
	`, pp.TenantID, pp.ChannelID, pp.Version, pp.ParamsJSON, pp.CreatedBy, now)
	if err != nil {
		return fmt.Errorf("save policy params: %w", err)
	}
	return nil
}

// SaveEvalReport creates or overwrites a candidate's replay report.
func (p *Postgres) SaveEvalReport(ctx context.Context, r models.PolicyEvalReport) error {
	now := time.Now().UTC()
	_, err := p.pool.Exec(ctx, `
		INSERT INTO policy_eval_reports (tenant_id, channel_id, candidate_version, replay_metrics_json, approved, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (tenant_id, channel_id, candidate_version)
		DO UPDATE SET replay_metrics_json = EXCLUDED.replay_metrics_json, approved = EXCLUDED.approved, updated_at = EXCLUDED.updated_at
	`, r.TenantID, r.ChannelID, r.CandidateVersion, r.ReplayMetrics, r.Approved, now)
	if err != nil {
		return fmt.Errorf("save eval report: %w", err)
	}
	return nil
}

func (p *Postgres) GetEvalReport(ctx context.Context, tenant, channel, candidateVersion string) (models.PolicyEvalReport, bool, error) {
	var r models.PolicyEvalReport
	err := p.pool.QueryRow(ctx, `
		SELECT tenant_id, channel_id, candidate_version, replay_metrics_json, approved, created_at, updated_at
		FROM policy_eval_reports
		WHERE tenant_id = $1 AND channel_id = $2 AND candidate_version = $3
	`, tenant, channel, candidateVersion).Scan(&r.TenantID, &r.ChannelID, &r.CandidateVersion, &r.ReplayMetrics, &r.Approved, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PolicyEvalReport{}, false, nil
	}
	if err != nil {
		return models.PolicyEvalReport{}, false, fmt.Errorf("get eval report: %w", err)
	}
	return r, true, nil
}

// UpsertAlert opens or refreshes a guardrail alert. A previously resolved
// row is reopened: detected_at moves forward and resolved_at clears.
func (p *Postgres) UpsertAlert(ctx context.Context, a models.Alert) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO yt_alerts (tenant_id, channel_id, alert_key, kind, severity, message, details_json, detected_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL)
		ON CONFLICT (tenant_id, channel_id, alert_key)
		DO UPDATE SET kind = EXCLUDED.kind, severity = EXCLUDED.severity, message = EXCLUDED.message, details_json = EXCLUDED.details_json, detected_at = EXCLUDED.detected_at, resolved_at = NULL
	`, a.TenantID, a.ChannelID, string(a.Key), a.Kind, string(a.Severity), a.Message, a.Details, a.DetectedAt)
	if err != nil {
		return fmt.Errorf("upsert alert: %w", err)
	}
	return nil
}

// ResolveAlerts closes open alerts for the given keys, returning how many
// rows flipped.
func (p *Postgres) ResolveAlerts(ctx context.Context, tenant, channel string, keys []models.AlertKey, now time.Time) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	ks := make([]string, len(keys))
	for i, k := range keys {
		ks[i] = string(k)
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE yt_alerts SET resolved_at = $1
		WHERE tenant_id = $2 AND channel_id = $3 AND alert_key = ANY($4) AND resolved_at IS NULL
	`, now, tenant, channel, ks)
	if err != nil {
		return 0, fmt.Errorf("resolve alerts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListAlerts returns a channel's alerts, open first.
func (p *Postgres) ListAlerts(ctx context.Context, tenant, channel string, includeResolved bool) ([]models.Alert, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT tenant_id, channel_id, alert_key, kind, severity, message, details_json, detected_at, resolved_at
		FROM yt_alerts
		WHERE tenant_id = $1 AND channel_id = $2 AND ($3 OR resolved_at IS NULL)
		ORDER BY resolved_at IS NOT NULL, detected_at DESC
	`, tenant, channel, includeResolved)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()
	var out []models.Alert
	for rows.Next() {
		var (
			a        models.Alert
			key      string
			severity string
			resolved pgtype.Timestamptz
		)
		if err := rows.Scan(&a.TenantID, &a.ChannelID, &key, &a.Kind, &severity, &a.Message, &a.Details, &a.DetectedAt, &resolved); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Key = models.AlertKey(key)
		a.Severity = models.Severity(severity)
		if resolved.Valid {
			at := resolved.Time
			a.ResolvedAt = &at
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListActiveConnections enumerates channels eligible for scheduling.
func (p *Postgres) ListActiveConnections(ctx context.Context) ([]models.ChannelConnection, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT tenant_id, channel_id, access_token, refresh_token, token_expiry, status, created_at, updated_at
		FROM channel_connections
		WHERE status = 'active'
		ORDER BY tenant_id, channel_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list active connections: %w", err)
	}
	defer rows.Close()
	var out []models.ChannelConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConnection(row pgx.Row) (models.ChannelConnection, error) {
	var (
		c       models.ChannelConnection
		refresh pgtype.Text
		expiry  pgtype.Timestamptz
	)
	err := row.Scan(&c.TenantID, &c.ChannelID, &c.AccessToken, &refresh, &expiry, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return models.ChannelConnection{}, fmt.Errorf("scan connection: %w", err)
	}
	c.RefreshToken = textPtr(refresh)
	if expiry.Valid {
		at := expiry.Time
		c.TokenExpiry = &at
	}
	return c, nil
}

// GetConnection fetches one channel connection.
func (p *Postgres) GetConnection(ctx context.Context, tenant, channel string) (models.ChannelConnection, bool, error) {
	c, err := scanConnection(p.pool.QueryRow(ctx, `
		SELECT tenant_id, channel_id, access_token, refresh_token, token_expiry, status, created_at, updated_at
		FROM channel_connections
		WHERE tenant_id = $1 AND channel_id = $2
	`, tenant, channel))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ChannelConnection{}, false, nil
		}
		return models.ChannelConnection{}, false, err
	}
	return c, true, nil
}

// UpsertConnection creates or refreshes a channel connection row.
func (p *Postgres) UpsertConnection(ctx context.Context, c models.ChannelConnection) error {
	now := time.Now().UTC()
	status := c.Status
	if status == "" {
		status = models.ConnectionActive
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO channel_connections (tenant_id, channel_id, access_token, refresh_token, token_expiry, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (tenant_id, channel_id)
		DO UPDATE SET access_token = EXCLUDED.access_token, refresh_token = EXCLUDED.refresh_token, token_expiry = EXCLUDED.token_expiry, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
	`, c.TenantID, c.ChannelID, c.AccessToken, c.RefreshToken, c.TokenExpiry, status, now)
	if err != nil {
		return fmt.Errorf("upsert connection: %w", err)
	}
	return nil
}

// UpdateConnectionTokens persists refreshed platform credentials.
func (p *Postgres) UpdateConnectionTokens(ctx context.Context, tenant, channel, access string, refresh *string, expiry *time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE channel_connections
		SET access_token = $3, refresh_token = COALESCE($4, refresh_token), token_expiry = $5, updated_at = $6
		WHERE tenant_id = $1 AND channel_id = $2
	`, tenant, channel, access, refresh, expiry, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update connection tokens: %w", err)
	}
	return nil
}

// InsertUsageEvent records a usage marker once. A duplicate dedupe key
// reports false with no error.
func (p *Postgres) InsertUsageEvent(ctx context.Context, e models.UsageEvent) (bool, error) {
	quantity := e.Quantity
	if quantity == 0 {
		quantity = 1
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO usage_events (tenant_id, event_kind, dedupe_key, quantity, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, event_kind, dedupe_key) DO NOTHING
	`, e.TenantID, e.EventKind, e.DedupeKey, quantity, time.Now().UTC())
	if err != nil {
		if IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert usage event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
