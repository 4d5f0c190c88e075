package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"channel-strategy-backend/internal/decision"
	"channel-strategy-backend/internal/models"
	"channel-strategy-backend/internal/outcome"
	"channel-strategy-backend/internal/platform"
	"channel-strategy-backend/internal/telemetry"
)

// Days of metrics pulled per daily run, ending the day before run_for.
const dailyWindowDays = 7

// Top-set size compared by the outcome engine.
const outcomeTopN = 3

// runDailyChannel ingests the channel's 7-day metrics window, computes the
// day's decision, and labels the decision from a week ago if one exists.
// Every side effect is an upsert or conflict-tolerant insert, so a retried
// task converges on the same rows.
func (p *Processor) runDailyChannel(ctx context.Context, task models.JobTask, now time.Time) error {
	if task.RunForDt == nil {
		return errors.New("daily task missing run_for_dt")
	}
	runFor := models.Dt(*task.RunForDt)
	start := runFor.AddDate(0, 0, -dailyWindowDays)
	end := runFor.AddDate(0, 0, -1)

	rows, err := p.fetchWindow(ctx, task, now, start, end)
	if err != nil {
		return err
	}
	if err := p.ingestRows(ctx, task, rows); err != nil {
		return err
	}

	params, err := p.ensureActiveParams(ctx, task.TenantID, task.ChannelID)
	if err != nil {
		return err
	}

	window, err := p.deps.Store.VideoMetricsRange(ctx, task.TenantID, task.ChannelID, start, end)
	if err != nil {
		return fmt.Errorf("load metrics window: %w", err)
	}
	verdict := decision.Compute(window, start, end, params)
	telemetry.DecisionCounter.WithLabelValues(string(verdict.Direction)).Inc()

	err = p.deps.Store.UpsertDecision(ctx, models.DecisionDaily{
		TenantID:   task.TenantID,
		ChannelID:  task.ChannelID,
		AsOfDt:     runFor,
		Direction:  verdict.Direction,
		Confidence: verdict.Confidence,
		Evidence:   verdict.Evidence,
		Forbidden:  verdict.Forbidden,
		Reevaluate: verdict.Reevaluate,
	})
	if err != nil {
		return fmt.Errorf("upsert decision: %w", err)
	}

	_, err = p.deps.Store.InsertUsageEvent(ctx, models.UsageEvent{
		TenantID:  task.TenantID,
		EventKind: "decision_computed",
		DedupeKey: fmt.Sprintf("%s|%s", task.ChannelID, models.FormatDt(runFor)),
		Quantity:  1,
	})
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}

	return p.labelPriorDecision(ctx, task, runFor)
}

// fetchWindow pulls the metrics window, refreshing credentials proactively
// when expired and reactively exactly once on a 401.
func (p *Processor) fetchWindow(ctx context.Context, task models.JobTask, now time.Time, start, end time.Time) ([]platform.VideoDay, error) {
	creds, err := p.deps.Tokens.ActiveCredentials(ctx, task.TenantID, task.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("credentials for %s/%s: %w", task.TenantID, task.ChannelID, err)
	}
	if creds.Expired(now) && creds.RefreshToken != "" {
		creds, err = p.refreshCredentials(ctx, task, creds)
		if err != nil {
			return nil, err
		}
	}

	rows, err := p.deps.Metrics.FetchDailyMetrics(ctx, creds.AccessToken, start, end)
	if err == nil {
		return rows, nil
	}
	if !platform.IsStatus(err, http.StatusUnauthorized) || creds.RefreshToken == "" {
		return nil, fmt.Errorf("fetch daily metrics: %w", err)
	}

	creds, err = p.refreshCredentials(ctx, task, creds)
	if err != nil {
		return nil, err
	}
	rows, err = p.deps.Metrics.FetchDailyMetrics(ctx, creds.AccessToken, start, end)
	if err != nil {
		return nil, fmt.Errorf("fetch daily metrics after refresh: %w", err)
	}
	return rows, nil
}

// refreshCredentials exchanges the refresh token and persists the new token
// set so later tasks and ticks start from it.
func (p *Processor) refreshCredentials(ctx context.Context, task models.JobTask, creds platform.Credentials) (platform.Credentials, error) {
	fresh, err := p.deps.Refresher.Refresh(ctx, creds.RefreshToken)
	if err != nil {
		return platform.Credentials{}, fmt.Errorf("refresh token: %w", err)
	}

	var rotated *string
	if fresh.RefreshToken != "" && fresh.RefreshToken != creds.RefreshToken {
		rotated = &fresh.RefreshToken
	}
	var expiry *time.Time
	if !fresh.Expiry.IsZero() {
		expiry = &fresh.Expiry
	}
	if err := p.deps.Store.UpdateConnectionTokens(ctx, task.TenantID, task.ChannelID, fresh.AccessToken, rotated, expiry); err != nil {
		return platform.Credentials{}, fmt.Errorf("persist refreshed token: %w", err)
	}
	return fresh, nil
}

// ingestRows upserts per-video rows, the derived channel-total rows, and
// first-seen dates for any video new to this channel.
func (p *Processor) ingestRows(ctx context.Context, task models.JobTask, rows []platform.VideoDay) error {
	if len(rows) == 0 {
		return nil
	}

	type dayAgg struct {
		revenue     float64
		impressions int64
		views       int64
	}
	totals := make(map[time.Time]*dayAgg)
	firstSeen := make(map[string]time.Time)

	metrics := make([]models.VideoMetric, 0, len(rows))
	for _, r := range rows {
		dt := models.Dt(r.Date)
		metrics = append(metrics, models.VideoMetric{
			TenantID:    task.TenantID,
			ChannelID:   task.ChannelID,
			VideoID:     r.VideoID,
			MetricDt:    dt,
			RevenueUSD:  r.RevenueUSD,
			Impressions: r.Impressions,
			Views:       r.Views,
		})
		agg := totals[dt]
		if agg == nil {
			agg = &dayAgg{}
			totals[dt] = agg
		}
		agg.revenue += r.RevenueUSD
		agg.impressions += r.Impressions
		agg.views += r.Views
		if seen, ok := firstSeen[r.VideoID]; !ok || dt.Before(seen) {
			firstSeen[r.VideoID] = dt
		}
	}
	for dt, agg := range totals {
		metrics = append(metrics, models.VideoMetric{
			TenantID:       task.TenantID,
			ChannelID:      task.ChannelID,
			VideoID:        models.ChannelTotalVideoID,
			MetricDt:       dt,
			RevenueUSD:     agg.revenue,
			Impressions:    agg.impressions,
			Views:          agg.views,
			IsChannelTotal: true,
		})
	}

	if err := p.deps.Store.UpsertVideoMetrics(ctx, metrics); err != nil {
		return fmt.Errorf("upsert metrics: %w", err)
	}
	if _, err := p.deps.Store.RecordFirstSeen(ctx, task.TenantID, task.ChannelID, firstSeen); err != nil {
		return fmt.Errorf("record first seen: %w", err)
	}
	return nil
}

// labelPriorDecision runs the outcome engine for the decision made exactly
// one week before run_for, comparing the 7-day windows straddling it.
func (p *Processor) labelPriorDecision(ctx context.Context, task models.JobTask, runFor time.Time) error {
	decisionDt := runFor.AddDate(0, 0, -dailyWindowDays)
	prior, ok, err := p.deps.Store.GetDecision(ctx, task.TenantID, task.ChannelID, decisionDt)
	if err != nil {
		return fmt.Errorf("load prior decision: %w", err)
	}
	if !ok {
		return nil
	}

	preRows, err := p.deps.Store.VideoMetricsRange(ctx, task.TenantID, task.ChannelID,
		decisionDt.AddDate(0, 0, -dailyWindowDays), decisionDt.AddDate(0, 0, -1))
	if err != nil {
		return fmt.Errorf("load pre window: %w", err)
	}
	postRows, err := p.deps.Store.VideoMetricsRange(ctx, task.TenantID, task.ChannelID,
		decisionDt, decisionDt.AddDate(0, 0, dailyWindowDays-1))
	if err != nil {
		return fmt.Errorf("load post window: %w", err)
	}

	preRevenue, preTop := windowSummary(preRows, outcomeTopN)
	postRevenue, postTop := windowSummary(postRows, outcomeTopN)
	label := outcome.Label(preRevenue, postRevenue, preTop, postTop)

	err = p.deps.Store.UpsertOutcome(ctx, models.DecisionOutcome{
		TenantID:        task.TenantID,
		ChannelID:       task.ChannelID,
		DecisionDt:      decisionDt,
		OutcomeDt:       runFor,
		RevenueChange7d: label.RevenueChangePct,
		Catastrophic:    label.Catastrophic,
		NewTopAsset:     label.NewTopAsset,
		Notes:           fmt.Sprintf("decision %s: %s", prior.Direction, label.Notes),
	})
	if err != nil {
		return fmt.Errorf("upsert outcome: %w", err)
	}
	return nil
}

// windowSummary totals a window's per-video revenue and ranks its top-N
// videos, revenue descending with id as the tiebreak.
func windowSummary(rows []models.VideoMetric, topN int) (float64, []string) {
	byVideo := make(map[string]float64)
	var total float64
	for _, r := range rows {
		byVideo[r.VideoID] += r.RevenueUSD
		total += r.RevenueUSD
	}

	ids := make([]string, 0, len(byVideo))
	for id, rev := range byVideo {
		if rev > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if byVideo[ids[i]] != byVideo[ids[j]] {
			return byVideo[ids[i]] > byVideo[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > topN {
		ids = ids[:topN]
	}
	return total, ids
}
