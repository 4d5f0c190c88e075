package guardrail

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"channel-strategy-backend/internal/models"
	"channel-strategy-backend/internal/store"
)

// Thresholds for the rolling-window conditions. Windows are the last 7
// completed days (ending yesterday) and the 7 days before that.
const (
	minWindowViewsForRPM  = 1000
	rpmDropWarningPct     = 0.10
	rpmDropErrorPct       = 0.20
	rpmDropCriticalPct    = 0.30
	minRevenueForConc     = 20.0
	concentrationAlertPct = 0.70
	minDaysForVolatility  = 5
	volatilityAlertRatio  = 0.8
	staleWarningDays      = 3
	staleErrorDays        = 7
	minViewsForMissingRev = 10000
	nearZeroRevenueUSD    = 0.01
)

// Inputs is everything one evaluation run looks at. Current* cover the last
// 7 completed days, Baseline* the 7 days before that. Nil pointers mean the
// corresponding data has never existed for this channel.
type Inputs struct {
	TenantID       string
	ChannelID      string
	Now            time.Time
	CurrentTotals  []models.VideoMetric
	BaselineTotals []models.VideoMetric
	CurrentVideos  []models.VideoMetric
	LatestMetricDt *time.Time
	LastDailyTask  *models.JobTask
}

// Details is the typed payload behind yt_alerts.details_json. Only the
// fields relevant to the alert's key are populated.
type Details struct {
	SchemaVersion   int     `json:"schema_version"`
	CurrentRPM      float64 `json:"current_rpm,omitempty"`
	BaselineRPM     float64 `json:"baseline_rpm,omitempty"`
	DropPct         float64 `json:"drop_pct,omitempty"`
	TopVideoID      string  `json:"top_video_id,omitempty"`
	TopSharePct     float64 `json:"top_share_pct,omitempty"`
	WindowRevenue   float64 `json:"window_revenue_usd,omitempty"`
	WindowViews     int64   `json:"window_views,omitempty"`
	VolatilityRatio float64 `json:"volatility_ratio,omitempty"`
	DaysStale       int     `json:"days_stale,omitempty"`
	TaskError       string  `json:"task_error,omitempty"`
}

// Evaluate computes the desired alert set for one channel plus the list of
// keys it had enough data to judge. Pure. Keys judged but not desired are
// the ones a caller should auto-resolve; keys that could not be judged are
// left alone so missing data never flaps an alert closed.
func Evaluate(in Inputs) (desired []models.Alert, judged []models.AlertKey) {
	raise := func(key models.AlertKey, kind string, sev models.Severity, msg string, det Details) {
		det.SchemaVersion = 1
		desired = append(desired, models.Alert{
			TenantID:   in.TenantID,
			ChannelID:  in.ChannelID,
			Key:        key,
			Kind:       kind,
			Severity:   sev,
			Message:    msg,
			Details:    encodeDetails(det),
			DetectedAt: in.Now,
		})
	}

	curRevenue, curViews := sumRows(in.CurrentTotals)
	baseRevenue, baseViews := sumRows(in.BaselineTotals)

	// rpm_drop_7d: judgeable only when both windows carry real traffic and
	// a meaningful baseline exists.
	if curViews >= minWindowViewsForRPM && baseViews >= minWindowViewsForRPM {
		if baseRPM := rpm(baseRevenue, baseViews); baseRPM > 0 {
			judged = append(judged, models.AlertRPMDrop7d)
			curRPM := rpm(curRevenue, curViews)
			drop := (baseRPM - curRPM) / baseRPM
			if sev, ok := rpmSeverity(drop); ok {
				raise(models.AlertRPMDrop7d, "economics", sev,
					fmt.Sprintf("RPM dropped %.0f%% vs prior 7 days ($%.2f to $%.2f)", drop*100, baseRPM, curRPM),
					Details{CurrentRPM: curRPM, BaselineRPM: baseRPM, DropPct: drop})
			}
		}
	}

	// rev_concentration_top1_7d: skipped on tiny channels where one sale
	// dominating the week is noise, not signal.
	byVideo := make(map[string]float64)
	var videoTotal float64
	for _, r := range in.CurrentVideos {
		byVideo[r.VideoID] += r.RevenueUSD
		videoTotal += r.RevenueUSD
	}
	if videoTotal >= minRevenueForConc {
		judged = append(judged, models.AlertRevConcentration7d)
		topID, topRev := topVideo(byVideo)
		if share := topRev / videoTotal; share >= concentrationAlertPct {
			raise(models.AlertRevConcentration7d, "economics", models.SeverityWarning,
				fmt.Sprintf("top video %s holds %.0f%% of 7-day revenue", topID, share*100),
				Details{TopVideoID: topID, TopSharePct: share, WindowRevenue: videoTotal})
		}
	}

	// rev_volatility_7d
	dayTotals := make(map[string]float64)
	for _, r := range in.CurrentTotals {
		dayTotals[models.FormatDt(r.MetricDt)] += r.RevenueUSD
	}
	if len(dayTotals) >= minDaysForVolatility {
		judged = append(judged, models.AlertRevVolatility7d)
		if ratio := volatilityRatio(dayTotals); ratio > volatilityAlertRatio {
			raise(models.AlertRevVolatility7d, "economics", models.SeverityWarning,
				fmt.Sprintf("daily revenue volatility ratio %.2f over the last 7 days", ratio),
				Details{VolatilityRatio: ratio, WindowRevenue: curRevenue})
		}
	}

	// metrics_stale: judgeable once anything was ever ingested.
	if in.LatestMetricDt != nil {
		judged = append(judged, models.AlertMetricsStale)
		today := models.Dt(in.Now)
		daysStale := int(today.Sub(models.Dt(*in.LatestMetricDt)).Hours() / 24)
		if daysStale >= staleWarningDays {
			sev := models.SeverityWarning
			if daysStale >= staleErrorDays {
				sev = models.SeverityError
			}
			raise(models.AlertMetricsStale, "pipeline", sev,
				fmt.Sprintf("no metrics ingested for %d days", daysStale),
				Details{DaysStale: daysStale})
		}
	}

	// Platform-error surfacing off the latest daily task. Both keys are
	// judged whenever such a task exists so a clean run resolves them.
	var analyticsForbidden, analyticsUnsupported bool
	if in.LastDailyTask != nil {
		judged = append(judged, models.AlertAnalyticsForbidden, models.AlertAnalyticsUnsupported)
		var errText string
		if in.LastDailyTask.LastError != nil {
			errText = *in.LastDailyTask.LastError
		}
		analyticsForbidden = strings.Contains(errText, "403")
		analyticsUnsupported = strings.Contains(errText, "400") &&
			strings.Contains(strings.ToLower(errText), "not supported")
		if analyticsForbidden {
			raise(models.AlertAnalyticsForbidden, "platform", models.SeverityWarning,
				"platform denied analytics access (403); check channel permissions",
				Details{TaskError: errText})
		}
		if analyticsUnsupported {
			raise(models.AlertAnalyticsUnsupported, "platform", models.SeverityInfo,
				"analytics query not supported for this channel (400)",
				Details{TaskError: errText})
		}
	}

	// revenue_missing_7d: real traffic, no money, and no platform error
	// that would already explain the gap.
	if len(in.CurrentTotals) > 0 {
		judged = append(judged, models.AlertRevenueMissing7d)
		if curViews >= minViewsForMissingRev && curRevenue < nearZeroRevenueUSD &&
			!analyticsForbidden && !analyticsUnsupported {
			raise(models.AlertRevenueMissing7d, "economics", models.SeverityInfo,
				fmt.Sprintf("%d views in 7 days but $%.2f revenue; monetization data may be missing", curViews, curRevenue),
				Details{WindowViews: curViews, WindowRevenue: curRevenue})
		}
	}

	return desired, judged
}

// RunResult summarizes one store-backed evaluation.
type RunResult struct {
	Alerts   []models.Alert `json:"alerts"`
	Raised   int            `json:"raised"`
	Resolved int            `json:"resolved"`
}

// Evaluator loads windows from the store, runs Evaluate, and applies the
// open/auto-resolve transitions.
type Evaluator struct {
	store store.Store
}

func NewEvaluator(s store.Store) *Evaluator {
	return &Evaluator{store: s}
}

func (e *Evaluator) Run(ctx context.Context, tenant, channel string, now time.Time) (RunResult, error) {
	today := models.Dt(now)
	curStart, curEnd := today.AddDate(0, 0, -7), today.AddDate(0, 0, -1)
	baseStart, baseEnd := today.AddDate(0, 0, -14), today.AddDate(0, 0, -8)

	currentTotals, err := e.store.ChannelTotalsRange(ctx, tenant, channel, curStart, curEnd)
	if err != nil {
		return RunResult{}, fmt.Errorf("load current channel totals: %w", err)
	}
	baselineTotals, err := e.store.ChannelTotalsRange(ctx, tenant, channel, baseStart, baseEnd)
	if err != nil {
		return RunResult{}, fmt.Errorf("load baseline channel totals: %w", err)
	}
	currentVideos, err := e.store.VideoMetricsRange(ctx, tenant, channel, curStart, curEnd)
	if err != nil {
		return RunResult{}, fmt.Errorf("load current video metrics: %w", err)
	}

	in := Inputs{
		TenantID:       tenant,
		ChannelID:      channel,
		Now:            now,
		CurrentTotals:  currentTotals,
		BaselineTotals: baselineTotals,
		CurrentVideos:  currentVideos,
	}
	if latest, ok, err := e.store.LatestMetricDt(ctx, tenant, channel); err != nil {
		return RunResult{}, fmt.Errorf("load latest metric date: %w", err)
	} else if ok {
		in.LatestMetricDt = &latest
	}
	if task, ok, err := e.store.LatestTaskForChannel(ctx, tenant, channel, models.JobDailyChannel); err != nil {
		return RunResult{}, fmt.Errorf("load latest daily task: %w", err)
	} else if ok {
		in.LastDailyTask = &task
	}

	desired, judged := Evaluate(in)

	desiredKeys := make(map[models.AlertKey]struct{}, len(desired))
	for _, a := range desired {
		if err := e.store.UpsertAlert(ctx, a); err != nil {
			return RunResult{}, fmt.Errorf("upsert alert %s: %w", a.Key, err)
		}
		desiredKeys[a.Key] = struct{}{}
	}

	var resolveKeys []models.AlertKey
	for _, k := range judged {
		if _, ok := desiredKeys[k]; !ok {
			resolveKeys = append(resolveKeys, k)
		}
	}
	resolved := 0
	if len(resolveKeys) > 0 {
		resolved, err = e.store.ResolveAlerts(ctx, tenant, channel, resolveKeys, now)
		if err != nil {
			return RunResult{}, fmt.Errorf("resolve cleared alerts: %w", err)
		}
	}

	return RunResult{Alerts: desired, Raised: len(desired), Resolved: resolved}, nil
}

func sumRows(rows []models.VideoMetric) (revenue float64, views int64) {
	for _, r := range rows {
		revenue += r.RevenueUSD
		views += r.Views
	}
	return revenue, views
}

func rpm(revenue float64, views int64) float64 {
	if views == 0 {
		return 0
	}
	return revenue / float64(views) * 1000
}

func rpmSeverity(drop float64) (models.Severity, bool) {
	switch {
	case drop >= rpmDropCriticalPct:
		return models.SeverityCritical, true
	case drop >= rpmDropErrorPct:
		return models.SeverityError, true
	case drop >= rpmDropWarningPct:
		return models.SeverityWarning, true
	}
	return "", false
}

func topVideo(byVideo map[string]float64) (string, float64) {
	var (
		topID  string
		topRev float64
	)
	for id, rev := range byVideo {
		if topID == "" || rev > topRev || (rev == topRev && id < topID) {
			topID = id
			topRev = rev
		}
	}
	return topID, topRev
}

func volatilityRatio(dayTotals map[string]float64) float64 {
	var total float64
	for _, v := range dayTotals {
		total += v
	}
	mean := total / float64(len(dayTotals))
	if mean <= 0 {
		return 0
	}
	var sumSquares float64
	for _, v := range dayTotals {
		d := v - mean
		sumSquares += d * d
	}
	return math.Sqrt(sumSquares/float64(len(dayTotals))) / mean
}

func encodeDetails(d Details) []byte {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	return raw
}
