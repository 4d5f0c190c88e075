package guardrail

import (
	"context"
	"testing"
	"time"

	"channel-strategy-backend/internal/models"
	"channel-strategy-backend/internal/store"
)

var evalNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func totalRow(dt time.Time, revenue float64, views int64) models.VideoMetric {
	return models.VideoMetric{
		TenantID:       "t1",
		ChannelID:      "ch1",
		VideoID:        models.ChannelTotalVideoID,
		MetricDt:       dt,
		RevenueUSD:     revenue,
		Views:          views,
		IsChannelTotal: true,
	}
}

func videoRow(videoID string, dt time.Time, revenue float64) models.VideoMetric {
	return models.VideoMetric{
		TenantID:   "t1",
		ChannelID:  "ch1",
		VideoID:    videoID,
		MetricDt:   dt,
		RevenueUSD: revenue,
		Views:      500,
	}
}

func findAlert(alerts []models.Alert, key models.AlertKey) (models.Alert, bool) {
	for _, a := range alerts {
		if a.Key == key {
			return a, true
		}
	}
	return models.Alert{}, false
}

func hasKey(keys []models.AlertKey, key models.AlertKey) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func TestEvaluateRPMDropSeverities(t *testing.T) {
	cases := []struct {
		name       string
		currentRev float64
		severity   models.Severity
	}{
		{"warning at 15 percent", 17, models.SeverityWarning},
		{"error at 25 percent", 15, models.SeverityError},
		{"critical at 35 percent", 13, models.SeverityCritical},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// baseline RPM $10 per mille: $20 over 2000 views
			in := Inputs{
				TenantID:  "t1",
				ChannelID: "ch1",
				Now:       evalNow,
				BaselineTotals: []models.VideoMetric{
					totalRow(evalNow.AddDate(0, 0, -10), 20, 2000),
				},
				CurrentTotals: []models.VideoMetric{
					totalRow(evalNow.AddDate(0, 0, -3), tc.currentRev, 2000),
				},
			}

			desired, judged := Evaluate(in)

			if !hasKey(judged, models.AlertRPMDrop7d) {
				t.Fatal("expected rpm_drop_7d to be judged")
			}
			a, ok := findAlert(desired, models.AlertRPMDrop7d)
			if !ok {
				t.Fatal("expected rpm_drop_7d alert")
			}
			if a.Severity != tc.severity {
				t.Fatalf("expected severity %s, got %s", tc.severity, a.Severity)
			}
		})
	}
}

func TestEvaluateRPMRequiresTraffic(t *testing.T) {
	in := Inputs{
		TenantID:       "t1",
		ChannelID:      "ch1",
		Now:            evalNow,
		BaselineTotals: []models.VideoMetric{totalRow(evalNow.AddDate(0, 0, -10), 20, 400)},
		CurrentTotals:  []models.VideoMetric{totalRow(evalNow.AddDate(0, 0, -3), 5, 400)},
	}

	desired, judged := Evaluate(in)

	if hasKey(judged, models.AlertRPMDrop7d) {
		t.Fatal("rpm must not be judged under 1000 views")
	}
	if _, ok := findAlert(desired, models.AlertRPMDrop7d); ok {
		t.Fatal("rpm alert must not fire under 1000 views")
	}
}

func TestEvaluateConcentration(t *testing.T) {
	dt := evalNow.AddDate(0, 0, -3)
	in := Inputs{
		TenantID:  "t1",
		ChannelID: "ch1",
		Now:       evalNow,
		CurrentVideos: []models.VideoMetric{
			videoRow("a", dt, 18),
			videoRow("b", dt, 3),
		},
	}

	desired, judged := Evaluate(in)

	if !hasKey(judged, models.AlertRevConcentration7d) {
		t.Fatal("expected concentration to be judged at $21")
	}
	a, ok := findAlert(desired, models.AlertRevConcentration7d)
	if !ok {
		t.Fatal("expected concentration alert at 86% share")
	}
	if a.Severity != models.SeverityWarning {
		t.Fatalf("expected warning, got %s", a.Severity)
	}
}

func TestEvaluateConcentrationSkippedOnTinyRevenue(t *testing.T) {
	dt := evalNow.AddDate(0, 0, -3)
	in := Inputs{
		TenantID:      "t1",
		ChannelID:     "ch1",
		Now:           evalNow,
		CurrentVideos: []models.VideoMetric{videoRow("a", dt, 5)},
	}

	_, judged := Evaluate(in)

	if hasKey(judged, models.AlertRevConcentration7d) {
		t.Fatal("concentration must not be judged under $20")
	}
}

func TestEvaluateVolatility(t *testing.T) {
	var totals []models.VideoMetric
	for i := 0; i < 7; i++ {
		rev := 1.0
		if i%2 == 1 {
			rev = 20
		}
		totals = append(totals, totalRow(evalNow.AddDate(0, 0, -7+i), rev, 100))
	}
	in := Inputs{TenantID: "t1", ChannelID: "ch1", Now: evalNow, CurrentTotals: totals}

	desired, judged := Evaluate(in)

	if !hasKey(judged, models.AlertRevVolatility7d) {
		t.Fatal("expected volatility to be judged with 7 days of totals")
	}
	if _, ok := findAlert(desired, models.AlertRevVolatility7d); !ok {
		t.Fatal("expected volatility alert for alternating revenue")
	}
}

func TestEvaluateMetricsStale(t *testing.T) {
	cases := []struct {
		name     string
		daysAgo  int
		fires    bool
		severity models.Severity
	}{
		{"fresh", 1, false, ""},
		{"warning at 5 days", 5, true, models.SeverityWarning},
		{"error at 10 days", 10, true, models.SeverityError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			latest := models.Dt(evalNow).AddDate(0, 0, -tc.daysAgo)
			in := Inputs{TenantID: "t1", ChannelID: "ch1", Now: evalNow, LatestMetricDt: &latest}

			desired, judged := Evaluate(in)

			if !hasKey(judged, models.AlertMetricsStale) {
				t.Fatal("staleness must be judged once metrics exist")
			}
			a, ok := findAlert(desired, models.AlertMetricsStale)
			if ok != tc.fires {
				t.Fatalf("expected fires=%v, got %v", tc.fires, ok)
			}
			if ok && a.Severity != tc.severity {
				t.Fatalf("expected severity %s, got %s", tc.severity, a.Severity)
			}
		})
	}
}

func TestEvaluatePlatformErrors(t *testing.T) {
	errText := "fetch daily metrics: status 403 Forbidden"
	task := models.JobTask{JobType: models.JobDailyChannel, LastError: &errText}
	in := Inputs{TenantID: "t1", ChannelID: "ch1", Now: evalNow, LastDailyTask: &task}

	desired, judged := Evaluate(in)

	if !hasKey(judged, models.AlertAnalyticsForbidden) || !hasKey(judged, models.AlertAnalyticsUnsupported) {
		t.Fatal("both platform keys must be judged when a daily task exists")
	}
	a, ok := findAlert(desired, models.AlertAnalyticsForbidden)
	if !ok || a.Severity != models.SeverityWarning {
		t.Fatalf("expected forbidden warning, got %+v", a)
	}

	errText2 := "fetch daily metrics: status 400: metric not supported for channel"
	task2 := models.JobTask{JobType: models.JobDailyChannel, LastError: &errText2}
	desired, _ = Evaluate(Inputs{TenantID: "t1", ChannelID: "ch1", Now: evalNow, LastDailyTask: &task2})

	a, ok = findAlert(desired, models.AlertAnalyticsUnsupported)
	if !ok || a.Severity != models.SeverityInfo {
		t.Fatalf("expected unsupported info, got %+v", a)
	}
}

func TestEvaluateCleanTaskJudgesPlatformKeysWithoutAlerts(t *testing.T) {
	task := models.JobTask{JobType: models.JobDailyChannel, Status: models.StatusSucceeded}
	in := Inputs{TenantID: "t1", ChannelID: "ch1", Now: evalNow, LastDailyTask: &task}

	desired, judged := Evaluate(in)

	if !hasKey(judged, models.AlertAnalyticsForbidden) {
		t.Fatal("clean run must still judge platform keys")
	}
	if len(desired) != 0 {
		t.Fatalf("expected no alerts, got %v", desired)
	}
}

func TestEvaluateRevenueMissing(t *testing.T) {
	totals := []models.VideoMetric{totalRow(evalNow.AddDate(0, 0, -3), 0, 15000)}
	in := Inputs{TenantID: "t1", ChannelID: "ch1", Now: evalNow, CurrentTotals: totals}

	desired, _ := Evaluate(in)

	if _, ok := findAlert(desired, models.AlertRevenueMissing7d); !ok {
		t.Fatal("expected revenue_missing_7d for 15k views and $0")
	}

	// a 403 from the platform explains the gap; the info alert stays quiet
	errText := "fetch daily metrics: status 403 Forbidden"
	task := models.JobTask{JobType: models.JobDailyChannel, LastError: &errText}
	in.LastDailyTask = &task

	desired, _ = Evaluate(in)

	if _, ok := findAlert(desired, models.AlertRevenueMissing7d); ok {
		t.Fatal("revenue_missing_7d must not fire when a platform error explains it")
	}
}

func TestRunOpensAndAutoResolves(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ev := NewEvaluator(st)

	volatile := make([]models.VideoMetric, 0, 7)
	for i := 0; i < 7; i++ {
		rev := 1.0
		if i%2 == 1 {
			rev = 20
		}
		volatile = append(volatile, totalRow(models.Dt(evalNow).AddDate(0, 0, -7+i), rev, 100))
	}
	if err := st.UpsertVideoMetrics(ctx, volatile); err != nil {
		t.Fatalf("seed metrics: %v", err)
	}

	res, err := ev.Run(ctx, "t1", "ch1", evalNow)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, ok := findAlert(res.Alerts, models.AlertRevVolatility7d); !ok {
		t.Fatal("expected volatility alert on first run")
	}

	// same dates, steady revenue now; the upsert overwrites the rows
	steady := make([]models.VideoMetric, 0, 7)
	for i := 0; i < 7; i++ {
		steady = append(steady, totalRow(models.Dt(evalNow).AddDate(0, 0, -7+i), 10, 100))
	}
	if err := st.UpsertVideoMetrics(ctx, steady); err != nil {
		t.Fatalf("reseed metrics: %v", err)
	}

	res, err = ev.Run(ctx, "t1", "ch1", evalNow)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Resolved == 0 {
		t.Fatal("expected the cleared volatility alert to auto-resolve")
	}

	alerts, err := st.ListAlerts(ctx, "t1", "ch1", true)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	a, ok := findAlert(alerts, models.AlertRevVolatility7d)
	if !ok {
		t.Fatal("expected the volatility alert row to remain")
	}
	if a.ResolvedAt == nil {
		t.Fatal("expected resolved_at to be set after the condition cleared")
	}
}

func TestRunLeavesUnjudgedAlertsOpen(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ev := NewEvaluator(st)

	open := models.Alert{
		TenantID:   "t1",
		ChannelID:  "ch1",
		Key:        models.AlertRPMDrop7d,
		Kind:       "economics",
		Severity:   models.SeverityError,
		Message:    "RPM dropped 25% vs prior 7 days",
		DetectedAt: evalNow.Add(-24 * time.Hour),
	}
	if err := st.UpsertAlert(ctx, open); err != nil {
		t.Fatalf("seed open alert: %v", err)
	}

	// Steady revenue but only 100 views a day: the RPM check has no traffic
	// to judge with, while volatility and staleness come back clean.
	quiet := make([]models.VideoMetric, 0, 7)
	for i := 0; i < 7; i++ {
		quiet = append(quiet, totalRow(models.Dt(evalNow).AddDate(0, 0, -7+i), 10, 100))
	}
	if err := st.UpsertVideoMetrics(ctx, quiet); err != nil {
		t.Fatalf("seed metrics: %v", err)
	}

	res, err := ev.Run(ctx, "t1", "ch1", evalNow)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Resolved != 0 {
		t.Fatalf("resolved %d alerts, want 0: an unjudged key must not close", res.Resolved)
	}

	alerts, err := st.ListAlerts(ctx, "t1", "ch1", false)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	a, ok := findAlert(alerts, models.AlertRPMDrop7d)
	if !ok {
		t.Fatal("expected the RPM alert to stay open when the check could not run")
	}
	if a.ResolvedAt != nil {
		t.Fatal("expected resolved_at to stay NULL for an unjudged key")
	}
}

func TestRunReopensAndRefreshesDetectedAt(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ev := NewEvaluator(st)

	volatile := make([]models.VideoMetric, 0, 7)
	for i := 0; i < 7; i++ {
		rev := 1.0
		if i%2 == 1 {
			rev = 20
		}
		volatile = append(volatile, totalRow(models.Dt(evalNow).AddDate(0, 0, -7+i), rev, 100))
	}
	if err := st.UpsertVideoMetrics(ctx, volatile); err != nil {
		t.Fatalf("seed metrics: %v", err)
	}

	if _, err := ev.Run(ctx, "t1", "ch1", evalNow); err != nil {
		t.Fatalf("first run: %v", err)
	}

	later := evalNow.Add(2 * time.Hour)
	if _, err := ev.Run(ctx, "t1", "ch1", later); err != nil {
		t.Fatalf("second run: %v", err)
	}

	alerts, err := st.ListAlerts(ctx, "t1", "ch1", false)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	a, ok := findAlert(alerts, models.AlertRevVolatility7d)
	if !ok {
		t.Fatal("expected volatility alert to stay open")
	}
	if a.ResolvedAt != nil {
		t.Fatal("expected resolved_at to stay NULL while the condition persists")
	}
	if !a.DetectedAt.Equal(later) {
		t.Fatalf("expected detected_at refreshed to %v, got %v", later, a.DetectedAt)
	}
}
