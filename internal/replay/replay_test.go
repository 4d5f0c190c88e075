package replay

import (
	"math"
	"testing"
	"time"

	"channel-strategy-backend/internal/models"
)

func decision(offset int, dir models.Direction) models.DecisionDaily {
	return models.DecisionDaily{
		TenantID:  "t1",
		ChannelID: "ch1",
		AsOfDt:    time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset),
		Direction: dir,
	}
}

func recorded(offset int, catastrophic bool) models.DecisionOutcome {
	return models.DecisionOutcome{
		TenantID:     "t1",
		ChannelID:    "ch1",
		DecisionDt:   time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset),
		OutcomeDt:    time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset+7),
		Catastrophic: catastrophic,
	}
}

func near(t *testing.T, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected %.4f, got %.4f", want, got)
	}
}

func TestAggregateEmptyHistory(t *testing.T) {
	m := Aggregate(nil, nil)

	if m != (Metrics{}) {
		t.Fatalf("expected zero metrics, got %+v", m)
	}
}

func TestAggregateSingleDay(t *testing.T) {
	m := Aggregate([]models.DecisionDaily{decision(0, models.DirectionProtect)}, nil)

	if m.Days != 1 || m.SwitchCount != 0 {
		t.Fatalf("expected 1 day no switches, got %+v", m)
	}
	near(t, m.ProtectRate, 1)
	near(t, m.SwitchRate, 0)
}

func TestAggregateRates(t *testing.T) {
	history := []models.DecisionDaily{
		decision(0, models.DirectionProtect),
		decision(1, models.DirectionExploit),
		decision(2, models.DirectionExploit),
		decision(3, models.DirectionProtect),
	}
	outcomes := []models.DecisionOutcome{
		recorded(1, true),  // EXPLOIT day went catastrophic
		recorded(2, false), // EXPLOIT day fine
		recorded(3, true),  // PROTECT day: catastrophic but not counted unsafe
	}

	m := Aggregate(history, outcomes)

	if m.Days != 4 || m.ProtectDays != 2 {
		t.Fatalf("expected 4 days 2 protect, got %+v", m)
	}
	near(t, m.ProtectRate, 0.5)
	if m.SwitchCount != 2 {
		t.Fatalf("expected 2 switches, got %d", m.SwitchCount)
	}
	near(t, m.SwitchRate, 2.0/3.0)
	if m.DaysWithOutcome != 3 {
		t.Fatalf("expected 3 days with outcome, got %d", m.DaysWithOutcome)
	}
	near(t, m.CatastrophicRate, 1.0/3.0)
}

func TestAggregateSortsHistory(t *testing.T) {
	history := []models.DecisionDaily{
		decision(2, models.DirectionProtect),
		decision(0, models.DirectionProtect),
		decision(1, models.DirectionExplore),
	}

	m := Aggregate(history, nil)

	// chronological order is PROTECT, EXPLORE, PROTECT
	if m.SwitchCount != 2 {
		t.Fatalf("expected 2 switches after sorting, got %d", m.SwitchCount)
	}
}
