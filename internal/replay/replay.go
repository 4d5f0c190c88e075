package replay

import (
	"sort"

	"channel-strategy-backend/internal/models"
)

// Metrics summarizes the stability and safety of a trailing decision
// history. It is serialized into policy_eval_reports.replay_metrics_json.
type Metrics struct {
	Days             int     `json:"days"`
	ProtectDays      int     `json:"protect_days"`
	ProtectRate      float64 `json:"protect_rate"`
	SwitchCount      int     `json:"switch_count"`
	SwitchRate       float64 `json:"switch_rate"`
	DaysWithOutcome  int     `json:"days_with_outcome"`
	CatastrophicRate float64 `json:"catastrophic_rate"`
}

// Aggregate computes replay metrics over a decision history and its recorded
// outcomes. Pure; tolerates unsorted input and empty history.
//
// protect_rate is the share of PROTECT days. switch_rate counts adjacent
// direction changes over N-1 transitions (0 when N <= 1). catastrophic_rate
// is, among days that have an outcome, the share where a non-PROTECT
// decision met a catastrophic window.
func Aggregate(history []models.DecisionDaily, outcomes []models.DecisionOutcome) Metrics {
	var m Metrics
	m.Days = len(history)
	if m.Days == 0 {
		return m
	}

	sorted := make([]models.DecisionDaily, len(history))
	copy(sorted, history)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AsOfDt.Before(sorted[j].AsOfDt) })

	catastrophicByDt := make(map[string]bool)
	for _, o := range outcomes {
		k := models.FormatDt(o.DecisionDt)
		if _, ok := catastrophicByDt[k]; !ok {
			catastrophicByDt[k] = o.Catastrophic
		} else if o.Catastrophic {
			catastrophicByDt[k] = true
		}
	}

	var unsafe int
	for i, d := range sorted {
		if d.Direction == models.DirectionProtect {
			m.ProtectDays++
		}
		if i > 0 && d.Direction != sorted[i-1].Direction {
			m.SwitchCount++
		}
		catastrophic, hasOutcome := catastrophicByDt[models.FormatDt(d.AsOfDt)]
		if !hasOutcome {
			continue
		}
		m.DaysWithOutcome++
		if d.Direction != models.DirectionProtect && catastrophic {
			unsafe++
		}
	}

	m.ProtectRate = float64(m.ProtectDays) / float64(m.Days)
	if m.Days > 1 {
		m.SwitchRate = float64(m.SwitchCount) / float64(m.Days-1)
	}
	if m.DaysWithOutcome > 0 {
		m.CatastrophicRate = float64(unsafe) / float64(m.DaysWithOutcome)
	}
	return m
}
