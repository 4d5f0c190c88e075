package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"channel-strategy-backend/internal/decision"
	"channel-strategy-backend/internal/models"
	"channel-strategy-backend/internal/replay"
)

// Trailing history the replay gate aggregates over.
const replayHistoryDays = 28

// policySnapshot is the JSON document archived per candidate version.
type policySnapshot struct {
	TenantID  string          `json:"tenant_id"`
	ChannelID string          `json:"channel_id"`
	Version   string          `json:"version"`
	RunForDt  string          `json:"run_for_dt"`
	Params    decision.Params `json:"params"`
	Replay    replay.Metrics  `json:"replay_metrics"`
}

// runWeeklyChannel snapshots the active policy as a dated candidate,
// aggregates replay metrics over the trailing four weeks, and files the
// evaluation report. Promotion to active is not wired; approved stays false
// and the report is advisory.
func (p *Processor) runWeeklyChannel(ctx context.Context, task models.JobTask) error {
	if task.RunForDt == nil {
		return errors.New("weekly task missing run_for_dt")
	}
	runFor := models.Dt(*task.RunForDt)

	params, err := p.ensureActiveParams(ctx, task.TenantID, task.ChannelID)
	if err != nil {
		return err
	}
	raw, err := decision.EncodeParams(params)
	if err != nil {
		return err
	}

	candidate := models.CandidateVersion(runFor)
	err = p.deps.Store.SavePolicyParams(ctx, models.PolicyParams{
		TenantID:   task.TenantID,
		ChannelID:  task.ChannelID,
		Version:    candidate,
		ParamsJSON: raw,
		CreatedBy:  string(models.JobWeeklyChannel),
	})
	if err != nil {
		return fmt.Errorf("save candidate params: %w", err)
	}

	histStart := runFor.AddDate(0, 0, -replayHistoryDays)
	histEnd := runFor.AddDate(0, 0, -1)
	history, err := p.deps.Store.DecisionHistory(ctx, task.TenantID, task.ChannelID, histStart, histEnd)
	if err != nil {
		return fmt.Errorf("load decision history: %w", err)
	}
	outcomes, err := p.deps.Store.OutcomesByDecisionDt(ctx, task.TenantID, task.ChannelID, histStart, histEnd)
	if err != nil {
		return fmt.Errorf("load outcomes: %w", err)
	}

	metrics := replay.Aggregate(history, outcomes)
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("encode replay metrics: %w", err)
	}
	err = p.deps.Store.SaveEvalReport(ctx, models.PolicyEvalReport{
		TenantID:         task.TenantID,
		ChannelID:        task.ChannelID,
		CandidateVersion: candidate,
		ReplayMetrics:    metricsJSON,
		Approved:         false,
	})
	if err != nil {
		return fmt.Errorf("save eval report: %w", err)
	}

	if p.deps.Archiver != nil {
		snapshot := policySnapshot{
			TenantID:  task.TenantID,
			ChannelID: task.ChannelID,
			Version:   candidate,
			RunForDt:  models.FormatDt(runFor),
			Params:    params,
			Replay:    metrics,
		}
		key := fmt.Sprintf("policies/%s/%s/%s.json", task.TenantID, task.ChannelID, candidate)
		if _, err := p.deps.Archiver.Archive(ctx, key, snapshot); err != nil {
			return fmt.Errorf("archive snapshot: %w", err)
		}
	}
	return nil
}
