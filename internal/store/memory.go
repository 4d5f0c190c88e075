package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"channel-strategy-backend/internal/models"
)

// Memory is an in-process Store with the same observable semantics as
// Postgres, mutex-serialized so claim exclusivity holds under concurrent
// callers. Tests construct it instead of a database.
type Memory struct {
	mu          sync.Mutex
	nextTaskID  int64
	tasks       map[int64]models.JobTask
	dedupe      map[string]int64
	metrics     map[string]models.VideoMetric
	firstSeen   map[string]time.Time
	decisions   map[string]models.DecisionDaily
	outcomes    map[string]models.DecisionOutcome
	params      map[string]models.PolicyParams
	reports     map[string]models.PolicyEvalReport
	alerts      map[string]models.Alert
	connections map[string]models.ChannelConnection
	usage       map[string]models.UsageEvent
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		nextTaskID:  1,
		tasks:       make(map[int64]models.JobTask),
		dedupe:      make(map[string]int64),
		metrics:     make(map[string]models.VideoMetric),
		firstSeen:   make(map[string]time.Time),
		decisions:   make(map[string]models.DecisionDaily),
		outcomes:    make(map[string]models.DecisionOutcome),
		params:      make(map[string]models.PolicyParams),
		reports:     make(map[string]models.PolicyEvalReport),
		alerts:      make(map[string]models.Alert),
		connections: make(map[string]models.ChannelConnection),
		usage:       make(map[string]models.UsageEvent),
	}
}

func key(parts ...string) string { return strings.Join(parts, "|") }

func (m *Memory) UpsertTask(_ context.Context, up UpsertTaskParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.dedupe[up.DedupeKey]; ok {
		t := m.tasks[id]
		t.UpdatedAt = up.Now
		m.tasks[id] = t
		return nil
	}
	id := m.nextTaskID
	m.nextTaskID++
	t := models.JobTask{
		ID:         id,
		TenantID:   up.TenantID,
		JobType:    up.JobType,
		ChannelID:  up.ChannelID,
		DedupeKey:  up.DedupeKey,
		Status:     models.StatusPending,
		Attempt:    0,
		MaxAttempt: up.MaxAttempt,
		RunAfter:   up.RunAfter,
		CreatedAt:  up.Now,
		UpdatedAt:  up.Now,
	}
	if up.RunForDt != nil {
		d := models.Dt(*up.RunForDt)
		t.RunForDt = &d
	}
	m.tasks[id] = t
	m.dedupe[up.DedupeKey] = id
	return nil
}

func (m *Memory) ReclaimStale(_ context.Context, now time.Time, ttl time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-ttl)
	reclaimed := 0
	for id, t := range m.tasks {
		if t.Status == models.StatusRunning && t.LockedAt != nil && t.LockedAt.Before(cutoff) {
			t.Status = models.StatusRetrying
			t.RunAfter = now
			t.LockedBy = nil
			t.LockedAt = nil
			t.UpdatedAt = now
			m.tasks[id] = t
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (m *Memory) ClaimBatch(_ context.Context, cp ClaimParams) ([]models.JobTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, t := range m.tasks {
		if !t.Claimable(cp.Now) {
			continue
		}
		if cp.TenantID != "" && t.TenantID != cp.TenantID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > cp.Limit {
		ids = ids[:cp.Limit]
	}
	worker := cp.WorkerID
	lockedAt := cp.Now
	out := make([]models.JobTask, 0, len(ids))
	for _, id := range ids {
		t := m.tasks[id]
		t.Status = models.StatusRunning
		t.Attempt++
		t.LockedBy = &worker
		t.LockedAt = &lockedAt
		t.UpdatedAt = cp.Now
		m.tasks[id] = t
		out = append(out, t)
	}
	return out, nil
}

func (m *Memory) MarkTaskSucceeded(_ context.Context, id int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.Status = models.StatusSucceeded
	t.LockedBy = nil
	t.LockedAt = nil
	t.LastError = nil
	t.UpdatedAt = now
	m.tasks[id] = t
	return nil
}

func (m *Memory) MarkTaskRetry(_ context.Context, id int64, runAfter time.Time, taskErr string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	msg := truncateTaskError(taskErr)
	t.Status = models.StatusRetrying
	t.RunAfter = runAfter
	t.LastError = &msg
	t.LockedBy = nil
	t.LockedAt = nil
	t.UpdatedAt = now
	m.tasks[id] = t
	return nil
}

func (m *Memory) MarkTaskDead(_ context.Context, id int64, taskErr string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	msg := truncateTaskError(taskErr)
	t.Status = models.StatusDead
	t.LastError = &msg
	t.LockedBy = nil
	t.LockedAt = nil
	t.UpdatedAt = now
	m.tasks[id] = t
	return nil
}

func (m *Memory) GetTask(_ context.Context, id int64) (models.JobTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.JobTask{}, ErrTaskNotFound
	}
	return t, nil
}

func (m *Memory) LatestTaskForChannel(_ context.Context, tenant, channel string, jobType models.JobType) (models.JobTask, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		latest models.JobTask
		found  bool
	)
	for _, t := range m.tasks {
		if t.TenantID != tenant || t.ChannelID != channel || t.JobType != jobType {
			continue
		}
		if !found || t.ID > latest.ID {
			latest = t
			found = true
		}
	}
	return latest, found, nil
}

func (m *Memory) ListDeadTasks(_ context.Context, limit int) ([]models.JobTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.JobTask
	for _, t := range m.tasks {
		if t.Status == models.StatusDead {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountClaimable(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.tasks {
		if t.Claimable(now) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) UpsertVideoMetrics(_ context.Context, rows []models.VideoMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		r.MetricDt = models.Dt(r.MetricDt)
		m.metrics[key(r.TenantID, r.ChannelID, r.VideoID, models.FormatDt(r.MetricDt))] = r
	}
	return nil
}

func (m *Memory) RecordFirstSeen(_ context.Context, tenant, channel string, seen map[string]time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var fresh []string
	for videoID, dt := range seen {
		k := key(tenant, channel, videoID)
		if _, ok := m.firstSeen[k]; ok {
			continue
		}
		m.firstSeen[k] = models.Dt(dt)
		fresh = append(fresh, videoID)
	}
	sort.Strings(fresh)
	return fresh, nil
}

func (m *Memory) rangeMetrics(tenant, channel string, start, end time.Time, channelTotal bool) []models.VideoMetric {
	start, end = models.Dt(start), models.Dt(end)
	var out []models.VideoMetric
	for _, r := range m.metrics {
		if r.TenantID != tenant || r.ChannelID != channel || r.IsChannelTotal != channelTotal {
			continue
		}
		if r.MetricDt.Before(start) || r.MetricDt.After(end) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].MetricDt.Equal(out[j].MetricDt) {
			return out[i].MetricDt.Before(out[j].MetricDt)
		}
		return out[i].VideoID < out[j].VideoID
	})
	return out
}

func (m *Memory) VideoMetricsRange(_ context.Context, tenant, channel string, start, end time.Time) ([]models.VideoMetric, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rangeMetrics(tenant, channel, start, end, false), nil
}

func (m *Memory) ChannelTotalsRange(_ context.Context, tenant, channel string, start, end time.Time) ([]models.VideoMetric, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rangeMetrics(tenant, channel, start, end, true), nil
}

func (m *Memory) LatestMetricDt(_ context.Context, tenant, channel string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		latest time.Time
		found  bool
	)
	for _, r := range m.metrics {
		if r.TenantID != tenant || r.ChannelID != channel {
			continue
		}
		if !found || r.MetricDt.After(latest) {
			latest = r.MetricDt
			found = true
		}
	}
	return latest, found, nil
}

func (m *Memory) UpsertDecision(_ context.Context, d models.DecisionDaily) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.AsOfDt = models.Dt(d.AsOfDt)
	k := key(d.TenantID, d.ChannelID, models.FormatDt(d.AsOfDt))
	now := time.Now().UTC()
	if prev, ok := m.decisions[k]; ok {
		d.CreatedAt = prev.CreatedAt
	} else {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	m.decisions[k] = d
	return nil
}

func (m *Memory) GetDecision(_ context.Context, tenant, channel string, asOf time.Time) (models.DecisionDaily, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[key(tenant, channel, models.FormatDt(asOf))]
	return d, ok, nil
}

func (m *Memory) DecisionHistory(_ context.Context, tenant, channel string, start, end time.Time) ([]models.DecisionDaily, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start, end = models.Dt(start), models.Dt(end)
	var out []models.DecisionDaily
	for _, d := range m.decisions {
		if d.TenantID != tenant || d.ChannelID != channel {
			continue
		}
		if d.AsOfDt.Before(start) || d.AsOfDt.After(end) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AsOfDt.Before(out[j].AsOfDt) })
	return out, nil
}

func (m *Memory) UpsertOutcome(_ context.Context, o models.DecisionOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.DecisionDt = models.Dt(o.DecisionDt)
	o.OutcomeDt = models.Dt(o.OutcomeDt)
	k := key(o.TenantID, o.ChannelID, models.FormatDt(o.DecisionDt), models.FormatDt(o.OutcomeDt))
	if prev, ok := m.outcomes[k]; ok {
		o.CreatedAt = prev.CreatedAt
	} else {
		o.CreatedAt = time.Now().UTC()
	}
	m.outcomes[k] = o
	return nil
}

func (m *Memory) OutcomesByDecisionDt(_ context.Context, tenant, channel string, start, end time.Time) ([]models.DecisionOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start, end = models.Dt(start), models.Dt(end)
	var out []models.DecisionOutcome
	for _, o := range m.outcomes {
		if o.TenantID != tenant || o.ChannelID != channel {
			continue
		}
		if o.DecisionDt.Before(start) || o.DecisionDt.After(end) {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DecisionDt.Before(out[j].DecisionDt) })
	return out, nil
}

func (m *Memory) GetPolicyParams(_ context.Context, tenant, channel, version string) (models.PolicyParams, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.params[key(tenant, channel, version)]
	return p, ok, nil
}

func (m *Memory) SeedPolicyParams(_ context.Context, p models.PolicyParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(p.TenantID, p.ChannelID, p.Version)
	if _, ok := m.params[k]; ok {
		return false, nil
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	m.params[k] = p
	return true, nil
}

func (m *Memory) SavePolicyParams(_ context.Context, p models.PolicyParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(p.TenantID, p.ChannelID, p.Version)
	now := time.Now().UTC()
	if prev, ok := m.params[k]; ok {
		p.CreatedAt = prev.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.params[k] = p
	return nil
}

func (m *Memory) SaveEvalReport(_ context.Context, r models.PolicyEvalReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(r.TenantID, r.ChannelID, r.CandidateVersion)
	now := time.Now().UTC()
	if prev, ok := m.reports[k]; ok {
		r.CreatedAt = prev.CreatedAt
	} else {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	m.reports[k] = r
	return nil
}

func (m *Memory) GetEvalReport(_ context.Context, tenant, channel, candidateVersion string) (models.PolicyEvalReport, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[key(tenant, channel, candidateVersion)]
	return r, ok, nil
}

func (m *Memory) UpsertAlert(_ context.Context, a models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ResolvedAt = nil
	m.alerts[key(a.TenantID, a.ChannelID, string(a.Key))] = a
	return nil
}

func (m *Memory) ResolveAlerts(_ context.Context, tenant, channel string, keys []models.AlertKey, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resolved := 0
	for _, k := range keys {
		mk := key(tenant, channel, string(k))
		a, ok := m.alerts[mk]
		if !ok || a.ResolvedAt != nil {
			continue
		}
		at := now
		a.ResolvedAt = &at
		m.alerts[mk] = a
		resolved++
	}
	return resolved, nil
}

func (m *Memory) ListAlerts(_ context.Context, tenant, channel string, includeResolved bool) ([]models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Alert
	for _, a := range m.alerts {
		if a.TenantID != tenant || a.ChannelID != channel {
			continue
		}
		if !includeResolved && a.ResolvedAt != nil {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		oi, oj := out[i].ResolvedAt == nil, out[j].ResolvedAt == nil
		if oi != oj {
			return oi
		}
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	return out, nil
}

func (m *Memory) ListActiveConnections(_ context.Context) ([]models.ChannelConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ChannelConnection
	for _, c := range m.connections {
		if c.Status == models.ConnectionActive {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].ChannelID < out[j].ChannelID
	})
	return out, nil
}

func (m *Memory) GetConnection(_ context.Context, tenant, channel string) (models.ChannelConnection, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[key(tenant, channel)]
	return c, ok, nil
}

func (m *Memory) UpsertConnection(_ context.Context, c models.ChannelConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Status == "" {
		c.Status = models.ConnectionActive
	}
	now := time.Now().UTC()
	k := key(c.TenantID, c.ChannelID)
	if prev, ok := m.connections[k]; ok {
		c.CreatedAt = prev.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.connections[k] = c
	return nil
}

func (m *Memory) UpdateConnectionTokens(_ context.Context, tenant, channel, access string, refresh *string, expiry *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(tenant, channel)
	c, ok := m.connections[k]
	if !ok {
		return nil
	}
	c.AccessToken = access
	if refresh != nil {
		c.RefreshToken = refresh
	}
	c.TokenExpiry = expiry
	c.UpdatedAt = time.Now().UTC()
	m.connections[k] = c
	return nil
}

func (m *Memory) InsertUsageEvent(_ context.Context, e models.UsageEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(e.TenantID, e.EventKind, e.DedupeKey)
	if _, ok := m.usage[k]; ok {
		return false, nil
	}
	if e.Quantity == 0 {
		e.Quantity = 1
	}
	e.CreatedAt = time.Now().UTC()
	m.usage[k] = e
	return true, nil
}
