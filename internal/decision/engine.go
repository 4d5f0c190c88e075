package decision

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"channel-strategy-backend/internal/models"
)

// MaxWindowDays caps how far back a single evaluation may look. Longer
// requested windows are clamped at the end date.
const MaxWindowDays = 40

// Params is the tunable engine configuration stored per (tenant, channel,
// version) in policy_params. SchemaVersion guards against decoding blobs
// written by a future shape of this struct.
type Params struct {
	SchemaVersion              int     `json:"schema_version"`
	MinDaysWithData            int     `json:"min_days_with_data"`
	HighConcentrationThreshold float64 `json:"high_concentration_threshold"`
	TrendDownThresholdUSD      float64 `json:"trend_down_threshold_usd"`
	TopNForNewAsset            int     `json:"top_n_for_new_asset"`
}

// DefaultParams returns the baseline configuration seeded for a channel that
// has no stored policy yet.
func DefaultParams() Params {
	return Params{
		SchemaVersion:              1,
		MinDaysWithData:            5,
		HighConcentrationThreshold: 0.6,
		TrendDownThresholdUSD:      -0.01,
		TopNForNewAsset:            3,
	}
}

// ParseParams decodes a stored params blob. Missing fields fall back to the
// defaults so older blobs keep working after new knobs are added.
func ParseParams(raw []byte) (Params, error) {
	p := DefaultParams()
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Params{}, fmt.Errorf("parse policy params: %w", err)
	}
	if p.SchemaVersion > 1 {
		return Params{}, fmt.Errorf("unsupported params schema_version %d", p.SchemaVersion)
	}
	p.SchemaVersion = 1
	if p.MinDaysWithData <= 0 {
		p.MinDaysWithData = DefaultParams().MinDaysWithData
	}
	if p.TopNForNewAsset <= 0 {
		p.TopNForNewAsset = DefaultParams().TopNForNewAsset
	}
	return p, nil
}

// EncodeParams renders params for storage in policy_params.params_json.
func EncodeParams(p Params) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode policy params: %w", err)
	}
	return raw, nil
}

// Decision is the engine's verdict for one channel-day.
type Decision struct {
	Direction  models.Direction
	Confidence float64
	Evidence   []string
	Forbidden  []string
	Reevaluate []string
}

const (
	insufficientEvidence   = "not enough revenue data in the window to evaluate strategy"
	insufficientForbidden  = "avoid major strategy changes until more metric days arrive"
	insufficientReevaluate = "revisit after more daily metrics have been ingested"
)

var directionForbidden = map[models.Direction][]string{
	models.DirectionProtect: {
		"avoid risky format changes to proven content",
		"do not pause uploads on performing series",
	},
	models.DirectionExploit: {
		"do not dilute the winning format with experiments",
		"avoid changing titles or thumbnails on the top asset",
	},
	models.DirectionExplore: {
		"do not double down on declining assets",
		"avoid cutting publishing volume while searching for the next hit",
	},
}

var directionReevaluate = map[models.Direction][]string{
	models.DirectionProtect: {
		"watch top-asset share for concentration shifts",
		"revisit direction if the revenue trend turns",
	},
	models.DirectionExploit: {
		"confirm the top asset keeps trending upward",
		"check that concentration has not become fragile",
	},
	models.DirectionExplore: {
		"review which newer assets gained traction",
		"reassess once the revenue trend stabilizes",
	},
}

// Compute maps a window of per-video daily revenue rows to a directional
// decision. Pure: no clock, no storage, no randomness. Channel-total rows are
// skipped; only per-video rows inside [start, end] participate.
func Compute(rows []models.VideoMetric, start, end time.Time, p Params) Decision {
	start, end = models.Dt(start), models.Dt(end)
	if end.Before(start) {
		return insufficient()
	}
	if windowLen(start, end) > MaxWindowDays {
		end = start.AddDate(0, 0, MaxWindowDays-1)
	}
	windowDays := windowLen(start, end)

	byVideo := make(map[string]float64)
	byDay := make(map[string]float64)
	byDayVideo := make(map[string]map[string]float64)
	for _, r := range rows {
		if r.IsChannelTotal {
			continue
		}
		dt := models.Dt(r.MetricDt)
		if dt.Before(start) || dt.After(end) {
			continue
		}
		day := models.FormatDt(dt)
		byVideo[r.VideoID] += r.RevenueUSD
		byDay[day] += r.RevenueUSD
		perVideo := byDayVideo[day]
		if perVideo == nil {
			perVideo = make(map[string]float64)
			byDayVideo[day] = perVideo
		}
		perVideo[r.VideoID] += r.RevenueUSD
	}

	daysWithData := len(byDay)
	var total float64
	for _, v := range byDay {
		total += v
	}
	topVideo, topRevenue := topByRevenue(byVideo)
	if daysWithData < p.MinDaysWithData || total <= 0 || topVideo == "" {
		return insufficient()
	}

	concentration := topRevenue / total
	firstDay, lastDay := models.FormatDt(start), models.FormatDt(end)
	topTrend := byDayVideo[lastDay][topVideo] - byDayVideo[firstDay][topVideo]

	mean := total / float64(daysWithData)
	var volatility float64
	if mean != 0 {
		var sumSquares float64
		for _, v := range byDay {
			d := v - mean
			sumSquares += d * d
		}
		volatility = math.Sqrt(sumSquares/float64(daysWithData)) / mean
	}

	emergence := newAssetEmergence(byDayVideo[firstDay], byDayVideo[lastDay], p.TopNForNewAsset)

	var dir models.Direction
	switch {
	case concentration >= p.HighConcentrationThreshold && topTrend > 0:
		dir = models.DirectionExploit
	case topTrend < p.TrendDownThresholdUSD || emergence:
		dir = models.DirectionExplore
	default:
		dir = models.DirectionProtect
	}

	coverage := float64(daysWithData) / float64(windowDays)
	confidence := 0.55 + 0.25*coverage
	if dir == models.DirectionExploit && concentration >= 0.7 {
		confidence += 0.10
	}
	if dir == models.DirectionExplore && emergence {
		confidence += 0.05
	}
	if volatility > 0.6 {
		confidence -= 0.10
	}
	confidence = clamp(confidence, 0.45, 0.90)

	evidence := []string{
		fmt.Sprintf("window revenue $%.2f over %d days with data", total, daysWithData),
		fmt.Sprintf("top video %s carries %.1f%% of revenue", topVideo, concentration*100),
		fmt.Sprintf("top video revenue trend %+.2f USD first day to last", topTrend),
	}
	if emergence {
		evidence = append(evidence, fmt.Sprintf("a new video entered the top %d by daily revenue", p.TopNForNewAsset))
	}
	if volatility > 0 {
		evidence = append(evidence, fmt.Sprintf("daily revenue volatility ratio %.2f", volatility))
	}

	return Decision{
		Direction:  dir,
		Confidence: confidence,
		Evidence:   evidence,
		Forbidden:  copyStrings(directionForbidden[dir]),
		Reevaluate: copyStrings(directionReevaluate[dir]),
	}
}

// insufficient is the sole fixed-output branch: too little data always means
// PROTECT at confidence 0.6.
func insufficient() Decision {
	return Decision{
		Direction:  models.DirectionProtect,
		Confidence: 0.6,
		Evidence:   []string{insufficientEvidence},
		Forbidden:  []string{insufficientForbidden},
		Reevaluate: []string{insufficientReevaluate},
	}
}

func windowLen(start, end time.Time) int {
	return int(end.Sub(start).Hours()/24) + 1
}

// topByRevenue picks the video with the highest aggregate revenue, breaking
// ties on the lower video id so repeated runs agree.
func topByRevenue(byVideo map[string]float64) (string, float64) {
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

// newAssetEmergence reports whether the last day's top-N by revenue contains
// a video absent from the first day's top-N.
func newAssetEmergence(firstDay, lastDay map[string]float64, n int) bool {
	firstTop := topNVideos(firstDay, n)
	firstSet := make(map[string]struct{}, len(firstTop))
	for _, id := range firstTop {
		firstSet[id] = struct{}{}
	}
	for _, id := range topNVideos(lastDay, n) {
		if _, ok := firstSet[id]; !ok {
			return true
		}
	}
	return false
}

// topNVideos ranks a day's videos by revenue descending, id ascending on
// ties. Zero-revenue rows do not qualify.
func topNVideos(revenues map[string]float64, n int) []string {
	ids := make([]string, 0, len(revenues))
	for id, rev := range revenues {
		if rev > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if revenues[ids[i]] != revenues[ids[j]] {
			return revenues[ids[i]] > revenues[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func copyStrings(xs []string) []string {
	out := make([]string, len(xs))
	copy(out, xs)
	return out
}
