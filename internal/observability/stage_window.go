package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// stageTargetsP95 are the latency budgets reported next to each proxy stage.
var stageTargetsP95 = map[string]float64{
	"negotiate":       800,
	"connect":         400,
	"authenticate":    300,
	"configure":       300,
	"handshake_total": 1500,
	"first_audio":     1200,
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// StageSnapshot is served by /v1/perf/latency.
type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// stageWindow keeps the most recent observations per handshake stage.
type stageWindow struct {
	mu         sync.Mutex
	size       int
	samples    map[string][]float64
	indicators map[string]int
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:       size,
		samples:    make(map[string][]float64),
		indicators: make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	vals := append(w.samples[stage], ms)
	if len(vals) > w.size {
		vals = slices.Delete(vals, 0, len(vals)-w.size)
	}
	w.samples[stage] = vals
}

func (w *stageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{GeneratedAt: time.Now().UTC(), WindowSize: w.size, Stages: []StageStats{}}
	for _, stage := range slices.Sorted(maps.Keys(w.samples)) {
		if vals := w.samples[stage]; len(vals) > 0 {
			snap.Stages = append(snap.Stages, summarize(stage, vals))
		}
	}
	for _, name := range slices.Sorted(maps.Keys(w.indicators)) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

func summarize(stage string, vals []float64) StageStats {
	sorted := slices.Clone(vals)
	slices.Sort(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return StageStats{
		Stage:       stage,
		Samples:     len(sorted),
		LastMS:      round2(vals[len(vals)-1]),
		AvgMS:       round2(sum / float64(len(sorted))),
		P50MS:       round2(percentile(sorted, 50)),
		P95MS:       round2(percentile(sorted, 95)),
		P99MS:       round2(percentile(sorted, 99)),
		TargetP95MS: stageTargetsP95[stage],
	}
}

// percentile interpolates between closest ranks of an ascending slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p / 100 * float64(len(sorted)-1)
	lo := int(pos)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*(pos-float64(lo))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
