package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Startup stage names shared by the orchestrator and the perf endpoint.
const (
	StageCreateRoom    = "create_room"
	StageDispatchAgent = "dispatch_agent"
	StageStartTotal    = "start_total"
	StageGenerateToken = "generate_token"
	StageConnect       = "connect"
	StageJoinTotal     = "join_total"
	StageAgentJoin     = "connected_to_agent"
)

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

type StageIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []StageStats     `json:"stages"`
	Indicators  []StageIndicator `json:"indicators,omitempty"`
}

// StageWindow keeps the last size latencies per startup stage plus running
// counts of named startup outcomes. A nil window ignores writes.
type StageWindow struct {
	mu         sync.Mutex
	size       int
	stages     map[string]*stageSamples
	indicators map[string]int
}

// stageSamples fills ring up to the window size, then overwrites from head.
type stageSamples struct {
	ring []float64
	head int
	last float64
}

var stageTargetsP95MS = map[string]float64{
	StageCreateRoom:    300,
	StageGenerateToken: 300,
	StageDispatchAgent: 800,
	StageStartTotal:    1200,
	StageConnect:       1500,
	StageJoinTotal:     2000,
	StageAgentJoin:     5000,
}

func NewStageWindow(size int) *StageWindow {
	if size <= 0 {
		size = 256
	}
	return &StageWindow{
		size:       size,
		stages:     map[string]*stageSamples{},
		indicators: map[string]int{},
	}
}

// Observe records ms for stage. Negative durations are dropped.
func (w *StageWindow) Observe(stage string, ms float64) {
	if w == nil || stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stages[stage]
	if s == nil {
		s = &stageSamples{ring: make([]float64, 0, w.size)}
		w.stages[stage] = s
	}
	s.add(ms, w.size)
}

// ObserveIndicator counts a named startup outcome, e.g. "dispatch_failed".
func (w *StageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

// Snapshot reports stages and indicators sorted by name.
func (w *StageWindow) Snapshot() StageSnapshot {
	snap := StageSnapshot{GeneratedAt: time.Now().UTC()}
	if w == nil {
		return snap
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	snap.WindowSize = w.size
	snap.Stages = make([]StageStats, 0, len(w.stages))
	for _, stage := range slices.Sorted(maps.Keys(w.stages)) {
		snap.Stages = append(snap.Stages, w.stages[stage].stats(stage))
	}
	for _, name := range slices.Sorted(maps.Keys(w.indicators)) {
		snap.Indicators = append(snap.Indicators, StageIndicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

func (w *StageWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	clear(w.stages)
	clear(w.indicators)
	w.mu.Unlock()
}

func (s *stageSamples) add(v float64, size int) {
	s.last = v
	if len(s.ring) < size {
		s.ring = append(s.ring, v)
		return
	}
	s.ring[s.head] = v
	s.head = (s.head + 1) % size
}

func (s *stageSamples) stats(stage string) StageStats {
	sorted := slices.Clone(s.ring)
	slices.Sort(sorted)
	var total float64
	for _, v := range sorted {
		total += v
	}
	ms := func(v float64) float64 { return math.Round(v*100) / 100 }
	return StageStats{
		Stage:       stage,
		Samples:     len(sorted),
		LastMS:      ms(s.last),
		AvgMS:       ms(total / float64(len(sorted))),
		P50MS:       ms(nearestRank(sorted, 50)),
		P95MS:       ms(nearestRank(sorted, 95)),
		P99MS:       ms(nearestRank(sorted, 99)),
		TargetP95MS: stageTargetsP95MS[stage],
	}
}

// nearestRank returns the pct-th percentile of a non-empty ascending slice.
func nearestRank(sorted []float64, pct int) float64 {
	rank := (pct*len(sorted) + 99) / 100
	return sorted[max(rank, 1)-1]
}
