// Package strategy derives an explainable mitigation strategy from the
// backpressure controller's state. Each evaluation produces ranked reasons,
// a lever snapshot with effectiveness estimates, SLO impact, and a coarse
// recovery prediction. Consumers treat predictions as hints.
package strategy

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chrlshc/ofm-social-os-sub001/internal/backpressure"
	"github.com/chrlshc/ofm-social-os-sub001/internal/events"
)

// ReasonType classifies what is driving degradation.
type ReasonType string

const (
	ReasonMemory    ReasonType = "memory"
	ReasonCPU       ReasonType = "cpu"
	ReasonQueue     ReasonType = "queue"
	ReasonRate      ReasonType = "rate"
	ReasonSLOBudget ReasonType = "slo_budget"
	ReasonNetwork   ReasonType = "network"
)

// Severity ranks a reason's urgency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func severityWeight(s Severity) float64 {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

// Trend is the short-horizon direction of a resource's utilization.
type Trend string

const (
	TrendStable     Trend = "stable"
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
)

// Reason is one identified contributor to the current degradation.
type Reason struct {
	Type               ReasonType `json:"type"`
	Severity           Severity   `json:"severity"`
	UtilizationPercent float64    `json:"utilizationPercent"`
	Trend              Trend      `json:"trend"`
	Detail             string     `json:"detail,omitempty"`
}

// Levers is the snapshot of active mitigations with effectiveness estimates.
type Levers struct {
	SamplingRate          float64  `json:"samplingRate"`
	BatchSize             int      `json:"batchSize"`
	OpenCircuits          []string `json:"openCircuits"`
	SamplingEffectiveness float64  `json:"samplingEffectiveness"`
	BatchingEffectiveness float64  `json:"batchingEffectiveness"`
}

// SLOImpact aggregates the strategy's relationship to error budgets.
type SLOImpact struct {
	BudgetConsumption        float64 `json:"budgetConsumption"`
	RiskLevel                Severity `json:"riskLevel"`
	ProjectedRecoverySeconds float64 `json:"projectedRecoverySeconds"`
}

// Prediction is a coarse forward-looking estimate.
type Prediction struct {
	RecoveryProbability    float64  `json:"recoveryProbability"`
	TimeToNextLevelSeconds *float64 `json:"timeToNextLevelSeconds"`
	RecommendedActions     []string `json:"recommendedActions"`
}

// ActiveStrategy is the analyzer's full output for one evaluation.
type ActiveStrategy struct {
	ID            string               `json:"id"`
	Level         backpressure.Level   `json:"-"`
	LevelName     string               `json:"level"`
	Reasons       []Reason             `json:"reasons"`
	PrimaryReason *Reason              `json:"primaryReason"`
	Levers        Levers               `json:"levers"`
	SLOImpact     SLOImpact            `json:"sloImpact"`
	Prediction    Prediction           `json:"prediction"`
	EvaluatedAt   time.Time            `json:"evaluatedAt"`
}

// SLOViolation is the analyzer's read-only view of an active breach.
type SLOViolation struct {
	Name              string  `json:"name"`
	BudgetConsumption float64 `json:"budgetConsumption"` // fraction of budget consumed, 0..1+
}

// HistoryEntry records one degradation-level transition.
type HistoryEntry struct {
	FromLevel string         `json:"fromLevel"`
	ToLevel   string         `json:"toLevel"`
	Strategy  ActiveStrategy `json:"strategy"`
	At        time.Time      `json:"at"`
}

// PerformanceStats aggregates recent history entries.
type PerformanceStats struct {
	Window              int            `json:"window"`
	Transitions         int            `json:"transitions"`
	LevelCounts         map[string]int `json:"levelCounts"`
	AvgReasons          float64        `json:"avgReasons"`
	AvgRecoveryProb     float64        `json:"avgRecoveryProbability"`
	MostFrequentReason  string         `json:"mostFrequentReason,omitempty"`
}

const (
	trendRingSize  = 10
	maxHistory     = 1000
	statsWindow    = 50
	trendTolerance = 0.1
)

// Analyzer turns controller state into explainable strategies.
type Analyzer struct {
	emitter events.Emitter
	logger  *log.Logger

	mu      sync.RWMutex
	rings   map[ReasonType][]float64
	current *ActiveStrategy
	history []HistoryEntry
}

// NewAnalyzer creates an analyzer. Emitter may be nil.
func NewAnalyzer(emitter events.Emitter) *Analyzer {
	return &Analyzer{
		emitter: emitter,
		logger:  log.New(log.Writer(), "[STRATEGY] ", log.LstdFlags),
		rings:   make(map[ReasonType][]float64),
	}
}

// Evaluate computes the strategy for the given controller snapshot.
// Counters feed the lever effectiveness estimates; violations come from the
// SLO evaluator's current breach set.
func (a *Analyzer) Evaluate(state backpressure.State, counters backpressure.Counters, violations []SLOViolation) ActiveStrategy {
	a.mu.Lock()
	defer a.mu.Unlock()

	reasons := a.extractReasons(state, violations)
	primary := primaryReason(reasons)

	strategy := ActiveStrategy{
		ID:            uuid.New().String(),
		Level:         state.Level,
		LevelName:     state.LevelName,
		Reasons:       reasons,
		PrimaryReason: primary,
		Levers:        leverSnapshot(state, counters),
		SLOImpact:     sloImpact(reasons, violations),
		Prediction:    predict(state.Level, reasons),
		EvaluatedAt:   time.Now(),
	}

	prev := a.current
	a.current = &strategy

	if prev != nil && prev.Level != strategy.Level {
		a.history = append(a.history, HistoryEntry{
			FromLevel: prev.LevelName,
			ToLevel:   strategy.LevelName,
			Strategy:  strategy,
			At:        strategy.EvaluatedAt,
		})
		if len(a.history) > maxHistory {
			a.history = a.history[len(a.history)-maxHistory:]
		}
		a.logger.Printf("strategy change %s -> %s (primary: %s)", prev.LevelName, strategy.LevelName, primaryName(primary))
		if a.emitter != nil {
			a.emitter.Emit(events.TypeStrategyChanged, "strategy", strategy.LevelName, map[string]interface{}{
				"fromLevel": prev.LevelName,
				"toLevel":   strategy.LevelName,
				"strategy":  strategy,
			})
		}
	}

	if a.emitter != nil {
		a.emitter.Emit(events.TypeStrategyUpdated, "strategy", strategy.LevelName, map[string]interface{}{
			"strategy": strategy,
		})
	}
	return strategy
}

// CurrentStrategy returns the latest evaluation, or nil before the first.
func (a *Analyzer) CurrentStrategy() *ActiveStrategy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.current == nil {
		return nil
	}
	s := *a.current
	return &s
}

// History returns the most recent limit transitions, newest last.
// limit <= 0 returns everything retained.
func (a *Analyzer) History(limit int) []HistoryEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	n := len(a.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]HistoryEntry, n)
	copy(out, a.history[len(a.history)-n:])
	return out
}

// Stats aggregates the last 50 history entries.
func (a *Analyzer) Stats() PerformanceStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	window := a.history
	if len(window) > statsWindow {
		window = window[len(window)-statsWindow:]
	}

	stats := PerformanceStats{
		Window:      len(window),
		Transitions: len(window),
		LevelCounts: make(map[string]int),
	}
	if len(window) == 0 {
		return stats
	}

	reasonCounts := make(map[ReasonType]int)
	var reasonSum, probSum float64
	for _, h := range window {
		stats.LevelCounts[h.ToLevel]++
		reasonSum += float64(len(h.Strategy.Reasons))
		probSum += h.Strategy.Prediction.RecoveryProbability
		for _, r := range h.Strategy.Reasons {
			reasonCounts[r.Type]++
		}
	}
	stats.AvgReasons = reasonSum / float64(len(window))
	stats.AvgRecoveryProb = probSum / float64(len(window))

	best, bestCount := ReasonType(""), 0
	for rt, c := range reasonCounts {
		if c > bestCount {
			best, bestCount = rt, c
		}
	}
	stats.MostFrequentReason = string(best)
	return stats
}

// ============================================================================
// EVALUATION STAGES
// ============================================================================

// extractReasons emits one Reason per resource at or above 80% utilization,
// plus network and SLO-budget reasons. Caller holds a.mu.
func (a *Analyzer) extractReasons(state backpressure.State, violations []SLOViolation) []Reason {
	type resource struct {
		typ  ReasonType
		util float64
	}
	resources := []resource{
		{ReasonMemory, state.Ratios.Memory},
		{ReasonCPU, state.Ratios.CPU},
		{ReasonQueue, state.Ratios.Queue},
		{ReasonRate, state.Ratios.Rate},
	}

	var reasons []Reason
	for _, r := range resources {
		trend := a.pushSample(r.typ, r.util)
		if r.util < 0.8 {
			continue
		}
		reasons = append(reasons, Reason{
			Type:               r.typ,
			Severity:           severityForUtil(r.util),
			UtilizationPercent: r.util * 100,
			Trend:              trend,
		})
	}

	if n := len(state.OpenCircuits); n > 0 {
		reasons = append(reasons, Reason{
			Type:               ReasonNetwork,
			Severity:           SeverityHigh,
			UtilizationPercent: 90,
			Trend:              TrendStable,
			Detail:             state.OpenCircuits[0],
		})
	}

	for _, v := range violations {
		reasons = append(reasons, Reason{
			Type:               ReasonSLOBudget,
			Severity:           severityForBudget(v.BudgetConsumption),
			UtilizationPercent: clamp01(v.BudgetConsumption) * 100,
			Trend:              TrendIncreasing,
			Detail:             v.Name,
		})
	}
	return reasons
}

// pushSample appends a utilization sample to the resource's ring and
// returns the resulting trend.
func (a *Analyzer) pushSample(t ReasonType, util float64) Trend {
	ring := append(a.rings[t], util)
	if len(ring) > trendRingSize {
		ring = ring[len(ring)-trendRingSize:]
	}
	a.rings[t] = ring

	if len(ring) < 2 {
		return TrendStable
	}
	first, last := ring[0], ring[len(ring)-1]
	switch {
	case last-first > trendTolerance*first:
		return TrendIncreasing
	case last-first < -trendTolerance*first:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

func severityForUtil(util float64) Severity {
	switch {
	case util > 0.95:
		return SeverityCritical
	case util > 0.85:
		return SeverityHigh
	case util > 0.70:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func severityForBudget(consumption float64) Severity {
	switch {
	case consumption > 0.8:
		return SeverityCritical
	case consumption > 0.5:
		return SeverityHigh
	case consumption > 0.25:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func primaryReason(reasons []Reason) *Reason {
	var best *Reason
	bestScore := -1.0
	for i := range reasons {
		score := severityWeight(reasons[i].Severity) * reasons[i].UtilizationPercent
		if score > bestScore {
			best, bestScore = &reasons[i], score
		}
	}
	if best == nil {
		return nil
	}
	r := *best
	return &r
}

// leverSnapshot captures current mitigations. Sampling effectiveness grows
// with the volume shed; batching effectiveness with the amortization factor.
func leverSnapshot(state backpressure.State, counters backpressure.Counters) Levers {
	sampled := float64(counters.Dropped[backpressure.DropSampling])
	batching := 0.0
	if state.BatchSize > 1 {
		batching = 1 - 1/float64(state.BatchSize)
	}
	open := state.OpenCircuits
	if open == nil {
		open = []string{}
	}
	return Levers{
		SamplingRate:          state.SamplingRate,
		BatchSize:             state.BatchSize,
		OpenCircuits:          open,
		SamplingEffectiveness: 1 - sampled/(sampled+1000),
		BatchingEffectiveness: batching,
	}
}

func sloImpact(reasons []Reason, violations []SLOViolation) SLOImpact {
	var consumption float64
	for _, v := range violations {
		if v.BudgetConsumption > consumption {
			consumption = v.BudgetConsumption
		}
	}

	worst := SeverityLow
	for _, r := range reasons {
		if severityWeight(r.Severity) > severityWeight(worst) {
			worst = r.Severity
		}
	}

	risk := SeverityLow
	switch {
	case consumption > 0.8 || worst == SeverityCritical:
		risk = SeverityCritical
	case consumption > 0.5 || worst == SeverityHigh:
		risk = SeverityHigh
	case consumption > 0.25 || worst == SeverityMedium:
		risk = SeverityMedium
	}

	multiplier := 1.0
	if len(violations) > 0 {
		multiplier = 2.0
	}
	return SLOImpact{
		BudgetConsumption:        consumption,
		RiskLevel:                risk,
		ProjectedRecoverySeconds: float64(len(reasons)) * 30 * multiplier,
	}
}

func predict(level backpressure.Level, reasons []Reason) Prediction {
	p := Prediction{RecoveryProbability: 1.0}
	if len(reasons) > 0 {
		decreasing := 0
		increasing := false
		for _, r := range reasons {
			if r.Trend == TrendDecreasing {
				decreasing++
			}
			if r.Trend == TrendIncreasing {
				increasing = true
			}
		}
		p.RecoveryProbability = float64(decreasing) / float64(len(reasons))
		if increasing {
			ttl := 300.0
			p.TimeToNextLevelSeconds = &ttl
		}
	}
	p.RecommendedActions = recommendedActions(level, reasons)
	return p
}

func recommendedActions(level backpressure.Level, reasons []Reason) []string {
	actions := []string{}
	switch level {
	case backpressure.LevelCritical:
		actions = append(actions, "pause non-critical producers", "scale out ingestion workers")
	case backpressure.LevelHigh:
		actions = append(actions, "reduce client publish rate", "review queue consumers")
	case backpressure.LevelMedium:
		actions = append(actions, "monitor resource trends")
	}
	for _, r := range reasons {
		switch r.Type {
		case ReasonMemory:
			actions = append(actions, "increase memory limit or reduce retention")
		case ReasonNetwork:
			actions = append(actions, "inspect failing subjects: "+r.Detail)
		}
	}
	return actions
}

func primaryName(r *Reason) string {
	if r == nil {
		return "none"
	}
	return string(r.Type)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
