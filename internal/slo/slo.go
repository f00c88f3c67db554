// Package slo measures service-level objectives over ingestion and
// publishing flows, tracks error budgets, and fires debounced breach
// alerts. Measurements are persisted through a pluggable store with a
// 90 day retention horizon.
package slo

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/chrlshc/ofm-social-os-sub001/internal/events"
)

// Severity of an SLO breach.
const (
	SeverityNone     = ""
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Debounce windows between repeated alerts for the same key.
const (
	criticalDebounce = 60 * time.Second
	warningDebounce  = 300 * time.Second
)

// RetentionPeriod is how long measurements are kept.
const RetentionPeriod = 90 * 24 * time.Hour

// Config declares one objective.
type Config struct {
	Name            string  `yaml:"name" json:"name"`
	Service         string  `yaml:"service" json:"service"`
	Description     string  `yaml:"description" json:"description,omitempty"`
	TargetPct       float64 `yaml:"target_pct" json:"targetPct"`
	EvalWindowSec   int     `yaml:"eval_window_sec" json:"evalWindowSec"`
	BudgetWindowSec int     `yaml:"budget_window_sec" json:"budgetWindowSec"`
	WarningPct      float64 `yaml:"warning_pct" json:"warningPct"`
	CriticalPct     float64 `yaml:"critical_pct" json:"criticalPct"`
}

// Validate checks config sanity.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("slo config: name is required")
	}
	if c.TargetPct <= 0 || c.TargetPct > 100 {
		return fmt.Errorf("slo config %s: target must be in (0, 100]", c.Name)
	}
	return nil
}

// Measurement is one evaluation of an objective.
type Measurement struct {
	Metric               string    `json:"metric"`
	Service              string    `json:"service"`
	SuccessCount         int64     `json:"successCount"`
	TotalCount           int64     `json:"totalCount"`
	ActualPct            float64   `json:"actualPct"`
	ErrorBudgetRemaining float64   `json:"errorBudgetRemaining"`
	Breach               bool      `json:"breach"`
	Severity             string    `json:"severity,omitempty"`
	WindowSec            int       `json:"windowSec"`
	MeasuredAt           time.Time `json:"measuredAt"`
	AlertFired           bool      `json:"alertFired"`
}

// Alert is a debounced breach notification.
type Alert struct {
	Metric   string    `json:"metric"`
	Service  string    `json:"service"`
	Severity string    `json:"severity"`
	Actual   float64   `json:"actualPct"`
	Target   float64   `json:"targetPct"`
	FiredAt  time.Time `json:"firedAt"`
}

// Violation is the read-only view handed to the strategy analyzer.
type Violation struct {
	Name              string  `json:"name"`
	BudgetConsumption float64 `json:"budgetConsumption"`
}

// Store persists measurement series.
type Store interface {
	Insert(m Measurement) error
	// Latest returns the newest measurement per (metric, service).
	Latest() ([]Measurement, error)
	// Range returns measurements for a key since a cutoff, oldest first.
	Range(metric, service string, since time.Time) ([]Measurement, error)
	// Prune drops measurements older than the cutoff, returning the count.
	Prune(before time.Time) (int, error)
}

// Gauges receives the latest readings; nil disables them.
type Gauges interface {
	SetActualPct(metric, service string, v float64)
	SetBudgetRemaining(metric, service string, v float64)
	IncBreach(metric, service, severity string)
}

// StatusReport is the answer to a status query.
type StatusReport struct {
	Latest     []Measurement `json:"latest"`
	Aggregates Aggregates    `json:"aggregates"`
}

// Aggregates summarizes the last 24 hours.
type Aggregates struct {
	Measurements int `json:"measurements"`
	Breaches     int `json:"breaches"`
	Critical     int `json:"critical"`
	Warning      int `json:"warning"`
}

// Evaluator records measurements and fires breach alerts.
type Evaluator struct {
	store   Store
	gauges  Gauges
	emitter events.Emitter
	logger  *log.Logger
	now     func() time.Time

	mu        sync.Mutex
	configs   map[string]Config // metric|service -> config
	lastFired map[string]time.Time
}

// NewEvaluator creates an evaluator. Gauges and emitter may be nil.
func NewEvaluator(store Store, gauges Gauges, emitter events.Emitter) *Evaluator {
	return &Evaluator{
		store:     store,
		gauges:    gauges,
		emitter:   emitter,
		logger:    log.New(log.Writer(), "[SLO] ", log.LstdFlags),
		now:       time.Now,
		configs:   make(map[string]Config),
		lastFired: make(map[string]time.Time),
	}
}

func configKey(metric, service string) string { return metric + "|" + service }

// RegisterConfig adds or replaces an objective.
func (e *Evaluator) RegisterConfig(c Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.configs[configKey(c.Name, c.Service)] = c
	e.mu.Unlock()
	return nil
}

// Configs lists registered objectives.
func (e *Evaluator) Configs() []Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Config, 0, len(e.configs))
	for _, c := range e.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Service < out[j].Service
	})
	return out
}

func (e *Evaluator) config(metric, service string) (Config, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.configs[configKey(metric, service)]; ok {
		return c, true
	}
	c, ok := e.configs[configKey(metric, "")]
	return c, ok
}

// Record evaluates one observation window and persists the measurement.
func (e *Evaluator) Record(metric, service string, success, total int64, windowSec int) (Measurement, error) {
	cfg, ok := e.config(metric, service)
	if !ok {
		return Measurement{}, fmt.Errorf("no slo config for metric %q", metric)
	}

	actual := 100.0
	if total > 0 {
		actual = 100 * float64(success) / float64(total)
	}
	budget := actual - (100 - cfg.TargetPct)
	if budget < 0 {
		budget = 0
	}

	severity := SeverityNone
	switch {
	case cfg.CriticalPct > 0 && actual < cfg.CriticalPct:
		severity = SeverityCritical
	case cfg.WarningPct > 0 && actual < cfg.WarningPct:
		severity = SeverityWarning
	}

	m := Measurement{
		Metric:               metric,
		Service:              service,
		SuccessCount:         success,
		TotalCount:           total,
		ActualPct:            actual,
		ErrorBudgetRemaining: budget,
		Breach:               actual < cfg.TargetPct,
		Severity:             severity,
		WindowSec:            windowSec,
		MeasuredAt:           e.now(),
	}
	if err := e.store.Insert(m); err != nil {
		return Measurement{}, fmt.Errorf("persist slo measurement: %w", err)
	}

	if e.gauges != nil {
		e.gauges.SetActualPct(metric, service, actual)
		e.gauges.SetBudgetRemaining(metric, service, budget)
	}
	return m, nil
}

// Status returns the latest measurement per key plus 24h aggregates,
// optionally filtered by service.
func (e *Evaluator) Status(service string) (StatusReport, error) {
	latest, err := e.store.Latest()
	if err != nil {
		return StatusReport{}, err
	}

	report := StatusReport{Latest: make([]Measurement, 0, len(latest))}
	cutoff := e.now().Add(-24 * time.Hour)
	for _, m := range latest {
		if service != "" && m.Service != service {
			continue
		}
		report.Latest = append(report.Latest, m)

		series, err := e.store.Range(m.Metric, m.Service, cutoff)
		if err != nil {
			return StatusReport{}, err
		}
		for _, s := range series {
			report.Aggregates.Measurements++
			if s.Breach {
				report.Aggregates.Breaches++
			}
			switch s.Severity {
			case SeverityCritical:
				report.Aggregates.Critical++
			case SeverityWarning:
				report.Aggregates.Warning++
			}
		}
	}
	return report, nil
}

// BurnRate reports budget consumption speed over the window: the average
// observed error rate divided by the allowed error rate. Values >= 1 mean
// the budget is being consumed faster than the target permits.
func (e *Evaluator) BurnRate(metric, service string, hours int) (float64, error) {
	cfg, ok := e.config(metric, service)
	if !ok {
		return 0, fmt.Errorf("no slo config for metric %q", metric)
	}
	allowed := 100 - cfg.TargetPct
	if allowed <= 0 {
		allowed = 0.0001 // a 100% target leaves effectively no budget
	}

	series, err := e.store.Range(metric, service, e.now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return 0, err
	}
	if len(series) == 0 {
		return 0, nil
	}

	var errSum float64
	for _, m := range series {
		errSum += 100 - m.ActualPct
	}
	return (errSum / float64(len(series))) / allowed, nil
}

// CheckBreaches scans the latest measurements and fires debounced alerts:
// one per (service, metric, severity) key at most every 60s for critical
// and 300s for warning.
func (e *Evaluator) CheckBreaches() ([]Alert, error) {
	latest, err := e.store.Latest()
	if err != nil {
		return nil, err
	}

	now := e.now()
	var alerts []Alert
	for _, m := range latest {
		if m.Severity == SeverityNone {
			continue
		}

		debounce := warningDebounce
		if m.Severity == SeverityCritical {
			debounce = criticalDebounce
		}

		key := m.Service + "|" + m.Metric + "|" + m.Severity
		e.mu.Lock()
		last, fired := e.lastFired[key]
		if fired && now.Sub(last) < debounce {
			e.mu.Unlock()
			continue
		}
		e.lastFired[key] = now
		e.mu.Unlock()

		cfg, _ := e.config(m.Metric, m.Service)
		alert := Alert{
			Metric:   m.Metric,
			Service:  m.Service,
			Severity: m.Severity,
			Actual:   m.ActualPct,
			Target:   cfg.TargetPct,
			FiredAt:  now,
		}
		alerts = append(alerts, alert)

		e.logger.Printf("🚨 SLO breach %s/%s severity=%s actual=%.2f%% target=%.2f%%",
			m.Service, m.Metric, m.Severity, m.ActualPct, cfg.TargetPct)
		if e.gauges != nil {
			e.gauges.IncBreach(m.Metric, m.Service, m.Severity)
		}
		if e.emitter != nil {
			e.emitter.Emit(events.TypeSLOBreach, "slo", m.Metric, map[string]interface{}{
				"metric":   alert.Metric,
				"service":  alert.Service,
				"severity": alert.Severity,
				"actual":   alert.Actual,
				"target":   alert.Target,
			})
		}
	}
	return alerts, nil
}

// Violations maps current breaches into the analyzer's input form. Budget
// consumption is the consumed fraction of the allowed error rate, capped
// at 1 when the budget is fully spent.
func (e *Evaluator) Violations() []Violation {
	latest, err := e.store.Latest()
	if err != nil {
		return nil
	}

	var out []Violation
	for _, m := range latest {
		if !m.Breach {
			continue
		}
		cfg, ok := e.config(m.Metric, m.Service)
		if !ok {
			continue
		}
		allowed := 100 - cfg.TargetPct
		consumption := 1.0
		if allowed > 0 {
			consumption = (100 - m.ActualPct) / allowed
			if consumption > 1 {
				consumption = 1
			}
		}
		out = append(out, Violation{Name: m.Metric, BudgetConsumption: consumption})
	}
	return out
}

// StartJanitor prunes expired measurements on the given interval until the
// context is cancelled.
func (e *Evaluator) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := e.store.Prune(e.now().Add(-RetentionPeriod)); err != nil {
					e.logger.Printf("⚠️ prune failed: %v", err)
				} else if n > 0 {
					e.logger.Printf("pruned %d expired measurements", n)
				}
			}
		}
	}()
}
