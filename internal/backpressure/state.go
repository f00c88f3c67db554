package backpressure

import "time"

// Level is the discrete degradation tier of the control plane.
type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// LevelFor maps the worst resource ratio R onto the degradation ladder.
func LevelFor(r float64) Level {
	switch {
	case r < 0.7:
		return LevelNone
	case r < 1.0:
		return LevelLow
	case r < 1.5:
		return LevelMedium
	case r < 2.0:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// Tuning is the lever setting applied at a degradation level.
type Tuning struct {
	SamplingRate float64
	BatchSize    int
}

// TuningFor returns the lever tuning for a level.
func TuningFor(l Level) Tuning {
	switch l {
	case LevelLow:
		return Tuning{SamplingRate: 0.9, BatchSize: 5}
	case LevelMedium:
		return Tuning{SamplingRate: 0.7, BatchSize: 10}
	case LevelHigh:
		return Tuning{SamplingRate: 0.5, BatchSize: 20}
	case LevelCritical:
		return Tuning{SamplingRate: 0.2, BatchSize: 50}
	default:
		return Tuning{SamplingRate: 1.0, BatchSize: 1}
	}
}

// Resources are the controller's raw readings.
type Resources struct {
	MemoryMB    float64 `json:"memoryMb"`
	QueueDepth  float64 `json:"queueDepth"`
	PublishRate float64 `json:"publishRate"`
	CPUPercent  float64 `json:"cpuPercent"`
}

// Thresholds are the per-resource maxima that normalize readings.
type Thresholds struct {
	MaxMemoryMB    float64 `yaml:"max_memory_mb" json:"maxMemoryMb"`
	MaxQueueDepth  float64 `yaml:"max_queue_depth" json:"maxQueueDepth"`
	MaxPublishRate float64 `yaml:"max_publish_rate" json:"maxPublishRate"`
	MaxCPUPercent  float64 `yaml:"max_cpu_percent" json:"maxCpuPercent"`
}

// DefaultThresholds returns a conservative default sizing.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxMemoryMB:    512,
		MaxQueueDepth:  10000,
		MaxPublishRate: 5000,
		MaxCPUPercent:  80,
	}
}

// Ratios are the normalized resource utilizations r_i = current_i / max_i.
type Ratios struct {
	Memory float64 `json:"memory"`
	Queue  float64 `json:"queue"`
	Rate   float64 `json:"rate"`
	CPU    float64 `json:"cpu"`
}

// Max returns R, the worst ratio, which drives the degradation ladder.
func (r Ratios) Max() float64 {
	max := r.Memory
	if r.Queue > max {
		max = r.Queue
	}
	if r.Rate > max {
		max = r.Rate
	}
	if r.CPU > max {
		max = r.CPU
	}
	return max
}

// RatiosOf normalizes readings against thresholds. A zero threshold yields
// a zero ratio for that resource — it cannot drive degradation.
func RatiosOf(res Resources, th Thresholds) Ratios {
	ratio := func(cur, max float64) float64 {
		if max <= 0 {
			return 0
		}
		return cur / max
	}
	return Ratios{
		Memory: ratio(res.MemoryMB, th.MaxMemoryMB),
		Queue:  ratio(res.QueueDepth, th.MaxQueueDepth),
		Rate:   ratio(res.PublishRate, th.MaxPublishRate),
		CPU:    ratio(res.CPUPercent, th.MaxCPUPercent),
	}
}

// State is the controller's authoritative snapshot. Readers receive copies;
// only the monitoring ticker mutates the live value.
type State struct {
	Level        Level     `json:"level"`
	LevelName    string    `json:"levelName"`
	SamplingRate float64   `json:"samplingRate"`
	BatchSize    int       `json:"batchSize"`
	Resources    Resources `json:"resources"`
	Ratios       Ratios    `json:"ratios"`
	MaxRatio     float64   `json:"maxRatio"`
	QueueLen     int       `json:"queueLen"`
	OpenCircuits []string  `json:"openCircuits"`
	ShuttingDown bool      `json:"shuttingDown"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
