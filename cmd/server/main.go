// The kpi-control-plane server wires the full ingestion-and-publishing
// control plane: stream gateway, backpressure controller, strategy
// analyzer, ETL pipelines, fair-share scheduler, rate limiter, SLO
// evaluator, and the HTTP/WebSocket/SSE surface in front of them.
//
// Redis and Postgres are optional: without Redis the stream gateway and
// rate limiter run on in-memory backends, without Postgres validated
// metrics stay in an in-memory sink. Both fallbacks log loudly.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chrlshc/ofm-social-os-sub001/internal/api"
	"github.com/chrlshc/ofm-social-os-sub001/internal/backpressure"
	"github.com/chrlshc/ofm-social-os-sub001/internal/config"
	"github.com/chrlshc/ofm-social-os-sub001/internal/etl"
	"github.com/chrlshc/ofm-social-os-sub001/internal/events"
	"github.com/chrlshc/ofm-social-os-sub001/internal/infra"
	"github.com/chrlshc/ofm-social-os-sub001/internal/metrics"
	"github.com/chrlshc/ofm-social-os-sub001/internal/ratelimit"
	"github.com/chrlshc/ofm-social-os-sub001/internal/scheduler"
	"github.com/chrlshc/ofm-social-os-sub001/internal/slo"
	"github.com/chrlshc/ofm-social-os-sub001/internal/storage"
	"github.com/chrlshc/ofm-social-os-sub001/internal/strategy"
	"github.com/chrlshc/ofm-social-os-sub001/internal/stream"
	"github.com/chrlshc/ofm-social-os-sub001/internal/ws"
)

func main() {
	logger := log.New(os.Stdout, "[MAIN] ", log.LstdFlags)
	logger.Println("🔥 Starting KPI control plane...")

	_ = godotenv.Load()

	cfg := loadConfig(logger)
	prom := metrics.New()
	bus := events.NewBus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ------------------------------------------------------------------
	// Storage and stream backends, with fallbacks.
	// ------------------------------------------------------------------
	backend, windows, rdbClose := buildRedis(cfg, logger)
	gateway := stream.NewGateway(backend, prom)
	for _, sc := range stream.DefaultStreams() {
		if err := gateway.CreateStream(ctx, sc); err != nil {
			logger.Fatalf("create stream %s: %v", sc.Name, err)
		}
	}

	var sink etl.Sink
	var sloStore slo.Store
	var pg *storage.Postgres
	if cfg.Postgres.Enabled {
		var err error
		pg, err = storage.NewPostgres(cfg.Postgres.DSN)
		if err != nil {
			logger.Fatalf("postgres: %v", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatalf("postgres schema: %v", err)
		}
		sink = pg
		sloStore = pg.SLOStore()
		logger.Println("✅ Postgres connected")
	} else {
		logger.Println("⚠️ DATABASE_URL not set, using in-memory sink")
		sink = storage.NewMemorySink()
		sloStore = slo.NewMemoryStore()
	}

	// ------------------------------------------------------------------
	// Core components.
	// ------------------------------------------------------------------
	controller := backpressure.New(backpressureConfig(cfg), gateway, backpressure.RuntimeSampler{}, bus, prom)
	controller.Start(ctx)

	analyzer := strategy.NewAnalyzer(bus)

	evaluator := slo.NewEvaluator(sloStore, prom, bus)
	for _, sc := range cfg.SLOs {
		err := evaluator.RegisterConfig(slo.Config{
			Name:            sc.Name,
			Service:         sc.Service,
			Description:     sc.Description,
			TargetPct:       sc.TargetPct,
			EvalWindowSec:   sc.WindowSec,
			BudgetWindowSec: sc.BudgetWindowSec,
			WarningPct:      sc.WarningPct,
			CriticalPct:     sc.CriticalPct,
		})
		if err != nil {
			logger.Fatalf("slo config %s: %v", sc.Name, err)
		}
	}
	evaluator.StartJanitor(ctx, time.Hour)

	limiter := ratelimit.NewLimiter(buildRules(ctx, cfg, pg, logger), windows, prom)

	sched := scheduler.New(scheduler.Config{
		JitterMin:       cfg.Scheduler.JitterMin,
		JitterMax:       cfg.Scheduler.JitterMax,
		StarvationAfter: cfg.Scheduler.StarvationAfter,
	}, limiter, &loadGate{controller: controller}, bus, prom)

	hub := ws.NewHub()
	go hub.EventPump(bus.Subscribe())

	// ------------------------------------------------------------------
	// ETL pipelines: one per default stream that carries metric events.
	// ------------------------------------------------------------------
	manager := etl.NewManager(ctx)
	pipelineCfg := etl.Config{
		Name:                 "metrics",
		Stream:               "KPI_METRICS",
		Consumer:             "etl-metrics",
		BatchSize:            cfg.ETL.BatchSize,
		BatchTimeout:         cfg.ETL.BatchTimeout,
		MaxConcurrentBatches: cfg.ETL.MaxConcurrentBatches,
		RetryAttempts:        cfg.ETL.RetryAttempts,
		RetryDelay:           cfg.ETL.RetryDelay,
	}
	pipeline := etl.New(pipelineCfg, gateway, sink, nil, hub, evaluator, prom, bus)
	if err := manager.Add(pipeline); err != nil {
		logger.Fatalf("etl pipeline: %v", err)
	}

	// ------------------------------------------------------------------
	// Periodic evaluation tickers.
	// ------------------------------------------------------------------
	go strategyTicker(ctx, controller, analyzer, evaluator)
	go breachTicker(ctx, evaluator)

	// ------------------------------------------------------------------
	// HTTP surface.
	// ------------------------------------------------------------------
	server := api.NewServer(api.Deps{
		Gateway:    gateway,
		Controller: controller,
		Analyzer:   analyzer,
		ETL:        manager,
		Scheduler:  sched,
		Limiter:    limiter,
		SLO:        evaluator,
		Hub:        hub,
		Bus:        bus,
	}, cfg.Server.Port, cfg.Ingest.MaxBatchSize)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	// ------------------------------------------------------------------
	// Shutdown: stop intake, drain, then close everything.
	// ------------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		logger.Printf("server failed: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	if err := controller.Shutdown(shutdownCtx); err != nil {
		logger.Printf("controller shutdown: %v", err)
	}
	manager.StopAll()
	hub.Close()
	cancel()

	if pg != nil {
		pg.Close()
	}
	if rdbClose != nil {
		rdbClose()
	}
	logger.Println("👋 shutdown complete")
}

// loadConfig reads the optional YAML file named by KPI_CONFIG, then applies
// environment overrides.
func loadConfig(logger *log.Logger) *config.Config {
	cfg := config.Default()
	if path := os.Getenv("KPI_CONFIG"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			logger.Fatalf("config %s: %v", path, err)
		}
		cfg = loaded
		logger.Printf("config loaded from %s", path)
	}
	cfg.ApplyEnv()
	return cfg
}

func backpressureConfig(cfg *config.Config) backpressure.Config {
	return backpressure.Config{
		Thresholds:    cfg.Backpressure.Thresholds,
		MaxQueueSize:  cfg.Backpressure.MaxQueueSize,
		MonitorEvery:  cfg.Backpressure.MonitorEvery,
		DrainEvery:    cfg.Backpressure.DrainEvery,
		RecoveryDelay: cfg.Backpressure.RecoveryDelay,
		MaxBackoff:    cfg.Backpressure.MaxBackoff,
		MaxRetries:    cfg.Backpressure.MaxRetries,
	}
}

// buildRedis connects to Redis when enabled, falling back to the in-memory
// stream backend and window store otherwise. The returned closer is nil on
// the fallback path.
func buildRedis(cfg *config.Config, logger *log.Logger) (stream.Backend, ratelimit.WindowStore, func()) {
	if cfg.Redis.Enabled {
		rdb, err := infra.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err == nil {
			return infra.NewRedisStreamBackend(rdb), infra.NewRedisWindowStore(rdb), func() { rdb.Close() }
		}
		logger.Printf("⚠️ %v — falling back to in-memory backends", err)
	} else {
		logger.Println("⚠️ REDIS_ADDR not set, using in-memory backends")
	}
	return stream.NewMemoryBackend(), ratelimit.NewMemoryStore(), nil
}

// buildRules loads rate-limit rules from Postgres when available, merged
// over the static config entries. Config entries are also persisted so the
// next boot reads a consistent rule set.
func buildRules(ctx context.Context, cfg *config.Config, pg *storage.Postgres, logger *log.Logger) ratelimit.RuleProvider {
	rules := ratelimit.NewStaticRules()
	for _, rc := range cfg.RateLimits {
		rule := storage.RateLimitRule{
			Platform:           rc.Platform,
			Endpoint:           rc.Endpoint,
			PerMinute:          rc.PerMinute,
			PerHour:            rc.PerHour,
			PerDay:             rc.PerDay,
			BurstLimit:         rc.BurstLimit,
			BurstWindowSeconds: rc.BurstWindowSeconds,
			Active:             true,
		}
		rules.Set(rc.Platform, rc.Endpoint, rule.Limits())
		if pg != nil {
			if err := pg.UpsertRateLimitRule(ctx, rule); err != nil {
				logger.Printf("⚠️ persist rate limit rule %s/%s: %v", rc.Platform, rc.Endpoint, err)
			}
		}
	}

	if pg != nil {
		stored, err := pg.RateLimitRules(ctx)
		if err != nil {
			logger.Printf("⚠️ load rate limit rules: %v", err)
			return rules
		}
		for _, rule := range stored {
			if !rule.Active {
				continue
			}
			rules.Set(rule.Platform, rule.Endpoint, rule.Limits())
		}
	}
	return rules
}

// loadGate adapts the backpressure controller to the scheduler's admission
// surface: critical degradation denies all dispatch, and optionally so does
// an open breaker on the platform's publish subject.
type loadGate struct {
	controller *backpressure.Controller
}

func (g *loadGate) AllowDispatch(platform string, checkBreaker bool) error {
	snap := g.controller.Snapshot()
	if snap.Level == backpressure.LevelCritical {
		return errCriticalLoad
	}
	if checkBreaker {
		subject := stream.MetricSubject(platform, "publish")
		if b, ok := g.controller.Breakers().Peek(subject); ok {
			if err := b.Allow(); err != nil {
				return err
			}
		}
	}
	return nil
}

var errCriticalLoad = &dispatchError{"system critically degraded"}

type dispatchError struct{ msg string }

func (e *dispatchError) Error() string { return e.msg }

// strategyTicker re-evaluates the mitigation strategy every 10 seconds,
// feeding it the current SLO violations.
func strategyTicker(ctx context.Context, c *backpressure.Controller, a *strategy.Analyzer, e *slo.Evaluator) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			violations := make([]strategy.SLOViolation, 0)
			for _, v := range e.Violations() {
				violations = append(violations, strategy.SLOViolation{
					Name:              v.Name,
					BudgetConsumption: v.BudgetConsumption,
				})
			}
			a.Evaluate(c.Snapshot(), c.Metrics(), violations)
		}
	}
}

// breachTicker scans for SLO breaches every 30 seconds; alert debouncing
// lives in the evaluator.
func breachTicker(ctx context.Context, e *slo.Evaluator) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.CheckBreaches(); err != nil {
				log.Printf("[MAIN] breach scan: %v", err)
			}
		}
	}
}
