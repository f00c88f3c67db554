package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/chrlshc/ofm-social-os-sub001/internal/slo"
	"github.com/chrlshc/ofm-social-os-sub001/internal/stream"
)

// Postgres is the production storage collaborator. One instance serves as
// the ETL metric sink, the configuration store, and the SLO measurement
// store.
type Postgres struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgres opens a connection pool against the DSN and verifies it.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	return &Postgres{
		db:     db,
		logger: log.New(log.Writer(), "[STORAGE] ", log.LstdFlags),
	}, nil
}

// Close releases the pool.
func (p *Postgres) Close() error { return p.db.Close() }

// EnsureSchema creates the tables the control plane persists into.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kpi_metrics (
			id           TEXT PRIMARY KEY,
			model_name   TEXT NOT NULL,
			metric_name  TEXT NOT NULL,
			value        DOUBLE PRECISION NOT NULL,
			value_kind   TEXT NOT NULL DEFAULT 'gauge',
			platform     TEXT,
			campaign_id  TEXT,
			metadata     JSONB,
			source       TEXT NOT NULL,
			ts           TIMESTAMPTZ NOT NULL,
			ingested_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kpi_metrics_model_ts ON kpi_metrics (model_name, ts)`,
		`CREATE TABLE IF NOT EXISTS rate_limit_configs (
			platform             TEXT NOT NULL,
			endpoint             TEXT NOT NULL DEFAULT '',
			per_minute           INT,
			per_hour             INT,
			per_day              INT,
			burst_limit          INT,
			burst_window_seconds INT,
			active               BOOLEAN NOT NULL DEFAULT true,
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (platform, endpoint)
		)`,
		`CREATE TABLE IF NOT EXISTS token_scheduling_records (
			token_id          TEXT NOT NULL,
			platform          TEXT NOT NULL,
			active            BOOLEAN NOT NULL DEFAULT true,
			weight            INT NOT NULL DEFAULT 0,
			last_scheduled_at TIMESTAMPTZ,
			total_scheduled   BIGINT NOT NULL DEFAULT 0,
			total_completed   BIGINT NOT NULL DEFAULT 0,
			total_failed      BIGINT NOT NULL DEFAULT 0,
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (token_id, platform)
		)`,
		`CREATE TABLE IF NOT EXISTS slo_configs (
			name              TEXT PRIMARY KEY,
			service           TEXT NOT NULL,
			description       TEXT,
			target_pct        DOUBLE PRECISION NOT NULL,
			window_sec        INT NOT NULL,
			budget_window_sec INT NOT NULL,
			warning_pct       DOUBLE PRECISION NOT NULL,
			critical_pct      DOUBLE PRECISION NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS slo_measurements (
			id               BIGSERIAL PRIMARY KEY,
			metric           TEXT NOT NULL,
			service          TEXT NOT NULL,
			success_count    BIGINT NOT NULL,
			total_count      BIGINT NOT NULL,
			actual_pct       DOUBLE PRECISION NOT NULL,
			budget_remaining DOUBLE PRECISION NOT NULL,
			breach           BOOLEAN NOT NULL,
			severity         TEXT,
			window_sec       INT NOT NULL,
			measured_at      TIMESTAMPTZ NOT NULL,
			alert_fired      BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE INDEX IF NOT EXISTS idx_slo_measurements_key_ts ON slo_measurements (metric, service, measured_at)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// WriteMetrics persists one validated batch with COPY inside a transaction.
// Duplicate IDs that slipped past the stream dedup window are tolerated via
// a staging upsert.
func (p *Postgres) WriteMetrics(ctx context.Context, records []*stream.MetricEvent) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE kpi_metrics_staging (LIKE kpi_metrics INCLUDING DEFAULTS) ON COMMIT DROP`); err != nil {
		return fmt.Errorf("staging table: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("kpi_metrics_staging",
		"id", "model_name", "metric_name", "value", "value_kind",
		"platform", "campaign_id", "metadata", "source", "ts"))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}

	for _, r := range records {
		var meta interface{}
		if len(r.Metadata) > 0 {
			data, err := json.Marshal(r.Metadata)
			if err != nil {
				return fmt.Errorf("marshal metadata for %s: %w", r.ID, err)
			}
			meta = string(data)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.ModelName, r.MetricName, r.Value,
			string(r.ValueKind), nullable(r.Platform), nullable(r.CampaignID), meta, r.Source, r.Timestamp); err != nil {
			return fmt.Errorf("copy row %s: %w", r.ID, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close copy: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO kpi_metrics SELECT * FROM kpi_metrics_staging ON CONFLICT (id) DO NOTHING`); err != nil {
		return fmt.Errorf("merge staging: %w", err)
	}
	return tx.Commit()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// UpsertRateLimitRule persists one (platform, endpoint) rule.
func (p *Postgres) UpsertRateLimitRule(ctx context.Context, rule RateLimitRule) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rate_limit_configs (platform, endpoint, per_minute, per_hour, per_day, burst_limit, burst_window_seconds, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (platform, endpoint) DO UPDATE SET
			per_minute = EXCLUDED.per_minute,
			per_hour = EXCLUDED.per_hour,
			per_day = EXCLUDED.per_day,
			burst_limit = EXCLUDED.burst_limit,
			burst_window_seconds = EXCLUDED.burst_window_seconds,
			active = EXCLUDED.active,
			updated_at = now()`,
		rule.Platform, rule.Endpoint, rule.PerMinute, rule.PerHour, rule.PerDay,
		rule.BurstLimit, rule.BurstWindowSeconds, rule.Active)
	if err != nil {
		return fmt.Errorf("upsert rate limit rule: %w", err)
	}
	return nil
}

// RateLimitRules loads every active rule.
func (p *Postgres) RateLimitRules(ctx context.Context) ([]RateLimitRule, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT platform, endpoint, COALESCE(per_minute, 0), COALESCE(per_hour, 0),
		       COALESCE(per_day, 0), COALESCE(burst_limit, 0), COALESCE(burst_window_seconds, 0), active
		FROM rate_limit_configs WHERE active`)
	if err != nil {
		return nil, fmt.Errorf("load rate limit rules: %w", err)
	}
	defer rows.Close()

	var rules []RateLimitRule
	for rows.Next() {
		var r RateLimitRule
		if err := rows.Scan(&r.Platform, &r.Endpoint, &r.PerMinute, &r.PerHour,
			&r.PerDay, &r.BurstLimit, &r.BurstWindowSeconds, &r.Active); err != nil {
			return nil, fmt.Errorf("scan rate limit rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// SaveTokenRecord snapshots one scheduling record.
func (p *Postgres) SaveTokenRecord(ctx context.Context, tokenID, platform string, active bool, weight int, lastScheduledAt time.Time, scheduled, completed, failed uint64) error {
	var last interface{}
	if !lastScheduledAt.IsZero() {
		last = lastScheduledAt
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO token_scheduling_records (token_id, platform, active, weight, last_scheduled_at, total_scheduled, total_completed, total_failed, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (token_id, platform) DO UPDATE SET
			active = EXCLUDED.active,
			weight = EXCLUDED.weight,
			last_scheduled_at = EXCLUDED.last_scheduled_at,
			total_scheduled = EXCLUDED.total_scheduled,
			total_completed = EXCLUDED.total_completed,
			total_failed = EXCLUDED.total_failed,
			updated_at = now()`,
		tokenID, platform, active, weight, last, int64(scheduled), int64(completed), int64(failed))
	if err != nil {
		return fmt.Errorf("save token record: %w", err)
	}
	return nil
}

// SLOStore adapts Postgres to the evaluator's measurement series.
type SLOStore struct {
	db *sql.DB
}

// SLOStore returns the measurement-series view of this database.
func (p *Postgres) SLOStore() *SLOStore { return &SLOStore{db: p.db} }

// Insert appends a measurement.
func (s *SLOStore) Insert(m slo.Measurement) error {
	_, err := s.db.Exec(`
		INSERT INTO slo_measurements (metric, service, success_count, total_count, actual_pct, budget_remaining, breach, severity, window_sec, measured_at, alert_fired)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.Metric, m.Service, m.SuccessCount, m.TotalCount, m.ActualPct,
		m.ErrorBudgetRemaining, m.Breach, nullable(m.Severity), m.WindowSec, m.MeasuredAt, m.AlertFired)
	if err != nil {
		return fmt.Errorf("insert measurement: %w", err)
	}
	return nil
}

// Latest returns the newest measurement per (metric, service).
func (s *SLOStore) Latest() ([]slo.Measurement, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT ON (metric, service)
		       metric, service, success_count, total_count, actual_pct, budget_remaining, breach, COALESCE(severity, ''), window_sec, measured_at, alert_fired
		FROM slo_measurements
		ORDER BY metric, service, measured_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("latest measurements: %w", err)
	}
	defer rows.Close()
	return scanMeasurements(rows)
}

// Range returns measurements for one key since a cutoff, oldest first.
func (s *SLOStore) Range(metric, service string, since time.Time) ([]slo.Measurement, error) {
	rows, err := s.db.Query(`
		SELECT metric, service, success_count, total_count, actual_pct, budget_remaining, breach, COALESCE(severity, ''), window_sec, measured_at, alert_fired
		FROM slo_measurements
		WHERE metric = $1 AND service = $2 AND measured_at >= $3
		ORDER BY measured_at ASC`, metric, service, since)
	if err != nil {
		return nil, fmt.Errorf("range measurements: %w", err)
	}
	defer rows.Close()
	return scanMeasurements(rows)
}

// Prune drops measurements past retention, returning the count.
func (s *SLOStore) Prune(before time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM slo_measurements WHERE measured_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune measurements: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanMeasurements(rows *sql.Rows) ([]slo.Measurement, error) {
	var out []slo.Measurement
	for rows.Next() {
		var m slo.Measurement
		if err := rows.Scan(&m.Metric, &m.Service, &m.SuccessCount, &m.TotalCount,
			&m.ActualPct, &m.ErrorBudgetRemaining, &m.Breach, &m.Severity,
			&m.WindowSec, &m.MeasuredAt, &m.AlertFired); err != nil {
			return nil, fmt.Errorf("scan measurement: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

var _ slo.Store = (*SLOStore)(nil)
var _ ConfigStore = (*Postgres)(nil)
