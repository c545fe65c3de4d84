// v0
// internal/storage/postgres.go
package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"nrgchamp/growcontrol/internal/audit"
	"nrgchamp/growcontrol/internal/models"
	"nrgchamp/growcontrol/internal/pidconfig"
	"nrgchamp/growcontrol/internal/pidstate"
)

//go:embed schema.sql
var schema string

// querier is the subset of *pgxpool.Pool the store uses.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements every persistence interface of the service on one pool.
type Postgres struct {
	db   querier
	pool *pgxpool.Pool
	lg   *zap.SugaredLogger
}

// New opens a pool and pings it.
func New(ctx context.Context, dsn string, lg *zap.SugaredLogger) (*Postgres, error) {
	parseConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	parseConfig.MinConns = int32(runtime.NumCPU())
	if parseConfig.MinConns < 2 {
		parseConfig.MinConns = 2
	}
	parseConfig.MaxConnIdleTime = 5 * time.Minute
	parseConfig.MaxConnLifetime = 30 * time.Minute
	parseConfig.BeforeClose = func(conn *pgx.Conn) {
		lg.Debugw("pg_conn_close", "pid", conn.PgConn().PID())
	}

	connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connCtx, parseConfig)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(connCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{db: pool, pool: pool, lg: lg}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Ping checks connectivity; used as the storage breaker probe.
func (p *Postgres) Ping(ctx context.Context) error {
	if p.pool == nil {
		return nil
	}
	return p.pool.Ping(ctx)
}

// Migrate applies the embedded schema. Statements are idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("%w: migrate: %v", models.ErrPersistence, err)
	}
	return nil
}

// ---- zones ----

// ListZones returns every live zone with its alert count and last telemetry time.
func (p *Postgres) ListZones(ctx context.Context) ([]models.Zone, error) {
	const q = `
SELECT z.id, z.name, z.health_score, z.nodes_total, z.nodes_offline,
       (SELECT count(*) FROM alerts a WHERE a.zone_id = z.id AND a.status = 'ACTIVE'),
       t.sampled_at
FROM zones z
LEFT JOIN telemetry_last t ON t.zone_id = z.id
WHERE z.deleted_at IS NULL
ORDER BY z.id`
	rows, err := p.db.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list zones: %w", err)
	}
	defer rows.Close()

	var out []models.Zone
	for rows.Next() {
		var (
			z      models.Zone
			alerts int64
			last   *time.Time
		)
		if err := rows.Scan(&z.ID, &z.Name, &z.HealthScore, &z.NodesTotal, &z.NodesOffline, &alerts, &last); err != nil {
			return nil, fmt.Errorf("scan zone: %w", err)
		}
		z.ActiveAlerts = int(alerts)
		if last != nil {
			z.LastTelemetryAt = *last
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

// ZoneExists reports whether the zone is present and not deleted.
func (p *Postgres) ZoneExists(ctx context.Context, zoneID int64) (bool, error) {
	var ok bool
	err := p.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM zones WHERE id = $1 AND deleted_at IS NULL)`, zoneID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("zone exists %d: %w", zoneID, err)
	}
	return ok, nil
}

// Bindings returns the raw channel bindings of a zone.
func (p *Postgres) Bindings(ctx context.Context, zoneID int64) ([]models.BindingRow, error) {
	rows, err := p.db.Query(ctx, `
SELECT role, node_id, node_uid, channel, ml_per_sec, k_ms_per_ml_l, direction
FROM zone_channel_bindings WHERE zone_id = $1 ORDER BY role`, zoneID)
	if err != nil {
		return nil, fmt.Errorf("bindings %d: %w", zoneID, err)
	}
	defer rows.Close()

	var out []models.BindingRow
	for rows.Next() {
		var b models.BindingRow
		if err := rows.Scan(&b.Key, &b.NodeID, &b.NodeUID, &b.Channel, &b.MLPerSec, &b.KMsPerMLL, &b.Direction); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ---- telemetry ----

// LatestTelemetry reads the last sample set of a zone.
func (p *Postgres) LatestTelemetry(ctx context.Context, zoneID int64) (models.Telemetry, error) {
	var t models.Telemetry
	err := p.db.QueryRow(ctx, `
SELECT ph, ec, water_level_ok, sampled_at FROM telemetry_last WHERE zone_id = $1`, zoneID).
		Scan(&t.PH, &t.EC, &t.WaterLevelOK, &t.SampledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Telemetry{}, fmt.Errorf("telemetry %d: %w", zoneID, models.ErrNotFound)
	}
	if err != nil {
		return models.Telemetry{}, fmt.Errorf("telemetry %d: %w", zoneID, err)
	}
	return t, nil
}

// TelemetrySince returns samples of one metric newer than since, oldest first.
func (p *Postgres) TelemetrySince(ctx context.Context, zoneID int64, metric string, since time.Time) ([]models.Sample, error) {
	rows, err := p.db.Query(ctx, `
SELECT value, ts FROM telemetry_samples
WHERE zone_id = $1 AND metric = $2 AND ts >= $3
ORDER BY ts`, zoneID, metric, since)
	if err != nil {
		return nil, fmt.Errorf("telemetry since %d/%s: %w", zoneID, metric, err)
	}
	defer rows.Close()

	var out []models.Sample
	for rows.Next() {
		var s models.Sample
		if err := rows.Scan(&s.Value, &s.TS); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ---- events ----

// LastCorrectionAt returns the newest event of the given types.
func (p *Postgres) LastCorrectionAt(ctx context.Context, zoneID int64, eventTypes []string) (time.Time, bool, error) {
	var ts *time.Time
	err := p.db.QueryRow(ctx, `
SELECT max(created_at) FROM zone_events WHERE zone_id = $1 AND type = ANY($2)`, zoneID, eventTypes).Scan(&ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last correction %d: %w", zoneID, err)
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return *ts, true, nil
}

// InsertEvent appends one zone event.
func (p *Postgres) InsertEvent(ctx context.Context, ev models.ZoneEvent) error {
	_, err := p.db.Exec(ctx, `
INSERT INTO zone_events (id, zone_id, type, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.ZoneID, ev.Type, []byte(ev.Payload), ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: insert event %s: %v", models.ErrPersistence, ev.Type, err)
	}
	return nil
}

// ---- pid config ----

// GetPidConfig returns the stored tuning row of a zone.
func (p *Postgres) GetPidConfig(ctx context.Context, zoneID int64, ct models.CorrectionType) (pidconfig.StoredConfig, bool, error) {
	var (
		raw []byte
		sc  pidconfig.StoredConfig
	)
	err := p.db.QueryRow(ctx, `
SELECT config, updated_at FROM zone_pid_configs WHERE zone_id = $1 AND pid_type = $2`, zoneID, string(ct)).
		Scan(&raw, &sc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return pidconfig.StoredConfig{}, false, nil
	}
	if err != nil {
		return pidconfig.StoredConfig{}, false, fmt.Errorf("pid config %d/%s: %w", zoneID, ct, err)
	}
	sc.Raw = json.RawMessage(raw)
	return sc, true, nil
}

// PidConfigUpdatedAt is the cheap staleness probe for the config cache.
func (p *Postgres) PidConfigUpdatedAt(ctx context.Context, zoneID int64, ct models.CorrectionType) (time.Time, bool, error) {
	var ts time.Time
	err := p.db.QueryRow(ctx, `
SELECT updated_at FROM zone_pid_configs WHERE zone_id = $1 AND pid_type = $2`, zoneID, string(ct)).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("pid config updated_at %d/%s: %w", zoneID, ct, err)
	}
	return ts, true, nil
}

// ---- pid state ----

// UpsertPidState replaces the runtime state row of one controller.
func (p *Postgres) UpsertPidState(ctx context.Context, row pidstate.Row) error {
	_, err := p.db.Exec(ctx, `
INSERT INTO pid_state (zone_id, pid_type, integral, prev_error, last_output_ms, stats, current_zone, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (zone_id, pid_type) DO UPDATE SET
    integral = EXCLUDED.integral,
    prev_error = EXCLUDED.prev_error,
    last_output_ms = EXCLUDED.last_output_ms,
    stats = EXCLUDED.stats,
    current_zone = EXCLUDED.current_zone,
    updated_at = EXCLUDED.updated_at`,
		row.ZoneID, string(row.PidType), row.Integral, row.PrevError, row.LastOutputMs,
		nullableJSON(row.Stats), row.CurrentZone, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert pid state %d/%s: %w", row.ZoneID, row.PidType, err)
	}
	return nil
}

// GetPidState reads the runtime state row of one controller.
func (p *Postgres) GetPidState(ctx context.Context, zoneID int64, ct models.CorrectionType) (pidstate.Row, bool, error) {
	row := pidstate.Row{ZoneID: zoneID, PidType: ct}
	var stats []byte
	err := p.db.QueryRow(ctx, `
SELECT integral, prev_error, last_output_ms, stats, current_zone, updated_at
FROM pid_state WHERE zone_id = $1 AND pid_type = $2`, zoneID, string(ct)).
		Scan(&row.Integral, &row.PrevError, &row.LastOutputMs, &stats, &row.CurrentZone, &row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return pidstate.Row{}, false, nil
	}
	if err != nil {
		return pidstate.Row{}, false, fmt.Errorf("pid state %d/%s: %w", zoneID, ct, err)
	}
	row.Stats = json.RawMessage(stats)
	return row, true, nil
}

// DeletePidState drops every state row of a zone.
func (p *Postgres) DeletePidState(ctx context.Context, zoneID int64) error {
	if _, err := p.db.Exec(ctx, `DELETE FROM pid_state WHERE zone_id = $1`, zoneID); err != nil {
		return fmt.Errorf("delete pid state %d: %w", zoneID, err)
	}
	return nil
}

// ---- alerts ----

// InsertActiveAlert relies on the partial unique index over ACTIVE alerts.
func (p *Postgres) InsertActiveAlert(ctx context.Context, zoneID int64, code string, details json.RawMessage) (bool, error) {
	tag, err := p.db.Exec(ctx, `
INSERT INTO alerts (zone_id, code, status, details) VALUES ($1, $2, 'ACTIVE', $3)
ON CONFLICT (zone_id, code) WHERE status = 'ACTIVE' DO NOTHING`, zoneID, code, nullableJSON(details))
	if err != nil {
		return false, fmt.Errorf("insert alert %d/%s: %w", zoneID, code, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResolveActiveAlert closes the ACTIVE alert, if any.
func (p *Postgres) ResolveActiveAlert(ctx context.Context, zoneID int64, code string) (bool, error) {
	tag, err := p.db.Exec(ctx, `
UPDATE alerts SET status = 'RESOLVED', resolved_at = now()
WHERE zone_id = $1 AND code = $2 AND status = 'ACTIVE'`, zoneID, code)
	if err != nil {
		return false, fmt.Errorf("resolve alert %d/%s: %w", zoneID, code, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ---- commands ----

// InsertCommand records one issued command.
func (p *Postgres) InsertCommand(ctx context.Context, e audit.Entry) error {
	_, err := p.db.Exec(ctx, `
INSERT INTO commands (cmd_id, zone_id, node_uid, channel, cmd, params, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (cmd_id) DO UPDATE SET status = EXCLUDED.status`,
		e.CmdID, e.ZoneID, e.NodeUID, e.Channel, e.Cmd, nullableJSON(e.Params), e.Status, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert command %s: %w", e.CmdID, err)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
