// Package cache implements the local embedded SQL store: the always-
// accepting floor of the atomicity guarantee. It never refuses a write
// except on genuine file I/O failure, and supports ordered batch drain
// to an upstream store plus unconditional archival.
package cache

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/ryansname/pvcoordinator/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// UpstreamWriter is the drain-time view of the upstream store: idempotent
// replay writes only. Defined here, not in package upstream, so cache has
// no compile-time dependency on it (upstream.Store satisfies this).
type UpstreamWriter interface {
	DrainPower(ctx context.Context, s model.PowerSample) error
	DrainEnergy(ctx context.Context, s model.EnergySample) error
}

// Stats reports row counts across the four tables.
type Stats struct {
	PowerCached    int64
	EnergyCached   int64
	PowerArchived  int64
	EnergyArchived int64
}

// DrainReport summarizes one DrainPower or DrainEnergy call.
type DrainReport struct {
	Attempted    int
	Succeeded    int
	Archived     int
	StoppedEarly bool
}

// Store wraps a pooled connection to the embedded database.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the cache file at path, runs pending
// migrations, and returns a ready Store. Matches the small-pool
// guidance of spec.md §4.2 (five connections).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(5)

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutPower unconditionally accepts a power sample, replacing any existing
// row with the same timestamp. Only a file I/O failure returns an error.
func (s *Store) PutPower(ctx context.Context, p model.PowerSample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO power_cache
			(timestamp, pv_production_w, supply_power_w, battery_power_w, consumption_w,
			 battery_pct, battery_energy_wh, supply_state, battery_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Timestamp.UTC().Format(time.RFC3339), p.PVProductionW, p.SupplyPowerW, p.BatteryPowerW,
		p.ConsumptionW, p.BatteryPct, p.BatteryEnergyWh, string(p.SupplyState), string(p.BatteryState))
	if err != nil {
		return fmt.Errorf("cache: put power: %w", err)
	}
	return nil
}

// PutEnergy unconditionally accepts an energy sample.
func (s *Store) PutEnergy(ctx context.Context, e model.EnergySample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO energy_cache
			(timestamp, production_wh, grid_buy_wh, grid_sell_wh, consumption_wh,
			 battery_charge_wh, battery_discharge_wh, battery_cycles)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UTC().Format(time.RFC3339), e.ProductionWh, e.GridBuyWh, e.GridSellWh,
		e.ConsumptionWh, e.BatteryChargeWh, e.BatteryDischarge, e.BatteryCycles)
	if err != nil {
		return fmt.Errorf("cache: put energy: %w", err)
	}
	return nil
}

// TakePowerBatch returns up to n live-cache power rows, oldest first.
// Does not remove anything.
func (s *Store) TakePowerBatch(ctx context.Context, n int) ([]model.PowerSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, pv_production_w, supply_power_w, battery_power_w, consumption_w,
		       battery_pct, battery_energy_wh, supply_state, battery_state
		FROM power_cache ORDER BY timestamp ASC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("cache: take power batch: %w", err)
	}
	defer rows.Close()

	var out []model.PowerSample
	for rows.Next() {
		var p model.PowerSample
		var ts, supplyState, batteryState string
		if err := rows.Scan(&ts, &p.PVProductionW, &p.SupplyPowerW, &p.BatteryPowerW, &p.ConsumptionW,
			&p.BatteryPct, &p.BatteryEnergyWh, &supplyState, &batteryState); err != nil {
			return nil, fmt.Errorf("cache: scan power row: %w", err)
		}
		p.Timestamp, err = time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("cache: parse power timestamp: %w", err)
		}
		p.SupplyState = model.SupplyState(supplyState)
		p.BatteryState = model.BatteryState(batteryState)
		out = append(out, p)
	}
	return out, rows.Err()
}

// TakeEnergyBatch returns up to n live-cache energy rows, oldest first.
func (s *Store) TakeEnergyBatch(ctx context.Context, n int) ([]model.EnergySample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, production_wh, grid_buy_wh, grid_sell_wh, consumption_wh,
		       battery_charge_wh, battery_discharge_wh, battery_cycles
		FROM energy_cache ORDER BY timestamp ASC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("cache: take energy batch: %w", err)
	}
	defer rows.Close()

	var out []model.EnergySample
	for rows.Next() {
		var e model.EnergySample
		var ts string
		if err := rows.Scan(&ts, &e.ProductionWh, &e.GridBuyWh, &e.GridSellWh, &e.ConsumptionWh,
			&e.BatteryChargeWh, &e.BatteryDischarge, &e.BatteryCycles); err != nil {
			return nil, fmt.Errorf("cache: scan energy row: %w", err)
		}
		e.Timestamp, err = time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("cache: parse energy timestamp: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DrainPower replays up to n cached power rows upstream in timestamp
// order, then archives everything that was successfully replayed in a
// single cache transaction. Stops at the first hard upstream error
// rather than retrying the whole batch (spec.md §4.2).
func (s *Store) DrainPower(ctx context.Context, upstream UpstreamWriter, n int) (DrainReport, error) {
	batch, err := s.TakePowerBatch(ctx, n)
	if err != nil {
		return DrainReport{}, err
	}

	report := DrainReport{Attempted: len(batch)}
	var eligible []model.PowerSample
	for _, p := range batch {
		if err := upstream.DrainPower(ctx, p); err != nil {
			log.Printf("cache: drain power stopped at %s: %v\n", p.Timestamp.Format(time.RFC3339), err)
			report.StoppedEarly = true
			break
		}
		eligible = append(eligible, p)
		report.Succeeded++
	}

	if len(eligible) == 0 {
		return report, nil
	}

	archived, err := s.archivePower(ctx, eligible)
	report.Archived = archived
	return report, err
}

// DrainEnergy is DrainPower's counterpart for energy samples.
func (s *Store) DrainEnergy(ctx context.Context, upstream UpstreamWriter, n int) (DrainReport, error) {
	batch, err := s.TakeEnergyBatch(ctx, n)
	if err != nil {
		return DrainReport{}, err
	}

	report := DrainReport{Attempted: len(batch)}
	var eligible []model.EnergySample
	for _, e := range batch {
		if err := upstream.DrainEnergy(ctx, e); err != nil {
			log.Printf("cache: drain energy stopped at %s: %v\n", e.Timestamp.Format(time.RFC3339), err)
			report.StoppedEarly = true
			break
		}
		eligible = append(eligible, e)
		report.Succeeded++
	}

	if len(eligible) == 0 {
		return report, nil
	}

	archived, err := s.archiveEnergy(ctx, eligible)
	report.Archived = archived
	return report, err
}

func (s *Store) archivePower(ctx context.Context, samples []model.PowerSample) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("cache: begin archive power tx: %w", err)
	}
	defer tx.Rollback()

	archivedAt := time.Now().UTC().Format(time.RFC3339)
	for _, p := range samples {
		ts := p.Timestamp.UTC().Format(time.RFC3339)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO power_archive
				(timestamp, pv_production_w, supply_power_w, battery_power_w, consumption_w,
				 battery_pct, battery_energy_wh, supply_state, battery_state, archived_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ts, p.PVProductionW, p.SupplyPowerW, p.BatteryPowerW, p.ConsumptionW,
			p.BatteryPct, p.BatteryEnergyWh, string(p.SupplyState), string(p.BatteryState), archivedAt); err != nil {
			return 0, fmt.Errorf("cache: insert power archive: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM power_cache WHERE timestamp = ?`, ts); err != nil {
			return 0, fmt.Errorf("cache: delete power cache row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("cache: commit archive power tx: %w", err)
	}
	return len(samples), nil
}

func (s *Store) archiveEnergy(ctx context.Context, samples []model.EnergySample) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("cache: begin archive energy tx: %w", err)
	}
	defer tx.Rollback()

	archivedAt := time.Now().UTC().Format(time.RFC3339)
	for _, e := range samples {
		ts := e.Timestamp.UTC().Format(time.RFC3339)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO energy_archive
				(timestamp, production_wh, grid_buy_wh, grid_sell_wh, consumption_wh,
				 battery_charge_wh, battery_discharge_wh, battery_cycles, archived_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ts, e.ProductionWh, e.GridBuyWh, e.GridSellWh, e.ConsumptionWh,
			e.BatteryChargeWh, e.BatteryDischarge, e.BatteryCycles, archivedAt); err != nil {
			return 0, fmt.Errorf("cache: insert energy archive: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM energy_cache WHERE timestamp = ?`, ts); err != nil {
			return 0, fmt.Errorf("cache: delete energy cache row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("cache: commit archive energy tx: %w", err)
	}
	return len(samples), nil
}

// ArchiveAllPower unconditionally moves every live power_cache row into
// power_archive and clears the live region, in one transaction. Used by
// the -archive-all administrative command; the coordinator's shutdown
// sequence drains instead.
func (s *Store) ArchiveAllPower(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("cache: begin archive-all power tx: %w", err)
	}
	defer tx.Rollback()

	archivedAt := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO power_archive
			(timestamp, pv_production_w, supply_power_w, battery_power_w, consumption_w,
			 battery_pct, battery_energy_wh, supply_state, battery_state, archived_at)
		SELECT timestamp, pv_production_w, supply_power_w, battery_power_w, consumption_w,
		       battery_pct, battery_energy_wh, supply_state, battery_state, ?
		FROM power_cache`, archivedAt)
	if err != nil {
		return 0, fmt.Errorf("cache: archive-all power copy: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `DELETE FROM power_cache`); err != nil {
		return 0, fmt.Errorf("cache: archive-all power clear: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("cache: commit archive-all power tx: %w", err)
	}
	return n, nil
}

// ArchiveAllEnergy is ArchiveAllPower's counterpart for energy rows.
func (s *Store) ArchiveAllEnergy(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("cache: begin archive-all energy tx: %w", err)
	}
	defer tx.Rollback()

	archivedAt := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO energy_archive
			(timestamp, production_wh, grid_buy_wh, grid_sell_wh, consumption_wh,
			 battery_charge_wh, battery_discharge_wh, battery_cycles, archived_at)
		SELECT timestamp, production_wh, grid_buy_wh, grid_sell_wh, consumption_wh,
		       battery_charge_wh, battery_discharge_wh, battery_cycles, ?
		FROM energy_cache`, archivedAt)
	if err != nil {
		return 0, fmt.Errorf("cache: archive-all energy copy: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `DELETE FROM energy_cache`); err != nil {
		return 0, fmt.Errorf("cache: archive-all energy clear: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("cache: commit archive-all energy tx: %w", err)
	}
	return n, nil
}

// Stats reports current row counts across all four tables.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	queries := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM power_cache`, &st.PowerCached},
		{`SELECT COUNT(*) FROM energy_cache`, &st.EnergyCached},
		{`SELECT COUNT(*) FROM power_archive`, &st.PowerArchived},
		{`SELECT COUNT(*) FROM energy_archive`, &st.EnergyArchived},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return Stats{}, fmt.Errorf("cache: stats: %w", err)
		}
	}
	return st, nil
}
