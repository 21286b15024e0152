// Package upstream implements the remote SQL store: health-tracked,
// idempotent-upsert-by-timestamp, backed by Postgres via pgx.
package upstream

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/ryansname/pvcoordinator/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Health is the upstream connection's tracked state, exactly the shape
// of spec.md §4.3.
type Health string

const (
	HealthHealthy      Health = "healthy"
	HealthDegraded     Health = "degraded"
	HealthDisconnected Health = "disconnected"
)

// HealthSnapshot is a point-in-time read of the tracker, safe to copy
// across goroutines.
type HealthSnapshot struct {
	Status              Health
	LastSuccess         time.Time
	LastFailure         time.Time
	ConsecutiveFailures int
	LastError           string
}

// Store wraps a pgx connection pool plus its health tracker.
type Store struct {
	pool *pgxpool.Pool

	mu                  sync.Mutex
	status              Health
	lastSuccess         time.Time
	lastFailure         time.Time
	consecutiveFailures int
	lastError           string
	maxFailures         int
}

// Config parameterizes pool construction.
type Config struct {
	DatabaseURL    string
	MaxConnections int32
	AcquireTimeout time.Duration
	MaxFailures    int
}

// Open parses the pool config and attempts a connection. If the initial
// connection attempt fails the handle is still returned (with the pool
// absent) so the coordinator can retain it; health starts Disconnected
// in that case (spec.md §4.3). A Store without a pool never creates one
// later: Probe and every write on it report failure.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	s := &Store{status: HealthDisconnected, maxFailures: cfg.MaxFailures}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return s, fmt.Errorf("upstream: parse config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConnections
	poolCfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return s, fmt.Errorf("upstream: new pool: %w", err)
	}

	acquireCtx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(acquireCtx); err != nil {
		s.recordFailure(err)
		s.mu.Lock()
		s.status = HealthDisconnected
		s.mu.Unlock()
		return s, fmt.Errorf("upstream: initial ping: %w", err)
	}

	s.pool = pool
	s.recordSuccess()

	if err := s.migrate(cfg.DatabaseURL); err != nil {
		return s, fmt.Errorf("upstream: migrate: %w", err)
	}

	return s, nil
}

// migrate runs the embedded schema migrations through database/sql via
// pgx's stdlib adapter, which goose drives directly.
func (s *Store) migrate(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Health returns a snapshot of the current tracker state.
func (s *Store) Health() HealthSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return HealthSnapshot{
		Status:              s.status,
		LastSuccess:         s.lastSuccess,
		LastFailure:         s.lastFailure,
		ConsecutiveFailures: s.consecutiveFailures,
		LastError:           s.lastError,
	}
}

func (s *Store) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = HealthHealthy
	s.lastSuccess = time.Now()
	s.consecutiveFailures = 0
	s.lastError = ""
}

func (s *Store) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures++
	s.lastFailure = time.Now()
	s.lastError = err.Error()
	if s.consecutiveFailures >= s.maxFailures {
		s.status = HealthDisconnected
	} else {
		s.status = HealthDegraded
	}
}

// Probe performs SELECT 1 and updates the tracker accordingly.
func (s *Store) Probe(ctx context.Context) Health {
	if s.pool == nil {
		s.recordFailure(fmt.Errorf("upstream: no pool"))
		return s.Health().Status
	}
	var one int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		s.recordFailure(err)
	} else {
		s.recordSuccess()
	}
	return s.Health().Status
}

// PutPower is the live-write path: upsert on conflict of timestamp,
// newest reading wins.
func (s *Store) PutPower(ctx context.Context, p model.PowerSample) error {
	return s.exec(ctx, `
		INSERT INTO pv_power_data
			(timestamp, pv_production_w, supply_power_w, battery_power_w, consumption_w,
			 battery_pct, battery_energy_wh, supply_state, battery_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (timestamp) DO UPDATE SET
			pv_production_w = EXCLUDED.pv_production_w,
			supply_power_w = EXCLUDED.supply_power_w,
			battery_power_w = EXCLUDED.battery_power_w,
			consumption_w = EXCLUDED.consumption_w,
			battery_pct = EXCLUDED.battery_pct,
			battery_energy_wh = EXCLUDED.battery_energy_wh,
			supply_state = EXCLUDED.supply_state,
			battery_state = EXCLUDED.battery_state`,
		p.Timestamp, p.PVProductionW, p.SupplyPowerW, p.BatteryPowerW, p.ConsumptionW,
		p.BatteryPct, p.BatteryEnergyWh, string(p.SupplyState), string(p.BatteryState))
}

// DrainPower is the replay path: insert-or-skip, never regressing a
// newer upstream row written directly by PutPower. Satisfies
// cache.UpstreamWriter.
func (s *Store) DrainPower(ctx context.Context, p model.PowerSample) error {
	return s.exec(ctx, `
		INSERT INTO pv_power_data
			(timestamp, pv_production_w, supply_power_w, battery_power_w, consumption_w,
			 battery_pct, battery_energy_wh, supply_state, battery_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (timestamp) DO NOTHING`,
		p.Timestamp, p.PVProductionW, p.SupplyPowerW, p.BatteryPowerW, p.ConsumptionW,
		p.BatteryPct, p.BatteryEnergyWh, string(p.SupplyState), string(p.BatteryState))
}

// PutEnergy is the live-write path for energy samples.
func (s *Store) PutEnergy(ctx context.Context, e model.EnergySample) error {
	return s.exec(ctx, `
		INSERT INTO pv_energy_data
			(timestamp, production_wh, grid_buy_wh, grid_sell_wh, consumption_wh,
			 battery_charge_wh, battery_discharge_wh, battery_cycles)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (timestamp) DO UPDATE SET
			production_wh = EXCLUDED.production_wh,
			grid_buy_wh = EXCLUDED.grid_buy_wh,
			grid_sell_wh = EXCLUDED.grid_sell_wh,
			consumption_wh = EXCLUDED.consumption_wh,
			battery_charge_wh = EXCLUDED.battery_charge_wh,
			battery_discharge_wh = EXCLUDED.battery_discharge_wh,
			battery_cycles = EXCLUDED.battery_cycles`,
		e.Timestamp, e.ProductionWh, e.GridBuyWh, e.GridSellWh, e.ConsumptionWh,
		e.BatteryChargeWh, e.BatteryDischarge, e.BatteryCycles)
}

// DrainEnergy is the replay path for energy samples. Satisfies
// cache.UpstreamWriter.
func (s *Store) DrainEnergy(ctx context.Context, e model.EnergySample) error {
	return s.exec(ctx, `
		INSERT INTO pv_energy_data
			(timestamp, production_wh, grid_buy_wh, grid_sell_wh, consumption_wh,
			 battery_charge_wh, battery_discharge_wh, battery_cycles)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (timestamp) DO NOTHING`,
		e.Timestamp, e.ProductionWh, e.GridBuyWh, e.GridSellWh, e.ConsumptionWh,
		e.BatteryChargeWh, e.BatteryDischarge, e.BatteryCycles)
}

func (s *Store) exec(ctx context.Context, sql string, args ...any) error {
	if s.pool == nil {
		err := fmt.Errorf("upstream: no pool available")
		s.recordFailure(err)
		return err
	}
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		s.recordFailure(err)
		return fmt.Errorf("upstream: exec: %w", err)
	}
	s.recordSuccess()
	return nil
}
