package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ryansname/pvcoordinator/internal/model"
)

var fixedNow = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func TestDerive_SurplusAndCharging(t *testing.T) {
	raw := model.RawSample{
		DCProductionW: 500,
		ACProductionW: 500,
		GridPowerW:    -800,
		BatterySocPct: 75,
		BatteryPowerW: -1000,
		ConsumptionW:  1200,
	}
	params := model.BatteryParams{MaxCapacityWh: 10000, EmptyThresholdPct: 10}

	power, _ := Derive(raw, params, fixedNow)

	assert.Equal(t, int64(-800), power.SupplyPowerW)
	assert.Equal(t, model.SupplySurplus, power.SupplyState)
	assert.Equal(t, int64(-1500), power.BatteryPowerW)
	assert.Equal(t, model.BatteryCharging, power.BatteryState)
	assert.Equal(t, int64(75), power.BatteryPct)
	assert.Equal(t, int64(7500), power.BatteryEnergyWh)
	assert.Equal(t, int64(500), power.PVProductionW)
	assert.Equal(t, int64(1200), power.ConsumptionW)
	assert.Equal(t, fixedNow, power.Timestamp)
}

func TestDerive_IdleBatteryEmpty(t *testing.T) {
	raw := model.RawSample{
		DCProductionW: 0,
		BatteryPowerW: 50,
		BatterySocPct: 5,
	}
	params := model.BatteryParams{MaxCapacityWh: 10000, EmptyThresholdPct: 10}

	power, _ := Derive(raw, params, fixedNow)

	assert.Equal(t, model.BatteryEmpty, power.BatteryState)
	assert.Equal(t, int64(0), power.BatteryPowerW)
}

func TestDerive_IdleBatteryFull(t *testing.T) {
	raw := model.RawSample{
		DCProductionW: 0,
		BatteryPowerW: 50,
		BatterySocPct: 95,
	}
	params := model.BatteryParams{MaxCapacityWh: 10000, EmptyThresholdPct: 10}

	power, _ := Derive(raw, params, fixedNow)

	assert.Equal(t, model.BatteryFull, power.BatteryState)
	assert.Equal(t, int64(0), power.BatteryPowerW)
}

func TestDerive_DischargingAndDemand(t *testing.T) {
	raw := model.RawSample{
		DCProductionW: 0,
		BatteryPowerW: 1500,
		BatterySocPct: 40,
		GridPowerW:    300,
	}
	params := model.BatteryParams{MaxCapacityWh: 10000, EmptyThresholdPct: 10}

	power, _ := Derive(raw, params, fixedNow)

	assert.Equal(t, model.BatteryDischarging, power.BatteryState)
	assert.Equal(t, int64(1500), power.BatteryPowerW)
	assert.Equal(t, model.SupplyDemand, power.SupplyState)
	assert.Equal(t, int64(300), power.SupplyPowerW)
}

func TestDerive_GridOffline(t *testing.T) {
	raw := model.RawSample{GridPowerW: 0}
	params := model.BatteryParams{MaxCapacityWh: 10000, EmptyThresholdPct: 10}

	power, _ := Derive(raw, params, fixedNow)

	assert.Equal(t, model.SupplyOffline, power.SupplyState)
	assert.Equal(t, int64(0), power.SupplyPowerW)
}

func TestDerive_BatteryCycles(t *testing.T) {
	raw := model.RawSample{BatteryDischarge: 250000}
	params := model.BatteryParams{MaxCapacityWh: 10000, EmptyThresholdPct: 10}

	_, energy := Derive(raw, params, fixedNow)

	assert.Equal(t, int64(2), energy.BatteryCycles)
}

func TestDerive_SocClampedAboveRange(t *testing.T) {
	raw := model.RawSample{BatterySocPct: 150}
	params := model.BatteryParams{MaxCapacityWh: 10000, EmptyThresholdPct: 10}

	power, _ := Derive(raw, params, fixedNow)

	assert.Equal(t, int64(100), power.BatteryPct)
	assert.Equal(t, int64(10000), power.BatteryEnergyWh)
}

func TestDerive_SocClampedBelowRange(t *testing.T) {
	raw := model.RawSample{BatterySocPct: -5}
	params := model.BatteryParams{MaxCapacityWh: 10000, EmptyThresholdPct: 10}

	power, _ := Derive(raw, params, fixedNow)

	assert.Equal(t, int64(0), power.BatteryPct)
	assert.Equal(t, int64(0), power.BatteryEnergyWh)
}

func TestDerive_Deterministic(t *testing.T) {
	raw := model.RawSample{
		DCProductionW: 500, ACProductionW: 600, GridPowerW: -200,
		BatterySocPct: 60, BatteryPowerW: -300, ConsumptionW: 900,
		ProductionWh: 1000, GridBuyWh: 2000, GridSellWh: 3000,
		ConsumptionWh: 4000, BatteryChargeWh: 5000, BatteryDischarge: 6000,
	}
	params := model.BatteryParams{MaxCapacityWh: 8000, EmptyThresholdPct: 15}

	p1, e1 := Derive(raw, params, fixedNow)
	p2, e2 := Derive(raw, params, fixedNow)

	assert.Equal(t, p1, p2)
	assert.Equal(t, e1, e2)
}
