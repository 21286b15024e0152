// Package transform derives PowerSample and EnergySample from a raw
// inverter reading. Derive is a pure function: given the same inputs it
// always returns the same outputs, with the clock passed in rather than
// read from the system, so callers (and tests) control time.
package transform

import (
	"log"
	"time"

	"github.com/ryansname/pvcoordinator/internal/model"
)

const idleThresholdW = 100

// Derive computes the instantaneous and cumulative derived samples for a
// single cycle. now is the wall-clock timestamp stamped onto both
// outputs; it is the caller's responsibility to supply UTC.
func Derive(raw model.RawSample, params model.BatteryParams, now time.Time) (model.PowerSample, model.EnergySample) {
	soc := raw.BatterySocPct
	if soc < 0 || soc > 100 {
		log.Printf("transform: battery SoC %d out of range, clamping to [0,100]\n", soc)
		if soc < 0 {
			soc = 0
		} else {
			soc = 100
		}
	}

	// Inverter reports battery power inclusive of DC production; correct
	// before any threshold comparison (spec resolves this explicitly).
	correctedBatteryW := raw.BatteryPowerW - raw.DCProductionW

	supplyState, supplyPowerW := deriveSupplyState(raw.GridPowerW)
	batteryState, batteryPowerW := deriveBatteryState(correctedBatteryW, soc, params.EmptyThresholdPct)

	batteryEnergyWh := int64(params.MaxCapacityWh) * soc / 100

	power := model.PowerSample{
		Timestamp:       now,
		PVProductionW:   raw.ACProductionW,
		SupplyPowerW:    supplyPowerW,
		BatteryPowerW:   batteryPowerW,
		ConsumptionW:    raw.ConsumptionW,
		BatteryPct:      soc,
		BatteryEnergyWh: batteryEnergyWh,
		SupplyState:     supplyState,
		BatteryState:    batteryState,
	}

	usableWhPerCycle := uint64(params.MaxCapacityWh) * uint64(params.EmptyThresholdPct)
	var cycles int64
	if usableWhPerCycle > 0 {
		cycles = int64(raw.BatteryDischarge / usableWhPerCycle)
	}

	energy := model.EnergySample{
		Timestamp:        now,
		ProductionWh:     raw.ProductionWh,
		GridBuyWh:        raw.GridBuyWh,
		GridSellWh:       raw.GridSellWh,
		ConsumptionWh:    raw.ConsumptionWh,
		BatteryChargeWh:  raw.BatteryChargeWh,
		BatteryDischarge: raw.BatteryDischarge,
		BatteryCycles:    cycles,
	}

	return power, energy
}

// deriveSupplyState maps signed grid power to (state, emitted signed power).
// grid < 0 is surplus (emitted negative); grid > 0 is demand (emitted
// positive); grid == 0 is offline (emitted zero).
func deriveSupplyState(gridW int64) (model.SupplyState, int64) {
	switch {
	case gridW < 0:
		return model.SupplySurplus, gridW
	case gridW > 0:
		return model.SupplyDemand, gridW
	default:
		return model.SupplyOffline, 0
	}
}

// deriveBatteryState maps corrected battery power (and SoC, for the idle
// case) to (state, emitted signed power). Charging/discharging use the
// magnitude with the sign convention preserved; idle states emit 0.
func deriveBatteryState(correctedW, soc int64, emptyThresholdPct uint8) (model.BatteryState, int64) {
	switch {
	case correctedW >= idleThresholdW:
		return model.BatteryDischarging, correctedW
	case correctedW <= -idleThresholdW:
		return model.BatteryCharging, correctedW
	case soc <= int64(emptyThresholdPct):
		return model.BatteryEmpty, 0
	default:
		return model.BatteryFull, 0
	}
}
