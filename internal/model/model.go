// Package model holds the domain types shared by every stage of the
// pipeline: the raw reading from the inverter, the configuration that
// parameterizes derivation, and the two derived samples that get written
// to the sinks.
package model

import "time"

// RawSample is one cycle's worth of readings pulled from the inverter's
// HTTP endpoints. Power fields are signed watts; energy fields are
// monotonically non-decreasing watt-hour counters.
type RawSample struct {
	DCProductionW    int64
	ACProductionW    int64
	GridPowerW       int64
	BatterySocPct    int64
	BatteryPowerW    int64
	ConsumptionW     int64
	ProductionWh     uint64
	GridBuyWh        uint64
	GridSellWh       uint64
	ConsumptionWh    uint64
	BatteryChargeWh  uint64
	BatteryDischarge uint64
}

// BatteryParams parameterizes derivation of battery state and energy
// accounting from a RawSample. Loaded from configuration, constant for
// the process lifetime.
type BatteryParams struct {
	MaxCapacityWh     uint16
	EmptyThresholdPct uint8 // 1..100
}

// SupplyState is the direction of grid power flow.
type SupplyState string

const (
	SupplySurplus SupplyState = "surplus"
	SupplyDemand  SupplyState = "demand"
	SupplyOffline SupplyState = "offline"
)

// BatteryState is the battery's operating mode for the cycle.
type BatteryState string

const (
	BatteryCharging    BatteryState = "charging"
	BatteryDischarging BatteryState = "discharging"
	BatteryFull        BatteryState = "full"
	BatteryEmpty       BatteryState = "empty"
)

// PowerSample is the instantaneous derived reading for one cycle.
// BatteryPowerW and SupplyPowerW carry the spec's sign convention:
// charging/surplus negative, discharging/demand positive, idle zero.
type PowerSample struct {
	Timestamp       time.Time
	PVProductionW   int64
	SupplyPowerW    int64
	BatteryPowerW   int64
	ConsumptionW    int64
	BatteryPct      int64
	BatteryEnergyWh int64
	SupplyState     SupplyState
	BatteryState    BatteryState
}

// EnergySample is the cumulative derived reading for one cycle.
type EnergySample struct {
	Timestamp        time.Time
	ProductionWh     uint64
	GridBuyWh        uint64
	GridSellWh       uint64
	ConsumptionWh    uint64
	BatteryChargeWh  uint64
	BatteryDischarge uint64
	BatteryCycles    int64
}
