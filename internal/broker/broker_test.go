package broker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ryansname/pvcoordinator/internal/model"
)

func newTestPublisher() *Publisher {
	return &Publisher{
		cfg:    Config{Device: "solar_001", DiscoveryPrefix: "hass"},
		status: HealthDegraded,
	}
}

func TestHealth_ThreeConsecutiveFailuresIsUnhealthy(t *testing.T) {
	p := newTestPublisher()

	p.recordFailure(errors.New("e1"))
	assert.Equal(t, HealthDegraded, p.Health())

	p.recordFailure(errors.New("e2"))
	assert.Equal(t, HealthDegraded, p.Health())

	p.recordFailure(errors.New("e3"))
	assert.Equal(t, HealthUnhealthy, p.Health())
	assert.False(t, p.IsHealthy())
}

func TestHealth_SuccessResetsImmediately(t *testing.T) {
	p := newTestPublisher()
	p.recordFailure(errors.New("e1"))
	p.recordFailure(errors.New("e2"))
	p.recordFailure(errors.New("e3"))

	p.recordSuccess()

	assert.Equal(t, HealthHealthy, p.Health())
	assert.True(t, p.IsHealthy())
}

func TestTopicBuilders(t *testing.T) {
	p := newTestPublisher()

	assert.Equal(t, "solar/solar_001/power", p.topicPower())
	assert.Equal(t, "solar/solar_001/state", p.topicState())
	assert.Equal(t, "solar/solar_001/energy", p.topicEnergy())
	assert.Equal(t, "solar/solar_001/availability", p.topicAvailability())
	assert.Equal(t, "hass/sensor/solar_001/pv_production/config", p.discoveryTopic("pv_production"))
}

func TestPublish_DropsWhenQueueFull(t *testing.T) {
	p := newTestPublisher()
	p.out = make(chan outMsg, 1)

	p.Publish("solar/solar_001/power", []byte("{}"), false)
	assert.Equal(t, HealthDegraded, p.Health())

	// Queue now full; this one should be dropped and counted as a failure.
	p.Publish("solar/solar_001/power", []byte("{}"), false)
	snap := p.Health()
	assert.NotEqual(t, HealthHealthy, snap)
}

func TestPublishPower_MarshalsExpectedFields(t *testing.T) {
	p := newTestPublisher()
	p.out = make(chan outMsg, 4)

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	err := p.PublishPower(model.PowerSample{
		Timestamp: ts, PVProductionW: 500, SupplyPowerW: -200, BatteryPowerW: -300,
		ConsumptionW: 900, BatteryPct: 62, BatteryEnergyWh: 6200,
		SupplyState: model.SupplySurplus, BatteryState: model.BatteryCharging,
	})
	assert.NoError(t, err)

	msg := <-p.out
	assert.Equal(t, p.topicPower(), msg.topic)
	assert.Contains(t, string(msg.payload), `"supply_state":"surplus"`)
	assert.Contains(t, string(msg.payload), `"battery_state":"charging"`)

	msg2 := <-p.out
	assert.Equal(t, p.topicState(), msg2.topic)
}
