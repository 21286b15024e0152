// Package broker wraps paho.mqtt.golang into a fire-and-forget topic
// publisher with an async health signal, adapted from the teacher's
// mqttWorker/mqttSenderWorker pair into a single long-lived component.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/ryansname/pvcoordinator/internal/model"
)

// Health mirrors the teacher's connection-lost/poll-error tracking,
// generalized to three levels (spec.md §5: unhealthy after 3
// consecutive poll errors).
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

const unhealthyThreshold = 3

// Config parameterizes the publisher and its Home Assistant discovery
// payloads.
type Config struct {
	BrokerURL         string
	Username          string
	Password          string
	ClientIDPrefix    string
	Device            string
	DiscoveryPrefix   string
	BirthTopic        string
	BirthPayload      string
	LastWillTopic     string
	LastWillPayload   string
	KeepAliveSecs     int
	QoS               byte
}

type outMsg struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// Publisher owns the mqtt.Client and a bounded outgoing queue drained by
// a background goroutine launched at construction, for the process
// lifetime, exactly mirroring the teacher's SafeGo-launched mqttWorker.
type Publisher struct {
	cfg    Config
	client mqtt.Client
	out    chan outMsg

	mu                  sync.Mutex
	status              Health
	consecutiveFailures int
	lastError           string
}

// New connects to the broker and starts the background send loop. The
// loop runs until ctx is cancelled.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	p := &Publisher{cfg: cfg, out: make(chan outMsg, 256), status: HealthDegraded}

	clientID := fmt.Sprintf("%s-%s", cfg.ClientIDPrefix, uuid.NewString())

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetKeepAlive(time.Duration(cfg.KeepAliveSecs) * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetWill(cfg.LastWillTopic, cfg.LastWillPayload, cfg.QoS, true)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("broker: connection lost: %v\n", err)
		p.recordFailure(err)
	})

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Printf("broker: connected to %s as %s\n", cfg.BrokerURL, clientID)
		p.recordSuccess()
		if token := c.Publish(cfg.BirthTopic, cfg.QoS, true, cfg.BirthPayload); token.Wait() && token.Error() != nil {
			log.Printf("broker: failed to publish birth message: %v\n", token.Error())
		}
	})

	p.client = mqtt.NewClient(opts)

	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		p.recordFailure(token.Error())
		return p, fmt.Errorf("broker: connect: %w", token.Error())
	}

	go p.sendLoop(ctx)
	return p, nil
}

func (p *Publisher) sendLoop(ctx context.Context) {
	for {
		select {
		case msg := <-p.out:
			if !p.client.IsConnected() {
				p.recordFailure(fmt.Errorf("broker: not connected, dropping publish to %s", msg.topic))
				continue
			}
			token := p.client.Publish(msg.topic, msg.qos, msg.retain, msg.payload)
			token.Wait()
			if token.Error() != nil {
				log.Printf("broker: publish to %s failed: %v\n", msg.topic, token.Error())
				p.recordFailure(token.Error())
			} else {
				p.recordSuccess()
			}
		case <-ctx.Done():
			if p.client.IsConnected() {
				p.client.Disconnect(250)
			}
			return
		}
	}
}

// Publish enqueues a fire-and-forget message. If the outgoing queue is
// full the message is dropped and counted as a failure rather than
// blocking the caller's cycle.
func (p *Publisher) Publish(topic string, payload []byte, retain bool) {
	select {
	case p.out <- outMsg{topic: topic, payload: payload, qos: p.cfg.QoS, retain: retain}:
	default:
		p.recordFailure(fmt.Errorf("broker: outgoing queue full, dropping publish to %s", topic))
	}
}

func (p *Publisher) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = HealthHealthy
	p.consecutiveFailures = 0
	p.lastError = ""
}

func (p *Publisher) recordFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFailures++
	p.lastError = err.Error()
	if p.consecutiveFailures >= unhealthyThreshold {
		p.status = HealthUnhealthy
	} else {
		p.status = HealthDegraded
	}
}

// Health returns the current tracked status.
func (p *Publisher) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// IsHealthy reports whether the coordinator may rely on this broker for
// the current cycle.
func (p *Publisher) IsHealthy() bool {
	return p.Health() == HealthHealthy
}

func (p *Publisher) topicPower() string        { return fmt.Sprintf("solar/%s/power", p.cfg.Device) }
func (p *Publisher) topicState() string        { return fmt.Sprintf("solar/%s/state", p.cfg.Device) }
func (p *Publisher) topicEnergy() string       { return fmt.Sprintf("solar/%s/energy", p.cfg.Device) }
func (p *Publisher) topicAvailability() string { return fmt.Sprintf("solar/%s/availability", p.cfg.Device) }

func (p *Publisher) discoveryTopic(sensorID string) string {
	return fmt.Sprintf("%s/sensor/%s/%s/config", p.cfg.DiscoveryPrefix, p.cfg.Device, sensorID)
}

type powerPayload struct {
	PVProductionW   int64  `json:"pv_production"`
	SupplyPowerW    int64  `json:"supply_power"`
	BatteryPowerW   int64  `json:"battery_power"`
	ConsumptionW    int64  `json:"consumption"`
	BatteryPct      int64  `json:"battery_pct"`
	BatteryEnergyWh int64  `json:"battery_energy_wh"`
	SupplyState     string `json:"supply_state"`
	BatteryState    string `json:"battery_state"`
	Timestamp       string `json:"timestamp"`
}

type energyPayload struct {
	ProductionWh     uint64 `json:"production_wh"`
	GridBuyWh        uint64 `json:"grid_buy_wh"`
	GridSellWh       uint64 `json:"grid_sell_wh"`
	ConsumptionWh    uint64 `json:"consumption_wh"`
	BatteryChargeWh  uint64 `json:"battery_charge_wh"`
	BatteryDischarge uint64 `json:"battery_discharge_wh"`
	BatteryCycles    int64  `json:"battery_cycles"`
	Timestamp        string `json:"timestamp"`
}

// PublishPower publishes the instantaneous sample to both the power and
// state topics (spec.md §6.2 names them separately; HA discovery
// entities read from whichever topic their value_template points at).
func (p *Publisher) PublishPower(ps model.PowerSample) error {
	payload := powerPayload{
		PVProductionW:   ps.PVProductionW,
		SupplyPowerW:    ps.SupplyPowerW,
		BatteryPowerW:   ps.BatteryPowerW,
		ConsumptionW:    ps.ConsumptionW,
		BatteryPct:      ps.BatteryPct,
		BatteryEnergyWh: ps.BatteryEnergyWh,
		SupplyState:     string(ps.SupplyState),
		BatteryState:    string(ps.BatteryState),
		Timestamp:       ps.Timestamp.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broker: marshal power payload: %w", err)
	}
	p.Publish(p.topicPower(), b, false)
	p.Publish(p.topicState(), b, false)
	return nil
}

// PublishEnergy publishes the cumulative sample to the energy topic.
func (p *Publisher) PublishEnergy(es model.EnergySample) error {
	payload := energyPayload{
		ProductionWh:     es.ProductionWh,
		GridBuyWh:        es.GridBuyWh,
		GridSellWh:       es.GridSellWh,
		ConsumptionWh:    es.ConsumptionWh,
		BatteryChargeWh:  es.BatteryChargeWh,
		BatteryDischarge: es.BatteryDischarge,
		BatteryCycles:    es.BatteryCycles,
		Timestamp:        es.Timestamp.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broker: marshal energy payload: %w", err)
	}
	p.Publish(p.topicEnergy(), b, false)
	return nil
}

// PublishAvailability publishes the retained online/offline marker.
func (p *Publisher) PublishAvailability(online bool) {
	payload := cfgOfflinePayload
	if online {
		payload = "online"
	}
	p.Publish(p.topicAvailability(), []byte(payload), true)
}

const cfgOfflinePayload = "offline"

type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

type haSensorConfig struct {
	Name                string   `json:"name"`
	DeviceClass         string   `json:"device_class,omitempty"`
	StateTopic          string   `json:"state_topic"`
	UnitOfMeasure       string   `json:"unit_of_measurement,omitempty"`
	ValueTemplate       string   `json:"value_template"`
	UniqueId            string   `json:"unique_id"`
	AvailabilityTopic   string   `json:"availability_topic"`
	StateClass          string   `json:"state_class,omitempty"`
	DisplayPrecision    int      `json:"suggested_display_precision,omitempty"`
	Device              haDevice `json:"device"`
}

type sensorSpec struct {
	ID          string
	Name        string
	DeviceClass string
	Unit        string
	StateTopic  func(p *Publisher) string
	JSONKey     string
	Precision   int
}

var sensorSpecs = []sensorSpec{
	{"pv_production", "PV Production", "power", "W", (*Publisher).topicPower, "pv_production", 0},
	{"supply_power", "Grid Supply", "power", "W", (*Publisher).topicPower, "supply_power", 0},
	{"battery_power", "Battery Power", "power", "W", (*Publisher).topicPower, "battery_power", 0},
	{"consumption", "Consumption", "power", "W", (*Publisher).topicPower, "consumption", 0},
	{"battery_pct", "Battery SoC", "battery", "%", (*Publisher).topicPower, "battery_pct", 0},
	{"battery_energy_wh", "Battery Energy", "energy_storage", "Wh", (*Publisher).topicPower, "battery_energy_wh", 0},
	{"supply_state", "Supply State", "", "", (*Publisher).topicPower, "supply_state", 0},
	{"battery_state", "Battery State", "", "", (*Publisher).topicPower, "battery_state", 0},
	{"production_wh", "Production Energy", "energy", "Wh", (*Publisher).topicEnergy, "production_wh", 0},
	{"grid_buy_wh", "Grid Buy Energy", "energy", "Wh", (*Publisher).topicEnergy, "grid_buy_wh", 0},
	{"grid_sell_wh", "Grid Sell Energy", "energy", "Wh", (*Publisher).topicEnergy, "grid_sell_wh", 0},
	{"consumption_wh", "Consumption Energy", "energy", "Wh", (*Publisher).topicEnergy, "consumption_wh", 0},
	{"battery_charge_wh", "Battery Charge Energy", "energy", "Wh", (*Publisher).topicEnergy, "battery_charge_wh", 0},
	{"battery_discharge_wh", "Battery Discharge Energy", "energy", "Wh", (*Publisher).topicEnergy, "battery_discharge_wh", 0},
	{"battery_cycles", "Battery Cycles", "", "", (*Publisher).topicEnergy, "battery_cycles", 0},
}

// EnsureDiscovery publishes retained, QoS-2 Home Assistant discovery
// configs for every PV sensor, generalized from the teacher's
// CreateBatteryEntity/CreateDebugSensor struct-tag style. Idempotent:
// safe to call on every startup since discovery topics are retained.
func (p *Publisher) EnsureDiscovery() error {
	deviceID := strings.ReplaceAll(strings.ToLower(p.cfg.Device), " ", "_")
	device := haDevice{
		Identifiers:  []string{deviceID},
		Name:         p.cfg.Device,
		Manufacturer: "pvcoordinator",
	}

	for _, spec := range sensorSpecs {
		cfg := haSensorConfig{
			Name:              spec.Name,
			DeviceClass:       spec.DeviceClass,
			StateTopic:        spec.StateTopic(p),
			UnitOfMeasure:     spec.Unit,
			ValueTemplate:     "{{ value_json." + spec.JSONKey + " }}",
			UniqueId:          deviceID + "_" + spec.JSONKey,
			AvailabilityTopic: p.topicAvailability(),
			StateClass:        "measurement",
			DisplayPrecision:  spec.Precision,
			Device:            device,
		}

		b, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("broker: marshal discovery for %s: %w", spec.ID, err)
		}

		p.out <- outMsg{topic: p.discoveryTopic(spec.ID), payload: b, qos: 2, retain: true}
	}
	return nil
}
