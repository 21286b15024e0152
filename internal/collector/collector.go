// Package collector polls the inverter's HTTP endpoints and assembles a
// RawSample. Its internals are not contractual (spec.md §1 treats it as
// an external collaborator); it exists here as a concrete adapter so the
// coordinator has something real to drive.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ryansname/pvcoordinator/internal/model"
)

// Endpoint paths, relative to the configured base URL, exactly as specified.
const (
	pathDCProduction    = "_sum/ProductionDcActualPower"
	pathACProduction    = "_sum/ProductionActivePower"
	pathGridPower       = "_sum/GridActivePower"
	pathEssSoc          = "_sum/EssSoc"
	pathEssActivePower  = "_sum/EssActivePower"
	pathConsumption     = "_sum/ConsumptionActivePower"
	pathProductionWh    = "_sum/ProductionActiveEnergy"
	pathGridBuyWh       = "_sum/GridBuyActiveEnergy"
	pathGridSellWh      = "_sum/GridSellActiveEnergy"
	pathConsumptionWh   = "_sum/ConsumptionActiveEnergy"
	pathBatteryChargeWh = "_sum/EssDcChargeEnergy"
	pathBatteryDischWh  = "_sum/EssDcDischargeEnergy"
)

var powerPaths = []string{pathDCProduction, pathACProduction, pathGridPower, pathEssSoc, pathEssActivePower, pathConsumption}
var energyPaths = []string{pathProductionWh, pathGridBuyWh, pathGridSellWh, pathConsumptionWh, pathBatteryChargeWh, pathBatteryDischWh}

// reading is the JSON body returned by each endpoint.
type reading struct {
	Address    string `json:"address"`
	Type       string `json:"type"`
	AccessMode string `json:"accessMode"`
	Text       string `json:"text"`
	Unit       string `json:"unit"`
	Value      int64  `json:"value"`
}

// Client polls the configured base URL for one RawSample per call.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client with the given per-attempt timeout.
func New(baseURL string, perAttemptTimeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: perAttemptTimeout},
	}
}

// Collect issues the 12 GETs concurrently and assembles a RawSample. If
// any power endpoint fails outright, or all of them return the zero
// value (a connectivity problem masquerading as success), Collect
// returns an error. Energy endpoints are treated the same way.
func (c *Client) Collect(ctx context.Context) (model.RawSample, error) {
	allPaths := append(append([]string{}, powerPaths...), energyPaths...)
	values := make([]int64, len(allPaths))
	errs := make([]error, len(allPaths))

	var wg sync.WaitGroup
	for i, path := range allPaths {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			v, err := c.get(ctx, path)
			values[i] = v
			errs[i] = err
		}(i, path)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return model.RawSample{}, fmt.Errorf("collector: GET %s: %w", allPaths[i], err)
		}
	}

	allPowerZero := true
	for i := range powerPaths {
		if values[i] != 0 {
			allPowerZero = false
			break
		}
	}
	if allPowerZero {
		return model.RawSample{}, fmt.Errorf("collector: all power endpoints returned zero, treating as connectivity failure")
	}

	allEnergyZero := true
	for i := len(powerPaths); i < len(allPaths); i++ {
		if values[i] != 0 {
			allEnergyZero = false
			break
		}
	}
	if allEnergyZero {
		return model.RawSample{}, fmt.Errorf("collector: all energy endpoints returned zero, treating as connectivity failure")
	}

	raw := model.RawSample{
		DCProductionW:    values[0],
		ACProductionW:    values[1],
		GridPowerW:       values[2],
		BatterySocPct:    values[3],
		BatteryPowerW:    values[4],
		ConsumptionW:     values[5],
		ProductionWh:     uint64(values[6]),
		GridBuyWh:        uint64(values[7]),
		GridSellWh:       uint64(values[8]),
		ConsumptionWh:    uint64(values[9]),
		BatteryChargeWh:  uint64(values[10]),
		BatteryDischarge: uint64(values[11]),
	}
	return raw, nil
}

func (c *Client) get(ctx context.Context, path string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+path, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var r reading
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return 0, err
	}
	return r.Value, nil
}

// CollectWithRetry retries Collect up to attempts times with exponential
// backoff starting at baseDelay (spec.md §6.1/§9: 3 attempts, 100·2^k ms).
func CollectWithRetry(ctx context.Context, c *Client, attempts int, baseDelay time.Duration) (model.RawSample, error) {
	var lastErr error
	delay := baseDelay
	for attempt := 0; attempt < attempts; attempt++ {
		raw, err := c.Collect(ctx)
		if err == nil {
			return raw, nil
		}
		lastErr = err

		if attempt == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			return model.RawSample{}, ctx.Err()
		}
	}
	return model.RawSample{}, fmt.Errorf("collector: exhausted %d attempts: %w", attempts, lastErr)
}
