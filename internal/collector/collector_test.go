package collector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFakeInverter serves a fixed value for every known endpoint path,
// with per-path overrides. Unknown paths 404, mirroring a real FEMS
// instance that simply wouldn't expose a channel it doesn't have.
func newFakeInverter(t *testing.T, overrides map[string]int64) *httptest.Server {
	t.Helper()
	values := map[string]int64{
		pathDCProduction:    5000,
		pathACProduction:    4800,
		pathGridPower:       -200,
		pathEssSoc:          62,
		pathEssActivePower:  -300,
		pathConsumption:     900,
		pathProductionWh:    123456,
		pathGridBuyWh:       1000,
		pathGridSellWh:      2000,
		pathConsumptionWh:   50000,
		pathBatteryChargeWh: 30000,
		pathBatteryDischWh:  28000,
	}
	for k, v := range overrides {
		values[k] = v
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		v, ok := values[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(reading{Address: path, Value: v})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCollect_Success(t *testing.T) {
	srv := newFakeInverter(t, nil)
	c := New(srv.URL, time.Second)

	raw, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5000), raw.DCProductionW)
	assert.Equal(t, int64(62), raw.BatterySocPct)
	assert.Equal(t, uint64(28000), raw.BatteryDischarge)
}

func TestCollect_AllPowerZero_FailsAsConnectivityProblem(t *testing.T) {
	overrides := map[string]int64{}
	for _, p := range powerPaths {
		overrides[p] = 0
	}
	srv := newFakeInverter(t, overrides)
	c := New(srv.URL, time.Second)

	_, err := c.Collect(context.Background())
	assert.ErrorContains(t, err, "power endpoints returned zero")
}

func TestCollect_AllEnergyZero_FailsAsConnectivityProblem(t *testing.T) {
	overrides := map[string]int64{}
	for _, p := range energyPaths {
		overrides[p] = 0
	}
	srv := newFakeInverter(t, overrides)
	c := New(srv.URL, time.Second)

	_, err := c.Collect(context.Background())
	assert.ErrorContains(t, err, "energy endpoints returned zero")
}

func TestCollect_PartialZeroIsNotAFailure(t *testing.T) {
	// Only one power endpoint and one energy endpoint at zero: plausible
	// real readings (e.g. grid power genuinely at 0), must not trip
	// either all-zero heuristic.
	srv := newFakeInverter(t, map[string]int64{pathGridPower: 0, pathGridBuyWh: 0})
	c := New(srv.URL, time.Second)

	raw, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), raw.GridPowerW)
	assert.Equal(t, uint64(0), raw.GridBuyWh)
}

func TestCollect_EndpointErrorFailsTheCycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	c := New(srv.URL, time.Second)

	_, err := c.Collect(context.Background())
	assert.Error(t, err)
}

func TestCollectWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	var requestCount atomic.Int64
	const requestsPerCycle = 12 // one GET per power+energy endpoint

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Fail every request in the first Collect attempt (12 concurrent
		// GETs), succeed on every attempt after that.
		if requestCount.Add(1) <= requestsPerCycle {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		path := strings.TrimPrefix(r.URL.Path, "/")
		_ = json.NewEncoder(w).Encode(reading{Address: path, Value: 100})
	}))
	t.Cleanup(srv.Close)
	c := New(srv.URL, time.Second)

	raw, err := CollectWithRetry(context.Background(), c, 3, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(100), raw.DCProductionW)
}

func TestCollectWithRetry_ExhaustsAttemptsAndReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	c := New(srv.URL, time.Second)

	_, err := CollectWithRetry(context.Background(), c, 3, time.Millisecond)
	assert.ErrorContains(t, err, "exhausted 3 attempts")
}
