package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/pvcoordinator/internal/model"
)

// fakeUpstream is a hand-rolled stand-in for upstream.Store satisfying
// the narrow UpstreamWriter interface, so drain tests never need a real
// Postgres instance.
type fakeUpstream struct {
	failAfter   int
	powerCalls  []model.PowerSample
	energyCalls []model.EnergySample
}

func (f *fakeUpstream) DrainPower(ctx context.Context, s model.PowerSample) error {
	if f.failAfter >= 0 && len(f.powerCalls) >= f.failAfter {
		return errConnFailure
	}
	f.powerCalls = append(f.powerCalls, s)
	return nil
}

func (f *fakeUpstream) DrainEnergy(ctx context.Context, s model.EnergySample) error {
	if f.failAfter >= 0 && len(f.energyCalls) >= f.failAfter {
		return errConnFailure
	}
	f.energyCalls = append(f.energyCalls, s)
	return nil
}

type stubError string

func (e stubError) Error() string { return string(e) }

const errConnFailure = stubError("simulated hard connection error")

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func samplePower(t time.Time) model.PowerSample {
	return model.PowerSample{
		Timestamp: t, PVProductionW: 500, SupplyPowerW: -200, BatteryPowerW: -300,
		ConsumptionW: 900, BatteryPct: 62, BatteryEnergyWh: 6200,
		SupplyState: model.SupplySurplus, BatteryState: model.BatteryCharging,
	}
}

func sampleEnergy(t time.Time) model.EnergySample {
	return model.EnergySample{
		Timestamp: t, ProductionWh: 100, GridBuyWh: 10, GridSellWh: 20,
		ConsumptionWh: 90, BatteryChargeWh: 30, BatteryDischarge: 15, BatteryCycles: 1,
	}
}

func TestStore_PutAndTakePower(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.PutPower(ctx, samplePower(base)))
	require.NoError(t, s.PutPower(ctx, samplePower(base.Add(time.Minute))))

	batch, err := s.TakePowerBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.True(t, batch[0].Timestamp.Before(batch[1].Timestamp))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.PowerCached)
}

func TestStore_DrainPower_ArchivesOnFullSuccess(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.PutPower(ctx, samplePower(base.Add(time.Duration(i)*time.Minute))))
	}

	up := &fakeUpstream{failAfter: -1}
	report, err := s.DrainPower(ctx, up, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Attempted)
	assert.Equal(t, 5, report.Succeeded)
	assert.Equal(t, 5, report.Archived)
	assert.False(t, report.StoppedEarly)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.PowerCached)
	assert.Equal(t, int64(5), stats.PowerArchived)
}

func TestStore_DrainPower_StopsAtFirstHardError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.PutPower(ctx, samplePower(base.Add(time.Duration(i)*time.Minute))))
	}

	up := &fakeUpstream{failAfter: 2}
	report, err := s.DrainPower(ctx, up, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Attempted)
	assert.Equal(t, 2, report.Succeeded)
	assert.True(t, report.StoppedEarly)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.PowerCached, "unreplayed rows stay live for a later retry")
	assert.Equal(t, int64(2), stats.PowerArchived)
}

func TestStore_ArchiveAllEnergy(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.PutEnergy(ctx, sampleEnergy(base.Add(time.Duration(i)*time.Minute))))
	}

	n, err := s.ArchiveAllEnergy(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.EnergyCached)
	assert.Equal(t, int64(3), stats.EnergyArchived)
}

func TestStore_DrainIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.PutPower(ctx, samplePower(base)))

	up := &fakeUpstream{failAfter: -1}
	_, err := s.DrainPower(ctx, up, 10)
	require.NoError(t, err)

	// Replaying an already-archived batch is a no-op: nothing left live.
	report, err := s.DrainPower(ctx, up, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Attempted)
	assert.Len(t, up.powerCalls, 1, "upstream only ever saw the row once")
}
