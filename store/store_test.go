package store

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcdash/thinkcan/tripcomputer"
	test_test "github.com/tcdash/thinkcan/test"
	"path/filepath"
	"testing"
	"time"
)

var base = test_test.UTCTime(1665488842) // Tue Oct 11 2022 11:47:22 GMT+0000

func openTestStore(t *testing.T, path string) *Store {
	if path == "" {
		path = filepath.Join(t.TempDir(), "thinkcity.db")
	}
	s, err := Open(context.Background(), Config{Path: path})
	require.NoError(t, err)
	return s
}

func sampleAt(offset time.Duration, speed, soc, distance, energy, power float64) Sample {
	return Sample{
		Time:                 base.Add(offset),
		SpeedKmh:             speed,
		SOCPct:               soc,
		SOHPct:               88,
		PowerKW:              power,
		ConsumptionTotalWhKm: 160,
		TotalDistanceKm:      distance,
		TotalEnergyKWh:       energy,
		TotalCount:           42,
	}
}

// drive adds samples of single trip that ends by idling
func drive(t *testing.T, s *Store, start time.Duration) {
	ctx := context.Background()
	samples := []Sample{
		sampleAt(start, 0, 80, 100, 15, 0),
		sampleAt(start+10*time.Second, 30, 80, 100, 15, 10),
		sampleAt(start+20*time.Second, 50, 80, 100.5, 15.1, 20),
		sampleAt(start+30*time.Second, 40, 79, 101, 15.2, -5),
		sampleAt(start+40*time.Second, 0, 79, 101, 15.2, 0),
		sampleAt(start+6*time.Minute, 0, 79, 101, 15.2, 0),
	}
	for _, sm := range samples {
		require.NoError(t, s.AddSample(ctx, sm))
	}
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "thinkcity.db")
	s := openTestStore(t, path)
	defer s.Close()

	version, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	_, err = Open(context.Background(), Config{})
	assert.EqualError(t, err, "store: database path is required")
}

func TestStore_TripDetection(t *testing.T) {
	s := openTestStore(t, "")
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.AddSample(ctx, sampleAt(0, 0.5, 80, 100, 15, 0)))
	assert.Equal(t, "", s.ActiveTrip(), "standing vehicle must not start trip")

	drive(t, s, time.Second)
	assert.Equal(t, "", s.ActiveTrip())

	trips, err := s.Trips(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trips, 1)

	trip := trips[0]
	assert.Len(t, trip.ID, 36)
	assert.Equal(t, base.Add(11*time.Second).UnixMilli(), trip.StartedAt.UnixMilli())
	require.NotNil(t, trip.EndedAt)
	assert.Equal(t, base.Add(41*time.Second).UnixMilli(), trip.EndedAt.UnixMilli())
	assert.Equal(t, 80.0, trip.StartSOCPct)
	assert.Equal(t, 79.0, trip.EndSOCPct)
	assert.InDelta(t, 1.0, trip.DistanceKm, 1e-9)
	assert.InDelta(t, 0.2, trip.EnergyKWh, 1e-9)
	assert.InDelta(t, 200.0, trip.ConsumptionWhKm, 1e-6)
	assert.InDelta(t, 30.0, trip.AvgSpeedKmh, 1e-9)
	assert.Equal(t, 50.0, trip.MaxSpeedKmh)
	assert.Equal(t, 20.0, trip.MaxPowerKW)
	assert.Equal(t, -5.0, trip.MinPowerKW)
	assert.False(t, trip.Synced)

	samples, err := s.TripSamples(ctx, trip.ID)
	require.NoError(t, err)
	require.Len(t, samples, 4, "idle sample that ended trip is not stored")
	assert.Equal(t, 30.0, samples[0].SpeedKmh)
	assert.Equal(t, uint64(42), samples[0].TotalCount)
}

func TestStore_ShortStopDoesNotEndTrip(t *testing.T) {
	s := openTestStore(t, "")
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.AddSample(ctx, sampleAt(0, 20, 80, 100, 15, 5)))
	tripID := s.ActiveTrip()
	require.NotEmpty(t, tripID)

	// standing at traffic lights, samples keep coming every minute
	for i := 1; i <= 4; i++ {
		require.NoError(t, s.AddSample(ctx, sampleAt(time.Duration(i)*time.Minute, 0, 80, 100, 15, 0)))
	}
	require.NoError(t, s.AddSample(ctx, sampleAt(5*time.Minute, 25, 80, 100.2, 15.05, 5)))
	assert.Equal(t, tripID, s.ActiveTrip())
}

func TestStore_LatestLifetimeStatsAndSOH(t *testing.T) {
	s := openTestStore(t, "")
	defer s.Close()
	ctx := context.Background()

	_, ok, err := s.LatestLifetimeStats(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.LatestSOH(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// parked vehicle still persists aggregates
	require.NoError(t, s.AddSample(ctx, sampleAt(0, 0, 80, 123.5, 19.7, 0)))

	stats, ok, err := s.LatestLifetimeStats(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, tripcomputer.LifetimeStats{Count: 42, MeanWhKm: 160, DistanceKm: 123.5, EnergyKWh: 19.7}, stats)

	soh, ok, err := s.LatestSOH(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 88.0, soh)
}

func TestStore_ReopenFinalizesOpenTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thinkcity.db")
	s := openTestStore(t, path)
	ctx := context.Background()

	require.NoError(t, s.AddSample(ctx, sampleAt(0, 20, 80, 100, 15, 5)))
	require.NoError(t, s.AddSample(ctx, sampleAt(time.Second, 22, 80, 100.01, 15.002, 5)))
	// simulate abrupt stop: database is closed without ending trip
	require.NoError(t, s.db.Close())

	s = openTestStore(t, path)
	defer s.Close()

	trips, err := s.Trips(ctx, 0)
	require.NoError(t, err)
	require.Len(t, trips, 1)
	require.NotNil(t, trips[0].EndedAt)
	assert.Equal(t, base.Add(time.Second).UnixMilli(), trips[0].EndedAt.UnixMilli())
	assert.InDelta(t, 0.01, trips[0].DistanceKm, 1e-9)
}

func TestStore_CloseEndsActiveTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thinkcity.db")
	s := openTestStore(t, path)
	ctx := context.Background()

	require.NoError(t, s.AddSample(ctx, sampleAt(0, 20, 80, 100, 15, 5)))
	require.NoError(t, s.Close())

	s = openTestStore(t, path)
	defer s.Close()
	trips, err := s.UnsyncedTrips(ctx)
	require.NoError(t, err)
	require.Len(t, trips, 1)
	assert.Equal(t, base.UnixMilli(), trips[0].EndedAt.UnixMilli())
}

func TestStore_SyncAndCleanup(t *testing.T) {
	s := openTestStore(t, "")
	defer s.Close()
	ctx := context.Background()

	drive(t, s, 0)
	drive(t, s, time.Hour)

	unsynced, err := s.UnsyncedTrips(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 2)
	assert.True(t, unsynced[0].StartedAt.Before(unsynced[1].StartedAt))

	require.NoError(t, s.MarkTripSynced(ctx, unsynced[0].ID))
	assert.ErrorIs(t, s.MarkTripSynced(ctx, "missing"), ErrTripNotFound)

	unsynced, err = s.UnsyncedTrips(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)

	// nothing is old enough yet
	s.timeNow = func() time.Time { return base.Add(24 * time.Hour) }
	trips, samples, err := s.CleanupSyncedTrips(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), trips)
	assert.Equal(t, int64(0), samples)

	s.timeNow = func() time.Time { return base.Add(91 * 24 * time.Hour) }
	trips, samples, err = s.CleanupSyncedTrips(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), trips)
	assert.Equal(t, int64(4), samples)

	all, err := s.Trips(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, unsynced[0].ID, all[0].ID)

	require.NoError(t, s.Vacuum(ctx))
}

func TestStore_LifetimeSummary(t *testing.T) {
	s := openTestStore(t, "")
	defer s.Close()
	ctx := context.Background()

	summary, err := s.LifetimeSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, LifetimeSummary{}, summary)

	drive(t, s, 0)
	// second trip: 3 km with 0.3 kWh -> 100 Wh/km
	for i, sm := range []Sample{
		sampleAt(time.Hour, 30, 79, 101, 15.2, 10),
		sampleAt(time.Hour+10*time.Second, 30, 78, 104, 15.5, 10),
		sampleAt(time.Hour+7*time.Minute, 0, 78, 104, 15.5, 0),
	} {
		require.NoError(t, s.AddSample(ctx, sm), "sample %d", i)
	}

	summary, err = s.LifetimeSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Trips)
	assert.InDelta(t, 4.0, summary.DistanceKm, 1e-9)
	assert.InDelta(t, 0.5, summary.EnergyKWh, 1e-9)
	// distance weighted: (200*1 + 100*3) / 4
	assert.InDelta(t, 125.0, summary.MeanConsumptionWhKm, 1e-6)
	assert.Greater(t, summary.StdDevConsumptionWhKm, 0.0)
}
