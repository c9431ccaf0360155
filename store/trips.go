package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/tcdash/thinkcan/tripcomputer"
	"gonum.org/v1/gonum/stat"
	"math"
	"time"
)

// Sample is periodic snapshot of vehicle and trip computer values
type Sample struct {
	Time time.Time `json:"time"`

	SpeedKmh     float64 `json:"speed_kmh"`
	SOCPct       float64 `json:"soc_pct"`
	SOHPct       float64 `json:"soh_pct"`
	VoltageV     float64 `json:"voltage_V"`
	CurrentA     float64 `json:"current_A"`
	PowerKW      float64 `json:"power_kW"`
	PackTempC    float64 `json:"pack_temp_C"`
	AmbientTempC float64 `json:"ambient_temp_C"`

	ConsumptionWhKm      float64 `json:"consumption_wh_km"`
	ConsumptionTotalWhKm float64 `json:"consumption_total_wh_km"`
	TotalDistanceKm      float64 `json:"total_distance_km"`
	TotalEnergyKWh       float64 `json:"total_energy_kwh"`
	TotalCount           uint64  `json:"total_count"`
	RangeKm              float64 `json:"range_km"`
}

// Trip is automatically detected trip. Ended trips have EndedAt set.
type Trip struct {
	ID              string     `json:"id"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	StartSOCPct     float64    `json:"start_soc_pct"`
	EndSOCPct       float64    `json:"end_soc_pct"`
	DistanceKm      float64    `json:"distance_km"`
	EnergyKWh       float64    `json:"energy_kwh"`
	ConsumptionWhKm float64    `json:"consumption_wh_km"`
	AvgSpeedKmh     float64    `json:"avg_speed_kmh"`
	MaxSpeedKmh     float64    `json:"max_speed_kmh"`
	MaxPowerKW      float64    `json:"max_power_kw"`
	MinPowerKW      float64    `json:"min_power_kw"`
	Synced          bool       `json:"synced"`
}

// LifetimeSummary is aggregate over all ended trips
type LifetimeSummary struct {
	Trips                 int     `json:"trips"`
	DistanceKm            float64 `json:"distance_km"`
	EnergyKWh             float64 `json:"energy_kwh"`
	MeanConsumptionWhKm   float64 `json:"mean_consumption_wh_km"`
	StdDevConsumptionWhKm float64 `json:"stddev_consumption_wh_km"`
}

// ActiveTrip returns ID of currently active trip or empty string
func (s *Store) ActiveTrip() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTrip
}

// AddSample stores sample and detects trips. Trip is started when vehicle moves faster than TripStartSpeedKmh and
// ended when vehicle has been standing for TripIdleTimeout. Samples are stored only while trip is active, latest
// lifetime aggregate and SOH are always stored.
func (s *Store) AddSample(ctx context.Context, sample Sample) error {
	if sample.Time.IsZero() {
		sample.Time = s.timeNow()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.saveVehicleState(ctx, sample); err != nil {
		return err
	}

	moving := sample.SpeedKmh > s.config.TripStartSpeedKmh
	if moving {
		s.lastMovingAt = sample.Time
	}

	if s.activeTrip == "" {
		if !moving {
			return nil
		}
		if err := s.startTrip(ctx, sample); err != nil {
			return err
		}
	} else if !moving && sample.Time.Sub(s.lastMovingAt) > s.config.TripIdleTimeout {
		// idle samples are not stored
		return s.endTrip(ctx, s.lastSample.Time)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO samples (
			trip_id, timestamp, speed_kmh, soc_pct, soh_pct,
			voltage_v, current_a, power_kw, pack_temp_c, ambient_temp_c,
			consumption_wh_km, consumption_total_wh_km,
			total_distance_km, total_energy_kwh, total_count, range_km
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.activeTrip, toMillis(sample.Time), sample.SpeedKmh, sample.SOCPct, sample.SOHPct,
		sample.VoltageV, sample.CurrentA, sample.PowerKW, sample.PackTempC, sample.AmbientTempC,
		sample.ConsumptionWhKm, sample.ConsumptionTotalWhKm,
		sample.TotalDistanceKm, sample.TotalEnergyKWh, int64(sample.TotalCount), sample.RangeKm,
	)
	if err != nil {
		return fmt.Errorf("store: failed to insert sample: %w", err)
	}
	s.lastSample = sample
	return nil
}

func (s *Store) saveVehicleState(ctx context.Context, sample Sample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vehicle_state (id, updated_at, soh_pct, consumption_total_wh_km, total_distance_km, total_energy_kwh, total_count)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			updated_at = excluded.updated_at,
			soh_pct = excluded.soh_pct,
			consumption_total_wh_km = excluded.consumption_total_wh_km,
			total_distance_km = excluded.total_distance_km,
			total_energy_kwh = excluded.total_energy_kwh,
			total_count = excluded.total_count`,
		toMillis(sample.Time), sample.SOHPct, sample.ConsumptionTotalWhKm,
		sample.TotalDistanceKm, sample.TotalEnergyKWh, int64(sample.TotalCount),
	)
	if err != nil {
		return fmt.Errorf("store: failed to save vehicle state: %w", err)
	}
	return nil
}

func (s *Store) startTrip(ctx context.Context, sample Sample) error {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO trips (trip_id, start_time, start_soc_pct) VALUES (?, ?, ?)",
		id, toMillis(sample.Time), sample.SOCPct,
	)
	if err != nil {
		return fmt.Errorf("store: failed to start trip: %w", err)
	}
	s.activeTrip = id
	s.logger.Info().Str("trip_id", id).Msg("trip started")
	return nil
}

// endTrip finalizes active trip from its samples
func (s *Store) endTrip(ctx context.Context, endedAt time.Time) error {
	id := s.activeTrip
	s.activeTrip = ""
	if err := s.finalizeTrip(ctx, id, endedAt); err != nil {
		return err
	}
	s.logger.Info().Str("trip_id", id).Msg("trip ended")

	if _, _, err := s.cleanupSyncedTrips(ctx, DefaultCleanupAge); err != nil {
		s.logger.Error().Err(err).Msg("failed to clean up synced trips")
	}
	return nil
}

func (s *Store) finalizeTrip(ctx context.Context, id string, endedAt time.Time) error {
	var (
		count                 int64
		distanceKm, energyKWh sql.NullFloat64
		avgSpeed, maxSpeed    sql.NullFloat64
		maxPower, minPower    sql.NullFloat64
		endSOC                sql.NullFloat64
		lastTimestamp         sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			MAX(total_distance_km) - MIN(total_distance_km),
			MAX(total_energy_kwh) - MIN(total_energy_kwh),
			AVG(speed_kmh), MAX(speed_kmh), MAX(power_kw), MIN(power_kw),
			(SELECT soc_pct FROM samples WHERE trip_id = ?1 ORDER BY timestamp DESC, sample_id DESC LIMIT 1),
			MAX(timestamp)
		FROM samples WHERE trip_id = ?1`, id,
	).Scan(&count, &distanceKm, &energyKWh, &avgSpeed, &maxSpeed, &maxPower, &minPower, &endSOC, &lastTimestamp)
	if err != nil {
		return fmt.Errorf("store: failed to aggregate trip samples: %w", err)
	}
	if endedAt.IsZero() && lastTimestamp.Valid {
		endedAt = fromMillis(lastTimestamp.Int64)
	}
	if endedAt.IsZero() {
		endedAt = s.timeNow()
	}

	consumption := 0.0
	if distanceKm.Float64 > 0 {
		consumption = energyKWh.Float64 * 1000 / distanceKm.Float64
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE trips SET
			end_time = ?, end_soc_pct = ?, distance_km = ?, energy_used_kwh = ?, avg_consumption_wh_km = ?,
			avg_speed_kmh = ?, max_speed_kmh = ?, max_power_kw = ?, min_power_kw = ?
		WHERE trip_id = ?`,
		toMillis(endedAt), endSOC.Float64, distanceKm.Float64, energyKWh.Float64, consumption,
		avgSpeed.Float64, maxSpeed.Float64, maxPower.Float64, minPower.Float64,
		id,
	)
	if err != nil {
		return fmt.Errorf("store: failed to end trip: %w", err)
	}
	return nil
}

// finalizeOpenTrips ends trips that were left open when previous run was stopped abruptly
func (s *Store) finalizeOpenTrips(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "SELECT trip_id FROM trips WHERE end_time IS NULL")
	if err != nil {
		return fmt.Errorf("store: failed to query open trips: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		if err := s.finalizeTrip(ctx, id, time.Time{}); err != nil {
			return err
		}
		s.logger.Warn().Str("trip_id", id).Msg("finalized trip left open by previous run")
	}
	return nil
}

const tripColumns = `trip_id, start_time, end_time, start_soc_pct, end_soc_pct, distance_km, energy_used_kwh,
	avg_consumption_wh_km, avg_speed_kmh, max_speed_kmh, max_power_kw, min_power_kw, synced`

func (s *Store) queryTrips(ctx context.Context, query string, args ...interface{}) ([]Trip, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query trips: %w", err)
	}
	defer rows.Close()

	var result []Trip
	for rows.Next() {
		var (
			t                                               Trip
			start                                           int64
			end                                             sql.NullInt64
			startSOC, endSOC, distance, energy, consumption sql.NullFloat64
			avgSpeed, maxSpeed, maxPower, minPower          sql.NullFloat64
		)
		err := rows.Scan(&t.ID, &start, &end, &startSOC, &endSOC, &distance, &energy,
			&consumption, &avgSpeed, &maxSpeed, &maxPower, &minPower, &t.Synced)
		if err != nil {
			return nil, fmt.Errorf("store: failed to scan trip: %w", err)
		}
		t.StartedAt = fromMillis(start)
		if end.Valid {
			e := fromMillis(end.Int64)
			t.EndedAt = &e
		}
		t.StartSOCPct = startSOC.Float64
		t.EndSOCPct = endSOC.Float64
		t.DistanceKm = distance.Float64
		t.EnergyKWh = energy.Float64
		t.ConsumptionWhKm = consumption.Float64
		t.AvgSpeedKmh = avgSpeed.Float64
		t.MaxSpeedKmh = maxSpeed.Float64
		t.MaxPowerKW = maxPower.Float64
		t.MinPowerKW = minPower.Float64
		result = append(result, t)
	}
	return result, rows.Err()
}

// Trips returns latest trips, newest first. Limit <= 0 returns all trips.
func (s *Store) Trips(ctx context.Context, limit int) ([]Trip, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryTrips(ctx, "SELECT "+tripColumns+" FROM trips ORDER BY start_time DESC LIMIT ?", limit)
}

// UnsyncedTrips returns ended trips that have not been marked as synced, oldest first
func (s *Store) UnsyncedTrips(ctx context.Context) ([]Trip, error) {
	return s.queryTrips(ctx, "SELECT "+tripColumns+" FROM trips WHERE synced = 0 AND end_time IS NOT NULL ORDER BY start_time ASC")
}

// TripSamples returns samples of given trip in time order
func (s *Store) TripSamples(ctx context.Context, tripID string) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, speed_kmh, soc_pct, soh_pct, voltage_v, current_a, power_kw, pack_temp_c, ambient_temp_c,
			consumption_wh_km, consumption_total_wh_km, total_distance_km, total_energy_kwh, total_count, range_km
		FROM samples WHERE trip_id = ? ORDER BY timestamp ASC, sample_id ASC`, tripID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query samples: %w", err)
	}
	defer rows.Close()

	var result []Sample
	for rows.Next() {
		var (
			sm    Sample
			ts    int64
			count int64
		)
		err := rows.Scan(&ts, &sm.SpeedKmh, &sm.SOCPct, &sm.SOHPct, &sm.VoltageV, &sm.CurrentA, &sm.PowerKW,
			&sm.PackTempC, &sm.AmbientTempC, &sm.ConsumptionWhKm, &sm.ConsumptionTotalWhKm, &sm.TotalDistanceKm,
			&sm.TotalEnergyKWh, &count, &sm.RangeKm)
		if err != nil {
			return nil, fmt.Errorf("store: failed to scan sample: %w", err)
		}
		sm.Time = fromMillis(ts)
		sm.TotalCount = uint64(count)
		result = append(result, sm)
	}
	return result, rows.Err()
}

// MarkTripSynced marks trip and its samples as uploaded
func (s *Store) MarkTripSynced(ctx context.Context, tripID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "UPDATE trips SET synced = 1 WHERE trip_id = ?", tripID)
	if err != nil {
		return fmt.Errorf("store: failed to mark trip synced: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrTripNotFound, tripID)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE samples SET synced = 1 WHERE trip_id = ?", tripID); err != nil {
		return fmt.Errorf("store: failed to mark samples synced: %w", err)
	}
	return tx.Commit()
}

// CleanupSyncedTrips deletes synced trips (and their samples) that ended more than olderThan ago. Zero olderThan
// uses DefaultCleanupAge. Returns number of deleted trips and samples.
func (s *Store) CleanupSyncedTrips(ctx context.Context, olderThan time.Duration) (int64, int64, error) {
	if olderThan <= 0 {
		olderThan = DefaultCleanupAge
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupSyncedTrips(ctx, olderThan)
}

func (s *Store) cleanupSyncedTrips(ctx context.Context, olderThan time.Duration) (int64, int64, error) {
	cutoff := toMillis(s.timeNow().Add(-olderThan))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM samples WHERE trip_id IN (
			SELECT trip_id FROM trips WHERE synced = 1 AND end_time < ?
		)`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("store: failed to delete samples: %w", err)
	}
	samples, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, "DELETE FROM trips WHERE synced = 1 AND end_time < ?", cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("store: failed to delete trips: %w", err)
	}
	trips, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	if trips > 0 {
		s.logger.Info().Int64("trips", trips).Int64("samples", samples).Msg("cleaned up synced trips")
	}
	return trips, samples, nil
}

// LatestLifetimeStats returns last stored lifetime consumption aggregate
func (s *Store) LatestLifetimeStats(ctx context.Context) (tripcomputer.LifetimeStats, bool, error) {
	var (
		mean, distance, energy sql.NullFloat64
		count                  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT consumption_total_wh_km, total_distance_km, total_energy_kwh, total_count
		FROM vehicle_state WHERE id = 1 AND total_count > 0`,
	).Scan(&mean, &distance, &energy, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return tripcomputer.LifetimeStats{}, false, nil
	}
	if err != nil {
		return tripcomputer.LifetimeStats{}, false, fmt.Errorf("store: failed to read lifetime stats: %w", err)
	}
	return tripcomputer.LifetimeStats{
		Count:      uint64(count.Int64),
		MeanWhKm:   mean.Float64,
		DistanceKm: distance.Float64,
		EnergyKWh:  energy.Float64,
	}, true, nil
}

// LatestSOH returns last stored smoothed state of health
func (s *Store) LatestSOH(ctx context.Context) (float64, bool, error) {
	var soh sql.NullFloat64
	err := s.db.QueryRowContext(ctx, "SELECT soh_pct FROM vehicle_state WHERE id = 1").Scan(&soh)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: failed to read state of health: %w", err)
	}
	if !soh.Valid || soh.Float64 <= 0 {
		return 0, false, nil
	}
	return soh.Float64, true, nil
}

// LifetimeSummary aggregates all ended trips. Consumption mean and standard deviation are weighted by trip distance.
func (s *Store) LifetimeSummary(ctx context.Context) (LifetimeSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT distance_km, energy_used_kwh, avg_consumption_wh_km FROM trips WHERE end_time IS NOT NULL")
	if err != nil {
		return LifetimeSummary{}, fmt.Errorf("store: failed to query trips: %w", err)
	}
	defer rows.Close()

	result := LifetimeSummary{}
	var consumption, weights []float64
	for rows.Next() {
		var distance, energy, c sql.NullFloat64
		if err := rows.Scan(&distance, &energy, &c); err != nil {
			return LifetimeSummary{}, fmt.Errorf("store: failed to scan trip: %w", err)
		}
		result.Trips++
		result.DistanceKm += distance.Float64
		result.EnergyKWh += energy.Float64
		if distance.Float64 > 0 && c.Float64 > 0 {
			consumption = append(consumption, c.Float64)
			weights = append(weights, distance.Float64)
		}
	}
	if err := rows.Err(); err != nil {
		return LifetimeSummary{}, err
	}

	switch len(consumption) {
	case 0:
	case 1:
		result.MeanConsumptionWhKm = consumption[0]
	default:
		mean, std := stat.MeanStdDev(consumption, weights)
		result.MeanConsumptionWhKm = mean
		if !math.IsNaN(std) {
			result.StdDevConsumptionWhKm = std
		}
	}
	return result, nil
}
