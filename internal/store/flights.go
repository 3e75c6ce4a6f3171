package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/openlivetrack/livetrack/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// GetRace loads a race by its identifier. Served from the read pool;
// races are immutable once created.
func (s *Store) GetRace(ctx context.Context, raceID string) (*model.Race, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var r model.Race
	err := s.pools.Read().QueryRow(ctx, `
		SELECT id, name, date, end_date, timezone, location, created_at
		FROM livetrack.races
		WHERE id = $1`, raceID).
		Scan(&r.ID, &r.Name, &r.Date, &r.EndDate, &r.Timezone, &r.Location, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get race %s: %w", raceID, err)
	}
	return &r, nil
}

const flightColumns = `
	id, flight_id, race_id, pilot_id, pilot_name, source, device_id,
	first_fix, last_fix, total_points, flight_state, created_at`

func scanFlight(row pgx.Row) (*model.Flight, error) {
	var (
		f         model.Flight
		firstFix  []byte
		lastFix   []byte
		stateBlob []byte
	)
	err := row.Scan(&f.UUID, &f.FlightID, &f.RaceID, &f.PilotID, &f.PilotName,
		&f.Source, &f.DeviceID, &firstFix, &lastFix, &f.TotalPoints, &stateBlob, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(firstFix) > 0 {
		f.FirstFix = &model.Fix{}
		if err := json.Unmarshal(firstFix, f.FirstFix); err != nil {
			return nil, fmt.Errorf("decode first_fix: %w", err)
		}
	}
	if len(lastFix) > 0 {
		f.LastFix = &model.Fix{}
		if err := json.Unmarshal(lastFix, f.LastFix); err != nil {
			return nil, fmt.Errorf("decode last_fix: %w", err)
		}
	}
	if len(stateBlob) > 0 {
		f.FlightState = &model.FlightState{}
		if err := json.Unmarshal(stateBlob, f.FlightState); err != nil {
			return nil, fmt.Errorf("decode flight_state: %w", err)
		}
	}
	return &f, nil
}

// GetFlight loads a flight by its composite flight_id and source.
func (s *Store) GetFlight(ctx context.Context, flightID, source string) (*model.Flight, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	f, err := scanFlight(s.pools.Read().QueryRow(ctx, `
		SELECT`+flightColumns+`
		FROM livetrack.flights
		WHERE flight_id = $1 AND source = $2`, flightID, source))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get flight %s: %w", flightID, err)
	}
	return f, nil
}

// GetOpenTrackerFlight returns the most recently active flight for a
// device inside a race, or ErrNotFound when the device has never
// reported. The separator runs its decision procedure against this row.
// Served from the primary so the separator never sees replica lag.
func (s *Store) GetOpenTrackerFlight(ctx context.Context, raceID, deviceID, source string) (*model.Flight, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	f, err := scanFlight(s.pools.Primary.QueryRow(ctx, `
		SELECT`+flightColumns+`
		FROM livetrack.flights
		WHERE race_id = $1 AND device_id = $2 AND source = $3
		ORDER BY (last_fix->>'datetime') DESC NULLS LAST, created_at DESC
		LIMIT 1`, raceID, deviceID, source))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get open flight race=%s device=%s: %w", raceID, deviceID, err)
	}
	return f, nil
}

// CreateFlight inserts a flight, tolerating a concurrent insert of the
// same (flight_id, source) pair. The returned flight is re-read so the
// caller always sees the winning row's UUID.
func (s *Store) CreateFlight(ctx context.Context, f *model.Flight) (*model.Flight, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	stateBlob, err := json.Marshal(f.FlightState)
	if err != nil {
		return nil, fmt.Errorf("encode flight_state: %w", err)
	}
	_, err = s.pools.Primary.Exec(ctx, `
		INSERT INTO livetrack.flights
			(id, flight_id, race_id, pilot_id, pilot_name, source, device_id, flight_state)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (flight_id, source) DO NOTHING`,
		f.FlightID, f.RaceID, f.PilotID, f.PilotName, f.Source, f.DeviceID, stateBlob)
	if err != nil {
		return nil, fmt.Errorf("create flight %s: %w", f.FlightID, err)
	}
	return s.GetFlight(ctx, f.FlightID, f.Source)
}

// UpdateFlightState persists the landing-detection blob on a flight.
func (s *Store) UpdateFlightState(ctx context.Context, flightUUID string, state *model.FlightState) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode flight_state: %w", err)
	}
	_, err = s.pools.Primary.Exec(ctx, `
		UPDATE livetrack.flights SET flight_state = $2 WHERE id = $1`,
		flightUUID, blob)
	if err != nil {
		return fmt.Errorf("update flight_state %s: %w", flightUUID, err)
	}
	return nil
}

// FlightsExist resolves a set of composite flight ids to their UUIDs in
// one round trip. Ids absent from the result do not exist; the
// validator dead-letters their points instead of retrying.
func (s *Store) FlightsExist(ctx context.Context, flightIDs []string) (map[string]string, error) {
	if len(flightIDs) == 0 {
		return map[string]string{}, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pools.Primary.Query(ctx, `
		SELECT flight_id, id FROM livetrack.flights WHERE flight_id = ANY($1)`,
		flightIDs)
	if err != nil {
		return nil, fmt.Errorf("flights exist: %w", err)
	}
	defer rows.Close()

	found := make(map[string]string, len(flightIDs))
	for rows.Next() {
		var flightID, uuid string
		if err := rows.Scan(&flightID, &uuid); err != nil {
			return nil, err
		}
		found[flightID] = uuid
	}
	return found, rows.Err()
}

// DeleteFlight removes a flight by UUID, optionally only when its
// source matches. Live points go with it via cascade; uploaded points
// are removed explicitly since that table does not cascade. Returns
// the number of flights deleted (0 or 1).
func (s *Store) DeleteFlight(ctx context.Context, flightUUID, source string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	args := []any{flightUUID}
	filter := ""
	if source != "" {
		filter = " AND source = $2"
		args = append(args, source)
	}
	if _, err := s.pools.Primary.Exec(ctx, `
		DELETE FROM livetrack.uploaded_track_points
		WHERE flight_uuid IN (
			SELECT id FROM livetrack.flights WHERE id = $1`+filter+`
		)`, args...); err != nil {
		return 0, fmt.Errorf("delete uploaded points %s: %w", flightUUID, err)
	}
	tag, err := s.pools.Primary.Exec(ctx, `
		DELETE FROM livetrack.flights WHERE id = $1`+filter, args...)
	if err != nil {
		return 0, fmt.Errorf("delete flight %s: %w", flightUUID, err)
	}
	return tag.RowsAffected(), nil
}

// DeletePilotFlights removes every flight a pilot has in a race,
// optionally filtered by source. Returns the number of flights deleted.
func (s *Store) DeletePilotFlights(ctx context.Context, raceID, pilotID, source string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	args := []any{raceID, pilotID}
	filter := ""
	if source != "" {
		filter = " AND source = $3"
		args = append(args, source)
	}
	if _, err := s.pools.Primary.Exec(ctx, `
		DELETE FROM livetrack.uploaded_track_points
		WHERE flight_uuid IN (
			SELECT id FROM livetrack.flights WHERE race_id = $1 AND pilot_id = $2`+filter+`
		)`, args...); err != nil {
		return 0, fmt.Errorf("delete pilot uploaded points: %w", err)
	}
	tag, err := s.pools.Primary.Exec(ctx, `
		DELETE FROM livetrack.flights WHERE race_id = $1 AND pilot_id = $2`+filter,
		args...)
	if err != nil {
		return 0, fmt.Errorf("delete pilot flights race=%s pilot=%s: %w", raceID, pilotID, err)
	}
	return tag.RowsAffected(), nil
}
