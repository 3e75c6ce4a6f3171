package store

import (
	"context"
	"fmt"
	"time"

	"github.com/openlivetrack/livetrack/internal/model"
)

// PilotSummary is one row of the live race summary.
type PilotSummary struct {
	PilotID      string     `json:"pilot_id"`
	PilotName    string     `json:"pilot_name"`
	FlightCount  int        `json:"flight_count"`
	TotalPoints  int        `json:"total_points"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// RaceSummary aggregates live activity for one race.
type RaceSummary struct {
	RaceID           string         `json:"race_id"`
	TotalFlights     int            `json:"total_flights"`
	TotalPilots      int            `json:"total_pilots"`
	TotalPoints      int            `json:"total_points"`
	EarliestActivity *time.Time     `json:"earliest_activity,omitempty"`
	LatestActivity   *time.Time     `json:"latest_activity,omitempty"`
	Pilots           []PilotSummary `json:"pilots"`
}

// maxSummaryPilots caps the summary payload; races beyond this size get
// the busiest pilots by recent activity.
const maxSummaryPilots = 100

// LiveSummary aggregates flight counts and last activity per pilot for
// a race. Aggregates come from the flights table counters, so this
// never scans the point tables.
func (s *Store) LiveSummary(ctx context.Context, raceID string) (*RaceSummary, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sum := &RaceSummary{RaceID: raceID}
	rows, err := s.pools.Read().Query(ctx, `
		SELECT pilot_id, max(pilot_name), count(*), coalesce(sum(total_points), 0),
			min((first_fix->>'datetime')::timestamptz),
			max((last_fix->>'datetime')::timestamptz)
		FROM livetrack.flights
		WHERE race_id = $1 AND source != $2
		GROUP BY pilot_id
		ORDER BY max((last_fix->>'datetime')::timestamptz) DESC NULLS LAST
		LIMIT $3`, raceID, model.SourceUpload, maxSummaryPilots)
	if err != nil {
		return nil, fmt.Errorf("live summary race=%s: %w", raceID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ps    PilotSummary
			first *time.Time
		)
		if err := rows.Scan(&ps.PilotID, &ps.PilotName, &ps.FlightCount, &ps.TotalPoints, &first, &ps.LastActivity); err != nil {
			return nil, err
		}
		sum.TotalFlights += ps.FlightCount
		sum.TotalPoints += ps.TotalPoints
		if first != nil && (sum.EarliestActivity == nil || first.Before(*sum.EarliestActivity)) {
			sum.EarliestActivity = first
		}
		if ps.LastActivity != nil && (sum.LatestActivity == nil || ps.LastActivity.After(*sum.LatestActivity)) {
			sum.LatestActivity = ps.LastActivity
		}
		sum.Pilots = append(sum.Pilots, ps)
	}
	sum.TotalPilots = len(sum.Pilots)
	return sum, rows.Err()
}

// PilotFlights returns a pilot's most recent flights in a race, newest
// first, capped at limit.
func (s *Store) PilotFlights(ctx context.Context, raceID, pilotID string, limit int) ([]model.Flight, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pools.Read().Query(ctx, `
		SELECT`+flightColumns+`
		FROM livetrack.flights
		WHERE race_id = $1 AND pilot_id = $2
		ORDER BY created_at DESC
		LIMIT $3`, raceID, pilotID, limit)
	if err != nil {
		return nil, fmt.Errorf("pilot flights race=%s pilot=%s: %w", raceID, pilotID, err)
	}
	defer rows.Close()

	var out []model.Flight
	for rows.Next() {
		f, err := scanFlight(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}
