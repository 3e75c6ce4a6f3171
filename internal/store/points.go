package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openlivetrack/livetrack/internal/model"
)

// insertChunk keeps one statement well under the wire-protocol
// parameter cap (6 columns per row).
const insertChunk = 1000

// BulkInsertPoints writes a validated batch into the given point table
// with a single multi-row INSERT per chunk. Rows that collide on
// (flight_id, datetime, lat, lon) are silently skipped, so replayed
// batches are idempotent. Returns the number of rows actually inserted.
func (s *Store) BulkInsertPoints(ctx context.Context, table string, points []model.TrackPoint) (int64, error) {
	if len(points) == 0 {
		return 0, nil
	}
	if table != TableLivePoints && table != TableUploadedPoints {
		return 0, fmt.Errorf("unknown point table %q", table)
	}

	var inserted int64
	for start := 0; start < len(points); start += insertChunk {
		end := start + insertChunk
		if end > len(points) {
			end = len(points)
		}
		n, err := s.insertPointChunk(ctx, table, points[start:end])
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

func (s *Store) insertPointChunk(ctx context.Context, table string, points []model.TrackPoint) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (flight_id, flight_uuid, lat, lon, elevation, datetime) VALUES ")

	args := make([]any, 0, len(points)*6)
	for i, p := range points {
		if i > 0 {
			sb.WriteByte(',')
		}
		base := i * 6
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6)
		args = append(args, p.FlightID, p.FlightUUID, p.Lat, p.Lon, p.Elevation, p.Datetime)
	}
	sb.WriteString(" ON CONFLICT (flight_id, datetime, lat, lon) DO NOTHING")

	tag, err := s.pools.Primary.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("bulk insert %d points into %s: %w", len(points), table, err)
	}
	return tag.RowsAffected(), nil
}

// PilotPosition is one pilot's freshest position at or before a cutoff.
// The fan-out hub reads these once per tick.
type PilotPosition struct {
	PilotID   string
	PilotName string
	FlightID  string
	Lat       float64
	Lon       float64
	Elevation *float64
	Datetime  time.Time
}

// DelayedPositions returns, per pilot, the latest live point with
// datetime <= cutoff for a race. The cutoff implements the broadcast
// delay; served from the read pool because the fan-out tick is the
// hottest read path in the system.
func (s *Store) DelayedPositions(ctx context.Context, raceID string, cutoff time.Time) ([]PilotPosition, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pools.Read().Query(ctx, `
		SELECT DISTINCT ON (f.pilot_id)
			f.pilot_id, f.pilot_name, f.flight_id,
			p.lat, p.lon, p.elevation, p.datetime
		FROM livetrack.live_track_points p
		JOIN livetrack.flights f ON f.id = p.flight_uuid
		WHERE f.race_id = $1 AND p.datetime <= $2
		ORDER BY f.pilot_id, p.datetime DESC`, raceID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("delayed positions race=%s: %w", raceID, err)
	}
	defer rows.Close()

	var out []PilotPosition
	for rows.Next() {
		var pp PilotPosition
		if err := rows.Scan(&pp.PilotID, &pp.PilotName, &pp.FlightID,
			&pp.Lat, &pp.Lon, &pp.Elevation, &pp.Datetime); err != nil {
			return nil, err
		}
		out = append(out, pp)
	}
	return out, rows.Err()
}

// TrackSince returns a flight's live points after a given instant in
// chronological order, capped. Used to seed a client's initial view.
func (s *Store) TrackSince(ctx context.Context, flightUUID string, since time.Time, limit int) ([]model.TrackPoint, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pools.Read().Query(ctx, `
		SELECT flight_id, flight_uuid, lat, lon, elevation, datetime
		FROM livetrack.live_track_points
		WHERE flight_uuid = $1 AND datetime > $2
		ORDER BY datetime ASC
		LIMIT $3`, flightUUID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("track since %s: %w", flightUUID, err)
	}
	defer rows.Close()

	var out []model.TrackPoint
	for rows.Next() {
		var p model.TrackPoint
		if err := rows.Scan(&p.FlightID, &p.FlightUUID, &p.Lat, &p.Lon, &p.Elevation, &p.Datetime); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
