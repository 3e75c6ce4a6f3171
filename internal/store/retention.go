package store

import (
	"context"
	"fmt"
	"time"

	"github.com/openlivetrack/livetrack/internal/model"
)

// SweepExpiredLiveFlights deletes live-sourced flights older than the
// cutoff. Cascades take their points with them; uploaded flights are
// never touched by retention. The caller drains the writer pool first
// so no in-flight batch references a flight mid-delete.
func (s *Store) SweepExpiredLiveFlights(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pools.Primary.Exec(ctx, `
		DELETE FROM livetrack.flights
		WHERE source != $1 AND created_at < $2`,
		model.SourceUpload, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep expired live flights: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecomputeTotalPoints rebuilds a flight's counter from the point table
// it belongs to. Used after manual surgery on the point tables; the
// insert triggers keep the counter current in normal operation.
func (s *Store) RecomputeTotalPoints(ctx context.Context, flightUUID, table string) error {
	if table != TableLivePoints && table != TableUploadedPoints {
		return fmt.Errorf("unknown point table %q", table)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pools.Primary.Exec(ctx, `
		UPDATE livetrack.flights f
		SET total_points = (SELECT count(*) FROM `+table+` p WHERE p.flight_uuid = f.id)
		WHERE f.id = $1`, flightUUID)
	if err != nil {
		return fmt.Errorf("recompute total_points %s: %w", flightUUID, err)
	}
	return nil
}
