package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/openlivetrack/livetrack/internal/model"
)

// DeviceAssignment binds a physical tracker to a pilot inside a race.
// The GPS front-end refuses logins from devices with no active
// assignment.
type DeviceAssignment struct {
	DeviceID  string
	PilotID   string
	PilotName string
	Race      model.Race
}

// GetDeviceAssignment resolves a tracker device to its pilot and race.
// Only active assignments for races that have not ended are returned.
func (s *Store) GetDeviceAssignment(ctx context.Context, deviceID string) (*DeviceAssignment, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var da DeviceAssignment
	err := s.pools.Read().QueryRow(ctx, `
		SELECT d.device_id, d.pilot_id, d.pilot_name,
			r.id, r.name, r.date, r.end_date, r.timezone, r.location, r.created_at
		FROM livetrack.device_assignments d
		JOIN livetrack.races r ON r.id = d.race_id
		WHERE d.device_id = $1 AND d.active AND r.end_date > now()
		ORDER BY r.date DESC
		LIMIT 1`, deviceID).
		Scan(&da.DeviceID, &da.PilotID, &da.PilotName,
			&da.Race.ID, &da.Race.Name, &da.Race.Date, &da.Race.EndDate,
			&da.Race.Timezone, &da.Race.Location, &da.Race.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("device assignment %s: %w", deviceID, err)
	}
	return &da, nil
}
