package model

import (
	"fmt"
	"time"
)

// Source tags the producer class that opened a flight.
const (
	SourceLive          = "live"
	SourceUpload        = "upload"
	SourceTK905BLive    = "tk905b_live"
	SourceFlymasterLive = "flymaster_live"
)

// Race is an immutable competition descriptor. It owns many flights.
type Race struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Date      time.Time `json:"date"`
	EndDate   time.Time `json:"end_date"`
	Timezone  string    `json:"timezone"` // IANA name, e.g. Europe/Rome
	Location  string    `json:"location"`
	CreatedAt time.Time `json:"created_at"`
}

// Fix is a position summary stored on a flight (first_fix / last_fix).
type Fix struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Elevation *float64  `json:"elevation,omitempty"`
	Datetime  time.Time `json:"datetime"`
}

// FlightState is the landing-detection blob persisted on a flight.
// GroundSince tracks the start of the current low-speed low-altitude window;
// once the window spans the configured duration the flight is marked landed.
type FlightState struct {
	State        string     `json:"state"` // "flying" or "landed"
	LandedAt     *time.Time `json:"landed_at,omitempty"`
	GroundSince  *time.Time `json:"ground_since,omitempty"`
	WindowMinAlt *float64   `json:"window_min_alt,omitempty"`
	WindowMaxAlt *float64   `json:"window_max_alt,omitempty"`
}

// Flight is one continuous flying session of one pilot with one producer.
type Flight struct {
	UUID        string       `json:"uuid"`
	FlightID    string       `json:"flight_id"`
	RaceID      string       `json:"race_id"`
	PilotID     string       `json:"pilot_id"`
	PilotName   string       `json:"pilot_name"`
	Source      string       `json:"source"`
	DeviceID    string       `json:"device_id,omitempty"`
	FirstFix    *Fix         `json:"first_fix,omitempty"`
	LastFix     *Fix         `json:"last_fix,omitempty"`
	TotalPoints int          `json:"total_points"`
	FlightState *FlightState `json:"flight_state,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// TrackPoint is one immutable time-series row. Uniqueness is
// (flight_id, datetime, lat, lon); duplicate inserts are ignored.
type TrackPoint struct {
	FlightID   string    `json:"flight_id"`
	FlightUUID string    `json:"flight_uuid,omitempty"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Elevation  *float64  `json:"elevation,omitempty"`
	Datetime   time.Time `json:"datetime"`

	// Optional tracker telemetry, not persisted in the point tables.
	Battery *float64 `json:"battery,omitempty"`
	Speed   *float64 `json:"speed,omitempty"`
	Heading *float64 `json:"heading,omitempty"`
}

// TrackerFlightID builds the composite flight identifier for tracker sources:
// {source}-{pilot_id}-{race_id}-{device_id}-{suffix}.
func TrackerFlightID(source, pilotID, raceID, deviceID, suffix string) string {
	id := fmt.Sprintf("%s-%s-%s-%s", source, pilotID, raceID, deviceID)
	if suffix != "" {
		id += "-" + suffix
	}
	return id
}
