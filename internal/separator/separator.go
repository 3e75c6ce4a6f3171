// Package separator decides, for every incoming tracker point, whether
// it extends the device's current flight or opens a new one. Suffixes
// derive from the point's wall-clock time in the race's timezone, so a
// backfilled batch lands in the same flight regardless of when the
// server processes it.
package separator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openlivetrack/livetrack/internal/config"
	"github.com/openlivetrack/livetrack/internal/geo"
	"github.com/openlivetrack/livetrack/internal/logging"
	"github.com/openlivetrack/livetrack/internal/metrics"
	"github.com/openlivetrack/livetrack/internal/model"
	"github.com/openlivetrack/livetrack/internal/store"
)

// Creation reasons, exported for the metrics label.
const (
	ReasonFirstPoint = "first_point"
	ReasonNewDay     = "new_day"
	ReasonInactivity = "inactivity"
	ReasonLanding    = "landing"
)

// FlightStore is the slice of the repository the separator needs.
type FlightStore interface {
	GetOpenTrackerFlight(ctx context.Context, raceID, deviceID, source string) (*model.Flight, error)
	CreateFlight(ctx context.Context, f *model.Flight) (*model.Flight, error)
	UpdateFlightState(ctx context.Context, flightUUID string, state *model.FlightState) error
}

// Separator assigns points to flights. Safe for concurrent use; the
// per-device decision runs under a device-keyed mutex so two points
// from the same tracker never race each other.
type Separator struct {
	store FlightStore
	cfg   config.Separation
	log   *logging.Logger

	mu    sync.Mutex
	cache map[string]*deviceEntry
}

type deviceEntry struct {
	sync.Mutex
	flight  *model.Flight
	expires time.Time
}

func New(st FlightStore, cfg config.Separation) *Separator {
	return &Separator{
		store: st,
		cfg:   cfg,
		log:   logging.New("livetrack-separator"),
		cache: make(map[string]*deviceEntry),
	}
}

func cacheKey(raceID, deviceID, source string) string {
	return raceID + "|" + deviceID + "|" + source
}

// entry returns the cache slot for a device, creating it if needed and
// dropping any expired flight it held.
func (s *Separator) entry(raceID, deviceID, source string) *deviceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cacheKey(raceID, deviceID, source)
	e, ok := s.cache[key]
	if !ok {
		e = &deviceEntry{}
		s.cache[key] = e
	}
	return e
}

// Forget drops a device's cached flight. Called after deletions so the
// next point re-reads the store instead of reviving a deleted flight.
func (s *Separator) Forget(raceID, deviceID, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, cacheKey(raceID, deviceID, source))
}

// AssignFlight runs the decision procedure for one point and returns
// the flight it belongs to, creating the flight when a rule fires.
func (s *Separator) AssignFlight(ctx context.Context, race *model.Race, source, pilotID, pilotName, deviceID string, p model.TrackPoint) (*model.Flight, error) {
	loc := s.raceLocation(race)

	e := s.entry(race.ID, deviceID, source)
	e.Lock()
	defer e.Unlock()

	now := time.Now()
	if e.flight == nil || now.After(e.expires) {
		f, err := s.store.GetOpenTrackerFlight(ctx, race.ID, deviceID, source)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("load open flight: %w", err)
		}
		e.flight = f
		e.expires = now.Add(s.cfg.CacheTTL)
	}

	suffix, reason := s.decide(e.flight, p, loc)
	if reason == "" {
		// Attach. Out-of-order points extend the flight but leave the
		// landing window alone, otherwise a late batch could unland a
		// pilot who is already on the ground.
		f := e.flight
		if inOrder(f, p) {
			s.advanceLandingWindow(ctx, f, p)
			f.LastFix = &model.Fix{Lat: p.Lat, Lon: p.Lon, Elevation: p.Elevation, Datetime: p.Datetime}
		}
		return f, nil
	}

	flightID := model.TrackerFlightID(source, pilotID, race.ID, deviceID, suffix)
	created, err := s.store.CreateFlight(ctx, &model.Flight{
		FlightID:    flightID,
		RaceID:      race.ID,
		PilotID:     pilotID,
		PilotName:   pilotName,
		Source:      source,
		DeviceID:    deviceID,
		FlightState: &model.FlightState{State: "flying"},
	})
	if err != nil {
		return nil, err
	}
	created.LastFix = &model.Fix{Lat: p.Lat, Lon: p.Lon, Elevation: p.Elevation, Datetime: p.Datetime}

	metrics.FlightsCreatedTotal.WithLabelValues(reason).Inc()
	s.log.WithContext(ctx).WithRace(race.ID).WithDevice(deviceID).WithFlight(flightID).
		WithField("reason", reason).Info("opened flight")

	e.flight = created
	e.expires = now.Add(s.cfg.CacheTTL)
	return created, nil
}

// decide returns the suffix for a new flight and the reason a rule
// fired, or ("", "") when the point attaches to the current flight.
// Rules are ordered; the first match wins.
func (s *Separator) decide(current *model.Flight, p model.TrackPoint, loc *time.Location) (suffix, reason string) {
	local := p.Datetime.In(loc)

	if current == nil {
		return local.Format("20060102"), ReasonFirstPoint
	}
	last := current.LastFix
	if last == nil {
		return "", ""
	}
	if !p.Datetime.After(last.Datetime) {
		// Out of order; always attaches.
		return "", ""
	}
	if lastLocal := last.Datetime.In(loc); local.Format("20060102") != lastLocal.Format("20060102") {
		return local.Format("20060102"), ReasonNewDay
	}
	if p.Datetime.Sub(last.Datetime) >= s.cfg.InactivityGap {
		return local.Format("1504"), ReasonInactivity
	}
	if st := current.FlightState; st != nil && st.State == "landed" && st.LandedAt != nil {
		if s.airborne(last, p) {
			return "L" + st.LandedAt.In(loc).Format("1504"), ReasonLanding
		}
		return "", ""
	}
	return "", ""
}

// airborne reports whether a point shows the pilot flying again:
// ground speed at or above the landing threshold, or an altitude jump
// beyond the landing window tolerance.
func (s *Separator) airborne(last *model.Fix, p model.TrackPoint) bool {
	speed := geo.SpeedKmh(last.Lat, last.Lon, last.Datetime, p.Lat, p.Lon, p.Datetime)
	if speed >= s.cfg.LandingMaxSpeedKmh {
		return true
	}
	if last.Elevation != nil && p.Elevation != nil {
		delta := *p.Elevation - *last.Elevation
		if delta < 0 {
			delta = -delta
		}
		if delta >= s.cfg.LandingMaxAltDelta {
			return true
		}
	}
	return false
}

// advanceLandingWindow feeds one in-order point into the landing state
// machine and persists the blob when it changes. A pilot is landed once
// ground speed stays strictly below the threshold and altitude varies
// less than the tolerance for the full window.
func (s *Separator) advanceLandingWindow(ctx context.Context, f *model.Flight, p model.TrackPoint) {
	if f.FlightState == nil {
		f.FlightState = &model.FlightState{State: "flying"}
	}
	st := f.FlightState
	if st.State == "landed" {
		return
	}
	last := f.LastFix
	if last == nil {
		return
	}

	speed := geo.SpeedKmh(last.Lat, last.Lon, last.Datetime, p.Lat, p.Lon, p.Datetime)
	changed := false

	if speed < s.cfg.LandingMaxSpeedKmh {
		if st.GroundSince == nil {
			t := p.Datetime
			st.GroundSince = &t
			st.WindowMinAlt = p.Elevation
			st.WindowMaxAlt = p.Elevation
			changed = true
		} else if p.Elevation != nil {
			if st.WindowMinAlt == nil || *p.Elevation < *st.WindowMinAlt {
				v := *p.Elevation
				st.WindowMinAlt = &v
				changed = true
			}
			if st.WindowMaxAlt == nil || *p.Elevation > *st.WindowMaxAlt {
				v := *p.Elevation
				st.WindowMaxAlt = &v
				changed = true
			}
		}
		if st.GroundSince != nil &&
			p.Datetime.Sub(*st.GroundSince) >= s.cfg.LandingWindow &&
			altSpread(st) < s.cfg.LandingMaxAltDelta {
			st.State = "landed"
			st.LandedAt = st.GroundSince
			changed = true
		}
	} else if st.GroundSince != nil {
		st.GroundSince = nil
		st.WindowMinAlt = nil
		st.WindowMaxAlt = nil
		changed = true
	}

	if changed {
		if err := s.store.UpdateFlightState(ctx, f.UUID, st); err != nil {
			s.log.WithContext(ctx).WithFlight(f.FlightID).WithError(err).
				Warn("flight state update failed")
		}
	}
}

// altSpread is the altitude variation inside the current ground window.
// Missing elevations count as zero spread; cheap trackers often omit
// altitude entirely.
func altSpread(st *model.FlightState) float64 {
	if st.WindowMinAlt == nil || st.WindowMaxAlt == nil {
		return 0
	}
	return *st.WindowMaxAlt - *st.WindowMinAlt
}

func inOrder(f *model.Flight, p model.TrackPoint) bool {
	return f.LastFix == nil || p.Datetime.After(f.LastFix.Datetime)
}

// raceLocation resolves the race timezone, falling back to UTC when the
// configured name does not load.
func (s *Separator) raceLocation(race *model.Race) *time.Location {
	if race.Timezone == "" {
		s.log.Plain().WithRace(race.ID).WithField("open_question", "missing_timezone").
			Warn("race has no timezone, using UTC")
		return time.UTC
	}
	loc, err := time.LoadLocation(race.Timezone)
	if err != nil {
		s.log.Plain().WithRace(race.ID).WithField("timezone", race.Timezone).
			WithField("open_question", "missing_timezone").
			Warn("unknown race timezone, using UTC")
		return time.UTC
	}
	return loc
}
