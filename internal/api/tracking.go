package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/openlivetrack/livetrack/internal/model"
	"github.com/openlivetrack/livetrack/internal/store"
)

// maxPilotFlights caps the pilot flight listing.
const maxPilotFlights = 20

// summaryResponse is the public shape of GET /tracking/live/summary.
type summaryResponse struct {
	Summary struct {
		TotalFlights     int        `json:"total_flights"`
		TotalPilots      int        `json:"total_pilots"`
		TimeRange        timeRange  `json:"time_range"`
		EarliestActivity *time.Time `json:"earliest_activity,omitempty"`
		LatestActivity   *time.Time `json:"latest_activity,omitempty"`
	} `json:"summary"`
	Pilots []store.PilotSummary `json:"pilots"`
}

type timeRange struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

func (s *Server) handleLiveSummary(w http.ResponseWriter, r *http.Request) {
	raceID := r.URL.Query().Get("race_id")
	if raceID == "" {
		writeError(w, http.StatusBadRequest, "missing race_id", "")
		return
	}

	sum, err := s.store.LiveSummary(r.Context(), raceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "summary failed", err.Error())
		return
	}

	var resp summaryResponse
	resp.Summary.TotalFlights = sum.TotalFlights
	resp.Summary.TotalPilots = sum.TotalPilots
	resp.Summary.TimeRange = timeRange{Start: sum.EarliestActivity, End: sum.LatestActivity}
	resp.Summary.EarliestActivity = sum.EarliestActivity
	resp.Summary.LatestActivity = sum.LatestActivity
	resp.Pilots = sum.Pilots
	if resp.Pilots == nil {
		resp.Pilots = []store.PilotSummary{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// pilotFlight is one row of the pilot flight listing.
type pilotFlight struct {
	UUID            string     `json:"uuid"`
	FlightID        string     `json:"flight_id"`
	Source          string     `json:"source"`
	DeviceID        string     `json:"device_id,omitempty"`
	FirstFix        *model.Fix `json:"first_fix,omitempty"`
	LastFix         *model.Fix `json:"last_fix,omitempty"`
	TotalPoints     int        `json:"total_points"`
	DurationSeconds int64      `json:"duration_seconds"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (s *Server) handlePilotFlights(w http.ResponseWriter, r *http.Request) {
	pilotID := r.PathValue("pilot_id")
	raceID := r.URL.Query().Get("race_id")
	if pilotID == "" || raceID == "" {
		writeError(w, http.StatusBadRequest, "missing pilot_id or race_id", "")
		return
	}

	flights, err := s.store.PilotFlights(r.Context(), raceID, pilotID, maxPilotFlights)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "pilot not found", pilotID)
			return
		}
		writeError(w, http.StatusInternalServerError, "flight listing failed", err.Error())
		return
	}

	out := make([]pilotFlight, 0, len(flights))
	for _, f := range flights {
		pf := pilotFlight{
			UUID:        f.UUID,
			FlightID:    f.FlightID,
			Source:      f.Source,
			DeviceID:    f.DeviceID,
			FirstFix:    f.FirstFix,
			LastFix:     f.LastFix,
			TotalPoints: f.TotalPoints,
			CreatedAt:   f.CreatedAt,
		}
		if f.FirstFix != nil && f.LastFix != nil {
			pf.DurationSeconds = int64(f.LastFix.Datetime.Sub(f.FirstFix.Datetime).Seconds())
		}
		out = append(out, pf)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pilot_id": pilotID,
		"flights":  out,
	})
}
