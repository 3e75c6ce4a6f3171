package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/openlivetrack/livetrack/internal/model"
	"github.com/openlivetrack/livetrack/internal/queue"
	"github.com/openlivetrack/livetrack/internal/tracing"
)

// liveIngestRequest carries one or more points for a single live
// flight. Mobile producers name their own flight; it is created on
// first use and never auto-separated.
type liveIngestRequest struct {
	FlightID  string         `json:"flight_id"`
	RaceID    string         `json:"race_id"`
	PilotID   string         `json:"pilot_id"`
	PilotName string         `json:"pilot_name"`
	Points    []pointPayload `json:"points"`
}

// ingestResult is shared by all three adapters.
type ingestResult struct {
	Status   string `json:"status"` // queued | written
	Queue    string `json:"queue,omitempty"`
	FlightID string `json:"flight_id,omitempty"`
	Count    int    `json:"count"`
}

func (s *Server) handleLiveIngest(w http.ResponseWriter, r *http.Request) {
	var req liveIngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", err.Error())
		return
	}
	if req.FlightID == "" || req.RaceID == "" || req.PilotID == "" {
		writeError(w, http.StatusBadRequest, "missing fields", "flight_id, race_id and pilot_id are required")
		return
	}
	s.ingest(w, r, queue.LivePoints, model.Flight{
		FlightID:  req.FlightID,
		RaceID:    req.RaceID,
		PilotID:   req.PilotID,
		PilotName: req.PilotName,
		Source:    model.SourceLive,
	}, req.Points)
}

func (s *Server) handleUploadIngest(w http.ResponseWriter, r *http.Request) {
	var req liveIngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", err.Error())
		return
	}
	if req.RaceID == "" || req.PilotID == "" {
		writeError(w, http.StatusBadRequest, "missing fields", "race_id and pilot_id are required")
		return
	}
	if req.FlightID == "" {
		req.FlightID = "upload-" + req.PilotID + "-" + req.RaceID + "-" + uuid.NewString()
	}
	s.ingest(w, r, queue.UploadPoints, model.Flight{
		FlightID:  req.FlightID,
		RaceID:    req.RaceID,
		PilotID:   req.PilotID,
		PilotName: req.PilotName,
		Source:    model.SourceUpload,
	}, req.Points)
}

// flymasterIngestRequest is the bulk tracker upload. Points run
// through the separator, so one request may span several flights.
type flymasterIngestRequest struct {
	RaceID    string         `json:"race_id"`
	PilotID   string         `json:"pilot_id"`
	PilotName string         `json:"pilot_name"`
	Points    []pointPayload `json:"points"`
}

func (s *Server) handleFlymasterIngest(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")

	var req flymasterIngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", err.Error())
		return
	}
	if deviceID == "" || req.RaceID == "" || req.PilotID == "" {
		writeError(w, http.StatusBadRequest, "missing fields", "device_id, race_id and pilot_id are required")
		return
	}
	if len(req.Points) == 0 || len(req.Points) > s.cfg.Queue.MaxBatchSize {
		writeError(w, http.StatusBadRequest, "bad batch size", "points must be 1..1000")
		return
	}

	race, err := s.store.GetRace(r.Context(), req.RaceID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown race", req.RaceID)
		return
	}

	// Separate first, then enqueue one item per flight touched.
	byFlight := make(map[string][]model.TrackPoint)
	for _, pp := range req.Points {
		point, err := pp.toModel("")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid point", err.Error())
			return
		}
		flight, err := s.separator.AssignFlight(r.Context(), race,
			model.SourceFlymasterLive, req.PilotID, req.PilotName, deviceID, point)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "flight assignment failed", err.Error())
			return
		}
		point.FlightID = flight.FlightID
		byFlight[flight.FlightID] = append(byFlight[flight.FlightID], point)
	}

	queued, written := 0, 0
	for flightID, points := range byFlight {
		item := queue.NewItem(queue.FlymasterPoints, flightID, points)
		item.TraceHeaders = tracing.PropagateTraceToQueue(r.Context())
		err := s.queue.Enqueue(r.Context(), queue.FlymasterPoints, item)
		if errors.Is(err, queue.ErrQueueUnavailable) {
			n, derr := s.writers.InsertDirect(r.Context(), queue.FlymasterPoints, points)
			if derr != nil {
				writeError(w, http.StatusServiceUnavailable, "queue and store unavailable", derr.Error())
				return
			}
			written += n
			continue
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "enqueue failed", err.Error())
			return
		}
		queued += len(points)
	}

	if written > 0 && queued == 0 {
		writeJSON(w, http.StatusCreated, ingestResult{Status: "written", Count: written})
		return
	}
	writeJSON(w, http.StatusAccepted, ingestResult{
		Status: "queued", Queue: queue.FlymasterPoints, Count: queued + written,
	})
}

// ingest is the shared enqueue-or-fallback path for the single-flight
// adapters.
func (s *Server) ingest(w http.ResponseWriter, r *http.Request, queueName string, flight model.Flight, payload []pointPayload) {
	if len(payload) == 0 || len(payload) > s.cfg.Queue.MaxBatchSize {
		writeError(w, http.StatusBadRequest, "bad batch size", "points must be 1..1000")
		return
	}

	points := make([]model.TrackPoint, 0, len(payload))
	for _, pp := range payload {
		p, err := pp.toModel(flight.FlightID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid point", err.Error())
			return
		}
		points = append(points, p)
	}

	// The flight row must exist before the writer's FK check sees the
	// points. Idempotent for existing flights.
	if _, err := s.store.CreateFlight(r.Context(), &flight); err != nil {
		writeError(w, http.StatusInternalServerError, "flight create failed", err.Error())
		return
	}

	item := queue.NewItem(queueName, flight.FlightID, points)
	item.TraceHeaders = tracing.PropagateTraceToQueue(r.Context())
	err := s.queue.Enqueue(r.Context(), queueName, item)
	if err == nil {
		writeJSON(w, http.StatusAccepted, ingestResult{
			Status: "queued", Queue: queueName, FlightID: flight.FlightID, Count: len(points),
		})
		return
	}
	if !errors.Is(err, queue.ErrQueueUnavailable) {
		writeError(w, http.StatusInternalServerError, "enqueue failed", err.Error())
		return
	}

	s.log.WithContext(r.Context()).WithQueue(queueName).WithFlight(flight.FlightID).
		WithError(err).Warn("queue unavailable, falling back to direct write")
	n, derr := s.writers.InsertDirect(r.Context(), queueName, points)
	if derr != nil {
		writeError(w, http.StatusServiceUnavailable, "queue and store unavailable", derr.Error())
		return
	}
	writeJSON(w, http.StatusCreated, ingestResult{
		Status: "written", FlightID: flight.FlightID, Count: n,
	})
}
