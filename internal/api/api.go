// Package api is the HTTP surface: ingest adapters with direct-write
// fallback, live summaries, async deletion jobs, queue administration
// and health.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/openlivetrack/livetrack/internal/config"
	"github.com/openlivetrack/livetrack/internal/fanout"
	"github.com/openlivetrack/livetrack/internal/health"
	"github.com/openlivetrack/livetrack/internal/logging"
	"github.com/openlivetrack/livetrack/internal/model"
	"github.com/openlivetrack/livetrack/internal/queue"
	"github.com/openlivetrack/livetrack/internal/separator"
	"github.com/openlivetrack/livetrack/internal/store"
	"github.com/openlivetrack/livetrack/internal/writer"
)

// Queue is the slice of the queue backend the API needs.
type Queue interface {
	Enqueue(ctx context.Context, queueName string, item queue.Item) error
	Stats(ctx context.Context) (map[string]queue.QueueStats, error)
	DLQList(ctx context.Context, queueName string, limit int64) ([]queue.DeadLetter, error)
	DLQRequeue(ctx context.Context, queueName string, maxN int) (int, error)
	DLQPurge(ctx context.Context, queueName string) (int64, error)
}

// Server wires the HTTP handlers to their collaborators.
type Server struct {
	cfg       config.Config
	store     *store.Store
	queue     Queue
	writers   *writer.Pool
	separator *separator.Separator
	fanout    *fanout.Manager
	health    *health.Checker
	deletions *deletionRegistry
	log       *logging.Logger
}

func NewServer(cfg config.Config, st *store.Store, q Queue, w *writer.Pool, sep *separator.Separator, fo *fanout.Manager, hc *health.Checker) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		queue:     q,
		writers:   w,
		separator: sep,
		fanout:    fo,
		health:    hc,
		deletions: newDeletionRegistry(),
		log:       logging.New("livetrack-api"),
	}
}

// Router builds the full route table.
func (s *Server) Router() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /tracking/live", s.handleLiveIngest)
	mux.HandleFunc("POST /tracking/upload", s.handleUploadIngest)
	mux.HandleFunc("POST /tracking/flymaster/{device_id}", s.handleFlymasterIngest)

	mux.HandleFunc("GET /tracking/live/summary", s.handleLiveSummary)
	mux.HandleFunc("GET /tracking/live/pilot/{pilot_id}/flights", s.handlePilotFlights)

	mux.HandleFunc("DELETE /tracking/admin/delete-pilot-flights-async/{pilot_id}", s.handleDeletePilotFlights)
	mux.HandleFunc("DELETE /tracking/tracks/fuuid-async/{flight_uuid}", s.handleDeleteFlight)
	mux.HandleFunc("GET /tracking/deletion-status/{deletion_id}", s.handleDeletionStatus)

	mux.HandleFunc("GET /queue/status", s.handleQueueStatus)
	mux.HandleFunc("GET /admin/queue/dlq/{queue}", s.handleDLQList)
	mux.HandleFunc("POST /admin/queue/dlq/{queue}/requeue", s.handleDLQRequeue)
	mux.HandleFunc("POST /admin/queue/dlq/{queue}/purge", s.handleDLQPurge)

	mux.HandleFunc("GET /health", s.health.HTTPHandler())

	if s.fanout != nil {
		mux.HandleFunc("GET /ws/live/{race_id}", s.fanout.HandleWS)
	}
	return mux
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, detail string) {
	writeJSON(w, status, errorBody{Error: msg, Detail: detail})
}

// pointPayload is the wire shape for ingested positions.
type pointPayload struct {
	Lat       float64  `json:"lat"`
	Lon       float64  `json:"lon"`
	Elevation *float64 `json:"elevation,omitempty"`
	Datetime  string   `json:"datetime"`
	Battery   *float64 `json:"battery,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
}

func (p pointPayload) toModel(flightID string) (model.TrackPoint, error) {
	ts, err := time.Parse(time.RFC3339, p.Datetime)
	if err != nil {
		return model.TrackPoint{}, err
	}
	return model.TrackPoint{
		FlightID:  flightID,
		Lat:       p.Lat,
		Lon:       p.Lon,
		Elevation: p.Elevation,
		Datetime:  ts.UTC(),
		Battery:   p.Battery,
		Speed:     p.Speed,
		Heading:   p.Heading,
	}, nil
}
