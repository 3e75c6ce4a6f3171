package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openlivetrack/livetrack/internal/model"
)

// Deletion job states.
const (
	deletionPending = "pending"
	deletionRunning = "running"
	deletionDone    = "completed"
	deletionFailed  = "failed"
)

// deletionJob tracks one asynchronous delete. Jobs live in memory;
// a restart forgets finished jobs, which is acceptable because the
// deletes themselves are idempotent.
type deletionJob struct {
	ID         string     `json:"deletion_id"`
	Status     string     `json:"status"`
	Target     string     `json:"target"`
	Deleted    int64      `json:"deleted_flights"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type deletionRegistry struct {
	mu   sync.Mutex
	jobs map[string]*deletionJob
}

func newDeletionRegistry() *deletionRegistry {
	return &deletionRegistry{jobs: make(map[string]*deletionJob)}
}

func (r *deletionRegistry) create(target string) *deletionJob {
	job := &deletionJob{
		ID:        uuid.NewString(),
		Status:    deletionPending,
		Target:    target,
		CreatedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()
	return job
}

func (r *deletionRegistry) get(id string) (deletionJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return deletionJob{}, false
	}
	return *job, true
}

func (r *deletionRegistry) finish(id string, deleted int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return
	}
	now := time.Now().UTC()
	job.FinishedAt = &now
	job.Deleted = deleted
	if err != nil {
		job.Status = deletionFailed
		job.Error = err.Error()
	} else {
		job.Status = deletionDone
	}
}

func (r *deletionRegistry) markRunning(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		job.Status = deletionRunning
	}
}

type deletionAccepted struct {
	DeletionID string `json:"deletion_id"`
	StatusURL  string `json:"status_url"`
}

func (s *Server) handleDeletePilotFlights(w http.ResponseWriter, r *http.Request) {
	pilotID := r.PathValue("pilot_id")
	raceID := r.URL.Query().Get("race_id")
	source := r.URL.Query().Get("source")
	if pilotID == "" || raceID == "" {
		writeError(w, http.StatusBadRequest, "missing pilot_id or race_id", "")
		return
	}

	job := s.deletions.create("pilot " + pilotID)
	go s.runDeletion(job.ID, func(ctx context.Context) (int64, error) {
		return s.store.DeletePilotFlights(ctx, raceID, pilotID, source)
	})

	writeJSON(w, http.StatusAccepted, deletionAccepted{
		DeletionID: job.ID,
		StatusURL:  "/tracking/deletion-status/" + job.ID,
	})
}

func (s *Server) handleDeleteFlight(w http.ResponseWriter, r *http.Request) {
	flightUUID := r.PathValue("flight_uuid")
	if flightUUID == "" {
		writeError(w, http.StatusBadRequest, "missing flight_uuid", "")
		return
	}
	source := r.URL.Query().Get("source")
	switch source {
	case "", model.SourceLive, model.SourceUpload, model.SourceTK905BLive, model.SourceFlymasterLive:
	default:
		writeError(w, http.StatusBadRequest, "unknown source", source)
		return
	}

	job := s.deletions.create("flight " + flightUUID)
	go s.runDeletion(job.ID, func(ctx context.Context) (int64, error) {
		return s.store.DeleteFlight(ctx, flightUUID, source)
	})

	writeJSON(w, http.StatusAccepted, deletionAccepted{
		DeletionID: job.ID,
		StatusURL:  "/tracking/deletion-status/" + job.ID,
	})
}

// runDeletion executes one delete off the request goroutine. Requests
// carry their own deadline; deletions get a fresh generous one.
func (s *Server) runDeletion(jobID string, del func(context.Context) (int64, error)) {
	s.deletions.markRunning(jobID)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	deleted, err := del(ctx)
	s.deletions.finish(jobID, deleted, err)
	if err != nil {
		s.log.Plain().WithField("deletion_id", jobID).WithError(err).Error("deletion job failed")
		return
	}
	s.log.Plain().WithField("deletion_id", jobID).
		Infof("deletion job removed %d flights", deleted)
}

func (s *Server) handleDeletionStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("deletion_id")
	job, ok := s.deletions.get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown deletion id", id)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
