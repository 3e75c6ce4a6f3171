package api

import (
	"net/http"
	"strconv"

	"github.com/openlivetrack/livetrack/internal/queue"
)

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": stats})
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("queue")
	if !queue.Known(name) {
		writeError(w, http.StatusNotFound, "unknown queue", name)
		return
	}
	limit := int64(50)
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	letters, err := s.queue.DLQList(r.Context(), name, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable", err.Error())
		return
	}
	if letters == nil {
		letters = []queue.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "dead_letters": letters})
}

func (s *Server) handleDLQRequeue(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("queue")
	if !queue.Known(name) {
		writeError(w, http.StatusNotFound, "unknown queue", name)
		return
	}
	maxN := 100
	if v := r.URL.Query().Get("max"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxN = n
		}
	}

	moved, err := s.queue.DLQRequeue(r.Context(), name, maxN)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "requeue failed", err.Error())
		return
	}
	s.log.WithContext(r.Context()).WithQueue(name).Infof("operator requeued %d dead letters", moved)
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "requeued": moved})
}

func (s *Server) handleDLQPurge(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("queue")
	if !queue.Known(name) {
		writeError(w, http.StatusNotFound, "unknown queue", name)
		return
	}

	purged, err := s.queue.DLQPurge(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "purge failed", err.Error())
		return
	}
	s.log.WithContext(r.Context()).WithQueue(name).Warnf("operator purged %d dead letters", purged)
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "purged": purged})
}
