package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is anything whose liveness can be checked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BacklogReader reports pending items per queue family.
type BacklogReader interface {
	Backlog(ctx context.Context) (map[string]int64, error)
}

type Status struct {
	OK      bool             `json:"ok"`
	Message string           `json:"message,omitempty"`
	Store   bool             `json:"store"`
	Queue   bool             `json:"queue"`
	Backlog map[string]int64 `json:"backlog,omitempty"`
}

// Checker probes the store and queue backends.
type Checker struct {
	store   Pinger
	queue   Pinger
	backlog BacklogReader
}

func NewChecker(store, queue Pinger, backlog BacklogReader) *Checker {
	return &Checker{store: store, queue: queue, backlog: backlog}
}

// Check runs all probes with a short deadline.
func (c *Checker) Check(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	st := Status{OK: true, Message: "ok", Store: true, Queue: true}
	if c.store != nil {
		if err := c.store.Ping(ctx); err != nil {
			st.OK = false
			st.Store = false
			st.Message = "store ping failed"
		}
	}
	if c.queue != nil {
		if err := c.queue.Ping(ctx); err != nil {
			st.OK = false
			st.Queue = false
			st.Message = "queue ping failed"
		}
	}
	if st.Queue && c.backlog != nil {
		if backlog, err := c.backlog.Backlog(ctx); err == nil {
			st.Backlog = backlog
		}
	}
	return st
}

// HTTPHandler serves the health report, 503 when any probe fails.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := c.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
