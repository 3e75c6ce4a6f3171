package queue

import (
	"time"

	"github.com/openlivetrack/livetrack/internal/model"
)

// Fixed queue families. Lower priority value dequeues sooner.
const (
	LivePoints      = "live_points"
	UploadPoints    = "upload_points"
	ScoringPoints   = "scoring_points"
	FlymasterPoints = "flymaster_points"
)

var priorities = map[string]int{
	LivePoints:      1,
	UploadPoints:    2,
	ScoringPoints:   2,
	FlymasterPoints: 3,
}

// Names returns every known queue family.
func Names() []string {
	return []string{LivePoints, UploadPoints, ScoringPoints, FlymasterPoints}
}

// Priority returns the fixed priority for a queue family (0 if unknown).
func Priority(queueName string) int {
	return priorities[queueName]
}

// Known reports whether queueName is one of the fixed families.
// Unknown tags are rejected at enqueue time.
func Known(queueName string) bool {
	_, ok := priorities[queueName]
	return ok
}

// Item is the wire format stored on the backing queue, one JSON object
// per sorted-set member.
type Item struct {
	Points       []model.TrackPoint `json:"points"`
	Timestamp    time.Time          `json:"timestamp"`
	Count        int                `json:"count"`
	QueueType    string             `json:"queue_type"`
	FlightID     string             `json:"flight_id"`
	RetryCount   int                `json:"retry_count,omitempty"`
	LastError    string             `json:"last_error,omitempty"`
	TraceHeaders map[string]string  `json:"trace_headers,omitempty"`
}

// NewItem builds a queue item for one flight's point batch.
func NewItem(queueType, flightID string, points []model.TrackPoint) Item {
	return Item{
		Points:    points,
		Timestamp: time.Now().UTC(),
		Count:     len(points),
		QueueType: queueType,
		FlightID:  flightID,
	}
}

// DeadLetter wraps an item that will not be retried automatically.
type DeadLetter struct {
	Item     Item      `json:"item"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
	Retries  int       `json:"retries"`
}

// DLQ reasons. Foreign-key misses are permanent: the flight was deleted
// or never existed, so a retry would loop forever.
const (
	ReasonForeignKeyMissing = "foreign_key_missing"
	ReasonInvalidShape      = "invalid_shape"
	ReasonMaxRetries        = "max_retries"
)
