// Package validator splits dequeued batches into rows the writer may
// insert and rows that must be dead-lettered, before any SQL runs.
// Catching bad rows here keeps constraint violations out of the bulk
// insert path, where one poisoned row would fail the whole statement.
package validator

import (
	"context"
	"fmt"

	"github.com/openlivetrack/livetrack/internal/geo"
	"github.com/openlivetrack/livetrack/internal/model"
	"github.com/openlivetrack/livetrack/internal/queue"
)

// FlightResolver answers "which of these flights exist" in one round
// trip, returning flight_id -> row UUID for the ones that do.
type FlightResolver interface {
	FlightsExist(ctx context.Context, flightIDs []string) (map[string]string, error)
}

// Rejection is one point that failed validation, tagged with the DLQ
// reason it should carry.
type Rejection struct {
	Point  model.TrackPoint
	Reason string
	Detail string
}

// Result partitions a batch. Valid points have FlightUUID resolved and
// are safe to hand to the bulk insert.
type Result struct {
	Valid    []model.TrackPoint
	Rejected []Rejection
}

type Validator struct {
	resolver FlightResolver
}

func New(resolver FlightResolver) *Validator {
	return &Validator{resolver: resolver}
}

// Validate shape-checks every point, then resolves the surviving
// flight ids in a single query. A resolver error is transient and
// returned as-is so the caller can retry the batch; rejections are
// permanent.
func (v *Validator) Validate(ctx context.Context, points []model.TrackPoint) (*Result, error) {
	res := &Result{}

	shaped := make([]model.TrackPoint, 0, len(points))
	idSet := make(map[string]struct{})
	for _, p := range points {
		if detail := checkShape(p); detail != "" {
			res.Rejected = append(res.Rejected, Rejection{
				Point: p, Reason: queue.ReasonInvalidShape, Detail: detail,
			})
			continue
		}
		shaped = append(shaped, p)
		idSet[p.FlightID] = struct{}{}
	}
	if len(shaped) == 0 {
		return res, nil
	}

	ids := make([]string, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	found, err := v.resolver.FlightsExist(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve flights: %w", err)
	}

	for _, p := range shaped {
		uuid, ok := found[p.FlightID]
		if !ok {
			// The flight was deleted or never created. Retrying cannot
			// fix it, so it goes straight to the dead letter queue.
			res.Rejected = append(res.Rejected, Rejection{
				Point: p, Reason: queue.ReasonForeignKeyMissing,
				Detail: "flight " + p.FlightID + " does not exist",
			})
			continue
		}
		p.FlightUUID = uuid
		res.Valid = append(res.Valid, p)
	}
	return res, nil
}

func checkShape(p model.TrackPoint) string {
	if p.FlightID == "" {
		return "empty flight_id"
	}
	if !geo.ValidLatLon(p.Lat, p.Lon) {
		return fmt.Sprintf("coordinates out of range: lat=%v lon=%v", p.Lat, p.Lon)
	}
	if p.Datetime.IsZero() {
		return "missing datetime"
	}
	return ""
}
