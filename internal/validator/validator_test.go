package validator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openlivetrack/livetrack/internal/model"
	"github.com/openlivetrack/livetrack/internal/queue"
)

type fakeResolver struct {
	flights map[string]string
	err     error
	calls   int
}

func (f *fakeResolver) FlightsExist(ctx context.Context, flightIDs []string) (map[string]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]string)
	for _, id := range flightIDs {
		if uuid, ok := f.flights[id]; ok {
			out[id] = uuid
		}
	}
	return out, nil
}

func point(flightID string, lat, lon float64) model.TrackPoint {
	return model.TrackPoint{
		FlightID: flightID,
		Lat:      lat,
		Lon:      lon,
		Datetime: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestValidatePartitionsBatch(t *testing.T) {
	resolver := &fakeResolver{flights: map[string]string{
		"flight-a": "uuid-a",
	}}
	v := New(resolver)

	noTime := point("flight-a", 45.9, 11.3)
	noTime.Datetime = time.Time{}

	points := []model.TrackPoint{
		point("flight-a", 45.9, 11.3),      // valid
		point("", 45.9, 11.3),              // empty flight id
		point("flight-a", 95, 11.3),        // latitude out of range
		noTime,                             // missing datetime
		point("flight-gone", 45.91, 11.31), // flight deleted
		point("flight-a", 45.92, 11.32),    // valid
	}

	res, err := v.Validate(context.Background(), points)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if len(res.Valid) != 2 {
		t.Fatalf("Validate() valid = %d, want 2", len(res.Valid))
	}
	for _, p := range res.Valid {
		if p.FlightUUID != "uuid-a" {
			t.Errorf("Validate() valid point FlightUUID = %q, want %q", p.FlightUUID, "uuid-a")
		}
	}

	if len(res.Rejected) != 4 {
		t.Fatalf("Validate() rejected = %d, want 4", len(res.Rejected))
	}
	reasons := map[string]int{}
	for _, r := range res.Rejected {
		reasons[r.Reason]++
	}
	if reasons[queue.ReasonInvalidShape] != 3 {
		t.Errorf("Validate() invalid_shape rejections = %d, want 3", reasons[queue.ReasonInvalidShape])
	}
	if reasons[queue.ReasonForeignKeyMissing] != 1 {
		t.Errorf("Validate() foreign_key_missing rejections = %d, want 1", reasons[queue.ReasonForeignKeyMissing])
	}
}

func TestValidateResolvesOnce(t *testing.T) {
	resolver := &fakeResolver{flights: map[string]string{"f1": "u1", "f2": "u2"}}
	v := New(resolver)

	points := []model.TrackPoint{
		point("f1", 45.9, 11.3),
		point("f1", 45.91, 11.3),
		point("f2", 45.92, 11.3),
		point("f2", 45.93, 11.3),
	}
	res, err := v.Validate(context.Background(), points)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if resolver.calls != 1 {
		t.Errorf("Validate() resolver calls = %d, want 1", resolver.calls)
	}
	if len(res.Valid) != 4 {
		t.Errorf("Validate() valid = %d, want 4", len(res.Valid))
	}
}

func TestValidateResolverErrorIsTransient(t *testing.T) {
	resolver := &fakeResolver{err: errors.New("connection refused")}
	v := New(resolver)

	_, err := v.Validate(context.Background(), []model.TrackPoint{point("f1", 45.9, 11.3)})
	if err == nil {
		t.Fatal("Validate() error = nil, want resolver error")
	}
}

func TestValidateAllShapeRejectionsSkipResolver(t *testing.T) {
	resolver := &fakeResolver{}
	v := New(resolver)

	res, err := v.Validate(context.Background(), []model.TrackPoint{
		point("", 45.9, 11.3),
		point("f1", -91, 11.3),
	})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if resolver.calls != 0 {
		t.Errorf("Validate() resolver calls = %d, want 0", resolver.calls)
	}
	if len(res.Valid) != 0 || len(res.Rejected) != 2 {
		t.Errorf("Validate() = %d valid / %d rejected, want 0/2", len(res.Valid), len(res.Rejected))
	}
}
