package logging

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestFluentSetters(t *testing.T) {
	entry := New("test-service").Plain().
		WithRace("race-1").
		WithFlight("flight-9").
		WithDevice("dev-5").
		WithClient("client-2").
		WithQueue("live_points").
		WithField("count", 42).
		WithError(errors.New("boom"))

	if entry.Service != "test-service" {
		t.Errorf("Service = %q, want test-service", entry.Service)
	}
	if entry.RaceID != "race-1" || entry.FlightID != "flight-9" || entry.DeviceID != "dev-5" {
		t.Errorf("ids = (%q, %q, %q), want (race-1, flight-9, dev-5)",
			entry.RaceID, entry.FlightID, entry.DeviceID)
	}
	if entry.ClientID != "client-2" || entry.Queue != "live_points" {
		t.Errorf("client/queue = (%q, %q), want (client-2, live_points)", entry.ClientID, entry.Queue)
	}
	if entry.Fields["count"] != 42 {
		t.Errorf("Fields[count] = %v, want 42", entry.Fields["count"])
	}
	if entry.Fields["error"] != "boom" {
		t.Errorf("Fields[error] = %v, want boom", entry.Fields["error"])
	}
}

func TestWithErrorNilIsNoop(t *testing.T) {
	entry := New("svc").Plain().WithError(nil)
	if _, ok := entry.Fields["error"]; ok {
		t.Error("WithError(nil) set an error field")
	}
}

func TestLogEntryJSONShape(t *testing.T) {
	entry := New("svc").Plain().WithRace("race-1").WithField("n", 1)
	entry.Level = LevelInfo
	entry.Message = "hello"

	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"time", "level", "msg", "service", "race_id", "fields"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("marshalled entry missing %q: %s", key, data)
		}
	}
	// Empty optional ids stay out of the payload.
	if _, ok := decoded["flight_id"]; ok {
		t.Error("marshalled entry contains empty flight_id")
	}
}
