package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/openlivetrack/livetrack/internal/model"
)

func TestBatchMembersAlignment(t *testing.T) {
	items := []Item{
		NewItem(LivePoints, "flight-a", make([]model.TrackPoint, 2)),
		NewItem(LivePoints, "flight-b", make([]model.TrackPoint, 5)),
		NewItem(LivePoints, "flight-c", make([]model.TrackPoint, 1)),
	}
	items[1].Timestamp = items[0].Timestamp.Add(time.Second)
	items[2].Timestamp = items[0].Timestamp.Add(2 * time.Second)

	members, counts := batchMembers(LivePoints, items)
	if len(members) != len(items) || len(counts) != len(items) {
		t.Fatalf("batchMembers() = %d members, %d counts, want %d of each",
			len(members), len(counts), len(items))
	}

	// counts[i] must describe the item serialized in members[i].
	for i, item := range items {
		if counts[i] != item.Count {
			t.Errorf("counts[%d] = %d, want %d", i, counts[i], item.Count)
		}
		var decoded Item
		if err := json.Unmarshal(members[i].Member.([]byte), &decoded); err != nil {
			t.Fatalf("members[%d] does not decode: %v", i, err)
		}
		if decoded.FlightID != item.FlightID {
			t.Errorf("members[%d] FlightID = %q, want %q", i, decoded.FlightID, item.FlightID)
		}
		if want := score(Priority(LivePoints), item.Timestamp); members[i].Score != want {
			t.Errorf("members[%d] score = %f, want %f", i, members[i].Score, want)
		}
	}
}
