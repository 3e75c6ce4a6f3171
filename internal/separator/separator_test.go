package separator

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/openlivetrack/livetrack/internal/config"
	"github.com/openlivetrack/livetrack/internal/model"
	"github.com/openlivetrack/livetrack/internal/store"
)

type fakeFlightStore struct {
	open    *model.Flight
	created []*model.Flight
	updates []*model.FlightState
	nextID  int
}

func (f *fakeFlightStore) GetOpenTrackerFlight(ctx context.Context, raceID, deviceID, source string) (*model.Flight, error) {
	if f.open == nil {
		return nil, store.ErrNotFound
	}
	return f.open, nil
}

func (f *fakeFlightStore) CreateFlight(ctx context.Context, fl *model.Flight) (*model.Flight, error) {
	f.nextID++
	created := *fl
	created.UUID = "uuid-" + string(rune('a'+f.nextID-1))
	created.CreatedAt = time.Now().UTC()
	f.created = append(f.created, &created)
	return &created, nil
}

func (f *fakeFlightStore) UpdateFlightState(ctx context.Context, flightUUID string, state *model.FlightState) error {
	cp := *state
	f.updates = append(f.updates, &cp)
	return nil
}

func testConfig() config.Separation {
	return config.Separation{
		InactivityGap:      3 * time.Hour,
		LandingWindow:      10 * time.Minute,
		LandingMaxSpeedKmh: 5,
		LandingMaxAltDelta: 10,
		CacheTTL:           time.Hour,
	}
}

func testRace(tz string) *model.Race {
	return &model.Race{ID: "race-1", Name: "Trofeo Montegrappa", Timezone: tz}
}

func fix(t time.Time, lat, lon float64, elev *float64) *model.Fix {
	return &model.Fix{Lat: lat, Lon: lon, Elevation: elev, Datetime: t}
}

func pt(t time.Time, lat, lon float64) model.TrackPoint {
	return model.TrackPoint{FlightID: "ignored", Lat: lat, Lon: lon, Datetime: t}
}

func f64(v float64) *float64 { return &v }

func TestDecide(t *testing.T) {
	utc := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	rome, err := time.LoadLocation("Europe/Rome")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		current    *model.Flight
		point      model.TrackPoint
		loc        *time.Location
		wantSuffix string
		wantReason string
	}{
		{
			name:       "no open flight opens a day flight",
			current:    nil,
			point:      pt(utc, 45.9, 11.3),
			loc:        time.UTC,
			wantSuffix: "20250601",
			wantReason: ReasonFirstPoint,
		},
		{
			name: "in-order same-day point attaches",
			current: &model.Flight{
				LastFix: fix(utc.Add(-time.Minute), 45.9, 11.3, nil),
			},
			point:      pt(utc, 45.91, 11.31),
			loc:        time.UTC,
			wantSuffix: "",
			wantReason: "",
		},
		{
			name: "out-of-order point attaches even across a day boundary",
			current: &model.Flight{
				LastFix: fix(utc, 45.9, 11.3, nil),
			},
			point:      pt(utc.Add(-26*time.Hour), 45.9, 11.3),
			loc:        time.UTC,
			wantSuffix: "",
			wantReason: "",
		},
		{
			name: "local day change opens a new day flight",
			// 20:00 UTC is 22:00 in Rome during DST; 22:30 UTC is 00:30
			// the next local day. The day rolls over locally while the
			// UTC date has not changed yet.
			current: &model.Flight{
				LastFix: fix(time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC), 45.9, 11.3, nil),
			},
			point:      pt(time.Date(2025, 6, 1, 22, 30, 0, 0, time.UTC), 45.9, 11.3),
			loc:        rome,
			wantSuffix: "20250602",
			wantReason: ReasonNewDay,
		},
		{
			name: "utc day change that is the same local day attaches",
			// 23:59 UTC and 00:01 UTC next day are 01:59 and 02:01 in
			// Rome: the UTC date changed but the local day did not.
			current: &model.Flight{
				LastFix: fix(time.Date(2025, 6, 1, 23, 59, 0, 0, time.UTC), 45.9, 11.3, nil),
			},
			point:      pt(time.Date(2025, 6, 2, 0, 1, 0, 0, time.UTC), 45.9, 11.3),
			loc:        rome,
			wantSuffix: "",
			wantReason: "",
		},
		{
			name: "gap at exactly the threshold opens an inactivity flight",
			current: &model.Flight{
				LastFix: fix(utc, 45.9, 11.3, nil),
			},
			point:      pt(utc.Add(3*time.Hour), 45.9, 11.3),
			loc:        time.UTC,
			wantSuffix: "1300",
			wantReason: ReasonInactivity,
		},
		{
			name: "gap just under the threshold attaches",
			current: &model.Flight{
				LastFix: fix(utc, 45.9, 11.3, nil),
			},
			point:      pt(utc.Add(3*time.Hour-time.Second), 45.9, 11.3),
			loc:        time.UTC,
			wantSuffix: "",
			wantReason: "",
		},
		{
			name: "airborne after landing opens a relaunch flight",
			current: &model.Flight{
				LastFix: fix(utc, 45.9, 11.3, nil),
				FlightState: &model.FlightState{
					State:    "landed",
					LandedAt: timePtr(time.Date(2025, 6, 1, 9, 45, 0, 0, time.UTC)),
				},
			},
			// ~1.1 km in one minute is about 67 km/h.
			point:      pt(utc.Add(time.Minute), 45.91, 11.3),
			loc:        time.UTC,
			wantSuffix: "L0945",
			wantReason: ReasonLanding,
		},
		{
			name: "slow movement after landing stays attached",
			current: &model.Flight{
				LastFix: fix(utc, 45.9, 11.3, nil),
				FlightState: &model.FlightState{
					State:    "landed",
					LandedAt: timePtr(time.Date(2025, 6, 1, 9, 45, 0, 0, time.UTC)),
				},
			},
			point:      pt(utc.Add(time.Minute), 45.90001, 11.3),
			loc:        time.UTC,
			wantSuffix: "",
			wantReason: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(&fakeFlightStore{}, testConfig())
			suffix, reason := s.decide(tt.current, tt.point, tt.loc)
			if suffix != tt.wantSuffix || reason != tt.wantReason {
				t.Errorf("decide() = (%q, %q), want (%q, %q)", suffix, reason, tt.wantSuffix, tt.wantReason)
			}
		})
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func TestDecideAltitudeJumpAfterLanding(t *testing.T) {
	utc := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	s := New(&fakeFlightStore{}, testConfig())

	current := &model.Flight{
		LastFix: fix(utc, 45.9, 11.3, f64(300)),
		FlightState: &model.FlightState{
			State:    "landed",
			LandedAt: timePtr(utc.Add(-20 * time.Minute)),
		},
	}
	// Same position, 50 m higher: a winch or thermal relaunch with a
	// tracker that undersamples horizontal movement.
	p := pt(utc.Add(time.Minute), 45.9, 11.3)
	p.Elevation = f64(350)

	suffix, reason := s.decide(current, p, time.UTC)
	if reason != ReasonLanding {
		t.Fatalf("decide() reason = %q, want %q", reason, ReasonLanding)
	}
	if !strings.HasPrefix(suffix, "L") {
		t.Errorf("decide() suffix = %q, want L prefix", suffix)
	}
}

func TestAssignFlightFirstPoint(t *testing.T) {
	fs := &fakeFlightStore{}
	s := New(fs, testConfig())
	race := testRace("")

	p := pt(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), 45.9, 11.3)
	flight, err := s.AssignFlight(context.Background(), race, model.SourceTK905BLive, "pilot-1", "Ada", "dev-1", p)
	if err != nil {
		t.Fatalf("AssignFlight() error = %v", err)
	}

	want := "tk905b_live-pilot-1-race-1-dev-1-20250601"
	if flight.FlightID != want {
		t.Errorf("AssignFlight() FlightID = %q, want %q", flight.FlightID, want)
	}
	if len(fs.created) != 1 {
		t.Fatalf("AssignFlight() created %d flights, want 1", len(fs.created))
	}
	if flight.LastFix == nil || flight.LastFix.Lat != 45.9 {
		t.Errorf("AssignFlight() LastFix = %+v, want lat 45.9", flight.LastFix)
	}
}

func TestAssignFlightAttachUsesCache(t *testing.T) {
	fs := &fakeFlightStore{}
	s := New(fs, testConfig())
	race := testRace("")

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	if _, err := s.AssignFlight(context.Background(), race, model.SourceTK905BLive, "p", "P", "d", pt(base, 45.9, 11.3)); err != nil {
		t.Fatal(err)
	}
	flight, err := s.AssignFlight(context.Background(), race, model.SourceTK905BLive, "p", "P", "d", pt(base.Add(time.Minute), 45.91, 11.31))
	if err != nil {
		t.Fatal(err)
	}

	if len(fs.created) != 1 {
		t.Fatalf("AssignFlight() created %d flights, want 1", len(fs.created))
	}
	if flight.LastFix.Lat != 45.91 {
		t.Errorf("AssignFlight() LastFix.Lat = %v, want 45.91", flight.LastFix.Lat)
	}
}

func TestAssignFlightOutOfOrderKeepsLastFix(t *testing.T) {
	fs := &fakeFlightStore{}
	s := New(fs, testConfig())
	race := testRace("")

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	if _, err := s.AssignFlight(context.Background(), race, model.SourceTK905BLive, "p", "P", "d", pt(base, 45.9, 11.3)); err != nil {
		t.Fatal(err)
	}
	flight, err := s.AssignFlight(context.Background(), race, model.SourceTK905BLive, "p", "P", "d", pt(base.Add(-time.Hour), 44.0, 10.0))
	if err != nil {
		t.Fatal(err)
	}

	if len(fs.created) != 1 {
		t.Fatalf("AssignFlight() created %d flights, want 1", len(fs.created))
	}
	if flight.LastFix.Lat != 45.9 {
		t.Errorf("AssignFlight() LastFix.Lat = %v after out-of-order point, want 45.9", flight.LastFix.Lat)
	}
}

func TestLandingDetection(t *testing.T) {
	fs := &fakeFlightStore{}
	s := New(fs, testConfig())
	race := testRace("")

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	send := func(t2 time.Time, lat, lon, elev float64) *model.Flight {
		t.Helper()
		p := pt(t2, lat, lon)
		p.Elevation = f64(elev)
		f, err := s.AssignFlight(context.Background(), race, model.SourceTK905BLive, "p", "P", "d", p)
		if err != nil {
			t.Fatal(err)
		}
		return f
	}

	// Open the flight, then sit still at 120 m for 11 minutes.
	send(base, 45.9000, 11.3000, 120)
	for i := 1; i <= 11; i++ {
		f := send(base.Add(time.Duration(i)*time.Minute), 45.9000, 11.3000, 120)
		landed := f.FlightState != nil && f.FlightState.State == "landed"
		if i < 10 && landed {
			t.Fatalf("flight landed after %d minutes, want at least 10", i)
		}
		if i == 11 && !landed {
			t.Fatal("flight not landed after 11 stationary minutes")
		}
	}

	final := fs.created[0]
	if final.FlightState.LandedAt == nil {
		t.Fatal("FlightState.LandedAt = nil after landing")
	}
	// LandedAt backdates to the start of the ground window, not the
	// moment the window filled.
	if got := *final.FlightState.LandedAt; !got.Equal(base.Add(time.Minute)) {
		t.Errorf("FlightState.LandedAt = %v, want %v", got, base.Add(time.Minute))
	}
}

func TestLandingWindowResetsOnMovement(t *testing.T) {
	fs := &fakeFlightStore{}
	s := New(fs, testConfig())
	race := testRace("")

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	send := func(t2 time.Time, lat float64) *model.Flight {
		t.Helper()
		f, err := s.AssignFlight(context.Background(), race, model.SourceTK905BLive, "p", "P", "d", pt(t2, lat, 11.3))
		if err != nil {
			t.Fatal(err)
		}
		return f
	}

	send(base, 45.9)
	// Five stationary minutes, then a fast glide, then stationary again.
	for i := 1; i <= 5; i++ {
		send(base.Add(time.Duration(i)*time.Minute), 45.9)
	}
	send(base.Add(6*time.Minute), 45.92) // ~2.2 km in a minute
	for i := 7; i <= 14; i++ {
		f := send(base.Add(time.Duration(i)*time.Minute), 45.92)
		if f.FlightState.State == "landed" {
			t.Fatalf("flight landed %d minutes after reset, want the window to restart", i-6)
		}
	}
}

func TestRaceLocationFallsBackToUTC(t *testing.T) {
	s := New(&fakeFlightStore{}, testConfig())
	if loc := s.raceLocation(testRace("Mars/Olympus_Mons")); loc != time.UTC {
		t.Errorf("raceLocation() = %v, want UTC", loc)
	}
	if loc := s.raceLocation(testRace("")); loc != time.UTC {
		t.Errorf("raceLocation() with empty tz = %v, want UTC", loc)
	}
}

func TestRaceLocationLogsMissingTimezone(t *testing.T) {
	s := New(&fakeFlightStore{}, testConfig())

	capture := func(race *model.Race) string {
		t.Helper()
		old := os.Stdout
		r, w, err := os.Pipe()
		if err != nil {
			t.Fatal(err)
		}
		os.Stdout = w
		s.raceLocation(race)
		w.Close()
		os.Stdout = old
		out, err := io.ReadAll(r)
		if err != nil {
			t.Fatal(err)
		}
		return string(out)
	}

	tests := []struct {
		name string
		tz   string
	}{
		{name: "empty timezone", tz: ""},
		{name: "unknown timezone", tz: "Mars/Olympus_Mons"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := capture(testRace(tt.tz))
			if !strings.Contains(out, `"open_question":"missing_timezone"`) {
				t.Errorf("raceLocation(%q) logged %q, want open_question=missing_timezone", tt.tz, out)
			}
		})
	}
}
