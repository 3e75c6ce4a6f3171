package protocol

import (
	"math"
	"testing"
	"time"
)

func TestWatchParseLocation(t *testing.T) {
	frame := "[3G*8800000001*0079*UD2,010625,143005,A,4554.8035,N,01118.1015,E,35.5,270.0,1450.2,8,80,95,0,0]"

	msg, err := Watch{}.Parse(frame)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if msg.Protocol != KindWatch {
		t.Errorf("Parse() Protocol = %q, want %q", msg.Protocol, KindWatch)
	}
	if msg.DeviceID != "8800000001" {
		t.Errorf("Parse() DeviceID = %q, want 8800000001", msg.DeviceID)
	}
	if msg.Command != CmdLocation {
		t.Errorf("Parse() Command = %q, want %q", msg.Command, CmdLocation)
	}
	if len(msg.Points) != 1 {
		t.Fatalf("Parse() points = %d, want 1", len(msg.Points))
	}

	p := msg.Points[0]
	if !p.Valid {
		t.Error("Parse() point Valid = false, want true")
	}
	if math.Abs(p.Lat-45.913392) > 0.0001 {
		t.Errorf("Parse() Lat = %f, want 45.913392", p.Lat)
	}
	if math.Abs(p.Lon-11.301692) > 0.0001 {
		t.Errorf("Parse() Lon = %f, want 11.301692", p.Lon)
	}
	want := time.Date(2025, 6, 1, 14, 30, 5, 0, time.UTC)
	if !p.Timestamp.Equal(want) {
		t.Errorf("Parse() Timestamp = %v, want %v", p.Timestamp, want)
	}
	if p.Speed == nil || *p.Speed != 35.5 {
		t.Errorf("Parse() Speed = %v, want 35.5", p.Speed)
	}
	if p.Elevation == nil || *p.Elevation != 1450.2 {
		t.Errorf("Parse() Elevation = %v, want 1450.2", p.Elevation)
	}
	if p.Battery == nil || *p.Battery != 95 {
		t.Errorf("Parse() Battery = %v, want 95", p.Battery)
	}
}

func TestWatchParseSouthWest(t *testing.T) {
	frame := "[ZJ*123*0030*UD,010625,143005,A,4554.8035,S,01118.1015,W]"
	msg, err := Watch{}.Parse(frame)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	p := msg.Points[0]
	if p.Lat >= 0 || p.Lon >= 0 {
		t.Errorf("Parse() = (%f, %f), want both negative", p.Lat, p.Lon)
	}
}

func TestWatchParseVoidFix(t *testing.T) {
	frame := "[3G*123*0030*UD2,010625,143005,V,4554.8035,N,01118.1015,E]"
	msg, err := Watch{}.Parse(frame)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if msg.Points[0].Valid {
		t.Error("Parse() Valid = true for a V status fix, want false")
	}
}

func TestWatchParseBatch(t *testing.T) {
	frame := "[3G*123*0100*UD3,3," +
		"010625,100000,A,4554.0000,N,01118.0000,E,10,0,1200;" +
		"010625,100010,A,9999.0000,N,01118.0000,E,10,0,1210;" +
		"010625,100020,A,4554.2000,N,01118.2000,E,10,0,1220]"

	msg, err := Watch{}.Parse(frame)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if msg.Command != CmdBatch {
		t.Errorf("Parse() Command = %q, want %q", msg.Command, CmdBatch)
	}
	// The middle record has an impossible latitude; it still decodes but
	// stays marked invalid rather than sinking the batch.
	if len(msg.Points) != 3 {
		t.Fatalf("Parse() points = %d, want 3", len(msg.Points))
	}
	if !msg.Points[0].Valid || msg.Points[1].Valid || !msg.Points[2].Valid {
		t.Errorf("Parse() validity = [%v %v %v], want [true false true]",
			msg.Points[0].Valid, msg.Points[1].Valid, msg.Points[2].Valid)
	}
}

func TestWatchParseHeartbeatAndAlarm(t *testing.T) {
	tests := []struct {
		name      string
		frame     string
		wantCmd   string
		wantAlarm string
	}{
		{name: "LK heartbeat", frame: "[3G*123*0002*LK]", wantCmd: CmdHeartbeat},
		{name: "HEART heartbeat", frame: "[SG*123*0005*HEART]", wantCmd: CmdHeartbeat},
		{name: "sos alarm", frame: "[3G*123*0005*AL,01]", wantCmd: CmdAlarm, wantAlarm: "sos"},
		{name: "low battery alarm", frame: "[3G*123*0005*AL,02]", wantCmd: CmdAlarm, wantAlarm: "low_battery"},
		{name: "unknown alarm code", frame: "[3G*123*0005*AL,99]", wantCmd: CmdAlarm, wantAlarm: "unknown_99"},
		{name: "unknown command", frame: "[3G*123*0008*TKQ]", wantCmd: CmdOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Watch{}.Parse(tt.frame)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if msg.Command != tt.wantCmd {
				t.Errorf("Parse() Command = %q, want %q", msg.Command, tt.wantCmd)
			}
			if msg.AlarmType != tt.wantAlarm {
				t.Errorf("Parse() AlarmType = %q, want %q", msg.AlarmType, tt.wantAlarm)
			}
		})
	}
}

func TestWatchParseRejectsGarbage(t *testing.T) {
	for _, frame := range []string{
		"",
		"[3G*123*XXXX*LK]",
		"[3G**0002*LK]",
		"(123,BP00)",
		"[3G*123*0002*]",
	} {
		if _, err := (Watch{}).Parse(frame); err == nil {
			t.Errorf("Parse(%q) error = nil, want error", frame)
		}
	}
}

func TestWatchAck(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
		ok   bool
		want string
	}{
		{
			name: "heartbeat",
			msg:  &Message{DeviceID: "123", Command: CmdHeartbeat},
			ok:   true,
			want: "[123*0002*OK]",
		},
		{
			name: "location accepted",
			msg:  &Message{DeviceID: "8800000001", Command: CmdLocation},
			ok:   true,
			want: "[8800000001*0002*OK]",
		},
		{
			name: "location rejected",
			msg:  &Message{DeviceID: "123", Command: CmdBatch},
			ok:   false,
			want: "[123*0004*FAIL]",
		},
		{
			name: "alarm",
			msg:  &Message{DeviceID: "123", Command: CmdAlarm},
			ok:   true,
			want: "[123*0002*AL]",
		},
		{
			name: "rejected login",
			msg:  &Message{DeviceID: "123", Command: CmdOther},
			ok:   false,
			want: "[123*0005*ERROR]",
		},
		{
			name: "no device id no ack",
			msg:  &Message{Command: CmdHeartbeat},
			ok:   true,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (Watch{}).Ack(tt.msg, tt.ok); got != tt.want {
				t.Errorf("Ack() = %q, want %q", got, tt.want)
			}
		})
	}
}
