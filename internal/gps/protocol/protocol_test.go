package protocol

import (
	"math"
	"strings"
	"testing"
	"time"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name  string
		first byte
		want  Kind
	}{
		{name: "bracket is the watch family", first: '[', want: KindWatch},
		{name: "parenthesis is tk103", first: '(', want: KindTK103},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Detect(tt.first)
			if h == nil {
				t.Fatalf("Detect(%q) = nil", tt.first)
			}
			if h.Name() != tt.want {
				t.Errorf("Detect(%q).Name() = %q, want %q", tt.first, h.Name(), tt.want)
			}
		})
	}

	if h := Detect('G'); h != nil {
		t.Errorf("Detect('G') = %v, want nil", h.Name())
	}
}

func TestExtractFrames(t *testing.T) {
	tests := []struct {
		name          string
		buf           string
		wantFrames    []string
		wantRest      string
		wantMalformed int
	}{
		{
			name:       "single complete frame",
			buf:        "[3G*123*0002*LK]",
			wantFrames: []string{"[3G*123*0002*LK]"},
		},
		{
			name:       "two concatenated frames",
			buf:        "[3G*123*0002*LK](456,BP00)",
			wantFrames: []string{"[3G*123*0002*LK]", "(456,BP00)"},
		},
		{
			name:     "partial frame is kept",
			buf:      "[3G*123*0045*UD2,0106",
			wantRest: "[3G*123*0045*UD2,0106",
		},
		{
			name:       "frame followed by partial",
			buf:        "(456,BP00)[3G*123*00",
			wantFrames: []string{"(456,BP00)"},
			wantRest:   "[3G*123*00",
		},
		{
			name:          "leading noise is counted and skipped",
			buf:           "garbage[3G*123*0002*LK]",
			wantFrames:    []string{"[3G*123*0002*LK]"},
			wantMalformed: 1,
		},
		{
			name:          "noise between frames",
			buf:           "(1,BP00)\r\n(2,BP00)",
			wantFrames:    []string{"(1,BP00)", "(2,BP00)"},
			wantMalformed: 1,
		},
		{
			name:          "pure noise",
			buf:           "hello tracker",
			wantMalformed: 1,
		},
		{
			name:          "oversized partial is dropped",
			buf:           "[" + strings.Repeat("x", maxFrameLen+10),
			wantMalformed: 1,
		},
		{
			name: "empty buffer",
			buf:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames, rest, malformed := ExtractFrames([]byte(tt.buf))
			if len(frames) != len(tt.wantFrames) {
				t.Fatalf("ExtractFrames() frames = %v, want %v", frames, tt.wantFrames)
			}
			for i := range frames {
				if frames[i] != tt.wantFrames[i] {
					t.Errorf("ExtractFrames() frame[%d] = %q, want %q", i, frames[i], tt.wantFrames[i])
				}
			}
			if string(rest) != tt.wantRest {
				t.Errorf("ExtractFrames() rest = %q, want %q", rest, tt.wantRest)
			}
			if malformed != tt.wantMalformed {
				t.Errorf("ExtractFrames() malformed = %d, want %d", malformed, tt.wantMalformed)
			}
		})
	}
}

func TestParseNMEA(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		isLon   bool
		want    float64
		wantErr bool
	}{
		{name: "latitude", in: "4554.8035", isLon: false, want: 45.913392},
		{name: "longitude", in: "01118.1015", isLon: true, want: 11.301692},
		{name: "single-digit longitude keeps its leading zeros", in: "00930.6000", isLon: true, want: 9.51},
		{name: "equator", in: "0000.0000", isLon: false, want: 0},
		{name: "too short", in: "45", isLon: false, wantErr: true},
		{name: "not a number", in: "45XX.00", isLon: false, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseNMEA(tt.in, tt.isLon)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseNMEA(%q) error = nil, want error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseNMEA(%q) error = %v", tt.in, err)
			}
			if math.Abs(got-tt.want) > 0.0001 {
				t.Errorf("parseNMEA(%q) = %f, want %f", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseDeviceTime(t *testing.T) {
	got, err := parseDeviceTime("010625", "143005")
	if err != nil {
		t.Fatalf("parseDeviceTime() error = %v", err)
	}
	want := time.Date(2025, 6, 1, 14, 30, 5, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("parseDeviceTime() = %v, want %v", got, want)
	}

	if _, err := parseDeviceTime("320125", "000000"); err == nil {
		t.Error("parseDeviceTime() with day 32 error = nil, want error")
	}
}
