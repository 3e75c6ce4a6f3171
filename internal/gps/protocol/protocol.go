// Package protocol decodes the two GPS tracker wire formats the TCP
// front-end accepts: the watch family (TK905B and clones, bracket
// frames) and the classic TK103 (parenthesis frames).
package protocol

import (
	"fmt"
	"strconv"
	"time"
)

// Kind identifies a tracker protocol.
type Kind string

const (
	KindWatch Kind = "tk905b"
	KindTK103 Kind = "tk103"
)

// Message commands after decoding. Location-bearing commands carry one
// or more Points; everything else is connection bookkeeping.
const (
	CmdLocation  = "location"
	CmdBatch     = "batch_location"
	CmdHeartbeat = "heartbeat"
	CmdLogin     = "login"
	CmdAlarm     = "alarm"
	CmdOther     = "other"
)

// Point is one decoded GPS fix.
type Point struct {
	Lat       float64
	Lon       float64
	Elevation *float64
	Speed     *float64
	Heading   *float64
	Battery   *float64
	Timestamp time.Time
	Valid     bool
}

// Message is one decoded tracker frame.
type Message struct {
	Protocol  Kind
	DeviceID  string
	Command   string
	Points    []Point
	AlarmType string
	Raw       string
}

// Handler decodes frames and builds device acknowledgements for one
// protocol.
type Handler interface {
	Name() Kind
	// Parse decodes one complete frame (delimiters included).
	Parse(frame string) (*Message, error)
	// Ack returns the bytes to send back, empty when the protocol
	// expects no response.
	Ack(msg *Message, ok bool) string
}

// Detect picks the handler from the first byte of a connection.
// Watch frames open with '[', TK103 frames with '('.
func Detect(first byte) Handler {
	switch first {
	case '[':
		return Watch{}
	case '(':
		return TK103{}
	default:
		return nil
	}
}

// maxFrameLen bounds the buffered partial frame; batch uploads are the
// largest legitimate frames and stay well under this.
const maxFrameLen = 8192

// ExtractFrames scans an accumulation buffer for complete frames and
// returns them with the unconsumed tail. Devices concatenate frames
// and split them across TCP segments freely, so a read may yield zero,
// one or several frames. Bytes outside any frame count as malformed.
func ExtractFrames(buf []byte) (frames []string, rest []byte, malformed int) {
	i := 0
	for i < len(buf) {
		// Skip noise up to the next frame opener.
		start := i
		for i < len(buf) && buf[i] != '[' && buf[i] != '(' {
			i++
		}
		if i > start {
			malformed++
		}
		if i >= len(buf) {
			return frames, nil, malformed
		}

		closer := byte(']')
		if buf[i] == '(' {
			closer = ')'
		}
		end := i + 1
		for end < len(buf) && buf[end] != closer {
			end++
		}
		if end >= len(buf) {
			// Partial frame; keep it for the next read unless it can
			// no longer be a legal frame.
			if len(buf)-i > maxFrameLen {
				return frames, nil, malformed + 1
			}
			return frames, buf[i:], malformed
		}
		frames = append(frames, string(buf[i:end+1]))
		i = end + 1
	}
	return frames, nil, malformed
}

// parseNMEA converts a DDMM.MMMM (latitude) or DDDMM.MMMM (longitude)
// coordinate to decimal degrees.
func parseNMEA(s string, isLon bool) (float64, error) {
	degDigits := 2
	if isLon && len(s) > 5 {
		degDigits = 3
	}
	if len(s) <= degDigits {
		return 0, fmt.Errorf("nmea coordinate too short: %q", s)
	}
	deg, err := strconv.ParseFloat(s[:degDigits], 64)
	if err != nil {
		return 0, fmt.Errorf("nmea degrees: %q", s)
	}
	min, err := strconv.ParseFloat(s[degDigits:], 64)
	if err != nil {
		return 0, fmt.Errorf("nmea minutes: %q", s)
	}
	return deg + min/60, nil
}

// parseDeviceTime decodes the DDMMYY + HHMMSS pair trackers send.
// Device clocks run UTC.
func parseDeviceTime(date, clock string) (time.Time, error) {
	return time.ParseInLocation("020106150405", date+clock, time.UTC)
}

func optFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}
