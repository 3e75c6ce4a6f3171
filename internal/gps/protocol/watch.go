package protocol

import (
	"fmt"
	"regexp"
	"strings"
)

// Watch decodes the bracket-framed watch protocol used by the TK905B
// and its clones. Frame: [3G*DEVICEID*LLLL*CMD,field,field,...] where
// LLLL is the payload length in hex. Vendors also ship ZJ and SG
// prefixes with identical payloads.
type Watch struct{}

var watchFrame = regexp.MustCompile(`^\[(3G|ZJ|SG)\*([0-9]+)\*([0-9A-Fa-f]{4})\*(.+)\]$`)

var watchAlarms = map[string]string{
	"01": "sos",
	"02": "low_battery",
	"03": "offline",
	"04": "shock",
	"05": "fence_in",
	"06": "fence_out",
}

func (Watch) Name() Kind { return KindWatch }

func (w Watch) Parse(frame string) (*Message, error) {
	m := watchFrame.FindStringSubmatch(frame)
	if m == nil {
		return nil, fmt.Errorf("not a watch frame: %.40q", frame)
	}
	deviceID, payload := m[2], m[4]

	parts := strings.Split(payload, ",")
	msg := &Message{Protocol: KindWatch, DeviceID: deviceID, Raw: frame}

	switch cmd := parts[0]; cmd {
	case "UD", "UD2":
		return w.parseLocation(msg, parts)
	case "UD3":
		return w.parseBatch(msg, parts)
	case "LK", "HEART":
		msg.Command = CmdHeartbeat
		return msg, nil
	case "AL":
		msg.Command = CmdAlarm
		if len(parts) > 1 {
			if t, ok := watchAlarms[parts[1]]; ok {
				msg.AlarmType = t
			} else {
				msg.AlarmType = "unknown_" + parts[1]
			}
		}
		return msg, nil
	default:
		msg.Command = CmdOther
		return msg, nil
	}
}

// parseLocation decodes a single fix:
// UD2,DDMMYY,HHMMSS,A,LAT,N,LON,E[,SPEED,HEADING,ALT,SATS,GSM,BATTERY,...]
func (w Watch) parseLocation(msg *Message, parts []string) (*Message, error) {
	if len(parts) < 8 {
		return nil, fmt.Errorf("watch location: %d fields", len(parts))
	}
	p, err := watchPoint(parts[1:])
	if err != nil {
		return nil, err
	}
	msg.Command = CmdLocation
	msg.Points = []Point{*p}
	return msg, nil
}

// parseBatch decodes a store-and-forward upload:
// UD3,COUNT,REC;REC;... with each record shaped like a UD2 field list.
// Bad records are skipped so one corrupt fix does not sink the batch.
func (w Watch) parseBatch(msg *Message, parts []string) (*Message, error) {
	if len(parts) < 3 {
		return nil, fmt.Errorf("watch batch: %d fields", len(parts))
	}
	records := strings.Split(strings.Join(parts[2:], ","), ";")
	for _, rec := range records {
		fields := strings.Split(rec, ",")
		if len(fields) < 7 {
			continue
		}
		p, err := watchPoint(fields)
		if err != nil {
			continue
		}
		msg.Points = append(msg.Points, *p)
	}
	msg.Command = CmdBatch
	return msg, nil
}

// watchPoint decodes the common field layout shared by UD2 frames and
// UD3 records: DATE,TIME,STATUS,LAT,NS,LON,EW[,SPEED,HEADING,ALT,SATS,GSM,BATTERY].
func watchPoint(f []string) (*Point, error) {
	ts, err := parseDeviceTime(f[0], f[1])
	if err != nil {
		return nil, fmt.Errorf("watch timestamp: %w", err)
	}
	lat, err := parseNMEA(f[3], false)
	if err != nil {
		return nil, err
	}
	if f[4] == "S" {
		lat = -lat
	}
	lon, err := parseNMEA(f[5], true)
	if err != nil {
		return nil, err
	}
	if f[6] == "W" {
		lon = -lon
	}

	p := &Point{
		Lat:       lat,
		Lon:       lon,
		Timestamp: ts,
		Valid:     f[2] == "A" && lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180,
	}
	if len(f) > 7 {
		p.Speed = optFloat(f[7])
	}
	if len(f) > 8 {
		p.Heading = optFloat(f[8])
	}
	if len(f) > 9 {
		p.Elevation = optFloat(f[9])
	}
	if len(f) > 12 {
		p.Battery = optFloat(f[12])
	}
	return p, nil
}

// Ack builds the device acknowledgement: [DEVICEID*LLLL*DATA].
func (Watch) Ack(msg *Message, ok bool) string {
	if msg == nil || msg.DeviceID == "" {
		return ""
	}
	var data string
	switch msg.Command {
	case CmdHeartbeat:
		data = "OK"
	case CmdLocation, CmdBatch:
		if ok {
			data = "OK"
		} else {
			data = "FAIL"
		}
	case CmdAlarm:
		data = "AL"
	default:
		if ok {
			data = "OK"
		} else {
			data = "ERROR"
		}
	}
	return fmt.Sprintf("[%s*%04X*%s]", msg.DeviceID, len(data), data)
}
