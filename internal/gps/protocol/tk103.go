package protocol

import (
	"fmt"
	"strings"
)

// TK103 decodes the classic parenthesis-framed tracker protocol.
// Frame: (DEVICEID,COMMAND,field,...). Location frames put the clock
// at field 9, not next to the date.
type TK103 struct{}

var tk103Alarms = map[string]string{
	"BO01": "sos",
	"BO02": "power_cut",
	"BO03": "shock",
	"BO04": "fence_out",
	"BO05": "fence_in",
	"BO06": "overspeed",
	"BO07": "movement",
	"BO08": "low_battery",
}

func (TK103) Name() Kind { return KindTK103 }

func (t TK103) Parse(frame string) (*Message, error) {
	if len(frame) < 2 || frame[0] != '(' || frame[len(frame)-1] != ')' {
		return nil, fmt.Errorf("not a tk103 frame: %.40q", frame)
	}
	parts := strings.Split(frame[1:len(frame)-1], ",")
	if len(parts) < 2 {
		return nil, fmt.Errorf("tk103 frame: %d fields", len(parts))
	}

	msg := &Message{Protocol: KindTK103, DeviceID: parts[0], Raw: frame}
	cmd := parts[1]
	switch {
	case strings.HasPrefix(cmd, "BR"):
		return t.parseLocation(msg, parts)
	case cmd == "BP05":
		msg.Command = CmdLogin
		return msg, nil
	case cmd == "BP00" || cmd == "BP04":
		msg.Command = CmdHeartbeat
		return msg, nil
	case strings.HasPrefix(cmd, "BO"):
		msg.Command = CmdAlarm
		if typ, ok := tk103Alarms[cmd]; ok {
			msg.AlarmType = typ
		} else {
			msg.AlarmType = "unknown_" + cmd
		}
		// Alarms piggyback a location when the device has a fix.
		if len(parts) >= 10 {
			if loc, err := t.parseLocation(&Message{DeviceID: msg.DeviceID}, parts); err == nil {
				msg.Points = loc.Points
			}
		}
		return msg, nil
	default:
		msg.Command = CmdOther
		return msg, nil
	}
}

// parseLocation decodes:
// (ID,BR00,YYMMDD,A,DDMM.MMMM,N,DDDMM.MMMM,E,SPEED,HHMMSS,HEADING[,ALT])
func (TK103) parseLocation(msg *Message, parts []string) (*Message, error) {
	if len(parts) < 10 {
		return nil, fmt.Errorf("tk103 location: %d fields", len(parts))
	}
	// Date is YYMMDD here, unlike the watch protocol's DDMMYY.
	date, clock := parts[2], parts[9]
	if len(date) != 6 {
		return nil, fmt.Errorf("tk103 date: %q", date)
	}
	ts, err := parseDeviceTime(date[4:6]+date[2:4]+date[0:2], clock)
	if err != nil {
		return nil, fmt.Errorf("tk103 timestamp: %w", err)
	}
	lat, err := parseNMEA(parts[4], false)
	if err != nil {
		return nil, err
	}
	if parts[5] == "S" {
		lat = -lat
	}
	lon, err := parseNMEA(parts[6], true)
	if err != nil {
		return nil, err
	}
	if parts[7] == "W" {
		lon = -lon
	}

	p := Point{
		Lat:       lat,
		Lon:       lon,
		Timestamp: ts,
		Valid:     parts[3] == "A" && lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180,
		Speed:     optFloat(parts[8]),
	}
	if len(parts) > 10 {
		p.Heading = optFloat(parts[10])
	}
	if len(parts) > 11 {
		p.Elevation = optFloat(parts[11])
	}

	msg.Protocol = KindTK103
	msg.Command = CmdLocation
	msg.Points = []Point{p}
	return msg, nil
}

// Ack builds the device response. Location frames expect none.
func (TK103) Ack(msg *Message, ok bool) string {
	if msg == nil || msg.DeviceID == "" {
		return ""
	}
	switch msg.Command {
	case CmdLogin:
		return fmt.Sprintf("(%sAP05)", msg.DeviceID)
	case CmdHeartbeat:
		return fmt.Sprintf("(%sBP00HSO)", msg.DeviceID)
	case CmdAlarm:
		return fmt.Sprintf("(%sAS01%s)", msg.DeviceID, msg.AlarmType)
	default:
		return ""
	}
}
