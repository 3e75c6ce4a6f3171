package fanout

import "time"

// Server to client frames. Every frame carries a type tag; payloads
// that can grow (deltas, tiles) travel gzip-compressed and base64
// encoded inside the JSON envelope.

type raceConfigMsg struct {
	Type              string   `json:"type"` // race_config
	RaceID            string   `json:"race_id"`
	Name              string   `json:"name"`
	Timezone          string   `json:"timezone"`
	DelaySeconds      int      `json:"delay_seconds"`
	UpdateInterval    int      `json:"update_interval"`
	InterpolationRate int      `json:"interpolation_rate"`
	ProtocolVersion   string   `json:"protocol_version"`
	Features          []string `json:"features"`
}

type viewerCountMsg struct {
	Type      string    `json:"type"` // viewer_count
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

type tileDataMsg struct {
	Type        string    `json:"type"` // tile_data
	Tile        [3]int    `json:"tile"` // z, x, y
	Format      string    `json:"format"`
	Compression string    `json:"compression"`
	Data        string    `json:"data"`
	Timestamp   time.Time `json:"timestamp"`
}

type deltaUpdateMsg struct {
	Type        string    `json:"type"` // delta_update
	RaceID      string    `json:"race_id"`
	Data        string    `json:"data"`
	Timestamp   time.Time `json:"timestamp"`
	Compression string    `json:"compression"`
	UpdateCount int       `json:"update_count"`
}

type heartbeatMsg struct {
	Type      string    `json:"type"` // heartbeat
	Timestamp time.Time `json:"timestamp"`
}

type pongMsg struct {
	Type      string    `json:"type"` // pong
	Timestamp time.Time `json:"timestamp"`
}

type statsMsg struct {
	Type        string    `json:"type"` // stats
	RaceID      string    `json:"race_id"`
	Viewers     int       `json:"viewers"`
	Pilots      int       `json:"pilots"`
	Subscribed  int       `json:"subscribed_tiles"`
	GeneratedAt time.Time `json:"generated_at"`
}

// deltaPayload is the inner JSON of a delta_update before compression.
type deltaPayload struct {
	Type      string        `json:"type"` // delta
	Timestamp time.Time     `json:"timestamp"`
	Updates   []pilotUpdate `json:"updates"`
}

type pilotUpdate struct {
	PilotID   string    `json:"pilot_id"`
	PilotName string    `json:"pilot_name"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Elevation *float64  `json:"elevation,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	XMercator float64   `json:"x_mercator"`
	YMercator float64   `json:"y_mercator"`
}

// Client to server frames.
type clientMsg struct {
	Type  string    `json:"type"`
	Tiles [][3]int  `json:"tiles,omitempty"` // viewport_update
	Zoom  int       `json:"zoom,omitempty"`  // request_initial_data
	BBox  []float64 `json:"bbox,omitempty"`
}
