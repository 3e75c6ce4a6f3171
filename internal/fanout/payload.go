package fanout

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"

	"github.com/openlivetrack/livetrack/internal/geo"
	"github.com/openlivetrack/livetrack/internal/store"
)

// encodeDelta compresses the inner delta JSON and wraps it in the
// delta_update envelope. All positions in one tick share the tick
// boundary timestamp.
func encodeDelta(raceID string, tick time.Time, updates []pilotUpdate) (*deltaUpdateMsg, error) {
	inner, err := json.Marshal(deltaPayload{
		Type:      "delta",
		Timestamp: tick,
		Updates:   updates,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal delta: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(inner); err != nil {
		return nil, fmt.Errorf("gzip delta: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip delta: %w", err)
	}

	return &deltaUpdateMsg{
		Type:        "delta_update",
		RaceID:      raceID,
		Data:        base64.StdEncoding.EncodeToString(buf.Bytes()),
		Timestamp:   tick,
		Compression: "gzip",
		UpdateCount: len(updates),
	}, nil
}

// toUpdate projects one stored position into the wire shape, with the
// Web-Mercator coordinates pre-computed server-side.
func toUpdate(p store.PilotPosition) pilotUpdate {
	x, y := geo.Mercator(p.Lat, p.Lon)
	return pilotUpdate{
		PilotID:   p.PilotID,
		PilotName: p.PilotName,
		Lat:       p.Lat,
		Lon:       p.Lon,
		Elevation: p.Elevation,
		Timestamp: p.Datetime,
		XMercator: x,
		YMercator: y,
	}
}

// encodeTile renders the pilots inside one tile as a gzipped MVT.
func encodeTile(tile maptile.Tile, positions []store.PilotPosition, at time.Time) (*tileDataMsg, error) {
	fc := geojson.NewFeatureCollection()
	for _, p := range positions {
		if maptile.At(orb.Point{p.Lon, p.Lat}, tile.Z) != tile {
			continue
		}
		f := geojson.NewFeature(orb.Point{p.Lon, p.Lat})
		f.Properties = geojson.Properties{
			"pilot_id":   p.PilotID,
			"pilot_name": p.PilotName,
			"timestamp":  p.Datetime.Format(time.RFC3339),
		}
		if p.Elevation != nil {
			f.Properties["elevation"] = *p.Elevation
		}
		fc.Append(f)
	}

	layers := mvt.NewLayers(map[string]*geojson.FeatureCollection{"pilots": fc})
	layers.ProjectToTile(tile)
	data, err := mvt.MarshalGzipped(layers)
	if err != nil {
		return nil, fmt.Errorf("marshal tile %v: %w", tile, err)
	}

	return &tileDataMsg{
		Type:        "tile_data",
		Tile:        [3]int{int(tile.Z), int(tile.X), int(tile.Y)},
		Format:      "mvt",
		Compression: "gzip",
		Data:        base64.StdEncoding.EncodeToString(data),
		Timestamp:   at,
	}, nil
}

// tileFromSpec converts a [z,x,y] triple from a viewport_update.
func tileFromSpec(t [3]int) (maptile.Tile, error) {
	if t[0] < 0 || t[0] > 22 || t[1] < 0 || t[2] < 0 {
		return maptile.Tile{}, fmt.Errorf("bad tile %v", t)
	}
	z := maptile.Zoom(t[0])
	max := 1 << uint(z)
	if t[1] >= max || t[2] >= max {
		return maptile.Tile{}, fmt.Errorf("tile %v outside zoom %d", t, t[0])
	}
	return maptile.New(uint32(t[1]), uint32(t[2]), z), nil
}

// inTiles reports whether a position falls in any of the given tiles.
func inTiles(p store.PilotPosition, tiles map[maptile.Tile]struct{}) bool {
	for t := range tiles {
		if maptile.At(orb.Point{p.Lon, p.Lat}, t.Z) == t {
			return true
		}
	}
	return false
}
