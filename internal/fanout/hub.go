// Package fanout pushes live race state to WebSocket viewers. One hub
// per active race runs a fixed-cadence delta tick against the delayed
// read view; clients subscribe to map tiles and receive only the
// pilots they can see.
package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb/maptile"

	"github.com/openlivetrack/livetrack/internal/config"
	"github.com/openlivetrack/livetrack/internal/logging"
	"github.com/openlivetrack/livetrack/internal/metrics"
	"github.com/openlivetrack/livetrack/internal/model"
	"github.com/openlivetrack/livetrack/internal/store"
)

// PositionSource provides the delayed read view of a race.
type PositionSource interface {
	DelayedPositions(ctx context.Context, raceID string, cutoff time.Time) ([]store.PilotPosition, error)
}

// Hub owns all viewers of one race and their shared tick loop.
type Hub struct {
	race   *model.Race
	cfg    config.Fanout
	source PositionSource
	log    *logging.Logger

	// stop cancels the hub's tick loop; set by the manager.
	stop context.CancelFunc

	mu        sync.Mutex
	clients   map[*Client]struct{}
	idleSince time.Time

	ticking atomic.Bool

	posMu     sync.RWMutex
	positions []store.PilotPosition
	lastTick  time.Time
}

func newHub(race *model.Race, cfg config.Fanout, source PositionSource) *Hub {
	return &Hub{
		race:      race,
		cfg:       cfg,
		source:    source,
		log:       logging.New("livetrack-fanout"),
		clients:   make(map[*Client]struct{}),
		idleSince: time.Now(),
	}
}

// run drives the delta, viewer-count and heartbeat tickers until ctx
// is cancelled. Delta ticks for one race are strictly serial: a tick
// that fires while the previous one is still broadcasting is skipped,
// never queued, so clients see a gap rather than a burst.
func (h *Hub) run(ctx context.Context) {
	deltas := time.NewTicker(h.cfg.UpdateInterval)
	viewers := time.NewTicker(h.cfg.ViewerCountEvery)
	heartbeats := time.NewTicker(h.cfg.PingInterval)
	defer deltas.Stop()
	defer viewers.Stop()
	defer heartbeats.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deltas.C:
			if !h.ticking.CompareAndSwap(false, true) {
				metrics.FanoutTicksSkippedTotal.Inc()
				continue
			}
			go func() {
				defer h.ticking.Store(false)
				h.tick(ctx)
			}()
		case <-viewers.C:
			h.broadcastViewerCount()
		case <-heartbeats.C:
			h.broadcast(heartbeatMsg{Type: "heartbeat", Timestamp: time.Now().UTC()})
		}
	}
}

// tick reads the delayed positions once and fans a per-client filtered
// delta out to every viewer.
func (h *Hub) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.FanoutTickSeconds.Observe(time.Since(start).Seconds())
	}()

	tickTS := start.UTC()
	cutoff := tickTS.Add(-h.cfg.BroadcastDelay)
	positions, err := h.source.DelayedPositions(ctx, h.race.ID, cutoff)
	if err != nil {
		h.log.WithContext(ctx).WithRace(h.race.ID).WithError(err).Error("delayed position read failed")
		return
	}

	h.posMu.Lock()
	h.positions = positions
	h.lastTick = tickTS
	h.posMu.Unlock()

	for _, c := range h.clientList() {
		h.pushDelta(c, positions, tickTS)
	}
}

// pushDelta sends one client the pilots visible in its viewport. The
// client always sees itself regardless of tiles.
func (h *Hub) pushDelta(c *Client, positions []store.PilotPosition, tickTS time.Time) {
	tiles := c.snapshotTiles()
	var updates []pilotUpdate
	for _, p := range positions {
		if p.PilotID == c.claims.PilotID || inTiles(p, tiles) {
			updates = append(updates, toUpdate(p))
		}
	}
	if len(updates) == 0 {
		return
	}

	msg, err := encodeDelta(h.race.ID, tickTS, updates)
	if err != nil {
		h.log.Plain().WithRace(h.race.ID).WithClient(c.id).WithError(err).Error("delta encode failed")
		return
	}
	frame, err := marshal(msg)
	if err != nil {
		return
	}
	c.sendDelta(frame)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.idleSince = time.Time{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WSClientsActive.WithLabelValues(h.race.ID).Set(float64(n))

	c.sendJSON(raceConfigMsg{
		Type:              "race_config",
		RaceID:            h.race.ID,
		Name:              h.race.Name,
		Timezone:          h.race.Timezone,
		DelaySeconds:      int(h.cfg.BroadcastDelay.Seconds()),
		UpdateInterval:    int(h.cfg.UpdateInterval.Seconds()),
		InterpolationRate: int(h.cfg.InterpolationRate.Seconds()),
		ProtocolVersion:   "2.0",
		Features:          []string{"tiles", "deltas", "viewer_count"},
	})
	h.log.Plain().WithRace(h.race.ID).WithClient(c.id).Info("viewer connected")
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	if n == 0 {
		h.idleSince = time.Now()
	}
	h.mu.Unlock()
	metrics.WSClientsActive.WithLabelValues(h.race.ID).Set(float64(n))
	h.log.Plain().WithRace(h.race.ID).WithClient(c.id).Info("viewer disconnected")
}

func (h *Hub) clientList() []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// handleViewportUpdate atomically replaces the client's subscription
// set, serves the freshly visible tiles and follows with a catch-up
// delta so the map fills before the next tick.
func (h *Hub) handleViewportUpdate(c *Client, specs [][3]int) {
	tiles := make(map[maptile.Tile]struct{}, len(specs))
	for _, spec := range specs {
		t, err := tileFromSpec(spec)
		if err != nil {
			h.log.Plain().WithRace(h.race.ID).WithClient(c.id).WithError(err).Debug("bad tile spec")
			continue
		}
		tiles[t] = struct{}{}
	}
	c.setTiles(tiles)

	positions, tickTS := h.currentPositions()
	for t := range tiles {
		msg, err := encodeTile(t, positions, tickTS)
		if err != nil {
			h.log.Plain().WithRace(h.race.ID).WithClient(c.id).WithError(err).Error("tile encode failed")
			continue
		}
		c.sendJSON(msg)
	}
	h.pushDelta(c, positions, tickTS)
}

// handleInitialData replays the current delayed view to one client.
func (h *Hub) handleInitialData(c *Client) {
	positions, tickTS := h.currentPositions()
	h.pushDelta(c, positions, tickTS)
}

func (h *Hub) handleStats(c *Client) {
	h.mu.Lock()
	viewers := len(h.clients)
	h.mu.Unlock()
	positions, _ := h.currentPositions()
	c.sendJSON(statsMsg{
		Type:        "stats",
		RaceID:      h.race.ID,
		Viewers:     viewers,
		Pilots:      len(positions),
		Subscribed:  len(c.snapshotTiles()),
		GeneratedAt: time.Now().UTC(),
	})
}

func (h *Hub) currentPositions() ([]store.PilotPosition, time.Time) {
	h.posMu.RLock()
	defer h.posMu.RUnlock()
	if h.lastTick.IsZero() {
		return h.positions, time.Now().UTC()
	}
	return h.positions, h.lastTick
}

func (h *Hub) broadcastViewerCount() {
	h.mu.Lock()
	n := len(h.clients)
	h.mu.Unlock()
	h.broadcast(viewerCountMsg{Type: "viewer_count", Count: n, Timestamp: time.Now().UTC()})
}

func (h *Hub) broadcast(v any) {
	frame, err := marshal(v)
	if err != nil {
		return
	}
	for _, c := range h.clientList() {
		c.sendPriority(frame)
	}
}

// viewerCount is used by admin introspection.
func (h *Hub) viewerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// idleFor reports how long the hub has been without viewers, zero
// while anyone is connected.
func (h *Hub) idleFor(now time.Time) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) > 0 || h.idleSince.IsZero() {
		return 0
	}
	return now.Sub(h.idleSince)
}

func marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
