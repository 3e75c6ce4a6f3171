package fanout

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openlivetrack/livetrack/internal/auth"
	"github.com/openlivetrack/livetrack/internal/config"
	"github.com/openlivetrack/livetrack/internal/logging"
	"github.com/openlivetrack/livetrack/internal/model"
)

// RaceGetter loads race metadata for hub creation.
type RaceGetter interface {
	GetRace(ctx context.Context, raceID string) (*model.Race, error)
}

// Manager owns one hub per race with at least one viewer.
type Manager struct {
	cfg    config.Fanout
	source PositionSource
	races  RaceGetter
	auth   *auth.Authenticator
	log    *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	hubs map[string]*Hub

	upgrader websocket.Upgrader
}

// hubIdleGrace is how long a hub may sit without viewers before its
// tick loop is stopped. Long enough to ride out page reloads.
const hubIdleGrace = 2 * time.Minute

// hubReapEvery is the idle-hub check cadence.
const hubReapEvery = 30 * time.Second

func NewManager(cfg config.Fanout, source PositionSource, races RaceGetter, a *auth.Authenticator) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		source: source,
		races:  races,
		auth:   a,
		log:    logging.New("livetrack-fanout"),
		ctx:    ctx,
		cancel: cancel,
		hubs:   make(map[string]*Hub),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Auth is the bearer token, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	go m.reapLoop()
	return m
}

// reapLoop stops hubs whose last viewer left a while ago; a finished
// race must not keep querying the store forever.
func (m *Manager) reapLoop() {
	t := time.NewTicker(hubReapEvery)
	defer t.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-t.C:
			m.reapIdleHubs(now)
		}
	}
}

func (m *Manager) reapIdleHubs(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, h := range m.hubs {
		if h.idleFor(now) >= hubIdleGrace {
			h.stop()
			delete(m.hubs, id)
			m.log.Plain().WithRace(id).Info("fanout hub stopped, no viewers")
		}
	}
}

// HandleWS upgrades GET /ws/live/{race_id} connections.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	raceID := r.PathValue("race_id")
	if raceID == "" {
		http.Error(w, `{"error":"missing race id"}`, http.StatusBadRequest)
		return
	}

	token := auth.FromRequest(r)
	if token == "" {
		http.Error(w, `{"error":"missing token"}`, http.StatusUnauthorized)
		return
	}
	claims, err := m.auth.Validate(token)
	if err != nil {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
		return
	}
	if claims.RaceID != raceID {
		http.Error(w, `{"error":"token not valid for this race"}`, http.StatusForbidden)
		return
	}

	hub, err := m.hub(r.Context(), raceID)
	if err != nil {
		http.Error(w, `{"error":"unknown race"}`, http.StatusNotFound)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Plain().WithRace(raceID).WithError(err).Warn("ws upgrade failed")
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	c := newClient(hub, conn, clientID, claims)
	hub.register(c)
	go c.writePump()
	go c.readPump()
}

// hub returns the race's hub, creating and starting it on first use.
func (m *Manager) hub(ctx context.Context, raceID string) (*Hub, error) {
	m.mu.Lock()
	if h, ok := m.hubs[raceID]; ok {
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	race, err := m.races.GetRace(ctx, raceID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hubs[raceID]; ok {
		return h, nil
	}
	h := newHub(race, m.cfg, m.source)
	hubCtx, cancel := context.WithCancel(m.ctx)
	h.stop = cancel
	m.hubs[raceID] = h
	go h.run(hubCtx)
	m.log.Plain().WithRace(raceID).Info("fanout hub started")
	return h, nil
}

// ViewerCounts reports viewers per race for introspection.
func (m *Manager) ViewerCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.hubs))
	for id, h := range m.hubs {
		out[id] = h.viewerCount()
	}
	return out
}

// Shutdown stops all tick loops and sends every viewer a close frame.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.cancel()
	deadline := time.Now().Add(timeout)
	for _, h := range m.snapshotHubs() {
		for _, c := range h.clientList() {
			c.closeWithReason("server shutting down")
		}
	}
	for time.Now().Before(deadline) {
		if m.totalViewers() == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (m *Manager) snapshotHubs() []*Hub {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Hub, 0, len(m.hubs))
	for _, h := range m.hubs {
		out = append(out, h)
	}
	return out
}

func (m *Manager) totalViewers() int {
	n := 0
	for _, c := range m.ViewerCounts() {
		n += c
	}
	return n
}
