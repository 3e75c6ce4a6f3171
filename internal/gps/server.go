// Package gps is the TCP front-end for cellular GPS trackers. Each
// connection speaks one of the two supported protocols, detected from
// the first byte. Valid positions are paired with a flight by the
// separator and enqueued as priority-1 live points.
package gps

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/openlivetrack/livetrack/internal/config"
	"github.com/openlivetrack/livetrack/internal/gps/protocol"
	"github.com/openlivetrack/livetrack/internal/logging"
	"github.com/openlivetrack/livetrack/internal/metrics"
	"github.com/openlivetrack/livetrack/internal/model"
	"github.com/openlivetrack/livetrack/internal/queue"
	"github.com/openlivetrack/livetrack/internal/store"
	"github.com/openlivetrack/livetrack/internal/tracing"
)

// Connection states.
const (
	stateAwaitingLogin = "awaiting_login"
	stateActive        = "active"
	stateIdle          = "idle"
	stateClosing       = "closing"
)

// assignmentTTL bounds how long a cached device assignment is trusted.
const assignmentTTL = 5 * time.Minute

// preDetectMalformedLimit closes connections that never produce a
// recognizable frame. Established connections get the more generous
// configured limit since flaky cellular links corrupt frames routinely.
const preDetectMalformedLimit = 3

// Enqueuer is the slice of the queue the server needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, item queue.Item) error
}

// DeviceResolver maps tracker hardware ids to pilots.
type DeviceResolver interface {
	GetDeviceAssignment(ctx context.Context, deviceID string) (*store.DeviceAssignment, error)
}

// FlightAssigner runs the separation decision for each point.
type FlightAssigner interface {
	AssignFlight(ctx context.Context, race *model.Race, source, pilotID, pilotName, deviceID string, p model.TrackPoint) (*model.Flight, error)
}

// Server accepts tracker connections and feeds the live queue.
type Server struct {
	cfg       config.GPSTCP
	queue     Enqueuer
	devices   DeviceResolver
	separator FlightAssigner
	limiter   *RateLimiter
	conns     *ConnManager
	log       *logging.Logger

	mu          sync.Mutex
	open        map[net.Conn]struct{}
	assignments map[string]cachedAssignment

	wg sync.WaitGroup
}

type cachedAssignment struct {
	a       *store.DeviceAssignment
	expires time.Time
}

func NewServer(cfg config.GPSTCP, q Enqueuer, devices DeviceResolver, sep FlightAssigner) *Server {
	return &Server{
		cfg:         cfg,
		queue:       q,
		devices:     devices,
		separator:   sep,
		limiter:     NewRateLimiter(cfg),
		conns:       NewConnManager(cfg),
		log:         logging.New("livetrack-gps"),
		open:        make(map[net.Conn]struct{}),
		assignments: make(map[string]cachedAssignment),
	}
}

// ListenAndServe accepts connections until ctx is cancelled, then
// closes the listener and every open connection and waits for handlers
// to finish.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Port)
	if err != nil {
		return fmt.Errorf("gps listen: %w", err)
	}
	s.log.Plain().Infof("gps tcp server listening on %s", s.cfg.Port)

	go func() {
		<-ctx.Done()
		ln.Close()
		s.mu.Lock()
		for c := range s.open {
			c.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.log.Plain().WithError(err).Warn("accept failed")
			continue
		}

		ip := remoteIP(conn)
		if err := s.conns.Admit(ip, time.Now()); err != nil {
			s.log.Plain().WithField("ip", ip).WithError(err).Warn("connection refused")
			conn.Close()
			continue
		}

		s.mu.Lock()
		s.open[conn] = struct{}{}
		s.mu.Unlock()
		metrics.GPSConnectionsActive.Inc()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn, ip)
		}()
	}

	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, ip string) {
	c := &trackerConn{
		server: s,
		conn:   conn,
		ip:     ip,
		state:  stateAwaitingLogin,
	}
	defer c.close()
	c.readLoop(ctx)
}

// trackerConn is the per-connection state machine.
type trackerConn struct {
	server   *Server
	conn     net.Conn
	ip       string
	state    string
	handler  protocol.Handler
	deviceID string

	pending   []byte
	malformed int // consecutive; any good frame resets
}

func (c *trackerConn) close() {
	c.state = stateClosing
	c.conn.Close()
	c.server.mu.Lock()
	delete(c.server.open, c.conn)
	c.server.mu.Unlock()
	c.server.conns.Release(c.ip)
	metrics.GPSConnectionsActive.Dec()
	if c.deviceID != "" {
		c.server.limiter.Reset(c.deviceID)
	}
}

func (c *trackerConn) readLoop(ctx context.Context) {
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.IdleTimeout))
		n, err := c.conn.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				c.server.log.Plain().WithDevice(c.deviceID).WithField("ip", c.ip).
					Debug("closing idle connection")
			}
			return
		}
		if c.state == stateIdle {
			c.state = stateActive
		}

		c.pending = append(c.pending, buf[:n]...)
		frames, rest, noise := protocol.ExtractFrames(c.pending)
		c.pending = rest
		c.malformed += noise
		for i := 0; i < noise; i++ {
			metrics.GPSFramesTotal.WithLabelValues("unknown", "malformed").Inc()
		}

		for _, frame := range frames {
			if !c.handleFrame(ctx, frame) {
				c.malformed++
			} else {
				c.malformed = 0
			}
			if c.malformed >= c.malformedLimit() {
				c.server.log.Plain().WithField("ip", c.ip).
					Warn("closing connection after repeated malformed frames")
				return
			}
		}
		if c.malformed >= c.malformedLimit() {
			return
		}
		if len(frames) == 0 && len(c.pending) == 0 {
			c.state = stateIdle
		}
	}
}

// malformedLimit is tighter before a protocol has been detected: a
// sender that cannot even open a frame is not a tracker.
func (c *trackerConn) malformedLimit() int {
	if c.handler == nil {
		return preDetectMalformedLimit
	}
	return c.server.cfg.MaxMalformedFrames
}

// handleFrame decodes and dispatches one frame, reporting whether it
// was well formed.
func (c *trackerConn) handleFrame(ctx context.Context, frame string) bool {
	if c.handler == nil {
		c.handler = protocol.Detect(frame[0])
		if c.handler == nil {
			return false
		}
	}
	name := string(c.handler.Name())

	msg, err := c.handler.Parse(frame)
	if err != nil {
		metrics.GPSFramesTotal.WithLabelValues(name, "malformed").Inc()
		c.server.log.Plain().WithField("ip", c.ip).WithError(err).Debug("malformed frame")
		return false
	}
	if c.deviceID == "" {
		c.deviceID = msg.DeviceID
	}

	switch msg.Command {
	case protocol.CmdLogin, protocol.CmdHeartbeat:
		// The watch protocol has no separate login; its keepalive
		// doubles as one. Either way the device must be assigned.
		if c.state == stateAwaitingLogin {
			if _, err := c.server.assignment(ctx, msg.DeviceID); err != nil {
				c.server.log.Plain().WithDevice(msg.DeviceID).Warn("login from unassigned device")
				c.writeAck(c.handler.Ack(msg, false))
				metrics.GPSFramesTotal.WithLabelValues(name, "ok").Inc()
				return true
			}
			c.state = stateActive
		}
		c.writeAck(c.handler.Ack(msg, true))

	case protocol.CmdLocation, protocol.CmdBatch:
		if err := c.server.limiter.Allow(msg.DeviceID, time.Now()); err != nil {
			// Dropped silently; the tracker will resend.
			metrics.GPSFramesTotal.WithLabelValues(name, "rate_limited").Inc()
			return true
		}
		ok := c.server.ingest(ctx, msg)
		if c.state == stateAwaitingLogin && ok {
			c.state = stateActive
		}
		c.writeAck(c.handler.Ack(msg, ok))

	case protocol.CmdAlarm:
		c.server.log.Plain().WithDevice(msg.DeviceID).
			WithField("alarm", msg.AlarmType).Warn("device alarm")
		if len(msg.Points) > 0 {
			c.server.ingest(ctx, msg)
		}
		c.writeAck(c.handler.Ack(msg, true))

	default:
		c.writeAck(c.handler.Ack(msg, true))
	}

	metrics.GPSFramesTotal.WithLabelValues(name, "ok").Inc()
	return true
}

func (c *trackerConn) writeAck(ack string) {
	if ack == "" {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write([]byte(ack)); err != nil {
		c.server.log.Plain().WithDevice(c.deviceID).WithError(err).Debug("ack write failed")
	}
}

// ingest normalizes a location message, assigns each fix to a flight
// and enqueues the result. Returns false when nothing could be queued.
func (s *Server) ingest(ctx context.Context, msg *protocol.Message) bool {
	assignment, err := s.assignment(ctx, msg.DeviceID)
	if err != nil {
		s.log.Plain().WithDevice(msg.DeviceID).Warn("dropping points from unassigned device")
		return false
	}

	byFlight := make(map[string][]model.TrackPoint)
	for _, p := range msg.Points {
		if !p.Valid {
			continue
		}
		point := model.TrackPoint{
			Lat:       p.Lat,
			Lon:       p.Lon,
			Elevation: p.Elevation,
			Datetime:  p.Timestamp.UTC(),
			Battery:   p.Battery,
			Speed:     p.Speed,
			Heading:   p.Heading,
		}
		flight, err := s.separator.AssignFlight(ctx, &assignment.Race,
			model.SourceTK905BLive, assignment.PilotID, assignment.PilotName,
			msg.DeviceID, point)
		if err != nil {
			s.log.WithContext(ctx).WithDevice(msg.DeviceID).WithError(err).
				Error("flight assignment failed")
			continue
		}
		point.FlightID = flight.FlightID
		byFlight[flight.FlightID] = append(byFlight[flight.FlightID], point)
	}
	if len(byFlight) == 0 {
		return false
	}

	queuedAny := false
	for flightID, points := range byFlight {
		item := queue.NewItem(queue.LivePoints, flightID, points)
		item.TraceHeaders = tracing.PropagateTraceToQueue(ctx)
		if err := s.queue.Enqueue(ctx, queue.LivePoints, item); err != nil {
			s.log.WithContext(ctx).WithDevice(msg.DeviceID).WithFlight(flightID).
				WithError(err).Error("enqueue failed, points lost")
			continue
		}
		queuedAny = true
	}
	return queuedAny
}

// assignment returns the device's pilot binding, from cache when fresh.
func (s *Server) assignment(ctx context.Context, deviceID string) (*store.DeviceAssignment, error) {
	now := time.Now()
	s.mu.Lock()
	if cached, ok := s.assignments[deviceID]; ok && now.Before(cached.expires) {
		s.mu.Unlock()
		return cached.a, nil
	}
	s.mu.Unlock()

	a, err := s.devices.GetDeviceAssignment(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.assignments[deviceID] = cachedAssignment{a: a, expires: now.Add(assignmentTTL)}
	s.mu.Unlock()
	return a, nil
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
