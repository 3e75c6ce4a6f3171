package gps

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openlivetrack/livetrack/internal/config"
	"github.com/openlivetrack/livetrack/internal/model"
	"github.com/openlivetrack/livetrack/internal/queue"
	"github.com/openlivetrack/livetrack/internal/store"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	items []queue.Item
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, queueName string, item queue.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	return nil
}

type fakeAssignments struct{}

func (fakeAssignments) GetDeviceAssignment(ctx context.Context, deviceID string) (*store.DeviceAssignment, error) {
	return &store.DeviceAssignment{
		DeviceID:  deviceID,
		PilotID:   "pilot-1",
		PilotName: "Test Pilot",
		Race:      model.Race{ID: "race-1"},
	}, nil
}

type fakeAssigner struct{}

func (fakeAssigner) AssignFlight(ctx context.Context, race *model.Race, source, pilotID, pilotName, deviceID string, p model.TrackPoint) (*model.Flight, error) {
	return &model.Flight{FlightID: "flight-1"}, nil
}

func serverTestConfig() config.GPSTCP {
	return config.GPSTCP{
		MaxConnections:      10,
		MaxConnectionsPerIP: 5,
		MinMessageInterval:  time.Millisecond,
		RateWindow:          time.Minute,
		RateMaxMessages:     100,
		MaxReconnects:       100,
		ReconnectWindow:     5 * time.Minute,
		IdleTimeout:         5 * time.Second,
		MaxMalformedFrames:  5,
	}
}

// startTestConn wires a pipe straight into the connection handler,
// bypassing the accept loop.
func startTestConn(srv *Server) (net.Conn, chan struct{}) {
	serverSide, clientSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.handleConn(context.Background(), serverSide, "203.0.113.9")
	}()
	return clientSide, done
}

func TestUndetectableSenderClosedAfterThree(t *testing.T) {
	srv := NewServer(serverTestConfig(), &fakeEnqueuer{}, fakeAssignments{}, fakeAssigner{})
	conn, done := startTestConn(srv)
	defer conn.Close()

	// No frame opener in sight: each segment is pure noise.
	for i := 0; i < 3; i++ {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if _, err := conn.Write([]byte("GET / HTTP/1.1\r\n")); err != nil {
			t.Fatalf("write %d failed before the noise limit: %v", i+1, err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection stayed open after 3 undetectable segments")
	}
}

func TestEstablishedConnToleratesMalformedFrames(t *testing.T) {
	srv := NewServer(serverTestConfig(), &fakeEnqueuer{}, fakeAssignments{}, fakeAssigner{})
	conn, done := startTestConn(srv)
	defer conn.Close()

	write := func(frame string) {
		t.Helper()
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if _, err := conn.Write([]byte(frame)); err != nil {
			t.Fatalf("write %q: %v", frame, err)
		}
	}
	readAck := func() string {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(time.Second))
		buf := make([]byte, 256)
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("reading ack: %v", err)
		}
		return string(buf[:n])
	}

	// A bad length field fails the frame regex but the protocol is
	// already detected, so the generous limit applies.
	const bad = "[3G*9031001234*ZZ*LK]"

	write("[3G*9031001234*0002*LK]")
	if ack := readAck(); !strings.Contains(ack, "OK") {
		t.Fatalf("heartbeat ack = %q, want OK", ack)
	}

	// Four malformed frames stay under the limit of five.
	for i := 0; i < 4; i++ {
		write(bad)
	}

	// A good frame resets the counter.
	write("[3G*9031001234*0002*LK]")
	if ack := readAck(); !strings.Contains(ack, "OK") {
		t.Fatalf("heartbeat ack after malformed run = %q, want OK", ack)
	}

	// Five consecutive malformed frames close the connection.
	for i := 0; i < 5; i++ {
		write(bad)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection stayed open after 5 consecutive malformed frames")
	}
}
