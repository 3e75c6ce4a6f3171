package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openlivetrack/livetrack/internal/config"
	"github.com/openlivetrack/livetrack/internal/model"
	"github.com/openlivetrack/livetrack/internal/queue"
	"github.com/openlivetrack/livetrack/internal/store"
)

type requeueCall struct {
	queue string
	item  queue.Item
	delay time.Duration
}

type dlqCall struct {
	queue  string
	item   queue.Item
	reason string
}

type fakeBatchQueue struct {
	mu       sync.Mutex
	batch    []queue.Item
	served   bool
	requeued []requeueCall
	dead     []dlqCall
}

func (f *fakeBatchQueue) DequeueBatch(ctx context.Context, queueName string, maxN int) ([]queue.Item, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.served {
		return nil, 0, nil
	}
	f.served = true
	return f.batch, 0, nil
}

func (f *fakeBatchQueue) Requeue(ctx context.Context, queueName string, item queue.Item, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued = append(f.requeued, requeueCall{queue: queueName, item: item, delay: delay})
	return nil
}

func (f *fakeBatchQueue) ToDLQ(ctx context.Context, queueName string, item queue.Item, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead = append(f.dead, dlqCall{queue: queueName, item: item, reason: reason})
	return nil
}

func (f *fakeBatchQueue) requeues() []requeueCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]requeueCall(nil), f.requeued...)
}

func (f *fakeBatchQueue) deadLetters() []dlqCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dlqCall(nil), f.dead...)
}

type fakePointStore struct {
	flights    map[string]string
	resolveErr error
	insertErr  error
	insert     func(ctx context.Context, table string, points []model.TrackPoint) (int64, error)

	mu       sync.Mutex
	inserted [][]model.TrackPoint
}

func (f *fakePointStore) FlightsExist(ctx context.Context, flightIDs []string) (map[string]string, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	found := make(map[string]string)
	for _, id := range flightIDs {
		if uuid, ok := f.flights[id]; ok {
			found[id] = uuid
		}
	}
	return found, nil
}

func (f *fakePointStore) BulkInsertPoints(ctx context.Context, table string, points []model.TrackPoint) (int64, error) {
	if f.insert != nil {
		return f.insert(ctx, table, points)
	}
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.mu.Lock()
	f.inserted = append(f.inserted, points)
	f.mu.Unlock()
	return int64(len(points)), nil
}

func testQueueConfig() config.Queue {
	return config.Queue{
		BatchSize:    500,
		MaxBatchSize: 1000,
		MaxRetries:   3,
		WriteTimeout: 5 * time.Second,
	}
}

func goodPoint(flightID string) model.TrackPoint {
	return model.TrackPoint{
		FlightID: flightID,
		Lat:      45.8,
		Lon:      11.7,
		Datetime: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		name  string
		retry int
		want  time.Duration
	}{
		{name: "first retry", retry: 0, want: time.Second},
		{name: "second retry", retry: 1, want: 2 * time.Second},
		{name: "third retry", retry: 3, want: 8 * time.Second},
		{name: "capped at the maximum", retry: 6, want: maxBackoff},
		{name: "way past the cap", retry: 20, want: maxBackoff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := backoff(tt.retry); got != tt.want {
				t.Errorf("backoff(%d) = %v, want %v", tt.retry, got, tt.want)
			}
		})
	}
}

func TestConsumedQueues(t *testing.T) {
	// Scoring points are produced for an external consumer; the writer
	// must never drain that queue.
	if _, ok := consumed[queue.ScoringPoints]; ok {
		t.Error("writer consumes scoring_points, want it left for the scoring service")
	}

	// Both tracker queues land in the live table; uploads go to their own.
	if consumed[queue.LivePoints] != store.TableLivePoints {
		t.Errorf("live_points table = %q, want %q", consumed[queue.LivePoints], store.TableLivePoints)
	}
	if consumed[queue.FlymasterPoints] != store.TableLivePoints {
		t.Errorf("flymaster_points table = %q, want %q", consumed[queue.FlymasterPoints], store.TableLivePoints)
	}
	if consumed[queue.UploadPoints] != store.TableUploadedPoints {
		t.Errorf("upload_points table = %q, want %q", consumed[queue.UploadPoints], store.TableUploadedPoints)
	}
}

func TestProcessItemRetriesTransientStoreError(t *testing.T) {
	fq := &fakeBatchQueue{}
	fs := &fakePointStore{
		flights:   map[string]string{"flight-1": "uuid-1"},
		insertErr: errors.New("connection refused"),
	}
	p := NewPool(fq, fs, testQueueConfig())

	item := queue.NewItem(queue.LivePoints, "flight-1", []model.TrackPoint{goodPoint("flight-1")})
	p.processItem(context.Background(), queue.LivePoints, item)

	requeued := fq.requeues()
	if len(requeued) != 1 {
		t.Fatalf("requeues = %d, want 1", len(requeued))
	}
	if requeued[0].queue != queue.LivePoints {
		t.Errorf("requeued on %q, want %q", requeued[0].queue, queue.LivePoints)
	}
	if got := requeued[0].item.RetryCount; got != 1 {
		t.Errorf("RetryCount = %d, want 1", got)
	}
	if got, want := requeued[0].delay, backoff(1); got != want {
		t.Errorf("requeue delay = %v, want %v", got, want)
	}
	if dead := fq.deadLetters(); len(dead) != 0 {
		t.Errorf("dead letters = %d, want 0 while retries remain", len(dead))
	}
}

func TestProcessItemRetriesResolverError(t *testing.T) {
	fq := &fakeBatchQueue{}
	fs := &fakePointStore{resolveErr: errors.New("read timeout")}
	p := NewPool(fq, fs, testQueueConfig())

	item := queue.NewItem(queue.LivePoints, "flight-1", []model.TrackPoint{goodPoint("flight-1")})
	p.processItem(context.Background(), queue.LivePoints, item)

	if requeued := fq.requeues(); len(requeued) != 1 || requeued[0].item.RetryCount != 1 {
		t.Errorf("requeues = %+v, want one call with RetryCount 1", requeued)
	}
	if dead := fq.deadLetters(); len(dead) != 0 {
		t.Errorf("dead letters = %d, want 0 for a transient resolver error", len(dead))
	}
}

func TestProcessItemDeadLettersAfterMaxRetries(t *testing.T) {
	fq := &fakeBatchQueue{}
	fs := &fakePointStore{
		flights:   map[string]string{"flight-1": "uuid-1"},
		insertErr: errors.New("still down"),
	}
	cfg := testQueueConfig()
	p := NewPool(fq, fs, cfg)

	item := queue.NewItem(queue.LivePoints, "flight-1", []model.TrackPoint{goodPoint("flight-1")})
	item.RetryCount = cfg.MaxRetries
	p.processItem(context.Background(), queue.LivePoints, item)

	if requeued := fq.requeues(); len(requeued) != 0 {
		t.Errorf("requeues = %d, want 0 once the retry limit is reached", len(requeued))
	}
	dead := fq.deadLetters()
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	if dead[0].reason != queue.ReasonMaxRetries {
		t.Errorf("DLQ reason = %q, want %q", dead[0].reason, queue.ReasonMaxRetries)
	}
}

func TestProcessItemDeadLettersRejectedPoints(t *testing.T) {
	fq := &fakeBatchQueue{}
	fs := &fakePointStore{flights: map[string]string{"flight-1": "uuid-1"}}
	p := NewPool(fq, fs, testQueueConfig())

	badShape := goodPoint("flight-1")
	badShape.Lat = 200
	ghost := goodPoint("flight-gone")

	item := queue.NewItem(queue.LivePoints, "flight-1",
		[]model.TrackPoint{goodPoint("flight-1"), badShape, ghost})
	p.processItem(context.Background(), queue.LivePoints, item)

	reasons := make(map[string]int)
	for _, d := range fq.deadLetters() {
		reasons[d.reason] += d.item.Count
	}
	if reasons[queue.ReasonInvalidShape] != 1 {
		t.Errorf("invalid_shape dead letters = %d, want 1", reasons[queue.ReasonInvalidShape])
	}
	if reasons[queue.ReasonForeignKeyMissing] != 1 {
		t.Errorf("foreign_key_missing dead letters = %d, want 1", reasons[queue.ReasonForeignKeyMissing])
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.inserted) != 1 || len(fs.inserted[0]) != 1 {
		t.Fatalf("inserted batches = %+v, want one batch with the single valid point", fs.inserted)
	}
	if got := fs.inserted[0][0].FlightUUID; got != "uuid-1" {
		t.Errorf("inserted FlightUUID = %q, want uuid-1", got)
	}
}

func TestPauseWaitsForInFlightBatch(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	fq := &fakeBatchQueue{
		batch: []queue.Item{queue.NewItem(queue.LivePoints, "flight-1", []model.TrackPoint{goodPoint("flight-1")})},
	}
	fs := &fakePointStore{
		flights: map[string]string{"flight-1": "uuid-1"},
		insert: func(ctx context.Context, table string, points []model.TrackPoint) (int64, error) {
			close(started)
			<-release
			return int64(len(points)), nil
		},
	}
	p := NewPool(fq, fs, testQueueConfig())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		p.Run(ctx)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("batch insert never started")
	}

	pauseDone := make(chan struct{})
	go func() {
		defer close(pauseDone)
		p.Pause()
	}()

	select {
	case <-pauseDone:
		t.Fatal("Pause returned while a batch insert was still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-pauseDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Pause never returned after the batch finished")
	}

	p.Resume()
	cancel()
	select {
	case <-runDone:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
