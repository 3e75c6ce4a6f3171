// Package writer drains the point queues into the relational store.
// One worker per consumed queue family; each worker dequeues a batch,
// validates it, bulk-inserts the survivors and routes failures to
// retry or the dead letter queue.
package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openlivetrack/livetrack/internal/config"
	"github.com/openlivetrack/livetrack/internal/logging"
	"github.com/openlivetrack/livetrack/internal/metrics"
	"github.com/openlivetrack/livetrack/internal/model"
	"github.com/openlivetrack/livetrack/internal/queue"
	"github.com/openlivetrack/livetrack/internal/store"
	"github.com/openlivetrack/livetrack/internal/tracing"
	"github.com/openlivetrack/livetrack/internal/validator"
)

// pollInterval is how long a worker sleeps when its queue is empty.
const pollInterval = time.Second

// maxBackoff caps the exponential retry delay.
const maxBackoff = 60 * time.Second

// consumed maps each drained queue family to its destination table.
// Scoring points are consumed by the scoring subsystem, not here.
var consumed = map[string]string{
	queue.LivePoints:      store.TableLivePoints,
	queue.UploadPoints:    store.TableUploadedPoints,
	queue.FlymasterPoints: store.TableLivePoints,
}

// Queue is the slice of the point queue the pool drives.
type Queue interface {
	DequeueBatch(ctx context.Context, queueName string, maxN int) ([]queue.Item, int64, error)
	Requeue(ctx context.Context, queueName string, item queue.Item, delay time.Duration) error
	ToDLQ(ctx context.Context, queueName string, item queue.Item, reason string) error
}

// Store persists validated batches and resolves flights for the
// validator.
type Store interface {
	validator.FlightResolver
	BulkInsertPoints(ctx context.Context, table string, points []model.TrackPoint) (int64, error)
}

// Pool runs the writer workers.
type Pool struct {
	queue     Queue
	store     Store
	validator *validator.Validator
	cfg       config.Queue
	log       *logging.Logger

	mu      sync.Mutex
	paused  bool
	resumed chan struct{}

	// gate is read-held for the span of one dequeue-and-process pass, so
	// taking it exclusively waits out every in-flight batch.
	gate sync.RWMutex

	wg sync.WaitGroup
}

func NewPool(q Queue, st Store, cfg config.Queue) *Pool {
	return &Pool{
		queue:     q,
		store:     st,
		validator: validator.New(st),
		cfg:       cfg,
		log:       logging.New("livetrack-writer"),
		resumed:   make(chan struct{}),
	}
}

// Run starts one worker per consumed queue and blocks until ctx is
// cancelled and every worker has drained its in-flight batch.
func (p *Pool) Run(ctx context.Context) {
	for name := range consumed {
		p.wg.Add(1)
		go func(queueName string) {
			defer p.wg.Done()
			p.worker(ctx, queueName)
		}(name)
	}
	p.wg.Wait()
}

// Pause stops workers from dequeuing new batches and blocks until
// every in-flight batch has been fully processed or requeued, so the
// retention sweep can delete flights without racing an insert.
func (p *Pool) Pause() {
	p.mu.Lock()
	if !p.paused {
		p.paused = true
		p.resumed = make(chan struct{})
	}
	p.mu.Unlock()
	p.gate.Lock()
	p.gate.Unlock()
}

// Resume lets workers dequeue again.
func (p *Pool) Resume() {
	p.mu.Lock()
	if p.paused {
		p.paused = false
		close(p.resumed)
	}
	p.mu.Unlock()
}

func (p *Pool) pausedGate() (bool, <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused, p.resumed
}

func (p *Pool) worker(ctx context.Context, queueName string) {
	p.log.Plain().WithQueue(queueName).Info("writer worker started")

	for {
		if ctx.Err() != nil {
			p.log.Plain().WithQueue(queueName).Info("writer worker stopping")
			return
		}

		p.gate.RLock()
		if paused, resumed := p.pausedGate(); paused {
			p.gate.RUnlock()
			select {
			case <-resumed:
			case <-ctx.Done():
			}
			continue
		}

		items, _, err := p.queue.DequeueBatch(ctx, queueName, p.cfg.BatchSize)
		if err != nil {
			p.gate.RUnlock()
			p.log.Plain().WithQueue(queueName).WithError(err).Error("dequeue failed")
			sleepCtx(ctx, pollInterval)
			continue
		}
		if len(items) == 0 {
			p.gate.RUnlock()
			sleepCtx(ctx, pollInterval)
			continue
		}

		for _, item := range items {
			// Shutdown still persists the already-claimed batch; the
			// items are gone from the queue and must not be lost.
			p.processItem(context.WithoutCancel(ctx), queueName, item)
		}
		p.gate.RUnlock()
	}
}

func (p *Pool) processItem(ctx context.Context, queueName string, item queue.Item) {
	ctx = tracing.ExtractTraceFromQueue(ctx, item.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "writer.process")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()

	res, err := p.validator.Validate(ctx, item.Points)
	if err != nil {
		// Store unreachable; the whole item is retryable.
		p.retryOrDLQ(ctx, queueName, item, err)
		return
	}

	for _, rej := range res.Rejected {
		metrics.PointsFailedTotal.WithLabelValues(queueName, rej.Reason).Inc()
	}
	if n := len(res.Rejected); n > 0 {
		p.deadLetterRejections(ctx, queueName, item, res.Rejected)
		p.log.WithContext(ctx).WithQueue(queueName).WithFlight(item.FlightID).
			WithField("rejected", n).Warn("dead-lettered invalid points")
	}
	if len(res.Valid) == 0 {
		return
	}

	start := time.Now()
	inserted, err := p.store.BulkInsertPoints(ctx, consumed[queueName], res.Valid)
	metrics.WriterBatchSeconds.WithLabelValues(queueName).Observe(time.Since(start).Seconds())
	if err != nil {
		tracing.SetSpanError(ctx, err)
		item.Points = res.Valid
		item.Count = len(res.Valid)
		p.retryOrDLQ(ctx, queueName, item, err)
		return
	}

	metrics.PointsPersistedTotal.WithLabelValues(queueName).Add(float64(len(res.Valid)))
	p.log.WithContext(ctx).WithQueue(queueName).WithFlight(item.FlightID).
		Debugf("persisted %d points (%d new)", len(res.Valid), inserted)
}

// InsertDirect validates and writes a batch synchronously, bypassing
// the queue. Used by the ingest fallback when the queue is down; the
// validator still runs so bad rows cannot sneak in through the side
// door. Returns the number of valid points written or deduplicated.
func (p *Pool) InsertDirect(ctx context.Context, queueName string, points []model.TrackPoint) (int, error) {
	table, ok := consumed[queueName]
	if !ok {
		return 0, fmt.Errorf("no point table for queue %s", queueName)
	}

	res, err := p.validator.Validate(ctx, points)
	if err != nil {
		return 0, err
	}
	for _, rej := range res.Rejected {
		metrics.PointsFailedTotal.WithLabelValues(queueName, rej.Reason).Inc()
	}
	if len(res.Valid) == 0 {
		if len(res.Rejected) > 0 {
			return 0, fmt.Errorf("all %d points rejected: %s", len(res.Rejected), res.Rejected[0].Detail)
		}
		return 0, nil
	}

	if _, err := p.store.BulkInsertPoints(ctx, table, res.Valid); err != nil {
		return 0, err
	}
	metrics.PointsPersistedTotal.WithLabelValues(queueName).Add(float64(len(res.Valid)))
	return len(res.Valid), nil
}

// retryOrDLQ requeues a failed item with exponential backoff, or moves
// it to the DLQ once the retry budget is spent.
func (p *Pool) retryOrDLQ(ctx context.Context, queueName string, item queue.Item, cause error) {
	if item.RetryCount >= p.cfg.MaxRetries {
		metrics.PointsFailedTotal.WithLabelValues(queueName, queue.ReasonMaxRetries).
			Add(float64(item.Count))
		if err := p.queue.ToDLQ(ctx, queueName, item, queue.ReasonMaxRetries); err != nil {
			p.log.WithContext(ctx).WithQueue(queueName).WithFlight(item.FlightID).
				WithError(err).Error("DLQ write failed, batch lost")
		}
		return
	}

	item.RetryCount++
	item.LastError = cause.Error()
	delay := backoff(item.RetryCount)
	metrics.RetriesTotal.WithLabelValues(queueName, "store_error").Inc()
	p.log.WithContext(ctx).WithQueue(queueName).WithFlight(item.FlightID).
		WithError(cause).WithField("retry", item.RetryCount).
		Warnf("batch insert failed, retrying in %s", delay)

	if err := p.queue.Requeue(ctx, queueName, item, delay); err != nil {
		p.log.WithContext(ctx).WithQueue(queueName).WithFlight(item.FlightID).
			WithError(err).Error("requeue failed, batch lost")
	}
}

// deadLetterRejections wraps permanently invalid points in a single
// dead letter per reason so operators see them grouped.
func (p *Pool) deadLetterRejections(ctx context.Context, queueName string, src queue.Item, rejected []validator.Rejection) {
	byReason := make(map[string][]model.TrackPoint)
	details := make(map[string]string)
	for _, rej := range rejected {
		byReason[rej.Reason] = append(byReason[rej.Reason], rej.Point)
		if _, ok := details[rej.Reason]; !ok {
			details[rej.Reason] = rej.Detail
		}
	}
	for reason, points := range byReason {
		dead := queue.Item{
			Points:       points,
			Timestamp:    src.Timestamp,
			Count:        len(points),
			QueueType:    src.QueueType,
			FlightID:     src.FlightID,
			RetryCount:   src.RetryCount,
			LastError:    details[reason],
			TraceHeaders: src.TraceHeaders,
		}
		if err := p.queue.ToDLQ(ctx, queueName, dead, reason); err != nil {
			p.log.Plain().WithQueue(queueName).WithError(err).Error("DLQ write failed, rejected points lost")
		}
	}
}

// backoff returns min(60s, 2^retry seconds).
func backoff(retry int) time.Duration {
	d := time.Duration(1<<uint(retry)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
