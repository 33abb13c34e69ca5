// Package delivery batches enriched events and ships them to the collector.
//
// The queue is append-only between flushes. A flush swaps the whole batch out
// under the lock and sends it with the lock released. Reliable flushes run one
// at a time and put a failed batch back at the head of the queue; urgent
// flushes go through the beacon transport and are never retried.
package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/casetrack/internal/clock"
	"github.com/hpungsan/casetrack/internal/errors"
	"github.com/hpungsan/casetrack/internal/event"
	"github.com/hpungsan/casetrack/internal/observability"
)

// Defaults applied when Options leave a field zero.
const (
	DefaultBatchSize     = 10
	DefaultFlushInterval = 5 * time.Second
	DefaultMaxQueueSize  = 1000
	DefaultSendTimeout   = 10 * time.Second
)

// Options configure a Queue.
type Options struct {
	// Transport carries reliable flushes.
	Transport Transport
	// Beacon carries urgent flushes. Defaults to a BeaconSender over Transport.
	Beacon Transport
	// Metadata returns the session metadata attached to each payload.
	Metadata func() event.SessionMetadata

	BatchSize     int
	FlushInterval time.Duration
	MaxQueueSize  int
	SendTimeout   time.Duration

	Clock  clock.Clock
	Logger *zap.Logger
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Queued    int    `json:"queued"`
	InFlight  bool   `json:"in_flight"`
	Delivered int64  `json:"delivered"`
	Batches   int64  `json:"batches"`
	Failed    int64  `json:"failed_batches"`
	Requeued  int64  `json:"requeued"`
	Beaconed  int64  `json:"beaconed"`
	Dropped   int64  `json:"dropped"`
	LastError string `json:"last_error,omitempty"`
}

// Queue is the delivery queue of one page load.
type Queue struct {
	transport Transport
	beacon    Transport
	metadata  func() event.SessionMetadata
	batchSize int
	interval  time.Duration
	maxSize   int
	timeout   time.Duration
	clock     clock.Clock
	logger    *zap.Logger

	mu       sync.Mutex
	events   []event.Event
	inFlight bool
	pending  bool
	timer    clock.Timer
	started  bool
	closed   bool
	stats    Stats

	wg sync.WaitGroup
}

// NewQueue creates a Queue. Call Start to run the flush timer.
func NewQueue(opts Options) *Queue {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = DefaultMaxQueueSize
	}
	if opts.MaxQueueSize < opts.BatchSize {
		opts.MaxQueueSize = opts.BatchSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Metadata == nil {
		opts.Metadata = func() event.SessionMetadata { return event.SessionMetadata{} }
	}
	logger := observability.OrNop(opts.Logger).Named("delivery")
	if opts.Beacon == nil && opts.Transport != nil {
		opts.Beacon = NewBeaconSender(opts.Transport, opts.SendTimeout, logger)
	}
	return &Queue{
		transport: opts.Transport,
		beacon:    opts.Beacon,
		metadata:  opts.Metadata,
		batchSize: opts.BatchSize,
		interval:  opts.FlushInterval,
		maxSize:   opts.MaxQueueSize,
		timeout:   opts.SendTimeout,
		clock:     opts.Clock,
		logger:    logger,
	}
}

// Start runs the periodic flush timer. ctx is the parent of timer-driven sends.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	q.scheduleLocked(ctx)
}

func (q *Queue) scheduleLocked(ctx context.Context) {
	q.timer = q.clock.AfterFunc(q.interval, func() { q.tick(ctx) })
}

func (q *Queue) tick(ctx context.Context) {
	q.Flush(ctx, false)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.scheduleLocked(ctx)
}

// Enqueue appends e. Reaching the batch size triggers a reliable flush.
func (q *Queue) Enqueue(e event.Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Debug("enqueue after close", zap.String("event_id", e.EventID))
		return
	}
	q.events = append(q.events, e)
	q.enforceCapLocked()
	full := len(q.events) >= q.batchSize
	q.mu.Unlock()

	if full {
		q.Flush(context.Background(), false)
	}
}

// Flush ships everything queued. An urgent flush hands the batch to the
// beacon transport and returns. A reliable flush starts a send unless one is
// already in flight, in which case it runs again once that send succeeds.
func (q *Queue) Flush(ctx context.Context, urgent bool) {
	if urgent {
		q.flushUrgent(ctx)
		return
	}

	q.mu.Lock()
	if q.inFlight {
		q.pending = true
		q.mu.Unlock()
		return
	}
	batch := q.swapLocked()
	if len(batch) == 0 {
		q.mu.Unlock()
		return
	}
	q.inFlight = true
	q.wg.Add(1)
	q.mu.Unlock()

	go q.sendReliable(ctx, batch)
}

func (q *Queue) flushUrgent(ctx context.Context) {
	q.mu.Lock()
	batch := q.swapLocked()
	if len(batch) > 0 {
		q.stats.Beaconed += int64(len(batch))
	}
	q.mu.Unlock()

	if len(batch) == 0 || q.beacon == nil {
		return
	}
	p := event.Payload{Events: batch, SessionMetadata: q.metadata()}
	if err := q.beacon.Send(context.WithoutCancel(ctx), p); err != nil {
		q.logger.Debug("urgent flush failed", zap.Int("events", len(batch)), zap.Error(err))
	}
}

func (q *Queue) sendReliable(ctx context.Context, batch []event.Event) {
	defer q.wg.Done()

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.timeout)
	defer cancel()

	var err error
	if q.transport == nil {
		err = errors.NewInternal(fmt.Errorf("no transport configured"))
	} else {
		p := event.Payload{Events: batch, SessionMetadata: q.metadata()}
		err = q.transport.Send(sendCtx, p)
	}

	q.mu.Lock()
	q.inFlight = false
	again := false
	if err != nil {
		q.events = append(batch, q.events...)
		q.enforceCapLocked()
		q.stats.Failed++
		q.stats.Requeued += int64(len(batch))
		q.stats.LastError = err.Error()
		q.pending = false
	} else {
		q.stats.Batches++
		q.stats.Delivered += int64(len(batch))
		again = q.pending || len(q.events) >= q.batchSize
		q.pending = false
	}
	q.mu.Unlock()

	if err != nil {
		q.logger.Debug("batch delivery failed, requeued", zap.Int("events", len(batch)), zap.Error(err))
		return
	}
	q.logger.Debug("batch delivered", zap.Int("events", len(batch)))
	if again {
		q.Flush(ctx, false)
	}
}

// swapLocked detaches the queued events.
func (q *Queue) swapLocked() []event.Event {
	batch := q.events
	q.events = nil
	return batch
}

// enforceCapLocked drops the oldest non-urgent events while the queue is over
// its cap, then the oldest urgent ones if it still is.
func (q *Queue) enforceCapLocked() {
	over := len(q.events) - q.maxSize
	if over <= 0 {
		return
	}
	dropped := 0
	kept := q.events[:0:0]
	for _, e := range q.events {
		if dropped < over && !e.EventType.Urgent() {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	if extra := len(kept) - q.maxSize; extra > 0 {
		kept = kept[extra:]
		dropped += extra
	}
	q.events = kept
	q.stats.Dropped += int64(dropped)
	q.logger.Warn("queue over capacity, dropped events", zap.Int("dropped", dropped), zap.Int("cap", q.maxSize))
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Stats returns the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Queued = len(q.events)
	s.InFlight = q.inFlight
	return s
}

// Wait blocks until in-flight reliable sends and beacons finish or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	if err := waitGroup(ctx, &q.wg); err != nil {
		return err
	}
	if w, ok := q.beacon.(interface{ Wait(context.Context) error }); ok {
		return w.Wait(ctx)
	}
	return nil
}

// Close stops the timer and waits for in-flight sends. Events still queued
// are left in place; call Flush first to ship them.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()
	return q.Wait(ctx)
}
