package delivery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/casetrack/internal/clock"
	"github.com/hpungsan/casetrack/internal/errors"
	"github.com/hpungsan/casetrack/internal/event"
)

var epoch = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

type recordingTransport struct {
	mu       sync.Mutex
	payloads []event.Payload
	// failures is the number of leading Send calls that fail.
	failures int
	calls    int
}

func (r *recordingTransport) Send(_ context.Context, p event.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failures {
		return errors.NewDeliveryFailed(503, nil)
	}
	r.payloads = append(r.payloads, p)
	return nil
}

func (r *recordingTransport) batches() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, 0, len(r.payloads))
	for _, p := range r.payloads {
		ids := make([]string, 0, len(p.Events))
		for _, e := range p.Events {
			ids = append(ids, e.EventID)
		}
		out = append(out, ids)
	}
	return out
}

func ev(id string) event.Event {
	return event.Event{EventID: id, EventType: event.Click}
}

func evType(id string, typ event.Type) event.Event {
	return event.Event{EventID: id, EventType: typ}
}

func ids(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return out
}

func newTestQueue(t *testing.T, tr Transport, beacon Transport) (*Queue, *clock.Virtual) {
	t.Helper()
	clk := clock.NewVirtual(epoch)
	q := NewQueue(Options{
		Transport:     tr,
		Beacon:        beacon,
		Metadata:      func() event.SessionMetadata { return event.SessionMetadata{SessionID: "s-1"} },
		BatchSize:     10,
		FlushInterval: 5 * time.Second,
		MaxQueueSize:  1000,
		Clock:         clk,
	})
	q.Start(context.Background())
	t.Cleanup(func() { _ = q.Close(context.Background()) })
	return q, clk
}

func wait(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Wait(ctx))
}

func TestQueue_SubThresholdFlushesOnTickInOrder(t *testing.T) {
	tr := &recordingTransport{}
	q, clk := newTestQueue(t, tr, nil)

	for _, id := range ids("e", 3) {
		q.Enqueue(ev(id))
	}
	wait(t, q)
	assert.Empty(t, tr.batches(), "nothing sent before the tick")

	clk.Advance(5 * time.Second)
	wait(t, q)
	assert.Equal(t, [][]string{ids("e", 3)}, tr.batches())
	assert.Equal(t, 0, q.Len())

	// Empty ticks send nothing.
	clk.Advance(10 * time.Second)
	wait(t, q)
	assert.Len(t, tr.batches(), 1)
}

func TestQueue_BatchSizeFlushesImmediately(t *testing.T) {
	tr := &recordingTransport{}
	q, clk := newTestQueue(t, tr, nil)

	all := ids("e", 12)
	for _, id := range all[:10] {
		q.Enqueue(ev(id))
	}
	wait(t, q)
	for _, id := range all[10:] {
		q.Enqueue(ev(id))
	}
	wait(t, q)
	require.Equal(t, [][]string{all[:10]}, tr.batches())
	assert.Equal(t, 2, q.Len())

	clk.Advance(5 * time.Second)
	wait(t, q)
	assert.Equal(t, [][]string{all[:10], all[10:]}, tr.batches())

	stats := q.Stats()
	assert.Equal(t, int64(12), stats.Delivered)
	assert.Equal(t, int64(2), stats.Batches)
}

func TestQueue_FailedDeliveryRequeuesAtHead(t *testing.T) {
	tr := &recordingTransport{failures: 1}
	q, clk := newTestQueue(t, tr, nil)

	q.Enqueue(ev("a"))
	q.Enqueue(ev("b"))
	clk.Advance(5 * time.Second)
	wait(t, q)

	assert.Empty(t, tr.batches())
	stats := q.Stats()
	assert.Equal(t, 2, stats.Queued)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(2), stats.Requeued)
	assert.Contains(t, stats.LastError, "DELIVERY_FAILED")

	q.Enqueue(ev("c"))
	clk.Advance(5 * time.Second)
	wait(t, q)
	assert.Equal(t, [][]string{{"a", "b", "c"}}, tr.batches())
}

// blockingTransport holds every send until released.
type blockingTransport struct {
	recordingTransport
	started chan struct{}
	release chan struct{}
}

func (b *blockingTransport) Send(ctx context.Context, p event.Payload) error {
	b.started <- struct{}{}
	<-b.release
	return b.recordingTransport.Send(ctx, p)
}

func TestQueue_SingleInFlightCoalescesTriggers(t *testing.T) {
	tr := &blockingTransport{started: make(chan struct{}, 4), release: make(chan struct{})}
	q, _ := newTestQueue(t, tr, nil)

	q.Enqueue(ev("a"))
	q.Flush(context.Background(), false)
	<-tr.started
	assert.True(t, q.Stats().InFlight)

	q.Enqueue(ev("b"))
	q.Flush(context.Background(), false)
	q.Flush(context.Background(), false)
	select {
	case <-tr.started:
		t.Fatal("second send started while the first was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(tr.release)
	wait(t, q)
	assert.Equal(t, [][]string{{"a"}, {"b"}}, tr.batches())
}

func TestQueue_UrgentFlushUsesBeaconBeforeTick(t *testing.T) {
	reliable := &recordingTransport{}
	beacon := &recordingTransport{}
	q, _ := newTestQueue(t, reliable, beacon)

	q.Enqueue(ev("a"))
	q.Enqueue(evType("exit", event.PageExit))
	q.Flush(context.Background(), true)

	assert.Equal(t, [][]string{{"a", "exit"}}, beacon.batches())
	assert.Empty(t, reliable.batches())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, int64(2), q.Stats().Beaconed)
}

func TestQueue_UrgentFlushIgnoresCallerCancellation(t *testing.T) {
	var got context.Context
	beacon := TransportFunc(func(ctx context.Context, p event.Payload) error {
		got = ctx
		return nil
	})
	q, _ := newTestQueue(t, &recordingTransport{}, beacon)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q.Enqueue(ev("a"))
	q.Flush(ctx, true)

	require.NotNil(t, got)
	assert.NoError(t, got.Err())
}

func TestQueue_PayloadCarriesMetadata(t *testing.T) {
	tr := &recordingTransport{}
	q, clk := newTestQueue(t, tr, nil)

	q.Enqueue(ev("a"))
	clk.Advance(5 * time.Second)
	wait(t, q)

	require.Len(t, tr.payloads, 1)
	assert.Equal(t, "s-1", tr.payloads[0].SessionMetadata.SessionID)
}

func TestQueue_BackpressureDropsOldestNonUrgent(t *testing.T) {
	tr := &recordingTransport{}
	clk := clock.NewVirtual(epoch)
	q := NewQueue(Options{
		Transport:     tr,
		BatchSize:     100,
		FlushInterval: time.Minute,
		MaxQueueSize:  100,
		Clock:         clk,
	})

	q.Enqueue(evType("sus", event.SuspiciousBehavior))
	for _, id := range ids("e", 100) {
		q.mu.Lock()
		q.events = append(q.events, ev(id))
		q.enforceCapLocked()
		q.mu.Unlock()
	}

	q.mu.Lock()
	queued := append([]event.Event(nil), q.events...)
	q.mu.Unlock()
	require.Len(t, queued, 100)
	assert.Equal(t, "sus", queued[0].EventID, "urgent events survive")
	assert.Equal(t, "e1", queued[1].EventID, "oldest non-urgent dropped first")
	assert.Equal(t, int64(1), q.Stats().Dropped)
}

func TestQueue_BackpressureDropsUrgentWhenNothingElseLeft(t *testing.T) {
	q := NewQueue(Options{BatchSize: 2, MaxQueueSize: 2, Clock: clock.NewVirtual(epoch)})

	q.mu.Lock()
	q.events = []event.Event{
		evType("x1", event.PageExit),
		evType("x2", event.PageExit),
		evType("x3", event.PageExit),
	}
	q.enforceCapLocked()
	remaining := []string{q.events[0].EventID, q.events[1].EventID}
	q.mu.Unlock()

	assert.Equal(t, []string{"x2", "x3"}, remaining)
}

func TestQueue_RequeueRespectsCap(t *testing.T) {
	tr := &recordingTransport{failures: 100}
	clk := clock.NewVirtual(epoch)
	q := NewQueue(Options{
		Transport:     tr,
		BatchSize:     5,
		FlushInterval: time.Second,
		MaxQueueSize:  8,
		Clock:         clk,
	})
	q.Start(context.Background())
	defer q.Close(context.Background())

	for _, id := range ids("e", 5) {
		q.Enqueue(ev(id))
	}
	wait(t, q)
	for _, id := range ids("f", 4) {
		q.Enqueue(ev(id))
	}
	wait(t, q)

	stats := q.Stats()
	assert.LessOrEqual(t, stats.Queued, 8)
	assert.Positive(t, stats.Dropped)
}

func TestQueue_CloseStopsTimerAndRefusesEvents(t *testing.T) {
	tr := &recordingTransport{}
	clk := clock.NewVirtual(epoch)
	q := NewQueue(Options{Transport: tr, Clock: clk})
	q.Start(context.Background())

	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, 0, clk.Pending())

	q.Enqueue(ev("late"))
	assert.Equal(t, 0, q.Len())
}

func TestQueue_NoTransportRequeues(t *testing.T) {
	q := NewQueue(Options{Clock: clock.NewVirtual(epoch)})

	q.Enqueue(ev("a"))
	q.Flush(context.Background(), false)
	wait(t, q)

	assert.Equal(t, 1, q.Len())
	assert.Contains(t, q.Stats().LastError, "no transport")
}
