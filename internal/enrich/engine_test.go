package enrich

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/casetrack/internal/capture"
	"github.com/hpungsan/casetrack/internal/clock"
	"github.com/hpungsan/casetrack/internal/event"
	"github.com/hpungsan/casetrack/internal/session"
)

type fakeQueue struct {
	mu      sync.Mutex
	events  []event.Event
	flushes []bool
}

func (q *fakeQueue) Enqueue(e event.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, e)
}

func (q *fakeQueue) Flush(_ context.Context, urgent bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushes = append(q.flushes, urgent)
}

type staticFingerprint string

func (s staticFingerprint) Current() string { return string(s) }

var defaultReserved = []string{"www", "app", "api", "admin", "dashboard", "staging"}

func TestCaseID(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"path segment", "https://example.com/case/abc-123/notes", "abc-123"},
		{"path segment wins over subdomain", "https://smith.example.com/case/77", "77"},
		{"escaped path segment", "https://example.com/case/a%20b", "a b"},
		{"subdomain", "https://smith-memorial.example.com/", "smith-memorial"},
		{"reserved subdomain", "https://www.example.com/about", "global"},
		{"reserved is case insensitive", "https://APP.example.com/", "global"},
		{"two labels", "https://example.com/about", "global"},
		{"ip address", "http://127.0.0.1:8080/x", "global"},
		{"case without id", "https://example.com/case/", "global"},
		{"unparseable", "://bad", "global"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CaseID(tt.url, defaultReserved))
		})
	}
}

func TestIsUnusualHour(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2026, 3, 14, h, m, 0, 0, time.UTC) }

	assert.False(t, IsUnusualHour(at(1, 59)))
	assert.True(t, IsUnusualHour(at(2, 0)))
	assert.True(t, IsUnusualHour(at(4, 59)))
	assert.False(t, IsUnusualHour(at(5, 0)))
	assert.False(t, IsUnusualHour(at(14, 0)))
}

func newTestEngine(t *testing.T, start time.Time, loc *time.Location) (*Engine, *fakeQueue, *clock.Virtual, *capture.Counters) {
	t.Helper()
	clk := clock.NewVirtual(start)
	q := &fakeQueue{}
	counters := &capture.Counters{}
	meta := session.New("01J0SESSION", event.Environment{Screen: event.Size{Width: 1920, Height: 1080}}, start)
	eng := NewEngine(Options{
		Queue:              q,
		Metadata:           meta,
		Fingerprint:        staticFingerprint("fp-1"),
		Counters:           counters,
		Clock:              clk,
		Location:           loc,
		ReservedSubdomains: defaultReserved,
	})
	return eng, q, clk, counters
}

func TestEngine_Enrich(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	// 00:30 UTC is 03:30 local.
	start := time.Date(2026, 3, 14, 0, 30, 0, 0, time.UTC)
	eng, q, clk, _ := newTestEngine(t, start, loc)
	page := event.Page{URL: "https://example.com/case/42/notes?x=1", Title: "Notes", Viewport: event.Size{Width: 800, Height: 600}}

	eng.Emit(event.Raw{Type: event.PageView, Page: page})
	clk.Advance(2500 * time.Millisecond)
	eng.Emit(event.Raw{Type: event.Click, Data: map[string]any{"x": 1}, Page: page})

	require.Len(t, q.events, 2)
	first, second := q.events[0], q.events[1]

	assert.NotEmpty(t, first.EventID)
	assert.NotEqual(t, first.EventID, second.EventID)
	assert.Equal(t, "01J0SESSION", second.SessionID)
	assert.Equal(t, "fp-1", second.Fingerprint)
	assert.Equal(t, "42", second.CaseID)
	assert.Equal(t, "/case/42/notes", second.Path)
	assert.Equal(t, "Notes", second.Title)
	assert.Equal(t, event.Size{Width: 1920, Height: 1080}, second.Screen)
	assert.Equal(t, event.Size{Width: 800, Height: 600}, second.Viewport)

	assert.Equal(t, time.UTC, second.Timestamp.Location())
	assert.Equal(t, "2026-03-14T03:30:02+03:00", second.LocalTime)
	assert.True(t, second.IsUnusualHour)

	assert.Equal(t, 0.0, first.TimeOnPage)
	assert.Equal(t, 2.5, second.TimeOnPage)
	assert.Equal(t, 2.5, second.TimeSinceLastActivity)
	assert.Equal(t, 1, second.PageViews)
	assert.Equal(t, 1, second.Data["x"])
	assert.Empty(t, q.flushes)
}

func TestEngine_TimeSinceLastActivityUpdatesEveryEvent(t *testing.T) {
	eng, q, clk, _ := newTestEngine(t, time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC), time.UTC)
	page := event.Page{URL: "https://example.com/"}

	eng.Emit(event.Raw{Type: event.PageView, Page: page})
	clk.Advance(10 * time.Second)
	eng.Emit(event.Raw{Type: event.Click, Page: page})
	clk.Advance(time.Second)
	eng.Emit(event.Raw{Type: event.Click, Page: page})

	require.Len(t, q.events, 3)
	assert.Equal(t, 10.0, q.events[1].TimeSinceLastActivity)
	assert.Equal(t, 1.0, q.events[2].TimeSinceLastActivity)
	assert.Equal(t, 11.0, q.events[2].TimeOnPage)
	assert.False(t, q.events[2].IsUnusualHour)
	assert.Equal(t, "global", q.events[2].CaseID)
}

func TestEngine_CountersAndMetadata(t *testing.T) {
	start := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	clk := clock.NewVirtual(start)
	q := &fakeQueue{}
	rec := capture.SinkFunc(func(event.Raw) {})
	counters := &capture.Counters{}
	obs := capture.NewObserver(counters, capture.Options{Sink: rec, Clock: clk})
	meta := session.New("s", event.Environment{}, start)
	eng := NewEngine(Options{Queue: q, Metadata: meta, Counters: counters, Clock: clk})

	obs.Click(capture.Click{})
	obs.Click(capture.Click{})
	eng.Emit(event.Raw{Type: event.PageView})
	eng.Emit(event.Raw{Type: event.PageView})
	eng.Emit(event.Raw{Type: event.Click})

	require.Len(t, q.events, 3)
	assert.Equal(t, 2, q.events[2].ClickCount)
	assert.Equal(t, 2, q.events[2].PageViews)
	assert.Equal(t, 3, meta.Snapshot().Events)
	assert.Equal(t, "", q.events[0].Fingerprint, "unresolved fingerprint stays empty")
}

func TestEngine_SuspiciousFlushesImmediately(t *testing.T) {
	eng, q, _, _ := newTestEngine(t, time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC), time.UTC)

	eng.Emit(event.Raw{Type: event.SuspiciousBehavior, Data: map[string]any{"reason": "bot"}})

	require.Len(t, q.events, 1)
	assert.Equal(t, []bool{false}, q.flushes)
}

func TestEngine_DataIsCopied(t *testing.T) {
	eng, q, _, _ := newTestEngine(t, time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC), time.UTC)
	data := map[string]any{"k": "v"}

	eng.Emit(event.Raw{Type: event.Custom, Data: data})
	data["k"] = "changed"

	assert.Equal(t, "v", q.events[0].Data["k"])
}
