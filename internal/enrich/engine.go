// Package enrich merges raw captured events with identity, timing and
// engagement context, then hands them to the delivery queue.
package enrich

import (
	"context"
	"maps"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hpungsan/casetrack/internal/capture"
	"github.com/hpungsan/casetrack/internal/clock"
	"github.com/hpungsan/casetrack/internal/event"
	"github.com/hpungsan/casetrack/internal/observability"
	"github.com/hpungsan/casetrack/internal/session"
)

// Unusual hours are local hours in [unusualFromHour, unusualToHour).
const (
	unusualFromHour = 2
	unusualToHour   = 5
)

// Queue receives enriched events.
type Queue interface {
	Enqueue(e event.Event)
	Flush(ctx context.Context, urgent bool)
}

// FingerprintSource reports the current visitor id, "" while unresolved.
type FingerprintSource interface {
	Current() string
}

// Options configure an Engine.
type Options struct {
	Queue       Queue
	Metadata    *session.Metadata
	Fingerprint FingerprintSource
	Counters    *capture.Counters
	Clock       clock.Clock
	// Location is the session time zone for localTime and unusual hours.
	Location           *time.Location
	ReservedSubdomains []string
	Logger             *zap.Logger
}

// Engine is the capture.Sink of a page load.
type Engine struct {
	queue       Queue
	meta        *session.Metadata
	fingerprint FingerprintSource
	counters    *capture.Counters
	clock       clock.Clock
	loc         *time.Location
	reserved    []string
	logger      *zap.Logger
	newID       func() string

	mu           sync.Mutex
	pageStart    time.Time
	lastActivity time.Time
}

// NewEngine creates an Engine. The page load starts now.
func NewEngine(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Counters == nil {
		opts.Counters = &capture.Counters{}
	}
	now := opts.Clock.Now()
	return &Engine{
		queue:        opts.Queue,
		meta:         opts.Metadata,
		fingerprint:  opts.Fingerprint,
		counters:     opts.Counters,
		clock:        opts.Clock,
		loc:          opts.Location,
		reserved:     opts.ReservedSubdomains,
		logger:       observability.OrNop(opts.Logger).Named("enrich"),
		newID:        func() string { return uuid.NewString() },
		pageStart:    now,
		lastActivity: now,
	}
}

// Emit enriches raw and appends it to the queue. suspicious_behavior
// triggers an immediate reliable flush.
func (e *Engine) Emit(raw event.Raw) {
	ev := e.Enrich(raw)
	if e.queue == nil {
		return
	}
	e.queue.Enqueue(ev)
	if raw.Type == event.SuspiciousBehavior {
		e.queue.Flush(context.Background(), false)
	}
}

// Enrich builds the immutable event for raw and updates the session counters.
func (e *Engine) Enrich(raw event.Raw) event.Event {
	now := e.clock.Now()

	e.mu.Lock()
	timeOnPage := now.Sub(e.pageStart).Seconds()
	sinceLast := now.Sub(e.lastActivity).Seconds()
	e.lastActivity = now
	e.mu.Unlock()

	var meta event.SessionMetadata
	pageViews := 0
	if e.meta != nil {
		switch raw.Type {
		case event.PageView:
			e.meta.IncPageViews()
		case event.NetworkOnline:
			e.meta.SetOnline(true)
		case event.NetworkOffline:
			e.meta.SetOnline(false)
		}
		e.meta.IncEvents()
		meta = e.meta.Snapshot()
		pageViews = meta.PageViews
	}

	fingerprint := ""
	if e.fingerprint != nil {
		fingerprint = e.fingerprint.Current()
	}

	local := now.In(e.loc)
	path := ""
	if u, err := url.Parse(raw.Page.URL); err == nil {
		path = u.Path
	}

	ev := event.Event{
		EventID:               e.newID(),
		EventType:             raw.Type,
		Data:                  maps.Clone(raw.Data),
		Timestamp:             now.UTC(),
		LocalTime:             local.Format(time.RFC3339),
		SessionID:             meta.SessionID,
		Fingerprint:           fingerprint,
		CaseID:                CaseID(raw.Page.URL, e.reserved),
		URL:                   raw.Page.URL,
		Path:                  path,
		Referrer:              raw.Page.Referrer,
		Title:                 raw.Page.Title,
		Viewport:              raw.Page.Viewport,
		Screen:                meta.Screen,
		TimeOnPage:            roundMillis(timeOnPage),
		TimeSinceLastActivity: roundMillis(sinceLast),
		ScrollDepth:           e.counters.ScrollDepth(),
		ClickCount:            e.counters.Clicks(),
		PageViews:             pageViews,
		IsUnusualHour:         IsUnusualHour(local),
	}
	if ev.Data == nil {
		ev.Data = map[string]any{}
	}
	e.logger.Debug("event enriched",
		zap.String("event_id", ev.EventID),
		zap.String("type", string(ev.EventType)),
		zap.String("case_id", ev.CaseID))
	return ev
}

// IsUnusualHour reports whether t falls between 02:00 and 05:00 in its own location.
func IsUnusualHour(t time.Time) bool {
	h := t.Hour()
	return h >= unusualFromHour && h < unusualToHour
}

func roundMillis(sec float64) float64 {
	return float64(int64(sec*1000+0.5)) / 1000
}
