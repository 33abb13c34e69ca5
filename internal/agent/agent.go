// Package agent wires identity, fingerprinting, capture, enrichment and
// delivery into the tracker of one page load.
package agent

import (
	"context"
	"database/sql"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/casetrack/internal/capture"
	"github.com/hpungsan/casetrack/internal/clock"
	"github.com/hpungsan/casetrack/internal/config"
	"github.com/hpungsan/casetrack/internal/delivery"
	"github.com/hpungsan/casetrack/internal/enrich"
	"github.com/hpungsan/casetrack/internal/errors"
	"github.com/hpungsan/casetrack/internal/event"
	"github.com/hpungsan/casetrack/internal/fingerprint"
	"github.com/hpungsan/casetrack/internal/identity"
	"github.com/hpungsan/casetrack/internal/observability"
	"github.com/hpungsan/casetrack/internal/session"
)

// Options configure an Agent. Only Env is required in practice; everything
// else has a working default.
type Options struct {
	Config *config.Config
	Env    event.Environment
	// DB backs the durable identity tier. Nil behaves like disabled storage.
	DB *sql.DB
	// Ephemeral is the per-tab tier. Reuse one across agents to model
	// navigations within the same tab.
	Ephemeral identity.Tier
	Prober    fingerprint.Prober
	// Transport defaults to a ReliableSender for Config.CollectorURL.
	Transport delivery.Transport
	// Beacon defaults to a BeaconSender over Transport.
	Beacon delivery.Transport
	Clock  clock.Clock
	Logger *zap.Logger
}

// Status is a snapshot of a running agent.
type Status struct {
	SessionID   string         `json:"session_id"`
	Fingerprint string         `json:"fingerprint"`
	CaseID      string         `json:"case_id"`
	URL         string         `json:"url"`
	PageViews   int            `json:"page_views"`
	Events      int            `json:"events"`
	ScrollDepth int            `json:"scroll_depth"`
	Clicks      int            `json:"clicks"`
	Online      bool           `json:"online"`
	Closed      bool           `json:"closed"`
	Queue       delivery.Stats `json:"queue"`
}

// Agent is the tracker of one page load. Construct a new Agent per page load;
// identity persists across them through the tiers.
type Agent struct {
	cfg      *config.Config
	env      event.Environment
	clock    clock.Clock
	logger   *zap.Logger
	loc      *time.Location
	identity *identity.Store
	resolver *fingerprint.Resolver
	queue    *delivery.Queue
	counters *capture.Counters

	mu       sync.Mutex
	meta     *session.Metadata
	engine   *enrich.Engine
	observer *capture.Observer
	started  bool
	closed   bool
}

// New creates an Agent. Call Start to begin tracking.
func New(opts Options) *Agent {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := observability.OrNop(opts.Logger)
	ephemeral := opts.Ephemeral
	if ephemeral == nil {
		ephemeral = identity.NewEphemeralTier()
	}
	transport := opts.Transport
	if transport == nil {
		sender := delivery.NewReliableSender(cfg.CollectorURL, cfg.SendTimeout())
		logger.Debug("delivering to collector", zap.String("endpoint", sender.Endpoint()))
		transport = sender
	}

	a := &Agent{
		cfg:      cfg,
		env:      opts.Env,
		clock:    clk,
		logger:   logger,
		loc:      location(cfg, opts.Env),
		identity: identity.NewStore(identity.NewDurableTier(opts.DB, clk), ephemeral, cfg.SessionTTL(), logger),
		resolver: fingerprint.NewResolver(opts.Prober, opts.Env, cfg.FingerprintTimeout(), logger),
		counters: &capture.Counters{},
	}
	a.queue = delivery.NewQueue(delivery.Options{
		Transport:     transport,
		Beacon:        opts.Beacon,
		Metadata:      a.metadataSnapshot,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval(),
		MaxQueueSize:  cfg.MaxQueueSize,
		SendTimeout:   cfg.SendTimeout(),
		Clock:         clk,
		Logger:        logger,
	})
	return a
}

// location picks the configured zone, then the browser's, then the process zone.
func location(cfg *config.Config, env event.Environment) *time.Location {
	if cfg.Timezone == "" && env.Timezone != "" {
		if loc, err := time.LoadLocation(env.Timezone); err == nil {
			return loc
		}
	}
	return cfg.Location()
}

// Start resolves the session id, starts fingerprint resolution and the flush
// timer, and records the initial page view.
func (a *Agent) Start(ctx context.Context, page event.Page) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.NewInvalidRequest("agent closed")
	}
	if a.started {
		a.mu.Unlock()
		return errors.NewInvalidRequest("agent already started")
	}
	a.started = true

	sessionID := a.identity.ResolveSessionID(ctx)
	a.meta = session.New(sessionID, a.env, a.clock.Now())
	a.engine = enrich.NewEngine(enrich.Options{
		Queue:              a.queue,
		Metadata:           a.meta,
		Fingerprint:        a.resolver,
		Counters:           a.counters,
		Clock:              a.clock,
		Location:           a.loc,
		ReservedSubdomains: a.cfg.ReservedSubdomains,
		Logger:             a.logger,
	})
	a.observer = capture.NewObserver(a.counters, capture.Options{
		Sink:        a.engine,
		Clock:       a.clock,
		Thresholds:  capture.ThresholdsFromConfig(a.cfg),
		UrgentFlush: func() { a.queue.Flush(ctx, true) },
		Logger:      a.logger,
	})
	meta := a.meta
	observer := a.observer
	a.mu.Unlock()

	a.resolver.Start(context.WithoutCancel(ctx), func(res fingerprint.Result) {
		meta.SetFingerprint(res.VisitorID, res.Components)
		a.logger.Debug("fingerprint resolved", zap.String("source", res.Source))
	})
	a.queue.Start(ctx)
	observer.PageView(page)
	a.logger.Debug("agent started", zap.String("session_id", sessionID), zap.String("url", page.URL))
	return nil
}

// Observer returns the capture API, or an error before Start.
func (a *Agent) Observer() (*capture.Observer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil, errors.NewInvalidRequest("agent not started")
	}
	return a.observer, nil
}

// Track records an application-defined custom event.
func (a *Agent) Track(name string, data map[string]any) error {
	if name == "" {
		return errors.NewInvalidRequest("event name is required")
	}
	obs, err := a.Observer()
	if err != nil {
		return err
	}
	d := maps.Clone(data)
	if d == nil {
		d = map[string]any{}
	}
	d["name"] = name
	obs.Custom(event.Custom, d)
	return nil
}

// FlagSuspicious records suspicious_behavior and flushes it right away.
func (a *Agent) FlagSuspicious(reason string, data map[string]any) error {
	if reason == "" {
		return errors.NewInvalidRequest("reason is required")
	}
	obs, err := a.Observer()
	if err != nil {
		return err
	}
	d := maps.Clone(data)
	if d == nil {
		d = map[string]any{}
	}
	d["reason"] = reason
	obs.Custom(event.SuspiciousBehavior, d)
	return nil
}

// Flush ships queued events. Urgent flushes use the beacon transport.
func (a *Agent) Flush(ctx context.Context, urgent bool) {
	a.queue.Flush(ctx, urgent)
}

// Wait blocks until in-flight sends complete or ctx is done.
func (a *Agent) Wait(ctx context.Context) error {
	return a.queue.Wait(ctx)
}

// Fingerprint waits for fingerprint resolution and returns the result.
func (a *Agent) Fingerprint(ctx context.Context) fingerprint.Result {
	return a.resolver.Resolve(ctx)
}

// Status returns a snapshot of the agent.
func (a *Agent) Status() Status {
	a.mu.Lock()
	meta, observer, closed := a.meta, a.observer, a.closed
	a.mu.Unlock()

	s := Status{
		Fingerprint: a.resolver.Current(),
		ScrollDepth: a.counters.ScrollDepth(),
		Clicks:      a.counters.Clicks(),
		Closed:      closed,
		Queue:       a.queue.Stats(),
	}
	if meta != nil {
		snap := meta.Snapshot()
		s.SessionID = snap.SessionID
		s.PageViews = snap.PageViews
		s.Events = snap.Events
		s.Online = snap.Online
	}
	if observer != nil {
		s.URL = observer.Page().URL
		s.CaseID = enrich.CaseID(s.URL, a.cfg.ReservedSubdomains)
	}
	return s
}

// Close records page_exit, hands the remaining events to the beacon and
// waits for in-flight sends until ctx is done.
func (a *Agent) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	observer := a.observer
	a.mu.Unlock()

	if observer != nil {
		observer.Exit()
		observer.Close()
	}
	a.queue.Flush(ctx, true)
	return a.queue.Close(ctx)
}

// ResetIdentity forgets the persisted session id.
func (a *Agent) ResetIdentity(ctx context.Context) error {
	return a.identity.Reset(ctx)
}

func (a *Agent) metadataSnapshot() event.SessionMetadata {
	a.mu.Lock()
	meta := a.meta
	a.mu.Unlock()
	if meta == nil {
		return event.SessionMetadata{}
	}
	return meta.Snapshot()
}
