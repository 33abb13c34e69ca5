// Package fingerprint resolves a best-effort device fingerprint without
// blocking event capture.
package fingerprint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/casetrack/internal/event"
	"github.com/hpungsan/casetrack/internal/observability"
)

// Resolver runs the prober once per page lifetime and falls back to
// FallbackHash on error, panic or timeout. It never fails.
type Resolver struct {
	prober  Prober
	env     event.Environment
	timeout time.Duration
	logger  *zap.Logger

	once   sync.Once
	done   chan struct{}
	mu     sync.RWMutex
	result *Result
}

// NewResolver creates a Resolver. A zero timeout means the probe is bounded
// only by the caller's context.
func NewResolver(prober Prober, env event.Environment, timeout time.Duration, logger *zap.Logger) *Resolver {
	if prober == nil {
		prober = HashProber{}
	}
	return &Resolver{
		prober:  prober,
		env:     env,
		timeout: timeout,
		logger:  observability.OrNop(logger).Named("fingerprint"),
		done:    make(chan struct{}),
	}
}

// Start resolves in the background. onResolved, if non-nil, is called once
// with the result. Calling Start or Resolve more than once has no further effect.
func (r *Resolver) Start(ctx context.Context, onResolved func(Result)) {
	go func() {
		res := r.Resolve(ctx)
		if onResolved != nil {
			onResolved(res)
		}
	}()
}

// Resolve probes synchronously and returns the result. Later calls return
// the first result.
func (r *Resolver) Resolve(ctx context.Context) Result {
	r.once.Do(func() {
		res := r.probe(ctx)
		r.mu.Lock()
		r.result = &res
		r.mu.Unlock()
		close(r.done)
	})
	<-r.done
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *r.result
}

// Current returns the visitor id, or "" while resolution is pending.
func (r *Resolver) Current() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.result == nil {
		return ""
	}
	return r.result.VisitorID
}

// Done is closed once a result is available.
func (r *Resolver) Done() <-chan struct{} {
	return r.done
}

func (r *Resolver) probe(ctx context.Context) Result {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	type outcome struct {
		res Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: fmt.Errorf("prober panicked: %v", p)}
			}
		}()
		res, err := r.prober.Probe(ctx, r.env)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case o := <-ch:
		if o.err == nil && o.res.VisitorID != "" {
			if o.res.Source == "" {
				o.res.Source = "probe"
			}
			return o.res
		}
		if o.err == nil {
			o.err = fmt.Errorf("prober returned an empty visitor id")
		}
		r.logger.Debug("probe failed, using fallback hash", zap.Error(o.err))
	case <-ctx.Done():
		r.logger.Debug("probe timed out, using fallback hash", zap.Error(ctx.Err()))
	}
	return r.fallback()
}

func (r *Resolver) fallback() Result {
	return Result{
		VisitorID:  FallbackHash(r.env),
		Components: Components(r.env),
		Source:     "fallback",
	}
}
