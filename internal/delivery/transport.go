package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/casetrack/internal/errors"
	"github.com/hpungsan/casetrack/internal/event"
	"github.com/hpungsan/casetrack/internal/observability"
)

// BatchPath is the collector endpoint that accepts payloads.
const BatchPath = "/track/batch"

// Request headers carried by every batch.
const (
	HeaderSessionID   = "X-Session-ID"
	HeaderFingerprint = "X-Fingerprint"
)

// Transport delivers one payload to the collector.
type Transport interface {
	Send(ctx context.Context, p event.Payload) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, p event.Payload) error

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, p event.Payload) error { return f(ctx, p) }

// ReliableSender POSTs payloads to the collector and reports the outcome.
type ReliableSender struct {
	endpoint   string
	httpClient *http.Client
}

// NewReliableSender creates a sender for the collector at baseURL.
func NewReliableSender(baseURL string, timeout time.Duration) *ReliableSender {
	return &ReliableSender{
		endpoint: strings.TrimRight(baseURL, "/") + BatchPath,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Endpoint returns the batch URL.
func (s *ReliableSender) Endpoint() string { return s.endpoint }

// Send posts p. Any non-2xx response is a DELIVERY_FAILED error.
func (s *ReliableSender) Send(ctx context.Context, p event.Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return errors.NewInternal(fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.NewInvalidRequest(fmt.Sprintf("collector url: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSessionID, p.SessionMetadata.SessionID)
	if p.SessionMetadata.Fingerprint != "" {
		req.Header.Set(HeaderFingerprint, p.SessionMetadata.Fingerprint)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.NewDeliveryFailed(0, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.NewDeliveryFailed(resp.StatusCode, nil)
	}
	return nil
}

// BeaconSender hands payloads to a detached goroutine and returns at once.
// The send outlives the caller's cancellation, bounded by its own timeout,
// and its outcome is only logged.
type BeaconSender struct {
	next    Transport
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewBeaconSender wraps next. A zero timeout leaves sends bounded only by next.
func NewBeaconSender(next Transport, timeout time.Duration, logger *zap.Logger) *BeaconSender {
	return &BeaconSender{
		next:    next,
		timeout: timeout,
		logger:  observability.OrNop(logger).Named("beacon"),
	}
}

// Send queues p for delivery and always returns nil.
func (b *BeaconSender) Send(ctx context.Context, p event.Payload) error {
	ctx = context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if b.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, b.timeout)
			defer cancel()
		}
		if err := b.next.Send(ctx, p); err != nil {
			b.logger.Debug("beacon send failed", zap.Int("events", len(p.Events)), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every queued beacon has finished or ctx is done.
func (b *BeaconSender) Wait(ctx context.Context) error {
	return waitGroup(ctx, &b.wg)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
