// Package identity resolves the anonymous per-browser session id.
package identity

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/hpungsan/casetrack/internal/observability"
)

// SessionKey is the key the session id is stored under in both tiers.
const SessionKey = "casetrack_session_id"

// Store resolves the session id across a durable and an ephemeral tier.
type Store struct {
	durable   Tier
	ephemeral Tier
	ttl       time.Duration
	logger    *zap.Logger
	newID     func() (string, error)

	mu sync.Mutex
	// memoryID is used when neither tier could persist a minted id.
	memoryID string
}

// NewStore creates a Store. ttl is the durable-tier lifetime of a minted id.
func NewStore(durable, ephemeral Tier, ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{
		durable:   durable,
		ephemeral: ephemeral,
		ttl:       ttl,
		logger:    observability.OrNop(logger).Named("identity"),
		newID:     generateULID,
	}
}

// ResolveSessionID returns the session id, consulting the durable tier first,
// then the ephemeral tier, and minting a new id only when both are empty.
// A value found in one tier is mirrored into the other. Storage failures are
// logged and never returned: the worst case is an in-memory id that lasts as
// long as this Store.
func (s *Store) ResolveSessionID(ctx context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.lookup(ctx, s.durable); ok {
		s.mirror(ctx, s.ephemeral, id)
		return id
	}
	if id, ok := s.lookup(ctx, s.ephemeral); ok {
		s.mirror(ctx, s.durable, id)
		return id
	}
	if s.memoryID != "" {
		return s.memoryID
	}

	id, err := s.newID()
	if err != nil {
		// crypto/rand failing leaves only a time-derived id.
		s.logger.Warn("minting session id failed", zap.Error(err))
		id = ulid.Make().String()
	}

	persisted := false
	for _, tier := range []Tier{s.durable, s.ephemeral} {
		if tier == nil {
			continue
		}
		if err := tier.Set(ctx, SessionKey, id, s.ttl); err != nil {
			s.logger.Debug("persisting session id failed", zap.String("tier", tier.Name()), zap.Error(err))
			continue
		}
		persisted = true
	}
	if !persisted {
		s.memoryID = id
	}
	s.logger.Debug("minted session id", zap.String("session_id", id), zap.Bool("persisted", persisted))
	return id
}

// Reset forgets the session id in both tiers so the next resolution mints a new one.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.memoryID = ""
	var firstErr error
	for _, tier := range []Tier{s.durable, s.ephemeral} {
		if tier == nil {
			continue
		}
		if err := tier.Delete(ctx, SessionKey); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) lookup(ctx context.Context, tier Tier) (string, bool) {
	if tier == nil {
		return "", false
	}
	id, ok, err := tier.Get(ctx, SessionKey)
	if err != nil {
		s.logger.Debug("reading session id failed", zap.String("tier", tier.Name()), zap.Error(err))
		return "", false
	}
	return id, ok && id != ""
}

func (s *Store) mirror(ctx context.Context, tier Tier, id string) {
	if tier == nil {
		return
	}
	if existing, ok, err := tier.Get(ctx, SessionKey); err == nil && ok && existing == id {
		return
	}
	if err := tier.Set(ctx, SessionKey, id, s.ttl); err != nil {
		s.logger.Debug("mirroring session id failed", zap.String("tier", tier.Name()), zap.Error(err))
	}
}

// generateULID generates a new ULID.
func generateULID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
