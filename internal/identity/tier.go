package identity

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/hpungsan/casetrack/internal/clock"
	"github.com/hpungsan/casetrack/internal/db"
	"github.com/hpungsan/casetrack/internal/errors"
)

// Tier is one persistence layer for identity values.
type Tier interface {
	Name() string
	// Get returns the stored value and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value. Tiers without expiry ignore ttl.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// DurableTier keeps values in SQLite with an explicit expiry, outliving the tab.
// A nil database behaves like disabled storage: every call fails.
type DurableTier struct {
	db    *sql.DB
	clock clock.Clock
}

// NewDurableTier creates a durable tier over database.
func NewDurableTier(database *sql.DB, clk clock.Clock) *DurableTier {
	if clk == nil {
		clk = clock.Real{}
	}
	return &DurableTier{db: database, clock: clk}
}

// Name implements Tier.
func (t *DurableTier) Name() string { return "durable" }

// Get implements Tier.
func (t *DurableTier) Get(ctx context.Context, key string) (string, bool, error) {
	if t.db == nil {
		return "", false, errors.NewStorageUnavailable(t.Name(), nil)
	}
	e, err := db.GetKV(ctx, t.db, key, t.clock.Now())
	if errors.Is(err, errors.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.NewStorageUnavailable(t.Name(), err)
	}
	return e.Value, true, nil
}

// Set implements Tier. The entry expires ttl from now.
func (t *DurableTier) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if t.db == nil {
		return errors.NewStorageUnavailable(t.Name(), nil)
	}
	now := t.clock.Now()
	if err := db.PutKV(ctx, t.db, key, value, now.Add(ttl), now); err != nil {
		return errors.NewStorageUnavailable(t.Name(), err)
	}
	return nil
}

// Delete implements Tier.
func (t *DurableTier) Delete(ctx context.Context, key string) error {
	if t.db == nil {
		return errors.NewStorageUnavailable(t.Name(), nil)
	}
	if err := db.DeleteKV(ctx, t.db, key); err != nil {
		return errors.NewStorageUnavailable(t.Name(), err)
	}
	return nil
}

// Purge deletes expired entries and returns how many were removed.
func (t *DurableTier) Purge(ctx context.Context) (int64, error) {
	if t.db == nil {
		return 0, errors.NewStorageUnavailable(t.Name(), nil)
	}
	n, err := db.PurgeExpired(ctx, t.db, t.clock.Now())
	if err != nil {
		return 0, errors.NewStorageUnavailable(t.Name(), err)
	}
	return n, nil
}

// EphemeralTier is the per-tab store: values live as long as the process.
// The zero value is ready to use.
type EphemeralTier struct {
	mu     sync.Mutex
	values map[string]string
}

// NewEphemeralTier creates an empty per-tab tier.
func NewEphemeralTier() *EphemeralTier {
	return &EphemeralTier{values: make(map[string]string)}
}

// Name implements Tier.
func (t *EphemeralTier) Name() string { return "ephemeral" }

// Get implements Tier.
func (t *EphemeralTier) Get(_ context.Context, key string) (string, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.values[key]
	return v, ok, nil
}

// Set implements Tier.
func (t *EphemeralTier) Set(_ context.Context, key, value string, _ time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.values == nil {
		t.values = make(map[string]string)
	}
	t.values[key] = value
	return nil
}

// Delete implements Tier.
func (t *EphemeralTier) Delete(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.values, key)
	return nil
}
