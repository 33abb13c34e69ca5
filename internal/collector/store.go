// Package collector is a development sink for tracker batches. It
// acknowledges POST /track/batch, drops duplicate event ids and keeps a
// bounded window of recent batches for inspection. It stores nothing on disk.
package collector

import (
	"sync"
	"time"

	"github.com/hpungsan/casetrack/internal/event"
)

// Batch is one accepted payload.
type Batch struct {
	ReceivedAt  time.Time             `json:"received_at"`
	SessionID   string                `json:"session_id"`
	Fingerprint string                `json:"fingerprint,omitempty"`
	Events      []event.Event         `json:"events"`
	Duplicates  int                   `json:"duplicates"`
	Metadata    event.SessionMetadata `json:"session_metadata"`
}

// Store keeps the most recent batches and the event ids seen recently.
type Store struct {
	mu         sync.Mutex
	maxBatches int
	maxIDs     int
	batches    []Batch
	seen       map[string]struct{}
	seenOrder  []string
	total      int
	duplicates int
}

// NewStore creates a Store holding up to maxBatches batches.
func NewStore(maxBatches int) *Store {
	if maxBatches <= 0 {
		maxBatches = 100
	}
	return &Store{
		maxBatches: maxBatches,
		maxIDs:     maxBatches * 100,
		seen:       make(map[string]struct{}),
	}
}

// Add records p, dropping events whose id was already accepted. It returns
// the stored batch.
func (s *Store) Add(p event.Payload, fingerprint string, now time.Time) Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := Batch{
		ReceivedAt:  now.UTC(),
		SessionID:   p.SessionMetadata.SessionID,
		Fingerprint: fingerprint,
		Metadata:    p.SessionMetadata,
		Events:      make([]event.Event, 0, len(p.Events)),
	}
	for _, e := range p.Events {
		if e.EventID != "" {
			if _, dup := s.seen[e.EventID]; dup {
				b.Duplicates++
				continue
			}
			s.remember(e.EventID)
		}
		b.Events = append(b.Events, e)
	}

	s.batches = append(s.batches, b)
	if over := len(s.batches) - s.maxBatches; over > 0 {
		s.batches = s.batches[over:]
	}
	s.total += len(b.Events)
	s.duplicates += b.Duplicates
	return b
}

func (s *Store) remember(id string) {
	s.seen[id] = struct{}{}
	s.seenOrder = append(s.seenOrder, id)
	if over := len(s.seenOrder) - s.maxIDs; over > 0 {
		for _, old := range s.seenOrder[:over] {
			delete(s.seen, old)
		}
		s.seenOrder = s.seenOrder[over:]
	}
}

// Recent returns up to limit batches, newest first. A non-empty sessionID
// filters by session.
func (s *Store) Recent(limit int, sessionID string) []Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Batch, 0, min(limit, len(s.batches)))
	for i := len(s.batches) - 1; i >= 0 && len(out) < limit; i-- {
		if sessionID != "" && s.batches[i].SessionID != sessionID {
			continue
		}
		out = append(out, s.batches[i])
	}
	return out
}

// Totals returns the accepted event count and the duplicate count.
func (s *Store) Totals() (events, duplicates int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total, s.duplicates
}
