// Package session holds the in-memory metadata of one page load.
package session

import (
	"maps"
	"sync"
	"time"

	"github.com/hpungsan/casetrack/internal/event"
)

// Metadata is created once per page load. Environment facts are fixed at
// construction; counters and the fingerprint change as the page lives.
type Metadata struct {
	mu   sync.Mutex
	meta event.SessionMetadata
}

// New creates metadata for a page load that started at startedAt.
func New(sessionID string, env event.Environment, startedAt time.Time) *Metadata {
	locale := env.Language
	if locale == "" && len(env.Languages) > 0 {
		locale = env.Languages[0]
	}
	return &Metadata{meta: event.SessionMetadata{
		SessionID:      sessionID,
		UserAgent:      env.UserAgent,
		Locale:         locale,
		Languages:      append([]string(nil), env.Languages...),
		Timezone:       env.Timezone,
		TimezoneOffset: env.TimezoneOffset,
		Platform:       env.Platform,
		Screen:         env.Screen,
		ColorDepth:     env.ColorDepth,
		CookiesEnabled: env.CookiesEnabled,
		LocalStorage:   env.LocalStorage,
		SessionStorage: env.SessionStorage,
		ConnectionType: env.ConnectionType,
		Online:         env.Online,
		StartedAt:      startedAt.UTC(),
	}}
}

// SessionID returns the session id.
func (m *Metadata) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta.SessionID
}

// SetFingerprint records the resolved fingerprint and its components.
func (m *Metadata) SetFingerprint(visitorID string, components map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta.Fingerprint = visitorID
	m.meta.Components = maps.Clone(components)
}

// SetOnline records a connectivity change.
func (m *Metadata) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta.Online = online
}

// IncPageViews increments the page view counter and returns the new value.
func (m *Metadata) IncPageViews() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta.PageViews++
	return m.meta.PageViews
}

// PageViews returns the page view counter.
func (m *Metadata) PageViews() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta.PageViews
}

// IncEvents increments the event counter.
func (m *Metadata) IncEvents() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta.Events++
}

// Snapshot returns a copy safe to serialize while the page keeps running.
func (m *Metadata) Snapshot() event.SessionMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.meta
	s.Components = maps.Clone(m.meta.Components)
	s.Languages = append([]string(nil), m.meta.Languages...)
	return s
}
