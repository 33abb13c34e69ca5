package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hpungsan/casetrack/internal/event"
)

func TestNew_CopiesEnvironment(t *testing.T) {
	started := time.Date(2026, 2, 2, 9, 30, 0, 0, time.FixedZone("CET", 3600))
	env := event.Environment{
		UserAgent: "ua",
		Languages: []string{"de-DE", "en"},
		Platform:  "MacIntel",
		Timezone:  "Europe/Berlin",
		Screen:    event.Size{Width: 1440, Height: 900},
		Online:    true,
	}

	m := New("sess-1", env, started)
	s := m.Snapshot()

	assert.Equal(t, "sess-1", s.SessionID)
	assert.Equal(t, "de-DE", s.Locale, "locale falls back to first language")
	assert.Equal(t, event.Size{Width: 1440, Height: 900}, s.Screen)
	assert.Equal(t, started.UTC(), s.StartedAt)
	assert.True(t, s.Online)
}

func TestCounters(t *testing.T) {
	m := New("s", event.Environment{}, time.Now())
	assert.Equal(t, "s", m.SessionID())
	assert.Equal(t, 0, m.PageViews())

	assert.Equal(t, 1, m.IncPageViews())
	assert.Equal(t, 2, m.IncPageViews())
	assert.Equal(t, 2, m.PageViews())
	m.IncEvents()
	m.IncEvents()
	m.IncEvents()

	s := m.Snapshot()
	assert.Equal(t, 2, s.PageViews)
	assert.Equal(t, 3, s.Events)
}

func TestSnapshot_IsolatedFromLaterChanges(t *testing.T) {
	m := New("s", event.Environment{}, time.Now())
	m.SetFingerprint("fp1", map[string]string{"screen": "1x1"})

	snap := m.Snapshot()
	snap.Components["screen"] = "mutated"
	m.SetFingerprint("fp2", nil)
	m.SetOnline(true)

	again := m.Snapshot()
	assert.Equal(t, "fp1", snap.Fingerprint)
	assert.Equal(t, "fp2", again.Fingerprint)
	assert.True(t, again.Online)
	assert.False(t, snap.Online)
}
