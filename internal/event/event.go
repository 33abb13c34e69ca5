// Package event defines the telemetry records shipped to the collector.
package event

import "time"

// Type is an event tag from the fixed tracker vocabulary.
type Type string

const (
	PageView            Type = "page_view"
	Scroll              Type = "scroll"
	RapidScroll         Type = "rapid_scroll"
	Click               Type = "click"
	RapidClick          Type = "rapid_click"
	TrackedElementClick Type = "tracked_element_click"
	OutboundLinkClick   Type = "outbound_link_click"
	SubmitClick         Type = "submit_click"
	FormFieldFocus      Type = "form_field_focus"
	FormSubmit          Type = "form_submit"
	FormAbandon         Type = "form_abandon"
	ContentCopy         Type = "content_copy"
	Print               Type = "print"
	JavaScriptError     Type = "javascript_error"
	UnhandledRejection  Type = "unhandled_rejection"
	ResourceError       Type = "resource_error"
	NetworkOnline       Type = "network_online"
	NetworkOffline      Type = "network_offline"
	VisibilityChange    Type = "visibility_change"
	PageExit            Type = "page_exit"
	Custom              Type = "custom"
	SuspiciousBehavior  Type = "suspicious_behavior"
)

// Urgent reports whether events of this type survive backpressure drops
// ahead of everything else.
func (t Type) Urgent() bool {
	return t == SuspiciousBehavior || t == PageExit
}

// Raw is an occurrence reported by a capture observer, before enrichment.
type Raw struct {
	Type Type
	Data map[string]any
	// Page is the page context at capture time.
	Page Page
}

// Size is a width/height pair in CSS pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Page is the document the host is showing.
type Page struct {
	URL            string `json:"url"`
	Referrer       string `json:"referrer,omitempty"`
	Title          string `json:"title,omitempty"`
	Viewport       Size   `json:"viewport"`
	DocumentHeight int    `json:"documentHeight,omitempty"`
}

// Event is an enriched, immutable telemetry record.
type Event struct {
	EventID   string         `json:"eventId"`
	EventType Type           `json:"eventType"`
	Data      map[string]any `json:"data,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	LocalTime string    `json:"localTime"`

	SessionID   string `json:"sessionId"`
	Fingerprint string `json:"fingerprint"`
	CaseID      string `json:"caseId"`

	URL      string `json:"url"`
	Path     string `json:"path"`
	Referrer string `json:"referrer,omitempty"`
	Title    string `json:"title,omitempty"`
	Viewport Size   `json:"viewport"`
	Screen   Size   `json:"screen"`

	TimeOnPage            float64 `json:"timeOnPage"`
	TimeSinceLastActivity float64 `json:"timeSinceLastActivity"`
	ScrollDepth           int     `json:"scrollDepth"`
	ClickCount            int     `json:"clickCount"`
	PageViews             int     `json:"pageViews"`
	IsUnusualHour         bool    `json:"isUnusualHour"`
}

// SessionMetadata is the per-page-load description of the environment plus
// its running counters, sent with every batch.
type SessionMetadata struct {
	SessionID      string            `json:"sessionId"`
	Fingerprint    string            `json:"fingerprint"`
	Components     map[string]string `json:"fingerprintComponents,omitempty"`
	UserAgent      string            `json:"userAgent"`
	Locale         string            `json:"locale"`
	Languages      []string          `json:"languages,omitempty"`
	Timezone       string            `json:"timezone"`
	TimezoneOffset int               `json:"timezoneOffset"`
	Platform       string            `json:"platform"`
	Screen         Size              `json:"screen"`
	ColorDepth     int               `json:"colorDepth"`
	CookiesEnabled bool              `json:"cookiesEnabled"`
	LocalStorage   bool              `json:"localStorage"`
	SessionStorage bool              `json:"sessionStorage"`
	ConnectionType string            `json:"connectionType,omitempty"`
	Online         bool              `json:"online"`
	StartedAt      time.Time         `json:"startedAt"`
	PageViews      int               `json:"pageViews"`
	Events         int               `json:"events"`
}

// Payload is the body of POST /track/batch.
type Payload struct {
	Events          []Event         `json:"events"`
	SessionMetadata SessionMetadata `json:"sessionMetadata"`
}

// Environment describes the browser the agent runs in, as reported by the host.
type Environment struct {
	UserAgent      string   `json:"userAgent"`
	Language       string   `json:"language"`
	Languages      []string `json:"languages,omitempty"`
	Platform       string   `json:"platform"`
	Timezone       string   `json:"timezone"`
	TimezoneOffset int      `json:"timezoneOffset"` // minutes behind UTC, as getTimezoneOffset reports
	Screen         Size     `json:"screen"`
	ColorDepth     int      `json:"colorDepth"`
	CookiesEnabled bool     `json:"cookiesEnabled"`
	LocalStorage   bool     `json:"localStorage"`
	SessionStorage bool     `json:"sessionStorage"`
	IndexedDB      bool     `json:"indexedDB"`
	ConnectionType string   `json:"connectionType,omitempty"`
	Online         bool     `json:"online"`
	// Canvas is the serialized output of the canvas rendering probe.
	Canvas string `json:"canvas,omitempty"`
}
