package capture

import (
	"time"

	"github.com/hpungsan/casetrack/internal/config"
	"github.com/hpungsan/casetrack/internal/event"
)

// Payload bounds.
const (
	copyPreviewRunes = 50
	stackMaxChars    = 500
	messageMaxChars  = 500
	clickTextRunes   = 100
)

// Sink receives raw events. The enrichment engine implements it.
type Sink interface {
	Emit(raw event.Raw)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(raw event.Raw)

// Emit implements Sink.
func (f SinkFunc) Emit(raw event.Raw) { f(raw) }

// Thresholds tune the behavioral heuristics.
type Thresholds struct {
	ScrollDebounce      time.Duration
	RapidScrollPxPerSec float64
	// RapidClickCount must be exceeded within RapidClickWindow for rapid_click.
	RapidClickCount  int
	RapidClickWindow time.Duration
	FormAbandon      time.Duration
}

// ThresholdsFromConfig reads Thresholds from cfg.
func ThresholdsFromConfig(cfg *config.Config) Thresholds {
	return Thresholds{
		ScrollDebounce:      cfg.ScrollDebounce(),
		RapidScrollPxPerSec: float64(cfg.RapidScrollPxPerSec),
		RapidClickCount:     cfg.RapidClickCount,
		RapidClickWindow:    cfg.RapidClickWindow(),
		FormAbandon:         cfg.FormAbandon(),
	}
}

// Element describes a DOM element involved in an interaction.
type Element struct {
	Tag     string `json:"tag"`
	ID      string `json:"id,omitempty"`
	Classes string `json:"classes,omitempty"`
	Text    string `json:"text,omitempty"`
	Href    string `json:"href,omitempty"`
	Type    string `json:"type,omitempty"`
	// TrackID is the element's explicit tracking marker (data-track).
	TrackID string `json:"trackId,omitempty"`
	InForm  bool   `json:"inForm,omitempty"`
}

// Click is a pointer click.
type Click struct {
	X      int     `json:"x"`
	Y      int     `json:"y"`
	Target Element `json:"target"`
}

// ScrollSample is the scroll position reported by a scroll event.
type ScrollSample struct {
	ScrollY        float64 `json:"scrollY"`
	ViewportHeight int     `json:"viewportHeight,omitempty"`
	DocumentHeight int     `json:"documentHeight,omitempty"`
}

// Field is a form control. Value is only inspected to tell whether the field
// is filled; it is never emitted.
type Field struct {
	Name   string `json:"name"`
	Type   string `json:"type,omitempty"`
	Tag    string `json:"tag,omitempty"`
	FormID string `json:"formId,omitempty"`
	Value  string `json:"value,omitempty"`
}

// Form is a submitted form.
type Form struct {
	ID     string  `json:"id,omitempty"`
	Name   string  `json:"name,omitempty"`
	Action string  `json:"action,omitempty"`
	Method string  `json:"method,omitempty"`
	Fields []Field `json:"fields,omitempty"`
}

// ErrorInfo is an uncaught error or unhandled promise rejection.
type ErrorInfo struct {
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// ResourceInfo is a resource that failed to load.
type ResourceInfo struct {
	Tag string `json:"tag"`
	URL string `json:"url"`
}
