// Package capture turns host observations into raw tracker events.
//
// Each Observer method is one passive observer. Observers never perform
// network I/O: they update the running engagement counters and hand raw
// events to a Sink. A panic inside one observer is recovered and logged so
// it cannot take page-view or exit tracking down with it.
package capture

import (
	"math"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/casetrack/internal/clock"
	"github.com/hpungsan/casetrack/internal/event"
	"github.com/hpungsan/casetrack/internal/observability"
)

// Counters are the running engagement totals of one page load.
type Counters struct {
	maxScrollDepth atomic.Int64
	clicks         atomic.Int64
}

// ScrollDepth returns the maximum scroll depth reached, in percent.
func (c *Counters) ScrollDepth() int { return int(c.maxScrollDepth.Load()) }

// Clicks returns the number of clicks observed.
func (c *Counters) Clicks() int { return int(c.clicks.Load()) }

// raiseScrollDepth records depth and returns the maximum. The maximum never decreases.
func (c *Counters) raiseScrollDepth(depth int) int {
	for {
		cur := c.maxScrollDepth.Load()
		if int64(depth) <= cur {
			return int(cur)
		}
		if c.maxScrollDepth.CompareAndSwap(cur, int64(depth)) {
			return depth
		}
	}
}

// Options configure an Observer.
type Options struct {
	Sink       Sink
	Clock      clock.Clock
	Thresholds Thresholds
	// UrgentFlush is called after the page is hidden or exits.
	UrgentFlush func()
	Logger      *zap.Logger
}

// Observer holds the capture state of one page load.
type Observer struct {
	sink     Sink
	clock    clock.Clock
	th       Thresholds
	urgent   func()
	logger   *zap.Logger
	counters *Counters

	mu     sync.Mutex
	page   event.Page
	closed bool

	scrollTimer   clock.Timer
	scrollGen     uint64 // bumped per sample; a settle callback for an older gen is stale
	scrollPending bool
	lastScrollY   float64
	lastScrollAt  time.Time
	hasScrolled   bool
	rapidInBurst  bool
	lastDepth     int

	clickTimes []time.Time

	focused     *Field
	lastInputAt time.Time
}

// NewObserver creates an Observer. Counters may be shared with the enrichment engine.
func NewObserver(counters *Counters, opts Options) *Observer {
	if counters == nil {
		counters = &Counters{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Sink == nil {
		opts.Sink = SinkFunc(func(event.Raw) {})
	}
	return &Observer{
		sink:     opts.Sink,
		clock:    opts.Clock,
		th:       opts.Thresholds,
		urgent:   opts.UrgentFlush,
		logger:   observability.OrNop(opts.Logger).Named("capture"),
		counters: counters,
	}
}

// Counters returns the engagement counters.
func (o *Observer) Counters() *Counters { return o.counters }

// Page returns the current page context.
func (o *Observer) Page() event.Page {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.page
}

// PageView records the initial load or a client-side route change.
func (o *Observer) PageView(page event.Page) {
	defer o.recoverObserver("page_view")
	raw, ok := o.pageView(page)
	if ok {
		o.emit(raw)
	}
}

func (o *Observer) pageView(page event.Page) (event.Raw, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return event.Raw{}, false
	}
	if page.Referrer == "" && o.page.URL != "" {
		// Client-side navigation: the previous route is the referrer.
		page.Referrer = o.page.URL
	}
	if page.Viewport == (event.Size{}) {
		page.Viewport = o.page.Viewport
	}
	o.page = page

	data := map[string]any{"referrer": page.Referrer}
	if u, err := url.Parse(page.URL); err == nil {
		data["path"] = u.Path
		data["query"] = u.RawQuery
	}
	if page.Title != "" {
		data["title"] = page.Title
	}
	return o.rawLocked(event.PageView, data), true
}

// Visibility records the page becoming hidden or visible. A hidden page may
// never resume, so it triggers an urgent flush.
func (o *Observer) Visibility(hidden bool) {
	defer o.recoverObserver("visibility_change")
	state := "visible"
	if hidden {
		state = "hidden"
	}
	raw, ok := o.simple(event.VisibilityChange, map[string]any{"state": state})
	if !ok {
		return
	}
	o.emit(raw)
	if hidden {
		o.flushUrgent()
	}
}

// Exit records the page unloading and triggers an urgent flush. Pending
// debounced events are emitted first. The observer ignores input afterwards.
func (o *Observer) Exit() {
	defer o.recoverObserver("page_exit")
	raws := o.exit()
	if len(raws) == 0 {
		return
	}
	o.emit(raws...)
	o.flushUrgent()
}

func (o *Observer) exit() []event.Raw {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	var raws []event.Raw
	if o.scrollPending {
		if o.scrollTimer != nil {
			o.scrollTimer.Stop()
		}
		raws = append(raws, o.settleScrollLocked())
	}
	raws = append(raws, o.rawLocked(event.PageExit, map[string]any{
		"maxScrollDepth": o.counters.ScrollDepth(),
		"clickCount":     o.counters.Clicks(),
	}))
	o.closed = true
	return raws
}

// Scroll records a scroll sample. Depth is tracked immediately; the scroll
// event itself is emitted once scrolling pauses for the debounce window.
func (o *Observer) Scroll(s ScrollSample) {
	defer o.recoverObserver("scroll")
	raw, ok := o.scroll(s)
	if ok {
		o.emit(raw)
	}
}

func (o *Observer) scroll(s ScrollSample) (event.Raw, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return event.Raw{}, false
	}
	now := o.clock.Now()

	viewport := s.ViewportHeight
	if viewport == 0 {
		viewport = o.page.Viewport.Height
	}
	docHeight := s.DocumentHeight
	if docHeight == 0 {
		docHeight = o.page.DocumentHeight
	}
	o.lastDepth = ScrollDepth(s.ScrollY, viewport, docHeight)
	o.counters.raiseScrollDepth(o.lastDepth)

	var rapid event.Raw
	emitRapid := false
	if o.hasScrolled {
		if dt := now.Sub(o.lastScrollAt).Seconds(); dt > 0 {
			speed := math.Abs(s.ScrollY-o.lastScrollY) / dt
			if speed > o.th.RapidScrollPxPerSec && !o.rapidInBurst {
				o.rapidInBurst = true
				emitRapid = true
				rapid = o.rawLocked(event.RapidScroll, map[string]any{
					"speed":   math.Round(speed),
					"from":    o.lastScrollY,
					"scrollY": s.ScrollY,
				})
			}
		}
	}
	o.hasScrolled = true
	o.lastScrollY = s.ScrollY
	o.lastScrollAt = now

	if o.scrollTimer != nil {
		o.scrollTimer.Stop()
	}
	o.scrollPending = true
	o.scrollGen++
	gen := o.scrollGen
	o.scrollTimer = o.clock.AfterFunc(o.th.ScrollDebounce, func() { o.scrollSettled(gen) })

	return rapid, emitRapid
}

// scrollSettled runs when the debounce timer of sample gen fires. A timer
// whose Stop lost the race with its callback finds a newer gen and returns.
func (o *Observer) scrollSettled(gen uint64) {
	defer o.recoverObserver("scroll")
	o.mu.Lock()
	if o.closed || !o.scrollPending || gen != o.scrollGen {
		o.mu.Unlock()
		return
	}
	raw := o.settleScrollLocked()
	o.mu.Unlock()
	o.emit(raw)
}

func (o *Observer) settleScrollLocked() event.Raw {
	o.scrollPending = false
	o.scrollGen++
	o.scrollTimer = nil
	o.rapidInBurst = false
	return o.rawLocked(event.Scroll, map[string]any{
		"depth":    o.lastDepth,
		"maxDepth": o.counters.ScrollDepth(),
		"scrollY":  o.lastScrollY,
	})
}

// ScrollDepth returns (scrollY + viewportHeight) / documentHeight as a
// percentage clamped to [0,100]. A document with no height is fully visible.
func ScrollDepth(scrollY float64, viewportHeight, documentHeight int) int {
	if documentHeight <= 0 {
		return 100
	}
	pct := (scrollY + float64(viewportHeight)) / float64(documentHeight) * 100
	return int(math.Round(math.Max(0, math.Min(100, pct))))
}

// Click records a click, the rapid-click heuristic and the typed
// sub-events for tracked elements, outbound links and submit controls.
func (o *Observer) Click(c Click) {
	defer o.recoverObserver("click")
	o.emit(o.click(c)...)
}

func (o *Observer) click(c Click) []event.Raw {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	now := o.clock.Now()
	o.counters.clicks.Add(1)

	target := c.Target
	raws := []event.Raw{o.rawLocked(event.Click, map[string]any{
		"x":       c.X,
		"y":       c.Y,
		"tag":     strings.ToLower(target.Tag),
		"id":      target.ID,
		"classes": target.Classes,
		"text":    truncateRunes(strings.TrimSpace(target.Text), clickTextRunes),
		"href":    target.Href,
	})}

	// Rolling window: keep clicks younger than the window.
	cutoff := now.Add(-o.th.RapidClickWindow)
	kept := o.clickTimes[:0]
	for _, t := range o.clickTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	o.clickTimes = append(kept, now)
	if len(o.clickTimes) > o.th.RapidClickCount {
		raws = append(raws, o.rawLocked(event.RapidClick, map[string]any{
			"count":    len(o.clickTimes),
			"windowMs": o.th.RapidClickWindow.Milliseconds(),
		}))
		o.clickTimes = nil
	}

	if target.TrackID != "" {
		raws = append(raws, o.rawLocked(event.TrackedElementClick, map[string]any{
			"trackId": target.TrackID,
			"tag":     strings.ToLower(target.Tag),
		}))
	}
	if host, ok := outboundHost(o.page.URL, target.Href); ok {
		raws = append(raws, o.rawLocked(event.OutboundLinkClick, map[string]any{
			"href": target.Href,
			"host": host,
		}))
	}
	if isSubmitControl(target) {
		raws = append(raws, o.rawLocked(event.SubmitClick, map[string]any{
			"tag":  strings.ToLower(target.Tag),
			"id":   target.ID,
			"text": truncateRunes(strings.TrimSpace(target.Text), clickTextRunes),
		}))
	}
	return raws
}

// Focus records focus moving to f. Focus on a non-input element counts as
// focus leaving input context.
func (o *Observer) Focus(f Field) {
	defer o.recoverObserver("form_field_focus")
	o.emit(o.focus(f)...)
}

func (o *Observer) focus(f Field) []event.Raw {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	if !isInputLike(f) {
		return o.leaveInputLocked()
	}
	now := o.clock.Now()
	field := f
	o.focused = &field
	o.lastInputAt = now
	return []event.Raw{o.rawLocked(event.FormFieldFocus, map[string]any{
		"name":   f.Name,
		"type":   fieldType(f),
		"formId": f.FormID,
	})}
}

// Input records typing in f, resetting its inactivity clock.
func (o *Observer) Input(f Field) {
	defer o.recoverObserver("input")
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || !isInputLike(f) {
		return
	}
	if o.focused == nil || o.focused.Name != f.Name {
		field := f
		o.focused = &field
	}
	o.lastInputAt = o.clock.Now()
}

// Blur records focus leaving input context altogether.
func (o *Observer) Blur() {
	defer o.recoverObserver("form_abandon")
	o.emit(o.blur()...)
}

func (o *Observer) blur() []event.Raw {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	return o.leaveInputLocked()
}

// leaveInputLocked clears the focused field, emitting form_abandon when it
// sat without input for at least the abandonment window.
func (o *Observer) leaveInputLocked() []event.Raw {
	if o.focused == nil {
		return nil
	}
	f := *o.focused
	o.focused = nil
	idle := o.clock.Now().Sub(o.lastInputAt)
	if idle < o.th.FormAbandon {
		return nil
	}
	return []event.Raw{o.rawLocked(event.FormAbandon, map[string]any{
		"name":   f.Name,
		"type":   fieldType(f),
		"formId": f.FormID,
		"idleMs": idle.Milliseconds(),
	})}
}

// Submit records a form submission with the shape of its fields. Field
// values never leave the observer.
func (o *Observer) Submit(form Form) {
	defer o.recoverObserver("form_submit")
	raw, ok := o.submit(form)
	if ok {
		o.emit(raw)
	}
}

func (o *Observer) submit(form Form) (event.Raw, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return event.Raw{}, false
	}
	o.focused = nil

	fields := make([]map[string]any, 0, len(form.Fields))
	for _, f := range form.Fields {
		fields = append(fields, map[string]any{
			"name":   f.Name,
			"type":   fieldType(f),
			"filled": strings.TrimSpace(f.Value) != "",
		})
	}
	return o.rawLocked(event.FormSubmit, map[string]any{
		"formId":     form.ID,
		"formName":   form.Name,
		"action":     form.Action,
		"method":     strings.ToUpper(form.Method),
		"fields":     fields,
		"fieldCount": len(fields),
	}), true
}

// Copy records a clipboard copy with the selection's length and a short preview.
func (o *Observer) Copy(text string) {
	defer o.recoverObserver("content_copy")
	raw, ok := o.simple(event.ContentCopy, map[string]any{
		"length":  len([]rune(text)),
		"preview": truncateRunes(text, copyPreviewRunes),
	})
	if ok {
		o.emit(raw)
	}
}

// Print records a print request.
func (o *Observer) Print() {
	defer o.recoverObserver("print")
	raw, ok := o.simple(event.Print, map[string]any{})
	if ok {
		o.emit(raw)
	}
}

// Connectivity records the browser going online or offline.
func (o *Observer) Connectivity(online bool) {
	defer o.recoverObserver("connectivity")
	typ := event.NetworkOffline
	if online {
		typ = event.NetworkOnline
	}
	raw, ok := o.simple(typ, map[string]any{"online": online})
	if ok {
		o.emit(raw)
	}
}

// Error records an uncaught script error.
func (o *Observer) Error(info ErrorInfo) {
	defer o.recoverObserver("javascript_error")
	raw, ok := o.simple(event.JavaScriptError, errorData(info))
	if ok {
		o.emit(raw)
	}
}

// Rejection records an unhandled promise rejection.
func (o *Observer) Rejection(info ErrorInfo) {
	defer o.recoverObserver("unhandled_rejection")
	raw, ok := o.simple(event.UnhandledRejection, errorData(info))
	if ok {
		o.emit(raw)
	}
}

// ResourceError records a resource that failed to load.
func (o *Observer) ResourceError(info ResourceInfo) {
	defer o.recoverObserver("resource_error")
	raw, ok := o.simple(event.ResourceError, map[string]any{
		"tag": strings.ToLower(info.Tag),
		"url": truncateRunes(info.URL, messageMaxChars),
	})
	if ok {
		o.emit(raw)
	}
}

// Custom hands an application-defined event to the sink.
func (o *Observer) Custom(typ event.Type, data map[string]any) {
	defer o.recoverObserver(string(typ))
	raw, ok := o.simple(typ, data)
	if ok {
		o.emit(raw)
	}
}

// Close stops pending timers. Later observations are ignored.
func (o *Observer) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.scrollTimer != nil {
		o.scrollTimer.Stop()
		o.scrollTimer = nil
	}
	o.closed = true
}

func (o *Observer) simple(typ event.Type, data map[string]any) (event.Raw, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return event.Raw{}, false
	}
	return o.rawLocked(typ, data), true
}

func (o *Observer) rawLocked(typ event.Type, data map[string]any) event.Raw {
	return event.Raw{Type: typ, Data: data, Page: o.page}
}

// emit hands each raw event to the sink, isolating sink panics per event.
func (o *Observer) emit(raws ...event.Raw) {
	for _, raw := range raws {
		func() {
			defer o.recoverObserver(string(raw.Type))
			o.sink.Emit(raw)
		}()
	}
}

func (o *Observer) flushUrgent() {
	if o.urgent != nil {
		o.urgent()
	}
}

func (o *Observer) recoverObserver(name string) {
	if p := recover(); p != nil {
		o.logger.Warn("observer panicked", zap.String("observer", name), zap.Any("panic", p))
	}
}

func errorData(info ErrorInfo) map[string]any {
	return map[string]any{
		"message": truncateRunes(info.Message, messageMaxChars),
		"source":  info.Source,
		"line":    info.Line,
		"column":  info.Column,
		"stack":   truncateRunes(info.Stack, stackMaxChars),
	}
}

func isInputLike(f Field) bool {
	switch strings.ToLower(f.Tag) {
	case "input", "textarea", "select":
		return true
	case "":
		// Hosts that omit the tag report input types only.
		return f.Type != ""
	}
	return false
}

func fieldType(f Field) string {
	if f.Type != "" {
		return strings.ToLower(f.Type)
	}
	return strings.ToLower(f.Tag)
}

func isSubmitControl(e Element) bool {
	tag := strings.ToLower(e.Tag)
	typ := strings.ToLower(e.Type)
	switch {
	case tag == "input" && (typ == "submit" || typ == "image"):
		return true
	case tag == "button" && typ == "submit":
		return true
	case tag == "button" && typ == "" && e.InForm:
		return true
	}
	return false
}

// outboundHost reports whether href points to a different origin than pageURL.
func outboundHost(pageURL, href string) (string, bool) {
	if href == "" {
		return "", false
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", false
	}
	target, err := base.Parse(href)
	if err != nil {
		return "", false
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return "", false
	}
	if target.Scheme == base.Scheme && strings.EqualFold(target.Host, base.Host) {
		return "", false
	}
	return target.Host, true
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
