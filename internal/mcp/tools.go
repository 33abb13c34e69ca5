package mcp

import "github.com/mark3labs/mcp-go/mcp"

var signalToolDef = mcp.NewTool("tracker_signal",
	mcp.WithDescription("Feed one host observation to the tracker. Send kind=start with a page first; "+
		"a later start begins a new page load and closes the previous one. Kinds: start, route, visibility, "+
		"exit, scroll, click, focus, input, blur, submit, copy, print, connectivity, error, rejection, "+
		"resource_error, custom, suspicious, flush."),
	mcp.WithString("kind", mcp.Required(), mcp.Description("Signal kind")),
	mcp.WithObject("page", mcp.Description("Page for start/route: {url, referrer, title, viewport:{width,height}, documentHeight}")),
	mcp.WithBoolean("hidden", mcp.Description("visibility: true when the page became hidden")),
	mcp.WithObject("scroll", mcp.Description("scroll: {scrollY, viewportHeight, documentHeight}")),
	mcp.WithObject("click", mcp.Description("click: {x, y, target:{tag, id, classes, text, href, type, trackId, inForm}}")),
	mcp.WithObject("field", mcp.Description("focus/input: {name, type, tag, formId}")),
	mcp.WithObject("form", mcp.Description("submit: {id, name, action, method, fields:[{name, type, value}]}; values are never sent")),
	mcp.WithString("text", mcp.Description("copy: the copied text")),
	mcp.WithBoolean("online", mcp.Description("connectivity: new online state")),
	mcp.WithObject("error", mcp.Description("error/rejection: {message, source, line, column, stack}")),
	mcp.WithObject("resource", mcp.Description("resource_error: {tag, url}")),
	mcp.WithString("name", mcp.Description("custom: event name")),
	mcp.WithString("reason", mcp.Description("suspicious: reason")),
	mcp.WithObject("data", mcp.Description("custom/suspicious: extra payload")),
	mcp.WithBoolean("urgent", mcp.Description("flush: use the best-effort beacon path")),
)

var trackToolDef = mcp.NewTool("tracker_track",
	mcp.WithDescription("Record an application-defined custom event on the current page load."),
	mcp.WithString("name", mcp.Required(), mcp.Description("Event name")),
	mcp.WithObject("data", mcp.Description("Event payload")),
)

var flagToolDef = mcp.NewTool("tracker_flag",
	mcp.WithDescription("Record suspicious_behavior and flush it to the collector immediately."),
	mcp.WithString("reason", mcp.Required(), mcp.Description("Why the behavior is suspicious")),
	mcp.WithObject("data", mcp.Description("Supporting details")),
)

var flushToolDef = mcp.NewTool("tracker_flush",
	mcp.WithDescription("Flush queued events now. Waits for the reliable send unless urgent."),
	mcp.WithBoolean("urgent", mcp.Description("Fire-and-forget beacon flush")),
)

var statusToolDef = mcp.NewTool("tracker_status",
	mcp.WithDescription("Session id, fingerprint, case id, engagement counters and queue statistics of the current page load."),
)
