package mcp

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/casetrack/internal/agent"
	"github.com/hpungsan/casetrack/internal/errors"
	"github.com/hpungsan/casetrack/internal/signal"
)

// Handlers holds the page load driven by the MCP client.
type Handlers struct {
	newAgent func() *agent.Agent

	mu      sync.Mutex
	current *agent.Agent
	started bool
}

// NewHandlers creates Handlers. newAgent builds the agent of each page load.
func NewHandlers(newAgent func() *agent.Agent) *Handlers {
	return &Handlers{newAgent: newAgent, current: newAgent()}
}

// Request types for each tool

// TrackRequest represents the arguments for tracker_track.
type TrackRequest struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data,omitempty"`
}

// FlagRequest represents the arguments for tracker_flag.
type FlagRequest struct {
	Reason string         `json:"reason"`
	Data   map[string]any `json:"data,omitempty"`
}

// FlushRequest represents the arguments for tracker_flush.
type FlushRequest struct {
	Urgent bool `json:"urgent,omitempty"`
}

// SignalResponse is returned by tracker_signal.
type SignalResponse struct {
	Kind   signal.Kind  `json:"kind"`
	Status agent.Status `json:"status"`
}

// HandleSignal handles the tracker_signal tool call.
func (h *Handlers) HandleSignal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(req.GetArguments())
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	sig, err := signal.Parse(raw)
	if err != nil {
		return errorResult(err), nil
	}

	a, err := h.agentFor(ctx, sig.Kind)
	if err != nil {
		return errorResult(err), nil
	}
	if err := signal.Dispatch(ctx, a, sig); err != nil {
		return errorResult(err), nil
	}
	if sig.Kind == signal.KindStart {
		h.mu.Lock()
		h.started = true
		h.mu.Unlock()
	}

	return successResult(SignalResponse{Kind: sig.Kind, Status: a.Status()})
}

// agentFor returns the agent a signal applies to. A start on a running page
// load closes it and begins a new one with the same identity tiers.
func (h *Handlers) agentFor(ctx context.Context, kind signal.Kind) (*agent.Agent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if kind != signal.KindStart || !h.started {
		return h.current, nil
	}
	if err := h.current.Close(ctx); err != nil {
		return nil, errors.NewInternal(err)
	}
	h.current = h.newAgent()
	h.started = false
	return h.current, nil
}

func (h *Handlers) agent() *agent.Agent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// HandleTrack handles the tracker_track tool call.
func (h *Handlers) HandleTrack(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[TrackRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	a := h.agent()
	if err := a.Track(input.Name, input.Data); err != nil {
		return errorResult(err), nil
	}
	return successResult(a.Status())
}

// HandleFlag handles the tracker_flag tool call.
func (h *Handlers) HandleFlag(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[FlagRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	a := h.agent()
	if err := a.FlagSuspicious(input.Reason, input.Data); err != nil {
		return errorResult(err), nil
	}
	if err := a.Wait(ctx); err != nil {
		return errorResult(errors.NewInternal(err)), nil
	}
	return successResult(a.Status())
}

// HandleFlush handles the tracker_flush tool call.
func (h *Handlers) HandleFlush(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[FlushRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	a := h.agent()
	a.Flush(ctx, input.Urgent)
	if !input.Urgent {
		if err := a.Wait(ctx); err != nil {
			return errorResult(errors.NewInternal(err)), nil
		}
	}
	return successResult(a.Status())
}

// HandleStatus handles the tracker_status tool call.
func (h *Handlers) HandleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return successResult(h.agent().Status())
}

// Close ends the current page load.
func (h *Handlers) Close(ctx context.Context) error {
	return h.agent().Close(ctx)
}

// errorResult creates an MCP error result from an error.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	if tErr, ok := err.(*errors.TrackError); ok {
		errorObj := map[string]any{
			"code":    tErr.Code,
			"message": tErr.Message,
			"status":  tErr.Status,
		}
		// Internal errors may carry SQL or filesystem details.
		if tErr.Code != errors.ErrInternal && tErr.Details != nil {
			errorObj["details"] = tErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    "INTERNAL",
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
