// Package api provides the wire types for the query orchestrator's HTTP surface.
package api

import "time"

// Response is the generic JSON envelope written by the handlers package's
// WriteSuccess/WriteError helpers.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo is the structured error carried in Response.Error.
type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	HTTPStatus int    `json:"http_status,omitempty"`
}

// =============================================================================
// Chat Message Types (§6 "POST /chat/message")
// =============================================================================

// ChatMessageRequest is the wire shape of the one documented orchestrator
// endpoint: a natural-language message plus bounded history and per-request
// options.
// @Description Assistant chat message request
type ChatMessageRequest struct {
	// Caller's user id — resolves UserContext via the configured source.
	UserID string `json:"userId" example:"user-1" binding:"required"`
	// Natural-language user utterance.
	Message string `json:"message" example:"what's unread in my inbox?" binding:"required"`
	// Prior conversation turns, oldest first.
	History []ChatHistoryTurn `json:"history,omitempty"`
	// Per-request overrides.
	Options *ChatMessageOptions `json:"options,omitempty"`
}

// ChatHistoryTurn is one prior conversation turn in the wire history array.
// @Description Conversation history turn
type ChatHistoryTurn struct {
	Role    string    `json:"role" example:"user"`
	Content string    `json:"content"`
	Ts      time.Time `json:"ts"`
}

// ChatMessageOptions carries the request's `options` object (§6).
// @Description Per-request orchestrator options
type ChatMessageOptions struct {
	// Desired answer verbosity, e.g. "concise" or "detailed".
	Verbosity string `json:"verbosity,omitempty" example:"concise"`
	// Allow a partial answer instead of failing the whole request when some
	// plan nodes fail, time out, or are cancelled.
	BestEffort bool `json:"bestEffort,omitempty"`
	// Overall request deadline in milliseconds; falls back to the service
	// default when absent or non-positive.
	DeadlineMs int `json:"deadlineMs,omitempty" example:"20000"`
}

// ChatMessageResponse is the wire envelope returned by `POST /chat/message`
// (§6). It mirrors types.PlanEnvelope, translated into the documented wire
// field names.
// @Description Assistant chat message response envelope
type ChatMessageResponse struct {
	Answer      string                `json:"answer"`
	Citations   []string              `json:"citations,omitempty"`
	ContextOut  ChatContextOut        `json:"contextOut"`
	Warnings    []string              `json:"warnings,omitempty"`
	NeedsReauth *ChatNeedsReauth      `json:"needsReauth,omitempty"`
	Trace       *ChatTraceSummary     `json:"trace,omitempty"`
}

// ChatContextOut carries the history the caller should persist and resend on
// the next turn — the orchestrator itself is stateless (§1 Non-goals).
type ChatContextOut struct {
	History []ChatHistoryTurn `json:"history"`
}

// ChatNeedsReauth names the first provider that needs re-consent and why,
// for the caller to surface a re-auth prompt.
type ChatNeedsReauth struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}

// ChatTraceSummary is the debug/observability trace attached to the
// response: the accepted plan and each node's terminal state and timing.
type ChatTraceSummary struct {
	Plan  PlanSummary       `json:"plan"`
	Nodes []NodeTraceEntry  `json:"nodes"`
}

// PlanSummary is the wire-safe projection of the accepted Plan.
type PlanSummary struct {
	ID         string   `json:"id"`
	Nodes      []string `json:"nodeIds"`
	BestEffort bool     `json:"bestEffort"`
}

// NodeTraceEntry is one node's terminal status and duration in the trace.
type NodeTraceEntry struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	TimingMs  int64  `json:"timingMs"`
}

// ChatStreamEvent is one SSE progress event emitted while a plan executes
// (§6 "Streaming", SUPPLEMENTED FEATURES #1). The final event of a stream
// always carries Done=true; it carries the full Envelope when the request
// succeeded and no Envelope when it failed.
// @Description SSE progress or terminal event for a chat message request
type ChatStreamEvent struct {
	NodeID   string                `json:"nodeId,omitempty"`
	State    string                `json:"state,omitempty"`
	Done     bool                  `json:"done"`
	Envelope *ChatMessageResponse  `json:"envelope,omitempty"`
}

