package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/inboxloom/orchestrator/api"
	"github.com/inboxloom/orchestrator/apierr"
	"github.com/inboxloom/orchestrator/coordinator"
	"github.com/inboxloom/orchestrator/internal/pool"
	"github.com/inboxloom/orchestrator/orchestrator"
	"github.com/inboxloom/orchestrator/types"
)

// ChatHandler serves the one documented request path (§6 "POST
// /chat/message"): decompose, validate, execute, synthesize, respond.
type ChatHandler struct {
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
}

// NewChatHandler builds a ChatHandler around an already-wired Orchestrator.
func NewChatHandler(orch *orchestrator.Orchestrator, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{orch: orch, logger: logger}
}

// HandleMessage serves POST /chat/message: a single request/response cycle
// with no persistent connection.
func (h *ChatHandler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ChatMessageRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if verr := validateChatMessageRequest(&req); verr != nil {
		WriteError(w, verr, h.logger)
		return
	}

	history := toConversationHistory(req.History)
	opts := toRequestOptions(req.Options)

	envelope, err := h.orch.HandleMessage(r.Context(), req.UserID, req.Message, history, opts)
	if err != nil {
		h.writeOrchestratorError(w, err)
		return
	}

	WriteSuccess(w, toChatMessageResponse(envelope))
}

// HandleMessageStream serves the optional SSE variant of the same request
// (§6 "Streaming"): one event per node state transition, then a final event
// carrying the full envelope. No connection is kept open after it closes.
func (h *ChatHandler) HandleMessageStream(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ChatMessageRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if verr := validateChatMessageRequest(&req); verr != nil {
		WriteError(w, verr, h.logger)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, types.NewError(types.ErrInternalError, "streaming not supported"), h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	events := make(chan coordinator.NodeEvent, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			writeSSEEvent(w, flusher, api.ChatStreamEvent{NodeID: ev.NodeID, State: string(ev.Status)})
		}
	}()

	history := toConversationHistory(req.History)
	opts := toRequestOptions(req.Options)

	envelope, err := h.orch.HandleMessageStreaming(r.Context(), req.UserID, req.Message, history, opts, events)
	<-done

	if err != nil {
		h.logger.Error("streaming chat message failed", zap.Error(err))
		writeSSEEvent(w, flusher, api.ChatStreamEvent{Done: true})
		return
	}

	resp := toChatMessageResponse(envelope)
	writeSSEEvent(w, flusher, api.ChatStreamEvent{Done: true, Envelope: &resp})
}

// writeSSEEvent encodes ev straight into a pooled buffer — one of these
// fires per plan node on every streamed request, so the allocation is worth
// avoiding.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev api.ChatStreamEvent) {
	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(ev); err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(buf.Bytes())
	w.Write([]byte("\n"))
	flusher.Flush()
}

func validateChatMessageRequest(req *api.ChatMessageRequest) *types.Error {
	if req.UserID == "" {
		return types.NewError(types.ErrInvalidRequest, "userId is required")
	}
	if req.Message == "" {
		return types.NewError(types.ErrInvalidRequest, "message is required")
	}
	return nil
}

func toConversationHistory(turns []api.ChatHistoryTurn) types.ConversationHistory {
	out := make([]types.ConversationTurn, len(turns))
	for i, t := range turns {
		out[i] = types.ConversationTurn{Role: types.Role(t.Role), Content: t.Content, Timestamp: t.Ts}
	}
	return types.ConversationHistory{Turns: out}
}

func toRequestOptions(opts *api.ChatMessageOptions) orchestrator.RequestOptions {
	if opts == nil {
		return orchestrator.RequestOptions{}
	}
	return orchestrator.RequestOptions{
		Verbosity:  opts.Verbosity,
		BestEffort: opts.BestEffort,
		DeadlineMs: opts.DeadlineMs,
	}
}

func toChatMessageResponse(env types.PlanEnvelope) api.ChatMessageResponse {
	resp := api.ChatMessageResponse{
		Answer: env.Answer,
		ContextOut: api.ChatContextOut{
			History: []api.ChatHistoryTurn{
				{Role: string(types.RoleAssistant), Content: env.Answer, Ts: time.Now()},
			},
		},
	}

	if env.PartialResult {
		resp.Warnings = append(resp.Warnings, "response is based on a partial result; some data sources were unavailable")
	}
	if len(env.NeedsReauth) > 0 {
		resp.NeedsReauth = &api.ChatNeedsReauth{
			Provider: env.NeedsReauth[0],
			Reason:   "re-authorization required to access this provider",
		}
	}

	nodeIDs := make([]string, 0, len(env.Plan.Nodes))
	for _, n := range env.Plan.Nodes {
		nodeIDs = append(nodeIDs, n.ID)
	}
	nodes := make([]api.NodeTraceEntry, 0, len(env.Trace.NodeResults))
	for _, n := range env.Plan.Nodes {
		r, ok := env.Trace.NodeResults[n.ID]
		if !ok {
			continue
		}
		nodes = append(nodes, api.NodeTraceEntry{
			ID:       n.ID,
			State:    string(r.Status),
			TimingMs: r.Duration.Milliseconds(),
		})
	}
	resp.Trace = &api.ChatTraceSummary{
		Plan:  api.PlanSummary{ID: env.Plan.ID, Nodes: nodeIDs, BestEffort: env.Plan.BestEffort},
		Nodes: nodes,
	}

	return resp
}

// writeOrchestratorError maps the orchestrator's *apierr.Error kinds onto
// the wire error taxonomy (§7); any other error is an opaque internal error.
func (h *ChatHandler) writeOrchestratorError(w http.ResponseWriter, err error) {
	aerr, ok := err.(*apierr.Error)
	if !ok {
		WriteError(w, types.NewError(types.ErrInternalError, "request failed").WithCause(err), h.logger)
		return
	}

	code := types.ErrInternalError
	status := http.StatusInternalServerError
	switch aerr.Kind {
	case apierr.KindValidation, apierr.KindInvalidRequest:
		code, status = types.ErrInvalidRequest, http.StatusBadRequest
	case apierr.KindNeedsReauth:
		code, status = types.ErrUnauthorized, http.StatusUnauthorized
	case apierr.KindRateLimited:
		code, status = types.ErrRateLimit, http.StatusTooManyRequests
	case apierr.KindCircuitOpen:
		code, status = types.ErrServiceUnavailable, http.StatusServiceUnavailable
	case apierr.KindTimeout:
		code, status = types.ErrUpstreamTimeout, http.StatusGatewayTimeout
	case apierr.KindPermissionDenied:
		code, status = types.ErrForbidden, http.StatusForbidden
	case apierr.KindNotFound:
		code, status = types.ErrModelNotFound, http.StatusNotFound
	}

	WriteError(w, types.NewError(code, aerr.Message).
		WithCause(aerr.Cause).
		WithRetryable(aerr.Retryable).
		WithHTTPStatus(status), h.logger)
}
