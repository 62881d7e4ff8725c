// Package orchestrator wires the Decomposer (L1), ExecutionCoordinator (L2),
// and Synthesizer (L3) into the single documented request path (§4.9): fetch
// the caller's UserContext cache-aside, decompose the query into a Plan,
// validate it, grant the Decomposer one revision attempt on failure, run the
// plan under a request deadline, and synthesize the final envelope. This is
// the typed, stateless counterpart to workflow.DAGWorkflow's "build a graph,
// hand it to an executor" shape — here the graph is rebuilt fresh per
// request instead of assembled once at startup.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/inboxloom/orchestrator/apierr"
	"github.com/inboxloom/orchestrator/coordinator"
	"github.com/inboxloom/orchestrator/decomposer"
	"github.com/inboxloom/orchestrator/synthesizer"
	"github.com/inboxloom/orchestrator/types"
	"github.com/inboxloom/orchestrator/validator"
)

// UserContextSource resolves a user id into its UserContext when the
// cache-aside lookup misses. Implementations typically read from the
// enrollment/profile store.
type UserContextSource interface {
	FetchUserContext(ctx context.Context, userID string) (types.UserContext, error)
}

// UserContextCache is the best-effort cache-aside layer in front of
// UserContextSource (§5 "Caches: optional; ... never required for
// correctness"). internal/cache.Manager satisfies this with GetJSON/SetJSON.
type UserContextCache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// RequestOptions carries the per-request overrides from the wire request's
// `options` field (§6).
type RequestOptions struct {
	Verbosity  string
	BestEffort bool
	DeadlineMs int
}

// Config tunes the orchestrator's deadlines and cache TTL.
type Config struct {
	// RequestDeadline bounds the whole request when options.DeadlineMs is
	// absent or non-positive (default 30s, §5).
	RequestDeadline time.Duration
	// UserContextCacheTTL is how long a cache-aside UserContext entry is
	// trusted before being re-fetched from UserContextSource.
	UserContextCacheTTL time.Duration
}

// DefaultConfig returns the spec's default request deadline and a
// conservative user-context cache TTL.
func DefaultConfig() Config {
	return Config{
		RequestDeadline:     30 * time.Second,
		UserContextCacheTTL: 2 * time.Minute,
	}
}

// Orchestrator is the top-level glue described by §4.9. It holds no
// per-request state; every field is safe for concurrent use across requests.
type Orchestrator struct {
	decomposer  *decomposer.Decomposer
	validator   *validator.Validator
	coordinator *coordinator.Coordinator
	synthesizer *synthesizer.Synthesizer

	userSource UserContextSource
	cache      UserContextCache // may be nil; cache is always best-effort

	cfg    Config
	logger *zap.Logger
}

// New builds an Orchestrator from its four layers. cache may be nil, in
// which case every request fetches UserContext directly from userSource.
func New(
	d *decomposer.Decomposer,
	v *validator.Validator,
	c *coordinator.Coordinator,
	s *synthesizer.Synthesizer,
	userSource UserContextSource,
	cache UserContextCache,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestDeadline <= 0 {
		cfg.RequestDeadline = 30 * time.Second
	}
	return &Orchestrator{
		decomposer:  d,
		validator:   v,
		coordinator: c,
		synthesizer: s,
		userSource:  userSource,
		cache:       cache,
		cfg:         cfg,
		logger:      logger.With(zap.String("component", "orchestrator")),
	}
}

// HandleMessage runs one full request end to end and returns the
// PlanEnvelope the wire handler serializes back to the caller (§6).
func (o *Orchestrator) HandleMessage(ctx context.Context, userID, message string, history types.ConversationHistory, opts RequestOptions) (types.PlanEnvelope, error) {
	return o.handle(ctx, userID, message, history, opts, o.coordinator.Run)
}

// HandleMessageStreaming runs the same request path as HandleMessage, but
// emits a coordinator.NodeEvent on events for every node state transition
// (SUPPLEMENTED FEATURES #1, §6 "Streaming"). events is never closed by this
// method; the caller owns its lifecycle. Callers that don't need progress
// events should use HandleMessage instead of passing a throwaway channel.
func (o *Orchestrator) HandleMessageStreaming(ctx context.Context, userID, message string, history types.ConversationHistory, opts RequestOptions, events chan<- coordinator.NodeEvent) (types.PlanEnvelope, error) {
	streamingCoordinator := o.coordinator.WithEvents(events)
	return o.handle(ctx, userID, message, history, opts, streamingCoordinator.Run)
}

type coordinatorRun func(ctx context.Context, p types.Plan, userCtx types.UserContext) (types.ExecutionTrace, error)

func (o *Orchestrator) handle(ctx context.Context, userID, message string, history types.ConversationHistory, opts RequestOptions, run coordinatorRun) (types.PlanEnvelope, error) {
	start := time.Now()

	deadline := o.cfg.RequestDeadline
	if opts.DeadlineMs > 0 {
		deadline = time.Duration(opts.DeadlineMs) * time.Millisecond
	}
	reqCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	userCtx, err := o.fetchUserContext(reqCtx, userID)
	if err != nil {
		return types.PlanEnvelope{}, fmt.Errorf("orchestrator: fetch user context: %w", err)
	}
	if opts.Verbosity != "" {
		if userCtx.Preferences == nil {
			userCtx.Preferences = make(map[string]string)
		}
		userCtx.Preferences["verbosity"] = opts.Verbosity
	}

	result, err := o.decomposer.Decompose(reqCtx, message, history, userCtx)
	if err != nil {
		return types.PlanEnvelope{}, fmt.Errorf("orchestrator: decompose: %w", err)
	}

	p := result.Plan
	if opts.BestEffort {
		p.BestEffort = true
	}

	if verr := o.validator.Validate(p, userCtx); verr != nil {
		o.logger.Warn("plan rejected, attempting one revision", zap.String("plan_id", p.ID), zap.Error(verr))
		revised, rerr := o.decomposer.Revise(reqCtx, message, history, userCtx, p, verr)
		if rerr != nil {
			return types.PlanEnvelope{}, fmt.Errorf("orchestrator: revise: %w", rerr)
		}
		p = revised.Plan
		if opts.BestEffort {
			p.BestEffort = true
		}
		if verr2 := o.validator.Validate(p, userCtx); verr2 != nil {
			o.logger.Warn("revised plan also rejected, failing request", zap.String("plan_id", p.ID), zap.Error(verr2))
			return types.PlanEnvelope{}, apierr.New(apierr.KindInvalidRequest, "I couldn't plan that request — can you rephrase?").WithCause(verr2)
		}
	}

	trace, rerr := run(reqCtx, p, userCtx)
	if rerr != nil {
		// Run only returns an error when a required node failed or the
		// request deadline was exceeded and the plan is not best-effort
		// (§5 "otherwise cancellation causes the entire request to fail").
		o.logger.Error("execution failed", zap.String("plan_id", p.ID), zap.Error(rerr))
		return types.PlanEnvelope{Plan: p, Trace: trace, PartialResult: true}, rerr
	}

	envelope, serr := o.synthesizer.Synthesize(reqCtx, message, p, trace, userCtx)
	if serr != nil {
		return types.PlanEnvelope{}, fmt.Errorf("orchestrator: synthesize: %w", serr)
	}

	o.logger.Info("request handled",
		zap.String("user_id", userID),
		zap.String("plan_id", p.ID),
		zap.Duration("total_duration", time.Since(start)),
		zap.Bool("partial", envelope.PartialResult))

	return envelope, nil
}

// fetchUserContext reads UserContext cache-aside: a cache hit skips the
// source entirely; a miss, a cache error, or a nil cache all fall through to
// userSource, since the cache is never required for correctness (§5).
func (o *Orchestrator) fetchUserContext(ctx context.Context, userID string) (types.UserContext, error) {
	key := "user_context:" + userID

	if o.cache != nil {
		var cached types.UserContext
		if err := o.cache.GetJSON(ctx, key, &cached); err == nil {
			return cached, nil
		}
	}

	userCtx, err := o.userSource.FetchUserContext(ctx, userID)
	if err != nil {
		return types.UserContext{}, err
	}

	if o.cache != nil {
		if err := o.cache.SetJSON(ctx, key, userCtx, o.cfg.UserContextCacheTTL); err != nil {
			o.logger.Debug("user context cache write failed, continuing", zap.Error(err))
		}
	}

	return userCtx, nil
}
