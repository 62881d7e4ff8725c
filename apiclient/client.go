// Package apiclient wraps calls to a single external service (email,
// calendar, contacts, or the LLM) behind a per-service circuit breaker and
// retry policy, translating provider-specific failures into the apierr
// taxonomy (§7). Every Strategy executes through one of these per-service
// clients rather than calling a provider SDK directly.
package apiclient

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/inboxloom/orchestrator/apierr"
	"github.com/inboxloom/orchestrator/llm/circuitbreaker"
	"github.com/inboxloom/orchestrator/llm/retry"
)

// Config configures one service's APIClient.
type Config struct {
	// Service is the logical service name ("email", "calendar", "contacts",
	// "llm"), used for logging and metrics labeling.
	Service string

	Breaker *circuitbreaker.Config
	Retry   *retry.RetryPolicy

	// Timeout bounds one Do call as a whole, across all of its retry
	// attempts (§5 per-node timeout, default 10s).
	Timeout time.Duration
}

// DefaultConfig returns the spec's default per-service tuning (§5).
func DefaultConfig(service string) Config {
	return Config{
		Service: service,
		Breaker: circuitbreaker.DefaultConfig(),
		Retry:   retry.DefaultRetryPolicy(),
		Timeout: 10 * time.Second,
	}
}

// Call is the signature of a single provider invocation wrapped by an
// APIClient. Implementations call out to a real provider SDK/HTTP client and
// return a provider-native error, which APIClient classifies into apierr.
type Call func(ctx context.Context) (any, error)

// Classifier turns a provider-native error into an apierr.Kind. Each
// concrete provider (email/calendar/contacts/LLM) supplies its own.
type Classifier func(err error) apierr.Kind

// APIClient executes Calls against one service with retry + circuit
// breaking, translating outcomes into *apierr.Error.
type APIClient struct {
	service    string
	breaker    circuitbreaker.CircuitBreaker
	retryer    retry.Retryer
	timeout    time.Duration
	classify   Classifier
	logger     *zap.Logger
}

// New creates an APIClient for one service.
func New(cfg Config, classify Classifier, logger *zap.Logger) *APIClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	scoped := logger.With(zap.String("component", "apiclient"), zap.String("service", cfg.Service))
	if classify == nil {
		classify = func(error) apierr.Kind { return apierr.KindUnknown }
	}
	return &APIClient{
		service:  cfg.Service,
		breaker:  circuitbreaker.NewCircuitBreaker(cfg.Breaker, scoped),
		retryer:  retry.NewBackoffRetryer(cfg.Retry, scoped),
		timeout:  cfg.Timeout,
		classify: classify,
		logger:   scoped,
	}
}

// Do executes call with the configured timeout, retry policy, and circuit
// breaker, returning a classified *apierr.Error on failure.
func (c *APIClient) Do(ctx context.Context, call Call) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.breaker.CallWithResult(ctx, func() (any, error) {
		return c.retryer.DoWithResult(ctx, func() (any, error) {
			return call(ctx)
		})
	})

	if err == nil {
		return result, nil
	}

	return nil, c.classifyErr(err)
}

func (c *APIClient) classifyErr(err error) *apierr.Error {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.New(apierr.KindTimeout, "call timed out").WithProvider(c.service).WithCause(err)
	}

	kind := c.classify(err)
	e := apierr.New(kind, "provider call failed").WithProvider(c.service).WithCause(err)

	if c.breaker.State() == circuitbreaker.StateOpen {
		return apierr.New(apierr.KindCircuitOpen, "circuit open for "+c.service).WithProvider(c.service).WithCause(err)
	}

	return e
}

// State returns the current circuit breaker state for this service, used by
// the Prometheus gauge in the supplemented metrics endpoint.
func (c *APIClient) State() circuitbreaker.State {
	return c.breaker.State()
}

// Service returns the logical service name this client was built for.
func (c *APIClient) Service() string {
	return c.service
}
