package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/bnema/audiograb/internal/domain"
	"github.com/bnema/audiograb/internal/infrastructure/metrics"
	"github.com/bnema/audiograb/internal/port"
)

// Route is one provider paired with one credential.
type Route struct {
	Provider   port.Provider
	Credential port.Credential
}

func (r Route) Name() string {
	if r.Credential.Name == "" {
		return r.Provider.Name()
	}
	return r.Provider.Name() + "/" + r.Credential.Name
}

type FallbackConfig struct {
	// MaxRetries is the number of extra attempts on the same route after a
	// retryable failure.
	MaxRetries     uint64
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	Logger         *zap.Logger
}

// Outcome describes how a call went: attempts made across all routes, how
// many times the client moved to the next route, and the route that answered.
type Outcome struct {
	Attempts int    `json:"attempts"`
	Switches int    `json:"switches"`
	Route    string `json:"route,omitempty"`
}

type FallbackClient struct {
	routes    []Route
	validator port.ArtifactValidator
	cfg       FallbackConfig
	logger    *zap.Logger
}

func NewFallbackClient(routes []Route, validator port.ArtifactValidator, cfg FallbackConfig) *FallbackClient {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &FallbackClient{
		routes:    routes,
		validator: validator,
		cfg:       cfg,
		logger:    cfg.Logger,
	}
}

func (f *FallbackClient) Routes() []string {
	names := make([]string, len(f.routes))
	for i, r := range f.routes {
		names[i] = r.Name()
	}
	return names
}

func (f *FallbackClient) ResolveMetadata(ctx context.Context, sourceKey string) (*domain.Metadata, Outcome, error) {
	return call(ctx, f, "metadata", func(ctx context.Context, r Route) (*domain.Metadata, error) {
		return r.Provider.ResolveMetadata(ctx, sourceKey, r.Credential)
	})
}

// AcquireArtifact returns the first artifact whose reference validates.
func (f *FallbackClient) AcquireArtifact(ctx context.Context, req port.AcquireRequest) (*domain.Artifact, Outcome, error) {
	return call(ctx, f, "artifact", func(ctx context.Context, r Route) (*domain.Artifact, error) {
		art, err := r.Provider.AcquireArtifact(ctx, req, r.Credential)
		if err != nil {
			return nil, err
		}
		if f.validator != nil {
			if err := f.validator.Validate(ctx, art.Ref); err != nil {
				return nil, domain.NewProviderError(domain.KindInvalidArtifact, r.Provider.Name(), err)
			}
		}
		return art, nil
	})
}

func (f *FallbackClient) backoff() retry.Backoff {
	b := retry.NewExponential(f.cfg.BaseDelay)
	b = retry.WithCappedDuration(f.cfg.MaxDelay, b)
	return retry.WithMaxRetries(f.cfg.MaxRetries, b)
}

// call walks the routes in order. Retryable failures are retried on the same
// route with backoff; any other failure moves on to the next route at once.
func call[T any](ctx context.Context, f *FallbackClient, op string, fn func(context.Context, Route) (T, error)) (T, Outcome, error) {
	var (
		zero     T
		out      Outcome
		last     error
		lastKind = domain.KindUnavailable
	)
	if len(f.routes) == 0 {
		return zero, out, &domain.AllProvidersFailedError{LastKind: lastKind, Last: errors.New("no routes configured")}
	}

	for i, route := range f.routes {
		if i > 0 {
			out.Switches++
			metrics.ObserveProviderSwitch()
		}
		name := route.Name()

		var result T
		err := retry.Do(ctx, f.backoff(), func(ctx context.Context) error {
			out.Attempts++
			attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.AttemptTimeout)
			defer cancel()

			v, err := fn(attemptCtx, route)
			if err == nil {
				result = v
				metrics.ObserveProviderAttempt(name, op, "ok")
				return nil
			}

			kind := domain.KindOf(err)
			metrics.ObserveProviderAttempt(name, op, kind.String())
			f.logger.Warn("provider attempt failed",
				zap.String("route", name),
				zap.String("operation", op),
				zap.String("kind", kind.String()),
				zap.Int("attempt", out.Attempts),
				zap.Error(err),
			)
			if ctx.Err() != nil {
				return err
			}
			var pe *domain.ProviderError
			if !errors.As(err, &pe) || pe.Retryable() {
				return retry.RetryableError(err)
			}
			return err
		})
		if err == nil {
			out.Route = name
			return result, out, nil
		}
		if ctx.Err() != nil {
			return zero, out, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		last = err
		lastKind = domain.KindOf(err)
	}

	return zero, out, &domain.AllProvidersFailedError{Attempts: out.Attempts, LastKind: lastKind, Last: last}
}
