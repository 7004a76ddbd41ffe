package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aristath/canopy/internal/domain"
	"github.com/aristath/canopy/internal/telemetry"
)

// defaultFallbackTimeout applies when Config.FallbackTimeout is unset.
const defaultFallbackTimeout = 500 * time.Millisecond

// Config bounds every device call.
type Config struct {
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	RetryDelay      time.Duration
	// FallbackTimeout is the allowance for the whole fallback chain, on top
	// of the live attempts. Fallbacks are local reads.
	FallbackTimeout time.Duration
}

// DefaultConfig returns 5s connect, 10s read, a 2s pause before the retry
// and 1s for fallbacks.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  5 * time.Second,
		ReadTimeout:     10 * time.Second,
		RetryDelay:      2 * time.Second,
		FallbackTimeout: time.Second,
	}
}

// Call is one attempt at talking to a device.
type Call[T any] func(ctx context.Context) (T, error)

// Strategy is a named way of obtaining a value.
type Strategy[T any] struct {
	Name  domain.Source
	Fetch Call[T]
}

// Request describes one resilient read or command.
type Request[T any] struct {
	// Device keys health tracking and alert policy.
	Device string
	// Sources are live sources tried in order within each attempt.
	Sources []Strategy[T]
	// Fallbacks are tried in order, without retry, once the live sources
	// have failed twice.
	Fallbacks []Strategy[T]
	// UseLastKnown inserts the device's last good value after Fallbacks.
	UseLastKnown bool
	// Default is returned when nothing else produced a value.
	Default T
}

// Result is what a resilient call produced. Err carries the last live error
// for logging only; the value is always usable.
type Result[T any] struct {
	Value        T
	Source       domain.Source
	FromFallback bool
	Attempts     int
	Err          error
	Elapsed      time.Duration
}

// RetryFallback wraps device calls with a per-attempt deadline, one retry
// after a fixed delay, and an ordered fallback chain. It never returns an
// error and never blocks longer than MaxLatency.
type RetryFallback struct {
	cfg       Config
	health    *HealthTracker
	log       zerolog.Logger
	failures  metric.Int64Counter
	fallbacks metric.Int64Counter
}

// NewRetryFallback creates the resilience wrapper.
func NewRetryFallback(cfg Config, health *HealthTracker, log zerolog.Logger) *RetryFallback {
	meter := telemetry.Meter("github.com/aristath/canopy/reliability")
	failures, _ := meter.Int64Counter("canopy.device.failures",
		metric.WithDescription("Device calls that failed after the retry"))
	fallbacks, _ := meter.Int64Counter("canopy.device.fallbacks",
		metric.WithDescription("Values served from a fallback source"))
	return &RetryFallback{
		cfg:       cfg,
		health:    health,
		log:       log.With().Str("component", "retry_fallback").Logger(),
		failures:  failures,
		fallbacks: fallbacks,
	}
}

// Health returns the tracker the wrapper records into.
func (r *RetryFallback) Health() *HealthTracker { return r.health }

// AttemptTimeout is the deadline given to a single attempt.
func (r *RetryFallback) AttemptTimeout() time.Duration {
	return r.cfg.ConnectTimeout + r.cfg.ReadTimeout
}

// FallbackTimeout is the time left to the fallback chain after the live
// attempts, however long those took.
func (r *RetryFallback) FallbackTimeout() time.Duration {
	if r.cfg.FallbackTimeout > 0 {
		return r.cfg.FallbackTimeout
	}
	return defaultFallbackTimeout
}

// MaxLatency is the longest Do can take: two attempts, the retry delay and
// the fallback allowance.
func (r *RetryFallback) MaxLatency() time.Duration {
	return 2*r.AttemptTimeout() + r.cfg.RetryDelay + r.FallbackTimeout()
}

// Do runs req: live sources, one retry, then fallbacks, last known value,
// and finally req.Default.
func Do[T any](ctx context.Context, r *RetryFallback, req Request[T]) Result[T] {
	start := time.Now()
	res := Result[T]{}

	for i := 0; i < 2 && len(req.Sources) > 0; i++ {
		if i == 1 && !sleepCtx(ctx, r.cfg.RetryDelay) {
			res.Err = errors.Join(res.Err, ctx.Err())
			break
		}
		res.Attempts++
		v, src, err := attempt(ctx, r.AttemptTimeout(), req.Sources)
		if err == nil {
			r.health.RecordSuccess(ctx, req.Device, v)
			res.Value, res.Source, res.Err = v, src, nil
			res.Elapsed = time.Since(start)
			return res
		}
		res.Err = err
		r.log.Debug().Err(err).Str("device", req.Device).Int("attempt", res.Attempts).Msg("Attempt failed")
		if ctx.Err() != nil {
			break
		}
	}

	attrs := metric.WithAttributes(attribute.String("device", req.Device))
	if len(req.Sources) > 0 {
		r.health.RecordFailure(ctx, req.Device, res.Err)
		r.failures.Add(context.WithoutCancel(ctx), 1, attrs)
	}
	res.FromFallback = true
	finish := func(v T, src domain.Source) Result[T] {
		res.Value, res.Source = v, src
		res.Elapsed = time.Since(start)
		return res
	}

	deadline := time.Now().Add(r.FallbackTimeout())
	for _, fb := range req.Fallbacks {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			r.log.Warn().Str("device", req.Device).Msg("No time left for fallback sources")
			break
		}
		v, src, err := attempt(ctx, remaining, []Strategy[T]{fb})
		if err == nil {
			r.fallbacks.Add(context.WithoutCancel(ctx), 1, attrs)
			r.log.Info().Str("device", req.Device).Str("source", string(src)).Msg("Using fallback source")
			return finish(v, src)
		}
		r.log.Debug().Err(err).Str("device", req.Device).Str("source", string(fb.Name)).Msg("Fallback source failed")
	}

	if req.UseLastKnown {
		if v, at, ok := LastKnown[T](r.health, req.Device); ok {
			r.fallbacks.Add(context.WithoutCancel(ctx), 1, attrs)
			r.log.Info().Str("device", req.Device).Time("last_success", at).Msg("Using last known value")
			return finish(v, domain.SourceLastKnown)
		}
	}

	r.log.Warn().Str("device", req.Device).Msg("No fallback available, using default")
	return finish(req.Default, domain.SourceDefault)
}

// Single wraps one live call as a source list.
func Single[T any](name domain.Source, call Call[T]) []Strategy[T] {
	return []Strategy[T]{{Name: name, Fetch: call}}
}

type outcome[T any] struct {
	value  T
	source domain.Source
	err    error
}

// attempt runs the sources in order under one deadline. The sources run on
// their own goroutine so a call that ignores its context cannot hold the
// caller past the deadline.
func attempt[T any](ctx context.Context, timeout time.Duration, sources []Strategy[T]) (T, domain.Source, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		var errs []error
		defer func() {
			if p := recover(); p != nil {
				done <- outcome[T]{err: fmt.Errorf("device call panicked: %v", p)}
			}
		}()
		for _, s := range sources {
			v, err := s.Fetch(actx)
			if err == nil {
				done <- outcome[T]{value: v, source: s.Name}
				return
			}
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			if actx.Err() != nil {
				break
			}
		}
		done <- outcome[T]{err: errors.Join(errs...)}
	}()

	select {
	case o := <-done:
		return o.value, o.source, o.err
	case <-actx.Done():
		var zero T
		return zero, "", fmt.Errorf("attempt timed out after %s: %w", timeout, actx.Err())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
