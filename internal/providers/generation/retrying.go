package generation

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"batchgen/internal/infra"
)

// RetryConfig tunes the Retrying decorator.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// BreakerThreshold consecutive failures open the breaker for BreakerDelay.
	// Zero disables the breaker.
	BreakerThreshold uint
	BreakerDelay     time.Duration
	// Logger receives retry and breaker events. The zero value discards them.
	Logger infra.Logger
}

// Retrying wraps a Provider with bounded exponential backoff on transient
// errors and an optional circuit breaker. Permanent errors return at once.
type Retrying struct {
	inner Provider
	start failsafe.Executor[string]
	poll  failsafe.Executor[Result]
}

func NewRetrying(inner Provider, cfg RetryConfig) *Retrying {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 5 * time.Second
		if cfg.MaxDelay < cfg.BaseDelay {
			cfg.MaxDelay = cfg.BaseDelay
		}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Retrying{
		inner: inner,
		start: executor[string](cfg, cfg.Logger, "start"),
		poll:  executor[Result](cfg, cfg.Logger, "poll"),
	}
}

func executor[R any](cfg RetryConfig, logger infra.Logger, op string) failsafe.Executor[R] {
	retry := retrypolicy.NewBuilder[R]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ R, err error) bool { return IsTransient(err) }).
		OnRetry(func(e failsafe.ExecutionEvent[R]) {
			logger.Warn().Err(e.LastError()).Int("attempt", e.Attempts()).Str("op", op).Msg("provider: retrying")
		}).
		Build()
	if cfg.BreakerThreshold == 0 {
		return failsafe.With[R](retry)
	}
	delay := cfg.BreakerDelay
	if delay <= 0 {
		delay = 30 * time.Second
	}
	breaker := circuitbreaker.NewBuilder[R]().
		WithFailureThreshold(cfg.BreakerThreshold).
		WithDelay(delay).
		HandleIf(func(_ R, err error) bool { return IsTransient(err) }).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			logger.Warn().Str("op", op).Str("from", breakerState(e.OldState)).Str("to", breakerState(e.NewState)).Msg("provider: circuit breaker state change")
		}).
		Build()
	return failsafe.With[R](retry, breaker)
}

func breakerState(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}

func (r *Retrying) StartTask(ctx context.Context, req StartRequest) (string, error) {
	var last error
	id, err := r.start.WithContext(ctx).Get(func() (string, error) {
		id, err := r.inner.StartTask(ctx, req)
		last = err
		return id, err
	})
	return id, unwrapExceeded(err, last)
}

func (r *Retrying) GetResult(ctx context.Context, taskID string) (Result, error) {
	var last error
	res, err := r.poll.WithContext(ctx).Get(func() (Result, error) {
		res, err := r.inner.GetResult(ctx, taskID)
		last = err
		return res, err
	})
	return res, unwrapExceeded(err, last)
}

// unwrapExceeded surfaces the provider's own error instead of the policy's
// wrapper so callers can classify it.
func unwrapExceeded(err, last error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return &Error{Message: "circuit open: " + err.Error(), Transient: true}
	}
	if last != nil {
		return last
	}
	return err
}

var _ Provider = (*Retrying)(nil)
