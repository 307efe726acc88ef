// README: Wraps a Provider with a deadline, a breaker and a fallback factor; never fails.
package adjustment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"ridedispatch/internal/metrics"
)

type GuardConfig struct {
	Timeout         time.Duration
	FallbackPercent float64
	Breaker         BreakerConfig
}

type Guard struct {
	provider Provider
	cfg      GuardConfig
	breaker  *Breaker
	log      *logrus.Entry
}

func NewGuard(provider Provider, cfg GuardConfig, log *logrus.Entry) *Guard {
	if cfg.Breaker.Name == "" {
		cfg.Breaker = DefaultBreakerConfig("adjustment")
	}
	return &Guard{
		provider: provider,
		cfg:      cfg,
		breaker:  NewBreaker(cfg.Breaker, log),
		log:      log,
	}
}

// Resolve asks the provider for a factor within the configured timeout. Any failure,
// including a non-finite answer, yields the fallback factor with SourceFallback.
func (g *Guard) Resolve(ctx context.Context, f Features) Result {
	factor, err := g.call(ctx, f)
	if err == nil {
		return Result{FactorPercent: factor, Source: SourceProvider}
	}

	warning := fmt.Sprintf("adjustment provider unavailable, using fallback %.2f%%: %v", g.cfg.FallbackPercent, err)
	if g.log != nil {
		g.log.WithError(err).WithField("fallback_percent", g.cfg.FallbackPercent).Warn("adjustment provider unavailable")
	}
	return Result{FactorPercent: g.cfg.FallbackPercent, Source: SourceFallback, Warning: warning}
}

func (g *Guard) call(ctx context.Context, f Features) (float64, error) {
	if g.provider == nil {
		return 0, fmt.Errorf("%w: no provider configured", ErrUnavailable)
	}

	var factor float64
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		v, err := g.callWithTimeout(ctx, f)
		if err != nil {
			return err
		}
		factor = v
		return nil
	})
	if errors.Is(err, ErrBreakerOpen) {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return factor, err
}

type factorResult struct {
	value float64
	err   error
}

// callWithTimeout returns when the deadline passes even if the provider ignores ctx.
func (g *Guard) callWithTimeout(ctx context.Context, f Features) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan factorResult, 1)
	go func() {
		v, err := g.provider.Factor(ctx, f)
		done <- factorResult{value: v, err: err}
	}()

	select {
	case <-ctx.Done():
		metrics.AdjustmentLatency.Observe(time.Since(start).Seconds())
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	case r := <-done:
		metrics.AdjustmentLatency.Observe(time.Since(start).Seconds())
		if r.err != nil {
			if errors.Is(r.err, ErrUnavailable) {
				return 0, r.err
			}
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, r.err)
		}
		if math.IsNaN(r.value) || math.IsInf(r.value, 0) {
			return 0, fmt.Errorf("%w: non-finite factor %v", ErrUnavailable, r.value)
		}
		return r.value, nil
	}
}
