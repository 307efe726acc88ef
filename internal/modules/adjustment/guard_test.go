package adjustment

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridedispatch/internal/config"
	"ridedispatch/internal/logging"
)

type funcProvider func(ctx context.Context, f Features) (float64, error)

func (fn funcProvider) Factor(ctx context.Context, f Features) (float64, error) { return fn(ctx, f) }

func newTestGuard(p Provider) *Guard {
	return NewGuard(p, GuardConfig{
		Timeout:         50 * time.Millisecond,
		FallbackPercent: 5,
		Breaker:         BreakerConfig{Name: "test", FailureThreshold: 3, OpenTimeout: time.Minute},
	}, logging.Discard())
}

func TestGuard_ProviderAnswer(t *testing.T) {
	g := newTestGuard(Static{Percent: 20})
	res := g.Resolve(context.Background(), sampleFeatures())
	assert.Equal(t, Result{FactorPercent: 20, Source: SourceProvider}, res)
}

func TestGuard_FallbackIsRecorded(t *testing.T) {
	tests := []struct {
		name     string
		provider Provider
	}{
		{name: "error", provider: funcProvider(func(context.Context, Features) (float64, error) {
			return 0, errors.New("connection refused")
		})},
		{name: "timeout ignoring ctx", provider: funcProvider(func(context.Context, Features) (float64, error) {
			time.Sleep(300 * time.Millisecond)
			return 40, nil
		})},
		{name: "non-finite", provider: funcProvider(func(context.Context, Features) (float64, error) {
			return math.NaN(), nil
		})},
		{name: "nil provider", provider: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			res := newTestGuard(tt.provider).Resolve(context.Background(), sampleFeatures())
			assert.Less(t, time.Since(start), 250*time.Millisecond)
			assert.Equal(t, SourceFallback, res.Source)
			assert.Equal(t, 5.0, res.FactorPercent)
			assert.NotEmpty(t, res.Warning)
		})
	}
}

func TestGuard_BreakerSkipsDeadProvider(t *testing.T) {
	var calls int32
	g := newTestGuard(funcProvider(func(context.Context, Features) (float64, error) {
		atomic.AddInt32(&calls, 1)
		return 0, errors.New("boom")
	}))

	for i := 0; i < 10; i++ {
		res := g.Resolve(context.Background(), sampleFeatures())
		require.Equal(t, SourceFallback, res.Source)
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, BreakerOpen, g.breaker.State())
}

func TestGuard_CallerCancellationLeavesBreakerClosed(t *testing.T) {
	g := newTestGuard(funcProvider(func(ctx context.Context, _ Features) (float64, error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(10 * time.Millisecond):
			return 20, nil
		}
	}))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		assert.Equal(t, SourceFallback, g.Resolve(cancelled, sampleFeatures()).Source)
	}

	// The caller hangs up while the provider is still working.
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Millisecond)
		g.Resolve(ctx, sampleFeatures())
		cancel()
	}
	assert.Equal(t, BreakerClosed, g.breaker.State())

	res := g.Resolve(context.Background(), sampleFeatures())
	assert.Equal(t, Result{FactorPercent: 20, Source: SourceProvider}, res)
}

func TestBreaker_AbandonedHalfOpenCallStaysHalfOpen(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(BreakerConfig{Name: "t", FailureThreshold: 1, OpenTimeout: time.Second}, nil)
	b.now = func() time.Time { return now }

	require.Error(t, b.Execute(context.Background(), func(context.Context) error { return errors.New("x") }))
	now = now.Add(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	err := b.Execute(ctx, func(context.Context) error {
		cancel()
		return context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, BreakerHalfOpen, b.State())

	assert.NoError(t, b.Execute(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(BreakerConfig{Name: "t", FailureThreshold: 1, OpenTimeout: time.Second}, nil)
	b.now = func() time.Time { return now }

	fail := func(context.Context) error { return errors.New("x") }
	ok := func(context.Context) error { return nil }

	assert.Error(t, b.Execute(context.Background(), fail))
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Execute(context.Background(), ok), ErrBreakerOpen)

	now = now.Add(2 * time.Second)
	assert.NoError(t, b.Execute(context.Background(), ok))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestNewProvider_Backends(t *testing.T) {
	ctx := context.Background()

	p, closeFn, err := NewProvider(ctx, config.AdjustmentConfig{Backend: "static", StaticPercent: 12})
	require.NoError(t, err)
	defer closeFn()
	v, err := p.Factor(ctx, Features{})
	require.NoError(t, err)
	assert.Equal(t, 12.0, v)

	p, closeFn, err = NewProvider(ctx, config.AdjustmentConfig{Backend: "http", URL: "http://127.0.0.1:1/predict", Timeout: time.Second})
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &HTTPPredictor{}, p)

	_, _, err = NewProvider(ctx, config.AdjustmentConfig{Backend: "oracle"})
	assert.Error(t, err)
}
