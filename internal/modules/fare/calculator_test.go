package fare

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeFare(t *testing.T) {
	calc := NewCalculator(DefaultTariff())

	tests := []struct {
		name     string
		distance float64
		factor   float64
		want     float64
	}{
		{name: "zero distance pays base", distance: 0, factor: 0, want: 30},
		{name: "included distance pays base", distance: 2, factor: 0, want: 30},
		{name: "per km beyond included", distance: 10, factor: 0, want: 30 + 8*15},
		{name: "half discount", distance: 10, factor: 50, want: (30 + 8*15) / 2},
		{name: "surcharge", distance: 2, factor: -20, want: 36},
		{name: "full discount", distance: 10, factor: 100, want: 0},
		{name: "discount over 100 clamps to zero", distance: 10, factor: 150, want: 0},
		{name: "fractional km", distance: 3.5, factor: 0, want: 52.5},
		{name: "rounded to cents", distance: 2.4, factor: 0, want: 36},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := calc.ComputeFare(tt.distance, tt.factor)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestComputeFare_Deterministic(t *testing.T) {
	calc := NewCalculator(DefaultTariff())
	first, err := calc.ComputeFare(7.3, 12.5)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		got, err := calc.ComputeFare(7.3, 12.5)
		require.NoError(t, err)
		assert.Equal(t, first, got)
	}
}

func TestComputeFare_InvalidInput(t *testing.T) {
	calc := NewCalculator(DefaultTariff())
	for _, d := range []float64{-0.1, math.NaN(), math.Inf(1)} {
		_, err := calc.ComputeFare(d, 0)
		assert.True(t, errors.Is(err, ErrInvalidInput), "distance %v", d)
	}
	_, err := calc.ComputeFare(5, math.NaN())
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestQuote_Breakdown(t *testing.T) {
	calc := NewCalculator(Tariff{BaseFare: 40, IncludedKm: 1, PerKmRate: 10, Currency: "INR"})
	b, err := calc.Quote(4, 25)
	require.NoError(t, err)

	assert.Equal(t, 40.0, b.BaseFare)
	assert.Equal(t, 30.0, b.DistanceCharge)
	assert.Equal(t, 70.0, b.Subtotal)
	assert.Equal(t, -17.5, b.Adjustment)
	assert.Equal(t, 52.5, b.Total)
	assert.Equal(t, "INR", b.Currency)
}
