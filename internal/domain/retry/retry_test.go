package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelay_Exponential(t *testing.T) {
	tests := []struct {
		name       string
		retryCount int
		want       time.Duration
	}{
		{"first attempt", 0, 60 * time.Second},
		{"second attempt", 1, 120 * time.Second},
		{"third attempt", 2, 240 * time.Second},
		{"fifth attempt", 4, 960 * time.Second},
		{"at cap boundary", 6, 3600 * time.Second},
		{"beyond cap", 10, 3600 * time.Second},
		{"far beyond cap", 100, 3600 * time.Second},
		{"negative clamps to zero", -3, 60 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Delay(StrategyExponentialBackoff, tt.retryCount))
		})
	}
}

func TestDelay_Linear(t *testing.T) {
	tests := []struct {
		name       string
		retryCount int
		want       time.Duration
	}{
		{"first attempt", 0, 60 * time.Second},
		{"second attempt", 1, 120 * time.Second},
		{"tenth attempt", 9, 600 * time.Second},
		{"at cap", 29, 1800 * time.Second},
		{"beyond cap", 50, 1800 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Delay(StrategyLinearBackoff, tt.retryCount))
		})
	}
}

func TestDelay_Fixed(t *testing.T) {
	for _, n := range []int{0, 1, 5, 100} {
		assert.Equal(t, BaseDelay, Delay(StrategyFixedDelay, n))
	}
}

func TestDelay_Fibonacci(t *testing.T) {
	tests := []struct {
		retryCount int
		multiplier int64
	}{
		{0, 1},
		{1, 1},
		{2, 2},
		{3, 3},
		{4, 5},
		{5, 8},
		{9, 55},
		{15, 55}, // index clamped to sequence length
	}

	for _, tt := range tests {
		want := time.Duration(tt.multiplier) * BaseDelay
		assert.Equal(t, want, Delay(StrategyFibonacci, tt.retryCount))
	}
}

func TestDelay_Monotonic(t *testing.T) {
	// Exponential and linear delays never shrink as the attempt count grows,
	// and stay pinned at the cap once it is reached.
	for _, strategy := range []Strategy{StrategyExponentialBackoff, StrategyLinearBackoff} {
		prev := Delay(strategy, 0)
		for n := 1; n < 64; n++ {
			cur := Delay(strategy, n)
			require.GreaterOrEqual(t, cur, prev, "strategy %s attempt %d", strategy, n)
			prev = cur
		}
	}
	assert.Equal(t, MaxExponentialDelay, Delay(StrategyExponentialBackoff, 63))
	assert.Equal(t, MaxLinearDelay, Delay(StrategyLinearBackoff, 63))
}

func TestDelay_UnknownStrategyFallsBack(t *testing.T) {
	assert.Equal(t, BaseDelay, Delay(Strategy("bogus"), 4))
}

func TestStrategy_UnmarshalText(t *testing.T) {
	var s Strategy
	require.NoError(t, s.UnmarshalText([]byte(" Exponential_Backoff ")))
	assert.Equal(t, StrategyExponentialBackoff, s)

	assert.Error(t, s.UnmarshalText([]byte("quadratic")))
}
