// Package retry computes wait durations between task retry attempts.
package retry

import (
	"fmt"
	"strings"
	"time"
)

// Strategy selects the formula used to map a retry attempt to a delay.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type Strategy string

const (
	// StrategyExponentialBackoff doubles the delay on every attempt.
	StrategyExponentialBackoff Strategy = "exponential_backoff"
	// StrategyLinearBackoff grows the delay linearly with the attempt count.
	StrategyLinearBackoff Strategy = "linear_backoff"
	// StrategyFixedDelay always waits the base delay.
	StrategyFixedDelay Strategy = "fixed_delay"
	// StrategyFibonacci grows the delay along the Fibonacci sequence.
	StrategyFibonacci Strategy = "fibonacci"
)

const (
	// BaseDelay is the unit delay for all strategies.
	BaseDelay = 60 * time.Second
	// MaxExponentialDelay caps exponential backoff at one hour.
	MaxExponentialDelay = 3600 * time.Second
	// MaxLinearDelay caps linear backoff at thirty minutes.
	MaxLinearDelay = 1800 * time.Second
)

// fibSequence is the clamped Fibonacci multiplier table.
var fibSequence = [...]int64{1, 1, 2, 3, 5, 8, 13, 21, 34, 55}

// UnmarshalText implements encoding.TextUnmarshaler for Strategy to allow env parsing.
func (s *Strategy) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	st := Strategy(v)
	if st.Valid() {
		*s = st
		return nil
	}
	return fmt.Errorf("invalid retry Strategy: %q", v)
}

// Valid returns true if the Strategy is one of the known strategies.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyExponentialBackoff, StrategyLinearBackoff, StrategyFixedDelay, StrategyFibonacci:
		return true
	}
	return false
}

// Delay returns the wait duration before retry attempt retryCount+1.
// It is pure: identical inputs always produce identical outputs.
// Unknown strategies fall back to the base delay.
func Delay(strategy Strategy, retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	switch strategy {
	case StrategyExponentialBackoff:
		// Guard the shift: past 2^6 the cap already applies.
		if retryCount > 6 {
			return MaxExponentialDelay
		}
		d := BaseDelay * (1 << retryCount)
		return min(d, MaxExponentialDelay)
	case StrategyLinearBackoff:
		d := BaseDelay * time.Duration(retryCount+1)
		return min(d, MaxLinearDelay)
	case StrategyFixedDelay:
		return BaseDelay
	case StrategyFibonacci:
		idx := min(retryCount, len(fibSequence)-1)
		return BaseDelay * time.Duration(fibSequence[idx])
	default:
		return BaseDelay
	}
}
