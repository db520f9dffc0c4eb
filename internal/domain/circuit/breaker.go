// Package circuit implements the per-task-type failure isolation state machine.
package circuit

import (
	"time"

	"github.com/airhq/air-workers/internal/domain/model"
)

// State is the circuit breaker state.
type State string

const (
	// StateClosed allows all executions.
	StateClosed State = "CLOSED"
	// StateOpen rejects executions until the recovery timeout elapses.
	StateOpen State = "OPEN"
	// StateHalfOpen allows a single trial execution after recovery.
	StateHalfOpen State = "HALF_OPEN"
)

const (
	// DefaultFailureThreshold is the consecutive failure count that opens the breaker.
	DefaultFailureThreshold = 5
	// DefaultRecoveryTimeout is how long an open breaker waits before probing.
	DefaultRecoveryTimeout = 5 * time.Minute
)

// OpenReason is the admission rejection reason reported while the breaker is open.
const OpenReason = "circuit breaker open"

// Breaker tracks consecutive failures for one task type and decides whether
// new executions of that type are allowed. It is not internally synchronised;
// the owning registry serialises access per task type.
type Breaker struct {
	taskName         model.TaskType
	failureThreshold int
	recoveryTimeout  time.Duration

	state           State
	failureCount    int
	lastFailureTime time.Time
}

// Config overrides the breaker defaults.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// New creates a closed breaker for the given task type.
func New(taskName model.TaskType, cfg Config) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	timeout := cfg.RecoveryTimeout
	if timeout <= 0 {
		timeout = DefaultRecoveryTimeout
	}
	return &Breaker{
		taskName:         taskName,
		failureThreshold: threshold,
		recoveryTimeout:  timeout,
		state:            StateClosed,
	}
}

// Allow reports whether an execution of this task type may proceed at now.
// An open breaker whose recovery timeout has elapsed transitions to half-open
// and admits exactly one trial execution.
func (b *Breaker) Allow(now time.Time) bool {
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.lastFailureTime) >= b.recoveryTimeout {
			b.state = StateHalfOpen
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess resets the failure count and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.failureCount = 0
	b.state = StateClosed
}

// RecordFailure bumps the failure count and opens the breaker at the threshold.
// A failed half-open trial re-opens with a fresh failure timestamp.
func (b *Breaker) RecordFailure(now time.Time) {
	b.failureCount++
	b.lastFailureTime = now

	if b.failureCount >= b.failureThreshold {
		b.state = StateOpen
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	return b.state
}

// FailureCount returns the current consecutive failure count.
func (b *Breaker) FailureCount() int {
	return b.failureCount
}

// TaskName returns the task type this breaker guards.
func (b *Breaker) TaskName() model.TaskType {
	return b.taskName
}

// Snapshot is a read-only copy of breaker state for status endpoints.
type Snapshot struct {
	TaskName         model.TaskType `json:"task_name"`
	State            State          `json:"state"`
	FailureCount     int            `json:"failure_count"`
	FailureThreshold int            `json:"failure_threshold"`
	LastFailureTime  *time.Time     `json:"last_failure_time,omitempty"`
	RecoveryTimeout  time.Duration  `json:"recovery_timeout"`
}

// Snapshot returns a copy of the breaker's observable state.
func (b *Breaker) Snapshot() Snapshot {
	snap := Snapshot{
		TaskName:         b.taskName,
		State:            b.state,
		FailureCount:     b.failureCount,
		FailureThreshold: b.failureThreshold,
		RecoveryTimeout:  b.recoveryTimeout,
	}
	if !b.lastFailureTime.IsZero() {
		t := b.lastFailureTime
		snap.LastFailureTime = &t
	}
	return snap
}
