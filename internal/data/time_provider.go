package data

import "time"

// TimeProvider abstracts time.Now so repositories and services can be tested
// with a fixed clock.
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider returns the actual current time.
type RealTimeProvider struct{}

// Now returns time.Now().
func (RealTimeProvider) Now() time.Time { return time.Now() }

// FixedTimeProvider always returns the same instant. Test helper.
type FixedTimeProvider struct {
	Time time.Time
}

// Now returns the fixed instant.
func (f FixedTimeProvider) Now() time.Time { return f.Time }
