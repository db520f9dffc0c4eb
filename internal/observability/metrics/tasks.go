// Package metrics defines the metric names and tag shapes shared by services.
package metrics

import (
	"time"

	obserrors "github.com/airhq/air-workers/internal/observability/errors"
	"github.com/airhq/air-workers/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// TaskMetric captures details about a task lifecycle event for metric emission.
type TaskMetric struct {
	TaskType   string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitTaskLifecycle emits standardised task lifecycle metrics.
func EmitTaskLifecycle(sink statsd.Sink, in TaskMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"task_type":  in.TaskType,
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("task.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("task.duration", in.Duration, CloneTags(tags))
	}
}

// RefreshMetric captures details about a token refresh attempt.
type RefreshMetric struct {
	Provider string
	Outcome  string
	Duration time.Duration
	Err      error
}

// EmitTokenRefresh emits standardised token refresh metrics.
func EmitTokenRefresh(sink statsd.Sink, in RefreshMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"provider": in.Provider,
		"outcome":  in.Outcome,
	}
	if in.Err != nil {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("token_refresh.attempt", 1, tags)

	if in.Duration > 0 {
		sink.Timing("token_refresh.duration", in.Duration, CloneTags(tags))
	}
}

// EmitQueueDepths emits one gauge per queue tier.
func EmitQueueDepths(sink statsd.Sink, depths map[string]int64) {
	if sink == nil {
		return
	}
	for queue, depth := range depths {
		sink.Gauge("queue.depth", float64(depth), map[string]string{"queue": queue})
	}
}

// CloneTags creates a shallow copy of a tag map, filtering out empty maps.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
