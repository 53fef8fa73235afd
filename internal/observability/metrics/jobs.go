package metrics

import (
	"time"

	obserrors "github.com/membermail/membermail/internal/observability/errors"
	"github.com/membermail/membermail/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	JobKind    string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits standardised job lifecycle metrics.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"job_kind":   in.JobKind,
		"transition": in.Transition,
		"result":     in.Result,
	}

	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// BatchMetric captures the outcome of one dispatched batch.
type BatchMetric struct {
	JobKind  string
	Size     int
	Success  int
	Failure  int
	Duration time.Duration
}

// EmitBatch emits per-batch dispatch metrics: sent/failed counters plus the
// batch wall time.
func EmitBatch(sink statsd.Sink, in BatchMetric) {
	if sink == nil || in.Size == 0 {
		return
	}

	tags := map[string]string{"job_kind": in.JobKind}

	sink.Count("dispatch.batch", 1, tags)
	sink.Count("dispatch.sent", int64(in.Success), tags)
	sink.Count("dispatch.failed", int64(in.Failure), tags)

	if in.Duration > 0 {
		sink.Timing("dispatch.batch_duration", in.Duration, CloneTags(tags))
	}
}

// EmitSendError tags a single recipient failure by its classified kind.
func EmitSendError(sink statsd.Sink, jobKind, errorKind string) {
	if sink == nil {
		return
	}
	sink.Count("dispatch.send_error", 1, map[string]string{
		"job_kind":   jobKind,
		"error_kind": errorKind,
	})
}

// CloneTags creates a shallow copy of a tag map, filtering out empty keys.
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
