package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-drover/internal/bus"
)

// Metrics holds drover's metric instruments.
type Metrics struct {
	TasksCompleted     metric.Int64Counter
	TasksFailed        metric.Int64Counter
	TasksRetried       metric.Int64Counter
	TasksDeadLettered  metric.Int64Counter
	RunSteps           metric.Int64Counter
	ApprovalsRequested metric.Int64Counter
	RunsCancelled      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksCompleted, err = meter.Int64Counter("drover.tasks.completed",
		metric.WithDescription("Tasks that finished and passed validation"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("drover.tasks.failed",
		metric.WithDescription("Tasks that reached a terminal failed state"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRetried, err = meter.Int64Counter("drover.tasks.retried",
		metric.WithDescription("Failed attempts that were requeued with backoff"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDeadLettered, err = meter.Int64Counter("drover.tasks.dead_lettered",
		metric.WithDescription("Tasks dead-lettered after exhausting attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.RunSteps, err = meter.Int64Counter("drover.runs.steps",
		metric.WithDescription("Graph steps executed across all runs"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsRequested, err = meter.Int64Counter("drover.approvals.requested",
		metric.WithDescription("Strict-mode interrupts awaiting a human decision"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsCancelled, err = meter.Int64Counter("drover.runs.cancelled",
		metric.WithDescription("Runs stopped by a cooperative cancel"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Recorder turns bus events into metric increments. Subscribing instead
// of threading instruments through every package keeps the queue, graph,
// and gateway free of meter plumbing.
type Recorder struct {
	metrics *Metrics
	bus     *bus.Bus
}

func NewRecorder(meter metric.Meter, b *bus.Bus) (*Recorder, error) {
	m, err := NewMetrics(meter)
	if err != nil {
		return nil, err
	}
	return &Recorder{metrics: m, bus: b}, nil
}

// Start consumes bus events until ctx is canceled.
func (r *Recorder) Start(ctx context.Context) {
	sub := r.bus.Subscribe("")
	go func() {
		defer r.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				r.record(ctx, ev)
			}
		}
	}()
}

func (r *Recorder) record(ctx context.Context, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicTaskCompleted:
		r.metrics.TasksCompleted.Add(ctx, 1)
	case bus.TopicTaskFailed:
		r.metrics.TasksFailed.Add(ctx, 1)
	case bus.TopicTaskRetrying:
		r.metrics.TasksRetried.Add(ctx, 1)
	case bus.TopicTaskDeadLetter:
		r.metrics.TasksDeadLettered.Add(ctx, 1)
	case bus.TopicRunStep:
		attrs := metric.WithAttributes()
		if step, ok := ev.Payload.(bus.RunStepEvent); ok {
			attrs = metric.WithAttributes(attribute.String("node", step.Node))
		}
		r.metrics.RunSteps.Add(ctx, 1, attrs)
	case bus.TopicApprovalRequested:
		r.metrics.ApprovalsRequested.Add(ctx, 1)
	case bus.TopicRunCancelled:
		r.metrics.RunsCancelled.Add(ctx, 1)
	}
}
