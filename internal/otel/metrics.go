package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all sessiond metrics instruments.
type Metrics struct {
	TurnDuration       metric.Float64Histogram
	TaskDuration       metric.Float64Histogram
	RuntimeCallTime    metric.Float64Histogram
	TokensUsed         metric.Int64Counter
	ToolCallDuration   metric.Float64Histogram
	ToolCallErrors     metric.Int64Counter
	ActiveConnections  metric.Int64UpDownCounter
	ActiveWorkers      metric.Int64UpDownCounter
	PermissionDenials  metric.Int64Counter
	HookBlocks         metric.Int64Counter
	TaskRetries        metric.Int64Counter
	ScheduleTriggers   metric.Int64Counter
	StreamEventsTotal  metric.Int64Counter
	AcquireWaitSeconds metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnDuration, err = meter.Float64Histogram("sessiond.turn.duration",
		metric.WithDescription("Single turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("sessiond.task.duration",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RuntimeCallTime, err = meter.Float64Histogram("sessiond.runtime.duration",
		metric.WithDescription("Model runtime call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("sessiond.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("sessiond.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("sessiond.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter("sessiond.runtime.connections",
		metric.WithDescription("Currently provisioned runtime connections"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkers, err = meter.Int64UpDownCounter("sessiond.queue.active_workers",
		metric.WithDescription("Workers currently running a task"),
	)
	if err != nil {
		return nil, err
	}

	m.PermissionDenials, err = meter.Int64Counter("sessiond.permission.denials",
		metric.WithDescription("Tool calls denied by permission rules"),
	)
	if err != nil {
		return nil, err
	}

	m.HookBlocks, err = meter.Int64Counter("sessiond.hook.blocks",
		metric.WithDescription("Operations blocked by hooks"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRetries, err = meter.Int64Counter("sessiond.task.retries",
		metric.WithDescription("Task executions scheduled for retry"),
	)
	if err != nil {
		return nil, err
	}

	m.ScheduleTriggers, err = meter.Int64Counter("sessiond.schedule.triggers",
		metric.WithDescription("Cron schedules fired"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamEventsTotal, err = meter.Int64Counter("sessiond.stream.events",
		metric.WithDescription("Turn events processed by the stream pipeline"),
	)
	if err != nil {
		return nil, err
	}

	m.AcquireWaitSeconds, err = meter.Float64Histogram("sessiond.runtime.acquire_wait",
		metric.WithDescription("Time spent waiting for a runtime connection slot"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
