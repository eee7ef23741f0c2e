package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all orchestration-core metrics instruments.
type Metrics struct {
	QueueDepth        metric.Int64UpDownCounter
	DispatchDuration  metric.Float64Histogram
	DispatchAssigned  metric.Int64Counter
	DispatchNoWorker  metric.Int64Counter
	TaskCompleted     metric.Int64Counter
	TaskFailed        metric.Int64Counter
	TaskTimedOut      metric.Int64Counter
	TaskRetried       metric.Int64Counter
	WireSendDuration  metric.Float64Histogram
	BusEventsDropped  metric.Int64Counter
	HubsUnhealthy     metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.QueueDepth, err = meter.Int64UpDownCounter("memoryd.queue.depth",
		metric.WithDescription("Current count of pending tasks"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("memoryd.dispatch.duration",
		metric.WithDescription("Dispatch cycle duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchAssigned, err = meter.Int64Counter("memoryd.dispatch.assigned",
		metric.WithDescription("Tasks successfully assigned to a worker"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchNoWorker, err = meter.Int64Counter("memoryd.dispatch.no_worker",
		metric.WithDescription("Dispatch attempts that found no available worker"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskCompleted, err = meter.Int64Counter("memoryd.task.completed",
		metric.WithDescription("Tasks that completed successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskFailed, err = meter.Int64Counter("memoryd.task.failed",
		metric.WithDescription("Tasks that failed permanently"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskTimedOut, err = meter.Int64Counter("memoryd.task.timeout",
		metric.WithDescription("Tasks that exceeded their processing timeout"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRetried, err = meter.Int64Counter("memoryd.task.retried",
		metric.WithDescription("Tasks re-queued after a worker-reported error"),
	)
	if err != nil {
		return nil, err
	}

	m.WireSendDuration, err = meter.Float64Histogram("memoryd.wire.send.duration",
		metric.WithDescription("Duration of a single websocket envelope write"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BusEventsDropped, err = meter.Int64Counter("memoryd.bus.events.dropped",
		metric.WithDescription("Bus events dropped due to a full subscriber buffer"),
	)
	if err != nil {
		return nil, err
	}

	m.HubsUnhealthy, err = meter.Int64UpDownCounter("memoryd.federation.hubs.unhealthy",
		metric.WithDescription("Count of peer hubs currently marked unhealthy"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
