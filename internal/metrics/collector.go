package metrics

import (
	"context"
	"log/slog"
	"time"
)

type EventType string

const (
	EventConnectionOpened  EventType = "connection_opened"
	EventConnectionClosed  EventType = "connection_closed"
	EventRequestReceived   EventType = "request_received"
	EventBackendAssigned   EventType = "backend_assigned"
	EventRequestQueued     EventType = "request_queued"
	EventRequestRejected   EventType = "request_rejected"
	EventBadRequest        EventType = "bad_request"
	EventBackendFailed     EventType = "backend_failed"
	EventResponseCompleted EventType = "response_completed"
	EventConnectionTimeout EventType = "connection_timeout"
)

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Backend    string
	Duration   time.Duration
	StatusCode int
}

type Collector struct {
	eventCh chan MetricEvent
	metrics *Metrics
	logger  *slog.Logger
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	return &Collector{
		eventCh: make(chan MetricEvent, bufferSize),
		metrics: NewMetrics(),
		logger:  logger,
	}
}

func (c *Collector) EventChannel() chan<- MetricEvent {
	return c.eventCh
}

// Emit queues event without blocking. Events are dropped when the buffer
// is full. A nil Collector ignores every event.
func (c *Collector) Emit(event MetricEvent) {
	if c == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
	default:
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventConnectionOpened:
		c.metrics.ConnectionOpened()

	case EventConnectionClosed:
		c.metrics.ConnectionClosed()

	case EventRequestReceived:
		c.metrics.IncrementRequests()

	case EventBackendAssigned:
		c.metrics.RecordAssignment(event.Backend)

	case EventRequestQueued:
		c.metrics.RecordQueued()

	case EventRequestRejected:
		c.metrics.RecordRejected()

	case EventBadRequest:
		c.metrics.RecordBadRequest()

	case EventBackendFailed:
		c.metrics.RecordFailure(event.Backend)

	case EventResponseCompleted:
		c.metrics.RecordResponse(event.Backend, event.Duration, event.StatusCode)

	case EventConnectionTimeout:
		c.metrics.RecordTimeout()
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot(src Source) Snapshot {
	return c.metrics.Snapshot(src)
}
