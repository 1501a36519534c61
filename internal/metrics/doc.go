// Package metrics provides real-time metrics collection for the proxy.
//
// It uses a channel-based event pipeline to asynchronously collect metrics about:
//   - Client connections, opened and currently active
//   - Backend assignments and failed backends (503) per backend
//   - Queued, rejected (404) and malformed (400) requests and idle timeouts
//   - Response times with percentile calculations (P50, P95, P99)
//   - HTTP status code distribution
//
// The collector runs in a dedicated goroutine and processes events without blocking
// the connection loops. Events are sent with Emit, which drops them when the buffer
// is full rather than stall a connection.
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, logger)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:       metrics.EventResponseCompleted,
//		Backend:    "srv1",
//		Duration:   150 * time.Millisecond,
//		StatusCode: 200,
//	})
//
//	// Counters plus live workload gauges from the connection manager
//	snapshot := collector.Snapshot(manager)
//
// Snapshot and Handler accept a Source so that the JSON view also shows each
// backend's current workload and the length of the scheduling queues.
package metrics
