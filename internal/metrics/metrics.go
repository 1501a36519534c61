package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/angeloszaimis/experella/internal/backend"
)

// Source exposes the live scheduling state that snapshots report next to
// the counters.
type Source interface {
	Backends() []*backend.Server
	AvailableCount() int
	WaitingCount() int
}

type Metrics struct {
	mutex         sync.RWMutex
	requests      int64
	connections   int64
	active        int64
	queued        int64
	rejected      int64
	badRequests   int64
	timeouts      int64
	assignments   map[string]int64
	failures      map[string]int64
	responseTimes map[string][]time.Duration
	statusCodes   map[string]map[int]int64
	startTime     time.Time
}

type Snapshot struct {
	TotalRequests     int64                     `json:"total_requests"`
	TotalConnections  int64                     `json:"total_connections"`
	ActiveConnections int64                     `json:"active_connections"`
	Queued            int64                     `json:"queued"`
	Rejected          int64                     `json:"rejected"`
	BadRequests       int64                     `json:"bad_requests"`
	Timeouts          int64                     `json:"timeouts"`
	Available         int                       `json:"available_backends"`
	Waiting           int                       `json:"waiting_connections"`
	Uptime            time.Duration             `json:"uptime"`
	Backends          map[string]BackendMetrics `json:"backends"`
}

type BackendMetrics struct {
	Assignments int64         `json:"assignments"`
	Failures    int64         `json:"failures"`
	Workload    int           `json:"workload"`
	Concurrency int           `json:"concurrency"`
	AvgResponse time.Duration `json:"avg_response"`
	P50Response time.Duration `json:"p50_response"`
	P95Response time.Duration `json:"p95_response"`
	P99Response time.Duration `json:"p99_response"`
	StatusCodes map[int]int64 `json:"status_codes"`
}

func (m *Metrics) IncrementRequests() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.requests++
}

func (m *Metrics) ConnectionOpened() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.connections++
	m.active++
}

func (m *Metrics) ConnectionClosed() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.active > 0 {
		m.active--
	}
}

func (m *Metrics) RecordAssignment(backend string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.assignments[backend]++
}

func (m *Metrics) RecordFailure(backend string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.failures[backend]++
}

func (m *Metrics) RecordQueued() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.queued++
}

func (m *Metrics) RecordRejected() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.rejected++
}

func (m *Metrics) RecordBadRequest() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.badRequests++
}

func (m *Metrics) RecordTimeout() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.timeouts++
}

func (m *Metrics) RecordResponse(backend string, duration time.Duration, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.responseTimes[backend] = append(m.responseTimes[backend], duration)

	if len(m.responseTimes[backend]) > 1000 {
		m.responseTimes[backend] = m.responseTimes[backend][1:]
	}

	if m.statusCodes[backend] == nil {
		m.statusCodes[backend] = make(map[int]int64)
	}
	m.statusCodes[backend][statusCode]++
}

// Snapshot copies the counters. Live gauges are filled in from src when it
// is not nil.
func (m *Metrics) Snapshot(src Source) Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		TotalRequests:     m.requests,
		TotalConnections:  m.connections,
		ActiveConnections: m.active,
		Queued:            m.queued,
		Rejected:          m.rejected,
		BadRequests:       m.badRequests,
		Timeouts:          m.timeouts,
		Uptime:            time.Since(m.startTime),
		Backends:          make(map[string]BackendMetrics),
	}

	allBackends := make(map[string]bool)
	for backend := range m.assignments {
		allBackends[backend] = true
	}
	for backend := range m.failures {
		allBackends[backend] = true
	}
	for backend := range m.responseTimes {
		allBackends[backend] = true
	}

	for backend := range allBackends {
		bm := BackendMetrics{
			Assignments: m.assignments[backend],
			Failures:    m.failures[backend],
			StatusCodes: copyCodes(m.statusCodes[backend]),
		}

		durations := m.responseTimes[backend]
		if len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			bm.AvgResponse = average(sorted)
			bm.P50Response = percentile(sorted, 0.50)
			bm.P95Response = percentile(sorted, 0.95)
			bm.P99Response = percentile(sorted, 0.99)
		}

		snap.Backends[backend] = bm
	}

	if src != nil {
		snap.Available = src.AvailableCount()
		snap.Waiting = src.WaitingCount()
		for _, b := range src.Backends() {
			bm := snap.Backends[b.Name()]
			bm.Workload = b.Workload()
			bm.Concurrency = b.Concurrency()
			snap.Backends[b.Name()] = bm
		}
	}

	return snap
}

func NewMetrics() *Metrics {
	return &Metrics{
		assignments:   make(map[string]int64),
		failures:      make(map[string]int64),
		responseTimes: make(map[string][]time.Duration),
		statusCodes:   make(map[string]map[int]int64),
		startTime:     time.Now(),
	}
}

func copyCodes(codes map[int]int64) map[int]int64 {
	if codes == nil {
		return nil
	}
	out := make(map[int]int64, len(codes))
	for k, v := range codes {
		out[k] = v
	}
	return out
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
