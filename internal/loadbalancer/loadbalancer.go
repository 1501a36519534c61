package loadbalancer

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/angeloszaimis/experella/internal/backend"
	"github.com/angeloszaimis/experella/internal/message"
)

var ErrDuplicateBackend = errors.New("loadbalancer: duplicate backend name")

// Waiter is a client connection that can be parked until a backend frees up.
type Waiter interface {
	// CurrentRequest returns the request at the head of the connection queue.
	CurrentRequest() *message.Request
	// Bind hands a reserved backend to the connection. It returns false if
	// the connection can no longer use it.
	Bind(b *backend.Server) bool
}

type Result int

const (
	Assigned Result = iota
	Queued
	Rejected
)

func (r Result) String() string {
	switch r {
	case Assigned:
		return "assigned"
	case Queued:
		return "queued"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

type ConnectionManager struct {
	mutex     sync.Mutex
	backends  map[string]*backend.Server
	available []*backend.Server
	waiting   []Waiter
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		backends: make(map[string]*backend.Server),
	}
}

func (cm *ConnectionManager) FindBackend(w Waiter) (Result, *backend.Server) {
	req := w.CurrentRequest()

	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	for i, b := range cm.available {
		if !b.Match(req) {
			continue
		}
		cm.available = slices.Delete(cm.available, i, i+1)
		if b.IncrementWorkload() < b.Concurrency() {
			cm.available = append(cm.available, b)
		}
		return Assigned, b
	}

	for _, b := range cm.backends {
		if b.Match(req) {
			cm.waiting = append(cm.waiting, w)
			return Queued, nil
		}
	}

	return Rejected, nil
}

// Release returns b after a request finished with it. If a waiting
// connection matches b, it is removed from the queue and returned with the
// workload slot still reserved; the caller must Bind it. A backend that is
// no longer registered is only drained.
func (cm *ConnectionManager) Release(b *backend.Server) Waiter {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	registered := cm.backends[b.Name()] == b
	if registered {
		if w := cm.takeWaiter(b); w != nil {
			return w
		}
	}

	b.DecrementWorkload()
	if registered && !slices.Contains(cm.available, b) {
		cm.available = append(cm.available, b)
	}
	return nil
}

// ReleaseAndHandOff releases b and binds it to the next matching waiting
// connection, skipping connections that have gone away meanwhile.
func (cm *ConnectionManager) ReleaseAndHandOff(b *backend.Server) Waiter {
	for {
		w := cm.Release(b)
		if w == nil || w.Bind(b) {
			return w
		}
	}
}

// Register adds b to the registry. A waiting connection that b can serve
// is returned with one workload slot reserved on b; the caller must Bind it.
func (cm *ConnectionManager) Register(b *backend.Server) (Waiter, error) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if _, ok := cm.backends[b.Name()]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateBackend, b.Name())
	}
	cm.backends[b.Name()] = b

	w := cm.takeWaiter(b)
	if w != nil {
		b.IncrementWorkload()
	}
	if b.HasCapacity() {
		cm.available = append(cm.available, b)
	}
	return w, nil
}

// RegisterAndHandOff registers b and binds it to a waiting connection if
// one matches.
func (cm *ConnectionManager) RegisterAndHandOff(b *backend.Server) error {
	w, err := cm.Register(b)
	if err != nil {
		return err
	}
	if w != nil && !w.Bind(b) {
		cm.ReleaseAndHandOff(b)
	}
	return nil
}

// Unregister removes b from the registry and the available queue. Requests
// already bound to b finish normally.
func (cm *ConnectionManager) Unregister(b *backend.Server) bool {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if cm.backends[b.Name()] != b {
		return false
	}
	delete(cm.backends, b.Name())
	cm.available = slices.DeleteFunc(cm.available, func(x *backend.Server) bool { return x == b })
	return true
}

// ReleaseConnection drops w from the waiting queue.
func (cm *ConnectionManager) ReleaseConnection(w Waiter) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	cm.waiting = slices.DeleteFunc(cm.waiting, func(x Waiter) bool { return x == w })
}

func (cm *ConnectionManager) Lookup(name string) (*backend.Server, bool) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	b, ok := cm.backends[name]
	return b, ok
}

// Backends returns the registered backends ordered by name.
func (cm *ConnectionManager) Backends() []*backend.Server {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	out := make([]*backend.Server, 0, len(cm.backends))
	for _, b := range cm.backends {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (cm *ConnectionManager) BackendCount() int {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	return len(cm.backends)
}

func (cm *ConnectionManager) AvailableCount() int {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	return len(cm.available)
}

func (cm *ConnectionManager) WaitingCount() int {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	return len(cm.waiting)
}

func (cm *ConnectionManager) takeWaiter(b *backend.Server) Waiter {
	for i, w := range cm.waiting {
		if b.Match(w.CurrentRequest()) {
			cm.waiting = slices.Delete(cm.waiting, i, i+1)
			return w
		}
	}
	return nil
}
