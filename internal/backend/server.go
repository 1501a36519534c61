package backend

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/angeloszaimis/experella/internal/message"
)

// ForwardName is the reserved backend name whose upstream address is
// taken from each request's Host header instead of the descriptor.
const ForwardName = "web"

var ErrInvalidDescriptor = errors.New("backend: invalid descriptor")

// Descriptor is the static configuration of a backend server.
type Descriptor struct {
	Name        string
	Host        string
	Port        int
	Concurrency int
	// Accepts is compiled into a RuleSet unless Predicate is set.
	Accepts   map[string]string
	Predicate func(*message.Request) bool
	Mangle    map[string]MangleAction
}

// Server represents a backend server with its concurrency ceiling and
// current workload.
type Server struct {
	name        string
	host        string
	port        int
	concurrency int
	matcher     Matcher
	mangle      []mangleRule

	mutex    sync.Mutex
	workload int
}

// New creates a Server from d, compiling its matcher and mangle rules.
func New(d Descriptor) (*Server, error) {
	if d.Host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrInvalidDescriptor)
	}
	if d.Port <= 0 || d.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidDescriptor, d.Port)
	}

	concurrency := d.Concurrency
	if concurrency == 0 {
		concurrency = 1
	}
	if concurrency < 0 {
		return nil, fmt.Errorf("%w: concurrency must be positive", ErrInvalidDescriptor)
	}

	name := d.Name
	if name == "" {
		name = net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
	}

	var matcher Matcher
	if d.Predicate != nil {
		matcher = Custom(d.Predicate)
	} else {
		rs, err := CompileRuleSet(d.Accepts)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", name, err)
		}
		matcher = rs
	}

	return &Server{
		name:        name,
		host:        d.Host,
		port:        d.Port,
		concurrency: concurrency,
		matcher:     matcher,
		mangle:      compileMangle(d.Mangle),
	}, nil
}

// Name returns the unique backend name.
func (s *Server) Name() string {
	return s.name
}

// Host returns the configured upstream host.
func (s *Server) Host() string {
	return s.host
}

// Port returns the configured upstream port.
func (s *Server) Port() int {
	return s.port
}

// Address returns host:port of the configured upstream.
func (s *Server) Address() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Forward reports whether the upstream address comes from the request.
func (s *Server) Forward() bool {
	return s.name == ForwardName
}

// Concurrency returns the number of requests the backend serves at once.
func (s *Server) Concurrency() int {
	return s.concurrency
}

// Match reports whether the backend accepts req.
func (s *Server) Match(req *message.Request) bool {
	return s.matcher.Match(req)
}

// IncrementWorkload adds one in-flight request and returns the new count.
func (s *Server) IncrementWorkload() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.workload++
	return s.workload
}

// DecrementWorkload removes one in-flight request. It never goes below zero.
func (s *Server) DecrementWorkload() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.workload > 0 {
		s.workload--
	}
	return s.workload
}

// Workload returns the number of in-flight requests.
func (s *Server) Workload() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.workload
}

// HasCapacity reports whether workload is below concurrency.
func (s *Server) HasCapacity() bool {
	return s.Workload() < s.concurrency
}

// ApplyMangle rewrites the request header fields configured for this backend.
func (s *Server) ApplyMangle(req *message.Request) {
	for _, rule := range s.mangle {
		old, _ := req.Field(rule.key)
		req.SetField(rule.key, rule.action.apply(old))
	}
}
