package main

import (
	"fmt"
	"log/slog"
	"reflect"

	"github.com/angeloszaimis/experella/config"
	"github.com/angeloszaimis/experella/internal/loadbalancer"
)

// backendSet keeps the manager's registry in line with the configured
// backend list. A changed entry replaces the registered server; in-flight
// requests finish on the old one.
type backendSet struct {
	manager *loadbalancer.ConnectionManager
	log     *slog.Logger
	current map[string]config.BackendConfig
}

func newBackendSet(manager *loadbalancer.ConnectionManager, log *slog.Logger) *backendSet {
	return &backendSet{
		manager: manager,
		log:     log,
		current: make(map[string]config.BackendConfig),
	}
}

func (s *backendSet) apply(configs []config.BackendConfig) error {
	servers, err := config.Servers(configs)
	if err != nil {
		return err
	}
	want := make(map[string]config.BackendConfig, len(configs))
	for i, srv := range servers {
		if _, dup := want[srv.Name()]; dup {
			return fmt.Errorf("%w: %s", loadbalancer.ErrDuplicateBackend, srv.Name())
		}
		want[srv.Name()] = configs[i]
	}

	for name, old := range s.current {
		bc, keep := want[name]
		if keep && reflect.DeepEqual(bc, old) {
			continue
		}
		if srv, ok := s.manager.Lookup(name); ok {
			s.manager.Unregister(srv)
			s.log.Info("Backend removed", slog.String("backend", name))
		}
		delete(s.current, name)
	}

	for _, srv := range servers {
		if _, ok := s.current[srv.Name()]; ok {
			continue
		}
		if err := s.manager.RegisterAndHandOff(srv); err != nil {
			return fmt.Errorf("register %s: %w", srv.Name(), err)
		}
		s.current[srv.Name()] = want[srv.Name()]
		s.log.Info("Backend registered",
			slog.String("backend", srv.Name()),
			slog.String("addr", srv.Address()),
			slog.Int("concurrency", srv.Concurrency()))
	}

	return nil
}
