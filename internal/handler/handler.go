package handler

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/angeloszaimis/experella/internal/loadbalancer"
	"github.com/angeloszaimis/experella/internal/metrics"
	"github.com/angeloszaimis/experella/internal/proxy"
)

// ProxyHandler serves the client connections accepted on one listener.
type ProxyHandler struct {
	logger           *slog.Logger
	manager          *loadbalancer.ConnectionManager
	metricsCollector *metrics.Collector
	options          proxy.Options

	wg sync.WaitGroup
}

func (h *ProxyHandler) ServeConn(ctx context.Context, conn net.Conn) {
	h.wg.Add(1)
	defer h.wg.Done()

	c := proxy.NewConnection(conn, h.manager, h.options)

	h.logger.Debug("Accepted connection",
		slog.String("conn", c.ID()),
		slog.String("from", extractClientIP(conn)))

	c.Serve(ctx)
}

// Wait blocks until every connection served by h has been torn down.
func (h *ProxyHandler) Wait() {
	h.wg.Wait()
}

func extractClientIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

func NewProxyHandler(logger *slog.Logger, manager *loadbalancer.ConnectionManager, collector *metrics.Collector, opts proxy.Options) *ProxyHandler {
	opts.Logger = logger
	opts.Metrics = collector

	return &ProxyHandler{
		logger:           logger,
		manager:          manager,
		metricsCollector: collector,
		options:          opts,
	}
}
