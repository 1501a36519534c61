package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/experella/config"
	"github.com/angeloszaimis/experella/internal/handler"
	"github.com/angeloszaimis/experella/internal/httpserver"
	"github.com/angeloszaimis/experella/internal/loadbalancer"
	"github.com/angeloszaimis/experella/internal/metrics"
	"github.com/angeloszaimis/experella/internal/proxy"
	"github.com/angeloszaimis/experella/pkg/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configFile string
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "experella",
		Short: "experella - reverse HTTP proxy routing on headers and URIs",
		Long: `experella accepts HTTP/1.x connections on one or more listeners and
forwards every request to the first backend whose accept rules match it.
Backends with no free capacity queue the request until one is released.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			loader := config.NewLoader(configFile, slog.Default())
			cfg, err := loader.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			log := logger.New(cfg.Logging.Level, true, cfg.Server.Environment)

			a, err := newApp(cfg, log)
			if err != nil {
				log.Error("Failed to initialize proxy", slog.Any("err", err))
				return err
			}

			if watch {
				loader.Watch(ctx, a.reload)
			}

			return a.run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Config file path (default: config.yaml in ./config or .)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Reload backends when the config file changes")

	return cmd
}

// app owns every long lived component of one proxy process.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	manager   *loadbalancer.ConnectionManager
	collector *metrics.Collector
	handlers  []*handler.ProxyHandler
	listeners []*httpserver.Listener
	admin     *httpserver.Server
	backends  *backendSet
}

func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{
		cfg:       cfg,
		log:       log,
		manager:   loadbalancer.NewConnectionManager(),
		collector: metrics.NewCollector(1000, log),
	}

	a.backends = newBackendSet(a.manager, log)
	if err := a.backends.apply(cfg.Backends); err != nil {
		return nil, err
	}

	pages, err := cfg.ReadErrorPages()
	if err != nil {
		return nil, err
	}
	opts := proxy.Options{
		Timeout: cfg.IdleTimeout(),
		Pages: proxy.ErrorPages{
			NotFound:    pages.NotFound,
			Unavailable: pages.Unavailable,
		},
	}

	for _, lc := range cfg.Listeners {
		h := handler.NewProxyHandler(log, a.manager, a.collector, opts)

		var tlsConfig *tls.Config
		if lc.TLS != nil {
			tlsConfig, err = httpserver.LoadTLS(cfg.Resolve(lc.TLS.CertFile), cfg.Resolve(lc.TLS.KeyFile))
			if err != nil {
				return nil, fmt.Errorf("listener %s: %w", lc.Address(), err)
			}
		}

		l, err := httpserver.NewListener(lc.Address(), tlsConfig, h, log)
		if err != nil {
			return nil, fmt.Errorf("listener %s: %w", lc.Address(), err)
		}
		a.handlers = append(a.handlers, h)
		a.listeners = append(a.listeners, l)
	}

	if cfg.Metrics.Address != "" {
		admin, err := httpserver.New(cfg.Metrics.Address, setupRouter(a.manager, a.collector))
		if err != nil {
			return nil, fmt.Errorf("metrics server: %w", err)
		}
		a.admin = admin.WithLogger(log)
	}

	return a, nil
}

// run binds every listener up front so a bad address fails before any
// traffic is accepted, then serves until ctx is done.
func (a *app) run(ctx context.Context) error {
	for _, l := range a.listeners {
		if err := l.Listen(); err != nil {
			a.log.Error("Failed to bind listener", slog.Any("err", err))
			return err
		}
	}
	if a.admin != nil {
		if err := a.admin.Listen(); err != nil {
			a.log.Error("Failed to bind metrics server", slog.Any("err", err))
			return err
		}
	}

	a.collector.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range a.listeners {
		g.Go(func() error {
			return l.Serve(gctx)
		})
	}

	if a.admin != nil {
		g.Go(a.admin.Start)
		g.Go(func() error {
			<-gctx.Done()
			return a.admin.Shutdown(context.Background())
		})
	}

	err := g.Wait()
	for _, h := range a.handlers {
		h.Wait()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error("Proxy stopped with error", slog.Any("err", err))
		return err
	}
	a.log.Info("Shutting down gracefully...")
	return nil
}

// reload applies backend changes from a re-read config file.
func (a *app) reload(cfg *config.Config) {
	if err := a.backends.apply(cfg.Backends); err != nil {
		a.log.Warn("Failed to apply backend changes", slog.Any("err", err))
	}
}
