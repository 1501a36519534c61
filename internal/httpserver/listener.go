package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ConnHandler serves one accepted socket until it is torn down.
type ConnHandler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// Listener accepts raw TCP (optionally TLS) connections for the proxy and
// hands each of them to a ConnHandler on its own goroutine.
type Listener struct {
	addr      string
	tlsConfig *tls.Config
	handler   ConnHandler
	logger    *slog.Logger

	mutex    sync.Mutex
	ln       net.Listener
	shutdown bool
	wg       sync.WaitGroup
}

// NewListener validates addr and prepares a listener. A nil tlsConfig
// serves plain TCP.
func NewListener(addr string, tlsConfig *tls.Config, handler ConnHandler, logger *slog.Logger) (*Listener, error) {
	if err := validateHost(addr); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("httpserver: nil connection handler")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Listener{
		addr:      addr,
		tlsConfig: tlsConfig,
		handler:   handler,
		logger:    logger.With(slog.String("listener", addr)),
	}, nil
}

// LoadTLS reads a PEM certificate and key pair into a server TLS config.
func LoadTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Listen binds the address. Calling it twice is a no-op.
func (l *Listener) Listen() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.ln != nil {
		return nil
	}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.addr, err)
	}
	if l.tlsConfig != nil {
		ln = tls.NewListener(ln, l.tlsConfig)
	}
	l.ln = ln
	return nil
}

// Addr reports the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve runs the accept loop until ctx is cancelled or Shutdown is called.
// Both cases return nil. Listen must have been called first.
func (l *Listener) Serve(ctx context.Context) error {
	l.mutex.Lock()
	ln := l.ln
	l.mutex.Unlock()
	if ln == nil {
		return errors.New("httpserver: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() {
		l.Shutdown()
	})
	defer stop()

	l.logger.Info("Proxy listener started",
		slog.String("addr", ln.Addr().String()),
		slog.Bool("tls", l.tlsConfig != nil))

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.closed() {
				l.wg.Wait()
				l.logger.Info("Proxy listener stopped")
				return nil
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				l.logger.Warn("Accept failed, retrying",
					slog.Duration("in", backoff),
					slog.Any("err", err))
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept on %s: %w", l.addr, err)
		}
		backoff = 0

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handler.ServeConn(ctx, conn)
		}()
	}
}

// Start binds and serves in one call.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.Listen(); err != nil {
		return err
	}
	return l.Serve(ctx)
}

// Shutdown closes the listening socket. Live connections are torn down by
// cancelling the context they were served with.
func (l *Listener) Shutdown() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.shutdown {
		return nil
	}
	l.shutdown = true
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

func (l *Listener) closed() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.shutdown
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
