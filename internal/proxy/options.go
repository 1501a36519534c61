package proxy

import (
	"log/slog"
	"net"
	"time"

	"github.com/angeloszaimis/experella/internal/metrics"
)

const (
	DefaultTimeout      = 15 * time.Second
	DefaultTickInterval = time.Second
	DefaultWriteTimeout = 30 * time.Second
	DefaultDialTimeout  = 10 * time.Second
)

// Hooks observe or rewrite the traffic of one connection. Every field is
// optional. Hooks run on the connection's event loop.
type Hooks struct {
	// OnConnect is called when a backend link is established.
	OnConnect func(backend string)
	// OnData may rewrite raw client bytes before they are parsed.
	OnData func(data []byte) []byte
	// OnResponse may rewrite raw backend bytes before they are reframed.
	OnResponse func(backend string, data []byte) []byte
	// OnFinish is called when a backend link goes away.
	OnFinish func(backend string)
	// OnUnbind is called once the client connection is closed.
	OnUnbind func()
}

// ErrorPages holds the bodies of the 404 and 503 responses.
type ErrorPages struct {
	NotFound    []byte
	Unavailable []byte
}

var defaultPages = ErrorPages{
	NotFound:    []byte("<html><body><h1>404 Not Found</h1></body></html>\n"),
	Unavailable: []byte("<html><body><h1>503 Service Unavailable</h1></body></html>\n"),
}

type Options struct {
	// Timeout closes a connection without send or receive activity for
	// this long. Zero disables the idle check.
	Timeout      time.Duration
	TickInterval time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	Pages        ErrorPages
	Hooks        Hooks
	Logger       *slog.Logger
	Metrics      *metrics.Collector
}

func (o Options) withDefaults() Options {
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTickInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.Pages.NotFound == nil {
		o.Pages.NotFound = defaultPages.NotFound
	}
	if o.Pages.Unavailable == nil {
		o.Pages.Unavailable = defaultPages.Unavailable
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

func (o Options) dialer() *net.Dialer {
	return &net.Dialer{Timeout: o.DialTimeout}
}
