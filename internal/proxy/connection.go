package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/experella/internal/backend"
	"github.com/angeloszaimis/experella/internal/loadbalancer"
	"github.com/angeloszaimis/experella/internal/message"
	"github.com/angeloszaimis/experella/internal/metrics"
)

// Events the client reader posts to the loop.
type (
	clientData struct {
		data []byte
	}
	clientGone struct {
		err error
	}
)

// Connection serves one client socket.
type Connection struct {
	id      string
	netConn net.Conn
	manager *loadbalancer.ConnectionManager
	opts    Options
	logger  *slog.Logger

	events chan any
	bindCh chan *backend.Server
	done   chan struct{}

	bindMu   sync.Mutex
	finished bool

	// head is the request offered to the manager for matching.
	head atomic.Pointer[message.Request]

	// Owned by the event loop.
	ctx          context.Context
	parser       *message.Parser
	parsing      *message.Request
	requests     []*message.Request
	backend      *backend.Server
	link         *Link
	closed       bool
	lastActivity time.Time
	dispatchedAt time.Time
}

func NewConnection(conn net.Conn, manager *loadbalancer.ConnectionManager, opts Options) *Connection {
	opts = opts.withDefaults()
	id := uuid.NewString()

	c := &Connection{
		id:      id,
		netConn: conn,
		manager: manager,
		opts:    opts,
		logger: opts.Logger.With(
			slog.String("conn", id),
			slog.String("peer", conn.RemoteAddr().String())),
		events: make(chan any, 16),
		bindCh: make(chan *backend.Server, 1),
		done:   make(chan struct{}),
	}
	c.parser = message.NewRequestParser(requestSink{c})
	return c
}

func (c *Connection) ID() string {
	return c.id
}

// Done is closed once the connection has been torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// CurrentRequest implements loadbalancer.Waiter.
func (c *Connection) CurrentRequest() *message.Request {
	return c.head.Load()
}

// Bind implements loadbalancer.Waiter. The backend is picked up by the
// event loop; Bind never blocks.
func (c *Connection) Bind(b *backend.Server) bool {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()

	if c.finished {
		return false
	}
	select {
	case c.bindCh <- b:
		return true
	default:
		return false
	}
}

// Serve runs the connection until the client goes away, the idle timeout
// fires, an error closes it or ctx is cancelled.
func (c *Connection) Serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.ctx = ctx
	c.lastActivity = time.Now()

	defer c.shutdown()
	c.emit(metrics.EventConnectionOpened, "")
	c.logger.Debug("Client connected")

	if err := c.handshake(ctx); err != nil {
		c.logger.Debug("TLS handshake failed", slog.Any("err", err))
		return
	}

	go c.readClient()

	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	for !c.closed {
		select {
		case <-ctx.Done():
			return

		case ev := <-c.events:
			c.handle(ev)

		case b := <-c.bindCh:
			c.logger.Debug("Backend handed over", slog.String("backend", b.Name()))
			c.connectBackend(b)

		case now := <-ticker.C:
			if c.opts.Timeout > 0 && now.Sub(c.lastActivity) > c.opts.Timeout {
				c.logger.Warn("Connection timed out",
					slog.Duration("idle", now.Sub(c.lastActivity)))
				c.emit(metrics.EventConnectionTimeout, "")
				return
			}
		}
	}
}

func (c *Connection) handshake(ctx context.Context) error {
	tlsConn, ok := c.netConn.(*tls.Conn)
	if !ok {
		return nil
	}
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	return tlsConn.HandshakeContext(ctx)
}

func (c *Connection) handle(ev any) {
	switch ev := ev.(type) {
	case clientData:
		c.receive(ev.data)

	case clientGone:
		if ev.err != nil && !errors.Is(ev.err, io.EOF) && !errors.Is(ev.err, net.ErrClosed) {
			c.logger.Debug("Client read failed", slog.Any("err", ev.err))
		}
		c.closed = true

	case linkUp:
		if ev.link != c.link {
			return
		}
		c.logger.Debug("Backend connected",
			slog.String("backend", ev.link.Name()),
			slog.String("addr", ev.link.Addr()))
		if c.opts.Hooks.OnConnect != nil {
			c.opts.Hooks.OnConnect(ev.link.Name())
		}
		c.relayToServer()

	case linkData:
		if ev.link != c.link {
			return
		}
		c.relayFromBackend(ev.data)

	case linkDown:
		if ev.link != c.link {
			return
		}
		c.unbindBackend(ev.err)
	}
}

func (c *Connection) receive(data []byte) {
	c.lastActivity = time.Now()
	if c.opts.Hooks.OnData != nil {
		data = c.opts.Hooks.OnData(data)
	}
	if c.parser == nil {
		return
	}

	if err := c.parser.Feed(data); err != nil {
		c.badRequest(err)
		return
	}
	c.relayToServer()
}

// badRequest answers a malformed request. The parser is dropped so no
// further input is interpreted.
func (c *Connection) badRequest(err error) {
	c.parser = nil
	if c.closed {
		return
	}
	c.logger.Warn("Malformed request", slog.Any("err", err))
	c.emit(metrics.EventBadRequest, "")
	c.writeClient([]byte(badRequestResponse))
	c.closed = true
}

func (c *Connection) dispatch() {
	req := c.requests[0]
	c.head.Store(req)

	result, b := c.manager.FindBackend(c)
	switch result {
	case loadbalancer.Assigned:
		c.connectBackend(b)

	case loadbalancer.Queued:
		c.logger.Debug("Request queued",
			slog.String("method", req.Method),
			slog.String("url", req.RequestURI))
		c.emit(metrics.EventRequestQueued, "")

	case loadbalancer.Rejected:
		c.logger.Warn("No backend matches request",
			slog.String("method", req.Method),
			slog.String("url", req.RequestURI),
			slog.String("host", req.Header.Get("Host")))
		c.emit(metrics.EventRequestRejected, "")
		c.writeClient(errorResponse(http.StatusNotFound, c.opts.Pages.NotFound, req.IsHead()))
		c.closed = true
	}
}

// connectBackend binds the head request to b and opens the link.
func (c *Connection) connectBackend(b *backend.Server) {
	if c.closed || len(c.requests) == 0 || c.backend != nil {
		c.manager.ReleaseAndHandOff(b)
		return
	}
	c.manager.ReleaseConnection(c)
	c.backend = b

	req := c.requests[0]
	b.ApplyMangle(req)
	req.Reconstruct()

	host, port := b.Host(), b.Port()
	if b.Forward() {
		host, port = req.ForwardTarget()
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	c.logger.Debug("Forwarding to backend",
		slog.String("backend", b.Name()),
		slog.String("addr", addr),
		slog.String("method", req.Method),
		slog.String("url", req.RequestURI))
	c.emit(metrics.EventBackendAssigned, b.Name())

	c.dispatchedAt = time.Now()
	c.link = dialLink(c.ctx, b.Name(), addr, c.opts.dialer(), c.opts.WriteTimeout, c.post)
	c.relayToServer()
}

func (c *Connection) relayToServer() {
	if c.link == nil || len(c.requests) == 0 {
		return
	}
	req := c.requests[0]
	if !req.Pending() {
		return
	}
	if err := c.link.Write(req.Flush()); err != nil {
		c.logger.Debug("Backend write failed",
			slog.String("backend", c.link.Name()),
			slog.Any("err", err))
		c.link.Close()
	}
}

func (c *Connection) relayFromBackend(data []byte) {
	if c.opts.Hooks.OnResponse != nil {
		data = c.opts.Hooks.OnResponse(c.link.Name(), data)
	}

	resp := c.requests[0].Response
	out, err := resp.Feed(data)
	c.writeClient(out)
	if err != nil {
		c.logger.Warn("Malformed backend response",
			slog.String("backend", c.link.Name()),
			slog.Any("err", err))
		c.closed = true
		return
	}
	if resp.Complete() {
		c.link.Close()
	}
}

// unbindBackend finishes the exchange with the current link.
func (c *Connection) unbindBackend(cause error) {
	name := c.link.Name()
	c.link = nil
	if c.opts.Hooks.OnFinish != nil {
		c.opts.Hooks.OnFinish(name)
	}

	req := c.requests[0]
	if !req.Response.Started() {
		c.logger.Warn("Backend closed without response",
			slog.String("backend", name),
			slog.Any("err", cause))
		c.emit(metrics.EventBackendFailed, name)
		c.writeClient(errorResponse(http.StatusServiceUnavailable, c.opts.Pages.Unavailable, req.IsHead()))
		c.closed = true
		return
	}

	rest, err := req.Response.Close()
	c.writeClient(rest)
	c.opts.Metrics.Emit(metrics.MetricEvent{
		Type:       metrics.EventResponseCompleted,
		Backend:    name,
		Duration:   time.Since(c.dispatchedAt),
		StatusCode: req.Response.StatusCode,
	})
	if err != nil {
		c.logger.Debug("Backend response incomplete",
			slog.String("backend", name),
			slog.Any("err", err))
	}

	if !req.KeepAlive || err != nil || !req.Response.Complete() {
		c.closed = true
	}
	c.requests = c.requests[1:]
	c.head.Store(nil)
	c.releaseBackend()

	if len(c.requests) > 0 && !c.closed {
		c.dispatch()
		c.relayToServer()
	}
}

func (c *Connection) releaseBackend() {
	if c.backend == nil {
		return
	}
	b := c.backend
	c.backend = nil
	if w := c.manager.ReleaseAndHandOff(b); w != nil {
		c.logger.Debug("Backend passed to waiting connection", slog.String("backend", b.Name()))
	}
}

func (c *Connection) writeClient(data []byte) {
	if len(data) == 0 || c.closed {
		return
	}
	c.lastActivity = time.Now()
	c.netConn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if _, err := c.netConn.Write(data); err != nil {
		c.logger.Debug("Client write failed", slog.Any("err", err))
		c.closed = true
	}
}

func (c *Connection) shutdown() {
	c.closed = true

	c.bindMu.Lock()
	c.finished = true
	c.bindMu.Unlock()

	c.manager.ReleaseConnection(c)
	if c.link != nil {
		c.link.Close()
		c.link = nil
	}
	c.releaseBackend()
	select {
	case b := <-c.bindCh:
		c.manager.ReleaseAndHandOff(b)
	default:
	}

	c.netConn.Close()
	close(c.done)

	if c.opts.Hooks.OnUnbind != nil {
		c.opts.Hooks.OnUnbind()
	}
	c.emit(metrics.EventConnectionClosed, "")
	c.logger.Debug("Client disconnected", slog.Int("pending_requests", len(c.requests)))
}

func (c *Connection) readClient() {
	buf := make([]byte, 32*1024)
	for {
		n, err := c.netConn.Read(buf)
		if n > 0 {
			if !c.post(clientData{data: bytes.Clone(buf[:n])}) {
				return
			}
		}
		if err != nil {
			c.post(clientGone{err: err})
			return
		}
	}
}

// post delivers an event to the loop unless the connection is gone.
func (c *Connection) post(ev any) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Connection) emit(t metrics.EventType, backend string) {
	c.opts.Metrics.Emit(metrics.MetricEvent{Type: t, Backend: backend})
}

// requestSink receives parser callbacks on the event loop.
type requestSink struct {
	c *Connection
}

func (s requestSink) OnHeaders(head *message.Head) error {
	c := s.c
	req, err := message.NewRequest(head)
	if err != nil {
		return err
	}
	c.parsing = req
	if c.closed {
		return nil
	}

	c.requests = append(c.requests, req)
	c.emit(metrics.EventRequestReceived, "")
	c.logger.Debug("Request received",
		slog.String("method", req.Method),
		slog.String("url", req.RequestURI),
		slog.Bool("pipelined", len(c.requests) > 1))

	if len(c.requests) == 1 {
		c.dispatch()
	}
	return nil
}

func (s requestSink) OnBody(chunk []byte) {
	if s.c.parsing != nil {
		s.c.parsing.AppendBody(chunk)
	}
}

func (s requestSink) OnComplete() {
	if s.c.parsing != nil {
		s.c.parsing.Finish()
		s.c.parsing = nil
	}
}
