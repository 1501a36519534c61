package proxy

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

type linkState int

const (
	linkConnecting linkState = iota
	linkConnected
	linkClosed
)

func (s linkState) String() string {
	switch s {
	case linkConnecting:
		return "connecting"
	case linkConnected:
		return "connected"
	case linkClosed:
		return "closed"
	}
	return "unknown"
}

var errLinkClosed = errors.New("proxy: link closed")

// Events a Link posts to its connection.
type (
	linkUp struct {
		link *Link
	}
	linkData struct {
		link *Link
		data []byte
	}
	linkDown struct {
		link *Link
		err  error
	}
)

// Link is the outbound socket for one forwarded request. Writes issued
// while the dial is in flight are queued and flushed once it connects.
// Exactly one linkDown is posted per Link.
type Link struct {
	name         string
	addr         string
	writeTimeout time.Duration
	post         func(any) bool
	cancel       context.CancelFunc

	mutex   sync.Mutex
	state   linkState
	conn    net.Conn
	pending bytes.Buffer
}

func dialLink(ctx context.Context, name, addr string, d *net.Dialer, writeTimeout time.Duration, post func(any) bool) *Link {
	ctx, cancel := context.WithCancel(ctx)
	l := &Link{
		name:         name,
		addr:         addr,
		writeTimeout: writeTimeout,
		post:         post,
		cancel:       cancel,
	}
	go l.run(ctx, d)
	return l
}

func (l *Link) Name() string {
	return l.name
}

func (l *Link) Addr() string {
	return l.addr
}

func (l *Link) State() string {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.state.String()
}

// Write sends data to the backend, or queues it while connecting. Data
// written after Close is dropped.
func (l *Link) Write(data []byte) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	switch l.state {
	case linkConnecting:
		l.pending.Write(data)
		return nil
	case linkConnected:
		return l.write(data)
	}
	return errLinkClosed
}

// Close tears the link down. Pending writes are discarded.
func (l *Link) Close() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.state == linkClosed {
		return
	}
	l.state = linkClosed
	l.pending.Reset()
	l.cancel()
	if l.conn != nil {
		l.conn.Close()
	}
}

func (l *Link) write(data []byte) error {
	if l.writeTimeout > 0 {
		l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout))
	}
	_, err := l.conn.Write(data)
	return err
}

func (l *Link) run(ctx context.Context, d *net.Dialer) {
	conn, err := d.DialContext(ctx, "tcp", l.addr)
	if err != nil {
		l.mutex.Lock()
		l.state = linkClosed
		l.mutex.Unlock()
		l.post(linkDown{link: l, err: err})
		return
	}

	if err := l.connected(conn); err != nil {
		conn.Close()
		l.Close()
		l.post(linkDown{link: l, err: err})
		return
	}
	l.post(linkUp{link: l})

	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if !l.post(linkData{link: l, data: bytes.Clone(buf[:n])}) {
				conn.Close()
				return
			}
		}
		if err != nil {
			l.Close()
			l.post(linkDown{link: l, err: err})
			return
		}
	}
}

func (l *Link) connected(conn net.Conn) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.state == linkClosed {
		return errLinkClosed
	}
	l.conn = conn
	l.state = linkConnected
	if l.pending.Len() == 0 {
		return nil
	}
	err := l.write(l.pending.Bytes())
	l.pending.Reset()
	return err
}
