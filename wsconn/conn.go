// Package wsconn is the production phxsocket.Transport: one
// nhooyr.io/websocket connection per connection attempt, with a ping-driven
// liveness pump, grounded on the relay client's read/write pump split.
package wsconn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"github.com/braverhealth/phoenix-socket-go"
)

const (
	defaultMaxMessageSize = 512 * 1024
	defaultPingInterval   = 30 * time.Second
	defaultPingTimeout    = 10 * time.Second
	defaultWriteTimeout   = 10 * time.Second
)

// Option configures a Conn produced by NewFactory.
type Option func(*Conn)

// WithMaxMessageSize overrides the maximum inbound frame size.
func WithMaxMessageSize(n int64) Option {
	return func(c *Conn) { c.maxMessageSize = n }
}

// WithPingInterval overrides how often the write pump pings the peer.
func WithPingInterval(d time.Duration) Option {
	return func(c *Conn) { c.pingInterval = d }
}

// WithPingTimeout overrides how long a single ping may take before it is
// treated as a dead connection.
func WithPingTimeout(d time.Duration) Option {
	return func(c *Conn) { c.pingTimeout = d }
}

// WithWriteTimeout overrides how long a single Send may take.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) { c.writeTimeout = d }
}

// WithCompression enables per-message compression with context takeover.
func WithCompression(enabled bool) Option {
	return func(c *Conn) { c.compression = enabled }
}

// NewFactory returns a phxsocket.TransportFactory that dials a fresh Conn
// for every connection attempt, per spec §4.2 (each attempt owns its own
// transport instance).
func NewFactory(opts ...Option) phxsocket.TransportFactory {
	return func(ctx context.Context, url string) (phxsocket.Transport, error) {
		c := &Conn{
			url:            url,
			maxMessageSize: defaultMaxMessageSize,
			pingInterval:   defaultPingInterval,
			pingTimeout:    defaultPingTimeout,
			writeTimeout:   defaultWriteTimeout,
			messages:       make(chan phxsocket.Frame, 32),
			errors:         make(chan error, 1),
			closed:         make(chan phxsocket.CloseInfo, 1),
		}
		for _, opt := range opts {
			opt(c)
		}
		return c, nil
	}
}

// Conn is a single dial attempt's transport. It is not reused across
// reconnects; the connection manager discards it and asks the factory for a
// fresh one.
type Conn struct {
	url            string
	maxMessageSize int64
	pingInterval   time.Duration
	pingTimeout    time.Duration
	writeTimeout   time.Duration
	compression    bool

	mu     sync.Mutex
	ws     *websocket.Conn
	cancel context.CancelFunc

	messages  chan phxsocket.Frame
	errors    chan error
	closed    chan phxsocket.CloseInfo
	closeOnce sync.Once
}

// Connect dials the peer and starts the read/write pumps, per spec §4.2's
// transport-factory contract: Connect must return only once the transport
// is usable.
func (c *Conn) Connect(ctx context.Context) error {
	dialOpts := &websocket.DialOptions{}
	if c.compression {
		dialOpts.CompressionMode = websocket.CompressionContextTakeover
	}
	ws, _, err := websocket.Dial(ctx, c.url, dialOpts)
	if err != nil {
		return fmt.Errorf("wsconn: dial: %w", err)
	}
	ws.SetReadLimit(c.maxMessageSize)

	pumpCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.ws = ws
	c.cancel = cancel
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(pumpCtx)
	g.Go(func() error { return c.readPump(gctx, ws) })
	g.Go(func() error { return c.writePump(gctx, ws) })
	go c.awaitPumps(g, ws)
	return nil
}

func (c *Conn) awaitPumps(g *errgroup.Group, ws *websocket.Conn) {
	err := g.Wait()
	code := websocket.CloseStatus(err)
	reason := ""
	if err != nil {
		reason = err.Error()
		c.emitError(err)
	}
	if code < 0 {
		code = websocket.StatusAbnormalClosure
	}
	c.emitClosed(phxsocket.CloseInfo{Code: int(code), Reason: reason})
}

func (c *Conn) readPump(ctx context.Context, ws *websocket.Conn) error {
	for {
		msgType, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		frame := phxsocket.Frame{Binary: msgType == websocket.MessageBinary, Data: data}
		select {
		case c.messages <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Conn) writePump(ctx context.Context, ws *websocket.Conn) error {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.pingTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

// Send writes a single frame with the configured write timeout.
func (c *Conn) Send(ctx context.Context, frame phxsocket.Frame) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return phxsocket.ErrNotConnected
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	msgType := websocket.MessageText
	if frame.Binary {
		msgType = websocket.MessageBinary
	}
	return ws.Write(writeCtx, msgType, frame.Data)
}

// Messages returns the inbound frame channel.
func (c *Conn) Messages() <-chan phxsocket.Frame { return c.messages }

// Errors returns the transport-level error channel.
func (c *Conn) Errors() <-chan error { return c.errors }

// Closed returns the channel that fires exactly once when the pumps exit.
func (c *Conn) Closed() <-chan phxsocket.CloseInfo { return c.closed }

// Close tears down the pumps and closes the underlying websocket connection
// with the given code and reason.
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	ws := c.ws
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws == nil {
		return nil
	}
	return ws.Close(websocket.StatusCode(code), reason)
}

func (c *Conn) emitError(err error) {
	select {
	case c.errors <- err:
	default:
	}
}

func (c *Conn) emitClosed(info phxsocket.CloseInfo) {
	c.closeOnce.Do(func() {
		c.closed <- info
		close(c.closed)
		close(c.errors)
		close(c.messages)
	})
}
