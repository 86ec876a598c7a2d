// Package channel owns the single persistent websocket connection to the
// analysis service and exposes it as a typed publish/subscribe surface.
//
// The connection is opened when the Channel is created and re-dialed with
// jittered backoff whenever it drops. Messages written or in flight during a
// drop are lost; callers that stream frames simply keep sending.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/traffic-vision/client/internal/metrics"
	"github.com/hubenschmidt/traffic-vision/client/internal/protocol"
)

// Default connection constants.
const (
	DefaultDialTimeout    = 10 * time.Second
	DefaultWriteWait      = 5 * time.Second
	DefaultPingInterval   = 20 * time.Second
	DefaultPongWait       = 60 * time.Second
	DefaultMaxMessageSize = 16 * 1024 * 1024 // annotated frames are a few hundred KB
	DefaultReconnectBase  = 500 * time.Millisecond
	DefaultReconnectMax   = 10 * time.Second
	closeGracePeriod      = time.Second
)

// ErrNotConnected is returned by Send while the transport is down.
var ErrNotConnected = errors.New("channel: not connected")

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("channel: closed")

// Config configures a Channel.
type Config struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string

	// Header is sent with every handshake.
	Header http.Header

	DialTimeout    time.Duration
	WriteWait      time.Duration
	PingInterval   time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	ReconnectBase  time.Duration
	ReconnectMax   time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.ReconnectMax < c.ReconnectBase {
		c.ReconnectMax = DefaultReconnectMax
		if c.ReconnectMax < c.ReconnectBase {
			c.ReconnectMax = c.ReconnectBase
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Handler receives the raw data field of an inbound event.
type Handler func(data json.RawMessage)

// Channel is a reconnecting websocket client with per-event-type dispatch.
// Handlers run one at a time on the read goroutine, in arrival order.
type Channel struct {
	cfg    Config
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	conn     *websocket.Conn
	ready    chan struct{} // closed while conn != nil
	closed   bool
	handlers map[string]Handler

	writeMu sync.Mutex // gorilla/websocket allows one concurrent writer
}

// New creates a Channel and starts connecting in the background.
// The connection lives until Close is called or ctx is canceled.
func New(ctx context.Context, cfg Config) *Channel {
	cfg.defaults()
	runCtx, cancel := context.WithCancel(ctx)
	c := &Channel{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "channel"),
		ctx:      runCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
		handlers: map[string]Handler{},
	}
	go c.run()
	return c
}

// Subscribe registers the handler for eventType, replacing any previous one.
// A nil handler removes the registration.
func (c *Channel) Subscribe(eventType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		delete(c.handlers, eventType)
		return
	}
	c.handlers[eventType] = h
}

// On subscribes fn to eventType, decoding each payload into T.
// Payloads that do not decode are logged and skipped.
func On[T any](c *Channel, eventType string, fn func(T)) {
	c.Subscribe(eventType, func(data json.RawMessage) {
		var v T
		if len(data) > 0 && string(data) != "null" {
			if err := json.Unmarshal(data, &v); err != nil {
				c.log.Warn("decode event", "type", eventType, "error", err)
				return
			}
		}
		fn(v)
	})
}

// Send writes one command. It does not wait for any acknowledgement and never
// retries; a nil error only means the frame was handed to the socket.
func (c *Channel) Send(eventType string, payload any) error {
	env := protocol.Envelope{Type: eventType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", eventType, err)
		}
		env.Data = data
	}
	msg, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err = conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("write %s: %w", eventType, err)
	}
	metrics.ChannelMessages.WithLabelValues("out", eventType).Inc()
	return nil
}

// Connected reports whether the transport is currently up.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// WaitConnected blocks until the transport is up, ctx ends or the channel closes.
func (c *Channel) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Close tears the connection down and waits for the background loop to exit.
// Safe to call multiple times.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()

	if conn != nil {
		c.writeMu.Lock()
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(closeGracePeriod))
		c.writeMu.Unlock()
		// unblocks ReadMessage in the read loop
		_ = conn.Close()
	}

	<-c.done
	return nil
}

func (c *Channel) run() {
	defer close(c.done)

	backoff := c.cfg.ReconnectBase
	for {
		if c.ctx.Err() != nil {
			return
		}

		conn, err := c.dial()
		if err != nil {
			delay := calculateBackoff(backoff, c.cfg.ReconnectMax)
			c.log.Warn("channel dial failed", "url", c.cfg.URL, "error", err, "retry_in", delay)
			if !c.sleep(delay) {
				return
			}
			backoff = min(backoff*2, c.cfg.ReconnectMax)
			metrics.ChannelReconnects.Inc()
			continue
		}
		backoff = c.cfg.ReconnectBase

		if !c.attach(conn) {
			_ = conn.Close()
			return
		}
		c.log.Info("channel connected", "url", c.cfg.URL)

		err = c.serve(conn)
		c.detach(conn)

		if c.ctx.Err() != nil {
			return
		}
		c.log.Warn("channel dropped, reconnecting", "error", err)
		metrics.ChannelReconnects.Inc()
	}
}

func (c *Channel) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.DialTimeout,
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(c.cfg.MaxMessageSize)
	return conn, nil
}

func (c *Channel) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = conn
	close(c.ready)
	metrics.ChannelConnected.Set(1)
	return true
}

func (c *Channel) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.ready = make(chan struct{})
	}
	c.mu.Unlock()
	metrics.ChannelConnected.Set(0)
	_ = conn.Close()
}

// serve pumps one connection until it fails. It owns the ping loop for conn.
func (c *Channel) serve(conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go c.pingLoop(conn, stop)

	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("server closed: %w", err)
			}
			return err
		}
		extend()
		if msgType != websocket.TextMessage {
			continue
		}
		c.dispatch(data)
	}
}

func (c *Channel) dispatch(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn("malformed channel message", "error", err, "bytes", len(data))
		return
	}
	metrics.ChannelMessages.WithLabelValues("in", env.Type).Inc()

	c.mu.Lock()
	h := c.handlers[env.Type]
	c.mu.Unlock()

	if h == nil {
		c.log.Debug("no handler for event", "type", env.Type)
		return
	}
	h(env.Data)
}

func (c *Channel) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Channel) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
