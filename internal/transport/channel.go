package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/matheus3301/imcore/internal/bus"
	"github.com/matheus3301/imcore/internal/status"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultReconnectInterval = 3 * time.Second
	defaultDialTimeout       = 10 * time.Second
	writeTimeout             = 5 * time.Second
	readLimit                = 1 << 20
)

// Dispatcher receives every inbound event that is not a keepalive frame.
type Dispatcher interface {
	Handle(Event)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(Event)

// Handle calls f(evt).
func (f DispatcherFunc) Handle(evt Event) { f(evt) }

// TokenSource supplies the short-lived stream token appended to the URL.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Metrics observes channel activity. All methods must be cheap.
type Metrics interface {
	FrameReceived(kind string)
	FrameDropped(reason string)
	DialAttempt(ok bool)
}

// wsConn abstracts the WebSocket connection so Channel can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type dialFunc func(ctx context.Context, rawURL string) (wsConn, error)

// Config holds the stream endpoint and reconnect policy.
type Config struct {
	URL                  string
	AutoReconnect        bool
	// MaxReconnectAttempts bounds the redials after a failure. Zero means
	// none: the first failure puts the channel in the error state.
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = defaultReconnectInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
}

// Channel owns one stream connection: dialing, heartbeat, and bounded
// reconnection. Inbound events go to the Dispatcher bound at construction;
// lifecycle changes go to the status machine and the bus.
type Channel struct {
	cfg        Config
	tokens     TokenSource
	dispatcher Dispatcher
	machine    *status.Machine
	bus        *bus.Bus
	logger     *zap.Logger
	metrics    Metrics
	dial       dialFunc

	mu         sync.Mutex
	conn       wsConn
	connCancel context.CancelFunc
	dialCancel context.CancelFunc
	retryTimer *time.Timer
	policy     backoff.BackOff
	attempts   int
	dials      int
	gen        uint64

	writeMu sync.Mutex
}

// Option customises a Channel.
type Option func(*Channel)

// WithMetrics installs a metrics observer.
func WithMetrics(m Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// NewChannel creates a channel in the disconnected state. Nothing is dialed
// until Connect.
func NewChannel(cfg Config, tokens TokenSource, d Dispatcher, m *status.Machine, b *bus.Bus, logger *zap.Logger, opts ...Option) *Channel {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if d == nil {
		d = DispatcherFunc(func(Event) {})
	}
	if m == nil {
		m = status.NewMachine(b)
	}
	c := &Channel{
		cfg:        cfg,
		tokens:     tokens,
		dispatcher: d,
		machine:    m,
		bus:        b,
		logger:     logger.Named("transport"),
		metrics:    nopMetrics{},
		dial:       dialWebsocket,
		policy:     newPolicy(cfg),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newPolicy(cfg Config) backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.ReconnectInterval), uint64(cfg.MaxReconnectAttempts))
}

func dialWebsocket(ctx context.Context, rawURL string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, rawURL, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Status returns the current connection state.
func (c *Channel) Status() status.State {
	return c.machine.Current()
}

// Attempts returns the number of reconnect attempts since the last
// successful open.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Dials returns the total number of dial attempts made by this channel.
func (c *Channel) Dials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

// Connect starts dialing in the background. It is a no-op while the channel
// is already connecting, connected, or waiting to reconnect.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.machine.Is(status.Connecting, status.Connected, status.Reconnecting) {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	c.attempts = 0
	c.policy.Reset()
	c.setStatus(status.Connecting)
	c.mu.Unlock()

	go c.open(gen)
}

// Disconnect closes the connection and cancels every pending timer. No
// reconnect is scheduled afterwards.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.gen++
	conn := c.teardownLocked()
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if !c.machine.Is(status.Disconnected) {
		c.setStatus(status.Disconnected)
		c.bus.Emit(bus.ConnectionDisconnected, nil)
	}
}

// Reconnect tears down any connection, resets the attempt counter, and
// connects again. It is the only way out of the error state.
func (c *Channel) Reconnect() {
	c.logger.Info("manual reconnect requested", zap.String("from", string(c.Status())))
	c.Disconnect()
	c.Connect()
}

// Send writes an event to the stream. It returns false when the channel is
// not connected or the write fails.
func (c *Channel) Send(evt Event) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.machine.Is(status.Connected) {
		return false
	}
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		c.logger.Warn("encode outbound event", zap.Error(err), zap.String("type", string(evt.Type)))
		return false
	}
	if err := c.write(conn, data); err != nil {
		c.logger.Warn("write outbound event", zap.Error(err), zap.String("type", string(evt.Type)))
		return false
	}
	return true
}

func (c *Channel) write(conn wsConn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// open performs one dial for generation gen.
func (c *Channel) open(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.dialCancel = cancel
	c.dials++
	c.mu.Unlock()

	conn, err := c.dialOnce(ctx)
	c.metrics.DialAttempt(err == nil)

	c.mu.Lock()
	c.dialCancel = nil
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("stream dial failed", zap.Error(err))
		c.dropped(gen, err)
		return
	}

	conn.SetReadLimit(readLimit)
	connCtx, connCancel := context.WithCancel(context.Background())
	c.conn = conn
	c.connCancel = connCancel
	c.attempts = 0
	c.policy.Reset()
	c.setStatus(status.Connected)
	c.mu.Unlock()

	c.logger.Info("stream connected")
	c.bus.Emit(bus.ConnectionConnected, nil)

	go c.readLoop(connCtx, conn, gen)
	go c.heartbeat(connCtx, conn)
}

func (c *Channel) dialOnce(ctx context.Context) (wsConn, error) {
	rawURL, err := c.streamURL(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := c.dial(ctx, rawURL)
	if err != nil {
		// A rejected token is the common cause; fetch a fresh one next time.
		if inv, ok := c.tokens.(interface{ Invalidate() }); ok {
			inv.Invalidate()
		}
		return nil, err
	}
	return conn, nil
}

func (c *Channel) streamURL(ctx context.Context) (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return "", fmt.Errorf("stream token: %w", err)
		}
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// dropped handles a connection loss or failed dial that the caller did not
// initiate.
func (c *Channel) dropped(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	conn := c.teardownLocked()
	c.setStatus(status.Disconnected)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, "connection lost")
	}
	c.bus.Emit(bus.ConnectionDisconnected, cause)
	c.scheduleReconnect(gen, cause)
}

// scheduleReconnect arms the next redial for gen. Without auto-reconnect a
// failure is terminal and only a normal close from the server leaves the
// channel disconnected.
func (c *Channel) scheduleReconnect(gen uint64, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	if !c.cfg.AutoReconnect {
		if cause == nil || websocket.CloseStatus(cause) == websocket.StatusNormalClosure {
			return
		}
		c.setStatus(status.Error)
		c.logger.Error("stream failed with auto-reconnect off", zap.Error(cause))
		c.bus.Emit(bus.ConnectionError, cause)
		return
	}

	wait := c.policy.NextBackOff()
	if wait == backoff.Stop {
		c.setStatus(status.Error)
		c.logger.Error("reconnect attempts exhausted", zap.Int("attempts", c.attempts))
		c.bus.Emit(bus.ConnectionError, fmt.Errorf("gave up after %d reconnect attempts", c.attempts))
		return
	}

	c.attempts++
	attempt := c.attempts
	c.setStatus(status.Reconnecting)
	c.logger.Info("scheduling reconnect", zap.Int("attempt", attempt), zap.Duration("wait", wait))
	c.retryTimer = time.AfterFunc(wait, func() {
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.retryTimer = nil
		c.setStatus(status.Connecting)
		c.mu.Unlock()
		c.open(gen)
	})
}

// teardownLocked cancels timers and the live connection's goroutines and
// returns the connection for the caller to close. c.mu must be held.
func (c *Channel) teardownLocked() wsConn {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	conn := c.conn
	c.conn = nil
	return conn
}

func (c *Channel) readLoop(ctx context.Context, conn wsConn, gen uint64) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("stream read failed", zap.Error(err))
			c.dropped(gen, err)
			return
		}
		if typ != websocket.MessageText {
			c.metrics.FrameDropped("binary")
			continue
		}
		c.receive(conn, data)
	}
}

// receive decodes one frame and routes it. Malformed and unknown frames are
// logged and dropped.
func (c *Channel) receive(conn wsConn, data []byte) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		c.metrics.FrameDropped("malformed")
		c.logger.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}
	if !evt.Type.Known() {
		c.metrics.FrameDropped("unknown_type")
		c.logger.Debug("dropping frame with unknown type", zap.String("type", string(evt.Type)))
		return
	}
	c.metrics.FrameReceived(string(evt.Type))

	switch evt.Type {
	case TypePong:
		return
	case TypePing:
		if pong, err := json.Marshal(Event{Type: TypePong, Timestamp: time.Now().UnixMilli()}); err == nil {
			if err := c.write(conn, pong); err != nil {
				c.logger.Debug("pong write failed", zap.Error(err))
			}
		}
		return
	}
	c.dispatch(evt)
}

func (c *Channel) dispatch(evt Event) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.FrameDropped("handler_panic")
			c.logger.Error("dispatcher panicked", zap.Any("panic", r), zap.String("type", string(evt.Type)))
		}
	}()
	c.dispatcher.Handle(evt)
}

func (c *Channel) heartbeat(ctx context.Context, conn wsConn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	ping, _ := json.Marshal(Event{Type: TypePing})
	for {
		select {
		case <-ticker.C:
			if err := c.write(conn, ping); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Debug("heartbeat write failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// setStatus moves the machine to the given state. Transitions outside the
// table are forced and logged.
func (c *Channel) setStatus(to status.State) {
	if err := c.machine.Transition(to); err != nil {
		c.logger.Warn("forcing connection state", zap.Error(err))
		c.machine.Force(to)
	}
}

type nopMetrics struct{}

func (nopMetrics) FrameReceived(string) {}
func (nopMetrics) FrameDropped(string)  {}
func (nopMetrics) DialAttempt(bool)     {}
