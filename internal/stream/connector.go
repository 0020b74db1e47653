// Package stream maintains the market-data side of a venue: a resilient
// websocket connector and a per-venue order-book stream that turns raw feed
// messages into book snapshots and diffs.
package stream

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Dennicka/propbot-sub002/internal/core"
	"github.com/Dennicka/propbot-sub002/pkg/telemetry"
)

// ErrNotConnected is returned by Send while the socket is down.
var ErrNotConnected = errors.New("websocket not connected")

// ConnState is the connector lifecycle state.
type ConnState string

const (
	ConnConnecting ConnState = "CONNECTING"
	ConnConnected  ConnState = "CONNECTED"
	ConnResyncing  ConnState = "RESYNCING"
	ConnDegraded   ConnState = "DEGRADED"
	ConnDown       ConnState = "DOWN"
)

// Conn is the minimal connection surface the connector needs. gorilla's
// *websocket.Conn satisfies it; tests inject fakes.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer opens a connection to the venue feed.
type Dialer func(ctx context.Context, url string) (Conn, error)

// GorillaDialer dials with the default gorilla websocket dialer.
func GorillaDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	return conn, err
}

// ConnectorConfig tunes reconnect behaviour.
type ConnectorConfig struct {
	BackoffBase      time.Duration // default 1s
	BackoffMax       time.Duration // default 60s
	StableWindow     time.Duration // default 30s of success resets attempts
	HeartbeatTimeout time.Duration // default 45s without a message forces reconnect
}

func (c *ConnectorConfig) applyDefaults() {
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 60 * time.Second
	}
	if c.StableWindow == 0 {
		c.StableWindow = 30 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 45 * time.Second
	}
}

// Connector manages the lifecycle of one venue websocket: dial, read, heartbeat,
// reconnect with jittered exponential backoff.
type Connector struct {
	venue  string
	url    string
	dialer Dialer
	cfg    ConnectorConfig

	onMessage func([]byte)
	onOpen    func()
	onState   func(ConnState, string)

	mu       sync.Mutex
	state    ConnState
	conn     Conn
	attempts int
	openedAt time.Time
	lastSeen time.Time

	// injectable randomness for deterministic backoff tests
	randFloat func() float64
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger core.ILogger
}

// NewConnector creates a connector for one venue feed.
func NewConnector(venue, url string, cfg ConnectorConfig, dialer Dialer, logger core.ILogger) *Connector {
	cfg.applyDefaults()
	if dialer == nil {
		dialer = GorillaDialer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Connector{
		venue:     venue,
		url:       url,
		dialer:    dialer,
		cfg:       cfg,
		state:     ConnConnecting,
		randFloat: rand.Float64,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.WithField("component", "ws_connector").WithField("venue", venue),
	}
}

// SetOnMessage sets the inbound message handler.
func (c *Connector) SetOnMessage(fn func([]byte)) { c.onMessage = fn }

// SetOnOpen sets the callback invoked after each successful connect.
func (c *Connector) SetOnOpen(fn func()) { c.onOpen = fn }

// SetOnStateChange sets the state transition observer.
func (c *Connector) SetOnStateChange(fn func(ConnState, string)) { c.onState = fn }

// State returns the current connector state.
func (c *Connector) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState moves the connector to a state without touching the connection.
// The stream uses this for RESYNCING; the watchdog for DEGRADED/DOWN.
func (c *Connector) SetState(state ConnState, reason string) {
	c.mu.Lock()
	prev := c.state
	c.state = state
	onState := c.onState
	c.mu.Unlock()

	if prev != state {
		c.logger.Info("Connector state changed", "from", prev, "to", state, "reason", reason)
		if onState != nil {
			onState(state, reason)
		}
	}
}

// Send writes a JSON message to the venue, typically a subscribe request.
func (c *Connector) Send(v interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteJSON(v)
}

// ReconnectNow drops the current connection and schedules an immediate redial.
func (c *Connector) ReconnectNow(reason string) {
	c.logger.Warn("Forced reconnect", "reason", reason)
	c.dropConn(reason)
}

// Start begins the connect/read loop.
func (c *Connector) Start() {
	c.wg.Add(2)
	go c.runLoop()
	go c.heartbeatLoop()
}

// Stop terminates the connector.
func (c *Connector) Stop() {
	c.cancel()
	c.dropConn("shutdown")

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("Connector stop timed out waiting for goroutines")
	}
}

// BackoffDelay returns the reconnect delay for attempt n (n >= 1):
// uniform between d and 1.5d where d = min(max, base*2^(n-1)).
func (c *Connector) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.cfg.BackoffBase) * math.Pow(2, float64(attempt-1))
	if d > float64(c.cfg.BackoffMax) {
		d = float64(c.cfg.BackoffMax)
	}
	return time.Duration(d + c.randFloat()*d*0.5)
}

func (c *Connector) runLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.SetState(ConnConnecting, "dialing")

		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		conn, err := c.dialer(c.ctx, c.url)
		if err != nil {
			delay := c.BackoffDelay(attempt)
			c.logger.Error("WebSocket connect failed", "attempt", attempt, "retry_in", delay, "error", err)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.openedAt = c.now()
		c.lastSeen = c.openedAt
		c.mu.Unlock()

		telemetry.GetGlobalMetrics().IncWSConnects(c.ctx, c.venue)
		c.SetState(ConnConnected, "connected")

		if c.onOpen != nil {
			c.onOpen()
		}

		c.readLoop(conn)

		// Connection lost. A stable run resets the attempt counter.
		c.mu.Lock()
		if c.now().Sub(c.openedAt) >= c.cfg.StableWindow {
			c.attempts = 0
		}
		attempt = c.attempts
		c.mu.Unlock()

		telemetry.GetGlobalMetrics().IncWSDisconnects(c.ctx, c.venue)

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.BackoffDelay(attempt + 1)):
		}
	}
}

func (c *Connector) readLoop(conn Conn) {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.dropConn("read_error")
			return
		}

		c.mu.Lock()
		c.lastSeen = c.now()
		c.mu.Unlock()

		if c.onMessage != nil {
			c.onMessage(msg)
		}
	}
}

func (c *Connector) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			silent := c.now().Sub(c.lastSeen)
			c.mu.Unlock()

			if conn != nil && silent > c.cfg.HeartbeatTimeout {
				c.logger.Warn("Heartbeat timeout", "silent_for", silent)
				c.dropConn("heartbeat_timeout")
			}
		}
	}
}

func (c *Connector) dropConn(reason string) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		if reason != "shutdown" {
			c.SetState(ConnConnecting, reason)
		}
	}
}
