// Package channel maintains the live event subscription for a provisioning
// session over WebSocket, normalizing transport connect/disconnect/error into
// a uniform callback interface. Loss of the channel is never fatal to the
// session: the consumer degrades to polling.
package channel

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"provisioner/pkg/logx"
	"provisioner/pkg/proto"
)

// ErrAlreadyOpen is returned when Open is called for a different session
// while the channel is active. Re-opening the same session is a no-op.
var ErrAlreadyOpen = errors.New("channel already open for another session")

// Handlers receives channel observations. All callbacks are invoked from a
// single goroutine in transport receive order; duplicate delivery of a
// logical event is possible and consumers must handle it idempotently.
type Handlers struct {
	OnEvent      func(ev proto.Event)
	OnConnect    func()
	OnDisconnect func(reason error)
	OnError      func(err error)
}

// Config controls the reconnect policy. Zero values fall back to the
// defaults below.
type Config struct {
	ReconnectBase    time.Duration // base delay before the first reconnect
	ReconnectMax     time.Duration // cap for the backoff delay
	MaxReconnects    int           // reconnect budget before giving up
	HandshakeTimeout time.Duration
	Header           http.Header // extra handshake headers (e.g. Authorization)
}

const (
	defaultReconnectBase    = 1 * time.Second
	defaultReconnectMax     = 30 * time.Second
	defaultMaxReconnects    = 8
	defaultHandshakeTimeout = 10 * time.Second
)

func (c *Config) applyDefaults() {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = defaultReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = defaultReconnectMax
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = defaultMaxReconnects
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
}

// Channel is a single logical subscription to a session event stream. A
// Channel is single-use: once closed it cannot be reopened.
type Channel struct {
	cfg    Config
	logger *logx.Logger

	mu       sync.Mutex
	url      string
	handlers Handlers
	conn     *websocket.Conn
	opened   bool
	closed   chan struct{}

	wg sync.WaitGroup
}

// New creates an unopened channel.
func New(cfg Config) *Channel {
	cfg.applyDefaults()
	return &Channel{
		cfg:    cfg,
		logger: logx.NewLogger("channel"),
		closed: make(chan struct{}),
	}
}

// Open starts the subscription to the given stream URL. Calling Open again
// with the same URL while open is a no-op; a different URL is an error.
func (c *Channel) Open(streamURL string, h Handlers) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opened {
		if c.url == streamURL {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, c.url)
	}
	select {
	case <-c.closed:
		return errors.New("channel is closed")
	default:
	}

	c.url = streamURL
	c.handlers = h
	c.opened = true

	c.wg.Add(1)
	go c.run()
	return nil
}

// Close releases the transport. Safe to call multiple times and from
// handler callbacks; it signals shutdown without waiting for the run loop.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return
	default:
		close(c.closed)
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// Wait blocks until the run loop has exited. Intended for tests and orderly
// process shutdown; must not be called from handler callbacks.
func (c *Channel) Wait() {
	c.wg.Wait()
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// backoffDelay computes the capped exponential delay before reconnect
// attempt n (1-based).
func (c *Channel) backoffDelay(attempt int) time.Duration {
	delay := time.Duration(float64(c.cfg.ReconnectBase) * math.Pow(2, float64(attempt-1)))
	if delay > c.cfg.ReconnectMax || delay <= 0 {
		delay = c.cfg.ReconnectMax
	}
	return delay
}

// run dials, pumps events, and reconnects with backoff until the channel is
// closed or the reconnect budget is exhausted.
func (c *Channel) run() {
	defer c.wg.Done()

	attempts := 0
	for {
		if c.isClosed() {
			return
		}

		dialer := &websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
		conn, resp, err := dialer.Dial(c.url, c.cfg.Header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			c.logger.Warn("dial failed: %v", err)
			attempts++
			if !c.sleepOrGiveUp(attempts, err) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		if c.isClosed() {
			_ = conn.Close()
			return
		}

		attempts = 0
		c.logger.Info("connected to %s", c.url)
		if c.handlers.OnConnect != nil {
			c.handlers.OnConnect()
		}

		readErr := c.readPump(conn)
		_ = conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if c.isClosed() {
			return
		}

		c.logger.Warn("disconnected: %v", readErr)
		if c.handlers.OnDisconnect != nil {
			c.handlers.OnDisconnect(readErr)
		}

		attempts++
		if !c.sleepOrGiveUp(attempts, readErr) {
			return
		}
	}
}

// sleepOrGiveUp waits out the backoff for the given attempt. It returns
// false when the budget is exhausted or the channel was closed; exhaustion
// is surfaced via OnError but deliberately does not fail the session.
func (c *Channel) sleepOrGiveUp(attempts int, cause error) bool {
	if attempts > c.cfg.MaxReconnects {
		c.logger.Error("reconnect budget exhausted after %d attempts", c.cfg.MaxReconnects)
		if c.handlers.OnError != nil {
			c.handlers.OnError(&proto.ErrorDetail{
				Kind:    proto.ErrorChannelUnavailable,
				Message: fmt.Sprintf("lost event channel after %d reconnect attempts: %v", c.cfg.MaxReconnects, cause),
			})
		}
		return false
	}

	delay := c.backoffDelay(attempts)
	c.logger.Debug("reconnect attempt %d/%d in %s", attempts, c.cfg.MaxReconnects, delay)
	select {
	case <-c.closed:
		return false
	case <-time.After(delay):
		return true
	}
}

// readPump delivers events in receive order until the connection drops.
// Malformed payloads are reported via OnError and dropped.
func (c *Channel) readPump(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if c.isClosed() {
			return nil
		}

		ev, err := proto.ParseEvent(data)
		if err != nil {
			c.logger.Warn("dropping payload: %v", err)
			if c.handlers.OnError != nil {
				c.handlers.OnError(err)
			}
			continue
		}
		if c.handlers.OnEvent != nil {
			c.handlers.OnEvent(ev)
		}
	}
}
