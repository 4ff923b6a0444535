package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/browserhost/pkg/browser"
	"github.com/odvcencio/browserhost/pkg/logging"
)

// ConnectionState tracks the client's transport lifecycle. Transitions are
// serialized under the client mutex; only one reconnect attempt is ever in
// flight.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// ErrRequestTimeout is returned when the worker does not answer a request
// within the configured timeout. Timing out client-side does not abort the
// worker-side operation.
var ErrRequestTimeout = errors.New("request timed out waiting for worker response")

type callResult struct {
	env responseEnvelope
	err error
}

// pendingRequest tracks one in-flight call. Each entry is removed from the
// pending map exactly once: by the matching response, by its timeout, or
// by connection teardown.
type pendingRequest struct {
	verb string
	ch   chan callResult
}

// Client is the correlated request/response transport to the worker over
// one logical WebSocket connection. Many concurrent calls multiplex over
// the single socket, distinguished purely by request id.
type Client struct {
	url            string
	connectTimeout time.Duration
	requestTimeout time.Duration
	maxReconnects  int
	reconnectDelay time.Duration
	logger         *logging.Logger

	mu                sync.Mutex
	conn              *websocket.Conn
	state             ConnectionState
	reconnectAttempts int
	closed            bool
	connID            string

	// writeMu serializes frame writes; gorilla/websocket allows only one
	// concurrent writer.
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest
}

// NewClient creates a client for the worker advertised on cfg.Port. The
// client owns its WebSocket exclusively and may recreate it across
// reconnects without restarting the worker process.
func NewClient(cfg Config, logger *logging.Logger) *Client {
	merged := cfg.withDefaults()
	return &Client{
		url:            fmt.Sprintf("ws://127.0.0.1:%d", merged.Port),
		connectTimeout: merged.ConnectTimeout,
		requestTimeout: merged.RequestTimeout,
		maxReconnects:  merged.MaxReconnects,
		reconnectDelay: merged.ReconnectDelay,
		logger:         logger,
		pending:        make(map[string]*pendingRequest),
	}
}

// Connect opens the socket. It fails on the first attempt's error without
// retrying, so callers can tell "worker never became reachable" apart from
// "worker dropped mid-session".
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.closed = false
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("connecting to worker at %s: %w", c.url, err)
	}

	c.adopt(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.connectTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	return conn, err
}

// adopt installs a freshly opened connection and starts its read loop.
func (c *Client) adopt(conn *websocket.Conn) {
	connID := ulid.Make().String()

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.reconnectAttempts = 0
	c.connID = connID
	c.mu.Unlock()

	c.logger.Info(logging.CategoryTransport, "connected", "worker channel open", map[string]any{
		"conn_id": connID,
		"url":     c.url,
	})

	go c.readLoop(conn, connID)
}

// Call sends one request and blocks until the matching response, the
// request timeout, or context cancellation. It fails immediately when not
// connected; requests are never queued.
func (c *Client) Call(ctx context.Context, verb, sessionID string, data any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return nil, browser.ErrNotConnected
	}

	requestID := newRequestID()
	req := &pendingRequest{verb: verb, ch: make(chan callResult, 1)}
	c.pendingMu.Lock()
	c.pending[requestID] = req
	c.pendingMu.Unlock()

	start := time.Now()
	env := requestEnvelope{
		Type:      verb,
		RequestID: requestID,
		SessionID: sessionID,
		Data:      data,
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(env)
	c.writeMu.Unlock()
	if err != nil {
		c.takePending(requestID)
		browser.RecordRPC(verb, browser.OutcomeError, time.Since(start))
		return nil, fmt.Errorf("writing %s request: %w", verb, err)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case result := <-req.ch:
		return c.settle(verb, start, result)
	case <-timer.C:
		if c.takePending(requestID) == nil {
			// The response won the race against the timer.
			return c.settle(verb, start, <-req.ch)
		}
		browser.RecordRPC(verb, browser.OutcomeTimeout, time.Since(start))
		return nil, fmt.Errorf("%s: %w", verb, ErrRequestTimeout)
	case <-ctx.Done():
		c.takePending(requestID)
		browser.RecordRPC(verb, browser.OutcomeError, time.Since(start))
		return nil, ctx.Err()
	}
}

func (c *Client) settle(verb string, start time.Time, result callResult) (json.RawMessage, error) {
	if result.err != nil {
		browser.RecordRPC(verb, browser.OutcomeError, time.Since(start))
		return nil, result.err
	}
	if result.env.Type == typeError || result.env.Error != "" {
		browser.RecordRPC(verb, browser.OutcomeError, time.Since(start))
		return nil, &WorkerError{Verb: verb, Message: result.env.Error}
	}
	browser.RecordRPC(verb, browser.OutcomeOK, time.Since(start))
	return result.env.Data, nil
}

// IsConnected reports whether the transport is currently open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Disconnect permanently closes the connection. It suppresses any further
// automatic reconnection and is idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.reconnectAttempts = c.maxReconnects
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.failAllPending()

	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

func (c *Client) readLoop(conn *websocket.Conn, connID string) {
	for {
		var env responseEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			c.handleDisconnect(conn, connID, err)
			return
		}
		c.dispatch(connID, env)
	}
}

// dispatch routes one inbound envelope. Unsolicited notifications and late
// responses are logged, never delivered to a pending call.
func (c *Client) dispatch(connID string, env responseEnvelope) {
	if env.RequestID == "" {
		c.logger.Debug(logging.CategoryTransport, "notification", env.Type, map[string]any{
			"conn_id": connID,
		})
		return
	}
	req := c.takePending(env.RequestID)
	if req == nil {
		c.logger.Debug(logging.CategoryTransport, "unmatched_response", env.Type, map[string]any{
			"conn_id":    connID,
			"request_id": env.RequestID,
		})
		return
	}
	req.ch <- callResult{env: env}
}

func (c *Client) takePending(requestID string) *pendingRequest {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	req, ok := c.pending[requestID]
	if !ok {
		return nil
	}
	delete(c.pending, requestID)
	return req
}

// failAllPending rejects every in-flight call as soon as the connection is
// lost instead of leaving them to their individual timeouts.
func (c *Client) failAllPending() {
	c.pendingMu.Lock()
	taken := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.pendingMu.Unlock()

	for _, req := range taken {
		req.ch <- callResult{err: fmt.Errorf("%s: %w", req.verb, browser.ErrNotConnected)}
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, connID string, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already took over; this read loop is stale.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	intentional := c.closed
	canRetry := !intentional && c.reconnectAttempts < c.maxReconnects
	if canRetry {
		c.reconnectAttempts++
		c.state = StateReconnecting
	} else {
		c.state = StateDisconnected
	}
	attempt := c.reconnectAttempts
	c.mu.Unlock()

	c.failAllPending()

	if intentional {
		return
	}

	c.logger.Warn(logging.CategoryTransport, "connection_lost", cause.Error(), map[string]any{
		"conn_id": connID,
	})
	if !canRetry {
		c.logger.Warn(logging.CategoryTransport, "reconnect_exhausted", "giving up on worker channel", map[string]any{
			"attempts": attempt,
		})
		return
	}
	go c.reconnect(attempt)
}

// reconnect waits out a linearly growing delay, then redials. The attempt
// counter resets only on a successful reconnect.
func (c *Client) reconnect(attempt int) {
	browser.RecordReconnect()
	delay := c.reconnectDelay * time.Duration(attempt)
	c.logger.Info(logging.CategoryTransport, "reconnecting", "scheduling reconnect", map[string]any{
		"attempt": attempt,
		"delay":   delay.String(),
	})
	time.Sleep(delay)

	c.mu.Lock()
	if c.closed {
		c.state = StateDisconnected
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
	defer cancel()
	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		if c.closed {
			c.state = StateDisconnected
			c.mu.Unlock()
			return
		}
		if c.reconnectAttempts < c.maxReconnects {
			c.reconnectAttempts++
			next := c.reconnectAttempts
			c.mu.Unlock()
			go c.reconnect(next)
			return
		}
		c.state = StateDisconnected
		c.mu.Unlock()
		c.logger.Warn(logging.CategoryTransport, "reconnect_exhausted", "giving up on worker channel", map[string]any{
			"attempts": attempt,
		})
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.mu.Unlock()

	c.adopt(conn)
	c.logger.Info(logging.CategoryTransport, "reconnected", "worker channel restored", nil)
}
