// Package relay delivers settlement proofs to an external settlement
// authority over a websocket.
//
// The client is a small state machine: disconnected, connected, or failed
// once MaxRetries consecutive dials have failed. The engine only sees
// Publish and Connected; reconnect policy lives entirely here. Proof hashes
// double as idempotency keys, so redelivery after a reconnect is safe.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/prediction-amm/internal/errs"
	"github.com/atmx/prediction-amm/internal/metrics"
)

var (
	// ErrUnavailable is returned by Publish after the client gave up reconnecting.
	ErrUnavailable = errs.New(errs.Internal, "RELAY_UNAVAILABLE", "relay: unavailable")

	// ErrBacklogFull is returned when the outbox cannot take another message.
	ErrBacklogFull = errs.New(errs.Internal, "RELAY_BACKLOG_FULL", "relay: outbox full")
)

// State is the connection state of the client.
type State int32

const (
	Disconnected State = iota
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Message is a settlement proof addressed to the settlement authority.
type Message struct {
	Type         string `json:"type"`
	MarketID     string `json:"market_id"`
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id"`
	EncodedProof string `json:"encoded_proof"`
	ProofHash    string `json:"proof_hash"`
	PnL          string `json:"pnl"`
}

// Ack is the authority's response to a delivered proof.
type Ack struct {
	ProofHash string `json:"proof_hash"`
	Status    string `json:"status"`
}

// Options configures a Client.
type Options struct {
	URL        string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Backlog    int
}

// Client publishes proofs over a single websocket connection.
type Client struct {
	opts   Options
	dialer websocket.Dialer

	mu    sync.RWMutex
	conn  *websocket.Conn
	state State

	outbox chan Message
	acks   chan Ack
}

// NewClient creates a client; call Run to connect.
func NewClient(opts Options) *Client {
	if opts.Backlog <= 0 {
		opts.Backlog = 1024
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	return &Client{
		opts:   opts,
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		outbox: make(chan Message, opts.Backlog),
		acks:   make(chan Ack, opts.Backlog),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connected reports whether the relay connection is up.
func (c *Client) Connected() bool { return c.State() == Connected }

// Acks delivers acknowledgements read from the relay. Acks are dropped if
// nobody drains the channel.
func (c *Client) Acks() <-chan Ack { return c.acks }

// Publish queues msg for delivery. It never blocks on the network.
func (c *Client) Publish(_ context.Context, msg Message) error {
	if c.State() == Failed {
		metrics.RelayPublishes.WithLabelValues("unavailable").Inc()
		return ErrUnavailable
	}
	if msg.Type == "" {
		msg.Type = "settlement_proof"
	}
	select {
	case c.outbox <- msg:
		metrics.RelayPublishes.WithLabelValues("queued").Inc()
		return nil
	default:
		metrics.RelayPublishes.WithLabelValues("dropped").Inc()
		return ErrBacklogFull
	}
}

// Run connects and delivers queued messages until ctx is cancelled or
// MaxRetries consecutive dials fail, in which case it returns ErrUnavailable
// and the client stays Failed.
func (c *Client) Run(ctx context.Context) error {
	var pending *Message
	retry := 0

	for {
		if ctx.Err() != nil {
			c.close(Disconnected)
			return nil
		}

		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			retry++
			slog.Warn("relay connection failed", "url", c.opts.URL, "err", err, "retry", retry)
			if retry >= c.opts.MaxRetries {
				c.close(Failed)
				slog.Error("relay gave up", "url", c.opts.URL, "retries", retry)
				return fmt.Errorf("%w: %d consecutive dial failures: %v", ErrUnavailable, retry, err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(Backoff(c.opts.BaseDelay, c.opts.MaxDelay, retry-1)):
				continue
			}
		}

		retry = 0 // Reset on successful connect
		pending = c.deliver(ctx, conn, pending)
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conn = conn
	c.state = Connected
	c.mu.Unlock()
	metrics.RelayConnected.Set(1)
	slog.Info("relay connected", "url", c.opts.URL)
	return conn, nil
}

// deliver writes queued messages until the connection breaks. It returns the
// message whose write failed so the next connection sends it first.
func (c *Client) deliver(ctx context.Context, conn *websocket.Conn, pending *Message) *Message {
	readErr := make(chan error, 1)
	go c.readLoop(conn, readErr)
	defer c.close(Disconnected)

	for {
		msg := pending
		if msg == nil {
			select {
			case <-ctx.Done():
				return nil
			case err := <-readErr:
				slog.Warn("relay read error", "err", err)
				return nil
			case m := <-c.outbox:
				msg = &m
			}
		}

		data, err := json.Marshal(msg)
		if err != nil {
			slog.Error("relay encode failed", "proof_hash", msg.ProofHash, "err", err)
			pending = nil
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Warn("relay write error", "proof_hash", msg.ProofHash, "err", err)
			return msg
		}
		metrics.RelayPublishes.WithLabelValues("sent").Inc()
		pending = nil
	}
}

func (c *Client) readLoop(conn *websocket.Conn, errc chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		var ack Ack
		if err := json.Unmarshal(data, &ack); err != nil {
			slog.Warn("relay sent malformed ack", "err", err)
			continue
		}
		select {
		case c.acks <- ack:
		default:
		}
	}
}

func (c *Client) close(next State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = next
	metrics.RelayConnected.Set(0)
}
