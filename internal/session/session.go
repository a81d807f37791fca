// Package session owns the single outbound WebSocket connection to the
// site: connect, authenticate, heartbeat, and reconnect with exponential
// backoff. Every outbound envelope is signed before transmission and every
// inbound one is verified before it reaches business logic.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/feedgate-io/feedgate/internal/hmacsig"
	"github.com/feedgate-io/feedgate/pkg/protocol"
)

// Phase is a connection lifecycle state.
type Phase string

const (
	PhaseDisconnected   Phase = "disconnected"
	PhaseConnecting     Phase = "connecting"
	PhaseAuthenticating Phase = "authenticating"
	PhaseReady          Phase = "ready"
	PhaseBackoff        Phase = "backoff"
)

// State is a snapshot of the connection, readable while the loop runs.
type State struct {
	Phase       Phase     `json:"phase"`
	LastError   string    `json:"last_error,omitempty"`
	RetryCount  int       `json:"retry_count"`
	NextRetryAt time.Time `json:"next_retry_at,omitzero"`
}

// ErrNotReady is returned by Send when no connection is established.
var ErrNotReady = errors.New("session: connection not ready")

// Config holds session client settings.
type Config struct {
	Endpoint          string        // ws:// or wss:// URL of the site
	AccessToken       string        // bearer credential, sent as ?token=
	HeartbeatInterval time.Duration // default 20s
	BaseBackoff       time.Duration // default 5s
	MaxBackoff        time.Duration // default 5m
	DialTimeout       time.Duration // default 10s
	BadSigThreshold   int           // consecutive forged envelopes before the connection is dropped; default 3
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 20 * time.Second
	}
	if out.BaseBackoff <= 0 {
		out.BaseBackoff = 5 * time.Second
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = 5 * time.Minute
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 10 * time.Second
	}
	if out.BadSigThreshold <= 0 {
		out.BadSigThreshold = 3
	}
	return out
}

// InboundHandler receives admitted envelopes. Heartbeats are consumed by the
// session itself and never reach the handler.
type InboundHandler func(env *protocol.Envelope)

// Client runs the outbound session for the process lifetime.
type Client struct {
	cfg     Config
	auth    *hmacsig.Authenticator
	handler InboundHandler
	logger  *slog.Logger
	dialer  *websocket.Dialer

	// OnReady, if set, is called each time the connection reaches READY.
	// The dispatcher uses it to flush queued envelopes.
	OnReady func()

	mu     sync.Mutex
	state  State
	outbox chan outbound
	hbSeq  int64
}

// outbound is an unsigned message parked for transmission. Signing happens
// in the write loop, so a message that crosses a reconnect goes out with a
// fresh timestamp and nonce instead of a stale, already-expired signature.
type outbound struct {
	msgType protocol.MessageType
	payload any
}

// New creates a session client. handler must not be nil.
func New(cfg Config, auth *hmacsig.Authenticator, handler InboundHandler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = (&cfg).withDefaults()
	return &Client{
		cfg:     cfg,
		auth:    auth,
		handler: handler,
		logger:  logger,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		state:   State{Phase: PhaseDisconnected},
		outbox:  make(chan outbound, 32),
	}
}

// State returns a snapshot of the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready reports whether the connection is established and authenticated.
func (c *Client) Ready() bool {
	return c.State().Phase == PhaseReady
}

// Send queues payload for transmission. Returns ErrNotReady when no
// connection is up or the outbox is full; the message is not buffered
// across reconnects here, that is the dispatcher's policy call. Signing is
// deferred to the write loop so the timestamp reflects the actual send.
func (c *Client) Send(msgType protocol.MessageType, payload any) error {
	if !c.Ready() {
		return ErrNotReady
	}
	select {
	case c.outbox <- outbound{msgType: msgType, payload: payload}:
		return nil
	default:
		return ErrNotReady
	}
}

// Run drives the connection loop until ctx is cancelled. It never returns
// early because of a remote-side problem; every transport failure goes
// through BACKOFF and another attempt.
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			c.setPhase(PhaseDisconnected, nil)
			return ctx.Err()
		}

		c.setPhase(PhaseConnecting, nil)
		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn("connect failed", "endpoint", c.cfg.Endpoint, "error", err)
			if !c.backoff(ctx, err) {
				return ctx.Err()
			}
			continue
		}

		err = c.runConnection(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			c.setPhase(PhaseDisconnected, nil)
			return ctx.Err()
		}
		c.logger.Warn("connection lost", "error", err)
		if !c.backoff(ctx, err) {
			return ctx.Err()
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("session: endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", c.cfg.AccessToken)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, _, err := c.dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// runConnection handles one established connection: hello handshake, then
// reader and writer until either fails or ctx is cancelled.
func (c *Client) runConnection(ctx context.Context, conn *websocket.Conn) error {
	c.setPhase(PhaseAuthenticating, nil)

	// The token rides the connection URL, so the explicit handshake is just
	// a signed heartbeat: a peer that rejects the credential or the
	// signature closes on us and we land in BACKOFF.
	if err := c.writeEnvelope(conn, protocol.MsgHeartbeat, protocol.HeartbeatPayload{Seq: c.nextSeq()}); err != nil {
		return fmt.Errorf("session: hello: %w", err)
	}

	c.setReady()
	c.logger.Info("session ready", "endpoint", c.cfg.Endpoint)
	if c.OnReady != nil {
		c.OnReady()
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeErr := make(chan error, 1)
	go func() { writeErr <- c.writeLoop(connCtx, conn) }()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	select {
	case <-ctx.Done():
		// Graceful shutdown: close the transport, stop retrying.
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return ctx.Err()
	case err := <-writeErr:
		return err
	case err := <-readErr:
		return err
	}
}

// writeLoop is the single writer for the connection, so send order is
// preserved on the wire. It multiplexes the outbox with the heartbeat timer.
func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-c.outbox:
			if err := c.writeEnvelope(conn, m.msgType, m.payload); err != nil {
				return fmt.Errorf("session: write: %w", err)
			}
		case <-ticker.C:
			if err := c.writeEnvelope(conn, protocol.MsgHeartbeat, protocol.HeartbeatPayload{Seq: c.nextSeq()}); err != nil {
				return fmt.Errorf("session: heartbeat: %w", err)
			}
		}
	}
}

// readLoop parses and verifies inbound traffic. Any admitted message counts
// as liveness; silence past twice the heartbeat interval kills the
// connection via the read deadline.
func (c *Client) readLoop(conn *websocket.Conn) error {
	deadline := 2 * c.cfg.HeartbeatInterval
	badSigs := 0

	for {
		conn.SetReadDeadline(time.Now().Add(deadline))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("session: read: %w", err)
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("undecodable frame dropped", "error", err)
			continue
		}

		switch err := c.auth.Verify(&env); {
		case err == nil:
			badSigs = 0
		case errors.Is(err, hmacsig.ErrBadSignature):
			badSigs++
			if badSigs >= c.cfg.BadSigThreshold {
				return fmt.Errorf("session: %d consecutive forged envelopes, closing", badSigs)
			}
			continue
		default:
			// Expired or replayed: drop, log, not a connection fault.
			c.logger.Info("envelope dropped", "type", env.Type, "reason", err)
			continue
		}

		if env.Type == protocol.MsgHeartbeat {
			// Liveness only. Both sides already count any admitted traffic
			// toward the read deadline, so answering would just ping-pong.
			continue
		}

		c.handler(&env)
	}
}

func (c *Client) writeEnvelope(conn *websocket.Conn, msgType protocol.MessageType, payload any) error {
	env, err := c.auth.Sign(msgType, payload)
	if err != nil {
		return err
	}
	return c.writeRaw(conn, env)
}

func (c *Client) writeRaw(conn *websocket.Conn, env *protocol.Envelope) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(env)
}

// backoff waits min(base * 2^retries, max) with ±20% jitter. Returns false
// when ctx was cancelled during the wait, so the caller spawns no further
// attempts after shutdown.
func (c *Client) backoff(ctx context.Context, cause error) bool {
	c.mu.Lock()
	retry := c.state.RetryCount
	delay := Delay(c.cfg.BaseBackoff, c.cfg.MaxBackoff, retry)
	c.state = State{
		Phase:       PhaseBackoff,
		LastError:   cause.Error(),
		RetryCount:  retry + 1,
		NextRetryAt: time.Now().Add(delay),
	}
	c.mu.Unlock()

	c.logger.Info("reconnect scheduled", "retry", retry+1, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		c.setPhase(PhaseDisconnected, nil)
		return false
	case <-timer.C:
		return true
	}
}

// Delay computes the backoff before attempt retry (0-based): exponential
// from base, capped at max, with ±20% jitter.
func Delay(base, max time.Duration, retry int) time.Duration {
	d := base
	for i := 0; i < retry && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(d) * jitter)
}

func (c *Client) setPhase(p Phase, err error) {
	c.mu.Lock()
	c.state.Phase = p
	if err != nil {
		c.state.LastError = err.Error()
	}
	c.mu.Unlock()
}

// setReady enters READY and resets the retry counter, so the next failure
// starts again from the base backoff.
func (c *Client) setReady() {
	c.mu.Lock()
	c.state = State{Phase: PhaseReady}
	c.mu.Unlock()
}

func (c *Client) nextSeq() int64 {
	c.mu.Lock()
	c.hbSeq++
	seq := c.hbSeq
	c.mu.Unlock()
	return seq
}
