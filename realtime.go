package chatcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Control Frames
// ============================================================================

// AuthenticatedPayload is the first frame the server sends on a new connection.
type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// PushErrorPayload is sent when the server rejects a command.
type PushErrorPayload struct {
	Message string `json:"message"`
}

// PushCommand is a client-to-server frame.
type PushCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

const (
	frameAuthenticated = "authenticated"
	framePong          = "pong"
	frameError         = "error"

	commandPing        = "ping"
	commandTypingStart = "typing.start"
	commandTypingStop  = "typing.stop"
)

// ============================================================================
// Configuration
// ============================================================================

// PushConfig configures the PushClient.
type PushConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
	Metrics              *Metrics
}

func (c *PushConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 3 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// PushState is the connection state of the push channel.
type PushState string

const (
	StateDisconnected PushState = "disconnected"
	StateConnecting   PushState = "connecting"
	StateConnected    PushState = "connected"
	StateReconnecting PushState = "reconnecting"
)

// EventSink receives decoded events. It is called from the read loop, one
// event at a time, in receipt order.
type EventSink func(Event)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *PushConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// PushClient
// ============================================================================

// PushClient is the WebSocket push channel. It authenticates with a token,
// keeps the connection alive with application-level pings and reconnects with
// exponential backoff when the connection drops.
type PushClient struct {
	url              string
	config           *PushConfig
	sink             EventSink
	log              *slog.Logger
	metrics          *Metrics
	mu               sync.Mutex
	conn             *websocket.Conn
	state            PushState
	userID           string
	intentionalClose bool
	recon            *reconnector

	// session spans one Connect call and every reconnect after it; each
	// connection gets its own child context.
	session       context.Context
	sessionCancel context.CancelFunc
	connCtx       context.Context
	cancelFn      context.CancelFunc

	pendingPings map[string]chan PongPayload
	pendingMu    sync.Mutex
}

// NewPushClient creates a client for the WebSocket endpoint at pushURL.
// Events are handed to sink.
func NewPushClient(pushURL string, config *PushConfig, sink EventSink) *PushClient {
	if config == nil {
		config = &PushConfig{}
	}
	cfg := *config
	cfg.defaults()
	return &PushClient{
		url:          pushURL,
		config:       &cfg,
		sink:         sink,
		log:          cfg.Logger,
		metrics:      cfg.Metrics,
		state:        StateDisconnected,
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// State returns the current connection state.
func (p *PushClient) State() PushState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// UserID is the identity the server authenticated, empty before the first
// successful connect.
func (p *PushClient) UserID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userID
}

// Connect dials the push endpoint and waits for the authenticated frame. The
// connection, its heartbeat and any reconnect live until ctx is done or
// Disconnect is called.
func (p *PushClient) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateConnected || p.state == StateConnecting {
		p.mu.Unlock()
		return nil
	}
	p.state = StateConnecting
	p.intentionalClose = false
	if p.sessionCancel != nil {
		p.sessionCancel()
	}
	session, cancel := context.WithCancel(ctx)
	p.session = session
	p.sessionCancel = cancel
	p.mu.Unlock()

	if err := p.connect(session); err != nil {
		cancel()
		return err
	}
	return nil
}

// connect dials once within session and starts the connection loops.
func (p *PushClient) connect(session context.Context) error {
	conn, auth, err := p.dial(session)
	if err != nil {
		p.setState(StateDisconnected)
		return err
	}

	connCtx, cancel := context.WithCancel(session)
	p.mu.Lock()
	if p.cancelFn != nil {
		p.cancelFn()
	}
	p.conn = conn
	p.state = StateConnected
	p.userID = auth.UserID
	p.connCtx = connCtx
	p.cancelFn = cancel
	p.mu.Unlock()
	p.recon.markConnected()
	p.metrics.setConnected(true)
	p.log.Info("push channel connected", "user_id", auth.UserID)

	p.deliver(ConnectionState{IsConnected: true})

	go p.readLoop(connCtx, conn)
	go p.heartbeatLoop(connCtx)

	return nil
}

func (p *PushClient) dial(ctx context.Context) (*websocket.Conn, AuthenticatedPayload, error) {
	var auth AuthenticatedPayload

	u, err := url.Parse(p.url)
	if err != nil {
		return nil, auth, fmt.Errorf("parse push url: %w", err)
	}
	q := u.Query()
	q.Set("token", p.config.Token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: p.config.HTTPClient})
	if err != nil {
		return nil, auth, fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, auth, fmt.Errorf("read auth message: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != frameAuthenticated {
		conn.Close(websocket.StatusPolicyViolation, "expected authenticated")
		return nil, auth, fmt.Errorf("expected '%s', got '%s'", frameAuthenticated, env.Type)
	}
	if len(env.Payload) > 0 {
		_ = json.Unmarshal(env.Payload, &auth)
	}
	return conn, auth, nil
}

// Disconnect closes the connection and suppresses reconnects.
func (p *PushClient) Disconnect() error {
	p.mu.Lock()
	p.intentionalClose = true
	if p.sessionCancel != nil {
		p.sessionCancel()
		p.sessionCancel = nil
	}
	if p.cancelFn != nil {
		p.cancelFn()
		p.cancelFn = nil
	}
	conn := p.conn
	p.conn = nil
	wasConnected := p.state == StateConnected
	p.state = StateDisconnected
	p.mu.Unlock()

	p.clearPendingPings()
	p.metrics.setConnected(false)

	if wasConnected {
		p.deliver(ConnectionState{IsConnected: false, Reason: "client disconnect"})
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// SendTyping tells the other participants that the user started or stopped
// typing.
func (p *PushClient) SendTyping(ctx context.Context, conversationID string, isTyping bool) error {
	cmd := commandTypingStop
	if isTyping {
		cmd = commandTypingStart
	}
	return p.Send(ctx, &PushCommand{
		Type:    cmd,
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// Send writes a raw command.
func (p *PushClient) Send(ctx context.Context, cmd *PushCommand) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (p *PushClient) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := uuid.NewString()

	ch := make(chan PongPayload, 1)
	p.pendingMu.Lock()
	p.pendingPings[requestID] = ch
	p.pendingMu.Unlock()

	forget := func() {
		p.pendingMu.Lock()
		delete(p.pendingPings, requestID)
		p.pendingMu.Unlock()
	}

	err := p.Send(ctx, &PushCommand{
		Type:      commandPing,
		Payload:   map[string]string{"requestId": requestID},
		RequestID: requestID,
	})
	if err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(p.config.PingTimeout)
	defer timer.Stop()

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// ============================================================================
// Loops
// ============================================================================

func (p *PushClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			p.handleDrop(err)
			return
		}
		p.handleFrame(data)
	}
}

func (p *PushClient) handleFrame(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		p.log.Warn("dropping malformed push frame", "error", err)
		p.metrics.incDropped("malformed")
		return
	}

	switch env.Type {
	case framePong:
		var pong PongPayload
		if json.Unmarshal(env.Payload, &pong) == nil && pong.RequestID != "" {
			p.pendingMu.Lock()
			ch, ok := p.pendingPings[pong.RequestID]
			if ok {
				delete(p.pendingPings, pong.RequestID)
			}
			p.pendingMu.Unlock()
			if ok {
				ch <- pong
			}
		}
		return
	case frameError:
		var perr PushErrorPayload
		_ = json.Unmarshal(env.Payload, &perr)
		p.log.Warn("push channel error", "message", perr.Message)
		return
	case frameAuthenticated:
		return
	case string(EventConnectionState):
		// produced locally only
		p.metrics.incDropped("malformed")
		return
	}

	ev, err := env.Decode()
	if err != nil {
		p.log.Warn("dropping malformed push event", "type", env.Type, "error", err)
		p.metrics.incDropped("malformed")
		return
	}
	p.deliver(ev)
}

func (p *PushClient) handleDrop(err error) {
	p.mu.Lock()
	intentional := p.intentionalClose
	session := p.session
	if !intentional {
		p.state = StateDisconnected
		p.conn = nil
	}
	p.mu.Unlock()
	if intentional {
		return
	}

	p.clearPendingPings()
	p.metrics.setConnected(false)
	p.log.Info("push channel dropped", "error", err)
	p.deliver(ConnectionState{IsConnected: false, Reason: err.Error()})

	if session != nil && session.Err() == nil && p.config.AutoReconnect {
		p.reconnect(session)
	}
}

func (p *PushClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.State() != StateConnected {
				return
			}
			if _, err := p.Ping(ctx); err != nil {
				p.log.Warn("push heartbeat failed", "error", err)
				p.mu.Lock()
				conn := p.conn
				p.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (p *PushClient) reconnect(session context.Context) {
	for p.recon.shouldReconnect() {
		delay := p.recon.nextDelay()
		p.setState(StateReconnecting)
		p.log.Info("push channel reconnecting", "attempt", p.recon.attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-session.Done():
			timer.Stop()
			p.mu.Lock()
			// a newer Connect owns the state
			if p.session == session {
				p.state = StateDisconnected
			}
			p.mu.Unlock()
			return
		case <-timer.C:
		}

		p.mu.Lock()
		stale := p.intentionalClose || p.session != session
		p.mu.Unlock()
		if stale {
			return
		}

		p.setState(StateConnecting)
		err := p.connect(session)
		if err == nil {
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		p.log.Warn("push reconnect failed", "attempt", p.recon.attempt, "error", err)
	}
	p.setState(StateDisconnected)
	p.log.Error("push channel gave up reconnecting", "attempts", p.recon.attempt)
}

// ============================================================================
// Helpers
// ============================================================================

func (p *PushClient) deliver(ev Event) {
	if p.sink != nil {
		p.sink(ev)
	}
}

func (p *PushClient) setState(s PushState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *PushClient) clearPendingPings() {
	p.pendingMu.Lock()
	for k, ch := range p.pendingPings {
		close(ch)
		delete(p.pendingPings, k)
	}
	p.pendingMu.Unlock()
}
