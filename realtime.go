package eventra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Format
// ============================================================================

// Envelope is the wire format for all live-channel events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server message on the live channel.
type Command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// Inbound event kinds.
const (
	EventNewMessage          = "new_message"
	EventMessageSent         = "message_sent"
	EventMessageError        = "message_error"
	EventUserTyping          = "user_typing"
	EventUserStoppedTyping   = "user_stopped_typing"
	EventMessagesRead        = "messages_read"
	EventNotificationCreated = "notification_created"
	EventUnreadCountChanged  = "unread_count_changed"
)

// Outbound command kinds.
const (
	cmdSendMessage = "send_message"
	cmdTypingStart = "typing_start"
	cmdTypingStop  = "typing_stop"
	cmdMarkRead    = "mark_read"
)

// errConnSuperseded reports that a dial completed after Disconnect, or a
// Connect with a different token, took over the connection lifecycle. The
// freshly dialed socket is discarded, never installed.
var errConnSuperseded = errors.New("connection superseded")

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the live-channel client. All durations are
// fixed, never derived from network conditions.
type RealtimeConfig struct {
	ConnectTimeout       time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 15 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// ConnectionState is the live-channel connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

// ConnectionStatus is the synchronous status snapshot callers use to decide
// between a live send and the REST fallback.
type ConnectionStatus struct {
	Connected    bool
	HasToken     bool
	AttemptCount int
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler receives the raw payload of an inbound event. Handlers run
// synchronously on the read loop and must not block; schedule further work
// instead of doing network calls inline.
type EventHandler func(payload json.RawMessage)

// dispatcher holds at most one handler per event kind. Registration is
// last-writer-wins: consumers re-register when their UI context mounts and
// clear on unmount.
type dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[string]EventHandler)}
}

func (d *dispatcher) on(kind string, h EventHandler) {
	d.mu.Lock()
	d.handlers[kind] = h
	d.mu.Unlock()
}

func (d *dispatcher) off(kind string) {
	d.mu.Lock()
	delete(d.handlers, kind)
	d.mu.Unlock()
}

func (d *dispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	h := d.handlers[env.Type]
	d.mu.RUnlock()
	if h != nil {
		h(env.Payload)
	}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient owns the single bidirectional connection to the backend.
// No other component holds a reference to the raw transport.
type RealtimeClient struct {
	baseURL string
	config  *RealtimeConfig

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnectionState
	token            string
	attempt          int
	intentionalClose bool
	cancelFn         context.CancelFunc

	dispatcher    *dispatcher
	onStateChange func(ConnectionState)
}

// NewRealtimeClient creates a live-channel client for the given API base
// URL. Call Connect to establish the connection.
func NewRealtimeClient(baseURL string, config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     &cfg,
		state:      StateDisconnected,
		dispatcher: newDispatcher(),
	}
}

// On registers the handler for an inbound event kind, replacing any prior
// handler for that kind.
func (rc *RealtimeClient) On(kind string, h EventHandler) {
	rc.dispatcher.on(kind, h)
}

// Off clears the handler for an event kind.
func (rc *RealtimeClient) Off(kind string) {
	rc.dispatcher.off(kind)
}

// OnStateChange registers the connection-state callback, replacing any
// prior one.
func (rc *RealtimeClient) OnStateChange(h func(ConnectionState)) {
	rc.mu.Lock()
	rc.onStateChange = h
	rc.mu.Unlock()
}

// State returns the current connection state.
func (rc *RealtimeClient) State() ConnectionState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Status returns a synchronous status snapshot.
func (rc *RealtimeClient) Status() ConnectionStatus {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return ConnectionStatus{
		Connected:    rc.state == StateConnected,
		HasToken:     rc.token != "",
		AttemptCount: rc.attempt,
	}
}

// Connect establishes the live connection authenticated by token.
//
// Idempotent: if already connected (or connecting) with the same token it
// is a no-op. A different token tears down the existing connection first.
// An empty token is a caller error; no connection attempt is made.
func (rc *RealtimeClient) Connect(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("connect: empty token")
	}

	rc.mu.Lock()
	if (rc.state == StateConnected || rc.state == StateConnecting) && rc.token == token {
		rc.mu.Unlock()
		return nil
	}
	rc.teardownLocked()
	rc.state = StateConnecting
	rc.token = token
	rc.intentionalClose = false
	rc.mu.Unlock()
	rc.emitState(StateConnecting)

	err := rc.establish(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		// One proactive retry when the handshake did not complete in time.
		err = rc.establish(ctx)
	}
	if errors.Is(err, errConnSuperseded) {
		// Disconnect (or a newer Connect) owns the state now.
		return nil
	}
	if err != nil {
		rc.mu.Lock()
		rc.state = StateDisconnected
		rc.mu.Unlock()
		rc.emitState(StateDisconnected)
		go rc.scheduleReconnect()
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Disconnect closes the connection. Always safe to call.
func (rc *RealtimeClient) Disconnect() {
	rc.mu.Lock()
	rc.intentionalClose = true
	rc.teardownLocked()
	rc.state = StateDisconnected
	rc.mu.Unlock()
	rc.emitState(StateDisconnected)
}

// teardownLocked clears the socket reference and stops the read loop.
// Caller holds rc.mu.
func (rc *RealtimeClient) teardownLocked() {
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	if rc.conn != nil {
		rc.conn.Close(websocket.StatusNormalClosure, "client disconnect")
		rc.conn = nil
	}
}

func (rc *RealtimeClient) wsURL(token string) string {
	u := strings.Replace(rc.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + token
}

func (rc *RealtimeClient) establish(ctx context.Context) error {
	rc.mu.Lock()
	token := rc.token
	rc.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, rc.config.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, rc.wsURL(token), nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	// The server acknowledges authentication with a "connected" envelope
	// before any other traffic.
	_, data, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("read connect ack: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "connected" {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("expected 'connected' ack, got %q", env.Type)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	rc.mu.Lock()
	if rc.intentionalClose || rc.token != token {
		// Disconnect, or a Connect with a new token, raced this dial.
		rc.mu.Unlock()
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return errConnSuperseded
	}
	rc.conn = conn
	rc.state = StateConnected
	rc.attempt = 0
	rc.cancelFn = connCancel
	rc.mu.Unlock()
	rc.emitState(StateConnected)

	go rc.readLoop(connCtx, conn)
	go rc.heartbeatLoop(connCtx, conn)
	return nil
}

func (rc *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.mu.Lock()
			intentional := rc.intentionalClose || rc.conn != conn
			if !intentional {
				rc.state = StateDisconnected
				rc.conn = nil
			}
			rc.mu.Unlock()
			if intentional {
				return
			}
			rc.emitState(StateDisconnected)
			rc.scheduleReconnect()
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		rc.dispatcher.dispatch(env)
	}
}

func (rc *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Force close; the read loop handles recovery.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// scheduleReconnect retries the connection with delay = base × attempt,
// capped, until MaxReconnectAttempts is exhausted; then the client stays
// Failed until Connect is called again explicitly.
func (rc *RealtimeClient) scheduleReconnect() {
	rc.mu.Lock()
	if rc.intentionalClose {
		rc.mu.Unlock()
		return
	}
	rc.attempt++
	attempt := rc.attempt
	if attempt > rc.config.MaxReconnectAttempts {
		rc.state = StateFailed
		rc.mu.Unlock()
		rc.emitState(StateFailed)
		return
	}
	rc.state = StateReconnecting
	rc.mu.Unlock()
	rc.emitState(StateReconnecting)

	delay := time.Duration(attempt) * rc.config.ReconnectBaseDelay
	if delay > rc.config.ReconnectMaxDelay {
		delay = rc.config.ReconnectMaxDelay
	}
	time.Sleep(delay)

	rc.mu.Lock()
	if rc.intentionalClose || rc.state != StateReconnecting {
		rc.mu.Unlock()
		return
	}
	rc.state = StateConnecting
	rc.mu.Unlock()
	rc.emitState(StateConnecting)

	if err := rc.establish(context.Background()); err != nil {
		if errors.Is(err, errConnSuperseded) {
			return
		}
		rc.mu.Lock()
		rc.state = StateDisconnected
		rc.mu.Unlock()
		rc.scheduleReconnect()
	}
}

func (rc *RealtimeClient) emitState(s ConnectionState) {
	rc.mu.Lock()
	h := rc.onStateChange
	rc.mu.Unlock()
	if h != nil {
		func() {
			defer func() { recover() }() // user callback must not kill the read loop
			h(s)
		}()
	}
}

// ============================================================================
// Outbound Commands
// ============================================================================

// Send writes a raw command to the live channel.
func (rc *RealtimeClient) Send(ctx context.Context, cmd *Command) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()

	if conn == nil {
		return errors.New("not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// SendChatMessage emits a text message over the live channel.
func (rc *RealtimeClient) SendChatMessage(ctx context.Context, receiverID, eventID, content string, clientID string) error {
	payload := map[string]string{
		"receiverId": receiverID,
		"content":    content,
		"clientId":   clientID,
	}
	if eventID != "" {
		payload["eventId"] = eventID
	}
	return rc.Send(ctx, &Command{Type: cmdSendMessage, Payload: payload, RequestID: clientID})
}

// StartTyping emits a typing-start signal.
func (rc *RealtimeClient) StartTyping(ctx context.Context, receiverID, eventID string) error {
	payload := map[string]string{"receiverId": receiverID}
	if eventID != "" {
		payload["eventId"] = eventID
	}
	return rc.Send(ctx, &Command{Type: cmdTypingStart, Payload: payload})
}

// StopTyping emits a typing-stop signal.
func (rc *RealtimeClient) StopTyping(ctx context.Context, receiverID, eventID string) error {
	payload := map[string]string{"receiverId": receiverID}
	if eventID != "" {
		payload["eventId"] = eventID
	}
	return rc.Send(ctx, &Command{Type: cmdTypingStop, Payload: payload})
}

// MarkRead acknowledges a conversation as read over the live channel.
func (rc *RealtimeClient) MarkRead(ctx context.Context, conversationID string) error {
	return rc.Send(ctx, &Command{
		Type:    cmdMarkRead,
		Payload: map[string]string{"conversationId": conversationID},
	})
}
