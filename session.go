package eventra

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// Configuration
// ============================================================================

// SessionConfig holds the fixed durations and limits of the chat session.
type SessionConfig struct {
	// MatchWindow bounds confirmation matching by content+sender when the
	// server id is not yet known.
	MatchWindow time.Duration
	// TypingTTL self-heals typing flags whose stop event was lost.
	TypingTTL time.Duration
	// RevealTimeout is how long a live-channel text send stays hidden
	// before the provisional message is rendered anyway.
	RevealTimeout time.Duration
	// TextSendTimeout / AttachmentSendTimeout bound the cosmetic
	// "sending" indicator. They never affect reconciliation.
	TextSendTimeout       time.Duration
	AttachmentSendTimeout time.Duration
	// Typing debouncer windows.
	TypingLeadDelay   time.Duration
	TypingIdleTimeout time.Duration
	// MaxImagesPerSend caps image attachments per batch.
	MaxImagesPerSend int
}

func (c *SessionConfig) defaults() {
	if c.MatchWindow == 0 {
		c.MatchWindow = 10 * time.Second
	}
	if c.TypingTTL == 0 {
		c.TypingTTL = 6 * time.Second
	}
	if c.RevealTimeout == 0 {
		c.RevealTimeout = 1200 * time.Millisecond
	}
	if c.TextSendTimeout == 0 {
		c.TextSendTimeout = 10 * time.Second
	}
	if c.AttachmentSendTimeout == 0 {
		c.AttachmentSendTimeout = 45 * time.Second
	}
	if c.TypingLeadDelay == 0 {
		c.TypingLeadDelay = 300 * time.Millisecond
	}
	if c.TypingIdleTimeout == 0 {
		c.TypingIdleTimeout = 2 * time.Second
	}
	if c.MaxImagesPerSend == 0 {
		c.MaxImagesPerSend = 4
	}
}

// Notice is a user-visible, non-blocking message from the session.
type Notice struct {
	Level string // "info" or "error"
	Text  string
}

const (
	NoticeInfo  = "info"
	NoticeError = "error"
)

// ============================================================================
// ChatSession
// ============================================================================

// ChatSession wires the REST client, the live channel and the conversation
// store into the contract the presentation layer consumes. One session
// serves either side of the marketplace; the self role parameterizes which
// history endpoint unscoped conversations use.
type ChatSession struct {
	client   *Client
	rt       *RealtimeClient
	store    *ConversationStore
	config   *SessionConfig
	selfID   string
	selfRole string

	mu          sync.Mutex
	activeID    string
	fetchGen    int
	outstanding map[string]*outstandingSend
	onNotice    func(Notice)
	onUpdate    func()

	typing *TypingDebouncer
}

// NewChatSession creates a session for the given self user. rt may be nil;
// every operation then uses the REST fallback.
func NewChatSession(client *Client, rt *RealtimeClient, selfID, selfRole string, config *SessionConfig) *ChatSession {
	cfg := SessionConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	s := &ChatSession{
		client:      client,
		rt:          rt,
		store:       NewConversationStore(selfID, cfg.MatchWindow, cfg.TypingTTL),
		config:      &cfg,
		selfID:      selfID,
		selfRole:    selfRole,
		outstanding: make(map[string]*outstandingSend),
	}
	s.typing = NewTypingDebouncer(cfg.TypingLeadDelay, cfg.TypingIdleTimeout, s.emitTypingStart, s.emitTypingStop)

	if rt != nil {
		s.registerHandlers()
	}
	return s
}

// Store exposes the underlying conversation store read model.
func (s *ChatSession) Store() *ConversationStore {
	return s.store
}

// OnNotice registers the user-notice callback, replacing any prior one.
func (s *ChatSession) OnNotice(h func(Notice)) {
	s.mu.Lock()
	s.onNotice = h
	s.mu.Unlock()
}

// OnUpdate registers the re-render hint callback, replacing any prior one.
func (s *ChatSession) OnUpdate(h func()) {
	s.mu.Lock()
	s.onUpdate = h
	s.mu.Unlock()
}

// Close unregisters the session's event handlers and stops its timers.
func (s *ChatSession) Close() {
	if s.rt != nil {
		for _, kind := range []string{
			EventNewMessage, EventMessageSent, EventMessageError,
			EventUserTyping, EventUserStoppedTyping, EventMessagesRead,
			EventNotificationCreated, EventUnreadCountChanged,
		} {
			s.rt.Off(kind)
		}
	}
	s.typing.Flush()

	s.mu.Lock()
	for id, o := range s.outstanding {
		o.stopTimers()
		delete(s.outstanding, id)
	}
	s.mu.Unlock()
}

// ── Event handlers ───────────────────────────────────────

func (s *ChatSession) registerHandlers() {
	s.rt.On(EventNewMessage, s.handleNewMessage)
	s.rt.On(EventMessageSent, s.handleMessageSent)
	s.rt.On(EventMessageError, s.handleMessageError)
	s.rt.On(EventUserTyping, func(p json.RawMessage) { s.handleTyping(p, true) })
	s.rt.On(EventUserStoppedTyping, func(p json.RawMessage) { s.handleTyping(p, false) })
	s.rt.On(EventMessagesRead, s.handleMessagesRead)
	s.rt.On(EventNotificationCreated, s.handleNotification)
	s.rt.On(EventUnreadCountChanged, s.handleUnreadCount)
}

func (s *ChatSession) handleNewMessage(payload json.RawMessage) {
	var p NewMessagePayload
	if json.Unmarshal(payload, &p) != nil || p.ConversationID == "" {
		return
	}
	open := s.ActiveConversationID() == p.ConversationID
	ack := s.store.ApplyIncomingMessage(p.ConversationID, p.Message, p.Sender, p.EventID, open)
	if ack {
		// Handlers must not block; acknowledge off the read loop.
		go func(id string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.rt.MarkRead(ctx, id)
		}(p.ConversationID)
	}
	s.notifyUpdate()
}

func (s *ChatSession) handleMessageSent(payload json.RawMessage) {
	var p MessageSentPayload
	if json.Unmarshal(payload, &p) != nil || p.ConversationID == "" {
		return
	}
	msg := s.resolveOutstanding(p.ConversationID, p.Message)
	s.store.ApplySentConfirmation(p.ConversationID, msg)
	s.notifyUpdate()
}

func (s *ChatSession) handleMessageError(payload json.RawMessage) {
	var p MessageErrorPayload
	if json.Unmarshal(payload, &p) != nil {
		return
	}
	s.failOutstanding(p.Message, p.Reason)
}

func (s *ChatSession) handleTyping(payload json.RawMessage, active bool) {
	var p TypingPayload
	if json.Unmarshal(payload, &p) != nil || p.UserID == "" {
		return
	}
	convID := DeriveConversationID(s.selfID, p.UserID, p.EventID)
	s.store.SetTyping(convID, active)
	s.notifyUpdate()
}

func (s *ChatSession) handleMessagesRead(payload json.RawMessage) {
	var p MessagesReadPayload
	if json.Unmarshal(payload, &p) != nil || p.ConversationID == "" {
		return
	}
	s.store.ApplyReadReceipt(p.ConversationID)
	s.notifyUpdate()
}

func (s *ChatSession) handleNotification(payload json.RawMessage) {
	var p NotificationPayload
	if json.Unmarshal(payload, &p) != nil {
		return
	}
	s.notice(NoticeInfo, p.Title)
}

func (s *ChatSession) handleUnreadCount(payload json.RawMessage) {
	var p UnreadCountPayload
	if json.Unmarshal(payload, &p) != nil || p.ConversationID == "" {
		return
	}
	s.store.SetUnread(p.ConversationID, p.UnreadCount)
	s.notifyUpdate()
}

// ── Presentation contract ────────────────────────────────

// Refresh fetches the conversation-list snapshot and merges it into the
// store.
func (s *ChatSession) Refresh(ctx context.Context) error {
	res, err := s.client.Chat().Conversations.List(ctx)
	if err != nil {
		return fmt.Errorf("fetch conversations: %w", err)
	}
	if !res.OK {
		if res.Error != nil {
			return res.Error
		}
		return fmt.Errorf("fetch conversations failed")
	}
	var convs []Conversation
	if err := res.Decode(&convs); err != nil {
		return fmt.Errorf("decode conversations: %w", err)
	}
	s.store.UpsertFromSnapshot(convs)
	s.notifyUpdate()
	return nil
}

// SelectConversation opens a conversation and loads its history. A result
// arriving after the user has switched away is discarded silently: only
// the fetch tagged with the currently-active generation may write.
func (s *ChatSession) SelectConversation(ctx context.Context, conversationID string) error {
	conv, ok := s.store.Get(conversationID)
	if !ok {
		return fmt.Errorf("unknown conversation %q", conversationID)
	}

	s.mu.Lock()
	s.activeID = conversationID
	s.fetchGen++
	gen := s.fetchGen
	s.mu.Unlock()
	s.notifyUpdate()

	var res *ChatResult
	var err error
	switch {
	case conv.EventID != "":
		res, err = s.client.Chat().Conversations.History(ctx, conv.EventID, conv.Other.ID)
	case s.selfRole == RoleVendor:
		res, err = s.client.Chat().Conversations.CustomerHistory(ctx, conv.Other.ID)
	default:
		res, err = s.client.Chat().Conversations.VendorHistory(ctx, conv.Other.ID)
	}
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}
	if !res.OK {
		if res.Error != nil && res.Error.Code == "COUNTERPART_NOT_FOUND" {
			// The other participant no longer exists; retrying is pointless.
			s.store.RemoveConversation(conversationID)
			s.mu.Lock()
			if s.activeID == conversationID {
				s.activeID = ""
			}
			s.mu.Unlock()
			s.notice(NoticeError, "This conversation is no longer available.")
			s.notifyUpdate()
			return res.Error
		}
		if res.Error != nil {
			return res.Error
		}
		return fmt.Errorf("fetch history failed")
	}

	var msgs []Message
	if err := res.Decode(&msgs); err != nil {
		return fmt.Errorf("decode history: %w", err)
	}

	s.mu.Lock()
	stale := s.activeID != conversationID || s.fetchGen != gen
	s.mu.Unlock()
	if stale {
		return nil
	}

	s.store.SetLoadedMessages(conversationID, msgs)

	// The PATCH response is the mark-read acknowledgment; only then does
	// the unread counter reset.
	if ack, err := s.client.Chat().Conversations.MarkRead(ctx, conversationID); err == nil && ack.OK {
		s.store.AckMarkRead(conversationID)
	}
	s.notifyUpdate()
	return nil
}

// DeleteConversation removes a conversation on the backend and locally.
func (s *ChatSession) DeleteConversation(ctx context.Context, conversationID string) error {
	res, err := s.client.Chat().Conversations.Delete(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if !res.OK {
		if res.Error != nil {
			return res.Error
		}
		return fmt.Errorf("delete conversation failed")
	}
	s.store.RemoveConversation(conversationID)
	s.mu.Lock()
	if s.activeID == conversationID {
		s.activeID = ""
	}
	s.mu.Unlock()
	s.notifyUpdate()
	return nil
}

// ActiveConversationID returns the currently-open conversation id, or "".
func (s *ChatSession) ActiveConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Conversations returns the sidebar read model.
func (s *ChatSession) Conversations() []Conversation {
	return s.store.Conversations()
}

// Messages returns the open conversation's message read model.
func (s *ChatSession) Messages() []Message {
	return s.store.Messages(s.ActiveConversationID())
}

// TotalUnread sums unread counters across conversations.
func (s *ChatSession) TotalUnread() int {
	return s.store.TotalUnread()
}

// StartTyping records one keystroke in the compose box. Signals are
// debounced; calling this on every keystroke is expected and cheap.
func (s *ChatSession) StartTyping() {
	s.typing.Keystroke()
}

// StopTyping force-ends the typing session.
func (s *ChatSession) StopTyping() {
	s.typing.Flush()
}

// ── Internals ────────────────────────────────────────────

func (s *ChatSession) activeConv() (Conversation, bool) {
	id := s.ActiveConversationID()
	if id == "" {
		return Conversation{}, false
	}
	return s.store.Get(id)
}

func (s *ChatSession) emitTypingStart() {
	conv, ok := s.activeConv()
	if !ok || s.rt == nil || !s.rt.Status().Connected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.rt.StartTyping(ctx, conv.Other.ID, conv.EventID)
}

func (s *ChatSession) emitTypingStop() {
	conv, ok := s.activeConv()
	if !ok || s.rt == nil || !s.rt.Status().Connected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.rt.StopTyping(ctx, conv.Other.ID, conv.EventID)
}

func (s *ChatSession) notice(level, text string) {
	s.mu.Lock()
	h := s.onNotice
	s.mu.Unlock()
	if h != nil {
		func() {
			defer func() { recover() }() // user callback must not kill the caller
			h(Notice{Level: level, Text: text})
		}()
	}
}

func (s *ChatSession) notifyUpdate() {
	s.mu.Lock()
	h := s.onUpdate
	s.mu.Unlock()
	if h != nil {
		func() {
			defer func() { recover() }()
			h()
		}()
	}
}
