package eventra

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// ConversationStore
// ============================================================================

// ConversationStore is the single shared mutable resource of the chat
// subsystem. REST snapshots and live events both write through its
// operations, so the ordering and de-duplication invariants are enforced
// in one place. The presentation layer only ever sees copies.
type ConversationStore struct {
	mu          sync.Mutex
	selfID      string
	matchWindow time.Duration
	typingTTL   time.Duration
	convs       map[string]*conversationState
}

type conversationState struct {
	summary       Conversation
	messages      []Message
	loaded        bool
	typingExpires time.Time

	// seen holds every server id applied to this conversation, so duplicate
	// deliveries are dropped even before the message list is loaded.
	seen map[string]struct{}
}

// NewConversationStore creates a store for the given self user id.
// matchWindow bounds confirmation matching by content+sender when the
// server id is not yet known; typingTTL self-heals typing flags whose stop
// event was lost.
func NewConversationStore(selfID string, matchWindow, typingTTL time.Duration) *ConversationStore {
	if matchWindow == 0 {
		matchWindow = 10 * time.Second
	}
	if typingTTL == 0 {
		typingTTL = 6 * time.Second
	}
	return &ConversationStore{
		selfID:      selfID,
		matchWindow: matchWindow,
		typingTTL:   typingTTL,
		convs:       make(map[string]*conversationState),
	}
}

func (s *ConversationStore) ensureLocked(id string) *conversationState {
	cs := s.convs[id]
	if cs == nil {
		cs = &conversationState{
			summary: Conversation{ID: id},
			seen:    make(map[string]struct{}),
		}
		s.convs[id] = cs
	}
	return cs
}

// ── Snapshot merge ───────────────────────────────────────

// UpsertFromSnapshot merges a REST-fetched summary list into the store.
// Field-level merge: REST wins for fields it provides, live-only state
// (typing, loaded messages) is preserved. Conversations absent from a
// partial snapshot are never dropped.
func (s *ConversationStore) UpsertFromSnapshot(conversations []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, in := range conversations {
		if in.ID == "" {
			continue
		}
		cs := s.ensureLocked(in.ID)
		if in.EventID != "" {
			cs.summary.EventID = in.EventID
		}
		if in.Other.ID != "" {
			cs.summary.Other = in.Other
		}
		if in.LastMessage != "" {
			cs.summary.LastMessage = in.LastMessage
		}
		if !in.LastMessageAt.IsZero() {
			cs.summary.LastMessageAt = in.LastMessageAt
		}
		// Unread in a snapshot is server state, which is the only
		// authority allowed to move it.
		cs.summary.Unread = in.Unread
	}
}

// SetLoadedMessages installs a fetched message history. Live events applied
// while the fetch was outstanding are merged in, not overwritten, so the
// result is the same whichever source arrived first.
func (s *ConversationStore) SetLoadedMessages(conversationID string, msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.ensureLocked(conversationID)

	merged := make([]Message, 0, len(msgs)+len(cs.messages))
	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		m.ConversationID = conversationID
		merged = append(merged, m)
		if m.ID != "" {
			seen[m.ID] = true
			cs.seen[m.ID] = struct{}{}
		}
		if m.TempID != "" {
			seen[m.TempID] = true
		}
	}
	for _, m := range cs.messages {
		if m.ID != "" && seen[m.ID] {
			continue
		}
		if m.ID == "" && m.TempID != "" && seen[m.TempID] {
			continue
		}
		merged = append(merged, m)
	}

	cs.messages = merged
	cs.loaded = true
	s.reconcileOrderingLocked(cs)
}

// ── Live events ──────────────────────────────────────────

// ApplyIncomingMessage applies a pushed message. The message list is only
// touched when it has been loaded (or the conversation is open with a fetch
// in flight); otherwise just the summary moves. For a conversation the
// store has never seen, a summary is created from the event's embedded
// sender/event metadata.
//
// Returns true when the caller should acknowledge the message as read
// (conversation open: unread stays zero and a mark-read goes back over the
// connection).
func (s *ConversationStore) ApplyIncomingMessage(conversationID string, msg Message, sender *Participant, eventID string, open bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.convs[conversationID]
	if cs == nil {
		cs = s.ensureLocked(conversationID)
		if sender != nil {
			cs.summary.Other = *sender
		} else {
			cs.summary.Other = Participant{ID: msg.SenderID}
		}
		cs.summary.EventID = eventID
	}

	if msg.ID != "" {
		if _, dup := cs.seen[msg.ID]; dup {
			return false // duplicate delivery
		}
		cs.seen[msg.ID] = struct{}{}
	}

	msg.ConversationID = conversationID
	if msg.Delivery == "" {
		msg.Delivery = DeliverySent
	}
	if cs.loaded || open {
		cs.messages = append(cs.messages, msg)
		s.reconcileOrderingLocked(cs)
	}

	cs.summary.LastMessage = previewText(msg)
	cs.summary.LastMessageAt = msg.CreatedAt
	if msg.SenderID != s.selfID {
		if open {
			cs.summary.Unread = 0
			return true
		}
		cs.summary.Unread++
	}
	return false
}

// ApplySentConfirmation reconciles a server-confirmed message with its
// provisional counterpart: matched first by server id, then by
// conversation+content+sender within the match window. The pending entry is
// replaced in place, never duplicated. With no match (e.g. the optimistic
// entry was lost to a reload) the message is appended.
//
// Returns the temp id of the provisional entry it replaced, or "".
func (s *ConversationStore) ApplySentConfirmation(conversationID string, msg Message) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.ensureLocked(conversationID)
	msg.ConversationID = conversationID
	if msg.ID != "" {
		cs.seen[msg.ID] = struct{}{}
	}
	if msg.Delivery == "" || msg.Delivery == DeliveryPending {
		msg.Delivery = DeliverySent
	}

	replaced := ""
	idx := -1
	for i, existing := range cs.messages {
		if msg.ID != "" && existing.ID == msg.ID {
			idx = i
			break
		}
		if msg.TempID != "" && existing.TempID == msg.TempID {
			idx = i
			break
		}
	}
	if idx < 0 {
		for i, existing := range cs.messages {
			if existing.Delivery != DeliveryPending || existing.ID != "" {
				continue
			}
			if existing.SenderID != msg.SenderID || existing.Content != msg.Content {
				continue
			}
			if absDuration(existing.CreatedAt.Sub(msg.CreatedAt)) > s.matchWindow {
				continue
			}
			idx = i
			break
		}
	}

	if idx >= 0 {
		replaced = cs.messages[idx].TempID
		msg.TempID = replaced
		cs.messages[idx] = msg
	} else {
		cs.messages = append(cs.messages, msg)
	}
	s.reconcileOrderingLocked(cs)

	// A late confirmation must not regress the sidebar preview below a
	// newer message.
	if !msg.CreatedAt.Before(cs.summary.LastMessageAt) {
		cs.summary.LastMessage = previewText(msg)
		cs.summary.LastMessageAt = msg.CreatedAt
	}
	return replaced
}

// InsertLocal inserts a provisional message (optimistic render). The
// receiver metadata seeds the summary when the conversation is new.
func (s *ConversationStore) InsertLocal(conversationID string, msg Message, other Participant, eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.convs[conversationID]
	if cs == nil {
		cs = s.ensureLocked(conversationID)
		cs.summary.Other = other
		cs.summary.EventID = eventID
	}

	msg.ConversationID = conversationID
	cs.messages = append(cs.messages, msg)
	s.reconcileOrderingLocked(cs)

	cs.summary.LastMessage = previewText(msg)
	cs.summary.LastMessageAt = msg.CreatedAt
}

// ConfirmLocal replaces the provisional entry with the given temp id by its
// server-confirmed counterpart (REST fallback success path).
func (s *ConversationStore) ConfirmLocal(conversationID, tempID string, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.convs[conversationID]
	if cs == nil {
		return
	}
	msg.ConversationID = conversationID
	msg.TempID = tempID
	if msg.ID != "" {
		cs.seen[msg.ID] = struct{}{}
	}
	if msg.Delivery == "" || msg.Delivery == DeliveryPending {
		msg.Delivery = DeliverySent
	}

	for i, existing := range cs.messages {
		if existing.TempID == tempID {
			cs.messages[i] = msg
			s.reconcileOrderingLocked(cs)
			if !msg.CreatedAt.Before(cs.summary.LastMessageAt) {
				cs.summary.LastMessage = previewText(msg)
				cs.summary.LastMessageAt = msg.CreatedAt
			}
			return
		}
	}
	// Provisional already gone; keep the confirmed copy.
	cs.messages = append(cs.messages, msg)
	s.reconcileOrderingLocked(cs)
}

// MarkFailed flags a provisional message as failed. It stays in the list so
// the user can see what did not send.
func (s *ConversationStore) MarkFailed(conversationID, tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.convs[conversationID]
	if cs == nil {
		return
	}
	for i := range cs.messages {
		if cs.messages[i].TempID == tempID {
			cs.messages[i].Delivery = DeliveryFailed
			cs.messages[i].Sending = false
			return
		}
	}
}

// MarkPending returns a failed message to the in-flight state for a retry.
func (s *ConversationStore) MarkPending(conversationID, tempID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.convs[conversationID]
	if cs == nil {
		return
	}
	for i := range cs.messages {
		if cs.messages[i].TempID == tempID {
			cs.messages[i].Delivery = DeliveryPending
			cs.messages[i].Sending = true
			cs.messages[i].CreatedAt = at
			s.reconcileOrderingLocked(cs)
			return
		}
	}
}

// ClearSending clears the cosmetic in-flight indicator for a message. The
// delivery state is untouched: a late confirmation still reconciles.
func (s *ConversationStore) ClearSending(conversationID, tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.convs[conversationID]
	if cs == nil {
		return
	}
	for i := range cs.messages {
		if cs.messages[i].TempID == tempID {
			cs.messages[i].Sending = false
			return
		}
	}
}

// ── Read state ───────────────────────────────────────────

// AckMarkRead zeroes the unread counter. Only mark-read acknowledgments may
// call this; local optimism never resets unread on its own.
func (s *ConversationStore) AckMarkRead(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs := s.convs[conversationID]; cs != nil {
		cs.summary.Unread = 0
	}
}

// ApplyReadReceipt marks this client's sent messages as read by the other
// party.
func (s *ConversationStore) ApplyReadReceipt(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.convs[conversationID]
	if cs == nil {
		return
	}
	for i := range cs.messages {
		if cs.messages[i].SenderID == s.selfID {
			cs.messages[i].Read = true
		}
	}
}

// SetUnread applies a server-pushed unread counter.
func (s *ConversationStore) SetUnread(conversationID string, unread int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if unread < 0 {
		unread = 0
	}
	cs := s.ensureLocked(conversationID)
	cs.summary.Unread = unread
}

// ── Typing ───────────────────────────────────────────────

// SetTyping sets or clears a conversation's typing flag. An active flag
// expires on its own after the TTL, so a lost stop event cannot leave a
// stuck indicator.
func (s *ConversationStore) SetTyping(conversationID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.convs[conversationID]
	if cs == nil {
		return
	}
	cs.summary.Typing = active
	if active {
		cs.typingExpires = time.Now().Add(s.typingTTL)
	} else {
		cs.typingExpires = time.Time{}
	}
}

func (cs *conversationState) typingNow(now time.Time) bool {
	return cs.summary.Typing && now.Before(cs.typingExpires)
}

// ── Removal ──────────────────────────────────────────────

// RemoveConversation deletes a conversation and its messages from the store.
func (s *ConversationStore) RemoveConversation(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, conversationID)
}

// ── Projections ──────────────────────────────────────────

// Get returns a conversation summary by id.
func (s *ConversationStore) Get(conversationID string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.convs[conversationID]
	if cs == nil {
		return Conversation{}, false
	}
	out := cs.summary
	out.Typing = cs.typingNow(time.Now())
	return out, true
}

// Conversations returns sidebar summaries ordered by last-message time
// descending. The slice is a copy.
func (s *ConversationStore) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	out := make([]Conversation, 0, len(s.convs))
	for _, cs := range s.convs {
		c := cs.summary
		c.Typing = cs.typingNow(now)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// Messages returns a copy of a conversation's loaded message list, ordered
// ascending by creation time.
func (s *ConversationStore) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.convs[conversationID]
	if cs == nil {
		return nil
	}
	out := make([]Message, len(cs.messages))
	copy(out, cs.messages)
	return out
}

// TotalUnread sums unread counters across all conversations.
func (s *ConversationStore) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, cs := range s.convs {
		total += cs.summary.Unread
	}
	return total
}

// ── Ordering invariant ───────────────────────────────────

// messageBefore orders by creation time ascending. At equal timestamps a
// pending message (no server id) sorts before a confirmed one, preserving
// the user's perceived send order.
func messageBefore(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID == "" && b.ID != ""
}

// reconcileOrderingLocked restores the ordering invariant with a stable
// re-sort when a mutation violated it. Messages are never dropped here.
func (s *ConversationStore) reconcileOrderingLocked(cs *conversationState) {
	for i := 1; i < len(cs.messages); i++ {
		if messageBefore(cs.messages[i], cs.messages[i-1]) {
			sort.SliceStable(cs.messages, func(a, b int) bool {
				return messageBefore(cs.messages[a], cs.messages[b])
			})
			return
		}
	}
}

// ── Helpers ──────────────────────────────────────────────

func previewText(msg Message) string {
	switch msg.Kind {
	case KindImage:
		return "[image]"
	case KindImages:
		return "[images]"
	case KindDocument:
		return "[document]"
	default:
		return msg.Content
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
