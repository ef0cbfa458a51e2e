package eventra_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	eventra "github.com/eventra-market/eventra-go"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fake chat backend
// ============================================================================

// fakeBackend serves the chat REST surface against in-memory fixtures.
type fakeBackend struct {
	t *testing.T

	mu            sync.Mutex
	conversations []eventra.Conversation
	histories     map[string][]eventra.Message // keyed by other user id
	historyDelay  map[string]time.Duration
	gone          map[string]bool // other user ids that no longer exist
	sendFail      bool
	markReadCalls []string
	sendCalls     int
	lastClientID  string
	lastMultipart int
	nextID        int
}

func newFakeBackend(t *testing.T) (*fakeBackend, *httptest.Server) {
	t.Helper()
	fb := &fakeBackend{
		t:            t,
		histories:    make(map[string][]eventra.Message),
		historyDelay: make(map[string]time.Duration),
		gone:         make(map[string]bool),
	}
	srv := httptest.NewServer(fb)
	t.Cleanup(srv.Close)
	return fb, srv
}

func (fb *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/chat/")
	switch {
	case path == "conversations" && r.Method == http.MethodGet:
		fb.mu.Lock()
		convs := fb.conversations
		fb.mu.Unlock()
		writeOK(w, convs)

	case strings.HasPrefix(path, "conversation/") && r.Method == http.MethodGet:
		parts := strings.Split(strings.TrimPrefix(path, "conversation/"), "/")
		otherID := parts[len(parts)-1]

		fb.mu.Lock()
		delay := fb.historyDelay[otherID]
		gone := fb.gone[otherID]
		history := fb.histories[otherID]
		fb.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		if gone {
			writeErr(w, "COUNTERPART_NOT_FOUND", "user account no longer exists")
			return
		}
		writeOK(w, history)

	case strings.HasPrefix(path, "messages/read/") && r.Method == http.MethodPatch:
		fb.mu.Lock()
		fb.markReadCalls = append(fb.markReadCalls, strings.TrimPrefix(path, "messages/read/"))
		fb.mu.Unlock()
		writeOK(w, nil)

	case path == "messages/send" && r.Method == http.MethodPost:
		fb.handleSend(w, r)

	case strings.HasPrefix(path, "messages/conversation/") && r.Method == http.MethodDelete:
		writeOK(w, nil)

	case path == "health":
		writeOK(w, map[string]string{"status": "ok"})

	default:
		writeErr(w, "NOT_FOUND", r.Method+" "+r.URL.Path)
	}
}

func (fb *fakeBackend) handleSend(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	fb.sendCalls++
	if fb.sendFail {
		writeErr(w, "SEND_REJECTED", "message rejected")
		return
	}

	fb.nextID++
	msg := eventra.Message{
		ID:        fmt.Sprintf("srv-%d", fb.nextID),
		SenderID:  selfID,
		Kind:      eventra.KindText,
		CreatedAt: time.Now(),
		Delivery:  eventra.DeliverySent,
	}

	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeErr(w, "BAD_REQUEST", err.Error())
			return
		}
		msg.TempID = r.FormValue("clientId")
		msg.Content = r.FormValue("content")
		files := r.MultipartForm.File["files"]
		fb.lastMultipart = len(files)
		for _, fh := range files {
			msg.Attachments = append(msg.Attachments, eventra.Attachment{
				URL:  "https://cdn.test/" + fh.Filename,
				Name: fh.Filename,
			})
		}
		switch len(files) {
		case 1:
			msg.Kind = eventra.KindImage
		default:
			msg.Kind = eventra.KindImages
		}
	} else {
		var req eventra.SendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, "BAD_REQUEST", err.Error())
			return
		}
		msg.TempID = req.ClientID
		msg.Content = req.Content
	}
	fb.lastClientID = msg.TempID

	writeOK(w, eventra.SentMessageData{ConversationID: convID, Message: msg})
}

func writeOK(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	_ = json.NewEncoder(w).Encode(eventra.ChatResult{OK: true, Data: raw})
}

func writeErr(w http.ResponseWriter, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(eventra.ChatResult{
		OK:    false,
		Error: &eventra.APIError{Code: code, Message: message},
	})
}

// newTestSession builds a REST-only session against the fake backend.
func newTestSession(t *testing.T, srv *httptest.Server) *eventra.ChatSession {
	t.Helper()
	client := eventra.NewClient("test-token", eventra.WithBaseURL(srv.URL))
	session := eventra.NewChatSession(client, nil, selfID, eventra.RoleCustomer, &eventra.SessionConfig{
		TypingLeadDelay:   10 * time.Millisecond,
		TypingIdleTimeout: 50 * time.Millisecond,
	})
	t.Cleanup(session.Close)
	return session
}

func defaultFixtures(fb *fakeBackend) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fb.conversations = []eventra.Conversation{{
		ID:            convID,
		Other:         eventra.Participant{ID: otherID, Name: "Vendor", Role: eventra.RoleVendor},
		LastMessage:   "two",
		LastMessageAt: base.Add(2 * time.Second),
		Unread:        2,
	}}
	fb.histories[otherID] = []eventra.Message{
		{ID: "m1", SenderID: otherID, Kind: eventra.KindText, Content: "one", CreatedAt: base.Add(time.Second)},
		{ID: "m2", SenderID: otherID, Kind: eventra.KindText, Content: "two", CreatedAt: base.Add(2 * time.Second)},
	}
}

// ============================================================================
// Tests
// ============================================================================

func TestSessionRefresh(t *testing.T) {
	fb, srv := newFakeBackend(t)
	defaultFixtures(fb)
	session := newTestSession(t, srv)

	require.NoError(t, session.Refresh(context.Background()))

	convs := session.Conversations()
	require.Len(t, convs, 1)
	require.Equal(t, convID, convs[0].ID)
	require.Equal(t, "Vendor", convs[0].Other.Name)
	require.Equal(t, 2, session.TotalUnread())
}

func TestSessionSelectConversation(t *testing.T) {
	fb, srv := newFakeBackend(t)
	defaultFixtures(fb)
	session := newTestSession(t, srv)
	ctx := context.Background()

	require.NoError(t, session.Refresh(ctx))
	require.NoError(t, session.SelectConversation(ctx, convID))

	msgs := session.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "one", msgs[0].Content)

	// Opening marks the conversation read on the backend, and only the
	// acknowledged response resets the counter.
	fb.mu.Lock()
	calls := append([]string(nil), fb.markReadCalls...)
	fb.mu.Unlock()
	require.Equal(t, []string{convID}, calls)
	require.Zero(t, session.TotalUnread())
}

func TestSessionStaleFetchDiscarded(t *testing.T) {
	fb, srv := newFakeBackend(t)
	defaultFixtures(fb)

	slowConv := "conv-slow"
	fb.conversations = append(fb.conversations, eventra.Conversation{
		ID:    slowConv,
		Other: eventra.Participant{ID: "slow-user", Name: "Slow", Role: eventra.RoleVendor},
	})
	fb.histories["slow-user"] = []eventra.Message{
		{ID: "s1", SenderID: "slow-user", Kind: eventra.KindText, Content: "late", CreatedAt: time.Now()},
	}
	fb.historyDelay["slow-user"] = 200 * time.Millisecond

	session := newTestSession(t, srv)
	ctx := context.Background()
	require.NoError(t, session.Refresh(ctx))

	done := make(chan error, 1)
	go func() { done <- session.SelectConversation(ctx, slowConv) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, session.SelectConversation(ctx, convID))
	require.NoError(t, <-done)

	// The slow result arrived after the user switched away; it must not
	// have been installed anywhere.
	require.Equal(t, convID, session.ActiveConversationID())
	require.Empty(t, session.Store().Messages(slowConv))

	msgs := session.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "one", msgs[0].Content)
}

func TestSessionCounterpartGone(t *testing.T) {
	fb, srv := newFakeBackend(t)
	defaultFixtures(fb)
	fb.gone[otherID] = true

	session := newTestSession(t, srv)

	var notices []eventra.Notice
	var mu sync.Mutex
	session.OnNotice(func(n eventra.Notice) {
		mu.Lock()
		notices = append(notices, n)
		mu.Unlock()
	})

	ctx := context.Background()
	require.NoError(t, session.Refresh(ctx))

	err := session.SelectConversation(ctx, convID)
	require.Error(t, err)

	var apiErr *eventra.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "COUNTERPART_NOT_FOUND", apiErr.Code)

	// Conversation removed, nothing left selected, user informed.
	require.Empty(t, session.Conversations())
	require.Empty(t, session.ActiveConversationID())
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, notices)
	require.Equal(t, eventra.NoticeError, notices[0].Level)
}

func TestSessionDeleteConversation(t *testing.T) {
	fb, srv := newFakeBackend(t)
	defaultFixtures(fb)
	session := newTestSession(t, srv)
	ctx := context.Background()

	require.NoError(t, session.Refresh(ctx))
	require.NoError(t, session.SelectConversation(ctx, convID))
	require.NoError(t, session.DeleteConversation(ctx, convID))

	require.Empty(t, session.Conversations())
	require.Empty(t, session.ActiveConversationID())
}

func TestSessionUnknownConversation(t *testing.T) {
	_, srv := newFakeBackend(t)
	session := newTestSession(t, srv)

	err := session.SelectConversation(context.Background(), "nope")
	require.Error(t, err)
}
