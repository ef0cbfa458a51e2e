package eventra_test

import (
	"context"
	"testing"
	"time"

	eventra "github.com/eventra-market/eventra-go"
	"github.com/stretchr/testify/require"
)

func TestSendTextOptimistic(t *testing.T) {
	fb, srv := newFakeBackend(t)
	defaultFixtures(fb)
	session := newTestSession(t, srv)
	ctx := context.Background()

	require.NoError(t, session.Refresh(ctx))
	require.NoError(t, session.SelectConversation(ctx, convID))
	require.NoError(t, session.SendText(ctx, "  hello there  "))

	msgs := session.Messages()
	require.Len(t, msgs, 3)

	sent := msgs[2]
	require.Equal(t, "hello there", sent.Content, "content is trimmed before send")
	require.NotEmpty(t, sent.ID, "confirmed message carries the server id")
	require.NotEmpty(t, sent.TempID, "client id survives confirmation")
	require.Equal(t, eventra.DeliverySent, sent.Delivery)
	require.False(t, sent.Sending)

	fb.mu.Lock()
	echoed := fb.lastClientID
	fb.mu.Unlock()
	require.Equal(t, sent.TempID, echoed, "client id is sent to the backend")
}

func TestSendTextValidation(t *testing.T) {
	fb, srv := newFakeBackend(t)
	defaultFixtures(fb)
	session := newTestSession(t, srv)
	ctx := context.Background()

	t.Run("whitespace-only content is rejected", func(t *testing.T) {
		require.NoError(t, session.Refresh(ctx))
		require.NoError(t, session.SelectConversation(ctx, convID))

		err := session.SendText(ctx, "   \n\t ")
		require.ErrorIs(t, err, eventra.ErrEmptyMessage)

		fb.mu.Lock()
		calls := fb.sendCalls
		fb.mu.Unlock()
		require.Zero(t, calls, "no request leaves the client")
	})

	t.Run("no conversation selected", func(t *testing.T) {
		fresh := newTestSession(t, srv)
		err := fresh.SendText(ctx, "hi")
		require.ErrorIs(t, err, eventra.ErrNoConversation)
	})
}

func TestSendTextFailureRetained(t *testing.T) {
	fb, srv := newFakeBackend(t)
	defaultFixtures(fb)
	session := newTestSession(t, srv)
	ctx := context.Background()

	require.NoError(t, session.Refresh(ctx))
	require.NoError(t, session.SelectConversation(ctx, convID))

	var notices []eventra.Notice
	session.OnNotice(func(n eventra.Notice) { notices = append(notices, n) })

	fb.mu.Lock()
	fb.sendFail = true
	fb.mu.Unlock()

	err := session.SendText(ctx, "doomed")
	require.Error(t, err)

	// The failed message stays visible, flagged, retryable.
	msgs := session.Messages()
	require.Len(t, msgs, 3)
	failed := msgs[2]
	require.Equal(t, "doomed", failed.Content)
	require.Equal(t, eventra.DeliveryFailed, failed.Delivery)
	require.False(t, failed.Sending)
	require.NotEmpty(t, notices)

	// Retry succeeds once the backend recovers.
	fb.mu.Lock()
	fb.sendFail = false
	fb.mu.Unlock()

	require.NoError(t, session.RetryMessage(ctx, failed.TempID))
	msgs = session.Messages()
	require.Len(t, msgs, 3)
	require.Equal(t, eventra.DeliverySent, msgs[2].Delivery)
	require.NotEmpty(t, msgs[2].ID)
}

func TestSendFiles(t *testing.T) {
	ctx := context.Background()

	imageFile := func(name string) eventra.AttachmentFile {
		return eventra.AttachmentFile{Name: name, MimeType: "image/png", Data: []byte{0x89, 0x50}}
	}

	t.Run("image batch goes over REST multipart", func(t *testing.T) {
		fb, srv := newFakeBackend(t)
		defaultFixtures(fb)
		session := newTestSession(t, srv)

		require.NoError(t, session.Refresh(ctx))
		require.NoError(t, session.SelectConversation(ctx, convID))

		files := []eventra.AttachmentFile{imageFile("a.png"), imageFile("b.png")}
		require.NoError(t, session.SendFiles(ctx, files, "here you go"))

		fb.mu.Lock()
		uploaded := fb.lastMultipart
		fb.mu.Unlock()
		require.Equal(t, 2, uploaded)

		msgs := session.Messages()
		sent := msgs[len(msgs)-1]
		require.Equal(t, eventra.KindImages, sent.Kind)
		require.Len(t, sent.Attachments, 2)
		require.Equal(t, eventra.DeliverySent, sent.Delivery)
	})

	t.Run("batch over the image cap is rejected whole", func(t *testing.T) {
		fb, srv := newFakeBackend(t)
		defaultFixtures(fb)
		session := newTestSession(t, srv)

		require.NoError(t, session.Refresh(ctx))
		require.NoError(t, session.SelectConversation(ctx, convID))

		files := make([]eventra.AttachmentFile, 5)
		for i := range files {
			files[i] = imageFile("x.png")
		}
		err := session.SendFiles(ctx, files, "")
		require.ErrorIs(t, err, eventra.ErrTooManyImages)

		require.Len(t, session.Messages(), 2, "nothing was inserted")
		fb.mu.Lock()
		calls := fb.sendCalls
		fb.mu.Unlock()
		require.Zero(t, calls)
	})

	t.Run("empty batch is rejected", func(t *testing.T) {
		fb, srv := newFakeBackend(t)
		defaultFixtures(fb)
		session := newTestSession(t, srv)

		require.NoError(t, session.Refresh(ctx))
		require.NoError(t, session.SelectConversation(ctx, convID))
		require.ErrorIs(t, session.SendFiles(ctx, nil, ""), eventra.ErrNoFiles)
	})
}

func TestSendTextLiveChannel(t *testing.T) {
	fb, rest := newFakeBackend(t)
	defaultFixtures(fb)

	b := newWSBackend(t)
	b.echoSends(convID)

	rt := eventra.NewRealtimeClient(b.srv.URL, &eventra.RealtimeConfig{
		ConnectTimeout: 2 * time.Second,
	})
	t.Cleanup(rt.Disconnect)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, rt.Connect(ctx, "tok-1"))

	client := eventra.NewClient("tok-1", eventra.WithBaseURL(rest.URL))
	session := eventra.NewChatSession(client, rt, selfID, eventra.RoleCustomer, &eventra.SessionConfig{
		RevealTimeout: 40 * time.Millisecond,
	})
	t.Cleanup(session.Close)

	require.NoError(t, session.Refresh(ctx))
	require.NoError(t, session.SelectConversation(ctx, convID))
	require.NoError(t, session.SendText(ctx, "over the wire"))

	require.Eventually(t, func() bool {
		msgs := session.Messages()
		return len(msgs) == 3 && msgs[2].ID != ""
	}, 2*time.Second, 10*time.Millisecond, "live send never confirmed")

	// Well past the reveal window: the confirmed message must not gain a
	// provisional twin from the reveal timer.
	time.Sleep(120 * time.Millisecond)
	msgs := session.Messages()
	require.Len(t, msgs, 3)
	last := msgs[2]
	require.Equal(t, "over the wire", last.Content)
	require.NotEmpty(t, last.TempID)
	require.Equal(t, eventra.DeliverySent, last.Delivery)

	fb.mu.Lock()
	restSends := fb.sendCalls
	fb.mu.Unlock()
	require.Zero(t, restSends, "connected sends ride the live channel, not REST")
}

func TestSendFlushesTyping(t *testing.T) {
	fb, srv := newFakeBackend(t)
	defaultFixtures(fb)
	session := newTestSession(t, srv)
	ctx := context.Background()

	require.NoError(t, session.Refresh(ctx))
	require.NoError(t, session.SelectConversation(ctx, convID))

	// A keystroke immediately followed by send must not leave a typing
	// session open.
	session.StartTyping()
	require.NoError(t, session.SendText(ctx, "quick"))
	time.Sleep(50 * time.Millisecond)

	session.StopTyping() // no-op when nothing is active
	msgs := session.Messages()
	require.Equal(t, "quick", msgs[len(msgs)-1].Content)
}
