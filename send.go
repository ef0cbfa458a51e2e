package eventra

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Optimistic send pipeline
// ============================================================================

var (
	ErrNoConversation = errors.New("no conversation selected")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNoFiles        = errors.New("no files to send")
	ErrTooManyImages  = errors.New("too many images in one send")
	ErrSendFailed     = errors.New("send failed")
)

// outstandingSend tracks one in-flight send until it is confirmed, rejected
// or times out. A live-channel text send starts hidden; the reveal timer
// renders the provisional entry if confirmation is slow, so fast round trips
// show the confirmed message directly without a visible swap.
type outstandingSend struct {
	tempID         string
	conversationID string
	msg            Message
	other          Participant
	eventID        string
	revealed       bool
	revealTimer    *time.Timer
	expireTimer    *time.Timer
}

func (o *outstandingSend) stopTimers() {
	if o.revealTimer != nil {
		o.revealTimer.Stop()
		o.revealTimer = nil
	}
	if o.expireTimer != nil {
		o.expireTimer.Stop()
		o.expireTimer = nil
	}
}

// SendText sends a text message to the open conversation. When the live
// channel is connected the message rides it; otherwise, or when the emit
// fails, it falls back to REST. Either way the local view converges on the
// server-confirmed message.
func (s *ChatSession) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	conv, ok := s.activeConv()
	if !ok {
		return ErrNoConversation
	}

	// Sending implies the typing session is over.
	s.typing.Flush()

	msg := Message{
		TempID:         uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       s.selfID,
		Kind:           KindText,
		Content:        text,
		CreatedAt:      time.Now(),
		Delivery:       DeliveryPending,
		Sending:        true,
	}

	if s.rt != nil && s.rt.Status().Connected {
		if err := s.rt.SendChatMessage(ctx, conv.Other.ID, conv.EventID, text, msg.TempID); err == nil {
			s.trackOutstanding(conv, msg, false)
			return nil
		}
		// Emit failed; the REST path below takes over.
	}

	s.store.InsertLocal(conv.ID, msg, conv.Other, conv.EventID)
	s.trackOutstanding(conv, msg, true)
	s.notifyUpdate()

	res, err := s.client.Chat().Messages.Send(ctx, &SendMessageRequest{
		ReceiverID: conv.Other.ID,
		EventID:    conv.EventID,
		Content:    text,
		Kind:       KindText,
		ClientID:   msg.TempID,
	})
	return s.settleRESTSend(conv.ID, msg.TempID, res, err)
}

// SendFiles sends file attachments to the open conversation. Binary payloads
// always go over REST, connected or not. A batch exceeding the image cap is
// rejected whole.
func (s *ChatSession) SendFiles(ctx context.Context, files []AttachmentFile, caption string) error {
	if len(files) == 0 {
		return ErrNoFiles
	}
	images := 0
	for _, f := range files {
		if strings.HasPrefix(f.MimeType, "image/") {
			images++
		}
	}
	if images > s.config.MaxImagesPerSend {
		s.notice(NoticeError, fmt.Sprintf("You can send at most %d images at once.", s.config.MaxImagesPerSend))
		return ErrTooManyImages
	}
	conv, ok := s.activeConv()
	if !ok {
		return ErrNoConversation
	}

	s.typing.Flush()

	kind := KindDocument
	if images == len(files) {
		if images == 1 {
			kind = KindImage
		} else {
			kind = KindImages
		}
	}

	atts := make([]Attachment, 0, len(files))
	for _, f := range files {
		atts = append(atts, Attachment{
			Name:     f.Name,
			MimeType: f.MimeType,
			Size:     int64(len(f.Data)),
		})
	}

	msg := Message{
		TempID:         uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       s.selfID,
		Kind:           kind,
		Content:        strings.TrimSpace(caption),
		Attachments:    atts,
		CreatedAt:      time.Now(),
		Delivery:       DeliveryPending,
		Sending:        true,
	}

	s.store.InsertLocal(conv.ID, msg, conv.Other, conv.EventID)
	s.trackOutstanding(conv, msg, true)
	s.notifyUpdate()

	res, err := s.client.Chat().Messages.SendAttachments(ctx, &SendAttachmentsRequest{
		ReceiverID: conv.Other.ID,
		EventID:    conv.EventID,
		Content:    msg.Content,
		ClientID:   msg.TempID,
		Files:      files,
	})
	return s.settleRESTSend(conv.ID, msg.TempID, res, err)
}

// RetryMessage re-sends a failed message from the open conversation. Only
// text retries are supported; attachment data is not retained after a
// failure.
func (s *ChatSession) RetryMessage(ctx context.Context, tempID string) error {
	conv, ok := s.activeConv()
	if !ok {
		return ErrNoConversation
	}
	var failed *Message
	for _, m := range s.store.Messages(conv.ID) {
		if m.TempID == tempID && m.Delivery == DeliveryFailed {
			failed = &m
			break
		}
	}
	if failed == nil {
		return fmt.Errorf("no failed message %q", tempID)
	}
	if failed.Kind != KindText {
		return fmt.Errorf("cannot retry %s message", failed.Kind)
	}

	retry := *failed
	retry.Delivery = DeliveryPending
	retry.Sending = true
	retry.CreatedAt = time.Now()
	s.store.MarkPending(conv.ID, tempID, retry.CreatedAt)
	s.trackOutstanding(conv, retry, true)
	s.notifyUpdate()

	res, err := s.client.Chat().Messages.Send(ctx, &SendMessageRequest{
		ReceiverID: conv.Other.ID,
		EventID:    conv.EventID,
		Content:    retry.Content,
		Kind:       KindText,
		ClientID:   retry.TempID,
	})
	return s.settleRESTSend(conv.ID, retry.TempID, res, err)
}

// ── Outstanding-send bookkeeping ─────────────────────────

func (s *ChatSession) trackOutstanding(conv Conversation, msg Message, revealed bool) {
	o := &outstandingSend{
		tempID:         msg.TempID,
		conversationID: conv.ID,
		msg:            msg,
		other:          conv.Other,
		eventID:        conv.EventID,
		revealed:       revealed,
	}

	timeout := s.config.TextSendTimeout
	if len(msg.Attachments) > 0 {
		timeout = s.config.AttachmentSendTimeout
	}
	o.expireTimer = time.AfterFunc(timeout, func() { s.expireOutstanding(o.tempID) })
	if !revealed {
		o.revealTimer = time.AfterFunc(s.config.RevealTimeout, func() { s.revealOutstanding(o.tempID) })
	}

	s.mu.Lock()
	s.outstanding[msg.TempID] = o
	s.mu.Unlock()
}

// revealOutstanding renders a hidden provisional whose confirmation has not
// arrived within the reveal window. The insert happens inside the same
// critical section as the map check, so a confirmation resolving the send
// concurrently cannot leave both copies in the list.
func (s *ChatSession) revealOutstanding(tempID string) {
	s.mu.Lock()
	o := s.outstanding[tempID]
	if o == nil || o.revealed {
		s.mu.Unlock()
		return
	}
	o.revealed = true
	s.store.InsertLocal(o.conversationID, o.msg, o.other, o.eventID)
	s.mu.Unlock()

	s.notifyUpdate()
}

// expireOutstanding clears the cosmetic sending indicator after the send
// timeout. The message itself stays pending; a late confirmation still
// reconciles through the store's matching rules.
func (s *ChatSession) expireOutstanding(tempID string) {
	s.mu.Lock()
	o := s.outstanding[tempID]
	if o == nil {
		s.mu.Unlock()
		return
	}
	if !o.revealed {
		o.revealed = true
		s.store.InsertLocal(o.conversationID, o.msg, o.other, o.eventID)
	}
	o.stopTimers()
	delete(s.outstanding, tempID)
	s.mu.Unlock()

	s.store.ClearSending(o.conversationID, tempID)
	s.notifyUpdate()
}

// resolveOutstanding claims the in-flight send a confirmation belongs to,
// matching by client id first and by conversation+content as a fallback.
// It returns the confirmed message carrying the original temp id so the
// store can replace a revealed provisional in place.
func (s *ChatSession) resolveOutstanding(conversationID string, msg Message) Message {
	s.mu.Lock()
	var o *outstandingSend
	if msg.TempID != "" {
		o = s.outstanding[msg.TempID]
	}
	if o == nil {
		for _, cand := range s.outstanding {
			if cand.conversationID == conversationID && cand.msg.Content == msg.Content {
				o = cand
				break
			}
		}
	}
	if o != nil {
		o.stopTimers()
		delete(s.outstanding, o.tempID)
	}
	s.mu.Unlock()

	if o != nil && msg.TempID == "" {
		msg.TempID = o.tempID
	}
	return msg
}

// failOutstanding resolves a live-channel rejection against its in-flight
// send. A still-hidden provisional is rendered first so the user sees what
// failed.
func (s *ChatSession) failOutstanding(msg Message, reason string) {
	s.mu.Lock()
	var o *outstandingSend
	if msg.TempID != "" {
		o = s.outstanding[msg.TempID]
	}
	if o == nil {
		for _, cand := range s.outstanding {
			if cand.msg.Content == msg.Content && cand.msg.Kind == msg.Kind {
				o = cand
				break
			}
		}
	}
	if o != nil {
		if !o.revealed {
			o.revealed = true
			s.store.InsertLocal(o.conversationID, o.msg, o.other, o.eventID)
		}
		o.stopTimers()
		delete(s.outstanding, o.tempID)
		s.mu.Unlock()

		s.store.MarkFailed(o.conversationID, o.tempID)
	} else {
		s.mu.Unlock()
	}

	text := "Your message could not be sent."
	if reason != "" {
		text = "Your message could not be sent: " + reason
	}
	s.notice(NoticeError, text)
	s.notifyUpdate()
}

// finishOutstanding removes an in-flight send whose REST round trip has
// completed, returning whether it was tracked.
func (s *ChatSession) finishOutstanding(tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.outstanding[tempID]
	if o == nil {
		return false
	}
	o.stopTimers()
	delete(s.outstanding, tempID)
	return true
}

// settleRESTSend resolves a REST send round trip against the provisional
// entry: confirm on success, mark failed otherwise.
func (s *ChatSession) settleRESTSend(conversationID, tempID string, res *ChatResult, err error) error {
	fail := func(cause error) error {
		s.finishOutstanding(tempID)
		s.store.MarkFailed(conversationID, tempID)
		s.notice(NoticeError, "Your message could not be sent.")
		s.notifyUpdate()
		return cause
	}

	if err != nil {
		return fail(fmt.Errorf("send message: %w", err))
	}
	if !res.OK {
		if res.Error != nil {
			return fail(res.Error)
		}
		return fail(ErrSendFailed)
	}

	var data SentMessageData
	if derr := res.Decode(&data); derr != nil {
		return fail(fmt.Errorf("decode send response: %w", derr))
	}

	s.finishOutstanding(tempID)
	confirmed := data.Message
	if confirmed.TempID == "" {
		confirmed.TempID = tempID
	}
	target := data.ConversationID
	if target == "" {
		target = conversationID
	}
	s.store.ConfirmLocal(target, tempID, confirmed)
	s.notifyUpdate()
	return nil
}
