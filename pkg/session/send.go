package session

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/channel"
	"github.com/go-go-golems/marionette/pkg/sem"
	"github.com/go-go-golems/marionette/pkg/streambus"
)

// SendInput is what the composer hands over on submit.
type SendInput struct {
	Text        string
	Provider    string
	DocumentIDs []string
}

// userMessageFrame is the outbound wire shape. Resume tells the backend that
// this text answers an interrupted turn rather than starting a fresh one.
type userMessageFrame struct {
	Type        string   `json:"type"`
	ID          string   `json:"id"`
	ConvID      string   `json:"conv_id"`
	Text        string   `json:"text"`
	Provider    string   `json:"provider,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
	Resume      bool     `json:"resume,omitempty"`
	Timestamp   int64    `json:"ts"`
}

// Send submits a user message. It queue-and-waits until the channel is ready,
// bounded by ctx; channel.ErrChannelNotReady and channel.ErrChannelTimeout
// are recoverable, so the caller resets its composing state and may retry.
// On success the message is echoed onto the conversation feed, which folds it
// into the timeline; the server's own echo later dedupes by id.
func (s *Session) Send(ctx context.Context, input SendInput) error {
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return errors.New("message text is empty")
	}
	if s.ch == nil {
		return channel.ErrChannelClosed
	}

	s.mu.Lock()
	resume := s.awaitingInput
	s.mu.Unlock()

	id := "user-" + uuid.NewString()
	now := time.Now()
	frame, err := json.Marshal(userMessageFrame{
		Type:        "user_message",
		ID:          id,
		ConvID:      s.ConvID,
		Text:        text,
		Provider:    input.Provider,
		DocumentIDs: input.DocumentIDs,
		Resume:      resume,
		Timestamp:   now.UnixMilli(),
	})
	if err != nil {
		return errors.Wrap(err, "marshal user message")
	}

	if err := s.ch.SendWait(ctx, frame); err != nil {
		return err
	}

	// The accepted text consumed the pending-input state.
	s.SetAwaitingInput(false)
	s.echoUserMessage(id, text, now)
	log.Debug().Str("component", "session").
		Str("conv_id", s.ConvID).
		Str("message_id", id).
		Bool("resume", resume).
		Msg("user message sent")
	return nil
}

// echoUserMessage puts the sent message onto the conversation feed so the
// consume loop folds it like any inbound frame. Reduction stays on one
// goroutine.
func (s *Session) echoUserMessage(id, text string, at time.Time) {
	data, err := json.Marshal(map[string]any{"id": id, "text": text, "role": "user"})
	if err != nil {
		return
	}
	echo := sem.Wrap(sem.EnvelopeEvent{
		Type: sem.TypeUserMessage,
		ID:   id,
		Time: at.UnixMilli(),
		Data: data,
	})
	topic := streambus.TopicForConversation(s.ConvID)
	if err := s.backend.Publisher().Publish(topic, message.NewMessage(watermill.NewUUID(), echo)); err != nil {
		log.Warn().Str("component", "session").Str("conv_id", s.ConvID).Err(err).Msg("user message echo dropped")
	}
}
