package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/marionette/pkg/channel"
	"github.com/go-go-golems/marionette/pkg/persistence/sessionlog"
	"github.com/go-go-golems/marionette/pkg/sem"
	"github.com/go-go-golems/marionette/pkg/streambus"
	"github.com/go-go-golems/marionette/pkg/timeline"
)

// Session is the live state of one open conversation. It is created by the
// Manager, fed by the consume loop, and discarded wholesale on conversation
// switch. All reducer mutation happens on the consume goroutine; everything
// exported here reads snapshots and is safe to call from anywhere.
type Session struct {
	ConvID    string
	SessionID string

	normalizer *sem.Normalizer
	reducer    *timeline.Reducer

	ch      *channel.Channel
	backend streambus.Backend
	archive sessionlog.Store

	mu            sync.Mutex
	awaitingInput bool
	lastSeen      time.Time
	hydrationErr  error
	loopErr       error
	started       bool

	cancel context.CancelFunc
	done   chan struct{}
}

func newSession(convID string, backend streambus.Backend, archive sessionlog.Store, opts ...timeline.Option) *Session {
	return &Session{
		ConvID:     convID,
		SessionID:  uuid.NewString(),
		normalizer: sem.NewNormalizer(),
		reducer:    timeline.NewReducer(opts...),
		backend:    backend,
		archive:    archive,
		done:       make(chan struct{}),
	}
}

// SnapshotNotice is published on the snapshot topic after every visible state
// change. Rendering collaborators treat it as a version bump and pull the
// snapshot they need from the session.
type SnapshotNotice struct {
	ConvID    string `json:"conv_id"`
	SessionID string `json:"session_id"`
	Version   uint64 `json:"version"`
	Turns     int    `json:"turns"`
	UpdatedMs int64  `json:"updated_ms"`
}

// attach subscribes the session to its conversation topic and starts the
// loops: the pump copies channel frames onto the bus, the consume loop folds
// bus frames into the reducer. Subscribing happens before the pump starts so
// no frame slips past the consumer.
func (s *Session) attach() error {
	runCtx, cancel := context.WithCancel(context.Background())

	sub, dedicated, err := s.backend.BuildSubscriber(runCtx, s.ConvID)
	if err != nil {
		cancel()
		return errors.Wrap(err, "build subscriber")
	}
	msgs, err := sub.Subscribe(runCtx, streambus.TopicForConversation(s.ConvID))
	if err != nil {
		cancel()
		if dedicated {
			_ = sub.Close()
		}
		return errors.Wrap(err, "subscribe conversation topic")
	}

	s.mu.Lock()
	s.cancel = cancel
	s.started = true
	s.mu.Unlock()

	eg := errgroup.Group{}
	if s.ch != nil {
		eg.Go(func() error {
			// Pump death ends the subscription, which drains the consumer.
			defer cancel()
			return s.pump(runCtx)
		})
	}
	eg.Go(func() error {
		s.consume(runCtx, msgs)
		return nil
	})
	go func() {
		err := eg.Wait()
		if err != nil {
			s.mu.Lock()
			if s.loopErr == nil {
				s.loopErr = err
			}
			s.mu.Unlock()
			log.Warn().Str("component", "session").Str("conv_id", s.ConvID).Err(err).Msg("session loop failed")
		}
		if dedicated {
			_ = sub.Close()
		}
		close(s.done)
		log.Debug().Str("component", "session").Str("conv_id", s.ConvID).Msg("session loops stopped")
	}()

	log.Info().Str("component", "session").
		Str("conv_id", s.ConvID).
		Str("session_id", s.SessionID).
		Bool("live", s.ch != nil).
		Msg("session attached")
	return nil
}

// pump forwards raw channel frames onto the conversation topic. It returns
// when the channel ends; a transport failure becomes the session error.
func (s *Session) pump(ctx context.Context) error {
	pub := s.backend.Publisher()
	topic := streambus.TopicForConversation(s.ConvID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-s.ch.Frames():
			if !ok {
				// Clean close leaves Err nil; the session just stops.
				if err := s.ch.Err(); err != nil {
					return errors.Wrap(err, "channel failed")
				}
				return nil
			}
			if err := pub.Publish(topic, message.NewMessage(watermill.NewUUID(), frame)); err != nil {
				return errors.Wrap(err, "publish frame")
			}
		}
	}
}

// consume is the single reducer thread: normalize, fold, archive, notify.
func (s *Session) consume(ctx context.Context, msgs <-chan *message.Message) {
	for msg := range msgs {
		s.applyFrame(ctx, msg.Payload)
		msg.Ack()
	}
}

func (s *Session) applyFrame(ctx context.Context, frame []byte) {
	ev, err := s.normalizer.Normalize(frame)
	if err != nil {
		log.Debug().Str("component", "session").Str("conv_id", s.ConvID).Err(err).Msg("dropping unparseable frame")
		return
	}
	if ev == nil {
		return
	}

	if ev.Kind == sem.KindHeartbeat {
		s.reducer.Apply(ev)
		s.mu.Lock()
		s.lastSeen = ev.Timestamp
		s.mu.Unlock()
		return
	}

	// Archived before the fold: a rebuild never trails state a reader saw.
	if s.archive != nil && !ev.FromPersisted {
		if err := s.archive.Append(ctx, s.ConvID, ev); err != nil {
			log.Warn().Str("component", "session").Str("conv_id", s.ConvID).Err(err).Msg("archive append failed")
		}
	}

	changed := s.reducer.Apply(ev)
	s.noteAwaitingInput(ev)
	if changed {
		s.publishNotice(ev.Timestamp)
	}
}

func (s *Session) publishNotice(at time.Time) {
	stats := s.reducer.Stats()
	notice := SnapshotNotice{
		ConvID:    s.ConvID,
		SessionID: s.SessionID,
		Version:   stats.Applied,
		Turns:     stats.Turns,
		UpdatedMs: at.UnixMilli(),
	}
	b, err := json.Marshal(notice)
	if err != nil {
		return
	}
	topic := streambus.SnapshotTopicForConversation(s.ConvID)
	if err := s.backend.Publisher().Publish(topic, message.NewMessage(watermill.NewUUID(), b)); err != nil {
		log.Debug().Str("component", "session").Str("conv_id", s.ConvID).Err(err).Msg("snapshot notice dropped")
	}
}

// noteAwaitingInput tracks whether the backend paused for user input. Planner
// and mode updates flag the pause; a new stream means the backend moved on.
func (s *Session) noteAwaitingInput(ev *sem.Event) {
	switch ev.Kind {
	case sem.KindPlannerUpdate:
		if v, ok := ev.Fields["awaiting_input"].(bool); ok {
			s.SetAwaitingInput(v)
		} else if mode, ok := ev.Fields["mode"].(string); ok && mode == "awaiting_input" {
			s.SetAwaitingInput(true)
		}
	case sem.KindStreamOpen:
		s.SetAwaitingInput(false)
	}
}

// SetAwaitingInput marks the conversation as paused for user input. The next
// Send carries the resume flag and clears it.
func (s *Session) SetAwaitingInput(v bool) {
	s.mu.Lock()
	s.awaitingInput = v
	s.mu.Unlock()
}

// AwaitingInput reports whether the prior turn ended waiting for the user.
func (s *Session) AwaitingInput() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaitingInput
}

// WaitUntilOpen blocks until the channel is ready for sends. Sessions without
// a channel report closed immediately.
func (s *Session) WaitUntilOpen(ctx context.Context) error {
	if s.ch == nil {
		return channel.ErrChannelClosed
	}
	return s.ch.WaitUntilOpen(ctx)
}

// Snapshot returns the renderable conversation state.
func (s *Session) Snapshot() timeline.Snapshot { return s.reducer.Snapshot() }

// Turns returns the ordered timeline.
func (s *Session) Turns() []timeline.Turn { return s.reducer.Turns() }

// Usage returns the cumulative token totals for this session.
func (s *Session) Usage() sem.Usage { return s.reducer.Usage() }

// ActiveTools lists tool calls still running.
func (s *Session) ActiveTools() []timeline.ToolCall { return s.reducer.ActiveTools() }

// ToolPanelVisible reports whether the tool panel should auto-open.
func (s *Session) ToolPanelVisible() bool { return s.reducer.ToolPanelVisible() }

// DismissToolPanel suppresses the tool panel until the session is recreated.
func (s *Session) DismissToolPanel() { s.reducer.DismissToolPanel() }

// HydrationErr reports the history fetch failure, if any. The session stays
// usable with an empty initial timeline.
func (s *Session) HydrationErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hydrationErr
}

// Err returns the terminal session error: a transport failure or a loop
// fault. Nil while healthy and after a clean close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loopErr != nil {
		return s.loopErr
	}
	if s.ch != nil {
		return s.ch.Err()
	}
	return nil
}

// LastHeartbeat is the server time of the most recent keepalive.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Stats aggregates the loop counters for status surfaces.
type Stats struct {
	timeline.Stats
	ParseFailures uint64
}

func (s *Session) Stats() Stats {
	return Stats{Stats: s.reducer.Stats(), ParseFailures: s.normalizer.Failures()}
}

// Done is closed once the session loops have fully stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears the session down: channel first, then the loops. It blocks
// until the consume loop has drained, so no event is applied after it
// returns.
func (s *Session) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	started := s.started
	s.mu.Unlock()

	if s.ch != nil {
		_ = s.ch.Close()
	}
	if cancel != nil {
		cancel()
	}
	if started {
		<-s.done
	}
	return nil
}
