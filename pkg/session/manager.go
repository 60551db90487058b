package session

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/channel"
	"github.com/go-go-golems/marionette/pkg/history"
	"github.com/go-go-golems/marionette/pkg/persistence/sessionlog"
	"github.com/go-go-golems/marionette/pkg/streambus"
	"github.com/go-go-golems/marionette/pkg/timeline"
)

// ChannelFactory dials the duplex connection for one conversation. The
// manager owns the returned channel for the life of the session.
type ChannelFactory func(ctx context.Context, convID string) (*channel.Channel, error)

// Config wires a Manager. Channels is the only hard requirement; a nil value
// gets the in-process default. History and Archive are optional, and a nil
// Dial factory limits the manager to offline sessions.
type Config struct {
	Channels streambus.Backend
	History  *history.Client
	Archive  sessionlog.Store
	Dial     ChannelFactory

	// ReducerOptions apply to every session this manager builds, e.g.
	// timeline.WithStandaloneRoles.
	ReducerOptions []timeline.Option
}

// Manager owns at most one live session. Opening a conversation tears the
// previous session down completely before the new one sees its first event.
type Manager struct {
	cfg Config

	mu          sync.Mutex
	current     *Session
	fetchCancel context.CancelFunc
	gen         uint64
}

func NewManager(cfg Config) *Manager {
	if cfg.Channels == nil {
		cfg.Channels = streambus.NewMemoryBackend()
	}
	return &Manager{cfg: cfg}
}

// Current returns the active session, nil when none is open.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Open switches to a conversation: the previous session is discarded, the
// persisted history is fetched and replayed, the channel is dialed, and the
// loops start. The returned session may carry a HydrationErr when the history
// fetch failed; it is still live. Open does not wait for the server hello;
// callers that need readiness use WaitUntilOpen or SendWait semantics.
func (m *Manager) Open(ctx context.Context, convID string) (*Session, error) {
	if convID == "" {
		return nil, errors.New("convID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	gen := m.begin()

	sess := newSession(convID, m.cfg.Channels, m.cfg.Archive, m.cfg.ReducerOptions...)

	// Hydrate before the live feed attaches so replayed and live events share
	// one arrival order. A fetch failure yields an empty timeline, not a dead
	// session.
	if m.cfg.History != nil {
		if err := m.hydrate(ctx, gen, sess); err != nil {
			return nil, err
		}
	}

	if m.cfg.Dial != nil {
		ch, err := m.cfg.Dial(ctx, convID)
		if err != nil {
			return nil, errors.Wrap(err, "dial conversation channel")
		}
		sess.ch = ch
	}

	if err := sess.attach(); err != nil {
		if sess.ch != nil {
			_ = sess.ch.Close()
		}
		return nil, err
	}

	if !m.install(gen, sess) {
		_ = sess.Close()
		return nil, errors.Wrap(context.Canceled, "open superseded")
	}
	return sess, nil
}

// hydrate fetches and replays the persisted history. The registered cancel
// lets a newer Open abandon this fetch mid-flight; its result is then
// discarded by the install check, never applied.
func (m *Manager) hydrate(ctx context.Context, gen uint64, sess *Session) error {
	fetchCtx, fetchCancel := context.WithCancel(ctx)
	defer fetchCancel()
	if !m.registerFetch(gen, fetchCancel) {
		return errors.Wrap(context.Canceled, "open superseded")
	}
	records, err := m.cfg.History.FetchEvents(fetchCtx, sess.ConvID)
	m.registerFetch(gen, nil)
	if err != nil {
		sess.hydrationErr = err
		log.Warn().Str("component", "session").Str("conv_id", sess.ConvID).Err(err).Msg("history hydration failed")
		return nil
	}
	applied, dropped := history.ReplayInto(sess.normalizer, sess.reducer, records)
	log.Debug().Str("component", "session").
		Str("conv_id", sess.ConvID).
		Int("applied", applied).
		Int("dropped", dropped).
		Msg("history hydrated")
	return nil
}

// OpenOffline rebuilds a session from the archive without a channel. The bus
// subscription still runs, so frames published by other surfaces keep
// folding in.
func (m *Manager) OpenOffline(ctx context.Context, convID string) (*Session, error) {
	if convID == "" {
		return nil, errors.New("convID is empty")
	}
	if m.cfg.Archive == nil {
		return nil, errors.New("no archive configured")
	}
	gen := m.begin()

	sess := newSession(convID, m.cfg.Channels, m.cfg.Archive, m.cfg.ReducerOptions...)

	events, err := m.cfg.Archive.List(ctx, convID, 0)
	if err != nil {
		return nil, errors.Wrap(err, "load archived events")
	}
	var maxArrival uint64
	for _, ev := range events {
		if ev == nil {
			continue
		}
		// Archived events are already normalized; they fold directly and are
		// never re-archived.
		ev.FromPersisted = true
		sess.reducer.Apply(ev)
		if ev.Arrival > maxArrival {
			maxArrival = ev.Arrival
		}
	}
	sess.normalizer.Advance(maxArrival)
	log.Debug().Str("component", "session").
		Str("conv_id", convID).
		Int("events", len(events)).
		Msg("session rebuilt from archive")

	if err := sess.attach(); err != nil {
		return nil, err
	}

	if !m.install(gen, sess) {
		_ = sess.Close()
		return nil, errors.Wrap(context.Canceled, "open superseded")
	}
	return sess, nil
}

// Close discards the active session, if any.
func (m *Manager) Close() error {
	m.begin()
	return nil
}

// begin starts a new generation: it cancels any in-flight history fetch and
// fully stops the previous session before the caller builds the next one.
// Nothing of the old state survives.
func (m *Manager) begin() uint64 {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	fetchCancel := m.fetchCancel
	m.fetchCancel = nil
	prev := m.current
	m.current = nil
	m.mu.Unlock()

	if fetchCancel != nil {
		fetchCancel()
	}
	if prev != nil {
		_ = prev.Close()
		log.Info().Str("component", "session").
			Str("conv_id", prev.ConvID).
			Str("session_id", prev.SessionID).
			Msg("session discarded")
	}
	return gen
}

// registerFetch records the cancel for the current generation. It reports
// false when a newer generation has already begun.
func (m *Manager) registerFetch(gen uint64, cancel context.CancelFunc) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	m.fetchCancel = cancel
	return true
}

// install makes the session current unless a newer Open superseded it.
func (m *Manager) install(gen uint64, sess *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	m.current = sess
	return true
}
