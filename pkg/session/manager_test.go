package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/history"
	"github.com/go-go-golems/marionette/pkg/persistence/sessionlog"
	"github.com/go-go-golems/marionette/pkg/sem"
	"github.com/go-go-golems/marionette/pkg/streambus"
	"github.com/go-go-golems/marionette/pkg/timeline"
)

func TestManager_OpenAppliesLiveFrames(t *testing.T) {
	cs := newChatServer(t, true)
	m := NewManager(Config{Dial: cs.dial()})
	defer func() { _ = m.Close() }()

	sess, err := m.Open(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Same(t, sess, m.Current())

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	require.NoError(t, sess.WaitUntilOpen(ctx))

	// The hello keepalive itself reaches the session as liveness.
	require.Eventually(t, func() bool { return !sess.LastHeartbeat().IsZero() }, eventually, tick)

	base := int64(1700000000000)
	cs.push(t, frame(t, sem.TypeLLMStart, "r1", base, map[string]any{"id": "r1", "agent": "planner"}))
	cs.push(t, frame(t, sem.TypeLLMDelta, "r1", base+100, map[string]any{"id": "r1", "delta": "On it."}))
	cs.push(t, frame(t, sem.TypeLLMFinal, "r1", base+200, map[string]any{"id": "r1", "text": ""}))

	require.Eventually(t, func() bool {
		turns := sess.Turns()
		return len(turns) == 1 && turns[0].Text() == "On it."
	}, eventually, tick)
	require.Equal(t, "planner", sess.Turns()[0].Speaker)
}

func TestManager_SwitchConversationResetsEverything(t *testing.T) {
	cs := newChatServer(t, true)
	m := NewManager(Config{Dial: cs.dial()})
	defer func() { _ = m.Close() }()

	first, err := m.Open(context.Background(), "conv-a")
	require.NoError(t, err)
	require.NoError(t, first.WaitUntilOpen(context.Background()))

	base := int64(1700000000000)
	cs.push(t, frame(t, sem.TypeUserMessage, "u1", base, map[string]any{"text": "hi"}))
	cs.push(t, frame(t, sem.TypeLLMFinal, "r1", base+500, map[string]any{"id": "r1", "text": "done", "usage": map[string]any{"inputTokens": 11, "outputTokens": 7}}))
	require.Eventually(t, func() bool {
		return len(first.Turns()) == 2 && first.Usage().Total() == 18
	}, eventually, tick)
	first.SetAwaitingInput(true)
	first.DismissToolPanel()

	second, err := m.Open(context.Background(), "conv-b")
	require.NoError(t, err)

	// The old session is fully stopped before the new one exists.
	select {
	case <-first.Done():
	case <-time.After(eventually):
		t.Fatal("previous session still running")
	}
	require.NoError(t, first.Err())

	require.Same(t, second, m.Current())
	require.NotEqual(t, first.SessionID, second.SessionID)
	require.Empty(t, second.Turns())
	require.Zero(t, second.Usage().Total())
	require.False(t, second.AwaitingInput())

	// The fresh session folds its own conversation only.
	require.NoError(t, second.WaitUntilOpen(context.Background()))
	cs.push(t, frame(t, sem.TypeUserMessage, "u2", base+1000, map[string]any{"text": "other"}))
	require.Eventually(t, func() bool { return len(second.Turns()) == 1 }, eventually, tick)
	require.Equal(t, "other", second.Turns()[0].Text())
	require.Len(t, first.Turns(), 2)
}

// historyServer serves a fixed record list for every conversation.
func historyServer(t *testing.T, records []sem.EnvelopeEvent) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(records))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestManager_OpenHydratesFromHistory(t *testing.T) {
	base := int64(1700000000000)
	raw := func(v any) json.RawMessage {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return b
	}
	srv := historyServer(t, []sem.EnvelopeEvent{
		{Type: sem.TypeUserMessage, ID: "u1", Time: base, Data: raw(map[string]any{"text": "earlier question"})},
		{Type: sem.TypeLLMFinal, ID: "r1", Time: base + 1000, Data: raw(map[string]any{"id": "r1", "text": "earlier answer", "usage": map[string]any{"inputTokens": 3, "outputTokens": 4}})},
	})

	cs := newChatServer(t, true)
	m := NewManager(Config{
		Dial:    cs.dial(),
		History: history.NewClient(srv.URL, history.StaticToken("tok")),
	})
	defer func() { _ = m.Close() }()

	sess, err := m.Open(context.Background(), "conv-1")
	require.NoError(t, err)
	require.NoError(t, sess.HydrationErr())

	// Replayed turns are present before any live frame.
	turns := sess.Turns()
	require.Len(t, turns, 2)
	require.Equal(t, "earlier question", turns[0].Text())
	require.Equal(t, "earlier answer", turns[1].Text())
	require.Equal(t, 7, sess.Usage().Total())

	// Live frames continue the same conversation.
	require.NoError(t, sess.WaitUntilOpen(context.Background()))
	cs.push(t, frame(t, sem.TypeUserMessage, "u2", base+2000, map[string]any{"text": "follow-up"}))
	require.Eventually(t, func() bool { return len(sess.Turns()) == 3 }, eventually, tick)
}

func TestManager_OpenSurvivesHydrationFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	cs := newChatServer(t, true)
	m := NewManager(Config{
		Dial:    cs.dial(),
		History: history.NewClient(srv.URL, nil),
	})
	defer func() { _ = m.Close() }()

	sess, err := m.Open(context.Background(), "conv-1")
	require.NoError(t, err)
	require.ErrorIs(t, sess.HydrationErr(), history.ErrHistoryFetch)
	require.Empty(t, sess.Turns())

	// The session is still live.
	require.NoError(t, sess.WaitUntilOpen(context.Background()))
	cs.push(t, frame(t, sem.TypeUserMessage, "u1", 1700000000000, map[string]any{"text": "hi"}))
	require.Eventually(t, func() bool { return len(sess.Turns()) == 1 }, eventually, tick)
}

func TestManager_NewerOpenSupersedesInFlightFetch(t *testing.T) {
	fetchStarted := make(chan struct{})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(fetchStarted)
			// Held open until the superseding Open cancels this fetch.
			<-r.Context().Done()
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	cs := newChatServer(t, true)
	m := NewManager(Config{
		Dial:    cs.dial(),
		History: history.NewClient(srv.URL, nil),
	})
	defer func() { _ = m.Close() }()

	firstErr := make(chan error, 1)
	go func() {
		_, err := m.Open(context.Background(), "conv-a")
		firstErr <- err
	}()
	<-fetchStarted

	second, err := m.Open(context.Background(), "conv-b")
	require.NoError(t, err)

	select {
	case err := <-firstErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(eventually):
		t.Fatal("superseded open never returned")
	}
	require.Same(t, second, m.Current())
	require.Equal(t, "conv-b", second.ConvID)
}

func TestManager_OpenRequiresConvID(t *testing.T) {
	m := NewManager(Config{})
	defer func() { _ = m.Close() }()
	_, err := m.Open(context.Background(), "")
	require.Error(t, err)
}

func TestManager_OpenOfflineRequiresArchive(t *testing.T) {
	m := NewManager(Config{})
	defer func() { _ = m.Close() }()
	_, err := m.OpenOffline(context.Background(), "conv-1")
	require.Error(t, err)
}

func TestManager_StandaloneRolesReachSessions(t *testing.T) {
	backend := streambus.NewMemoryBackend()
	m := NewManager(Config{
		Channels:       backend,
		Archive:        sessionlog.NewMemoryStore(0),
		ReducerOptions: []timeline.Option{timeline.WithStandaloneRoles("critic")},
	})
	defer func() { _ = m.Close() }()

	sess, err := m.OpenOffline(context.Background(), "conv-1")
	require.NoError(t, err)

	base := int64(1700000000000)
	publish(t, backend, "conv-1", frame(t, sem.TypeLLMStart, "c1", base, map[string]any{"id": "c1", "agent": "critic"}))
	publish(t, backend, "conv-1", frame(t, sem.TypeLLMFinal, "c1", base+100, map[string]any{"id": "c1", "text": "note one"}))
	publish(t, backend, "conv-1", frame(t, sem.TypeLLMStart, "c2", base+200, map[string]any{"id": "c2", "agent": "critic"}))
	publish(t, backend, "conv-1", frame(t, sem.TypeLLMFinal, "c2", base+300, map[string]any{"id": "c2", "text": "note two"}))

	// Standalone speakers never merge, so two turns.
	require.Eventually(t, func() bool { return len(sess.Turns()) == 2 }, eventually, tick)
}
