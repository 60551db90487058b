package sessionlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/sem"
)

func logEvent(arrival uint64, kind sem.Kind, id, text string) *sem.Event {
	return &sem.Event{
		Kind:      kind,
		ID:        id,
		Arrival:   arrival,
		Text:      text,
		Timestamp: time.UnixMilli(1700000000000 + int64(arrival)),
	}
}

func TestMemoryStore_AppendAndListOrdered(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	// Out-of-order appends still list by arrival.
	require.NoError(t, s.Append(ctx, "c1", logEvent(3, sem.KindAgentFinal, "m1", "done")))
	require.NoError(t, s.Append(ctx, "c1", logEvent(1, sem.KindUserMessage, "u1", "hi")))
	require.NoError(t, s.Append(ctx, "c1", logEvent(2, sem.KindAgentChunk, "m1", "")))

	events, err := s.List(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, uint64(1), events[0].Arrival)
	require.Equal(t, uint64(2), events[1].Arrival)
	require.Equal(t, uint64(3), events[2].Arrival)
}

func TestMemoryStore_ReappendOverwrites(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "c1", logEvent(1, sem.KindUserMessage, "u1", "first")))
	require.NoError(t, s.Append(ctx, "c1", logEvent(1, sem.KindUserMessage, "u1", "second")))

	events, err := s.List(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "second", events[0].Text)
}

func TestMemoryStore_HeartbeatsNotArchived(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "c1", &sem.Event{Kind: sem.KindHeartbeat, ID: "ws.ping", Arrival: 1}))
	events, err := s.List(ctx, "c1", 0)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestMemoryStore_EvictsOldestWhenFull(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.Append(ctx, "c1", logEvent(i, sem.KindAgentChunk, "m1", "")))
	}

	events, err := s.List(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, uint64(3), events[0].Arrival)
	require.Equal(t, uint64(5), events[2].Arrival)
}

func TestMemoryStore_SnapshotsAreCopies(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	ev := logEvent(1, sem.KindUserMessage, "u1", "original")
	require.NoError(t, s.Append(ctx, "c1", ev))
	ev.Text = "mutated"

	events, err := s.List(ctx, "c1", 0)
	require.NoError(t, err)
	require.Equal(t, "original", events[0].Text)
}

func TestMemoryStore_ConversationIndex(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "c1", logEvent(7, sem.KindUserMessage, "u1", "hi")))
	require.NoError(t, s.UpsertConversation(ctx, ConversationRecord{ConvID: "c1", SessionID: "s-1", Status: "active"}))
	require.NoError(t, s.UpsertConversation(ctx, ConversationRecord{ConvID: "c2", SessionID: "s-2"}))

	records, err := s.Conversations(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)

	byID := map[string]ConversationRecord{}
	for _, r := range records {
		byID[r.ConvID] = r
	}
	require.Equal(t, "s-1", byID["c1"].SessionID)
	require.Equal(t, uint64(7), byID["c1"].LastSeq)
	require.Equal(t, "active", byID["c2"].Status)
}
