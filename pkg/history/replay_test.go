package history

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/sem"
	"github.com/go-go-golems/marionette/pkg/timeline"
)

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// conversationRecords is a persisted conversation with a user turn, one
// streamed agent answer, a tool exchange whose result arrives out of
// timestamp order, and a planner note.
func conversationRecords(t *testing.T) []sem.EnvelopeEvent {
	t.Helper()
	base := int64(1700000000000)
	return []sem.EnvelopeEvent{
		{Type: "user.message", ID: "u1", Time: base, Data: mustRaw(t, map[string]any{"text": "compare the options"})},
		{Type: "llm.start", ID: "r1", Time: base + 1000, Data: mustRaw(t, map[string]any{"id": "r1", "role": "assistant", "agent": "researcher"})},
		{Type: "llm.delta", ID: "r1", Time: base + 1100, Data: mustRaw(t, map[string]any{"id": "r1", "delta": "Option A "})},
		{Type: "llm.delta", ID: "r1", Time: base + 1200, Data: mustRaw(t, map[string]any{"id": "r1", "delta": "wins."})},
		// Result was persisted before its invocation; timestamps disagree
		// with record order.
		{Type: "tool.result", ID: "t1", Time: base + 2500, Data: mustRaw(t, map[string]any{"id": "t1", "result": "3 files"})},
		{Type: "tool.start", ID: "t1", Time: base + 2000, Data: mustRaw(t, map[string]any{"id": "t1", "name": "sandbox", "input": map[string]any{"cmd": "ls"}})},
		{Type: "llm.final", ID: "r1", Time: base + 3000, Data: mustRaw(t, map[string]any{"id": "r1", "text": "", "usage": map[string]any{"inputTokens": 11, "outputTokens": 7}})},
		{Type: "llm.done", ID: "r1", Time: base + 3001, Data: mustRaw(t, map[string]any{"id": "r1"})},
		{Type: "planner.update", ID: "p1", Time: base + 4000, Data: mustRaw(t, map[string]any{"id": "p1", "title": "step 2 of 3"})},
	}
}

func TestReplay_MatchesLiveApplication(t *testing.T) {
	records := conversationRecords(t)

	// Live path: the same frames through a normalizer into a reducer.
	live := timeline.NewReducer()
	n := sem.NewNormalizer()
	for _, rec := range records {
		ev, err := n.Normalize(sem.Wrap(rec))
		require.NoError(t, err)
		live.Apply(ev)
	}

	replayed := Replay(records)
	require.Equal(t, 0, replayed.Dropped)
	require.Equal(t, len(records), replayed.Applied)

	require.Equal(t, live.Turns(), replayed.Turns)
	require.Equal(t, live.Usage(), replayed.Usage)
}

func TestReplay_GroupsToolExchangeDespiteRecordOrder(t *testing.T) {
	res := Replay(conversationRecords(t))

	var tool *timeline.Turn
	for i := range res.Turns {
		if res.Turns[i].Kind == timeline.TurnTool {
			tool = &res.Turns[i]
		}
	}
	require.NotNil(t, tool)
	require.Equal(t, "t1", tool.ID)
	require.NotNil(t, tool.Tool)
	require.Equal(t, "sandbox", tool.Tool.Name)
	require.Equal(t, "3 files", tool.Tool.Result)
	require.False(t, tool.Tool.Active)
}

func TestReplay_DropsUnparseableRecords(t *testing.T) {
	records := []sem.EnvelopeEvent{
		{Type: "user.message", ID: "u1", Time: 1700000000000, Data: mustRaw(t, map[string]any{"text": "hi"})},
		{Type: "metrics.gc", ID: "x1", Time: 1700000000500},
		{Type: "llm.final", ID: "m1", Time: 1700000001000, Data: mustRaw(t, map[string]any{"id": "m1", "text": "hello"})},
	}

	res := Replay(records)
	require.Equal(t, 1, res.Dropped)
	require.Equal(t, 2, res.Applied)
	require.Len(t, res.Turns, 2)
}

func TestReplay_EmptyHistory(t *testing.T) {
	res := Replay(nil)
	require.Empty(t, res.Turns)
	require.Zero(t, res.Usage.Total())
}

func TestReplayInto_MarksEventsPersisted(t *testing.T) {
	red := timeline.NewReducer()
	applied, dropped := ReplayInto(sem.NewNormalizer(), red, conversationRecords(t))
	require.Zero(t, dropped)
	require.Equal(t, 9, applied)

	// Usage folded from the persisted final.
	require.Equal(t, 18, red.Usage().Total())
}
