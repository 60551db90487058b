package sem

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func semFrame(t *testing.T, eventType, id string, seq uint64, data map[string]any) []byte {
	t.Helper()
	return rawFrame(t, map[string]any{
		"type":      eventType,
		"id":        id,
		"seq":       seq,
		"stream_id": "stream-1",
		"data":      data,
	})
}

func rawFrame(t *testing.T, event map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"sem": true, "event": event})
	require.NoError(t, err)
	return raw
}

func fixedClock(millis int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(millis) }
}

func TestNormalizer_UserMessage(t *testing.T) {
	n := NewNormalizer()

	ev, err := n.Normalize(semFrame(t, TypeUserMessage, "msg-u1", 1, map[string]any{
		"id":        "msg-u1",
		"text":      "hello there",
		"timestamp": int64(1700000000123),
	}))
	require.NoError(t, err)
	require.Equal(t, KindUserMessage, ev.Kind)
	require.Equal(t, "msg-u1", ev.ID)
	require.Equal(t, "user", ev.Role)
	require.Equal(t, "hello there", ev.Text)
	require.Equal(t, int64(1700000000123), ev.Timestamp.UnixMilli())
}

func TestNormalizer_DeltaAndFinal(t *testing.T) {
	n := NewNormalizer()

	ev, err := n.Normalize(semFrame(t, TypeLLMDelta, "msg-1", 2, map[string]any{
		"id":         "msg-1",
		"delta":      "wor",
		"cumulative": "hello wor",
	}))
	require.NoError(t, err)
	require.Equal(t, KindAgentChunk, ev.Kind)
	require.Equal(t, "wor", ev.Delta)
	require.Equal(t, "hello wor", ev.Cumulative)
	require.False(t, ev.Terminal())

	ev, err = n.Normalize(semFrame(t, TypeLLMFinal, "msg-1", 3, map[string]any{
		"id":   "msg-1",
		"text": "hello world",
	}))
	require.NoError(t, err)
	require.Equal(t, KindAgentFinal, ev.Kind)
	require.Equal(t, "hello world", ev.Text)
	require.True(t, ev.Terminal())
}

func TestNormalizer_CorrelationPrecedence(t *testing.T) {
	n := NewNormalizer()

	// Envelope id wins over payload id.
	ev, err := n.Normalize(rawFrame(t, map[string]any{
		"type": TypeLLMDelta,
		"id":   "envelope-id",
		"seq":  1,
		"data": map[string]any{"id": "payload-id", "cumulative": "a"},
	}))
	require.NoError(t, err)
	require.Equal(t, "envelope-id", ev.ID)

	// Payload id when the envelope has none.
	ev, err = n.Normalize(rawFrame(t, map[string]any{
		"type": TypeLLMDelta,
		"seq":  2,
		"data": map[string]any{"id": "payload-id", "cumulative": "ab"},
	}))
	require.NoError(t, err)
	require.Equal(t, "payload-id", ev.ID)

	// Neither: the id cached for the stream key is reused.
	ev, err = n.Normalize(rawFrame(t, map[string]any{
		"type":      TypeLLMDelta,
		"id":        "stream-owned",
		"seq":       3,
		"stream_id": "1700000000000-0",
		"data":      map[string]any{"cumulative": "x"},
	}))
	require.NoError(t, err)
	require.Equal(t, "stream-owned", ev.ID)

	ev, err = n.Normalize(rawFrame(t, map[string]any{
		"type":      TypeLLMDelta,
		"seq":       4,
		"stream_id": "1700000000000-0",
		"data":      map[string]any{"cumulative": "xy"},
	}))
	require.NoError(t, err)
	require.Equal(t, "stream-owned", ev.ID)

	// Nothing at all: a fresh id is generated and sticks for the stream.
	ev, err = n.Normalize(rawFrame(t, map[string]any{
		"type":      TypeLLMDelta,
		"seq":       5,
		"stream_id": "1700000000001-0",
		"data":      map[string]any{"cumulative": "q"},
	}))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(ev.ID, "llm-"))
	generated := ev.ID

	ev, err = n.Normalize(rawFrame(t, map[string]any{
		"type":      TypeLLMDelta,
		"seq":       6,
		"stream_id": "1700000000001-0",
		"data":      map[string]any{"cumulative": "qr"},
	}))
	require.NoError(t, err)
	require.Equal(t, generated, ev.ID)
}

func TestNormalizer_ThinkingStreamKeepsOwnID(t *testing.T) {
	n := NewNormalizer()

	ev, err := n.Normalize(semFrame(t, TypeThinkingDelta, "msg-1:thinking", 2, map[string]any{
		"id":         "msg-1:thinking",
		"delta":      "because",
		"cumulative": "because",
	}))
	require.NoError(t, err)
	require.Equal(t, KindThought, ev.Kind)
	require.Equal(t, "msg-1:thinking", ev.ID)
	require.Equal(t, "thinking", ev.Role)
	require.Equal(t, PhaseDelta, ev.Phase)

	// Fallback path: no explicit id, cached base id gets the suffix.
	_, err = n.Normalize(rawFrame(t, map[string]any{
		"type":      TypeLLMDelta,
		"id":        "msg-2",
		"seq":       3,
		"stream_id": "s2",
		"data":      map[string]any{"cumulative": "a"},
	}))
	require.NoError(t, err)

	ev, err = n.Normalize(rawFrame(t, map[string]any{
		"type":      TypeThinkingDelta,
		"seq":       4,
		"stream_id": "s2",
		"data":      map[string]any{"cumulative": "hm"},
	}))
	require.NoError(t, err)
	require.Equal(t, "msg-2:thinking", ev.ID)
}

func TestNormalizer_MalformedFramesAreParseErrors(t *testing.T) {
	n := NewNormalizer()

	for _, frame := range [][]byte{
		nil,
		[]byte("   "),
		[]byte("{not json"),
		[]byte(`{"sem":false,"event":{"type":"llm.delta"}}`),
		[]byte(`{"sem":true,"event":{"id":"x"}}`),
		[]byte(`{"sem":true,"event":{"type":"totally.unknown","id":"x","seq":1}}`),
		[]byte(`{"sem":true,"event":{"type":"llm.delta","id":"x","seq":1,"data":"not-an-object"}}`),
	} {
		ev, err := n.Normalize(frame)
		require.Nil(t, ev)
		require.Error(t, err)
		pe, ok := AsParseError(err)
		require.True(t, ok, "want ParseError for %q", string(frame))
		require.NotEmpty(t, pe.Reason)
	}
	require.Equal(t, uint64(7), n.Failures())
}

func TestNormalizer_Heartbeats(t *testing.T) {
	n := NewNormalizer()

	ev, err := n.Normalize(semFrame(t, TypeWsPong, "ws.pong:conv:1", 0, map[string]any{
		"convId":     "conv-1",
		"serverTime": int64(1700000001000),
	}))
	require.NoError(t, err)
	require.Equal(t, KindHeartbeat, ev.Kind)
	require.Equal(t, int64(1700000001000), ev.Timestamp.UnixMilli())

	for _, frame := range []string{`{"type":"ws.ping"}`, `ping`, `"pong"`} {
		ev, err := n.Normalize([]byte(frame))
		require.NoError(t, err, frame)
		require.Equal(t, KindHeartbeat, ev.Kind, frame)
	}
	require.Zero(t, n.Failures())
}

func TestNormalizer_TimestampFallsBackToClock(t *testing.T) {
	n := NewNormalizer(WithClock(fixedClock(4242)))

	ev, err := n.Normalize(semFrame(t, TypeLLMDelta, "m", 1, map[string]any{
		"id": "m", "cumulative": "x",
	}))
	require.NoError(t, err)
	require.Equal(t, int64(4242), ev.Timestamp.UnixMilli())

	ev, err = n.Normalize(rawFrame(t, map[string]any{
		"type": TypeLLMDelta,
		"id":   "m",
		"seq":  2,
		"ts":   int64(9999),
		"data": map[string]any{"cumulative": "xy"},
	}))
	require.NoError(t, err)
	require.Equal(t, int64(9999), ev.Timestamp.UnixMilli())
}

func TestNormalizer_UsageExtraction(t *testing.T) {
	n := NewNormalizer()

	// Envelope metadata wins.
	ev, err := n.Normalize(rawFrame(t, map[string]any{
		"type":     TypeLLMFinal,
		"id":       "m1",
		"seq":      1,
		"metadata": map[string]any{"usage": map[string]any{"inputTokens": 10, "outputTokens": 20}},
		"data": map[string]any{
			"text":  "done",
			"usage": map[string]any{"inputTokens": 1, "outputTokens": 1},
		},
	}))
	require.NoError(t, err)
	require.NotNil(t, ev.Usage)
	require.Equal(t, 10, ev.Usage.InputTokens)
	require.Equal(t, 20, ev.Usage.OutputTokens)
	require.Equal(t, UsageCumulative, ev.UsageMode)

	// Bare payload usage is incremental, snake_case accepted.
	ev, err = n.Normalize(semFrame(t, TypeLLMDelta, "m2", 2, map[string]any{
		"id":         "m2",
		"cumulative": "x",
		"usage":      map[string]any{"input_tokens": 3, "output_tokens": 4},
	}))
	require.NoError(t, err)
	require.NotNil(t, ev.Usage)
	require.Equal(t, 3, ev.Usage.InputTokens)
	require.Equal(t, 4, ev.Usage.OutputTokens)
	require.Equal(t, UsageIncremental, ev.UsageMode)

	// OpenAI-style aliases.
	ev, err = n.Normalize(semFrame(t, TypeLLMDelta, "m3", 3, map[string]any{
		"id":         "m3",
		"cumulative": "x",
		"usage":      map[string]any{"prompt_tokens": 7, "completion_tokens": 8},
	}))
	require.NoError(t, err)
	require.Equal(t, 7, ev.Usage.InputTokens)
	require.Equal(t, 8, ev.Usage.OutputTokens)
	require.Equal(t, 15, ev.Usage.Total())
}

func TestNormalizer_UsageCarriesLatency(t *testing.T) {
	n := NewNormalizer()

	ev, err := n.Normalize(rawFrame(t, map[string]any{
		"type": TypeLLMFinal,
		"id":   "m1",
		"seq":  1,
		"metadata": map[string]any{
			"durationMs": int64(420),
			"usage":      map[string]any{"inputTokens": 10, "outputTokens": 20},
		},
		"data": map[string]any{"text": "done"},
	}))
	require.NoError(t, err)
	require.NotNil(t, ev.Usage)
	require.Equal(t, int64(420), ev.Usage.DurationMs)
	require.Equal(t, 10, ev.Usage.InputTokens)

	// Latency alone is still a usable snapshot.
	ev, err = n.Normalize(rawFrame(t, map[string]any{
		"type":     TypeLLMFinal,
		"id":       "m2",
		"seq":      2,
		"metadata": map[string]any{"durationMs": int64(90)},
		"data":     map[string]any{"text": "done"},
	}))
	require.NoError(t, err)
	require.NotNil(t, ev.Usage)
	require.Equal(t, int64(90), ev.Usage.DurationMs)
	require.True(t, ev.Usage.Total() == 0)
}

func TestNormalizer_ArrivalOrderFollowsSeqAndStreamID(t *testing.T) {
	n := NewNormalizer()

	ev1, err := n.Normalize(semFrame(t, TypeLLMDelta, "m", 100, map[string]any{"id": "m", "cumulative": "a"}))
	require.NoError(t, err)
	require.Equal(t, uint64(100), ev1.Arrival)

	// No seq: counter keeps moving forward past the seeded value.
	ev2, err := n.Normalize(rawFrame(t, map[string]any{
		"type": TypeLLMDelta,
		"id":   "m",
		"data": map[string]any{"cumulative": "ab"},
	}))
	require.NoError(t, err)
	require.Equal(t, uint64(101), ev2.Arrival)

	// Redis stream ids seed the counter the same way.
	ev3, err := n.Normalize(rawFrame(t, map[string]any{
		"type":      TypeLLMDelta,
		"id":        "m",
		"stream_id": "1700000000000-3",
		"data":      map[string]any{"cumulative": "abc"},
	}))
	require.NoError(t, err)
	require.Equal(t, uint64(1700000000000)*1_000_000+3, ev3.Arrival)
}

func TestNormalizer_ToolLifecycle(t *testing.T) {
	n := NewNormalizer()

	ev, err := n.Normalize(semFrame(t, TypeToolStart, "call-1", 1, map[string]any{
		"id":    "call-1",
		"name":  "web_search",
		"input": map[string]any{"query": "golang streams"},
	}))
	require.NoError(t, err)
	require.Equal(t, KindToolInvocation, ev.Kind)
	require.Equal(t, "web_search", ev.ToolName)
	require.Equal(t, "golang streams", ev.ToolInput["query"])
	require.Equal(t, PhaseStart, ev.Phase)

	ev, err = n.Normalize(semFrame(t, TypeToolResult, "call-1", 2, map[string]any{
		"id":     "call-1",
		"result": `{"hits":3}`,
	}))
	require.NoError(t, err)
	require.Equal(t, KindToolResult, ev.Kind)
	require.Equal(t, `{"hits":3}`, ev.ToolResult)

	ev, err = n.Normalize(semFrame(t, TypeToolDone, "call-1", 3, map[string]any{"id": "call-1"}))
	require.NoError(t, err)
	require.Equal(t, KindToolResult, ev.Kind)
	require.Equal(t, PhaseFinal, ev.Phase)
}

func TestNormalizer_RegisteredDecoder(t *testing.T) {
	t.Cleanup(ClearDecoders)

	RegisterDecoder("vendor.status", func(evt EnvelopeEvent) (*Event, error) {
		var p struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(evt.Data, &p); err != nil {
			return nil, err
		}
		return &Event{Kind: KindPlannerUpdate, Type: evt.Type, ID: evt.ID, Title: p.Text}, nil
	})

	n := NewNormalizer()
	ev, err := n.Normalize(semFrame(t, "vendor.status", "st-1", 1, map[string]any{"text": "compiling"}))
	require.NoError(t, err)
	require.Equal(t, KindPlannerUpdate, ev.Kind)
	require.Equal(t, "compiling", ev.Title)
	require.NotZero(t, ev.Arrival)
	require.Zero(t, n.Failures())
}

func TestClassify_SharedTable(t *testing.T) {
	kind, ok := Classify(TypeAgentMode)
	require.True(t, ok)
	require.Equal(t, KindPlannerUpdate, kind)

	_, ok = Classify("something.else")
	require.False(t, ok)

	require.True(t, IsHeartbeatType(TypeWsHello))
	require.False(t, IsHeartbeatType(TypeLLMDelta))
}
