package sem

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Normalizer turns raw frames into Events. It owns small caches used to keep
// correlation ids stable across a stream and a monotonic arrival counter that
// downstream folding relies on. One normalizer serves one session; replayed
// history and live frames go through the same instance so their arrival
// ordering is shared.
type Normalizer struct {
	correlations sync.Map // family+stream key -> correlation id
	arrival      atomic.Uint64
	failures     atomic.Uint64
	now          func() time.Time
}

type NormalizerOption func(*Normalizer)

// WithClock overrides the arrival-time fallback clock.
func WithClock(now func() time.Time) NormalizerOption {
	return func(n *Normalizer) {
		if now != nil {
			n.now = now
		}
	}
}

func NewNormalizer(opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{now: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Failures returns how many frames this normalizer rejected so far.
func (n *Normalizer) Failures() uint64 { return n.failures.Load() }

// Normalize decodes one frame. It returns (nil, *ParseError) for anything it
// cannot map onto the closed kind set; the error is informational and the
// caller is expected to drop the frame and continue. A registered decoder may
// consume a frame without producing an event, which yields (nil, nil).
func (n *Normalizer) Normalize(frame []byte) (*Event, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 {
		return n.fail("empty frame", "", frame, nil)
	}

	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		if typ, ok := bareControlType(trimmed); ok {
			return n.heartbeat(typ), nil
		}
		return n.fail("invalid json", "", frame, err)
	}
	if !env.Sem {
		// Older hubs send keepalives outside the envelope.
		if typ, ok := bareControlType(trimmed); ok {
			return n.heartbeat(typ), nil
		}
		return n.fail("not a sem frame", "", frame, nil)
	}
	evt := env.Event
	evt.Type = strings.TrimSpace(evt.Type)
	if evt.Type == "" {
		return n.fail("missing event type", "", frame, nil)
	}

	if ev, handled, err := decodeRegistered(evt); handled {
		if err != nil {
			return n.fail("registered decoder failed", evt.Type, frame, err)
		}
		if ev == nil {
			return nil, nil
		}
		n.finish(ev, evt, nil, 0)
		return ev, nil
	}

	kind, ok := Classify(evt.Type)
	if !ok {
		log.Debug().Str("component", "sem").Str("event_type", evt.Type).Msg("no mapping for event type; dropping")
		return n.fail("unknown event type", evt.Type, frame, nil)
	}

	// Metadata is best effort: a malformed block hides usage but does not
	// invalidate the event.
	var md *InferenceMetadata
	if len(evt.Metadata) > 0 {
		var parsed InferenceMetadata
		if err := json.Unmarshal(evt.Metadata, &parsed); err == nil {
			md = &parsed
		}
	}

	ev := &Event{Kind: kind, Type: evt.Type, Seq: evt.Seq, StreamID: evt.StreamID, Raw: evt.Data}
	var payloadMillis int64

	switch evt.Type {
	case TypeUserMessage:
		var p userMessagePayload
		if err := json.Unmarshal(evt.Data, &p); err != nil {
			return n.fail("bad user.message payload", evt.Type, frame, err)
		}
		ev.ID, _ = n.resolveCorrelationID(evt, p.ID, familyUser)
		ev.Role = defaultString(p.Role, "user")
		ev.Text = p.Text
		payloadMillis = p.Timestamp

	case TypeLLMStart:
		var p llmStartPayload
		if err := json.Unmarshal(evt.Data, &p); err != nil {
			return n.fail("bad llm.start payload", evt.Type, frame, err)
		}
		ev.ID, _ = n.resolveCorrelationID(evt, p.ID, familyMessage)
		ev.Role = defaultString(p.Role, "assistant")
		ev.Agent = p.Agent
		ev.Phase = PhaseStart

	case TypeLLMDelta:
		var p llmDeltaPayload
		if err := json.Unmarshal(evt.Data, &p); err != nil {
			return n.fail("bad llm.delta payload", evt.Type, frame, err)
		}
		ev.ID, _ = n.resolveCorrelationID(evt, p.ID, familyMessage)
		ev.Role = "assistant"
		ev.Delta = p.Delta
		ev.Cumulative = p.Cumulative
		ev.Phase = PhaseDelta
		ev.Usage, ev.UsageMode = extractUsage(md, p.Metadata, p.Usage)

	case TypeLLMFinal:
		var p llmFinalPayload
		if err := json.Unmarshal(evt.Data, &p); err != nil {
			return n.fail("bad llm.final payload", evt.Type, frame, err)
		}
		ev.ID, _ = n.resolveCorrelationID(evt, p.ID, familyMessage)
		ev.Role = "assistant"
		ev.Text = p.Text
		ev.Phase = PhaseFinal
		ev.Usage, ev.UsageMode = extractUsage(md, p.Metadata, p.Usage)
		n.clearCorrelation(evt, familyMessage)

	case TypeLLMDone:
		var p llmDonePayload
		if err := json.Unmarshal(evt.Data, &p); err != nil {
			return n.fail("bad llm.done payload", evt.Type, frame, err)
		}
		ev.ID, _ = n.resolveCorrelationID(evt, p.ID, familyMessage)
		ev.Phase = PhaseFinal
		n.clearCorrelation(evt, familyMessage)

	case TypeThinkingStart, TypeThinkingDelta, TypeThinkingFinal:
		ev.Role = "thinking"
		switch evt.Type {
		case TypeThinkingStart:
			var p llmStartPayload
			if err := json.Unmarshal(evt.Data, &p); err != nil {
				return n.fail("bad thinking payload", evt.Type, frame, err)
			}
			ev.ID = n.resolveThinkingID(evt, p.ID)
			ev.Role = defaultString(p.Role, "thinking")
			ev.Agent = p.Agent
			ev.Phase = PhaseStart
		case TypeThinkingDelta:
			var p llmDeltaPayload
			if err := json.Unmarshal(evt.Data, &p); err != nil {
				return n.fail("bad thinking payload", evt.Type, frame, err)
			}
			ev.ID = n.resolveThinkingID(evt, p.ID)
			ev.Delta = p.Delta
			ev.Cumulative = p.Cumulative
			ev.Phase = PhaseDelta
		case TypeThinkingFinal:
			var p llmDonePayload
			if err := json.Unmarshal(evt.Data, &p); err != nil {
				return n.fail("bad thinking payload", evt.Type, frame, err)
			}
			ev.ID = n.resolveThinkingID(evt, p.ID)
			ev.Phase = PhaseFinal
		}

	case TypeToolStart:
		var p toolStartPayload
		if err := json.Unmarshal(evt.Data, &p); err != nil {
			return n.fail("bad tool.start payload", evt.Type, frame, err)
		}
		ev.ID, _ = n.resolveCorrelationID(evt, p.ID, familyTool)
		ev.ToolName = p.Name
		ev.ToolInput = p.Input
		ev.Phase = PhaseStart

	case TypeToolDelta:
		var p toolDeltaPayload
		if err := json.Unmarshal(evt.Data, &p); err != nil {
			return n.fail("bad tool.delta payload", evt.Type, frame, err)
		}
		ev.ID, _ = n.resolveCorrelationID(evt, p.ID, familyTool)
		ev.ToolInput = p.Patch
		ev.Phase = PhaseDelta

	case TypeToolResult:
		var p toolResultPayload
		if err := json.Unmarshal(evt.Data, &p); err != nil {
			return n.fail("bad tool.result payload", evt.Type, frame, err)
		}
		ev.ID, _ = n.resolveCorrelationID(evt, p.ID, familyTool)
		ev.ToolResult = p.Result
		ev.CustomKind = p.CustomKind
		ev.Phase = PhaseDelta

	case TypeToolDone:
		var p llmDonePayload
		if err := json.Unmarshal(evt.Data, &p); err != nil {
			return n.fail("bad tool.done payload", evt.Type, frame, err)
		}
		ev.ID, _ = n.resolveCorrelationID(evt, p.ID, familyTool)
		ev.Phase = PhaseFinal
		n.clearCorrelation(evt, familyTool)

	case TypeAgentMode, TypePlannerUpdate:
		var p plannerPayload
		if err := json.Unmarshal(evt.Data, &p); err != nil {
			return n.fail("bad planner payload", evt.Type, frame, err)
		}
		ev.ID, _ = n.resolveCorrelationID(evt, p.ID, familyPlanner)
		ev.Title = p.Title
		ev.Fields = p.Data

	case TypeWsHello, TypeWsPing, TypeWsPong:
		var p heartbeatPayload
		_ = json.Unmarshal(evt.Data, &p)
		ev.ID = defaultString(evt.ID, evt.Type)
		payloadMillis = p.ServerTime
	}

	n.finish(ev, evt, md, payloadMillis)
	return ev, nil
}

func (n *Normalizer) finish(ev *Event, evt EnvelopeEvent, md *InferenceMetadata, payloadMillis int64) {
	ev.Arrival = n.nextArrival(evt)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = n.resolveTimestamp(evt, md, payloadMillis)
	}
}

func (n *Normalizer) fail(reason, typ string, frame []byte, cause error) (*Event, error) {
	n.failures.Add(1)
	return nil, &ParseError{Reason: reason, Type: typ, Frame: frameSnippet(frame), cause: cause}
}

type correlationFamily string

const (
	familyMessage correlationFamily = "msg"
	familyTool    correlationFamily = "tool"
	familyUser    correlationFamily = "user"
	familyPlanner correlationFamily = "planner"
)

var generatedPrefix = map[correlationFamily]string{
	familyMessage: "llm-",
	familyTool:    "tool-",
	familyUser:    "user-",
	familyPlanner: "planner-",
}

func correlationKey(evt EnvelopeEvent, family correlationFamily) string {
	if evt.StreamID == "" {
		return ""
	}
	return string(family) + ":" + evt.StreamID
}

// resolveCorrelationID applies the id precedence: envelope id, payload id,
// cached id for this stream, generated. The bool reports whether the id was
// explicit on the frame.
func (n *Normalizer) resolveCorrelationID(evt EnvelopeEvent, payloadID string, family correlationFamily) (string, bool) {
	if id := strings.TrimSpace(evt.ID); id != "" {
		n.storeCorrelation(evt, family, id)
		return id, true
	}
	if id := strings.TrimSpace(payloadID); id != "" {
		n.storeCorrelation(evt, family, id)
		return id, true
	}
	if key := correlationKey(evt, family); key != "" {
		if v, ok := n.correlations.Load(key); ok {
			if cached, ok2 := v.(string); ok2 && cached != "" {
				return cached, false
			}
		}
	}
	generated := generatedPrefix[family] + uuid.NewString()
	n.storeCorrelation(evt, family, generated)
	return generated, false
}

// resolveThinkingID keeps thinking streams on a distinct correlation id even
// when the producer only identified the base message.
func (n *Normalizer) resolveThinkingID(evt EnvelopeEvent, payloadID string) string {
	id, explicit := n.resolveCorrelationID(evt, payloadID, familyMessage)
	if !explicit && !strings.HasSuffix(id, ThinkingSuffix) {
		id += ThinkingSuffix
	}
	return id
}

func (n *Normalizer) storeCorrelation(evt EnvelopeEvent, family correlationFamily, id string) {
	if key := correlationKey(evt, family); key != "" {
		n.correlations.Store(key, id)
	}
}

func (n *Normalizer) clearCorrelation(evt EnvelopeEvent, family correlationFamily) {
	if key := correlationKey(evt, family); key != "" {
		n.correlations.Delete(key)
	}
}

// Advance moves the arrival counter to at least seq. Sessions rebuilt from an
// archive call this with the highest archived arrival so frames normalized
// afterwards sort behind the rebuilt state.
func (n *Normalizer) Advance(seq uint64) {
	for {
		current := n.arrival.Load()
		if seq <= current {
			return
		}
		if n.arrival.CompareAndSwap(current, seq) {
			return
		}
	}
}

// nextArrival assigns the fold position. Server sequence numbers (or redis
// stream ids) seed the counter so replayed and live frames stay ordered; the
// counter only moves forward.
func (n *Normalizer) nextArrival(evt EnvelopeEvent) uint64 {
	derived := evt.Seq
	if derived == 0 && evt.StreamID != "" {
		if d, ok := seqFromStreamID(evt.StreamID); ok {
			derived = d
		}
	}
	for {
		current := n.arrival.Load()
		next := current + 1
		if derived > next {
			next = derived
		}
		if n.arrival.CompareAndSwap(current, next) {
			return next
		}
	}
}

func seqFromStreamID(streamID string) (uint64, bool) {
	parts := strings.Split(streamID, "-")
	if len(parts) != 2 {
		return 0, false
	}
	ms, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, false
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return ms*1_000_000 + seq, true
}

func (n *Normalizer) resolveTimestamp(evt EnvelopeEvent, md *InferenceMetadata, payloadMillis int64) time.Time {
	if evt.Time > 0 {
		return time.UnixMilli(evt.Time)
	}
	if md != nil && md.Timestamp > 0 {
		return time.UnixMilli(md.Timestamp)
	}
	if payloadMillis > 0 {
		return time.UnixMilli(payloadMillis)
	}
	return n.now()
}

// extractUsage walks the reporting locations in precedence order: envelope
// metadata, payload metadata, then bare payload usage. Metadata blocks carry
// running totals; bare payload usage counts one chunk.
func extractUsage(md, payloadMD *InferenceMetadata, payloadUsage *Usage) (*Usage, UsageMode) {
	if u, ok := usageFromMetadata(md); ok {
		return u, UsageCumulative
	}
	if u, ok := usageFromMetadata(payloadMD); ok {
		return u, UsageCumulative
	}
	if payloadUsage != nil && !payloadUsage.IsZero() {
		return payloadUsage, UsageIncremental
	}
	return nil, UsageCumulative
}

// usageFromMetadata merges the block's durationMs into its usage so the
// latency survives into the per-turn snapshot.
func usageFromMetadata(md *InferenceMetadata) (*Usage, bool) {
	if md == nil {
		return nil, false
	}
	var u Usage
	if md.Usage != nil {
		u = *md.Usage
	}
	if u.DurationMs == 0 && md.DurationMs != nil {
		u.DurationMs = *md.DurationMs
	}
	if u.IsZero() {
		return nil, false
	}
	return &u, true
}

func (n *Normalizer) heartbeat(typ string) *Event {
	ev := &Event{Kind: KindHeartbeat, Type: typ, ID: typ, Timestamp: n.now()}
	ev.Arrival = n.nextArrival(EnvelopeEvent{})
	return ev
}

func bareControlType(trimmed []byte) (string, bool) {
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var bare struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(trimmed, &bare); err == nil && IsHeartbeatType(bare.Type) {
			return bare.Type, true
		}
		return "", false
	}
	if len(trimmed) <= 8 {
		switch strings.ToLower(strings.Trim(string(trimmed), `"`)) {
		case "ping":
			return TypeWsPing, true
		case "pong":
			return TypeWsPong, true
		}
	}
	return "", false
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
