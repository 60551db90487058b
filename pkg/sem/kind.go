package sem

// Kind is the normalized event kind. The set is closed: every frame the
// normalizer accepts maps onto exactly one of these, and downstream code may
// switch over them exhaustively.
type Kind string

const (
	KindUserMessage    Kind = "user_message"
	KindAgentChunk     Kind = "agent_chunk"
	KindAgentFinal     Kind = "agent_final"
	KindToolInvocation Kind = "tool_invocation"
	KindToolResult     Kind = "tool_result"
	KindThought        Kind = "thought"
	KindPlannerUpdate  Kind = "planner_update"
	KindStreamOpen     Kind = "stream_open"
	KindStreamClose    Kind = "stream_close"
	KindHeartbeat      Kind = "heartbeat"
)

// Phase refines lifecycle kinds (thoughts and tool calls) without widening
// the kind set.
type Phase string

const (
	PhaseStart Phase = "start"
	PhaseDelta Phase = "delta"
	PhaseFinal Phase = "final"
)

// Wire event types understood by the builtin normalizer table.
const (
	TypeUserMessage   = "user.message"
	TypeLLMStart      = "llm.start"
	TypeLLMDelta      = "llm.delta"
	TypeLLMFinal      = "llm.final"
	TypeLLMDone       = "llm.done"
	TypeThinkingStart = "llm.thinking.start"
	TypeThinkingDelta = "llm.thinking.delta"
	TypeThinkingFinal = "llm.thinking.final"
	TypeToolStart     = "tool.start"
	TypeToolDelta     = "tool.delta"
	TypeToolResult    = "tool.result"
	TypeToolDone      = "tool.done"
	TypeAgentMode     = "agent.mode"
	TypePlannerUpdate = "planner.update"
	TypeWsHello       = "ws.hello"
	TypeWsPing        = "ws.ping"
	TypeWsPong        = "ws.pong"
)

var kindForType = map[string]Kind{
	TypeUserMessage:   KindUserMessage,
	TypeLLMStart:      KindStreamOpen,
	TypeLLMDelta:      KindAgentChunk,
	TypeLLMFinal:      KindAgentFinal,
	TypeLLMDone:       KindStreamClose,
	TypeThinkingStart: KindThought,
	TypeThinkingDelta: KindThought,
	TypeThinkingFinal: KindThought,
	TypeToolStart:     KindToolInvocation,
	TypeToolDelta:     KindToolInvocation,
	TypeToolResult:    KindToolResult,
	TypeToolDone:      KindToolResult,
	TypeAgentMode:     KindPlannerUpdate,
	TypePlannerUpdate: KindPlannerUpdate,
	TypeWsHello:       KindHeartbeat,
	TypeWsPing:        KindHeartbeat,
	TypeWsPong:        KindHeartbeat,
}

// Classify maps a wire event type onto its normalized kind. History replay
// uses the same table as the live normalizer so persisted records and
// streamed frames classify identically.
func Classify(wireType string) (Kind, bool) {
	k, ok := kindForType[wireType]
	return k, ok
}

// IsHeartbeatType reports whether a wire type is connection keepalive
// traffic. Heartbeats never reach the timeline.
func IsHeartbeatType(wireType string) bool {
	switch wireType {
	case TypeWsHello, TypeWsPing, TypeWsPong:
		return true
	}
	return false
}
