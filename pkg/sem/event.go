package sem

import (
	"encoding/json"
	"time"
)

// Event is a normalized timeline event. Exactly one Kind from the closed set;
// the remaining fields are populated per kind and zero otherwise.
type Event struct {
	Kind Kind
	Type string // original wire type
	ID   string // resolved correlation id

	// Ordering. Seq is the server-assigned sequence when present; Arrival is
	// the normalizer's monotonic counter and is the fold order downstream.
	Seq      uint64
	Arrival  uint64
	StreamID string

	Role  string // assistant, thinking, user, or an agent role label
	Agent string // concrete agent name when the backend distinguishes it

	Text       string // final or user-visible text
	Delta      string
	Cumulative string

	Phase Phase // lifecycle position for thoughts and tool calls

	ToolName   string
	ToolInput  map[string]any
	ToolResult string
	CustomKind string

	Title  string         // planner update headline
	Fields map[string]any // planner update payload

	Usage     *Usage
	UsageMode UsageMode

	// FromPersisted marks events rebuilt from stored history rather than the
	// live channel. The grouping engine folds them into their correlation
	// group regardless of arrival order, and they are never re-archived.
	FromPersisted bool

	Timestamp time.Time
	Raw       json.RawMessage // event data as received, for consumers that need more
}

// ThinkingSuffix marks the correlation id of a reasoning stream relative to
// its base message.
const ThinkingSuffix = ":thinking"

// UsageMode says how an attached Usage value combines with prior ones.
type UsageMode int

const (
	// UsageCumulative values are running totals for the correlation id;
	// later values replace earlier ones.
	UsageCumulative UsageMode = iota
	// UsageIncremental values are per-chunk counts to be summed.
	UsageIncremental
)

// StandaloneRole reports the role the grouping engine should match against
// when deciding whether this event belongs to an always-fresh agent.
func (e *Event) StandaloneRole() string {
	if e.Agent != "" {
		return e.Agent
	}
	return e.Role
}

// Terminal reports whether this event completes its correlated stream.
func (e *Event) Terminal() bool {
	switch e.Kind {
	case KindAgentFinal, KindStreamClose:
		return true
	case KindThought:
		return e.Phase == PhaseFinal
	}
	return false
}
