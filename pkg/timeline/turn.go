package timeline

import (
	"encoding/json"
	"time"

	"github.com/go-go-golems/marionette/pkg/sem"
)

// TurnKind says what a timeline entry is.
type TurnKind string

const (
	TurnUser    TurnKind = "user"
	TurnAgent   TurnKind = "agent"
	TurnTool    TurnKind = "tool"
	TurnPlanner TurnKind = "planner"
)

// Turn is an immutable view of one timeline entry. Agent turns carry the
// messages folded into the group; tool turns carry the correlated call.
type Turn struct {
	Kind      TurnKind
	ID        string
	Speaker   string // agent name or role
	Title     string // planner turns
	Fields    map[string]any
	Streaming bool
	Closed    bool
	StartedAt time.Time
	UpdatedAt time.Time
	Messages  []Message
	Tool      *ToolCall
	Usage     *sem.Usage // per-turn snapshot, where reported
}

// Message is one folded stream inside a turn.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Agent     string    `json:"agent,omitempty"`
	Content   string    `json:"content"`
	Streaming bool      `json:"streaming"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Text is the content of the first message, which is the whole turn for user
// turns and single-stream agent turns.
func (t Turn) Text() string {
	if len(t.Messages) == 0 {
		return ""
	}
	return t.Messages[0].Content
}

// MarshalJSON renders the two shapes timeline consumers read: user entries as
// {"kind":"user",...}, everything correlated as {"kind":"group",
// "correlationId",...,"events":[...]}.
func (t Turn) MarshalJSON() ([]byte, error) {
	if t.Kind == TurnUser {
		return json.Marshal(struct {
			Kind      TurnKind  `json:"kind"`
			ID        string    `json:"id"`
			Text      string    `json:"text"`
			StartedAt time.Time `json:"startedAt"`
			UpdatedAt time.Time `json:"updatedAt"`
		}{TurnUser, t.ID, t.Text(), t.StartedAt, t.UpdatedAt})
	}
	events := t.Messages
	if events == nil {
		events = []Message{}
	}
	return json.Marshal(struct {
		Kind          string         `json:"kind"`
		CorrelationID string         `json:"correlationId"`
		Entry         TurnKind       `json:"entry"`
		Speaker       string         `json:"speaker,omitempty"`
		Title         string         `json:"title,omitempty"`
		Fields        map[string]any `json:"fields,omitempty"`
		Streaming     bool           `json:"streaming"`
		Closed        bool           `json:"closed"`
		StartedAt     time.Time      `json:"startedAt"`
		UpdatedAt     time.Time      `json:"updatedAt"`
		Events        []Message      `json:"events"`
		Tool          *ToolCall      `json:"tool,omitempty"`
		Usage         *sem.Usage     `json:"usage,omitempty"`
	}{"group", t.ID, t.Kind, t.Speaker, t.Title, t.Fields, t.Streaming, t.Closed,
		t.StartedAt, t.UpdatedAt, events, t.Tool, t.Usage})
}
