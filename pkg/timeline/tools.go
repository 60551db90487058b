package timeline

import (
	"time"

	"github.com/go-go-golems/marionette/pkg/sem"
)

// ToolCall is the correlated state of one tool invocation.
type ToolCall struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Input      map[string]any `json:"input,omitempty"`
	Result     string         `json:"result,omitempty"`
	CustomKind string         `json:"customKind,omitempty"`
	Active     bool           `json:"active"`
	StartedAt  time.Time      `json:"startedAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// ToolTracker is the side channel behind the tool activity panel. It
// correlates invocation and result events by call id, independent of how the
// feed groups them. Panel dismissal is one-shot: once the user closes the
// panel it stays closed for the lifetime of the session.
type ToolTracker struct {
	calls     map[string]*ToolCall
	settled   map[string]bool
	order     []string
	dismissed bool
}

func NewToolTracker() *ToolTracker {
	return &ToolTracker{calls: map[string]*ToolCall{}, settled: map[string]bool{}}
}

// Observe folds one tool event and returns the updated call.
func (tt *ToolTracker) Observe(ev *sem.Event) *ToolCall {
	if ev == nil || ev.ID == "" {
		return nil
	}
	call, ok := tt.calls[ev.ID]
	if !ok {
		call = &ToolCall{ID: ev.ID, StartedAt: ev.Timestamp, UpdatedAt: ev.Timestamp}
		tt.calls[ev.ID] = call
		tt.order = append(tt.order, ev.ID)
	}
	if !ev.Timestamp.IsZero() {
		if call.StartedAt.IsZero() || ev.Timestamp.Before(call.StartedAt) {
			call.StartedAt = ev.Timestamp
		}
		if ev.Timestamp.After(call.UpdatedAt) {
			call.UpdatedAt = ev.Timestamp
		}
	}
	switch ev.Kind {
	case sem.KindToolInvocation:
		if ev.ToolName != "" {
			call.Name = ev.ToolName
		}
		switch ev.Phase {
		case sem.PhaseStart:
			call.Input = ev.ToolInput
		case sem.PhaseDelta:
			// tool.delta patches merge over the recorded input
			if len(ev.ToolInput) > 0 {
				if call.Input == nil {
					call.Input = map[string]any{}
				}
				for k, v := range ev.ToolInput {
					call.Input[k] = v
				}
			}
		}
		// An invocation replayed after its result keeps the recorded data
		// but must not resurrect the call.
		if !tt.settled[ev.ID] {
			call.Active = true
		}
	case sem.KindToolResult:
		if ev.ToolResult != "" {
			call.Result = ev.ToolResult
		}
		if ev.CustomKind != "" {
			call.CustomKind = ev.CustomKind
		}
		if ev.Phase == sem.PhaseFinal || ev.ToolResult != "" {
			call.Active = false
			tt.settled[ev.ID] = true
		}
	}
	return call
}

// Call returns a copy of the call state for an id.
func (tt *ToolTracker) Call(id string) (ToolCall, bool) {
	call, ok := tt.calls[id]
	if !ok {
		return ToolCall{}, false
	}
	return call.snapshot(), true
}

// Active returns copies of the calls still running, in start order.
func (tt *ToolTracker) Active() []ToolCall {
	var out []ToolCall
	for _, id := range tt.order {
		if call := tt.calls[id]; call != nil && call.Active {
			out = append(out, call.snapshot())
		}
	}
	return out
}

// Calls returns copies of every observed call, in start order.
func (tt *ToolTracker) Calls() []ToolCall {
	out := make([]ToolCall, 0, len(tt.order))
	for _, id := range tt.order {
		if call := tt.calls[id]; call != nil {
			out = append(out, call.snapshot())
		}
	}
	return out
}

// IsActive reports whether any tool call is running.
func (tt *ToolTracker) IsActive() bool {
	for _, call := range tt.calls {
		if call.Active {
			return true
		}
	}
	return false
}

// DismissPanel suppresses the activity panel until the session is recreated.
func (tt *ToolTracker) DismissPanel() { tt.dismissed = true }

// PanelVisible reports whether the UI should show the activity panel.
func (tt *ToolTracker) PanelVisible() bool {
	return !tt.dismissed && tt.IsActive()
}

func (c *ToolCall) snapshot() ToolCall {
	out := *c
	if c.Input != nil {
		out.Input = make(map[string]any, len(c.Input))
		for k, v := range c.Input {
			out.Input[k] = v
		}
	}
	return out
}
