package timeline

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// ToolSignature selects tool activity out of a timeline. Names match
// declared tool calls; Markers are substrings matched against streamed text,
// for tools that announce themselves mid-stream before a structured call
// appears. An empty signature matches nothing.
type ToolSignature struct {
	Names   []string
	Markers []string
}

func (s ToolSignature) matchName(name string) bool {
	for _, n := range s.Names {
		if n == name {
			return true
		}
	}
	return false
}

func (s ToolSignature) matchText(text string) (string, bool) {
	for _, m := range s.Markers {
		if m != "" && strings.Contains(text, m) {
			return m, true
		}
	}
	return "", false
}

// ToolStreamEvent is one entry of the correlated side-channel view.
type ToolStreamEvent struct {
	TurnID    string
	Tool      string
	Content   string
	Streaming bool
	Timestamp time.Time
}

// ExtractToolStream recomputes the side-channel view from a turn snapshot:
// every matching tool call and every message whose text carries a marker,
// flattened and ordered by timestamp regardless of which turn holds them.
func ExtractToolStream(turns []Turn, sig ToolSignature) []ToolStreamEvent {
	var out []ToolStreamEvent
	for _, t := range turns {
		if t.Tool != nil && sig.matchName(t.Tool.Name) {
			out = append(out, ToolStreamEvent{
				TurnID:    t.ID,
				Tool:      t.Tool.Name,
				Content:   callContent(t.Tool),
				Streaming: t.Tool.Active,
				Timestamp: t.StartedAt,
			})
		}
		for _, m := range t.Messages {
			if marker, ok := sig.matchText(m.Content); ok {
				out = append(out, ToolStreamEvent{
					TurnID:    t.ID,
					Tool:      marker,
					Content:   m.Content,
					Streaming: m.Streaming,
					Timestamp: m.StartedAt,
				})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// ToolStreamActive reports whether any matching activity is still streaming.
func ToolStreamActive(turns []Turn, sig ToolSignature) bool {
	for _, ev := range ExtractToolStream(turns, sig) {
		if ev.Streaming {
			return true
		}
	}
	return false
}

func callContent(c *ToolCall) string {
	if c.Result != "" {
		return c.Result
	}
	if len(c.Input) == 0 {
		return ""
	}
	b, err := json.Marshal(c.Input)
	if err != nil {
		return ""
	}
	return string(b)
}
