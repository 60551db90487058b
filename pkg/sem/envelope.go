package sem

import "encoding/json"

// Envelope is the frame shape produced by the chat backend: a marker plus a
// typed event carrying opaque payload and optional inference metadata.
type Envelope struct {
	Sem   bool          `json:"sem"`
	Event EnvelopeEvent `json:"event"`
}

type EnvelopeEvent struct {
	Type     string          `json:"type"`
	ID       string          `json:"id"`
	Seq      uint64          `json:"seq,omitempty"`
	StreamID string          `json:"stream_id,omitempty"`
	Time     int64           `json:"ts,omitempty"` // unix millis, optional
	Data     json.RawMessage `json:"data,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Wrap marshals an event into a complete frame. Used by history replay and
// tests; the live channel receives frames already wrapped by the server.
func Wrap(evt EnvelopeEvent) []byte {
	b, _ := json.Marshal(Envelope{Sem: true, Event: evt})
	return b
}

// InferenceMetadata mirrors the metadata block the backend attaches to
// llm.* events. Field names follow the backend's camelCase JSON.
type InferenceMetadata struct {
	Model      string  `json:"model,omitempty"`
	StopReason *string `json:"stopReason,omitempty"`
	DurationMs *int64  `json:"durationMs,omitempty"`
	Timestamp  int64   `json:"timestamp,omitempty"` // unix millis
	Usage      *Usage  `json:"usage,omitempty"`
}

// Usage carries token counts and latency as reported by the backend. Counts
// are totals for one inference unless the surrounding payload says otherwise.
type Usage struct {
	InputTokens              int   `json:"inputTokens"`
	OutputTokens             int   `json:"outputTokens"`
	CachedTokens             int   `json:"cachedTokens,omitempty"`
	CacheCreationInputTokens int   `json:"cacheCreationInputTokens,omitempty"`
	CacheReadInputTokens     int   `json:"cacheReadInputTokens,omitempty"`
	DurationMs               int64 `json:"durationMs,omitempty"`
}

// Total is input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 &&
		u.CachedTokens == 0 && u.CacheCreationInputTokens == 0 && u.CacheReadInputTokens == 0 &&
		u.DurationMs == 0
}

// UnmarshalJSON accepts both the backend's camelCase names and the
// snake_case / OpenAI-style aliases seen in raw provider payloads.
func (u *Usage) UnmarshalJSON(data []byte) error {
	type plain Usage
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*u = Usage(p)

	var alias struct {
		InputTokens              *int   `json:"input_tokens"`
		OutputTokens             *int   `json:"output_tokens"`
		CachedTokens             *int   `json:"cached_tokens"`
		CacheCreationInputTokens *int   `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     *int   `json:"cache_read_input_tokens"`
		PromptTokens             *int   `json:"prompt_tokens"`
		CompletionTokens         *int   `json:"completion_tokens"`
		DurationMs               *int64 `json:"duration_ms"`
	}
	if err := json.Unmarshal(data, &alias); err != nil {
		return nil
	}
	if alias.InputTokens != nil {
		u.InputTokens = *alias.InputTokens
	} else if alias.PromptTokens != nil {
		u.InputTokens = *alias.PromptTokens
	}
	if alias.OutputTokens != nil {
		u.OutputTokens = *alias.OutputTokens
	} else if alias.CompletionTokens != nil {
		u.OutputTokens = *alias.CompletionTokens
	}
	if alias.CachedTokens != nil {
		u.CachedTokens = *alias.CachedTokens
	}
	if alias.CacheCreationInputTokens != nil {
		u.CacheCreationInputTokens = *alias.CacheCreationInputTokens
	}
	if alias.CacheReadInputTokens != nil {
		u.CacheReadInputTokens = *alias.CacheReadInputTokens
	}
	if alias.DurationMs != nil {
		u.DurationMs = *alias.DurationMs
	}
	return nil
}

// Payload shapes for the builtin wire types. Unknown fields are ignored so
// newer backends can extend payloads without breaking older clients.

type userMessagePayload struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type llmStartPayload struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	Agent string `json:"agent,omitempty"`
}

type llmDeltaPayload struct {
	ID         string             `json:"id"`
	Delta      string             `json:"delta"`
	Cumulative string             `json:"cumulative"`
	Usage      *Usage             `json:"usage,omitempty"`
	Metadata   *InferenceMetadata `json:"metadata,omitempty"`
}

type llmFinalPayload struct {
	ID       string             `json:"id"`
	Text     string             `json:"text"`
	Usage    *Usage             `json:"usage,omitempty"`
	Metadata *InferenceMetadata `json:"metadata,omitempty"`
}

type llmDonePayload struct {
	ID string `json:"id"`
}

type toolStartPayload struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

type toolDeltaPayload struct {
	ID    string         `json:"id"`
	Patch map[string]any `json:"patch,omitempty"`
}

type toolResultPayload struct {
	ID         string `json:"id"`
	Result     string `json:"result"`
	CustomKind string `json:"customKind,omitempty"`
}

type plannerPayload struct {
	ID    string         `json:"id"`
	Title string         `json:"title"`
	Data  map[string]any `json:"data,omitempty"`
}

type heartbeatPayload struct {
	ConvID     string `json:"convId,omitempty"`
	ServerTime int64  `json:"serverTime,omitempty"`
}
