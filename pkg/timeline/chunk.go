package timeline

import "strings"

// ChunkBuffer folds streamed text in arrival order. Frames may carry a
// cumulative body, a bare delta, or both; a cumulative body wins when it is
// at least as long as the folded content — a stale shorter one never
// truncates what earlier chunks built up. Folding assumes at-most-once
// delivery: a replayed bare delta is appended again.
type ChunkBuffer struct {
	sb     strings.Builder
	deltas int
	final  bool
}

// Fold applies one chunk. After Finalize the content is settled and further
// chunks are ignored.
func (b *ChunkBuffer) Fold(delta, cumulative string) {
	if b.final {
		return
	}
	if cumulative != "" && len(cumulative) >= b.sb.Len() {
		b.deltas++
		b.sb.Reset()
		b.sb.WriteString(cumulative)
		return
	}
	if delta != "" {
		b.deltas++
		b.sb.WriteString(delta)
	}
}

// Finalize settles the buffer. An empty final text keeps the folded content;
// backends that already streamed the full body send llm.final with no text.
func (b *ChunkBuffer) Finalize(text string) {
	if text != "" {
		b.sb.Reset()
		b.sb.WriteString(text)
	}
	b.final = true
}

func (b *ChunkBuffer) String() string  { return b.sb.String() }
func (b *ChunkBuffer) Len() int        { return b.sb.Len() }
func (b *ChunkBuffer) Deltas() int     { return b.deltas }
func (b *ChunkBuffer) Finalized() bool { return b.final }
