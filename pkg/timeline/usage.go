package timeline

import (
	"strings"

	"github.com/go-go-golems/marionette/pkg/sem"
)

// UsageAccumulator folds token usage reports into per-stream snapshots and
// session totals. Cumulative reports replace the per-stream value (fieldwise
// max, so a stale report never shrinks it); incremental reports are summed.
// Totals never decrease.
type UsageAccumulator struct {
	perStream  map[string]sem.Usage // cumulative reports, fieldwise max
	increments map[string]sem.Usage // incremental reports, summed per stream
	summed     sem.Usage
}

func NewUsageAccumulator() *UsageAccumulator {
	return &UsageAccumulator{
		perStream:  map[string]sem.Usage{},
		increments: map[string]sem.Usage{},
	}
}

// Observe folds one report. The correlation id keys per-stream reports; the
// thinking suffix is stripped so a message and its reasoning stream count as
// one inference.
func (ua *UsageAccumulator) Observe(correlationID string, u *sem.Usage, mode sem.UsageMode) {
	if u == nil || u.IsZero() {
		return
	}
	key := streamKey(correlationID)
	if mode == sem.UsageIncremental {
		ua.summed = addUsage(ua.summed, *u)
		ua.increments[key] = addUsage(ua.increments[key], *u)
		return
	}
	ua.perStream[key] = maxUsage(ua.perStream[key], *u)
}

// Snapshot returns the usage attributed to one stream, and whether anything
// was reported for it.
func (ua *UsageAccumulator) Snapshot(correlationID string) (sem.Usage, bool) {
	key := streamKey(correlationID)
	u := addUsage(ua.perStream[key], ua.increments[key])
	if u.IsZero() {
		return sem.Usage{}, false
	}
	return u, true
}

// Totals returns the session-wide usage.
func (ua *UsageAccumulator) Totals() sem.Usage {
	total := ua.summed
	for _, u := range ua.perStream {
		total = addUsage(total, u)
	}
	return total
}

func streamKey(correlationID string) string {
	return strings.TrimSuffix(correlationID, sem.ThinkingSuffix)
}

func addUsage(a, b sem.Usage) sem.Usage {
	return sem.Usage{
		InputTokens:              a.InputTokens + b.InputTokens,
		OutputTokens:             a.OutputTokens + b.OutputTokens,
		CachedTokens:             a.CachedTokens + b.CachedTokens,
		CacheCreationInputTokens: a.CacheCreationInputTokens + b.CacheCreationInputTokens,
		CacheReadInputTokens:     a.CacheReadInputTokens + b.CacheReadInputTokens,
		DurationMs:               a.DurationMs + b.DurationMs,
	}
}

func maxUsage(a, b sem.Usage) sem.Usage {
	return sem.Usage{
		InputTokens:              maxInt(a.InputTokens, b.InputTokens),
		OutputTokens:             maxInt(a.OutputTokens, b.OutputTokens),
		CachedTokens:             maxInt(a.CachedTokens, b.CachedTokens),
		CacheCreationInputTokens: maxInt(a.CacheCreationInputTokens, b.CacheCreationInputTokens),
		CacheReadInputTokens:     maxInt(a.CacheReadInputTokens, b.CacheReadInputTokens),
		DurationMs:               maxInt64(a.DurationMs, b.DurationMs),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
