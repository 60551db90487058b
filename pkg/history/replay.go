package history

import (
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/sem"
	"github.com/go-go-golems/marionette/pkg/timeline"
)

// ReplayResult is the rebuilt conversation state.
type ReplayResult struct {
	Turns   []timeline.Turn
	Usage   sem.Usage
	Applied int
	Dropped int
}

// Replay rebuilds the turn model from persisted records. Each record is
// re-framed and pushed through the normalizer, so classification,
// correlation, and grouping run exactly as they do for the live stream;
// only the timestamps differ in origin. Records that fail normalization
// are dropped, never fatal.
func Replay(records []sem.EnvelopeEvent, opts ...timeline.Option) ReplayResult {
	red := timeline.NewReducer(opts...)
	applied, dropped := ReplayInto(sem.NewNormalizer(), red, records)
	return ReplayResult{
		Turns:   red.Turns(),
		Usage:   red.Usage(),
		Applied: applied,
		Dropped: dropped,
	}
}

// ReplayInto folds persisted records into an existing reducer through the
// given normalizer. Session hydration passes the session's own normalizer so
// live frames arriving afterwards share its arrival counter.
func ReplayInto(n *sem.Normalizer, red *timeline.Reducer, records []sem.EnvelopeEvent) (applied, dropped int) {
	for _, rec := range records {
		ev, err := n.Normalize(sem.Wrap(rec))
		if err != nil {
			log.Debug().Str("component", "history").Err(err).Str("type", rec.Type).Msg("skipping unparseable record")
			dropped++
			continue
		}
		if ev == nil {
			continue
		}
		ev.FromPersisted = true
		red.Apply(ev)
		applied++
	}
	return applied, dropped
}
