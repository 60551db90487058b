// Package timeline folds normalized events into the conversation state a chat
// UI renders: user turns, streaming agent groups, tool activity and token
// usage.
//
// Ownership model:
//   - Reducer owns all mutable state; callers apply events from a single
//     goroutine (the session consume loop) and read immutable snapshots.
//   - Grouping is by correlation id first, then by speaker: consecutive
//     streams from the same agent merge into one group unless the agent is
//     configured as standalone.
//   - Tool events additionally feed the side-channel tracker that drives the
//     tool activity panel.
package timeline
