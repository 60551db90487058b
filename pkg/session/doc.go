// Package session ties the reducer pipeline together: one Session per open
// conversation owns the duplex channel, the normalizer, and the turn state,
// and runs the single consume loop that folds every frame. A Manager holds at
// most one live session and rebuilds it from scratch whenever the active
// conversation changes.
package session
