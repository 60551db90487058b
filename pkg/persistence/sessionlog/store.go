// Package sessionlog archives normalized events per conversation so a
// session can be rebuilt without the backend (offline re-open, replay
// debugging). Heartbeats are never archived.
package sessionlog

import (
	"context"
	"strings"

	"github.com/go-go-golems/marionette/pkg/sem"
)

// ConversationRecord is the per-conversation index row.
type ConversationRecord struct {
	ConvID         string `json:"conv_id"`
	SessionID      string `json:"session_id"`
	CreatedAtMs    int64  `json:"created_at_ms"`
	LastActivityMs int64  `json:"last_activity_ms"`
	LastSeq        uint64 `json:"last_seq"`
	Status         string `json:"status"`
}

// Store is the event archive. Append keys events by (convID, arrival), so
// re-appending a replayed event overwrites instead of duplicating.
type Store interface {
	Append(ctx context.Context, convID string, ev *sem.Event) error
	// List returns events for a conversation ordered by arrival, oldest
	// first, up to limit.
	List(ctx context.Context, convID string, limit int) ([]*sem.Event, error)
	UpsertConversation(ctx context.Context, record ConversationRecord) error
	// Conversations lists index rows by most recent activity.
	Conversations(ctx context.Context, limit int, sinceMs int64) ([]ConversationRecord, error)
	Close() error
}

func normalizeRecord(record ConversationRecord, now int64) ConversationRecord {
	record.ConvID = strings.TrimSpace(record.ConvID)
	record.SessionID = strings.TrimSpace(record.SessionID)
	record.Status = strings.TrimSpace(record.Status)
	if record.CreatedAtMs <= 0 {
		record.CreatedAtMs = now
	}
	if record.LastActivityMs <= 0 {
		record.LastActivityMs = record.CreatedAtMs
	}
	if record.Status == "" {
		record.Status = "active"
	}
	return record
}

func mergeRecord(existing, incoming ConversationRecord, now int64) ConversationRecord {
	incoming = normalizeRecord(incoming, now)
	if existing.ConvID == "" {
		return incoming
	}
	if existing.CreatedAtMs > 0 {
		incoming.CreatedAtMs = existing.CreatedAtMs
	}
	if incoming.LastActivityMs < existing.LastActivityMs {
		incoming.LastActivityMs = existing.LastActivityMs
	}
	if incoming.LastSeq < existing.LastSeq {
		incoming.LastSeq = existing.LastSeq
	}
	if incoming.SessionID == "" {
		incoming.SessionID = existing.SessionID
	}
	if incoming.Status == "" {
		incoming.Status = existing.Status
	}
	return incoming
}
