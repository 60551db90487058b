package sessionlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/marionette/pkg/sem"
)

// MemoryStore is a size-bounded in-memory Store. It mirrors the ordering
// semantics of the SQLite store so swapping them changes durability only.
type MemoryStore struct {
	mu               sync.Mutex
	maxEventsPerConv int
	convs            map[string]map[uint64]*sem.Event
	records          map[string]ConversationRecord
}

var _ Store = &MemoryStore{}

func NewMemoryStore(maxEventsPerConv int) *MemoryStore {
	if maxEventsPerConv <= 0 {
		maxEventsPerConv = 5000
	}
	return &MemoryStore{
		maxEventsPerConv: maxEventsPerConv,
		convs:            map[string]map[uint64]*sem.Event{},
		records:          map[string]ConversationRecord{},
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Append(_ context.Context, convID string, ev *sem.Event) error {
	if convID == "" {
		return errors.New("memory session log: convID is empty")
	}
	if ev == nil {
		return errors.New("memory session log: event is nil")
	}
	if ev.Kind == sem.KindHeartbeat {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.convs[convID]
	if conv == nil {
		conv = map[uint64]*sem.Event{}
		s.convs[convID] = conv
	}
	cp := *ev
	conv[ev.Arrival] = &cp

	now := time.Now().UnixMilli()
	s.records[convID] = mergeRecord(s.records[convID], ConversationRecord{
		ConvID:         convID,
		LastActivityMs: now,
		LastSeq:        ev.Arrival,
	}, now)

	// Evict the oldest arrivals when over the cap.
	if len(conv) > s.maxEventsPerConv {
		arrivals := make([]uint64, 0, len(conv))
		for a := range conv {
			arrivals = append(arrivals, a)
		}
		sort.Slice(arrivals, func(i, j int) bool { return arrivals[i] < arrivals[j] })
		for _, a := range arrivals[:len(conv)-s.maxEventsPerConv] {
			delete(conv, a)
		}
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, convID string, limit int) ([]*sem.Event, error) {
	if convID == "" {
		return nil, errors.New("memory session log: convID is empty")
	}
	if limit <= 0 {
		limit = 5000
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.convs[convID]
	if len(conv) == 0 {
		return nil, nil
	}
	out := make([]*sem.Event, 0, len(conv))
	for _, ev := range conv {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Arrival < out[j].Arrival })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpsertConversation(_ context.Context, record ConversationRecord) error {
	now := time.Now().UnixMilli()
	record = normalizeRecord(record, now)
	if record.ConvID == "" {
		return errors.New("memory session log: convID is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ConvID] = mergeRecord(s.records[record.ConvID], record, now)
	return nil
}

func (s *MemoryStore) Conversations(_ context.Context, limit int, sinceMs int64) ([]ConversationRecord, error) {
	if limit <= 0 {
		limit = 200
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]ConversationRecord, 0, len(s.records))
	for _, record := range s.records {
		if sinceMs > 0 && record.LastActivityMs < sinceMs {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].LastActivityMs == records[j].LastActivityMs {
			return records[i].ConvID < records[j].ConvID
		}
		return records[i].LastActivityMs > records[j].LastActivityMs
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}
