package timeline

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/marionette/pkg/sem"
)

// DefaultStandaloneRoles lists agents whose messages always render as their
// own entry: a terminal summary reusing the correlation id of a stream it
// summarizes still gets a fresh turn instead of folding into that group.
var DefaultStandaloneRoles = []string{"summarizer"}

// Reducer folds normalized events into the renderable conversation state.
// Apply is called from one goroutine; snapshots are safe to read from others.
type Reducer struct {
	mu sync.Mutex

	standalone map[string]struct{}

	groups    []*group
	byMessage map[string]*group
	messages  map[string]*message
	planner   map[string]*group
	toolTurns map[string]*group
	seenUsers map[string]struct{}

	tools *ToolTracker
	usage *UsageAccumulator

	applied    uint64
	heartbeats uint64
}

type group struct {
	kind       TurnKind
	id         string
	speaker    string
	standalone bool
	closed     bool
	title      string
	fields     map[string]any
	msgs       []*message
	startedAt  time.Time
	updatedAt  time.Time
	arrival    uint64
}

type message struct {
	id        string
	role      string
	agent     string
	buf       ChunkBuffer
	streaming bool
	startedAt time.Time
	updatedAt time.Time
}

type Option func(*Reducer)

// WithStandaloneRoles replaces the set of always-fresh agents.
func WithStandaloneRoles(roles ...string) Option {
	return func(r *Reducer) {
		r.standalone = map[string]struct{}{}
		for _, role := range roles {
			r.standalone[role] = struct{}{}
		}
	}
}

func NewReducer(opts ...Option) *Reducer {
	r := &Reducer{
		standalone: map[string]struct{}{},
		byMessage:  map[string]*group{},
		messages:   map[string]*message{},
		planner:    map[string]*group{},
		toolTurns:  map[string]*group{},
		seenUsers:  map[string]struct{}{},
		tools:      NewToolTracker(),
		usage:      NewUsageAccumulator(),
	}
	for _, role := range DefaultStandaloneRoles {
		r.standalone[role] = struct{}{}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply folds one event and reports whether visible state changed.
func (r *Reducer) Apply(ev *sem.Event) bool {
	if ev == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.Kind == sem.KindHeartbeat {
		r.heartbeats++
		return false
	}
	if ev.Usage != nil {
		r.usage.Observe(ev.ID, ev.Usage, ev.UsageMode)
	}

	changed := false
	switch ev.Kind {
	case sem.KindUserMessage:
		changed = r.applyUser(ev)

	case sem.KindStreamOpen:
		g, m := r.ensureMessage(ev, "assistant")
		m.streaming = true
		touch(g, m, ev)
		changed = true

	case sem.KindAgentChunk:
		g, m := r.ensureMessage(ev, "assistant")
		m.buf.Fold(ev.Delta, ev.Cumulative)
		touch(g, m, ev)
		changed = true

	case sem.KindAgentFinal:
		g, m := r.ensureMessage(ev, "assistant")
		m.buf.Finalize(ev.Text)
		m.streaming = false
		touch(g, m, ev)
		g.closed = true
		changed = true

	case sem.KindStreamClose:
		g, m := r.ensureMessage(ev, "assistant")
		m.streaming = false
		touch(g, m, ev)
		g.closed = true
		changed = true

	case sem.KindThought:
		g, m := r.ensureMessage(ev, "thinking")
		switch ev.Phase {
		case sem.PhaseStart:
			m.streaming = true
		case sem.PhaseDelta:
			m.buf.Fold(ev.Delta, ev.Cumulative)
		case sem.PhaseFinal:
			m.streaming = false
		}
		touch(g, m, ev)
		changed = true

	case sem.KindToolInvocation, sem.KindToolResult:
		changed = r.applyTool(ev)

	case sem.KindPlannerUpdate:
		changed = r.applyPlanner(ev)
	}

	if changed {
		r.applied++
	}
	return changed
}

func (r *Reducer) applyUser(ev *sem.Event) bool {
	if _, ok := r.seenUsers[ev.ID]; ok {
		// replayed echo of a message already in the timeline
		return false
	}
	r.seenUsers[ev.ID] = struct{}{}
	r.closeOpenGroups()

	m := &message{id: ev.ID, role: ev.Role, startedAt: ev.Timestamp, updatedAt: ev.Timestamp}
	m.buf.Finalize(ev.Text)
	r.groups = append(r.groups, &group{
		kind:      TurnUser,
		id:        ev.ID,
		closed:    true,
		msgs:      []*message{m},
		startedAt: ev.Timestamp,
		updatedAt: ev.Timestamp,
		arrival:   ev.Arrival,
	})
	return true
}

func (r *Reducer) applyTool(ev *sem.Event) bool {
	call := r.tools.Observe(ev)
	if call == nil {
		return false
	}
	g, ok := r.toolTurns[ev.ID]
	if !ok {
		g = &group{
			kind:      TurnTool,
			id:        ev.ID,
			startedAt: ev.Timestamp,
			updatedAt: ev.Timestamp,
			arrival:   ev.Arrival,
		}
		r.toolTurns[ev.ID] = g
		r.groups = append(r.groups, g)
	}
	spread(g, ev)
	// A result arriving after the call finished is recorded without
	// reopening the turn.
	if !call.Active {
		g.closed = true
	}
	return true
}

func (r *Reducer) applyPlanner(ev *sem.Event) bool {
	g, ok := r.planner[ev.ID]
	if !ok {
		g = &group{
			kind:      TurnPlanner,
			id:        ev.ID,
			closed:    true,
			startedAt: ev.Timestamp,
			updatedAt: ev.Timestamp,
			arrival:   ev.Arrival,
		}
		r.planner[ev.ID] = g
		r.groups = append(r.groups, g)
	}
	g.title = ev.Title
	g.fields = ev.Fields
	spread(g, ev)
	return true
}

// ensureMessage finds the message for a correlation id, creating it (and its
// group) on first sight. Every fresh id opens its own group; a correlation id
// owns at most one group for the life of the session. Late events for known
// ids fold into place even when the group has closed; the group is not
// reopened. Standalone speakers never fold into a group another stream
// opened: a summarizer final reusing a live id still renders as its own
// entry.
func (r *Reducer) ensureMessage(ev *sem.Event, fallbackRole string) (*group, *message) {
	role := ev.Role
	if role == "" {
		role = fallbackRole
	}
	speaker := ev.Agent
	if speaker == "" {
		speaker = role
	}
	_, excluded := r.standalone[speaker]

	if m, ok := r.messages[ev.ID]; ok {
		g := r.byMessage[ev.ID]
		if !excluded || g.standalone {
			return g, m
		}
	}

	g := &group{
		kind:       TurnAgent,
		id:         ev.ID,
		speaker:    speaker,
		standalone: excluded,
		startedAt:  ev.Timestamp,
		updatedAt:  ev.Timestamp,
		arrival:    ev.Arrival,
	}
	r.groups = append(r.groups, g)

	m := &message{id: ev.ID, role: role, agent: ev.Agent, streaming: true, startedAt: ev.Timestamp, updatedAt: ev.Timestamp}
	g.msgs = append(g.msgs, m)
	if _, taken := r.messages[ev.ID]; !taken {
		r.messages[ev.ID] = m
		r.byMessage[ev.ID] = g
	}
	return g, m
}

func (r *Reducer) closeOpenGroups() {
	for _, g := range r.groups {
		if g.kind == TurnAgent && !g.closed {
			g.closed = true
		}
	}
}

func touch(g *group, m *message, ev *sem.Event) {
	if ev.Timestamp.IsZero() {
		return
	}
	if ev.Timestamp.Before(m.startedAt) {
		m.startedAt = ev.Timestamp
	}
	if ev.Timestamp.After(m.updatedAt) {
		m.updatedAt = ev.Timestamp
	}
	spread(g, ev)
}

// spread widens a turn's time range. A turn starts at its earliest event,
// which replay may deliver last.
func spread(g *group, ev *sem.Event) {
	if ev.Timestamp.IsZero() {
		return
	}
	if ev.Timestamp.Before(g.startedAt) {
		g.startedAt = ev.Timestamp
	}
	if ev.Timestamp.After(g.updatedAt) {
		g.updatedAt = ev.Timestamp
	}
}

// Snapshot is an immutable view of the whole conversation.
type Snapshot struct {
	Turns            []Turn
	ActiveTools      []ToolCall
	ToolPanelVisible bool
	Usage            sem.Usage
}

func (r *Reducer) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Turns:            r.turnsLocked(),
		ActiveTools:      r.tools.Active(),
		ToolPanelVisible: r.tools.PanelVisible(),
		Usage:            r.usage.Totals(),
	}
}

// Turns returns the timeline ordered by start time; entries that started at
// the same instant keep arrival order.
func (r *Reducer) Turns() []Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turnsLocked()
}

func (r *Reducer) turnsLocked() []Turn {
	ordered := make([]*group, len(r.groups))
	copy(ordered, r.groups)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].startedAt.Equal(ordered[j].startedAt) {
			return ordered[i].startedAt.Before(ordered[j].startedAt)
		}
		return ordered[i].arrival < ordered[j].arrival
	})
	turns := make([]Turn, 0, len(ordered))
	for _, g := range ordered {
		turns = append(turns, g.view(r.tools, r.usage))
	}
	return turns
}

// Usage returns the accumulated token totals.
func (r *Reducer) Usage() sem.Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usage.Totals()
}

// ActiveTools lists tool calls still running.
func (r *Reducer) ActiveTools() []ToolCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tools.Active()
}

// ToolCalls lists every tool call observed this session.
func (r *Reducer) ToolCalls() []ToolCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tools.Calls()
}

// ToolPanelVisible reports whether the tool activity panel should show.
func (r *Reducer) ToolPanelVisible() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tools.PanelVisible()
}

// DismissToolPanel hides the activity panel for the rest of the session.
func (r *Reducer) DismissToolPanel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools.DismissPanel()
}

// Stats are cheap counters for logging and tests.
type Stats struct {
	Applied     uint64
	Heartbeats  uint64
	Turns       int
	OpenStreams int
}

func (r *Reducer) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	open := 0
	for _, m := range r.messages {
		if m.streaming {
			open++
		}
	}
	return Stats{
		Applied:     r.applied,
		Heartbeats:  r.heartbeats,
		Turns:       len(r.groups),
		OpenStreams: open,
	}
}

func (g *group) view(tools *ToolTracker, usage *UsageAccumulator) Turn {
	t := Turn{
		Kind:      g.kind,
		ID:        g.id,
		Speaker:   g.speaker,
		Title:     g.title,
		Closed:    g.closed,
		StartedAt: g.startedAt,
		UpdatedAt: g.updatedAt,
	}
	if len(g.fields) > 0 {
		t.Fields = make(map[string]any, len(g.fields))
		for k, v := range g.fields {
			t.Fields[k] = v
		}
	}
	// Display order is timestamp ascending; insertion order (arrival) breaks
	// ties. Folding happened in arrival order already.
	ordered := make([]*message, len(g.msgs))
	copy(ordered, g.msgs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].startedAt.Before(ordered[j].startedAt)
	})
	for _, m := range ordered {
		mv := Message{
			ID:        m.id,
			Role:      m.role,
			Agent:     m.agent,
			Content:   m.buf.String(),
			Streaming: m.streaming,
			StartedAt: m.startedAt,
			UpdatedAt: m.updatedAt,
		}
		if m.streaming {
			t.Streaming = true
		}
		t.Messages = append(t.Messages, mv)
	}
	if g.kind == TurnTool {
		if call, ok := tools.Call(g.id); ok {
			t.Tool = &call
			t.Streaming = call.Active
		}
	}
	// Usage is attributed to the base message turn; its reasoning stream
	// shares the same inference and would double-display the numbers.
	if g.kind == TurnAgent && !strings.HasSuffix(g.id, sem.ThinkingSuffix) {
		if u, ok := usage.Snapshot(g.id); ok {
			t.Usage = &u
		}
	}
	return t
}
