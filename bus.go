package agora

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// UI event types fanned out on the bus.
const (
	EventAgentCreated     = "ui.agent.created"
	EventGroupCreated     = "ui.group.created"
	EventMessageCreated   = "ui.message.created"
	EventLLMStart         = "ui.agent.llm.start"
	EventLLMDone          = "ui.agent.llm.done"
	EventHistoryPersisted = "ui.agent.history.persisted"
	EventToolCallStart    = "ui.agent.tool_call.start"
	EventToolCallDone     = "ui.agent.tool_call.done"
	EventInterruptAll     = "ui.agent.interrupt_all"
	EventTerminateAll     = "ui.agent.terminate_all"
	EventDeleteAll        = "ui.agent.delete_all"
	EventAutoRunChanged   = "ui.agent.autorun.changed"
	EventAgentDeleted     = "ui.agent.deleted"
	EventTaskStarted      = "ui.task.started"
	EventTaskProgress     = "ui.task.progress"
	EventTaskStopping     = "ui.task.stopping"
	EventTaskStopped      = "ui.task.stopped"
	EventTaskSummary      = "ui.task.summary.created"
	EventTaskReview       = "ui.task.review.created"
	EventDBWrite          = "ui.db.write"
)

// Event is one observability record on a workspace's feed. IDs are assigned
// per workspace, start at 1, and increase without gaps.
type Event struct {
	ID          int64           `json:"id"`
	WorkspaceID string          `json:"workspace_id"`
	Type        string          `json:"type"`
	At          int64           `json:"at"` // unix millis
	Payload     json.RawMessage `json:"payload,omitempty"`
}

const defaultBusCapacity = 2048

// Bus is an in-process pub/sub of UI events with one bounded ring per
// workspace. Emission never blocks: live subscribers that fall behind drop
// events and recover them by replaying from their last seen id.
type Bus struct {
	capacity int
	logger   *slog.Logger

	mu     sync.Mutex
	spaces map[string]*busSpace
}

type busSpace struct {
	mu      sync.Mutex
	nextID  int64
	ring    []Event // circular, oldest at head
	head    int
	size    int
	subs    map[int]chan Event
	nextSub int
}

// NewBus creates a bus whose per-workspace ring holds capacity events;
// capacity <= 0 selects the default (2048).
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = defaultBusCapacity
	}
	return &Bus{capacity: capacity, logger: nopLogger, spaces: map[string]*busSpace{}}
}

// SetLogger replaces the bus logger. Nil restores the no-op logger.
func (b *Bus) SetLogger(l *slog.Logger) {
	if l == nil {
		l = nopLogger
	}
	b.logger = l
}

func (b *Bus) space(workspaceID string) *busSpace {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.spaces[workspaceID]
	if !ok {
		s = &busSpace{
			nextID: 1,
			ring:   make([]Event, b.capacity),
			subs:   map[int]chan Event{},
		}
		b.spaces[workspaceID] = s
	}
	return s
}

// Emit publishes one event. The payload is marshaled immediately; a payload
// that cannot marshal drops the event with a warning rather than blocking
// or failing the caller.
func (b *Bus) Emit(workspaceID, typ string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			b.logger.Warn("bus: drop event with unmarshalable payload", "type", typ, "err", err)
			return
		}
		raw = data
	}

	s := b.space(workspaceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := Event{
		ID:          s.nextID,
		WorkspaceID: workspaceID,
		Type:        typ,
		At:          NowUnixMilli(),
		Payload:     raw,
	}
	s.nextID++

	if s.size == len(s.ring) {
		s.ring[s.head] = ev
		s.head = (s.head + 1) % len(s.ring)
	} else {
		s.ring[(s.head+s.size)%len(s.ring)] = ev
		s.size++
	}

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default: // slow subscriber; it replays later
		}
	}
}

// Subscribe returns a channel of events for one workspace, starting with a
// replay of every buffered event with id > afterID in order, then live
// events. The cancel func must be called to release the subscription.
//
// The channel's buffer covers a full ring replay, so the replayed prefix
// never blocks or drops.
func (b *Bus) Subscribe(workspaceID string, afterID int64) (<-chan Event, func()) {
	s := b.space(workspaceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, len(s.ring)+64)
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	for i := 0; i < s.size; i++ {
		ev := s.ring[(s.head+i)%len(s.ring)]
		if ev.ID > afterID {
			ch <- ev
		}
	}

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Replay returns the buffered events with id > afterID, oldest first,
// without subscribing.
func (b *Bus) Replay(workspaceID string, afterID int64) []Event {
	s := b.space(workspaceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for i := 0; i < s.size; i++ {
		ev := s.ring[(s.head+i)%len(s.ring)]
		if ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out
}
