package agora

import "sync"

// Per-agent stream event types, served to the transport layer that feeds
// one agent's real-time view.
const (
	AgentWakeup = "agent.wakeup"
	AgentUnread = "agent.unread"
	AgentStream = "agent.stream"
	AgentDone   = "agent.done"
	AgentError  = "agent.error"
)

// StreamKindToolResult supplements the provider delta kinds on agent.stream
// events: the serialized outcome of one dispatched tool call.
const StreamKindToolResult = "tool_result"

// Wake reasons.
const (
	WakeManual        = "manual"
	WakeGroupMessage  = "group_message"
	WakeDirectMessage = "direct_message"
	WakeContextStream = "context_stream"
)

// AgentEvent is one record on an agent's live feed. Fields beyond Type and
// AgentID are per-type: Reason (wakeup), Batches (unread), StreamKind/Delta/
// ToolCallID/ToolCallName (stream), Message (error).
type AgentEvent struct {
	Type         string              `json:"type"`
	AgentID      string              `json:"agent_id"`
	Reason       string              `json:"reason,omitempty"`
	Batches      map[string][]string `json:"batches,omitempty"` // group id → unread message ids
	StreamKind   string              `json:"stream_kind,omitempty"`
	Delta        string              `json:"delta,omitempty"`
	ToolCallID   string              `json:"tool_call_id,omitempty"`
	ToolCallName string              `json:"tool_call_name,omitempty"`
	Message      string              `json:"message,omitempty"`
	At           int64               `json:"at"`
}

// StreamHub fans agent events out to watchers. Delivery is non-blocking
// best-effort; a transport that needs gapless delivery buffers on its side.
type StreamHub struct {
	mu       sync.Mutex
	watchers map[string]map[int]chan AgentEvent
	nextID   int
}

func NewStreamHub() *StreamHub {
	return &StreamHub{watchers: map[string]map[int]chan AgentEvent{}}
}

// Watch returns a feed of events for one agent and a cancel func. The
// channel is closed on cancel.
func (h *StreamHub) Watch(agentID string) (<-chan AgentEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan AgentEvent, 256)
	id := h.nextID
	h.nextID++
	m, ok := h.watchers[agentID]
	if !ok {
		m = map[int]chan AgentEvent{}
		h.watchers[agentID] = m
	}
	m[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if m, ok := h.watchers[agentID]; ok {
			if sub, ok := m[id]; ok {
				delete(m, id)
				close(sub)
			}
			if len(m) == 0 {
				delete(h.watchers, agentID)
			}
		}
	}
	return ch, cancel
}

// Publish delivers ev to every watcher of ev.AgentID without blocking.
func (h *StreamHub) Publish(ev AgentEvent) {
	if ev.At == 0 {
		ev.At = NowUnixMilli()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.watchers[ev.AgentID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
