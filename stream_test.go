package agora

import "testing"

func TestStreamHubWatchPublish(t *testing.T) {
	hub := NewStreamHub()
	ch, cancel := hub.Watch("a1")
	defer cancel()

	hub.Publish(AgentEvent{Type: AgentWakeup, AgentID: "a1", Reason: WakeManual})
	ev := <-ch
	if ev.Type != AgentWakeup || ev.Reason != WakeManual {
		t.Errorf("got %+v, want wakeup/manual", ev)
	}
	if ev.At == 0 {
		t.Error("Publish should stamp At when unset")
	}

	// Events for other agents never arrive.
	hub.Publish(AgentEvent{Type: AgentDone, AgentID: "someone-else"})
	select {
	case ev := <-ch:
		t.Errorf("received foreign event %+v", ev)
	default:
	}
}

func TestStreamHubPreservesExplicitTimestamp(t *testing.T) {
	hub := NewStreamHub()
	ch, cancel := hub.Watch("a1")
	defer cancel()

	hub.Publish(AgentEvent{Type: AgentDone, AgentID: "a1", At: 42})
	if ev := <-ch; ev.At != 42 {
		t.Errorf("got At=%d, want 42", ev.At)
	}
}

func TestStreamHubNonBlocking(t *testing.T) {
	hub := NewStreamHub()
	ch, cancel := hub.Watch("a1")
	defer cancel()

	// Overfill the buffer; publishes past capacity must drop, not block.
	for i := 0; i < 300; i++ {
		hub.Publish(AgentEvent{Type: AgentStream, AgentID: "a1", Delta: "x"})
	}
	if got := len(ch); got != 256 {
		t.Errorf("got %d buffered events, want the 256-cap buffer full", got)
	}
}

func TestStreamHubCancelClosesFeed(t *testing.T) {
	hub := NewStreamHub()
	ch, cancel := hub.Watch("a1")
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
	// Cancel twice is safe, and publishing after cancel is a no-op.
	cancel()
	hub.Publish(AgentEvent{Type: AgentDone, AgentID: "a1"})
}

func TestStreamHubMultipleWatchers(t *testing.T) {
	hub := NewStreamHub()
	ch1, cancel1 := hub.Watch("a1")
	ch2, cancel2 := hub.Watch("a1")
	defer cancel1()
	defer cancel2()

	hub.Publish(AgentEvent{Type: AgentDone, AgentID: "a1"})
	if ev := <-ch1; ev.Type != AgentDone {
		t.Errorf("watcher 1 got %+v", ev)
	}
	if ev := <-ch2; ev.Type != AgentDone {
		t.Errorf("watcher 2 got %+v", ev)
	}
}
