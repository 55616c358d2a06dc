package agora

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type loopEnv struct {
	store *memStore
	bus   *Bus
	hub   *StreamHub
	defs  WorkspaceDefaults
	agent Agent
	group Group
}

func newLoopEnv(t *testing.T) *loopEnv {
	t.Helper()
	store := newMemStore()
	defs := mustDefaults(t, store, "ws1")
	agent, err := store.GetAgent(context.Background(), defs.AssistantAgentID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	group, err := store.GetGroup(context.Background(), defs.DefaultGroupID)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	return &loopEnv{store: store, bus: NewBus(64), hub: NewStreamHub(), defs: defs, agent: agent, group: group}
}

func (e *loopEnv) loop(provider Provider, maxRounds int) *toolLoop {
	return &toolLoop{
		provider:  provider,
		dispatch:  NewDispatcher(DispatcherConfig{Store: e.store, Bus: e.bus}),
		hub:       e.hub,
		bus:       e.bus,
		store:     e.store,
		maxRounds: maxRounds,
		logger:    nopLogger,
	}
}

func TestToolLoopPlainResponse(t *testing.T) {
	env := newLoopEnv(t)
	provider := &mockProvider{responses: []ChatResponse{
		{Content: "just text", Reasoning: "quick thought", FinishReason: "stop"},
	}}
	l := env.loop(provider, 3)

	history := []HistoryEntry{SystemEntry("seed"), UserEntry("hello")}
	res, err := l.run(context.Background(), env.agent, env.group, history, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.content != "just text" || res.reasoning != "quick thought" {
		t.Errorf("got content %q reasoning %q", res.content, res.reasoning)
	}
	if res.didSend {
		t.Error("plain response should not count as a send")
	}
	// The final assistant text is the caller's to append.
	if len(res.history) != 2 {
		t.Errorf("history grew to %d entries, want 2", len(res.history))
	}
	if provider.calls() != 1 {
		t.Errorf("got %d model calls, want 1", provider.calls())
	}
}

func TestToolLoopDispatchesToolCalls(t *testing.T) {
	env := newLoopEnv(t)
	provider := &mockProvider{responses: []ChatResponse{
		toolCallResponse("c1", ToolSelf, "{}"),
		{Content: "done", FinishReason: "stop"},
	}}
	l := env.loop(provider, 3)
	feed, cancel := env.hub.Watch(env.agent.ID)
	defer cancel()

	res, err := l.run(context.Background(), env.agent, env.group, []HistoryEntry{SystemEntry("seed")}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.content != "done" {
		t.Errorf("content = %q", res.content)
	}
	if provider.calls() != 2 {
		t.Fatalf("got %d model calls, want 2", provider.calls())
	}

	// History gained the assistant tool-call entry plus the tool result.
	if len(res.history) != 3 {
		t.Fatalf("history has %d entries, want 3", len(res.history))
	}
	asst := res.history[1]
	if asst.Kind != EntryAssistant || len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "c1" {
		t.Errorf("assistant entry = %+v", asst)
	}
	toolEntry := res.history[2]
	if toolEntry.Kind != EntryTool || toolEntry.ToolCallID != "c1" || toolEntry.ToolName != ToolSelf {
		t.Errorf("tool entry = %+v", toolEntry)
	}
	if !strings.Contains(toolEntry.Content, `"ok":true`) {
		t.Errorf("tool entry content = %q", toolEntry.Content)
	}

	// The second model call saw the tool result.
	second := provider.request(1)
	if len(second.Messages) != 3 {
		t.Errorf("second request carried %d messages, want 3", len(second.Messages))
	}
	if len(second.Tools) == 0 {
		t.Error("tool definitions missing from request")
	}

	// The live feed carried the tool result.
	var sawToolResult bool
	for len(feed) > 0 {
		ev := <-feed
		if ev.Type == AgentStream && ev.StreamKind == StreamKindToolResult && ev.ToolCallID == "c1" {
			sawToolResult = true
		}
	}
	if !sawToolResult {
		t.Error("tool result never reached the agent feed")
	}
}

func TestToolLoopMarksSends(t *testing.T) {
	env := newLoopEnv(t)
	provider := &mockProvider{responses: []ChatResponse{
		toolCallResponse("c1", ToolSendGroupMessage,
			`{"groupId":"`+env.group.ID+`","content":"progress"}`),
		{Content: "sent it", FinishReason: "stop"},
	}}
	l := env.loop(provider, 3)

	res, err := l.run(context.Background(), env.agent, env.group, []HistoryEntry{SystemEntry("seed")}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.didSend {
		t.Error("send_group_message should set didSend")
	}
	msgs := env.store.groupMessages(env.group.ID)
	if len(msgs) != 1 || msgs[0].Content != "progress" {
		t.Errorf("messages = %v", msgs)
	}
}

func TestToolLoopRoundsCap(t *testing.T) {
	env := newLoopEnv(t)
	// The model keeps asking for tools; the loop must stop at maxRounds.
	provider := &mockProvider{responses: []ChatResponse{
		toolCallResponse("c1", ToolSelf, "{}"),
		toolCallResponse("c2", ToolSelf, "{}"),
		toolCallResponse("c3", ToolSelf, "{}"),
		toolCallResponse("c4", ToolSelf, "{}"),
	}}
	l := env.loop(provider, 2)

	res, err := l.run(context.Background(), env.agent, env.group, nil, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if provider.calls() != 2 {
		t.Errorf("got %d model calls, want 2", provider.calls())
	}
	// Two rounds, each appending assistant + tool entries.
	if len(res.history) != 4 {
		t.Errorf("history has %d entries, want 4", len(res.history))
	}
}

func TestToolLoopRecordsContextTokens(t *testing.T) {
	env := newLoopEnv(t)
	provider := &mockProvider{responses: []ChatResponse{
		{Content: "ok", FinishReason: "stop", Usage: Usage{TotalTokens: 777}},
	}}
	l := env.loop(provider, 3)

	if _, err := l.run(context.Background(), env.agent, env.group, nil, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	g, err := env.store.GetGroup(context.Background(), env.group.ID)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if g.ContextTokens != 777 {
		t.Errorf("context tokens = %d, want 777", g.ContextTokens)
	}
}

func TestToolLoopInterruptedBetweenRounds(t *testing.T) {
	env := newLoopEnv(t)
	provider := &mockProvider{responses: []ChatResponse{
		toolCallResponse("c1", ToolSelf, "{}"),
		{Content: "never reached", FinishReason: "stop"},
	}}
	l := env.loop(provider, 3)

	res, err := l.run(context.Background(), env.agent, env.group, nil, func() bool { return true })
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// Round one (tools included) completes; round two is skipped.
	if provider.calls() != 1 {
		t.Errorf("got %d model calls, want 1", provider.calls())
	}
	if len(res.history) != 2 {
		t.Errorf("history has %d entries, want the round-one entries", len(res.history))
	}
}

func TestToolLoopEmitsLLMEvents(t *testing.T) {
	env := newLoopEnv(t)
	provider := &mockProvider{responses: []ChatResponse{
		{Content: "ok", FinishReason: "stop", Usage: Usage{TotalTokens: 5}},
	}}
	l := env.loop(provider, 3)
	sub, cancel := env.bus.Subscribe("ws1", 0)
	defer cancel()

	if _, err := l.run(context.Background(), env.agent, env.group, nil, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	start := waitForEvent(t, sub, EventLLMStart)
	if !strings.Contains(string(start.Payload), `"round":1`) {
		t.Errorf("start payload = %s", start.Payload)
	}
	done := waitForEvent(t, sub, EventLLMDone)
	if !strings.Contains(string(done.Payload), `"total_tokens":5`) {
		t.Errorf("done payload = %s", done.Payload)
	}
}

func TestToolLoopClassifiesProviderErrors(t *testing.T) {
	env := newLoopEnv(t)
	provider := &mockProvider{err: &ErrHTTP{Status: 402, Body: "payment required"}}
	l := env.loop(provider, 3)

	_, err := l.run(context.Background(), env.agent, env.group, nil, nil)
	var le *ErrLLM
	if !errors.As(err, &le) {
		t.Fatalf("got %v, want *ErrLLM", err)
	}
	if !le.Arrears {
		t.Error("402 should flag arrears")
	}
	if le.Provider != "mock" {
		t.Errorf("provider = %q", le.Provider)
	}
}

func TestToolLoopKeepsCancellationRecognizable(t *testing.T) {
	env := newLoopEnv(t)
	provider := &mockProvider{err: context.Canceled}
	l := env.loop(provider, 3)

	_, err := l.run(context.Background(), env.agent, env.group, nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled to pass through", err)
	}
}

func TestTruncateStr(t *testing.T) {
	if got := truncateStr("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	got := truncateStr("0123456789abcdef", 10)
	if got != "0123456789\n... (truncated)" {
		t.Errorf("got %q", got)
	}
}
