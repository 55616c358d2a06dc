package agora

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"
)

type runtimeEnv struct {
	store *memStore
	rt    *Runtime
	defs  WorkspaceDefaults
	ws    string
}

func newRuntimeEnv(t *testing.T, provider Provider) *runtimeEnv {
	t.Helper()
	if provider == nil {
		provider = &mockProvider{}
	}
	store := newMemStore()
	ws := "ws-rt"
	defs := mustDefaults(t, store, ws)
	rt := NewRuntime(RuntimeConfig{
		Store:    store,
		Resolver: fixedResolver(provider),
		TaskTick: time.Hour,
	})
	t.Cleanup(rt.Close)
	return &runtimeEnv{store: store, rt: rt, defs: defs, ws: ws}
}

func (e *runtimeEnv) worker(t *testing.T, name string, autoRun bool) Agent {
	t.Helper()
	return mustCreateAgent(t, e.store, Agent{WorkspaceID: e.ws, Role: name, Kind: KindWorker, AutoRun: autoRun})
}

func (e *runtimeEnv) group(t *testing.T, name, kind string, memberIDs ...string) Group {
	t.Helper()
	g, err := e.store.CreateGroup(context.Background(), CreateGroupParams{
		WorkspaceID: e.ws,
		MemberIDs:   memberIDs,
		Name:        name,
		Kind:        kind,
	})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	return g
}

func TestNewRuntimeDefaults(t *testing.T) {
	store := newMemStore()
	rt := NewRuntime(RuntimeConfig{Store: store, Resolver: fixedResolver(&mockProvider{})})
	t.Cleanup(rt.Close)

	if rt.Bus() == nil || rt.Hub() == nil || rt.Dispatcher() == nil {
		t.Fatal("nil Bus/Hub/Dispatcher on a default runtime")
	}
	if rt.Store() != store {
		t.Error("Store() does not round-trip the configured store")
	}
}

func TestRuntimeBootstrap(t *testing.T) {
	env := newRuntimeEnv(t, nil)
	ctx := context.Background()

	defs2 := mustDefaults(t, env.store, "ws-rt2")

	// A running row left over from the previous boot.
	row, err := env.store.CreateTaskRun(ctx, TaskRun{
		WorkspaceID:  env.ws,
		RootGroupID:  env.defs.DefaultGroupID,
		OwnerAgentID: env.defs.AssistantAgentID,
		Goal:         "resume me",
		Status:       TaskRunning,
	})
	if err != nil {
		t.Fatalf("CreateTaskRun: %v", err)
	}

	feed, cancel := env.rt.Hub().Watch(env.defs.AssistantAgentID)
	defer cancel()

	if err := env.rt.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	ev := waitForAgentEvent(t, feed, AgentWakeup)
	if ev.Reason != WakeManual {
		t.Errorf("wake reason = %s, want %s", ev.Reason, WakeManual)
	}

	// Every live auto-run agent got a runner; humans never do.
	for _, id := range []string{env.defs.AssistantAgentID, defs2.AssistantAgentID} {
		if env.rt.runner(id) == nil {
			t.Errorf("no runner for assistant %s", id)
		}
	}
	if env.rt.runner(env.defs.HumanAgentID) != nil {
		t.Error("runner constructed for the human agent")
	}

	// The persisted run is supervised again.
	active, ok := env.rt.GetActiveTaskRun(ctx, env.ws)
	if !ok || active.ID != row.ID {
		t.Fatalf("active run = %v/%v, want %s", active.ID, ok, row.ID)
	}

	// Bootstrap is one-shot: a second call neither fails nor rebuilds.
	before := env.rt.runner(env.defs.AssistantAgentID)
	if err := env.rt.Bootstrap(ctx); err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}
	if env.rt.runner(env.defs.AssistantAgentID) != before {
		t.Error("second Bootstrap rebuilt runners")
	}
}

func TestRuntimeEnsureRunnerReuse(t *testing.T) {
	env := newRuntimeEnv(t, nil)

	a := env.rt.EnsureRunner("agent-1")
	if b := env.rt.EnsureRunner("agent-1"); b != a {
		t.Error("EnsureRunner built a second runner for the same agent")
	}
	if env.rt.EnsureRunner("agent-2") == a {
		t.Error("distinct agents share a runner")
	}
}

func TestRuntimeWakeAgentSkips(t *testing.T) {
	env := newRuntimeEnv(t, nil)
	ctx := context.Background()

	gone := env.worker(t, "gone", true)
	if _, err := env.store.BulkSoftDeleteAgents(ctx, BulkAgentScope{WorkspaceID: env.ws, Kinds: []AgentKind{KindWorker}}); err != nil {
		t.Fatalf("BulkSoftDeleteAgents: %v", err)
	}
	paused := env.worker(t, "paused", false)

	for _, tc := range []struct {
		name string
		id   string
	}{
		{"human", env.defs.HumanAgentID},
		{"paused", paused.ID},
		{"deleted", gone.ID},
		{"missing", "agent-missing"},
	} {
		if err := env.rt.WakeAgent(ctx, tc.id, WakeManual); err != nil {
			t.Errorf("WakeAgent(%s) = %v, want nil", tc.name, err)
		}
		if env.rt.runner(tc.id) != nil {
			t.Errorf("WakeAgent(%s) constructed a runner", tc.name)
		}
	}

	if err := env.rt.WakeAgent(ctx, env.defs.AssistantAgentID, WakeManual); err != nil {
		t.Fatalf("WakeAgent(assistant): %v", err)
	}
	if env.rt.runner(env.defs.AssistantAgentID) == nil {
		t.Error("no runner for the eligible assistant")
	}
}

func TestRuntimeWakeAgentsForGroup(t *testing.T) {
	env := newRuntimeEnv(t, nil)
	ctx := context.Background()

	w1 := env.worker(t, "alpha", true)
	w2 := env.worker(t, "beta", true)
	pair := env.group(t, "pair", "", w1.ID, w2.ID)

	feed, cancel := env.rt.Hub().Watch(w1.ID)
	defer cancel()

	if _, err := env.rt.PostMessage(ctx, SendMessageParams{
		WorkspaceID: env.ws, GroupID: pair.ID, SenderID: w2.ID, Content: "ping",
	}); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}

	ev := waitForAgentEvent(t, feed, AgentWakeup)
	if ev.Reason != WakeDirectMessage {
		t.Errorf("pair wake reason = %s, want %s", ev.Reason, WakeDirectMessage)
	}
	if env.rt.runner(w2.ID) != nil {
		t.Error("sender was woken by its own message")
	}

	// Three members make it a group wake.
	trio := env.group(t, "trio", "", w1.ID, w2.ID, env.defs.HumanAgentID)
	feed2, cancel2 := env.rt.Hub().Watch(w2.ID)
	defer cancel2()
	if _, err := env.rt.PostMessage(ctx, SendMessageParams{
		WorkspaceID: env.ws, GroupID: trio.ID, SenderID: env.defs.HumanAgentID, Content: "all hands",
	}); err != nil {
		t.Fatalf("PostMessage(trio): %v", err)
	}
	ev2 := waitForAgentEvent(t, feed2, AgentWakeup)
	if ev2.Reason != WakeGroupMessage {
		t.Errorf("trio wake reason = %s, want %s", ev2.Reason, WakeGroupMessage)
	}
}

func TestRuntimeGameGroupsSkipFanOut(t *testing.T) {
	env := newRuntimeEnv(t, nil)
	ctx := context.Background()

	w1 := env.worker(t, "wolf", true)
	w2 := env.worker(t, "seer", true)
	game := env.group(t, "night", "game_werewolf", w1.ID, w2.ID)

	if _, err := env.rt.PostMessage(ctx, SendMessageParams{
		WorkspaceID: env.ws, GroupID: game.ID, SenderID: w1.ID, Content: "howl",
	}); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if env.rt.runner(w2.ID) != nil {
		t.Error("game-group message woke a recipient")
	}
}

func TestRuntimeInterruptAllDelivers(t *testing.T) {
	provider := newBlockingProvider()
	env := newRuntimeEnv(t, provider)
	ctx := context.Background()

	worker := env.worker(t, "digger", true)
	pair := env.group(t, "dm", "", env.defs.HumanAgentID, worker.ID)

	sub, cancel := env.rt.Bus().Subscribe(env.ws, 0)
	defer cancel()

	if _, err := env.rt.PostMessage(ctx, SendMessageParams{
		WorkspaceID: env.ws, GroupID: pair.ID, SenderID: env.defs.HumanAgentID, Content: "dig in",
	}); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	<-provider.entered // worker is mid-turn now

	if err := env.rt.InterruptAll(ctx, env.ws); err != nil {
		t.Fatalf("InterruptAll: %v", err)
	}
	r := env.rt.runner(worker.ID)
	if r == nil {
		t.Fatal("no runner for the blocked worker")
	}
	waitUntil(t, func() bool { return !r.Running() }, "worker still draining after interrupt")

	ev := waitForEvent(t, sub, EventInterruptAll)
	var p struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		t.Fatalf("decode interrupt payload: %v", err)
	}
	if p.Count != 2 { // assistant + worker
		t.Errorf("count = %d, want 2", p.Count)
	}

	// Empty workspace id sweeps every live runner instead.
	if err := env.rt.InterruptAll(ctx, ""); err != nil {
		t.Fatalf("InterruptAll(all): %v", err)
	}
}

func TestRuntimeTerminateAll(t *testing.T) {
	env := newRuntimeEnv(t, nil)
	ctx := context.Background()

	worker := env.worker(t, "drone", true)
	sub, cancel := env.rt.Bus().Subscribe(env.ws, 0)
	defer cancel()

	ids, err := env.rt.TerminateAll(ctx, BulkAgentScope{WorkspaceID: env.ws})
	if err != nil {
		t.Fatalf("TerminateAll: %v", err)
	}
	want := []string{env.defs.AssistantAgentID, worker.ID}
	sort.Strings(want)
	sort.Strings(ids)
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("terminated = %v, want %v", ids, want)
	}
	for _, id := range want {
		a, err := env.store.GetAgent(ctx, id)
		if err != nil {
			t.Fatalf("GetAgent(%s): %v", id, err)
		}
		if a.AutoRun {
			t.Errorf("agent %s still auto-run", id)
		}
	}

	ev := waitForEvent(t, sub, EventTerminateAll)
	var p struct {
		AgentIDs []string `json:"agent_ids"`
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		t.Fatalf("decode terminate payload: %v", err)
	}
	sort.Strings(p.AgentIDs)
	if !reflect.DeepEqual(p.AgentIDs, want) {
		t.Errorf("event agent_ids = %v, want %v", p.AgentIDs, want)
	}
}

func TestRuntimeSoftDeleteAll(t *testing.T) {
	env := newRuntimeEnv(t, nil)
	ctx := context.Background()

	worker := env.worker(t, "scout", true)
	pair := env.group(t, "scratch", "", env.defs.HumanAgentID, worker.ID)

	sub, cancel := env.rt.Bus().Subscribe(env.ws, 0)
	defer cancel()

	ids, err := env.rt.SoftDeleteAll(ctx, BulkAgentScope{WorkspaceID: env.ws, Kinds: []AgentKind{KindWorker}})
	if err != nil {
		t.Fatalf("SoftDeleteAll: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{worker.ID}) {
		t.Fatalf("deleted = %v, want [%s]", ids, worker.ID)
	}
	if _, err := env.store.GetAgent(ctx, worker.ID); !IsNotFound(err) {
		t.Errorf("deleted worker still readable: %v", err)
	}

	// The worker's pair group lost its last live purpose and is swept; the
	// workspace default group never is.
	if _, err := env.store.GetGroup(ctx, pair.ID); !IsNotFound(err) {
		t.Errorf("orphan group survived: %v", err)
	}
	if _, err := env.store.GetGroup(ctx, env.defs.DefaultGroupID); err != nil {
		t.Errorf("default group swept: %v", err)
	}

	waitForEvent(t, sub, EventAgentDeleted)
	ev := waitForEvent(t, sub, EventDeleteAll)
	var p struct {
		AgentIDs      []string `json:"agent_ids"`
		RemovedGroups []string `json:"removed_groups"`
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		t.Fatalf("decode delete payload: %v", err)
	}
	if !reflect.DeepEqual(p.AgentIDs, []string{worker.ID}) {
		t.Errorf("event agent_ids = %v, want [%s]", p.AgentIDs, worker.ID)
	}
	if !reflect.DeepEqual(p.RemovedGroups, []string{pair.ID}) {
		t.Errorf("event removed_groups = %v, want [%s]", p.RemovedGroups, pair.ID)
	}
}

func TestRuntimeSetAgentAutoRun(t *testing.T) {
	env := newRuntimeEnv(t, nil)
	ctx := context.Background()

	sub, cancel := env.rt.Bus().Subscribe(env.ws, 0)
	defer cancel()

	if err := env.rt.SetAgentAutoRun(ctx, env.defs.AssistantAgentID, false); err != nil {
		t.Fatalf("SetAgentAutoRun: %v", err)
	}
	a, err := env.store.GetAgent(ctx, env.defs.AssistantAgentID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if a.AutoRun {
		t.Error("assistant still auto-run")
	}

	ev := waitForEvent(t, sub, EventAutoRunChanged)
	var p struct {
		AgentID string `json:"agent_id"`
		AutoRun bool   `json:"auto_run"`
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.AgentID != env.defs.AssistantAgentID || p.AutoRun {
		t.Errorf("payload = %+v", p)
	}

	if err := env.rt.SetAgentAutoRun(ctx, "agent-missing", true); !IsNotFound(err) {
		t.Errorf("missing agent error = %v, want not found", err)
	}
}

func TestRuntimePostMessage(t *testing.T) {
	env := newRuntimeEnv(t, nil)
	ctx := context.Background()

	sub, cancel := env.rt.Bus().Subscribe(env.ws, 0)
	defer cancel()

	msg, err := env.rt.PostMessage(ctx, SendMessageParams{
		WorkspaceID: env.ws,
		GroupID:     env.defs.DefaultGroupID,
		SenderID:    env.defs.HumanAgentID,
		Content:     "hello there",
	})
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if msg.ID == "" || msg.SendTime == 0 {
		t.Fatalf("stored message = %+v", msg)
	}

	ev := waitForEvent(t, sub, EventMessageCreated)
	var p struct {
		Message   Message  `json:"message"`
		MemberIDs []string `json:"member_ids"`
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		t.Fatalf("decode message payload: %v", err)
	}
	if p.Message.ID != msg.ID || p.Message.Content != "hello there" {
		t.Errorf("event message = %+v", p.Message)
	}
	want := []string{env.defs.AssistantAgentID, env.defs.HumanAgentID}
	sort.Strings(want)
	got := append([]string(nil), p.MemberIDs...)
	sort.Strings(got)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("member_ids = %v, want %v", got, want)
	}

	// The assistant is the only recipient; its runner exists now.
	if env.rt.runner(env.defs.AssistantAgentID) == nil {
		t.Error("recipient not woken")
	}

	if _, err := env.rt.PostMessage(ctx, SendMessageParams{
		WorkspaceID: env.ws, GroupID: "g-missing", SenderID: env.defs.HumanAgentID, Content: "x",
	}); !IsNotFound(err) {
		t.Errorf("missing group error = %v, want not found", err)
	}
}

func TestBusNotifier(t *testing.T) {
	bus := NewBus(16)
	sub, cancel := bus.Subscribe("ws-n", 0)
	defer cancel()

	BusNotifier(bus)("ws-n", "messages", "insert")

	ev := waitForEvent(t, sub, EventDBWrite)
	var p struct {
		Table string `json:"table"`
		Op    string `json:"op"`
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.Table != "messages" || p.Op != "insert" {
		t.Errorf("payload = %+v", p)
	}
}

func TestRuntimeTaskLifecycle(t *testing.T) {
	env := newRuntimeEnv(t, nil)
	ctx := context.Background()

	run, err := env.rt.StartTaskRun(ctx, TaskStartParams{
		WorkspaceID:  env.ws,
		OwnerAgentID: env.defs.AssistantAgentID,
		Goal:         "wrap up the thread",
	})
	if err != nil {
		t.Fatalf("StartTaskRun: %v", err)
	}
	active, ok := env.rt.GetActiveTaskRun(ctx, env.ws)
	if !ok || active.ID != run.ID {
		t.Fatalf("active = %v/%v, want %s", active.ID, ok, run.ID)
	}

	stopped, err := env.rt.StopTaskRun(ctx, env.ws, "")
	if err != nil {
		t.Fatalf("StopTaskRun: %v", err)
	}
	if stopped.Status != TaskStopped || stopped.StopReason != StopManual {
		t.Errorf("stopped = %s/%s, want %s/%s", stopped.Status, stopped.StopReason, TaskStopped, StopManual)
	}
	if _, ok := env.rt.GetActiveTaskRun(ctx, env.ws); ok {
		t.Error("run still active after stop")
	}
}

func TestRuntimePostMessageFeedsTaskSupervisor(t *testing.T) {
	env := newRuntimeEnv(t, nil)
	ctx := context.Background()

	run, err := env.rt.StartTaskRun(ctx, TaskStartParams{
		WorkspaceID:  env.ws,
		OwnerAgentID: env.defs.AssistantAgentID,
		Goal:         "decide and close",
	})
	if err != nil {
		t.Fatalf("StartTaskRun: %v", err)
	}

	// A completion marker in the root group ends the run before any wake.
	if _, err := env.rt.PostMessage(ctx, SendMessageParams{
		WorkspaceID: env.ws,
		GroupID:     env.defs.DefaultGroupID,
		SenderID:    env.defs.HumanAgentID,
		Content:     "Great work. Final summary: shipped.",
	}); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}

	stored, err := env.store.GetTaskRunByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetTaskRunByID: %v", err)
	}
	if stored.Status != TaskStopped || stored.StopReason != StopGoalReached {
		t.Fatalf("run = %s/%s, want %s/%s", stored.Status, stored.StopReason, TaskStopped, StopGoalReached)
	}

	msgs := env.store.groupMessages(env.defs.DefaultGroupID)
	if len(msgs) != 3 {
		t.Fatalf("root group has %d messages, want marker+summary+review", len(msgs))
	}
	if !strings.HasPrefix(msgs[1].Content, "## Task Summary\n") {
		t.Errorf("second message = %q, want the summary", msgs[1].Content)
	}
}

func TestRuntimeCloseKeepsPersistedState(t *testing.T) {
	env := newRuntimeEnv(t, nil)
	ctx := context.Background()

	run, err := env.rt.StartTaskRun(ctx, TaskStartParams{
		WorkspaceID:  env.ws,
		OwnerAgentID: env.defs.AssistantAgentID,
		Goal:         "outlive the process",
	})
	if err != nil {
		t.Fatalf("StartTaskRun: %v", err)
	}
	env.rt.EnsureRunner(env.defs.AssistantAgentID)

	env.rt.Close()
	env.rt.Close() // idempotent

	stored, err := env.store.GetTaskRunByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetTaskRunByID: %v", err)
	}
	if stored.Status != TaskRunning {
		t.Errorf("close finalized the run: %s", stored.Status)
	}
}
