package agora

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RuntimeConfig wires a Runtime. Store and Resolver are required; Bus and
// Hub are constructed when nil; everything else degrades gracefully.
type RuntimeConfig struct {
	Store    Store
	Bus      *Bus
	Hub      *StreamHub
	Resolver ProviderResolver
	Skills   SkillSource
	Plugins  *ToolRegistry
	Shell    *ShellRunner
	Tracer   Tracer
	Logger   *slog.Logger

	MaxToolRounds  int
	TaskTick       time.Duration
	TaskIdleCutoff int64
	// Similarity tunables for task budgets; zero picks the defaults.
	TaskAdjacentSimilarity float64
	TaskRepeatThreshold    float64
}

// Runtime is the process-wide facade: it owns the runner map and the task
// supervisor, and wires message fan-out back into agent wakes. All public
// operations are safe for concurrent use.
type Runtime struct {
	store      Store
	bus        *Bus
	hub        *StreamHub
	resolver   ProviderResolver
	skills     SkillSource
	tracer     Tracer
	logger     *slog.Logger
	dispatcher *Dispatcher
	fanout     *FanOut
	supervisor *Supervisor

	maxToolRounds int

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	runners map[string]*Runner

	bootOnce sync.Once
	bootErr  error
}

func NewRuntime(cfg RuntimeConfig) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = nopLogger
	}
	if cfg.Bus == nil {
		cfg.Bus = NewBus(0)
	}
	if cfg.Hub == nil {
		cfg.Hub = NewStreamHub()
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		store:         cfg.Store,
		bus:           cfg.Bus,
		hub:           cfg.Hub,
		resolver:      cfg.Resolver,
		skills:        cfg.Skills,
		tracer:        cfg.Tracer,
		logger:        cfg.Logger,
		maxToolRounds: cfg.MaxToolRounds,
		baseCtx:       ctx,
		cancel:        cancel,
		runners:       map[string]*Runner{},
	}

	rt.supervisor = NewSupervisor(SupervisorConfig{
		Store:              cfg.Store,
		Bus:                cfg.Bus,
		Resolver:           cfg.Resolver,
		Tracer:             cfg.Tracer,
		Logger:             cfg.Logger,
		TickInterval:       cfg.TaskTick,
		IdleCutoffMs:       cfg.TaskIdleCutoff,
		AdjacentSimilarity: cfg.TaskAdjacentSimilarity,
		RepeatThreshold:    cfg.TaskRepeatThreshold,
		Interrupt:          rt.InterruptAgents,
	})
	rt.fanout = NewFanOut(cfg.Store, cfg.Bus, rt.WakeAgentsForGroup, cfg.Logger)
	rt.dispatcher = NewDispatcher(DispatcherConfig{
		Store:   cfg.Store,
		Bus:     cfg.Bus,
		Shell:   cfg.Shell,
		Skills:  cfg.Skills,
		Plugins: cfg.Plugins,
		FanOut:  rt.fanout,
		Guard:   rt.supervisor.Guard(),
		Logger:  cfg.Logger,
	})
	return rt
}

// Accessors for the transport layer.
func (rt *Runtime) Bus() *Bus               { return rt.bus }
func (rt *Runtime) Hub() *StreamHub         { return rt.hub }
func (rt *Runtime) Store() Store            { return rt.store }
func (rt *Runtime) Dispatcher() *Dispatcher { return rt.dispatcher }

// BusNotifier adapts the bus into a store write notifier emitting ui.db.write
// events. Pass it to the store constructor before building the runtime.
func BusNotifier(bus *Bus) Notifier {
	return func(workspaceID, table, op string) {
		bus.Emit(workspaceID, EventDBWrite, map[string]any{
			"table": table,
			"op":    op,
		})
	}
}

// Bootstrap rebuilds in-memory state from the store: workspace defaults,
// a runner per live auto-run agent (woken once so pending unread drains),
// and rehydrated task runs. One-shot; later calls return the first result.
func (rt *Runtime) Bootstrap(ctx context.Context) error {
	rt.bootOnce.Do(func() { rt.bootErr = rt.bootstrap(ctx) })
	return rt.bootErr
}

func (rt *Runtime) bootstrap(ctx context.Context) error {
	workspaces, err := rt.store.ListWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("list workspaces: %w", err)
	}
	for _, ws := range workspaces {
		if _, err := rt.store.EnsureWorkspaceDefaults(ctx, ws); err != nil {
			rt.logger.Warn("ensure workspace defaults failed", "workspace_id", ws, "err", err)
		}
	}

	agents, err := rt.store.ListAgentsMeta(ctx, AgentFilter{
		AutoRunOnly:  true,
		ExcludeKinds: []AgentKind{KindSystemHuman},
	})
	if err != nil {
		return fmt.Errorf("scan auto-run agents: %w", err)
	}
	for _, a := range agents {
		rt.EnsureRunner(a.ID).Wakeup(WakeManual)
	}

	if err := rt.supervisor.Rehydrate(ctx); err != nil {
		return err
	}
	rt.logger.Info("runtime bootstrapped", "workspaces", len(workspaces), "runners", len(agents))
	return nil
}

// EnsureRunner returns the agent's runner, constructing and starting one on
// first use.
func (rt *Runtime) EnsureRunner(agentID string) *Runner {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if r, ok := rt.runners[agentID]; ok {
		return r
	}
	r := newRunner(agentID, runnerDeps{
		store:         rt.store,
		bus:           rt.bus,
		hub:           rt.hub,
		dispatch:      rt.dispatcher,
		resolver:      rt.resolver,
		skills:        rt.skills,
		tracer:        rt.tracer,
		logger:        rt.logger,
		maxToolRounds: rt.maxToolRounds,
		onTurn:        rt.noteTurn,
	})
	rt.runners[agentID] = r
	r.Start(rt.baseCtx)
	return r
}

func (rt *Runtime) noteTurn(workspaceID, groupID, agentID string) {
	rt.supervisor.NoteTurn(rt.baseCtx, workspaceID, groupID, agentID)
}

func (rt *Runtime) runner(agentID string) *Runner {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.runners[agentID]
}

// WakeAgent wakes one agent's runner. Humans, deleted agents and paused
// agents are silently skipped.
func (rt *Runtime) WakeAgent(ctx context.Context, agentID, reason string) error {
	agent, err := rt.store.GetAgent(ctx, agentID)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	if agent.IsHuman() || agent.Deleted() || !agent.AutoRun {
		return nil
	}
	rt.EnsureRunner(agentID).Wakeup(reason)
	return nil
}

// WakeAgentsForGroup runs the post-send fan-out: skip game groups entirely,
// feed the task supervisor, then wake every eligible recipient. The wake
// reason distinguishes pairwise chats from larger groups.
func (rt *Runtime) WakeAgentsForGroup(ctx context.Context, groupID, senderID string, msg *Message) {
	group, err := rt.store.GetGroup(ctx, groupID)
	if err != nil {
		rt.logger.Warn("fanout: group lookup failed", "group_id", groupID, "err", err)
		return
	}
	if group.IsGame() {
		return // game engines schedule their agents themselves
	}

	if msg != nil {
		rt.supervisor.NoteMessage(ctx, group.WorkspaceID, groupID, senderID, msg.Content)
	}

	members, err := rt.store.ListGroupMembers(ctx, groupID)
	if err != nil {
		rt.logger.Warn("fanout: list members failed", "group_id", groupID, "err", err)
		return
	}
	reason := WakeGroupMessage
	if len(members) == 2 {
		reason = WakeDirectMessage
	}
	for _, m := range members {
		if m.AgentID == senderID {
			continue
		}
		if err := rt.WakeAgent(ctx, m.AgentID, reason); err != nil {
			rt.logger.Warn("fanout: wake failed", "agent_id", m.AgentID, "err", err)
		}
	}
}

// InterruptAgents requests an interrupt on each id that has a live runner.
// Runners are never constructed just to be interrupted.
func (rt *Runtime) InterruptAgents(agentIDs []string) {
	for _, id := range agentIDs {
		if r := rt.runner(id); r != nil {
			r.RequestInterrupt()
		}
	}
}

// InterruptAll interrupts every non-human agent in the workspace, or every
// live runner when workspaceID is empty.
func (rt *Runtime) InterruptAll(ctx context.Context, workspaceID string) error {
	if workspaceID == "" {
		rt.mu.Lock()
		runners := make([]*Runner, 0, len(rt.runners))
		for _, r := range rt.runners {
			runners = append(runners, r)
		}
		rt.mu.Unlock()
		for _, r := range runners {
			r.RequestInterrupt()
		}
		return nil
	}

	agents, err := rt.store.ListAgentsMeta(ctx, AgentFilter{
		WorkspaceID:  workspaceID,
		ExcludeKinds: []AgentKind{KindSystemHuman},
	})
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID)
	}
	rt.InterruptAgents(ids)
	rt.bus.Emit(workspaceID, EventInterruptAll, map[string]any{"count": len(ids)})
	return nil
}

// TerminateAll pauses the matching agents and interrupts their runners.
func (rt *Runtime) TerminateAll(ctx context.Context, scope BulkAgentScope) ([]string, error) {
	ids, err := rt.store.BulkPauseAgents(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("bulk pause: %w", err)
	}
	rt.InterruptAgents(ids)
	rt.bus.Emit(scope.WorkspaceID, EventTerminateAll, map[string]any{"agent_ids": ids})
	return ids, nil
}

// SoftDeleteAll soft-deletes the matching agents, interrupts their runners,
// and garbage-collects groups left without a live purpose: first orphans
// (at most one active member), then groups whose live members are all system
// agents.
func (rt *Runtime) SoftDeleteAll(ctx context.Context, scope BulkAgentScope) ([]string, error) {
	ids, err := rt.store.BulkSoftDeleteAgents(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("bulk soft-delete: %w", err)
	}
	rt.InterruptAgents(ids)
	for _, id := range ids {
		rt.bus.Emit(scope.WorkspaceID, EventAgentDeleted, map[string]any{"agent_id": id})
	}

	var removed []string
	if gone, err := rt.store.SoftDeleteOrphanGroups(ctx, scope.WorkspaceID); err != nil {
		rt.logger.Warn("orphan group sweep failed", "workspace_id", scope.WorkspaceID, "err", err)
	} else {
		removed = append(removed, gone...)
	}
	if gone, err := rt.store.SoftDeleteRedundantSystemGroups(ctx, scope.WorkspaceID); err != nil {
		rt.logger.Warn("redundant group sweep failed", "workspace_id", scope.WorkspaceID, "err", err)
	} else {
		removed = append(removed, gone...)
	}

	rt.bus.Emit(scope.WorkspaceID, EventDeleteAll, map[string]any{
		"agent_ids":      ids,
		"removed_groups": removed,
	})
	return ids, nil
}

// SetAgentAutoRun flips the agent's scheduling flag and announces the change.
func (rt *Runtime) SetAgentAutoRun(ctx context.Context, agentID string, autoRun bool) error {
	agent, err := rt.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if err := rt.store.SetAgentAutoRun(ctx, agentID, autoRun); err != nil {
		return err
	}
	rt.bus.Emit(agent.WorkspaceID, EventAutoRunChanged, map[string]any{
		"agent_id": agentID,
		"auto_run": autoRun,
	})
	return nil
}

// PostMessage stores a message on behalf of the transport layer (typically
// the operator) and runs the full fan-out, exactly as a tool send would.
func (rt *Runtime) PostMessage(ctx context.Context, p SendMessageParams) (Message, error) {
	msg, err := rt.store.SendMessage(ctx, p)
	if err != nil {
		return Message{}, err
	}
	rt.fanout.MessageSent(ctx, msg)
	return msg, nil
}

// StartTaskRun launches a supervised run; see Supervisor.Start for rules.
func (rt *Runtime) StartTaskRun(ctx context.Context, p TaskStartParams) (TaskRun, error) {
	return rt.supervisor.Start(ctx, p)
}

// StopTaskRun ends the workspace's active run; empty reason means manual.
func (rt *Runtime) StopTaskRun(ctx context.Context, workspaceID string, reason StopReason) (TaskRun, error) {
	return rt.supervisor.Stop(ctx, workspaceID, reason)
}

// GetActiveTaskRun reports the workspace's live run, in-memory state first.
func (rt *Runtime) GetActiveTaskRun(ctx context.Context, workspaceID string) (TaskRun, bool) {
	return rt.supervisor.Active(ctx, workspaceID)
}

// Close stops every runner goroutine and halts task tickers. Persisted state
// is untouched; the next Bootstrap resumes it.
func (rt *Runtime) Close() {
	rt.cancel()
	rt.supervisor.Shutdown()
}
