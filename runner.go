package agora

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// sendReminder is the nudge appended when a turn produced no send tool
// call: plain assistant text is never delivered, so the agent gets one
// follow-up chance to actually say something.
const sendReminder = "Reminder: your reply above was not delivered to anyone. " +
	"If it deserves a response, call send, send_group_message or send_direct_message now; " +
	"otherwise state briefly why no message is needed."

// runnerDeps is everything a Runner borrows from the runtime.
type runnerDeps struct {
	store    Store
	bus      *Bus
	hub      *StreamHub
	dispatch *Dispatcher
	resolver ProviderResolver
	skills   SkillSource
	tracer   Tracer
	logger   *slog.Logger

	maxToolRounds int

	// onTurn reports a completed model turn in a group to the task
	// supervisor. May be nil.
	onTurn func(workspaceID, groupID, agentID string)
}

// Runner drives one agent. It owns the wake signal and the interrupt flag;
// the single loop goroutine is the only drain executor for its agent, which
// is what makes per-agent scheduling cooperative.
type Runner struct {
	agentID string
	deps    runnerDeps

	wake      chan struct{} // capacity 1; extra wakes coalesce
	interrupt atomic.Bool
	running   atomic.Bool

	cancelMu    sync.Mutex
	drainCancel context.CancelFunc

	startOnce sync.Once
}

func newRunner(agentID string, deps runnerDeps) *Runner {
	if deps.logger == nil {
		deps.logger = nopLogger
	}
	return &Runner{
		agentID: agentID,
		deps:    deps,
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the runner goroutine. Idempotent; the goroutine exits when
// ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		go r.loop(ctx)
	})
}

// Wakeup arms the wake signal and announces the wake on the agent's feed.
// Wakes during an active drain coalesce into exactly one further iteration.
func (r *Runner) Wakeup(reason string) {
	select {
	case r.wake <- struct{}{}:
	default:
	}
	r.deps.hub.Publish(AgentEvent{Type: AgentWakeup, AgentID: r.agentID, Reason: reason})
}

// RequestInterrupt asks the runner to stop after its current suspension
// point: the interrupt flag is set, any in-flight drain context is
// cancelled so a streaming call unwinds at its next chunk, and the wake
// signal is pulsed so a sleeping runner observes the flag.
func (r *Runner) RequestInterrupt() {
	r.interrupt.Store(true)
	r.cancelMu.Lock()
	if r.drainCancel != nil {
		r.drainCancel()
	}
	r.cancelMu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Running reports whether a drain is in progress.
func (r *Runner) Running() bool { return r.running.Load() }

// interrupted peeks at the flag without clearing it.
func (r *Runner) interrupted() bool { return r.interrupt.Load() }

// consumeInterrupt clears the flag, reporting whether it was set.
func (r *Runner) consumeInterrupt() bool { return r.interrupt.CompareAndSwap(true, false) }

func (r *Runner) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}
		if r.consumeInterrupt() {
			continue // interrupted while asleep; flag served its purpose
		}

		r.running.Store(true)
		err := r.drain(ctx)
		r.running.Store(false)

		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			// Interrupt (or shutdown) cut the drain mid-flight. Clean exit.
			r.consumeInterrupt()
		default:
			r.deps.logger.Warn("drain failed", "agent_id", r.agentID, "err", err)
			r.deps.hub.Publish(AgentEvent{Type: AgentError, AgentID: r.agentID, Message: err.Error()})
		}
	}
}

// drain consumes unread batches until none remain. History is persisted per
// group batch; a failure in a later batch never loses earlier ones.
func (r *Runner) drain(ctx context.Context) error {
	dctx, cancel := context.WithCancel(ctx)
	r.setDrainCancel(cancel)
	defer func() {
		r.setDrainCancel(nil)
		cancel()
	}()

	sctx, span := startSpan(r.deps.tracer, dctx, "agent.drain", StringAttr("agent_id", r.agentID))
	var drainErr error
	defer func() { endSpan(span, drainErr) }()

	for {
		if r.consumeInterrupt() {
			return nil
		}

		agent, err := r.deps.store.GetAgent(sctx, r.agentID)
		if err != nil {
			if IsNotFound(err) {
				return nil // deleted; runner goes quiet until something re-enables it
			}
			drainErr = err
			return err
		}
		if agent.IsHuman() || !agent.AutoRun {
			return nil
		}

		batches, err := r.deps.store.ListUnreadByGroup(sctx, r.agentID)
		if err != nil {
			drainErr = err
			return err
		}
		if len(batches) == 0 {
			r.deps.hub.Publish(AgentEvent{Type: AgentDone, AgentID: r.agentID})
			return nil
		}

		unread := make(map[string][]string, len(batches))
		for _, b := range batches {
			ids := make([]string, 0, len(b.Messages))
			for _, m := range b.Messages {
				ids = append(ids, m.ID)
			}
			unread[b.GroupID] = ids
		}
		r.deps.hub.Publish(AgentEvent{Type: AgentUnread, AgentID: r.agentID, Batches: unread})

		for _, b := range batches {
			if r.consumeInterrupt() {
				return nil
			}
			if err := r.processGroupUnread(sctx, b); err != nil {
				drainErr = err
				return err
			}
		}
	}
}

// processGroupUnread consumes one group's batch: digest in, cursor forward,
// model turn (with a follow-up nudge when nothing was sent), one history
// persist at the end.
func (r *Runner) processGroupUnread(ctx context.Context, batch UnreadBatch) error {
	if len(batch.Messages) == 0 {
		return nil
	}

	group, err := r.deps.store.GetGroup(ctx, batch.GroupID)
	if err != nil {
		if IsNotFound(err) {
			return nil // group vanished between listing and draining
		}
		return err
	}

	// Reload: an earlier batch in this drain may have grown the history.
	agent, err := r.deps.store.GetAgent(ctx, r.agentID)
	if err != nil {
		return err
	}
	entries, err := DecodeHistory(agent.History)
	if err != nil {
		return err
	}

	skills := r.listSkills(ctx)
	if len(entries) == 0 {
		entries = append(entries, SystemEntry(SystemSeed(agent, skills)))
	} else if len(skills) > 0 {
		entries = AppendSkillsBlock(entries, skills)
	}

	entries = append(entries, UserEntry(BatchDigest(batch.GroupID, batch.Messages)))

	last := batch.Messages[len(batch.Messages)-1]
	if err := r.deps.store.MarkGroupReadToMessage(ctx, batch.GroupID, r.agentID, last.ID); err != nil {
		return err
	}

	provider, err := r.resolveProvider(ctx, agent)
	if err != nil {
		return err
	}
	lp := &toolLoop{
		provider:  provider,
		dispatch:  r.deps.dispatch,
		hub:       r.deps.hub,
		bus:       r.deps.bus,
		store:     r.deps.store,
		maxRounds: r.deps.maxToolRounds,
		logger:    r.deps.logger,
	}

	res, err := lp.run(ctx, agent, group, entries, r.interrupted)
	if err != nil {
		return err
	}
	entries = append(res.history, AssistantEntry(res.content, res.reasoning))

	if !res.didSend && !r.interrupted() {
		entries = append(entries, UserEntry(sendReminder))
		res2, err := lp.run(ctx, agent, group, entries, r.interrupted)
		if err != nil {
			return err
		}
		entries = append(res2.history, AssistantEntry(res2.content, res2.reasoning))
	}

	raw, err := EncodeHistory(entries)
	if err != nil {
		return err
	}
	if err := r.deps.store.SetAgentHistory(ctx, r.agentID, raw); err != nil {
		return err
	}
	r.deps.bus.Emit(agent.WorkspaceID, EventHistoryPersisted, map[string]any{
		"agent_id": r.agentID,
		"entries":  len(entries),
	})
	if err := r.deps.store.TouchAgentActive(ctx, r.agentID, NowUnixMilli()); err != nil {
		r.deps.logger.Debug("touch active failed", "agent_id", r.agentID, "err", err)
	}

	if r.deps.onTurn != nil {
		r.deps.onTurn(agent.WorkspaceID, batch.GroupID, r.agentID)
	}
	return nil
}

// resolveProvider picks the agent's model endpoint: its profile when fully
// populated, otherwise the process default.
func (r *Runner) resolveProvider(ctx context.Context, agent Agent) (Provider, error) {
	if r.deps.resolver == nil {
		return nil, fmt.Errorf("agent %s: no provider resolver configured", agent.ID)
	}
	var profile *ModelProfile
	if agent.ModelProfileID != "" {
		p, err := r.deps.store.GetModelProfile(ctx, agent.ModelProfileID)
		switch {
		case IsNotFound(err):
			// Stale reference; fall back to the default endpoint.
		case err != nil:
			return nil, err
		case p.Provider != "" && p.Model != "" && p.BaseURL != "" && p.APIKey != "":
			profile = &p
		}
	}
	return r.deps.resolver(profile)
}

func (r *Runner) listSkills(ctx context.Context) []Skill {
	if r.deps.skills == nil {
		return nil
	}
	skills, err := r.deps.skills.List(ctx)
	if err != nil {
		r.deps.logger.Warn("list skills failed", "agent_id", r.agentID, "err", err)
		return nil
	}
	return skills
}

func (r *Runner) setDrainCancel(cancel context.CancelFunc) {
	r.cancelMu.Lock()
	r.drainCancel = cancel
	r.cancelMu.Unlock()
}
