package agora

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTaskTick is the supervisor's evaluation cadence.
	DefaultTaskTick = 10 * time.Second
	// DefaultIdleCutoffMs stops a run that produced no root-group message
	// for this long.
	DefaultIdleCutoffMs int64 = 90_000
)

// completionMarkers end a run with reason goal_reached when any appears
// (case-insensitively) in a root-group message.
var completionMarkers = []string{
	"final summary",
	"debate concluded",
	"最终总结",
	"最终结果",
	"任务完成",
	"辩论结束",
	"本场辩论圆满结束",
	"debate finished",
}

func containsCompletionMarker(content string) bool {
	lowered := strings.ToLower(content)
	for _, m := range completionMarkers {
		if strings.Contains(lowered, m) {
			return true
		}
	}
	return false
}

// TaskStartParams launches a run. RootGroupID empty selects the workspace
// default group. Zero budget fields mean "no limit"; the similarity tunables
// get their defaults at launch.
type TaskStartParams struct {
	WorkspaceID   string
	RootGroupID   string
	OwnerAgentID  string
	Goal          string
	MaxDurationMs int64
	MaxTurns      int
	MaxTokenDelta int64
}

// SupervisorConfig wires a Supervisor. Interrupt is the runtime hook that
// requests interrupts on live runners; nil skips interruption.
type SupervisorConfig struct {
	Store        Store
	Bus          *Bus
	Resolver     ProviderResolver
	Tracer       Tracer
	Logger       *slog.Logger
	TickInterval time.Duration
	IdleCutoffMs int64
	// Similarity tunables stamped onto every launched budget; zero picks
	// the package defaults.
	AdjacentSimilarity float64
	RepeatThreshold    float64
	Interrupt          func(agentIDs []string)
}

// Supervisor enforces at most one active task run per workspace. It gates
// which agents may run while a task is live, watches budgets and repetition,
// and finalizes stopped runs with a summary message and a quality review.
type Supervisor struct {
	store        Store
	bus          *Bus
	resolver     ProviderResolver
	tracer       Tracer
	logger       *slog.Logger
	tick         time.Duration
	idleCutoff   int64
	adjacentSim  float64
	repeatThresh float64
	interrupt    func(agentIDs []string)

	mu    sync.Mutex
	tasks map[string]*taskState // workspaceID -> active run
}

type taskState struct {
	mu        sync.Mutex
	run       TaskRun
	finalized bool

	ticker   *time.Ticker
	done     chan struct{}
	haltOnce sync.Once
}

// halt stops the ticker goroutine without finalizing the run.
func (st *taskState) halt() {
	st.haltOnce.Do(func() {
		st.ticker.Stop()
		close(st.done)
	})
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = nopLogger
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTaskTick
	}
	if cfg.IdleCutoffMs <= 0 {
		cfg.IdleCutoffMs = DefaultIdleCutoffMs
	}
	if cfg.AdjacentSimilarity <= 0 {
		cfg.AdjacentSimilarity = DefaultAdjacentSimilarity
	}
	if cfg.RepeatThreshold <= 0 {
		cfg.RepeatThreshold = DefaultRepeatThreshold
	}
	return &Supervisor{
		store:        cfg.Store,
		bus:          cfg.Bus,
		resolver:     cfg.Resolver,
		tracer:       cfg.Tracer,
		logger:       cfg.Logger,
		tick:         cfg.TickInterval,
		idleCutoff:   cfg.IdleCutoffMs,
		adjacentSim:  cfg.AdjacentSimilarity,
		repeatThresh: cfg.RepeatThreshold,
		interrupt:    cfg.Interrupt,
		tasks:        map[string]*taskState{},
	}
}

// SetInterrupt installs the runner-interrupt hook. The runtime calls this
// after construction to break the supervisor/runtime cycle.
func (s *Supervisor) SetInterrupt(fn func(agentIDs []string)) { s.interrupt = fn }

func (s *Supervisor) lookup(workspaceID string) *taskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[workspaceID]
}

// Guard adapts the supervisor for the tool dispatcher: it reports the root
// group of the workspace's active run, if any.
func (s *Supervisor) Guard() TaskGuard {
	return func(workspaceID string) (string, bool) {
		st := s.lookup(workspaceID)
		if st == nil {
			return "", false
		}
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.finalized || !st.run.Active() {
			return "", false
		}
		return st.run.RootGroupID, true
	}
}

// Start launches a run, replacing any active one (reason manual_replaced).
// It pauses every non-human agent in the workspace, re-enables exactly the
// owner plus the root group's members, and installs the evaluation ticker.
func (s *Supervisor) Start(ctx context.Context, p TaskStartParams) (TaskRun, error) {
	if p.WorkspaceID == "" || p.OwnerAgentID == "" {
		return TaskRun{}, &ErrInvalid{Op: "task.start", Reason: "workspace and owner are required"}
	}
	if strings.TrimSpace(p.Goal) == "" {
		return TaskRun{}, &ErrInvalid{Op: "task.start", Reason: "goal is required"}
	}

	ctx, sp := startSpan(s.tracer, ctx, "task.start", StringAttr("workspace_id", p.WorkspaceID))
	var err error
	defer func() { endSpan(sp, err) }()

	if existing := s.lookup(p.WorkspaceID); existing != nil {
		s.stop(ctx, existing, StopManualReplaced)
	}

	rootID := p.RootGroupID
	if rootID == "" {
		defaults, derr := s.store.EnsureWorkspaceDefaults(ctx, p.WorkspaceID)
		if derr != nil {
			err = fmt.Errorf("resolve default group: %w", derr)
			return TaskRun{}, err
		}
		rootID = defaults.DefaultGroupID
	}
	root, gerr := s.store.GetGroup(ctx, rootID)
	if gerr != nil {
		err = gerr
		return TaskRun{}, err
	}

	now := NowUnixMilli()
	run := TaskRun{
		ID:           NewID(),
		WorkspaceID:  p.WorkspaceID,
		RootGroupID:  root.ID,
		OwnerAgentID: p.OwnerAgentID,
		Goal:         p.Goal,
		Status:       TaskRunning,
		Budget: TaskBudget{
			MaxDurationMs:      p.MaxDurationMs,
			MaxTurns:           p.MaxTurns,
			MaxTokenDelta:      p.MaxTokenDelta,
			StartGroupTokens:   root.ContextTokens,
			AdjacentSimilarity: s.adjacentSim,
			RepeatThreshold:    s.repeatThresh,
		},
		// LastMessageAt starts at launch time so the idle clock measures
		// silence since start, not since the epoch.
		Metrics:   TaskMetrics{LastMessageAt: now},
		StartedAt: now,
	}
	if p.MaxDurationMs > 0 {
		run.DeadlineAt = now + p.MaxDurationMs
	}

	run, err = s.store.CreateTaskRun(ctx, run)
	if err != nil {
		return TaskRun{}, fmt.Errorf("create task run: %w", err)
	}

	if perr := s.gateAgents(ctx, run); perr != nil {
		s.logger.Warn("task gate incomplete", "task_id", run.ID, "err", perr)
	}

	s.install(run)
	s.bus.Emit(run.WorkspaceID, EventTaskStarted, map[string]any{
		"task_id":        run.ID,
		"root_group_id":  run.RootGroupID,
		"owner_agent_id": run.OwnerAgentID,
		"goal":           run.Goal,
		"budget":         run.Budget,
	})
	s.logger.Info("task started", "task_id", run.ID, "workspace_id", run.WorkspaceID, "root_group_id", run.RootGroupID)
	return run, nil
}

// gateAgents pauses every non-human agent, then re-enables the owner and the
// root group's live non-human members.
func (s *Supervisor) gateAgents(ctx context.Context, run TaskRun) error {
	if _, err := s.store.BulkPauseAgents(ctx, BulkAgentScope{WorkspaceID: run.WorkspaceID}); err != nil {
		return fmt.Errorf("bulk pause: %w", err)
	}
	enable := map[string]bool{run.OwnerAgentID: true}
	members, err := s.store.ListGroupMembers(ctx, run.RootGroupID)
	if err != nil {
		return fmt.Errorf("list root members: %w", err)
	}
	for _, m := range members {
		enable[m.AgentID] = true
	}
	for id := range enable {
		agent, err := s.store.GetAgent(ctx, id)
		if err != nil || agent.IsHuman() || agent.Deleted() {
			continue
		}
		if err := s.store.SetAgentAutoRun(ctx, id, true); err != nil {
			s.logger.Warn("enable auto-run failed", "agent_id", id, "err", err)
		}
	}
	return nil
}

func (s *Supervisor) install(run TaskRun) *taskState {
	st := &taskState{
		run:    run,
		ticker: time.NewTicker(s.tick),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.tasks[run.WorkspaceID] = st
	s.mu.Unlock()

	go s.tickLoop(st)
	return st
}

func (s *Supervisor) tickLoop(st *taskState) {
	for {
		select {
		case <-st.done:
			return
		case <-st.ticker.C:
			// The timer is hard: evaluation runs on Background so a dying
			// request context cannot mask a blown deadline.
			ctx := context.Background()
			st.mu.Lock()
			if st.finalized {
				st.mu.Unlock()
				return
			}
			reason := s.evaluateLocked(ctx, st)
			st.mu.Unlock()
			if reason != "" {
				s.stop(ctx, st, reason)
				return
			}
		}
	}
}

// NoteTurn records one completed agent turn. Only turns in the run's root
// group count.
func (s *Supervisor) NoteTurn(ctx context.Context, workspaceID, groupID, agentID string) {
	st := s.lookup(workspaceID)
	if st == nil {
		return
	}
	st.mu.Lock()
	if st.finalized || st.run.RootGroupID != groupID {
		st.mu.Unlock()
		return
	}
	st.run.Metrics.TotalTurns++
	addParticipant(&st.run.Metrics, agentID)
	reason := s.evaluateLocked(ctx, st)
	st.mu.Unlock()
	if reason != "" {
		s.stop(ctx, st, reason)
	}
}

// NoteMessage records one message posted into the run's root group and scans
// it for completion markers.
func (s *Supervisor) NoteMessage(ctx context.Context, workspaceID, groupID, senderID, content string) {
	st := s.lookup(workspaceID)
	if st == nil {
		return
	}
	st.mu.Lock()
	if st.finalized || st.run.RootGroupID != groupID {
		st.mu.Unlock()
		return
	}
	st.run.Metrics.TotalMessages++
	st.run.Metrics.LastMessageAt = NowUnixMilli()
	addParticipant(&st.run.Metrics, senderID)
	if containsCompletionMarker(content) {
		st.mu.Unlock()
		s.stop(ctx, st, StopGoalReached)
		return
	}
	reason := s.evaluateLocked(ctx, st)
	st.mu.Unlock()
	if reason != "" {
		s.stop(ctx, st, reason)
	}
}

// evaluateLocked recomputes the live metrics and returns the stop reason
// that fired, or "". Callers hold st.mu. Conditions are checked in a fixed
// order so a run that violates several budgets reports a stable reason.
func (s *Supervisor) evaluateLocked(ctx context.Context, st *taskState) StopReason {
	run := &st.run
	now := NowUnixMilli()

	if msgs, err := s.store.ListGroupMessages(ctx, run.RootGroupID, repeatWindow); err == nil {
		run.Metrics.RepeatedRatio = repeatedRatio(msgs, run.Budget.AdjacentSimilarity)
	} else {
		s.logger.Warn("repeat ratio unavailable", "task_id", run.ID, "err", err)
	}

	idleMs := now - run.Metrics.LastMessageAt

	var tokenDelta int64
	if run.Budget.MaxTokenDelta > 0 {
		if g, err := s.store.GetGroup(ctx, run.RootGroupID); err == nil {
			tokenDelta = g.ContextTokens - run.Budget.StartGroupTokens
		} else {
			s.logger.Warn("token delta unavailable", "task_id", run.ID, "err", err)
		}
	}

	switch {
	case run.DeadlineAt > 0 && now >= run.DeadlineAt:
		return StopTimeout
	case run.Budget.MaxTurns > 0 && run.Metrics.TotalTurns >= run.Budget.MaxTurns:
		return StopMaxTurns
	case idleMs >= s.idleCutoff:
		return StopNoProgress
	case run.Budget.RepeatThreshold > 0 && run.Metrics.RepeatedRatio >= run.Budget.RepeatThreshold:
		return StopRepeatedOutput
	case run.Budget.MaxTokenDelta > 0 && tokenDelta >= run.Budget.MaxTokenDelta:
		return StopTokenDelta
	}

	if err := s.store.UpdateTaskRun(ctx, *run); err != nil {
		s.logger.Warn("persist task metrics failed", "task_id", run.ID, "err", err)
	}
	s.bus.Emit(run.WorkspaceID, EventTaskProgress, map[string]any{
		"task_id":     run.ID,
		"metrics":     run.Metrics,
		"idle_ms":     idleMs,
		"token_delta": tokenDelta,
	})
	return ""
}

// Stop ends the workspace's active run. Empty reason means manual.
func (s *Supervisor) Stop(ctx context.Context, workspaceID string, reason StopReason) (TaskRun, error) {
	if reason == "" {
		reason = StopManual
	}
	st := s.lookup(workspaceID)
	if st == nil {
		return TaskRun{}, &ErrNotFound{Kind: "task_run", ID: workspaceID}
	}
	s.stop(ctx, st, reason)
	st.mu.Lock()
	run := st.run
	st.mu.Unlock()
	return run, nil
}

// Active returns the workspace's live run. It prefers in-memory state and
// falls back to the newest persisted row.
func (s *Supervisor) Active(ctx context.Context, workspaceID string) (TaskRun, bool) {
	if st := s.lookup(workspaceID); st != nil {
		st.mu.Lock()
		defer st.mu.Unlock()
		if !st.finalized && st.run.Active() {
			return st.run, true
		}
	}
	run, err := s.store.GetLatestTaskRun(ctx, workspaceID)
	if err != nil || !run.Active() {
		return TaskRun{}, false
	}
	return run, true
}

// stop performs the full finalization sequence exactly once per run:
// mark stopping, halt the ticker, interrupt and pause collaborators, post
// the summary, synthesize and post the review, mark stopped, drop the
// in-memory entry. Failures along the way are logged and skipped so the run
// always reaches the stopped state.
func (s *Supervisor) stop(ctx context.Context, st *taskState, reason StopReason) {
	st.mu.Lock()
	if st.finalized {
		st.mu.Unlock()
		return
	}
	st.finalized = true
	st.halt()
	st.run.Status = TaskStopping
	st.run.StopReason = reason
	run := st.run
	st.mu.Unlock()

	ctx, sp := startSpan(s.tracer, ctx, "task.stop",
		StringAttr("task_id", run.ID),
		StringAttr("reason", string(reason)))
	defer func() { endSpan(sp, nil) }()

	if err := s.store.UpdateTaskRun(ctx, run); err != nil {
		s.logger.Warn("persist stopping status failed", "task_id", run.ID, "err", err)
	}
	s.bus.Emit(run.WorkspaceID, EventTaskStopping, map[string]any{
		"task_id": run.ID,
		"reason":  string(reason),
	})

	// Halt collaborators: every non-human agent loses auto-run; the owner
	// stays enabled. Participants and paused agents get an interrupt so
	// in-flight drains unwind.
	paused, err := s.store.BulkPauseAgents(ctx, BulkAgentScope{WorkspaceID: run.WorkspaceID})
	if err != nil {
		s.logger.Warn("bulk pause on stop failed", "task_id", run.ID, "err", err)
	}
	if err := s.store.SetAgentAutoRun(ctx, run.OwnerAgentID, true); err != nil {
		s.logger.Warn("re-enable owner failed", "task_id", run.ID, "owner", run.OwnerAgentID, "err", err)
	}
	if s.interrupt != nil {
		s.interrupt(unionIDs(paused, run.Metrics.ParticipantIDs))
	}

	transcript, terr := s.store.ListGroupMessages(ctx, run.RootGroupID, repeatWindow)
	if terr != nil {
		s.logger.Warn("transcript unavailable for summary", "task_id", run.ID, "err", terr)
	}

	// Summary message, posted as the owner without waking anyone.
	summary := renderTaskSummary(run, transcript)
	if msg, err := s.store.SendMessage(ctx, SendMessageParams{
		WorkspaceID: run.WorkspaceID,
		GroupID:     run.RootGroupID,
		SenderID:    run.OwnerAgentID,
		Content:     summary,
	}); err != nil {
		s.logger.Warn("post summary failed", "task_id", run.ID, "err", err)
	} else {
		run.SummaryMessageID = msg.ID
		s.emitQuietMessage(ctx, msg)
		s.bus.Emit(run.WorkspaceID, EventTaskSummary, map[string]any{
			"task_id":    run.ID,
			"message_id": msg.ID,
		})
	}

	// Quality review: owner's model when reachable, heuristic otherwise.
	review := synthesizeReview(ctx, s.ownerProvider(ctx, run), run, transcript, s.logger)
	if err := s.store.CreateTaskReview(ctx, review); err != nil {
		s.logger.Warn("persist review failed", "task_id", run.ID, "err", err)
	}
	if msg, err := s.store.SendMessage(ctx, SendMessageParams{
		WorkspaceID: run.WorkspaceID,
		GroupID:     run.RootGroupID,
		SenderID:    run.OwnerAgentID,
		Content:     renderReviewMessage(review),
	}); err != nil {
		s.logger.Warn("post review failed", "task_id", run.ID, "err", err)
	} else {
		s.emitQuietMessage(ctx, msg)
		s.bus.Emit(run.WorkspaceID, EventTaskReview, map[string]any{
			"task_id":    run.ID,
			"verdict":    string(review.Verdict),
			"overall":    review.Score.Overall,
			"message_id": msg.ID,
		})
	}

	run.Status = TaskStopped
	run.StoppedAt = NowUnixMilli()
	if err := s.store.UpdateTaskRun(ctx, run); err != nil {
		s.logger.Warn("persist stopped status failed", "task_id", run.ID, "err", err)
	}

	st.mu.Lock()
	st.run = run
	st.mu.Unlock()

	s.mu.Lock()
	if s.tasks[run.WorkspaceID] == st {
		delete(s.tasks, run.WorkspaceID)
	}
	s.mu.Unlock()

	s.bus.Emit(run.WorkspaceID, EventTaskStopped, map[string]any{
		"task_id": run.ID,
		"reason":  string(reason),
		"metrics": run.Metrics,
	})
	s.logger.Info("task stopped", "task_id", run.ID, "reason", string(reason))
}

// emitQuietMessage surfaces a supervisor-authored message on the bus without
// the fan-out wake path.
func (s *Supervisor) emitQuietMessage(ctx context.Context, msg Message) {
	var ids []string
	if members, err := s.store.ListGroupMembers(ctx, msg.GroupID); err == nil {
		for _, m := range members {
			ids = append(ids, m.AgentID)
		}
	}
	s.bus.Emit(msg.WorkspaceID, EventMessageCreated, map[string]any{
		"message":    msg,
		"member_ids": ids,
	})
}

func (s *Supervisor) ownerProvider(ctx context.Context, run TaskRun) Provider {
	if s.resolver == nil {
		return nil
	}
	var profile *ModelProfile
	if owner, err := s.store.GetAgent(ctx, run.OwnerAgentID); err == nil && owner.ModelProfileID != "" {
		if p, err := s.store.GetModelProfile(ctx, owner.ModelProfileID); err == nil &&
			p.Provider != "" && p.Model != "" && p.BaseURL != "" && p.APIKey != "" {
			profile = &p
		}
	}
	prov, err := s.resolver(profile)
	if err != nil {
		s.logger.Warn("review provider unavailable", "task_id", run.ID, "err", err)
		return nil
	}
	return prov
}

// Rehydrate reinstalls supervision for persisted active runs. Deadlines are
// preserved. A row caught mid-finalization (status stopping) is finalized
// immediately; duplicate running rows in one workspace keep the newest.
func (s *Supervisor) Rehydrate(ctx context.Context) error {
	rows, err := s.store.ListRunningTaskRuns(ctx)
	if err != nil {
		return fmt.Errorf("list running task runs: %w", err)
	}

	newest := map[string]TaskRun{}
	var stale []TaskRun
	for _, run := range rows {
		if run.Status == TaskStopping {
			stale = append(stale, run)
			continue
		}
		if cur, ok := newest[run.WorkspaceID]; !ok || run.StartedAt > cur.StartedAt {
			if ok {
				stale = append(stale, cur)
			}
			newest[run.WorkspaceID] = run
		} else {
			stale = append(stale, run)
		}
	}

	for _, run := range newest {
		if run.Metrics.LastMessageAt == 0 {
			run.Metrics.LastMessageAt = run.StartedAt
		}
		s.install(run)
		s.logger.Info("task rehydrated", "task_id", run.ID, "workspace_id", run.WorkspaceID)
	}
	for _, run := range stale {
		reason := run.StopReason
		if reason == "" {
			if run.Status == TaskStopping {
				reason = StopManual
			} else {
				reason = StopManualReplaced
			}
		}
		st := &taskState{run: run, ticker: time.NewTicker(s.tick), done: make(chan struct{})}
		st.halt()
		s.stop(ctx, st, reason)
	}
	return nil
}

// Shutdown halts every ticker without finalizing; runs stay persisted as
// running and are rehydrated on the next boot.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	states := make([]*taskState, 0, len(s.tasks))
	for _, st := range s.tasks {
		states = append(states, st)
	}
	s.mu.Unlock()
	for _, st := range states {
		st.halt()
	}
}

func renderTaskSummary(run TaskRun, recent []Message) string {
	var b strings.Builder
	b.WriteString("## Task Summary\n")
	fmt.Fprintf(&b, "- Goal: %s\n", run.Goal)
	fmt.Fprintf(&b, "- Stop reason: %s\n", run.StopReason)
	fmt.Fprintf(&b, "- Duration: %ds\n", (NowUnixMilli()-run.StartedAt)/1000)
	fmt.Fprintf(&b, "- Turns: %d\n", run.Metrics.TotalTurns)
	fmt.Fprintf(&b, "- Messages: %d\n", run.Metrics.TotalMessages)
	fmt.Fprintf(&b, "- Repeat ratio: %.2f\n", run.Metrics.RepeatedRatio)
	b.WriteString("\n### Recent key logs\n")
	for _, m := range recent {
		fmt.Fprintf(&b, "- %s: %s\n", shortID(m.SenderID), trimContent(m.Content, 120))
	}
	return b.String()
}

func addParticipant(m *TaskMetrics, id string) {
	i := sort.SearchStrings(m.ParticipantIDs, id)
	if i < len(m.ParticipantIDs) && m.ParticipantIDs[i] == id {
		return
	}
	m.ParticipantIDs = append(m.ParticipantIDs, "")
	copy(m.ParticipantIDs[i+1:], m.ParticipantIDs[i:])
	m.ParticipantIDs[i] = id
}

func unionIDs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range a {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range b {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
