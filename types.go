package agora

import "strings"

// --- Domain types (database records) ---

// AgentKind classifies agents. System kinds are created by workspace
// bootstrap; workers are spawned at runtime; game kinds belong to
// externally driven game sessions and are skipped by message fan-out.
type AgentKind string

const (
	KindSystemHuman     AgentKind = "system_human"
	KindSystemAssistant AgentKind = "system_assistant"
	KindWorker          AgentKind = "worker"
	KindGameEphemeral   AgentKind = "game_ephemeral"
)

type Agent struct {
	ID             string    `json:"id"`
	WorkspaceID    string    `json:"workspace_id"`
	Role           string    `json:"role"` // free-form persona, e.g. "research assistant"
	Kind           AgentKind `json:"kind"`
	AutoRun        bool      `json:"auto_run"`
	ParentID       string    `json:"parent_id,omitempty"` // spawning agent; empty for root agents
	ModelProfileID string    `json:"model_profile_id,omitempty"`
	History        []byte    `json:"-"` // serialized []HistoryEntry
	CreatedAt      int64     `json:"created_at"`
	DeletedAt      int64     `json:"deleted_at,omitempty"` // 0 = live
	LastActiveAt   int64     `json:"last_active_at,omitempty"`
}

// IsHuman reports whether the agent represents the workspace operator.
// Humans never get runners and are never woken.
func (a Agent) IsHuman() bool { return a.Kind == KindSystemHuman }

// Deleted reports whether the agent has been soft-deleted.
func (a Agent) Deleted() bool { return a.DeletedAt != 0 }

// GroupKindChat is the ordinary conversation kind. Game engines create
// groups with kinds prefixed "game_"; those groups opt out of wake fan-out.
const GroupKindChat = "chat"

type Group struct {
	ID            string `json:"id"`
	WorkspaceID   string `json:"workspace_id"`
	Name          string `json:"name,omitempty"` // empty = unnamed thread
	Kind          string `json:"kind"`
	ContextTokens int64  `json:"context_tokens"` // latest total-token usage observed in this group
	CreatedAt     int64  `json:"created_at"`
	DeletedAt     int64  `json:"deleted_at,omitempty"`
}

// IsGame reports whether the group belongs to a game session.
func (g Group) IsGame() bool { return strings.HasPrefix(g.Kind, "game_") }

type GroupMember struct {
	GroupID           string `json:"group_id"`
	AgentID           string `json:"agent_id"`
	LastReadMessageID string `json:"last_read_message_id,omitempty"` // read cursor; empty = nothing read
	JoinedAt          int64  `json:"joined_at"`
}

// ContentTypeText is the default message content type. Other values pass
// through the system opaquely.
const ContentTypeText = "text"

type Message struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	GroupID     string `json:"group_id"`
	SenderID    string `json:"sender_id"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
	SendTime    int64  `json:"send_time"` // unix millis; ordering tuple is (send_time, id)
}

// Before reports whether m precedes other in group order.
func (m Message) Before(other Message) bool {
	if m.SendTime != other.SendTime {
		return m.SendTime < other.SendTime
	}
	return m.ID < other.ID
}

type ModelProfile struct {
	ID          string            `json:"id"`
	WorkspaceID string            `json:"workspace_id"`
	Provider    string            `json:"provider"` // dialect tag: "openai", "zhipu", "deepseek", ...
	Model       string            `json:"model"`
	BaseURL     string            `json:"base_url,omitempty"`
	APIKey      string            `json:"-"`
	Headers     map[string]string `json:"headers,omitempty"`
	IsDefault   bool              `json:"is_default"`
	CreatedAt   int64             `json:"created_at"`
}

// --- Task runs ---

type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskStopping  TaskStatus = "stopping"
	TaskStopped   TaskStatus = "stopped"
	TaskCompleted TaskStatus = "completed"
)

// StopReason records why a task run ended.
type StopReason string

const (
	StopManual         StopReason = "manual"
	StopTimeout        StopReason = "timeout"
	StopNoProgress     StopReason = "no_progress"
	StopRepeatedOutput StopReason = "repeated_output"
	StopGoalReached    StopReason = "goal_reached"
	StopMaxTurns       StopReason = "max_turns"
	StopManualReplaced StopReason = "manual_replaced"
	StopTokenDelta     StopReason = "token_delta_exceeded"
)

// TaskBudget bounds a task run. Zero fields mean "no limit" except the
// similarity tunables, which are defaulted at task start.
type TaskBudget struct {
	MaxDurationMs      int64   `json:"max_duration_ms,omitempty"`
	MaxTurns           int     `json:"max_turns,omitempty"`
	MaxTokenDelta      int64   `json:"max_token_delta,omitempty"`
	StartGroupTokens   int64   `json:"start_group_tokens,omitempty"`  // root-group usage snapshot at launch
	AdjacentSimilarity float64 `json:"adjacent_similarity,omitempty"` // Jaccard threshold for "same message"
	RepeatThreshold    float64 `json:"repeat_threshold,omitempty"`    // repeated ratio that stops the run
}

// TaskMetrics is the supervisor's live view of run activity.
type TaskMetrics struct {
	TotalTurns     int      `json:"total_turns"`    // completed agent turns in the root group
	TotalMessages  int      `json:"total_messages"` // messages posted into the root group
	RepeatedRatio  float64  `json:"repeated_ratio"`
	LastMessageAt  int64    `json:"last_message_at,omitempty"`
	ParticipantIDs []string `json:"participant_ids,omitempty"` // sorted, deduplicated senders
}

type TaskRun struct {
	ID               string      `json:"id"`
	WorkspaceID      string      `json:"workspace_id"`
	RootGroupID      string      `json:"root_group_id"`
	OwnerAgentID     string      `json:"owner_agent_id"`
	Goal             string      `json:"goal"`
	Status           TaskStatus  `json:"status"`
	StopReason       StopReason  `json:"stop_reason,omitempty"`
	Budget           TaskBudget  `json:"budget"`
	Metrics          TaskMetrics `json:"metrics"`
	SummaryMessageID string      `json:"summary_message_id,omitempty"`
	StartedAt        int64       `json:"started_at"`
	DeadlineAt       int64       `json:"deadline_at,omitempty"` // StartedAt + MaxDurationMs, fixed at launch
	StoppedAt        int64       `json:"stopped_at,omitempty"`
}

// Active reports whether the supervisor still owns this run.
func (t TaskRun) Active() bool {
	return t.Status == TaskRunning || t.Status == TaskStopping
}

// --- Task quality review ---

type ReviewVerdict string

const (
	VerdictPass       ReviewVerdict = "pass"
	VerdictBorderline ReviewVerdict = "borderline"
	VerdictFail       ReviewVerdict = "fail"
)

// ReviewScore components are 0-100; Overall is the rounded mean.
type ReviewScore struct {
	Completion    int `json:"completion"`
	Relevance     int `json:"relevance"`
	Clarity       int `json:"clarity"`
	NonRedundancy int `json:"non_redundancy"`
	Safety        int `json:"safety"`
	Overall       int `json:"overall"`
}

type ReviewIssue struct {
	Severity string `json:"severity"` // "low", "medium", "high"
	Detail   string `json:"detail"`
}

type TaskReview struct {
	TaskID      string        `json:"task_id"`
	Score       ReviewScore   `json:"score"`
	Verdict     ReviewVerdict `json:"verdict"`
	Highlights  []string      `json:"highlights,omitempty"`
	Issues      []ReviewIssue `json:"issues,omitempty"`
	NextActions []string      `json:"next_actions,omitempty"`
	Narrative   string        `json:"narrative,omitempty"`
	CreatedAt   int64         `json:"created_at"`
}

// --- LLM protocol types ---

type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args string `json:"args"` // raw JSON object text as streamed by the model
}

type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  string `json:"parameters"` // JSON Schema object text
}

type Usage struct {
	TotalTokens int64 `json:"total_tokens"`
}
