package agora

import "context"

// WorkspaceDefaults are the rows every workspace starts with.
type WorkspaceDefaults struct {
	WorkspaceID      string `json:"workspace_id"`
	HumanAgentID     string `json:"human_agent_id"`
	AssistantAgentID string `json:"assistant_agent_id"`
	DefaultGroupID   string `json:"default_group_id"`
}

// AgentFilter narrows agent listings. Zero value lists every live agent
// across all workspaces.
type AgentFilter struct {
	WorkspaceID    string
	Kinds          []AgentKind
	ExcludeKinds   []AgentKind
	AutoRunOnly    bool
	IncludeDeleted bool
}

// BulkAgentScope selects agents for pause / soft-delete sweeps. Humans are
// always excluded regardless of the kind lists.
type BulkAgentScope struct {
	WorkspaceID  string
	Kinds        []AgentKind
	ExcludeKinds []AgentKind
}

// SpawnSubAgent creates a worker plus its pairwise chat group with the
// workspace human, in one transaction.
type SpawnSubAgent struct {
	WorkspaceID    string
	ParentID       string
	Role           string
	ModelProfileID string
}

// UnreadBatch is one group's pending mail for a single reader, ordered by
// (send_time, id).
type UnreadBatch struct {
	GroupID  string
	Messages []Message
}

// SendMessageParams inserts one message.
type SendMessageParams struct {
	WorkspaceID string
	GroupID     string
	SenderID    string
	Content     string
	ContentType string // empty defaults to "text"
}

// Direct-message channel classifications.
const (
	ChannelNewThread     = "new_thread"
	ChannelNewGroup      = "new_group"
	ChannelReuseExisting = "reuse_existing_group"
)

// DirectSendParams resolves-or-creates the pairwise group and inserts the
// message in one transaction.
type DirectSendParams struct {
	WorkspaceID string
	FromID      string
	ToID        string
	Content     string
	ContentType string
	GroupName   string // preferred name for the pairwise group, optional
	NewThread   bool   // force a fresh group even when a canonical one exists
}

type DirectSendResult struct {
	Channel string // new_thread | new_group | reuse_existing_group
	GroupID string
	Message Message
}

// MergeP2PParams collapses duplicate pairwise groups between A and B into
// one canonical row.
type MergeP2PParams struct {
	WorkspaceID   string
	AgentA        string
	AgentB        string
	PreferredName string
}

type CreateGroupParams struct {
	WorkspaceID string
	MemberIDs   []string // deduplicated by the store; at least two required
	Name        string
	Kind        string // empty defaults to "chat"
}

// GroupFilter narrows group listings; AgentID additionally scopes the
// listing to that agent's memberships and computes its unread counts.
type GroupFilter struct {
	WorkspaceID string
	AgentID     string
}

// GroupListing is the read-model row for group lists: membership, unread
// position and latest activity in one fetch.
type GroupListing struct {
	Group
	MemberIDs   []string `json:"member_ids"`
	UnreadCount int      `json:"unread_count"`
	LastMessage *Message `json:"last_message,omitempty"`
	UpdatedAt   int64    `json:"updated_at"` // max(last message send_time, created_at)
}

// Notifier observes store writes. The runtime adapts it onto the UI bus as
// ui.db.write events.
type Notifier func(workspaceID, table, op string)

// Store is the persistence contract. Implementations must make every
// multi-row operation transactional and must treat soft-deleted rows as
// absent unless a filter says otherwise.
type Store interface {
	// --- Workspace bootstrap ---
	EnsureWorkspaceDefaults(ctx context.Context, workspaceID string) (WorkspaceDefaults, error)
	ListWorkspaces(ctx context.Context) ([]string, error)

	// --- Agents ---
	CreateAgent(ctx context.Context, a Agent) (Agent, error)
	GetAgent(ctx context.Context, id string) (Agent, error)
	ListAgents(ctx context.Context, f AgentFilter) ([]Agent, error)
	// ListAgentsMeta is ListAgents without the history payload.
	ListAgentsMeta(ctx context.Context, f AgentFilter) ([]Agent, error)
	SetAgentHistory(ctx context.Context, id string, history []byte) error
	SetAgentAutoRun(ctx context.Context, id string, autoRun bool) error
	TouchAgentActive(ctx context.Context, id string, atMs int64) error
	BulkPauseAgents(ctx context.Context, scope BulkAgentScope) ([]string, error)
	BulkSoftDeleteAgents(ctx context.Context, scope BulkAgentScope) ([]string, error)
	SpawnSubAgent(ctx context.Context, p SpawnSubAgent) (agentID, pairGroupID string, err error)

	// --- Unread / read cursors ---
	ListUnreadByGroup(ctx context.Context, agentID string) ([]UnreadBatch, error)
	MarkGroupRead(ctx context.Context, groupID, readerID string) error
	MarkGroupReadToMessage(ctx context.Context, groupID, readerID, messageID string) error

	// --- Messages ---
	SendMessage(ctx context.Context, p SendMessageParams) (Message, error)
	SendDirectMessage(ctx context.Context, p DirectSendParams) (DirectSendResult, error)
	ListGroupMessages(ctx context.Context, groupID string, limit int) ([]Message, error)

	// --- Groups ---
	// FindLatestExactP2PGroupID returns the canonical live pairwise group
	// between two agents, or "" when none exists.
	FindLatestExactP2PGroupID(ctx context.Context, workspaceID, agentA, agentB string) (string, error)
	// MergeDuplicateExactP2PGroups collapses duplicate pairwise groups into
	// one keeper, migrating every message, and returns the keeper id.
	MergeDuplicateExactP2PGroups(ctx context.Context, p MergeP2PParams) (string, error)
	// FindLatestExactGroupID returns the newest live group whose member set
	// is exactly memberIDs, or "" when none exists.
	FindLatestExactGroupID(ctx context.Context, workspaceID string, memberIDs []string) (string, error)
	CreateGroup(ctx context.Context, p CreateGroupParams) (Group, error)
	AddGroupMembers(ctx context.Context, groupID string, agentIDs []string) error
	GetGroup(ctx context.Context, id string) (Group, error)
	ListGroupMembers(ctx context.Context, groupID string) ([]GroupMember, error)
	ListGroups(ctx context.Context, f GroupFilter) ([]GroupListing, error)
	SetGroupContextTokens(ctx context.Context, groupID string, tokens int64) error
	SoftDeleteOrphanGroups(ctx context.Context, workspaceID string) ([]string, error)
	SoftDeleteRedundantSystemGroups(ctx context.Context, workspaceID string) ([]string, error)

	// --- Model profiles ---
	CreateModelProfile(ctx context.Context, p ModelProfile) (ModelProfile, error)
	GetModelProfile(ctx context.Context, id string) (ModelProfile, error)
	ListModelProfiles(ctx context.Context, workspaceID string) ([]ModelProfile, error)
	SetDefaultModelProfile(ctx context.Context, workspaceID, profileID string) error

	// --- Task runs ---
	CreateTaskRun(ctx context.Context, t TaskRun) (TaskRun, error)
	UpdateTaskRun(ctx context.Context, t TaskRun) error
	GetTaskRunByID(ctx context.Context, id string) (TaskRun, error)
	GetLatestTaskRun(ctx context.Context, workspaceID string) (TaskRun, error)
	ListRunningTaskRuns(ctx context.Context) ([]TaskRun, error)

	// --- Task reviews ---
	CreateTaskReview(ctx context.Context, r TaskReview) error
	GetTaskReview(ctx context.Context, taskID string) (TaskReview, error)

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}
