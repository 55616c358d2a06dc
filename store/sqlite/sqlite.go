// Package sqlite implements agora.Store on a local SQLite file using the
// pure-Go driver. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nevindra/agora"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithNotifier registers a write observer. The runtime adapts it onto the
// UI bus so clients can refresh after history persistence.
func WithNotifier(n agora.Notifier) StoreOption {
	return func(s *Store) { s.notify = n }
}

// Store implements agora.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	notify agora.Notifier
}

var _ agora.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			auto_run INTEGER NOT NULL DEFAULT 0,
			parent_id TEXT NOT NULL DEFAULT '',
			model_profile_id TEXT NOT NULL DEFAULT '',
			history BLOB,
			created_at INTEGER NOT NULL,
			deleted_at INTEGER NOT NULL DEFAULT 0,
			last_active_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS chat_groups (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT 'chat',
			is_default INTEGER NOT NULL DEFAULT 0,
			context_tokens INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			deleted_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS group_members (
			group_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			last_read_message_id TEXT NOT NULL DEFAULT '',
			joined_at INTEGER NOT NULL,
			PRIMARY KEY (group_id, agent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			group_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT 'text',
			content TEXT NOT NULL,
			send_time INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS model_profiles (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			base_url TEXT NOT NULL DEFAULT '',
			api_key TEXT NOT NULL DEFAULT '',
			headers TEXT,
			is_default INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_runs (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			root_group_id TEXT NOT NULL,
			owner_agent_id TEXT NOT NULL,
			goal TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			stop_reason TEXT NOT NULL DEFAULT '',
			budget TEXT NOT NULL DEFAULT '{}',
			metrics TEXT NOT NULL DEFAULT '{}',
			summary_message_id TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			deadline_at INTEGER NOT NULL DEFAULT 0,
			stopped_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS task_reviews (
			task_id TEXT PRIMARY KEY,
			score TEXT NOT NULL DEFAULT '{}',
			verdict TEXT NOT NULL DEFAULT '',
			highlights TEXT,
			issues TEXT,
			next_actions TEXT,
			narrative TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_workspace ON agents(workspace_id, deleted_at)`,
		`CREATE INDEX IF NOT EXISTS idx_groups_workspace ON chat_groups(workspace_id, deleted_at)`,
		`CREATE INDEX IF NOT EXISTS idx_members_agent ON group_members(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_group_order ON messages(group_id, send_time, id)`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_workspace ON task_runs(workspace_id, started_at)`,
	}
	for _, q := range tables {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	// Columns added after initial release. Older databases gain them here;
	// duplicate-column errors on fresh schemas are expected and ignored.
	migrations := []string{
		`ALTER TABLE agents ADD COLUMN last_active_at INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE chat_groups ADD COLUMN context_tokens INTEGER NOT NULL DEFAULT 0`,
	}
	for _, q := range migrations {
		_, _ = s.db.ExecContext(ctx, q)
	}
	s.logger.Debug("sqlite: init done", "duration", time.Since(start))
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// dbtx is satisfied by both *sql.DB and *sql.Tx so the row helpers work
// inside and outside transactions.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// --- Workspace bootstrap ---

// EnsureWorkspaceDefaults creates the workspace row, its human and
// assistant agents and the default "General" group when missing. Safe to
// call on every boot.
func (s *Store) EnsureWorkspaceDefaults(ctx context.Context, workspaceID string) (agora.WorkspaceDefaults, error) {
	if workspaceID == "" {
		return agora.WorkspaceDefaults{}, &agora.ErrInvalid{Op: "store.ensure_defaults", Reason: "workspace id required"}
	}
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return agora.WorkspaceDefaults{}, fmt.Errorf("ensure workspace defaults: %w", err)
	}
	defer tx.Rollback()

	defs, err := ensureDefaults(ctx, tx, workspaceID)
	if err != nil {
		return agora.WorkspaceDefaults{}, fmt.Errorf("ensure workspace defaults: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return agora.WorkspaceDefaults{}, fmt.Errorf("ensure workspace defaults: %w", err)
	}
	s.logger.Debug("sqlite: workspace defaults ensured",
		"workspace_id", workspaceID,
		"human_id", defs.HumanAgentID,
		"assistant_id", defs.AssistantAgentID,
		"group_id", defs.DefaultGroupID,
		"duration", time.Since(start))
	return defs, nil
}

func ensureDefaults(ctx context.Context, q dbtx, workspaceID string) (agora.WorkspaceDefaults, error) {
	now := agora.NowUnixMilli()
	if _, err := q.ExecContext(ctx,
		`INSERT INTO workspaces (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		workspaceID, now); err != nil {
		return agora.WorkspaceDefaults{}, err
	}

	ensureAgent := func(kind agora.AgentKind, role string, autoRun bool) (string, error) {
		var id string
		err := q.QueryRowContext(ctx,
			`SELECT id FROM agents WHERE workspace_id = ? AND kind = ? AND deleted_at = 0 ORDER BY created_at, id LIMIT 1`,
			workspaceID, string(kind)).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
		id = agora.NewID()
		_, err = q.ExecContext(ctx,
			`INSERT INTO agents (id, workspace_id, role, kind, auto_run, parent_id, model_profile_id, history, created_at, deleted_at, last_active_at)
			 VALUES (?, ?, ?, ?, ?, '', '', NULL, ?, 0, 0)`,
			id, workspaceID, role, string(kind), boolInt(autoRun), now)
		return id, err
	}

	humanID, err := ensureAgent(agora.KindSystemHuman, "human", false)
	if err != nil {
		return agora.WorkspaceDefaults{}, err
	}
	assistantID, err := ensureAgent(agora.KindSystemAssistant, "assistant", true)
	if err != nil {
		return agora.WorkspaceDefaults{}, err
	}

	var groupID string
	err = q.QueryRowContext(ctx,
		`SELECT id FROM chat_groups WHERE workspace_id = ? AND is_default = 1 AND deleted_at = 0 ORDER BY created_at, id LIMIT 1`,
		workspaceID).Scan(&groupID)
	if errors.Is(err, sql.ErrNoRows) {
		groupID = agora.NewID()
		if _, err := q.ExecContext(ctx,
			`INSERT INTO chat_groups (id, workspace_id, name, kind, is_default, context_tokens, created_at, deleted_at)
			 VALUES (?, ?, 'General', ?, 1, 0, ?, 0)`,
			groupID, workspaceID, agora.GroupKindChat, now); err != nil {
			return agora.WorkspaceDefaults{}, err
		}
	} else if err != nil {
		return agora.WorkspaceDefaults{}, err
	}
	for _, agentID := range []string{humanID, assistantID} {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO group_members (group_id, agent_id, last_read_message_id, joined_at)
			 VALUES (?, ?, '', ?) ON CONFLICT(group_id, agent_id) DO NOTHING`,
			groupID, agentID, now); err != nil {
			return agora.WorkspaceDefaults{}, err
		}
	}

	return agora.WorkspaceDefaults{
		WorkspaceID:      workspaceID,
		HumanAgentID:     humanID,
		AssistantAgentID: assistantID,
		DefaultGroupID:   groupID,
	}, nil
}

// ListWorkspaces returns every workspace id in creation order.
func (s *Store) ListWorkspaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM workspaces ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list workspaces: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Agents ---

const agentCols = `id, workspace_id, role, kind, auto_run, parent_id, model_profile_id, history, created_at, deleted_at, last_active_at`

// agentMetaCols omits the history payload, which can be large.
const agentMetaCols = `id, workspace_id, role, kind, auto_run, parent_id, model_profile_id, NULL, created_at, deleted_at, last_active_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (agora.Agent, error) {
	var a agora.Agent
	var kind string
	var autoRun int
	var history []byte
	err := row.Scan(&a.ID, &a.WorkspaceID, &a.Role, &kind, &autoRun, &a.ParentID,
		&a.ModelProfileID, &history, &a.CreatedAt, &a.DeletedAt, &a.LastActiveAt)
	if err != nil {
		return agora.Agent{}, err
	}
	a.Kind = agora.AgentKind(kind)
	a.AutoRun = autoRun != 0
	a.History = history
	return a, nil
}

func getAgent(ctx context.Context, q dbtx, id string) (agora.Agent, error) {
	a, err := scanAgent(q.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return agora.Agent{}, &agora.ErrNotFound{Kind: "agent", ID: id}
	}
	if err != nil {
		return agora.Agent{}, err
	}
	if a.Deleted() {
		return agora.Agent{}, &agora.ErrNotFound{Kind: "agent", ID: id}
	}
	return a, nil
}

// CreateAgent inserts a new agent, creating the workspace row when needed.
// Missing id, kind and created_at fields are filled in.
func (s *Store) CreateAgent(ctx context.Context, a agora.Agent) (agora.Agent, error) {
	if a.WorkspaceID == "" {
		return agora.Agent{}, &agora.ErrInvalid{Op: "store.create_agent", Reason: "workspace id required"}
	}
	if a.ID == "" {
		a.ID = agora.NewID()
	}
	if a.Kind == "" {
		a.Kind = agora.KindWorker
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = agora.NowUnixMilli()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return agora.Agent{}, fmt.Errorf("create agent: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workspaces (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		a.WorkspaceID, a.CreatedAt); err != nil {
		return agora.Agent{}, fmt.Errorf("create agent: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agents (id, workspace_id, role, kind, auto_run, parent_id, model_profile_id, history, created_at, deleted_at, last_active_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.WorkspaceID, a.Role, string(a.Kind), boolInt(a.AutoRun), a.ParentID,
		a.ModelProfileID, a.History, a.CreatedAt, a.DeletedAt, a.LastActiveAt); err != nil {
		return agora.Agent{}, fmt.Errorf("create agent: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return agora.Agent{}, fmt.Errorf("create agent: %w", err)
	}
	s.logger.Debug("sqlite: agent created", "agent_id", a.ID, "kind", a.Kind, "workspace_id", a.WorkspaceID)
	return a, nil
}

// GetAgent returns a live agent; soft-deleted rows read as absent.
func (s *Store) GetAgent(ctx context.Context, id string) (agora.Agent, error) {
	return getAgent(ctx, s.db, id)
}

// ListAgents returns agents matching the filter, history included.
func (s *Store) ListAgents(ctx context.Context, f agora.AgentFilter) ([]agora.Agent, error) {
	return s.listAgents(ctx, f, true)
}

// ListAgentsMeta is ListAgents without loading history payloads.
func (s *Store) ListAgentsMeta(ctx context.Context, f agora.AgentFilter) ([]agora.Agent, error) {
	return s.listAgents(ctx, f, false)
}

func (s *Store) listAgents(ctx context.Context, f agora.AgentFilter, withHistory bool) ([]agora.Agent, error) {
	start := time.Now()
	cols := agentMetaCols
	if withHistory {
		cols = agentCols
	}
	where := make([]string, 0, 5)
	args := make([]any, 0, 8)
	if !f.IncludeDeleted {
		where = append(where, "deleted_at = 0")
	}
	if f.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, f.WorkspaceID)
	}
	if len(f.Kinds) > 0 {
		where = append(where, "kind IN ("+placeholders(len(f.Kinds))+")")
		for _, k := range f.Kinds {
			args = append(args, string(k))
		}
	}
	if len(f.ExcludeKinds) > 0 {
		where = append(where, "kind NOT IN ("+placeholders(len(f.ExcludeKinds))+")")
		for _, k := range f.ExcludeKinds {
			args = append(args, string(k))
		}
	}
	if f.AutoRunOnly {
		where = append(where, "auto_run = 1")
	}
	query := `SELECT ` + cols + ` FROM agents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []agora.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("list agents: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	s.logger.Debug("sqlite: agents listed", "count", len(out), "workspace_id", f.WorkspaceID, "duration", time.Since(start))
	return out, nil
}

// SetAgentHistory atomically replaces an agent's serialized history and
// notifies the write observer.
func (s *Store) SetAgentHistory(ctx context.Context, id string, history []byte) error {
	start := time.Now()
	var workspaceID string
	err := s.db.QueryRowContext(ctx, `SELECT workspace_id FROM agents WHERE id = ? AND deleted_at = 0`, id).Scan(&workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return &agora.ErrNotFound{Kind: "agent", ID: id}
	}
	if err != nil {
		return fmt.Errorf("set agent history: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE agents SET history = ? WHERE id = ?`, history, id); err != nil {
		return fmt.Errorf("set agent history: %w", err)
	}
	s.logger.Debug("sqlite: agent history set", "agent_id", id, "bytes", len(history), "duration", time.Since(start))
	if s.notify != nil {
		s.notify(workspaceID, "agents", "set_history")
	}
	return nil
}

// SetAgentAutoRun flips the scheduling flag on a live agent.
func (s *Store) SetAgentAutoRun(ctx context.Context, id string, autoRun bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET auto_run = ? WHERE id = ? AND deleted_at = 0`, boolInt(autoRun), id)
	if err != nil {
		return fmt.Errorf("set agent auto_run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set agent auto_run: %w", err)
	}
	if n == 0 {
		return &agora.ErrNotFound{Kind: "agent", ID: id}
	}
	s.logger.Debug("sqlite: agent auto_run set", "agent_id", id, "auto_run", autoRun)
	return nil
}

// TouchAgentActive records the agent's last activity. Missing agents are
// ignored; this is bookkeeping, not a correctness path.
func (s *Store) TouchAgentActive(ctx context.Context, id string, atMs int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET last_active_at = ? WHERE id = ? AND deleted_at = 0`, atMs, id)
	if err != nil {
		return fmt.Errorf("touch agent active: %w", err)
	}
	return nil
}

func scopeWhere(scope agora.BulkAgentScope, extra string) (string, []any) {
	where := []string{"deleted_at = 0", "kind != ?"}
	args := []any{string(agora.KindSystemHuman)}
	if extra != "" {
		where = append(where, extra)
	}
	if scope.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, scope.WorkspaceID)
	}
	if len(scope.Kinds) > 0 {
		where = append(where, "kind IN ("+placeholders(len(scope.Kinds))+")")
		for _, k := range scope.Kinds {
			args = append(args, string(k))
		}
	}
	if len(scope.ExcludeKinds) > 0 {
		where = append(where, "kind NOT IN ("+placeholders(len(scope.ExcludeKinds))+")")
		for _, k := range scope.ExcludeKinds {
			args = append(args, string(k))
		}
	}
	return strings.Join(where, " AND "), args
}

func collectIDs(ctx context.Context, q dbtx, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// BulkPauseAgents clears auto_run on every live agent in scope and returns
// the affected ids. Humans are never touched.
func (s *Store) BulkPauseAgents(ctx context.Context, scope agora.BulkAgentScope) ([]string, error) {
	start := time.Now()
	where, args := scopeWhere(scope, "auto_run = 1")
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("bulk pause agents: %w", err)
	}
	defer tx.Rollback()
	ids, err := collectIDs(ctx, tx, `SELECT id FROM agents WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("bulk pause agents: %w", err)
	}
	if len(ids) > 0 {
		inArgs := make([]any, len(ids))
		for i, id := range ids {
			inArgs[i] = id
		}
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET auto_run = 0 WHERE id IN (`+placeholders(len(ids))+`)`, inArgs...); err != nil {
			return nil, fmt.Errorf("bulk pause agents: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("bulk pause agents: %w", err)
	}
	s.logger.Debug("sqlite: agents paused", "count", len(ids), "workspace_id", scope.WorkspaceID, "duration", time.Since(start))
	return ids, nil
}

// BulkSoftDeleteAgents soft-deletes every live agent in scope, clearing
// auto_run, and returns the affected ids. Humans are never touched.
func (s *Store) BulkSoftDeleteAgents(ctx context.Context, scope agora.BulkAgentScope) ([]string, error) {
	start := time.Now()
	where, args := scopeWhere(scope, "")
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("bulk soft delete agents: %w", err)
	}
	defer tx.Rollback()
	ids, err := collectIDs(ctx, tx, `SELECT id FROM agents WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("bulk soft delete agents: %w", err)
	}
	if len(ids) > 0 {
		inArgs := make([]any, 0, len(ids)+1)
		inArgs = append(inArgs, agora.NowUnixMilli())
		for _, id := range ids {
			inArgs = append(inArgs, id)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE agents SET deleted_at = ?, auto_run = 0 WHERE id IN (`+placeholders(len(ids))+`)`, inArgs...); err != nil {
			return nil, fmt.Errorf("bulk soft delete agents: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("bulk soft delete agents: %w", err)
	}
	s.logger.Debug("sqlite: agents soft-deleted", "count", len(ids), "workspace_id", scope.WorkspaceID, "duration", time.Since(start))
	return ids, nil
}

// SpawnSubAgent creates a worker plus its pairwise chat group with the
// workspace human, all in one transaction.
func (s *Store) SpawnSubAgent(ctx context.Context, p agora.SpawnSubAgent) (string, string, error) {
	if p.ParentID == "" {
		return "", "", &agora.ErrInvalid{Op: "store.spawn_sub_agent", Reason: "parent id required"}
	}
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", "", fmt.Errorf("spawn sub agent: %w", err)
	}
	defer tx.Rollback()

	parent, err := getAgent(ctx, tx, p.ParentID)
	if err != nil {
		return "", "", err
	}
	workspaceID := p.WorkspaceID
	if workspaceID == "" {
		workspaceID = parent.WorkspaceID
	}
	if workspaceID != parent.WorkspaceID {
		return "", "", &agora.ErrInvalid{Op: "store.spawn_sub_agent", Reason: "parent belongs to a different workspace"}
	}
	defs, err := ensureDefaults(ctx, tx, workspaceID)
	if err != nil {
		return "", "", fmt.Errorf("spawn sub agent: %w", err)
	}

	now := agora.NowUnixMilli()
	agentID := agora.NewID()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agents (id, workspace_id, role, kind, auto_run, parent_id, model_profile_id, history, created_at, deleted_at, last_active_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, NULL, ?, 0, 0)`,
		agentID, workspaceID, p.Role, string(agora.KindWorker), p.ParentID, p.ModelProfileID, now); err != nil {
		return "", "", fmt.Errorf("spawn sub agent: %w", err)
	}

	groupID := agora.NewID()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_groups (id, workspace_id, name, kind, is_default, context_tokens, created_at, deleted_at)
		 VALUES (?, ?, '', ?, 0, 0, ?, 0)`,
		groupID, workspaceID, agora.GroupKindChat, now); err != nil {
		return "", "", fmt.Errorf("spawn sub agent: %w", err)
	}
	for _, member := range []string{defs.HumanAgentID, agentID} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO group_members (group_id, agent_id, last_read_message_id, joined_at) VALUES (?, ?, '', ?)`,
			groupID, member, now); err != nil {
			return "", "", fmt.Errorf("spawn sub agent: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", "", fmt.Errorf("spawn sub agent: %w", err)
	}
	s.logger.Debug("sqlite: sub agent spawned",
		"agent_id", agentID, "parent_id", p.ParentID, "group_id", groupID, "duration", time.Since(start))
	return agentID, groupID, nil
}

// --- Unread / read cursors ---

const messageCols = `id, workspace_id, group_id, sender_id, content_type, content, send_time`

func scanMessage(row rowScanner) (agora.Message, error) {
	var m agora.Message
	err := row.Scan(&m.ID, &m.WorkspaceID, &m.GroupID, &m.SenderID, &m.ContentType, &m.Content, &m.SendTime)
	return m, err
}

// ListUnreadByGroup returns the reader's pending mail grouped by group and
// ordered by (send_time, id). Deleted or paused readers get nothing; their
// cursor stays put until they run again.
func (s *Store) ListUnreadByGroup(ctx context.Context, agentID string) ([]agora.UnreadBatch, error) {
	start := time.Now()
	reader, err := getAgent(ctx, s.db, agentID)
	if agora.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list unread: %w", err)
	}
	if !reader.AutoRun {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.workspace_id, m.group_id, m.sender_id, m.content_type, m.content, m.send_time
		FROM messages m
		JOIN group_members gm ON gm.group_id = m.group_id AND gm.agent_id = ?
		JOIN chat_groups g ON g.id = m.group_id AND g.deleted_at = 0
		LEFT JOIN messages cur ON cur.id = gm.last_read_message_id
		WHERE m.sender_id != ?
		  AND (gm.last_read_message_id = '' OR cur.id IS NULL
		       OR m.send_time > cur.send_time
		       OR (m.send_time = cur.send_time AND m.id > cur.id))
		ORDER BY m.group_id, m.send_time, m.id`,
		agentID, agentID)
	if err != nil {
		return nil, fmt.Errorf("list unread: %w", err)
	}
	defer rows.Close()

	var batches []agora.UnreadBatch
	var total int
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("list unread: %w", err)
		}
		total++
		if n := len(batches); n == 0 || batches[n-1].GroupID != m.GroupID {
			batches = append(batches, agora.UnreadBatch{GroupID: m.GroupID})
		}
		batches[len(batches)-1].Messages = append(batches[len(batches)-1].Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list unread: %w", err)
	}
	s.logger.Debug("sqlite: unread listed",
		"agent_id", agentID, "groups", len(batches), "messages", total, "duration", time.Since(start))
	return batches, nil
}

// MarkGroupRead advances the reader's cursor to the group's latest message.
func (s *Store) MarkGroupRead(ctx context.Context, groupID, readerID string) error {
	var latest string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM messages WHERE group_id = ? ORDER BY send_time DESC, id DESC LIMIT 1`, groupID).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark group read: %w", err)
	}
	return s.MarkGroupReadToMessage(ctx, groupID, readerID, latest)
}

// MarkGroupReadToMessage advances the reader's cursor to the given message.
// The cursor only moves forward; stale updates are silently dropped.
func (s *Store) MarkGroupReadToMessage(ctx context.Context, groupID, readerID, messageID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark group read: %w", err)
	}
	defer tx.Rollback()

	var newTime int64
	err = tx.QueryRowContext(ctx,
		`SELECT send_time FROM messages WHERE id = ? AND group_id = ?`, messageID, groupID).Scan(&newTime)
	if errors.Is(err, sql.ErrNoRows) {
		return &agora.ErrNotFound{Kind: "message", ID: messageID}
	}
	if err != nil {
		return fmt.Errorf("mark group read: %w", err)
	}

	var cursor string
	err = tx.QueryRowContext(ctx,
		`SELECT last_read_message_id FROM group_members WHERE group_id = ? AND agent_id = ?`, groupID, readerID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return &agora.ErrNotFound{Kind: "group_member", ID: readerID}
	}
	if err != nil {
		return fmt.Errorf("mark group read: %w", err)
	}

	if cursor != "" {
		var curTime int64
		var curID string
		err = tx.QueryRowContext(ctx,
			`SELECT send_time, id FROM messages WHERE id = ?`, cursor).Scan(&curTime, &curID)
		if err == nil {
			if newTime < curTime || (newTime == curTime && messageID <= curID) {
				return tx.Commit()
			}
		} else if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("mark group read: %w", err)
		}
		// A cursor pointing at a vanished message (merged-away group) is
		// treated as unset.
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE group_members SET last_read_message_id = ? WHERE group_id = ? AND agent_id = ?`,
		messageID, groupID, readerID); err != nil {
		return fmt.Errorf("mark group read: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mark group read: %w", err)
	}
	s.logger.Debug("sqlite: group read marked", "group_id", groupID, "reader_id", readerID, "message_id", messageID)
	return nil
}

// --- Messages ---

func getGroup(ctx context.Context, q dbtx, id string) (agora.Group, error) {
	var g agora.Group
	var isDefault int
	err := q.QueryRowContext(ctx,
		`SELECT id, workspace_id, name, kind, is_default, context_tokens, created_at, deleted_at FROM chat_groups WHERE id = ?`, id).
		Scan(&g.ID, &g.WorkspaceID, &g.Name, &g.Kind, &isDefault, &g.ContextTokens, &g.CreatedAt, &g.DeletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return agora.Group{}, &agora.ErrNotFound{Kind: "group", ID: id}
	}
	if err != nil {
		return agora.Group{}, err
	}
	if g.DeletedAt != 0 {
		return agora.Group{}, &agora.ErrNotFound{Kind: "group", ID: id}
	}
	return g, nil
}

func insertMessage(ctx context.Context, q dbtx, workspaceID, groupID, senderID, content, contentType string) (agora.Message, error) {
	if contentType == "" {
		contentType = agora.ContentTypeText
	}
	m := agora.Message{
		ID:          agora.NewID(),
		WorkspaceID: workspaceID,
		GroupID:     groupID,
		SenderID:    senderID,
		ContentType: contentType,
		Content:     content,
		SendTime:    agora.NowUnixMilli(),
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO messages (id, workspace_id, group_id, sender_id, content_type, content, send_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.WorkspaceID, m.GroupID, m.SenderID, m.ContentType, m.Content, m.SendTime)
	if err != nil {
		return agora.Message{}, err
	}
	return m, nil
}

// SendMessage appends one message to a live group. Membership is not
// enforced here; the tool layer gates non-member sends.
func (s *Store) SendMessage(ctx context.Context, p agora.SendMessageParams) (agora.Message, error) {
	if p.GroupID == "" || p.SenderID == "" {
		return agora.Message{}, &agora.ErrInvalid{Op: "store.send_message", Reason: "group id and sender id required"}
	}
	start := time.Now()
	g, err := getGroup(ctx, s.db, p.GroupID)
	if err != nil {
		return agora.Message{}, err
	}
	if _, err := getAgent(ctx, s.db, p.SenderID); err != nil {
		return agora.Message{}, err
	}
	if p.WorkspaceID != "" && p.WorkspaceID != g.WorkspaceID {
		return agora.Message{}, &agora.ErrInvalid{Op: "store.send_message", Reason: "group belongs to a different workspace"}
	}
	m, err := insertMessage(ctx, s.db, g.WorkspaceID, p.GroupID, p.SenderID, p.Content, p.ContentType)
	if err != nil {
		return agora.Message{}, fmt.Errorf("send message: %w", err)
	}
	s.logger.Debug("sqlite: message sent",
		"message_id", m.ID, "group_id", m.GroupID, "sender_id", m.SenderID, "duration", time.Since(start))
	return m, nil
}

// p2pGroup is a ranking candidate for pairwise-group canonicalization.
type p2pGroup struct {
	id        string
	name      string
	createdAt int64
	lastTime  int64
	lastID    string
}

// rankP2P orders candidates best-first: preferred name, then any name, then
// latest message, then newest created, then highest id.
func rankP2P(cands []p2pGroup, preferred string) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if preferred != "" && (a.name == preferred) != (b.name == preferred) {
			return a.name == preferred
		}
		if (a.name != "") != (b.name != "") {
			return a.name != ""
		}
		if a.lastTime != b.lastTime {
			return a.lastTime > b.lastTime
		}
		if a.lastID != b.lastID {
			return a.lastID > b.lastID
		}
		if a.createdAt != b.createdAt {
			return a.createdAt > b.createdAt
		}
		return a.id > b.id
	})
}

func latestMessageTuple(ctx context.Context, q dbtx, groupID string) (int64, string, error) {
	var t int64
	var id string
	err := q.QueryRowContext(ctx,
		`SELECT send_time, id FROM messages WHERE group_id = ? ORDER BY send_time DESC, id DESC LIMIT 1`, groupID).Scan(&t, &id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	return t, id, err
}

// p2pCandidates lists live chat groups whose live member set is exactly
// {a, b}. Extra soft-deleted members do not disqualify a group.
func p2pCandidates(ctx context.Context, q dbtx, workspaceID, a, b string) ([]p2pGroup, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT g.id, g.name, g.created_at
		FROM chat_groups g
		WHERE g.workspace_id = ? AND g.deleted_at = 0 AND g.kind = ?
		  AND EXISTS (SELECT 1 FROM group_members x JOIN agents ax ON ax.id = x.agent_id AND ax.deleted_at = 0
		              WHERE x.group_id = g.id AND x.agent_id = ?)
		  AND EXISTS (SELECT 1 FROM group_members y JOIN agents ay ON ay.id = y.agent_id AND ay.deleted_at = 0
		              WHERE y.group_id = g.id AND y.agent_id = ?)
		  AND (SELECT COUNT(*) FROM group_members gm JOIN agents la ON la.id = gm.agent_id AND la.deleted_at = 0
		       WHERE gm.group_id = g.id) = 2
		ORDER BY g.created_at, g.id`,
		workspaceID, agora.GroupKindChat, a, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cands []p2pGroup
	for rows.Next() {
		var c p2pGroup
		if err := rows.Scan(&c.id, &c.name, &c.createdAt); err != nil {
			return nil, err
		}
		cands = append(cands, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range cands {
		t, id, err := latestMessageTuple(ctx, q, cands[i].id)
		if err != nil {
			return nil, err
		}
		cands[i].lastTime, cands[i].lastID = t, id
	}
	return cands, nil
}

func createGroupRow(ctx context.Context, q dbtx, workspaceID, name, kind string, memberIDs []string) (agora.Group, error) {
	if kind == "" {
		kind = agora.GroupKindChat
	}
	now := agora.NowUnixMilli()
	g := agora.Group{
		ID:          agora.NewID(),
		WorkspaceID: workspaceID,
		Name:        name,
		Kind:        kind,
		CreatedAt:   now,
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO chat_groups (id, workspace_id, name, kind, is_default, context_tokens, created_at, deleted_at)
		 VALUES (?, ?, ?, ?, 0, 0, ?, 0)`,
		g.ID, g.WorkspaceID, g.Name, g.Kind, now); err != nil {
		return agora.Group{}, err
	}
	for _, id := range memberIDs {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO group_members (group_id, agent_id, last_read_message_id, joined_at)
			 VALUES (?, ?, '', ?) ON CONFLICT(group_id, agent_id) DO NOTHING`,
			g.ID, id, now); err != nil {
			return agora.Group{}, err
		}
	}
	return g, nil
}

// mergeP2P collapses every candidate except the best-ranked keeper:
// messages and memberships migrate to the keeper, loser rows are hard
// deleted. Returns the keeper id.
func mergeP2P(ctx context.Context, q dbtx, cands []p2pGroup, preferredName string) (string, error) {
	rankP2P(cands, preferredName)
	keep := cands[0]
	for _, loser := range cands[1:] {
		if _, err := q.ExecContext(ctx, `UPDATE messages SET group_id = ? WHERE group_id = ?`, keep.id, loser.id); err != nil {
			return "", err
		}
		if _, err := q.ExecContext(ctx,
			`INSERT INTO group_members (group_id, agent_id, last_read_message_id, joined_at)
			 SELECT ?, agent_id, last_read_message_id, joined_at FROM group_members WHERE group_id = ?
			 ON CONFLICT(group_id, agent_id) DO NOTHING`,
			keep.id, loser.id); err != nil {
			return "", err
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ?`, loser.id); err != nil {
			return "", err
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM chat_groups WHERE id = ?`, loser.id); err != nil {
			return "", err
		}
	}
	if preferredName != "" && keep.name != preferredName {
		if _, err := q.ExecContext(ctx, `UPDATE chat_groups SET name = ? WHERE id = ?`, preferredName, keep.id); err != nil {
			return "", err
		}
	}
	return keep.id, nil
}

// SendDirectMessage resolves or creates the pairwise group between sender
// and recipient and appends the message, all in one transaction. Duplicate
// pairwise groups are merged on the way.
func (s *Store) SendDirectMessage(ctx context.Context, p agora.DirectSendParams) (agora.DirectSendResult, error) {
	if p.FromID == "" || p.ToID == "" {
		return agora.DirectSendResult{}, &agora.ErrInvalid{Op: "store.send_direct", Reason: "sender and recipient required"}
	}
	if p.FromID == p.ToID {
		return agora.DirectSendResult{}, &agora.ErrInvalid{Op: "store.send_direct", Reason: "cannot direct-message yourself"}
	}
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return agora.DirectSendResult{}, fmt.Errorf("send direct message: %w", err)
	}
	defer tx.Rollback()

	from, err := getAgent(ctx, tx, p.FromID)
	if err != nil {
		return agora.DirectSendResult{}, err
	}
	to, err := getAgent(ctx, tx, p.ToID)
	if err != nil {
		return agora.DirectSendResult{}, err
	}
	workspaceID := p.WorkspaceID
	if workspaceID == "" {
		workspaceID = from.WorkspaceID
	}
	if from.WorkspaceID != workspaceID || to.WorkspaceID != workspaceID {
		return agora.DirectSendResult{}, &agora.ErrInvalid{Op: "store.send_direct", Reason: "sender and recipient must share the workspace"}
	}

	var channel, groupID string
	switch {
	case p.NewThread:
		g, err := createGroupRow(ctx, tx, workspaceID, p.GroupName, agora.GroupKindChat, []string{p.FromID, p.ToID})
		if err != nil {
			return agora.DirectSendResult{}, fmt.Errorf("send direct message: %w", err)
		}
		channel, groupID = agora.ChannelNewThread, g.ID
	default:
		cands, err := p2pCandidates(ctx, tx, workspaceID, p.FromID, p.ToID)
		if err != nil {
			return agora.DirectSendResult{}, fmt.Errorf("send direct message: %w", err)
		}
		if len(cands) > 0 {
			keeper, err := mergeP2P(ctx, tx, cands, p.GroupName)
			if err != nil {
				return agora.DirectSendResult{}, fmt.Errorf("send direct message: %w", err)
			}
			channel, groupID = agora.ChannelReuseExisting, keeper
		} else {
			g, err := createGroupRow(ctx, tx, workspaceID, p.GroupName, agora.GroupKindChat, []string{p.FromID, p.ToID})
			if err != nil {
				return agora.DirectSendResult{}, fmt.Errorf("send direct message: %w", err)
			}
			channel, groupID = agora.ChannelNewGroup, g.ID
		}
	}

	m, err := insertMessage(ctx, tx, workspaceID, groupID, p.FromID, p.Content, p.ContentType)
	if err != nil {
		return agora.DirectSendResult{}, fmt.Errorf("send direct message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return agora.DirectSendResult{}, fmt.Errorf("send direct message: %w", err)
	}
	s.logger.Debug("sqlite: direct message sent",
		"from", p.FromID, "to", p.ToID, "group_id", groupID, "channel", channel, "duration", time.Since(start))
	return agora.DirectSendResult{Channel: channel, GroupID: groupID, Message: m}, nil
}

// ListGroupMessages returns the last limit messages in (send_time, id)
// order, oldest first. limit <= 0 returns everything.
func (s *Store) ListGroupMessages(ctx context.Context, groupID string, limit int) ([]agora.Message, error) {
	if _, err := getGroup(ctx, s.db, groupID); err != nil {
		return nil, err
	}
	query := `SELECT ` + messageCols + ` FROM messages WHERE group_id = ? ORDER BY send_time DESC, id DESC`
	args := []any{groupID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list group messages: %w", err)
	}
	defer rows.Close()
	var out []agora.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("list group messages: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list group messages: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// --- Groups ---

// FindLatestExactP2PGroupID returns the canonical live pairwise group
// between two agents, or "" when none exists.
func (s *Store) FindLatestExactP2PGroupID(ctx context.Context, workspaceID, agentA, agentB string) (string, error) {
	cands, err := p2pCandidates(ctx, s.db, workspaceID, agentA, agentB)
	if err != nil {
		return "", fmt.Errorf("find p2p group: %w", err)
	}
	if len(cands) == 0 {
		return "", nil
	}
	rankP2P(cands, "")
	return cands[0].id, nil
}

// MergeDuplicateExactP2PGroups collapses duplicate pairwise groups into one
// keeper, migrating every message, and returns the keeper id.
func (s *Store) MergeDuplicateExactP2PGroups(ctx context.Context, p agora.MergeP2PParams) (string, error) {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("merge p2p groups: %w", err)
	}
	defer tx.Rollback()
	cands, err := p2pCandidates(ctx, tx, p.WorkspaceID, p.AgentA, p.AgentB)
	if err != nil {
		return "", fmt.Errorf("merge p2p groups: %w", err)
	}
	if len(cands) == 0 {
		return "", &agora.ErrNotFound{Kind: "p2p_group", ID: p.AgentA + "+" + p.AgentB}
	}
	keeper, err := mergeP2P(ctx, tx, cands, p.PreferredName)
	if err != nil {
		return "", fmt.Errorf("merge p2p groups: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("merge p2p groups: %w", err)
	}
	s.logger.Debug("sqlite: p2p groups merged",
		"keeper", keeper, "merged", len(cands)-1, "workspace_id", p.WorkspaceID, "duration", time.Since(start))
	return keeper, nil
}

// FindLatestExactGroupID returns the newest live group whose live member
// set is exactly memberIDs, or "" when none exists.
func (s *Store) FindLatestExactGroupID(ctx context.Context, workspaceID string, memberIDs []string) (string, error) {
	want := map[string]bool{}
	for _, id := range memberIDs {
		if id != "" {
			want[id] = true
		}
	}
	if len(want) < 2 {
		return "", &agora.ErrInvalid{Op: "store.find_exact_group", Reason: "at least two distinct member ids required"}
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.name, g.created_at
		FROM chat_groups g
		WHERE g.workspace_id = ? AND g.deleted_at = 0 AND g.kind = ?
		  AND (SELECT COUNT(*) FROM group_members gm JOIN agents la ON la.id = gm.agent_id AND la.deleted_at = 0
		       WHERE gm.group_id = g.id) = ?
		ORDER BY g.created_at, g.id`,
		workspaceID, agora.GroupKindChat, len(want))
	if err != nil {
		return "", fmt.Errorf("find exact group: %w", err)
	}
	defer rows.Close()
	var cands []p2pGroup
	for rows.Next() {
		var c p2pGroup
		if err := rows.Scan(&c.id, &c.name, &c.createdAt); err != nil {
			return "", fmt.Errorf("find exact group: %w", err)
		}
		cands = append(cands, c)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("find exact group: %w", err)
	}

	var matches []p2pGroup
	for _, c := range cands {
		ids, err := collectIDs(ctx, s.db, `
			SELECT gm.agent_id FROM group_members gm
			JOIN agents a ON a.id = gm.agent_id AND a.deleted_at = 0
			WHERE gm.group_id = ?`, c.id)
		if err != nil {
			return "", fmt.Errorf("find exact group: %w", err)
		}
		if len(ids) != len(want) {
			continue
		}
		ok := true
		for _, id := range ids {
			if !want[id] {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		t, lastID, err := latestMessageTuple(ctx, s.db, c.id)
		if err != nil {
			return "", fmt.Errorf("find exact group: %w", err)
		}
		c.lastTime, c.lastID = t, lastID
		matches = append(matches, c)
	}
	if len(matches) == 0 {
		return "", nil
	}
	rankP2P(matches, "")
	return matches[0].id, nil
}

// CreateGroup creates a group with the given members. Member ids are
// deduplicated and must resolve to live agents in the workspace.
func (s *Store) CreateGroup(ctx context.Context, p agora.CreateGroupParams) (agora.Group, error) {
	if p.WorkspaceID == "" {
		return agora.Group{}, &agora.ErrInvalid{Op: "store.create_group", Reason: "workspace id required"}
	}
	seen := map[string]bool{}
	members := make([]string, 0, len(p.MemberIDs))
	for _, id := range p.MemberIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, id)
	}
	if len(members) < 2 {
		return agora.Group{}, &agora.ErrInvalid{Op: "store.create_group", Reason: "at least two distinct member ids required"}
	}
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return agora.Group{}, fmt.Errorf("create group: %w", err)
	}
	defer tx.Rollback()
	for _, id := range members {
		a, err := getAgent(ctx, tx, id)
		if err != nil {
			return agora.Group{}, err
		}
		if a.WorkspaceID != p.WorkspaceID {
			return agora.Group{}, &agora.ErrInvalid{Op: "store.create_group", Reason: "member " + id + " outside workspace"}
		}
	}
	g, err := createGroupRow(ctx, tx, p.WorkspaceID, p.Name, p.Kind, members)
	if err != nil {
		return agora.Group{}, fmt.Errorf("create group: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return agora.Group{}, fmt.Errorf("create group: %w", err)
	}
	s.logger.Debug("sqlite: group created",
		"group_id", g.ID, "members", len(members), "kind", g.Kind, "duration", time.Since(start))
	return g, nil
}

// AddGroupMembers adds live agents to a live group; existing memberships
// are left untouched.
func (s *Store) AddGroupMembers(ctx context.Context, groupID string, agentIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add group members: %w", err)
	}
	defer tx.Rollback()
	g, err := getGroup(ctx, tx, groupID)
	if err != nil {
		return err
	}
	now := agora.NowUnixMilli()
	for _, id := range agentIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		a, err := getAgent(ctx, tx, id)
		if err != nil {
			return err
		}
		if a.WorkspaceID != g.WorkspaceID {
			return &agora.ErrInvalid{Op: "store.add_group_members", Reason: "member " + id + " outside workspace"}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO group_members (group_id, agent_id, last_read_message_id, joined_at)
			 VALUES (?, ?, '', ?) ON CONFLICT(group_id, agent_id) DO NOTHING`,
			groupID, id, now); err != nil {
			return fmt.Errorf("add group members: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("add group members: %w", err)
	}
	return nil
}

// GetGroup returns a live group; soft-deleted rows read as absent.
func (s *Store) GetGroup(ctx context.Context, id string) (agora.Group, error) {
	return getGroup(ctx, s.db, id)
}

// ListGroupMembers returns the group's membership rows, including members
// whose agents have since been soft-deleted.
func (s *Store) ListGroupMembers(ctx context.Context, groupID string) ([]agora.GroupMember, error) {
	if _, err := getGroup(ctx, s.db, groupID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id, agent_id, last_read_message_id, joined_at FROM group_members WHERE group_id = ? ORDER BY joined_at, agent_id`,
		groupID)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	defer rows.Close()
	var out []agora.GroupMember
	for rows.Next() {
		var m agora.GroupMember
		if err := rows.Scan(&m.GroupID, &m.AgentID, &m.LastReadMessageID, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("list group members: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListGroups returns the group read-model: membership, latest message and
// unread counts (when f.AgentID is set), most recently active first.
func (s *Store) ListGroups(ctx context.Context, f agora.GroupFilter) ([]agora.GroupListing, error) {
	start := time.Now()
	query := `SELECT g.id, g.workspace_id, g.name, g.kind, g.context_tokens, g.created_at, g.deleted_at FROM chat_groups g`
	args := []any{}
	if f.AgentID != "" {
		query += ` JOIN group_members me ON me.group_id = g.id AND me.agent_id = ?`
		args = append(args, f.AgentID)
	}
	query += ` WHERE g.deleted_at = 0`
	if f.WorkspaceID != "" {
		query += ` AND g.workspace_id = ?`
		args = append(args, f.WorkspaceID)
	}
	query += ` ORDER BY g.created_at, g.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	var listings []agora.GroupListing
	for rows.Next() {
		var g agora.Group
		if err := rows.Scan(&g.ID, &g.WorkspaceID, &g.Name, &g.Kind, &g.ContextTokens, &g.CreatedAt, &g.DeletedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("list groups: %w", err)
		}
		listings = append(listings, agora.GroupListing{Group: g})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list groups: %w", err)
	}
	rows.Close()

	for i := range listings {
		l := &listings[i]
		members, err := collectIDs(ctx, s.db,
			`SELECT agent_id FROM group_members WHERE group_id = ? ORDER BY joined_at, agent_id`, l.ID)
		if err != nil {
			return nil, fmt.Errorf("list groups: %w", err)
		}
		l.MemberIDs = members

		last, err := scanMessage(s.db.QueryRowContext(ctx,
			`SELECT `+messageCols+` FROM messages WHERE group_id = ? ORDER BY send_time DESC, id DESC LIMIT 1`, l.ID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, fmt.Errorf("list groups: %w", err)
		default:
			m := last
			l.LastMessage = &m
		}

		l.UpdatedAt = l.CreatedAt
		if l.LastMessage != nil && l.LastMessage.SendTime > l.UpdatedAt {
			l.UpdatedAt = l.LastMessage.SendTime
		}

		if f.AgentID == "" {
			continue
		}
		n, err := s.unreadCount(ctx, l.ID, f.AgentID)
		if err != nil {
			return nil, fmt.Errorf("list groups: %w", err)
		}
		l.UnreadCount = n
	}

	sort.SliceStable(listings, func(i, j int) bool {
		if listings[i].UpdatedAt != listings[j].UpdatedAt {
			return listings[i].UpdatedAt > listings[j].UpdatedAt
		}
		return listings[i].ID < listings[j].ID
	})
	s.logger.Debug("sqlite: groups listed",
		"count", len(listings), "workspace_id", f.WorkspaceID, "agent_id", f.AgentID, "duration", time.Since(start))
	return listings, nil
}

func (s *Store) unreadCount(ctx context.Context, groupID, agentID string) (int, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_read_message_id FROM group_members WHERE group_id = ? AND agent_id = ?`,
		groupID, agentID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var curTime int64
	var curID string
	if cursor != "" {
		err := s.db.QueryRowContext(ctx, `SELECT send_time, id FROM messages WHERE id = ?`, cursor).Scan(&curTime, &curID)
		if errors.Is(err, sql.ErrNoRows) {
			cursor = ""
		} else if err != nil {
			return 0, err
		}
	}
	var n int
	if cursor == "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages WHERE group_id = ? AND sender_id != ?`, groupID, agentID).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages WHERE group_id = ? AND sender_id != ?
			 AND (send_time > ? OR (send_time = ? AND id > ?))`,
			groupID, agentID, curTime, curTime, curID).Scan(&n)
	}
	return n, err
}

// SetGroupContextTokens records the latest total-token usage observed for
// the group.
func (s *Store) SetGroupContextTokens(ctx context.Context, groupID string, tokens int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_groups SET context_tokens = ? WHERE id = ? AND deleted_at = 0`, tokens, groupID)
	if err != nil {
		return fmt.Errorf("set group context tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set group context tokens: %w", err)
	}
	if n == 0 {
		return &agora.ErrNotFound{Kind: "group", ID: groupID}
	}
	return nil
}

// SoftDeleteOrphanGroups soft-deletes non-default groups left with at most
// one live member and returns their ids.
func (s *Store) SoftDeleteOrphanGroups(ctx context.Context, workspaceID string) ([]string, error) {
	return s.softDeleteGroups(ctx, workspaceID, `
		SELECT g.id FROM chat_groups g
		WHERE g.workspace_id = ? AND g.deleted_at = 0 AND g.is_default = 0
		  AND (SELECT COUNT(*) FROM group_members gm JOIN agents a ON a.id = gm.agent_id AND a.deleted_at = 0
		       WHERE gm.group_id = g.id) <= 1
		ORDER BY g.created_at, g.id`, "orphan")
}

// SoftDeleteRedundantSystemGroups soft-deletes non-default groups whose
// live members are all system agents and returns their ids.
func (s *Store) SoftDeleteRedundantSystemGroups(ctx context.Context, workspaceID string) ([]string, error) {
	return s.softDeleteGroups(ctx, workspaceID, `
		SELECT g.id FROM chat_groups g
		WHERE g.workspace_id = ? AND g.deleted_at = 0 AND g.is_default = 0
		  AND NOT EXISTS (SELECT 1 FROM group_members gm JOIN agents a ON a.id = gm.agent_id AND a.deleted_at = 0
		                  WHERE gm.group_id = g.id AND a.kind NOT IN ('`+string(agora.KindSystemHuman)+`','`+string(agora.KindSystemAssistant)+`'))
		ORDER BY g.created_at, g.id`, "redundant_system")
}

func (s *Store) softDeleteGroups(ctx context.Context, workspaceID, selectQuery, reason string) ([]string, error) {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("soft delete groups: %w", err)
	}
	defer tx.Rollback()
	ids, err := collectIDs(ctx, tx, selectQuery, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("soft delete groups: %w", err)
	}
	if len(ids) > 0 {
		args := make([]any, 0, len(ids)+1)
		args = append(args, agora.NowUnixMilli())
		for _, id := range ids {
			args = append(args, id)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE chat_groups SET deleted_at = ? WHERE id IN (`+placeholders(len(ids))+`)`, args...); err != nil {
			return nil, fmt.Errorf("soft delete groups: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("soft delete groups: %w", err)
	}
	s.logger.Debug("sqlite: groups GC'd",
		"reason", reason, "count", len(ids), "workspace_id", workspaceID, "duration", time.Since(start))
	return ids, nil
}

// --- Model profiles ---

const profileCols = `id, workspace_id, provider, model, base_url, api_key, headers, is_default, created_at`

func scanProfile(row rowScanner) (agora.ModelProfile, error) {
	var p agora.ModelProfile
	var headers sql.NullString
	var isDefault int
	err := row.Scan(&p.ID, &p.WorkspaceID, &p.Provider, &p.Model, &p.BaseURL, &p.APIKey, &headers, &isDefault, &p.CreatedAt)
	if err != nil {
		return agora.ModelProfile{}, err
	}
	p.IsDefault = isDefault != 0
	if headers.Valid && headers.String != "" {
		if err := json.Unmarshal([]byte(headers.String), &p.Headers); err != nil {
			return agora.ModelProfile{}, fmt.Errorf("decode headers: %w", err)
		}
	}
	return p, nil
}

// CreateModelProfile inserts a profile. The first profile in a workspace
// becomes the default automatically.
func (s *Store) CreateModelProfile(ctx context.Context, p agora.ModelProfile) (agora.ModelProfile, error) {
	if p.WorkspaceID == "" || p.Provider == "" || p.Model == "" {
		return agora.ModelProfile{}, &agora.ErrInvalid{Op: "store.create_model_profile", Reason: "workspace, provider and model required"}
	}
	if p.ID == "" {
		p.ID = agora.NewID()
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = agora.NowUnixMilli()
	}
	var headers any
	if len(p.Headers) > 0 {
		b, err := json.Marshal(p.Headers)
		if err != nil {
			return agora.ModelProfile{}, fmt.Errorf("create model profile: %w", err)
		}
		headers = string(b)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return agora.ModelProfile{}, fmt.Errorf("create model profile: %w", err)
	}
	defer tx.Rollback()
	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM model_profiles WHERE workspace_id = ?`, p.WorkspaceID).Scan(&count); err != nil {
		return agora.ModelProfile{}, fmt.Errorf("create model profile: %w", err)
	}
	if count == 0 {
		p.IsDefault = true
	}
	if p.IsDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE model_profiles SET is_default = 0 WHERE workspace_id = ?`, p.WorkspaceID); err != nil {
			return agora.ModelProfile{}, fmt.Errorf("create model profile: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO model_profiles (id, workspace_id, provider, model, base_url, api_key, headers, is_default, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.WorkspaceID, p.Provider, p.Model, p.BaseURL, p.APIKey, headers, boolInt(p.IsDefault), p.CreatedAt); err != nil {
		return agora.ModelProfile{}, fmt.Errorf("create model profile: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return agora.ModelProfile{}, fmt.Errorf("create model profile: %w", err)
	}
	s.logger.Debug("sqlite: model profile created",
		"profile_id", p.ID, "provider", p.Provider, "model", p.Model, "default", p.IsDefault)
	return p, nil
}

// GetModelProfile returns one profile by id.
func (s *Store) GetModelProfile(ctx context.Context, id string) (agora.ModelProfile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx,
		`SELECT `+profileCols+` FROM model_profiles WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return agora.ModelProfile{}, &agora.ErrNotFound{Kind: "model_profile", ID: id}
	}
	if err != nil {
		return agora.ModelProfile{}, fmt.Errorf("get model profile: %w", err)
	}
	return p, nil
}

// ListModelProfiles returns a workspace's profiles in creation order.
func (s *Store) ListModelProfiles(ctx context.Context, workspaceID string) ([]agora.ModelProfile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+profileCols+` FROM model_profiles WHERE workspace_id = ? ORDER BY created_at, id`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list model profiles: %w", err)
	}
	defer rows.Close()
	var out []agora.ModelProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("list model profiles: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetDefaultModelProfile makes profileID the workspace default, clearing
// the flag everywhere else.
func (s *Store) SetDefaultModelProfile(ctx context.Context, workspaceID, profileID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set default model profile: %w", err)
	}
	defer tx.Rollback()
	var ws string
	err = tx.QueryRowContext(ctx, `SELECT workspace_id FROM model_profiles WHERE id = ?`, profileID).Scan(&ws)
	if errors.Is(err, sql.ErrNoRows) {
		return &agora.ErrNotFound{Kind: "model_profile", ID: profileID}
	}
	if err != nil {
		return fmt.Errorf("set default model profile: %w", err)
	}
	if ws != workspaceID {
		return &agora.ErrInvalid{Op: "store.set_default_model_profile", Reason: "profile outside workspace"}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE model_profiles SET is_default = 0 WHERE workspace_id = ?`, workspaceID); err != nil {
		return fmt.Errorf("set default model profile: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE model_profiles SET is_default = 1 WHERE id = ?`, profileID); err != nil {
		return fmt.Errorf("set default model profile: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set default model profile: %w", err)
	}
	return nil
}

// --- Task runs ---

const taskCols = `id, workspace_id, root_group_id, owner_agent_id, goal, status, stop_reason, budget, metrics, summary_message_id, started_at, deadline_at, stopped_at`

func scanTaskRun(row rowScanner) (agora.TaskRun, error) {
	var t agora.TaskRun
	var status, stopReason, budget, metrics string
	err := row.Scan(&t.ID, &t.WorkspaceID, &t.RootGroupID, &t.OwnerAgentID, &t.Goal,
		&status, &stopReason, &budget, &metrics, &t.SummaryMessageID, &t.StartedAt, &t.DeadlineAt, &t.StoppedAt)
	if err != nil {
		return agora.TaskRun{}, err
	}
	t.Status = agora.TaskStatus(status)
	t.StopReason = agora.StopReason(stopReason)
	if budget != "" {
		if err := json.Unmarshal([]byte(budget), &t.Budget); err != nil {
			return agora.TaskRun{}, fmt.Errorf("decode budget: %w", err)
		}
	}
	if metrics != "" {
		if err := json.Unmarshal([]byte(metrics), &t.Metrics); err != nil {
			return agora.TaskRun{}, fmt.Errorf("decode metrics: %w", err)
		}
	}
	return t, nil
}

func taskJSON(t agora.TaskRun) (string, string, error) {
	budget, err := json.Marshal(t.Budget)
	if err != nil {
		return "", "", err
	}
	metrics, err := json.Marshal(t.Metrics)
	if err != nil {
		return "", "", err
	}
	return string(budget), string(metrics), nil
}

// CreateTaskRun persists a new run row.
func (s *Store) CreateTaskRun(ctx context.Context, t agora.TaskRun) (agora.TaskRun, error) {
	if t.WorkspaceID == "" || t.RootGroupID == "" {
		return agora.TaskRun{}, &agora.ErrInvalid{Op: "store.create_task_run", Reason: "workspace and root group required"}
	}
	if t.ID == "" {
		t.ID = agora.NewID()
	}
	if t.StartedAt == 0 {
		t.StartedAt = agora.NowUnixMilli()
	}
	if t.Status == "" {
		t.Status = agora.TaskRunning
	}
	budget, metrics, err := taskJSON(t)
	if err != nil {
		return agora.TaskRun{}, fmt.Errorf("create task run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_runs (`+taskCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkspaceID, t.RootGroupID, t.OwnerAgentID, t.Goal, string(t.Status), string(t.StopReason),
		budget, metrics, t.SummaryMessageID, t.StartedAt, t.DeadlineAt, t.StoppedAt)
	if err != nil {
		return agora.TaskRun{}, fmt.Errorf("create task run: %w", err)
	}
	s.logger.Debug("sqlite: task run created", "task_id", t.ID, "workspace_id", t.WorkspaceID, "group_id", t.RootGroupID)
	return t, nil
}

// UpdateTaskRun rewrites the mutable run fields.
func (s *Store) UpdateTaskRun(ctx context.Context, t agora.TaskRun) error {
	budget, metrics, err := taskJSON(t)
	if err != nil {
		return fmt.Errorf("update task run: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_runs SET status = ?, stop_reason = ?, budget = ?, metrics = ?, summary_message_id = ?, deadline_at = ?, stopped_at = ?
		 WHERE id = ?`,
		string(t.Status), string(t.StopReason), budget, metrics, t.SummaryMessageID, t.DeadlineAt, t.StoppedAt, t.ID)
	if err != nil {
		return fmt.Errorf("update task run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task run: %w", err)
	}
	if n == 0 {
		return &agora.ErrNotFound{Kind: "task_run", ID: t.ID}
	}
	return nil
}

// GetTaskRunByID returns one run.
func (s *Store) GetTaskRunByID(ctx context.Context, id string) (agora.TaskRun, error) {
	t, err := scanTaskRun(s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM task_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return agora.TaskRun{}, &agora.ErrNotFound{Kind: "task_run", ID: id}
	}
	if err != nil {
		return agora.TaskRun{}, fmt.Errorf("get task run: %w", err)
	}
	return t, nil
}

// GetLatestTaskRun returns the most recently started run in the workspace.
func (s *Store) GetLatestTaskRun(ctx context.Context, workspaceID string) (agora.TaskRun, error) {
	t, err := scanTaskRun(s.db.QueryRowContext(ctx,
		`SELECT `+taskCols+` FROM task_runs WHERE workspace_id = ? ORDER BY started_at DESC, id DESC LIMIT 1`, workspaceID))
	if errors.Is(err, sql.ErrNoRows) {
		return agora.TaskRun{}, &agora.ErrNotFound{Kind: "task_run", ID: workspaceID}
	}
	if err != nil {
		return agora.TaskRun{}, fmt.Errorf("get latest task run: %w", err)
	}
	return t, nil
}

// ListRunningTaskRuns returns every run with status running or stopping,
// across all workspaces. Used to rehydrate supervisors on boot.
func (s *Store) ListRunningTaskRuns(ctx context.Context) ([]agora.TaskRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskCols+` FROM task_runs WHERE status IN (?, ?) ORDER BY started_at, id`,
		string(agora.TaskRunning), string(agora.TaskStopping))
	if err != nil {
		return nil, fmt.Errorf("list running task runs: %w", err)
	}
	defer rows.Close()
	var out []agora.TaskRun
	for rows.Next() {
		t, err := scanTaskRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list running task runs: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Task reviews ---

// CreateTaskReview persists a quality review, replacing any earlier review
// of the same run.
func (s *Store) CreateTaskReview(ctx context.Context, r agora.TaskReview) error {
	if r.TaskID == "" {
		return &agora.ErrInvalid{Op: "store.create_task_review", Reason: "task id required"}
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = agora.NowUnixMilli()
	}
	score, err := json.Marshal(r.Score)
	if err != nil {
		return fmt.Errorf("create task review: %w", err)
	}
	highlights, err := json.Marshal(r.Highlights)
	if err != nil {
		return fmt.Errorf("create task review: %w", err)
	}
	issues, err := json.Marshal(r.Issues)
	if err != nil {
		return fmt.Errorf("create task review: %w", err)
	}
	next, err := json.Marshal(r.NextActions)
	if err != nil {
		return fmt.Errorf("create task review: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO task_reviews (task_id, score, verdict, highlights, issues, next_actions, narrative, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TaskID, string(score), string(r.Verdict), string(highlights), string(issues), string(next), r.Narrative, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create task review: %w", err)
	}
	s.logger.Debug("sqlite: task review created", "task_id", r.TaskID, "verdict", r.Verdict)
	return nil
}

// GetTaskReview returns the review for one run.
func (s *Store) GetTaskReview(ctx context.Context, taskID string) (agora.TaskReview, error) {
	var r agora.TaskReview
	var score, verdict string
	var highlights, issues, next sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, score, verdict, highlights, issues, next_actions, narrative, created_at FROM task_reviews WHERE task_id = ?`,
		taskID).Scan(&r.TaskID, &score, &verdict, &highlights, &issues, &next, &r.Narrative, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return agora.TaskReview{}, &agora.ErrNotFound{Kind: "task_review", ID: taskID}
	}
	if err != nil {
		return agora.TaskReview{}, fmt.Errorf("get task review: %w", err)
	}
	r.Verdict = agora.ReviewVerdict(verdict)
	if score != "" {
		if err := json.Unmarshal([]byte(score), &r.Score); err != nil {
			return agora.TaskReview{}, fmt.Errorf("decode score: %w", err)
		}
	}
	for _, pair := range []struct {
		src sql.NullString
		dst any
	}{
		{highlights, &r.Highlights},
		{issues, &r.Issues},
		{next, &r.NextActions},
	} {
		if pair.src.Valid && pair.src.String != "" && pair.src.String != "null" {
			if err := json.Unmarshal([]byte(pair.src.String), pair.dst); err != nil {
				return agora.TaskReview{}, fmt.Errorf("decode review: %w", err)
			}
		}
	}
	return r, nil
}
