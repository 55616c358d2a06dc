package agora

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Built-in tool names. The set is part of the external contract; everything
// else falls through to the plugin registry.
const (
	ToolSelf              = "self"
	ToolListAgents        = "list_agents"
	ToolListGroups        = "list_groups"
	ToolListGroupMembers  = "list_group_members"
	ToolGetGroupMessages  = "get_group_messages"
	ToolCreate            = "create"
	ToolCreateGroup       = "create_group"
	ToolSend              = "send"
	ToolSendGroupMessage  = "send_group_message"
	ToolSendDirectMessage = "send_direct_message"
	ToolBash              = "bash"
	ToolGetSkill          = "get_skill"
)

// sendToolNames are the calls that count as "the agent said something".
var sendToolNames = map[string]bool{
	ToolSend:              true,
	ToolSendGroupMessage:  true,
	ToolSendDirectMessage: true,
}

// IsSendTool reports whether a tool call delivers a message.
func IsSendTool(name string) bool { return sendToolNames[name] }

const groupMessagesFetchLimit = 50

var builtinDefs = []ToolDefinition{
	{
		Name:        ToolSelf,
		Description: "Return your own agent id, workspace id and role.",
		Parameters:  `{"type":"object","properties":{}}`,
	},
	{
		Name:        ToolListAgents,
		Description: "List the live agents in your workspace with their roles and activity state.",
		Parameters:  `{"type":"object","properties":{}}`,
	},
	{
		Name:        ToolListGroups,
		Description: "List the groups you belong to, with members, unread counts and latest activity.",
		Parameters:  `{"type":"object","properties":{}}`,
	},
	{
		Name:        ToolListGroupMembers,
		Description: "List the members of a group you belong to.",
		Parameters:  `{"type":"object","properties":{"groupId":{"type":"string","description":"Group to inspect"}},"required":["groupId"]}`,
	},
	{
		Name:        ToolGetGroupMessages,
		Description: "Fetch the recent messages of a group you belong to, oldest first.",
		Parameters:  `{"type":"object","properties":{"groupId":{"type":"string","description":"Group to read"}},"required":["groupId"]}`,
	},
	{
		Name:        ToolCreate,
		Description: "Spawn a sub-agent with the given role. A private chat group between the sub-agent and the workspace operator is created automatically. The sub-agent starts paused.",
		Parameters:  `{"type":"object","properties":{"role":{"type":"string","description":"Persona and duties of the new agent"},"guidance":{"type":"string","description":"Extra standing instructions for the new agent"}},"required":["role"]}`,
	},
	{
		Name:        ToolCreateGroup,
		Description: "Create a group containing you and the given members, or reuse the canonical group when one already exists for exactly these members.",
		Parameters:  `{"type":"object","properties":{"memberIds":{"type":"array","items":{"type":"string"},"description":"Agent ids to include; you are added automatically"},"name":{"type":"string","description":"Optional display name"}},"required":["memberIds"]}`,
	},
	{
		Name:        ToolSend,
		Description: "Send a direct message to one agent. Resolves or creates the private group between the two of you.",
		Parameters:  `{"type":"object","properties":{"to":{"type":"string","description":"Recipient agent id"},"content":{"type":"string","description":"Message text"}},"required":["to","content"]}`,
	},
	{
		Name:        ToolSendGroupMessage,
		Description: "Send a message into a group you belong to.",
		Parameters:  `{"type":"object","properties":{"groupId":{"type":"string"},"content":{"type":"string"},"contentType":{"type":"string","description":"Defaults to text"}},"required":["groupId","content"]}`,
	},
	{
		Name:        ToolSendDirectMessage,
		Description: "Send a direct message to one agent, optionally forcing a fresh thread.",
		Parameters:  `{"type":"object","properties":{"toAgentId":{"type":"string"},"content":{"type":"string"},"contentType":{"type":"string","description":"Defaults to text"}},"required":["toAgentId","content"]}`,
	},
	{
		Name:        ToolBash,
		Description: "Run a shell command inside the workspace directory. Output is truncated beyond the size cap.",
		Parameters:  `{"type":"object","properties":{"command":{"type":"string"},"cwd":{"type":"string","description":"Working directory, must stay inside the workspace root"},"timeoutMs":{"type":"integer","description":"Wall-clock limit, default 120000"},"maxOutputKB":{"type":"integer","description":"Combined stdout+stderr cap, default 1024"}},"required":["command"]}`,
	},
	{
		Name:        ToolGetSkill,
		Description: "Load the full content of a skill listed in your system prompt.",
		Parameters:  `{"type":"object","properties":{"skill_name":{"type":"string"}},"required":["skill_name"]}`,
	},
}

// builtinSchemas are compiled once at package init; the definitions are
// static literals, so compilation failures are programming errors.
var builtinSchemas = func() map[string]*jsonschema.Schema {
	m := make(map[string]*jsonschema.Schema, len(builtinDefs))
	for _, d := range builtinDefs {
		m[d.Name] = jsonschema.MustCompileString(d.Name+".schema.json", d.Parameters)
	}
	return m
}()

// ToolContext identifies the caller for one dispatch: the agent and the
// group whose unread batch it is currently draining.
type ToolContext struct {
	Agent Agent
	Group Group
}

// TaskGuard reports the root group id of the workspace's active task run,
// if any. The dispatcher uses it to fence in-task tool usage.
type TaskGuard func(workspaceID string) (rootGroupID string, active bool)

// DispatcherConfig wires a Dispatcher. Store and Bus are required; the rest
// degrade gracefully when absent.
type DispatcherConfig struct {
	Store   Store
	Bus     *Bus
	Shell   *ShellRunner
	Skills  SkillSource
	Plugins *ToolRegistry
	FanOut  *FanOut
	Guard   TaskGuard
	Logger  *slog.Logger
}

// Dispatcher maps (agent, tool call) to a structured outcome. Capability
// failures become ok=false outcomes the model can read; only infrastructure
// failures (store down) return an error and abort the drain.
type Dispatcher struct {
	store   Store
	bus     *Bus
	shell   *ShellRunner
	skills  SkillSource
	plugins *ToolRegistry
	fanout  *FanOut
	guard   TaskGuard
	logger  *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &Dispatcher{
		store:   cfg.Store,
		bus:     cfg.Bus,
		shell:   cfg.Shell,
		skills:  cfg.Skills,
		plugins: cfg.Plugins,
		fanout:  cfg.FanOut,
		guard:   cfg.Guard,
		logger:  logger,
	}
}

// Definitions returns the full tool catalog offered to models: built-ins
// first, then plugins.
func (d *Dispatcher) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(builtinDefs))
	defs = append(defs, builtinDefs...)
	defs = append(defs, d.plugins.AllDefinitions()...)
	return defs
}

// Dispatch executes one tool call, emitting tool_call.start/done events
// around it.
func (d *Dispatcher) Dispatch(ctx context.Context, tc ToolContext, call ToolCall) (ToolOutcome, error) {
	started := time.Now()
	d.bus.Emit(tc.Agent.WorkspaceID, EventToolCallStart, map[string]any{
		"agent_id":     tc.Agent.ID,
		"tool_call_id": call.ID,
		"name":         call.Name,
	})

	out, err := d.dispatch(ctx, tc, call)

	done := map[string]any{
		"agent_id":     tc.Agent.ID,
		"tool_call_id": call.ID,
		"name":         call.Name,
		"duration_ms":  time.Since(started).Milliseconds(),
	}
	if err != nil {
		done["ok"] = false
		done["error"] = err.Error()
		d.bus.Emit(tc.Agent.WorkspaceID, EventToolCallDone, done)
		return ToolOutcome{}, err
	}
	done["ok"] = out.OK
	if out.Error != "" {
		done["error"] = out.Error
	}
	d.bus.Emit(tc.Agent.WorkspaceID, EventToolCallDone, done)
	return out, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, tc ToolContext, call ToolCall) (ToolOutcome, error) {
	schema, builtin := builtinSchemas[call.Name]
	if !builtin {
		if d.plugins.Has(call.Name) {
			out, err := d.plugins.Execute(ctx, call.Name, json.RawMessage(call.Args))
			if err != nil {
				// Plugin misbehavior must not kill the drain.
				d.logger.Warn("plugin tool failed", "name", call.Name, "err", err)
				return Fail(err.Error()), nil
			}
			return out, nil
		}
		return Fail("Unknown tool: " + call.Name), nil
	}

	raw := strings.TrimSpace(call.Args)
	if raw == "" {
		raw = "{}"
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return Fail("invalid tool arguments: " + err.Error()), nil
	}
	if err := schema.Validate(decoded); err != nil {
		return Fail("invalid tool arguments: " + err.Error()), nil
	}

	if out, blocked := d.taskFence(tc, call.Name, raw); blocked {
		return out, nil
	}

	switch call.Name {
	case ToolSelf:
		return Ok(map[string]any{
			"agentId":     tc.Agent.ID,
			"workspaceId": tc.Agent.WorkspaceID,
			"role":        tc.Agent.Role,
		}), nil
	case ToolListAgents:
		return d.listAgents(ctx, tc)
	case ToolListGroups:
		return d.listGroups(ctx, tc)
	case ToolListGroupMembers:
		return d.listGroupMembers(ctx, tc, raw)
	case ToolGetGroupMessages:
		return d.getGroupMessages(ctx, tc, raw)
	case ToolCreate:
		return d.createSubAgent(ctx, tc, raw)
	case ToolCreateGroup:
		return d.createGroup(ctx, tc, raw)
	case ToolSend:
		return d.sendDirect(ctx, tc, raw, false)
	case ToolSendGroupMessage:
		return d.sendGroupMessage(ctx, tc, raw)
	case ToolSendDirectMessage:
		return d.sendDirect(ctx, tc, raw, true)
	case ToolBash:
		return d.bash(ctx, raw)
	case ToolGetSkill:
		return d.getSkill(ctx, raw)
	}
	return Fail("Unknown tool: " + call.Name), nil
}

// taskFence rejects topology-changing and out-of-group sends while the
// caller is operating inside an active task's root group.
func (d *Dispatcher) taskFence(tc ToolContext, name, rawArgs string) (ToolOutcome, bool) {
	if d.guard == nil {
		return ToolOutcome{}, false
	}
	rootGroupID, active := d.guard(tc.Agent.WorkspaceID)
	if !active || tc.Group.ID != rootGroupID {
		return ToolOutcome{}, false
	}
	switch name {
	case ToolCreate, ToolCreateGroup, ToolSend, ToolSendDirectMessage:
		return Fail(taskFenceError(name)), true
	case ToolSendGroupMessage:
		var args struct {
			GroupID string `json:"groupId"`
		}
		if err := json.Unmarshal([]byte(rawArgs), &args); err == nil && args.GroupID != rootGroupID {
			return Fail(taskFenceError(name)), true
		}
	}
	return ToolOutcome{}, false
}

func taskFenceError(name string) string {
	return fmt.Sprintf("Tool '%s' is disabled during an active task run; collaborate inside the task group", name)
}

func (d *Dispatcher) listAgents(ctx context.Context, tc ToolContext) (ToolOutcome, error) {
	agents, err := d.store.ListAgentsMeta(ctx, AgentFilter{WorkspaceID: tc.Agent.WorkspaceID})
	if err != nil {
		return outcomeOrFailure("list_agents", err)
	}
	list := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		list = append(list, map[string]any{
			"agentId":      a.ID,
			"role":         a.Role,
			"kind":         a.Kind,
			"autoRun":      a.AutoRun,
			"parentId":     a.ParentID,
			"lastActiveAt": a.LastActiveAt,
		})
	}
	return Ok(map[string]any{"agents": list}), nil
}

func (d *Dispatcher) listGroups(ctx context.Context, tc ToolContext) (ToolOutcome, error) {
	groups, err := d.store.ListGroups(ctx, GroupFilter{WorkspaceID: tc.Agent.WorkspaceID, AgentID: tc.Agent.ID})
	if err != nil {
		return outcomeOrFailure("list_groups", err)
	}
	list := make([]map[string]any, 0, len(groups))
	for _, g := range groups {
		list = append(list, map[string]any{
			"groupId":       g.ID,
			"name":          g.Name,
			"kind":          g.Kind,
			"memberIds":     g.MemberIDs,
			"unreadCount":   g.UnreadCount,
			"contextTokens": g.ContextTokens,
			"updatedAt":     g.UpdatedAt,
		})
	}
	return Ok(map[string]any{"groups": list}), nil
}

// membership loads a group's members and verifies the caller is one of
// them.
func (d *Dispatcher) membership(ctx context.Context, tc ToolContext, groupID string) ([]GroupMember, error) {
	members, err := d.store.ListGroupMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if m.AgentID == tc.Agent.ID {
			return members, nil
		}
	}
	return nil, &ErrAccessDenied{Op: "group " + groupID, Reason: "you are not a member of this group"}
}

func (d *Dispatcher) listGroupMembers(ctx context.Context, tc ToolContext, rawArgs string) (ToolOutcome, error) {
	var args struct {
		GroupID string `json:"groupId"`
	}
	_ = json.Unmarshal([]byte(rawArgs), &args)
	members, err := d.membership(ctx, tc, args.GroupID)
	if err != nil {
		return outcomeOrFailure("list_group_members", err)
	}
	list := make([]map[string]any, 0, len(members))
	for _, m := range members {
		list = append(list, map[string]any{
			"agentId":           m.AgentID,
			"joinedAt":          m.JoinedAt,
			"lastReadMessageId": m.LastReadMessageID,
		})
	}
	return Ok(map[string]any{"members": list}), nil
}

func (d *Dispatcher) getGroupMessages(ctx context.Context, tc ToolContext, rawArgs string) (ToolOutcome, error) {
	var args struct {
		GroupID string `json:"groupId"`
	}
	_ = json.Unmarshal([]byte(rawArgs), &args)
	if _, err := d.membership(ctx, tc, args.GroupID); err != nil {
		return outcomeOrFailure("get_group_messages", err)
	}
	msgs, err := d.store.ListGroupMessages(ctx, args.GroupID, groupMessagesFetchLimit)
	if err != nil {
		return outcomeOrFailure("get_group_messages", err)
	}
	list := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		list = append(list, map[string]any{
			"messageId":   m.ID,
			"senderId":    m.SenderID,
			"content":     m.Content,
			"contentType": m.ContentType,
			"sendTime":    m.SendTime,
		})
	}
	return Ok(map[string]any{"messages": list}), nil
}

func (d *Dispatcher) createSubAgent(ctx context.Context, tc ToolContext, rawArgs string) (ToolOutcome, error) {
	var args struct {
		Role     string `json:"role"`
		Guidance string `json:"guidance"`
	}
	_ = json.Unmarshal([]byte(rawArgs), &args)

	agentID, pairGroupID, err := d.store.SpawnSubAgent(ctx, SpawnSubAgent{
		WorkspaceID: tc.Agent.WorkspaceID,
		ParentID:    tc.Agent.ID,
		Role:        args.Role,
	})
	if err != nil {
		return outcomeOrFailure("create", err)
	}

	sub, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return ToolOutcome{}, err
	}
	seed := SystemSeed(sub, d.listSkills(ctx))
	if args.Guidance != "" {
		seed += "\nOperator guidance: " + args.Guidance
	}
	raw, err := EncodeHistory([]HistoryEntry{SystemEntry(seed)})
	if err != nil {
		return ToolOutcome{}, err
	}
	if err := d.store.SetAgentHistory(ctx, agentID, raw); err != nil {
		return ToolOutcome{}, err
	}

	d.bus.Emit(tc.Agent.WorkspaceID, EventAgentCreated, map[string]any{
		"agent_id":  agentID,
		"role":      args.Role,
		"parent_id": tc.Agent.ID,
	})
	d.bus.Emit(tc.Agent.WorkspaceID, EventGroupCreated, map[string]any{
		"group_id": pairGroupID,
		"kind":     GroupKindChat,
	})
	return Ok(map[string]any{"agentId": agentID, "role": args.Role, "groupId": pairGroupID}), nil
}

func (d *Dispatcher) createGroup(ctx context.Context, tc ToolContext, rawArgs string) (ToolOutcome, error) {
	var args struct {
		MemberIDs []string `json:"memberIds"`
		Name      string   `json:"name"`
	}
	_ = json.Unmarshal([]byte(rawArgs), &args)

	seen := map[string]bool{tc.Agent.ID: true}
	members := []string{tc.Agent.ID}
	for _, id := range args.MemberIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, id)
	}
	if len(members) < 2 {
		return Fail("create_group needs at least one member besides you"), nil
	}
	sort.Strings(members)

	// Pairwise groups are canonical: reuse (and de-duplicate) before
	// creating. Larger unnamed groups reuse an exact match too.
	if len(members) == 2 {
		existing, err := d.store.FindLatestExactP2PGroupID(ctx, tc.Agent.WorkspaceID, members[0], members[1])
		if err != nil && !IsNotFound(err) {
			return outcomeOrFailure("create_group", err)
		}
		if existing != "" {
			keeper, err := d.store.MergeDuplicateExactP2PGroups(ctx, MergeP2PParams{
				WorkspaceID:   tc.Agent.WorkspaceID,
				AgentA:        members[0],
				AgentB:        members[1],
				PreferredName: args.Name,
			})
			if err != nil {
				return outcomeOrFailure("create_group", err)
			}
			return Ok(map[string]any{"groupId": keeper, "name": args.Name, "reused": true}), nil
		}
	} else if args.Name == "" {
		existing, err := d.store.FindLatestExactGroupID(ctx, tc.Agent.WorkspaceID, members)
		if err != nil && !IsNotFound(err) {
			return outcomeOrFailure("create_group", err)
		}
		if existing != "" {
			return Ok(map[string]any{"groupId": existing, "name": "", "reused": true}), nil
		}
	}

	g, err := d.store.CreateGroup(ctx, CreateGroupParams{
		WorkspaceID: tc.Agent.WorkspaceID,
		MemberIDs:   members,
		Name:        args.Name,
	})
	if err != nil {
		return outcomeOrFailure("create_group", err)
	}
	d.bus.Emit(tc.Agent.WorkspaceID, EventGroupCreated, map[string]any{
		"group_id":   g.ID,
		"name":       g.Name,
		"kind":       g.Kind,
		"member_ids": members,
	})
	return Ok(map[string]any{"groupId": g.ID, "name": g.Name}), nil
}

// sendDirect backs both `send` and `send_direct_message`; the latter has a
// wider schema and reports sendTime.
func (d *Dispatcher) sendDirect(ctx context.Context, tc ToolContext, rawArgs string, extended bool) (ToolOutcome, error) {
	var args struct {
		To          string `json:"to"`
		ToAgentID   string `json:"toAgentId"`
		Content     string `json:"content"`
		ContentType string `json:"contentType"`
	}
	_ = json.Unmarshal([]byte(rawArgs), &args)
	to := args.To
	if to == "" {
		to = args.ToAgentID
	}
	if to == tc.Agent.ID {
		return Fail("cannot send a direct message to yourself"), nil
	}

	res, err := d.store.SendDirectMessage(ctx, DirectSendParams{
		WorkspaceID: tc.Agent.WorkspaceID,
		FromID:      tc.Agent.ID,
		ToID:        to,
		Content:     args.Content,
		ContentType: args.ContentType,
	})
	if err != nil {
		return outcomeOrFailure("send", err)
	}
	if res.Channel == ChannelNewGroup || res.Channel == ChannelNewThread {
		d.bus.Emit(tc.Agent.WorkspaceID, EventGroupCreated, map[string]any{
			"group_id":   res.GroupID,
			"kind":       GroupKindChat,
			"member_ids": []string{tc.Agent.ID, to},
		})
	}
	d.fanout.MessageSent(ctx, res.Message)

	data := map[string]any{
		"groupId":   res.GroupID,
		"messageId": res.Message.ID,
		"channel":   res.Channel,
	}
	if extended {
		data["sendTime"] = res.Message.SendTime
	}
	return Ok(data), nil
}

func (d *Dispatcher) sendGroupMessage(ctx context.Context, tc ToolContext, rawArgs string) (ToolOutcome, error) {
	var args struct {
		GroupID     string `json:"groupId"`
		Content     string `json:"content"`
		ContentType string `json:"contentType"`
	}
	_ = json.Unmarshal([]byte(rawArgs), &args)

	if _, err := d.membership(ctx, tc, args.GroupID); err != nil {
		return outcomeOrFailure("send_group_message", err)
	}
	msg, err := d.store.SendMessage(ctx, SendMessageParams{
		WorkspaceID: tc.Agent.WorkspaceID,
		GroupID:     args.GroupID,
		SenderID:    tc.Agent.ID,
		Content:     args.Content,
		ContentType: args.ContentType,
	})
	if err != nil {
		return outcomeOrFailure("send_group_message", err)
	}
	d.fanout.MessageSent(ctx, msg)
	return Ok(map[string]any{"messageId": msg.ID, "sendTime": msg.SendTime}), nil
}

func (d *Dispatcher) bash(ctx context.Context, rawArgs string) (ToolOutcome, error) {
	if d.shell == nil {
		return Fail("shell execution is not configured"), nil
	}
	var args struct {
		Command     string `json:"command"`
		Cwd         string `json:"cwd"`
		TimeoutMs   int    `json:"timeoutMs"`
		MaxOutputKB int    `json:"maxOutputKB"`
	}
	_ = json.Unmarshal([]byte(rawArgs), &args)

	res, err := d.shell.Run(ctx, ShellRequest{
		Command:     args.Command,
		Cwd:         args.Cwd,
		TimeoutMs:   args.TimeoutMs,
		MaxOutputKB: args.MaxOutputKB,
	})
	if err != nil {
		return outcomeOrFailure("bash", err)
	}

	data := map[string]any{
		"stdout":   res.Stdout,
		"stderr":   res.Stderr,
		"exitCode": res.ExitCode,
	}
	if res.Truncated {
		data["truncated"] = true
	}
	if res.TimedOut {
		data["timedOut"] = true
		return ToolOutcome{OK: false, Error: "command timed out", Data: data}, nil
	}
	if res.ExitCode != 0 {
		return ToolOutcome{OK: false, Error: fmt.Sprintf("exit status %d", res.ExitCode), Data: data}, nil
	}
	return Ok(data), nil
}

func (d *Dispatcher) getSkill(ctx context.Context, rawArgs string) (ToolOutcome, error) {
	if d.skills == nil {
		return Fail("no skills are configured"), nil
	}
	var args struct {
		SkillName string `json:"skill_name"`
	}
	_ = json.Unmarshal([]byte(rawArgs), &args)

	sk, err := d.skills.Get(ctx, args.SkillName)
	if err != nil {
		return outcomeOrFailure("get_skill", err)
	}
	return Ok(map[string]any{"content": sk.Content}), nil
}

func (d *Dispatcher) listSkills(ctx context.Context) []Skill {
	if d.skills == nil {
		return nil
	}
	skills, err := d.skills.List(ctx)
	if err != nil {
		d.logger.Warn("list skills failed", "err", err)
		return nil
	}
	return skills
}

// outcomeOrFailure folds capability errors (missing rows, denied access,
// invalid requests) into ok=false outcomes and lets infrastructure errors
// propagate to the drain loop.
func outcomeOrFailure(op string, err error) (ToolOutcome, error) {
	var nf *ErrNotFound
	var ad *ErrAccessDenied
	var iv *ErrInvalid
	switch {
	case errors.As(err, &nf), errors.As(err, &ad), errors.As(err, &iv):
		return Fail(err.Error()), nil
	default:
		return ToolOutcome{}, fmt.Errorf("%s: %w", op, err)
	}
}
