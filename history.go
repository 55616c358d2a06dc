package agora

import (
	"encoding/json"
	"fmt"
	"strings"
)

// History entry kinds. The four-variant shape mirrors the chat-completion
// wire protocol so histories replay into providers without translation.
const (
	EntrySystem    = "system"
	EntryUser      = "user"
	EntryAssistant = "assistant"
	EntryTool      = "tool"
)

// HistoryEntry is one step of an agent's private conversation. Exactly one
// kind applies; the optional fields belong to assistant (ToolCalls,
// Reasoning) and tool (ToolCallID, ToolName) entries.
type HistoryEntry struct {
	Kind       string     `json:"kind"`
	Content    string     `json:"content"`
	Reasoning  string     `json:"reasoning,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

func SystemEntry(text string) HistoryEntry {
	return HistoryEntry{Kind: EntrySystem, Content: text}
}

func UserEntry(text string) HistoryEntry {
	return HistoryEntry{Kind: EntryUser, Content: text}
}

func AssistantEntry(content, reasoning string) HistoryEntry {
	return HistoryEntry{Kind: EntryAssistant, Content: content, Reasoning: reasoning}
}

func ToolEntry(callID, name, result string) HistoryEntry {
	return HistoryEntry{Kind: EntryTool, Content: result, ToolCallID: callID, ToolName: name}
}

// EncodeHistory serializes entries for the agent row. nil encodes to nil so
// a never-run agent stays distinguishable from one with an empty turn.
func EncodeHistory(entries []HistoryEntry) ([]byte, error) {
	if entries == nil {
		return nil, nil
	}
	return json.Marshal(entries)
}

// DecodeHistory is the inverse of EncodeHistory; empty input yields nil.
func DecodeHistory(raw []byte) ([]HistoryEntry, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var entries []HistoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return entries, nil
}

const skillsBlockHeader = "## Skills"

// SystemSeed renders the first system entry of an agent's history: identity,
// messaging guidance, and the skills catalog when one is configured.
func SystemSeed(agent Agent, skills []Skill) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are agent %s in workspace %s.\n", agent.ID, agent.WorkspaceID)
	if agent.Role != "" {
		fmt.Fprintf(&b, "Your role: %s\n", agent.Role)
	}
	b.WriteString("\nYou communicate only through tools. Plain assistant text is private reasoning and is never delivered to anyone.\n")
	b.WriteString("Use send or send_direct_message for one recipient, send_group_message for a group you belong to.\n")
	b.WriteString("Use list_agents and list_groups to discover who is around, and create to spawn a sub-agent when the work needs one.\n")
	if block := skillsPromptBlock(skills); block != "" {
		b.WriteString("\n")
		b.WriteString(block)
	}
	return b.String()
}

// HasSkillsBlock reports whether the history's system entry already carries
// the skills catalog.
func HasSkillsBlock(entries []HistoryEntry) bool {
	for _, e := range entries {
		if e.Kind == EntrySystem && strings.Contains(e.Content, skillsBlockHeader) {
			return true
		}
	}
	return false
}

// AppendSkillsBlock adds the skills catalog as a system refresh entry to a
// history seeded before skills were configured. No-op when the block is
// already present or there are no skills.
func AppendSkillsBlock(entries []HistoryEntry, skills []Skill) []HistoryEntry {
	block := skillsPromptBlock(skills)
	if block == "" || HasSkillsBlock(entries) {
		return entries
	}
	return append(entries, SystemEntry(block))
}

// BatchDigest renders one unread batch as the user entry the model sees:
// one line per message, tagged with the group so multi-group agents keep
// threads apart.
func BatchDigest(groupID string, msgs []Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[group:%s] %s: %s", groupID, m.SenderID, m.Content)
	}
	return b.String()
}
