package agora

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// maxToolResultLen caps the serialized outcome stored per tool entry;
// runaway shell output or huge listings otherwise blow up the context on
// every later turn.
const maxToolResultLen = 100_000

// DefaultMaxToolRounds bounds the tool-call follow-ups inside one model
// turn.
const DefaultMaxToolRounds = 3

// toolLoop runs the bounded call-model / dispatch-tools cycle for one
// agent turn.
type toolLoop struct {
	provider  Provider
	dispatch  *Dispatcher
	hub       *StreamHub
	bus       *Bus
	store     Store
	maxRounds int
	logger    *slog.Logger
}

// turnResult is what one runWithTools invocation produced: the grown
// history, the final assistant text, and whether any send tool fired.
type turnResult struct {
	history   []HistoryEntry
	content   string
	reasoning string
	didSend   bool
}

// run performs up to maxRounds model calls, dispatching tool calls between
// them so the model sees its results. The final assistant text is NOT
// appended to history; the caller owns that entry. interrupted is checked
// between rounds only.
func (l *toolLoop) run(ctx context.Context, agent Agent, group Group, history []HistoryEntry, interrupted func() bool) (turnResult, error) {
	res := turnResult{history: history}
	rounds := l.maxRounds
	if rounds <= 0 {
		rounds = DefaultMaxToolRounds
	}

	for round := 1; round <= rounds; round++ {
		if round > 1 && interrupted != nil && interrupted() {
			return res, nil
		}

		resp, err := l.invoke(ctx, agent, group, res.history, round)
		if err != nil {
			return res, err
		}
		res.content = resp.Content
		res.reasoning = resp.Reasoning

		if resp.Usage.TotalTokens > 0 {
			if err := l.store.SetGroupContextTokens(ctx, group.ID, resp.Usage.TotalTokens); err != nil {
				l.logger.Debug("context tokens write failed", "group_id", group.ID, "err", err)
			}
		}

		if len(resp.ToolCalls) == 0 {
			return res, nil
		}

		res.history = append(res.history, HistoryEntry{
			Kind:      EntryAssistant,
			Content:   resp.Content,
			Reasoning: resp.Reasoning,
			ToolCalls: resp.ToolCalls,
		})

		// Dispatch in call order. Tool effects here are store mutations
		// (sends, spawns), so order is part of the contract.
		for _, call := range resp.ToolCalls {
			out, err := l.dispatch.Dispatch(ctx, ToolContext{Agent: agent, Group: group}, call)
			if err != nil {
				return res, err
			}
			encoded := truncateStr(out.Encode(), maxToolResultLen)
			l.hub.Publish(AgentEvent{
				Type:         AgentStream,
				AgentID:      agent.ID,
				StreamKind:   StreamKindToolResult,
				Delta:        encoded,
				ToolCallID:   call.ID,
				ToolCallName: call.Name,
			})
			res.history = append(res.history, ToolEntry(call.ID, call.Name, encoded))
			if IsSendTool(call.Name) {
				res.didSend = true
			}
		}
	}
	return res, nil
}

// invoke performs one streaming model call, forwarding deltas to the
// agent's live feed and bracketing the call with llm.start/llm.done.
func (l *toolLoop) invoke(ctx context.Context, agent Agent, group Group, history []HistoryEntry, round int) (ChatResponse, error) {
	req := ChatRequest{Messages: history, Tools: l.dispatch.Definitions()}

	l.bus.Emit(agent.WorkspaceID, EventLLMStart, map[string]any{
		"agent_id": agent.ID,
		"group_id": group.ID,
		"round":    round,
	})

	ch := make(chan StreamDelta, 64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for delta := range ch {
			l.hub.Publish(AgentEvent{
				Type:         AgentStream,
				AgentID:      agent.ID,
				StreamKind:   delta.Kind,
				Delta:        delta.Delta,
				ToolCallID:   delta.ToolCallID,
				ToolCallName: delta.ToolCallName,
			})
		}
	}()

	resp, err := l.provider.ChatStream(ctx, req, ch)
	wg.Wait()
	// Cancellation must stay recognizable to the runner's interrupt check,
	// so only real upstream failures are folded into ErrLLM.
	if err != nil && !errors.Is(err, context.Canceled) {
		err = ClassifyLLMError(l.provider.Name(), err)
	}

	done := map[string]any{
		"agent_id":     agent.ID,
		"group_id":     group.ID,
		"round":        round,
		"finish":       resp.FinishReason,
		"total_tokens": resp.Usage.TotalTokens,
	}
	if err != nil {
		done["error"] = err.Error()
	}
	l.bus.Emit(agent.WorkspaceID, EventLLMDone, done)

	return resp, err
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}
