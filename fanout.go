package agora

import (
	"context"
	"log/slog"
)

// WakeGroupFunc forwards a stored message to the runtime: task metrics
// first, then wakes for every eligible recipient. Game-kind groups are
// skipped entirely.
type WakeGroupFunc func(ctx context.Context, groupID, senderID string, msg *Message)

// FanOut propagates a freshly stored message: UI event for observers, then
// the runtime wake path for recipients.
type FanOut struct {
	store  Store
	bus    *Bus
	wake   WakeGroupFunc
	logger *slog.Logger
}

func NewFanOut(store Store, bus *Bus, wake WakeGroupFunc, logger *slog.Logger) *FanOut {
	if logger == nil {
		logger = nopLogger
	}
	return &FanOut{store: store, bus: bus, wake: wake, logger: logger}
}

// MessageSent runs the post-send pipeline for msg. It never fails: a send
// that reached the store is already durable, so delivery problems are only
// logged.
func (f *FanOut) MessageSent(ctx context.Context, msg Message) {
	if f == nil {
		return
	}
	memberIDs := f.memberIDs(ctx, msg.GroupID)
	f.bus.Emit(msg.WorkspaceID, EventMessageCreated, map[string]any{
		"message":    msg,
		"member_ids": memberIDs,
	})
	if f.wake != nil {
		f.wake(ctx, msg.GroupID, msg.SenderID, &msg)
	}
}

func (f *FanOut) memberIDs(ctx context.Context, groupID string) []string {
	members, err := f.store.ListGroupMembers(ctx, groupID)
	if err != nil {
		f.logger.Warn("fanout: list members failed", "group_id", groupID, "err", err)
		return nil
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.AgentID)
	}
	return ids
}
