package agora

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// memStore implements Store in memory with the same observable semantics as
// store/sqlite: (send_time, id) message ordering, forward-only read cursors,
// soft-deleted rows reading as absent, and canonical pairwise groups. All
// methods are safe for concurrent use.
type memStore struct {
	mu sync.Mutex

	wsOrder    []string
	wsSeen     map[string]bool
	agents     map[string]*Agent
	groups     map[string]*Group
	isDefault  map[string]bool // group id -> workspace default flag
	members    map[string]map[string]*GroupMember
	messages   []*Message
	msgByID    map[string]*Message
	profiles   map[string]*ModelProfile
	tasks      map[string]*TaskRun
	reviews    map[string]*TaskReview
	histErrors int // when > 0, SetAgentHistory fails that many times
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		wsSeen:    map[string]bool{},
		agents:    map[string]*Agent{},
		groups:    map[string]*Group{},
		isDefault: map[string]bool{},
		members:   map[string]map[string]*GroupMember{},
		msgByID:   map[string]*Message{},
		profiles:  map[string]*ModelProfile{},
		tasks:     map[string]*TaskRun{},
		reviews:   map[string]*TaskReview{},
	}
}

func (s *memStore) Init(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

// --- internal helpers; callers hold s.mu ---

func (s *memStore) ensureWorkspaceLocked(id string) {
	if !s.wsSeen[id] {
		s.wsSeen[id] = true
		s.wsOrder = append(s.wsOrder, id)
	}
}

func (s *memStore) liveAgentLocked(id string) (*Agent, error) {
	a := s.agents[id]
	if a == nil || a.DeletedAt != 0 {
		return nil, &ErrNotFound{Kind: "agent", ID: id}
	}
	return a, nil
}

func (s *memStore) liveGroupLocked(id string) (*Group, error) {
	g := s.groups[id]
	if g == nil || g.DeletedAt != 0 {
		return nil, &ErrNotFound{Kind: "group", ID: id}
	}
	return g, nil
}

func (s *memStore) addMemberLocked(groupID, agentID string, at int64) {
	m := s.members[groupID]
	if m == nil {
		m = map[string]*GroupMember{}
		s.members[groupID] = m
	}
	if _, ok := m[agentID]; !ok {
		m[agentID] = &GroupMember{GroupID: groupID, AgentID: agentID, JoinedAt: at}
	}
}

func (s *memStore) liveMemberIDsLocked(groupID string) []string {
	var out []string
	for id := range s.members[groupID] {
		if a := s.agents[id]; a != nil && a.DeletedAt == 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *memStore) latestTupleLocked(groupID string) (int64, string) {
	var best *Message
	for _, m := range s.messages {
		if m.GroupID != groupID {
			continue
		}
		if best == nil || best.Before(*m) {
			best = m
		}
	}
	if best == nil {
		return 0, ""
	}
	return best.SendTime, best.ID
}

func (s *memStore) insertMessageLocked(workspaceID, groupID, senderID, content, contentType string) Message {
	if contentType == "" {
		contentType = ContentTypeText
	}
	m := &Message{
		ID:          NewID(),
		WorkspaceID: workspaceID,
		GroupID:     groupID,
		SenderID:    senderID,
		ContentType: contentType,
		Content:     content,
		SendTime:    NowUnixMilli(),
	}
	s.messages = append(s.messages, m)
	s.msgByID[m.ID] = m
	return *m
}

func (s *memStore) createGroupRowLocked(workspaceID, name, kind string, memberIDs []string) Group {
	if kind == "" {
		kind = GroupKindChat
	}
	now := NowUnixMilli()
	g := &Group{ID: NewID(), WorkspaceID: workspaceID, Name: name, Kind: kind, CreatedAt: now}
	s.groups[g.ID] = g
	for _, id := range memberIDs {
		s.addMemberLocked(g.ID, id, now)
	}
	return *g
}

func sortAgents(list []*Agent) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt != list[j].CreatedAt {
			return list[i].CreatedAt < list[j].CreatedAt
		}
		return list[i].ID < list[j].ID
	})
}

func sortMessages(list []Message) {
	sort.Slice(list, func(i, j int) bool { return list[i].Before(list[j]) })
}

// --- Workspace bootstrap ---

func (s *memStore) ensureDefaultsLocked(workspaceID string) (WorkspaceDefaults, error) {
	if workspaceID == "" {
		return WorkspaceDefaults{}, &ErrInvalid{Op: "store.ensure_defaults", Reason: "workspace id required"}
	}
	now := NowUnixMilli()
	s.ensureWorkspaceLocked(workspaceID)

	pick := func(kind AgentKind) string {
		var cands []*Agent
		for _, a := range s.agents {
			if a.WorkspaceID == workspaceID && a.Kind == kind && a.DeletedAt == 0 {
				cands = append(cands, a)
			}
		}
		sortAgents(cands)
		if len(cands) > 0 {
			return cands[0].ID
		}
		return ""
	}

	humanID := pick(KindSystemHuman)
	if humanID == "" {
		humanID = NewID()
		s.agents[humanID] = &Agent{ID: humanID, WorkspaceID: workspaceID, Role: "human", Kind: KindSystemHuman, CreatedAt: now}
	}
	assistantID := pick(KindSystemAssistant)
	if assistantID == "" {
		assistantID = NewID()
		s.agents[assistantID] = &Agent{ID: assistantID, WorkspaceID: workspaceID, Role: "assistant", Kind: KindSystemAssistant, AutoRun: true, CreatedAt: now}
	}

	var groupID string
	for _, g := range s.groups {
		if g.WorkspaceID == workspaceID && g.DeletedAt == 0 && s.isDefault[g.ID] {
			if groupID == "" || g.CreatedAt < s.groups[groupID].CreatedAt {
				groupID = g.ID
			}
		}
	}
	if groupID == "" {
		g := s.createGroupRowLocked(workspaceID, "General", GroupKindChat, nil)
		groupID = g.ID
		s.isDefault[groupID] = true
	}
	for _, id := range []string{humanID, assistantID} {
		s.addMemberLocked(groupID, id, now)
	}
	return WorkspaceDefaults{
		WorkspaceID:      workspaceID,
		HumanAgentID:     humanID,
		AssistantAgentID: assistantID,
		DefaultGroupID:   groupID,
	}, nil
}

func (s *memStore) EnsureWorkspaceDefaults(_ context.Context, workspaceID string) (WorkspaceDefaults, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureDefaultsLocked(workspaceID)
}

func (s *memStore) ListWorkspaces(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.wsOrder...), nil
}

// --- Agents ---

func (s *memStore) CreateAgent(_ context.Context, a Agent) (Agent, error) {
	if a.WorkspaceID == "" {
		return Agent{}, &ErrInvalid{Op: "store.create_agent", Reason: "workspace id required"}
	}
	if a.ID == "" {
		a.ID = NewID()
	}
	if a.Kind == "" {
		a.Kind = KindWorker
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = NowUnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureWorkspaceLocked(a.WorkspaceID)
	cp := a
	s.agents[a.ID] = &cp
	return a, nil
}

func (s *memStore) GetAgent(_ context.Context, id string) (Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.liveAgentLocked(id)
	if err != nil {
		return Agent{}, err
	}
	out := *a
	out.History = append([]byte(nil), a.History...)
	return out, nil
}

func (s *memStore) listAgentsLocked(f AgentFilter, withHistory bool) []Agent {
	var match []*Agent
	for _, a := range s.agents {
		if !f.IncludeDeleted && a.DeletedAt != 0 {
			continue
		}
		if f.WorkspaceID != "" && a.WorkspaceID != f.WorkspaceID {
			continue
		}
		if len(f.Kinds) > 0 && !containsKind(f.Kinds, a.Kind) {
			continue
		}
		if len(f.ExcludeKinds) > 0 && containsKind(f.ExcludeKinds, a.Kind) {
			continue
		}
		if f.AutoRunOnly && !a.AutoRun {
			continue
		}
		match = append(match, a)
	}
	sortAgents(match)
	out := make([]Agent, 0, len(match))
	for _, a := range match {
		cp := *a
		if withHistory {
			cp.History = append([]byte(nil), a.History...)
		} else {
			cp.History = nil
		}
		out = append(out, cp)
	}
	return out
}

func containsKind(kinds []AgentKind, k AgentKind) bool {
	for _, kk := range kinds {
		if kk == k {
			return true
		}
	}
	return false
}

func (s *memStore) ListAgents(_ context.Context, f AgentFilter) ([]Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listAgentsLocked(f, true), nil
}

func (s *memStore) ListAgentsMeta(_ context.Context, f AgentFilter) ([]Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listAgentsLocked(f, false), nil
}

func (s *memStore) SetAgentHistory(_ context.Context, id string, history []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.histErrors > 0 {
		s.histErrors--
		return &ErrInvalid{Op: "store.set_history", Reason: "injected failure"}
	}
	a, err := s.liveAgentLocked(id)
	if err != nil {
		return err
	}
	a.History = append([]byte(nil), history...)
	return nil
}

func (s *memStore) SetAgentAutoRun(_ context.Context, id string, autoRun bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.liveAgentLocked(id)
	if err != nil {
		return err
	}
	a.AutoRun = autoRun
	return nil
}

func (s *memStore) TouchAgentActive(_ context.Context, id string, atMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, err := s.liveAgentLocked(id); err == nil {
		a.LastActiveAt = atMs
	}
	return nil
}

func (s *memStore) bulkSelectLocked(scope BulkAgentScope, autoRunOnly bool) []*Agent {
	var match []*Agent
	for _, a := range s.agents {
		if a.DeletedAt != 0 || a.Kind == KindSystemHuman {
			continue
		}
		if autoRunOnly && !a.AutoRun {
			continue
		}
		if scope.WorkspaceID != "" && a.WorkspaceID != scope.WorkspaceID {
			continue
		}
		if len(scope.Kinds) > 0 && !containsKind(scope.Kinds, a.Kind) {
			continue
		}
		if len(scope.ExcludeKinds) > 0 && containsKind(scope.ExcludeKinds, a.Kind) {
			continue
		}
		match = append(match, a)
	}
	sortAgents(match)
	return match
}

func (s *memStore) BulkPauseAgents(_ context.Context, scope BulkAgentScope) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, a := range s.bulkSelectLocked(scope, true) {
		a.AutoRun = false
		ids = append(ids, a.ID)
	}
	return ids, nil
}

func (s *memStore) BulkSoftDeleteAgents(_ context.Context, scope BulkAgentScope) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := NowUnixMilli()
	var ids []string
	for _, a := range s.bulkSelectLocked(scope, false) {
		a.DeletedAt = now
		a.AutoRun = false
		ids = append(ids, a.ID)
	}
	return ids, nil
}

func (s *memStore) SpawnSubAgent(_ context.Context, p SpawnSubAgent) (string, string, error) {
	if p.ParentID == "" {
		return "", "", &ErrInvalid{Op: "store.spawn_sub_agent", Reason: "parent id required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, err := s.liveAgentLocked(p.ParentID)
	if err != nil {
		return "", "", err
	}
	workspaceID := p.WorkspaceID
	if workspaceID == "" {
		workspaceID = parent.WorkspaceID
	}
	if workspaceID != parent.WorkspaceID {
		return "", "", &ErrInvalid{Op: "store.spawn_sub_agent", Reason: "parent belongs to a different workspace"}
	}
	defs, err := s.ensureDefaultsLocked(workspaceID)
	if err != nil {
		return "", "", err
	}
	now := NowUnixMilli()
	agentID := NewID()
	s.agents[agentID] = &Agent{
		ID:             agentID,
		WorkspaceID:    workspaceID,
		Role:           p.Role,
		Kind:           KindWorker,
		ParentID:       p.ParentID,
		ModelProfileID: p.ModelProfileID,
		CreatedAt:      now,
	}
	g := s.createGroupRowLocked(workspaceID, "", GroupKindChat, []string{defs.HumanAgentID, agentID})
	return agentID, g.ID, nil
}

// --- Unread / read cursors ---

func (s *memStore) ListUnreadByGroup(_ context.Context, agentID string) ([]UnreadBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reader, err := s.liveAgentLocked(agentID)
	if err != nil {
		return nil, nil // missing readers have no mail
	}
	if !reader.AutoRun {
		return nil, nil
	}

	var groupIDs []string
	for gid, mm := range s.members {
		if _, ok := mm[agentID]; !ok {
			continue
		}
		if g := s.groups[gid]; g == nil || g.DeletedAt != 0 {
			continue
		}
		groupIDs = append(groupIDs, gid)
	}
	sort.Strings(groupIDs)

	var batches []UnreadBatch
	for _, gid := range groupIDs {
		var cur *Message
		if cursor := s.members[gid][agentID].LastReadMessageID; cursor != "" {
			cur = s.msgByID[cursor]
		}
		var pending []Message
		for _, m := range s.messages {
			if m.GroupID != gid || m.SenderID == agentID {
				continue
			}
			if cur != nil && !cur.Before(*m) {
				continue
			}
			pending = append(pending, *m)
		}
		sortMessages(pending)
		if len(pending) > 0 {
			batches = append(batches, UnreadBatch{GroupID: gid, Messages: pending})
		}
	}
	return batches, nil
}

func (s *memStore) MarkGroupRead(ctx context.Context, groupID, readerID string) error {
	s.mu.Lock()
	_, latest := s.latestTupleLocked(groupID)
	s.mu.Unlock()
	if latest == "" {
		return nil
	}
	return s.MarkGroupReadToMessage(ctx, groupID, readerID, latest)
}

func (s *memStore) MarkGroupReadToMessage(_ context.Context, groupID, readerID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.msgByID[messageID]
	if target == nil || target.GroupID != groupID {
		return &ErrNotFound{Kind: "message", ID: messageID}
	}
	gm := s.members[groupID][readerID]
	if gm == nil {
		return &ErrNotFound{Kind: "group_member", ID: readerID}
	}
	if gm.LastReadMessageID != "" {
		if cur := s.msgByID[gm.LastReadMessageID]; cur != nil && !cur.Before(*target) {
			return nil // cursor only moves forward
		}
	}
	gm.LastReadMessageID = messageID
	return nil
}

// --- Messages ---

func (s *memStore) SendMessage(_ context.Context, p SendMessageParams) (Message, error) {
	if p.GroupID == "" || p.SenderID == "" {
		return Message{}, &ErrInvalid{Op: "store.send_message", Reason: "group id and sender id required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.liveGroupLocked(p.GroupID)
	if err != nil {
		return Message{}, err
	}
	if _, err := s.liveAgentLocked(p.SenderID); err != nil {
		return Message{}, err
	}
	if p.WorkspaceID != "" && p.WorkspaceID != g.WorkspaceID {
		return Message{}, &ErrInvalid{Op: "store.send_message", Reason: "group belongs to a different workspace"}
	}
	return s.insertMessageLocked(g.WorkspaceID, p.GroupID, p.SenderID, p.Content, p.ContentType), nil
}

type p2pCand struct {
	id        string
	name      string
	createdAt int64
	lastTime  int64
	lastID    string
}

func rankCands(cands []p2pCand, preferred string) {
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

func (s *memStore) p2pCandidatesLocked(workspaceID, a, b string) []p2pCand {
	var out []p2pCand
	for _, g := range s.groups {
		if g.WorkspaceID != workspaceID || g.DeletedAt != 0 || g.Kind != GroupKindChat {
			continue
		}
		live := s.liveMemberIDsLocked(g.ID)
		if len(live) != 2 {
			continue
		}
		if !(live[0] == a && live[1] == b) && !(live[0] == b && live[1] == a) {
			continue
		}
		c := p2pCand{id: g.ID, name: g.Name, createdAt: g.CreatedAt}
		c.lastTime, c.lastID = s.latestTupleLocked(g.ID)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].createdAt != out[j].createdAt {
			return out[i].createdAt < out[j].createdAt
		}
		return out[i].id < out[j].id
	})
	return out
}

func (s *memStore) mergeLocked(cands []p2pCand, preferred string) string {
	rankCands(cands, preferred)
	keep := cands[0]
	for _, loser := range cands[1:] {
		for _, m := range s.messages {
			if m.GroupID == loser.id {
				m.GroupID = keep.id
			}
		}
		keepMembers := s.members[keep.id]
		if keepMembers == nil {
			keepMembers = map[string]*GroupMember{}
			s.members[keep.id] = keepMembers
		}
		for id, gm := range s.members[loser.id] {
			if _, ok := keepMembers[id]; !ok {
				cp := *gm
				cp.GroupID = keep.id
				keepMembers[id] = &cp
			}
		}
		delete(s.members, loser.id)
		delete(s.groups, loser.id)
		delete(s.isDefault, loser.id)
	}
	if preferred != "" && keep.name != preferred {
		s.groups[keep.id].Name = preferred
	}
	return keep.id
}

func (s *memStore) SendDirectMessage(_ context.Context, p DirectSendParams) (DirectSendResult, error) {
	if p.FromID == "" || p.ToID == "" {
		return DirectSendResult{}, &ErrInvalid{Op: "store.send_direct", Reason: "sender and recipient required"}
	}
	if p.FromID == p.ToID {
		return DirectSendResult{}, &ErrInvalid{Op: "store.send_direct", Reason: "cannot direct-message yourself"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	from, err := s.liveAgentLocked(p.FromID)
	if err != nil {
		return DirectSendResult{}, err
	}
	to, err := s.liveAgentLocked(p.ToID)
	if err != nil {
		return DirectSendResult{}, err
	}
	workspaceID := p.WorkspaceID
	if workspaceID == "" {
		workspaceID = from.WorkspaceID
	}
	if from.WorkspaceID != workspaceID || to.WorkspaceID != workspaceID {
		return DirectSendResult{}, &ErrInvalid{Op: "store.send_direct", Reason: "sender and recipient must share the workspace"}
	}

	var channel, groupID string
	switch {
	case p.NewThread:
		g := s.createGroupRowLocked(workspaceID, p.GroupName, GroupKindChat, []string{p.FromID, p.ToID})
		channel, groupID = ChannelNewThread, g.ID
	default:
		if cands := s.p2pCandidatesLocked(workspaceID, p.FromID, p.ToID); len(cands) > 0 {
			channel, groupID = ChannelReuseExisting, s.mergeLocked(cands, p.GroupName)
		} else {
			g := s.createGroupRowLocked(workspaceID, p.GroupName, GroupKindChat, []string{p.FromID, p.ToID})
			channel, groupID = ChannelNewGroup, g.ID
		}
	}
	m := s.insertMessageLocked(workspaceID, groupID, p.FromID, p.Content, p.ContentType)
	return DirectSendResult{Channel: channel, GroupID: groupID, Message: m}, nil
}

func (s *memStore) ListGroupMessages(_ context.Context, groupID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.liveGroupLocked(groupID); err != nil {
		return nil, err
	}
	var out []Message
	for _, m := range s.messages {
		if m.GroupID == groupID {
			out = append(out, *m)
		}
	}
	sortMessages(out)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// --- Groups ---

func (s *memStore) FindLatestExactP2PGroupID(_ context.Context, workspaceID, agentA, agentB string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cands := s.p2pCandidatesLocked(workspaceID, agentA, agentB)
	if len(cands) == 0 {
		return "", nil
	}
	rankCands(cands, "")
	return cands[0].id, nil
}

func (s *memStore) MergeDuplicateExactP2PGroups(_ context.Context, p MergeP2PParams) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cands := s.p2pCandidatesLocked(p.WorkspaceID, p.AgentA, p.AgentB)
	if len(cands) == 0 {
		return "", &ErrNotFound{Kind: "p2p_group", ID: p.AgentA + "+" + p.AgentB}
	}
	return s.mergeLocked(cands, p.PreferredName), nil
}

func (s *memStore) FindLatestExactGroupID(_ context.Context, workspaceID string, memberIDs []string) (string, error) {
	want := map[string]bool{}
	for _, id := range memberIDs {
		if id != "" {
			want[id] = true
		}
	}
	if len(want) < 2 {
		return "", &ErrInvalid{Op: "store.find_exact_group", Reason: "at least two distinct member ids required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var matches []p2pCand
	for _, g := range s.groups {
		if g.WorkspaceID != workspaceID || g.DeletedAt != 0 || g.Kind != GroupKindChat {
			continue
		}
		live := s.liveMemberIDsLocked(g.ID)
		if len(live) != len(want) {
			continue
		}
		ok := true
		for _, id := range live {
			if !want[id] {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		c := p2pCand{id: g.ID, name: g.Name, createdAt: g.CreatedAt}
		c.lastTime, c.lastID = s.latestTupleLocked(g.ID)
		matches = append(matches, c)
	}
	if len(matches) == 0 {
		return "", nil
	}
	rankCands(matches, "")
	return matches[0].id, nil
}

func (s *memStore) CreateGroup(_ context.Context, p CreateGroupParams) (Group, error) {
	if p.WorkspaceID == "" {
		return Group{}, &ErrInvalid{Op: "store.create_group", Reason: "workspace id required"}
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
		return Group{}, &ErrInvalid{Op: "store.create_group", Reason: "at least two distinct member ids required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range members {
		a, err := s.liveAgentLocked(id)
		if err != nil {
			return Group{}, err
		}
		if a.WorkspaceID != p.WorkspaceID {
			return Group{}, &ErrInvalid{Op: "store.create_group", Reason: "member " + id + " outside workspace"}
		}
	}
	return s.createGroupRowLocked(p.WorkspaceID, p.Name, p.Kind, members), nil
}

func (s *memStore) AddGroupMembers(_ context.Context, groupID string, agentIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.liveGroupLocked(groupID)
	if err != nil {
		return err
	}
	now := NowUnixMilli()
	for _, id := range agentIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		a, err := s.liveAgentLocked(id)
		if err != nil {
			return err
		}
		if a.WorkspaceID != g.WorkspaceID {
			return &ErrInvalid{Op: "store.add_group_members", Reason: "member " + id + " outside workspace"}
		}
		s.addMemberLocked(groupID, id, now)
	}
	return nil
}

func (s *memStore) GetGroup(_ context.Context, id string) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.liveGroupLocked(id)
	if err != nil {
		return Group{}, err
	}
	return *g, nil
}

func (s *memStore) memberRowsLocked(groupID string) []GroupMember {
	var out []GroupMember
	for _, gm := range s.members[groupID] {
		out = append(out, *gm)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt != out[j].JoinedAt {
			return out[i].JoinedAt < out[j].JoinedAt
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

func (s *memStore) ListGroupMembers(_ context.Context, groupID string) ([]GroupMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.liveGroupLocked(groupID); err != nil {
		return nil, err
	}
	return s.memberRowsLocked(groupID), nil
}

func (s *memStore) unreadCountLocked(groupID, agentID string) int {
	gm := s.members[groupID][agentID]
	if gm == nil {
		return 0
	}
	var cur *Message
	if gm.LastReadMessageID != "" {
		cur = s.msgByID[gm.LastReadMessageID]
	}
	n := 0
	for _, m := range s.messages {
		if m.GroupID != groupID || m.SenderID == agentID {
			continue
		}
		if cur != nil && !cur.Before(*m) {
			continue
		}
		n++
	}
	return n
}

func (s *memStore) ListGroups(_ context.Context, f GroupFilter) ([]GroupListing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var listings []GroupListing
	for _, g := range s.groups {
		if g.DeletedAt != 0 {
			continue
		}
		if f.WorkspaceID != "" && g.WorkspaceID != f.WorkspaceID {
			continue
		}
		if f.AgentID != "" {
			if _, ok := s.members[g.ID][f.AgentID]; !ok {
				continue
			}
		}
		l := GroupListing{Group: *g}
		for _, gm := range s.memberRowsLocked(g.ID) {
			l.MemberIDs = append(l.MemberIDs, gm.AgentID)
		}
		if _, id := s.latestTupleLocked(g.ID); id != "" {
			m := *s.msgByID[id]
			l.LastMessage = &m
		}
		l.UpdatedAt = l.CreatedAt
		if l.LastMessage != nil && l.LastMessage.SendTime > l.UpdatedAt {
			l.UpdatedAt = l.LastMessage.SendTime
		}
		if f.AgentID != "" {
			l.UnreadCount = s.unreadCountLocked(g.ID, f.AgentID)
		}
		listings = append(listings, l)
	}
	sort.SliceStable(listings, func(i, j int) bool {
		if listings[i].UpdatedAt != listings[j].UpdatedAt {
			return listings[i].UpdatedAt > listings[j].UpdatedAt
		}
		return listings[i].ID < listings[j].ID
	})
	return listings, nil
}

func (s *memStore) SetGroupContextTokens(_ context.Context, groupID string, tokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.liveGroupLocked(groupID)
	if err != nil {
		return err
	}
	g.ContextTokens = tokens
	return nil
}

func (s *memStore) SoftDeleteOrphanGroups(_ context.Context, workspaceID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepGroupsLocked(workspaceID, func(g *Group) bool {
		return len(s.liveMemberIDsLocked(g.ID)) <= 1
	}), nil
}

func (s *memStore) SoftDeleteRedundantSystemGroups(_ context.Context, workspaceID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepGroupsLocked(workspaceID, func(g *Group) bool {
		for _, id := range s.liveMemberIDsLocked(g.ID) {
			k := s.agents[id].Kind
			if k != KindSystemHuman && k != KindSystemAssistant {
				return false
			}
		}
		return true
	}), nil
}

func (s *memStore) sweepGroupsLocked(workspaceID string, match func(*Group) bool) []string {
	now := NowUnixMilli()
	var sel []*Group
	for _, g := range s.groups {
		if g.WorkspaceID != workspaceID || g.DeletedAt != 0 || s.isDefault[g.ID] {
			continue
		}
		if match(g) {
			sel = append(sel, g)
		}
	}
	sort.Slice(sel, func(i, j int) bool {
		if sel[i].CreatedAt != sel[j].CreatedAt {
			return sel[i].CreatedAt < sel[j].CreatedAt
		}
		return sel[i].ID < sel[j].ID
	})
	var ids []string
	for _, g := range sel {
		g.DeletedAt = now
		ids = append(ids, g.ID)
	}
	return ids
}

// --- Model profiles ---

func (s *memStore) CreateModelProfile(_ context.Context, p ModelProfile) (ModelProfile, error) {
	if p.WorkspaceID == "" || p.Provider == "" || p.Model == "" {
		return ModelProfile{}, &ErrInvalid{Op: "store.create_model_profile", Reason: "workspace, provider and model required"}
	}
	if p.ID == "" {
		p.ID = NewID()
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = NowUnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	first := true
	for _, other := range s.profiles {
		if other.WorkspaceID == p.WorkspaceID {
			first = false
			break
		}
	}
	if first {
		p.IsDefault = true
	}
	if p.IsDefault {
		for _, other := range s.profiles {
			if other.WorkspaceID == p.WorkspaceID {
				other.IsDefault = false
			}
		}
	}
	cp := p
	s.profiles[p.ID] = &cp
	return p, nil
}

func (s *memStore) GetModelProfile(_ context.Context, id string) (ModelProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.profiles[id]
	if p == nil {
		return ModelProfile{}, &ErrNotFound{Kind: "model_profile", ID: id}
	}
	return *p, nil
}

func (s *memStore) ListModelProfiles(_ context.Context, workspaceID string) ([]ModelProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ModelProfile
	for _, p := range s.profiles {
		if p.WorkspaceID == workspaceID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memStore) SetDefaultModelProfile(_ context.Context, workspaceID, profileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.profiles[profileID]
	if p == nil {
		return &ErrNotFound{Kind: "model_profile", ID: profileID}
	}
	if p.WorkspaceID != workspaceID {
		return &ErrInvalid{Op: "store.set_default_model_profile", Reason: "profile outside workspace"}
	}
	for _, other := range s.profiles {
		if other.WorkspaceID == workspaceID {
			other.IsDefault = false
		}
	}
	p.IsDefault = true
	return nil
}

// --- Task runs ---

func (s *memStore) CreateTaskRun(_ context.Context, t TaskRun) (TaskRun, error) {
	if t.WorkspaceID == "" || t.RootGroupID == "" {
		return TaskRun{}, &ErrInvalid{Op: "store.create_task_run", Reason: "workspace and root group required"}
	}
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.StartedAt == 0 {
		t.StartedAt = NowUnixMilli()
	}
	if t.Status == "" {
		t.Status = TaskRunning
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := t
	s.tasks[t.ID] = &cp
	return t, nil
}

func (s *memStore) UpdateTaskRun(_ context.Context, t TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.tasks[t.ID]
	if row == nil {
		return &ErrNotFound{Kind: "task_run", ID: t.ID}
	}
	row.Status = t.Status
	row.StopReason = t.StopReason
	row.Budget = t.Budget
	row.Metrics = t.Metrics
	row.SummaryMessageID = t.SummaryMessageID
	row.DeadlineAt = t.DeadlineAt
	row.StoppedAt = t.StoppedAt
	return nil
}

func (s *memStore) GetTaskRunByID(_ context.Context, id string) (TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[id]
	if t == nil {
		return TaskRun{}, &ErrNotFound{Kind: "task_run", ID: id}
	}
	return *t, nil
}

func (s *memStore) GetLatestTaskRun(_ context.Context, workspaceID string) (TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *TaskRun
	for _, t := range s.tasks {
		if t.WorkspaceID != workspaceID {
			continue
		}
		if best == nil || t.StartedAt > best.StartedAt || (t.StartedAt == best.StartedAt && t.ID > best.ID) {
			best = t
		}
	}
	if best == nil {
		return TaskRun{}, &ErrNotFound{Kind: "task_run", ID: workspaceID}
	}
	return *best, nil
}

func (s *memStore) ListRunningTaskRuns(context.Context) ([]TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TaskRun
	for _, t := range s.tasks {
		if t.Status == TaskRunning || t.Status == TaskStopping {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt != out[j].StartedAt {
			return out[i].StartedAt < out[j].StartedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- Task reviews ---

func (s *memStore) CreateTaskReview(_ context.Context, r TaskReview) error {
	if r.TaskID == "" {
		return &ErrInvalid{Op: "store.create_task_review", Reason: "task id required"}
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = NowUnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := r
	s.reviews[r.TaskID] = &cp
	return nil
}

func (s *memStore) GetTaskReview(_ context.Context, taskID string) (TaskReview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.reviews[taskID]
	if r == nil {
		return TaskReview{}, &ErrNotFound{Kind: "task_review", ID: taskID}
	}
	return *r, nil
}

// groupMessages returns the group's messages in order, for assertions.
func (s *memStore) groupMessages(groupID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.GroupID == groupID {
			out = append(out, *m)
		}
	}
	sortMessages(out)
	return out
}

// failHistoryWrites makes the next n SetAgentHistory calls fail.
func (s *memStore) failHistoryWrites(n int) {
	s.mu.Lock()
	s.histErrors = n
	s.mu.Unlock()
}

// --- Providers ---

// mockProvider pops scripted responses in order, streaming each response's
// content as one delta. An exhausted script keeps answering with terminal
// text so loops can wind down.
type mockProvider struct {
	mu        sync.Mutex
	name      string
	responses []ChatResponse
	err       error
	requests  []ChatRequest
}

func (p *mockProvider) Name() string {
	if p.name == "" {
		return "mock"
	}
	return p.name
}

func (p *mockProvider) ChatStream(_ context.Context, req ChatRequest, ch chan<- StreamDelta) (ChatResponse, error) {
	if ch != nil {
		defer close(ch)
	}
	p.mu.Lock()
	p.requests = append(p.requests, copyRequest(req))
	err := p.err
	var resp ChatResponse
	if len(p.responses) > 0 {
		resp = p.responses[0]
		p.responses = p.responses[1:]
	} else {
		resp = ChatResponse{Content: "exhausted", FinishReason: "stop"}
	}
	p.mu.Unlock()
	if err != nil {
		return ChatResponse{}, err
	}
	if ch != nil && resp.Content != "" {
		ch <- StreamDelta{Kind: DeltaContent, Delta: resp.Content}
	}
	return resp, nil
}

func copyRequest(req ChatRequest) ChatRequest {
	cp := req
	cp.Messages = append([]HistoryEntry(nil), req.Messages...)
	cp.Tools = append([]ToolDefinition(nil), req.Tools...)
	return cp
}

func (p *mockProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *mockProvider) request(i int) ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func fixedResolver(p Provider) ProviderResolver {
	return func(*ModelProfile) (Provider, error) { return p, nil }
}

// toolCallResponse builds a response that asks for one tool call.
func toolCallResponse(id, name, args string) ChatResponse {
	return ChatResponse{
		ToolCalls:    []ToolCall{{ID: id, Name: name, Args: args}},
		FinishReason: "tool_calls",
	}
}

// --- Recording tracer ---

type recTracer struct {
	mu    sync.Mutex
	spans []string
}

func (t *recTracer) Start(ctx context.Context, name string, _ ...SpanAttr) (context.Context, Span) {
	t.mu.Lock()
	t.spans = append(t.spans, name)
	t.mu.Unlock()
	return ctx, recSpan{}
}

func (t *recTracer) count(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.spans {
		if s == name {
			n++
		}
	}
	return n
}

type recSpan struct{}

func (recSpan) SetAttr(...SpanAttr)       {}
func (recSpan) Event(string, ...SpanAttr) {}
func (recSpan) Error(error)               {}
func (recSpan) End()                      {}

// --- Plugin tool stub ---

type stubTool struct {
	mu      sync.Mutex
	defs    []ToolDefinition
	outcome ToolOutcome
	err     error
	gotName string
	gotArgs string
}

func (t *stubTool) Definitions() []ToolDefinition { return t.defs }

func (t *stubTool) Execute(_ context.Context, name string, args json.RawMessage) (ToolOutcome, error) {
	t.mu.Lock()
	t.gotName = name
	t.gotArgs = string(args)
	out, err := t.outcome, t.err
	t.mu.Unlock()
	return out, err
}

// --- Synchronization helpers ---

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// waitForEvent consumes sub until an event of the wanted type arrives.
func waitForEvent(t *testing.T, sub <-chan Event, typ string) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				t.Fatalf("event feed closed while waiting for %s", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", typ)
		}
	}
}

// waitForAgentEvent consumes an agent feed until the wanted type arrives.
func waitForAgentEvent(t *testing.T, feed <-chan AgentEvent, typ string) AgentEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-feed:
			if !ok {
				t.Fatalf("agent feed closed while waiting for %s", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for agent event %s", typ)
		}
	}
}

func mustDefaults(t *testing.T, s Store, workspaceID string) WorkspaceDefaults {
	t.Helper()
	defs, err := s.EnsureWorkspaceDefaults(context.Background(), workspaceID)
	if err != nil {
		t.Fatalf("EnsureWorkspaceDefaults: %v", err)
	}
	return defs
}

func mustCreateAgent(t *testing.T, s Store, a Agent) Agent {
	t.Helper()
	created, err := s.CreateAgent(context.Background(), a)
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	return created
}
