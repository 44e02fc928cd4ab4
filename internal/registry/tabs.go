package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/termtab/backend/internal/model"
	"github.com/termtab/backend/internal/protocol"
)

// TabParams describes a tab create request.
type TabParams struct {
	Name      string
	Position  *int
	Directory string

	RequestID string
	TempID    string
}

// TabResult is the outcome of a tab create request.
type TabResult struct {
	Tab   *model.Tab
	IsNew bool
}

// CreateTab inserts a tab at the requested position, shifting siblings so
// positions stay dense.
func (r *Registry) CreateTab(ctx context.Context, p TabParams) (*TabResult, error) {
	if p.RequestID != "" {
		if existing := r.lookupTabRequest(p.RequestID); existing != nil {
			r.broadcaster.Broadcast(protocol.TypeTabCreated, &protocol.TabCreated{
				Tab:       existing,
				IsNew:     false,
				RequestID: p.RequestID,
				TempID:    p.TempID,
			})
			return &TabResult{Tab: existing, IsNew: false}, nil
		}
	}

	name := p.Name
	if name == "" {
		name = "New Tab"
	}
	tab := &model.Tab{
		ID:        uuid.New().String(),
		Name:      name,
		Directory: p.Directory,
		CreatedAt: time.Now().UTC(),
	}

	// The whole insert happens under orderMu: position choice, persistence,
	// and publication. A concurrent create cannot pick the same slot, and a
	// failed insert leaves the siblings untouched.
	r.orderMu.Lock()
	ordered := r.orderedTabs()
	pos := clampPosition(p.Position, len(ordered))
	tab.Position = pos

	if err := r.tabRepo.Create(ctx, tab); err != nil {
		r.orderMu.Unlock()
		return nil, fmt.Errorf("failed to persist tab: %w", err)
	}

	r.mu.Lock()
	r.tabs[tab.ID] = tab
	if p.RequestID != "" {
		r.requests[p.RequestID] = requestResult{entityID: tab.ID, isTab: true}
	}
	r.mu.Unlock()

	ordered = append(ordered, nil)
	copy(ordered[pos+1:], ordered[pos:])
	ordered[pos] = tab
	if err := r.applyTabOrder(ctx, ordered); err != nil {
		r.log.Warn("failed to persist shifted tab positions",
			zap.String("id", tab.ID), zap.Error(err))
	}
	r.orderMu.Unlock()

	created := tab.Clone()
	r.broadcaster.Broadcast(protocol.TypeTabCreated, &protocol.TabCreated{
		Tab:       created,
		IsNew:     true,
		RequestID: p.RequestID,
		TempID:    p.TempID,
	})
	r.log.Info("tab created", zap.String("id", tab.ID), zap.String("name", name))
	return &TabResult{Tab: created, IsNew: true}, nil
}

// UpdateTab changes the mutable tab fields. Nil pointers leave the field
// untouched.
func (r *Registry) UpdateTab(ctx context.Context, id string, name, directory *string) error {
	r.mu.Lock()
	tab, ok := r.tabs[id]
	if !ok {
		r.mu.Unlock()
		return model.ErrTabNotFound
	}
	if name != nil {
		tab.Name = *name
	}
	if directory != nil {
		tab.Directory = *directory
	}
	updated := tab.Clone()
	r.mu.Unlock()

	if err := r.tabRepo.Update(ctx, updated); err != nil {
		return err
	}
	r.broadcaster.Broadcast(protocol.TypeTabUpdated, &protocol.TabUpdated{
		TabID:     id,
		Name:      name,
		Directory: directory,
	})
	return nil
}

// DeleteTab removes a tab and force-destroys every session inside it.
// Deleting an absent tab is a no-op.
func (r *Registry) DeleteTab(ctx context.Context, id string) error {
	r.mu.Lock()
	tab, ok := r.tabs[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.tabs, id)
	for reqID, res := range r.requests {
		if res.isTab && res.entityID == id {
			delete(r.requests, reqID)
		}
	}
	var members []string
	for sid, st := range r.sessions {
		if st.record.TabID == id {
			members = append(members, sid)
		}
	}
	r.mu.Unlock()

	sort.Strings(members)
	for _, sid := range members {
		if err := r.Destroy(ctx, sid, true, "tab deleted"); err != nil {
			r.log.Warn("cascade destroy failed",
				zap.String("tab", id), zap.String("terminal", sid), zap.Error(err))
		}
	}

	if err := r.tabRepo.Delete(ctx, id); err != nil && err != model.ErrTabNotFound {
		return err
	}

	r.orderMu.Lock()
	err := r.applyTabOrder(ctx, r.orderedTabs())
	r.orderMu.Unlock()
	if err != nil {
		return err
	}

	r.broadcaster.Broadcast(protocol.TypeTabDeleted, &protocol.TabDeleted{TabID: id})
	r.log.Info("tab deleted",
		zap.String("id", id), zap.String("name", tab.Name), zap.Int("terminals", len(members)))
	return nil
}

// ReorderTab moves a tab to a new position, keeping all positions dense.
func (r *Registry) ReorderTab(ctx context.Context, id string, position int) error {
	if !r.tabExists(id) {
		return model.ErrTabNotFound
	}

	r.orderMu.Lock()
	ordered := r.orderedTabs()
	var moved *model.Tab
	for i, tab := range ordered {
		if tab.ID == id {
			moved = tab
			ordered = append(ordered[:i], ordered[i+1:]...)
			break
		}
	}
	pos := position
	if pos < 0 {
		pos = 0
	}
	if pos > len(ordered) {
		pos = len(ordered)
	}
	ordered = append(ordered, nil)
	copy(ordered[pos+1:], ordered[pos:])
	ordered[pos] = moved
	err := r.applyTabOrder(ctx, ordered)
	r.orderMu.Unlock()
	if err != nil {
		return err
	}

	r.broadcaster.Broadcast(protocol.TypeTabReordered, &protocol.TabReordered{
		TabID:    id,
		Position: pos,
	})
	return nil
}

// registerSession computes the new session's tab position, persists the
// record, and publishes it in the sessions map, all under orderMu so that
// concurrent creates into the same tab cannot collide on a position. The
// record is persisted before any sibling is touched, so a failed insert
// changes nothing.
func (r *Registry) registerSession(ctx context.Context, st *sessionState, position *int) error {
	record := st.record

	r.orderMu.Lock()
	defer r.orderMu.Unlock()

	var displaced []*sessionState
	if record.TabID != "" {
		record.PositionInTab, displaced = r.planTabSlot(record.ID, record.TabID, position)
	}

	if err := r.terminals.Create(ctx, record); err != nil {
		return err
	}

	r.mu.Lock()
	r.sessions[record.ID] = st
	if st.requestID != "" {
		r.requests[st.requestID] = requestResult{entityID: record.ID}
	}
	for _, sib := range displaced {
		sib.record.PositionInTab++
	}
	r.mu.Unlock()

	for _, sib := range displaced {
		r.persistTabSlot(ctx, sib.record)
	}
	return nil
}

// planTabSlot picks a session's slot in a tab and reports the siblings that
// must shift right to make room. Nothing is mutated. Caller holds orderMu.
func (r *Registry) planTabSlot(sessionID, tabID string, position *int) (int, []*sessionState) {
	siblings := r.tabMembers(tabID, sessionID)
	pos := clampPosition(position, len(siblings))

	var displaced []*sessionState
	r.mu.RLock()
	for _, st := range siblings {
		if st.record.PositionInTab >= pos {
			displaced = append(displaced, st)
		}
	}
	r.mu.RUnlock()
	return pos, displaced
}

// reindexTabSessions renumbers a tab's sessions 0..n-1 after a removal.
func (r *Registry) reindexTabSessions(ctx context.Context, tabID string) {
	r.orderMu.Lock()
	defer r.orderMu.Unlock()

	members := r.tabMembers(tabID, "")
	var moved []*model.TerminalSession
	r.mu.Lock()
	for i, st := range members {
		if st.record.PositionInTab != i {
			st.record.PositionInTab = i
			moved = append(moved, st.record)
		}
	}
	r.mu.Unlock()

	for _, record := range moved {
		r.persistTabSlot(ctx, record)
	}
}

// tabMembers returns a tab's sessions sorted by position, excluding one id.
func (r *Registry) tabMembers(tabID, exclude string) []*sessionState {
	r.mu.RLock()
	var members []*sessionState
	for sid, st := range r.sessions {
		if sid != exclude && st.record.TabID == tabID {
			members = append(members, st)
		}
	}
	r.mu.RUnlock()

	sort.Slice(members, func(i, j int) bool {
		if members[i].record.PositionInTab == members[j].record.PositionInTab {
			return members[i].record.ID < members[j].record.ID
		}
		return members[i].record.PositionInTab < members[j].record.PositionInTab
	})
	return members
}

func (r *Registry) persistTabSlot(ctx context.Context, record *model.TerminalSession) {
	if err := r.terminals.UpdateTabAssignment(ctx, record.ID, record.TabID, record.PositionInTab); err != nil {
		r.log.Warn("failed to persist tab position",
			zap.String("id", record.ID), zap.Error(err))
	}
}

// orderedTabs returns live tabs sorted by position. Caller holds orderMu.
func (r *Registry) orderedTabs() []*model.Tab {
	r.mu.RLock()
	tabs := make([]*model.Tab, 0, len(r.tabs))
	for _, tab := range r.tabs {
		tabs = append(tabs, tab)
	}
	r.mu.RUnlock()

	sort.Slice(tabs, func(i, j int) bool {
		if tabs[i].Position == tabs[j].Position {
			return tabs[i].ID < tabs[j].ID
		}
		return tabs[i].Position < tabs[j].Position
	})
	return tabs
}

// applyTabOrder renumbers tabs to match slice order and persists the drift.
// Caller holds orderMu.
func (r *Registry) applyTabOrder(ctx context.Context, ordered []*model.Tab) error {
	var moved []*model.Tab
	r.mu.Lock()
	for i, tab := range ordered {
		if tab.Position != i {
			tab.Position = i
			moved = append(moved, tab)
		}
	}
	r.mu.Unlock()

	for _, tab := range moved {
		if err := r.tabRepo.UpdatePosition(ctx, tab.ID, tab.Position); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) lookupTabRequest(requestID string) *model.Tab {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.requests[requestID]
	if !ok || !res.isTab {
		return nil
	}
	tab, ok := r.tabs[res.entityID]
	if !ok {
		return nil
	}
	return tab.Clone()
}

func clampPosition(position *int, length int) int {
	if position == nil {
		return length
	}
	pos := *position
	if pos < 0 {
		return 0
	}
	if pos > length {
		return length
	}
	return pos
}
