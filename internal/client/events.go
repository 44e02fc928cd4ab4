package client

import (
	"go.uber.org/zap"

	"github.com/termtab/backend/internal/model"
	"github.com/termtab/backend/internal/protocol"
)

// HandleFrame decodes one server frame and applies it to the mirror. The
// connection loop calls it from a single goroutine, so events apply in the
// exact order the server sent them.
func (s *Store) HandleFrame(data []byte) {
	typ, payload, err := protocol.Decode(data)
	if err != nil {
		s.log.Warn("discarding undecodable frame", zap.Error(err))
		return
	}

	switch event := payload.(type) {
	case *protocol.TerminalsList:
		s.applyTerminalsList(event)
	case *protocol.TabsList:
		s.applyTabsList(event)
	case *protocol.TerminalCreated:
		s.applyTerminalCreated(event)
	case *protocol.TerminalOutput:
		if s.callbacks.OnTerminalOutput != nil {
			s.callbacks.OnTerminalOutput(event.TerminalID, event.Data)
		}
	case *protocol.TerminalAttached:
		s.applyTerminalAttached(event)
	case *protocol.TerminalBufferCleared:
		if s.callbacks.OnBufferCleared != nil {
			s.callbacks.OnBufferCleared(event.TerminalID)
		}
	case *protocol.TerminalExit:
		s.applyTerminalExit(event)
	case *protocol.TerminalRenamed:
		s.applyTerminalRenamed(event)
	case *protocol.TerminalDestroyed:
		s.applyTerminalDestroyed(event)
	case *protocol.TerminalTabAssigned:
		s.applyTabAssigned(event)
	case *protocol.TerminalError:
		s.applyError(event)
	case *protocol.TabCreated:
		s.applyTabCreated(event)
	case *protocol.TabUpdated:
		s.applyTabUpdated(event)
	case *protocol.TabDeleted:
		s.applyTabDeleted(event)
	case *protocol.TabReordered:
		s.applyTabReordered(event)
	default:
		s.log.Warn("unhandled server event", zap.String("type", string(typ)))
	}
}

// applyTerminalsList replaces the session mirror with the server snapshot.
// Unconfirmed placeholders survive; their creates are replayed right after
// the snapshot.
func (s *Store) applyTerminalsList(event *protocol.TerminalsList) {
	s.mu.Lock()
	fresh := make(map[string]*model.TerminalSession, len(event.Terminals))
	for _, term := range event.Terminals {
		fresh[term.ID] = term
	}
	for _, p := range s.pending {
		if p.isTab {
			continue
		}
		if placeholder, ok := s.terminals[p.tempID]; ok {
			fresh[p.tempID] = placeholder
		}
	}
	s.terminals = fresh
	s.mu.Unlock()
}

func (s *Store) applyTabsList(event *protocol.TabsList) {
	s.mu.Lock()
	fresh := make(map[string]*model.Tab, len(event.Tabs))
	for _, tab := range event.Tabs {
		fresh[tab.ID] = tab
	}
	for _, p := range s.pending {
		if !p.isTab {
			continue
		}
		if placeholder, ok := s.tabs[p.tempID]; ok {
			fresh[p.tempID] = placeholder
		}
	}
	s.tabs = fresh
	s.mu.Unlock()

	// The tab snapshot is the second and last connect frame; the mirror is
	// now coherent.
	s.finishSnapshot()
	if s.callbacks.OnTabsChanged != nil {
		s.callbacks.OnTabsChanged()
	}
}

// applyTerminalCreated confirms a create. A matching request id promotes the
// local placeholder: the temp id entry is dropped and the server record
// inserted, whether the session is new or an adopted existing one.
func (s *Store) applyTerminalCreated(event *protocol.TerminalCreated) {
	term := event.Terminal

	s.mu.Lock()
	var promotedFrom string
	if p, ok := s.pending[event.RequestID]; ok && !p.isTab {
		promotedFrom = p.tempID
		delete(s.terminals, p.tempID)
		delete(s.pending, event.RequestID)
	}
	s.terminals[term.ID] = term
	if viewer, ok := s.viewed[promotedFrom]; ok && promotedFrom != "" {
		// Keep the viewer bound across the id swap.
		delete(s.viewed, promotedFrom)
		s.viewed[term.ID] = viewer
	}
	if s.focused == promotedFrom && promotedFrom != "" {
		s.focused = term.ID
	}
	s.mu.Unlock()

	if promotedFrom != "" {
		if s.callbacks.OnTerminalPromoted != nil {
			s.callbacks.OnTerminalPromoted(promotedFrom, term.Clone())
		}
		return
	}
	if s.callbacks.OnTerminalCreated != nil {
		s.callbacks.OnTerminalCreated(term.Clone())
	}
}

func (s *Store) applyTerminalAttached(event *protocol.TerminalAttached) {
	s.mu.Lock()
	viewer := s.viewed[event.TerminalID]
	restoreFocus := s.focusPending && s.focused == event.TerminalID
	if restoreFocus {
		s.focusPending = false
	}
	s.mu.Unlock()

	if viewer != nil {
		viewer(event.Buffer)
	}
	if restoreFocus && s.callbacks.OnFocusRestored != nil {
		s.callbacks.OnFocusRestored(event.TerminalID)
	}
}

func (s *Store) applyTerminalExit(event *protocol.TerminalExit) {
	s.mu.Lock()
	if term, ok := s.terminals[event.TerminalID]; ok {
		term.Status = model.TerminalStatusExited
		code := event.ExitCode
		term.ExitCode = &code
	}
	s.mu.Unlock()
	if s.callbacks.OnTerminalExit != nil {
		s.callbacks.OnTerminalExit(event.TerminalID, event.ExitCode)
	}
}

func (s *Store) applyTerminalRenamed(event *protocol.TerminalRenamed) {
	s.mu.Lock()
	if term, ok := s.terminals[event.TerminalID]; ok {
		term.Name = event.Name
	}
	s.mu.Unlock()
	if s.callbacks.OnTerminalRenamed != nil {
		s.callbacks.OnTerminalRenamed(event.TerminalID, event.Name)
	}
}

func (s *Store) applyTerminalDestroyed(event *protocol.TerminalDestroyed) {
	s.mu.Lock()
	delete(s.terminals, event.TerminalID)
	delete(s.viewed, event.TerminalID)
	if s.focused == event.TerminalID {
		s.focused = ""
		s.focusPending = false
	}
	s.mu.Unlock()
	if s.callbacks.OnTerminalDestroyed != nil {
		s.callbacks.OnTerminalDestroyed(event.TerminalID)
	}
}

func (s *Store) applyTabAssigned(event *protocol.TerminalTabAssigned) {
	s.mu.Lock()
	if term, ok := s.terminals[event.TerminalID]; ok {
		term.TabID = event.TabID
		term.PositionInTab = event.PositionInTab
	}
	s.mu.Unlock()
	if s.callbacks.OnTabsChanged != nil {
		s.callbacks.OnTabsChanged()
	}
}

// applyError rolls back a rejected optimistic create when the correlation
// matches one of ours; uncorrelated errors are surfaced as-is, and foreign
// correlations are ignored.
func (s *Store) applyError(event *protocol.TerminalError) {
	if event.RequestID != "" {
		s.mu.Lock()
		p, ok := s.pending[event.RequestID]
		if ok {
			if p.isTab {
				delete(s.tabs, p.tempID)
			} else {
				delete(s.terminals, p.tempID)
				delete(s.viewed, p.tempID)
				if s.focused == p.tempID {
					s.focused = ""
					s.focusPending = false
				}
			}
			delete(s.pending, event.RequestID)
		}
		s.mu.Unlock()

		if ok && s.callbacks.OnCreateRejected != nil {
			s.callbacks.OnCreateRejected(p.tempID, event.Error)
		}
		return
	}
	if s.callbacks.OnError != nil {
		s.callbacks.OnError(event.TerminalID, event.Error)
	}
}

func (s *Store) applyTabCreated(event *protocol.TabCreated) {
	tab := event.Tab

	s.mu.Lock()
	if p, ok := s.pending[event.RequestID]; ok && p.isTab {
		delete(s.tabs, p.tempID)
		delete(s.pending, event.RequestID)
	}
	s.tabs[tab.ID] = tab
	s.mu.Unlock()

	if s.callbacks.OnTabsChanged != nil {
		s.callbacks.OnTabsChanged()
	}
}

func (s *Store) applyTabUpdated(event *protocol.TabUpdated) {
	s.mu.Lock()
	if tab, ok := s.tabs[event.TabID]; ok {
		if event.Name != nil {
			tab.Name = *event.Name
		}
		if event.Directory != nil {
			tab.Directory = *event.Directory
		}
	}
	s.mu.Unlock()
	if s.callbacks.OnTabsChanged != nil {
		s.callbacks.OnTabsChanged()
	}
}

func (s *Store) applyTabDeleted(event *protocol.TabDeleted) {
	s.mu.Lock()
	delete(s.tabs, event.TabID)
	s.mu.Unlock()
	if s.callbacks.OnTabsChanged != nil {
		s.callbacks.OnTabsChanged()
	}
}

func (s *Store) applyTabReordered(event *protocol.TabReordered) {
	s.mu.Lock()
	s.moveTab(event.TabID, event.Position)
	s.mu.Unlock()
	if s.callbacks.OnTabsChanged != nil {
		s.callbacks.OnTabsChanged()
	}
}

// moveTab slides a tab to position, keeping sibling positions dense.
// Idempotent, so a locally applied reorder absorbs its own echoed broadcast.
// Caller holds mu.
func (s *Store) moveTab(tabID string, position int) {
	moved, ok := s.tabs[tabID]
	if !ok {
		return
	}
	old := moved.Position
	for _, tab := range s.tabs {
		if tab.ID == tabID {
			continue
		}
		if tab.Position > old {
			tab.Position--
		}
		if tab.Position >= position {
			tab.Position++
		}
	}
	moved.Position = position
}

// finishSnapshot runs the post-reconnect recovery: replay unconfirmed
// creates (the server dedupes by request id), re-attach every viewed
// terminal, and restore focus.
func (s *Store) finishSnapshot() {
	s.mu.RLock()
	replays := make([]*pendingCreate, 0, len(s.pending))
	for _, p := range s.pending {
		replays = append(replays, p)
	}
	viewed := make([]string, 0, len(s.viewed))
	for id := range s.viewed {
		viewed = append(viewed, id)
	}
	focused := s.focused
	s.mu.RUnlock()

	for _, p := range replays {
		if err := p.send(); err != nil {
			s.log.Warn("create replay failed", zap.String("tempId", p.tempID), zap.Error(err))
		}
	}

	for _, id := range viewed {
		// Placeholders have nothing to attach to yet; their promotion
		// rebinding handles the viewer.
		s.mu.RLock()
		term, ok := s.terminals[id]
		pendingTerm := ok && term.Pending
		s.mu.RUnlock()
		if !ok || pendingTerm {
			continue
		}
		if err := s.transmit(protocol.TypeTerminalAttach, &protocol.TerminalAttach{TerminalID: id}); err != nil {
			s.log.Warn("attach replay failed", zap.String("terminalId", id), zap.Error(err))
		}
	}

	if s.callbacks.OnStateReset != nil {
		s.callbacks.OnStateReset()
	}
	if focused != "" {
		s.mu.Lock()
		_, stillThere := s.terminals[focused]
		_, viewedFocus := s.viewed[focused]
		// When the focused terminal is being re-attached, wait for its
		// attach reply before handing focus back, so the viewer has its
		// buffer replayed first.
		if stillThere && viewedFocus {
			s.focusPending = true
		}
		s.mu.Unlock()
		if stillThere && !viewedFocus && s.callbacks.OnFocusRestored != nil {
			s.callbacks.OnFocusRestored(focused)
		}
	}
}
