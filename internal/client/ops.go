package client

import (
	"time"

	"github.com/google/uuid"

	"github.com/termtab/backend/internal/model"
	"github.com/termtab/backend/internal/protocol"
)

// CreateTerminalOptions configures an optimistic session create.
type CreateTerminalOptions struct {
	Name          string
	Cols          uint16
	Rows          uint16
	Cwd           string
	TabID         string
	PositionInTab *int
}

// CreateTerminal applies an optimistic create and sends the request. The
// returned temp id names the placeholder session until the server confirms;
// a rejection removes the placeholder again.
func (s *Store) CreateTerminal(opts CreateTerminalOptions) (tempID string, err error) {
	requestID := uuid.New().String()
	tempID = "tmp-" + uuid.New().String()

	placeholder := &model.TerminalSession{
		ID:        tempID,
		Name:      opts.Name,
		Cwd:       opts.Cwd,
		Status:    model.TerminalStatusRunning,
		Cols:      opts.Cols,
		Rows:      opts.Rows,
		TabID:     opts.TabID,
		CreatedAt: time.Now().UTC(),
		Pending:   true,
		TempID:    tempID,
	}

	send := func() error {
		return s.transmit(protocol.TypeTerminalCreate, &protocol.TerminalCreate{
			Name:          opts.Name,
			Cols:          opts.Cols,
			Rows:          opts.Rows,
			Cwd:           opts.Cwd,
			TabID:         opts.TabID,
			PositionInTab: opts.PositionInTab,
			RequestID:     requestID,
			TempID:        tempID,
		})
	}

	s.mu.Lock()
	s.terminals[tempID] = placeholder
	s.pending[requestID] = &pendingCreate{tempID: tempID, send: send}
	s.mu.Unlock()

	if err := send(); err != nil {
		// Cannot reach the server at all: undo the optimistic state.
		s.mu.Lock()
		delete(s.terminals, tempID)
		delete(s.pending, requestID)
		s.mu.Unlock()
		return "", err
	}
	return tempID, nil
}

// Input sends keystrokes to a terminal. No local state changes.
func (s *Store) Input(terminalID string, data string) error {
	return s.transmit(protocol.TypeTerminalInput, &protocol.TerminalInput{
		TerminalID: terminalID,
		Data:       data,
	})
}

// Resize applies the new geometry to the mirror and requests it from the
// server. Never rolled back: the request is idempotent and the echoed
// broadcast repeats the same values.
func (s *Store) Resize(terminalID string, cols, rows uint16) error {
	s.mu.Lock()
	if term, ok := s.terminals[terminalID]; ok {
		term.Cols = cols
		term.Rows = rows
	}
	s.mu.Unlock()
	return s.transmit(protocol.TypeTerminalResize, &protocol.TerminalResize{
		TerminalID: terminalID,
		Cols:       cols,
		Rows:       rows,
	})
}

// Rename applies the new display name to the mirror and requests it from the
// server. Never rolled back.
func (s *Store) Rename(terminalID, name string) error {
	s.mu.Lock()
	if term, ok := s.terminals[terminalID]; ok {
		term.Name = name
	}
	s.mu.Unlock()
	return s.transmit(protocol.TypeTerminalRename, &protocol.TerminalRename{
		TerminalID: terminalID,
		Name:       name,
	})
}

// Destroy removes the session from the mirror immediately and sends the
// request fire-and-forget. A destroy of an already-gone session is a
// server-side no-op, and the terminal:destroyed broadcast that follows is
// absorbed by the idempotent removal.
func (s *Store) Destroy(terminalID string, force bool, reason string) error {
	s.mu.Lock()
	delete(s.terminals, terminalID)
	delete(s.viewed, terminalID)
	if s.focused == terminalID {
		s.focused = ""
		s.focusPending = false
	}
	s.mu.Unlock()
	return s.transmit(protocol.TypeTerminalDestroy, &protocol.TerminalDestroy{
		TerminalID: terminalID,
		Force:      force,
		Reason:     reason,
	})
}

// Attach requests the retained buffer for a terminal and marks it viewed.
// The callback fires once per attach reply, including replays after a
// reconnect, so a reopened viewer always starts from the full buffer.
func (s *Store) Attach(terminalID string, onBuffer func(buffer string)) error {
	s.mu.Lock()
	s.viewed[terminalID] = onBuffer
	s.mu.Unlock()
	return s.transmit(protocol.TypeTerminalAttach, &protocol.TerminalAttach{
		TerminalID: terminalID,
	})
}

// Detach stops tracking a terminal as viewed. No server interaction; the
// server holds no per-viewer state.
func (s *Store) Detach(terminalID string) {
	s.mu.Lock()
	delete(s.viewed, terminalID)
	s.mu.Unlock()
}

// ClearBuffer requests truncation of the retained buffer.
func (s *Store) ClearBuffer(terminalID string) error {
	return s.transmit(protocol.TypeTerminalClearBuffer, &protocol.TerminalClearBuffer{
		TerminalID: terminalID,
	})
}

// AssignTab moves a terminal into a tab (or out, with an empty tab id) in
// the mirror and requests the move. The terminal:tabAssigned broadcast
// carries the server's final position.
func (s *Store) AssignTab(terminalID, tabID string, position *int) error {
	s.mu.Lock()
	if term, ok := s.terminals[terminalID]; ok {
		term.TabID = tabID
		switch {
		case tabID == "":
			term.PositionInTab = 0
		case position != nil:
			term.PositionInTab = *position
		default:
			end := 0
			for id, other := range s.terminals {
				if id != terminalID && other.TabID == tabID {
					end++
				}
			}
			term.PositionInTab = end
		}
	}
	s.mu.Unlock()
	return s.transmit(protocol.TypeTerminalAssignTab, &protocol.TerminalAssignTab{
		TerminalID:    terminalID,
		TabID:         tabID,
		PositionInTab: position,
	})
}

// CreateTab applies an optimistic tab create and sends the request.
func (s *Store) CreateTab(name string, position *int, directory string) (tempID string, err error) {
	requestID := uuid.New().String()
	tempID = "tmp-" + uuid.New().String()

	pos := len(s.Tabs())
	if position != nil {
		pos = *position
	}
	placeholder := &model.Tab{
		ID:        tempID,
		Name:      name,
		Position:  pos,
		Directory: directory,
		CreatedAt: time.Now().UTC(),
		Pending:   true,
	}

	send := func() error {
		return s.transmit(protocol.TypeTabCreate, &protocol.TabCreate{
			Name:      name,
			Position:  position,
			Directory: directory,
			RequestID: requestID,
			TempID:    tempID,
		})
	}

	s.mu.Lock()
	s.tabs[tempID] = placeholder
	s.pending[requestID] = &pendingCreate{tempID: tempID, isTab: true, send: send}
	s.mu.Unlock()

	if err := send(); err != nil {
		s.mu.Lock()
		delete(s.tabs, tempID)
		delete(s.pending, requestID)
		s.mu.Unlock()
		return "", err
	}
	return tempID, nil
}

// UpdateTab applies a tab metadata change to the mirror and requests it.
// Never rolled back.
func (s *Store) UpdateTab(tabID string, name, directory *string) error {
	s.mu.Lock()
	if tab, ok := s.tabs[tabID]; ok {
		if name != nil {
			tab.Name = *name
		}
		if directory != nil {
			tab.Directory = *directory
		}
	}
	s.mu.Unlock()
	return s.transmit(protocol.TypeTabUpdate, &protocol.TabUpdate{
		TabID:     tabID,
		Name:      name,
		Directory: directory,
	})
}

// DeleteTab requests tab removal, cascading to its member sessions. The
// cascade is the server's: the mirror drops the tab and its sessions as the
// broadcasts arrive.
func (s *Store) DeleteTab(tabID string) error {
	return s.transmit(protocol.TypeTabDelete, &protocol.TabDelete{TabID: tabID})
}

// ReorderTab applies the dense reorder to the mirror and requests it.
func (s *Store) ReorderTab(tabID string, position int) error {
	s.mu.Lock()
	s.moveTab(tabID, position)
	s.mu.Unlock()
	return s.transmit(protocol.TypeTabReorder, &protocol.TabReorder{
		TabID:    tabID,
		Position: position,
	})
}
