// Package client is the mirror side of the wire protocol: a synchronization
// store that tracks server state, applies optimistic create mutations with
// rollback, and survives reconnects by replaying unconfirmed work. The
// server is the only authority; the store never invents state it did not
// either receive or mark as pending.
package client

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/termtab/backend/internal/model"
	"github.com/termtab/backend/internal/protocol"
)

// Callbacks notify the embedding UI layer. All callbacks fire on the single
// event-consuming goroutine, so they observe mirror updates in server order.
// Nil callbacks are skipped.
type Callbacks struct {
	// OnStateReset fires after a connect-time snapshot replaced the mirror.
	OnStateReset func()

	// OnTerminalPromoted fires when an optimistic session is confirmed and
	// the temporary id is swapped for the server id. The embedding layer
	// rebinds any live viewer to the new id without resetting it.
	OnTerminalPromoted func(tempID string, terminal *model.TerminalSession)

	// OnCreateRejected fires after a rejected optimistic create has been
	// rolled back.
	OnCreateRejected func(tempID string, reason string)

	OnTerminalCreated   func(terminal *model.TerminalSession)
	OnTerminalOutput    func(terminalID string, data string)
	OnTerminalExit      func(terminalID string, exitCode int)
	OnTerminalRenamed   func(terminalID string, name string)
	OnTerminalDestroyed func(terminalID string)
	OnBufferCleared     func(terminalID string)

	OnTabsChanged func()

	// OnFocusRestored fires after a reconnect when the previously focused
	// terminal still exists.
	OnFocusRestored func(terminalID string)

	// OnError fires for uncorrelated server error events.
	OnError func(terminalID string, message string)
}

// pendingCreate remembers an unconfirmed optimistic mutation and how to
// undo it.
type pendingCreate struct {
	tempID string
	isTab  bool

	// send re-issues the original request, with the original request id,
	// after a reconnect.
	send func() error
}

// Store mirrors the server's terminal and tab state for one client.
type Store struct {
	log       *zap.Logger
	callbacks Callbacks

	mu        sync.RWMutex
	terminals map[string]*model.TerminalSession
	tabs      map[string]*model.Tab
	pending   map[string]*pendingCreate // requestID -> optimistic mutation
	viewed    map[string]func(buffer string)
	focused   string

	// focusPending defers the focus-restore callback until the focused
	// terminal's attach reply lands, so focus is not handed to a viewer that
	// has not replayed its buffer yet.
	focusPending bool

	sendMu sync.Mutex
	send   func(data []byte) error
}

// NewStore creates an empty mirror. The send function is installed by the
// connection loop (or directly by tests).
func NewStore(callbacks Callbacks, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		log:       log,
		callbacks: callbacks,
		terminals: make(map[string]*model.TerminalSession),
		tabs:      make(map[string]*model.Tab),
		pending:   make(map[string]*pendingCreate),
		viewed:    make(map[string]func(buffer string)),
	}
}

// SetSender installs the frame transmitter. Called on every (re)connect.
func (s *Store) SetSender(send func(data []byte) error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.send = send
}

func (s *Store) transmit(typ protocol.Type, payload any) error {
	data, err := protocol.Encode(typ, payload)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	send := s.send
	s.sendMu.Unlock()
	if send == nil {
		return ErrNotConnected
	}
	return send(data)
}

// Terminals returns the mirrored sessions ordered by creation time.
// Unconfirmed optimistic sessions are included, flagged Pending.
func (s *Store) Terminals() []*model.TerminalSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.TerminalSession, 0, len(s.terminals))
	for _, term := range s.terminals {
		out = append(out, term.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Tabs returns the mirrored tabs ordered by position.
func (s *Store) Tabs() []*model.Tab {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Tab, 0, len(s.tabs))
	for _, tab := range s.tabs {
		out = append(out, tab.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// Terminal returns one mirrored session.
func (s *Store) Terminal(id string) (*model.TerminalSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	term, ok := s.terminals[id]
	if !ok {
		return nil, false
	}
	return term.Clone(), true
}

// Focus marks a terminal as focused; the focus is restored after reconnects.
func (s *Store) Focus(terminalID string) {
	s.mu.Lock()
	s.focused = terminalID
	s.mu.Unlock()
}

// Focused returns the focused terminal id, if any.
func (s *Store) Focused() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.focused
}
