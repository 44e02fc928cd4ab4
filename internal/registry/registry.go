// Package registry owns the canonical server-side state of terminal
// sessions and tabs. Every lifecycle operation on a session id is serialized
// through the keymutex manager; events are broadcast only after the guarded
// operation has completed, so all clients observe per-session changes in
// registry order.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/termtab/backend/internal/buffer"
	"github.com/termtab/backend/internal/keymutex"
	"github.com/termtab/backend/internal/model"
	"github.com/termtab/backend/internal/protocol"
	"github.com/termtab/backend/internal/recorder"
	"github.com/termtab/backend/internal/repository"
	"github.com/termtab/backend/internal/supervisor"
)

// DefaultRingBufferSize bounds the retained output per session (256KiB).
// Oldest bytes are dropped first on overflow.
const DefaultRingBufferSize = 256 * 1024

// Broadcaster fans a server-originated event out to every connected client.
type Broadcaster interface {
	Broadcast(typ protocol.Type, payload any)
}

// nopBroadcaster is used until the hub is wired in.
type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(protocol.Type, any) {}

// Config holds registry configuration.
type Config struct {
	// RingBufferSize is the retained-output bound per session in bytes.
	RingBufferSize int

	// DefaultShell runs when a create request names no command.
	DefaultShell string

	// Recorder captures session traffic as cast files. Nil disables
	// recording.
	Recorder *recorder.Recorder
}

// Registry is the single authority for session and tab state. Client stores
// are mirrors, never authorities.
type Registry struct {
	log         *zap.Logger
	sup         supervisor.Supervisor
	terminals   *repository.TerminalRepository
	tabRepo     *repository.TabRepository
	locks       *keymutex.Manager
	bufferSize  int
	shell       string
	rec         *recorder.Recorder
	broadcaster Broadcaster

	mu       sync.RWMutex
	sessions map[string]*sessionState
	tabs     map[string]*model.Tab
	requests map[string]requestResult // requestID -> applied create, for replay dedupe

	// orderMu guards dense position reindexing, which spans sibling
	// entities and so cannot ride on any single per-id mutex.
	orderMu sync.Mutex
}

// sessionState pairs a session record with its live runtime resources.
type sessionState struct {
	record    *model.TerminalSession
	handle    supervisor.Handle
	ring      *buffer.RingBuffer
	requestID string
}

type requestResult struct {
	entityID string
	isTab    bool
}

// New creates a Registry.
func New(sup supervisor.Supervisor, terminals *repository.TerminalRepository, tabs *repository.TabRepository, cfg Config, log *zap.Logger) *Registry {
	if cfg.RingBufferSize <= 0 {
		cfg.RingBufferSize = DefaultRingBufferSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:         log,
		sup:         sup,
		terminals:   terminals,
		tabRepo:     tabs,
		locks:       keymutex.NewManager(),
		bufferSize:  cfg.RingBufferSize,
		shell:       cfg.DefaultShell,
		rec:         cfg.Recorder,
		broadcaster: nopBroadcaster{},
		sessions:    make(map[string]*sessionState),
		tabs:        make(map[string]*model.Tab),
		requests:    make(map[string]requestResult),
	}
}

// SetBroadcaster wires the event fanout. Must be called before clients
// connect.
func (r *Registry) SetBroadcaster(b Broadcaster) {
	r.broadcaster = b
}

// CreateParams describes a session create request.
type CreateParams struct {
	Name          string
	Cols          uint16
	Rows          uint16
	Cwd           string
	TabID         string
	PositionInTab *int

	// Correlation identifiers from the optimistic client mutation; echoed
	// back on the confirmation or rejection.
	RequestID string
	TempID    string
}

// CreateResult is the outcome of a create request. IsNew is false when the
// request id matched a previously applied create, so the caller adopts the
// existing session instead of a new one.
type CreateResult struct {
	Terminal *model.TerminalSession
	IsNew    bool
}

// Create allocates a backing process and a session record. On spawn failure
// no record is created.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*CreateResult, error) {
	// A retried create (reconnect replay) converges on the original session.
	if p.RequestID != "" {
		if existing := r.lookupRequest(p.RequestID); existing != nil {
			r.broadcaster.Broadcast(protocol.TypeTerminalCreated, &protocol.TerminalCreated{
				Terminal:  existing,
				IsNew:     false,
				RequestID: p.RequestID,
				TempID:    p.TempID,
			})
			return &CreateResult{Terminal: existing, IsNew: false}, nil
		}
	}

	if p.Cols == 0 || p.Rows == 0 {
		return nil, &model.CreateRejectedError{Reason: "invalid geometry", Err: model.ErrInvalidGeometry}
	}
	if p.TabID != "" && !r.tabExists(p.TabID) {
		return nil, &model.CreateRejectedError{Reason: "unknown tab " + p.TabID, Err: model.ErrTabNotFound}
	}

	id := uuid.New().String()
	name := p.Name
	if name == "" {
		name = fmt.Sprintf("Terminal %s", id[:8])
	}

	var created *model.TerminalSession
	err := r.locks.WithLock(id, func() error {
		ring := buffer.NewRingBuffer(r.bufferSize)

		handle, err := r.sup.Spawn(ctx, supervisor.SpawnOptions{
			ID:      id,
			Command: r.shell,
			Cwd:     p.Cwd,
			Cols:    p.Cols,
			Rows:    p.Rows,
			OnOutput: func(data []byte) {
				r.handleOutput(id, data)
			},
			OnExit: func(exitCode int, err error) {
				r.handleExit(id, exitCode, err)
			},
		})
		if err != nil {
			return &model.SpawnError{Command: r.shell, Err: err}
		}

		record := &model.TerminalSession{
			ID:        id,
			Name:      name,
			Cwd:       p.Cwd,
			Status:    model.TerminalStatusRunning,
			Cols:      p.Cols,
			Rows:      p.Rows,
			TabID:     p.TabID,
			CreatedAt: time.Now().UTC(),
		}
		st := &sessionState{
			record:    record,
			handle:    handle,
			ring:      ring,
			requestID: p.RequestID,
		}
		if err := r.registerSession(ctx, st, p.PositionInTab); err != nil {
			handle.Kill()
			return fmt.Errorf("failed to persist terminal: %w", err)
		}

		if err := r.rec.Start(id, p.Cols, p.Rows); err != nil {
			r.log.Warn("failed to start recording", zap.String("id", id), zap.Error(err))
		}

		created = record.Clone()
		r.broadcaster.Broadcast(protocol.TypeTerminalCreated, &protocol.TerminalCreated{
			Terminal:  created,
			IsNew:     true,
			RequestID: p.RequestID,
			TempID:    p.TempID,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.Info("terminal created",
		zap.String("id", id),
		zap.String("name", name),
		zap.String("tab", p.TabID))
	return &CreateResult{Terminal: created, IsNew: true}, nil
}

// Attach returns the full retained output buffer and current status. Safe to
// call repeatedly; it holds no per-connection state. Two concurrent attaches
// are serialized by the session mutex and receive identical snapshots.
func (r *Registry) Attach(ctx context.Context, id string) (buf []byte, status model.TerminalStatus, err error) {
	err = r.locks.WithLock(id, func() error {
		st, ok := r.state(id)
		if !ok {
			return model.ErrTerminalNotFound
		}
		buf = st.ring.Snapshot()
		status = st.record.Status
		return nil
	})
	return buf, status, err
}

// Write forwards bytes to the backing process stdin. A write to a session
// that is not running is a no-op.
func (r *Registry) Write(ctx context.Context, id string, data []byte) error {
	return r.locks.WithLock(id, func() error {
		st, ok := r.state(id)
		if !ok {
			return model.ErrTerminalNotFound
		}
		if !st.record.IsRunning() || st.handle == nil {
			return nil
		}
		if err := st.handle.Write(data); err != nil {
			return err
		}
		r.rec.Input(id, data)
		return nil
	})
}

// Resize forwards the new geometry to the backing process and persists it.
func (r *Registry) Resize(ctx context.Context, id string, cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return model.ErrInvalidGeometry
	}
	return r.locks.WithLock(id, func() error {
		st, ok := r.state(id)
		if !ok {
			return model.ErrTerminalNotFound
		}
		if st.record.IsRunning() && st.handle != nil {
			if err := st.handle.Resize(cols, rows); err != nil {
				return err
			}
		}
		r.mu.Lock()
		st.record.Cols = cols
		st.record.Rows = rows
		r.mu.Unlock()
		return r.terminals.UpdateGeometry(ctx, id, cols, rows)
	})
}

// Rename updates the stored display name.
func (r *Registry) Rename(ctx context.Context, id, name string) error {
	return r.locks.WithLock(id, func() error {
		st, ok := r.state(id)
		if !ok {
			return model.ErrTerminalNotFound
		}
		r.mu.Lock()
		st.record.Name = name
		r.mu.Unlock()
		if err := r.terminals.UpdateName(ctx, id, name); err != nil {
			return err
		}
		r.broadcaster.Broadcast(protocol.TypeTerminalRenamed, &protocol.TerminalRenamed{
			TerminalID: id,
			Name:       name,
		})
		return nil
	})
}

// ClearBuffer truncates the retained output buffer. The live process is
// untouched.
func (r *Registry) ClearBuffer(ctx context.Context, id string) error {
	return r.locks.WithLock(id, func() error {
		st, ok := r.state(id)
		if !ok {
			return model.ErrTerminalNotFound
		}
		st.ring.Clear()
		r.broadcaster.Broadcast(protocol.TypeTerminalBufferCleared, &protocol.TerminalBufferCleared{
			TerminalID: id,
		})
		return nil
	})
}

// Destroy terminates the backing process and removes the session record.
// Destroying an absent id is a no-op. A session that belongs to a live tab
// requires force.
func (r *Registry) Destroy(ctx context.Context, id string, force bool, reason string) error {
	return r.locks.WithLock(id, func() error {
		st, ok := r.state(id)
		if !ok {
			return nil
		}

		if st.record.TabID != "" && !force && r.tabExists(st.record.TabID) {
			return model.ErrTabNotEmpty
		}

		if st.handle != nil {
			if err := st.handle.Kill(); err != nil {
				r.log.Warn("failed to kill backing process", zap.String("id", id), zap.Error(err))
			}
		}

		if err := r.terminals.Delete(ctx, id); err != nil && err != model.ErrTerminalNotFound {
			return err
		}

		tabID := st.record.TabID
		r.mu.Lock()
		delete(r.sessions, id)
		if st.requestID != "" {
			delete(r.requests, st.requestID)
		}
		r.mu.Unlock()

		if tabID != "" {
			r.reindexTabSessions(ctx, tabID)
		}

		r.rec.Stop(id)
		r.locks.Cleanup(id)
		r.broadcaster.Broadcast(protocol.TypeTerminalDestroyed, &protocol.TerminalDestroyed{
			TerminalID: id,
		})
		r.log.Info("terminal destroyed", zap.String("id", id), zap.String("reason", reason))
		return nil
	})
}

// AssignTab moves a session into a tab, or out of tabs entirely when tabID
// is empty. Sibling positions in both the old and new tab stay dense.
func (r *Registry) AssignTab(ctx context.Context, id, tabID string, position *int) error {
	if tabID != "" && !r.tabExists(tabID) {
		return model.ErrTabNotFound
	}
	return r.locks.WithLock(id, func() error {
		st, ok := r.state(id)
		if !ok {
			return model.ErrTerminalNotFound
		}

		r.orderMu.Lock()
		r.mu.RLock()
		oldTab := st.record.TabID
		r.mu.RUnlock()

		var finalPos int
		var displaced []*sessionState
		if tabID != "" {
			finalPos, displaced = r.planTabSlot(id, tabID, position)
		}

		// Persist before touching memory so a write failure leaves the
		// in-memory assignment where it was, same as Rename.
		if err := r.terminals.UpdateTabAssignment(ctx, id, tabID, finalPos); err != nil {
			r.orderMu.Unlock()
			return err
		}

		r.mu.Lock()
		st.record.TabID = tabID
		st.record.PositionInTab = finalPos
		for _, sib := range displaced {
			sib.record.PositionInTab++
		}
		r.mu.Unlock()

		for _, sib := range displaced {
			r.persistTabSlot(ctx, sib.record)
		}
		r.orderMu.Unlock()
		if oldTab != "" && oldTab != tabID {
			r.reindexTabSessions(ctx, oldTab)
		}

		r.broadcaster.Broadcast(protocol.TypeTerminalTabAssigned, &protocol.TerminalTabAssigned{
			TerminalID:    id,
			TabID:         tabID,
			PositionInTab: finalPos,
		})
		return nil
	})
}

// DetachAll flushes every retained buffer to the persistence layer and
// detaches from the backing processes without terminating them. Restart does
// not kill live sessions.
func (r *Registry) DetachAll(ctx context.Context) error {
	r.mu.Lock()
	states := make(map[string]*sessionState, len(r.sessions))
	for id, st := range r.sessions {
		states[id] = st
	}
	r.mu.Unlock()

	var firstErr error
	for id, st := range states {
		st := st
		err := r.locks.WithLock(id, func() error {
			if err := r.terminals.SaveBuffer(ctx, id, st.ring.Snapshot()); err != nil {
				return err
			}
			r.mu.Lock()
			handle := st.handle
			st.handle = nil
			r.mu.Unlock()
			if handle != nil {
				return handle.Detach()
			}
			return nil
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.log.Info("detached from all sessions", zap.Int("count", len(states)))
	return firstErr
}

// RestoreFromDatabase loads persisted records at boot. Sessions whose
// backing process is still alive are re-attached; the rest are marked exited
// with an unknown exit code.
func (r *Registry) RestoreFromDatabase(ctx context.Context) error {
	tabs, err := r.tabRepo.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tabs: %w", err)
	}
	records, err := r.terminals.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load terminals: %w", err)
	}

	r.mu.Lock()
	for _, tab := range tabs {
		r.tabs[tab.ID] = tab
	}
	r.mu.Unlock()

	for _, record := range records {
		st := &sessionState{
			record: record,
			ring:   buffer.NewRingBuffer(r.bufferSize),
		}

		if saved, err := r.terminals.LoadBuffer(ctx, record.ID); err == nil && len(saved) > 0 {
			st.ring.Write(saved)
		}

		if record.IsRunning() {
			id := record.ID
			if r.sup.IsAlive(ctx, id) {
				handle, err := r.sup.Reattach(ctx, supervisor.SpawnOptions{
					ID:   id,
					Cols: record.Cols,
					Rows: record.Rows,
					OnOutput: func(data []byte) {
						r.handleOutput(id, data)
					},
					OnExit: func(exitCode int, err error) {
						r.handleExit(id, exitCode, err)
					},
				})
				if err != nil {
					r.log.Warn("reattach failed, marking exited",
						zap.String("id", id), zap.Error(err))
					r.markExitedUnknown(ctx, record)
				} else {
					st.handle = handle
					if err := r.rec.Start(id, record.Cols, record.Rows); err != nil {
						r.log.Warn("failed to resume recording", zap.String("id", id), zap.Error(err))
					}
					r.log.Info("reattached to live session", zap.String("id", id))
				}
			} else {
				r.markExitedUnknown(ctx, record)
			}
		}

		r.mu.Lock()
		r.sessions[record.ID] = st
		r.mu.Unlock()
	}

	r.log.Info("restored from database",
		zap.Int("terminals", len(records)),
		zap.Int("tabs", len(tabs)))
	return nil
}

// Snapshot returns copies of all sessions and tabs for the connect-time
// full-state push.
func (r *Registry) Snapshot() ([]*model.TerminalSession, []*model.Tab) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	terminals := make([]*model.TerminalSession, 0, len(r.sessions))
	for _, st := range r.sessions {
		terminals = append(terminals, st.record.Clone())
	}
	sort.Slice(terminals, func(i, j int) bool {
		if terminals[i].CreatedAt.Equal(terminals[j].CreatedAt) {
			return terminals[i].ID < terminals[j].ID
		}
		return terminals[i].CreatedAt.Before(terminals[j].CreatedAt)
	})

	tabs := make([]*model.Tab, 0, len(r.tabs))
	for _, tab := range r.tabs {
		tabs = append(tabs, tab.Clone())
	}
	sort.Slice(tabs, func(i, j int) bool { return tabs[i].Position < tabs[j].Position })

	return terminals, tabs
}

// Get returns a copy of one session record.
func (r *Registry) Get(id string) (*model.TerminalSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return st.record.Clone(), true
}

// handleOutput feeds the retained buffer and streams the chunk to every
// client. Runs on the supervisor's read goroutine.
func (r *Registry) handleOutput(id string, data []byte) {
	st, ok := r.state(id)
	if !ok {
		return
	}
	st.ring.Write(data)
	r.rec.Output(id, data)
	r.broadcaster.Broadcast(protocol.TypeTerminalOutput, &protocol.TerminalOutput{
		TerminalID: id,
		Data:       string(data),
	})
}

// handleExit records the terminal status transition. Status only ever moves
// running -> exited or running -> error; the record and buffer stay until an
// explicit destroy.
func (r *Registry) handleExit(id string, exitCode int, exitErr error) {
	err := r.locks.WithLock(id, func() error {
		st, ok := r.state(id)
		if !ok || !st.record.IsRunning() {
			return nil
		}

		r.mu.Lock()
		st.handle = nil
		if exitErr != nil {
			st.record.Status = model.TerminalStatusError
		} else {
			st.record.Status = model.TerminalStatusExited
			code := exitCode
			st.record.ExitCode = &code
		}
		status, code := st.record.Status, st.record.ExitCode
		r.mu.Unlock()

		r.rec.Stop(id)

		ctx := context.Background()
		if err := r.terminals.UpdateStatus(ctx, id, status, code); err != nil {
			r.log.Warn("failed to persist exit", zap.String("id", id), zap.Error(err))
		}

		r.broadcaster.Broadcast(protocol.TypeTerminalExit, &protocol.TerminalExit{
			TerminalID: id,
			ExitCode:   exitCode,
		})
		r.log.Info("terminal exited",
			zap.String("id", id),
			zap.Int("exitCode", exitCode),
			zap.Error(exitErr))
		return nil
	})
	if err != nil {
		r.log.Warn("exit handling failed", zap.String("id", id), zap.Error(err))
	}
}

func (r *Registry) markExitedUnknown(ctx context.Context, record *model.TerminalSession) {
	record.Status = model.TerminalStatusExited
	code := model.ExitCodeUnknown
	record.ExitCode = &code
	if err := r.terminals.UpdateStatus(ctx, record.ID, record.Status, record.ExitCode); err != nil {
		r.log.Warn("failed to persist restore status",
			zap.String("id", record.ID), zap.Error(err))
	}
}

func (r *Registry) state(id string) (*sessionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sessions[id]
	return st, ok
}

func (r *Registry) lookupRequest(requestID string) *model.TerminalSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.requests[requestID]
	if !ok || res.isTab {
		return nil
	}
	st, ok := r.sessions[res.entityID]
	if !ok {
		return nil
	}
	return st.record.Clone()
}

func (r *Registry) tabExists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tabs[id]
	return ok
}
