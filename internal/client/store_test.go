package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/termtab/backend/internal/model"
	"github.com/termtab/backend/internal/protocol"
)

// sentFrames captures everything the store transmits.
type sentFrames struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (s *sentFrames) send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, append([]byte(nil), data...))
	return nil
}

func (s *sentFrames) decoded(t *testing.T) []any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, 0, len(s.frames))
	for _, frame := range s.frames {
		_, payload, err := protocol.DecodeClient(frame)
		require.NoError(t, err)
		out = append(out, payload)
	}
	return out
}

func (s *sentFrames) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func newTestStore(t *testing.T, callbacks Callbacks) (*Store, *sentFrames) {
	t.Helper()
	sent := &sentFrames{}
	store := NewStore(callbacks, zap.NewNop())
	store.SetSender(sent.send)
	return store, sent
}

// feed encodes a server event and applies it like the connection loop would.
func feed(t *testing.T, store *Store, typ protocol.Type, payload any) {
	t.Helper()
	data, err := protocol.Encode(typ, payload)
	require.NoError(t, err)
	store.HandleFrame(data)
}

func feedSnapshot(t *testing.T, store *Store, terminals []*model.TerminalSession, tabs []*model.Tab) {
	t.Helper()
	feed(t, store, protocol.TypeTerminalsList, &protocol.TerminalsList{Terminals: terminals})
	feed(t, store, protocol.TypeTabsList, &protocol.TabsList{Tabs: tabs})
}

func serverTerminal(id, name string) *model.TerminalSession {
	return &model.TerminalSession{
		ID:        id,
		Name:      name,
		Status:    model.TerminalStatusRunning,
		Cols:      80,
		Rows:      24,
		CreatedAt: time.Now().UTC(),
	}
}

func TestSnapshotReplacesMirror(t *testing.T) {
	store, _ := newTestStore(t, Callbacks{})

	feedSnapshot(t, store,
		[]*model.TerminalSession{serverTerminal("t1", "stale")},
		[]*model.Tab{{ID: "tab1", Name: "old", Position: 0}})

	feedSnapshot(t, store,
		[]*model.TerminalSession{serverTerminal("t2", "fresh")},
		[]*model.Tab{{ID: "tab2", Name: "new", Position: 0}})

	terminals := store.Terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, "t2", terminals[0].ID)

	tabs := store.Tabs()
	require.Len(t, tabs, 1)
	assert.Equal(t, "tab2", tabs[0].ID)
}

func TestOptimisticCreateAndPromotion(t *testing.T) {
	var promotedTemp string
	var promoted *model.TerminalSession
	store, sent := newTestStore(t, Callbacks{
		OnTerminalPromoted: func(tempID string, term *model.TerminalSession) {
			promotedTemp = tempID
			promoted = term
		},
	})

	tempID, err := store.CreateTerminal(CreateTerminalOptions{Name: "shell", Cols: 80, Rows: 24})
	require.NoError(t, err)

	// The placeholder is visible and flagged pending.
	got, ok := store.Terminal(tempID)
	require.True(t, ok)
	assert.True(t, got.Pending)

	// A viewer and focus bound to the placeholder.
	var buffers []string
	require.NoError(t, store.Attach(tempID, func(buffer string) { buffers = append(buffers, buffer) }))
	store.Focus(tempID)

	reqs := sent.decoded(t)
	createReq := reqs[0].(*protocol.TerminalCreate)
	assert.Equal(t, tempID, createReq.TempID)
	require.NotEmpty(t, createReq.RequestID)

	// Server confirms with the real id.
	real := serverTerminal("real-1", "shell")
	feed(t, store, protocol.TypeTerminalCreated, &protocol.TerminalCreated{
		Terminal:  real,
		IsNew:     true,
		RequestID: createReq.RequestID,
		TempID:    tempID,
	})

	assert.Equal(t, tempID, promotedTemp)
	require.NotNil(t, promoted)
	assert.Equal(t, "real-1", promoted.ID)

	_, stillTemp := store.Terminal(tempID)
	assert.False(t, stillTemp, "placeholder replaced by server record")
	confirmed, ok := store.Terminal("real-1")
	require.True(t, ok)
	assert.False(t, confirmed.Pending)

	// Focus followed the id swap.
	assert.Equal(t, "real-1", store.Focused())

	// The rebound viewer receives later attach replies.
	feed(t, store, protocol.TypeTerminalAttached, &protocol.TerminalAttached{
		TerminalID: "real-1",
		Buffer:     "contents",
	})
	assert.Equal(t, []string{"contents"}, buffers)
}

func TestCreateConfirmationAdoptsExistingSession(t *testing.T) {
	store, sent := newTestStore(t, Callbacks{})

	tempID, err := store.CreateTerminal(CreateTerminalOptions{Name: "shell", Cols: 80, Rows: 24})
	require.NoError(t, err)
	createReq := sent.decoded(t)[0].(*protocol.TerminalCreate)

	feed(t, store, protocol.TypeTerminalCreated, &protocol.TerminalCreated{
		Terminal:  serverTerminal("existing", "shell"),
		IsNew:     false,
		RequestID: createReq.RequestID,
		TempID:    tempID,
	})

	_, tempGone := store.Terminal(tempID)
	assert.False(t, tempGone)
	_, ok := store.Terminal("existing")
	assert.True(t, ok)
}

func TestRejectedCreateRollsBackExactly(t *testing.T) {
	var rejectedTemp, reason string
	store, sent := newTestStore(t, Callbacks{
		OnCreateRejected: func(tempID, r string) { rejectedTemp, reason = tempID, r },
	})

	feedSnapshot(t, store, []*model.TerminalSession{serverTerminal("t1", "keep")}, nil)
	before := store.Terminals()

	tempID, err := store.CreateTerminal(CreateTerminalOptions{Name: "doomed", Cols: 80, Rows: 24})
	require.NoError(t, err)
	require.Len(t, store.Terminals(), 2)

	createReq := sent.decoded(t)[0].(*protocol.TerminalCreate)
	feed(t, store, protocol.TypeTerminalError, &protocol.TerminalError{
		Error:     "spawn failed",
		RequestID: createReq.RequestID,
		TempID:    tempID,
	})

	assert.Equal(t, tempID, rejectedTemp)
	assert.Equal(t, "spawn failed", reason)
	assert.Equal(t, before, store.Terminals(), "mirror identical to its pre-create state")
}

func TestForeignCorrelationIgnored(t *testing.T) {
	var errored bool
	store, _ := newTestStore(t, Callbacks{
		OnCreateRejected: func(string, string) { errored = true },
	})

	tempID, err := store.CreateTerminal(CreateTerminalOptions{Cols: 80, Rows: 24})
	require.NoError(t, err)

	// Another client's rejected create passes through untouched.
	feed(t, store, protocol.TypeTerminalError, &protocol.TerminalError{
		Error:     "not ours",
		RequestID: "someone-elses-request",
	})

	assert.False(t, errored)
	_, ok := store.Terminal(tempID)
	assert.True(t, ok, "our placeholder survives")
}

func TestDestroyRemovesLocallyBeforeBroadcast(t *testing.T) {
	store, sent := newTestStore(t, Callbacks{})
	feedSnapshot(t, store, []*model.TerminalSession{serverTerminal("t1", "x")}, nil)
	store.Focus("t1")

	require.NoError(t, store.Destroy("t1", false, "closed"))
	_, ok := store.Terminal("t1")
	assert.False(t, ok, "removed from the mirror without waiting for the broadcast")
	assert.Empty(t, store.Focused())
	assert.Equal(t, 1, sent.count())

	// The echoed broadcast and a repeated destroy are both absorbed.
	feed(t, store, protocol.TypeTerminalDestroyed, &protocol.TerminalDestroyed{TerminalID: "t1"})
	require.NoError(t, store.Destroy("t1", false, "closed"))
	_, ok = store.Terminal("t1")
	assert.False(t, ok)
}

func TestNonOptimisticMutationsApplyImmediately(t *testing.T) {
	store, sent := newTestStore(t, Callbacks{})
	feedSnapshot(t, store,
		[]*model.TerminalSession{serverTerminal("t1", "shell")},
		[]*model.Tab{
			{ID: "taba", Name: "a", Position: 0},
			{ID: "tabb", Name: "b", Position: 1},
		})

	require.NoError(t, store.Rename("t1", "build"))
	require.NoError(t, store.Resize("t1", 120, 40))
	pos := 0
	require.NoError(t, store.AssignTab("t1", "taba", &pos))
	name := "primary"
	require.NoError(t, store.UpdateTab("taba", &name, nil))
	require.NoError(t, store.ReorderTab("taba", 1))

	// Every mutation lands in the mirror before any server reply.
	term, _ := store.Terminal("t1")
	assert.Equal(t, "build", term.Name)
	assert.Equal(t, uint16(120), term.Cols)
	assert.Equal(t, uint16(40), term.Rows)
	assert.Equal(t, "taba", term.TabID)
	assert.Equal(t, 0, term.PositionInTab)
	tabs := store.Tabs()
	require.Len(t, tabs, 2)
	assert.Equal(t, "tabb", tabs[0].ID)
	assert.Equal(t, "primary", tabs[1].Name)
	assert.Equal(t, 5, sent.count())

	// Echoed broadcasts leave the already-applied state as is.
	feed(t, store, protocol.TypeTerminalRenamed, &protocol.TerminalRenamed{TerminalID: "t1", Name: "build"})
	feed(t, store, protocol.TypeTerminalTabAssigned, &protocol.TerminalTabAssigned{
		TerminalID: "t1", TabID: "taba", PositionInTab: 0,
	})
	feed(t, store, protocol.TypeTabReordered, &protocol.TabReordered{TabID: "taba", Position: 1})
	term, _ = store.Terminal("t1")
	assert.Equal(t, "build", term.Name)
	assert.Equal(t, "taba", term.TabID)
	tabs = store.Tabs()
	assert.Equal(t, "tabb", tabs[0].ID)
	assert.Equal(t, "taba", tabs[1].ID)
}

func TestLifecycleEventsUpdateMirror(t *testing.T) {
	store, _ := newTestStore(t, Callbacks{})
	feedSnapshot(t, store,
		[]*model.TerminalSession{serverTerminal("t1", "old")},
		[]*model.Tab{{ID: "tab1", Name: "work", Position: 0}})

	feed(t, store, protocol.TypeTerminalRenamed, &protocol.TerminalRenamed{TerminalID: "t1", Name: "new"})
	term, _ := store.Terminal("t1")
	assert.Equal(t, "new", term.Name)

	feed(t, store, protocol.TypeTerminalTabAssigned, &protocol.TerminalTabAssigned{
		TerminalID: "t1", TabID: "tab1", PositionInTab: 0,
	})
	term, _ = store.Terminal("t1")
	assert.Equal(t, "tab1", term.TabID)

	feed(t, store, protocol.TypeTerminalExit, &protocol.TerminalExit{TerminalID: "t1", ExitCode: 2})
	term, _ = store.Terminal("t1")
	assert.Equal(t, model.TerminalStatusExited, term.Status)
	require.NotNil(t, term.ExitCode)
	assert.Equal(t, 2, *term.ExitCode)

	name := "renamed"
	feed(t, store, protocol.TypeTabUpdated, &protocol.TabUpdated{TabID: "tab1", Name: &name})
	assert.Equal(t, "renamed", store.Tabs()[0].Name)

	feed(t, store, protocol.TypeTabDeleted, &protocol.TabDeleted{TabID: "tab1"})
	assert.Empty(t, store.Tabs())
}

func TestTabReorderKeepsMirrorDense(t *testing.T) {
	store, _ := newTestStore(t, Callbacks{})
	feedSnapshot(t, store, nil, []*model.Tab{
		{ID: "a", Position: 0},
		{ID: "b", Position: 1},
		{ID: "c", Position: 2},
	})

	feed(t, store, protocol.TypeTabReordered, &protocol.TabReordered{TabID: "c", Position: 0})

	tabs := store.Tabs()
	assert.Equal(t, []string{"c", "a", "b"}, []string{tabs[0].ID, tabs[1].ID, tabs[2].ID})
	assert.Equal(t, []int{0, 1, 2}, []int{tabs[0].Position, tabs[1].Position, tabs[2].Position})
}

func TestReconnectReplaysPendingCreatesAndAttaches(t *testing.T) {
	var focusRestored string
	store, sent := newTestStore(t, Callbacks{
		OnFocusRestored: func(id string) { focusRestored = id },
	})

	feedSnapshot(t, store, []*model.TerminalSession{serverTerminal("t1", "viewed")}, nil)

	var buffers []string
	require.NoError(t, store.Attach("t1", func(buffer string) { buffers = append(buffers, buffer) }))
	store.Focus("t1")

	tempID, err := store.CreateTerminal(CreateTerminalOptions{Name: "unconfirmed", Cols: 80, Rows: 24})
	require.NoError(t, err)
	firstCreate := sent.decoded(t)[1].(*protocol.TerminalCreate)

	// Link drops and comes back: a fresh snapshot arrives.
	feedSnapshot(t, store, []*model.TerminalSession{serverTerminal("t1", "viewed")}, nil)

	// The placeholder survived the snapshot replacement.
	_, ok := store.Terminal(tempID)
	assert.True(t, ok)

	var replayedCreate *protocol.TerminalCreate
	var replayedAttach *protocol.TerminalAttach
	for _, req := range sent.decoded(t)[2:] {
		switch req := req.(type) {
		case *protocol.TerminalCreate:
			replayedCreate = req
		case *protocol.TerminalAttach:
			replayedAttach = req
		}
	}
	require.NotNil(t, replayedCreate, "pending create replayed")
	assert.Equal(t, firstCreate.RequestID, replayedCreate.RequestID, "same request id so the server dedupes")
	require.NotNil(t, replayedAttach, "viewed terminal re-attached")
	assert.Equal(t, "t1", replayedAttach.TerminalID)

	// Focus comes back only once the focused terminal finishes attaching.
	assert.Empty(t, focusRestored)

	feed(t, store, protocol.TypeTerminalAttached, &protocol.TerminalAttached{TerminalID: "t1", Buffer: "replayed"})
	assert.Equal(t, []string{"replayed"}, buffers)
	assert.Equal(t, "t1", focusRestored)
}

func TestFocusRestoredImmediatelyWithoutViewer(t *testing.T) {
	var focusRestored string
	store, _ := newTestStore(t, Callbacks{
		OnFocusRestored: func(id string) { focusRestored = id },
	})

	feedSnapshot(t, store, []*model.TerminalSession{serverTerminal("t1", "plain")}, nil)
	store.Focus("t1")

	// No viewer bound, so there is no attach reply to wait for.
	feedSnapshot(t, store, []*model.TerminalSession{serverTerminal("t1", "plain")}, nil)
	assert.Equal(t, "t1", focusRestored)
}

func TestFocusNotRestoredForDestroyedTerminal(t *testing.T) {
	var focusRestored string
	store, _ := newTestStore(t, Callbacks{
		OnFocusRestored: func(id string) { focusRestored = id },
	})

	feedSnapshot(t, store, []*model.TerminalSession{serverTerminal("t1", "doomed")}, nil)
	require.NoError(t, store.Attach("t1", func(string) {}))
	store.Focus("t1")

	feedSnapshot(t, store, []*model.TerminalSession{serverTerminal("t1", "doomed")}, nil)
	feed(t, store, protocol.TypeTerminalDestroyed, &protocol.TerminalDestroyed{TerminalID: "t1"})
	feed(t, store, protocol.TypeTerminalAttached, &protocol.TerminalAttached{TerminalID: "t1", Buffer: ""})

	assert.Empty(t, focusRestored, "focus must not return to a destroyed terminal")
}

func TestTransmitWithoutConnection(t *testing.T) {
	store := NewStore(Callbacks{}, zap.NewNop())
	assert.ErrorIs(t, store.Input("t1", "x"), ErrNotConnected)

	_, err := store.CreateTerminal(CreateTerminalOptions{Cols: 80, Rows: 24})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, store.Terminals(), "failed optimistic create leaves nothing behind")
}

// chanConn is an in-memory Conn for connector tests.
type chanConn struct {
	incoming chan []byte
	sent     *sentFrames
	once     sync.Once
	closed   chan struct{}
}

func newChanConn() *chanConn {
	return &chanConn{
		incoming: make(chan []byte, 16),
		sent:     &sentFrames{},
		closed:   make(chan struct{}),
	}
}

func (c *chanConn) ReadMessage() ([]byte, error) {
	select {
	case data, ok := <-c.incoming:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *chanConn) WriteMessage(data []byte) error { return c.sent.send(data) }

func (c *chanConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestConnectorGivesUpAfterMaxAttempts(t *testing.T) {
	store := NewStore(Callbacks{}, zap.NewNop())
	dials := 0
	connector := NewConnector(store, ConnectorConfig{
		RetryInterval: time.Millisecond,
		MaxAttempts:   3,
	}, zap.NewNop()).WithDialer(func(ctx context.Context) (Conn, error) {
		dials++
		return nil, errors.New("refused")
	})

	err := connector.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, dials)
}

func TestConnectorPumpsFramesInOrder(t *testing.T) {
	var order []string
	store := NewStore(Callbacks{
		OnTerminalCreated: func(term *model.TerminalSession) { order = append(order, "created:"+term.ID) },
		OnTerminalOutput:  func(id, data string) { order = append(order, "output:"+data) },
	}, zap.NewNop())

	conn := newChanConn()
	connector := NewConnector(store, ConnectorConfig{
		RetryInterval: time.Millisecond,
		MaxAttempts:   1,
	}, zap.NewNop())

	dialed := false
	connector.WithDialer(func(ctx context.Context) (Conn, error) {
		if dialed {
			return nil, errors.New("no second connection")
		}
		dialed = true
		return conn, nil
	})

	push := func(typ protocol.Type, payload any) {
		data, err := protocol.Encode(typ, payload)
		require.NoError(t, err)
		conn.incoming <- data
	}
	push(protocol.TypeTerminalCreated, &protocol.TerminalCreated{Terminal: serverTerminal("t1", "x"), IsNew: true})
	push(protocol.TypeTerminalOutput, &protocol.TerminalOutput{TerminalID: "t1", Data: "a"})
	push(protocol.TypeTerminalOutput, &protocol.TerminalOutput{TerminalID: "t1", Data: "b"})
	close(conn.incoming)

	err := connector.Run(context.Background())
	require.Error(t, err, "reconnect budget exhausted after the pipe closed")

	assert.Equal(t, []string{"created:t1", "output:a", "output:b"}, order)
	_, ok := store.Terminal("t1")
	assert.True(t, ok)
}
