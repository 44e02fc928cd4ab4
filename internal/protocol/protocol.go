// Package protocol defines the wire messages exchanged between the terminal
// multiplexer server and its clients. Every frame is a JSON envelope of the
// shape {"type": ..., "payload": ...}; the payload is decoded into the strict
// struct registered for the type, and unknown or malformed frames are
// rejected at the boundary rather than silently ignored.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/termtab/backend/internal/model"
)

// Type identifies a wire message.
type Type string

// Client -> Server message types.
const (
	TypeTerminalCreate      Type = "terminal:create"
	TypeTerminalInput       Type = "terminal:input"
	TypeTerminalResize      Type = "terminal:resize"
	TypeTerminalRename      Type = "terminal:rename"
	TypeTerminalDestroy     Type = "terminal:destroy"
	TypeTerminalAttach      Type = "terminal:attach"
	TypeTerminalClearBuffer Type = "terminal:clearBuffer"
	TypeTerminalAssignTab   Type = "terminal:assignTab"
	TypeTabCreate           Type = "tab:create"
	TypeTabUpdate           Type = "tab:update"
	TypeTabDelete           Type = "tab:delete"
	TypeTabReorder          Type = "tab:reorder"
)

// Server -> Client message types.
const (
	TypeTerminalsList         Type = "terminals:list"
	TypeTabsList              Type = "tabs:list"
	TypeTerminalCreated       Type = "terminal:created"
	TypeTerminalOutput        Type = "terminal:output"
	TypeTerminalAttached      Type = "terminal:attached"
	TypeTerminalBufferCleared Type = "terminal:bufferCleared"
	TypeTerminalExit          Type = "terminal:exit"
	TypeTerminalRenamed       Type = "terminal:renamed"
	TypeTerminalDestroyed     Type = "terminal:destroyed"
	TypeTerminalTabAssigned   Type = "terminal:tabAssigned"
	TypeTerminalError         Type = "terminal:error"
	TypeTabCreated            Type = "tab:created"
	TypeTabUpdated            Type = "tab:updated"
	TypeTabDeleted            Type = "tab:deleted"
	TypeTabReordered          Type = "tab:reordered"
)

// Envelope is the raw frame shape. Payload stays undecoded until the type is
// known.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TerminalCreate asks the server to allocate a new session. RequestID and
// TempID correlate the optimistic client-side entity with the confirmation
// or rejection.
type TerminalCreate struct {
	Name          string `json:"name"`
	Cols          uint16 `json:"cols"`
	Rows          uint16 `json:"rows"`
	Cwd           string `json:"cwd,omitempty"`
	TabID         string `json:"tabId,omitempty"`
	PositionInTab *int   `json:"positionInTab,omitempty"`
	RequestID     string `json:"requestId"`
	TempID        string `json:"tempId"`
}

// TerminalInput carries keystrokes for the backing process stdin.
type TerminalInput struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

// TerminalResize changes the backing process window size.
type TerminalResize struct {
	TerminalID string `json:"terminalId"`
	Cols       uint16 `json:"cols"`
	Rows       uint16 `json:"rows"`
}

// TerminalRename changes the display name of a session.
type TerminalRename struct {
	TerminalID string `json:"terminalId"`
	Name       string `json:"name"`
}

// TerminalDestroy removes a session and terminates its backing process.
type TerminalDestroy struct {
	TerminalID string `json:"terminalId"`
	Force      bool   `json:"force,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// TerminalAttach requests the retained output buffer for a session.
type TerminalAttach struct {
	TerminalID string `json:"terminalId"`
}

// TerminalClearBuffer truncates the retained output buffer.
type TerminalClearBuffer struct {
	TerminalID string `json:"terminalId"`
}

// TerminalAssignTab moves a session into a tab (or out of one when TabID is
// empty).
type TerminalAssignTab struct {
	TerminalID    string `json:"terminalId"`
	TabID         string `json:"tabId"`
	PositionInTab *int   `json:"positionInTab,omitempty"`
}

// TabCreate asks the server to create a tab.
type TabCreate struct {
	Name      string `json:"name"`
	Position  *int   `json:"position,omitempty"`
	Directory string `json:"directory,omitempty"`
	RequestID string `json:"requestId"`
	TempID    string `json:"tempId"`
}

// TabUpdate changes tab metadata. Nil fields are left untouched.
type TabUpdate struct {
	TabID     string  `json:"tabId"`
	Name      *string `json:"name,omitempty"`
	Directory *string `json:"directory,omitempty"`
}

// TabDelete removes a tab, cascading to its member sessions.
type TabDelete struct {
	TabID string `json:"tabId"`
}

// TabReorder moves a tab to a new dense position.
type TabReorder struct {
	TabID    string `json:"tabId"`
	Position int    `json:"position"`
}

// TerminalsList is the full session snapshot sent on connect.
type TerminalsList struct {
	Terminals []*model.TerminalSession `json:"terminals"`
}

// TabsList is the full tab snapshot sent on connect.
type TabsList struct {
	Tabs []*model.Tab `json:"tabs"`
}

// TerminalCreated confirms a create request. IsNew is false when the server
// matched an already-existing session instead of allocating a new one.
type TerminalCreated struct {
	Terminal  *model.TerminalSession `json:"terminal"`
	IsNew     bool                   `json:"isNew"`
	RequestID string                 `json:"requestId,omitempty"`
	TempID    string                 `json:"tempId,omitempty"`
}

// TerminalOutput streams backing process output. Scoped to one session but
// physically delivered to all connections; clients filter by id.
type TerminalOutput struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

// TerminalAttached replies to an attach request with the full retained
// buffer.
type TerminalAttached struct {
	TerminalID string `json:"terminalId"`
	Buffer     string `json:"buffer"`
}

// TerminalBufferCleared notifies that the retained buffer was truncated.
type TerminalBufferCleared struct {
	TerminalID string `json:"terminalId"`
}

// TerminalExit notifies that the backing process exited.
type TerminalExit struct {
	TerminalID string `json:"terminalId"`
	ExitCode   int    `json:"exitCode"`
}

// TerminalRenamed notifies of a display name change.
type TerminalRenamed struct {
	TerminalID string `json:"terminalId"`
	Name       string `json:"name"`
}

// TerminalDestroyed notifies that a session record was removed.
type TerminalDestroyed struct {
	TerminalID string `json:"terminalId"`
}

// TerminalTabAssigned notifies of a tab assignment change.
type TerminalTabAssigned struct {
	TerminalID    string `json:"terminalId"`
	TabID         string `json:"tabId"`
	PositionInTab int    `json:"positionInTab"`
}

// TerminalError reports a failed operation. RequestID/TempID are set only
// for rejected creates; the client holding that correlation rolls back its
// optimistic mutation, every other client discards the event.
type TerminalError struct {
	TerminalID string `json:"terminalId,omitempty"`
	Error      string `json:"error"`
	RequestID  string `json:"requestId,omitempty"`
	TempID     string `json:"tempId,omitempty"`
}

// TabCreated confirms a tab create request. IsNew mirrors the session
// create semantics: false means the request id matched an existing tab.
type TabCreated struct {
	Tab       *model.Tab `json:"tab"`
	IsNew     bool       `json:"isNew"`
	RequestID string     `json:"requestId,omitempty"`
	TempID    string     `json:"tempId,omitempty"`
}

// TabUpdated notifies of a tab metadata change.
type TabUpdated struct {
	TabID     string  `json:"tabId"`
	Name      *string `json:"name,omitempty"`
	Directory *string `json:"directory,omitempty"`
}

// TabDeleted notifies that a tab was removed.
type TabDeleted struct {
	TabID string `json:"tabId"`
}

// TabReordered notifies of a tab position change.
type TabReordered struct {
	TabID    string `json:"tabId"`
	Position int    `json:"position"`
}

// payloadFactories maps each message type to a constructor for its payload
// struct.
var payloadFactories = map[Type]func() any{
	TypeTerminalCreate:      func() any { return &TerminalCreate{} },
	TypeTerminalInput:       func() any { return &TerminalInput{} },
	TypeTerminalResize:      func() any { return &TerminalResize{} },
	TypeTerminalRename:      func() any { return &TerminalRename{} },
	TypeTerminalDestroy:     func() any { return &TerminalDestroy{} },
	TypeTerminalAttach:      func() any { return &TerminalAttach{} },
	TypeTerminalClearBuffer: func() any { return &TerminalClearBuffer{} },
	TypeTerminalAssignTab:   func() any { return &TerminalAssignTab{} },
	TypeTabCreate:           func() any { return &TabCreate{} },
	TypeTabUpdate:           func() any { return &TabUpdate{} },
	TypeTabDelete:           func() any { return &TabDelete{} },
	TypeTabReorder:          func() any { return &TabReorder{} },

	TypeTerminalsList:         func() any { return &TerminalsList{} },
	TypeTabsList:              func() any { return &TabsList{} },
	TypeTerminalCreated:       func() any { return &TerminalCreated{} },
	TypeTerminalOutput:        func() any { return &TerminalOutput{} },
	TypeTerminalAttached:      func() any { return &TerminalAttached{} },
	TypeTerminalBufferCleared: func() any { return &TerminalBufferCleared{} },
	TypeTerminalExit:          func() any { return &TerminalExit{} },
	TypeTerminalRenamed:       func() any { return &TerminalRenamed{} },
	TypeTerminalDestroyed:     func() any { return &TerminalDestroyed{} },
	TypeTerminalTabAssigned:   func() any { return &TerminalTabAssigned{} },
	TypeTerminalError:         func() any { return &TerminalError{} },
	TypeTabCreated:            func() any { return &TabCreated{} },
	TypeTabUpdated:            func() any { return &TabUpdated{} },
	TypeTabDeleted:            func() any { return &TabDeleted{} },
	TypeTabReordered:          func() any { return &TabReordered{} },
}

// clientTypes is the set of messages a client may send to the server.
var clientTypes = map[Type]bool{
	TypeTerminalCreate:      true,
	TypeTerminalInput:       true,
	TypeTerminalResize:      true,
	TypeTerminalRename:      true,
	TypeTerminalDestroy:     true,
	TypeTerminalAttach:      true,
	TypeTerminalClearBuffer: true,
	TypeTerminalAssignTab:   true,
	TypeTabCreate:           true,
	TypeTabUpdate:           true,
	TypeTabDelete:           true,
	TypeTabReorder:          true,
}

// Encode marshals a message into an envelope frame.
func Encode(typ Type, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return json.Marshal(Envelope{Type: typ, Payload: raw})
}

// Decode parses a frame and returns its type and decoded payload struct.
// The payload decode is strict: unknown fields fail.
func Decode(data []byte) (Type, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("malformed envelope: %w", err)
	}
	factory, ok := payloadFactories[env.Type]
	if !ok {
		return env.Type, nil, fmt.Errorf("unknown message type %q", env.Type)
	}
	payload := factory()
	if len(env.Payload) > 0 {
		dec := json.NewDecoder(bytes.NewReader(env.Payload))
		dec.DisallowUnknownFields()
		if err := dec.Decode(payload); err != nil {
			return env.Type, nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
	}
	return env.Type, payload, nil
}

// DecodeClient parses a frame that must be a client->server message.
func DecodeClient(data []byte) (Type, any, error) {
	typ, payload, err := Decode(data)
	if err != nil {
		return typ, nil, err
	}
	if !clientTypes[typ] {
		return typ, nil, fmt.Errorf("unexpected message type %q from client", typ)
	}
	return typ, payload, nil
}
