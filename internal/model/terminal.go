package model

import "time"

// TerminalStatus represents the lifecycle status of a terminal session.
type TerminalStatus string

const (
	TerminalStatusRunning TerminalStatus = "running"
	TerminalStatusExited  TerminalStatus = "exited"
	TerminalStatusError   TerminalStatus = "error"
)

// ExitCodeUnknown marks a terminal whose backing process was lost while the
// server was down, so no real exit code could be observed.
const ExitCodeUnknown = -1

// TerminalSession represents a terminal session in the system.
// The server-side registry is the single authority for these records;
// client stores hold mirrors only.
type TerminalSession struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Cwd           string         `json:"cwd,omitempty"`
	Status        TerminalStatus `json:"status"`
	ExitCode      *int           `json:"exitCode,omitempty"`
	Cols          uint16         `json:"cols"`
	Rows          uint16         `json:"rows"`
	TabID         string         `json:"tabId,omitempty"`
	PositionInTab int            `json:"positionInTab"`
	CreatedAt     time.Time      `json:"createdAt"`

	// Client-only fields, never set by the server.
	Pending bool   `json:"pending,omitempty"`
	TempID  string `json:"tempId,omitempty"`
}

// Clone returns a deep copy of the session record.
func (s *TerminalSession) Clone() *TerminalSession {
	if s == nil {
		return nil
	}
	out := *s
	if s.ExitCode != nil {
		code := *s.ExitCode
		out.ExitCode = &code
	}
	return &out
}

// IsRunning reports whether the session still has a live backing process.
func (s *TerminalSession) IsRunning() bool {
	return s.Status == TerminalStatusRunning
}
