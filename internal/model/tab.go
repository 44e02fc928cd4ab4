package model

import "time"

// Tab groups terminal sessions under a named, densely ordered container.
// Tab positions form a dense sequence 0..n-1 after every mutation, as do the
// PositionInTab values of the sessions assigned to a tab.
type Tab struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Position  int       `json:"position"`
	Directory string    `json:"directory,omitempty"`
	CreatedAt time.Time `json:"createdAt"`

	// Client-only field, never set by the server.
	Pending bool `json:"pending,omitempty"`
}

// Clone returns a copy of the tab record.
func (t *Tab) Clone() *Tab {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}
