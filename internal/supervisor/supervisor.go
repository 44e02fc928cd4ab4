// Package supervisor abstracts the process primitive that keeps OS-level
// shell processes alive for terminal sessions. The registry consumes it as
// an external collaborator: spawn, write, resize, kill, liveness, plus
// re-attachment to processes that outlived a server restart.
package supervisor

import (
	"context"
	"os/exec"
)

// Handle is one live backing process bound to a session id.
type Handle interface {
	// Write forwards bytes to the process stdin.
	Write(data []byte) error

	// Resize changes the process window size.
	Resize(cols, rows uint16) error

	// Kill terminates the process and releases the handle.
	Kill() error

	// Detach stops streaming output but leaves the process running, so it
	// can be re-attached after a server restart. Detachability depends on
	// the implementation; the tmux supervisor keeps the process alive, the
	// local one abandons it.
	Detach() error
}

// SpawnOptions describes the backing process to start or re-attach.
type SpawnOptions struct {
	// ID is the session id; it keys the detachable session so the process
	// can be found again after a restart.
	ID string

	// Command is the shell command to run. Empty means the user's login
	// shell.
	Command string

	// Cwd is the working directory. Empty means inherited.
	Cwd string

	Cols uint16
	Rows uint16

	// OnOutput receives process output as it arrives.
	OnOutput func(data []byte)

	// OnExit fires once when the process exits. err is non-nil when the
	// exit was abnormal or the exit code could not be observed.
	OnExit func(exitCode int, err error)
}

// Supervisor owns backing processes for terminal sessions.
type Supervisor interface {
	// Spawn starts a new backing process.
	Spawn(ctx context.Context, opts SpawnOptions) (Handle, error)

	// Reattach binds to a process that is still alive from a previous
	// server run. Fails when no such process exists.
	Reattach(ctx context.Context, opts SpawnOptions) (Handle, error)

	// IsAlive reports whether a backing process for id still exists.
	IsAlive(ctx context.Context, id string) bool
}

// Runner executes external commands. It exists so tests can fake the tmux
// binary.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// OSRunner runs commands on the host.
type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}
