package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"go.uber.org/zap"
)

// LocalSupervisor backs sessions with PTYs owned by this process. It is the
// fallback for hosts without tmux: processes do not survive a server
// restart, so IsAlive only knows handles spawned in this run and Reattach
// always fails. The restore path tolerates that by marking such sessions
// exited.
type LocalSupervisor struct {
	log *zap.Logger

	mu      sync.Mutex
	handles map[string]*localHandle
}

// NewLocalSupervisor creates a PTY-backed supervisor.
func NewLocalSupervisor(log *zap.Logger) *LocalSupervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &LocalSupervisor{
		log:     log,
		handles: make(map[string]*localHandle),
	}
}

// Spawn starts the command on a fresh PTY.
func (s *LocalSupervisor) Spawn(ctx context.Context, opts SpawnOptions) (Handle, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}

	var cmd *exec.Cmd
	if opts.Command == "" {
		cmd = exec.Command(shell)
	} else {
		cmd = exec.Command("/bin/sh", "-c", opts.Command)
	}
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: opts.Rows,
		Cols: opts.Cols,
	})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	h := &localHandle{
		sup:      s,
		id:       opts.ID,
		cmd:      cmd,
		ptmx:     ptmx,
		onOutput: opts.OnOutput,
		onExit:   opts.OnExit,
	}

	s.mu.Lock()
	s.handles[opts.ID] = h
	s.mu.Unlock()

	go h.readLoop()
	go h.waitLoop()
	return h, nil
}

// Reattach always fails: local PTYs do not outlive the server.
func (s *LocalSupervisor) Reattach(ctx context.Context, opts SpawnOptions) (Handle, error) {
	return nil, fmt.Errorf("local supervisor cannot reattach to %s", opts.ID)
}

// IsAlive reports whether this run spawned id and it has not exited.
func (s *LocalSupervisor) IsAlive(ctx context.Context, id string) bool {
	s.mu.Lock()
	h, ok := s.handles[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return !h.isClosed()
}

func (s *LocalSupervisor) forget(id string) {
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
}

type localHandle struct {
	sup      *LocalSupervisor
	id       string
	cmd      *exec.Cmd
	ptmx     *os.File
	onOutput func([]byte)
	onExit   func(int, error)

	mu     sync.Mutex
	closed bool
}

func (h *localHandle) Write(data []byte) error {
	if h.isClosed() {
		return fmt.Errorf("process is closed")
	}
	_, err := h.ptmx.Write(data)
	return err
}

func (h *localHandle) Resize(cols, rows uint16) error {
	if h.isClosed() {
		return fmt.Errorf("process is closed")
	}
	return pty.Setsize(h.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

func (h *localHandle) Kill() error {
	if !h.markClosed() {
		return nil
	}
	h.sup.forget(h.id)
	if h.cmd.Process != nil {
		h.cmd.Process.Kill()
	}
	return h.ptmx.Close()
}

// Detach abandons the PTY. The child keeps its own session but loses the
// master side, so local sessions are effectively not restorable.
func (h *localHandle) Detach() error {
	if !h.markClosed() {
		return nil
	}
	h.sup.forget(h.id)
	return h.ptmx.Close()
}

func (h *localHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *localHandle) markClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.closed = true
	return true
}

func (h *localHandle) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 && h.onOutput != nil && !h.isClosed() {
			data := make([]byte, n)
			copy(data, buf[:n])
			h.onOutput(data)
		}
		if err != nil {
			if err != io.EOF {
				h.sup.log.Debug("pty read ended", zap.String("id", h.id), zap.Error(err))
			}
			return
		}
	}
}

func (h *localHandle) waitLoop() {
	err := h.cmd.Wait()

	exitCode := 0
	var exitErr error
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
			exitErr = err
		}
	}

	deliver := h.markClosed()
	h.sup.forget(h.id)
	h.ptmx.Close()

	if deliver && h.onExit != nil {
		h.onExit(exitCode, exitErr)
	}
}
