package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	// defaultSessionPrefix namespaces tmux sessions owned by this server.
	defaultSessionPrefix = "termtab-"

	// defaultPollInterval is how often a session is checked for a dead pane.
	defaultPollInterval = 500 * time.Millisecond
)

// TmuxSupervisor backs sessions with detached tmux sessions, so processes
// survive server restarts. Output is streamed through pipe-pane into a FIFO;
// exit codes are observed via remain-on-exit and #{pane_dead_status}.
type TmuxSupervisor struct {
	runner       Runner
	log          *zap.Logger
	binary       string
	prefix       string
	pipeDir      string
	pollInterval time.Duration

	// Seams for tests; default to real FIFOs.
	mkfifo     func(path string) error
	openStream func(path string) (io.ReadCloser, error)
}

// TmuxConfig configures a TmuxSupervisor.
type TmuxConfig struct {
	// Binary is the tmux executable, default "tmux".
	Binary string

	// PipeDir holds the output FIFOs, one per live session.
	PipeDir string

	// SessionPrefix namespaces tmux session names, default "termtab-".
	SessionPrefix string

	// PollInterval overrides the dead-pane poll cadence.
	PollInterval time.Duration
}

// NewTmuxSupervisor creates a tmux-backed supervisor.
func NewTmuxSupervisor(cfg TmuxConfig, log *zap.Logger) *TmuxSupervisor {
	if cfg.Binary == "" {
		cfg.Binary = "tmux"
	}
	if cfg.SessionPrefix == "" {
		cfg.SessionPrefix = defaultSessionPrefix
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PipeDir == "" {
		cfg.PipeDir = os.TempDir()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TmuxSupervisor{
		runner:       OSRunner{},
		log:          log,
		binary:       cfg.Binary,
		prefix:       cfg.SessionPrefix,
		pipeDir:      cfg.PipeDir,
		pollInterval: cfg.PollInterval,
		mkfifo: func(path string) error {
			return unix.Mkfifo(path, 0o600)
		},
		openStream: func(path string) (io.ReadCloser, error) {
			return os.OpenFile(path, os.O_RDONLY, 0o600)
		},
	}
}

// WithRunner replaces the command runner. Used by tests.
func (s *TmuxSupervisor) WithRunner(r Runner) *TmuxSupervisor {
	s.runner = r
	return s
}

// WithStream replaces the FIFO creation and open seams. Used by tests.
func (s *TmuxSupervisor) WithStream(mkfifo func(string) error, open func(string) (io.ReadCloser, error)) *TmuxSupervisor {
	s.mkfifo = mkfifo
	s.openStream = open
	return s
}

func (s *TmuxSupervisor) sessionName(id string) string {
	return s.prefix + id
}

func (s *TmuxSupervisor) pipePath(id string) string {
	return filepath.Join(s.pipeDir, s.sessionName(id)+".out")
}

func (s *TmuxSupervisor) run(ctx context.Context, args ...string) ([]byte, error) {
	out, err := s.runner.Run(ctx, s.binary, args...)
	if err != nil {
		return out, fmt.Errorf("tmux %s: %w (%s)", args[0], err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Spawn starts a detached tmux session running the command.
func (s *TmuxSupervisor) Spawn(ctx context.Context, opts SpawnOptions) (Handle, error) {
	name := s.sessionName(opts.ID)

	args := []string{
		"new-session", "-d", "-s", name,
		"-x", strconv.Itoa(int(opts.Cols)),
		"-y", strconv.Itoa(int(opts.Rows)),
	}
	if opts.Cwd != "" {
		args = append(args, "-c", opts.Cwd)
	}
	if opts.Command != "" {
		args = append(args, opts.Command)
	}

	if _, err := s.run(ctx, args...); err != nil {
		return nil, err
	}

	// Keep the dead pane around so the exit code stays observable.
	if _, err := s.run(ctx, "set-option", "-t", name, "remain-on-exit", "on"); err != nil {
		s.run(ctx, "kill-session", "-t", name)
		return nil, err
	}

	h, err := s.wire(ctx, opts)
	if err != nil {
		s.run(ctx, "kill-session", "-t", name)
		return nil, err
	}
	return h, nil
}

// Reattach binds to a tmux session left running by a previous server run.
func (s *TmuxSupervisor) Reattach(ctx context.Context, opts SpawnOptions) (Handle, error) {
	name := s.sessionName(opts.ID)
	if !s.IsAlive(ctx, opts.ID) {
		return nil, fmt.Errorf("no live tmux session %s", name)
	}

	// Drop any pipe left over from the previous run.
	s.run(ctx, "pipe-pane", "-t", name)
	os.Remove(s.pipePath(opts.ID))

	return s.wire(ctx, opts)
}

// IsAlive reports whether the tmux session for id exists.
func (s *TmuxSupervisor) IsAlive(ctx context.Context, id string) bool {
	_, err := s.runner.Run(ctx, s.binary, "has-session", "-t", s.sessionName(id))
	return err == nil
}

// wire sets up output streaming and exit monitoring for a live session.
func (s *TmuxSupervisor) wire(ctx context.Context, opts SpawnOptions) (*tmuxHandle, error) {
	name := s.sessionName(opts.ID)
	pipe := s.pipePath(opts.ID)

	if err := s.mkfifo(pipe); err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	if _, err := s.run(ctx, "pipe-pane", "-t", name, "-o", "cat >> "+pipe); err != nil {
		os.Remove(pipe)
		return nil, err
	}

	h := &tmuxHandle{
		sup:      s,
		id:       opts.ID,
		name:     name,
		pipe:     pipe,
		onOutput: opts.OnOutput,
		onExit:   opts.OnExit,
		done:     make(chan struct{}),
	}

	stream, err := s.openStream(pipe)
	if err != nil {
		s.run(ctx, "pipe-pane", "-t", name)
		os.Remove(pipe)
		return nil, fmt.Errorf("open output pipe: %w", err)
	}
	h.stream = stream

	go h.readLoop()
	go h.monitorLoop()
	return h, nil
}

// tmuxHandle is one attached tmux session.
type tmuxHandle struct {
	sup      *TmuxSupervisor
	id       string
	name     string
	pipe     string
	stream   io.ReadCloser
	onOutput func([]byte)
	onExit   func(int, error)

	mu       sync.Mutex
	done     chan struct{}
	finished bool
}

// Write forwards raw bytes as hex key codes so control sequences survive
// tmux argument parsing intact.
func (h *tmuxHandle) Write(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	args := make([]string, 0, len(data)+3)
	args = append(args, "send-keys", "-t", h.name, "-H")
	for _, b := range data {
		args = append(args, fmt.Sprintf("%02x", b))
	}
	_, err := h.sup.run(context.Background(), args...)
	return err
}

func (h *tmuxHandle) Resize(cols, rows uint16) error {
	_, err := h.sup.run(context.Background(), "resize-window", "-t", h.name,
		"-x", strconv.Itoa(int(cols)), "-y", strconv.Itoa(int(rows)))
	return err
}

func (h *tmuxHandle) Kill() error {
	h.stop()
	_, err := h.sup.run(context.Background(), "kill-session", "-t", h.name)
	os.Remove(h.pipe)
	return err
}

// Detach closes the output pipe and stops monitoring, leaving the tmux
// session and its process running for a later Reattach.
func (h *tmuxHandle) Detach() error {
	h.stop()
	_, err := h.sup.run(context.Background(), "pipe-pane", "-t", h.name)
	os.Remove(h.pipe)
	return err
}

// stop ends the read and monitor loops without touching the tmux session.
func (h *tmuxHandle) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return
	}
	h.finished = true
	close(h.done)
	h.stream.Close()
}

// exit delivers OnExit exactly once and shuts the handle down.
func (h *tmuxHandle) exit(code int, err error) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	close(h.done)
	h.stream.Close()
	h.mu.Unlock()

	if h.onExit != nil {
		h.onExit(code, err)
	}
}

func (h *tmuxHandle) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := h.stream.Read(buf)
		if n > 0 && h.onOutput != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			h.onOutput(data)
		}
		if err != nil {
			return
		}
	}
}

// monitorLoop polls the pane until it reports dead, then delivers the exit
// code recorded by remain-on-exit.
func (h *tmuxHandle) monitorLoop() {
	ticker := time.NewTicker(h.sup.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
		}

		out, err := h.sup.runner.Run(context.Background(), h.sup.binary,
			"display-message", "-p", "-t", h.name, "#{pane_dead} #{pane_dead_status}")
		if err != nil {
			// Session vanished without a destroy; no exit code to report.
			h.exit(-1, fmt.Errorf("tmux session %s disappeared: %w", h.name, err))
			return
		}

		dead, code, ok := parsePaneStatus(string(out))
		if !ok || !dead {
			continue
		}
		// Give the pipe a moment to drain buffered output.
		time.Sleep(50 * time.Millisecond)
		h.exit(code, nil)
		return
	}
}

// parsePaneStatus parses "#{pane_dead} #{pane_dead_status}" output.
func parsePaneStatus(out string) (dead bool, code int, ok bool) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) == 0 {
		return false, 0, false
	}
	if fields[0] != "1" {
		return false, 0, true
	}
	if len(fields) < 2 {
		return true, -1, true
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		return true, -1, true
	}
	return true, n, true
}
