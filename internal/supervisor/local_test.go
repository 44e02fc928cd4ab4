//go:build !windows

package supervisor

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLocalSpawn_OutputAndExit(t *testing.T) {
	s := NewLocalSupervisor(zap.NewNop())

	var mu sync.Mutex
	var output bytes.Buffer
	exitCh := make(chan int, 1)

	h, err := s.Spawn(context.Background(), SpawnOptions{
		ID:      "local-1",
		Command: "echo hello-local",
		Cols:    80,
		Rows:    24,
		OnOutput: func(data []byte) {
			mu.Lock()
			output.Write(data)
			mu.Unlock()
		},
		OnExit: func(code int, err error) { exitCh <- code },
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer h.Kill()

	select {
	case code := <-exitCh:
		if code != 0 {
			t.Errorf("expected exit code 0, got %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("process never exited")
	}

	mu.Lock()
	got := output.String()
	mu.Unlock()
	if !bytes.Contains([]byte(got), []byte("hello-local")) {
		t.Errorf("expected output to contain hello-local, got %q", got)
	}
}

func TestLocalSpawn_NonZeroExit(t *testing.T) {
	s := NewLocalSupervisor(zap.NewNop())

	exitCh := make(chan int, 1)
	_, err := s.Spawn(context.Background(), SpawnOptions{
		ID:      "local-2",
		Command: "exit 3",
		Cols:    80,
		Rows:    24,
		OnExit:  func(code int, err error) { exitCh <- code },
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	select {
	case code := <-exitCh:
		if code != 3 {
			t.Errorf("expected exit code 3, got %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("process never exited")
	}
}

func TestLocalIsAlive_AndKillSuppressesExit(t *testing.T) {
	s := NewLocalSupervisor(zap.NewNop())

	exited := make(chan struct{}, 1)
	h, err := s.Spawn(context.Background(), SpawnOptions{
		ID:      "local-3",
		Command: "sleep 30",
		Cols:    80,
		Rows:    24,
		OnExit:  func(int, error) { exited <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if !s.IsAlive(context.Background(), "local-3") {
		t.Error("expected session to be alive")
	}
	if s.IsAlive(context.Background(), "unknown") {
		t.Error("unknown id must not be alive")
	}

	if err := h.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if s.IsAlive(context.Background(), "local-3") {
		t.Error("killed session must not be alive")
	}

	// Explicit destroy already removed the record; the exit callback must
	// not fire afterwards.
	select {
	case <-exited:
		t.Error("exit callback fired after explicit kill")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestLocalReattach_AlwaysFails(t *testing.T) {
	s := NewLocalSupervisor(zap.NewNop())
	if _, err := s.Reattach(context.Background(), SpawnOptions{ID: "ghost"}); err == nil {
		t.Fatal("expected reattach to fail for a local supervisor")
	}
}
