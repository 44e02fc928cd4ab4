package buffer

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestNewRingBuffer(t *testing.T) {
	rb := NewRingBuffer(100)
	if rb.Cap() != 100 {
		t.Errorf("expected capacity 100, got %d", rb.Cap())
	}
	if rb.Len() != 0 {
		t.Errorf("expected length 0, got %d", rb.Len())
	}

	// Non-positive capacities default to 1.
	if NewRingBuffer(0).Cap() != 1 {
		t.Error("expected capacity 1 for zero input")
	}
	if NewRingBuffer(-5).Cap() != 1 {
		t.Error("expected capacity 1 for negative input")
	}
}

func TestRingBuffer_Write(t *testing.T) {
	rb := NewRingBuffer(10)

	n, err := rb.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 || rb.Len() != 5 {
		t.Errorf("expected n=5 len=5, got n=%d len=%d", n, rb.Len())
	}

	rb.Write([]byte("world"))
	if got := rb.Snapshot(); !bytes.Equal(got, []byte("helloworld")) {
		t.Errorf("expected 'helloworld', got %q", got)
	}

	// Overflow evicts the oldest bytes first.
	rb.Write([]byte("123"))
	if got := rb.Snapshot(); !bytes.Equal(got, []byte("loworld123")) {
		t.Errorf("expected 'loworld123', got %q", got)
	}

	// A write larger than the capacity keeps only its tail.
	rb.Write([]byte("abcdefghijklmnop"))
	if got := rb.Snapshot(); !bytes.Equal(got, []byte("ghijklmnop")) {
		t.Errorf("expected 'ghijklmnop', got %q", got)
	}
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := NewRingBuffer(16)
	rb.Write([]byte("some output"))
	rb.Clear()

	if rb.Len() != 0 {
		t.Errorf("expected empty buffer, got %d bytes", rb.Len())
	}
	if rb.Snapshot() != nil {
		t.Error("expected nil snapshot after clear")
	}

	// Clear then snapshot repeatedly stays empty until the next write.
	rb.Clear()
	if rb.Snapshot() != nil {
		t.Error("expected nil snapshot after second clear")
	}

	rb.Write([]byte("new"))
	if got := rb.Snapshot(); !bytes.Equal(got, []byte("new")) {
		t.Errorf("expected 'new' after clear+write, got %q", got)
	}
}

func TestRingBuffer_SnapshotIsCopy(t *testing.T) {
	rb := NewRingBuffer(8)
	rb.Write([]byte("abcd"))

	snap := rb.Snapshot()
	snap[0] = 'z'

	if got := rb.Snapshot(); !bytes.Equal(got, []byte("abcd")) {
		t.Errorf("mutating a snapshot leaked into the buffer: %q", got)
	}
}

// The eviction bound: the buffer always holds exactly the most recent
// min(total, capacity) bytes, in order, for any write sequence.
func TestRingBufferEvictionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("retains exactly the newest bytes up to capacity", prop.ForAll(
		func(capacity int, chunks [][]byte) bool {
			rb := NewRingBuffer(capacity)

			var total []byte
			for _, chunk := range chunks {
				rb.Write(chunk)
				total = append(total, chunk...)
			}

			got := rb.Snapshot()
			want := total
			if len(want) > rb.Cap() {
				want = want[len(want)-rb.Cap():]
			}
			if len(want) == 0 {
				return got == nil
			}
			return bytes.Equal(got, want)
		},
		gen.IntRange(1, 4096),
		gen.SliceOf(gen.SliceOf(gen.UInt8())),
	))

	properties.TestingRun(t)
}
