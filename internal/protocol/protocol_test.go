package protocol

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestDecode(t *testing.T) {
	t.Run("decodes a valid frame", func(t *testing.T) {
		frame := []byte(`{"type":"terminal:input","payload":{"terminalId":"t1","data":"ls\r"}}`)
		typ, payload, err := Decode(frame)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if typ != TypeTerminalInput {
			t.Errorf("expected %s, got %s", TypeTerminalInput, typ)
		}
		input, ok := payload.(*TerminalInput)
		if !ok {
			t.Fatalf("wrong payload type %T", payload)
		}
		if input.TerminalID != "t1" || input.Data != "ls\r" {
			t.Errorf("payload fields wrong: %+v", input)
		}
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		_, _, err := Decode([]byte(`{"type":"bogus","payload":{}}`))
		if err == nil || !strings.Contains(err.Error(), "unknown message type") {
			t.Errorf("expected unknown type error, got %v", err)
		}
	})

	t.Run("rejects unknown payload field", func(t *testing.T) {
		frame := []byte(`{"type":"terminal:input","payload":{"terminalId":"t1","data":"x","extra":true}}`)
		_, _, err := Decode(frame)
		if err == nil {
			t.Error("expected strict decode to fail on unknown field")
		}
	})

	t.Run("rejects malformed envelope", func(t *testing.T) {
		_, _, err := Decode([]byte(`not json`))
		if err == nil || !strings.Contains(err.Error(), "malformed envelope") {
			t.Errorf("expected envelope error, got %v", err)
		}
	})

	t.Run("rejects payload of the wrong shape", func(t *testing.T) {
		frame := []byte(`{"type":"terminal:resize","payload":{"terminalId":"t1","cols":"wide"}}`)
		_, _, err := Decode(frame)
		if err == nil {
			t.Error("expected type mismatch to fail")
		}
	})

	t.Run("accepts missing payload for empty structs", func(t *testing.T) {
		typ, payload, err := Decode([]byte(`{"type":"terminal:attach"}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if typ != TypeTerminalAttach {
			t.Errorf("wrong type %s", typ)
		}
		if _, ok := payload.(*TerminalAttach); !ok {
			t.Errorf("wrong payload type %T", payload)
		}
	})
}

func TestDecodeClient(t *testing.T) {
	t.Run("accepts client request types", func(t *testing.T) {
		frame, err := Encode(TypeTerminalDestroy, &TerminalDestroy{TerminalID: "t1", Force: true})
		if err != nil {
			t.Fatal(err)
		}
		typ, payload, err := DecodeClient(frame)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if typ != TypeTerminalDestroy {
			t.Errorf("wrong type %s", typ)
		}
		if !payload.(*TerminalDestroy).Force {
			t.Error("force flag lost")
		}
	})

	t.Run("rejects server event types", func(t *testing.T) {
		for _, typ := range []Type{TypeTerminalOutput, TypeTerminalExit, TypeTerminalsList, TypeTabCreated} {
			frame, err := Encode(typ, payloadFactories[typ]())
			if err != nil {
				t.Fatal(err)
			}
			if _, _, err := DecodeClient(frame); err == nil {
				t.Errorf("%s should be rejected from a client", typ)
			}
		}
	})
}

// TestInputRoundTripProperty verifies that any input payload survives
// encode/decode byte for byte, including control characters and non-UTF8-ish
// escape-heavy sequences.
func TestInputRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("terminal:input round-trips", prop.ForAll(
		func(id, data string) bool {
			frame, err := Encode(TypeTerminalInput, &TerminalInput{TerminalID: id, Data: data})
			if err != nil {
				return false
			}
			typ, payload, err := DecodeClient(frame)
			if err != nil || typ != TypeTerminalInput {
				return false
			}
			decoded := payload.(*TerminalInput)
			return decoded.TerminalID == id && decoded.Data == data
		},
		gen.Identifier(),
		gen.AnyString(),
	))

	properties.Property("terminal:output round-trips", prop.ForAll(
		func(id, data string) bool {
			frame, err := Encode(TypeTerminalOutput, &TerminalOutput{TerminalID: id, Data: data})
			if err != nil {
				return false
			}
			typ, payload, err := Decode(frame)
			if err != nil || typ != TypeTerminalOutput {
				return false
			}
			decoded := payload.(*TerminalOutput)
			return decoded.TerminalID == id && decoded.Data == data
		},
		gen.Identifier(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
