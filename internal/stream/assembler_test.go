package stream

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quorumhq/quorum/internal/event"
)

func messageStart() DeltaEvent { return DeltaEvent{Type: "message_start"} }

func blockStart(i int, kind string) DeltaEvent {
	cb, _ := json.Marshal(map[string]string{"type": kind})
	return DeltaEvent{Type: "content_block_start", Index: i, ContentBlock: cb}
}

func toolStart(i int, id, name string) DeltaEvent {
	cb, _ := json.Marshal(map[string]string{"type": "tool_use", "id": id, "name": name})
	return DeltaEvent{Type: "content_block_start", Index: i, ContentBlock: cb}
}

func textDelta(i int, s string) DeltaEvent {
	return DeltaEvent{Type: "content_block_delta", Index: i, Delta: &Delta{Type: "text_delta", Text: s}}
}

func jsonDelta(i int, s string) DeltaEvent {
	return DeltaEvent{Type: "content_block_delta", Index: i, Delta: &Delta{Type: "input_json_delta", PartialJSON: s}}
}

func blockStop(i int) DeltaEvent { return DeltaEvent{Type: "content_block_stop", Index: i} }
func messageStop() DeltaEvent    { return DeltaEvent{Type: "message_stop"} }

// Final content must equal the concatenation of all deltas no matter the
// flush interval.
func TestAssemblerLosslessAcrossThrottleIntervals(t *testing.T) {
	intervals := []time.Duration{time.Nanosecond, time.Millisecond, 50 * time.Millisecond, time.Hour}

	for _, interval := range intervals {
		t.Run(interval.String(), func(t *testing.T) {
			a := New("s1", interval, nil)

			a.Handle(messageStart())
			a.Handle(blockStart(0, "text"))
			want := ""
			for i := 0; i < 200; i++ {
				a.Handle(textDelta(0, "a"))
				want += "a"
			}
			a.Handle(blockStop(0))
			final, done := a.Handle(messageStop())

			if !done {
				t.Fatal("message_stop did not finalize")
			}
			if len(final) != 1 {
				t.Fatalf("expected 1 block, got %d", len(final))
			}
			if final[0].Type != event.BlockText || final[0].Text != want {
				t.Errorf("lost characters: got %d, want %d", len(final[0].Text), len(want))
			}
			if a.Streaming() {
				t.Error("assembler should be idle after message_stop")
			}
		})
	}
}

func TestAssemblerToolUseJSONAccumulation(t *testing.T) {
	a := New("s1", time.Hour, nil)

	a.Handle(messageStart())
	a.Handle(toolStart(0, "toolu_1", "Bash"))
	for _, frag := range []string{`{"com`, `mand": "ls`, ` -la"}`} {
		a.Handle(jsonDelta(0, frag))
	}
	a.Handle(blockStop(0))
	final, done := a.Handle(messageStop())

	if !done || len(final) != 1 {
		t.Fatalf("expected 1 finalized block, got %d (done=%v)", len(final), done)
	}
	b := final[0]
	if b.Type != event.BlockToolUse || b.ID != "toolu_1" || b.Name != "Bash" {
		t.Fatalf("unexpected block: %+v", b)
	}
	var input struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(b.Input, &input); err != nil || input.Command != "ls -la" {
		t.Errorf("accumulated input did not parse: %s (err=%v)", b.Input, err)
	}
}

func TestAssemblerInvalidToolJSONKept(t *testing.T) {
	a := New("s1", time.Hour, nil)

	a.Handle(messageStart())
	a.Handle(toolStart(0, "toolu_1", "Bash"))
	a.Handle(jsonDelta(0, `{"command": "ls`)) // truncated
	a.Handle(blockStop(0))
	final, _ := a.Handle(messageStop())

	if len(final) != 1 {
		t.Fatalf("invalid JSON block was discarded")
	}
	if final[0].ParseError == "" {
		t.Error("expected a parse error marker")
	}
}

func TestAssemblerIgnoresUnopenedIndex(t *testing.T) {
	a := New("s1", time.Hour, nil)

	a.Handle(messageStart())
	a.Handle(textDelta(7, "ghost"))
	a.Handle(blockStart(0, "text"))
	a.Handle(textDelta(0, "real"))
	a.Handle(blockStop(0))
	final, _ := a.Handle(messageStop())

	if len(final) != 1 || final[0].Text != "real" {
		t.Errorf("unopened-index delta leaked into output: %+v", final)
	}
}

func TestAssemblerFreshStartDiscardsStaleState(t *testing.T) {
	a := New("s1", time.Hour, nil)

	a.Handle(messageStart())
	a.Handle(blockStart(0, "text"))
	a.Handle(textDelta(0, "stale"))

	// Second start without a stop.
	a.Handle(messageStart())
	a.Handle(blockStart(0, "text"))
	a.Handle(textDelta(0, "fresh"))
	a.Handle(blockStop(0))
	final, _ := a.Handle(messageStop())

	if len(final) != 1 || final[0].Text != "fresh" {
		t.Errorf("stale partial state survived message_start: %+v", final)
	}
}

func TestAssemblerResetReturnsToIdle(t *testing.T) {
	a := New("s1", time.Hour, nil)

	a.Handle(messageStart())
	a.Handle(blockStart(0, "text"))
	a.Handle(textDelta(0, "partial"))

	a.Reset()

	if a.Streaming() {
		t.Error("assembler still streaming after Reset")
	}
	if _, done := a.Handle(messageStop()); done {
		t.Error("message_stop after Reset should be a no-op")
	}
}

func TestAssemblerMultipleBlocksOrdered(t *testing.T) {
	a := New("s1", time.Hour, nil)

	a.Handle(messageStart())
	a.Handle(blockStart(0, "thinking"))
	a.Handle(DeltaEvent{Type: "content_block_delta", Index: 0, Delta: &Delta{Type: "thinking_delta", Thinking: "hmm"}})
	a.Handle(blockStop(0))
	a.Handle(blockStart(1, "text"))
	a.Handle(textDelta(1, "answer"))
	a.Handle(blockStop(1))
	final, _ := a.Handle(messageStop())

	if len(final) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(final))
	}
	if final[0].Type != event.BlockThinking || final[0].Thinking != "hmm" {
		t.Errorf("unexpected thinking block: %+v", final[0])
	}
	if final[1].Type != event.BlockText || final[1].Text != "answer" {
		t.Errorf("unexpected text block: %+v", final[1])
	}
}

func TestAssemblerFlushObserverSeesFullConcatenation(t *testing.T) {
	var mu sync.Mutex
	var last string
	a := New("s1", time.Nanosecond, func(_ string, blocks []event.ContentBlock) {
		mu.Lock()
		defer mu.Unlock()
		if len(blocks) > 0 {
			last = blocks[0].Text
		}
	})

	a.Handle(messageStart())
	a.Handle(blockStart(0, "text"))
	want := ""
	for i := 0; i < 50; i++ {
		frag := fmt.Sprintf("%d,", i)
		a.Handle(textDelta(0, frag))
		want += frag
	}
	a.Handle(blockStop(0))
	a.Handle(messageStop())

	mu.Lock()
	defer mu.Unlock()
	if last != want {
		t.Errorf("observer snapshot not authoritative: got %q, want %q", last, want)
	}
}

func TestParseDelta(t *testing.T) {
	raw := json.RawMessage(`{"type": "stream_event", "event": {"type": "content_block_delta", "index": 2, "delta": {"type": "text_delta", "text": "hi"}}}`)

	de, ok := ParseDelta(raw)
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if de.Type != "content_block_delta" || de.Index != 2 || de.Delta == nil || de.Delta.Text != "hi" {
		t.Errorf("unexpected delta event: %+v", de)
	}

	if _, ok := ParseDelta(json.RawMessage(`{"type": "stream_event"}`)); ok {
		t.Error("missing inner event should not parse")
	}
}
