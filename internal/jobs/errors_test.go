package jobs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassifyTerminal(t *testing.T) {
	err := Terminal(CodeDraftStale, "draft is stale", map[string]any{"draftId": "d1"})
	code, meta, retryable := Classify(err)
	if code != CodeDraftStale || retryable {
		t.Fatalf("got code=%s retryable=%v", code, retryable)
	}
	if meta["draftId"] != "d1" {
		t.Fatalf("meta lost: %v", meta)
	}
}

func TestClassifyTransientAndWrapped(t *testing.T) {
	err := fmt.Errorf("calling upstream: %w", Transient(CodeUpstream5xx, "bad gateway", nil))
	code, _, retryable := Classify(err)
	if code != CodeUpstream5xx || !retryable {
		t.Fatalf("wrapped transient not classified: code=%s retryable=%v", code, retryable)
	}
}

func TestClassifyUnknownIsInternalTransient(t *testing.T) {
	code, _, retryable := Classify(errors.New("boom"))
	if code != CodeInternal || !retryable {
		t.Fatalf("unknown error should be internal transient, got %s/%v", code, retryable)
	}
}

func TestTruncateBoundsMessage(t *testing.T) {
	long := strings.Repeat("x", 5000)
	if got := Truncate(long); len(got) != 2000 {
		t.Fatalf("expected 2000 chars, got %d", len(got))
	}
}

func TestMarshalMetaStable(t *testing.T) {
	meta := map[string]any{"b": 2, "a": "one"}
	first := string(MarshalMeta(meta))
	for i := 0; i < 5; i++ {
		if got := string(MarshalMeta(meta)); got != first {
			t.Fatalf("serialization not stable: %q vs %q", got, first)
		}
	}
}

func TestMarshalMetaOversizedDropped(t *testing.T) {
	meta := map[string]any{"blob": strings.Repeat("y", 4000)}
	if got := MarshalMeta(meta); got != nil {
		t.Fatalf("oversized meta should be dropped, got %d bytes", len(got))
	}
}
