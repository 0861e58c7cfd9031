package channel

import (
	"strings"
	"testing"
)

func TestSplitMessage_Short(t *testing.T) {
	chunks := splitMessage("short message", 100)
	if len(chunks) != 1 || chunks[0] != "short message" {
		t.Fatalf("short message should not split, got %v", chunks)
	}
}

func TestSplitMessage_Long(t *testing.T) {
	msg := strings.Repeat("a", 250)
	chunks := splitMessage(msg, 100)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	var rebuilt string
	for _, c := range chunks {
		if len(c) > 100 {
			t.Fatalf("chunk exceeds limit: %d", len(c))
		}
		rebuilt += c
	}
	if rebuilt != msg {
		t.Fatal("chunks do not rebuild the original message")
	}
}

func TestSplitMessage_PrefersNewline(t *testing.T) {
	msg := strings.Repeat("x", 80) + "\n" + strings.Repeat("y", 80)
	chunks := splitMessage(msg, 100)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if !strings.HasSuffix(chunks[0], "\n") {
		t.Fatalf("first chunk should end at the newline, got %q", chunks[0][len(chunks[0])-10:])
	}
}

func TestSplitMessage_Empty(t *testing.T) {
	chunks := splitMessage("", 100)
	if len(chunks) != 1 || chunks[0] != "" {
		t.Fatalf("empty message should yield one empty chunk, got %v", chunks)
	}
}
