package bot

import (
	"strings"
	"testing"
)

func TestEscapeMarkdown(t *testing.T) {
	got := escapeMarkdown("a.b!c(d)[e]{f}")
	want := `a\.b\!c\(d\)\[e\]\{f\}`
	if got != want {
		t.Errorf("escapeMarkdown = %q, want %q", got, want)
	}
}

func TestEscapeMarkdownKeepsFormatting(t *testing.T) {
	// Asterisk, underscore and backtick pass through so intentional
	// formatting survives.
	got := escapeMarkdown("*bold* _em_ `code`")
	if got != "*bold* _em_ `code`" {
		t.Errorf("formatting characters were escaped: %q", got)
	}
}

func TestFragmentEscaper(t *testing.T) {
	if fragmentEscaper("plain") != nil {
		t.Error("plain mode should need no escaping")
	}
	esc := fragmentEscaper("markdown")
	if esc == nil {
		t.Fatal("markdown mode should escape")
	}
	if esc("a.b") != `a\.b` {
		t.Errorf("escaper output: %q", esc("a.b"))
	}
}

func TestChunkMessageShort(t *testing.T) {
	chunks := chunkMessage("hello", 2000)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Errorf("chunks = %v", chunks)
	}
}

func TestChunkMessagePrefersNewline(t *testing.T) {
	text := strings.Repeat("x", 80) + "\n" + strings.Repeat("y", 80)
	chunks := chunkMessage(text, 100)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0] != strings.Repeat("x", 80) {
		t.Errorf("first chunk should break at the newline, got %q", chunks[0])
	}
	if chunks[1] != strings.Repeat("y", 80) {
		t.Errorf("second chunk = %q", chunks[1])
	}
}

func TestChunkMessageHardBreak(t *testing.T) {
	text := strings.Repeat("z", 250)
	chunks := chunkMessage(text, 100)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 100 {
			t.Errorf("chunk %d exceeds limit: %d bytes", i, len(c))
		}
	}
	if strings.Join(chunks, "") != text {
		t.Error("hard-break chunks must concatenate to the original")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("0123456789ab", 10); got != "0123456789..." {
		t.Errorf("truncate = %q", got)
	}
}
