package memory

import (
	"strings"
	"testing"
)

func TestChunkShortInput(t *testing.T) {
	c := NewChunker(100, 20)
	chunks := c.Chunk("short text")
	if len(chunks) != 1 || chunks[0] != "short text" {
		t.Errorf("got %v, want single chunk with original text", chunks)
	}
}

func TestChunkEmptyInput(t *testing.T) {
	c := NewChunker(100, 20)
	if got := c.Chunk("   \n\t  "); got != nil {
		t.Errorf("whitespace input produced %v, want nil", got)
	}
}

func TestChunkOverlap(t *testing.T) {
	c := NewChunker(50, 10)
	text := strings.Repeat("abcdefghij", 20)
	chunks := c.Chunk(text)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want several", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		tail := chunks[i-1][len(chunks[i-1])-5:]
		if !strings.Contains(chunks[i-1]+chunks[i], tail) {
			t.Errorf("chunk %d lost continuity with its predecessor", i)
		}
	}
	// All of the original text must appear somewhere.
	joined := strings.Join(chunks, "")
	for _, ch := range []string{"abcdefghij"} {
		if !strings.Contains(joined, ch) {
			t.Errorf("joined chunks missing %q", ch)
		}
	}
}

func TestChunkBreaksAtParagraph(t *testing.T) {
	para1 := strings.Repeat("first paragraph sentence. ", 3)
	para2 := strings.Repeat("second paragraph sentence. ", 3)
	text := para1 + "\n\n" + para2
	c := NewChunker(len(para1)+10, 0)
	chunks := c.Chunk(text)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want at least 2", len(chunks))
	}
	if strings.Contains(chunks[0], "second paragraph") {
		t.Errorf("first chunk crossed the paragraph break: %q", chunks[0])
	}
}

func TestNewChunkerClampsOverlap(t *testing.T) {
	c := NewChunker(100, 500)
	if c.overlap >= c.size {
		t.Errorf("overlap %d not clamped below size %d", c.overlap, c.size)
	}
}
