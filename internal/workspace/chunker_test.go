package workspace

import (
	"strings"
	"testing"
)

func TestChunkDeterministic(t *testing.T) {
	c := NewChunker(ChunkerConfig{TargetSize: 120, MinSize: 30, Overlap: 20})
	content := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 20) +
		"\n\nSecond paragraph with its own content here.\n\nThird."

	a := c.Chunk(content)
	b := c.Chunk(content)
	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("chunk %d differs between runs", i)
		}
	}
}

func TestChunkSplitsOnParagraphsFirst(t *testing.T) {
	c := NewChunker(ChunkerConfig{TargetSize: 40, MinSize: 5, Overlap: 0})
	content := "First paragraph stands alone here okay.\n\nSecond paragraph also stands alone fine."
	chunks := c.Chunk(content)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2: %q", len(chunks), chunks)
	}
	if !strings.HasPrefix(chunks[0], "First") || !strings.HasPrefix(chunks[1], "Second") {
		t.Fatalf("paragraph boundaries not respected: %q", chunks)
	}
}

func TestChunkJoinsSmallNeighbors(t *testing.T) {
	c := NewChunker(ChunkerConfig{TargetSize: 100, MinSize: 60, Overlap: 0})
	// A tiny trailing paragraph should merge rather than stand alone.
	content := strings.Repeat("Sentence one is long enough to fill a chunk. ", 4) + "\n\nTiny."
	chunks := c.Chunk(content)
	for i, ch := range chunks {
		if len(ch) < 60 && len(chunks) > 1 {
			t.Fatalf("chunk %d is below MinSize and was not joined: %q", i, ch)
		}
	}
}

func TestChunkEmptyInput(t *testing.T) {
	c := NewChunker(ChunkerConfig{TargetSize: 100, MinSize: 20, Overlap: 0})
	if got := c.Chunk("   \n\n  "); len(got) != 0 {
		t.Fatalf("whitespace-only input produced %d chunks", len(got))
	}
}

func TestChunkLongWordFallback(t *testing.T) {
	c := NewChunker(ChunkerConfig{TargetSize: 50, MinSize: 10, Overlap: 0})
	content := strings.Repeat("word ", 40)
	chunks := c.Chunk(content)
	if len(chunks) < 2 {
		t.Fatalf("expected word-level splitting, got %d chunks", len(chunks))
	}
}
