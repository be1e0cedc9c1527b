package memory

import "strings"

const (
	// DefaultChunkSize is the target window size in characters.
	DefaultChunkSize = 1000
	// DefaultChunkOverlap is the number of characters shared between
	// consecutive windows.
	DefaultChunkOverlap = 200
)

// Chunker splits document text into pieces suitable for embedding.
type Chunker interface {
	Chunk(content string) []string
}

// WindowChunker splits text into fixed-size overlapping windows, preferring
// to break at paragraph or sentence boundaries past the window midpoint.
type WindowChunker struct {
	size    int
	overlap int
}

// NewChunker creates a WindowChunker. Non-positive values fall back to the
// defaults, and overlap is clamped below the window size.
func NewChunker(size, overlap int) *WindowChunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = DefaultChunkOverlap
	}
	if overlap >= size {
		overlap = size / 5
	}
	return &WindowChunker{size: size, overlap: overlap}
}

// Chunk splits content into windows. Whitespace-only input yields nothing.
func (c *WindowChunker) Chunk(content string) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if len(content) <= c.size {
		return []string{content}
	}

	var chunks []string
	start := 0
	for start < len(content) {
		end := start + c.size
		if end >= len(content) {
			piece := strings.TrimSpace(content[start:])
			if piece != "" {
				chunks = append(chunks, piece)
			}
			break
		}

		end = c.breakPoint(content, start, end)
		piece := strings.TrimSpace(content[start:end])
		if piece != "" {
			chunks = append(chunks, piece)
		}

		next := end - c.overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// breakPoint finds the best split position at or before end. Paragraph
// breaks win over sentence ends; either is only taken past the window
// midpoint so chunks stay reasonably sized.
func (c *WindowChunker) breakPoint(content string, start, end int) int {
	mid := start + c.size/2
	window := content[start:end]

	if idx := strings.LastIndex(window, "\n\n"); idx >= 0 && start+idx > mid {
		return start + idx + 2
	}
	best := -1
	for _, sep := range []string{". ", "! ", "? ", ".\n", "!\n", "?\n"} {
		if idx := strings.LastIndex(window, sep); idx > best {
			best = idx
		}
	}
	if best >= 0 && start+best > mid {
		return start + best + 2
	}
	if idx := strings.LastIndexByte(window, ' '); idx >= 0 && start+idx > mid {
		return start + idx + 1
	}
	return end
}
