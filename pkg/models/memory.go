package models

import "time"

// ChunkType tags the origin of a memory chunk.
type ChunkType string

const (
	ChunkTypeConversation ChunkType = "conversation"
	ChunkTypeKnowledge    ChunkType = "knowledge"
	ChunkTypeNote         ChunkType = "note"
)

// MemoryChunk is an embedded unit of text stored for semantic retrieval.
// Immutable once written except for deletion.
type MemoryChunk struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Content   string    `json:"content"`
	Type      ChunkType `json:"type"`

	// Source is a namespaced label (an agent's memory path, a campaign id)
	// used for filtered retrieval and bulk deletion.
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`

	Embedding []float32 `json:"-"`
}

// MemoryResult is one nearest-neighbor search hit.
type MemoryResult struct {
	Chunk *MemoryChunk `json:"chunk"`

	// Distance is 1 - cosine similarity: smaller means more similar.
	// Callers typically display round((1-distance)*100) as a similarity.
	Distance float32 `json:"distance"`
}
