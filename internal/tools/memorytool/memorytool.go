// Package memorytool exposes the vector memory store to the model as
// memory_store and memory_search tools.
package memorytool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/perchlabs/agentd/internal/memory"
	"github.com/perchlabs/agentd/internal/tools"
	"github.com/perchlabs/agentd/pkg/models"
)

// StoreTool persists a note or fact into memory.
type StoreTool struct {
	store     *memory.Store
	sessionID string
}

// NewStoreTool creates a memory_store tool writing under sessionID.
func NewStoreTool(store *memory.Store, sessionID string) *StoreTool {
	return &StoreTool{store: store, sessionID: sessionID}
}

func (t *StoreTool) Name() string { return "memory_store" }

func (t *StoreTool) Description() string {
	return "Save a fact, note, or piece of information to long-term memory so it can be recalled in future runs. Use for anything worth remembering: user preferences, task outcomes, discovered facts."
}

func (t *StoreTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {
				"type": "string",
				"description": "The text to remember"
			},
			"source": {
				"type": "string",
				"description": "Optional provenance label, e.g. a URL or topic path"
			}
		},
		"required": ["content"]
	}`)
}

type storeParams struct {
	Content string `json:"content"`
	Source  string `json:"source"`
}

func (t *StoreTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var p storeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("memory_store: decode params: %w", err)
	}
	if strings.TrimSpace(p.Content) == "" {
		return tools.Errorf("memory_store: content is empty"), nil
	}

	id, err := t.store.StoreChunk(ctx, &models.MemoryChunk{
		SessionID: t.sessionID,
		Content:   p.Content,
		Type:      models.ChunkTypeNote,
		Source:    p.Source,
	})
	if err != nil {
		return nil, err
	}
	return &tools.Result{Content: fmt.Sprintf("Stored memory #%d.", id)}, nil
}

// SearchTool retrieves the most similar memories for a query.
type SearchTool struct {
	store *memory.Store
}

// NewSearchTool creates a memory_search tool over store.
func NewSearchTool(store *memory.Store) *SearchTool {
	return &SearchTool{store: store}
}

func (t *SearchTool) Name() string { return "memory_search" }

func (t *SearchTool) Description() string {
	return "Search long-term memory for information related to a query. Returns the closest matches with their sources."
}

func (t *SearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "What to look for"
			},
			"limit": {
				"type": "integer",
				"description": "Maximum number of results, default 5",
				"minimum": 1,
				"maximum": 20
			},
			"source_prefix": {
				"type": "string",
				"description": "Only return memories whose source starts with this prefix"
			}
		},
		"required": ["query"]
	}`)
}

type searchParams struct {
	Query        string `json:"query"`
	Limit        int    `json:"limit"`
	SourcePrefix string `json:"source_prefix"`
}

func (t *SearchTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var p searchParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("memory_search: decode params: %w", err)
	}
	if strings.TrimSpace(p.Query) == "" {
		return tools.Errorf("memory_search: query is empty"), nil
	}
	if p.Limit <= 0 {
		p.Limit = 5
	}

	// The store is already scoped to one agent, so search across all
	// sessions in it; the prefix filter narrows by provenance.
	results, err := t.store.Search(ctx, p.Query, p.Limit, &memory.SearchOptions{
		SourcePrefix: p.SourcePrefix,
	})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return &tools.Result{Content: "No matching memories found."}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d memories:\n", len(results))
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s", i+1, r.Chunk.Content)
		if r.Chunk.Source != "" {
			fmt.Fprintf(&b, " (source: %s)", r.Chunk.Source)
		}
		b.WriteByte('\n')
	}
	return &tools.Result{Content: b.String()}, nil
}
