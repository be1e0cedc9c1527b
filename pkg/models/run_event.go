package models

import "encoding/json"

// RunEventType tags events emitted during a run for live UI rendering.
type RunEventType string

const (
	EventContent    RunEventType = "content"
	EventToolStatus RunEventType = "tool_status"
	EventError      RunEventType = "error"
	EventDone       RunEventType = "done"
)

// ToolStatus values carried by tool_status events.
const (
	ToolStatusSearching = "searching"
	ToolStatusComplete  = "complete"
)

// RunEvent is the minimal seam between the run loop and any presentation
// layer. Content events carry incremental text; done carries the final text.
type RunEvent struct {
	Type    RunEventType    `json:"type"`
	Content string          `json:"content,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Status  string          `json:"status,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Err     string          `json:"error,omitempty"`
}
