// Package tools defines the tool interface and the registry that dispatches
// model-requested tool calls.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/perchlabs/agentd/pkg/models"
)

// Tool is a capability the model can invoke by name.
//
// Execute returns an error only for infrastructure faults. Domain failures
// (page not found, empty search, bad input) belong in the Result with
// IsError set, phrased so the model can react to them.
type Tool interface {
	// Name returns the unique tool name exposed to the model.
	Name() string

	// Description explains the tool to the model.
	Description() string

	// Schema returns the JSON Schema for the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool with validated parameters.
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Result is what a tool hands back to the conversation.
type Result struct {
	// Content is the text shown to the model.
	Content string

	// IsError marks Content as describing a failure.
	IsError bool

	// Images are inline attachments, such as screenshots.
	Images []models.Image

	// Sources carry provenance for content, such as search result URLs.
	Sources []models.SourceRef
}

// Errorf builds an error Result in one line.
func Errorf(format string, args ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, args...), IsError: true}
}
