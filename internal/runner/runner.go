// Package runner implements the conversation loop that drives an agent run.
//
// The loop streams a chat completion, executes any requested tool calls
// sequentially, appends their results, and goes around again until the model
// stops calling tools or a bound is hit. Bounds are deliberately layered:
// the iteration cap is generous and the wall clock is the real backstop.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/perchlabs/agentd/internal/agent"
	"github.com/perchlabs/agentd/internal/retry"
	"github.com/perchlabs/agentd/internal/tools"
	"github.com/perchlabs/agentd/pkg/models"
)

const (
	// DefaultMaxIterations caps tool-calling rounds per run.
	DefaultMaxIterations = 25
	// DefaultMaxWallTime caps total run duration.
	DefaultMaxWallTime = 30 * time.Minute
	// DefaultNudgeBudget caps stall-recovery history resets per run.
	DefaultNudgeBudget = 2
	// DefaultMaxResultChars caps a single tool result's text.
	DefaultMaxResultChars = 6000
	// DefaultKeepImages is how many recent image-bearing messages survive
	// pruning before each round.
	DefaultKeepImages = 2

	defaultRetryAttempts = 3
	defaultRetryDelay    = time.Second
)

// ScratchWriter appends a running note somewhere durable. Best-effort: the
// loop ignores its errors.
type ScratchWriter func(ctx context.Context, note string) error

// CompletionCheck reports whether the task's completion criteria are met,
// given the tool calls made so far. When it returns false and budget
// remains, the loop nudges instead of finishing.
type CompletionCheck func(records []models.ToolCallRecord) bool

// Runner executes agent runs against one provider and tool registry.
type Runner struct {
	provider agent.ChatProvider
	registry *tools.Registry
	logger   *slog.Logger

	maxIterations  int
	maxWallTime    time.Duration
	nudgeBudget    int
	maxResultChars int
	keepImages     int
	retryAttempts  int
	retryDelay     time.Duration

	now func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger.With("component", "runner") }
}

// WithMaxIterations overrides the iteration bound.
func WithMaxIterations(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxIterations = n
		}
	}
}

// WithMaxWallTime overrides the wall-clock bound.
func WithMaxWallTime(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.maxWallTime = d
		}
	}
}

// WithNudgeBudget overrides the stall-recovery budget.
func WithNudgeBudget(n int) Option {
	return func(r *Runner) {
		if n >= 0 {
			r.nudgeBudget = n
		}
	}
}

// WithMaxResultChars overrides the tool-result truncation ceiling.
func WithMaxResultChars(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxResultChars = n
		}
	}
}

// WithKeepImages overrides how many image-bearing messages survive pruning.
func WithKeepImages(n int) Option {
	return func(r *Runner) {
		if n >= 0 {
			r.keepImages = n
		}
	}
}

// WithRetryPolicy overrides the per-call retry attempts and base delay.
func WithRetryPolicy(attempts int, delay time.Duration) Option {
	return func(r *Runner) {
		if attempts > 0 {
			r.retryAttempts = attempts
		}
		if delay > 0 {
			r.retryDelay = delay
		}
	}
}

// WithNow overrides the clock. Used by tests.
func WithNow(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New creates a Runner.
func New(provider agent.ChatProvider, registry *tools.Registry, opts ...Option) *Runner {
	r := &Runner{
		provider:       provider,
		registry:       registry,
		logger:         slog.Default().With("component", "runner"),
		maxIterations:  DefaultMaxIterations,
		maxWallTime:    DefaultMaxWallTime,
		nudgeBudget:    DefaultNudgeBudget,
		maxResultChars: DefaultMaxResultChars,
		keepImages:     DefaultKeepImages,
		retryAttempts:  defaultRetryAttempts,
		retryDelay:     defaultRetryDelay,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Request describes one run.
type Request struct {
	AgentID string
	Model   string
	System  string
	Task    string

	MaxTokens int

	// Sink receives incremental events. May be nil.
	Sink Sink

	// Scratch receives best-effort progress notes. May be nil.
	Scratch ScratchWriter

	// Complete, when set, gates the Finished state during nudge recovery.
	Complete CompletionCheck
}

// Result is the outcome of a run.
type Result struct {
	Output     string
	ToolCalls  []models.ToolCallRecord
	Status     models.RunStatus
	Duration   time.Duration
	Iterations int
	Err        error
}

// roundOutcome is what one streamed completion produced.
type roundOutcome struct {
	text      string
	toolCalls []*models.ToolCall
}

// Run executes the conversation loop to a terminal state. The returned
// error is also recorded in Result.Err; partial output survives errors.
func (r *Runner) Run(ctx context.Context, req *Request) (*Result, error) {
	start := r.now()
	result := &Result{Status: models.RunSuccess}
	finish := func() (*Result, error) {
		result.Duration = r.now().Sub(start)
		return result, result.Err
	}

	history := []agent.Message{{Role: models.RoleUser, Content: req.Task}}
	defs := r.registry.Definitions()
	var output strings.Builder
	nudgesUsed := 0

	appendOutput := func(text string) {
		if text == "" {
			return
		}
		if output.Len() > 0 {
			output.WriteString("\n")
		}
		output.WriteString(text)
	}

	// No-tool fallback: a single completion with the same retry policy.
	if !r.registry.HasAny() {
		outcome, err := r.completeWithRetry(ctx, req, history, nil)
		if err != nil {
			result.Status = models.RunError
			result.Err = err
			req.Sink.emit(&models.RunEvent{Type: models.EventError, Err: err.Error()})
			return finish()
		}
		result.Output = outcome.text
		req.Sink.emit(&models.RunEvent{Type: models.EventDone, Content: result.Output})
		return finish()
	}

	for iteration := 1; ; iteration++ {
		if r.now().Sub(start) > r.maxWallTime {
			appendOutput(fmt.Sprintf("[run stopped: time limit of %s reached]", r.maxWallTime))
			r.logger.Warn("wall clock bound hit", "agent", req.AgentID, "iterations", iteration-1)
			break
		}
		if iteration > r.maxIterations {
			appendOutput(fmt.Sprintf("[run stopped: iteration limit of %d reached]", r.maxIterations))
			r.logger.Warn("iteration bound hit", "agent", req.AgentID)
			break
		}
		result.Iterations = iteration

		history = pruneImages(history, r.keepImages)

		outcome, err := r.completeWithRetry(ctx, req, history, defs)
		if err != nil {
			result.Status = models.RunError
			result.Err = err
			result.Output = output.String()
			req.Sink.emit(&models.RunEvent{Type: models.EventError, Err: err.Error()})
			return finish()
		}
		appendOutput(outcome.text)

		assistantMsg := agent.Message{Role: models.RoleAssistant, Content: outcome.text}
		for _, tc := range outcome.toolCalls {
			assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, *tc)
		}
		history = append(history, assistantMsg)

		if len(outcome.toolCalls) == 0 {
			if req.Complete != nil && !req.Complete(result.ToolCalls) &&
				nudgesUsed < r.nudgeBudget && r.now().Sub(start) < r.maxWallTime {
				nudgesUsed++
				r.logger.Info("nudging stalled run", "agent", req.AgentID, "nudge", nudgesUsed)
				history = compactHistory(req.Task, result.ToolCalls)
				continue
			}
			// Finished, or out of nudge budget: accept what exists.
			break
		}

		toolMsg := agent.Message{Role: models.RoleTool}
		for _, tc := range outcome.toolCalls {
			req.Sink.emit(&models.RunEvent{
				Type:   models.EventToolStatus,
				Tool:   tc.Name,
				Status: models.ToolStatusSearching,
				Args:   tc.Input,
			})

			toolResult := r.registry.Dispatch(ctx, tc.Name, tc.Input)
			content := truncateResult(toolResult.Content, r.maxResultChars)

			toolMsg.ToolResults = append(toolMsg.ToolResults, models.ToolResult{
				ToolCallID: tc.ID,
				Content:    content,
				IsError:    toolResult.IsError,
			})
			toolMsg.Images = append(toolMsg.Images, toolResult.Images...)

			result.ToolCalls = append(result.ToolCalls, models.ToolCallRecord{
				Tool:   tc.Name,
				Args:   tc.Input,
				Result: content,
			})

			req.Sink.emit(&models.RunEvent{
				Type:   models.EventToolStatus,
				Tool:   tc.Name,
				Status: models.ToolStatusComplete,
			})

			r.writeScratch(ctx, req, tc.Name, content)
		}
		history = append(history, toolMsg)
	}

	result.Output = output.String()
	req.Sink.emit(&models.RunEvent{Type: models.EventDone, Content: result.Output})
	return finish()
}

// completeWithRetry performs one streamed completion, retrying with linearly
// increasing backoff. A stream that errors after producing content counts as
// a success; only zero-content failures consume the whole budget.
func (r *Runner) completeWithRetry(ctx context.Context, req *Request, history []agent.Message, defs []models.ToolDefinition) (*roundOutcome, error) {
	var outcome *roundOutcome

	res := retry.Do(ctx, retry.Linear(r.retryAttempts, r.retryDelay), func(attempt int) error {
		chunks, err := r.provider.Complete(ctx, &agent.CompletionRequest{
			Model:     req.Model,
			System:    req.System,
			Messages:  history,
			Tools:     defs,
			MaxTokens: req.MaxTokens,
		})
		if err != nil {
			return err
		}

		round := &roundOutcome{}
		var streamErr error
		for chunk := range chunks {
			if chunk.Error != nil {
				streamErr = chunk.Error
				break
			}
			if chunk.Text != "" {
				round.text += chunk.Text
				req.Sink.emit(&models.RunEvent{Type: models.EventContent, Content: chunk.Text})
			}
			if chunk.ToolCall != nil {
				round.toolCalls = append(round.toolCalls, chunk.ToolCall)
			}
		}

		if streamErr != nil && round.text == "" && len(round.toolCalls) == 0 {
			return streamErr
		}
		if streamErr != nil {
			// Partial output is better than a retry that discards it.
			r.logger.Warn("stream error after partial content, accepting",
				"agent", req.AgentID, "attempt", attempt, "error", streamErr)
		}
		outcome = round
		return nil
	})
	if res.Err != nil {
		return nil, fmt.Errorf("completion failed after %d attempts: %w", res.Attempts, res.Err)
	}
	if outcome == nil {
		return nil, errors.New("completion produced no outcome")
	}
	return outcome, nil
}

// writeScratch appends a one-line progress note. Failures are logged and
// swallowed; scratch notes must never fail a run.
func (r *Runner) writeScratch(ctx context.Context, req *Request, tool, result string) {
	if req.Scratch == nil {
		return
	}
	note := result
	if len(note) > 200 {
		note = note[:200] + "..."
	}
	if err := req.Scratch(ctx, fmt.Sprintf("[%s] %s: %s", r.now().Format(time.RFC3339), tool, note)); err != nil {
		r.logger.Debug("scratch note failed", "agent", req.AgentID, "error", err)
	}
}
