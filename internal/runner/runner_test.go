package runner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/perchlabs/agentd/internal/agent"
	"github.com/perchlabs/agentd/internal/tools"
	"github.com/perchlabs/agentd/pkg/models"
)

// scriptedResponse is what the fake provider streams for one Complete call.
type scriptedResponse struct {
	text      string
	toolCalls []*models.ToolCall
	err       error
	delay     time.Duration
}

// fakeProvider replays scripted responses and records the requests it saw.
type fakeProvider struct {
	mu       sync.Mutex
	script   []scriptedResponse
	call     int
	requests []*agent.CompletionRequest
}

func (f *fakeProvider) Name() string        { return "fake" }
func (f *fakeProvider) SupportsTools() bool { return true }

func (f *fakeProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	var resp scriptedResponse
	if f.call < len(f.script) {
		resp = f.script[f.call]
	} else {
		resp = scriptedResponse{text: "done"}
	}
	f.call++
	f.mu.Unlock()

	if resp.err != nil && resp.text == "" && len(resp.toolCalls) == 0 {
		return nil, resp.err
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		if resp.delay > 0 {
			time.Sleep(resp.delay)
		}
		if resp.text != "" {
			chunks <- &agent.CompletionChunk{Text: resp.text}
		}
		for _, tc := range resp.toolCalls {
			chunks <- &agent.CompletionChunk{ToolCall: tc}
		}
		if resp.err != nil {
			chunks <- &agent.CompletionChunk{Error: resp.err, Done: true}
			return
		}
		chunks <- &agent.CompletionChunk{Done: true}
	}()
	return chunks, nil
}

type recordingTool struct {
	name  string
	calls int
	fail  bool
	slow  time.Duration
}

func (r *recordingTool) Name() string        { return r.name }
func (r *recordingTool) Description() string { return "test tool" }
func (r *recordingTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}

func (r *recordingTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	r.calls++
	if r.slow > 0 {
		time.Sleep(r.slow)
	}
	if r.fail {
		return nil, errors.New("tool backend down")
	}
	return &tools.Result{Content: "tool output"}, nil
}

func newRegistry(t *testing.T, toolset ...tools.Tool) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	for _, tool := range toolset {
		if err := r.Register(tool); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return r
}

func TestRunNoToolsFallback(t *testing.T) {
	provider := &fakeProvider{script: []scriptedResponse{{text: "direct answer"}}}
	r := New(provider, tools.NewRegistry())

	result, err := r.Run(context.Background(), &Request{AgentID: "a1", Model: "m", Task: "say hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != models.RunSuccess {
		t.Errorf("status = %v, want success", result.Status)
	}
	if result.Output != "direct answer" {
		t.Errorf("output = %q", result.Output)
	}
	if provider.call != 1 {
		t.Errorf("provider called %d times, want 1", provider.call)
	}
}

func TestRunToolRoundTrip(t *testing.T) {
	tool := &recordingTool{name: "lookup"}
	provider := &fakeProvider{script: []scriptedResponse{
		{toolCalls: []*models.ToolCall{{ID: "c1", Name: "lookup", Input: json.RawMessage(`{}`)}}},
		{text: "final answer"},
	}}
	r := New(provider, newRegistry(t, tool))

	result, err := r.Run(context.Background(), &Request{AgentID: "a1", Model: "m", Task: "look it up"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != models.RunSuccess {
		t.Errorf("status = %v, want success", result.Status)
	}
	if tool.calls != 1 {
		t.Errorf("tool executed %d times, want 1", tool.calls)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Tool != "lookup" {
		t.Errorf("tool call log = %+v", result.ToolCalls)
	}
	if !strings.Contains(result.Output, "final answer") {
		t.Errorf("output missing final text: %q", result.Output)
	}
	if result.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", result.Iterations)
	}
}

func TestRunErroringToolStillTerminates(t *testing.T) {
	tool := &recordingTool{name: "flaky", fail: true}
	provider := &fakeProvider{script: []scriptedResponse{
		{toolCalls: []*models.ToolCall{{ID: "c1", Name: "flaky", Input: json.RawMessage(`{}`)}}},
		{text: "worked around it"},
	}}
	r := New(provider, newRegistry(t, tool))

	result, err := r.Run(context.Background(), &Request{AgentID: "a1", Model: "m", Task: "try"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != models.RunSuccess {
		t.Errorf("status = %v, want success; tool errors are fed back, not fatal", result.Status)
	}
	if !strings.Contains(result.ToolCalls[0].Result, "tool backend down") {
		t.Errorf("tool call log lost the failure detail: %q", result.ToolCalls[0].Result)
	}
}

func TestRunWallClockBound(t *testing.T) {
	tool := &recordingTool{name: "slow", slow: 30 * time.Millisecond}
	loopForever := scriptedResponse{toolCalls: []*models.ToolCall{{ID: "c", Name: "slow", Input: json.RawMessage(`{}`)}}}
	provider := &fakeProvider{script: []scriptedResponse{loopForever, loopForever, loopForever, loopForever, loopForever}}
	r := New(provider, newRegistry(t, tool), WithMaxWallTime(50*time.Millisecond))

	result, err := r.Run(context.Background(), &Request{AgentID: "a1", Model: "m", Task: "loop"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != models.RunSuccess {
		t.Errorf("status = %v, want success with partial output", result.Status)
	}
	if !strings.Contains(result.Output, "time limit") {
		t.Errorf("output missing the time limit note: %q", result.Output)
	}
}

func TestRunIterationBound(t *testing.T) {
	tool := &recordingTool{name: "again"}
	loopForever := scriptedResponse{toolCalls: []*models.ToolCall{{ID: "c", Name: "again", Input: json.RawMessage(`{}`)}}}
	provider := &fakeProvider{script: []scriptedResponse{loopForever, loopForever, loopForever, loopForever}}
	r := New(provider, newRegistry(t, tool), WithMaxIterations(2))

	result, err := r.Run(context.Background(), &Request{AgentID: "a1", Model: "m", Task: "loop"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if tool.calls != 2 {
		t.Errorf("tool executed %d times, want 2", tool.calls)
	}
	if !strings.Contains(result.Output, "iteration limit") {
		t.Errorf("output missing the iteration limit note: %q", result.Output)
	}
}

func TestRunDoneEventCarriesFinalText(t *testing.T) {
	tool := &recordingTool{name: "lookup"}
	provider := &fakeProvider{script: []scriptedResponse{
		{toolCalls: []*models.ToolCall{{ID: "c1", Name: "lookup", Input: json.RawMessage(`{}`)}}},
		{text: "the final answer"},
	}}
	r := New(provider, newRegistry(t, tool))

	var done *models.RunEvent
	_, err := r.Run(context.Background(), &Request{
		AgentID: "a1", Model: "m", Task: "task",
		Sink: func(ev *models.RunEvent) {
			if ev.Type == models.EventDone {
				done = ev
			}
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if done == nil {
		t.Fatal("run ended without a done event")
	}
	if !strings.Contains(done.Content, "the final answer") {
		t.Errorf("done event Content = %q, want the final text", done.Content)
	}
}

func TestRunDoneEventNoToolsFallback(t *testing.T) {
	provider := &fakeProvider{script: []scriptedResponse{{text: "direct answer"}}}
	r := New(provider, tools.NewRegistry())

	var done *models.RunEvent
	_, err := r.Run(context.Background(), &Request{
		AgentID: "a1", Model: "m", Task: "task",
		Sink: func(ev *models.RunEvent) {
			if ev.Type == models.EventDone {
				done = ev
			}
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if done == nil || done.Content != "direct answer" {
		t.Errorf("done event = %+v, want Content with the final text", done)
	}
}

func TestRunRetryExhaustion(t *testing.T) {
	provider := &fakeProvider{script: []scriptedResponse{
		{err: errors.New("api down")},
		{err: errors.New("api down")},
		{err: errors.New("api down")},
	}}
	tool := &recordingTool{name: "unused"}
	r := New(provider, newRegistry(t, tool), WithRetryPolicy(3, time.Millisecond))

	var events []*models.RunEvent
	result, err := r.Run(context.Background(), &Request{
		AgentID: "a1", Model: "m", Task: "try",
		Sink: func(ev *models.RunEvent) { events = append(events, ev) },
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if result.Status != models.RunError {
		t.Errorf("status = %v, want error", result.Status)
	}
	if provider.call != 3 {
		t.Errorf("provider called %d times, want 3 attempts", provider.call)
	}
	sawError := false
	for _, ev := range events {
		if ev.Type == models.EventError {
			sawError = true
		}
	}
	if !sawError {
		t.Error("sink never saw an error event")
	}
}

func TestRunPartialContentAcceptedOverStreamError(t *testing.T) {
	provider := &fakeProvider{script: []scriptedResponse{
		{text: "partial result", err: errors.New("connection reset")},
	}}
	r := New(provider, tools.NewRegistry())

	result, err := r.Run(context.Background(), &Request{AgentID: "a1", Model: "m", Task: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Output != "partial result" {
		t.Errorf("partial content discarded: %q", result.Output)
	}
	if provider.call != 1 {
		t.Errorf("provider retried despite partial content: %d calls", provider.call)
	}
}

func TestRunNudgeCompactsHistory(t *testing.T) {
	tool := &recordingTool{name: "step"}
	provider := &fakeProvider{script: []scriptedResponse{
		{toolCalls: []*models.ToolCall{{ID: "c1", Name: "step", Input: json.RawMessage(`{}`)}}},
		{text: "I think I'm done"}, // stalls before criteria are met
		{text: "actually finished now"},
	}}
	r := New(provider, newRegistry(t, tool), WithNudgeBudget(1))

	checks := 0
	result, err := r.Run(context.Background(), &Request{
		AgentID: "a1", Model: "m", Task: "multi step task",
		Complete: func(records []models.ToolCallRecord) bool {
			checks++
			return checks > 1 // unmet on the first stall only
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != models.RunSuccess {
		t.Errorf("status = %v, want success", result.Status)
	}
	if provider.call != 3 {
		t.Fatalf("provider called %d times, want 3 (initial, stall, post-nudge)", provider.call)
	}

	// The post-nudge request must carry the compacted history, not the
	// accumulated transcript.
	last := provider.requests[len(provider.requests)-1]
	if len(last.Messages) != 1 {
		t.Fatalf("post-nudge history has %d messages, want 1", len(last.Messages))
	}
	content := last.Messages[0].Content
	if !strings.Contains(content, "multi step task") || !strings.Contains(content, "step called 1 time") {
		t.Errorf("progress summary incomplete: %q", content)
	}
}

func TestRunNudgeBudgetExhaustedAcceptsPartial(t *testing.T) {
	provider := &fakeProvider{script: []scriptedResponse{
		{text: "stall one"},
		{text: "stall two"},
	}}
	tool := &recordingTool{name: "never"}
	r := New(provider, newRegistry(t, tool), WithNudgeBudget(1))

	result, err := r.Run(context.Background(), &Request{
		AgentID: "a1", Model: "m", Task: "task",
		Complete: func([]models.ToolCallRecord) bool { return false },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != models.RunSuccess {
		t.Errorf("status = %v, want success with partial output", result.Status)
	}
	if !strings.Contains(result.Output, "stall two") {
		t.Errorf("final stall output missing: %q", result.Output)
	}
}

func TestRunScratchFailureIgnored(t *testing.T) {
	tool := &recordingTool{name: "work"}
	provider := &fakeProvider{script: []scriptedResponse{
		{toolCalls: []*models.ToolCall{{ID: "c1", Name: "work", Input: json.RawMessage(`{}`)}}},
		{text: "done"},
	}}
	r := New(provider, newRegistry(t, tool))

	result, err := r.Run(context.Background(), &Request{
		AgentID: "a1", Model: "m", Task: "task",
		Scratch: func(context.Context, string) error { return errors.New("disk full") },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != models.RunSuccess {
		t.Errorf("scratch failure leaked into run status: %v", result.Status)
	}
}
