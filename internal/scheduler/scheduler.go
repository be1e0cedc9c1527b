// Package scheduler registers cron jobs for enabled agents and records
// their runs.
//
// One cron engine carries every agent's timer. The per-agent state machine
// is simple: an id either has an active entry or it does not, and updates
// always cancel-then-recreate rather than mutate a live entry.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/perchlabs/agentd/internal/observability"
	"github.com/perchlabs/agentd/internal/runner"
	"github.com/perchlabs/agentd/pkg/models"
)

// AgentStore resolves current agent configuration. Updates re-read from
// here, so the scheduler always acts on the latest persisted state.
type AgentStore interface {
	Agent(id string) (*models.Agent, bool)
	AgentByName(name string) (*models.Agent, bool)
	Agents() []models.Agent
}

// JobRunner executes one agent run to completion.
type JobRunner interface {
	RunAgent(ctx context.Context, agent *models.Agent, sink runner.Sink) (*runner.Result, error)
}

// JobStatus describes one active job.
type JobStatus struct {
	AgentID string    `json:"agent_id"`
	Name    string    `json:"name"`
	NextRun time.Time `json:"next_run"`
	Running bool      `json:"running"`
}

// Scheduler owns the cron engine and the active job map.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	running map[string]int

	agents AgentStore
	runs   RunStore
	jobs   JobRunner
	logger *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger.With("component", "scheduler") }
}

// New creates a Scheduler. Call Start to begin firing jobs.
func New(agents AgentStore, runs RunStore, jobs JobRunner, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
		running: make(map[string]int),
		agents:  agents,
		runs:    runs,
		jobs:    jobs,
		logger:  slog.Default().With("component", "scheduler"),
		baseCtx: ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers every enabled agent and starts the cron engine.
func (s *Scheduler) Start() error {
	if err := s.Sync(); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.entries))
	return nil
}

// Stop cancels in-flight runs, stops the engine, and waits for jobs to
// drain.
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Sync reconciles the active job map against the agent store: enabled
// agents with schedules get entries, everything else is removed.
func (s *Scheduler) Sync() error {
	agents := s.agents.Agents()
	keep := make(map[string]bool, len(agents))
	var firstErr error
	for i := range agents {
		agent := &agents[i]
		keep[agent.ID] = true
		if err := s.ScheduleAgent(agent); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.mu.Lock()
	var stale []string
	for id := range s.entries {
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		s.RemoveAgent(id)
	}
	return firstErr
}

// ScheduleAgent registers (or re-registers) the agent's timer. Any existing
// entry for the id is cancelled first. Agents that are disabled or carry no
// schedule expression end up with no entry; they remain runnable manually.
func (s *Scheduler) ScheduleAgent(agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[agent.ID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, agent.ID)
	}

	if agent.Disabled || agent.CronSchedule == "" {
		return nil
	}

	id := agent.ID
	entryID, err := s.cron.AddFunc(agent.CronSchedule, func() {
		s.fire(id)
	})
	if err != nil {
		return fmt.Errorf("schedule agent %s: invalid expression %q: %w", agent.ID, agent.CronSchedule, err)
	}
	s.entries[agent.ID] = entryID
	s.logger.Info("agent scheduled", "agent", agent.ID, "schedule", agent.CronSchedule)
	return nil
}

// RemoveAgent cancels the agent's timer. Removing an unscheduled agent is a
// no-op.
func (s *Scheduler) RemoveAgent(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entryID, ok := s.entries[id]
	if !ok {
		return
	}
	s.cron.Remove(entryID)
	delete(s.entries, id)
	s.logger.Info("agent unscheduled", "agent", id)
}

// UpdateAgent re-reads the agent's persisted configuration and re-schedules
// or removes it accordingly.
func (s *Scheduler) UpdateAgent(id string) error {
	agent, ok := s.agents.Agent(id)
	if !ok {
		s.RemoveAgent(id)
		return nil
	}
	return s.ScheduleAgent(agent)
}

// RunNow triggers an immediate out-of-band run, leaving the schedule
// untouched. It blocks until the run completes.
func (s *Scheduler) RunNow(ctx context.Context, id string, sink runner.Sink) (*models.AgentRun, error) {
	agent, ok := s.agents.Agent(id)
	if !ok {
		return nil, fmt.Errorf("agent %s not found", id)
	}
	return s.runAgentJob(ctx, agent, sink)
}

// RunByName is RunNow keyed by agent name.
func (s *Scheduler) RunByName(ctx context.Context, name string, sink runner.Sink) (*models.AgentRun, error) {
	agent, ok := s.agents.AgentByName(name)
	if !ok {
		return nil, fmt.Errorf("agent named %q not found", name)
	}
	return s.runAgentJob(ctx, agent, sink)
}

// Status reports the next fire time and running flag for every active job.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]JobStatus, 0, len(s.entries))
	for id, entryID := range s.entries {
		name := id
		if agent, ok := s.agents.Agent(id); ok {
			name = agent.Name
		}
		statuses = append(statuses, JobStatus{
			AgentID: id,
			Name:    name,
			NextRun: s.cron.Entry(entryID).Next,
			Running: s.running[id] > 0,
		})
	}
	return statuses
}

// fire is the cron callback. Each firing runs asynchronously so a long run
// never delays the engine's other entries.
func (s *Scheduler) fire(id string) {
	agent, ok := s.agents.Agent(id)
	if !ok || agent.Disabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.runAgentJob(s.baseCtx, agent, nil); err != nil {
			s.logger.Error("scheduled run failed", "agent", id, "error", err)
		}
	}()
}

// runAgentJob creates the run record, executes the run, and finalizes the
// record exactly once. Two runs of the same agent may overlap; each has its
// own record, so the store stays consistent either way.
func (s *Scheduler) runAgentJob(ctx context.Context, agent *models.Agent, sink runner.Sink) (*models.AgentRun, error) {
	run := &models.AgentRun{
		ID:        uuid.New().String(),
		AgentID:   agent.ID,
		Status:    models.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("record run start: %w", err)
	}

	s.markRunning(agent.ID, +1)
	defer s.markRunning(agent.ID, -1)
	s.logger.Info("run started", "agent", agent.ID, "run", run.ID)

	result, err := s.jobs.RunAgent(ctx, agent, sink)

	run.CompletedAt = time.Now().UTC()
	switch {
	case err != nil && result == nil:
		run.Status = models.RunError
		run.Error = err.Error()
	default:
		run.Status = result.Status
		run.Output = result.Output
		run.Duration = result.Duration
		if result.Err != nil {
			run.Error = result.Err.Error()
		}
		if log, jerr := json.Marshal(result.ToolCalls); jerr == nil {
			run.ToolCallLog = string(log)
		}
	}
	if run.Duration == 0 {
		run.Duration = run.CompletedAt.Sub(run.StartedAt)
	}

	if ferr := s.runs.FinalizeRun(ctx, run); ferr != nil {
		s.logger.Error("run finalize failed", "agent", agent.ID, "run", run.ID, "error", ferr)
	}

	observability.RunsTotal.WithLabelValues(agent.ID, string(run.Status)).Inc()
	observability.RunDuration.WithLabelValues(agent.ID).Observe(run.Duration.Seconds())
	s.logger.Info("run finished", "agent", agent.ID, "run", run.ID,
		"status", run.Status, "duration", run.Duration)

	if err != nil {
		return run, err
	}
	return run, nil
}

func (s *Scheduler) markRunning(id string, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[id] += delta
	if s.running[id] <= 0 {
		delete(s.running, id)
	}
}
