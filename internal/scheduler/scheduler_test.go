package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/perchlabs/agentd/internal/runner"
	"github.com/perchlabs/agentd/pkg/models"
)

type fakeAgentStore struct {
	mu     sync.Mutex
	agents map[string]models.Agent
}

func newFakeAgentStore(agents ...models.Agent) *fakeAgentStore {
	s := &fakeAgentStore{agents: make(map[string]models.Agent)}
	for _, a := range agents {
		s.agents[a.ID] = a
	}
	return s
}

func (s *fakeAgentStore) set(a models.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = a
}

func (s *fakeAgentStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, id)
}

func (s *fakeAgentStore) Agent(id string) (*models.Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, false
	}
	return &a, true
}

func (s *fakeAgentStore) AgentByName(name string) (*models.Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.Name == name {
			a := a
			return &a, true
		}
	}
	return nil, false
}

func (s *fakeAgentStore) Agents() []models.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	return out
}

type fakeJobRunner struct {
	mu     sync.Mutex
	runs   []string
	result *runner.Result
	err    error
}

func (f *fakeJobRunner) RunAgent(ctx context.Context, agent *models.Agent, sink runner.Sink) (*runner.Result, error) {
	f.mu.Lock()
	f.runs = append(f.runs, agent.ID)
	f.mu.Unlock()
	if f.result != nil {
		return f.result, f.err
	}
	return &runner.Result{Status: models.RunSuccess, Output: "ok"}, f.err
}

func (f *fakeJobRunner) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func newTestRunStore(t *testing.T) *SQLiteRunStore {
	t.Helper()
	store, err := NewRunStore(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("NewRunStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestScheduleAgentReplacesExistingEntry(t *testing.T) {
	agents := newFakeAgentStore()
	sched := New(agents, newTestRunStore(t), &fakeJobRunner{})

	a := models.Agent{ID: "a1", Name: "first", Model: "m", CronSchedule: "0 9 * * *"}
	if err := sched.ScheduleAgent(&a); err != nil {
		t.Fatalf("ScheduleAgent: %v", err)
	}
	if err := sched.ScheduleAgent(&a); err != nil {
		t.Fatalf("re-ScheduleAgent: %v", err)
	}
	if got := len(sched.entries); got != 1 {
		t.Errorf("entry map holds %d entries for one agent, want 1", got)
	}
}

func TestScheduleAgentManualOnly(t *testing.T) {
	sched := New(newFakeAgentStore(), newTestRunStore(t), &fakeJobRunner{})

	noSchedule := models.Agent{ID: "manual", Model: "m"}
	if err := sched.ScheduleAgent(&noSchedule); err != nil {
		t.Fatalf("ScheduleAgent: %v", err)
	}
	if len(sched.entries) != 0 {
		t.Error("manual-only agent should have no timer entry")
	}

	disabled := models.Agent{ID: "off", Disabled: true, Model: "m", CronSchedule: "* * * * *"}
	if err := sched.ScheduleAgent(&disabled); err != nil {
		t.Fatalf("ScheduleAgent: %v", err)
	}
	if len(sched.entries) != 0 {
		t.Error("disabled agent should have no timer entry")
	}
}

func TestScheduleAgentInvalidExpression(t *testing.T) {
	sched := New(newFakeAgentStore(), newTestRunStore(t), &fakeJobRunner{})
	bad := models.Agent{ID: "bad", Model: "m", CronSchedule: "not a cron"}
	if err := sched.ScheduleAgent(&bad); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
	if len(sched.entries) != 0 {
		t.Error("invalid schedule must not leave an entry behind")
	}
}

func TestRemoveAgentIdempotent(t *testing.T) {
	sched := New(newFakeAgentStore(), newTestRunStore(t), &fakeJobRunner{})
	a := models.Agent{ID: "a1", Model: "m", CronSchedule: "@hourly"}
	if err := sched.ScheduleAgent(&a); err != nil {
		t.Fatalf("ScheduleAgent: %v", err)
	}

	sched.RemoveAgent("a1")
	if len(sched.entries) != 0 {
		t.Error("entry survived removal")
	}
	sched.RemoveAgent("a1") // second removal is a no-op
	sched.RemoveAgent("never-existed")
}

func TestUpdateAgentFollowsStore(t *testing.T) {
	agents := newFakeAgentStore(models.Agent{ID: "a1", Model: "m", CronSchedule: "@daily"})
	sched := New(agents, newTestRunStore(t), &fakeJobRunner{})

	if err := sched.UpdateAgent("a1"); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}
	if len(sched.entries) != 1 {
		t.Fatal("enabled agent not scheduled on update")
	}

	agents.set(models.Agent{ID: "a1", Disabled: true, Model: "m", CronSchedule: "@daily"})
	if err := sched.UpdateAgent("a1"); err != nil {
		t.Fatalf("UpdateAgent after disable: %v", err)
	}
	if len(sched.entries) != 0 {
		t.Error("disabled agent still scheduled after update")
	}

	agents.remove("a1")
	if err := sched.UpdateAgent("a1"); err != nil {
		t.Fatalf("UpdateAgent after delete: %v", err)
	}
}

func TestRunNowRecordsRun(t *testing.T) {
	agents := newFakeAgentStore(models.Agent{ID: "a1", Name: "worker", Model: "m"})
	runs := newTestRunStore(t)
	jobs := &fakeJobRunner{result: &runner.Result{
		Status:   models.RunSuccess,
		Output:   "all done",
		Duration: 2 * time.Second,
		ToolCalls: []models.ToolCallRecord{
			{Tool: "web_search", Result: "hits"},
		},
	}}
	sched := New(agents, runs, jobs)

	run, err := sched.RunNow(context.Background(), "a1", nil)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if run.Status != models.RunSuccess {
		t.Errorf("run status = %v", run.Status)
	}

	stored, err := runs.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.Status != models.RunSuccess || stored.Output != "all done" {
		t.Errorf("persisted run = %+v", stored)
	}
	if stored.ToolCallLog == "" {
		t.Error("tool call log not persisted")
	}
	if jobs.runCount() != 1 {
		t.Errorf("runner invoked %d times, want 1", jobs.runCount())
	}
}

func TestRunByName(t *testing.T) {
	agents := newFakeAgentStore(models.Agent{ID: "a1", Name: "mailbot", Model: "m"})
	sched := New(agents, newTestRunStore(t), &fakeJobRunner{})

	if _, err := sched.RunByName(context.Background(), "mailbot", nil); err != nil {
		t.Fatalf("RunByName: %v", err)
	}
	if _, err := sched.RunByName(context.Background(), "nobody", nil); err == nil {
		t.Error("expected error for unknown agent name")
	}
}

func TestSyncRemovesStaleEntries(t *testing.T) {
	agents := newFakeAgentStore(
		models.Agent{ID: "keep", Model: "m", CronSchedule: "@hourly"},
		models.Agent{ID: "drop", Model: "m", CronSchedule: "@hourly"},
	)
	sched := New(agents, newTestRunStore(t), &fakeJobRunner{})
	if err := sched.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(sched.entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(sched.entries))
	}

	agents.remove("drop")
	if err := sched.Sync(); err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if _, ok := sched.entries["drop"]; ok {
		t.Error("stale entry survived sync")
	}
	if _, ok := sched.entries["keep"]; !ok {
		t.Error("live entry removed by sync")
	}
}

func TestStatusReportsNextRun(t *testing.T) {
	agents := newFakeAgentStore(models.Agent{ID: "a1", Name: "worker", Model: "m", CronSchedule: "@every 1h"})
	sched := New(agents, newTestRunStore(t), &fakeJobRunner{})
	if err := sched.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop()

	statuses := sched.Status()
	if len(statuses) != 1 {
		t.Fatalf("got %d statuses, want 1", len(statuses))
	}
	st := statuses[0]
	if st.AgentID != "a1" || st.Name != "worker" {
		t.Errorf("status identity = %+v", st)
	}
	if st.Running {
		t.Error("idle agent reported as running")
	}
	if st.NextRun.IsZero() || !st.NextRun.After(time.Now()) {
		t.Errorf("next run not in the future: %v", st.NextRun)
	}
}

func TestFinalizeRunExactlyOnce(t *testing.T) {
	runs := newTestRunStore(t)
	ctx := context.Background()

	run := &models.AgentRun{ID: "r1", AgentID: "a1", Status: models.RunRunning, StartedAt: time.Now().UTC()}
	if err := runs.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	run.Status = models.RunSuccess
	run.Output = "first"
	if err := runs.FinalizeRun(ctx, run); err != nil {
		t.Fatalf("FinalizeRun: %v", err)
	}

	run.Output = "second"
	if err := runs.FinalizeRun(ctx, run); err == nil {
		t.Error("second finalize should be rejected")
	}

	stored, err := runs.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.Output != "first" {
		t.Errorf("terminal record overwritten: %q", stored.Output)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	runs := newTestRunStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"r1", "r2", "r3"} {
		run := &models.AgentRun{ID: id, AgentID: "a1", StartedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := runs.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun(%s): %v", id, err)
		}
	}

	list, err := runs.ListRuns(ctx, "a1", 2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d runs, want 2", len(list))
	}
	if list[0].ID != "r3" || list[1].ID != "r2" {
		t.Errorf("order = %s, %s; want r3, r2", list[0].ID, list[1].ID)
	}
}
