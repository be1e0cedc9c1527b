// Package models defines the core data types for agentd.
package models

import (
	"encoding/json"
	"time"
)

// Agent is a named, independently schedulable configuration pairing a system
// prompt, a model, and a memory namespace.
type Agent struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Disabled     bool     `json:"disabled,omitempty" yaml:"disabled"`
	SystemPrompt string   `json:"system_prompt" yaml:"system_prompt"`
	Task         string   `json:"task,omitempty" yaml:"task"`
	Model        string   `json:"model" yaml:"model"`
	Provider     string   `json:"provider,omitempty" yaml:"provider"`
	Tools        []string `json:"tools,omitempty" yaml:"tools"`

	// CronSchedule is a standard 5-field cron expression, or empty for
	// manual-only agents.
	CronSchedule string `json:"cron_schedule" yaml:"schedule"`

	// MemoryPath is the namespace prefix for the agent's memory chunks.
	MemoryPath string `json:"memory_path" yaml:"memory_path"`
}

// RunStatus is the lifecycle state of an agent run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// AgentRun records one execution of an agent. It is created with status
// "running" at run start and finalized exactly once at run end.
type AgentRun struct {
	ID          string        `json:"id"`
	AgentID     string        `json:"agent_id"`
	Status      RunStatus     `json:"status"`
	Output      string        `json:"output,omitempty"`
	ToolCallLog string        `json:"tool_call_log,omitempty"` // JSON-serialized []ToolCallRecord
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}

// ToolCallRecord is one entry in a run's tool-call log.
type ToolCallRecord struct {
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result string          `json:"result"` // truncated result text
}
