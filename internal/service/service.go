// Package service wires providers, memory, the browser, and tools into the
// JobRunner the scheduler drives.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/perchlabs/agentd/internal/agent"
	"github.com/perchlabs/agentd/internal/agent/providers"
	"github.com/perchlabs/agentd/internal/browser"
	"github.com/perchlabs/agentd/internal/config"
	"github.com/perchlabs/agentd/internal/memory"
	embopenai "github.com/perchlabs/agentd/internal/memory/embeddings/openai"
	"github.com/perchlabs/agentd/internal/observability"
	"github.com/perchlabs/agentd/internal/runner"
	"github.com/perchlabs/agentd/internal/tools"
	"github.com/perchlabs/agentd/internal/tools/browse"
	"github.com/perchlabs/agentd/internal/tools/memorytool"
	"github.com/perchlabs/agentd/internal/tools/websearch"
	"github.com/perchlabs/agentd/pkg/models"
)

// Service owns the long-lived collaborators shared across agent runs.
type Service struct {
	cfg     *config.Config
	logger  *slog.Logger
	browser *browser.Manager

	chatProviders map[string]agent.ChatProvider

	mu        sync.Mutex
	memStores map[string]*memory.Store
}

// New builds a Service from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		logger: logger.With("component", "service"),
		browser: browser.NewManager(cfg.Browser.HeadlessMode(),
			browser.WithManagerLogger(logger),
			browser.WithIdleTimeout(cfg.Browser.IdleTimeout),
		),
		chatProviders: map[string]agent.ChatProvider{
			"openai": providers.NewOpenAIProvider(providers.OpenAIConfig{
				APIKey:  cfg.OpenAI.APIKey,
				BaseURL: cfg.OpenAI.BaseURL,
			}),
			"anthropic": providers.NewAnthropicProvider(providers.AnthropicConfig{
				APIKey:  cfg.Anthropic.APIKey,
				BaseURL: cfg.Anthropic.BaseURL,
			}),
		},
		memStores: make(map[string]*memory.Store),
	}
	return s, nil
}

// Close releases the browser and every open memory store.
func (s *Service) Close() error {
	var firstErr error
	if err := s.browser.Close(); err != nil {
		firstErr = err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, store := range s.memStores {
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.memStores, path)
	}
	return firstErr
}

// MemoryStore opens (or returns the cached) store for an agent's memory
// namespace. Requires an OpenAI key for embeddings.
func (s *Service) MemoryStore(namespace string) (*memory.Store, error) {
	if s.cfg.OpenAI.APIKey == "" {
		return nil, fmt.Errorf("memory requires an openai api key for embeddings")
	}
	path := filepath.Join(s.cfg.StateDir, namespace+".db")

	s.mu.Lock()
	defer s.mu.Unlock()
	if store, ok := s.memStores[path]; ok {
		return store, nil
	}

	embedder, err := embopenai.New(embopenai.Config{
		APIKey:  s.cfg.OpenAI.APIKey,
		BaseURL: s.cfg.OpenAI.BaseURL,
		Model:   s.cfg.Memory.EmbeddingModel,
	})
	if err != nil {
		return nil, err
	}
	store, err := memory.NewStore(path, embedder, memory.WithLogger(s.logger))
	if err != nil {
		return nil, err
	}
	s.memStores[path] = store
	return store, nil
}

// RunAgent executes one run of the given agent.
func (s *Service) RunAgent(ctx context.Context, ag *models.Agent, sink runner.Sink) (*runner.Result, error) {
	provider, ok := s.chatProviders[ag.Provider]
	if !ok {
		return nil, fmt.Errorf("agent %s: unknown provider %q", ag.ID, ag.Provider)
	}

	registry, err := s.buildRegistry(ag)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", ag.ID, err)
	}

	run := runner.New(provider, registry,
		runner.WithLogger(s.logger),
		runner.WithMaxIterations(s.cfg.Runner.MaxIterations),
		runner.WithMaxWallTime(s.cfg.Runner.MaxWallTime),
		runner.WithNudgeBudget(s.cfg.Runner.NudgeBudget),
		runner.WithMaxResultChars(s.cfg.Runner.MaxResultChars),
		runner.WithKeepImages(s.cfg.Runner.KeepImages),
	)

	system := s.systemPrompt(ag)
	observability.BestEffort(s.logger, "memory recall", func() error {
		recalled, err := s.recallMemories(ctx, ag)
		if err != nil {
			return err
		}
		if recalled != "" {
			system += "\n\n" + recalled
		}
		return nil
	})

	return run.Run(ctx, &runner.Request{
		AgentID: ag.ID,
		Model:   ag.Model,
		System:  system,
		Task:    ag.Task,
		Sink:    sink,
		Scratch: s.scratchWriter(ag.ID),
	})
}

// recallMemories folds the chunks closest to the task into the prompt so the
// agent starts with what it already knows.
func (s *Service) recallMemories(ctx context.Context, ag *models.Agent) (string, error) {
	if strings.TrimSpace(ag.Task) == "" {
		return "", nil
	}
	store, err := s.MemoryStore(ag.MemoryPath)
	if err != nil {
		return "", err
	}
	hits, err := store.Search(ctx, ag.Task, 3, nil)
	if err != nil || len(hits) == 0 {
		return "", err
	}
	var b strings.Builder
	b.WriteString("Relevant notes from your memory:")
	for _, hit := range hits {
		content := hit.Chunk.Content
		if len(content) > 300 {
			content = content[:300] + "..."
		}
		b.WriteString("\n- ")
		b.WriteString(content)
	}
	return b.String(), nil
}

// buildRegistry assembles the tool set for one agent. An empty Tools list
// means every available tool; otherwise only the named ones are registered.
func (s *Service) buildRegistry(ag *models.Agent) (*tools.Registry, error) {
	registry := tools.NewRegistry(tools.WithRegistryLogger(s.logger))

	wanted := func(name string) bool {
		if len(ag.Tools) == 0 {
			return true
		}
		for _, t := range ag.Tools {
			if t == name {
				return true
			}
		}
		return false
	}

	if wanted("memory_store") || wanted("memory_search") {
		store, err := s.MemoryStore(ag.MemoryPath)
		if err != nil {
			// Memory is optional when no key is configured; the agent
			// still gets its other tools.
			s.logger.Warn("memory tools unavailable", "agent", ag.ID, "error", err)
		} else {
			if wanted("memory_store") {
				if err := registry.Register(memorytool.NewStoreTool(store, ag.ID)); err != nil {
					return nil, err
				}
			}
			if wanted("memory_search") {
				if err := registry.Register(memorytool.NewSearchTool(store)); err != nil {
					return nil, err
				}
			}
		}
	}
	if wanted("browse") {
		if err := registry.Register(browse.New(s.browser, ag.ID)); err != nil {
			return nil, err
		}
	}
	if wanted("web_search") {
		if err := registry.Register(websearch.New()); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// systemPrompt enriches the agent's configured prompt with the current date
// and its identity.
func (s *Service) systemPrompt(ag *models.Agent) string {
	var b strings.Builder
	if ag.SystemPrompt != "" {
		b.WriteString(ag.SystemPrompt)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "You are %s, an autonomous background agent. Today is %s.",
		ag.Name, time.Now().Format("Monday, 2 January 2006"))
	b.WriteString(" Work step by step and use your tools. When the task is complete, reply with a final summary and stop calling tools.")
	return b.String()
}

// scratchWriter appends run progress notes under the state directory.
func (s *Service) scratchWriter(agentID string) runner.ScratchWriter {
	path := filepath.Join(s.cfg.StateDir, "scratch", agentID+".log")
	return func(ctx context.Context, note string) error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = f.WriteString(note + "\n")
		return err
	}
}

// Browser exposes the shared browser manager.
func (s *Service) Browser() *browser.Manager { return s.browser }
