package scheduler

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/perchlabs/agentd/internal/config"
	"github.com/perchlabs/agentd/pkg/models"
)

// ConfigStore is an AgentStore over a live configuration file. Reload swaps
// the whole snapshot, so readers always see a consistent agent list.
type ConfigStore struct {
	mu   sync.RWMutex
	cfg  *config.Config
	path string
}

var _ AgentStore = (*ConfigStore)(nil)

// NewConfigStore wraps an already-loaded config.
func NewConfigStore(path string, cfg *config.Config) *ConfigStore {
	return &ConfigStore{cfg: cfg, path: path}
}

// Config returns the current snapshot.
func (c *ConfigStore) Config() *config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Reload re-reads the config file and swaps the snapshot.
func (c *ConfigStore) Reload() error {
	cfg, err := config.Load(c.path)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	return nil
}

// Agent returns the agent with the given id.
func (c *ConfigStore) Agent(id string) (*models.Agent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Agent(id)
}

// AgentByName returns the agent with the given name.
func (c *ConfigStore) AgentByName(name string) (*models.Agent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.AgentByName(name)
}

// Agents returns all configured agents.
func (c *ConfigStore) Agents() []models.Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Agents
}

// Watch resyncs the scheduler whenever the config file changes. Editors
// often replace files rather than write them in place, so the parent
// directory is watched and events are debounced. Returns a stop function.
func Watch(store *ConfigStore, sched *Scheduler, logger *slog.Logger) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watch: %w", err)
	}
	dir := filepath.Dir(store.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config watch %s: %w", dir, err)
	}
	logger = logger.With("component", "configwatch")

	done := make(chan struct{})
	go func() {
		var timer *time.Timer
		target := filepath.Clean(store.path)
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				// Debounce bursts of events from a single save.
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(250*time.Millisecond, func() {
					if err := store.Reload(); err != nil {
						logger.Error("config reload failed, keeping previous config", "error", err)
						return
					}
					if err := sched.Sync(); err != nil {
						logger.Error("schedule sync failed", "error", err)
						return
					}
					logger.Info("config reloaded, schedules synced")
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watch error", "error", err)
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
