package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/szaher/agentdeck/internal/storage"
)

// ErrAgentNotFound is returned when an agent ID does not resolve.
var ErrAgentNotFound = errors.New("agent not found")

// Registry manages agent records over a storage backend, with an in-memory
// cache. Cache entries are dropped by Invalidate, which the directory
// watcher calls when agent files change on disk.
type Registry struct {
	backend storage.Backend
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Agent
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates an agent registry over the given backend.
func NewRegistry(backend storage.Backend, opts ...RegistryOption) *Registry {
	r := &Registry{
		backend: backend,
		logger:  slog.Default(),
		cache:   make(map[string]*Agent),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create validates and persists a new agent, assigning ID and timestamps.
func (r *Registry) Create(ctx context.Context, a *Agent) (*Agent, error) {
	if a.ID == "" {
		a.ID = NewID()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	if err := a.Validate(); err != nil {
		return nil, err
	}
	if err := r.save(ctx, a); err != nil {
		return nil, err
	}

	r.logger.Info("agent created", "agent_id", a.ID, "name", a.Name)
	return a, nil
}

// Get returns the agent by ID, from cache if present.
func (r *Registry) Get(ctx context.Context, id string) (*Agent, error) {
	r.mu.RLock()
	cached, ok := r.cache[id]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	data, err := r.backend.Read(ctx, id, storage.DocAgent)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("load agent %s: %w", id, err)
	}

	var a Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("unmarshal agent %s: %w", id, err)
	}

	r.mu.Lock()
	r.cache[id] = &a
	r.mu.Unlock()
	return &a, nil
}

// List returns all agents sorted by most recent update first.
func (r *Registry) List(ctx context.Context) ([]*Agent, error) {
	ids, err := r.backend.Agents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	agents := make([]*Agent, 0, len(ids))
	for _, id := range ids {
		a, err := r.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrAgentNotFound) {
				continue // directory without an agent record
			}
			return nil, err
		}
		agents = append(agents, a)
	}

	sort.Slice(agents, func(i, j int) bool {
		return agents[i].UpdatedAt.After(agents[j].UpdatedAt)
	})
	return agents, nil
}

// Update applies changes to an existing agent and persists it.
func (r *Registry) Update(ctx context.Context, a *Agent) (*Agent, error) {
	existing, err := r.Get(ctx, a.ID)
	if err != nil {
		return nil, err
	}

	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = time.Now().UTC()
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if err := r.save(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Delete removes the agent and, through the backend, every session and
// deployment document it owns.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	if err := r.backend.DeleteAgent(ctx, id); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()

	r.logger.Info("agent deleted", "agent_id", id)
	return nil
}

// Invalidate drops the cached record for an agent.
func (r *Registry) Invalidate(id string) {
	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()
}

func (r *Registry) save(ctx context.Context, a *Agent) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal agent %s: %w", a.ID, err)
	}
	if err := r.backend.Write(ctx, a.ID, storage.DocAgent, data); err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}

	r.mu.Lock()
	r.cache[a.ID] = a
	r.mu.Unlock()
	return nil
}
