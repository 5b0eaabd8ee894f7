package workflow

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Store resolves project identity and guards the state machine. With a
// registry configured, projects are named by their markdown filename stem;
// without one, legacy proj-YYYYMMDD-NNN ids apply.
type Store struct {
	backend  *Backend
	registry *Registry

	mu    sync.Mutex
	cache map[string]*Project

	now    func() time.Time
	logger *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreNow injects a clock for tests.
func WithStoreNow(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithStoreLogger sets the store logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger.With("component", "store")
		}
	}
}

// NewStore creates a store; registry may be nil for workflow-only
// operation.
func NewStore(backend *Backend, registry *Registry, opts ...StoreOption) *Store {
	s := &Store{
		backend:  backend,
		registry: registry,
		cache:    make(map[string]*Project),
		now:      time.Now,
		logger:   slog.Default().With("component", "store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend exposes the underlying backend.
func (s *Store) Backend() *Backend { return s.backend }

// Registry exposes the registry, nil when not configured.
func (s *Store) Registry() *Registry { return s.registry }

// Create allocates a new project in PLANNING: id, workspace directories,
// the project.created event, a first checkpoint, and (with a registry) the
// initial markdown. The markdown is written only while the project has no
// phases, so a human-authored file is never clobbered.
func (s *Store) Create(goal string, budget *Budget, tags []string) (*Project, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, fmt.Errorf("project goal is required")
	}

	var id string
	if s.registry != nil {
		id = s.registry.UniqueSlug(Slugify(goal))
	} else {
		legacy, err := s.nextLegacyID()
		if err != nil {
			return nil, err
		}
		id = legacy
	}

	now := s.now().UTC()
	p := &Project{
		ID:        id,
		Goal:      goal,
		Status:    StatusPlanning,
		Tags:      tags,
		Budget:    budget,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.backend.EnsureWorkspace(id); err != nil {
		return nil, err
	}

	payload := map[string]any{"id": id, "goal": goal}
	if len(tags) > 0 {
		payload["tags"] = tags
	}
	if budget != nil {
		payload["budget"] = map[string]any{
			"max_cost_usd":     budget.MaxCostUSD,
			"max_llm_calls":    budget.MaxLLMCalls,
			"max_wall_seconds": budget.MaxWallSeconds,
		}
	}
	e, err := s.backend.Append(id, EventProjectCreated, "orchestrator", payload)
	if err != nil {
		return nil, err
	}
	p.LastEventSeq = e.Seq

	if err := s.backend.WriteCheckpoint(p); err != nil {
		return nil, err
	}

	if s.registry != nil && len(p.Phases) == 0 {
		if err := s.registry.Write(RenderProject(p)); err != nil {
			return nil, fmt.Errorf("write registry file: %w", err)
		}
	}

	s.mu.Lock()
	s.cache[id] = p
	s.mu.Unlock()
	return p, nil
}

// nextLegacyID allocates the next proj-YYYYMMDD-NNN for today.
func (s *Store) nextLegacyID() (string, error) {
	prefix := "proj-" + s.now().UTC().Format("20060102") + "-"
	ids, err := s.backend.ProjectIDs()
	if err != nil {
		return "", err
	}
	max := 0
	for _, id := range ids {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(id, prefix)); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("%s%03d", prefix, max+1), nil
}

// Get resolves a project: in-memory cache, then registry markdown merged
// with workflow state, then orphaned workflow-only state.
func (s *Store) Get(id string) (*Project, error) {
	s.mu.Lock()
	if p, ok := s.cache[id]; ok {
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	p, err := s.load(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[id] = p
	s.mu.Unlock()
	return p, nil
}

func (s *Store) load(id string) (*Project, error) {
	if s.registry != nil {
		if doc, err := s.registry.Read(id); err == nil {
			return s.merge(id, doc)
		}
	}
	p, err := s.backend.Resume(id)
	if err != nil {
		return nil, fmt.Errorf("project not found: %s", id)
	}
	return p, nil
}

// merge combines a registry doc with workflow state when present. Workflow
// state is authoritative for execution fields; the registry contributes
// title and tags.
func (s *Store) merge(id string, doc *Doc) (*Project, error) {
	p, err := s.backend.Resume(id)
	if err != nil {
		// Registry-only project, no workflow state yet.
		status := Status(doc.Front.Status)
		if status == "" {
			status = StatusPlanning
		}
		return &Project{
			ID:       id,
			Goal:     doc.Front.Title,
			Status:   status,
			Tags:     doc.Front.Tags,
			PlanHash: doc.Front.PlanHash,
		}, nil
	}
	if doc.Front.Title != "" {
		p.Goal = doc.Front.Title
	}
	if len(doc.Front.Tags) > 0 {
		p.Tags = doc.Front.Tags
	}
	return p, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Status Status
	Tag    string
}

// List walks the registry first, then picks up workflow-only ids, filters,
// and sorts by last update descending.
func (s *Store) List(filter ListFilter) ([]*Project, error) {
	seen := make(map[string]bool)
	var out []*Project

	if s.registry != nil {
		docs, err := s.registry.List()
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			p, err := s.Get(doc.Slug)
			if err != nil {
				s.logger.Warn("skipping unloadable project", "id", doc.Slug, "error", err)
				continue
			}
			seen[doc.Slug] = true
			out = append(out, p)
		}
	}

	ids, err := s.backend.ProjectIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		p, err := s.Get(id)
		if err != nil {
			s.logger.Warn("skipping unloadable project", "id", id, "error", err)
			continue
		}
		out = append(out, p)
	}

	filtered := out[:0]
	for _, p := range out {
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.Tag != "" && !hasTag(p.Tags, filter.Tag) {
			continue
		}
		filtered = append(filtered, p)
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].UpdatedAt.After(filtered[j].UpdatedAt)
	})
	return filtered, nil
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

// Transition moves the project through the state machine: validates the
// target, records project.transitioned, journals, checkpoints, and
// refreshes the registry view.
func (s *Store) Transition(p *Project, to Status, actor string) error {
	from := p.Status
	if !from.CanTransition(to) {
		return invalidTransitionError(p.ID, from, to)
	}

	e, err := s.backend.Append(p.ID, EventProjectTransitioned, actor,
		map[string]any{"from": string(from), "to": string(to)})
	if err != nil {
		return err
	}
	apply(p, e)
	p.AddJournal(e.Timestamp, "transition", fmt.Sprintf("%s -> %s", from, to))

	// The registry file is not rewritten here; humans own it between
	// reconciliations and the checkpoint holds the truth.
	return s.backend.WriteCheckpoint(p)
}

// Forget drops a project from the cache, forcing the next Get to reload
// from disk.
func (s *Store) Forget(id string) {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
}
