package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cidxlabs/cidx/pkg/atomicfile"
	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/types"
	"github.com/cidxlabs/cidx/pkg/workspace"
)

var (
	// ErrNotFound is returned when no repository carries the alias.
	ErrNotFound = errors.New("repository not found")
	// ErrExists is returned when the alias is already registered.
	ErrExists = errors.New("repository already exists")
)

// document is the on-disk shape of repositories.json.
type document struct {
	Golden      []types.GoldenRepository `json:"golden"`
	Activations []types.Activation       `json:"activations"`
}

// Store is the golden-repository and activation registry backed by
// repositories.json. All writes go through the atomic writer.
type Store struct {
	mu     sync.Mutex
	layout workspace.Layout
	golden map[string]types.GoldenRepository
	active map[string]types.Activation
}

// Open loads repositories.json. A missing file starts empty; a corrupted
// file is backed up and the registry reinitialized.
func Open(layout workspace.Layout) (*Store, error) {
	s := &Store{
		layout: layout,
		golden: make(map[string]types.GoldenRepository),
		active: make(map[string]types.Activation),
	}

	var doc document
	err := atomicfile.ReadJSON(layout.Repositories(), &doc)
	switch {
	case err == nil:
		for _, g := range doc.Golden {
			s.golden[g.Alias] = g
		}
		for _, a := range doc.Activations {
			s.active[a.Alias] = a
		}
	case os.IsNotExist(err):
		// First boot.
	default:
		backup := workspace.CorruptedBackupPath(layout.Repositories(), time.Now())
		if renameErr := os.Rename(layout.Repositories(), backup); renameErr != nil {
			return nil, fmt.Errorf("failed to quarantine corrupted registry: %w", renameErr)
		}
		log.WithComponent("registry").Warn().
			Str("backup", backup).Err(err).
			Msg("repositories.json corrupted, reinitialized")
	}
	return s, nil
}

// AddGolden registers a golden repository.
func (s *Store) AddGolden(alias, url, branch string) (*types.GoldenRepository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.golden[alias]; ok {
		return nil, fmt.Errorf("golden %q: %w", alias, ErrExists)
	}
	now := time.Now().UTC()
	g := types.GoldenRepository{Alias: alias, URL: url, Branch: branch, AddedAt: now, UpdatedAt: now}
	s.golden[alias] = g
	if err := s.persistLocked(); err != nil {
		delete(s.golden, alias)
		return nil, err
	}
	return &g, nil
}

// Activate records a per-user activation of a golden repository.
func (s *Store) Activate(alias, goldenAlias, owner, branch string) (*types.Activation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	golden, ok := s.golden[goldenAlias]
	if !ok {
		return nil, fmt.Errorf("golden %q: %w", goldenAlias, ErrNotFound)
	}
	if _, ok := s.active[alias]; ok {
		return nil, fmt.Errorf("activation %q: %w", alias, ErrExists)
	}
	if branch == "" {
		branch = golden.Branch
	}
	a := types.Activation{
		Alias:       alias,
		GoldenAlias: goldenAlias,
		Owner:       owner,
		Branch:      branch,
		ActivatedAt: time.Now().UTC(),
	}
	s.active[alias] = a
	if err := s.persistLocked(); err != nil {
		delete(s.active, alias)
		return nil, err
	}
	return &a, nil
}

// Deactivate removes an activation.
func (s *Store) Deactivate(alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.active[alias]
	if !ok {
		return fmt.Errorf("activation %q: %w", alias, ErrNotFound)
	}
	delete(s.active, alias)
	if err := s.persistLocked(); err != nil {
		s.active[alias] = a
		return err
	}
	return nil
}

// Exists reports whether alias names a golden repository or an activation.
func (s *Store) Exists(alias string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.golden[alias]; ok {
		return true
	}
	_, ok := s.active[alias]
	return ok
}

// Golden returns the golden repository for alias.
func (s *Store) Golden(alias string) (*types.GoldenRepository, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.golden[alias]
	if !ok {
		return nil, false
	}
	return &g, true
}

// Activation returns the activation for alias.
func (s *Store) Activation(alias string) (*types.Activation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.active[alias]
	if !ok {
		return nil, false
	}
	return &a, true
}

// ListGolden returns all golden repositories sorted by alias.
func (s *Store) ListGolden() []types.GoldenRepository {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.GoldenRepository, 0, len(s.golden))
	for _, g := range s.golden {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

// ListActivations returns activations, filtered to owner when it is
// non-empty, sorted by alias.
func (s *Store) ListActivations(owner string) []types.Activation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Activation, 0, len(s.active))
	for _, a := range s.active {
		if owner != "" && a.Owner != owner {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

func (s *Store) persistLocked() error {
	doc := document{
		Golden:      make([]types.GoldenRepository, 0, len(s.golden)),
		Activations: make([]types.Activation, 0, len(s.active)),
	}
	for _, g := range s.golden {
		doc.Golden = append(doc.Golden, g)
	}
	for _, a := range s.active {
		doc.Activations = append(doc.Activations, a)
	}
	sort.Slice(doc.Golden, func(i, j int) bool { return doc.Golden[i].Alias < doc.Golden[j].Alias })
	sort.Slice(doc.Activations, func(i, j int) bool { return doc.Activations[i].Alias < doc.Activations[j].Alias })

	if err := atomicfile.WriteJSON(s.layout.Repositories(), doc); err != nil {
		return fmt.Errorf("failed to persist repository registry: %w", err)
	}
	return nil
}
