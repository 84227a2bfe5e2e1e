package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tfbench/tf-bench-util/pkg/models"
)

// MemoryStore keeps history for the lifetime of the process
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*models.Run
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*models.Run)}
}

func clone(r *models.Run) *models.Run {
	c := *r
	c.Hosts = append([]string(nil), r.Hosts...)
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// CreateRun records a new run
func (s *MemoryStore) CreateRun(_ context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return ErrRunExists
	}
	s.runs[run.ID] = clone(run)
	return nil
}

// FinishRun sets the terminal state of a run
func (s *MemoryStore) FinishRun(_ context.Context, id string, status models.RunStatus, exitCode int, endedAt time.Time, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrNotTerminal, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	run.Status = status
	run.ExitCode = exitCode
	run.EndedAt = &endedAt
	run.Error = errMsg
	return nil
}

// GetRun retrieves a run by ID
func (s *MemoryStore) GetRun(_ context.Context, id string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return clone(run), nil
}

// ListRuns returns runs newest first
func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*models.Run, 0, len(s.runs))
	for _, r := range s.runs {
		if filter.Kind != "" && r.Kind != filter.Kind {
			continue
		}
		runs = append(runs, clone(r))
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

// DeleteRunsBefore removes finished runs started before cutoff
func (s *MemoryStore) DeleteRunsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, r := range s.runs {
		if r.Status != models.RunStatusRunning && r.StartedAt.Before(cutoff) {
			delete(s.runs, id)
			deleted++
		}
	}
	return deleted, nil
}

// HealthCheck always succeeds
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }
