package codeversion

import (
	"context"
	"sync"
	"time"
)

type MemStore struct {
	mu       sync.RWMutex
	versions map[string][]*Detail
}

func NewMemStore() *MemStore {
	return &MemStore{versions: make(map[string][]*Detail)}
}

func (s *MemStore) EnsureCurrent(ctx context.Context, toolID string) (*Detail, error) {
	s.mu.RLock()
	history := s.versions[toolID]
	s.mu.RUnlock()
	if len(history) > 0 {
		copied := *history[len(history)-1]
		return &copied, nil
	}
	return s.Create(ctx, toolID, CreateRequest{
		Code:   DefaultCode,
		Author: "system",
		Note:   "Initial version",
	})
}

func (s *MemStore) Get(_ context.Context, toolID string, version int) (*Detail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, detail := range s.versions[toolID] {
		if detail.Version == version {
			copied := *detail
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) List(_ context.Context, toolID string, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.versions[toolID]
	summaries := []Summary{}
	for i := len(history) - 1; i >= 0 && len(summaries) < limit; i-- {
		summaries = append(summaries, history[i].Summary)
	}
	return summaries, nil
}

func (s *MemStore) Create(_ context.Context, toolID string, req CreateRequest) (*Detail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	detail := &Detail{
		Summary: Summary{
			Version:   len(s.versions[toolID]) + 1,
			CreatedAt: time.Now().UTC(),
			Author:    req.Author,
			Note:      req.Note,
		},
		Code:          req.Code,
		PipPackages:   nonNilPackages(req.PipPackages),
		OriginRunID:   req.OriginRunID,
		Params:        nonNilParams(req.Params),
		RequiredFiles: nonNilFiles(req.RequiredFiles),
	}
	s.versions[toolID] = append(s.versions[toolID], detail)

	copied := *detail
	return &copied, nil
}

var _ Repository = (*MemStore)(nil)
