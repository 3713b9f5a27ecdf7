package workspace

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemStore struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

func NewMemStore() *MemStore {
	return &MemStore{tools: make(map[string]*Tool)}
}

func (s *MemStore) Create(_ context.Context, name string) (*Tool, error) {
	tool := &Tool{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.tools[tool.ID] = tool
	s.order = append(s.order, tool.ID)
	s.mu.Unlock()

	copied := *tool
	return &copied, nil
}

func (s *MemStore) List(context.Context) ([]Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := []Tool{}
	for i := len(s.order) - 1; i >= 0; i-- {
		if tool, ok := s.tools[s.order[i]]; ok {
			tools = append(tools, *tool)
		}
	}
	return tools, nil
}

func (s *MemStore) Get(_ context.Context, toolID string) (*Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tool, ok := s.tools[toolID]
	if !ok {
		return nil, ErrToolNotFound
	}
	copied := *tool
	return &copied, nil
}

func (s *MemStore) Rename(_ context.Context, toolID, name string) (*Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tool, ok := s.tools[toolID]
	if !ok {
		return nil, ErrToolNotFound
	}
	tool.Name = name
	copied := *tool
	return &copied, nil
}

func (s *MemStore) Delete(_ context.Context, toolID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tools[toolID]; !ok {
		return ErrToolNotFound
	}
	delete(s.tools, toolID)
	return nil
}

var _ Repository = (*MemStore)(nil)
