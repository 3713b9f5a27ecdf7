package runs

import (
	"context"
	"sort"
	"sync"
)

// MemStore is an in-memory Repository used by tests and local development.
// Artifacts still land on disk so file downloads and exports behave the
// same as with the Postgres store.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]*Detail
	order   []string
	disk    diskStore
}

func NewMemStore(dataDir string) *MemStore {
	return &MemStore{
		records: make(map[string]*Detail),
		disk:    diskStore{root: dataDir},
	}
}

func (s *MemStore) Save(_ context.Context, req SaveRequest) (*Detail, error) {
	detail := buildDetail(req)
	if err := s.disk.write(detail.ID, detail, req.Artifacts); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.records[detail.ID] = detail
	s.order = append(s.order, detail.ID)
	s.mu.Unlock()

	copied := *detail
	return &copied, nil
}

func (s *MemStore) List(_ context.Context, toolID, folderPrefix string) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := []Summary{}
	for _, id := range s.order {
		record := s.records[id]
		if record == nil || record.ToolID != toolID {
			continue
		}
		if folderPrefix != "" && record.FolderPrefix != folderPrefix {
			continue
		}
		summaries = append(summaries, record.Summary)
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries, nil
}

func (s *MemStore) Get(_ context.Context, runID string) (*Detail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[runID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *record
	return &copied, nil
}

func (s *MemStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	_, ok := s.records[runID]
	delete(s.records, runID)
	s.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	return s.disk.remove(runID)
}

func (s *MemStore) ResolveFile(_ context.Context, runID, path string) (string, error) {
	s.mu.RLock()
	record, ok := s.records[runID]
	s.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}

	found := false
	for _, file := range record.Files {
		if file.Path == path {
			found = true
			break
		}
	}
	if !found {
		return "", ErrFileNotFound
	}
	return s.disk.resolve(runID, path)
}

func (s *MemStore) Dir(runID string) string {
	return s.disk.runDir(runID)
}

var _ Repository = (*MemStore)(nil)
