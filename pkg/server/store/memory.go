package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps mapping rows in process memory
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[Relation]map[int64][]Row
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[Relation]map[int64][]Row),
	}
}

// InsertRows appends rows to their tables
func (s *MemoryStore) InsertRows(ctx context.Context, rel Relation, rows []Row) error {
	if err := rel.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tables, ok := s.rows[rel]
	if !ok {
		tables = make(map[int64][]Row)
		s.rows[rel] = tables
	}
	for _, row := range rows {
		tables[row.TableID] = append(tables[row.TableID], row)
	}
	return nil
}

// SelectRows returns a copy of the table rows in catalog order
func (s *MemoryStore) SelectRows(ctx context.Context, rel Relation, tableID int64) ([]Row, error) {
	if err := rel.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := slices.Clone(s.rows[rel][tableID])
	s.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b Row) int {
		return cmp.Compare(a.Ordinal(rel), b.Ordinal(rel))
	})
	return out, nil
}

// DeleteRows drops all rows of the table
func (s *MemoryStore) DeleteRows(ctx context.Context, rel Relation, tableID int64) (int64, error) {
	if err := rel.Validate(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.rows[rel][tableID])
	delete(s.rows[rel], tableID)
	return int64(n), nil
}
