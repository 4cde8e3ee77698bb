package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"backplane/internal/store/predicate"
)

// Memory is an in-process Backend used by tests and ephemeral servers.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]map[string]Record
}

func NewMemory() *Memory {
	return &Memory{tables: make(map[string]map[string]Record)}
}

func (m *Memory) table(name string) map[string]Record {
	t, ok := m.tables[name]
	if !ok {
		t = make(map[string]Record)
		m.tables[name] = t
	}
	return t
}

func (m *Memory) Put(ctx context.Context, table string, rec Record, opts ...PutOption) error {
	if err := checkRecord(rec, opts); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(table)
	prev := t[rec.ID]
	t[rec.ID] = Record{ID: rec.ID, Attributes: copyAttributes(rec.Attributes), Revision: prev.Revision + 1}
	return nil
}

func (m *Memory) Insert(ctx context.Context, table string, rec Record, opts ...PutOption) error {
	if err := checkRecord(rec, opts); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(table)
	if _, exists := t[rec.ID]; exists {
		return fmt.Errorf("%w: %s/%s", ErrDuplicate, table, rec.ID)
	}
	t[rec.ID] = Record{ID: rec.ID, Attributes: copyAttributes(rec.Attributes), Revision: 1}
	return nil
}

func (m *Memory) CompareAndSwap(ctx context.Context, table string, rec Record, opts ...PutOption) (int64, error) {
	if err := checkRecord(rec, opts); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(table)
	cur, exists := t[rec.ID]
	if !exists {
		return 0, fmt.Errorf("%w: %s/%s", ErrNotFound, table, rec.ID)
	}
	if cur.Revision != rec.Revision {
		return 0, fmt.Errorf("%w: %s/%s at revision %d, expected %d", ErrConflict, table, rec.ID, cur.Revision, rec.Revision)
	}
	next := cur.Revision + 1
	t[rec.ID] = Record{ID: rec.ID, Attributes: copyAttributes(rec.Attributes), Revision: next}
	return next, nil
}

func (m *Memory) Get(ctx context.Context, table, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tables[table][id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, table, id)
	}
	return Record{ID: rec.ID, Attributes: copyAttributes(rec.Attributes), Revision: rec.Revision}, nil
}

func (m *Memory) Where(ctx context.Context, table, pred string, consistentRead bool) ([]Record, error) {
	p, err := predicate.Compile(pred)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, rec := range m.tables[table] {
		ok, err := p.Match(rec.ID, rec.Attributes)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, Record{ID: rec.ID, Attributes: copyAttributes(rec.Attributes), Revision: rec.Revision})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Count(ctx context.Context, table, pred string) (int64, error) {
	recs, err := m.Where(ctx, table, pred, true)
	if err != nil {
		return 0, err
	}
	return int64(len(recs)), nil
}

func (m *Memory) Delete(ctx context.Context, table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[table][id]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, table, id)
	}
	delete(m.tables[table], id)
	return nil
}

func (m *Memory) DeleteWhere(ctx context.Context, table, pred string) (int64, error) {
	p, err := predicate.Compile(pred)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.tables[table] {
		ok, err := p.Match(rec.ID, rec.Attributes)
		if err != nil {
			return n, err
		}
		if ok {
			delete(m.tables[table], id)
			n++
		}
	}
	return n, nil
}
