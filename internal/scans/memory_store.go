package scans

import (
	"container/list"
	"context"
	"sort"
	"sync"

	"github.com/mbd888/urlsentry/internal/pagination"
	"github.com/mbd888/urlsentry/internal/verdict"
)

// DefaultMaxRecords bounds a MemoryStore when no limit is given.
const DefaultMaxRecords = 10000

// MemoryStore is an in-memory Store for development and tests. Contents are
// lost on restart. Once full, each insert evicts the oldest record.
type MemoryStore struct {
	mu         sync.RWMutex
	records    map[string]*list.Element // value is *Record
	order      *list.List               // insertion order, oldest at front
	maxRecords int
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMaxRecords caps the number of records kept. Non-positive values keep
// DefaultMaxRecords.
func WithMaxRecords(n int) MemoryOption {
	return func(m *MemoryStore) {
		if n > 0 {
			m.maxRecords = n
		}
	}
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		records:    make(map[string]*list.Element),
		order:      list.New(),
		maxRecords: DefaultMaxRecords,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Insert(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.ScanID]; ok {
		return ErrDuplicate
	}
	for m.order.Len() >= m.maxRecords {
		oldest := m.order.Front()
		delete(m.records, oldest.Value.(*Record).ScanID)
		m.order.Remove(oldest)
	}
	m.records[rec.ScanID] = m.order.PushBack(cloneRecord(rec))
	return nil
}

// Len returns the number of records held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.order.Len()
}

func (m *MemoryStore) List(ctx context.Context, limit int, cursor *pagination.Cursor) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Record, 0, len(m.records))
	for _, el := range m.records {
		r := el.Value.(*Record)
		if cursor.Before(r.CreatedAt, r.ScanID) {
			out = append(out, cloneRecord(r))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ScanID > out[j].ScanID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, scanID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.records[scanID]
	if !ok {
		return ErrNotFound
	}
	m.order.Remove(el)
	delete(m.records, scanID)
	return nil
}

func (m *MemoryStore) CountByLevel(ctx context.Context) (map[verdict.Level]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[verdict.Level]int)
	for _, el := range m.records {
		counts[el.Value.(*Record).ThreatLevel]++
	}
	return counts, nil
}

func cloneRecord(r *Record) *Record {
	c := *r
	c.Indicators = append([]string(nil), r.Indicators...)
	return &c
}
