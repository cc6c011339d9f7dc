package lease

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store abstracts lease persistence. Update and CreateEvidence are atomic
// compare-and-swaps on the lease status: when the stored status is not
// expected they return ErrStateConflict and write nothing.
type Store interface {
	Get(ctx context.Context, id string) (*Lease, error)
	Create(ctx context.Context, l Lease) (*Lease, error)
	Update(ctx context.Context, id string, expected Status, patch Patch, now time.Time) (*Lease, error)
	// CreateEvidence inserts the lease's single evidence record and applies
	// patch in the same write.
	CreateEvidence(ctx context.Context, id string, expected Status, patch Patch, ev Evidence, now time.Time) (*Lease, error)
	// ListByParty returns leases where address has any role, newest first.
	ListByParty(ctx context.Context, address string) ([]Lease, error)
	Ping(ctx context.Context) error
}

// MemoryStore is mostly for testing and single-process deployments.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]Lease
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leases: make(map[string]Lease),
	}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := l.Clone()
	return &out, nil
}

func (m *MemoryStore) Create(_ context.Context, l Lease) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == "" {
		return nil, fmt.Errorf("%w: lease id is required", ErrValidation)
	}
	if _, exists := m.leases[l.ID]; exists {
		return nil, fmt.Errorf("%w: lease %s already exists", ErrStateConflict, l.ID)
	}
	m.leases[l.ID] = l.Clone()
	out := l.Clone()
	return &out, nil
}

func (m *MemoryStore) Update(_ context.Context, id string, expected Status, patch Patch, now time.Time) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, err := m.lockedCheck(id, expected)
	if err != nil {
		return nil, err
	}
	if err := patch.Apply(&l, now); err != nil {
		return nil, err
	}
	m.leases[id] = l
	out := l.Clone()
	return &out, nil
}

func (m *MemoryStore) CreateEvidence(_ context.Context, id string, expected Status, patch Patch, ev Evidence, now time.Time) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, err := m.lockedCheck(id, expected)
	if err != nil {
		return nil, err
	}
	if l.Evidence != nil {
		return nil, fmt.Errorf("%w: lease %s already has evidence", ErrStateConflict, id)
	}
	if err := patch.Apply(&l, now); err != nil {
		return nil, err
	}
	ev.LeaseID = id
	l.Evidence = &ev
	m.leases[id] = l.Clone()
	out := l.Clone()
	return &out, nil
}

// lockedCheck returns a private copy of the lease if its status matches.
// Callers hold m.mu.
func (m *MemoryStore) lockedCheck(id string, expected Status) (Lease, error) {
	l, ok := m.leases[id]
	if !ok {
		return Lease{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if l.Status != expected {
		return Lease{}, fmt.Errorf("%w: lease %s is %s, expected %s", ErrStateConflict, id, l.Status, expected)
	}
	return l.Clone(), nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) ListByParty(_ context.Context, address string) ([]Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Lease, 0)
	for _, l := range m.leases {
		if l.HasParty(address) {
			out = append(out, l.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
