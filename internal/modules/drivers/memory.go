package drivers

import (
	"context"
	"sync"

	"ridedispatch/internal/types"
)

type MemoryDirectory struct {
	mu      sync.RWMutex
	drivers map[types.ID]Driver
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{drivers: make(map[types.ID]Driver)}
}

func (m *MemoryDirectory) Upsert(_ context.Context, d Driver) error {
	if d.Position != nil {
		p := *d.Position
		d.Position = &p
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = d
	return nil
}

func (m *MemoryDirectory) Get(_ context.Context, id types.ID) (Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return Driver{}, ErrNotFound
	}
	if d.Position != nil {
		p := *d.Position
		d.Position = &p
	}
	return d, nil
}
