// Package region manages process-local context regions: opaque blocks of
// memory that events reference by arena index rather than carrying by value.
package region

import (
	"fmt"
	"sync"

	"github.com/severinstrobl/edat/pkg/event"
)

// Manager allocates context types and their backing blocks. Context events
// carry an index into the manager; consumers receive the block itself and
// must not assume ownership of it.
type Manager struct {
	mu     sync.Mutex
	sizes  map[event.Type]int
	blocks [][]byte
}

func NewManager() *Manager {
	return &Manager{sizes: make(map[event.Type]int)}
}

// DefineType registers a new context type of the given byte size and
// returns its type tag.
func (m *Manager) DefineType(size int) event.Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := event.ContextBase + event.Type(len(m.sizes))
	m.sizes[t] = size
	return t
}

// IsContext reports whether a type tag names a defined context type.
func (m *Manager) IsContext(t event.Type) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sizes[t]
	return ok
}

// Create allocates a block of the type's size and returns the block and
// its arena index.
func (m *Manager) Create(t event.Type) ([]byte, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	size, ok := m.sizes[t]
	if !ok {
		return nil, 0, fmt.Errorf("region: type %d is not a defined context type", t)
	}
	block := make([]byte, size)
	m.blocks = append(m.blocks, block)
	return block, uint64(len(m.blocks) - 1), nil
}

// Block resolves an arena index to its backing block. The slice aliases
// the region so writes are visible to every holder of the index.
func (m *Manager) Block(idx uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx >= uint64(len(m.blocks)) {
		return nil, fmt.Errorf("region: no block at index %d", idx)
	}
	return m.blocks[idx], nil
}
