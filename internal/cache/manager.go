package cache

import (
	"context"
	"sync"
)

// Manager holds the cache of the active session. At most one cache is open
// at a time; initializing for another user closes the previous one.
type Manager struct {
	dir  string
	opts Options

	mu      sync.Mutex
	current *Cache
}

// NewManager creates a manager that keeps cache files under dir.
func NewManager(dir string, opts Options) *Manager {
	return &Manager{dir: dir, opts: opts.withDefaults()}
}

// Initialize opens the cache of pubkey, reusing it if it is already open.
func (m *Manager) Initialize(ctx context.Context, pubkey string) (*Cache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		if m.current.owner == pubkey && m.current.open() {
			return m.current, nil
		}
		_ = m.current.Close()
		m.current = nil
	}
	c, err := Open(ctx, m.dir, pubkey, m.opts)
	if err != nil {
		return nil, err
	}
	m.current = c
	return c, nil
}

// Current returns the open cache or ErrUnavailable.
func (m *Manager) Current() (*Cache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || !m.current.open() {
		return nil, ErrUnavailable
	}
	return m.current, nil
}

// Clear wipes and closes the current cache.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	err := m.current.ClearCache(ctx)
	m.current = nil
	return err
}

// Close closes the current cache without deleting it.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	err := m.current.Close()
	m.current = nil
	return err
}

func (c *Cache) open() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db != nil
}
