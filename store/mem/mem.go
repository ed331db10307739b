package mem

import (
	"sync"
	"time"

	"github.com/knadh/tally/store"
)

// Config represents the InMemory store config structure.
type Config struct {
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

type item struct {
	data    []byte
	expires time.Time
}

func (i item) expired(now time.Time) bool {
	return !i.expires.IsZero() && !now.Before(i.expires)
}

// InMemory represents the in-memory implementation of the Store interface.
type InMemory struct {
	cfg  *Config
	data map[string]item
	mu   sync.Mutex
	now  func() time.Time
}

// New returns a new in-memory store.
func New(cfg Config) (*InMemory, error) {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	s := &InMemory{
		cfg:  &cfg,
		data: map[string]item{},
		now:  time.Now,
	}
	go s.watch()
	return s, nil
}

// watch the store to clean it up.
func (m *InMemory) watch() {
	t := time.NewTicker(m.cfg.CleanupInterval)
	defer t.Stop()
	for range t.C {
		m.cleanup()
	}
}

// cleanup removes expired items.
func (m *InMemory) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, v := range m.data {
		if v.expired(now) {
			delete(m.data, k)
		}
	}
}

// Get value from a key.
func (m *InMemory) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	if !ok || d.expired(m.now()) {
		return nil, store.ErrNotFound
	}
	return d.data, nil
}

// Set a value.
func (m *InMemory) Set(key string, data []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := item{data: make([]byte, len(data))}
	copy(it.data, data)
	if ttl > 0 {
		it.expires = m.now().Add(ttl)
	}
	m.data[key] = it
	return nil
}

// Delete a value.
func (m *InMemory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
