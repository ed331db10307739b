package fs

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/knadh/tally/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Config represents the file store config structure.
type Config struct {
	Path string `koanf:"path"`
}

type entry struct {
	Data    []byte    `json:"data"`
	Expires time.Time `json:"expires,omitempty"`
}

func (e entry) expired(now time.Time) bool {
	return !e.Expires.IsZero() && !now.Before(e.Expires)
}

// File represents the file implementation of the Store interface. Data
// is held in memory and flushed to disk every minute and on Close.
type File struct {
	cfg   *Config
	data  map[string]entry
	mu    sync.Mutex
	dirty bool
	log   zerolog.Logger
	stop  chan struct{}
}

// New returns a new file store, loading any existing data at cfg.Path.
func New(cfg Config, log zerolog.Logger) (*File, error) {
	s := &File{
		cfg:  &cfg,
		data: map[string]entry{},
		log:  log,
		stop: make(chan struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	go s.watch()
	return s, nil
}

// watch the store to clean it up and persist it.
func (m *File) watch() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.cleanup()
			if err := m.save(); err != nil {
				m.log.Error().Err(err).Str("path", m.cfg.Path).Msg("error writing store file")
			}
		case <-m.stop:
			return
		}
	}
}

// cleanup removes expired items.
func (m *File) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for k, v := range m.data {
		if v.expired(now) {
			delete(m.data, k)
			m.dirty = true
		}
	}
}

// load the data from the file system.
func (m *File) load() error {
	b, err := os.ReadFile(m.cfg.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "error reading %q", m.cfg.Path)
	}

	var x struct {
		Data map[string]entry `json:"data"`
	}
	if err := json.Unmarshal(b, &x); err != nil {
		return errors.Wrapf(err, "error decoding %q", m.cfg.Path)
	}
	if x.Data != nil {
		m.data = x.Data
	}
	return nil
}

// save the data to the file system.
func (m *File) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirty {
		return nil
	}

	b, err := json.Marshal(struct {
		Data map[string]entry `json:"data"`
	}{m.data})
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.cfg.Path, b, 0600); err != nil {
		return errors.Wrapf(err, "error writing %q", m.cfg.Path)
	}
	m.dirty = false
	return nil
}

// Close and save the data to the file system.
func (m *File) Close() error {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	return m.save()
}

// Get value from a key.
func (m *File) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	if !ok || d.expired(time.Now()) {
		return nil, store.ErrNotFound
	}
	return d.Data, nil
}

// Set a value.
func (m *File) Set(key string, data []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := entry{Data: make([]byte, len(data))}
	copy(e.Data, data)
	if ttl > 0 {
		e.Expires = time.Now().Add(ttl)
	}
	m.data[key] = e
	m.dirty = true
	return nil
}

// Delete a value.
func (m *File) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	m.dirty = true
	return nil
}
