package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

var errNotFound = errors.New("key not found")

// Backend is raw keyed storage shared by every observer of one user.
type Backend interface {
	// Get returns errNotFound when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Watch reports writes made through other Backend instances. value is nil for a delete.
	Watch(fn func(key string, value []byte)) (cancel func(), err error)
	Close() error
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

type memWatcher struct {
	origin string
	fn     func(key string, value []byte)
}

// MemoryBus is in-process storage that several MemoryBackends share, one
// per observer, the way browser tabs share local storage.
type MemoryBus struct {
	mu       sync.Mutex
	clock    clock.Clock
	spaces   map[string]map[string]memEntry
	watchers map[string]map[int]memWatcher
	next     int
}

func NewMemoryBus(clk clock.Clock) *MemoryBus {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryBus{
		clock:    clk,
		spaces:   make(map[string]map[string]memEntry),
		watchers: make(map[string]map[int]memWatcher),
	}
}

// Backend returns a new observer of namespace.
func (b *MemoryBus) Backend(namespace string) *MemoryBackend {
	return &MemoryBackend{bus: b, namespace: namespace, origin: uuid.New().String()}
}

func (b *MemoryBus) notify(namespace, origin, key string, value []byte) {
	b.mu.Lock()
	fns := make([]func(string, []byte), 0, len(b.watchers[namespace]))
	for _, w := range b.watchers[namespace] {
		if w.origin != origin {
			fns = append(fns, w.fn)
		}
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(key, value)
	}
}

type MemoryBackend struct {
	bus       *MemoryBus
	namespace string
	origin    string
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.bus.mu.Lock()
	defer m.bus.mu.Unlock()
	e, ok := m.bus.spaces[m.namespace][key]
	if !ok {
		return nil, errNotFound
	}
	if !e.expiresAt.IsZero() && !m.bus.clock.Now().Before(e.expiresAt) {
		delete(m.bus.spaces[m.namespace], key)
		return nil, errNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memEntry{value: append([]byte(nil), value...)}
	m.bus.mu.Lock()
	if ttl > 0 {
		e.expiresAt = m.bus.clock.Now().Add(ttl)
	}
	if m.bus.spaces[m.namespace] == nil {
		m.bus.spaces[m.namespace] = make(map[string]memEntry)
	}
	m.bus.spaces[m.namespace][key] = e
	m.bus.mu.Unlock()

	m.bus.notify(m.namespace, m.origin, key, e.value)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.bus.mu.Lock()
	_, existed := m.bus.spaces[m.namespace][key]
	delete(m.bus.spaces[m.namespace], key)
	m.bus.mu.Unlock()

	if existed {
		m.bus.notify(m.namespace, m.origin, key, nil)
	}
	return nil
}

func (m *MemoryBackend) Watch(fn func(key string, value []byte)) (func(), error) {
	m.bus.mu.Lock()
	defer m.bus.mu.Unlock()
	if m.bus.watchers[m.namespace] == nil {
		m.bus.watchers[m.namespace] = make(map[int]memWatcher)
	}
	id := m.bus.next
	m.bus.next++
	m.bus.watchers[m.namespace][id] = memWatcher{origin: m.origin, fn: fn}
	return func() {
		m.bus.mu.Lock()
		delete(m.bus.watchers[m.namespace], id)
		m.bus.mu.Unlock()
	}, nil
}

func (m *MemoryBackend) Close() error {
	return nil
}
