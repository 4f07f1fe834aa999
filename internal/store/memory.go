package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	list      [][]byte
	isList    bool
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is an in-process Store. It is suitable for single-instance
// deployments and tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	nowFunc func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock replaces time.Now, letting tests move time forward.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.nowFunc = now
	}
}

// NewMemory creates an in-memory store and starts its expiry sweeper.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]*memoryEntry),
		nowFunc: time.Now,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.cleanup()
	return m
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.nowFunc().Add(ttl)
}

// lookup returns the live entry for key. Callers must hold m.mu.
func (m *Memory) lookup(key string) (*memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(m.nowFunc()) {
		delete(m.entries, key)
		return nil, false
	}
	return e, true
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		return nil, false, nil
	}
	if e.isList {
		return nil, false, ErrWrongType
	}

	value := make([]byte, len(e.value))
	copy(value, e.value)
	return value, true, nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)

	m.entries[key] = &memoryEntry{
		value:     stored,
		expiresAt: m.expiry(ttl),
	}
	return nil
}

func (m *Memory) Forget(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

func (m *Memory) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		e = &memoryEntry{
			value:     []byte("0"),
			expiresAt: m.expiry(ttl),
		}
		m.entries[key] = e
	}
	if e.isList {
		return 0, ErrWrongType
	}

	current, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}

	current += delta
	e.value = []byte(strconv.FormatInt(current, 10))
	return current, nil
}

func (m *Memory) Append(ctx context.Context, key string, value []byte, maxLen int, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		e = &memoryEntry{isList: true}
		m.entries[key] = e
	}
	if !e.isList {
		return ErrWrongType
	}

	item := make([]byte, len(value))
	copy(item, value)
	e.list = append(e.list, item)

	if maxLen > 0 && len(e.list) > maxLen {
		e.list = append([][]byte(nil), e.list[len(e.list)-maxLen:]...)
	}
	e.expiresAt = m.expiry(ttl)
	return nil
}

func (m *Memory) Range(ctx context.Context, key string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		return nil, nil
	}
	if !e.isList {
		return nil, ErrWrongType
	}

	items := make([][]byte, len(e.list))
	for i, item := range e.list {
		items[i] = append([]byte(nil), item...)
	}
	return items, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

// Close stops the expiry sweeper. It is safe to call more than once.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stopCh) })
	return nil
}

// Len reports the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	now := m.nowFunc()
	for _, e := range m.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

func (m *Memory) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			now := m.nowFunc()
			for key, e := range m.entries {
				if e.expired(now) {
					delete(m.entries, key)
				}
			}
			m.mu.Unlock()
		}
	}
}
