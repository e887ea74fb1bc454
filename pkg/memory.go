package pkg

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryConfig holds configuration for in-memory storage.
type MemoryConfig struct {
	// CleanupInterval determines how often expired entries are removed.
	// Default is 1 minute if not specified.
	CleanupInterval time.Duration
}

// MemoryStorage is a concurrency-safe in-memory map of byte values with optional expiry.
// Nothing is persisted; the contents die with the process.
type MemoryStorage struct {
	mu     sync.RWMutex
	data   map[string]*entry
	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	conflicts atomic.Int64
	evictions atomic.Int64
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemoryStorage creates a new in-memory storage instance.
// If config is nil, default values are used.
func NewMemoryStorage(config *MemoryConfig) *MemoryStorage {
	cleanupInterval := time.Minute
	if config != nil && config.CleanupInterval > 0 {
		cleanupInterval = config.CleanupInterval
	}

	ms := &MemoryStorage{
		data:   make(map[string]*entry),
		ticker: time.NewTicker(cleanupInterval),
		done:   make(chan struct{}),
	}

	ms.wg.Add(1)
	go ms.cleanupExpired()

	return ms
}

func (ms *MemoryStorage) usable(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrContextCanceled
	}
	if ms.closed.Load() {
		return ErrStorageUnavailable
	}
	return nil
}

// Get retrieves a copy of the value stored under key.
// Returns ErrKeyNotFound if the key doesn't exist or has expired.
func (ms *MemoryStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ms.usable(ctx); err != nil {
		return nil, err
	}

	ms.mu.RLock()
	e, ok := ms.data[key]
	var value []byte
	if ok && !e.expired(time.Now()) {
		value = make([]byte, len(e.value))
		copy(value, e.value)
	}
	ms.mu.RUnlock()

	if value == nil {
		ms.misses.Add(1)
		return nil, ErrKeyNotFound
	}

	ms.hits.Add(1)
	return value, nil
}

// SetIfAbsent stores value only if key holds no live value.
// The check and the insert happen under one lock; ErrKeyExists is returned
// when another value is already present.
func (ms *MemoryStorage) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ms.usable(ctx); err != nil {
		return err
	}

	e := newEntry(value, ttl)

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if current, ok := ms.data[key]; ok {
		if !current.expired(time.Now()) {
			ms.conflicts.Add(1)
			return ErrKeyExists
		}
		ms.evictions.Add(1)
	}

	ms.data[key] = e
	ms.sets.Add(1)
	return nil
}

func newEntry(value []byte, ttl time.Duration) *entry {
	e := &entry{value: make([]byte, len(value))}
	copy(e.value, value)
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	return e
}

// GetAll returns copies of all live key-value pairs.
func (ms *MemoryStorage) GetAll(ctx context.Context) (map[string][]byte, error) {
	if err := ms.usable(ctx); err != nil {
		return nil, err
	}

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	now := time.Now()
	result := make(map[string][]byte, len(ms.data))
	for key, e := range ms.data {
		if e.expired(now) {
			continue
		}
		value := make([]byte, len(e.value))
		copy(value, e.value)
		result[key] = value
	}

	return result, nil
}

// Close stops the expiry sweep and drops all data. Safe to call more than once.
func (ms *MemoryStorage) Close() error {
	if !ms.closed.CompareAndSwap(false, true) {
		return nil
	}

	ms.ticker.Stop()
	close(ms.done)
	ms.wg.Wait()

	ms.mu.Lock()
	clear(ms.data)
	ms.mu.Unlock()

	return nil
}

func (ms *MemoryStorage) cleanupExpired() {
	defer ms.wg.Done()
	for {
		select {
		case <-ms.ticker.C:
			ms.removeExpiredEntries()
		case <-ms.done:
			return
		}
	}
}

func (ms *MemoryStorage) removeExpiredEntries() {
	now := time.Now()

	ms.mu.Lock()
	defer ms.mu.Unlock()

	for key, e := range ms.data {
		if e.expired(now) {
			delete(ms.data, key)
			ms.evictions.Add(1)
		}
	}
}

// Stats is a point-in-time view of storage counters.
type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Conflicts int64 `json:"conflicts"`
	Evictions int64 `json:"evictions"`
}

// GetStats returns current storage statistics.
func (ms *MemoryStorage) GetStats() Stats {
	ms.mu.RLock()
	entries := len(ms.data)
	ms.mu.RUnlock()

	return Stats{
		Entries:   entries,
		Hits:      ms.hits.Load(),
		Misses:    ms.misses.Load(),
		Sets:      ms.sets.Load(),
		Conflicts: ms.conflicts.Load(),
		Evictions: ms.evictions.Load(),
	}
}
