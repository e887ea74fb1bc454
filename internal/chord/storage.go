package chord

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/zde37/chordht/pkg"
	"github.com/zde37/chordht/pkg/hash"
)

// ChordStorage holds the replicas this node owns, keyed by replica identifier.
// Writes are first-writer-wins: a replica is never overwritten while it is live.
type ChordStorage struct {
	storage *pkg.MemoryStorage
}

// NewChordStorage creates a new ChordStorage instance wrapping the provided MemoryStorage.
func NewChordStorage(storage *pkg.MemoryStorage) *ChordStorage {
	return &ChordStorage{
		storage: storage,
	}
}

// NewDefaultChordStorage creates a ChordStorage with default MemoryStorage configuration.
func NewDefaultChordStorage() *ChordStorage {
	return NewChordStorage(pkg.NewMemoryStorage(&pkg.MemoryConfig{
		CleanupInterval: time.Minute,
	}))
}

// Get returns the replica stored under id. A missing or expired replica
// is reported as a *pkg.StorageFailureError.
func (cs *ChordStorage) Get(ctx context.Context, id *big.Int) ([]byte, error) {
	value, err := cs.storage.Get(ctx, storageKey(id))
	if errors.Is(err, pkg.ErrKeyNotFound) {
		return nil, &pkg.StorageFailureError{Key: id}
	}
	return value, err
}

// Put stores value under id unless a live replica already exists.
// ttl is in seconds; 0 means the replica never expires.
func (cs *ChordStorage) Put(ctx context.Context, id *big.Int, value []byte, ttl uint16) error {
	err := cs.storage.SetIfAbsent(ctx, storageKey(id), value, time.Duration(ttl)*time.Second)
	if errors.Is(err, pkg.ErrKeyExists) {
		return &pkg.StorageFailureError{Key: id}
	}
	return err
}

// Len returns the number of live replicas.
func (cs *ChordStorage) Len(ctx context.Context) (int, error) {
	all, err := cs.storage.GetAll(ctx)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

// KeysInRange returns the identifiers of live replicas in (start, end].
func (cs *ChordStorage) KeysInRange(ctx context.Context, start, end *big.Int) ([]*big.Int, error) {
	all, err := cs.storage.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]*big.Int, 0, len(all))
	for key := range all {
		id, ok := new(big.Int).SetString(key, 16)
		if !ok {
			return nil, fmt.Errorf("corrupt storage key %q", key)
		}
		if hash.InRange(id, start, end) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// GetStats returns storage statistics.
func (cs *ChordStorage) GetStats() pkg.Stats {
	return cs.storage.GetStats()
}

// Close gracefully shuts down the storage.
func (cs *ChordStorage) Close() error {
	return cs.storage.Close()
}

// storageKey renders id as fixed-width hex.
func storageKey(id *big.Int) string {
	return fmt.Sprintf("%064x", id)
}
