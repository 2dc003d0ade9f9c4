package shard

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/vecmesh/blobstore"
	"github.com/hupe1980/vecmesh/codec"
)

// MapStore is the source of truth for the shard map.
type MapStore interface {
	// Load returns the latest map, or ErrNoMap if none was stored.
	Load(ctx context.Context) (*Map, error)
	// CompareAndSwap stores m if the stored version equals old (0 when the
	// store is empty) and m.Version is old+1. Otherwise it returns
	// ErrVersionConflict.
	CompareAndSwap(ctx context.Context, old uint64, m *Map) error
}

func checkSuccessor(old uint64, m *Map) error {
	if m == nil {
		return fmt.Errorf("%w: nil map", ErrInvalidMap)
	}
	if m.Version != old+1 {
		return fmt.Errorf("%w: version %d does not follow %d", ErrVersionConflict, m.Version, old)
	}
	return m.Validate()
}

// MemoryMapStore is an in-process MapStore. Nodes of a single-process
// cluster share one instance.
type MemoryMapStore struct {
	mu  sync.Mutex
	cur *Map
}

// NewMemoryMapStore returns an empty store.
func NewMemoryMapStore() *MemoryMapStore {
	return &MemoryMapStore{}
}

// Load implements MapStore.
func (s *MemoryMapStore) Load(_ context.Context) (*Map, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil, ErrNoMap
	}
	return s.cur, nil
}

// CompareAndSwap implements MapStore.
func (s *MemoryMapStore) CompareAndSwap(_ context.Context, old uint64, m *Map) error {
	if err := checkSuccessor(old, m); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var cur uint64
	if s.cur != nil {
		cur = s.cur.Version
	}
	if cur != old {
		return fmt.Errorf("%w: stored %d, expected %d", ErrVersionConflict, cur, old)
	}
	s.cur = m
	return nil
}

// BlobMapStore keeps versioned maps in a blobstore.Store as
// "<prefix>/<version>" plus a "<prefix>/CURRENT" pointer blob. The
// compare-and-swap is serialized within the process only; use
// DynamoMapStore when several processes write the map.
type BlobMapStore struct {
	mu     sync.Mutex
	store  blobstore.Store
	prefix string
	framer codec.Framer
}

// NewBlobMapStore returns a map store over store.
func NewBlobMapStore(store blobstore.Store, prefix string) *BlobMapStore {
	return &BlobMapStore{
		store:  store,
		prefix: prefix,
		framer: codec.Framer{Compression: codec.CompressionZSTD},
	}
}

func (s *BlobMapStore) current() string { return s.prefix + "/CURRENT" }

func (s *BlobMapStore) versionName(v uint64) string {
	return fmt.Sprintf("%s/%020d", s.prefix, v)
}

// Load implements MapStore.
func (s *BlobMapStore) Load(ctx context.Context) (*Map, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *BlobMapStore) loadLocked(ctx context.Context) (*Map, error) {
	name, err := s.store.Get(ctx, s.current())
	if err != nil {
		if blobstore.IsNotFound(err) {
			return nil, ErrNoMap
		}
		return nil, fmt.Errorf("shard: load map pointer: %w", err)
	}
	data, err := s.store.Get(ctx, string(name))
	if err != nil {
		return nil, fmt.Errorf("shard: load map %s: %w", name, err)
	}

	var m Map
	if err := s.framer.Decode(data, &m); err != nil {
		return nil, fmt.Errorf("shard: decode map %s: %w", name, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// CompareAndSwap implements MapStore.
func (s *BlobMapStore) CompareAndSwap(ctx context.Context, old uint64, m *Map) error {
	if err := checkSuccessor(old, m); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var cur uint64
	switch stored, err := s.loadLocked(ctx); {
	case errors.Is(err, ErrNoMap):
	case err != nil:
		return err
	default:
		cur = stored.Version
	}
	if cur != old {
		return fmt.Errorf("%w: stored %d, expected %d", ErrVersionConflict, cur, old)
	}

	data, err := s.framer.Encode(m)
	if err != nil {
		return err
	}
	name := s.versionName(m.Version)
	if err := s.store.Put(ctx, name, data); err != nil {
		return fmt.Errorf("shard: store map %s: %w", name, err)
	}
	return s.store.Put(ctx, s.current(), []byte(name))
}
