// Package store implements the mapping store: a collection of named
// mappings, each an authenticated tree of (key, value) leaves addressed by a
// stable index.
//
// Indices are hole-preserving. Removing the leaf at index i leaves a hole
// and moves nothing; Insert assigns one past the highest occupied index, or
// 0 for an empty mapping. The next index is therefore a function of the
// mapping's content alone, so a removal undone by InsertAt restores the
// exact layout, and the tree's root with it.
package store

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/ethereum/go-ethereum/log"
	"github.com/minio/blake2b-simd"

	"github.com/jrhy/finalize/fault"
	"github.com/jrhy/finalize/field"
	"github.com/jrhy/finalize/mast"
)

// Config controls how mapping trees are shaped and persisted. The zero
// value gives an in-memory store that cannot Commit.
type Config struct {
	// BranchFactor of every mapping tree. 0 means mast.DefaultBranchFactor.
	BranchFactor uint

	// Persist stores tree nodes and manifests. Required by Commit and Open.
	Persist mast.Persist

	// CacheSize is the number of decoded nodes kept in memory, shared by
	// all mappings. 0 disables the cache.
	CacheSize int

	// Logger defaults to a logger tagged with module=store.
	Logger log.Logger
}

// Leaf is one entry of a mapping at its index.
type Leaf struct {
	Index uint64
	Key   field.ID
	Value field.ID
}

func (l Leaf) String() string {
	return fmt.Sprintf("%d:%s=%s", l.Index, l.Key.Short(), l.Value.Short())
}

// Store is not safe for concurrent mutation; callers serialize writers.
type Store struct {
	branchFactor uint
	persist      mast.Persist
	nodeCache    *mast.NodeCache
	mappings     map[field.ID]*mapping
	log          log.Logger
}

type mapping struct {
	tree *mast.Mast
	keys map[field.ID]uint64
}

// New returns an empty store.
func New(cfg *Config) *Store {
	if cfg == nil {
		cfg = &Config{}
	}
	s := &Store{
		branchFactor: cfg.BranchFactor,
		persist:      cfg.Persist,
		mappings:     map[field.ID]*mapping{},
		log:          cfg.Logger,
	}
	if s.branchFactor < 2 {
		s.branchFactor = mast.DefaultBranchFactor
	}
	if cfg.CacheSize > 0 {
		s.nodeCache = mast.NewNodeCache(cfg.CacheSize)
	}
	if s.log == nil {
		s.log = log.New("module", "store")
	}
	return s
}

func (s *Store) treeConfig() *mast.Config {
	return &mast.Config{
		BranchFactor:            s.branchFactor,
		StoreImmutablePartsWith: s.persist,
		NodeCache:               s.nodeCache,
	}
}

func (s *Store) mapping(m field.ID) (*mapping, error) {
	mp, ok := s.mappings[m]
	if !ok {
		return nil, fmt.Errorf("mapping %s: %w", m.Short(), fault.ErrNotFound)
	}
	return mp, nil
}

func (mp *mapping) nextIndex(ctx context.Context) (uint64, error) {
	highest, ok, err := mp.tree.Max(ctx)
	if err != nil {
		return 0, fmt.Errorf("max: %w", err)
	}
	if !ok {
		return 0, nil
	}
	if highest == math.MaxUint64 {
		return 0, fmt.Errorf("no index after %d: %w", highest, fault.ErrOutOfRange)
	}
	return highest + 1, nil
}

// Contains reports whether mapping m exists.
func (s *Store) Contains(m field.ID) bool {
	_, ok := s.mappings[m]
	return ok
}

// Mappings returns the IDs of all mappings in ascending order.
func (s *Store) Mappings() []field.ID {
	ids := slices.Collect(maps.Keys(s.mappings))
	slices.SortFunc(ids, field.ID.Cmp)
	return ids
}

// Initialize creates the empty mapping m.
func (s *Store) Initialize(m field.ID) error {
	if _, ok := s.mappings[m]; ok {
		return fmt.Errorf("mapping %s: %w", m.Short(), fault.ErrAlreadyExists)
	}
	s.mappings[m] = &mapping{
		tree: mast.New(s.treeConfig()),
		keys: map[field.ID]uint64{},
	}
	s.log.Debug("Initialized mapping", "mapping", m.Short())
	return nil
}

// Insert appends (k, v) to mapping m at its next index, which is returned.
func (s *Store) Insert(ctx context.Context, m, k, v field.ID) (uint64, error) {
	mp, err := s.mapping(m)
	if err != nil {
		return 0, err
	}
	if i, present := mp.keys[k]; present {
		return 0, fmt.Errorf("key %s at index %d: %w", k.Short(), i, fault.ErrAlreadyExists)
	}
	index, err := mp.nextIndex(ctx)
	if err != nil {
		return 0, err
	}
	err = mp.tree.Insert(ctx, index, mast.Leaf{Key: k, Value: v})
	if err != nil {
		return 0, fmt.Errorf("insert: %w", err)
	}
	mp.keys[k] = index
	s.log.Debug("Inserted", "mapping", m.Short(), "index", index, "key", k.Short())
	return index, nil
}

// InsertAt places (k, v) at the given unoccupied index of mapping m.
func (s *Store) InsertAt(ctx context.Context, m field.ID, index uint64, k, v field.ID) error {
	mp, err := s.mapping(m)
	if err != nil {
		return err
	}
	if i, present := mp.keys[k]; present {
		return fmt.Errorf("key %s at index %d: %w", k.Short(), i, fault.ErrAlreadyExists)
	}
	_, occupied, err := mp.tree.Get(ctx, index)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	if occupied {
		return fmt.Errorf("index %d: %w", index, fault.ErrAlreadyExists)
	}
	err = mp.tree.Insert(ctx, index, mast.Leaf{Key: k, Value: v})
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	mp.keys[k] = index
	s.log.Debug("Inserted at", "mapping", m.Short(), "index", index, "key", k.Short())
	return nil
}

// Update overwrites the leaf at an occupied index of mapping m, returning
// the leaf it replaced.
func (s *Store) Update(ctx context.Context, m field.ID, index uint64, k, v field.ID) (Leaf, error) {
	mp, err := s.mapping(m)
	if err != nil {
		return Leaf{}, err
	}
	prior, occupied, err := mp.tree.Get(ctx, index)
	if err != nil {
		return Leaf{}, fmt.Errorf("get: %w", err)
	}
	if !occupied {
		return Leaf{}, fmt.Errorf("index %d is not occupied: %w", index, fault.ErrOutOfRange)
	}
	if i, present := mp.keys[k]; present && i != index {
		return Leaf{}, fmt.Errorf("key %s at index %d: %w", k.Short(), i, fault.ErrAlreadyExists)
	}
	err = mp.tree.Insert(ctx, index, mast.Leaf{Key: k, Value: v})
	if err != nil {
		return Leaf{}, fmt.Errorf("insert: %w", err)
	}
	delete(mp.keys, prior.Key)
	mp.keys[k] = index
	s.log.Debug("Updated", "mapping", m.Short(), "index", index, "key", k.Short())
	return Leaf{index, prior.Key, prior.Value}, nil
}

// Remove deletes the leaf at an occupied index of mapping m, returning it.
func (s *Store) Remove(ctx context.Context, m field.ID, index uint64) (Leaf, error) {
	mp, err := s.mapping(m)
	if err != nil {
		return Leaf{}, err
	}
	_, occupied, err := mp.tree.Get(ctx, index)
	if err != nil {
		return Leaf{}, fmt.Errorf("get: %w", err)
	}
	if !occupied {
		return Leaf{}, fmt.Errorf("index %d is not occupied: %w", index, fault.ErrOutOfRange)
	}
	prior, err := mp.tree.Delete(ctx, index)
	if err != nil {
		return Leaf{}, fmt.Errorf("delete: %w", err)
	}
	delete(mp.keys, prior.Key)
	s.log.Debug("Removed", "mapping", m.Short(), "index", index, "key", prior.Key.Short())
	return Leaf{index, prior.Key, prior.Value}, nil
}

// RemoveMapping deletes mapping m, returning its leaves in index order.
func (s *Store) RemoveMapping(ctx context.Context, m field.ID) ([]Leaf, error) {
	leaves, err := s.Leaves(ctx, m)
	if err != nil {
		return nil, err
	}
	delete(s.mappings, m)
	s.log.Debug("Removed mapping", "mapping", m.Short(), "leaves", len(leaves))
	return leaves, nil
}

// Restore recreates mapping m with exactly the given leaves. On failure
// the mapping is left absent.
func (s *Store) Restore(ctx context.Context, m field.ID, leaves []Leaf) error {
	err := s.Initialize(m)
	if err != nil {
		return err
	}
	for _, l := range leaves {
		err = s.InsertAt(ctx, m, l.Index, l.Key, l.Value)
		if err != nil {
			delete(s.mappings, m)
			return fmt.Errorf("restore %s: %w", l, err)
		}
	}
	return nil
}

// Get returns the leaf at the given index of mapping m, or false for a hole.
func (s *Store) Get(ctx context.Context, m field.ID, index uint64) (Leaf, bool, error) {
	mp, err := s.mapping(m)
	if err != nil {
		return Leaf{}, false, err
	}
	l, ok, err := mp.tree.Get(ctx, index)
	if err != nil || !ok {
		return Leaf{}, false, err
	}
	return Leaf{index, l.Key, l.Value}, true, nil
}

// IndexOf returns the index of key k in mapping m.
func (s *Store) IndexOf(m, k field.ID) (uint64, bool, error) {
	mp, err := s.mapping(m)
	if err != nil {
		return 0, false, err
	}
	i, ok := mp.keys[k]
	return i, ok, nil
}

// Len returns the number of leaves in mapping m.
func (s *Store) Len(m field.ID) (uint64, error) {
	mp, err := s.mapping(m)
	if err != nil {
		return 0, err
	}
	return mp.tree.Size(), nil
}

// NextIndex returns the index the next Insert into mapping m will assign.
func (s *Store) NextIndex(ctx context.Context, m field.ID) (uint64, error) {
	mp, err := s.mapping(m)
	if err != nil {
		return 0, err
	}
	return mp.nextIndex(ctx)
}

// Leaves returns the leaves of mapping m in index order.
func (s *Store) Leaves(ctx context.Context, m field.ID) ([]Leaf, error) {
	mp, err := s.mapping(m)
	if err != nil {
		return nil, err
	}
	leaves := make([]Leaf, 0, mp.tree.Size())
	err = mp.tree.Iter(ctx, func(index uint64, l mast.Leaf) error {
		leaves = append(leaves, Leaf{index, l.Key, l.Value})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iter: %w", err)
	}
	return leaves, nil
}

// Root returns the content hash of mapping m.
func (s *Store) Root(ctx context.Context, m field.ID) (mast.Digest, error) {
	mp, err := s.mapping(m)
	if err != nil {
		return mast.Digest{}, err
	}
	return mp.tree.Digest(ctx)
}

// StateRoot commits to every mapping and its root.
func (s *Store) StateRoot(ctx context.Context) (mast.Digest, error) {
	h := blake2b.New256()
	for _, m := range s.Mappings() {
		root, err := s.Root(ctx, m)
		if err != nil {
			return mast.Digest{}, fmt.Errorf("root %s: %w", m.Short(), err)
		}
		id := m.Bytes()
		h.Write(id[:])
		h.Write(root[:])
	}
	var d mast.Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// Diff reports the leaves of mapping m that differ from its version in
// old, in index order. The mapping is treated as empty in a nil old
// store or one that lacks it.
func (s *Store) Diff(ctx context.Context, m field.ID, old *Store, f func(mast.Diff) (bool, error)) error {
	mp, err := s.mapping(m)
	if err != nil {
		return err
	}
	var oldTree *mast.Mast
	if old != nil {
		if o, ok := old.mappings[m]; ok {
			oldTree = o.tree
		}
	}
	return mp.tree.DiffIter(ctx, oldTree, f)
}

// Clone returns an independent copy of the store. Persisted nodes are
// shared.
func (s *Store) Clone() *Store {
	s2 := *s
	s2.mappings = make(map[field.ID]*mapping, len(s.mappings))
	for m, mp := range s.mappings {
		s2.mappings[m] = &mapping{
			tree: mp.tree.Clone(),
			keys: maps.Clone(mp.keys),
		}
	}
	return &s2
}
