package mast

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrhy/finalize/fault"
	"github.com/jrhy/finalize/field"
)

var ctx = context.Background()

var defaultGopterParameters = gopter.DefaultTestParameters()

func leafFor(i uint64) Leaf {
	return Leaf{field.FromUint64(i), field.FromUint64(i*7 + 1)}
}

func newTestTree(branchFactor uint) *Mast {
	return New(&Config{
		BranchFactor:            branchFactor,
		StoreImmutablePartsWith: NewInMemoryStore(),
	})
}

func TestNew(t *testing.T) {
	t.Parallel()
	m := NewInMemory()
	require.Equal(t, uint64(0), m.Size())
	require.Equal(t, uint(DefaultBranchFactor), m.BranchFactor())
	root, err := m.load(ctx, m.root)
	require.NoError(t, err, "failed to load root")
	require.Equal(t, 1, len(root.Link))
	require.False(t, m.IsDirty())
	_, ok, err := m.Max(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLayer(t *testing.T) {
	t.Parallel()
	assert.Equal(t, uint8(0), layer(0, 16))
	assert.Equal(t, uint8(0), layer(15, 16))
	assert.Equal(t, uint8(1), layer(16, 16))
	assert.Equal(t, uint8(1), layer(272, 16))
	assert.Equal(t, uint8(2), layer(256, 16))
	assert.Equal(t, uint8(3), layer(8, 2))
	assert.Equal(t, uint8(63), layer(1<<63, 2))
}

func TestSplit(t *testing.T) {
	t.Parallel()
	m := NewInMemory()
	node := &mastNode{
		Key:   []uint64{10, 20, 30},
		Value: []Leaf{leafFor(10), leafFor(20), leafFor(30)},
		Link:  []interface{}{nil, nil, nil, nil},
	}
	newLeftLink, newRightLink, err := m.split(ctx, node, 15)
	require.NoError(t, err)
	newLeft, err := m.load(ctx, newLeftLink)
	require.NoError(t, err)
	newRight, err := m.load(ctx, newRightLink)
	require.NoError(t, err)
	require.Equal(t, []uint64{10}, newLeft.Key)
	require.Equal(t, []uint64{20, 30}, newRight.Key)
	require.Equal(t, []Leaf{leafFor(20), leafFor(30)}, newRight.Value)

	newLeftLink, newRightLink, err = m.split(ctx, node, 5)
	require.NoError(t, err)
	require.Nil(t, newLeftLink)
	require.NotNil(t, newRightLink)

	_, _, err = m.split(ctx, node, 20)
	require.Error(t, err)
}

func TestInsert(t *testing.T) {
	t.Parallel()
	m := NewInMemory()
	err := m.Insert(ctx, 50, leafFor(50))
	require.NoError(t, err)
	node, err := m.load(ctx, m.root)
	require.NoError(t, err)
	require.Equal(t, []uint64{50}, node.Key)
	require.Equal(t, []Leaf{leafFor(50)}, node.Value)
	require.Equal(t, []interface{}{nil, nil}, node.Link)
	require.Equal(t, uint64(1), m.size)
	require.Equal(t, uint8(0), m.height)

	for _, key := range []uint64{40, 60, 45} {
		require.NoError(t, m.Insert(ctx, key, leafFor(key)))
	}
	node, err = m.load(ctx, m.root)
	require.NoError(t, err)
	require.Equal(t, []uint64{40, 45, 50, 60}, node.Key)
	require.Equal(t, []Leaf{leafFor(40), leafFor(45), leafFor(50), leafFor(60)}, node.Value)
	require.Equal(t, []interface{}{nil, nil, nil, nil, nil}, node.Link)
	require.Equal(t, uint64(4), m.size)
	require.Equal(t, uint8(0), m.height)
	require.True(t, m.IsDirty())

	// replacing keeps the size
	require.NoError(t, m.Insert(ctx, 45, leafFor(1)))
	require.Equal(t, uint64(4), m.Size())
	leaf, ok, err := m.Get(ctx, 45)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, leafFor(1), leaf)
}

func TestInsertGrow(t *testing.T) {
	t.Parallel()
	m := NewInMemory()
	for i := uint64(1); i < 16; i++ {
		require.NoError(t, m.Insert(ctx, i, leafFor(i)), "failed to insert %d", i)
	}
	require.Equal(t, uint64(15), m.size)
	require.Equal(t, uint8(0), m.height)
	require.NoError(t, m.Insert(ctx, 16, leafFor(16)))
	require.Equal(t, uint64(16), m.size)
	require.Equal(t, uint8(1), m.height)
	node, err := m.load(ctx, m.root)
	require.NoError(t, err)
	require.Equal(t, []uint64{16}, node.Key)
	require.Equal(t, 2, len(node.Link))
	require.NotNil(t, node.Link[0])
	require.Nil(t, node.Link[1])

	require.NoError(t, m.Insert(ctx, 17, leafFor(17)))
	for i := uint64(1); i < 18; i++ {
		leaf, ok, err := m.Get(ctx, i)
		require.NoError(t, err)
		require.True(t, ok, "missing %d", i)
		require.Equal(t, leafFor(i), leaf)
	}
	highest, ok, err := m.Max(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(17), highest)
}

func TestDelete(t *testing.T) {
	t.Parallel()
	m := NewInMemory()
	for i := uint64(0); i < 40; i++ {
		require.NoError(t, m.Insert(ctx, i, leafFor(i)))
	}
	removed, err := m.Delete(ctx, 32)
	require.NoError(t, err)
	require.Equal(t, leafFor(32), removed)
	_, ok, err := m.Get(ctx, 32)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = m.Delete(ctx, 32)
	require.ErrorIs(t, err, fault.ErrNotFound)
	_, err = m.Delete(ctx, 4096)
	require.ErrorIs(t, err, fault.ErrNotFound)

	for i := uint64(0); i < 40; i++ {
		if i == 32 {
			continue
		}
		_, err := m.Delete(ctx, i)
		require.NoError(t, err, "delete %d", i)
	}
	require.Equal(t, uint64(0), m.Size())
	require.Equal(t, uint8(0), m.Height())
	empty, err := NewInMemory().Digest(ctx)
	require.NoError(t, err)
	d, err := m.Digest(ctx)
	require.NoError(t, err)
	require.Equal(t, empty, d)
}

func TestIterOrder(t *testing.T) {
	t.Parallel()
	m := NewInMemory()
	for _, key := range []uint64{3, 1, 2, 256, 16} {
		require.NoError(t, m.Insert(ctx, key, leafFor(key)))
	}
	var keys []uint64
	err := m.Iter(ctx, func(key uint64, leaf Leaf) error {
		require.Equal(t, leafFor(key), leaf)
		keys = append(keys, key)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3, 16, 256}, keys)

	stop := errors.New("stop")
	n := 0
	err = m.Iter(ctx, func(uint64, Leaf) error {
		n++
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, n)
}

func checkRecall(t *testing.T, m *Mast, keys []uint64) bool {
	expected := make(map[uint64]Leaf)
	for i, key := range keys {
		leaf := leafFor(key + uint64(i))
		err := m.Insert(ctx, key, leaf)
		require.NoError(t, err)
		expected[key] = leaf
	}
	actual := make(map[uint64]Leaf)
	ordered := true
	var last uint64
	err := m.Iter(ctx, func(key uint64, leaf Leaf) error {
		if len(actual) > 0 && key <= last {
			ordered = false
		}
		last = key
		actual[key] = leaf
		return nil
	})
	require.NoError(t, err)
	ok := assert.True(t, ordered, "iteration out of order")
	ok = assert.Equal(t, len(expected), int(m.Size())) && ok
	ok = assert.Equal(t, expected, actual) && ok
	for key, leaf := range expected {
		got, found, err := m.Get(ctx, key)
		require.NoError(t, err)
		ok = assert.True(t, found) && assert.Equal(t, leaf, got) && ok
	}
	if !ok {
		dump, _ := m.Dump(ctx)
		t.Logf("keys %v\n%s", keys, dump)
	}
	return ok
}

func TestRecall(t *testing.T) {
	t.Parallel()
	properties := gopter.NewProperties(defaultGopterParameters)
	properties.Property("get every put", prop.ForAll(
		func(keys []uint64) bool {
			return checkRecall(t, newTestTree(4), keys)
		},
		gen.SliceOf(gen.UInt64Range(0, 10_000))))
	properties.TestingRun(t)
}

// checkCongruence builds trees from the same keys in different orders, and
// by deleting half of the keys from a bigger tree, and expects them to
// hash identically.
func checkCongruence(t *testing.T, branchFactor uint, keys []uint64) bool {
	m := newTestTree(branchFactor)
	for _, key := range keys {
		require.NoError(t, m.Insert(ctx, key, leafFor(key)))
	}
	shuffled := append([]uint64(nil), keys...)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	m2 := newTestTree(branchFactor)
	for _, key := range shuffled {
		require.NoError(t, m2.Insert(ctx, key, leafFor(key)))
	}
	ok := assert.Equal(t, m.Height(), m2.Height())
	ok = assertSameContent(t, m, m2) && ok

	seen := map[uint64]bool{}
	var distinct []uint64
	for _, key := range shuffled {
		if !seen[key] {
			seen[key] = true
			distinct = append(distinct, key)
		}
	}
	half := len(distinct) / 2
	for i, key := range distinct[:half] {
		_, err := m.Delete(ctx, key)
		require.NoError(t, err)
		for _, gone := range distinct[:i+1] {
			_, found, err := m.Get(ctx, gone)
			require.NoError(t, err)
			ok = assert.False(t, found, "expected %d to be deleted", gone) && ok
		}
	}
	m3 := newTestTree(branchFactor)
	for _, key := range distinct[half:] {
		require.NoError(t, m3.Insert(ctx, key, leafFor(key)))
	}
	ok = assert.Equal(t, m3.Height(), m.Height()) && ok
	ok = assertSameContent(t, m, m3) && ok
	return ok
}

func assertSameContent(t *testing.T, m, m2 *Mast) bool {
	d, err := m.Digest(ctx)
	require.NoError(t, err)
	d2, err := m2.Digest(ctx)
	require.NoError(t, err)
	if !assert.Equal(t, d, d2) {
		dump, _ := m.Dump(ctx)
		dump2, _ := m2.Dump(ctx)
		t.Logf("m:\n%sm2:\n%s", dump, dump2)
		return false
	}
	root, err := m.MakeRoot(ctx)
	require.NoError(t, err)
	root2, err := m2.MakeRoot(ctx)
	require.NoError(t, err)
	return assert.Equal(t, root, root2)
}

func TestCongruence(t *testing.T) {
	t.Parallel()
	properties := gopter.NewProperties(defaultGopterParameters)
	properties.Property("trees look the same no matter what order the insertions and deletions are done", prop.ForAll(
		func(keys []uint64, branchFactor uint) bool {
			return checkCongruence(t, branchFactor, keys)
		},
		gen.SliceOf(gen.UInt64Range(0, 5_000)),
		gen.UIntRange(2, 5)))
	properties.TestingRun(t)
}

func TestCongruenceExample(t *testing.T) {
	t.Parallel()
	checkCongruence(t, 4, []uint64{0, 1, 2, 3, 4, 5, 6, 7, 8, 10, 9, 12, 11, 16, 13, 14, 25})
}

func TestContentHash(t *testing.T) {
	t.Parallel()
	m := newTestTree(0)
	require.NoError(t, m.Insert(ctx, 1, leafFor(1)))
	hash1, err := m.flush(ctx)
	require.NoError(t, err)
	m = newTestTree(0)
	require.NoError(t, m.Insert(ctx, 2, leafFor(2)))
	hash2, err := m.flush(ctx)
	require.NoError(t, err)
	require.NotEqual(t, hash1, hash2)
	m = newTestTree(0)
	require.NoError(t, m.Insert(ctx, 2, leafFor(2)))
	hash2b, err := m.flush(ctx)
	require.NoError(t, err)
	require.Equal(t, hash2b, hash2)
}

func TestContentHash_DiffersOnUpsert(t *testing.T) {
	t.Parallel()
	m := newTestTree(0)
	require.NoError(t, m.Insert(ctx, 2, leafFor(2)))
	hash2, err := m.flush(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Insert(ctx, 2, leafFor(3)))
	require.True(t, m.IsDirty())
	hash2b, err := m.flush(ctx)
	require.NoError(t, err)
	require.NotEqual(t, hash2b, hash2)
	require.False(t, m.IsDirty())
}

func TestEmptyLeavesRecall(t *testing.T) {
	t.Parallel()
	keys := make([]uint64, 300)
	for i := range keys {
		keys[i] = uint64(i * 16)
	}
	checkRecall(t, newTestTree(0), keys)
	checkCongruence(t, DefaultBranchFactor, keys)
}

func TestEmptyTwoBottomLayers(t *testing.T) {
	t.Parallel()
	keys := make([]uint64, 300)
	for i := range keys {
		keys[i] = uint64(i * 256)
	}
	checkCongruence(t, DefaultBranchFactor, keys)
	keys = append(keys, 32, 33, 1, 256)
	checkRecall(t, newTestTree(0), keys)
}

func TestEmptyMiddleLayers(t *testing.T) {
	t.Parallel()
	for _, stride := range []int{16, 256} {
		keys := make([]uint64, 300)
		for i := range keys {
			keys[i] = uint64(i)
			if i%16 == 0 {
				keys[i] = uint64(i * stride)
			}
		}
		checkRecall(t, newTestTree(0), keys)
		checkCongruence(t, DefaultBranchFactor, keys)
	}
}

func TestInterestingZeroCase(t *testing.T) {
	t.Parallel()
	keys := make([]uint64, 257)
	for i := range keys {
		keys[i] = uint64(i * 256)
	}
	keys = append(keys, 32, 33, 0)
	checkRecall(t, newTestTree(0), keys)
}

func TestRemoteExample(t *testing.T) {
	t.Parallel()
	store := NewInMemoryStore()
	cfg := Config{
		BranchFactor:            4,
		StoreImmutablePartsWith: store,
		NodeCache:               NewNodeCache(64),
	}
	m := New(&cfg)
	for i := uint64(0); i < 100; i++ {
		require.NoError(t, m.Insert(ctx, i, leafFor(i)))
	}
	root, err := m.MakeRoot(ctx)
	require.NoError(t, err)
	require.NotNil(t, root.Link)
	require.Equal(t, uint64(100), root.Size)
	require.Equal(t, uint8(3), root.Height)
	require.False(t, m.IsDirty())

	// a fresh cache forces every node through the store
	loaded, err := root.LoadMast(ctx, &Config{StoreImmutablePartsWith: store})
	require.NoError(t, err)
	require.Equal(t, uint64(100), loaded.Size())
	for i := uint64(0); i < 100; i++ {
		leaf, ok, err := loaded.Get(ctx, i)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, leafFor(i), leaf)
	}
	d, err := m.Digest(ctx)
	require.NoError(t, err)
	d2, err := loaded.Digest(ctx)
	require.NoError(t, err)
	require.Equal(t, d, d2)

	// changes to the loaded version leave the original alone
	_, err = loaded.Delete(ctx, 50)
	require.NoError(t, err)
	require.NoError(t, loaded.Insert(ctx, 100, leafFor(100)))
	_, ok, err := m.Get(ctx, 50)
	require.NoError(t, err)
	require.True(t, ok)
	root2, err := loaded.MakeRoot(ctx)
	require.NoError(t, err)
	require.NotEqual(t, *root.Link, *root2.Link)
	again, err := root.LoadMast(ctx, &cfg)
	require.NoError(t, err)
	_, ok, err = again.Get(ctx, 100)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEmptyRoot(t *testing.T) {
	t.Parallel()
	m := newTestTree(0)
	root, err := m.MakeRoot(ctx)
	require.NoError(t, err)
	require.Nil(t, root.Link)
	loaded, err := root.LoadMast(ctx, &Config{StoreImmutablePartsWith: NewInMemoryStore()})
	require.NoError(t, err)
	require.Equal(t, uint64(0), loaded.Size())

	_, err = (&Root{BranchFactor: 1}).LoadMast(ctx, nil)
	require.ErrorIs(t, err, fault.ErrOutOfRange)
	_, err = (&Root{BranchFactor: 4, Size: 3}).LoadMast(ctx, nil)
	require.Error(t, err)
}

func TestLoadDetectsTampering(t *testing.T) {
	t.Parallel()
	store := NewInMemoryStore().(*inMemoryStore)
	m := New(&Config{StoreImmutablePartsWith: store})
	for i := uint64(0); i < 10; i++ {
		require.NoError(t, m.Insert(ctx, i, leafFor(i)))
	}
	root, err := m.MakeRoot(ctx)
	require.NoError(t, err)
	store.entries[*root.Link][len(store.entries[*root.Link])-1] ^= 1
	_, err = root.LoadMast(ctx, &Config{StoreImmutablePartsWith: store})
	require.ErrorIs(t, err, fault.ErrInvalidEncoding)
}

func TestLoadRejectsWrongBranchFactor(t *testing.T) {
	t.Parallel()
	store := NewInMemoryStore()
	m := New(&Config{BranchFactor: 4, StoreImmutablePartsWith: store})
	for i := uint64(1); i <= 16; i++ {
		require.NoError(t, m.Insert(ctx, i, leafFor(i)))
	}
	root, err := m.MakeRoot(ctx)
	require.NoError(t, err)
	root.BranchFactor = 16
	_, err = root.LoadMast(ctx, &Config{StoreImmutablePartsWith: store})
	require.Error(t, err)
}

func TestCodecRejectsGarbage(t *testing.T) {
	t.Parallel()
	var node mastNode
	for _, b := range [][]byte{
		{},
		{0},
		{0, 2},
		{1, 5},
		{0x80},
		{0, 0, 0},
		{200, 1, 2, 3},
	} {
		require.Error(t, unmarshalMastNode(b, &node), "%v", b)
	}
	_, err := parseLinkName("not base64!")
	require.Error(t, err)
	_, err = parseLinkName("AAAA")
	require.ErrorIs(t, err, fault.ErrInvalidEncoding)
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()
	m1 := newTestTree(0)
	require.NoError(t, m1.Insert(ctx, 1, leafFor(1)))
	require.NoError(t, m1.Insert(ctx, 2, leafFor(2)))
	m2 := m1.Clone()
	require.NoError(t, m2.Insert(ctx, 3, leafFor(3)))
	require.NoError(t, m2.Insert(ctx, 16, leafFor(16)))
	_, err := m2.Delete(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), m1.Size())
	assert.Equal(t, uint64(3), m2.Size())
	_, ok, err := m1.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = m1.Get(ctx, 16)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiffTrivial(t *testing.T) {
	t.Parallel()
	m := newTestTree(0)
	require.NoError(t, m.Insert(ctx, 1, leafFor(1)))
	m2 := newTestTree(0)
	require.NoError(t, m2.Insert(ctx, 1, leafFor(1)))
	require.NoError(t, m2.Insert(ctx, 2, leafFor(2)))
	var diffs []Diff
	collect := func(d Diff) (bool, error) {
		diffs = append(diffs, d)
		return true, nil
	}
	require.NoError(t, m2.DiffIter(ctx, m, collect))
	require.Equal(t, []Diff{{Type: DiffType_Add, Key: 2, NewValue: leafFor(2)}}, diffs)

	diffs = nil
	require.NoError(t, m.DiffIter(ctx, m2, collect))
	require.Equal(t, []Diff{{Type: DiffType_Remove, Key: 2, OldValue: leafFor(2)}}, diffs)

	diffs = nil
	require.NoError(t, m2.Insert(ctx, 1, leafFor(5)))
	require.NoError(t, m2.DiffIter(ctx, nil, collect))
	require.Len(t, diffs, 2)

	diffs = nil
	require.NoError(t, m2.DiffIter(ctx, m, collect))
	require.Equal(t, []Diff{
		{Type: DiffType_Change, Key: 1, OldValue: leafFor(1), NewValue: leafFor(5)},
		{Type: DiffType_Add, Key: 2, NewValue: leafFor(2)},
	}, diffs)
}

type testOperation struct {
	Key   uint64
	Value uint64
}

var reflectTestOperation = reflect.TypeOf(&testOperation{})

func genOperations() gopter.Gen {
	return gen.SliceOf(gen.Struct(reflectTestOperation, map[string]gopter.Gen{
		"Key":   gen.UInt64Range(0, 2_000),
		"Value": gen.UInt64Range(0, 3),
	}))
}

func (m *Mast) apply(ops []testOperation) error {
	for _, op := range ops {
		if err := m.Insert(ctx, op.Key, leafFor(op.Value)); err != nil {
			return err
		}
	}
	return nil
}

func checkDiff(t *testing.T, oldOps []testOperation, newOps []testOperation) bool {
	old := newTestTree(4)
	require.NoError(t, old.apply(oldOps))
	new := newTestTree(4)
	require.NoError(t, new.apply(newOps))

	expectedOld := make(map[uint64]Leaf)
	for _, op := range oldOps {
		expectedOld[op.Key] = leafFor(op.Value)
	}
	expectedNew := make(map[uint64]Leaf)
	for _, op := range newOps {
		expectedNew[op.Key] = leafFor(op.Value)
	}
	expectedDiffs := make(map[uint64]Diff)
	for key, value := range expectedNew {
		oldValue, ok := expectedOld[key]
		if !ok {
			expectedDiffs[key] = Diff{Type: DiffType_Add, Key: key, NewValue: value}
		} else if oldValue != value {
			expectedDiffs[key] = Diff{Type: DiffType_Change, Key: key, OldValue: oldValue, NewValue: value}
		}
	}
	for key, value := range expectedOld {
		if _, ok := expectedNew[key]; !ok {
			expectedDiffs[key] = Diff{Type: DiffType_Remove, Key: key, OldValue: value}
		}
	}

	ok := true
	// diff in memory, then again after both have been persisted
	for round := 0; round < 2; round++ {
		actualDiffs := make(map[uint64]Diff)
		var last uint64
		err := new.DiffIter(ctx, old, func(d Diff) (bool, error) {
			if len(actualDiffs) > 0 && d.Key <= last {
				ok = false
			}
			last = d.Key
			actualDiffs[d.Key] = d
			return true, nil
		})
		require.NoError(t, err)
		ok = assert.Equal(t, expectedDiffs, actualDiffs, "round %d", round) && ok
		_, err = new.MakeRoot(ctx)
		require.NoError(t, err)
		_, err = old.MakeRoot(ctx)
		require.NoError(t, err)
	}
	return ok
}

func TestDiffToMidpoint(t *testing.T) {
	t.Parallel()
	properties := gopter.NewProperties(defaultGopterParameters)
	properties.Property("diff midpoint to endpoint", prop.ForAll(
		func(midpointOps []testOperation, endpointOps []testOperation) bool {
			endpointOps = append(append([]testOperation(nil), midpointOps...), endpointOps...)
			return checkDiff(t, midpointOps, endpointOps)
		},
		genOperations(), genOperations()))
	properties.TestingRun(t)
}

type countingPersist struct {
	Persist
	loads atomic.Int64
}

func (c *countingPersist) Load(ctx context.Context, name string) ([]byte, error) {
	c.loads.Add(1)
	return c.Persist.Load(ctx, name)
}

func TestNodeCache(t *testing.T) {
	t.Parallel()
	store := &countingPersist{Persist: NewInMemoryStore()}
	cache := NewNodeCache(1000)
	cfg := Config{BranchFactor: 4, StoreImmutablePartsWith: store, NodeCache: cache}
	m := New(&cfg)
	for i := uint64(0); i < 100; i++ {
		require.NoError(t, m.Insert(ctx, i, leafFor(i)))
	}
	root, err := m.MakeRoot(ctx)
	require.NoError(t, err)
	require.Greater(t, cache.Len(), 0)

	loaded, err := root.LoadMast(ctx, &cfg)
	require.NoError(t, err)
	require.NoError(t, loaded.Iter(ctx, func(uint64, Leaf) error { return nil }))
	require.Equal(t, int64(0), store.loads.Load())

	cache.Purge()
	require.Equal(t, 0, cache.Len())
	loaded, err = root.LoadMast(ctx, &cfg)
	require.NoError(t, err)
	require.NoError(t, loaded.Iter(ctx, func(uint64, Leaf) error { return nil }))
	require.Greater(t, store.loads.Load(), int64(0))

	var none *NodeCache
	none.Purge()
	require.Equal(t, 0, none.Len())
}

// failingPersist fails Store while failures is positive.
type failingPersist struct {
	Persist
	failures atomic.Int64
}

func (f *failingPersist) Store(ctx context.Context, name string, b []byte) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("store unavailable")
	}
	return f.Persist.Store(ctx, name, b)
}

func TestMakeRootRetriesAfterStoreFailure(t *testing.T) {
	t.Parallel()
	backing := NewInMemoryStore()
	store := &failingPersist{Persist: backing}
	store.failures.Store(1)
	m := New(&Config{BranchFactor: 4, StoreImmutablePartsWith: store})
	for i := uint64(0); i < 100; i++ {
		require.NoError(t, m.Insert(ctx, i, leafFor(i)))
	}
	_, err := m.MakeRoot(ctx)
	require.Error(t, err)

	// the tree is intact in memory
	for i := uint64(0); i < 100; i++ {
		leaf, ok, err := m.Get(ctx, i)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, leafFor(i), leaf)
	}

	root, err := m.MakeRoot(ctx)
	require.NoError(t, err)
	loaded, err := root.LoadMast(ctx, &Config{StoreImmutablePartsWith: backing})
	require.NoError(t, err)
	n := 0
	require.NoError(t, loaded.Iter(ctx, func(i uint64, leaf Leaf) error {
		require.Equal(t, leafFor(i), leaf)
		n++
		return nil
	}))
	require.Equal(t, 100, n)
}

func TestDiffSkipsUnchangedTree(t *testing.T) {
	t.Parallel()
	store := &countingPersist{Persist: NewInMemoryStore()}
	cfg := Config{StoreImmutablePartsWith: store}
	old := New(&cfg)
	new := New(&cfg)
	for i := uint64(0); i < 256; i++ {
		if i < 128 {
			require.NoError(t, old.Insert(ctx, i, leafFor(i)))
		}
		require.NoError(t, new.Insert(ctx, i, leafFor(i)))
	}
	oldRoot, err := old.MakeRoot(ctx)
	require.NoError(t, err)
	newRoot, err := new.MakeRoot(ctx)
	require.NoError(t, err)
	old, err = oldRoot.LoadMast(ctx, &cfg)
	require.NoError(t, err)
	new, err = newRoot.LoadMast(ctx, &cfg)
	require.NoError(t, err)

	store.loads.Store(0)
	added := 0
	err = new.DiffIter(ctx, old, func(d Diff) (bool, error) {
		require.Equal(t, DiffType_Add, d.Type)
		require.GreaterOrEqual(t, d.Key, uint64(128))
		added++
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, 128, added)
	// 17 nodes hold the new tree; the shared half is never loaded
	require.Less(t, store.loads.Load(), int64(17))
}

func TestDiffStops(t *testing.T) {
	t.Parallel()
	m := newTestTree(0)
	for i := uint64(0); i < 10; i++ {
		require.NoError(t, m.Insert(ctx, i, leafFor(i)))
	}
	n := 0
	err := m.DiffIter(ctx, nil, func(Diff) (bool, error) {
		n++
		return n < 3, nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, n)

	boom := errors.New("boom")
	err = m.DiffIter(ctx, nil, func(Diff) (bool, error) { return true, boom })
	require.ErrorIs(t, err, boom)
}
