package mast

import (
	"context"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/log"

	"github.com/jrhy/finalize/fault"
)

// Persist is the interface for loading and storing (serialized) tree nodes. The given string identity corresponds to the content which is immutable (never modified).
type Persist interface {
	// Store makes the given bytes accessible by the given name. The given string identity corresponds to the content which is immutable (never modified).
	Store(context.Context, string, []byte) error
	// Load retrieves the previously-stored bytes by the given name.
	Load(context.Context, string) ([]byte, error)
}

// Config controls the shape of a new tree and how its nodes are persisted and loaded.
type Config struct {
	// BranchFactor, or number of entries per node.  0 means use DefaultBranchFactor.
	BranchFactor uint

	// StoreImmutablePartsWith is used to store and load serialized nodes.
	StoreImmutablePartsWith Persist

	// NodeCache caches deserialized nodes and may be shared across multiple trees.
	NodeCache *NodeCache

	// Logger receives trace output for tree internals. Defaults to a
	// logger tagged with module=mast.
	Logger log.Logger
}

// Root identifies a version of a tree whose nodes are accessible in the persistent store.
type Root struct {
	Link         *string
	Size         uint64
	Height       uint8
	BranchFactor uint
}

// New returns an empty tree configured by cfg, which may be nil.
func New(cfg *Config) *Mast {
	if cfg == nil {
		cfg = &Config{}
	}
	branchFactor := cfg.BranchFactor
	if branchFactor < 2 {
		branchFactor = DefaultBranchFactor
	}
	return &Mast{
		root:         emptyNodePointer(branchFactor),
		branchFactor: branchFactor,
		persist:      cfg.StoreImmutablePartsWith,
		nodeCache:    cfg.NodeCache,
		log:          loggerFor(cfg),
	}
}

// NewInMemory returns a new tree for use as an in-memory data structure
// (i.e. that isn't intended to be remotely persisted).
func NewInMemory() *Mast {
	return New(nil)
}

func loggerFor(cfg *Config) log.Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	return log.New("module", "mast")
}

// LoadMast loads a tree from a remote store. The root is loaded
// and verified; other nodes will be loaded on demand.
func (r *Root) LoadMast(ctx context.Context, config *Config) (*Mast, error) {
	if r.BranchFactor < 2 {
		return nil, fmt.Errorf("branch factor %d: %w", r.BranchFactor, fault.ErrOutOfRange)
	}
	if config == nil {
		config = &Config{}
	}
	var link interface{}
	if r.Link != nil {
		link = *r.Link
	} else {
		if r.Size != 0 || r.Height != 0 {
			return nil, fmt.Errorf("root without link has size %d, height %d", r.Size, r.Height)
		}
		link = emptyNodePointer(r.BranchFactor)
	}
	m := Mast{
		root:         link,
		branchFactor: r.BranchFactor,
		size:         r.Size,
		height:       r.Height,
		persist:      config.StoreImmutablePartsWith,
		nodeCache:    config.NodeCache,
		log:          loggerFor(config),
	}
	err := m.checkRoot(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkRoot: %w", err)
	}
	return &m, nil
}

// MakeRoot makes a new persistent root, after ensuring all the changed nodes
// have been written to the persistent store.
func (m *Mast) MakeRoot(ctx context.Context) (*Root, error) {
	link, err := m.flush(ctx)
	if err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}
	root := Root{nil, m.size, m.height, m.branchFactor}
	if link != "" {
		root.Link = &link
	}
	return &root, nil
}

// Insert adds or replaces the leaf at the given index.
func (m *Mast) Insert(ctx context.Context, key uint64, value Leaf) error {
	m.log.Trace("Inserting", "index", key, "leaf", value)
	keyLayer := layer(key, m.branchFactor)
	for m.height < keyLayer {
		if err := m.grow(ctx); err != nil {
			return fmt.Errorf("grow: %w", err)
		}
	}
	node, err := m.load(ctx, m.root)
	if err != nil {
		return fmt.Errorf("load root: %w", err)
	}
	options := findOptions{
		targetLayer:        keyLayer,
		currentHeight:      m.height,
		createMissingNodes: true,
	}
	node, i, err := node.findNode(ctx, m, key, &options)
	if err != nil {
		return fmt.Errorf("findNode: %w", err)
	}
	if options.targetLayer != options.currentHeight {
		return fmt.Errorf("index %d landed at height %d, not layer %d", key, options.currentHeight, options.targetLayer)
	}
	if i < len(node.Key) && node.Key[i] == key {
		if node.Value[i] == value {
			return nil
		}
		node.Value[i] = value
		m.savePathForRoot(options.path)
		return nil
	}
	var leftLink, rightLink interface{}
	if node.Link[i] != nil {
		child, err := m.load(ctx, node.Link[i])
		if err != nil {
			return fmt.Errorf("load child: %w", err)
		}
		leftLink, rightLink, err = m.split(ctx, child, key)
		if err != nil {
			return fmt.Errorf("split: %w", err)
		}
	}
	node.Key = slices.Insert(node.Key, i, key)
	node.Value = slices.Insert(node.Value, i, value)
	node.Link[i] = leftLink
	node.Link = slices.Insert(node.Link, i+1, rightLink)
	m.savePathForRoot(options.path)
	m.size++
	return nil
}

// Delete removes the leaf at the given index, returning it.
func (m *Mast) Delete(ctx context.Context, key uint64) (Leaf, error) {
	m.log.Trace("Deleting", "index", key)
	keyLayer := layer(key, m.branchFactor)
	if keyLayer > m.height {
		return Leaf{}, fmt.Errorf("index %d not present in tree: %w", key, fault.ErrNotFound)
	}
	node, err := m.load(ctx, m.root)
	if err != nil {
		return Leaf{}, fmt.Errorf("load root: %w", err)
	}
	options := findOptions{
		targetLayer:   keyLayer,
		currentHeight: m.height,
	}
	node, i, err := node.findNode(ctx, m, key, &options)
	if err != nil {
		return Leaf{}, fmt.Errorf("findNode: %w", err)
	}
	if options.targetLayer != options.currentHeight ||
		i == len(node.Key) || node.Key[i] != key {
		return Leaf{}, fmt.Errorf("index %d not present in tree: %w", key, fault.ErrNotFound)
	}
	removed := node.Value[i]
	mergedLink, err := m.mergeNodes(ctx, node.Link[i], node.Link[i+1])
	if err != nil {
		return Leaf{}, fmt.Errorf("merge: %w", err)
	}
	node.Key = slices.Delete(node.Key, i, i+1)
	node.Value = slices.Delete(node.Value, i, i+1)
	node.Link = slices.Delete(node.Link, i+1, i+2)
	node.Link[i] = mergedLink
	m.savePathForRoot(options.path)
	m.size--
	if err := m.shrink(ctx); err != nil {
		return Leaf{}, fmt.Errorf("shrink: %w", err)
	}
	return removed, nil
}

// Get returns the leaf at the given index. Returns false if the tree doesn't contain the given index.
func (m *Mast) Get(ctx context.Context, key uint64) (Leaf, bool, error) {
	keyLayer := layer(key, m.branchFactor)
	if keyLayer > m.height {
		return Leaf{}, false, nil
	}
	node, err := m.load(ctx, m.root)
	if err != nil {
		return Leaf{}, false, err
	}
	options := findOptions{
		targetLayer:   keyLayer,
		currentHeight: m.height,
	}
	node, i, err := node.findNode(ctx, m, key, &options)
	if err != nil {
		return Leaf{}, false, err
	}
	if i >= len(node.Key) ||
		options.targetLayer != options.currentHeight ||
		node.Key[i] != key {
		return Leaf{}, false, nil
	}
	return node.Value[i], true, nil
}

// Iter iterates over the entries of a tree in index order, invoking the given callback for every entry's index and leaf.
func (m *Mast) Iter(ctx context.Context, f func(uint64, Leaf) error) error {
	node, err := m.load(ctx, m.root)
	if err != nil {
		return err
	}
	return node.iter(ctx, f, m)
}

// Max returns the highest index in the tree, or false if the tree is empty.
func (m *Mast) Max(ctx context.Context) (uint64, bool, error) {
	node, err := m.load(ctx, m.root)
	if err != nil {
		return 0, false, err
	}
	return node.max(ctx, m)
}

// Digest returns the content hash of the tree. Trees holding the same
// entries have the same digest regardless of the order in which they
// were built.
func (m *Mast) Digest(ctx context.Context) (Digest, error) {
	if name, ok := m.root.(string); ok {
		return parseLinkName(name)
	}
	node, err := m.load(ctx, m.root)
	if err != nil {
		return Digest{}, err
	}
	return m.hashNode(node)
}

// Height returns the number of levels between the leaves and root.
func (m *Mast) Height() uint8 {
	return m.height
}

// Size returns the number of entries in the tree.
func (m *Mast) Size() uint64 {
	return m.size
}

// BranchFactor returns the ideal number of entries that are stored per node.
func (m *Mast) BranchFactor() uint {
	return m.branchFactor
}

// Clone returns an independent version of the tree that shares all
// persisted nodes with m.
func (m *Mast) Clone() *Mast {
	m2 := *m
	m2.root = cloneLink(m.root)
	return &m2
}

// IsDirty signifies that in-memory entries have been changed that haven't been flushed by MakeRoot().
func (m *Mast) IsDirty() bool {
	node, ok := m.root.(*mastNode)
	return ok && !node.isEmpty()
}

// Dump renders the tree structure, loading nodes as needed.
func (m *Mast) Dump(ctx context.Context) (string, error) {
	node, err := m.load(ctx, m.root)
	if err != nil {
		return "", err
	}
	str, err := node.string(ctx, "   ", m)
	if err != nil {
		return "", err
	}
	return "{\n" + str + "}\n", nil
}
