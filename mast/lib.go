package mast

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/log"

	"github.com/jrhy/finalize/field"
)

// DefaultBranchFactor is how many entries per node a tree will normally have.
const DefaultBranchFactor = 16

// Leaf is the entry stored at an index: a key and the value bound to it,
// both as field IDs.
type Leaf struct {
	Key   field.ID
	Value field.ID
}

func (l Leaf) String() string {
	return fmt.Sprintf("%s=%s", l.Key.Short(), l.Value.Short())
}

// Mast encapsulates data and parameters for the in-memory portion of a Merkle Search Tree.
type Mast struct {
	root         interface{}
	branchFactor uint
	height       uint8
	size         uint64
	persist      Persist
	nodeCache    *NodeCache
	log          log.Logger
}

// mastNode links are nil (empty subtree), a string (the name of a persisted
// node) or a *mastNode (an in-memory node, possibly not yet persisted).
type mastNode struct {
	Key   []uint64
	Value []Leaf
	Link  []interface{}
	hash  *Digest
}

type pathEntry struct {
	node      *mastNode
	linkIndex int
}

// savePathForRoot relinks a modified path from the root down, so that any
// node that was loaded from the store is replaced by its in-memory copy.
// Subtrees that became empty are unlinked.
func (m *Mast) savePathForRoot(path []pathEntry) {
	for i := range path {
		path[i].node.hash = nil
	}
	for i := len(path) - 2; i >= 0; i-- {
		entry := path[i]
		if !path[i+1].node.isEmpty() {
			entry.node.Link[entry.linkIndex] = path[i+1].node
		} else {
			entry.node.Link[entry.linkIndex] = nil
		}
	}
	m.root = path[0].node
}

// split divides the given node into two, so they could be the left and
// right children of a parent entry with the given key. The key is not
// expected to already be present in the node.
func (m *Mast) split(ctx context.Context, node *mastNode, key uint64) (leftLink, rightLink interface{}, err error) {
	splitIndex := sort.Search(len(node.Key), func(i int) bool {
		return node.Key[i] > key
	})
	if splitIndex > 0 && node.Key[splitIndex-1] == key {
		return nil, nil, fmt.Errorf("split at already-present key %d", key)
	}
	left := &mastNode{
		Key:   append(make([]uint64, 0, m.branchFactor), node.Key[:splitIndex]...),
		Value: append(make([]Leaf, 0, m.branchFactor), node.Value[:splitIndex]...),
		Link:  append(make([]interface{}, 0, m.branchFactor+1), node.Link[:splitIndex+1]...),
	}
	right := &mastNode{
		Key:   append(make([]uint64, 0, m.branchFactor), node.Key[splitIndex:]...),
		Value: append(make([]Leaf, 0, m.branchFactor), node.Value[splitIndex:]...),
		Link:  append(make([]interface{}, 0, m.branchFactor+1), node.Link[splitIndex:]...),
	}

	// the subtree straddling the key is repartitioned between both sides
	if straddle := node.Link[splitIndex]; straddle != nil {
		child, err := m.load(ctx, straddle)
		if err != nil {
			return nil, nil, fmt.Errorf("load straddling child: %w", err)
		}
		tooSmall, tooBig, err := m.split(ctx, child, key)
		if err != nil {
			return nil, nil, err
		}
		left.Link[len(left.Link)-1] = tooSmall
		right.Link[0] = tooBig
	}
	if !left.isEmpty() {
		leftLink = left
	}
	if !right.isEmpty() {
		rightLink = right
	}
	return leftLink, rightLink, nil
}

func (node *mastNode) isEmpty() bool {
	return len(node.Link) == 1 && node.Link[0] == nil
}

type findOptions struct {
	targetLayer        uint8
	currentHeight      uint8
	createMissingNodes bool
	path               []pathEntry
}

func (node *mastNode) findNode(ctx context.Context, m *Mast, key uint64, options *findOptions) (*mastNode, int, error) {
	if len(node.Link) != len(node.Key)+1 {
		return nil, 0, fmt.Errorf("node has %d links for %d keys", len(node.Link), len(node.Key))
	}
	i := len(node.Key)
	// check max first, optimizing for in-order insertion
	if i > 0 && key <= node.Key[i-1] {
		i = sort.Search(i, func(i int) bool {
			return key <= node.Key[i]
		})
	}
	options.path = append(options.path, pathEntry{node, i})
	if (i < len(node.Key) && node.Key[i] == key) || options.currentHeight == options.targetLayer {
		return node, i, nil
	}
	if node.Link[i] == nil {
		if !options.createMissingNodes {
			return node, i, nil
		}
		node.Link[i] = emptyNodePointer(m.branchFactor)
	}
	child, err := m.load(ctx, node.Link[i])
	if err != nil {
		return nil, 0, fmt.Errorf("following %d: %w", i, err)
	}
	options.currentHeight--
	return child.findNode(ctx, m, key, options)
}

func emptyNodePointer(branchFactor uint) *mastNode {
	node := mastNode{
		Key:   make([]uint64, 0, branchFactor),
		Value: make([]Leaf, 0, branchFactor),
		Link:  make([]interface{}, 1, branchFactor+1),
	}
	return &node
}

// grow adds a layer above the current root.
func (m *Mast) grow(ctx context.Context) error {
	node, err := m.load(ctx, m.root)
	if err != nil {
		return fmt.Errorf("load root: %w", err)
	}
	newRoot := emptyNodePointer(m.branchFactor)
	if !node.isEmpty() {
		newRoot.Link[0] = m.root
	}
	m.root = newRoot
	m.height++
	m.log.Trace("Grew tree", "height", m.height)
	return nil
}

// shrink removes root layers that no longer hold any entries.
func (m *Mast) shrink(ctx context.Context) error {
	for m.height > 0 {
		node, err := m.load(ctx, m.root)
		if err != nil {
			return fmt.Errorf("load root: %w", err)
		}
		if len(node.Key) > 0 {
			return nil
		}
		if node.Link[0] != nil {
			m.root = node.Link[0]
		} else {
			m.root = emptyNodePointer(m.branchFactor)
		}
		m.height--
		m.log.Trace("Shrank tree", "height", m.height)
	}
	return nil
}

func (m *Mast) mergeNodes(ctx context.Context, leftLink, rightLink interface{}) (interface{}, error) {
	if leftLink == nil {
		return rightLink, nil
	}
	if rightLink == nil {
		return leftLink, nil
	}
	left, err := m.load(ctx, leftLink)
	if err != nil {
		return nil, fmt.Errorf("load left: %w", err)
	}
	right, err := m.load(ctx, rightLink)
	if err != nil {
		return nil, fmt.Errorf("load right: %w", err)
	}
	mergedLink, err := m.mergeNodes(ctx, left.Link[len(left.Link)-1], right.Link[0])
	if err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}
	combined := &mastNode{
		Key:   make([]uint64, 0, len(left.Key)+len(right.Key)),
		Value: make([]Leaf, 0, len(left.Key)+len(right.Key)),
		Link:  make([]interface{}, 0, len(left.Link)+len(right.Link)-1),
	}
	combined.Key = append(append(combined.Key, left.Key...), right.Key...)
	combined.Value = append(append(combined.Value, left.Value...), right.Value...)
	combined.Link = append(combined.Link, left.Link[:len(left.Link)-1]...)
	combined.Link = append(combined.Link, mergedLink)
	combined.Link = append(combined.Link, right.Link[1:]...)
	return combined, nil
}

func (node *mastNode) iter(ctx context.Context, f func(uint64, Leaf) error, m *Mast) error {
	for i, link := range node.Link {
		if link != nil {
			child, err := m.load(ctx, link)
			if err != nil {
				return err
			}
			err = child.iter(ctx, f, m)
			if err != nil {
				return err
			}
		}
		if i < len(node.Key) {
			err := f(node.Key[i], node.Value[i])
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (node *mastNode) max(ctx context.Context, m *Mast) (uint64, bool, error) {
	if last := node.Link[len(node.Link)-1]; last != nil {
		child, err := m.load(ctx, last)
		if err != nil {
			return 0, false, err
		}
		key, ok, err := child.max(ctx, m)
		if err != nil || ok {
			return key, ok, err
		}
	}
	if len(node.Key) == 0 {
		return 0, false, nil
	}
	return node.Key[len(node.Key)-1], true, nil
}

func (node *mastNode) xcopy() *mastNode {
	return &mastNode{
		Key:   slices.Clone(node.Key),
		Value: slices.Clone(node.Value),
		Link:  slices.Clone(node.Link),
		hash:  node.hash,
	}
}

// cloneLink deep-copies the in-memory part of a subtree; persisted nodes
// are immutable and shared.
func cloneLink(link interface{}) interface{} {
	node, ok := link.(*mastNode)
	if !ok {
		return link
	}
	c := node.xcopy()
	for i, l := range c.Link {
		c.Link[i] = cloneLink(l)
	}
	return c
}

// checkRoot verifies that a loaded root is consistent with the tree
// parameters it was loaded with.
func (m *Mast) checkRoot(ctx context.Context) error {
	node, err := m.load(ctx, m.root)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if len(node.Key) != len(node.Value) ||
		len(node.Link) != len(node.Key)+1 {
		return fmt.Errorf("improperly-formatted node")
	}
	if m.height > 0 && len(node.Key) == 0 {
		return fmt.Errorf("root at height %d holds no entries", m.height)
	}
	for i, key := range node.Key {
		if i > 0 && node.Key[i-1] >= key {
			return fmt.Errorf("inconsistent key order")
		}
		if layer(key, m.branchFactor) != m.height {
			return fmt.Errorf("inconsistent key layers; ensure using same branch factor as source")
		}
	}
	return nil
}

func (node *mastNode) string(ctx context.Context, indent string, m *Mast) (string, error) {
	var sb strings.Builder
	for i := range node.Link {
		label := ">"
		if i < len(node.Key) {
			label = fmt.Sprintf("%d: %v", node.Key[i], node.Value[i])
		}
		linkStr := ""
		if ls, ok := node.Link[i].(string); ok {
			linkStr = " link=" + ls
		}
		fmt.Fprintf(&sb, "%s%s%s {", indent, label, linkStr)
		if node.Link[i] == nil {
			sb.WriteString("}\n")
			continue
		}
		child, err := m.load(ctx, node.Link[i])
		if err != nil {
			return "", err
		}
		childStr, err := child.string(ctx, indent+"   ", m)
		if err != nil {
			return "", err
		}
		sb.WriteString("\n" + childStr + indent + "}\n")
	}
	return sb.String(), nil
}
