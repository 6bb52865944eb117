package mast

import (
	"context"
	"fmt"
	"slices"

	"github.com/minio/blake2b-simd"
	"golang.org/x/sync/errgroup"

	"github.com/jrhy/finalize/fault"
)

// storeConcurrency bounds the number of nodes written at once by a flush.
const storeConcurrency = 40

func (m *Mast) load(ctx context.Context, link interface{}) (*mastNode, error) {
	switch l := link.(type) {
	case string:
		return m.loadPersisted(ctx, l)
	case *mastNode:
		return l, nil
	default:
		return nil, fmt.Errorf("unknown link type %T", l)
	}
}

// loadPersisted returns a private copy of the named node, verifying that
// its content matches its name.
func (m *Mast) loadPersisted(ctx context.Context, l string) (*mastNode, error) {
	if node, ok := m.nodeCache.get(l); ok {
		return node, nil
	}
	if m.persist == nil {
		return nil, fmt.Errorf("no persistence mechanism to load %s", l)
	}
	nodeBytes, err := m.persist.Load(ctx, l)
	if err != nil {
		return nil, fmt.Errorf("persist load %s: %w", l, err)
	}
	digest := Digest(blake2b.Sum256(nodeBytes))
	if linkName(digest) != l {
		return nil, fmt.Errorf("node %s has content hash %s: %w", l, linkName(digest), fault.ErrInvalidEncoding)
	}
	var node mastNode
	err = unmarshalMastNode(nodeBytes, &node)
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", l, err)
	}
	node.hash = &digest
	m.log.Trace("Loaded node", "link", l, "keys", len(node.Key))
	m.nodeCache.add(l, node.xcopy())
	return &node, nil
}

// linkDigest returns the content hash of the node behind a link, hashing
// in-memory nodes as needed.
func (m *Mast) linkDigest(link interface{}) (Digest, error) {
	switch l := link.(type) {
	case string:
		return parseLinkName(l)
	case *mastNode:
		return m.hashNode(l)
	default:
		return Digest{}, fmt.Errorf("don't know how to hash link of type %T", l)
	}
}

func (m *Mast) hashNode(node *mastNode) (Digest, error) {
	if node.hash != nil {
		return *node.hash, nil
	}
	encoded, err := marshalMastNode(node, m.linkDigest)
	if err != nil {
		return Digest{}, err
	}
	digest := Digest(blake2b.Sum256(encoded))
	node.hash = &digest
	return digest, nil
}

// flush serializes changes (new nodes) into the persistent store, returning
// the name of the root node, or "" for an empty tree.
func (m *Mast) flush(ctx context.Context) (string, error) {
	if m.persist == nil {
		return "", fmt.Errorf("no persistence mechanism set; set Config.StoreImmutablePartsWith")
	}
	if name, ok := m.root.(string); ok {
		return name, nil
	}
	node, err := m.load(ctx, m.root)
	if err != nil {
		return "", fmt.Errorf("load root: %w", err)
	}
	if node.isEmpty() {
		return "", nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(storeConcurrency)
	var swaps []linkSwap
	name, err := m.storeNode(gctx, g, node, &swaps)
	if werr := g.Wait(); err == nil {
		err = werr
	}
	if err != nil {
		return "", err
	}
	// every node is stored, so in-memory children can give way to names
	for _, sw := range swaps {
		sw.node.Link = sw.links
	}
	m.log.Debug("Flushed tree", "root", name, "size", m.size, "nodes", len(swaps))
	m.root = name
	return name, nil
}

// linkSwap holds the links a node takes once its children are persisted.
type linkSwap struct {
	node  *mastNode
	links []interface{}
}

// storeNode schedules node and its in-memory descendants to be stored on
// g, returning node's name. The tree itself is left alone; swaps collects
// the links to install once g succeeds, so a failed flush can be retried.
func (m *Mast) storeNode(ctx context.Context, g *errgroup.Group, node *mastNode, swaps *[]linkSwap) (string, error) {
	links := slices.Clone(node.Link)
	for i, link := range links {
		child, ok := link.(*mastNode)
		if !ok {
			continue
		}
		name, err := m.storeNode(ctx, g, child, swaps)
		if err != nil {
			return "", fmt.Errorf("flush: %w", err)
		}
		links[i] = name
	}
	persisted := &mastNode{Key: node.Key, Value: node.Value, Link: links}
	encoded, err := marshalMastNode(persisted, m.linkDigest)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	digest := Digest(blake2b.Sum256(encoded))
	node.hash = &digest
	persisted.hash = &digest
	name := linkName(digest)
	*swaps = append(*swaps, linkSwap{node, links})
	if m.nodeCache.persisted(name) {
		return name, nil
	}
	cached := persisted.xcopy()
	g.Go(func() error {
		if err := m.persist.Store(ctx, name, encoded); err != nil {
			return fmt.Errorf("persist store %s: %w", name, err)
		}
		m.nodeCache.add(name, cached)
		return nil
	})
	return name, nil
}
