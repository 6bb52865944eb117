package mast

import lru "github.com/hashicorp/golang-lru"

// NodeCache holds decoded nodes by name. A name in the cache has already
// been persisted, so flushes skip it; share a cache only between trees
// that use the same Persist. A nil *NodeCache caches nothing.
type NodeCache struct {
	arc *lru.ARCCache
}

// NewNodeCache returns an ARC cache of up to size nodes. One cache can be
// shared by any number of trees.
func NewNodeCache(size int) *NodeCache {
	arc, err := lru.NewARC(size)
	if err != nil {
		panic(err)
	}
	return &NodeCache{arc: arc}
}

// Len returns the number of cached nodes.
func (c *NodeCache) Len() int {
	if c == nil {
		return 0
	}
	return c.arc.Len()
}

// Purge empties the cache, e.g. after switching Persist.
func (c *NodeCache) Purge() {
	if c != nil {
		c.arc.Purge()
	}
}

// get returns a private copy of the named node.
func (c *NodeCache) get(name string) (*mastNode, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.arc.Get(name)
	if !ok {
		return nil, false
	}
	return v.(*mastNode).xcopy(), true
}

// add records a node that is known to be persisted under name. The node
// must not be modified afterwards.
func (c *NodeCache) add(name string, node *mastNode) {
	if c != nil {
		c.arc.Add(name, node)
	}
}

func (c *NodeCache) persisted(name string) bool {
	return c != nil && c.arc.Contains(name)
}
