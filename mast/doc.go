/*
Package mast provides an authenticated, versioned, diffable map from
uint64 leaf index to Leaf, implemented as a Merkle Search Tree (MST).
Masts can be huge (not limited to memory), and can be stored in
anything, like a filesystem, KV store, or blob store.

# What are MSTs

Mast is an implementation of the structure described in the paper,
"Merkle Search Trees: Efficient State-Based CRDTs in Open Networks",
by Alex Auvolat and François Taïani, 2019
(https://hal.inria.fr/hal-02303490/document).

MSTs are similar to persistent B-Trees, except an entry's layer
(distance to leaves) is deterministically calculated from its key,
obviating the need for rebalancing or rotations, and resulting in
the property of converging to the same shape no matter the order in
which entries are inserted and deleted. Here the layer of an index is
the number of trailing zero digits it has in the tree's branch factor,
and the height of the tree is the highest layer of any of its
indices, so two trees holding the same entries have the same nodes
and the same Digest.

Like other Merkle structures, two versions can be compared cheaply:
equal node hashes imply equal subtrees, which DiffIter skips.

# Persistence

Nodes are named by the base64url encoding of the blake2b-256 hash of
their serialization, and written through a Persist by MakeRoot. A
Root records the name of the root node together with the tree's size,
height and branch factor; Root.LoadMast reopens it, loading and
verifying nodes on demand. A NodeCache shared by trees avoids
re-loading and re-storing nodes.
*/
package mast
