package mast

import (
	"context"
	"fmt"
)

// DiffType says how an entry differs between two versions of a tree.
type DiffType int

const (
	DiffType_Add DiffType = iota
	DiffType_Remove
	DiffType_Change
)

func (t DiffType) String() string {
	switch t {
	case DiffType_Add:
		return "add"
	case DiffType_Remove:
		return "remove"
	case DiffType_Change:
		return "change"
	}
	return fmt.Sprintf("DiffType(%d)", int(t))
}

// Diff is one entry that differs between two versions of a tree.
type Diff struct {
	Type     DiffType
	Key      uint64
	OldValue Leaf
	NewValue Leaf
}

type iterItem struct {
	considerLink interface{}
	key          uint64
	value        Leaf
}

// DiffIter invokes the given callback for every entry that is different from
// the given tree, in index order. The iteration will stop if the callback
// returns keepGoing==false or an error. Subtrees whose content hashes are
// equal are skipped without being loaded. A nil oldMast is treated as empty.
func (m *Mast) DiffIter(
	ctx context.Context,
	oldMast *Mast,
	f func(Diff) (keepGoing bool, err error),
) error {
	var oldStack iterItemStack
	if oldMast != nil {
		oldStack.pushLink(oldMast.root)
	}
	var newStack iterItemStack
	newStack.pushLink(m.root)
	for {
		o := oldStack.pop()
		n := newStack.pop()
		var d *Diff
		switch {
		case o == nil && n == nil:
			return nil
		case o == nil:
			if n.considerLink != nil {
				if err := m.expand(ctx, &newStack, n); err != nil {
					return err
				}
				continue
			}
			d = &Diff{Type: DiffType_Add, Key: n.key, NewValue: n.value}
		case n == nil:
			if o.considerLink != nil {
				if err := oldMast.expand(ctx, &oldStack, o); err != nil {
					return err
				}
				continue
			}
			d = &Diff{Type: DiffType_Remove, Key: o.key, OldValue: o.value}
		case o.considerLink != nil && n.considerLink != nil:
			same, err := m.sameLink(oldMast, o.considerLink, n.considerLink)
			if err != nil {
				return err
			}
			if same {
				continue
			}
			oldNode, err := oldMast.load(ctx, o.considerLink)
			if err != nil {
				return fmt.Errorf("load: %w", err)
			}
			if len(oldNode.Key) == 0 {
				// descend through empty intermediate
				oldStack.pushNode(oldNode)
				newStack.push(n)
				continue
			}
			newNode, err := m.load(ctx, n.considerLink)
			if err != nil {
				return fmt.Errorf("load: %w", err)
			}
			if len(newNode.Key) == 0 {
				oldStack.push(o)
				newStack.pushNode(newNode)
				continue
			}
			oldKey, newKey := oldNode.Key[0], newNode.Key[0]
			if oldKey <= newKey {
				oldStack.pushNode(oldNode)
			} else {
				oldStack.push(o)
			}
			if newKey <= oldKey {
				newStack.pushNode(newNode)
			} else {
				newStack.push(n)
			}
			continue
		case o.considerLink != nil:
			if err := oldMast.expand(ctx, &oldStack, o); err != nil {
				return err
			}
			newStack.push(n)
			continue
		case n.considerLink != nil:
			oldStack.push(o)
			if err := m.expand(ctx, &newStack, n); err != nil {
				return err
			}
			continue
		case o.key < n.key:
			newStack.push(n)
			d = &Diff{Type: DiffType_Remove, Key: o.key, OldValue: o.value}
		case o.key > n.key:
			oldStack.push(o)
			d = &Diff{Type: DiffType_Add, Key: n.key, NewValue: n.value}
		default:
			if o.value == n.value {
				continue
			}
			d = &Diff{Type: DiffType_Change, Key: n.key, OldValue: o.value, NewValue: n.value}
		}
		keepGoing, err := f(*d)
		if err != nil {
			return fmt.Errorf("callback: %w", err)
		}
		if !keepGoing {
			return nil
		}
	}
}

// sameLink reports whether two links, one from each tree, name subtrees
// with identical content.
func (m *Mast) sameLink(oldMast *Mast, oldLink, newLink interface{}) (bool, error) {
	if oldLink == newLink {
		return true, nil
	}
	_, oldInMemory := oldLink.(*mastNode)
	_, newInMemory := newLink.(*mastNode)
	if !oldInMemory && !newInMemory {
		return false, nil
	}
	oldDigest, err := oldMast.linkDigest(oldLink)
	if err != nil {
		return false, fmt.Errorf("hash old: %w", err)
	}
	newDigest, err := m.linkDigest(newLink)
	if err != nil {
		return false, fmt.Errorf("hash new: %w", err)
	}
	return oldDigest == newDigest, nil
}

func (m *Mast) expand(ctx context.Context, stack *iterItemStack, item *iterItem) error {
	node, err := m.load(ctx, item.considerLink)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	stack.pushNode(node)
	return nil
}

type iterItemStack struct {
	things []iterItem
}

func (stack *iterItemStack) pop() *iterItem {
	if len(stack.things) > 0 {
		popped := stack.things[len(stack.things)-1]
		stack.things = stack.things[0 : len(stack.things)-1]
		return &popped
	}
	return nil
}

// pushNode pushes a node's links and entries so that they pop in order.
func (stack *iterItemStack) pushNode(node *mastNode) {
	for n := range node.Key {
		i := len(node.Key) - n
		stack.pushLink(node.Link[i])
		stack.push(&iterItem{key: node.Key[i-1], value: node.Value[i-1]})
	}
	stack.pushLink(node.Link[0])
}

func (stack *iterItemStack) pushLink(link interface{}) {
	if link == nil {
		return
	}
	if node, ok := link.(*mastNode); ok && node.isEmpty() {
		return
	}
	stack.push(&iterItem{considerLink: link})
}

func (stack *iterItemStack) push(item *iterItem) {
	stack.things = append(stack.things, *item)
}
