package program

import (
	"fmt"

	"github.com/jrhy/finalize/fault"
)

// Find resolves path against root and returns an independent copy of the
// value it names. Every segment but the last must land on a struct or list;
// the last may land on any value. Find never modifies root and is safe to
// call concurrently on a shared tree.
func Find(root Plaintext, path []Access) (Plaintext, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("attempted to find plaintext with an empty path: %w", fault.ErrMalformedPath)
	}
	if root == nil {
		return nil, fmt.Errorf("nil plaintext: %w", fault.ErrNotAContainer)
	}
	if _, ok := root.(Literal); ok {
		return nil, fmt.Errorf("'%s' is not a struct or list: %w", root, fault.ErrNotAContainer)
	}

	current := root
	for i, access := range path {
		child, err := step(current, access)
		if err != nil {
			return nil, fmt.Errorf("path %s at segment %d: %w", pathString(path), i, err)
		}
		if i == len(path)-1 {
			return child.Clone(), nil
		}
		if _, ok := child.(Literal); ok {
			return nil, fmt.Errorf("'%s' must be a struct or list: %w", access, fault.ErrTypeMismatch)
		}
		current = child
	}
	panic("unreachable")
}

// step applies one access to a container.
func step(container Plaintext, access Access) (Plaintext, error) {
	switch c := container.(type) {
	case Struct:
		name, ok := access.Member()
		if !ok {
			return nil, fmt.Errorf("invalid access '%s' for struct: %w", access, fault.ErrInvalidAccess)
		}
		member, found := c.Get(name)
		if !found || member == nil {
			return nil, fmt.Errorf("failed to locate member '%s': %w", name, fault.ErrNotFound)
		}
		return member, nil
	case List:
		index, ok := access.Index()
		if !ok {
			return nil, fmt.Errorf("invalid access '%s' for list: %w", access, fault.ErrInvalidAccess)
		}
		element, found := c.Get(index)
		if !found || element == nil {
			return nil, fmt.Errorf("index %d is out of bounds for list of %d: %w", index, len(c), fault.ErrNotFound)
		}
		return element, nil
	}
	return nil, fmt.Errorf("invalid access '%s' for %s: %w", access, container.Kind(), fault.ErrInvalidAccess)
}

func pathString(path []Access) string {
	s := ""
	for _, a := range path {
		s += a.String()
	}
	return s
}

// Find is Find(s, path).
func (s Struct) Find(path ...Access) (Plaintext, error) { return Find(s, path) }

// Find is Find(l, path).
func (l List) Find(path ...Access) (Plaintext, error) { return Find(l, path) }
