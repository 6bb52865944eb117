package mast

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jrhy/finalize/fault"
	"github.com/jrhy/finalize/field"
)

// Digest is the content hash of a node. The digest of the root node
// commits to every entry in the tree.
type Digest [32]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// linkName is the name a node is persisted under.
func linkName(d Digest) string {
	return base64.RawURLEncoding.EncodeToString(d[:])
}

func parseLinkName(name string) (Digest, error) {
	var d Digest
	b, err := base64.RawURLEncoding.DecodeString(name)
	if err != nil {
		return d, fmt.Errorf("link %q: %w", name, err)
	}
	if len(b) != len(d) {
		return d, fmt.Errorf("link %q has %d bytes: %w", name, len(b), fault.ErrInvalidEncoding)
	}
	copy(d[:], b)
	return d, nil
}

func appendLength(buf []byte, n int) []byte {
	var tmpbuf [binary.MaxVarintLen64]byte
	len := binary.PutUvarint(tmpbuf[:], uint64(n))
	return append(buf, tmpbuf[:len]...)
}

func decodeLength(buf []byte, n *uint64) ([]byte, error) {
	k, len := binary.Uvarint(buf)
	if len <= 0 {
		return nil, errors.New("bad length")
	}
	*n = k
	return buf[len:], nil
}

const (
	linkAbsent  = 0
	linkPresent = 1
	leafSize    = 2 * field.Size
)

// marshalMastNode encodes a node. Child links are encoded by digest, which
// linkDigest resolves.
func marshalMastNode(node *mastNode, linkDigest func(interface{}) (Digest, error)) ([]byte, error) {
	buf := make([]byte, 0, 1+len(node.Key)*(2+leafSize)+len(node.Link)*(1+len(Digest{})))
	buf = appendLength(buf, len(node.Key))
	for _, key := range node.Key {
		buf = binary.AppendUvarint(buf, key)
	}
	for _, leaf := range node.Value {
		k := leaf.Key.Bytes()
		v := leaf.Value.Bytes()
		buf = append(buf, k[:]...)
		buf = append(buf, v[:]...)
	}
	for _, link := range node.Link {
		if link == nil {
			buf = append(buf, linkAbsent)
			continue
		}
		d, err := linkDigest(link)
		if err != nil {
			return nil, err
		}
		buf = append(buf, linkPresent)
		buf = append(buf, d[:]...)
	}
	return buf, nil
}

func unmarshalMastNode(buf []byte, node *mastNode) error {
	var total uint64
	buf, err := decodeLength(buf, &total)
	if err != nil {
		return fmt.Errorf("key count: %w", err)
	}
	if total > uint64(len(buf))/(1+leafSize) {
		return fmt.Errorf("%d keys in %d bytes: %w", total, len(buf), fault.ErrInvalidEncoding)
	}
	node.Key = make([]uint64, total)
	for i := range node.Key {
		buf, err = decodeLength(buf, &node.Key[i])
		if err != nil {
			return fmt.Errorf("key %d: %w", i, err)
		}
		if i > 0 && node.Key[i-1] >= node.Key[i] {
			return fmt.Errorf("keys out of order at %d: %w", i, fault.ErrInvalidEncoding)
		}
	}
	node.Value = make([]Leaf, total)
	for i := range node.Value {
		if len(buf) < leafSize {
			return fmt.Errorf("value %d truncated: %w", i, fault.ErrInvalidEncoding)
		}
		if node.Value[i].Key, err = field.FromBytes(buf[:field.Size]); err != nil {
			return fmt.Errorf("value %d key: %w", i, err)
		}
		if node.Value[i].Value, err = field.FromBytes(buf[field.Size:leafSize]); err != nil {
			return fmt.Errorf("value %d value: %w", i, err)
		}
		buf = buf[leafSize:]
	}
	node.Link = make([]interface{}, total+1)
	for i := range node.Link {
		if len(buf) == 0 {
			return fmt.Errorf("link %d truncated: %w", i, fault.ErrInvalidEncoding)
		}
		switch buf[0] {
		case linkAbsent:
			buf = buf[1:]
		case linkPresent:
			var d Digest
			if len(buf) < 1+len(d) {
				return fmt.Errorf("link %d truncated: %w", i, fault.ErrInvalidEncoding)
			}
			copy(d[:], buf[1:])
			node.Link[i] = linkName(d)
			buf = buf[1+len(d):]
		default:
			return fmt.Errorf("link %d has tag %d: %w", i, buf[0], fault.ErrInvalidEncoding)
		}
	}
	if len(buf) != 0 {
		return fmt.Errorf("%d trailing bytes: %w", len(buf), fault.ErrInvalidEncoding)
	}
	return nil
}
