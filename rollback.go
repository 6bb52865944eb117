package finalize

import (
	"bytes"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/jrhy/finalize/fault"
	"github.com/jrhy/finalize/field"
	"github.com/jrhy/finalize/store"
)

// RollbackKind is the variant of a Rollback. Its value is the tag byte of
// the encoding.
type RollbackKind uint8

const (
	// RollbackRemoveMapping undoes InitializeMapping.
	RollbackRemoveMapping RollbackKind = 0
	// RollbackRemoveKeyValue undoes InsertKeyValue.
	RollbackRemoveKeyValue RollbackKind = 1
	// RollbackUpdateKeyValue undoes UpdateKeyValue.
	RollbackUpdateKeyValue RollbackKind = 2
	// RollbackReinsertKeyValue undoes RemoveKeyValue.
	RollbackReinsertKeyValue RollbackKind = 3
	// RollbackRestoreMapping undoes RemoveMapping.
	RollbackRestoreMapping RollbackKind = 4
)

func (k RollbackKind) String() string {
	switch k {
	case RollbackRemoveMapping:
		return "remove_mapping"
	case RollbackRemoveKeyValue:
		return "remove_key_value"
	case RollbackUpdateKeyValue:
		return "update_key_value"
	case RollbackReinsertKeyValue:
		return "reinsert_key_value"
	case RollbackRestoreMapping:
		return "restore_mapping"
	}
	return fmt.Sprintf("rollback(%d)", uint8(k))
}

func (k RollbackKind) hasIndex() bool {
	return k == RollbackRemoveKeyValue || k == RollbackUpdateKeyValue || k == RollbackReinsertKeyValue
}

func (k RollbackKind) hasKeyValue() bool {
	return k == RollbackUpdateKeyValue || k == RollbackReinsertKeyValue
}

// Rollback is the exact inverse of one applied Operation, carrying the
// state the operation destroyed.
type Rollback struct {
	kind    RollbackKind
	mapping field.ID
	index   uint64
	key     field.ID
	value   field.ID
	leaves  []store.Leaf
}

// RemoveMappingRollback removes the mapping m that was initialized.
func RemoveMappingRollback(m field.ID) Rollback {
	return Rollback{kind: RollbackRemoveMapping, mapping: m}
}

// RemoveKeyValueRollback removes the leaf inserted at index i.
func RemoveKeyValueRollback(m field.ID, i uint64) Rollback {
	return Rollback{kind: RollbackRemoveKeyValue, mapping: m, index: i}
}

// UpdateKeyValueRollback writes back the leaf (k0, v0) that was at index i.
func UpdateKeyValueRollback(m field.ID, i uint64, k0, v0 field.ID) Rollback {
	return Rollback{kind: RollbackUpdateKeyValue, mapping: m, index: i, key: k0, value: v0}
}

// ReinsertKeyValueRollback re-seats the removed leaf (k0, v0) at index i.
func ReinsertKeyValueRollback(m field.ID, i uint64, k0, v0 field.ID) Rollback {
	return Rollback{kind: RollbackReinsertKeyValue, mapping: m, index: i, key: k0, value: v0}
}

// RestoreMappingRollback recreates the removed mapping m with its leaves.
func RestoreMappingRollback(m field.ID, leaves []store.Leaf) Rollback {
	return Rollback{kind: RollbackRestoreMapping, mapping: m, leaves: slices.Clip(append([]store.Leaf(nil), leaves...))}
}

func (rb Rollback) Kind() RollbackKind { return rb.kind }

// MappingID returns the mapping the rollback applies to.
func (rb Rollback) MappingID() field.ID { return rb.mapping }

// Index returns the leaf index the rollback addresses.
func (rb Rollback) Index() (uint64, bool) { return rb.index, rb.kind.hasIndex() }

// Key returns the prior key ID the rollback writes back.
func (rb Rollback) Key() (field.ID, bool) { return rb.key, rb.kind.hasKeyValue() }

// Value returns the prior value ID the rollback writes back.
func (rb Rollback) Value() (field.ID, bool) { return rb.value, rb.kind.hasKeyValue() }

// Leaves returns the snapshot restored by a RollbackRestoreMapping.
func (rb Rollback) Leaves() []store.Leaf { return slices.Clone(rb.leaves) }

// Equal reports whether two rollbacks are the same.
func (rb Rollback) Equal(other Rollback) bool {
	return rb.kind == other.kind &&
		rb.mapping == other.mapping &&
		rb.index == other.index &&
		rb.key == other.key &&
		rb.value == other.value &&
		slices.Equal(rb.leaves, other.leaves)
}

func (rb Rollback) String() string {
	switch rb.kind {
	case RollbackRemoveMapping:
		return fmt.Sprintf("%s(%s)", rb.kind, rb.mapping.Short())
	case RollbackRemoveKeyValue:
		return fmt.Sprintf("%s(%s, %d)", rb.kind, rb.mapping.Short(), rb.index)
	case RollbackUpdateKeyValue, RollbackReinsertKeyValue:
		return fmt.Sprintf("%s(%s, %d, %s, %s)", rb.kind, rb.mapping.Short(), rb.index, rb.key.Short(), rb.value.Short())
	case RollbackRestoreMapping:
		leaves := make([]string, len(rb.leaves))
		for i, l := range rb.leaves {
			leaves[i] = l.String()
		}
		return fmt.Sprintf("%s(%s, [%s])", rb.kind, rb.mapping.Short(), strings.Join(leaves, " "))
	}
	return rb.kind.String()
}

// Write writes the rollback as a tag byte followed by the mapping ID and
// the variant's payload. A restore carries a u64 leaf count then each
// leaf's index, key and value.
func (rb Rollback) Write(w io.Writer) error {
	if rb.kind > RollbackRestoreMapping {
		return fmt.Errorf("rollback kind %d: %w", rb.kind, fault.ErrInvalidEncoding)
	}
	if _, err := w.Write([]byte{byte(rb.kind)}); err != nil {
		return err
	}
	if err := rb.mapping.Write(w); err != nil {
		return err
	}
	if rb.kind.hasIndex() {
		if err := writeU64(w, rb.index); err != nil {
			return err
		}
	}
	if rb.kind.hasKeyValue() {
		if err := rb.key.Write(w); err != nil {
			return err
		}
		if err := rb.value.Write(w); err != nil {
			return err
		}
	}
	if rb.kind == RollbackRestoreMapping {
		if err := writeU64(w, uint64(len(rb.leaves))); err != nil {
			return err
		}
		for _, l := range rb.leaves {
			if err := writeU64(w, l.Index); err != nil {
				return err
			}
			if err := l.Key.Write(w); err != nil {
				return err
			}
			if err := l.Value.Write(w); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadRollback reads a rollback written by Write.
func ReadRollback(r io.Reader) (Rollback, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return Rollback{}, fmt.Errorf("read rollback variant: %w", err)
	}
	kind := RollbackKind(tag[0])
	if kind > RollbackRestoreMapping {
		return Rollback{}, fmt.Errorf("failed to deserialize rollback operation variant %d: %w", tag[0], fault.ErrInvalidEncoding)
	}
	rb := Rollback{kind: kind}
	var err error
	rb.mapping, err = field.Read(r)
	if err != nil {
		return Rollback{}, fmt.Errorf("%s mapping: %w", kind, err)
	}
	if kind.hasIndex() {
		rb.index, err = readU64(r)
		if err != nil {
			return Rollback{}, fmt.Errorf("%s index: %w", kind, err)
		}
	}
	if kind.hasKeyValue() {
		rb.key, err = field.Read(r)
		if err != nil {
			return Rollback{}, fmt.Errorf("%s key: %w", kind, err)
		}
		rb.value, err = field.Read(r)
		if err != nil {
			return Rollback{}, fmt.Errorf("%s value: %w", kind, err)
		}
	}
	if kind == RollbackRestoreMapping {
		count, err := readU64(r)
		if err != nil {
			return Rollback{}, fmt.Errorf("%s leaf count: %w", kind, err)
		}
		// grown as leaves arrive; count is untrusted
		for i := uint64(0); i < count; i++ {
			var l store.Leaf
			l.Index, err = readU64(r)
			if err == nil {
				l.Key, err = field.Read(r)
			}
			if err == nil {
				l.Value, err = field.Read(r)
			}
			if err != nil {
				return Rollback{}, fmt.Errorf("%s leaf %d: %w", kind, i, err)
			}
			rb.leaves = append(rb.leaves, l)
		}
		rb.leaves = slices.Clip(rb.leaves)
	}
	return rb, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (rb Rollback) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := rb.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (rb *Rollback) UnmarshalBinary(b []byte) error {
	r := bytes.NewReader(b)
	got, err := ReadRollback(r)
	if err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes after rollback: %w", r.Len(), fault.ErrInvalidEncoding)
	}
	*rb = got
	return nil
}
