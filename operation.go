package finalize

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/jrhy/finalize/fault"
	"github.com/jrhy/finalize/field"
)

// OperationKind is the variant of an Operation. Its value is the tag byte
// of the encoding.
type OperationKind uint8

const (
	InitializeMappingKind OperationKind = 0
	InsertKeyValueKind    OperationKind = 1
	UpdateKeyValueKind    OperationKind = 2
	RemoveKeyValueKind    OperationKind = 3
	RemoveMappingKind     OperationKind = 4
)

func (k OperationKind) String() string {
	switch k {
	case InitializeMappingKind:
		return "initialize_mapping"
	case InsertKeyValueKind:
		return "insert_key_value"
	case UpdateKeyValueKind:
		return "update_key_value"
	case RemoveKeyValueKind:
		return "remove_key_value"
	case RemoveMappingKind:
		return "remove_mapping"
	}
	return fmt.Sprintf("operation(%d)", uint8(k))
}

func (k OperationKind) hasIndex() bool {
	return k == UpdateKeyValueKind || k == RemoveKeyValueKind
}

func (k OperationKind) hasKeyValue() bool {
	return k == InsertKeyValueKind || k == UpdateKeyValueKind
}

// Operation is one finalize mutation of the mapping store. Operations are
// immutable values, comparable with ==.
type Operation struct {
	kind    OperationKind
	mapping field.ID
	index   uint64
	key     field.ID
	value   field.ID
}

// InitializeMapping creates the empty mapping m.
func InitializeMapping(m field.ID) Operation {
	return Operation{kind: InitializeMappingKind, mapping: m}
}

// InsertKeyValue appends (k, v) to mapping m at its next index.
func InsertKeyValue(m, k, v field.ID) Operation {
	return Operation{kind: InsertKeyValueKind, mapping: m, key: k, value: v}
}

// UpdateKeyValue overwrites the leaf at index i of mapping m with (k, v).
func UpdateKeyValue(m field.ID, i uint64, k, v field.ID) Operation {
	return Operation{kind: UpdateKeyValueKind, mapping: m, index: i, key: k, value: v}
}

// RemoveKeyValue deletes the leaf at index i of mapping m.
func RemoveKeyValue(m field.ID, i uint64) Operation {
	return Operation{kind: RemoveKeyValueKind, mapping: m, index: i}
}

// RemoveMapping deletes mapping m with all its leaves.
func RemoveMapping(m field.ID) Operation {
	return Operation{kind: RemoveMappingKind, mapping: m}
}

func (op Operation) Kind() OperationKind { return op.kind }

// MappingID returns the mapping the operation applies to.
func (op Operation) MappingID() field.ID { return op.mapping }

// Index returns the leaf index addressed by an update or remove.
func (op Operation) Index() (uint64, bool) { return op.index, op.kind.hasIndex() }

// Key returns the key ID written by an insert or update.
func (op Operation) Key() (field.ID, bool) { return op.key, op.kind.hasKeyValue() }

// Value returns the value ID written by an insert or update.
func (op Operation) Value() (field.ID, bool) { return op.value, op.kind.hasKeyValue() }

func (op Operation) String() string {
	switch op.kind {
	case InitializeMappingKind, RemoveMappingKind:
		return fmt.Sprintf("%s(%s)", op.kind, op.mapping.Short())
	case InsertKeyValueKind:
		return fmt.Sprintf("%s(%s, %s, %s)", op.kind, op.mapping.Short(), op.key.Short(), op.value.Short())
	case UpdateKeyValueKind:
		return fmt.Sprintf("%s(%s, %d, %s, %s)", op.kind, op.mapping.Short(), op.index, op.key.Short(), op.value.Short())
	case RemoveKeyValueKind:
		return fmt.Sprintf("%s(%s, %d)", op.kind, op.mapping.Short(), op.index)
	}
	return op.kind.String()
}

// Write writes the operation as a tag byte followed by the mapping ID, the
// index for updates and removes, then the key and value IDs for inserts and
// updates.
func (op Operation) Write(w io.Writer) error {
	if op.kind > RemoveMappingKind {
		return fmt.Errorf("operation kind %d: %w", op.kind, fault.ErrInvalidEncoding)
	}
	if _, err := w.Write([]byte{byte(op.kind)}); err != nil {
		return err
	}
	if err := op.mapping.Write(w); err != nil {
		return err
	}
	if op.kind.hasIndex() {
		if err := writeU64(w, op.index); err != nil {
			return err
		}
	}
	if op.kind.hasKeyValue() {
		if err := op.key.Write(w); err != nil {
			return err
		}
		if err := op.value.Write(w); err != nil {
			return err
		}
	}
	return nil
}

// ReadOperation reads an operation written by Write.
func ReadOperation(r io.Reader) (Operation, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return Operation{}, fmt.Errorf("read operation variant: %w", err)
	}
	kind := OperationKind(tag[0])
	if kind > RemoveMappingKind {
		return Operation{}, fmt.Errorf("failed to deserialize finalize operation variant %d: %w", tag[0], fault.ErrInvalidEncoding)
	}
	op := Operation{kind: kind}
	var err error
	op.mapping, err = field.Read(r)
	if err != nil {
		return Operation{}, fmt.Errorf("%s mapping: %w", kind, err)
	}
	if kind.hasIndex() {
		op.index, err = readU64(r)
		if err != nil {
			return Operation{}, fmt.Errorf("%s index: %w", kind, err)
		}
	}
	if kind.hasKeyValue() {
		op.key, err = field.Read(r)
		if err != nil {
			return Operation{}, fmt.Errorf("%s key: %w", kind, err)
		}
		op.value, err = field.Read(r)
		if err != nil {
			return Operation{}, fmt.Errorf("%s value: %w", kind, err)
		}
	}
	return op, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (op Operation) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := op.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (op *Operation) UnmarshalBinary(b []byte) error {
	r := bytes.NewReader(b)
	got, err := ReadOperation(r)
	if err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes after operation: %w", r.Len(), fault.ErrInvalidEncoding)
	}
	*op = got
	return nil
}

func writeU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
