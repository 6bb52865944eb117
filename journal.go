package finalize

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/jrhy/finalize/fault"
	"github.com/jrhy/finalize/field"
)

// Journal is the ordered, append-only list of operations produced by one
// block's finalize execution.
type Journal struct {
	ops []Operation
}

// NewJournal returns a journal holding ops in order.
func NewJournal(ops ...Operation) *Journal {
	return &Journal{ops: slices.Clone(ops)}
}

// Append records op after every operation already in the journal.
func (j *Journal) Append(op Operation) {
	j.ops = append(j.ops, op)
}

// Operations returns a copy of the journal's operations in order.
func (j *Journal) Operations() []Operation {
	return slices.Clone(j.ops)
}

func (j *Journal) Len() int {
	return len(j.ops)
}

// MappingIDs returns each mapping touched by the journal once, in the order
// it first appears.
func (j *Journal) MappingIDs() []field.ID {
	seen := map[field.ID]struct{}{}
	var ids []field.ID
	for _, op := range j.ops {
		m := op.MappingID()
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		ids = append(ids, m)
	}
	return ids
}

// Write writes a u32 operation count followed by each operation.
func (j *Journal) Write(w io.Writer) error {
	if len(j.ops) > math.MaxUint32 {
		return fmt.Errorf("journal of %d operations: %w", len(j.ops), fault.ErrOutOfRange)
	}
	if err := writeU32(w, uint32(len(j.ops))); err != nil {
		return err
	}
	for i, op := range j.ops {
		if err := op.Write(w); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return nil
}

// ReadJournal reads a journal written by Write.
func ReadJournal(r io.Reader) (*Journal, error) {
	count, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("read journal length: %w", err)
	}
	j := &Journal{}
	for i := uint32(0); i < count; i++ {
		op, err := ReadOperation(r)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		j.ops = append(j.ops, op)
	}
	return j, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (j *Journal) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := j.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (j *Journal) UnmarshalBinary(b []byte) error {
	r := bytes.NewReader(b)
	got, err := ReadJournal(r)
	if err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes after journal: %w", r.Len(), fault.ErrInvalidEncoding)
	}
	*j = *got
	return nil
}
