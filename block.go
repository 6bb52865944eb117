package finalize

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/jrhy/finalize/fault"
	"github.com/jrhy/finalize/mast"
)

// BlockRecord is what the ledger retains of a finalized block: the journal
// that was applied, the rollbacks that undo it, and the state roots on
// either side.
type BlockRecord struct {
	Height    uint64
	Journal   *Journal
	Rollbacks []Rollback
	PriorRoot mast.Digest
	StateRoot mast.Digest
}

// Write writes the record as height, prior root, state root, journal, then
// a u32 rollback count followed by each rollback.
func (b *BlockRecord) Write(w io.Writer) error {
	if err := writeU64(w, b.Height); err != nil {
		return err
	}
	if _, err := w.Write(b.PriorRoot[:]); err != nil {
		return err
	}
	if _, err := w.Write(b.StateRoot[:]); err != nil {
		return err
	}
	journal := b.Journal
	if journal == nil {
		journal = &Journal{}
	}
	if err := journal.Write(w); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	if len(b.Rollbacks) > math.MaxUint32 {
		return fmt.Errorf("%d rollbacks: %w", len(b.Rollbacks), fault.ErrOutOfRange)
	}
	if err := writeU32(w, uint32(len(b.Rollbacks))); err != nil {
		return err
	}
	for i, rb := range b.Rollbacks {
		if err := rb.Write(w); err != nil {
			return fmt.Errorf("rollback %d: %w", i, err)
		}
	}
	return nil
}

// ReadBlockRecord reads a record written by Write.
func ReadBlockRecord(r io.Reader) (*BlockRecord, error) {
	var b BlockRecord
	var err error
	b.Height, err = readU64(r)
	if err != nil {
		return nil, fmt.Errorf("read height: %w", err)
	}
	if _, err := io.ReadFull(r, b.PriorRoot[:]); err != nil {
		return nil, fmt.Errorf("read prior root: %w", err)
	}
	if _, err := io.ReadFull(r, b.StateRoot[:]); err != nil {
		return nil, fmt.Errorf("read state root: %w", err)
	}
	b.Journal, err = ReadJournal(r)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	count, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("read rollback count: %w", err)
	}
	for i := uint32(0); i < count; i++ {
		rb, err := ReadRollback(r)
		if err != nil {
			return nil, fmt.Errorf("rollback %d: %w", i, err)
		}
		b.Rollbacks = append(b.Rollbacks, rb)
	}
	return &b, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (b *BlockRecord) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := b.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (b *BlockRecord) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	got, err := ReadBlockRecord(r)
	if err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes after block record: %w", r.Len(), fault.ErrInvalidEncoding)
	}
	*b = *got
	return nil
}
