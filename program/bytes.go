package program

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/jrhy/finalize/fault"
)

// MaxDepth bounds the nesting of a decoded Plaintext.
const MaxDepth = 32

// MaxStructMembers bounds the number of members in one struct; it must fit
// the u8 member count.
const MaxStructMembers = 0xff

// MarshalPlaintext returns the canonical encoding of p. Logically identical
// values always produce identical bytes.
func MarshalPlaintext(p Plaintext) ([]byte, error) {
	var buf bytes.Buffer
	if err := writePlaintext(&buf, p, 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalPlaintext decodes a value produced by MarshalPlaintext.
func UnmarshalPlaintext(b []byte) (Plaintext, error) {
	r := bytes.NewReader(b)
	p, err := readPlaintext(r, 0)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after plaintext: %w", r.Len(), fault.ErrInvalidEncoding)
	}
	return p, nil
}

func appendU16(buf *bytes.Buffer, n int) error {
	if n > 0xffff {
		return fmt.Errorf("length %d exceeds u16: %w", n, fault.ErrOutOfRange)
	}
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], uint16(n))
	buf.Write(tmp[:])
	return nil
}

// writeNested writes p prefixed by its u16 encoded length.
func writeNested(buf *bytes.Buffer, p Plaintext, depth int) error {
	var inner bytes.Buffer
	if err := writePlaintext(&inner, p, depth); err != nil {
		return err
	}
	if err := appendU16(buf, inner.Len()); err != nil {
		return err
	}
	buf.Write(inner.Bytes())
	return nil
}

func writePlaintext(buf *bytes.Buffer, p Plaintext, depth int) error {
	if depth > MaxDepth {
		return fmt.Errorf("plaintext nesting exceeds %d: %w", MaxDepth, fault.ErrOutOfRange)
	}
	switch p := p.(type) {
	case Literal:
		if size := p.typ.size(); size == 0 || (size > 0 && len(p.raw) != size) {
			return fmt.Errorf("malformed %s literal: %w", p.typ, fault.ErrInvalidEncoding)
		}
		buf.WriteByte(byte(LiteralKind))
		buf.WriteByte(byte(p.typ))
		if err := appendU16(buf, len(p.raw)); err != nil {
			return err
		}
		buf.WriteString(p.raw)
	case Struct:
		if len(p) > MaxStructMembers {
			return fmt.Errorf("struct of %d members: %w", len(p), fault.ErrOutOfRange)
		}
		buf.WriteByte(byte(StructKind))
		buf.WriteByte(byte(len(p)))
		for _, m := range p {
			if err := m.Name.Write(buf); err != nil {
				return err
			}
			if err := writeNested(buf, m.Value, depth+1); err != nil {
				return fmt.Errorf("member %s: %w", m.Name, err)
			}
		}
	case List:
		if uint64(len(p)) > 0xffffffff {
			return fmt.Errorf("list of %d elements: %w", len(p), fault.ErrOutOfRange)
		}
		buf.WriteByte(byte(ListKind))
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(p)))
		buf.Write(n[:])
		for i, e := range p {
			if err := writeNested(buf, e, depth+1); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("unknown plaintext %T: %w", p, fault.ErrInvalidEncoding)
	}
	return nil
}

func readU16(r io.Reader) (int, error) {
	var tmp [2]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return int(binary.LittleEndian.Uint16(tmp[:])), nil
}

// readNested reads a u16 length prefixed plaintext, requiring that it
// consume exactly the prefixed number of bytes.
func readNested(r *bytes.Reader, depth int) (Plaintext, error) {
	n, err := readU16(r)
	if err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}
	if n > r.Len() {
		return nil, fmt.Errorf("nested length %d exceeds remaining %d: %w", n, r.Len(), fault.ErrInvalidEncoding)
	}
	before := r.Len()
	p, err := readPlaintext(r, depth)
	if err != nil {
		return nil, err
	}
	if before-r.Len() != n {
		return nil, fmt.Errorf("nested length %d, consumed %d: %w", n, before-r.Len(), fault.ErrInvalidEncoding)
	}
	return p, nil
}

func readPlaintext(r *bytes.Reader, depth int) (Plaintext, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("plaintext nesting exceeds %d: %w", MaxDepth, fault.ErrInvalidEncoding)
	}
	tag, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read plaintext variant: %w", err)
	}
	switch Kind(tag) {
	case LiteralKind:
		typ, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("read literal type: %w", err)
		}
		n, err := readU16(r)
		if err != nil {
			return nil, fmt.Errorf("read literal length: %w", err)
		}
		if n > r.Len() {
			return nil, fmt.Errorf("literal length %d exceeds remaining %d: %w", n, r.Len(), fault.ErrInvalidEncoding)
		}
		raw := make([]byte, n)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("read literal: %w", err)
		}
		return newLiteral(LiteralType(typ), raw)
	case StructKind:
		count, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("read struct member count: %w", err)
		}
		members := make([]StructMember, 0, count)
		for i := 0; i < int(count); i++ {
			name, err := ReadIdentifier(r)
			if err != nil {
				return nil, fmt.Errorf("member %d: %w", i, err)
			}
			value, err := readNested(r, depth+1)
			if err != nil {
				return nil, fmt.Errorf("member %s: %w", name, err)
			}
			members = append(members, StructMember{name, value})
		}
		s, err := NewStruct(members...)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, fault.ErrInvalidEncoding)
		}
		return s, nil
	case ListKind:
		var n [4]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return nil, fmt.Errorf("read list length: %w", err)
		}
		count := binary.LittleEndian.Uint32(n[:])
		// every element takes at least its 2 byte length prefix
		if uint64(count)*2 > uint64(r.Len()) {
			return nil, fmt.Errorf("list of %d elements in %d bytes: %w", count, r.Len(), fault.ErrInvalidEncoding)
		}
		list := make(List, 0, count)
		for i := uint32(0); i < count; i++ {
			e, err := readNested(r, depth+1)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			list = append(list, e)
		}
		return list, nil
	}
	return nil, fmt.Errorf("failed to deserialize plaintext variant %d: %w", tag, fault.ErrInvalidEncoding)
}
