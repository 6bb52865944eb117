package program

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/jrhy/finalize/fault"
)

// AccessKind distinguishes the two kinds of path segment.
type AccessKind uint8

const (
	// IndexAccess selects a list element by position.
	IndexAccess AccessKind = 0
	// MemberAccess selects a struct member by name.
	MemberAccess AccessKind = 1
)

// Access is one segment of a path into a Plaintext. Accesses are
// comparable with ==.
type Access struct {
	kind   AccessKind
	index  uint32
	member Identifier
}

// Index returns an access selecting element i of a list.
func Index(i uint32) Access {
	return Access{kind: IndexAccess, index: i}
}

// Member returns an access selecting the named member of a struct.
func Member(name Identifier) Access {
	return Access{kind: MemberAccess, member: name}
}

// Kind returns which variant the access is.
func (a Access) Kind() AccessKind { return a.kind }

// Index returns the position selected by an IndexAccess.
func (a Access) Index() (uint32, bool) { return a.index, a.kind == IndexAccess }

// Member returns the name selected by a MemberAccess.
func (a Access) Member() (Identifier, bool) { return a.member, a.kind == MemberAccess }

func (a Access) String() string {
	if a.kind == IndexAccess {
		return fmt.Sprintf("[%d]", a.index)
	}
	return "." + string(a.member)
}

// Write writes the access as a tag byte followed by its payload.
func (a Access) Write(w io.Writer) error {
	switch a.kind {
	case IndexAccess:
		var buf [5]byte
		buf[0] = byte(IndexAccess)
		binary.LittleEndian.PutUint32(buf[1:], a.index)
		_, err := w.Write(buf[:])
		return err
	case MemberAccess:
		if _, err := w.Write([]byte{byte(MemberAccess)}); err != nil {
			return err
		}
		return a.member.Write(w)
	}
	return fmt.Errorf("access kind %d: %w", a.kind, fault.ErrInvalidEncoding)
}

// ReadAccess reads an access written by Write.
func ReadAccess(r io.Reader) (Access, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return Access{}, fmt.Errorf("read access variant: %w", err)
	}
	switch AccessKind(tag[0]) {
	case IndexAccess:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Access{}, fmt.Errorf("read access index: %w", err)
		}
		return Index(binary.LittleEndian.Uint32(buf[:])), nil
	case MemberAccess:
		id, err := ReadIdentifier(r)
		if err != nil {
			return Access{}, fmt.Errorf("read access member: %w", err)
		}
		return Member(id), nil
	}
	return Access{}, fmt.Errorf("failed to deserialize access variant %d: %w", tag[0], fault.ErrInvalidEncoding)
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (a Access) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := a.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (a *Access) UnmarshalBinary(b []byte) error {
	r := bytes.NewReader(b)
	got, err := ReadAccess(r)
	if err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes after access: %w", r.Len(), fault.ErrInvalidEncoding)
	}
	*a = got
	return nil
}

// ParsePath parses a dotted path such as "a.b[2].c" into accesses.
func ParsePath(s string) ([]Access, error) {
	var path []Access
	i := 0
	for i < len(s) {
		switch {
		case s[i] == '.':
			i++
			fallthrough
		case i == 0 && isLetter(s[i]):
			j := i
			for j < len(s) && s[j] != '.' && s[j] != '[' {
				j++
			}
			id, err := NewIdentifier(s[i:j])
			if err != nil {
				return nil, fmt.Errorf("path %q: %w", s, err)
			}
			path = append(path, Member(id))
			i = j
		case s[i] == '[':
			j := i + 1
			var n uint64
			for j < len(s) && isDigit(s[j]) {
				n = n*10 + uint64(s[j]-'0')
				if n > 0xffffffff {
					return nil, fmt.Errorf("path %q: index overflows u32: %w", s, fault.ErrMalformedPath)
				}
				j++
			}
			if j == i+1 || j >= len(s) || s[j] != ']' {
				return nil, fmt.Errorf("path %q: bad index at %d: %w", s, i, fault.ErrMalformedPath)
			}
			path = append(path, Index(uint32(n)))
			i = j + 1
		default:
			return nil, fmt.Errorf("path %q: unexpected %q at %d: %w", s, s[i], i, fault.ErrMalformedPath)
		}
	}
	return path, nil
}
