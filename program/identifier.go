package program

import (
	"fmt"
	"io"

	"github.com/jrhy/finalize/fault"
	"github.com/jrhy/finalize/field"
)

// MaxIdentifierLength is the most bytes an identifier may hold; it is the
// number of whole bytes that fit in one field element.
const MaxIdentifierLength = field.Size - 1

// Identifier is a validated name token used for struct members, programs
// and mappings.
type Identifier string

// NewIdentifier validates s as an identifier: 1 to MaxIdentifierLength ASCII
// bytes, a leading letter, then letters, digits or underscores.
func NewIdentifier(s string) (Identifier, error) {
	if len(s) == 0 {
		return "", fmt.Errorf("empty identifier: %w", fault.ErrInvalidIdentifier)
	}
	if len(s) > MaxIdentifierLength {
		return "", fmt.Errorf("identifier %q exceeds %d bytes: %w", s, MaxIdentifierLength, fault.ErrInvalidIdentifier)
	}
	if !isLetter(s[0]) {
		return "", fmt.Errorf("identifier %q must start with a letter: %w", s, fault.ErrInvalidIdentifier)
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if !isLetter(c) && !isDigit(c) && c != '_' {
			return "", fmt.Errorf("identifier %q contains %q: %w", s, c, fault.ErrInvalidIdentifier)
		}
	}
	return Identifier(s), nil
}

// MustIdentifier is NewIdentifier for constants; it panics on invalid input.
func MustIdentifier(s string) Identifier {
	id, err := NewIdentifier(s)
	if err != nil {
		panic(err)
	}
	return id
}

func isLetter(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isDigit(c byte) bool  { return c >= '0' && c <= '9' }

func (id Identifier) String() string {
	return string(id)
}

// ToField hashes the identifier to its field ID.
func (id Identifier) ToField() field.ID {
	return field.Hash("identifier", []byte(id))
}

// Write writes the identifier as a length byte followed by its bytes. An
// identifier made by conversion rather than NewIdentifier is checked
// first, so that everything written can be read back.
func (id Identifier) Write(w io.Writer) error {
	if _, err := NewIdentifier(string(id)); err != nil {
		return err
	}
	buf := make([]byte, 0, 1+len(id))
	buf = append(buf, byte(len(id)))
	buf = append(buf, id...)
	_, err := w.Write(buf)
	return err
}

// ReadIdentifier reads and validates an identifier written by Write.
func ReadIdentifier(r io.Reader) (Identifier, error) {
	var n [1]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return "", fmt.Errorf("read identifier length: %w", err)
	}
	if int(n[0]) > MaxIdentifierLength {
		return "", fmt.Errorf("identifier length %d: %w", n[0], fault.ErrInvalidEncoding)
	}
	b := make([]byte, n[0])
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("read identifier: %w", err)
	}
	return NewIdentifier(string(b))
}
