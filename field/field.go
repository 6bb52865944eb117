// Package field provides the content addresses used to identify mappings,
// keys and values: elements of the BLS12-381 scalar field.
package field

import (
	"fmt"
	"io"

	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"github.com/minio/blake2b-simd"

	"github.com/jrhy/finalize/fault"
)

// Size is the number of bytes in an encoded ID.
const Size = fr.Bytes

// ID is a field element that content-addresses a mapping, a key or a value.
// IDs are comparable with ==.
type ID struct {
	e fr.Element
}

// Zero is the additive identity.
var Zero ID

// Hash derives the ID of data within the given domain. Equal inputs always
// produce equal IDs.
func Hash(domain string, data ...[]byte) ID {
	h := blake2b.New256()
	h.Write([]byte{byte(len(domain))})
	h.Write([]byte(domain))
	for _, d := range data {
		h.Write(d)
	}
	var id ID
	id.e.SetBytes(h.Sum(nil))
	return id
}

// FromUint64 returns the field element with value v.
func FromUint64(v uint64) ID {
	var id ID
	id.e.SetUint64(v)
	return id
}

// FromElement wraps a field element.
func FromElement(e fr.Element) ID {
	return ID{e}
}

// Random returns a uniformly random ID.
func Random() (ID, error) {
	var id ID
	if _, err := id.e.SetRandom(); err != nil {
		return ID{}, fmt.Errorf("random field element: %w", err)
	}
	return id, nil
}

// Element returns the underlying field element.
func (id ID) Element() fr.Element {
	return id.e
}

// IsZero reports whether id is the zero element.
func (id ID) IsZero() bool {
	return id.e.IsZero()
}

// Cmp orders IDs by their canonical integer value.
func (id ID) Cmp(other ID) int {
	return id.e.Cmp(&other.e)
}

// Bytes returns the canonical little endian encoding.
func (id ID) Bytes() [Size]byte {
	be := id.e.Bytes()
	var le [Size]byte
	for i := 0; i < Size; i++ {
		le[i] = be[Size-1-i]
	}
	return le
}

// FromBytes decodes a canonical little endian encoding. Encodings of values
// not less than the field modulus are rejected.
func FromBytes(b []byte) (ID, error) {
	if len(b) != Size {
		return ID{}, fmt.Errorf("field id length %d: %w", len(b), fault.ErrInvalidEncoding)
	}
	var be [Size]byte
	for i := 0; i < Size; i++ {
		be[i] = b[Size-1-i]
	}
	var id ID
	if err := id.e.SetBytesCanonical(be[:]); err != nil {
		return ID{}, fmt.Errorf("field id: %v: %w", err, fault.ErrInvalidEncoding)
	}
	return id, nil
}

// Write writes the canonical encoding of id to w.
func (id ID) Write(w io.Writer) error {
	b := id.Bytes()
	_, err := w.Write(b[:])
	return err
}

// Read reads a canonical encoding from r.
func Read(r io.Reader) (ID, error) {
	var b [Size]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return ID{}, fmt.Errorf("read field id: %w", err)
	}
	return FromBytes(b[:])
}

// String renders the ID in the field's decimal notation with a "field" suffix.
func (id ID) String() string {
	return id.e.String() + "field"
}

// Short renders an abbreviated hex form for logs.
func (id ID) Short() string {
	b := id.Bytes()
	return fmt.Sprintf("%x", b[:6])
}
