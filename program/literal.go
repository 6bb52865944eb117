package program

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/holiman/uint256"

	"github.com/jrhy/finalize/fault"
	"github.com/jrhy/finalize/field"
)

// LiteralType names the primitive type of a Literal.
type LiteralType uint8

const (
	Boolean LiteralType = iota
	Field
	U8
	U16
	U32
	U64
	U128
	I8
	I16
	I32
	I64
	String
)

var literalTypeNames = [...]string{
	Boolean: "boolean",
	Field:   "field",
	U8:      "u8",
	U16:     "u16",
	U32:     "u32",
	U64:     "u64",
	U128:    "u128",
	I8:      "i8",
	I16:     "i16",
	I32:     "i32",
	I64:     "i64",
	String:  "string",
}

func (t LiteralType) String() string {
	if int(t) < len(literalTypeNames) {
		return literalTypeNames[t]
	}
	return fmt.Sprintf("literal(%d)", uint8(t))
}

// size returns the encoded width of fixed-width types, or -1.
func (t LiteralType) size() int {
	switch t {
	case Boolean, U8, I8:
		return 1
	case U16, I16:
		return 2
	case U32, I32:
		return 4
	case U64, I64:
		return 8
	case U128:
		return 16
	case Field:
		return field.Size
	case String:
		return -1
	}
	return 0
}

// maxStringLength bounds string literals so they fit the u16 length prefix.
const maxStringLength = 0xffff

// Literal is an opaque primitive value. The value is held in its canonical
// little endian encoding, so Literals are comparable with ==.
type Literal struct {
	typ LiteralType
	raw string
}

// Bool returns a boolean literal.
func Bool(b bool) Literal {
	if b {
		return Literal{Boolean, "\x01"}
	}
	return Literal{Boolean, "\x00"}
}

// FieldLiteral returns a field literal.
func FieldLiteral(id field.ID) Literal {
	b := id.Bytes()
	return Literal{Field, string(b[:])}
}

func uintLiteral(t LiteralType, v uint64) Literal {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return Literal{t, string(buf[:t.size()])}
}

// Uint8 returns a u8 literal.
func Uint8(v uint8) Literal { return uintLiteral(U8, uint64(v)) }

// Uint16 returns a u16 literal.
func Uint16(v uint16) Literal { return uintLiteral(U16, uint64(v)) }

// Uint32 returns a u32 literal.
func Uint32(v uint32) Literal { return uintLiteral(U32, uint64(v)) }

// Uint64 returns a u64 literal.
func Uint64(v uint64) Literal { return uintLiteral(U64, v) }

// Int8 returns an i8 literal.
func Int8(v int8) Literal { return uintLiteral(I8, uint64(v)) }

// Int16 returns an i16 literal.
func Int16(v int16) Literal { return uintLiteral(I16, uint64(v)) }

// Int32 returns an i32 literal.
func Int32(v int32) Literal { return uintLiteral(I32, uint64(v)) }

// Int64 returns an i64 literal.
func Int64(v int64) Literal { return uintLiteral(I64, uint64(v)) }

// Uint128 returns a u128 literal. Values wider than 128 bits are rejected.
func Uint128(v *uint256.Int) (Literal, error) {
	if v.BitLen() > 128 {
		return Literal{}, fmt.Errorf("u128 literal %s: %w", v.Dec(), fault.ErrOutOfRange)
	}
	be := v.Bytes32()
	var le [16]byte
	for i := range le {
		le[i] = be[31-i]
	}
	return Literal{U128, string(le[:])}, nil
}

// StringLiteral returns a string literal.
func StringLiteral(s string) (Literal, error) {
	if len(s) > maxStringLength {
		return Literal{}, fmt.Errorf("string literal of %d bytes: %w", len(s), fault.ErrOutOfRange)
	}
	return Literal{String, s}, nil
}

// Type returns the literal's primitive type.
func (l Literal) Type() LiteralType { return l.typ }

// Bool returns the value of a boolean literal.
func (l Literal) Bool() (bool, bool) {
	return l.raw == "\x01", l.typ == Boolean
}

// Field returns the value of a field literal.
func (l Literal) Field() (field.ID, bool) {
	if l.typ != Field {
		return field.ID{}, false
	}
	id, err := field.FromBytes([]byte(l.raw))
	return id, err == nil
}

// Uint returns the value of an unsigned integer literal.
func (l Literal) Uint() (*uint256.Int, bool) {
	switch l.typ {
	case U8, U16, U32, U64, U128:
	default:
		return nil, false
	}
	be := make([]byte, len(l.raw))
	for i := range be {
		be[i] = l.raw[len(l.raw)-1-i]
	}
	return new(uint256.Int).SetBytes(be), true
}

// Int returns the value of a signed integer literal.
func (l Literal) Int() (int64, bool) {
	var buf [8]byte
	copy(buf[:], l.raw)
	v := binary.LittleEndian.Uint64(buf[:])
	switch l.typ {
	case I8:
		return int64(int8(v)), true
	case I16:
		return int64(int16(v)), true
	case I32:
		return int64(int32(v)), true
	case I64:
		return int64(v), true
	}
	return 0, false
}

// Text returns the value of a string literal.
func (l Literal) Text() (string, bool) {
	return l.raw, l.typ == String
}

func (l Literal) String() string {
	switch l.typ {
	case Boolean:
		b, _ := l.Bool()
		return strconv.FormatBool(b)
	case Field:
		id, _ := l.Field()
		return id.String()
	case U8, U16, U32, U64, U128:
		v, _ := l.Uint()
		return v.Dec() + l.typ.String()
	case I8, I16, I32, I64:
		v, _ := l.Int()
		return strconv.FormatInt(v, 10) + l.typ.String()
	case String:
		return strconv.Quote(l.raw)
	}
	return fmt.Sprintf("literal(%d)", uint8(l.typ))
}

// newLiteral validates a decoded type and canonical value encoding.
func newLiteral(t LiteralType, raw []byte) (Literal, error) {
	switch size := t.size(); {
	case size == 0:
		return Literal{}, fmt.Errorf("literal type %d: %w", uint8(t), fault.ErrInvalidEncoding)
	case size > 0 && len(raw) != size:
		return Literal{}, fmt.Errorf("%s literal of %d bytes: %w", t, len(raw), fault.ErrInvalidEncoding)
	}
	switch t {
	case Boolean:
		if raw[0] > 1 {
			return Literal{}, fmt.Errorf("boolean literal %d: %w", raw[0], fault.ErrInvalidEncoding)
		}
	case Field:
		if _, err := field.FromBytes(raw); err != nil {
			return Literal{}, err
		}
	case String:
		if len(raw) > maxStringLength {
			return Literal{}, fmt.Errorf("string literal of %d bytes: %w", len(raw), fault.ErrInvalidEncoding)
		}
	}
	return Literal{t, string(raw)}, nil
}

// FieldFromUint64 is a convenience for building field literals in tests and
// programs.
func FieldFromUint64(v uint64) Literal {
	return FieldLiteral(field.FromUint64(v))
}
