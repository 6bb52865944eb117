package program

import (
	"fmt"
	"strings"

	"github.com/jrhy/finalize/fault"
)

// Kind is the variant of a Plaintext.
type Kind uint8

const (
	LiteralKind Kind = 0
	StructKind  Kind = 1
	ListKind    Kind = 2
)

func (k Kind) String() string {
	switch k {
	case LiteralKind:
		return "literal"
	case StructKind:
		return "struct"
	case ListKind:
		return "list"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Plaintext is a structured on-chain value: a Literal, a Struct or a List.
// The set of variants is closed; every Plaintext is one of those three
// types. A Plaintext tree owns its children exclusively.
type Plaintext interface {
	Kind() Kind
	String() string
	// Clone returns a deep copy sharing no storage with the receiver.
	Clone() Plaintext
	plaintext()
}

func (Literal) plaintext() {}
func (Struct) plaintext()  {}
func (List) plaintext()    {}

// Kind implements Plaintext.
func (Literal) Kind() Kind { return LiteralKind }

// Clone implements Plaintext.
func (l Literal) Clone() Plaintext { return l }

// StructMember is one named field of a Struct.
type StructMember struct {
	Name  Identifier
	Value Plaintext
}

// Struct is an ordered set of uniquely named members.
type Struct []StructMember

// NewStruct builds a Struct, rejecting duplicate member names.
func NewStruct(members ...StructMember) (Struct, error) {
	seen := make(map[Identifier]struct{}, len(members))
	for _, m := range members {
		if _, dup := seen[m.Name]; dup {
			return nil, fmt.Errorf("duplicate struct member %q: %w", m.Name, fault.ErrAlreadyExists)
		}
		if m.Value == nil {
			return nil, fmt.Errorf("struct member %q has no value: %w", m.Name, fault.ErrInvalidEncoding)
		}
		seen[m.Name] = struct{}{}
	}
	return Struct(append([]StructMember(nil), members...)), nil
}

// Kind implements Plaintext.
func (Struct) Kind() Kind { return StructKind }

// Get returns the member with the given name.
func (s Struct) Get(name Identifier) (Plaintext, bool) {
	for _, m := range s {
		if m.Name == name {
			return m.Value, true
		}
	}
	return nil, false
}

// clone copies p; a nil child of a hand-built tree stays nil.
func clone(p Plaintext) Plaintext {
	if p == nil {
		return nil
	}
	return p.Clone()
}

// Clone implements Plaintext.
func (s Struct) Clone() Plaintext {
	out := make(Struct, len(s))
	for i, m := range s {
		out[i] = StructMember{m.Name, clone(m.Value)}
	}
	return out
}

func (s Struct) String() string {
	var b strings.Builder
	b.WriteString("{ ")
	for i, m := range s {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(string(m.Name))
		b.WriteString(": ")
		b.WriteString(fmt.Sprint(m.Value))
	}
	b.WriteString(" }")
	return b.String()
}

// List is an ordered sequence of values.
type List []Plaintext

// Kind implements Plaintext.
func (List) Kind() Kind { return ListKind }

// Get returns element i.
func (l List) Get(i uint32) (Plaintext, bool) {
	if uint64(i) >= uint64(len(l)) {
		return nil, false
	}
	return l[i], true
}

// Clone implements Plaintext.
func (l List) Clone() Plaintext {
	out := make(List, len(l))
	for i, e := range l {
		out[i] = clone(e)
	}
	return out
}

func (l List) String() string {
	var b strings.Builder
	b.WriteString("[ ")
	for i, e := range l {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(fmt.Sprint(e))
	}
	b.WriteString(" ]")
	return b.String()
}

// Equal reports whether two values are logically identical: same variants,
// same literals, same member names in the same order, same elements.
func Equal(a, b Plaintext) bool {
	switch a := a.(type) {
	case Literal:
		b, ok := b.(Literal)
		return ok && a == b
	case Struct:
		b, ok := b.(Struct)
		if !ok || len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i].Name != b[i].Name || !Equal(a[i].Value, b[i].Value) {
				return false
			}
		}
		return true
	case List:
		b, ok := b.(List)
		if !ok || len(a) != len(b) {
			return false
		}
		for i := range a {
			if !Equal(a[i], b[i]) {
				return false
			}
		}
		return true
	}
	return false
}
