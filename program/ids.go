package program

import (
	"fmt"

	"github.com/jrhy/finalize/field"
)

// MappingID derives the ID of a program's named mapping.
func MappingID(programID string, mapping Identifier) field.ID {
	return field.Hash("mapping", []byte{byte(len(programID))}, []byte(programID), []byte(mapping))
}

// KeyID derives the ID of a key within a mapping.
func KeyID(mappingID field.ID, key Plaintext) (field.ID, error) {
	b, err := MarshalPlaintext(key)
	if err != nil {
		return field.ID{}, fmt.Errorf("key: %w", err)
	}
	m := mappingID.Bytes()
	return field.Hash("key", m[:], b), nil
}

// ValueID derives the ID of a value stored under a key.
func ValueID(keyID field.ID, value Plaintext) (field.ID, error) {
	b, err := MarshalPlaintext(value)
	if err != nil {
		return field.ID{}, fmt.Errorf("value: %w", err)
	}
	k := keyID.Bytes()
	return field.Hash("value", k[:], b), nil
}
