package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"

	"github.com/minio/blake2b-simd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/jrhy/finalize/fault"
	"github.com/jrhy/finalize/field"
	"github.com/jrhy/finalize/mast"
)

// A manifest lists the persisted root of every mapping. It is written in
// protobuf wire format:
//
//	message Manifest { repeated Entry entry = 1; }
//	message Entry {
//	  bytes  mapping       = 1;
//	  string link          = 2; // absent for an empty mapping
//	  uint64 size          = 3;
//	  uint64 height        = 4;
//	  uint64 branch_factor = 5;
//	}
const (
	manifestEntry protowire.Number = 1

	entryMapping      protowire.Number = 1
	entryLink         protowire.Number = 2
	entrySize         protowire.Number = 3
	entryHeight       protowire.Number = 4
	entryBranchFactor protowire.Number = 5
)

type rootEntry struct {
	Mapping field.ID
	Root    mast.Root
}

func marshalManifest(entries []rootEntry) []byte {
	var buf []byte
	for _, e := range entries {
		var b []byte
		id := e.Mapping.Bytes()
		b = protowire.AppendTag(b, entryMapping, protowire.BytesType)
		b = protowire.AppendBytes(b, id[:])
		if e.Root.Link != nil {
			b = protowire.AppendTag(b, entryLink, protowire.BytesType)
			b = protowire.AppendString(b, *e.Root.Link)
		}
		b = protowire.AppendTag(b, entrySize, protowire.VarintType)
		b = protowire.AppendVarint(b, e.Root.Size)
		b = protowire.AppendTag(b, entryHeight, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Root.Height))
		b = protowire.AppendTag(b, entryBranchFactor, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Root.BranchFactor))

		buf = protowire.AppendTag(buf, manifestEntry, protowire.BytesType)
		buf = protowire.AppendBytes(buf, b)
	}
	return buf
}

func unmarshalManifest(buf []byte) ([]rootEntry, error) {
	var entries []rootEntry
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("manifest tag: %v: %w", protowire.ParseError(n), fault.ErrInvalidEncoding)
		}
		buf = buf[n:]
		if num != manifestEntry || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("manifest field %d: %v: %w", num, protowire.ParseError(n), fault.ErrInvalidEncoding)
			}
			buf = buf[n:]
			continue
		}
		b, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			return nil, fmt.Errorf("manifest entry: %v: %w", protowire.ParseError(n), fault.ErrInvalidEncoding)
		}
		buf = buf[n:]
		e, err := unmarshalRootEntry(b)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", len(entries), err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func unmarshalRootEntry(b []byte) (rootEntry, error) {
	var e rootEntry
	var haveMapping bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, fmt.Errorf("tag: %v: %w", protowire.ParseError(n), fault.ErrInvalidEncoding)
		}
		b = b[n:]
		switch {
		case num == entryMapping && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return e, fmt.Errorf("mapping: %v: %w", protowire.ParseError(n), fault.ErrInvalidEncoding)
			}
			id, err := field.FromBytes(v)
			if err != nil {
				return e, fmt.Errorf("mapping: %w", err)
			}
			e.Mapping = id
			haveMapping = true
			b = b[n:]
		case num == entryLink && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return e, fmt.Errorf("link: %v: %w", protowire.ParseError(n), fault.ErrInvalidEncoding)
			}
			e.Root.Link = &v
			b = b[n:]
		case (num == entrySize || num == entryHeight || num == entryBranchFactor) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, fmt.Errorf("field %d: %v: %w", num, protowire.ParseError(n), fault.ErrInvalidEncoding)
			}
			b = b[n:]
			switch num {
			case entrySize:
				e.Root.Size = v
			case entryHeight:
				if v > math.MaxUint8 {
					return e, fmt.Errorf("height %d: %w", v, fault.ErrInvalidEncoding)
				}
				e.Root.Height = uint8(v)
			case entryBranchFactor:
				if v > math.MaxUint32 {
					return e, fmt.Errorf("branch factor %d: %w", v, fault.ErrInvalidEncoding)
				}
				e.Root.BranchFactor = uint(v)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, fmt.Errorf("field %d: %v: %w", num, protowire.ParseError(n), fault.ErrInvalidEncoding)
			}
			b = b[n:]
		}
	}
	if !haveMapping {
		return e, fmt.Errorf("entry without mapping: %w", fault.ErrInvalidEncoding)
	}
	return e, nil
}

func manifestName(manifest []byte) string {
	sum := blake2b.Sum256(manifest)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Commit writes every changed tree node and a manifest of mapping roots
// through the configured Persist, returning the manifest's name for Open.
func (s *Store) Commit(ctx context.Context) (string, error) {
	if s.persist == nil {
		return "", fmt.Errorf("no persistence mechanism set; set Config.Persist")
	}
	ids := s.Mappings()
	entries := make([]rootEntry, 0, len(ids))
	for _, m := range ids {
		root, err := s.mappings[m].tree.MakeRoot(ctx)
		if err != nil {
			return "", fmt.Errorf("mapping %s: %w", m.Short(), err)
		}
		entries = append(entries, rootEntry{m, *root})
	}
	manifest := marshalManifest(entries)
	name := manifestName(manifest)
	err := s.persist.Store(ctx, name, manifest)
	if err != nil {
		return "", fmt.Errorf("store manifest: %w", err)
	}
	s.log.Info("Committed store", "manifest", name, "mappings", len(entries))
	return name, nil
}

// Open loads the store committed under the given manifest name. Tree nodes
// are verified against their names as they are loaded.
func Open(ctx context.Context, cfg *Config, name string) (*Store, error) {
	s := New(cfg)
	if s.persist == nil {
		return nil, fmt.Errorf("no persistence mechanism set; set Config.Persist")
	}
	manifest, err := s.persist.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	if got := manifestName(manifest); got != name {
		return nil, fmt.Errorf("manifest %s has content hash %s: %w", name, got, fault.ErrInvalidEncoding)
	}
	entries, err := unmarshalManifest(manifest)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", name, err)
	}
	for _, e := range entries {
		if _, dup := s.mappings[e.Mapping]; dup {
			return nil, fmt.Errorf("mapping %s listed twice: %w", e.Mapping.Short(), fault.ErrInvalidEncoding)
		}
		tree, err := e.Root.LoadMast(ctx, s.treeConfig())
		if err != nil {
			return nil, fmt.Errorf("mapping %s: %w", e.Mapping.Short(), err)
		}
		mp := &mapping{tree: tree, keys: make(map[field.ID]uint64, tree.Size())}
		err = tree.Iter(ctx, func(index uint64, l mast.Leaf) error {
			if i, dup := mp.keys[l.Key]; dup {
				return fmt.Errorf("key %s at indices %d and %d: %w", l.Key.Short(), i, index, fault.ErrInvalidEncoding)
			}
			mp.keys[l.Key] = index
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("mapping %s: %w", e.Mapping.Short(), err)
		}
		s.mappings[e.Mapping] = mp
	}
	s.log.Info("Opened store", "manifest", name, "mappings", len(entries))
	return s, nil
}
