// Package leveldb keeps tree nodes, store manifests and block records in a
// LevelDB database.
//
// Keys are prefixed by a single byte naming their pool:
//
//	N<name>       node or manifest bytes, by content name
//	H             name of the manifest of the current state
//	B<height>     encoded block record, height as 8 bytes big endian
package leveldb

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/jrhy/finalize/fault"
)

const (
	nodePrefix  = 'N'
	headKey     = 'H'
	blockPrefix = 'B'
)

// Persist implements mast.Persist, and records the head manifest and
// block records next to the nodes.
type Persist struct {
	db  *leveldb.DB
	log log.Logger
}

// Open opens or creates the database at path. A read only database must
// already exist.
func Open(path string, readOnly bool) (*Persist, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		ReadOnly:       readOnly,
		ErrorIfMissing: readOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return newPersist(db, log.New("module", "leveldb", "path", path)), nil
}

// OpenInMemory returns a database that lives only as long as the process.
func OpenInMemory() (*Persist, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newPersist(db, log.New("module", "leveldb")), nil
}

func newPersist(db *leveldb.DB, logger log.Logger) *Persist {
	return &Persist{db: db, log: logger}
}

// Close releases the database.
func (p *Persist) Close() error {
	return p.db.Close()
}

func nodeKey(name string) []byte {
	return append([]byte{nodePrefix}, name...)
}

func blockKey(height uint64) []byte {
	key := make([]byte, 9)
	key[0] = blockPrefix
	binary.BigEndian.PutUint64(key[1:], height)
	return key
}

// Load returns the bytes stored under name.
func (p *Persist) Load(ctx context.Context, name string) ([]byte, error) {
	b, err := p.db.Get(nodeKey(name), nil)
	if err == leveldb.ErrNotFound {
		return nil, fmt.Errorf("node %s: %w", name, fault.ErrNotFound)
	}
	return b, err
}

// Store writes b under name unless name is already present. Names are
// content addresses, so a present name already holds b.
func (p *Persist) Store(ctx context.Context, name string, b []byte) error {
	key := nodeKey(name)
	ok, err := p.db.Has(key, nil)
	if err != nil || ok {
		return err
	}
	return p.db.Put(key, b, nil)
}

// Head returns the manifest name recorded by the last Advance or Retreat,
// or false for a new database.
func (p *Persist) Head() (string, bool, error) {
	b, err := p.db.Get([]byte{headKey}, nil)
	if err == leveldb.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

// Advance atomically records the encoded block at height and makes
// manifest the head.
func (p *Persist) Advance(height uint64, block []byte, manifest string) error {
	batch := new(leveldb.Batch)
	batch.Put(blockKey(height), block)
	batch.Put([]byte{headKey}, []byte(manifest))
	if err := p.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("advance to block %d: %w", height, err)
	}
	p.log.Debug("Advanced head", "height", height, "manifest", manifest)
	return nil
}

// Retreat atomically forgets the block at height and makes manifest the
// head.
func (p *Persist) Retreat(height uint64, manifest string) error {
	batch := new(leveldb.Batch)
	batch.Delete(blockKey(height))
	batch.Put([]byte{headKey}, []byte(manifest))
	if err := p.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("retreat from block %d: %w", height, err)
	}
	p.log.Debug("Retreated head", "height", height, "manifest", manifest)
	return nil
}

// Block returns the encoded block recorded at height.
func (p *Persist) Block(height uint64) ([]byte, error) {
	b, err := p.db.Get(blockKey(height), nil)
	if err == leveldb.ErrNotFound {
		return nil, fmt.Errorf("block %d: %w", height, fault.ErrNotFound)
	}
	return b, err
}

// LastBlock returns the highest recorded block, or false if there is none.
func (p *Persist) LastBlock() (uint64, []byte, bool, error) {
	iter := p.db.NewIterator(util.BytesPrefix([]byte{blockPrefix}), nil)
	defer iter.Release()
	if !iter.Last() {
		return 0, nil, false, iter.Error()
	}
	key := iter.Key()
	if len(key) != 9 {
		return 0, nil, false, fmt.Errorf("block key %x: %w", key, fault.ErrInvalidEncoding)
	}
	// the iterator owns Value until Release
	value := append([]byte(nil), iter.Value()...)
	return binary.BigEndian.Uint64(key[1:]), value, true, iter.Error()
}
