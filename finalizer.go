package finalize

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/jrhy/finalize/fault"
	"github.com/jrhy/finalize/field"
	"github.com/jrhy/finalize/mast"
	"github.com/jrhy/finalize/program"
	"github.com/jrhy/finalize/store"
)

// Config controls a Finalizer.
type Config struct {
	// Logger defaults to a logger tagged with module=finalize.
	Logger log.Logger
}

// Finalizer applies and rolls back whole blocks against a store. At most
// one block is finalized or rolled back at a time.
type Finalizer struct {
	mu    sync.Mutex
	store *store.Store
	log   log.Logger
}

// New returns a Finalizer that owns s. cfg may be nil.
func New(s *store.Store, cfg *Config) *Finalizer {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New("module", "finalize")
	}
	return &Finalizer{store: s, log: logger}
}

// FinalizeBlock applies journal as block height. Either every operation is
// applied, or none is and the error of the first failing one is returned.
func (f *Finalizer) FinalizeBlock(ctx context.Context, height uint64, journal *Journal) (*BlockRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prior, err := f.store.StateRoot(ctx)
	if err != nil {
		return nil, fmt.Errorf("state root: %w", err)
	}
	if journal == nil {
		journal = &Journal{}
	}
	rollbacks, err := ApplyAll(ctx, f.store, journal.ops)
	if err != nil {
		f.log.Warn("Aborted block", "height", height, "operations", journal.Len(), "err", err)
		return nil, fmt.Errorf("block %d: %w", height, err)
	}
	return f.record(ctx, height, journal.Operations(), rollbacks, prior)
}

func (f *Finalizer) record(ctx context.Context, height uint64, ops []Operation, rollbacks []Rollback, prior mast.Digest) (*BlockRecord, error) {
	root, err := f.store.StateRoot(ctx)
	if err != nil {
		return nil, fmt.Errorf("state root: %w", err)
	}
	f.log.Info("Finalized block", "height", height, "operations", len(ops), "root", root)
	return &BlockRecord{
		Height:    height,
		Journal:   NewJournal(ops...),
		Rollbacks: rollbacks,
		PriorRoot: prior,
		StateRoot: root,
	}, nil
}

// Execute runs a block's finalize logic. Each Session call is applied
// immediately and journaled; if fn or any call fails, everything applied
// is reverted and the block is rejected.
func (f *Finalizer) Execute(ctx context.Context, height uint64, fn func(*Session) error) (*BlockRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prior, err := f.store.StateRoot(ctx)
	if err != nil {
		return nil, fmt.Errorf("state root: %w", err)
	}
	s := &Session{ctx: ctx, store: f.store, journal: &Journal{}}
	err = fn(s)
	if err == nil {
		err = s.err
	}
	if err != nil {
		f.log.Warn("Aborted block", "height", height, "operations", s.journal.Len(), "err", err)
		if rerr := RevertAll(ctx, f.store, s.rollbacks); rerr != nil {
			return nil, errors.Join(fmt.Errorf("block %d: %w", height, err), fmt.Errorf("revert: %w", rerr))
		}
		return nil, fmt.Errorf("block %d: %w", height, err)
	}
	return f.record(ctx, height, s.journal.ops, s.rollbacks, prior)
}

// RollbackBlock undoes a finalized block, which must be the most recent
// one not yet rolled back, and checks that the state root is back to what
// it was before the block.
func (f *Finalizer) RollbackBlock(ctx context.Context, record *BlockRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := RevertAll(ctx, f.store, record.Rollbacks)
	if err != nil {
		return fmt.Errorf("block %d: %w", record.Height, err)
	}
	root, err := f.store.StateRoot(ctx)
	if err != nil {
		return fmt.Errorf("state root: %w", err)
	}
	if root != record.PriorRoot {
		return fmt.Errorf("block %d rolled back to %v, expected %v: %w", record.Height, root, record.PriorRoot, fault.ErrRootMismatch)
	}
	f.log.Info("Rolled back block", "height", record.Height, "rollbacks", len(record.Rollbacks), "root", root)
	return nil
}

// StateRoot returns the current root of the store.
func (f *Finalizer) StateRoot(ctx context.Context) (mast.Digest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.store.StateRoot(ctx)
}

// View calls fn with the store while no block is being applied. fn must
// not modify the store.
func (f *Finalizer) View(fn func(*store.Store) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(f.store)
}

// Commit persists the store, returning its manifest name.
func (f *Finalizer) Commit(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.store.Commit(ctx)
}

// Session is the store as seen by one block's finalize logic. It addresses
// mappings and keys by program-level names and values, and turns each call
// into journaled operations.
type Session struct {
	ctx       context.Context
	store     *store.Store
	journal   *Journal
	rollbacks []Rollback
	// err is the first failed apply; it aborts the block even if fn
	// ignores it.
	err error
}

func (s *Session) apply(op Operation) error {
	rb, err := Apply(s.ctx, s.store, op)
	if err != nil {
		err = fmt.Errorf("%s: %w", op, err)
		if s.err == nil {
			s.err = err
		}
		return err
	}
	s.journal.Append(op)
	s.rollbacks = append(s.rollbacks, rb)
	return nil
}

// Journal returns the operations applied so far.
func (s *Session) Journal() []Operation {
	return s.journal.Operations()
}

// InitializeMapping creates the named mapping of programID.
func (s *Session) InitializeMapping(programID string, name program.Identifier) error {
	return s.apply(InitializeMapping(program.MappingID(programID, name)))
}

// RemoveMapping deletes the named mapping of programID.
func (s *Session) RemoveMapping(programID string, name program.Identifier) error {
	return s.apply(RemoveMapping(program.MappingID(programID, name)))
}

// Set binds key to value, inserting the key if it is absent and updating
// it in place otherwise.
func (s *Session) Set(programID string, name program.Identifier, key, value program.Plaintext) error {
	m := program.MappingID(programID, name)
	k, err := program.KeyID(m, key)
	if err != nil {
		return err
	}
	v, err := program.ValueID(k, value)
	if err != nil {
		return err
	}
	i, present, err := s.store.IndexOf(m, k)
	if err != nil {
		return fmt.Errorf("mapping %s: %w", name, err)
	}
	if present {
		return s.apply(UpdateKeyValue(m, i, k, v))
	}
	return s.apply(InsertKeyValue(m, k, v))
}

// Remove deletes key from the mapping.
func (s *Session) Remove(programID string, name program.Identifier, key program.Plaintext) error {
	m := program.MappingID(programID, name)
	i, present, err := s.index(m, key)
	if err != nil {
		return fmt.Errorf("mapping %s: %w", name, err)
	}
	if !present {
		return fmt.Errorf("mapping %s key %s: %w", name, key, fault.ErrNotFound)
	}
	return s.apply(RemoveKeyValue(m, i))
}

// Contains reports whether the mapping holds key.
func (s *Session) Contains(programID string, name program.Identifier, key program.Plaintext) (bool, error) {
	m := program.MappingID(programID, name)
	_, present, err := s.index(m, key)
	if err != nil {
		return false, fmt.Errorf("mapping %s: %w", name, err)
	}
	return present, nil
}

// Get returns the value ID bound to key. Values are stored by ID only;
// callers compare it with program.ValueID of a candidate value.
func (s *Session) Get(programID string, name program.Identifier, key program.Plaintext) (field.ID, bool, error) {
	m := program.MappingID(programID, name)
	i, present, err := s.index(m, key)
	if err != nil {
		return field.ID{}, false, fmt.Errorf("mapping %s: %w", name, err)
	}
	if !present {
		return field.ID{}, false, nil
	}
	l, ok, err := s.store.Get(s.ctx, m, i)
	if err != nil || !ok {
		return field.ID{}, false, err
	}
	return l.Value, true, nil
}

func (s *Session) index(m field.ID, key program.Plaintext) (uint64, bool, error) {
	k, err := program.KeyID(m, key)
	if err != nil {
		return 0, false, err
	}
	return s.store.IndexOf(m, k)
}
