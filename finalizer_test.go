package finalize

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrhy/finalize/fault"
	"github.com/jrhy/finalize/mast"
	"github.com/jrhy/finalize/program"
	"github.com/jrhy/finalize/store"
)

const token = "token"

var balances = program.MustIdentifier("balances")

func kinds(ops []Operation) []OperationKind {
	out := make([]OperationKind, len(ops))
	for i, op := range ops {
		out[i] = op.Kind()
	}
	return out
}

func TestExecuteSession(t *testing.T) {
	t.Parallel()
	f := New(store.New(nil), nil)
	alice, bob := program.Uint64(1), program.Uint64(2)
	record, err := f.Execute(ctx, 1, func(s *Session) error {
		if err := s.InitializeMapping(token, balances); err != nil {
			return err
		}
		if err := s.Set(token, balances, alice, program.Uint64(100)); err != nil {
			return err
		}
		if err := s.Set(token, balances, bob, program.Uint64(5)); err != nil {
			return err
		}
		if err := s.Set(token, balances, alice, program.Uint64(90)); err != nil {
			return err
		}
		if err := s.Remove(token, balances, bob); err != nil {
			return err
		}
		ok, err := s.Contains(token, balances, bob)
		if err != nil || ok {
			return fmt.Errorf("bob still present: %v", err)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), record.Height)
	assert.Equal(t, []OperationKind{
		InitializeMappingKind,
		InsertKeyValueKind,
		InsertKeyValueKind,
		UpdateKeyValueKind,
		RemoveKeyValueKind,
	}, kinds(record.Journal.Operations()))
	assert.Len(t, record.Rollbacks, 5)

	m := program.MappingID(token, balances)
	update := record.Journal.Operations()[3]
	i, _ := update.Index()
	assert.Equal(t, uint64(0), i, "update addresses alice's index")
	remove := record.Journal.Operations()[4]
	i, _ = remove.Index()
	assert.Equal(t, uint64(1), i, "remove addresses bob's index")

	k, err := program.KeyID(m, alice)
	require.NoError(t, err)
	want, err := program.ValueID(k, program.Uint64(90))
	require.NoError(t, err)
	_, err = f.Execute(ctx, 2, func(s *Session) error {
		got, ok, err := s.Get(token, balances, alice)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, want, got)
		_, ok, err = s.Get(token, balances, bob)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, s.Journal())
		return nil
	})
	require.NoError(t, err)

	root, err := f.StateRoot(ctx)
	require.NoError(t, err)
	assert.Equal(t, record.StateRoot, root)
}

func TestExecuteAbortReverts(t *testing.T) {
	t.Parallel()
	f := New(store.New(nil), nil)
	_, err := f.Execute(ctx, 1, func(s *Session) error {
		if err := s.InitializeMapping(token, balances); err != nil {
			return err
		}
		return s.Set(token, balances, program.Uint64(1), program.Uint64(10))
	})
	require.NoError(t, err)
	before, err := f.StateRoot(ctx)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = f.Execute(ctx, 2, func(s *Session) error {
		if err := s.Set(token, balances, program.Uint64(1), program.Uint64(11)); err != nil {
			return err
		}
		if err := s.Set(token, balances, program.Uint64(2), program.Uint64(20)); err != nil {
			return err
		}
		if err := s.RemoveMapping(token, balances); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	after, err := f.StateRoot(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// a failed call aborts the block even when fn carries on
	allowances := program.MustIdentifier("allowances")
	_, err = f.Execute(ctx, 2, func(s *Session) error {
		_ = s.InitializeMapping(token, allowances)
		_ = s.InitializeMapping(token, allowances)
		return s.Set(token, balances, program.Uint64(1), program.Uint64(12))
	})
	assert.ErrorIs(t, err, fault.ErrAlreadyExists)
	after, err = f.StateRoot(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = f.Execute(ctx, 3, func(s *Session) error {
		return s.Remove(token, balances, program.Uint64(3))
	})
	assert.ErrorIs(t, err, fault.ErrNotFound)
	_, err = f.Execute(ctx, 3, func(s *Session) error {
		return s.Set(token, program.MustIdentifier("missing"), program.Uint64(1), program.Uint64(1))
	})
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestFinalizeBlockAtomic(t *testing.T) {
	t.Parallel()
	f := New(seededStore(t), nil)
	before, err := f.StateRoot(ctx)
	require.NoError(t, err)
	_, err = f.FinalizeBlock(ctx, 7, NewJournal(
		InsertKeyValue(id(1), id(50), id(51)),
		InitializeMapping(id(2)),
	))
	assert.ErrorIs(t, err, fault.ErrAlreadyExists)
	after, err := f.StateRoot(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	record, err := f.FinalizeBlock(ctx, 7, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, record.Journal.Len())
	assert.Equal(t, before, record.StateRoot)
}

func TestRollbackBlocks(t *testing.T) {
	t.Parallel()
	f := New(seededStore(t), nil)
	genesis, err := f.StateRoot(ctx)
	require.NoError(t, err)
	b1, err := f.FinalizeBlock(ctx, 1, NewJournal(
		InsertKeyValue(id(1), id(50), id(51)),
		RemoveKeyValue(id(1), 3),
		InitializeMapping(id(3)),
	))
	require.NoError(t, err)
	assert.Equal(t, genesis, b1.PriorRoot)
	b2, err := f.FinalizeBlock(ctx, 2, NewJournal(
		RemoveMapping(id(1)),
		InsertKeyValue(id(3), id(60), id(61)),
	))
	require.NoError(t, err)
	assert.Equal(t, b1.StateRoot, b2.PriorRoot)

	require.NoError(t, f.RollbackBlock(ctx, b2))
	root, err := f.StateRoot(ctx)
	require.NoError(t, err)
	assert.Equal(t, b1.StateRoot, root)
	require.NoError(t, f.RollbackBlock(ctx, b1))
	root, err = f.StateRoot(ctx)
	require.NoError(t, err)
	assert.Equal(t, genesis, root)
}

func TestRollbackBlockDetectsMismatch(t *testing.T) {
	t.Parallel()
	f := New(store.New(nil), nil)
	b1, err := f.FinalizeBlock(ctx, 1, NewJournal(InitializeMapping(id(1))))
	require.NoError(t, err)
	_, err = f.FinalizeBlock(ctx, 2, NewJournal(InitializeMapping(id(2))))
	require.NoError(t, err)
	// b2 is still applied
	err = f.RollbackBlock(ctx, b1)
	assert.ErrorIs(t, err, fault.ErrRootMismatch)
}

func TestBlockRecordBytes(t *testing.T) {
	t.Parallel()
	f := New(seededStore(t), nil)
	record, err := f.FinalizeBlock(ctx, 1<<33, NewJournal(
		UpdateKeyValue(id(1), 0, id(1000), id(7)),
		RemoveMapping(id(1)),
		InitializeMapping(id(4)),
	))
	require.NoError(t, err)
	b, err := record.MarshalBinary()
	require.NoError(t, err)
	var got BlockRecord
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, record.Height, got.Height)
	assert.Equal(t, record.PriorRoot, got.PriorRoot)
	assert.Equal(t, record.StateRoot, got.StateRoot)
	assert.Equal(t, record.Journal.Operations(), got.Journal.Operations())
	require.Len(t, got.Rollbacks, len(record.Rollbacks))
	for i := range record.Rollbacks {
		assert.True(t, record.Rollbacks[i].Equal(got.Rollbacks[i]), "%s != %s", record.Rollbacks[i], got.Rollbacks[i])
	}
	require.ErrorIs(t, got.UnmarshalBinary(append(b, 0)), fault.ErrInvalidEncoding)
	require.Error(t, got.UnmarshalBinary(b[:len(b)-3]))

	// a decoded record rolls the block back
	require.NoError(t, New(f.store, nil).RollbackBlock(ctx, &got))
}

func TestCommit(t *testing.T) {
	t.Parallel()
	cfg := &store.Config{Persist: mast.NewInMemoryStore()}
	f := New(store.New(cfg), nil)
	_, err := f.Execute(ctx, 1, func(s *Session) error {
		if err := s.InitializeMapping(token, balances); err != nil {
			return err
		}
		for i := uint64(0); i < 40; i++ {
			if err := s.Set(token, balances, program.Uint64(i), program.Uint64(i*i)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	name, err := f.Commit(ctx)
	require.NoError(t, err)
	reopened, err := store.Open(ctx, cfg, name)
	require.NoError(t, err)
	want, err := f.StateRoot(ctx)
	require.NoError(t, err)
	got, err := reopened.StateRoot(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	err = f.View(func(s *store.Store) error {
		n, err := s.Len(program.MappingID(token, balances))
		assert.Equal(t, uint64(40), n)
		return err
	})
	require.NoError(t, err)
}

func TestConcurrentBlocks(t *testing.T) {
	t.Parallel()
	f := New(store.New(nil), nil)
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for b := 0; b < len(errs); b++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			name := program.MustIdentifier(fmt.Sprintf("m%d", b))
			_, errs[b] = f.Execute(ctx, uint64(b), func(s *Session) error {
				if err := s.InitializeMapping(token, name); err != nil {
					return err
				}
				for i := uint64(0); i < 20; i++ {
					if err := s.Set(token, name, program.Uint64(i), program.Uint64(i)); err != nil {
						return err
					}
				}
				return nil
			})
		}(b)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	err := f.View(func(s *store.Store) error {
		assert.Len(t, s.Mappings(), len(errs))
		return nil
	})
	require.NoError(t, err)
}
