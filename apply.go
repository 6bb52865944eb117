package finalize

import (
	"context"
	"errors"
	"fmt"

	"github.com/jrhy/finalize/fault"
	"github.com/jrhy/finalize/store"
)

// Apply performs op against s and returns the rollback that undoes it,
// captured from the state op replaced. On error s is unchanged.
func Apply(ctx context.Context, s *store.Store, op Operation) (Rollback, error) {
	m := op.mapping
	switch op.kind {
	case InitializeMappingKind:
		if err := s.Initialize(m); err != nil {
			return Rollback{}, err
		}
		return RemoveMappingRollback(m), nil
	case InsertKeyValueKind:
		i, err := s.Insert(ctx, m, op.key, op.value)
		if err != nil {
			return Rollback{}, err
		}
		return RemoveKeyValueRollback(m, i), nil
	case UpdateKeyValueKind:
		prior, err := s.Update(ctx, m, op.index, op.key, op.value)
		if err != nil {
			return Rollback{}, err
		}
		return UpdateKeyValueRollback(m, op.index, prior.Key, prior.Value), nil
	case RemoveKeyValueKind:
		prior, err := s.Remove(ctx, m, op.index)
		if err != nil {
			return Rollback{}, err
		}
		return ReinsertKeyValueRollback(m, op.index, prior.Key, prior.Value), nil
	case RemoveMappingKind:
		leaves, err := s.RemoveMapping(ctx, m)
		if err != nil {
			return Rollback{}, err
		}
		return RestoreMappingRollback(m, leaves), nil
	}
	return Rollback{}, fmt.Errorf("operation kind %d: %w", op.kind, fault.ErrInvalidEncoding)
}

// Revert performs one rollback against s.
func Revert(ctx context.Context, s *store.Store, rb Rollback) error {
	m := rb.mapping
	switch rb.kind {
	case RollbackRemoveMapping:
		_, err := s.RemoveMapping(ctx, m)
		return err
	case RollbackRemoveKeyValue:
		_, err := s.Remove(ctx, m, rb.index)
		return err
	case RollbackUpdateKeyValue:
		_, err := s.Update(ctx, m, rb.index, rb.key, rb.value)
		return err
	case RollbackReinsertKeyValue:
		return s.InsertAt(ctx, m, rb.index, rb.key, rb.value)
	case RollbackRestoreMapping:
		return s.Restore(ctx, m, rb.leaves)
	}
	return fmt.Errorf("rollback kind %d: %w", rb.kind, fault.ErrInvalidEncoding)
}

// ApplyAll applies ops in order, returning their rollbacks in the same
// order. If any operation fails, the ones already applied are reverted and
// s is left as it was.
func ApplyAll(ctx context.Context, s *store.Store, ops []Operation) ([]Rollback, error) {
	rollbacks := make([]Rollback, 0, len(ops))
	for i, op := range ops {
		rb, err := Apply(ctx, s, op)
		if err != nil {
			err = fmt.Errorf("operation %d %s: %w", i, op, err)
			if rerr := RevertAll(ctx, s, rollbacks); rerr != nil {
				return nil, errors.Join(err, fmt.Errorf("revert: %w", rerr))
			}
			return nil, err
		}
		rollbacks = append(rollbacks, rb)
	}
	return rollbacks, nil
}

// RevertAll performs rollbacks in reverse order, undoing the operations
// that produced them.
func RevertAll(ctx context.Context, s *store.Store, rollbacks []Rollback) error {
	for i := len(rollbacks) - 1; i >= 0; i-- {
		if err := Revert(ctx, s, rollbacks[i]); err != nil {
			return fmt.Errorf("rollback %d %s: %w", i, rollbacks[i], err)
		}
	}
	return nil
}
