/*
Package finalize journals the mapping mutations made while finalizing a
block, and undoes them exactly.

Each Operation applied to a store.Store yields a Rollback captured from
the state it replaced. Applying a block's journal and then its rollbacks
in reverse order returns every mapping to the same root and the same
index layout it had before the block. Mapping roots are content hashes of
history-independent trees (see package mast), so "the same root" is
checked by comparing digests.

A Finalizer serializes whole blocks against one store:

	f := finalize.New(store.New(nil), nil)
	record, err := f.Execute(ctx, height, func(s *finalize.Session) error {
		return s.Set("token", program.MustIdentifier("balances"), key, value)
	})
	...
	err = f.RollbackBlock(ctx, record)

Operations, rollbacks, journals and block records have stable binary
encodings: a variant tag byte, 32 byte little endian field IDs and little
endian integers.
*/
package finalize
