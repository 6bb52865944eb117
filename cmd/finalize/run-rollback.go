package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli"

	"github.com/jrhy/finalize"
)

func runRollback(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)
	ctx := context.Background()
	p, s, err := openState(ctx, m, false)
	if err != nil {
		return err
	}
	defer p.Close()

	height, b, ok, err := p.LastBlock()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no block to roll back")
	}
	var record finalize.BlockRecord
	if err := record.UnmarshalBinary(b); err != nil {
		return fmt.Errorf("block %d: %w", height, err)
	}

	f := finalize.New(s, nil)
	if err := f.RollbackBlock(ctx, &record); err != nil {
		return err
	}
	manifest, err := f.Commit(ctx)
	if err != nil {
		return err
	}
	if err := p.Retreat(height, manifest); err != nil {
		return err
	}
	fmt.Fprintf(m.w, "rolled back block %d, state root %v\n", height, record.PriorRoot)
	return nil
}
