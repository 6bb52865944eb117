package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/jrhy/finalize"
)

func runApply(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)
	if c.NArg() != 1 {
		return fmt.Errorf("expected one journal file, got %d arguments", c.NArg())
	}
	b, err := os.ReadFile(c.Args().First())
	if err != nil {
		return err
	}
	var journal finalize.Journal
	if err := journal.UnmarshalBinary(b); err != nil {
		return fmt.Errorf("journal: %w", err)
	}

	ctx := context.Background()
	p, s, err := openState(ctx, m, false)
	if err != nil {
		return err
	}
	defer p.Close()

	last, _, haveLast, err := p.LastBlock()
	if err != nil {
		return err
	}
	height := c.Uint64("height")
	if height == 0 {
		height = last + 1
	}
	if haveLast && height <= last {
		return fmt.Errorf("height %d is not after last block %d", height, last)
	}

	f := finalize.New(s, nil)
	record, err := f.FinalizeBlock(ctx, height, &journal)
	if err != nil {
		return err
	}
	manifest, err := f.Commit(ctx)
	if err != nil {
		return err
	}
	encoded, err := record.MarshalBinary()
	if err != nil {
		return err
	}
	if err := p.Advance(height, encoded, manifest); err != nil {
		return err
	}
	fmt.Fprintf(m.w, "block %d: %d operations, state root %v\n", height, journal.Len(), record.StateRoot)
	return nil
}
