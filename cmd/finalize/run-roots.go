package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli"
)

func runRoots(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)
	ctx := context.Background()
	p, s, err := openState(ctx, m, true)
	if err != nil {
		return err
	}
	defer p.Close()

	root, err := s.StateRoot(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(m.w, "state %v\n", root)
	for _, id := range s.Mappings() {
		r, err := s.Root(ctx, id)
		if err != nil {
			return err
		}
		n, err := s.Len(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(m.w, "mapping %s %v leaves %d\n", id.Short(), r, n)
	}
	return nil
}
