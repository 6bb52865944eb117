// Command finalize applies encoded finalize journals to a LevelDB-backed
// mapping store, one block at a time, and rolls the latest block back.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli"

	"github.com/jrhy/finalize/persist/leveldb"
	"github.com/jrhy/finalize/store"
)

type metadata struct {
	datadir   string
	cacheSize int
	e         io.Writer
	w         io.Writer
}

// set by the linker: go build -ldflags "-X main.version=M.N" ./...
var version = "zero"

func main() {
	err := newApp(os.Stdout, os.Stderr).Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "terminated with error: %s\n", err)
		os.Exit(1)
	}
}

func newApp(w, e io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "finalize"
	app.Usage = "apply and roll back finalize journals"
	app.Version = version
	app.HideVersion = true

	app.Writer = w
	app.ErrWriter = e

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "datadir, d",
			Value: "finalize.leveldb",
			Usage: " database `DIRECTORY`",
		},
		cli.IntFlag{
			Name:  "verbosity",
			Value: 2,
			Usage: " log level 0-5 (error, warn, info, debug, trace) `LEVEL`",
		},
		cli.IntFlag{
			Name:  "cache",
			Value: 10_000,
			Usage: " number of decoded tree nodes to cache `COUNT`",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:      "encode",
			Usage:     "encode a text journal read from TEXT-FILE or stdin",
			ArgsUsage: "[TEXT-FILE]\n   one operation per line: init M | insert M K V | update M I K V | remove M I | drop M\n   M is a number or PROGRAM/MAPPING; K, V, I are numbers",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "output, o",
					Value: "",
					Usage: "*write the binary journal to `FILE`",
				},
			},
			Action: runEncode,
		},
		{
			Name:      "apply",
			Usage:     "finalize the next block from a binary journal",
			ArgsUsage: "JOURNAL-FILE",
			Flags: []cli.Flag{
				cli.Uint64Flag{
					Name:  "height, b",
					Value: 0,
					Usage: " block `HEIGHT` [last height + 1, or 1]",
				},
			},
			Action: runApply,
		},
		{
			Name:   "rollback",
			Usage:  "roll back the latest finalized block",
			Action: runRollback,
		},
		{
			Name:   "roots",
			Usage:  "show the state root and the root of every mapping",
			Action: runRoots,
		},
	}

	app.Before = func(c *cli.Context) error {
		setupLogging(c.GlobalInt("verbosity"), e)
		c.App.Metadata = map[string]interface{}{
			"config": &metadata{
				datadir:   c.GlobalString("datadir"),
				cacheSize: c.GlobalInt("cache"),
				e:         e,
				w:         w,
			},
		}
		return nil
	}
	return app
}

func setupLogging(verbosity int, w io.Writer) {
	var lvl slog.Level
	switch {
	case verbosity <= 0:
		lvl = slog.LevelError
	case verbosity == 1:
		lvl = slog.LevelWarn
	case verbosity == 2:
		lvl = slog.LevelInfo
	case verbosity == 3:
		lvl = slog.LevelDebug
	default:
		lvl = log.LevelTrace
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(w, lvl, false)))
}

// openState opens the database and the store at its head. A database
// without a head holds the empty store.
func openState(ctx context.Context, m *metadata, readOnly bool) (*leveldb.Persist, *store.Store, error) {
	p, err := leveldb.Open(m.datadir, readOnly)
	if err != nil {
		return nil, nil, err
	}
	cfg := &store.Config{Persist: p, CacheSize: m.cacheSize}
	head, ok, err := p.Head()
	if err != nil {
		p.Close()
		return nil, nil, fmt.Errorf("head: %w", err)
	}
	if !ok {
		return p, store.New(cfg), nil
	}
	s, err := store.Open(ctx, cfg, head)
	if err != nil {
		p.Close()
		return nil, nil, err
	}
	return p, s, nil
}
