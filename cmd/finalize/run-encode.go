package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli"

	"github.com/jrhy/finalize"
	"github.com/jrhy/finalize/field"
	"github.com/jrhy/finalize/program"
)

func runEncode(c *cli.Context) error {
	output := c.String("output")
	if output == "" {
		return fmt.Errorf("output file is required")
	}
	in := io.Reader(os.Stdin)
	if c.NArg() > 0 {
		f, err := os.Open(c.Args().First())
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	journal, err := parseJournal(in)
	if err != nil {
		return err
	}
	b, err := journal.MarshalBinary()
	if err != nil {
		return err
	}
	if err := os.WriteFile(output, b, 0o644); err != nil {
		return err
	}
	m := c.App.Metadata["config"].(*metadata)
	fmt.Fprintf(m.w, "encoded %d operations on %d mappings\n", journal.Len(), len(journal.MappingIDs()))
	return nil
}

// parseJournal reads one operation per line. Blank lines and lines
// starting with # are skipped.
func parseJournal(r io.Reader) (*finalize.Journal, error) {
	journal := finalize.NewJournal()
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		words := strings.Fields(scanner.Text())
		if len(words) == 0 || strings.HasPrefix(words[0], "#") {
			continue
		}
		op, err := parseOperation(words)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		journal.Append(op)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return journal, nil
}

func parseOperation(words []string) (finalize.Operation, error) {
	arity := map[string]int{"init": 1, "insert": 3, "update": 4, "remove": 2, "drop": 1}
	n, ok := arity[words[0]]
	if !ok {
		return finalize.Operation{}, fmt.Errorf("unknown operation %q", words[0])
	}
	if len(words)-1 != n {
		return finalize.Operation{}, fmt.Errorf("%s takes %d arguments, got %d", words[0], n, len(words)-1)
	}
	m, err := parseMapping(words[1])
	if err != nil {
		return finalize.Operation{}, err
	}
	nums := make([]uint64, 0, 3)
	for _, w := range words[2:] {
		v, err := strconv.ParseUint(w, 0, 64)
		if err != nil {
			return finalize.Operation{}, fmt.Errorf("%s: %w", words[0], err)
		}
		nums = append(nums, v)
	}
	switch words[0] {
	case "init":
		return finalize.InitializeMapping(m), nil
	case "insert":
		return finalize.InsertKeyValue(m, field.FromUint64(nums[0]), field.FromUint64(nums[1])), nil
	case "update":
		return finalize.UpdateKeyValue(m, nums[0], field.FromUint64(nums[1]), field.FromUint64(nums[2])), nil
	case "remove":
		return finalize.RemoveKeyValue(m, nums[0]), nil
	}
	return finalize.RemoveMapping(m), nil
}

func parseMapping(s string) (field.ID, error) {
	if programID, name, ok := strings.Cut(s, "/"); ok {
		id, err := program.NewIdentifier(name)
		if err != nil {
			return field.ID{}, err
		}
		return program.MappingID(programID, id), nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return field.ID{}, fmt.Errorf("mapping %q: %w", s, err)
	}
	return field.FromUint64(v), nil
}
