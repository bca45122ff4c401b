package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rogerhu/gdb-heap/glibc"
	"github.com/rogerhu/gdb-heap/inventory"
	"github.com/rogerhu/gdb-heap/query"
	"github.com/rogerhu/gdb-heap/report"
)

// scan attaches, walks the heap and fully categorizes the inventory.
// Most subcommands start here.
func (a *app) scan() (*session, *inventory.Scan, error) {
	s, err := a.open()
	if err != nil {
		return nil, nil, err
	}
	scan, err := s.engine.Scan()
	if err != nil {
		s.close()
		return nil, nil, describeError(err)
	}
	s.engine.CategorizeAll(scan)
	return s, scan, nil
}

func (a *app) reportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "allocations grouped by category, largest first",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			s, scan, err := a.scan()
			if err != nil {
				return err
			}
			defer s.close()
			return report.ByCategory(scan.Usages.All()).Write(os.Stdout)
		},
	}
}

func (a *app) sizesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sizes",
		Short: "allocations grouped by chunk size",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			defer s.close()
			scan, err := s.engine.Scan()
			if err != nil {
				return describeError(err)
			}
			return report.BySize(scan.Usages.All()).Write(os.Stdout)
		},
	}
}

func (a *app) usedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "used",
		Short: "every live allocation, categorized, with a leading hexdump",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			s, scan, err := a.scan()
			if err != nil {
				return err
			}
			defer s.close()
			s.engine.HydrateHexdumps(scan)
			return report.WriteUsageList(os.Stdout, scan.Usages.All(), s.proc.PointerSize())
		},
	}
}

func (a *app) allCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "every malloc chunk, including free ones",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			defer s.close()

			t := report.NewTable("Chunk", "Size", "Flags", "State")
			for c := range s.heap.Chunks() {
				state := "in use"
				if inuse, err := c.InUse(); err != nil {
					state = "unknown"
				} else if !inuse {
					state = "free"
				}
				t.AddRow(
					report.FormatAddr(c.Addr(), s.proc.PointerSize()),
					report.FormatSize(c.Size()),
					chunkFlags(c),
					state,
				)
			}
			return t.Write(os.Stdout)
		},
	}
}

func (a *app) arenasCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "arenas",
		Short: "list the malloc arenas",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			defer s.close()
			arenas, err := s.heap.Arenas()
			if err != nil {
				return describeError(err)
			}
			for i, addr := range arenas {
				name := "main arena"
				if i > 0 {
					name = fmt.Sprintf("arena %d", i)
				}
				fmt.Printf("%s at %s\n", name, report.FormatAddr(addr, s.proc.PointerSize()))
			}
			return nil
		},
	}
}

func (a *app) selectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "select [query]",
		Short: "list the allocations matching a query",
		Long: `List the allocations matching a query, e.g.:

  heapscope -p 1234 select 'size > 1000'
  heapscope -p 1234 select 'domain == "python" and kind == "dict"'

Attributes: domain, kind, detail, addr, start, size. An empty query
matches everything.`,
		RunE: func(_ *cobra.Command, args []string) error {
			expr, err := query.Parse(strings.Join(args, " "))
			if err != nil {
				return err
			}
			s, scan, err := a.scan()
			if err != nil {
				return err
			}
			defer s.close()
			matched, err := s.engine.Select(scan, expr)
			if err != nil {
				return err
			}
			s.engine.HydrateHexdumps(scan)
			return report.WriteUsageList(os.Stdout, matched, s.proc.PointerSize())
		},
	}
}

func (a *app) hexdumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hexdump <addr> [bytes]",
		Short: "dump target memory",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			addr, err := strconv.ParseUint(args[0], 0, 64)
			if err != nil {
				return fmt.Errorf("bad address %q: %v", args[0], err)
			}
			n := uint64(a.hexdumpBytes)
			if len(args) == 2 {
				if n, err = strconv.ParseUint(args[1], 0, 64); err != nil {
					return fmt.Errorf("bad length %q: %v", args[1], err)
				}
			}
			s, err := a.open()
			if err != nil {
				return err
			}
			defer s.close()
			data, err := s.proc.ReadBytes(addr, n)
			if err != nil {
				return err
			}
			return report.Hexdump(os.Stdout, addr, data, s.proc.PointerSize())
		},
	}
}

// chunkFlags renders the low size bits the way malloc names them.
func chunkFlags(c glibc.Chunk) string {
	var flags []string
	if c.HasPrevInuse() {
		flags = append(flags, "PREV_INUSE")
	}
	if c.IsMmapped() {
		flags = append(flags, "IS_MMAPPED")
	}
	if c.NonMainArena() {
		flags = append(flags, "NON_MAIN_ARENA")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, "|")
}
