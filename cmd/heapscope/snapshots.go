package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rogerhu/gdb-heap/history"
	"github.com/rogerhu/gdb-heap/report"
)

// Snapshots persist as JSON files under <state-dir>/pid-<pid>/, one
// per label: separate heapscope invocations must share them, so they
// live on disk rather than in memory.
type snapshotFile struct {
	Name    string          `json:"name"`
	Time    time.Time       `json:"time"`
	Entries []history.Entry `json:"entries"`
}

func (a *app) snapshotDir() string {
	if a.corePath != "" {
		return filepath.Join(a.stateDir, "core-"+filepath.Base(a.corePath))
	}
	return filepath.Join(a.stateDir, fmt.Sprintf("pid-%d", a.pid))
}

func (a *app) requireTarget() error {
	if a.pid <= 0 && a.corePath == "" {
		return fmt.Errorf("either --pid or --core is required")
	}
	return nil
}

func (a *app) saveSnapshot(s *history.Snapshot, seq int) error {
	dir := a.snapshotDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(snapshotFile{Name: s.Name, Time: s.Time, Entries: s.Entries()})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, fmt.Sprintf("%04d.json", seq)), data, 0o644)
}

// loadHistory reads every saved snapshot for the target pid, in the
// order they were taken.
func (a *app) loadHistory() (*history.History, error) {
	names, err := filepath.Glob(filepath.Join(a.snapshotDir(), "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	h := &history.History{}
	for _, name := range names {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, err
		}
		var f snapshotFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("corrupt snapshot %s: %v", name, err)
		}
		h.Add(history.FromEntries(f.Name, f.Time, f.Entries))
	}
	return h, nil
}

// capture scans the target and freezes the fully categorized,
// hexdumped inventory as a snapshot.
func (a *app) capture(name string) (*history.Snapshot, error) {
	s, scan, err := a.scan()
	if err != nil {
		return nil, err
	}
	defer s.close()
	s.engine.HydrateHexdumps(scan)
	return history.New(name, time.Now(), scan.Usages.All()), nil
}

func (a *app) labelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "label [name]",
		Short: "snapshot the current inventory under a name",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			h, err := a.loadHistory()
			if err != nil {
				return err
			}
			seq := len(h.Snapshots()) + 1
			name := fmt.Sprintf("snapshot %d", seq)
			if len(args) == 1 {
				name = args[0]
			}
			snap, err := a.capture(name)
			if err != nil {
				return err
			}
			if err := a.saveSnapshot(snap, seq); err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", snap.Name, snap.Summary())
			return nil
		},
	}
}

func (a *app) logCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "log",
		Short: "list the saved snapshots",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := a.requireTarget(); err != nil {
				return err
			}
			h, err := a.loadHistory()
			if err != nil {
				return err
			}
			if len(h.Snapshots()) == 0 {
				fmt.Println("no snapshots; take one with \"heapscope label\"")
				return nil
			}
			t := report.NewTable("Name", "Taken", "Contents")
			for _, s := range h.Snapshots() {
				t.AddRow(s.Name, s.Time.Format(time.DateTime), s.Summary())
			}
			return t.Write(os.Stdout)
		},
	}
}

func (a *app) diffCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diff [old new]",
		Short: "compare the last snapshot against the current heap, or two named snapshots",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := a.requireTarget(); err != nil {
				return err
			}
			h, err := a.loadHistory()
			if err != nil {
				return err
			}
			var old, new *history.Snapshot
			if len(args) == 0 {
				old, new, err = diffAgainstCurrent(h, a.capture)
			} else {
				old, new, err = pickSnapshots(h, args)
			}
			if err != nil {
				return err
			}

			d := history.NewDiff(old, new)
			fmt.Printf("%s -> %s: %s\n\n", old.Name, new.Name, d.Stats())

			// 64-bit addresses; snapshots do not record pointer width.
			fmtAddr := func(addr uint64) string { return report.FormatAddr(addr, 8) }
			printBlockSection(color.New(color.FgRed), "Free-d blocks", d.Removed(), fmtAddr)
			printBlockSection(color.New(color.FgGreen), "New blocks", d.Added(), fmtAddr)
			return nil
		},
	}
}

// diffAgainstCurrent pairs the most recent label with a fresh capture,
// so a single "label" followed by "diff" shows what changed since.
func diffAgainstCurrent(h *history.History, capture func(name string) (*history.Snapshot, error)) (old, new *history.Snapshot, err error) {
	old = h.Last()
	if old == nil {
		return nil, nil, fmt.Errorf("no snapshots; take one with %q first", "heapscope label")
	}
	new, err = capture("current")
	if err != nil {
		return nil, nil, err
	}
	return old, new, nil
}

func pickSnapshots(h *history.History, args []string) (old, new *history.Snapshot, err error) {
	if len(args) != 2 {
		return nil, nil, fmt.Errorf("diff takes zero or two snapshot names")
	}
	byName := make(map[string]*history.Snapshot)
	for _, s := range h.Snapshots() {
		byName[s.Name] = s
	}
	var ok bool
	if old, ok = byName[args[0]]; !ok {
		return nil, nil, fmt.Errorf("no snapshot named %q", args[0])
	}
	if new, ok = byName[args[1]]; !ok {
		return nil, nil, fmt.Errorf("no snapshot named %q", args[1])
	}
	return old, new, nil
}

func printBlockSection(c *color.Color, title string, entries []history.Entry, fmtAddr func(uint64) string) {
	fmt.Printf("%s:\n", title)
	if len(entries) == 0 {
		fmt.Println("  (none)")
		return
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "  %s -> %s %8d bytes %20s |%s\n",
			fmtAddr(e.Start), fmtAddr(e.Start+e.Size-1), e.Size, e.Category, e.Hexdump)
	}
	c.Print(b.String())
}
