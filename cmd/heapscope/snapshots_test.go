package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogerhu/gdb-heap/history"
	"github.com/rogerhu/gdb-heap/inventory"
)

func snapshot(name string, starts ...uint64) *history.Snapshot {
	entries := make([]history.Entry, len(starts))
	for i, start := range starts {
		entries[i] = history.Entry{Key: history.Key{
			Start:    start,
			Size:     32,
			Category: inventory.Category{Domain: "C", Kind: "string data"},
		}}
	}
	return history.FromEntries(name, time.Now(), entries)
}

func TestDiffAgainstCurrent(t *testing.T) {
	h := &history.History{}
	h.Add(snapshot("before", 0x1000))

	captured := snapshot("current", 0x1000, 0x2000)
	old, new, err := diffAgainstCurrent(h, func(name string) (*history.Snapshot, error) {
		assert.Equal(t, "current", name)
		return captured, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "before", old.Name)
	assert.Same(t, captured, new)

	// A single label is enough: the other side is the live heap.
	d := history.NewDiff(old, new)
	assert.Equal(t, "+32 bytes, +1 blocks", d.Stats())
}

func TestDiffAgainstCurrentNeedsALabel(t *testing.T) {
	_, _, err := diffAgainstCurrent(&history.History{}, func(string) (*history.Snapshot, error) {
		t.Fatal("must not scan when there is nothing to compare against")
		return nil, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heapscope label")
}

func TestDiffAgainstCurrentCaptureFailure(t *testing.T) {
	h := &history.History{}
	h.Add(snapshot("before", 0x1000))

	boom := errors.New("attach failed")
	_, _, err := diffAgainstCurrent(h, func(string) (*history.Snapshot, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestPickSnapshots(t *testing.T) {
	h := &history.History{}
	h.Add(snapshot("a", 0x1000))
	h.Add(snapshot("b", 0x1000, 0x2000))

	old, new, err := pickSnapshots(h, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, "a", old.Name)
	assert.Equal(t, "b", new.Name)

	_, _, err = pickSnapshots(h, []string{"a", "missing"})
	assert.Error(t, err)

	_, _, err = pickSnapshots(h, []string{"a"})
	assert.Error(t, err)
}
