// Heapscope inspects the glibc malloc heap of a live Linux process:
// it walks the allocator's chunks, categorizes what each allocation
// holds (CPython objects, GObject instances, C++ objects, strings),
// answers queries over the inventory, and diffs labeled snapshots to
// find leaks.
//
// Usage:
//
//	heapscope --pid 1234 report
//	heapscope --pid 1234 select 'size > 1000 and domain == "python"'
//	heapscope --pid 1234 label before; ...; heapscope --pid 1234 diff
package main

import "os"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
