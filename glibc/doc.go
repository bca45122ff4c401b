// Package glibc walks the internal bookkeeping structures of glibc's
// malloc in an inferior process: the chunks of the main (sbrk) arena,
// chunks obtained directly from mmap, the free-chunk bins, and the
// arena list.
//
// All structure offsets are resolved from the inferior's debug
// metadata, never hard-coded, since they vary by glibc build. The walk
// is strictly read-only and treats every read as fallible: a chunk
// that cannot be read terminates its sub-walk early, yielding a
// partial (but valid) result rather than an error.
package glibc
