// Package inventory turns the raw chunk walk of package glibc into an
// inventory of memory usage: one Usage record per live allocation,
// classified by a chain of categorizers that sniff the block contents
// (CPython objects, GObject instances, C++ objects by vtable, string
// data) and fall back to "uncategorized".
//
// Classification is refinement-based. A categorizer may also classify
// blocks referenced by the one it recognized (a dict's entry table, a
// list's item array) at a higher refinement level; a later writer only
// replaces a category when it offers a strictly higher level. Buffers
// that back CPython's pymalloc arenas are decomposed into their
// constituent blocks before classification.
package inventory
