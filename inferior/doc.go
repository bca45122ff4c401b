// Package inferior defines the interfaces through which the heap
// inspector reads the process being examined (the "inferior", in
// debugger parlance).
//
// The core packages (glibc, inventory, query, history) never read a
// byte of inferior memory directly: everything goes through Memory,
// TypeResolver, and SymbolResolver. This keeps the inspection logic
// independent of how the inferior is actually reached: a live process
// via /proc (package proc), a core file, or a synthetic in-memory
// process built for tests (package inferiortest).
//
// Every read is fallible. A failed read is reported as an
// *UnreadableError so callers can tell "this page is not mapped" apart
// from genuine bugs. Type-layout lookups distinguish a missing type
// (*NoSuchTypeError) from missing debug metadata for a whole module
// (*MissingDebugInfoError), so the caller can emit an actionable
// diagnostic such as "install debuginfo for glibc" rather than a
// generic failure.
package inferior
