package inferior

import "fmt"

// UnreadableError reports that a range of inferior memory could not be
// read (unmapped page, detached process, truncated core file).
type UnreadableError struct {
	Addr uint64
	Len  uint64
}

func (e *UnreadableError) Error() string {
	return fmt.Sprintf("cannot read %d bytes at 0x%x", e.Len, e.Addr)
}

// NoSuchTypeError reports that a type does not exist in the inferior's
// debug metadata even though the metadata itself is present.
type NoSuchTypeError struct {
	Name string
}

func (e *NoSuchTypeError) Error() string {
	return fmt.Sprintf("could not find type %q", e.Name)
}

// MissingDebugInfoError reports that debug metadata for a whole module
// is absent, so no type from that module can be resolved. This is an
// environment problem with an actionable fix (install the module's
// debuginfo), distinct from a type that genuinely does not exist.
type MissingDebugInfoError struct {
	Module string
}

func (e *MissingDebugInfoError) Error() string {
	return fmt.Sprintf("missing debug info for module %q", e.Module)
}

// NoSuchSymbolError reports a failed symbol lookup, by name or by
// address depending on the direction of the query.
type NoSuchSymbolError struct {
	Name string
	Addr uint64
}

func (e *NoSuchSymbolError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("could not find symbol %q", e.Name)
	}
	return fmt.Sprintf("no symbol covers 0x%x", e.Addr)
}
