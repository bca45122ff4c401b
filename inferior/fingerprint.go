package inferior

// StateFingerprinter is optionally implemented by a Process that can
// summarize its current execution state (e.g. the stopped thread's
// registers) as an opaque byte string. Two identical fingerprints mean
// the inferior has not run in between, so derived results such as a
// heap scan may be reused.
type StateFingerprinter interface {
	StateFingerprint() ([]byte, error)
}
