package inventory

// stringCategorizer claims blocks that hold a NUL-terminated run of
// printable ASCII. It runs late in the chain: plenty of binary
// structures start with a few printable bytes, but anything a more
// specific categorizer recognizes never reaches it.
type stringCategorizer struct{}

func (stringCategorizer) Name() string { return "string" }

func (stringCategorizer) Categorize(s *Scan, u *Usage) bool {
	b, err := s.Proc.ReadBytes(u.Start, u.Size)
	if err != nil || len(b) == 0 || b[0] == 0 {
		return false
	}
	for i, c := range b {
		if c == 0 {
			s.claim(u, Category{Domain: "C", Kind: "string data"}, string(b[:i]))
			return true
		}
		if !printableASCII(c) {
			return false
		}
	}
	return false // no terminator inside the block
}

func printableASCII(c byte) bool {
	return c >= 0x20 && c < 0x7f || c == '\t' || c == '\n' || c == '\r'
}

// fallbackCategorizer claims everything. It must be last.
type fallbackCategorizer struct{}

func (fallbackCategorizer) Name() string { return "fallback" }

func (fallbackCategorizer) Categorize(s *Scan, u *Usage) bool {
	s.claim(u, Uncategorized(u.Size), nil)
	return true
}
