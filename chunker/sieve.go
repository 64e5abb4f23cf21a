package chunker

import (
	"regexp"
)

// RegexpSieve recognizes records by a compiled regular expression. CSPP-style
// line-oriented formats use this with a pattern anchored on the record
// terminator so a partial trailing line never matches.
type RegexpSieve struct {
	name    string
	pattern *regexp.Regexp
}

// NewRegexpSieve creates a sieve for the given pattern.
func NewRegexpSieve(name string, pattern *regexp.Regexp) *RegexpSieve {
	return &RegexpSieve{name: name, pattern: pattern}
}

// Name implements Sieve.
func (s *RegexpSieve) Name() string { return s.name }

// Matches implements Sieve.
func (s *RegexpSieve) Matches(window []byte) []Range {
	locs := s.pattern.FindAllIndex(window, -1)
	if len(locs) == 0 {
		return nil
	}
	out := make([]Range, 0, len(locs))
	for _, loc := range locs {
		out = append(out, Range{Start: loc[0], End: loc[1]})
	}
	return out
}

// FuncSieve wraps a plain function as a Sieve. Binary formats with framing
// too irregular for a regexp implement their scan directly.
type FuncSieve struct {
	name string
	fn   func(window []byte) []Range
}

// NewFuncSieve creates a sieve from a scan function.
func NewFuncSieve(name string, fn func(window []byte) []Range) *FuncSieve {
	return &FuncSieve{name: name, fn: fn}
}

// Name implements Sieve.
func (s *FuncSieve) Name() string { return s.name }

// Matches implements Sieve.
func (s *FuncSieve) Matches(window []byte) []Range {
	return s.fn(window)
}
