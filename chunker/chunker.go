package chunker

import (
	"fmt"
	"sort"

	"github.com/c360/oceanstream/errors"
)

// Range is a half-open byte range [Start, End) relative to the window a sieve
// was given.
type Range struct {
	Start int
	End   int
}

// Sieve recognizes complete candidate records inside a buffered window.
//
// Matches must be pure: no side effects, no state outside the window. A
// too-short window is simply "no match yet" — implementations return only
// ranges they are certain about given the bytes present. Ranges must be
// sorted, non-overlapping, and within the window.
type Sieve interface {
	// Name identifies the sieve in overlap errors and logs.
	Name() string

	// Matches returns the complete record ranges found in the window.
	Matches(window []byte) []Range
}

// Chunk is a byte range recognized by a sieve as one complete candidate
// record. Start and End are absolute stream offsets. Arrival is the ingestion
// timestamp (Unix ms) of the fragment that completed the chunk's first byte.
type Chunk struct {
	Data    []byte
	Start   int64
	End     int64
	Arrival int64
	Sieve   string
}

// Span is a non-data byte range: bytes between chunks that matched no sieve.
type Span struct {
	Data  []byte
	Start int64
	End   int64
}

// segment records the arrival time of one AddData call so chunks can carry
// ingestion provenance.
type segment struct {
	start   int64 // absolute offset of first byte
	arrival int64
}

// entry is one classified region of the buffer, kept in offset order.
type entry struct {
	start  int64
	end    int64
	isData bool
	sieve  string
}

// Chunker buffers incoming fragments and classifies them into chunks and
// non-data spans using the registered sieves. It is not safe for concurrent
// use; each stream owns exactly one Chunker (see the concurrency model in the
// package docs).
type Chunker struct {
	sieves []Sieve

	buf  []byte
	base int64 // absolute stream offset of buf[0]

	segments []segment

	// classified regions not yet handed out, in offset order
	entries []entry

	// classified is the absolute offset up to which the buffer has been
	// classified into entries. Bytes in [classified, base+len(buf)) await
	// more data.
	classified int64

	dirty bool // new bytes since last scan
}

// New creates a Chunker starting at absolute stream offset 0.
func New(sieves ...Sieve) (*Chunker, error) {
	return NewAt(0, sieves...)
}

// NewAt creates a Chunker whose first buffered byte will be at the given
// absolute stream offset. Used by the resume path to continue mid-stream.
func NewAt(offset int64, sieves ...Sieve) (*Chunker, error) {
	if len(sieves) == 0 {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Chunker", "New", "at least one sieve required")
	}
	return &Chunker{
		sieves:     sieves,
		base:       offset,
		classified: offset,
	}, nil
}

// Offset returns the absolute stream offset of the first buffered byte.
func (c *Chunker) Offset() int64 {
	return c.base
}

// Buffered returns the number of bytes currently held.
func (c *Chunker) Buffered() int {
	return len(c.buf)
}

// AddData appends a fragment to the buffer. arrival is the ingestion
// timestamp (Unix ms) of the fragment.
func (c *Chunker) AddData(data []byte, arrival int64) {
	if len(data) == 0 {
		return
	}
	c.segments = append(c.segments, segment{start: c.base + int64(len(c.buf)), arrival: arrival})
	c.buf = append(c.buf, data...)
	c.dirty = true
}

// scan runs all sieves over the unclassified tail of the buffer and extends
// the entry list. Overlapping claims are a fatal configuration error.
func (c *Chunker) scan() error {
	if !c.dirty {
		return nil
	}
	c.dirty = false

	type claim struct {
		abs   [2]int64
		sieve string
	}

	var claims []claim
	for _, s := range c.sieves {
		for _, r := range s.Matches(c.buf) {
			if r.Start < 0 || r.End > len(c.buf) || r.Start >= r.End {
				continue
			}
			abs := [2]int64{c.base + int64(r.Start), c.base + int64(r.End)}
			// Ignore ranges already classified on a previous scan.
			if abs[0] < c.classified {
				continue
			}
			claims = append(claims, claim{abs: abs, sieve: s.Name()})
		}
	}

	sort.Slice(claims, func(i, j int) bool {
		if claims[i].abs[0] != claims[j].abs[0] {
			return claims[i].abs[0] < claims[j].abs[0]
		}
		return claims[i].abs[1] < claims[j].abs[1]
	})

	for i := 1; i < len(claims); i++ {
		if claims[i].abs[0] < claims[i-1].abs[1] {
			return errors.WrapFatal(
				fmt.Errorf("%w: %s [%d,%d) vs %s [%d,%d)", errors.ErrOverlappingChunks,
					claims[i-1].sieve, claims[i-1].abs[0], claims[i-1].abs[1],
					claims[i].sieve, claims[i].abs[0], claims[i].abs[1]),
				"Chunker", "scan", "sieve merge")
		}
	}

	// Extend the classified region: alternate gap/chunk entries up to the
	// end of the last matched chunk. The tail past the last chunk stays
	// unclassified until more bytes arrive.
	pos := c.classified
	for _, cl := range claims {
		if cl.abs[0] > pos {
			c.entries = append(c.entries, entry{start: pos, end: cl.abs[0], isData: false})
		}
		c.entries = append(c.entries, entry{start: cl.abs[0], end: cl.abs[1], isData: true, sieve: cl.sieve})
		pos = cl.abs[1]
	}
	c.classified = pos

	return nil
}

// NextData returns the earliest not-yet-returned chunk, or nil when no
// complete chunk is currently available (the suspension point: the caller
// should supply more bytes and try again). Non-data entries ahead of the
// chunk remain retrievable through NextNonData.
func (c *Chunker) NextData() (*Chunk, error) {
	if err := c.scan(); err != nil {
		return nil, err
	}

	for i, e := range c.entries {
		if !e.isData {
			continue
		}
		chunk := &Chunk{
			Data:    c.slice(e.start, e.end),
			Start:   e.start,
			End:     e.end,
			Arrival: c.arrivalAt(e.start),
			Sieve:   e.sieve,
		}
		c.entries = append(c.entries[:i], c.entries[i+1:]...)
		c.compact()
		return chunk, nil
	}
	return nil, nil
}

// NextNonData returns the earliest non-data span that precedes the next known
// chunk (or any pending non-data when no chunk remains classified). With
// clean=true the span is removed from the buffer; with clean=false it stays
// for a later strict read.
func (c *Chunker) NextNonData(clean bool) (*Span, error) {
	if err := c.scan(); err != nil {
		return nil, err
	}

	if len(c.entries) == 0 || c.entries[0].isData {
		return nil, nil
	}

	e := c.entries[0]
	span := &Span{
		Data:  c.slice(e.start, e.end),
		Start: e.start,
		End:   e.end,
	}
	if clean {
		c.entries = c.entries[1:]
		c.compact()
	}
	return span, nil
}

// PendingNonData reports whether classified non-data is waiting ahead of the
// next chunk.
func (c *Chunker) PendingNonData() bool {
	if err := c.scan(); err != nil {
		return false
	}
	return len(c.entries) > 0 && !c.entries[0].isData
}

// UnclassifiedTail returns a copy of the bytes past the last classified
// entry: read but not yet matched by any sieve. Used when a stream is closed
// with bytes still in flight and for the unprocessed ranges of Parse State.
func (c *Chunker) UnclassifiedTail() (data []byte, start int64) {
	_ = c.scan()
	return c.slice(c.classified, c.base+int64(len(c.buf))), c.classified
}

// slice copies the absolute range [start, end) out of the buffer.
func (c *Chunker) slice(start, end int64) []byte {
	lo := start - c.base
	hi := end - c.base
	if lo < 0 || hi > int64(len(c.buf)) || lo >= hi {
		return nil
	}
	out := make([]byte, hi-lo)
	copy(out, c.buf[lo:hi])
	return out
}

// arrivalAt returns the arrival timestamp of the fragment containing the
// given absolute offset.
func (c *Chunker) arrivalAt(off int64) int64 {
	var arrival int64
	for _, s := range c.segments {
		if s.start > off {
			break
		}
		arrival = s.arrival
	}
	return arrival
}

// compact discards the buffer prefix below the earliest still-referenced
// entry, keeping memory bounded.
func (c *Chunker) compact() {
	keep := c.classified
	if len(c.entries) > 0 {
		keep = c.entries[0].start
	}
	if keep <= c.base {
		return
	}
	drop := keep - c.base
	if drop >= int64(len(c.buf)) {
		c.buf = nil
	} else {
		c.buf = append([]byte(nil), c.buf[drop:]...)
	}
	c.base = keep

	// Prune arrival segments that no longer cover buffered bytes, keeping
	// the last one at or before the new base.
	lastIdx := -1
	for i, s := range c.segments {
		if s.start <= c.base {
			lastIdx = i
		}
	}
	if lastIdx > 0 {
		c.segments = append([]segment(nil), c.segments[lastIdx:]...)
	}
}
