// Package chunker implements the bounded buffer at the front of every parser:
// it accepts arbitrarily-sized byte fragments appended over time and exposes
// scan operations that extract the next complete chunk (a byte range matching
// a registered sieve) and the non-data spans that lie between chunks.
//
// A Sieve is a format-specific predicate: given the currently buffered window
// it returns the byte ranges it recognizes as complete candidate records. The
// chunker merges results from all registered sieves in stream order. Two
// sieves claiming overlapping ranges is ambiguous framing and therefore a
// fatal configuration error, never a silent tie-break.
//
// Invariants maintained here:
//   - chunks are yielded in non-decreasing start order and never overlap
//   - concatenating all yielded chunks and non-data spans in offset order
//     reconstructs the input byte-for-byte (nothing is silently dropped)
//   - the fully-consumed buffer prefix is discarded, bounding memory growth
//
// The chunker performs no I/O and never blocks: when no complete chunk is
// available, NextData returns nil and the caller supplies more bytes later.
package chunker
