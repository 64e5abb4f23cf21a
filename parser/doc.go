// Package parser implements the driver loop that turns buffered stream bytes
// into particles: it pulls chunks and non-data spans from a chunker in strict
// offset order, hands chunks to a format-specific Builder, and fires the
// sample, state, and exception callbacks.
//
// The loop is a polling state machine, AwaitingChunk <-> Emitting with a
// terminal Done. It never blocks and performs no I/O: AddData pushes bytes in
// and drains everything currently parseable, then returns control to the
// caller. Recoverable per-record failures go to the exception callback and
// never surface from AddData; only fatal configuration and framing defects do.
//
// Restore is the resume entry point: it rebuilds a parser from a persisted
// parse-state blob so a restarted process continues exactly where it stopped,
// including mid-way through a multi-record block.
package parser
