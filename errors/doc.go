// Package errors provides standardized error handling patterns for OceanStream
// components.
//
// # Overview
//
// The errors package implements a three-class error classification system
// designed for stream ingest pipelines: Transient (temporary, retryable),
// Invalid (bad input or bad data, non-retryable), and Fatal (unrecoverable,
// stop the owning stream).
//
// The parsing core maps its error taxonomy onto these classes:
//
//   - Recoverable sample errors (bad checksum, malformed fields, missing
//     required column) and recoverable framing errors (unrecognized bytes
//     between records) are Invalid: they are reported through the parser's
//     exception callback and never retried, and the stream keeps moving.
//   - Fatal configuration errors (overlapping sieve claims, missing file
//     preamble, corrupt resume state) are Fatal: they abort the owning stream
//     at construction or resume time.
//   - Harvester and NATS connectivity trouble is Transient: the retry package
//     handles it with exponential backoff.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions provide classification-aware wrapping:
//
//	errors.WrapTransient(err, "Component", "Method", "action")  // retryable
//	errors.WrapInvalid(err, "Component", "Method", "action")    // bad data
//	errors.WrapFatal(err, "Component", "Method", "action")      // stop stream
//
// The generic Wrap() preserves the original error's classification.
//
// # Standard Error Variables
//
// Pre-defined variables cover the common conditions of the parsing domain
// (ErrChecksumFailed, ErrOverlappingChunks, ErrMissingStateKey, ...) and the
// surrounding infrastructure (ErrNoConnection, ErrAlreadyStarted, ...). Use
// them instead of ad-hoc error strings so callers can branch with errors.Is.
//
// # Thread Safety
//
// All classification and wrapping operations are thread-safe. Error variables
// are immutable and safe for concurrent access.
package errors
