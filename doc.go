// Package oceanstream ingests raw instrument data from oceanographic
// observatories (gliders, moorings, seafloor packages, ADCPs) and converts it
// into structured, timestamped, typed particles suitable for downstream
// archival and distribution.
//
// # Architecture
//
// The core of the system is a stateful streaming parser: a family of
// format-specific parsers that incrementally consume arbitrarily-chunked byte
// streams (files or live sockets), identify record boundaries inside noisy or
// binary payloads, maintain durable parse position state across process
// restarts, and emit well-formed particles exactly once while tolerating
// corrupt or partial data without losing forward progress.
//
//	┌─────────────────────────────────────┐
//	│          Service                    │  Stream lifecycle,
//	│  (wire harvesters to parsers)       │  checkpoint scheduling
//	└─────────────────────────────────────┘
//	           ↓ drives
//	┌─────────────────────────────────────┐
//	│         Parser Engine               │  Chunker, sieves,
//	│  (chunker → matcher → builder)      │  parse state, particles
//	└─────────────────────────────────────┘
//	           ↓ emits via
//	┌─────────────────────────────────────┐
//	│         NATS Messaging              │  Particle subjects,
//	│     (pub/sub, JetStream KV)         │  state checkpoints
//	└─────────────────────────────────────┘
//
// Layer 1 - Parsing core (instrument agnostic):
//   - chunker: bounded buffer + sieve-driven record boundary detection
//   - state: durable parse position, metadata flags, timer rollover tracking
//   - particle: typed output records with provenance and timestamps
//   - parser: the driver loop tying chunker, matchers and builders together
//
// Layer 2 - Instrument formats (one package per family):
//   - format/sio: SIO-framed binary blocks (checksummed, multi-record)
//   - format/cspp: CSPP tab-delimited profiler records
//   - format/glider: Slocum glider ASCII telemetry tables
//   - format/orb: live ORB packet envelopes
//
// Around the core sit thin collaborators: harvesters that deliver bytes from
// growing files or live sockets, a publisher that forwards particles to NATS,
// and a state store that checkpoints Parse State to disk or JetStream KV.
//
// # Data Flow
//
// Bytes arrive → the Chunker buffers them and yields (non-data, chunk) pairs
// in stream order → the format's matcher classifies the chunk → the particle
// builder materializes typed records → the driver loop emits each particle via
// the sample callback and hands a Parse State snapshot to the state callback
// so the owning harvester can checkpoint it durably.
//
// Recoverable per-record failures (bad checksum, malformed fields, unexpected
// bytes between records) are funneled through an exception callback and never
// halt the stream; fatal errors (ambiguous sieve configuration, corrupt resume
// state, missing file preamble) abort only the owning stream.
package oceanstream
