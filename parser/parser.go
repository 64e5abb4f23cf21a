package parser

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/oceanstream/chunker"
	"github.com/c360/oceanstream/errors"
	"github.com/c360/oceanstream/metric"
	"github.com/c360/oceanstream/particle"
	"github.com/c360/oceanstream/state"
)

// Context is what a Builder sees beyond the chunk bytes: the stream identity,
// the arrival timestamp of the fragment that completed the chunk, and the
// parse-state manager for one-shot flags and timer rollover.
type Context struct {
	Stream  string
	Arrival int64
	State   *state.Manager
}

// Builder decodes one matched chunk into particles. Implementations are
// format-specific (see the format packages) and must be deterministic: the
// same chunk and state always produce the same particles, which is what makes
// resume replay safe.
//
// A recoverable failure (bad checksum, undecodable field) is returned as an
// Invalid-class error; the driver reports it and consumes the bytes. A
// Fatal-class error (unreadable preamble at stream open) aborts the stream.
// Returning no particles and no error is a valid outcome: the chunk carried
// nothing for this stream (already-sent metadata, row with no expected
// fields).
type Builder interface {
	Build(chunk *chunker.Chunk, pctx *Context) ([]*particle.Particle, error)
}

// Callbacks are the three output channels of the driver loop. Sample fires
// once per particle in stream order. State fires after every parse-state
// mutation with a snapshot safe to persist; fileIngested signals the source
// may be archived. Exception fires for every recoverable failure. Nil
// callbacks are skipped.
type Callbacks struct {
	Sample    func(p *particle.Particle)
	State     func(snapshot *state.State, fileIngested bool)
	Exception func(err error)
}

// Config assembles one stream's parser.
type Config struct {
	Stream    string
	Sieves    []chunker.Sieve
	Builder   Builder
	Callbacks Callbacks

	// Rollover tunes wraparound detection; nil for formats without a
	// wrapping hardware counter.
	Rollover *state.RolloverConfig

	Logger  *slog.Logger
	Metrics *metric.Metrics
}

func (c Config) validate() error {
	if c.Stream == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "Parser", "New", "stream name required")
	}
	if len(c.Sieves) == 0 {
		return errors.WrapFatal(errors.ErrMissingConfig, "Parser", "New", "at least one sieve required")
	}
	if c.Builder == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "Parser", "New", "builder required")
	}
	return nil
}

// Parser is the driver loop for one stream. Not safe for concurrent use;
// streams are strictly sequential and independent of each other.
type Parser struct {
	cfg     Config
	log     *slog.Logger
	metrics *metric.Metrics

	ch   *chunker.Chunker
	st   *state.Manager
	done bool
}

// New creates a parser for a fresh stream starting at byte zero.
func New(cfg Config) (*Parser, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	st, err := state.NewManager(cfg.Rollover)
	if err != nil {
		return nil, err
	}
	ch, err := chunker.New(cfg.Sieves...)
	if err != nil {
		return nil, err
	}
	return newParser(cfg, ch, st), nil
}

func newParser(cfg Config, ch *chunker.Chunker, st *state.Manager) *Parser {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Parser{
		cfg:     cfg,
		log:     log.With("stream", cfg.Stream),
		metrics: cfg.Metrics,
		ch:      ch,
		st:      st,
	}
}

// Position returns the byte offset fully parsed so far.
func (p *Parser) Position() int64 {
	return p.st.Position()
}

// Done reports whether the stream has been closed.
func (p *Parser) Done() bool {
	return p.done
}

// State returns a persistable snapshot of the current parse state.
func (p *Parser) State() *state.State {
	p.refreshUnprocessed()
	return p.st.Snapshot()
}

// AddData pushes a fragment into the stream and drains everything currently
// parseable. arrival is the ingestion timestamp (Unix ms). Recoverable
// failures go to the exception callback; only fatal errors return, and a
// fatal error terminates the stream.
func (p *Parser) AddData(data []byte, arrival int64) error {
	if p.done {
		return errors.WrapFatal(errors.ErrStreamClosed, "Parser", "AddData", "stream already closed")
	}
	p.ch.AddData(data, arrival)
	if p.metrics != nil {
		p.metrics.RecordBytesConsumed(p.cfg.Stream, len(data))
	}

	started := time.Now()
	err := p.drain()
	if p.metrics != nil {
		p.metrics.RecordParseDuration(p.cfg.Stream, time.Since(started))
	}
	if err != nil {
		p.done = true
		return err
	}
	return nil
}

// Close declares the stream terminal: no more bytes will arrive. Buffered
// bytes that never matched a sieve are surfaced as a final unparsed-trailing-
// data warning, never discarded invisibly. Close is idempotent.
func (p *Parser) Close() error {
	if p.done {
		return nil
	}
	p.done = true

	ingested := true
	if tail, start := p.ch.UnclassifiedTail(); len(tail) > 0 {
		ingested = false
		p.log.Warn("stream closed with unparsed trailing data",
			"start", start, "bytes", len(tail))
		p.reportException(errors.WrapInvalid(
			fmt.Errorf("%w: %d unparsed bytes at offset %d", errors.ErrTrailingData, len(tail), start),
			"Parser", "Close", "trailing data check"), "trailing_data")
	}
	p.emitState(ingested)
	return nil
}

// drain runs the loop until the chunker has nothing complete left: the
// suspension point. Non-data ahead of the next chunk is consumed first so
// output stays in strict offset order.
func (p *Parser) drain() error {
	for {
		if err := p.drainNonData(); err != nil {
			return err
		}

		chunk, err := p.ch.NextData()
		if err != nil {
			return err
		}
		if chunk == nil {
			return nil
		}
		if err := p.emitChunk(chunk); err != nil {
			return err
		}
	}
}

// drainNonData consumes non-data spans preceding the next chunk. A span
// ending at or before the consumed position means the stream re-produced
// bytes it already claimed to have processed, a framing defect worth its own
// exception kind. Either way the bytes are consumed and reported.
func (p *Parser) drainNonData() error {
	for {
		span, err := p.ch.NextNonData(true)
		if err != nil {
			return err
		}
		if span == nil {
			return nil
		}

		if span.Start < p.st.Position() {
			p.reportException(errors.WrapInvalid(
				fmt.Errorf("%w: span [%d,%d) behind position %d",
					errors.ErrPositionRegression, span.Start, span.End, p.st.Position()),
				"Parser", "drainNonData", "framing check"), "framing")
		} else {
			p.reportException(errors.WrapInvalid(
				fmt.Errorf("%w: %d bytes at offset %d", errors.ErrUnexpectedData, len(span.Data), span.Start),
				"Parser", "drainNonData", "unrecognized data"), "non_data")
		}

		if p.metrics != nil {
			p.metrics.RecordNonDataBytes(p.cfg.Stream, len(span.Data))
		}
		if span.End > p.st.Position() {
			if err := p.st.Advance(span.End - p.st.Position()); err != nil {
				return err
			}
		}
		p.emitState(false)
	}
}

// emitChunk builds and delivers one chunk's particles, maintaining the
// in-process block bookkeeping that makes mid-block resume exact.
func (p *Parser) emitChunk(chunk *chunker.Chunk) error {
	pctx := &Context{Stream: p.cfg.Stream, Arrival: chunk.Arrival, State: p.st}

	particles, err := p.cfg.Builder.Build(chunk, pctx)
	if err != nil {
		if errors.IsFatal(err) {
			return err
		}
		// Recoverable: report, consume the bytes, keep parsing. Timer and
		// metadata updates staged by the failed build are discarded.
		p.st.Discard()
		p.reportException(err, "sample")
		return p.consumeTo(chunk.End)
	}

	// Multi-record blocks get progress bookkeeping so a crash mid-block
	// resumes at the right sub-record. A restored block tells us how many
	// were already delivered.
	skip := 0
	if len(particles) > 1 {
		if b := p.st.BlockFor(chunk.Start, chunk.End); b != nil {
			skip = b.Emitted
		} else {
			p.st.BeginBlock(chunk.Start, chunk.End, len(particles))
		}
	}

	for i, part := range particles {
		if i < skip {
			continue
		}
		part.Provenance = particle.Provenance{Start: chunk.Start, End: chunk.End}
		if part.PortTimestamp == 0 {
			part.PortTimestamp = chunk.Arrival
		}

		if p.cfg.Callbacks.Sample != nil {
			p.cfg.Callbacks.Sample(part)
		}
		if p.metrics != nil {
			p.metrics.RecordParticleEmitted(p.cfg.Stream, part.Type)
		}
		p.st.RecordEmitted(chunk.Start, chunk.End)

		if i == len(particles)-1 {
			// Last particle of the chunk: the whole byte range is now
			// fully parsed.
			if err := p.consumeTo(chunk.End); err != nil {
				return err
			}
		} else {
			p.emitState(false)
		}
	}

	if len(particles) == 0 || skip >= len(particles) {
		// Nothing left to emit (already-sent metadata, skipped sparse row,
		// or a fully delivered restored block) but the bytes are parsed.
		return p.consumeTo(chunk.End)
	}
	return nil
}

// consumeTo advances the position to the given absolute offset, commits any
// staged timer and metadata updates, and emits a state snapshot. Called only
// at chunk boundaries, which is what makes mid-block snapshots carry the
// pre-block rollover tracker.
func (p *Parser) consumeTo(end int64) error {
	if end > p.st.Position() {
		if err := p.st.Advance(end - p.st.Position()); err != nil {
			return err
		}
	}
	p.st.Commit()
	p.emitState(false)
	return nil
}

func (p *Parser) refreshUnprocessed() {
	tail, start := p.ch.UnclassifiedTail()
	if len(tail) == 0 {
		p.st.SetUnprocessed(nil)
		return
	}
	p.st.SetUnprocessed([]state.Span{{Start: start, End: start + int64(len(tail))}})
}

func (p *Parser) emitState(ingested bool) {
	if p.cfg.Callbacks.State == nil {
		return
	}
	p.refreshUnprocessed()
	p.cfg.Callbacks.State(p.st.Snapshot(), ingested)
}

func (p *Parser) reportException(err error, kind string) {
	p.log.Debug("recoverable parse failure", "kind", kind, "error", err)
	if p.metrics != nil {
		p.metrics.RecordSampleError(p.cfg.Stream, kind)
	}
	if p.cfg.Callbacks.Exception != nil {
		p.cfg.Callbacks.Exception(err)
	}
}
