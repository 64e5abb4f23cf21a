// Package glider parses glider ASCII telemetry: a fixed-size "Key: value"
// preamble, three column-declaration rows (names, units, sizes), then
// whitespace-separated data rows. Rows are sparse: a column carrying the
// literal NaN token is absent for that row. Several particle types share one
// file, each declaring its own field subset; a row that carries none of a
// type's fields simply does not produce that type.
//
// An absent or short preamble at stream open is fatal: without it the column
// layout is unknowable. Resuming mid-file therefore requires the column list
// in the configuration, since the preamble bytes are behind the restored
// position and will not be re-read.
package glider

import (
	stderrors "errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/c360/oceanstream/chunker"
	"github.com/c360/oceanstream/errors"
	"github.com/c360/oceanstream/parser"
	"github.com/c360/oceanstream/particle"
	"github.com/c360/oceanstream/pkg/timestamp"
)

// SieveName identifies the glider line sieve in chunk provenance.
const SieveName = "glider-line"

// DefaultHeaderLines is the preamble size gliders emit.
const DefaultHeaderLines = 14

// declarationRows is the number of column rows following the preamble:
// names, units, sizes.
const declarationRows = 3

var linePattern = regexp.MustCompile(`[^\n]*\n`)

// NewSieve returns a sieve yielding one chunk per line.
func NewSieve() chunker.Sieve {
	return chunker.NewRegexpSieve(SieveName, linePattern)
}

// Config assembles a glider builder.
type Config struct {
	// HeaderLines overrides the preamble size; zero means
	// DefaultHeaderLines.
	HeaderLines int `yaml:"header_lines"`

	// Columns is the declared column list. Optional for fresh streams
	// (learned from the file's declaration row), required for resume.
	Columns []string `yaml:"columns"`

	// TimeColumn names the column carrying POSIX seconds for the internal
	// timestamp; rows without it fall back to the ingestion timestamp.
	TimeColumn string `yaml:"time_column"`

	// MetadataSpec, when non-nil, declares a one-shot particle built from
	// the preamble. Field names are normalized header keys (lowercased,
	// spaces to underscores).
	MetadataSpec *particle.Spec `yaml:"metadata_spec"`

	// Specs declare the data particle types sharing this file.
	Specs []particle.Spec `yaml:"specs"`
}

// Builder decodes glider lines. Create one per stream; it accumulates the
// preamble and column declarations as the file streams in.
type Builder struct {
	cfg Config

	started    bool
	headerMode bool
	headerSeen int
	header     map[string]string
	declSeen   int
	columns    []string
}

// NewBuilder validates the particle specs and returns a builder.
func NewBuilder(cfg Config) (*Builder, error) {
	if len(cfg.Specs) == 0 {
		return nil, errors.WrapFatal(errors.ErrMissingConfig,
			"glider.Builder", "NewBuilder", "at least one particle spec required")
	}
	for _, s := range cfg.Specs {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	if cfg.MetadataSpec != nil {
		if err := cfg.MetadataSpec.Validate(); err != nil {
			return nil, err
		}
	}
	if cfg.HeaderLines == 0 {
		cfg.HeaderLines = DefaultHeaderLines
	}
	return &Builder{
		cfg:    cfg,
		header: make(map[string]string),
	}, nil
}

// Build implements parser.Builder.
func (b *Builder) Build(chunk *chunker.Chunk, pctx *parser.Context) ([]*particle.Particle, error) {
	if !b.started {
		b.started = true
		b.headerMode = chunk.Start == 0
		b.columns = b.cfg.Columns
		if !b.headerMode && len(b.columns) == 0 {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: resumed mid-file without a configured column list", errors.ErrMissingConfig),
				"glider.Builder", "Build", "resume configuration")
		}
	}

	line := strings.TrimRight(string(chunk.Data), "\r\n")

	if b.headerMode && b.headerSeen < b.cfg.HeaderLines {
		return b.buildHeaderLine(line, chunk, pctx)
	}
	if b.headerMode && b.declSeen < declarationRows {
		b.declSeen++
		if b.declSeen == 1 && len(b.columns) == 0 {
			b.columns = strings.Fields(line)
		}
		return nil, nil
	}

	if strings.TrimSpace(line) == "" {
		return nil, nil
	}
	return b.buildRow(line, chunk, pctx)
}

// buildHeaderLine consumes one preamble line. A line that does not look like
// a header before the preamble is complete means the file has no readable
// preamble, which is fatal for the stream.
func (b *Builder) buildHeaderLine(line string, chunk *chunker.Chunk, pctx *parser.Context) ([]*particle.Particle, error) {
	key, value, found := strings.Cut(line, ":")
	if !found {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: line %d of %d is not a header line",
				errors.ErrMissingPreamble, b.headerSeen+1, b.cfg.HeaderLines),
			"glider.Builder", "Build", "preamble validation")
	}
	b.header[normalizeKey(key)] = strings.TrimSpace(value)
	b.headerSeen++

	if b.headerSeen < b.cfg.HeaderLines || b.cfg.MetadataSpec == nil || pctx.State.MetadataSent() {
		return nil, nil
	}

	// Preamble complete: emit the one-shot metadata particle.
	row := make(map[string]any, len(b.header))
	for k, v := range b.header {
		row[k] = v
	}
	fields, err := b.cfg.MetadataSpec.Reconcile(row)
	if err != nil {
		if stderrors.Is(err, errors.ErrNoExpectedField) {
			return nil, nil
		}
		return nil, err
	}
	p := particle.New(pctx.Stream, b.cfg.MetadataSpec.Type)
	p.Fields = fields
	pctx.State.MarkMetadataSent()
	return []*particle.Particle{p}, nil
}

func (b *Builder) buildRow(line string, chunk *chunker.Chunk, pctx *parser.Context) ([]*particle.Particle, error) {
	cols := strings.Fields(line)
	if len(cols) != len(b.columns) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: row at %d has %d columns, file declares %d",
				errors.ErrFieldDecode, chunk.Start, len(cols), len(b.columns)),
			"glider.Builder", "Build", "column count")
	}

	row := make(map[string]any, len(cols))
	for i, name := range b.columns {
		v, err := particle.Float(cols[i])
		if err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("row at %d, column %q: %w", chunk.Start, name, err),
				"glider.Builder", "Build", "field decode")
		}
		if v != nil {
			row[name] = v
		}
	}

	var internalTS int64
	if b.cfg.TimeColumn != "" {
		if secs, ok := row[b.cfg.TimeColumn].(float64); ok {
			internalTS = timestamp.FromUnixSeconds(secs)
		}
	}

	var out []*particle.Particle
	for _, spec := range b.cfg.Specs {
		fields, err := spec.Reconcile(row)
		if err != nil {
			// None of this type's fields in the row: the row belongs to
			// the other particle types.
			if stderrors.Is(err, errors.ErrNoExpectedField) {
				continue
			}
			return nil, err
		}
		p := particle.New(pctx.Stream, spec.Type)
		p.Fields = fields
		if internalTS != 0 {
			p.InternalTimestamp = internalTS
			p.Preferred = particle.PreferredInternal
		}
		out = append(out, p)
	}
	return out, nil
}

func normalizeKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), " ", "_")
}
