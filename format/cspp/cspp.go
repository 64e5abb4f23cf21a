// Package cspp parses CSPP-style profiler output: tab-delimited ASCII rows
// whose first column is a hex-encoded POSIX-seconds timestamp, preceded by a
// small "Key: value" header section. The header contributes a one-shot
// metadata particle; each data row yields one data particle. A literal "NaN"
// token in a value column means the field is absent for that row, not an
// error.
package cspp

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

// Sieve names, recorded in chunk provenance so the builder can tell header
// lines from data rows.
const (
	HeaderSieveName = "cspp-header"
	DataSieveName   = "cspp-data"
)

var (
	headerPattern = regexp.MustCompile(`(?m)^[A-Za-z][A-Za-z0-9 _]*: [^\n]*\n`)
	dataPattern   = regexp.MustCompile(`(?m)^[0-9A-Fa-f]{8}(?:\t[^\t\n]+)+\n`)
)

// NewSieves returns the header and data sieves for one CSPP stream.
func NewSieves() []chunker.Sieve {
	return []chunker.Sieve{
		chunker.NewRegexpSieve(HeaderSieveName, headerPattern),
		chunker.NewRegexpSieve(DataSieveName, dataPattern),
	}
}

// Config assembles a CSPP builder.
type Config struct {
	// MetadataSpec declares the one-shot header particle. Expected fields:
	// name, value (from the first header line seen).
	MetadataSpec particle.Spec `yaml:"metadata_spec"`

	// DataSpec declares the per-row particle. Row columns after the hex
	// timestamp map positionally onto DataSpec.Fields.
	DataSpec particle.Spec `yaml:"data_spec"`
}

// Builder decodes CSPP chunks. Create one per stream.
type Builder struct {
	cfg Config
}

// NewBuilder validates the particle specs and returns a builder.
func NewBuilder(cfg Config) (*Builder, error) {
	if err := cfg.MetadataSpec.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.DataSpec.Validate(); err != nil {
		return nil, err
	}
	return &Builder{cfg: cfg}, nil
}

// Build implements parser.Builder.
func (b *Builder) Build(chunk *chunker.Chunk, pctx *parser.Context) ([]*particle.Particle, error) {
	switch chunk.Sieve {
	case HeaderSieveName:
		return b.buildHeader(chunk, pctx)
	case DataSieveName:
		return b.buildRow(chunk, pctx)
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown sieve %q", errors.ErrUnexpectedData, chunk.Sieve),
			"cspp.Builder", "Build", "chunk dispatch")
	}
}

// buildHeader emits the one-shot metadata particle from the first header line
// and swallows the rest of the header section.
func (b *Builder) buildHeader(chunk *chunker.Chunk, pctx *parser.Context) ([]*particle.Particle, error) {
	if pctx.State.MetadataSent() {
		return nil, nil
	}

	line := strings.TrimSuffix(string(chunk.Data), "\n")
	name, value, _ := strings.Cut(line, ": ")

	fields, err := b.cfg.MetadataSpec.Reconcile(map[string]any{
		"name":  name,
		"value": value,
	})
	if err != nil {
		return nil, err
	}

	p := particle.New(pctx.Stream, b.cfg.MetadataSpec.Type)
	p.Fields = fields
	pctx.State.MarkMetadataSent()
	return []*particle.Particle{p}, nil
}

func (b *Builder) buildRow(chunk *chunker.Chunk, pctx *parser.Context) ([]*particle.Particle, error) {
	cols := strings.Split(strings.TrimSuffix(string(chunk.Data), "\n"), "\t")
	if len(cols) != len(b.cfg.DataSpec.Fields)+1 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: row at %d has %d value columns, spec declares %d",
				errors.ErrFieldDecode, chunk.Start, len(cols)-1, len(b.cfg.DataSpec.Fields)),
			"cspp.Builder", "Build", "column count")
	}

	ts, err := timestamp.FromHexSeconds(cols[0])
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("row at %d: %w", chunk.Start, err),
			"cspp.Builder", "Build", "timestamp decode")
	}

	row := make(map[string]any, len(cols)-1)
	for i, name := range b.cfg.DataSpec.Fields {
		v, verr := particle.Float(cols[i+1])
		if verr != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("row at %d, column %q: %w", chunk.Start, name, verr),
				"cspp.Builder", "Build", "field decode")
		}
		if v != nil {
			row[name] = v
		}
	}

	fields, err := b.cfg.DataSpec.Reconcile(row)
	if err != nil {
		// Every value column NaN: the row carries nothing, skip it quietly.
		if stderrors.Is(err, errors.ErrNoExpectedField) {
			return nil, nil
		}
		return nil, err
	}

	p := particle.New(pctx.Stream, b.cfg.DataSpec.Type)
	p.Fields = fields
	p.InternalTimestamp = ts
	p.Preferred = particle.PreferredInternal
	return []*particle.Particle{p}, nil
}
