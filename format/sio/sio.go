// Package sio parses SIO-framed instrument blocks: a control-character framed
// header carrying an instrument ID, a hex timestamp, a hex data length and a
// checksum, followed by a data section holding one or more fixed-layout
// records. One block therefore yields multiple particles, which is what the
// driver's in-process block bookkeeping exists for.
//
// Frame layout:
//
//	0x01 | id (2 ASCII) | timestamp (8 hex, POSIX s) | length (4 hex) |
//	checksum (2 hex, byte sum of data) | 0x02 | data | 0x03
//
// The first block of a stream additionally yields a one-shot metadata
// particle describing the instrument, emitted before the block's data
// records.
package sio

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/c360/oceanstream/chunker"
	"github.com/c360/oceanstream/errors"
	"github.com/c360/oceanstream/parser"
	"github.com/c360/oceanstream/particle"
	"github.com/c360/oceanstream/pkg/timestamp"
)

const (
	soh = 0x01
	stx = 0x02
	etx = 0x03

	headerLen = 18 // SOH + id(2) + ts(8) + len(4) + checksum(2) + STX
)

// SieveName identifies the SIO block sieve in chunk provenance.
const SieveName = "sio-block"

// NewSieve returns a sieve recognizing complete SIO frames. A declared data
// length reaching past the buffered window is "no match yet", never an error;
// a malformed candidate frame is simply not claimed, leaving its bytes as
// non-data.
func NewSieve() chunker.Sieve {
	return chunker.NewFuncSieve(SieveName, scan)
}

func scan(window []byte) []chunker.Range {
	var out []chunker.Range
	for i := 0; i < len(window); {
		j := bytes.IndexByte(window[i:], soh)
		if j < 0 {
			break
		}
		start := i + j
		if len(window)-start < headerLen {
			break // header may still be arriving
		}
		dlen, ok := parseHeaderLen(window[start:])
		if !ok {
			i = start + 1
			continue
		}
		total := headerLen + dlen + 1
		if len(window)-start < total {
			break // data section still arriving
		}
		if window[start+total-1] != etx {
			i = start + 1
			continue
		}
		out = append(out, chunker.Range{Start: start, End: start + total})
		i = start + total
	}
	return out
}

// parseHeaderLen validates the fixed header shape and returns the declared
// data length.
func parseHeaderLen(b []byte) (int, bool) {
	if b[0] != soh || b[headerLen-1] != stx {
		return 0, false
	}
	for _, c := range b[1:3] {
		if c < 'A' || c > 'Z' {
			return 0, false
		}
	}
	if !isHex(b[3:11]) || !isHex(b[11:15]) || !isHex(b[15:17]) {
		return 0, false
	}
	v, err := particle.HexUint(string(b[11:15]))
	if err != nil {
		return 0, false
	}
	return int(v), true
}

func isHex(b []byte) bool {
	for _, c := range b {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// Config assembles an SIO builder for one instrument family.
type Config struct {
	// MetadataSpec declares the one-shot instrument metadata particle.
	// Expected fields: instrument_id, header_timestamp.
	MetadataSpec particle.Spec `yaml:"metadata_spec"`

	// DataSpec declares the per-record particle. Record lines are
	// whitespace-separated columns mapping positionally onto
	// DataSpec.Fields.
	DataSpec particle.Spec `yaml:"data_spec"`

	// TimerField, when non-empty, names the column carrying the wrapping
	// hardware timer counter; the particle receives the rollover-corrected
	// value instead of the raw counter.
	TimerField string `yaml:"timer_field"`
}

// Builder decodes SIO blocks. Create one per stream.
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
	id := string(chunk.Data[1:3])

	headerSecs, err := particle.HexUint(string(chunk.Data[3:11]))
	if err != nil {
		return nil, err
	}
	internalTS := timestamp.FromUnixSeconds(float64(headerSecs))

	data := chunk.Data[headerLen : len(chunk.Data)-1]
	wantCS := string(chunk.Data[15:17])
	if !strings.EqualFold(wantCS, dataChecksum(data)) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: block at %d, declared %s", errors.ErrChecksumFailed, chunk.Start, wantCS),
			"sio.Builder", "Build", "block checksum")
	}

	records := splitRecords(data)

	// One-shot metadata rides in front of the first block's records. A block
	// being re-delivered after a resume must reproduce its original particle
	// list exactly, so a restored bookkeeping entry overrides the flag.
	includeMeta := !pctx.State.MetadataSent()
	if prog := pctx.State.BlockFor(chunk.Start, chunk.End); prog != nil {
		includeMeta = prog.Total == len(records)+1
	}

	out := make([]*particle.Particle, 0, len(records)+1)
	if includeMeta {
		meta := particle.New(pctx.Stream, b.cfg.MetadataSpec.Type)
		fields, ferr := b.cfg.MetadataSpec.Reconcile(map[string]any{
			"instrument_id":    id,
			"header_timestamp": internalTS,
		})
		if ferr != nil {
			return nil, ferr
		}
		meta.Fields = fields
		meta.InternalTimestamp = internalTS
		meta.Preferred = particle.PreferredInternal
		out = append(out, meta)
		pctx.State.MarkMetadataSent()
	}

	for i, rec := range records {
		p, perr := b.buildRecord(rec, internalTS, pctx)
		if perr != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("record %d in block at %d: %w", i, chunk.Start, perr),
				"sio.Builder", "Build", "record decode")
		}
		out = append(out, p)
	}
	return out, nil
}

func (b *Builder) buildRecord(rec string, internalTS int64, pctx *parser.Context) (*particle.Particle, error) {
	cols := strings.Fields(rec)
	if len(cols) != len(b.cfg.DataSpec.Fields) {
		return nil, fmt.Errorf("%w: got %d columns, want %d",
			errors.ErrFieldDecode, len(cols), len(b.cfg.DataSpec.Fields))
	}

	row := make(map[string]any, len(cols))
	for i, name := range b.cfg.DataSpec.Fields {
		v, verr := particle.Float(cols[i])
		if verr != nil {
			return nil, verr
		}
		if v == nil {
			continue
		}
		if name == b.cfg.TimerField {
			derived, terr := pctx.State.RecordTimer(v.(float64))
			if terr != nil {
				return nil, terr
			}
			row[name] = derived
			continue
		}
		row[name] = v
	}

	fields, err := b.cfg.DataSpec.Reconcile(row)
	if err != nil {
		return nil, err
	}

	p := particle.New(pctx.Stream, b.cfg.DataSpec.Type)
	p.Fields = fields
	p.InternalTimestamp = internalTS
	p.Preferred = particle.PreferredInternal
	return p, nil
}

// splitRecords breaks the data section into non-empty lines.
func splitRecords(data []byte) []string {
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

func dataChecksum(data []byte) string {
	var sum byte
	for _, c := range data {
		sum += c
	}
	return fmt.Sprintf("%02X", sum)
}

// Frame assembles a well-formed SIO block. Shared by tests and the replay
// tooling.
func Frame(id string, tsSecs int64, data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(soh)
	buf.WriteString(id)
	fmt.Fprintf(&buf, "%08X", tsSecs)
	fmt.Fprintf(&buf, "%04X", len(data))
	buf.WriteString(dataChecksum(data))
	buf.WriteByte(stx)
	buf.Write(data)
	buf.WriteByte(etx)
	return buf.Bytes()
}
