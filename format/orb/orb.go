// Package orb parses live ORB-style packet envelopes: a magic marker, a
// single-byte wrapping sequence counter, a big-endian payload length, the
// payload, and an XOR checksum byte. The sequence counter wraps at 256 and is
// carried through the parse state's rollover tracker so downstream consumers
// see a monotonically increasing derived sequence.
//
// Live connections need an explicit answer to "why is there no packet":
// Decode returns a tri-state Status (need more bytes / stream ended /
// corrupt) instead of overloading error values, and the connection layer
// branches on it directly.
package orb

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/c360/oceanstream/chunker"
	"github.com/c360/oceanstream/errors"
	"github.com/c360/oceanstream/parser"
	"github.com/c360/oceanstream/particle"
	"github.com/c360/oceanstream/state"
)

var magic = []byte("ORB")

const (
	headerLen = 6 // magic(3) + seq(1) + length(2)

	// SeqModulus is the wrap point of the envelope sequence counter.
	SeqModulus = 256
)

// SieveName identifies the ORB envelope sieve in chunk provenance.
const SieveName = "orb-envelope"

// Status is the tri-state outcome of decoding from a window.
type Status int

const (
	// StatusOK: a complete envelope was decoded.
	StatusOK Status = iota
	// StatusNeedMore: the window ends mid-envelope; supply more bytes.
	StatusNeedMore
	// StatusEnded: the source declared the stream finished and the window
	// holds no further envelope.
	StatusEnded
	// StatusCorrupt: the envelope failed its checksum. The envelope's bytes
	// are consumed; decoding can continue after them.
	StatusCorrupt
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNeedMore:
		return "need-more"
	case StatusEnded:
		return "ended"
	case StatusCorrupt:
		return "corrupt"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Packet is one decoded envelope.
type Packet struct {
	Seq     uint8
	Payload []byte
}

// Decode attempts to decode the first envelope in the window. It returns the
// packet (nil unless StatusOK), the number of bytes consumed, and the status.
// ended tells Decode the source is finished, turning "need more" into
// StatusEnded.
func Decode(window []byte, ended bool) (*Packet, int, Status) {
	i := bytes.Index(window, magic)
	if i < 0 {
		// Nothing resembling an envelope; hold the last couple of bytes in
		// case the magic is split across fragments.
		if ended {
			return nil, len(window), StatusEnded
		}
		keep := len(magic) - 1
		if len(window) < keep {
			keep = len(window)
		}
		return nil, len(window) - keep, StatusNeedMore
	}

	rest := window[i:]
	if len(rest) < headerLen {
		if ended {
			return nil, len(window), StatusEnded
		}
		return nil, i, StatusNeedMore
	}

	plen := int(binary.BigEndian.Uint16(rest[4:6]))
	total := headerLen + plen + 1
	if len(rest) < total {
		if ended {
			return nil, len(window), StatusEnded
		}
		return nil, i, StatusNeedMore
	}

	payload := rest[headerLen : headerLen+plen]
	if xorChecksum(payload) != rest[total-1] {
		return nil, i + total, StatusCorrupt
	}

	p := &Packet{Seq: rest[3], Payload: append([]byte(nil), payload...)}
	return p, i + total, StatusOK
}

func xorChecksum(b []byte) byte {
	var x byte
	for _, c := range b {
		x ^= c
	}
	return x
}

// NewSieve returns a sieve claiming complete envelopes, including corrupt
// ones: checksum validation is the builder's job so a bad envelope is a
// recoverable sample error with its bytes consumed, not non-data.
func NewSieve() chunker.Sieve {
	return chunker.NewFuncSieve(SieveName, scan)
}

func scan(window []byte) []chunker.Range {
	var out []chunker.Range
	pos := 0
	for pos < len(window) {
		i := bytes.Index(window[pos:], magic)
		if i < 0 {
			break
		}
		start := pos + i
		rest := window[start:]
		if len(rest) < headerLen {
			break
		}
		plen := int(binary.BigEndian.Uint16(rest[4:6]))
		total := headerLen + plen + 1
		if len(rest) < total {
			break
		}
		out = append(out, chunker.Range{Start: start, End: start + total})
		pos = start + total
	}
	return out
}

// DefaultRollover is the sequence-counter rollover tuning: wrap at the
// modulus with a small jitter allowance for reordered envelopes.
func DefaultRollover() *state.RolloverConfig {
	return &state.RolloverConfig{Period: SeqModulus, Slack: 16}
}

// Config assembles an ORB builder.
type Config struct {
	// Spec declares the per-packet particle. Expected fields: sequence,
	// size, payload.
	Spec particle.Spec `yaml:"spec"`
}

// Builder decodes ORB envelopes into particles.
type Builder struct {
	cfg Config
}

// NewBuilder validates the particle spec and returns a builder.
func NewBuilder(cfg Config) (*Builder, error) {
	if err := cfg.Spec.Validate(); err != nil {
		return nil, err
	}
	return &Builder{cfg: cfg}, nil
}

// Build implements parser.Builder.
func (b *Builder) Build(chunk *chunker.Chunk, pctx *parser.Context) ([]*particle.Particle, error) {
	pkt, _, status := Decode(chunk.Data, false)
	if status != StatusOK {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: envelope at %d (%s)", errors.ErrChecksumFailed, chunk.Start, status),
			"orb.Builder", "Build", "envelope validation")
	}

	derived, err := pctx.State.RecordTimer(float64(pkt.Seq))
	if err != nil {
		return nil, err
	}

	fields, err := b.cfg.Spec.Reconcile(map[string]any{
		"sequence": derived,
		"size":     len(pkt.Payload),
		"payload":  hex.EncodeToString(pkt.Payload),
	})
	if err != nil {
		return nil, err
	}

	p := particle.New(pctx.Stream, b.cfg.Spec.Type)
	p.Fields = fields
	return []*particle.Particle{p}, nil
}

// Envelope assembles a well-formed packet. Shared by tests and replay
// tooling.
func Envelope(seq uint8, payload []byte) []byte {
	out := make([]byte, 0, headerLen+len(payload)+1)
	out = append(out, magic...)
	out = append(out, seq)
	out = binary.BigEndian.AppendUint16(out, uint16(len(payload)))
	out = append(out, payload...)
	out = append(out, xorChecksum(payload))
	return out
}
