package sio

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/oceanstream/chunker"
	"github.com/c360/oceanstream/errors"
	"github.com/c360/oceanstream/parser"
	"github.com/c360/oceanstream/particle"
	"github.com/c360/oceanstream/state"
)

func testConfig() Config {
	return Config{
		MetadataSpec: particle.Spec{
			Kind:   particle.FormatSIO,
			Type:   "ct_metadata",
			Fields: []string{"instrument_id", "header_timestamp"},
		},
		DataSpec: particle.Spec{
			Kind:   particle.FormatSIO,
			Type:   "ct_sample",
			Fields: []string{"timer", "temperature", "conductivity"},
		},
		TimerField: "timer",
	}
}

func newStreamParser(t *testing.T, samples *[]*particle.Particle, excs *[]error) *parser.Parser {
	t.Helper()
	b, err := NewBuilder(testConfig())
	require.NoError(t, err)

	p, err := parser.New(parser.Config{
		Stream:   "sio-test",
		Sieves:   []chunker.Sieve{NewSieve()},
		Builder:  b,
		Rollover: &state.RolloverConfig{Period: 86400, Slack: 10},
		Callbacks: parser.Callbacks{
			Sample:    func(part *particle.Particle) { *samples = append(*samples, part) },
			Exception: func(e error) { *excs = append(*excs, e) },
		},
	})
	require.NoError(t, err)
	return p
}

func TestSieveWaitsForFullFrame(t *testing.T) {
	frame := Frame("CT", 0x51EC763C, []byte("100.0 12.5 3.2\n"))

	s := NewSieve()
	assert.Empty(t, s.Matches(frame[:10]), "header still arriving")
	assert.Empty(t, s.Matches(frame[:len(frame)-1]), "data still arriving")

	got := s.Matches(frame)
	require.Len(t, got, 1)
	assert.Equal(t, chunker.Range{Start: 0, End: len(frame)}, got[0])
}

func TestSieveSkipsMalformedCandidates(t *testing.T) {
	frame := Frame("CT", 1000, []byte("1.0 2.0 3.0\n"))
	// A stray SOH with a garbage header must not shadow the real frame.
	window := append([]byte{0x01, 'x', 'x'}, frame...)

	got := NewSieve().Matches(window)
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].Start)
}

func TestTwoHeaderMetadataOrdering(t *testing.T) {
	// Two blocks, one data record each: particle order must be
	// [metadata, data, data] with metadata emitted exactly once.
	input := append(
		Frame("CT", 1000, []byte("100.0 12.5 3.2\n")),
		Frame("CT", 1060, []byte("160.0 12.6 3.3\n"))...)

	var samples []*particle.Particle
	var excs []error
	p := newStreamParser(t, &samples, &excs)

	require.NoError(t, p.AddData(input, 5000))
	require.Empty(t, excs)
	require.Len(t, samples, 3)
	assert.Equal(t, "ct_metadata", samples[0].Type)
	assert.Equal(t, "ct_sample", samples[1].Type)
	assert.Equal(t, "ct_sample", samples[2].Type)

	assert.True(t, p.State().MetadataSent)
	assert.Equal(t, int64(len(input)), p.Position())

	id, _ := samples[0].Get("instrument_id")
	assert.Equal(t, "CT", id)
}

func TestTimerRolloverAcrossRecords(t *testing.T) {
	// Counter wraps between records: derived timer values stay strictly
	// increasing.
	data := "86398.0 1.0 1.0\n86399.0 1.0 1.0\n1.0 1.0 1.0\n2.0 1.0 1.0\n"
	input := Frame("CT", 1000, []byte(data))

	var samples []*particle.Particle
	var excs []error
	p := newStreamParser(t, &samples, &excs)
	require.NoError(t, p.AddData(input, 5000))

	require.Len(t, samples, 5) // metadata + 4 data
	var prev float64
	for i, part := range samples[1:] {
		v, ok := part.Get("timer")
		require.True(t, ok)
		timer := v.(float64)
		if i > 0 {
			assert.Greater(t, timer, prev)
		}
		prev = timer
	}
	assert.Equal(t, 86400.0+2.0, prev)
}

func TestBadChecksumBlockRecoverable(t *testing.T) {
	good := Frame("CT", 1000, []byte("1.0 2.0 3.0\n"))
	bad := Frame("CT", 1060, []byte("4.0 5.0 6.0\n"))
	bad[15], bad[16] = 'F', 'F' // corrupt declared checksum
	tail := Frame("CT", 1120, []byte("7.0 8.0 9.0\n"))

	input := append(append(append([]byte{}, good...), bad...), tail...)

	var samples []*particle.Particle
	var excs []error
	p := newStreamParser(t, &samples, &excs)
	require.NoError(t, p.AddData(input, 5000))

	require.Len(t, excs, 1)
	assert.ErrorIs(t, excs[0], errors.ErrChecksumFailed)
	// metadata + 2 surviving data records; corrupt bytes still consumed.
	require.Len(t, samples, 3)
	assert.Equal(t, int64(len(input)), p.Position())
}

func TestBadRecordInFirstBlockKeepsMetadataPending(t *testing.T) {
	// The first block checksums clean but a record has the wrong column
	// count, so the build fails after the metadata flag was marked. The
	// mark must not stick: the one-shot metadata rides in front of the
	// next good block instead of vanishing with the failed one.
	bad := Frame("CT", 1000, []byte("1.0 2.0\n"))
	good := Frame("CT", 1060, []byte("100.0 12.5 3.2\n"))
	input := append(append([]byte{}, bad...), good...)

	var samples []*particle.Particle
	var excs []error
	p := newStreamParser(t, &samples, &excs)
	require.NoError(t, p.AddData(input, 5000))

	require.Len(t, excs, 1)
	assert.ErrorIs(t, excs[0], errors.ErrFieldDecode)

	require.Len(t, samples, 2)
	assert.Equal(t, "ct_metadata", samples[0].Type)
	assert.Equal(t, "ct_sample", samples[1].Type)
	assert.True(t, p.State().MetadataSent)
	assert.Equal(t, int64(len(input)), p.Position())
}

func TestResumeMidBlockReplaysRemainder(t *testing.T) {
	data := "10.0 1.0 1.0\n20.0 2.0 2.0\n30.0 3.0 3.0\n"
	input := Frame("CT", 1000, []byte(data))

	cfg := func(samples *[]*particle.Particle, st *[]*state.State) parser.Config {
		b, err := NewBuilder(testConfig())
		require.NoError(t, err)
		return parser.Config{
			Stream:   "sio-test",
			Sieves:   []chunker.Sieve{NewSieve()},
			Builder:  b,
			Rollover: &state.RolloverConfig{Period: 86400, Slack: 10},
			Callbacks: parser.Callbacks{
				Sample: func(part *particle.Particle) { *samples = append(*samples, part) },
				State: func(s *state.State, _ bool) {
					if st != nil {
						*st = append(*st, s)
					}
				},
			},
		}
	}

	var samples []*particle.Particle
	var snaps []*state.State
	p, err := parser.New(cfg(&samples, &snaps))
	require.NoError(t, err)
	require.NoError(t, p.AddData(input, 5000))
	require.Len(t, samples, 4) // metadata + 3 data

	// Checkpoint taken after metadata and the first data record.
	var mid *state.State
	for i, s := range snaps {
		if len(s.InProcess) == 1 && s.InProcess[0].Emitted == 2 {
			mid = snaps[i]
			break
		}
	}
	require.NotNil(t, mid, "expected a mid-block snapshot")
	blob, err := json.Marshal(mid)
	require.NoError(t, err)

	var resumed []*particle.Particle
	p2, err := parser.Restore(cfg(&resumed, nil), blob, int64(len(input)))
	require.NoError(t, err)
	require.NoError(t, p2.AddData(input, 6000))

	// Only the last two data records are re-delivered, and the rollover
	// tracker continues from the restored epoch.
	require.Len(t, resumed, 2)
	assert.Equal(t, "ct_sample", resumed[0].Type)
	v0, _ := resumed[0].Get("timer")
	v1, _ := resumed[1].Get("timer")
	assert.Equal(t, 20.0, v0)
	assert.Equal(t, 30.0, v1)
	assert.Equal(t, int64(len(input)), p2.Position())
}
