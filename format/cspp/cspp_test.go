package cspp

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/oceanstream/errors"
	"github.com/c360/oceanstream/parser"
	"github.com/c360/oceanstream/particle"
)

func testConfig() Config {
	return Config{
		MetadataSpec: particle.Spec{
			Kind:   particle.FormatCSPP,
			Type:   "cspp_metadata",
			Fields: []string{"name", "value"},
		},
		DataSpec: particle.Spec{
			Kind:   particle.FormatCSPP,
			Type:   "cspp_sample",
			Fields: []string{"depth", "temperature", "salinity"},
		},
	}
}

func newStreamParser(t *testing.T, samples *[]*particle.Particle, excs *[]error) *parser.Parser {
	t.Helper()
	b, err := NewBuilder(testConfig())
	require.NoError(t, err)

	p, err := parser.New(parser.Config{
		Stream:  "cspp-test",
		Sieves:  NewSieves(),
		Builder: b,
		Callbacks: parser.Callbacks{
			Sample:    func(part *particle.Particle) { *samples = append(*samples, part) },
			Exception: func(e error) { *excs = append(*excs, e) },
		},
	})
	require.NoError(t, err)
	return p
}

func row(ts string, vals ...string) string {
	out := ts
	for _, v := range vals {
		out += "\t" + v
	}
	return out + "\n"
}

func TestHeaderThenRows(t *testing.T) {
	input := "Source File: profile_0042.txt\n" +
		"Processed: 2013-07-21\n" +
		row("51EC763C", "10.5", "12.1", "33.9") +
		row("51EC763D", "11.0", "12.0", "33.8")

	var samples []*particle.Particle
	var excs []error
	p := newStreamParser(t, &samples, &excs)
	require.NoError(t, p.AddData([]byte(input), 1000))

	require.Empty(t, excs)
	require.Len(t, samples, 3, "one metadata particle, two data rows")

	assert.Equal(t, "cspp_metadata", samples[0].Type)
	name, _ := samples[0].Get("name")
	assert.Equal(t, "Source File", name)
	assert.True(t, p.State().MetadataSent)

	assert.Equal(t, "cspp_sample", samples[1].Type)
	depth, _ := samples[1].Get("depth")
	assert.Equal(t, 10.5, depth)
	assert.Equal(t, int64(0x51EC763C)*1000, samples[1].InternalTimestamp)
	assert.Equal(t, particle.PreferredInternal, samples[1].Preferred)
}

func TestNaNTokenMeansAbsent(t *testing.T) {
	input := row("51EC763C", "10.5", "NaN", "33.9")

	var samples []*particle.Particle
	var excs []error
	p := newStreamParser(t, &samples, &excs)
	require.NoError(t, p.AddData([]byte(input), 1000))

	require.Empty(t, excs)
	require.Len(t, samples, 1)
	temp, declared := samples[0].Get("temperature")
	assert.True(t, declared)
	assert.Nil(t, temp, "NaN column decodes to a declared-but-absent field")
}

func TestAllNaNRowSkipped(t *testing.T) {
	input := row("51EC763C", "NaN", "NaN", "NaN") +
		row("51EC763D", "1.0", "2.0", "3.0")

	var samples []*particle.Particle
	var excs []error
	p := newStreamParser(t, &samples, &excs)
	require.NoError(t, p.AddData([]byte(input), 1000))

	assert.Empty(t, excs, "an empty row is a skip, not an error")
	require.Len(t, samples, 1)
	assert.Equal(t, int64(len(input)), p.Position(), "skipped row bytes still consumed")
}

func TestColumnCountMismatchRecoverable(t *testing.T) {
	input := row("51EC763C", "1.0", "2.0") + // one column short
		row("51EC763D", "1.0", "2.0", "3.0")

	var samples []*particle.Particle
	var excs []error
	p := newStreamParser(t, &samples, &excs)
	require.NoError(t, p.AddData([]byte(input), 1000))

	require.Len(t, excs, 1)
	assert.ErrorIs(t, excs[0], errors.ErrFieldDecode)
	require.Len(t, samples, 1)
	assert.Equal(t, int64(len(input)), p.Position())
}

func TestSecondHeaderLineNoSecondMetadata(t *testing.T) {
	var samples []*particle.Particle
	var excs []error
	p := newStreamParser(t, &samples, &excs)

	require.NoError(t, p.AddData([]byte("Source File: a.txt\n"), 1000))
	require.NoError(t, p.AddData([]byte("Start Depth: 3.0\n"), 1001))

	metadata := 0
	for _, s := range samples {
		if s.Type == "cspp_metadata" {
			metadata++
		}
	}
	assert.Equal(t, 1, metadata)
}

func TestPartialRowWaits(t *testing.T) {
	full := row("51EC763C", "1.0", "2.0", "3.0")

	var samples []*particle.Particle
	var excs []error
	p := newStreamParser(t, &samples, &excs)

	require.NoError(t, p.AddData([]byte(full[:12]), 1000))
	assert.Empty(t, samples)

	require.NoError(t, p.AddData([]byte(full[12:]), 1001))
	require.Len(t, samples, 1)
}

func ExampleBuilder() {
	b, _ := NewBuilder(testConfig())
	var got []string
	p, _ := parser.New(parser.Config{
		Stream:  "profiler-7",
		Sieves:  NewSieves(),
		Builder: b,
		Callbacks: parser.Callbacks{
			Sample: func(part *particle.Particle) {
				got = append(got, part.Type)
			},
		},
	})

	_ = p.AddData([]byte("Source File: profile.txt\n51EC763C\t10.5\t12.1\t33.9\n"), 1000)
	for _, typ := range got {
		fmt.Println(typ)
	}
	// Output:
	// cspp_metadata
	// cspp_sample
}
