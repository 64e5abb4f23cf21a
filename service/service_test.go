package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/oceanstream/config"
	"github.com/c360/oceanstream/format/orb"
	"github.com/c360/oceanstream/publisher"
	"github.com/c360/oceanstream/statestore"
)

type fakeConn struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{messages: make(map[string][][]byte)}
}

func (f *fakeConn) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[subject] = append(f.messages[subject], append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) IsHealthy() bool { return true }

func (f *fakeConn) count(subject string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[subject])
}

func testPublisher(t *testing.T, conn *fakeConn) *publisher.Publisher {
	t.Helper()
	pub, err := publisher.New(publisher.Config{Conn: conn})
	require.NoError(t, err)
	return pub
}

func orbStreamConfig(name, path string) config.StreamConfig {
	return config.StreamConfig{
		Name:   name,
		Format: config.FormatORB,
		Harvester: config.HarvesterConfig{
			Kind:         config.HarvesterFile,
			Path:         path,
			PollInterval: config.Duration(10 * time.Millisecond),
		},
		ORB: &config.ORBConfig{Type: "orb_packet"},
	}
}

func TestBuildFormatSelection(t *testing.T) {
	cases := []struct {
		name string
		sc   config.StreamConfig
	}{
		{"sio", config.StreamConfig{
			Name: "s", Format: config.FormatSIO,
			SIO: &config.SIOConfig{
				MetadataType: "m", MetadataFields: []string{"instrument_id", "header_timestamp"},
				DataType: "d", DataFields: []string{"a", "b"},
			},
		}},
		{"cspp", config.StreamConfig{
			Name: "s", Format: config.FormatCSPP,
			CSPP: &config.CSPPConfig{MetadataType: "m", DataType: "d", DataFields: []string{"a"}},
		}},
		{"glider", config.StreamConfig{
			Name: "s", Format: config.FormatGlider,
			Glider: &config.GliderConfig{
				TimeColumn:     "m_present_time",
				MetadataType:   "glider_metadata",
				MetadataFields: []string{"mission_name"},
				Particles:      []config.GliderSpec{{Type: "eng", Fields: []string{"m_present_time"}}},
			},
		}},
		{"orb", config.StreamConfig{
			Name: "s", Format: config.FormatORB,
			ORB:  &config.ORBConfig{Type: "orb_packet"},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sieves, builder, _, err := buildFormat(tc.sc)
			require.NoError(t, err)
			assert.NotEmpty(t, sieves)
			assert.NotNil(t, builder)
		})
	}

	_, _, _, err := buildFormat(config.StreamConfig{Name: "s", Format: "seabird"})
	assert.Error(t, err)
}

func TestOrbDefaultRollover(t *testing.T) {
	_, _, rollover, err := buildFormat(config.StreamConfig{
		Name: "s", Format: config.FormatORB, ORB: &config.ORBConfig{Type: "orb_packet"},
	})
	require.NoError(t, err)
	require.NotNil(t, rollover)
	assert.Equal(t, float64(orb.SeqModulus), rollover.Period)
}

func TestEndToEndFileStream(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "live.orb")

	var input []byte
	for seq := uint8(0); seq < 3; seq++ {
		input = append(input, orb.Envelope(seq, []byte(fmt.Sprintf("p%d", seq)))...)
	}
	require.NoError(t, os.WriteFile(path, input, 0o644))

	store, err := statestore.NewFileStore(filepath.Join(dir, "state"))
	require.NoError(t, err)
	conn := newFakeConn()

	st, err := buildStream(context.Background(), orbStreamConfig("orb-1", path),
		testPublisher(t, conn), store, nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, st.start(context.Background()))

	subject := publisher.Subject("orb-1", "orb_packet")
	require.Eventually(t, func() bool { return conn.count(subject) == 3 },
		2*time.Second, 10*time.Millisecond)

	// The checkpoint must land in the store as particles are delivered.
	require.Eventually(t, func() bool {
		_, err := store.Load(context.Background(), "orb-1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResumeSkipsConsumedBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "day.orb")

	first := orb.Envelope(0, []byte("aa"))
	second := orb.Envelope(1, []byte("bb"))
	require.NoError(t, os.WriteFile(path, append(append([]byte{}, first...), second...), 0o644))

	store, err := statestore.NewFileStore(filepath.Join(dir, "state"))
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), "orb-1",
		[]byte(fmt.Sprintf(`{"position":%d}`, len(first)))))

	conn := newFakeConn()
	st, err := buildStream(context.Background(), orbStreamConfig("orb-1", path),
		testPublisher(t, conn), store, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(first)), st.parser.Position())

	require.NoError(t, st.start(context.Background()))
	subject := publisher.Subject("orb-1", "orb_packet")
	require.Eventually(t, func() bool { return conn.count(subject) == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestCorruptCheckpointIsFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "day.orb")
	require.NoError(t, os.WriteFile(path, orb.Envelope(0, []byte("aa")), 0o644))

	store, err := statestore.NewFileStore(filepath.Join(dir, "state"))
	require.NoError(t, err)
	// Missing the required position key.
	require.NoError(t, store.Save(context.Background(), "orb-1", []byte(`{"metadata_sent":true}`)))

	_, err = buildStream(context.Background(), orbStreamConfig("orb-1", path),
		testPublisher(t, newFakeConn()), store, nil, nil, nil)
	assert.Error(t, err)
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)

	svc, err := New(&config.Config{Deployment: "d"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, svc)
}
