package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/oceanstream/chunker"
	"github.com/c360/oceanstream/parser"
	"github.com/c360/oceanstream/particle"
)

var linePattern = regexp.MustCompile(`R:[^\n]*\n`)

type lineSieve struct{}

func (lineSieve) Name() string { return "line" }

func (lineSieve) Matches(window []byte) []chunker.Range {
	var ranges []chunker.Range
	for _, loc := range linePattern.FindAllIndex(window, -1) {
		ranges = append(ranges, chunker.Range{Start: loc[0], End: loc[1]})
	}
	return ranges
}

type lineBuilder struct{}

func (lineBuilder) Build(chunk *chunker.Chunk, pctx *parser.Context) ([]*particle.Particle, error) {
	p := particle.New(pctx.Stream, "line_sample")
	p.Set("value", string(chunk.Data[2:len(chunk.Data)-1]))
	return []*particle.Particle{p}, nil
}

type capture struct {
	mu      sync.Mutex
	samples []*particle.Particle
}

func (c *capture) add(p *particle.Particle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, p)
}

func (c *capture) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

func (c *capture) value(i int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, _ := c.samples[i].Get("value")
	return v.(string)
}

func newTestParser(t *testing.T, cap *capture) *parser.Parser {
	t.Helper()
	p, err := parser.New(parser.Config{
		Stream:  "ws-test",
		Sieves:  []chunker.Sieve{lineSieve{}},
		Builder: lineBuilder{},
		Callbacks: parser.Callbacks{
			Sample: func(part *particle.Particle) { cap.add(part) },
		},
	})
	require.NoError(t, err)
	return p
}

// telemetryServer upgrades each connection and writes the configured frames.
func telemetryServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	upgrader := gws.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(gws.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Hold the connection open so the harvester doesn't treat the test
		// as a drop.
		time.Sleep(2 * time.Second)
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestHarvestsFramesInOrder(t *testing.T) {
	srv := telemetryServer(t, []string{"R:a\n", "R:b\nR:c\n"})
	defer srv.Close()

	cap := &capture{}
	p := newTestParser(t, cap)
	h, err := New(Config{Stream: "ws-test", URL: wsURL(srv)}, p, nil)
	require.NoError(t, err)

	require.NoError(t, h.Initialize())
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop(time.Second)

	require.Eventually(t, func() bool { return cap.len() == 3 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "a", cap.value(0))
	assert.Equal(t, "b", cap.value(1))
	assert.Equal(t, "c", cap.value(2))
}

func TestPartialFrameCompletesAcrossMessages(t *testing.T) {
	srv := telemetryServer(t, []string{"R:par", "tial\n"})
	defer srv.Close()

	cap := &capture{}
	p := newTestParser(t, cap)
	h, err := New(Config{Stream: "ws-test", URL: wsURL(srv)}, p, nil)
	require.NoError(t, err)

	require.NoError(t, h.Initialize())
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop(time.Second)

	require.Eventually(t, func() bool { return cap.len() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "partial", cap.value(0))
}

func TestReconnectBudgetExhausted(t *testing.T) {
	cap := &capture{}
	p := newTestParser(t, cap)
	h, err := New(Config{
		Stream:        "ws-test",
		URL:           "ws://127.0.0.1:1", // nothing listening
		MaxReconnects: 2,
		ReconnectWait: 10 * time.Millisecond,
		DialTimeout:   100 * time.Millisecond,
	}, p, nil)
	require.NoError(t, err)

	require.NoError(t, h.Initialize())
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop(time.Second)

	require.Eventually(t, func() bool {
		return h.reconnects.Load() >= 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.False(t, h.Health().Healthy)
}

func TestConfigValidation(t *testing.T) {
	cap := &capture{}
	p := newTestParser(t, cap)

	_, err := New(Config{URL: "ws://x"}, p, nil)
	assert.Error(t, err)
	_, err = New(Config{Stream: "s"}, p, nil)
	assert.Error(t, err)
	_, err = New(Config{Stream: "s", URL: "ws://x"}, nil, nil)
	assert.Error(t, err)
}

func TestStopBeforeStart(t *testing.T) {
	cap := &capture{}
	p := newTestParser(t, cap)
	h, err := New(Config{Stream: "s", URL: "ws://x"}, p, nil)
	require.NoError(t, err)
	assert.Error(t, h.Stop(time.Second))
}
