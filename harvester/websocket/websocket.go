// Package websocket harvests live instrument telemetry over a WebSocket
// connection. Frames are buffered between the read loop and the parser so a
// slow drain cycle never stalls the socket, and the connection reconnects
// with backoff when the far side drops it.
package websocket

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/oceanstream/component"
	"github.com/c360/oceanstream/errors"
	"github.com/c360/oceanstream/parser"
	"github.com/c360/oceanstream/pkg/buffer"
	"github.com/c360/oceanstream/pkg/timestamp"
)

// Defaults for optional config fields.
const (
	DefaultBufferSize    = 1024
	DefaultDialTimeout   = 10 * time.Second
	DefaultReconnectWait = time.Second
	DefaultMaxReconnWait = 30 * time.Second
	DefaultDrainInterval = 10 * time.Millisecond
	DefaultWriteDeadline = 5 * time.Second
	defaultPingPeriod    = 30 * time.Second
	defaultPongWait      = 60 * time.Second
)

// frame is one received message with its arrival timestamp, preserved so the
// parser can stamp port timestamps from receipt time rather than drain time.
type frame struct {
	data    []byte
	arrival int64
}

// Config configures one live harvester.
type Config struct {
	Stream string
	URL    string

	// BufferSize is the frame buffer capacity between the read loop and the
	// parser.
	BufferSize int

	// MaxReconnects bounds reconnection attempts; 0 means retry forever.
	MaxReconnects int

	DialTimeout   time.Duration
	ReconnectWait time.Duration
}

func (c Config) validate() error {
	if c.Stream == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "Harvester", "validate", "stream name required")
	}
	if c.URL == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "Harvester", "validate", "websocket URL required")
	}
	return nil
}

// Harvester connects to a telemetry endpoint and feeds received frames to one
// parser in arrival order.
type Harvester struct {
	cfg    Config
	parser *parser.Parser
	log    *component.Logger

	frames buffer.Buffer[*frame]

	connMu sync.Mutex
	conn   *websocket.Conn

	reconnects atomic.Int32
	received   atomic.Int64
	dropped    atomic.Int64

	mu     sync.Mutex
	state  component.State
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lastErr atomic.Value // stores error
}

// New creates a live harvester feeding the given parser.
func New(cfg Config, p *parser.Parser, log *component.Logger) (*Harvester, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Harvester", "New", "parser required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = DefaultReconnectWait
	}
	if log == nil {
		log = component.NewLogger("websocket-harvester", cfg.Stream, nil, nil)
	}

	h := &Harvester{cfg: cfg, parser: p, log: log, state: component.StateCreated}
	frames, err := buffer.NewCircularBuffer[*frame](cfg.BufferSize,
		buffer.WithOverflowPolicy[*frame](buffer.DropOldest),
		buffer.WithDropCallback[*frame](func(*frame) {
			h.dropped.Add(1)
		}),
	)
	if err != nil {
		return nil, errors.WrapFatal(err, "Harvester", "New", "create frame buffer")
	}
	h.frames = frames
	return h, nil
}

// Name implements component.LifecycleComponent.
func (h *Harvester) Name() string {
	return "websocket-harvester:" + h.cfg.Stream
}

// Initialize implements component.LifecycleComponent. Dialing is deferred to
// Start so a down endpoint does not fail deployment startup.
func (h *Harvester) Initialize() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != component.StateCreated {
		return errors.ErrAlreadyStarted
	}
	h.state = component.StateInitialized
	return nil
}

// Start launches the read and drain loops.
func (h *Harvester) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == component.StateStarted {
		return errors.ErrAlreadyStarted
	}
	if h.state != component.StateInitialized {
		return errors.ErrNotStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.state = component.StateStarted

	h.wg.Add(2)
	go h.readLoop(runCtx)
	go h.drainLoop(runCtx)

	h.log.Info("websocket harvester started")
	return nil
}

// Stop closes the connection and waits for the loops to finish.
func (h *Harvester) Stop(timeout time.Duration) error {
	h.mu.Lock()
	if h.state != component.StateStarted {
		h.mu.Unlock()
		return errors.ErrNotStarted
	}
	h.cancel()
	h.mu.Unlock()

	h.closeConn()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("loops did not stop within %v", timeout),
			"Harvester", "Stop", "await shutdown")
	}

	h.mu.Lock()
	h.state = component.StateStopped
	h.mu.Unlock()
	h.log.Info("websocket harvester stopped")
	return nil
}

// Health implements component.LifecycleComponent.
func (h *Harvester) Health() component.Health {
	h.mu.Lock()
	state := h.state
	h.mu.Unlock()

	h.connMu.Lock()
	connected := h.conn != nil
	h.connMu.Unlock()

	details := map[string]any{
		"url":        h.cfg.URL,
		"connected":  connected,
		"received":   h.received.Load(),
		"dropped":    h.dropped.Load(),
		"reconnects": h.reconnects.Load(),
		"buffered":   h.frames.Size(),
	}
	if err, ok := h.lastErr.Load().(error); ok && err != nil {
		details["last_error"] = err.Error()
	}
	return component.Health{
		Healthy: state == component.StateStarted && connected,
		State:   state.String(),
		Details: details,
	}
}

// readLoop dials, reads frames into the buffer, and reconnects with linear
// backoff capped at DefaultMaxReconnWait.
func (h *Harvester) readLoop(ctx context.Context) {
	defer h.wg.Done()

	wait := h.cfg.ReconnectWait
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := h.dial(ctx)
		if err != nil {
			h.lastErr.Store(err)
			h.log.Warn("dial failed: " + err.Error())

			attempts := h.reconnects.Add(1)
			if h.cfg.MaxReconnects > 0 && int(attempts) >= h.cfg.MaxReconnects {
				h.log.Error("reconnect budget exhausted", err)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			if wait < DefaultMaxReconnWait {
				wait += h.cfg.ReconnectWait
			}
			continue
		}

		wait = h.cfg.ReconnectWait
		h.setConn(conn)
		h.log.Info("connected to telemetry endpoint")

		if err := h.readFrames(ctx, conn); err != nil && ctx.Err() == nil {
			h.lastErr.Store(err)
			h.log.Warn("connection lost: " + err.Error())
		}
		h.setConn(nil)
	}
}

func (h *Harvester) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, h.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, h.cfg.URL, nil)
	if err != nil {
		return nil, errors.WrapTransient(err, "Harvester", "dial", "connect to "+h.cfg.URL)
	}
	return conn, nil
}

func (h *Harvester) readFrames(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	})

	// Keepalive pings so a silent instrument doesn't look like a dead link.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(defaultPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ticker.C:
				deadline := time.Now().Add(DefaultWriteDeadline)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return errors.WrapTransient(err, "Harvester", "readFrames", "read message")
		}
		h.received.Add(1)
		_ = h.frames.Write(&frame{data: data, arrival: timestamp.Now()})
	}
}

// drainLoop feeds buffered frames to the parser. The parser is single-owner
// here so its no-internal-locking contract holds.
func (h *Harvester) drainLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(DefaultDrainInterval)
	defer ticker.Stop()

	for {
		for _, fr := range h.frames.ReadBatch(64) {
			if err := h.parser.AddData(fr.data, fr.arrival); err != nil {
				h.lastErr.Store(err)
				h.log.Error("stream terminated", err)
				h.closeConn()
				return
			}
		}

		select {
		case <-ctx.Done():
			// Flush whatever arrived before shutdown.
			for _, fr := range h.frames.ReadBatch(h.frames.Capacity()) {
				if err := h.parser.AddData(fr.data, fr.arrival); err != nil {
					h.lastErr.Store(err)
					break
				}
			}
			return
		case <-ticker.C:
		}
	}
}

func (h *Harvester) setConn(conn *websocket.Conn) {
	h.connMu.Lock()
	old := h.conn
	h.conn = conn
	h.connMu.Unlock()
	if old != nil && conn == nil {
		old.Close()
	}
}

func (h *Harvester) closeConn() {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
	}
}
