// Package file harvests instrument dayfiles from disk. A harvester polls one
// file for growth, reads the bytes past the parser's position, and feeds them
// to the parser. Historic files are read to the end, closed, and optionally
// archived; live files are tailed until the harvester is stopped.
package file

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/c360/oceanstream/component"
	"github.com/c360/oceanstream/errors"
	"github.com/c360/oceanstream/parser"
	"github.com/c360/oceanstream/pkg/timestamp"
)

// DefaultPollInterval is how often a live file is checked for growth.
const DefaultPollInterval = time.Second

// readChunkSize bounds one read so a large backlog is fed to the parser in
// pieces rather than one giant allocation.
const readChunkSize = 64 * 1024

// Config configures one file harvester.
type Config struct {
	Stream string
	Path   string

	// PollInterval between growth checks for live files. Defaults to
	// DefaultPollInterval.
	PollInterval time.Duration

	// Tail keeps polling after EOF instead of closing the stream. When false
	// the harvester treats the file as historic: it reads to the end, closes
	// the parser, and archives the file if ArchiveDir is set.
	Tail bool

	// ArchiveDir receives fully ingested historic files. Empty = leave in
	// place.
	ArchiveDir string
}

func (c Config) validate() error {
	if c.Stream == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "Harvester", "validate", "stream name required")
	}
	if c.Path == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "Harvester", "validate", "file path required")
	}
	return nil
}

// Harvester tails one file into one parser. The parser is built by the
// caller (fresh or restored from a checkpoint) so the harvester never decides
// resume semantics itself.
type Harvester struct {
	cfg    Config
	parser *parser.Parser
	log    *component.Logger

	offset int64 // next byte to read; starts at the parser's position

	mu     sync.Mutex
	state  component.State
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lastErr error
}

// New creates a file harvester feeding the given parser. Reading starts at
// the parser's current position, which is zero for a fresh stream and the
// checkpointed offset for a restored one.
func New(cfg Config, p *parser.Parser, log *component.Logger) (*Harvester, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Harvester", "New", "parser required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if log == nil {
		log = component.NewLogger("file-harvester", cfg.Stream, nil, nil)
	}
	return &Harvester{
		cfg:    cfg,
		parser: p,
		log:    log,
		offset: p.Position(),
		state:  component.StateCreated,
	}, nil
}

// Name implements component.LifecycleComponent.
func (h *Harvester) Name() string {
	return "file-harvester:" + h.cfg.Stream
}

// Initialize verifies the source file is readable.
func (h *Harvester) Initialize() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != component.StateCreated {
		return errors.ErrAlreadyStarted
	}

	info, err := os.Stat(h.cfg.Path)
	if err != nil {
		return errors.WrapTransient(err, "Harvester", "Initialize", "stat source file")
	}
	if info.Size() < h.offset {
		return errors.WrapFatal(errors.ErrSeekPastEnd, "Harvester", "Initialize",
			fmt.Sprintf("checkpoint at %d but file is %d bytes", h.offset, info.Size()))
	}

	h.state = component.StateInitialized
	return nil
}

// Start launches the poll loop.
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
	h.wg.Add(1)
	go h.run(runCtx)

	h.log.Info("file harvester started")
	return nil
}

// Stop cancels the poll loop and waits up to timeout for it to finish.
func (h *Harvester) Stop(timeout time.Duration) error {
	h.mu.Lock()
	if h.state != component.StateStarted {
		h.mu.Unlock()
		return errors.ErrNotStarted
	}
	h.cancel()
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("poll loop did not stop within %v", timeout),
			"Harvester", "Stop", "await shutdown")
	}

	h.mu.Lock()
	h.state = component.StateStopped
	h.mu.Unlock()
	h.log.Info("file harvester stopped")
	return nil
}

// Health implements component.LifecycleComponent.
func (h *Harvester) Health() component.Health {
	h.mu.Lock()
	defer h.mu.Unlock()

	details := map[string]any{
		"path":     h.cfg.Path,
		"offset":   h.offset,
		"position": h.parser.Position(),
	}
	if h.lastErr != nil {
		details["last_error"] = h.lastErr.Error()
	}
	return component.Health{
		Healthy: h.state == component.StateStarted && h.lastErr == nil,
		State:   h.state.String(),
		Details: details,
	}
}

func (h *Harvester) run(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	for {
		done, err := h.poll()
		if err != nil {
			h.mu.Lock()
			h.lastErr = err
			h.mu.Unlock()
			if errors.IsFatal(err) {
				h.log.Error("harvest failed", err)
				return
			}
			h.log.Warn("harvest poll failed: " + err.Error())
		}
		if done {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll reads any bytes past the current offset and feeds them to the parser.
// It returns true when the harvester's work is finished (historic file fully
// ingested, or the parser hit a fatal error).
func (h *Harvester) poll() (bool, error) {
	f, err := os.Open(h.cfg.Path)
	if err != nil {
		return false, errors.WrapTransient(err, "Harvester", "poll", "open source file")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, errors.WrapTransient(err, "Harvester", "poll", "stat source file")
	}
	if info.Size() < h.offset {
		// Truncation invalidates the checkpoint.
		return true, errors.WrapFatal(errors.ErrSeekPastEnd, "Harvester", "poll",
			fmt.Sprintf("file shrank below offset %d", h.offset))
	}

	for h.offset < info.Size() {
		n := info.Size() - h.offset
		if n > readChunkSize {
			n = readChunkSize
		}
		buf := make([]byte, n)
		read, err := f.ReadAt(buf, h.offset)
		if err != nil && err != io.EOF {
			return false, errors.WrapTransient(err, "Harvester", "poll", "read delta")
		}
		if read == 0 {
			break
		}

		if err := h.parser.AddData(buf[:read], timestamp.Now()); err != nil {
			return true, err
		}
		h.offset += int64(read)
	}

	if h.cfg.Tail {
		return false, nil
	}

	// Historic mode: the whole file has been fed; close the stream and
	// archive.
	if err := h.parser.Close(); err != nil {
		return true, err
	}
	if err := h.archive(); err != nil {
		return true, err
	}
	h.log.Info("file fully ingested")
	return true, nil
}

func (h *Harvester) archive() error {
	if h.cfg.ArchiveDir == "" {
		return nil
	}
	if err := os.MkdirAll(h.cfg.ArchiveDir, 0o755); err != nil {
		return errors.WrapTransient(err, "Harvester", "archive", "create archive directory")
	}
	target := filepath.Join(h.cfg.ArchiveDir, filepath.Base(h.cfg.Path))
	if err := os.Rename(h.cfg.Path, target); err != nil {
		return errors.WrapTransient(err, "Harvester", "archive", "move ingested file")
	}
	return nil
}
