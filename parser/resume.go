package parser

import (
	"fmt"

	"github.com/c360/oceanstream/chunker"
	"github.com/c360/oceanstream/errors"
	"github.com/c360/oceanstream/state"
)

// Restore rebuilds a parser from a persisted parse-state blob. The chunker
// starts empty at the restored position; the caller seeks the byte source
// there and resumes pushing fragments, after which the loop behaves exactly
// as if it had been running continuously, including resuming a partially
// delivered multi-record block at the correct sub-record.
//
// sourceLen is the current length of the underlying source, used to reject a
// position past the end of the data that supposedly produced it; pass a
// negative value when the length is unknowable (live connections).
//
// Restore is deliberately strict: a blob that does not validate is fatal,
// because silently restarting at byte zero would re-deliver records
// downstream.
func Restore(cfg Config, blob []byte, sourceLen int64) (*Parser, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	st, err := state.Restore(blob, cfg.Rollover)
	if err != nil {
		return nil, err
	}

	if sourceLen >= 0 && st.Position() > sourceLen {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: position %d, source length %d", errors.ErrSeekPastEnd, st.Position(), sourceLen),
			"Parser", "Restore", "seek bounds check")
	}

	ch, err := chunker.NewAt(st.Position(), cfg.Sieves...)
	if err != nil {
		return nil, err
	}

	p := newParser(cfg, ch, st)
	if p.metrics != nil {
		p.metrics.RecordResume(cfg.Stream)
	}
	p.log.Info("stream resumed from checkpoint", "position", st.Position())
	return p, nil
}
