// Package state implements durable Parse State: the small structure that lets
// a parser resume after a restart at exactly the right byte and semantic
// point. It holds the monotonic stream position, one-shot metadata flags,
// per-block bookkeeping for multi-record chunks, and the timer rollover
// tracker for instruments with wrapping hardware counters.
//
// The structure round-trips through JSON. Restoring a snapshot and continuing
// must yield the same eventual particle sequence as parsing from byte zero;
// the validation in Restore exists to keep a corrupt or foreign blob from
// silently parsing from the start and duplicating already-delivered records.
package state

import (
	"encoding/json"
	"fmt"

	"github.com/c360/oceanstream/errors"
)

// BlockProgress tracks delivery inside one multi-record chunk so a crash
// mid-block resumes at the correct sub-record.
type BlockProgress struct {
	Start   int64 `json:"start"`
	End     int64 `json:"end"`
	Total   int   `json:"total_records"`
	Emitted int   `json:"records_emitted"`
}

// Span is a byte range read but not yet matched by any sieve.
type Span struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// State is the serializable Parse State. Callers persist it opaquely; only
// this package produces and consumes its shape.
type State struct {
	Position     int64           `json:"position"`
	MetadataSent bool            `json:"metadata_sent"`
	InProcess    []BlockProgress `json:"in_process,omitempty"`
	Unprocessed  []Span          `json:"unprocessed,omitempty"`

	// Timer rollover tracking for instruments with wrapping hardware
	// counters embedded in the record stream.
	TimerEpoch int     `json:"timer_epoch,omitempty"`
	TimerLast  float64 `json:"timer_last,omitempty"`
	TimerSeen  bool    `json:"timer_seen,omitempty"`
}

// Clone returns a deep copy. Snapshots handed to persistence must never
// alias a structure the parser continues to mutate.
func (s *State) Clone() *State {
	out := *s
	if s.InProcess != nil {
		out.InProcess = append([]BlockProgress(nil), s.InProcess...)
	}
	if s.Unprocessed != nil {
		out.Unprocessed = append([]Span(nil), s.Unprocessed...)
	}
	return &out
}

// RolloverConfig tunes wraparound detection for one instrument family.
// Period is the counter modulus (the value at which the hardware wraps).
// Slack is the tolerated backwards jitter: a new value lower than the
// previous by no more than Slack is jitter, anything lower is a rollover.
// The exact slack differs per instrument and is configuration, never
// hard-coded.
type RolloverConfig struct {
	Period float64 `json:"period" yaml:"period"`
	Slack  float64 `json:"slack" yaml:"slack"`
}

// Validate checks the rollover tuning constants.
func (rc RolloverConfig) Validate() error {
	if rc.Period <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("rollover period must be positive, got %v", rc.Period),
			"RolloverConfig", "Validate", "period check")
	}
	if rc.Slack < 0 || rc.Slack >= rc.Period {
		return errors.WrapInvalid(
			fmt.Errorf("rollover slack %v out of range [0, %v)", rc.Slack, rc.Period),
			"RolloverConfig", "Validate", "slack check")
	}
	return nil
}

// timerState is the rollover tracker's working copy while a block is being
// decoded.
type timerState struct {
	epoch int
	last  float64
	seen  bool
}

// Manager owns one stream's Parse State. It is not safe for concurrent use:
// each stream is strictly sequential (see the concurrency model in the root
// package docs).
//
// Timer and one-shot metadata updates are staged: RecordTimer and
// MarkMetadataSent write to pending copies, and the values only enter
// snapshots once Commit is called at a block boundary. A checkpoint taken
// mid-block therefore carries the pre-block tracker, so a resumed process
// replaying the block re-derives identical timestamps instead of detecting a
// phantom rollover against the block's own tail values. Discard throws staged
// values away when a block fails after mutating them: a block that emits
// nothing must not burn the metadata flag or advance the timer epoch.
type Manager struct {
	st          *State
	rollover    *RolloverConfig
	pending     *timerState
	pendingMeta bool
}

// NewManager creates a Manager with a fresh state at position zero.
func NewManager(rollover *RolloverConfig) (*Manager, error) {
	if rollover != nil {
		if err := rollover.Validate(); err != nil {
			return nil, err
		}
	}
	return &Manager{st: &State{}, rollover: rollover}, nil
}

// Position returns the byte offset already fully parsed.
func (m *Manager) Position() int64 {
	return m.st.Position
}

// Advance moves the position forward by n bytes. The position is monotonic:
// a negative n is a programming error surfaced as a fatal error.
func (m *Manager) Advance(n int64) error {
	if n < 0 {
		return errors.WrapFatal(
			fmt.Errorf("%w: advance by %d from %d", errors.ErrPositionRegression, n, m.st.Position),
			"Manager", "Advance", "monotonic position check")
	}
	m.st.Position += n
	return nil
}

// MarkMetadataSent records that the one-shot header particle went out. The
// flag is staged until Commit; see the Manager docs.
func (m *Manager) MarkMetadataSent() {
	m.pendingMeta = true
}

// MetadataSent reports whether the one-shot header particle went out,
// including a staged but uncommitted mark.
func (m *Manager) MetadataSent() bool {
	return m.st.MetadataSent || m.pendingMeta
}

// BeginBlock records a multi-record chunk being delivered.
func (m *Manager) BeginBlock(start, end int64, total int) {
	m.st.InProcess = append(m.st.InProcess, BlockProgress{Start: start, End: end, Total: total})
}

// BlockFor returns the in-process bookkeeping covering the given chunk
// range, or nil.
func (m *Manager) BlockFor(start, end int64) *BlockProgress {
	for i := range m.st.InProcess {
		b := &m.st.InProcess[i]
		if b.Start == start && b.End == end {
			return b
		}
	}
	return nil
}

// RecordEmitted increments the emitted count of the block covering the given
// range. When the block completes it is removed.
func (m *Manager) RecordEmitted(start, end int64) {
	for i := range m.st.InProcess {
		b := &m.st.InProcess[i]
		if b.Start == start && b.End == end {
			b.Emitted++
			if b.Emitted >= b.Total {
				m.st.InProcess = append(m.st.InProcess[:i], m.st.InProcess[i+1:]...)
			}
			return
		}
	}
}

// SetUnprocessed replaces the read-but-unmatched ranges recorded in the
// snapshot. The parser refreshes this before every checkpoint.
func (m *Manager) SetUnprocessed(spans []Span) {
	if len(spans) == 0 {
		m.st.Unprocessed = nil
		return
	}
	m.st.Unprocessed = append([]Span(nil), spans...)
}

// RecordTimer feeds one hardware counter value through the rollover tracker
// and returns the derived monotonic value (epoch*period + value). Rollover
// has occurred when the new value is lower than the previous by more than
// the configured slack; backwards jitter within the slack does not advance
// the epoch. Requires a rollover config.
//
// The update is staged until Commit; see the Manager docs.
func (m *Manager) RecordTimer(value float64) (float64, error) {
	if m.rollover == nil {
		return 0, errors.WrapFatal(errors.ErrMissingConfig,
			"Manager", "RecordTimer", "rollover config required")
	}
	if m.pending == nil {
		m.pending = &timerState{epoch: m.st.TimerEpoch, last: m.st.TimerLast, seen: m.st.TimerSeen}
	}
	if m.pending.seen && value < m.pending.last-m.rollover.Slack {
		m.pending.epoch++
	}
	m.pending.last = value
	m.pending.seen = true
	return float64(m.pending.epoch)*m.rollover.Period + value, nil
}

// Commit folds staged updates, the timer tracker and the one-shot metadata
// flag, into the persistable state. Called once the block whose records
// produced them is fully consumed.
func (m *Manager) Commit() {
	if m.pendingMeta {
		m.st.MetadataSent = true
		m.pendingMeta = false
	}
	if m.pending == nil {
		return
	}
	m.st.TimerEpoch = m.pending.epoch
	m.st.TimerLast = m.pending.last
	m.st.TimerSeen = m.pending.seen
	m.pending = nil
}

// Discard drops staged updates. Called when a block fails validation after
// marking metadata or feeding the tracker: a block that emits nothing
// contributes nothing.
func (m *Manager) Discard() {
	m.pending = nil
	m.pendingMeta = false
}

// Snapshot returns a deep copy of the current state for persistence.
func (m *Manager) Snapshot() *State {
	return m.st.Clone()
}

// Marshal serializes the current state.
func (m *Manager) Marshal() ([]byte, error) {
	return json.Marshal(m.st)
}

// Restore deserializes a previously persisted state and validates it. A blob
// missing required keys is fatal: a corrupt or foreign state must not
// silently parse from byte zero. In-process bookkeeping is checked for
// internal consistency.
func Restore(data []byte, rollover *RolloverConfig) (*Manager, error) {
	if rollover != nil {
		if err := rollover.Validate(); err != nil {
			return nil, err
		}
	}

	// Presence check before decode: "position" absent and position zero are
	// different situations.
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, errors.WrapFatal(err, "state", "Restore", "state blob decode")
	}
	if _, ok := keys["position"]; !ok {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: position", errors.ErrMissingStateKey),
			"state", "Restore", "required key check")
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errors.WrapFatal(err, "state", "Restore", "state decode")
	}

	if st.Position < 0 {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: negative position %d", errors.ErrInconsistentState, st.Position),
			"state", "Restore", "position check")
	}
	for _, b := range st.InProcess {
		if b.Start >= b.End || b.Total <= 0 || b.Emitted < 0 || b.Emitted > b.Total {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: block [%d,%d) total=%d emitted=%d",
					errors.ErrInconsistentState, b.Start, b.End, b.Total, b.Emitted),
				"state", "Restore", "in-process block check")
		}
	}
	for _, sp := range st.Unprocessed {
		if sp.Start >= sp.End {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: unprocessed span [%d,%d)", errors.ErrInconsistentState, sp.Start, sp.End),
				"state", "Restore", "unprocessed span check")
		}
	}

	return &Manager{st: &st, rollover: rollover}, nil
}
