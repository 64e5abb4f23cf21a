package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/oceanstream/errors"
)

func TestAdvanceMonotonic(t *testing.T) {
	m, err := NewManager(nil)
	require.NoError(t, err)

	require.NoError(t, m.Advance(10))
	require.NoError(t, m.Advance(0))
	require.NoError(t, m.Advance(5))
	assert.Equal(t, int64(15), m.Position())

	err = m.Advance(-1)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, int64(15), m.Position(), "failed advance must not move position")
}

func TestMetadataStagingAndDiscard(t *testing.T) {
	m, err := NewManager(nil)
	require.NoError(t, err)

	// The mark is visible immediately but stays out of snapshots until
	// committed.
	assert.False(t, m.MetadataSent())
	m.MarkMetadataSent()
	assert.True(t, m.MetadataSent())
	assert.False(t, m.Snapshot().MetadataSent)

	// A discarded block's mark never lands.
	m.Discard()
	assert.False(t, m.MetadataSent())
	assert.False(t, m.Snapshot().MetadataSent)

	m.MarkMetadataSent()
	m.Commit()
	assert.True(t, m.MetadataSent())
	assert.True(t, m.Snapshot().MetadataSent)
}

func TestTimerRollover(t *testing.T) {
	const period = 86400.0
	m, err := NewManager(&RolloverConfig{Period: period, Slack: 10})
	require.NoError(t, err)

	// Values straddling a wraparound must map to strictly increasing derived
	// timestamps.
	values := []float64{period - 2, period - 1, 0, 1, 2}
	var prev float64
	for i, v := range values {
		derived, err := m.RecordTimer(v)
		require.NoError(t, err)
		if i > 0 {
			assert.Greater(t, derived, prev, "value %v", v)
		}
		prev = derived
	}
	assert.Equal(t, period+2, prev)
}

func TestTimerJitterWithinSlack(t *testing.T) {
	m, err := NewManager(&RolloverConfig{Period: 86400, Slack: 10})
	require.NoError(t, err)

	_, err = m.RecordTimer(500)
	require.NoError(t, err)

	// A small backwards step is jitter, not a rollover.
	derived, err := m.RecordTimer(495)
	require.NoError(t, err)
	assert.Equal(t, 495.0, derived)

	// A large backwards step is a rollover.
	derived, err = m.RecordTimer(3)
	require.NoError(t, err)
	assert.Equal(t, 86403.0, derived)
}

func TestTimerStagingAndDiscard(t *testing.T) {
	m, err := NewManager(&RolloverConfig{Period: 86400, Slack: 10})
	require.NoError(t, err)

	// Staged updates stay out of snapshots until committed.
	_, err = m.RecordTimer(100)
	require.NoError(t, err)
	assert.False(t, m.Snapshot().TimerSeen)

	m.Commit()
	snap := m.Snapshot()
	assert.True(t, snap.TimerSeen)
	assert.Equal(t, 100.0, snap.TimerLast)

	// A discarded block's rollover never lands.
	_, err = m.RecordTimer(3)
	require.NoError(t, err)
	m.Discard()

	derived, err := m.RecordTimer(100)
	require.NoError(t, err)
	assert.Equal(t, 100.0, derived, "no phantom epoch from the discarded block")
}

func TestTimerRequiresConfig(t *testing.T) {
	m, err := NewManager(nil)
	require.NoError(t, err)

	_, err = m.RecordTimer(1)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestRolloverConfigValidate(t *testing.T) {
	assert.Error(t, RolloverConfig{Period: 0, Slack: 0}.Validate())
	assert.Error(t, RolloverConfig{Period: 100, Slack: -1}.Validate())
	assert.Error(t, RolloverConfig{Period: 100, Slack: 100}.Validate())
	assert.NoError(t, RolloverConfig{Period: 100, Slack: 0}.Validate())
}

func TestBlockProgressLifecycle(t *testing.T) {
	m, err := NewManager(nil)
	require.NoError(t, err)

	m.BeginBlock(100, 400, 3)
	b := m.BlockFor(100, 400)
	require.NotNil(t, b)
	assert.Equal(t, 3, b.Total)
	assert.Equal(t, 0, b.Emitted)

	m.RecordEmitted(100, 400)
	m.RecordEmitted(100, 400)
	b = m.BlockFor(100, 400)
	require.NotNil(t, b)
	assert.Equal(t, 2, b.Emitted)

	// Completing the block removes the bookkeeping.
	m.RecordEmitted(100, 400)
	assert.Nil(t, m.BlockFor(100, 400))
}

func TestSnapshotIsolation(t *testing.T) {
	m, err := NewManager(nil)
	require.NoError(t, err)

	require.NoError(t, m.Advance(50))
	m.BeginBlock(0, 50, 2)

	snap := m.Snapshot()
	require.NoError(t, m.Advance(25))
	m.RecordEmitted(0, 50)

	assert.Equal(t, int64(50), snap.Position)
	require.Len(t, snap.InProcess, 1)
	assert.Equal(t, 0, snap.InProcess[0].Emitted)
}

func TestMarshalRestoreRoundTrip(t *testing.T) {
	rc := &RolloverConfig{Period: 86400, Slack: 10}
	m, err := NewManager(rc)
	require.NoError(t, err)

	require.NoError(t, m.Advance(1234))
	m.MarkMetadataSent()
	m.BeginBlock(1000, 1234, 5)
	m.RecordEmitted(1000, 1234)
	m.SetUnprocessed([]Span{{Start: 1234, End: 1300}})
	_, err = m.RecordTimer(86399)
	require.NoError(t, err)
	_, err = m.RecordTimer(1)
	require.NoError(t, err)
	m.Commit()

	blob, err := m.Marshal()
	require.NoError(t, err)

	restored, err := Restore(blob, rc)
	require.NoError(t, err)

	assert.Equal(t, int64(1234), restored.Position())
	assert.True(t, restored.MetadataSent())
	b := restored.BlockFor(1000, 1234)
	require.NotNil(t, b)
	assert.Equal(t, 1, b.Emitted)

	// The rollover epoch survives: the next counter value continues in the
	// second epoch.
	derived, err := restored.RecordTimer(2)
	require.NoError(t, err)
	assert.Equal(t, 86402.0, derived)
}

func TestRestoreMissingPositionFatal(t *testing.T) {
	_, err := Restore([]byte(`{"metadata_sent":true}`), nil)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrMissingStateKey)
}

func TestRestoreCorruptBlobFatal(t *testing.T) {
	_, err := Restore([]byte(`{not json`), nil)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestRestoreInconsistentBlockFatal(t *testing.T) {
	cases := []string{
		`{"position":10,"in_process":[{"start":5,"end":5,"total_records":1,"records_emitted":0}]}`,
		`{"position":10,"in_process":[{"start":0,"end":5,"total_records":2,"records_emitted":3}]}`,
		`{"position":10,"in_process":[{"start":0,"end":5,"total_records":0,"records_emitted":0}]}`,
		`{"position":-1}`,
	}
	for _, blob := range cases {
		_, err := Restore([]byte(blob), nil)
		require.Error(t, err, blob)
		assert.True(t, errors.IsFatal(err), blob)
	}
}
