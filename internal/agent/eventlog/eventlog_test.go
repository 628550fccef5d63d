package eventlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/agenthost/agenthost/pkg/api/v1"
)

func TestAppendAssignsIncreasingSeq(t *testing.T) {
	l := New(10)

	first := l.Append("run.started", "support/alice", nil)
	second := l.Append("run.tick", "support/alice", map[string]any{"step": 0})

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)

	events := l.List()
	require.Len(t, events, 2)
	assert.Equal(t, "run.started", events[0].Type)
}

func TestRingDropsOldest(t *testing.T) {
	l := New(3)
	for i := 0; i < 5; i++ {
		l.Append("run.tick", "support/alice", map[string]any{"step": i})
	}

	events := l.List()
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].Seq)
	assert.Equal(t, int64(5), events[2].Seq)
}

func TestRestoreContinuesSeq(t *testing.T) {
	l := New(10)
	l.Append("run.started", "support/alice", nil)
	l.Append("run.tick", "support/alice", nil)
	snapshot, seq := l.Snapshot()

	fresh := New(10)
	fresh.Restore(snapshot, seq)
	next := fresh.Append("run.tick", "support/alice", nil)

	// Seq stays strictly increasing across a hibernation cycle.
	assert.Equal(t, int64(3), next.Seq)
	assert.Len(t, fresh.List(), 3)
}

func TestRestoreTrimsToCapacity(t *testing.T) {
	big := New(10)
	for i := 0; i < 6; i++ {
		big.Append("run.tick", "support/alice", nil)
	}
	snapshot, seq := big.Snapshot()

	small := New(2)
	small.Restore(snapshot, seq)
	events := small.List()
	require.Len(t, events, 2)
	assert.Equal(t, int64(6), events[1].Seq)
}

func TestSinkSeesEveryAppend(t *testing.T) {
	l := New(10)
	var got []v1.Event
	l.AddSink(func(ev v1.Event) { got = append(got, ev) })

	l.Append("run.started", "support/alice", nil)
	l.Append("agent.completed", "support/alice", nil)

	require.Len(t, got, 2)
	assert.Equal(t, "agent.completed", got[1].Type)
}
