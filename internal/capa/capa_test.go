package capa

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grace-platform/control-plane/internal/mission"
)

func TestOpenFromMission_CreatesOpenRecordAndLearning(t *testing.T) {
	sink := New(nil)
	m := &mission.Mission{ID: "m1", TargetComponent: "worker-1", Verdict: mission.VerdictUnstable, StabilityScore: 0.4}

	require.NoError(t, sink.OpenFromMission(context.Background(), m))

	open := sink.AllOpen()
	require.Len(t, open, 1)
	require.Equal(t, StateOpen, open[0].State)

	learning := sink.LearningRecords()
	require.Len(t, learning, 1)
	require.Equal(t, "unstable", learning[0].Verdict)
}

func TestAdvance_RejectsInvalidTransition(t *testing.T) {
	sink := New(nil)
	m := &mission.Mission{ID: "m1", TargetComponent: "worker-1", Verdict: mission.VerdictUnstable}
	require.NoError(t, sink.OpenFromMission(context.Background(), m))

	open := sink.AllOpen()
	require.Len(t, open, 1)
	id := open[0].ID

	_, err := sink.Advance(context.Background(), id, StateClosed)
	require.Error(t, err)

	_, err = sink.Advance(context.Background(), id, StateAnalyzing)
	require.NoError(t, err)
}
