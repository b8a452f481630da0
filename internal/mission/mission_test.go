package mission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScoreStability_NoChecksIsPerfect(t *testing.T) {
	require.Equal(t, 1.0, ScoreStability(nil))
}

func TestScoreStability_CriticalChecksDegradeScore(t *testing.T) {
	score := ScoreStability([]HealthCheck{{Severity: "critical"}})
	require.Less(t, score, 1.0)
	require.Equal(t, VerdictUnstable, VerdictForScore(score))
}

func TestVerdictForScore_Thresholds(t *testing.T) {
	require.Equal(t, VerdictStable, VerdictForScore(1.0))
	require.Equal(t, VerdictAcceptable, VerdictForScore(0.85))
	require.Equal(t, VerdictUnstable, VerdictForScore(0.5))
}

type fakeRollback struct {
	called bool
	target string
}

func (f *fakeRollback) Rollback(ctx context.Context, target string, reason string) (interface{}, error) {
	f.called = true
	f.target = target
	return nil, nil
}

type fakeCAPA struct {
	opened bool
}

func (f *fakeCAPA) OpenFromMission(ctx context.Context, m *Mission) error {
	f.opened = true
	return nil
}

func TestConclude_UnstableTriggersRollbackAndCAPA(t *testing.T) {
	rb := &fakeRollback{}
	capa := &fakeCAPA{}
	loop := New(DefaultWindows(), rb, capa, nil, testLogger())

	id, err := loop.StartWithRisk(context.Background(), "update-1", "worker-1", RiskLow)
	require.NoError(t, err)
	require.NoError(t, loop.RecordHealthCheck(context.Background(), id, "critical", "crash loop"))

	m, err := loop.Conclude(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, VerdictUnstable, m.Verdict)
	require.True(t, rb.called)
	require.True(t, capa.opened)
	require.Equal(t, "worker-1", rb.target)
}

func TestCorrelateRegression_SameComponentSameTimeHighScore(t *testing.T) {
	now := time.Now()
	a := &Mission{TargetComponent: "worker-1", StartedAt: now}
	b := &Mission{TargetComponent: "worker-1", StartedAt: now.Add(10 * time.Minute)}
	score := CorrelateRegression(a, b, true)
	require.GreaterOrEqual(t, score, 0.5)
}
