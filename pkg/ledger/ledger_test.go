package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "nested", "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() }) //nolint:errcheck
	require.NoError(t, l.Migrate(context.Background()))
	return l
}

func TestMigrateIdempotent(t *testing.T) {
	l := newTestLedger(t)
	assert.NoError(t, l.Migrate(context.Background()))
}

func TestRunLifecycle(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	run, err := l.StartRun(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, StatusRunning, run.Status)

	_, err = l.RecordStage(ctx, Stage{RunID: run.ID, Name: "features", Rows: 120, Output: "f.csv", DurationMS: 4})
	require.NoError(t, err)
	_, err = l.RecordStage(ctx, Stage{
		RunID: run.ID, Name: "baseline", Rows: 120, Output: "b.csv",
		Metrics: map[string]float64{"mae": 12.5}, DurationMS: 80,
	})
	require.NoError(t, err)
	require.NoError(t, l.FinishRun(ctx, run.ID, nil))

	runs, err := l.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, StatusComplete, runs[0].Status)
	assert.Empty(t, runs[0].Error)
	require.NotNil(t, runs[0].FinishedAt)

	stages, err := l.StagesForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, "features", stages[0].Name)
	assert.Equal(t, map[string]float64{}, stages[0].Metrics)
	assert.Equal(t, "baseline", stages[1].Name)
	assert.Equal(t, 120, stages[1].Rows)
	assert.Equal(t, "b.csv", stages[1].Output)
	assert.Equal(t, map[string]float64{"mae": 12.5}, stages[1].Metrics)
	assert.Equal(t, int64(80), stages[1].DurationMS)
}

func TestFinishRunFailed(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	run, err := l.StartRun(ctx)
	require.NoError(t, err)
	require.NoError(t, l.FinishRun(ctx, run.ID, errors.New("missing input")))

	runs, err := l.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, StatusFailed, runs[0].Status)
	assert.Equal(t, "missing input", runs[0].Error)
}

func TestFinishRunUnknown(t *testing.T) {
	l := newTestLedger(t)
	assert.Error(t, l.FinishRun(context.Background(), "nope", nil))
}

func TestRecordStageUnknownRun(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.RecordStage(context.Background(), Stage{RunID: "nope", Name: "features"})
	assert.Error(t, err)
}

func TestListRunsNewestFirst(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		run, err := l.StartRun(ctx)
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}

	runs, err := l.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, ids[2], runs[0].ID)
	assert.Equal(t, ids[1], runs[1].ID)
	assert.Nil(t, runs[0].FinishedAt)
}

func TestStagesForRunEmpty(t *testing.T) {
	l := newTestLedger(t)
	stages, err := l.StagesForRun(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, stages)
}
