package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/leakguard/pkg/billing"
	"github.com/hed1ad/leakguard/pkg/config"
	"github.com/hed1ad/leakguard/pkg/explain"
	csvio "github.com/hed1ad/leakguard/pkg/io/csv"
	"github.com/hed1ad/leakguard/pkg/ledger"
)

func openLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() }) //nolint:errcheck
	require.NoError(t, l.Migrate(context.Background()))
	return l
}

func TestRunAllWritesArtifacts(t *testing.T) {
	cfg := testConfig(t.TempDir())
	lines := generateLines(40, 5)
	writeUnified(t, cfg, lines)
	l := openLedger(t)
	ctx := context.Background()

	runID, summaries, err := NewRunner(cfg, l).RunAll(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, len(Stages()))

	for _, path := range []string{
		cfg.Paths.Features, cfg.Paths.Estimates, cfg.Paths.InvoiceBaseline, cfg.Paths.NeuralEstimates,
		cfg.Paths.AnomalyScores, cfg.Paths.ValidationAll, cfg.Paths.Validated,
		cfg.Paths.Explained, cfg.Paths.Patterns, cfg.Paths.Stress, cfg.Paths.Model,
	} {
		assert.FileExists(t, path)
	}

	assert.Equal(t, StageFeatures, summaries[0].Stage)
	assert.Equal(t, len(lines), summaries[0].Rows)
	assert.Equal(t, 40, summaries[1].Rows)
	assert.Contains(t, summaries[1].Metrics, "mae")
	assert.Equal(t, StageNeural, summaries[2].Stage)
	assert.Equal(t, len(lines), summaries[2].Rows)
	assert.Equal(t, float64(5), summaries[2].Metrics["epochs"])
	assert.Equal(t, float64(4), summaries[7].Metrics["injected"])

	runs, err := l.ListRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].ID)
	assert.Equal(t, ledger.StatusComplete, runs[0].Status)

	stages, err := l.StagesForRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, stages, len(Stages()))
	for i, st := range stages {
		assert.Equal(t, summaries[i].Stage, st.Name)
		assert.Equal(t, summaries[i].Rows, st.Rows)
	}

	explained, _, err := csvio.Read[billing.ExplainedInvoice](cfg.Paths.Explained)
	require.NoError(t, err)
	assert.Len(t, explained, summaries[5].Rows)
	for _, inv := range explained {
		assert.True(t, bool(inv.ValidatedLeakage))
		assert.NotEmpty(t, inv.ExplanationText)
	}

	pats, _, err := csvio.Read[billing.LeakagePattern](cfg.Paths.Patterns)
	require.NoError(t, err)
	assert.Len(t, pats, len(explained))
}

func TestFileStagesMatchInMemoryRun(t *testing.T) {
	cfg := testConfig(t.TempDir())
	lines := generateLines(30, 6)
	writeUnified(t, cfg, lines)

	_, _, err := NewRunner(cfg, nil).RunAll(context.Background())
	require.NoError(t, err)
	a, err := Run(context.Background(), cfg, lines)
	require.NoError(t, err)

	validated, _, err := csvio.Read[billing.ValidatedInvoice](cfg.Paths.Validated)
	require.NoError(t, err)
	require.Len(t, validated, len(a.Validated))
	for i := range validated {
		assert.Equal(t, a.Validated[i].InvoiceID, validated[i].InvoiceID)
	}

	stressed, _, err := csvio.Read[billing.StressResult](cfg.Paths.Stress)
	require.NoError(t, err)
	require.Len(t, stressed, len(a.Stress))
	for i := range stressed {
		assert.Equal(t, a.Stress[i].IsSynthetic, stressed[i].IsSynthetic)
		assert.Equal(t, a.Stress[i].Detected, stressed[i].Detected)
	}
}

func artifactPaths(cfg *config.Config) []string {
	p := cfg.Paths
	return []string{
		p.Features, p.Estimates, p.NeuralEstimates, p.InvoiceBaseline, p.Model,
		p.AnomalyScores, p.ValidationAll, p.Validated, p.Explained, p.Patterns, p.Stress,
	}
}

func TestRunAllRerunIsByteIdentical(t *testing.T) {
	lines := generateLines(30, 11)
	ctx := context.Background()

	first := testConfig(t.TempDir())
	second := testConfig(t.TempDir())
	for _, cfg := range []*config.Config{first, second} {
		writeUnified(t, cfg, lines)
		_, _, err := NewRunner(cfg, nil).RunAll(ctx)
		require.NoError(t, err)
	}

	a, b := artifactPaths(first), artifactPaths(second)
	for i := range a {
		want, err := os.ReadFile(a[i])
		require.NoError(t, err)
		got, err := os.ReadFile(b[i])
		require.NoError(t, err)
		assert.Equal(t, want, got, filepath.Base(a[i]))
	}

	// Re-running over the same directory rewrites identical artifacts.
	_, _, err := NewRunner(first, nil).RunAll(ctx)
	require.NoError(t, err)
	for i := range a {
		again, err := os.ReadFile(a[i])
		require.NoError(t, err)
		want, err := os.ReadFile(b[i])
		require.NoError(t, err)
		assert.Equal(t, want, again, filepath.Base(a[i]))
	}
}

func TestBaselineStagePublishesNothingOnFailure(t *testing.T) {
	cfg := testConfig(t.TempDir())
	writeUnified(t, cfg, generateLines(20, 12))
	ctx := context.Background()

	_, err := Features(ctx, cfg)
	require.NoError(t, err)

	// A regular file where the model directory should be makes the model
	// artifact unwritable after both CSVs were staged.
	blocker := filepath.Join(filepath.Dir(cfg.Paths.Estimates), "blocked")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	cfg.Paths.Model = filepath.Join(blocker, "model.bin")

	_, err = Baseline(ctx, cfg)
	require.Error(t, err)
	assert.NoFileExists(t, cfg.Paths.Estimates)
	assert.NoFileExists(t, cfg.Paths.InvoiceBaseline)

	entries, err := os.ReadDir(filepath.Dir(cfg.Paths.Estimates))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestRunAllMissingInput(t *testing.T) {
	cfg := testConfig(t.TempDir())
	l := openLedger(t)
	ctx := context.Background()

	runID, summaries, err := NewRunner(cfg, l).RunAll(ctx)
	require.Error(t, err)
	assert.Empty(t, summaries)

	var missing *billing.InputMissingError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, cfg.Paths.Unified, missing.Path)

	runs, err := l.ListRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].ID)
	assert.Equal(t, ledger.StatusFailed, runs[0].Status)
	assert.NotEmpty(t, runs[0].Error)
}

func TestRunAllCancelled(t *testing.T) {
	cfg := testConfig(t.TempDir())
	writeUnified(t, cfg, generateLines(10, 7))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, summaries, err := NewRunner(cfg, nil).RunAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, summaries)
}

func TestExplainStageMissingModelWritesNothing(t *testing.T) {
	cfg := testConfig(t.TempDir())
	writeUnified(t, cfg, generateLines(30, 8))
	ctx := context.Background()

	for _, stage := range []StageFunc{Features, Baseline, Anomaly, Validate} {
		_, err := stage(ctx, cfg)
		require.NoError(t, err)
	}
	require.NoError(t, os.Remove(cfg.Paths.Model))

	_, err := Explain(ctx, cfg)
	var missing *billing.InputMissingError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, cfg.Paths.Model, missing.Path)
	assert.NoFileExists(t, cfg.Paths.Explained)
}

// unflaggedInvoice is a validated invoice table without the validated_leakage column.
type unflaggedInvoice struct {
	InvoiceID             string  `csv:"invoice_id"`
	AnomalyScoreMin       float64 `csv:"anomaly_score_min"`
	MaxRulesTriggered     int     `csv:"max_rules_triggered"`
	AnyContractViolation  bool    `csv:"any_contract_violation"`
	AnyDiscountViolation  bool    `csv:"any_discount_violation"`
	AnyUsageUnderbilled   bool    `csv:"any_usage_underbilled"`
	AnyPriceNormViolation bool    `csv:"any_price_norm_violation"`
}

func TestExplainStageWithoutValidatedFlagExplainsEveryInvoice(t *testing.T) {
	cfg := testConfig(t.TempDir())
	writeUnified(t, cfg, generateLines(25, 9))
	ctx := context.Background()

	for _, stage := range []StageFunc{Features, Baseline} {
		_, err := stage(ctx, cfg)
		require.NoError(t, err)
	}
	require.NoError(t, csvio.Write(cfg.Paths.Validated, []unflaggedInvoice{
		{InvoiceID: "INV000", MaxRulesTriggered: 2, AnyContractViolation: true},
	}))

	summary, err := ExplainWith(ctx, cfg, explain.TemplateNarrator{})
	require.NoError(t, err)
	assert.Equal(t, 25, summary.Rows)
}

func TestValidateStageMissingScoreColumn(t *testing.T) {
	cfg := testConfig(t.TempDir())
	writeUnified(t, cfg, generateLines(10, 10))
	ctx := context.Background()

	_, err := Features(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfg.Paths.AnomalyScores, []byte("line_no,invoice_id,anomaly_score\n0,INV000,0.1\n"), 0o644))

	_, err = Validate(ctx, cfg)
	var schemaErr *billing.SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, []string{"is_anomaly", "anomaly_rank"}, schemaErr.Missing)
	assert.NoFileExists(t, cfg.Paths.Validated)
}
