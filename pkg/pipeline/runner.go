package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hed1ad/leakguard/pkg/config"
	"github.com/hed1ad/leakguard/pkg/ledger"
)

// Runner executes the file-backed stages in order.
type Runner struct {
	cfg    *config.Config
	ledger *ledger.Ledger
	stages []Stage
}

// NewRunner returns a Runner. A nil ledger disables run recording.
func NewRunner(cfg *config.Config, l *ledger.Ledger) *Runner {
	return &Runner{cfg: cfg, ledger: l, stages: Stages()}
}

// RunAll runs every stage, stopping at the first failure. Each completed
// stage is recorded in the ledger along with the run's final status.
func (r *Runner) RunAll(ctx context.Context) (runID string, summaries []StageSummary, err error) {
	if r.ledger != nil {
		run, err := r.ledger.StartRun(ctx)
		if err != nil {
			return "", nil, err
		}
		runID = run.ID
		defer func() {
			if ferr := r.ledger.FinishRun(context.WithoutCancel(ctx), runID, err); ferr != nil {
				zap.L().Warn("pipeline: failed to finish ledger run", zap.String("run_id", runID), zap.Error(ferr))
			}
		}()
	}

	for _, st := range r.stages {
		if err := ctx.Err(); err != nil {
			return runID, summaries, eris.Wrapf(err, "pipeline: before stage %s", st.Name)
		}

		summary, err := st.Run(ctx, r.cfg)
		if err != nil {
			return runID, summaries, eris.Wrapf(err, "pipeline: stage %s", st.Name)
		}
		summaries = append(summaries, summary)

		if r.ledger != nil {
			_, err := r.ledger.RecordStage(ctx, ledger.Stage{
				RunID:      runID,
				Name:       summary.Stage,
				Rows:       summary.Rows,
				Output:     summary.Output,
				Metrics:    summary.Metrics,
				DurationMS: summary.Duration.Milliseconds(),
			})
			if err != nil {
				return runID, summaries, err
			}
		}
	}

	zap.L().Info("pipeline: all stages complete", zap.String("run_id", runID), zap.Int("stages", len(summaries)))
	return runID, summaries, nil
}
