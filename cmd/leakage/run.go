package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/hed1ad/leakguard/pkg/ledger"
	"github.com/hed1ad/leakguard/pkg/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every stage in order",
	Long:  "Runs features, baseline, baseline-mlp, anomaly, validate, explain, patterns and stress, recording each stage in the run ledger.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		var l *ledger.Ledger
		if noLedger, _ := cmd.Flags().GetBool("no-ledger"); !noLedger && cfg.Ledger.Path != "" {
			var err error
			l, err = openLedger(ctx)
			if err != nil {
				return err
			}
			defer l.Close() //nolint:errcheck
		}

		runID, summaries, err := pipeline.NewRunner(cfg, l).RunAll(ctx)
		formatSummaries(os.Stdout, runID, summaries)
		return err
	},
}

func openLedger(ctx context.Context) (*ledger.Ledger, error) {
	if cfg.Ledger.Path == "" {
		return nil, eris.New("ledger.path is not configured")
	}
	l, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return nil, err
	}
	if err := l.Migrate(ctx); err != nil {
		l.Close() //nolint:errcheck
		return nil, err
	}
	return l, nil
}

// formatSummaries writes one line per completed stage.
func formatSummaries(out io.Writer, runID string, summaries []pipeline.StageSummary) {
	if runID != "" {
		fmt.Fprintf(out, "Run: %s\n", runID)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STAGE\tROWS\tDURATION\tOUTPUT")
	for _, s := range summaries {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", s.Stage, s.Rows, s.Duration.Round(time.Millisecond), s.Output)
	}
	_ = w.Flush()
}

func init() {
	runCmd.Flags().Bool("no-ledger", false, "do not record the run in the ledger")
	rootCmd.AddCommand(runCmd)
}
