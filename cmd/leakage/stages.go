package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	csvio "github.com/hed1ad/leakguard/pkg/io/csv"
	"github.com/hed1ad/leakguard/pkg/pipeline"
)

const previewRows = 3

// previewColumns selects what each stage shows of its output.
var previewColumns = map[string][]string{
	pipeline.StageFeatures: {"line_no", "invoice_id", "unit_price", "quantity", "discount_pct", "usage_ratio"},
	pipeline.StageBaseline: {"invoice_id", "billed_amount", "expected_revenue_baseline", "leakage_baseline"},
	pipeline.StageNeural:   {"line_no", "invoice_id", "billed_amount", "expected_revenue_torch", "leakage_torch"},
	pipeline.StageAnomaly:  {"line_no", "invoice_id", "anomaly_score", "is_anomaly", "anomaly_rank"},
	pipeline.StageValidate: {"invoice_id", "anomaly_score_min", "max_rules_triggered", "validated_leakage"},
	pipeline.StageExplain: {
		"invoice_id", "leakage_baseline", "rule_violations",
		"top_attribution_features", "top_attribution_impacts", "explanation_text",
	},
	pipeline.StagePatterns: {"invoice_id", "leakage_baseline", "leakage_cluster_id", "leakage_pattern"},
	pipeline.StageStress:   {"invoice_id", "expected_revenue_baseline", "billed_amount", "synthetic_leakage", "is_synthetic", "detected"},
}

var stageShort = map[string]string{
	pipeline.StageFeatures: "Derive the per-line feature table",
	pipeline.StageBaseline: "Train the expected-revenue baseline and estimate every line",
	pipeline.StageNeural:   "Train the neural expected-revenue model and estimate every line",
	pipeline.StageAnomaly:  "Score every line for anomalousness",
	pipeline.StageValidate: "Apply contract rules and aggregate to validated invoices",
	pipeline.StagePatterns: "Cluster explained leakage into archetypes",
	pipeline.StageStress:   "Inject synthetic leakage and measure detection",
}

func stageCmd(name string, run pipeline.StageFunc) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: stageShort[name],
		RunE: func(cmd *cobra.Command, _ []string) error {
			summary, err := run(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return report(os.Stdout, summary)
		},
	}
}

// report prints the output path, row count, metrics and a short preview.
func report(out io.Writer, s pipeline.StageSummary) error {
	fmt.Fprintf(out, "Wrote: %s\n", s.Output)
	fmt.Fprintf(out, "Rows: %d\n", s.Rows)

	keys := make([]string, 0, len(s.Metrics))
	for k := range s.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "  %s: %.4g\n", k, s.Metrics[k])
	}

	frame, err := csvio.ReadFrame(s.Output)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Sample:")
	formatPreview(out, frame, previewColumns[s.Stage], previewRows)
	return nil
}

// formatPreview writes the first n records of frame, restricted to cols
// when they are present.
func formatPreview(out io.Writer, frame *csvio.Frame, cols []string, n int) {
	var idx []int
	var header []string
	for _, c := range cols {
		if i := frame.Column(c); i >= 0 {
			idx = append(idx, i)
			header = append(header, c)
		}
	}
	if len(idx) == 0 {
		for i, h := range frame.Header {
			idx = append(idx, i)
			header = append(header, h)
		}
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, strings.ToUpper(strings.Join(header, "\t")))
	for _, rec := range frame.Records[:min(n, len(frame.Records))] {
		cells := make([]string, len(idx))
		for j, i := range idx {
			if i < len(rec) {
				cells[j] = truncate(rec[i], 60)
			}
		}
		_, _ = fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func init() {
	for _, st := range pipeline.Stages() {
		if st.Name == pipeline.StageExplain {
			continue
		}
		rootCmd.AddCommand(stageCmd(st.Name, st.Run))
	}
}
