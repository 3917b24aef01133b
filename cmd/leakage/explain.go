package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/hed1ad/leakguard/pkg/explain"
	"github.com/hed1ad/leakguard/pkg/pipeline"
)

var explainCmd = &cobra.Command{
	Use:   "explain",
	Short: "Attribute and narrate validated leakage invoices",
	Long: "Joins validated invoices with the invoice baseline, attributes each invoice's expected " +
		"revenue to its strongest features and writes an explanation per invoice. The external " +
		"mode uses the Anthropic API when a credential is configured and falls back to the " +
		"deterministic template on any failure.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		flags := cmd.Flags()
		for _, o := range []struct {
			flag string
			dst  *string
		}{
			{"validated", &cfg.Paths.Validated},
			{"baseline", &cfg.Paths.InvoiceBaseline},
			{"features", &cfg.Paths.Features},
			{"model", &cfg.Paths.Model},
			{"out", &cfg.Paths.Explained},
		} {
			if flags.Changed(o.flag) {
				*o.dst, _ = flags.GetString(o.flag)
			}
		}
		if flags.Changed("top-k") {
			cfg.Explain.TopK, _ = flags.GetInt("top-k")
			if cfg.Explain.TopK < 1 {
				return eris.New("--top-k must be at least 1")
			}
		}
		if flags.Changed("mode") {
			mode, _ := flags.GetString("mode")
			if mode != explain.ModeTemplate && mode != explain.ModeExternal {
				return eris.Errorf("--mode must be %s or %s, got %q", explain.ModeTemplate, explain.ModeExternal, mode)
			}
			cfg.Explain.Mode = mode
		}

		summary, err := pipeline.Explain(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		return report(os.Stdout, summary)
	},
}

func init() {
	explainCmd.Flags().String("validated", "", "validated invoices CSV (default from config)")
	explainCmd.Flags().String("baseline", "", "invoice-level baseline CSV (default from config)")
	explainCmd.Flags().String("features", "", "feature table CSV (default from config)")
	explainCmd.Flags().String("model", "", "trained baseline model (default from config)")
	explainCmd.Flags().String("out", "", "explained invoices output CSV (default from config)")
	explainCmd.Flags().Int("top-k", explain.DefaultTopK, "attribution drivers kept per invoice")
	explainCmd.Flags().String("mode", explain.ModeTemplate, "explanation mode: template or external")
	rootCmd.AddCommand(explainCmd)
}
