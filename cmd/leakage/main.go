package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hed1ad/leakguard/pkg/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "leakage",
	Short: "Revenue leakage detection and validation pipeline",
	Long: "Builds billing features, learns an expected-revenue baseline, scores anomalies, " +
		"validates invoices against contract rules, explains and clusters confirmed leakage, " +
		"and stress-tests the detection threshold.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		if err := c.Validate(); err != nil {
			return err
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
