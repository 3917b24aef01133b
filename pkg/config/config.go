// Package config loads pipeline configuration and initialises logging.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full pipeline configuration.
type Config struct {
	Paths      PathsConfig      `yaml:"paths" mapstructure:"paths"`
	Features   FeaturesConfig   `yaml:"features" mapstructure:"features"`
	Baseline   BaselineConfig   `yaml:"baseline" mapstructure:"baseline"`
	Neural     NeuralConfig     `yaml:"neural" mapstructure:"neural"`
	Anomaly    AnomalyConfig    `yaml:"anomaly" mapstructure:"anomaly"`
	Rules      RulesConfig      `yaml:"rules" mapstructure:"rules"`
	Validation ValidationConfig `yaml:"validation" mapstructure:"validation"`
	Explain    ExplainConfig    `yaml:"explain" mapstructure:"explain"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Patterns   PatternsConfig   `yaml:"patterns" mapstructure:"patterns"`
	Stress     StressConfig     `yaml:"stress" mapstructure:"stress"`
	Ledger     LedgerConfig     `yaml:"ledger" mapstructure:"ledger"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// PathsConfig locates every persisted artifact.
type PathsConfig struct {
	Unified         string `yaml:"unified" mapstructure:"unified"`
	Features        string `yaml:"features" mapstructure:"features"`
	Estimates       string `yaml:"estimates" mapstructure:"estimates"`
	NeuralEstimates string `yaml:"neural_estimates" mapstructure:"neural_estimates"`
	InvoiceBaseline string `yaml:"invoice_baseline" mapstructure:"invoice_baseline"`
	AnomalyScores   string `yaml:"anomaly_scores" mapstructure:"anomaly_scores"`
	ValidationAll   string `yaml:"validation_all" mapstructure:"validation_all"`
	Validated       string `yaml:"validated" mapstructure:"validated"`
	Explained       string `yaml:"explained" mapstructure:"explained"`
	Patterns        string `yaml:"patterns" mapstructure:"patterns"`
	Stress          string `yaml:"stress" mapstructure:"stress"`
	Model           string `yaml:"model" mapstructure:"model"`
}

// FeaturesConfig configures feature derivation.
type FeaturesConfig struct {
	// AsOf anchors invoice_age_days (RFC 3339 or YYYY-MM-DD). Empty means now.
	AsOf string `yaml:"as_of" mapstructure:"as_of"`
}

// BaselineConfig holds the expected-revenue model hyper-parameters.
type BaselineConfig struct {
	Rounds         int     `yaml:"rounds" mapstructure:"rounds"`
	MaxDepth       int     `yaml:"max_depth" mapstructure:"max_depth"`
	LearningRate   float64 `yaml:"learning_rate" mapstructure:"learning_rate"`
	Subsample      float64 `yaml:"subsample" mapstructure:"subsample"`
	Colsample      float64 `yaml:"colsample" mapstructure:"colsample"`
	Lambda         float64 `yaml:"lambda" mapstructure:"lambda"`
	MinChildWeight float64 `yaml:"min_child_weight" mapstructure:"min_child_weight"`
	TestSize       float64 `yaml:"test_size" mapstructure:"test_size"`
	Seed           int64   `yaml:"seed" mapstructure:"seed"`
	Workers        int     `yaml:"workers" mapstructure:"workers"`
}

// NeuralConfig holds the neural expected-revenue model settings.
type NeuralConfig struct {
	Hidden       []int   `yaml:"hidden" mapstructure:"hidden"`
	Epochs       int     `yaml:"epochs" mapstructure:"epochs"`
	BatchSize    int     `yaml:"batch_size" mapstructure:"batch_size"`
	LearningRate float64 `yaml:"learning_rate" mapstructure:"learning_rate"`
	TestSize     float64 `yaml:"test_size" mapstructure:"test_size"`
	Seed         int64   `yaml:"seed" mapstructure:"seed"`
}

// AnomalyConfig holds the isolation forest settings.
type AnomalyConfig struct {
	Trees         int     `yaml:"trees" mapstructure:"trees"`
	SampleSize    int     `yaml:"sample_size" mapstructure:"sample_size"`
	Contamination float64 `yaml:"contamination" mapstructure:"contamination"`
	Seed          int64   `yaml:"seed" mapstructure:"seed"`
	Workers       int     `yaml:"workers" mapstructure:"workers"`
}

// RulesConfig tunes the deterministic rules.
type RulesConfig struct {
	PriceNormFactor float64 `yaml:"price_norm_factor" mapstructure:"price_norm_factor"`
}

// ValidationConfig tunes invoice validation and prioritisation.
type ValidationConfig struct {
	MinRules           int     `yaml:"min_rules" mapstructure:"min_rules"`
	PriorityPercentile float64 `yaml:"priority_percentile" mapstructure:"priority_percentile"`
}

// ExplainConfig configures the explanation stage.
type ExplainConfig struct {
	Mode        string `yaml:"mode" mapstructure:"mode"`
	TopK        int    `yaml:"top_k" mapstructure:"top_k"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxFailures int    `yaml:"max_failures" mapstructure:"max_failures"`
}

// Timeout returns the per-call narrative timeout.
func (c ExplainConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// AnthropicConfig holds the narrative backend credentials and model.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// PatternsConfig configures leakage archetype clustering.
type PatternsConfig struct {
	K        int    `yaml:"k" mapstructure:"k"`
	Restarts int    `yaml:"restarts" mapstructure:"restarts"`
	Seed     int64  `yaml:"seed" mapstructure:"seed"`
	Labeling string `yaml:"labeling" mapstructure:"labeling"`
}

// StressConfig configures synthetic leakage injection.
type StressConfig struct {
	InjectFraction float64 `yaml:"inject_fraction" mapstructure:"inject_fraction"`
	MinLeakagePct  float64 `yaml:"min_leakage_pct" mapstructure:"min_leakage_pct"`
	MaxLeakagePct  float64 `yaml:"max_leakage_pct" mapstructure:"max_leakage_pct"`
	Threshold      float64 `yaml:"threshold" mapstructure:"threshold"`
	Seed           int64   `yaml:"seed" mapstructure:"seed"`
}

// LedgerConfig locates the run ledger. An empty path disables it.
type LedgerConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LEAKAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("anthropic.key", "LEAKAGE_EXPLAIN_API_KEY", "ANTHROPIC_API_KEY"); err != nil {
		return nil, eris.Wrap(err, "config: bind credential")
	}

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Default returns the configuration Load produces with no file or environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paths.unified", "data/processed/billing_unified.csv")
	v.SetDefault("paths.features", "data/processed/billing_features.csv")
	v.SetDefault("paths.estimates", "data/processed/revenue_baseline_estimates.csv")
	v.SetDefault("paths.neural_estimates", "data/processed/revenue_torch_estimates.csv")
	v.SetDefault("paths.invoice_baseline", "data/processed/revenue_baseline_invoice_level.csv")
	v.SetDefault("paths.anomaly_scores", "data/processed/billing_anomaly_scores.csv")
	v.SetDefault("paths.validation_all", "data/processed/invoice_validation_all.csv")
	v.SetDefault("paths.validated", "data/processed/validated_leakage_cases.csv")
	v.SetDefault("paths.explained", "data/processed/explained_leakage_cases.csv")
	v.SetDefault("paths.patterns", "data/processed/leakage_patterns.csv")
	v.SetDefault("paths.stress", "data/processed/level9_stress_test_results.csv")
	v.SetDefault("paths.model", "models/revenue_gbt_baseline.bin")
	v.SetDefault("features.as_of", "")
	v.SetDefault("baseline.rounds", 300)
	v.SetDefault("baseline.max_depth", 6)
	v.SetDefault("baseline.learning_rate", 0.05)
	v.SetDefault("baseline.subsample", 0.8)
	v.SetDefault("baseline.colsample", 0.8)
	v.SetDefault("baseline.lambda", 1.0)
	v.SetDefault("baseline.min_child_weight", 1.0)
	v.SetDefault("baseline.test_size", 0.2)
	v.SetDefault("baseline.seed", 42)
	v.SetDefault("baseline.workers", 8)
	v.SetDefault("neural.hidden", []int{64, 32})
	v.SetDefault("neural.epochs", 40)
	v.SetDefault("neural.batch_size", 128)
	v.SetDefault("neural.learning_rate", 1e-3)
	v.SetDefault("neural.test_size", 0.2)
	v.SetDefault("neural.seed", 42)
	v.SetDefault("anomaly.trees", 200)
	v.SetDefault("anomaly.sample_size", 256)
	v.SetDefault("anomaly.contamination", 0.05)
	v.SetDefault("anomaly.seed", 42)
	v.SetDefault("anomaly.workers", 8)
	v.SetDefault("rules.price_norm_factor", 0.15)
	v.SetDefault("validation.min_rules", 2)
	v.SetDefault("validation.priority_percentile", 0.05)
	v.SetDefault("explain.mode", "template")
	v.SetDefault("explain.top_k", 5)
	v.SetDefault("explain.timeout_secs", 20)
	v.SetDefault("explain.max_failures", 3)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 300)
	v.SetDefault("patterns.k", 3)
	v.SetDefault("patterns.restarts", 10)
	v.SetDefault("patterns.seed", 42)
	v.SetDefault("patterns.labeling", "centroid")
	v.SetDefault("stress.inject_fraction", 0.10)
	v.SetDefault("stress.min_leakage_pct", 0.05)
	v.SetDefault("stress.max_leakage_pct", 0.15)
	v.SetDefault("stress.threshold", 20.0)
	v.SetDefault("stress.seed", 42)
	v.SetDefault("ledger.path", "data/leakage_runs.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate reports every out-of-range setting.
func (c *Config) Validate() error {
	var problems []string
	add := func(s string) { problems = append(problems, s) }

	fraction := func(name string, v float64) {
		if v <= 0 || v >= 1 {
			add(name + " must be in (0, 1)")
		}
	}

	if c.Baseline.Rounds < 1 {
		add("baseline.rounds must be at least 1")
	}
	if c.Baseline.MaxDepth < 1 {
		add("baseline.max_depth must be at least 1")
	}
	if c.Baseline.LearningRate <= 0 {
		add("baseline.learning_rate must be positive")
	}
	if c.Baseline.Subsample <= 0 || c.Baseline.Subsample > 1 {
		add("baseline.subsample must be in (0, 1]")
	}
	if c.Baseline.Colsample <= 0 || c.Baseline.Colsample > 1 {
		add("baseline.colsample must be in (0, 1]")
	}
	if c.Baseline.Lambda < 0 {
		add("baseline.lambda must not be negative")
	}
	fraction("baseline.test_size", c.Baseline.TestSize)

	if c.Neural.Epochs < 1 {
		add("neural.epochs must be at least 1")
	}
	if c.Neural.BatchSize < 1 {
		add("neural.batch_size must be at least 1")
	}
	if c.Neural.LearningRate <= 0 {
		add("neural.learning_rate must be positive")
	}
	for _, w := range c.Neural.Hidden {
		if w < 1 {
			add("neural.hidden widths must be at least 1")
			break
		}
	}
	fraction("neural.test_size", c.Neural.TestSize)

	if c.Anomaly.Trees < 1 {
		add("anomaly.trees must be at least 1")
	}
	fraction("anomaly.contamination", c.Anomaly.Contamination)

	if c.Rules.PriceNormFactor < 0 {
		add("rules.price_norm_factor must not be negative")
	}
	if c.Validation.MinRules < 1 || c.Validation.MinRules > 4 {
		add("validation.min_rules must be between 1 and 4")
	}
	fraction("validation.priority_percentile", c.Validation.PriorityPercentile)

	if c.Explain.Mode != "template" && c.Explain.Mode != "external" {
		add("explain.mode must be template or external")
	}
	if c.Explain.TopK < 1 {
		add("explain.top_k must be at least 1")
	}
	if c.Explain.TimeoutSecs < 1 {
		add("explain.timeout_secs must be at least 1")
	}

	if c.Patterns.K < 1 {
		add("patterns.k must be at least 1")
	}
	if c.Patterns.Labeling != "centroid" && c.Patterns.Labeling != "positional" {
		add("patterns.labeling must be centroid or positional")
	}

	fraction("stress.inject_fraction", c.Stress.InjectFraction)
	if c.Stress.MinLeakagePct < 0 || c.Stress.MaxLeakagePct <= c.Stress.MinLeakagePct {
		add("stress leakage range must satisfy 0 <= min < max")
	}

	if _, err := c.Features.AsOfTime(time.Now()); err != nil {
		add("features.as_of: " + err.Error())
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// AsOfTime resolves the feature reference date, falling back to now.
func (c FeaturesConfig) AsOfTime(now time.Time) (time.Time, error) {
	if c.AsOf == "" {
		return now, nil
	}
	if t, err := time.Parse(time.RFC3339, c.AsOf); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, c.AsOf)
	if err != nil {
		return time.Time{}, eris.Errorf("unparsable date %q", c.AsOf)
	}
	return t, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
