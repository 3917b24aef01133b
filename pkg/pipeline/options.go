package pipeline

import (
	"time"

	"github.com/hed1ad/leakguard/pkg/baseline"
	"github.com/hed1ad/leakguard/pkg/config"
	"github.com/hed1ad/leakguard/pkg/detectors/iforest"
	"github.com/hed1ad/leakguard/pkg/explain"
	"github.com/hed1ad/leakguard/pkg/features"
	"github.com/hed1ad/leakguard/pkg/patterns"
	"github.com/hed1ad/leakguard/pkg/regressors/gbt"
	"github.com/hed1ad/leakguard/pkg/regressors/mlp"
	"github.com/hed1ad/leakguard/pkg/stress"
	"github.com/hed1ad/leakguard/pkg/validation"
)

func featureOptions(cfg *config.Config) (features.Options, error) {
	asOf, err := cfg.Features.AsOfTime(time.Now())
	if err != nil {
		return features.Options{}, err
	}
	return features.Options{AsOf: asOf}, nil
}

func baselineOptions(cfg *config.Config) baseline.Options {
	b := cfg.Baseline
	return baseline.Options{
		TestSize: b.TestSize,
		Seed:     b.Seed,
		Regressor: []gbt.Option{
			gbt.WithRounds(b.Rounds),
			gbt.WithMaxDepth(b.MaxDepth),
			gbt.WithLearningRate(b.LearningRate),
			gbt.WithSubsample(b.Subsample),
			gbt.WithColsample(b.Colsample),
			gbt.WithLambda(b.Lambda),
			gbt.WithMinChildWeight(b.MinChildWeight),
			gbt.WithSeed(b.Seed),
			gbt.WithWorkers(b.Workers),
		},
	}
}

func neuralOptions(cfg *config.Config) baseline.NeuralOptions {
	n := cfg.Neural
	return baseline.NeuralOptions{
		TestSize: n.TestSize,
		Seed:     n.Seed,
		Regressor: []mlp.Option{
			mlp.WithHidden(n.Hidden...),
			mlp.WithEpochs(n.Epochs),
			mlp.WithBatchSize(n.BatchSize),
			mlp.WithLearningRate(n.LearningRate),
			mlp.WithSeed(n.Seed),
		},
	}
}

func forestOptions(cfg *config.Config) []iforest.Option {
	a := cfg.Anomaly
	return []iforest.Option{
		iforest.WithTrees(a.Trees),
		iforest.WithSampleSize(a.SampleSize),
		iforest.WithContamination(a.Contamination),
		iforest.WithSeed(a.Seed),
		iforest.WithWorkers(a.Workers),
	}
}

func validationOptions(cfg *config.Config) validation.Options {
	return validation.Options{
		MinRules:           cfg.Validation.MinRules,
		PriorityPercentile: cfg.Validation.PriorityPercentile,
	}
}

// Narrator builds the explanation narrator the configuration asks for.
func Narrator(cfg *config.Config) explain.Narrator {
	return explain.NewNarrator(explain.NarratorConfig{
		Mode:        cfg.Explain.Mode,
		APIKey:      cfg.Anthropic.Key,
		Model:       cfg.Anthropic.Model,
		MaxTokens:   cfg.Anthropic.MaxTokens,
		Timeout:     cfg.Explain.Timeout(),
		MaxFailures: cfg.Explain.MaxFailures,
	})
}

func patternOptions(cfg *config.Config) patterns.Options {
	return patterns.Options{
		K:        cfg.Patterns.K,
		Restarts: cfg.Patterns.Restarts,
		Seed:     cfg.Patterns.Seed,
		Labeling: cfg.Patterns.Labeling,
		Workers:  4,
	}
}

func stressOptions(cfg *config.Config) stress.Options {
	s := cfg.Stress
	return stress.Options{
		InjectFraction: s.InjectFraction,
		MinLeakagePct:  s.MinLeakagePct,
		MaxLeakagePct:  s.MaxLeakagePct,
		Threshold:      s.Threshold,
		Seed:           s.Seed,
	}
}
