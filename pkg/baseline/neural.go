package baseline

import (
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hed1ad/leakguard/pkg/billing"
	"github.com/hed1ad/leakguard/pkg/preprocess"
	"github.com/hed1ad/leakguard/pkg/regressors/mlp"
)

// NeuralOptions configures the neural expected-revenue model.
type NeuralOptions struct {
	TestSize  float64
	Seed      int64
	Regressor []mlp.Option
}

// NeuralResult carries the trained network and its full-population estimates.
type NeuralResult struct {
	Model          *mlp.Model
	Estimates      []billing.NeuralEstimate
	MAE            float64
	TrainRows      int
	ValidationRows int
}

// FitNeural standardises the baseline features over the whole population,
// trains a network on a seeded split and estimates every line. MAE is the
// validation error after the last epoch.
func FitNeural(features []billing.FeatureVector, lines []billing.BillingLine, opts NeuralOptions) (*NeuralResult, error) {
	if len(features) == 0 {
		return nil, eris.New("baseline: no feature rows")
	}
	y, err := Targets(features, lines)
	if err != nil {
		return nil, err
	}
	X, err := Matrix(features, FeatureNames)
	if err != nil {
		return nil, err
	}

	var scaler preprocess.StandardScaler
	scaled, err := scaler.FitTransform(X)
	if err != nil {
		return nil, eris.Wrap(err, "baseline: scale")
	}

	train, test := Split(len(scaled), opts.TestSize, opts.Seed)
	Xtrain, ytrain := subset(scaled, y, train)
	Xtest, ytest := subset(scaled, y, test)

	model, err := mlp.New(opts.Regressor...).Fit(Xtrain, ytrain, Xtest, ytest)
	if err != nil {
		return nil, eris.Wrap(err, "baseline: fit neural")
	}
	for epoch, mae := range model.EpochMAE {
		zap.L().Debug("baseline: neural epoch",
			zap.Int("epoch", epoch+1),
			zap.Float64("validation_mae", mae),
		)
	}

	pred, err := model.Predict(scaled)
	if err != nil {
		return nil, eris.Wrap(err, "baseline: predict neural")
	}
	res := &NeuralResult{
		Model:          model,
		Estimates:      make([]billing.NeuralEstimate, len(features)),
		TrainRows:      len(train),
		ValidationRows: len(test),
	}
	if n := len(model.EpochMAE); n > 0 {
		res.MAE = model.EpochMAE[n-1]
	}
	for i, fv := range features {
		res.Estimates[i] = billing.NeuralEstimate{
			LineNo:                fv.LineNo,
			InvoiceID:             fv.InvoiceID,
			BilledAmount:          y[i],
			ExpectedRevenueNeural: pred[i],
			LeakageNeural:         pred[i] - y[i],
		}
	}

	zap.L().Info("baseline: neural model trained",
		zap.Int("train_rows", res.TrainRows),
		zap.Int("validation_rows", res.ValidationRows),
		zap.Int("epochs", len(model.EpochMAE)),
		zap.Float64("mae", res.MAE),
	)
	return res, nil
}
