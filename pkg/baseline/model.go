package baseline

import (
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/rotisserie/eris"

	"github.com/hed1ad/leakguard/pkg/billing"
	csvio "github.com/hed1ad/leakguard/pkg/io/csv"
	"github.com/hed1ad/leakguard/pkg/regressors/gbt"
)

// SaveModel writes the model to path atomically.
func SaveModel(path string, model *gbt.Model) error {
	var b csvio.Batch
	if err := StageModel(&b, path, model); err != nil {
		return err
	}
	return b.Commit()
}

// StageModel encodes the model into b so it is published with the batch's
// other artifacts.
func StageModel(b *csvio.Batch, path string, model *gbt.Model) error {
	data, err := model.Save()
	if err != nil {
		return eris.Wrap(err, "baseline: encode model")
	}
	return b.Stage(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// LoadModel reads a model written by SaveModel.
func LoadModel(path string) (*gbt.Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &billing.InputMissingError{Path: path}
		}
		return nil, eris.Wrapf(err, "baseline: read model %s", path)
	}
	model, err := gbt.Load(data)
	if err != nil {
		return nil, eris.Wrapf(err, "baseline: decode model %s", path)
	}
	return model, nil
}
