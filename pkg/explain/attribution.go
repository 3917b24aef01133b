package explain

import (
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/hed1ad/leakguard/pkg/billing"
	csvio "github.com/hed1ad/leakguard/pkg/io/csv"
	"github.com/hed1ad/leakguard/pkg/regressors/gbt"
)

// Align builds the model input matrix from an untyped feature table. Every
// model feature is coerced to a number (unparsable or empty cells become 0)
// and columns follow names. Absent columns fail with a SchemaError.
func Align(frame *csvio.Frame, names []string) ([][]float64, []string, error) {
	idCol := frame.Column("invoice_id")
	if idCol < 0 {
		return nil, nil, &billing.SchemaError{Artifact: "feature table", Missing: []string{"invoice_id"}}
	}

	cols := make([]int, len(names))
	var missing []string
	for j, name := range names {
		cols[j] = frame.Column(name)
		if cols[j] < 0 {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, nil, &billing.SchemaError{Artifact: "feature table", Missing: missing}
	}

	X := make([][]float64, len(frame.Records))
	ids := make([]string, len(frame.Records))
	for i, rec := range frame.Records {
		if idCol < len(rec) {
			ids[i] = strings.TrimSpace(rec[idCol])
		}
		row := make([]float64, len(cols))
		for j, c := range cols {
			if c < len(rec) {
				row[j] = coerce(rec[c])
			}
		}
		X[i] = row
	}
	return X, ids, nil
}

func coerce(cell string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// FeatureFrame renders feature vectors as an untyped table, so in-memory
// runs align features the same way file-backed runs do.
func FeatureFrame(vectors []billing.FeatureVector) *csvio.Frame {
	frame := &csvio.Frame{Header: slices.Clone(billing.FeatureTableColumns)}
	for _, fv := range vectors {
		rec := make([]string, 0, len(billing.FeatureTableColumns))
		rec = append(rec, strconv.Itoa(fv.LineNo), fv.InvoiceID)
		for _, v := range fv.Values() {
			rec = append(rec, strconv.FormatFloat(v, 'g', -1, 64))
		}
		frame.Records = append(frame.Records, rec)
	}
	return frame
}

// Attribute returns per-line feature attributions for X. For every row the
// attributions plus model.Bias() sum to the model's prediction.
func Attribute(model *gbt.Model, X [][]float64) ([][]float64, error) {
	contrib, err := model.Contributions(X)
	if err != nil {
		return nil, eris.Wrap(err, "explain: attributions")
	}
	if len(contrib) != len(X) {
		return nil, &billing.RowMismatchError{What: "attributions and feature matrix", Want: len(X), Got: len(contrib)}
	}
	return contrib, nil
}

// Drivers are the strongest mean attributions of one invoice.
type Drivers struct {
	InvoiceID string
	// Features is the pipe-joined driver names, strongest first.
	Features string
	// Impacts is the pipe-joined signed mean attributions, parallel to Features.
	Impacts string
}

// TopDrivers averages attributions per invoice and keeps the k features with
// the largest absolute mean, ties broken by feature order.
func TopDrivers(contrib [][]float64, invoiceIDs, names []string, k int) ([]Drivers, error) {
	if len(contrib) != len(invoiceIDs) {
		return nil, &billing.RowMismatchError{What: "attributions and invoice ids", Want: len(invoiceIDs), Got: len(contrib)}
	}

	var order []string
	sums := make(map[string][]float64)
	counts := make(map[string]int)
	for i, id := range invoiceIDs {
		s, ok := sums[id]
		if !ok {
			s = make([]float64, len(names))
			sums[id] = s
			order = append(order, id)
		}
		for j, v := range contrib[i] {
			s[j] += v
		}
		counts[id]++
	}

	k = min(k, len(names))
	out := make([]Drivers, len(order))
	for i, id := range order {
		mean := sums[id]
		n := float64(counts[id])
		for j := range mean {
			mean[j] /= n
		}

		idx := make([]int, len(names))
		for j := range idx {
			idx[j] = j
		}
		sort.SliceStable(idx, func(a, b int) bool { return math.Abs(mean[idx[a]]) > math.Abs(mean[idx[b]]) })

		feats := make([]string, k)
		impacts := make([]string, k)
		for r, j := range idx[:k] {
			feats[r] = names[j]
			impacts[r] = strconv.FormatFloat(mean[j], 'f', 6, 64)
		}
		out[i] = Drivers{
			InvoiceID: id,
			Features:  strings.Join(feats, "|"),
			Impacts:   strings.Join(impacts, "|"),
		}
	}
	return out, nil
}
