package gbt

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
)

// Model is a trained ensemble. It is immutable after Fit and safe for
// concurrent use.
type Model struct {
	FeatureNames []string
	BaseScore    float64
	Trees        []*Tree
}

// Tree is a binary regression tree stored as a flat node slice; node 0 is the root.
type Tree struct {
	Nodes []Node
}

// Node is a split (Feature >= 0) or a leaf (Feature == -1).
// Value is the leaf weight for leaves and the cover-weighted mean of the
// subtree's leaf weights for splits.
type Node struct {
	Feature   int
	Threshold float64
	Left      int
	Right     int
	Value     float64
	Cover     float64
}

func (t *Tree) leaf(x []float64) *Node {
	n := &t.Nodes[0]
	for n.Feature >= 0 {
		if x[n.Feature] < n.Threshold {
			n = &t.Nodes[n.Left]
		} else {
			n = &t.Nodes[n.Right]
		}
	}
	return n
}

// PredictOne returns the prediction for a single sample.
func (m *Model) PredictOne(x []float64) (float64, error) {
	if len(x) != len(m.FeatureNames) {
		return 0, fmt.Errorf("sample has %d features, want %d", len(x), len(m.FeatureNames))
	}
	out := m.BaseScore
	for _, t := range m.Trees {
		out += t.leaf(x).Value
	}
	return out, nil
}

// Predict returns predictions for the given samples.
func (m *Model) Predict(X [][]float64) ([]float64, error) {
	out := make([]float64, len(X))
	for i, x := range X {
		p, err := m.PredictOne(x)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = p
	}
	return out, nil
}

// Bias is the prediction before any feature is observed: the base score plus
// every tree's root expectation.
func (m *Model) Bias() float64 {
	bias := m.BaseScore
	for _, t := range m.Trees {
		bias += t.Nodes[0].Value
	}
	return bias
}

// Contributions attributes each prediction to the features along its
// decision paths. For every row, the sum of its contributions plus Bias()
// equals the row's prediction.
func (m *Model) Contributions(X [][]float64) ([][]float64, error) {
	out := make([][]float64, len(X))
	for i, x := range X {
		if len(x) != len(m.FeatureNames) {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(x), len(m.FeatureNames))
		}
		contrib := make([]float64, len(m.FeatureNames))
		for _, t := range m.Trees {
			n := &t.Nodes[0]
			for n.Feature >= 0 {
				var child *Node
				if x[n.Feature] < n.Threshold {
					child = &t.Nodes[n.Left]
				} else {
					child = &t.Nodes[n.Right]
				}
				contrib[n.Feature] += child.Value - n.Value
				n = child
			}
		}
		out[i] = contrib
	}
	return out, nil
}

// Save serializes the model.
func (m *Model) Save() ([]byte, error) {
	if len(m.Trees) == 0 {
		return nil, errors.New("model not trained")
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load deserializes a model produced by Save.
func Load(data []byte) (*Model, error) {
	var m Model
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, err
	}
	if len(m.FeatureNames) == 0 {
		return nil, errors.New("model has no feature names")
	}
	for i, t := range m.Trees {
		if t == nil || len(t.Nodes) == 0 {
			return nil, fmt.Errorf("tree %d is empty", i)
		}
	}
	return &m, nil
}
