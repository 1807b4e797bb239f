package scoring

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// LinearModel is a minimal logistic-regression-style scorer: a positive-
// class probability is produced by a sigmoid over a weighted sum of named
// features. It exists because no ML inference library appears anywhere in
// the reference corpus this project is grounded on (see DESIGN.md); it is
// intentionally the one part of the scoring pipeline with no stdlib
// alternative to prefer over. Any real inference backend can be swapped in
// by implementing the same Model interface.
type LinearModel struct {
	Bias    float64            `json:"bias"`
	Weights map[string]float64 `json:"weights"`
	// Scale optionally rescales named features before applying weights,
	// mirroring a fitted StandardScaler's per-feature mean/std.
	Scale map[string]FeatureScale `json:"scale,omitempty"`
	// FeatureOrder documents the model's declared feature order; entries
	// missing from the input map default to 0 (spec.md §4.3 step 1).
	FeatureOrder []string `json:"feature_order,omitempty"`
}

// FeatureScale holds a per-feature mean/std pair for z-score normalization.
type FeatureScale struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// LoadLinearModel reads model weights from a JSON file at path. An empty
// path or a load error yields (nil, err); callers should treat any error
// as "no model configured" and use the rule-based fallback.
func LoadLinearModel(path string) (*LinearModel, error) {
	if path == "" {
		return nil, fmt.Errorf("scoring: no model path configured")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scoring: reading model file: %w", err)
	}
	var m LinearModel
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("scoring: parsing model file: %w", err)
	}
	if len(m.Weights) == 0 {
		return nil, fmt.Errorf("scoring: model file has no weights")
	}
	return &m, nil
}

// Predict implements Model. Missing feature names default to 0 per
// spec.md §4.3 step 1; the output is a sigmoid, always in (0,1).
func (m *LinearModel) Predict(named map[string]float64) (float64, error) {
	if m == nil || len(m.Weights) == 0 {
		return 0, fmt.Errorf("scoring: model not loaded")
	}

	z := m.Bias
	for name, weight := range m.Weights {
		v := named[name] // zero value if absent
		if scale, ok := m.Scale[name]; ok && scale.Std != 0 {
			v = (v - scale.Mean) / scale.Std
		}
		z += weight * v
	}

	p := 1 / (1 + math.Exp(-z))
	if math.IsNaN(p) {
		return 0, fmt.Errorf("scoring: model produced NaN output")
	}
	return p, nil
}
