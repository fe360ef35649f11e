// inferer.go loads the decision funnel's model artifacts and runs inference
// on them. Artifacts are JSON files exported by the training pipeline:
// a tabular regime classifier, two sequence classifiers, and the standard
// scalers that normalize the sequence inputs.
package strategy

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// Inferer is the capability the funnel needs from a model artifact. Tabular
// models implement PredictSingle and reject sequences; sequence models do
// the reverse.
type Inferer interface {
	// PredictSingle scores one feature row. For classifiers the result is
	// the predicted class index.
	PredictSingle(features []float64) (float64, error)
	// PredictSequence scores a look-back window of feature rows, oldest
	// first. The result is a sigmoid activation in [0, 1].
	PredictSequence(seq [][]float64) (float64, error)
}

// ModelSet bundles everything the multi-model funnel composes.
type ModelSet struct {
	Regime           *TabularClassifier
	Momentum         *SequenceClassifier
	Volatility       *SequenceClassifier
	MomentumScaler   *Scaler
	VolatilityScaler *Scaler
}

// LoadModels reads all artifacts from dir. Any missing or malformed file is
// an error; the caller treats that as fatal since the funnel cannot run
// partially loaded.
func LoadModels(dir string) (*ModelSet, error) {
	var set ModelSet

	if err := loadArtifact(dir, "regime.json", &set.Regime); err != nil {
		return nil, err
	}
	if err := set.Regime.validate(); err != nil {
		return nil, fmt.Errorf("regime.json: %w", err)
	}

	if err := loadArtifact(dir, "momentum.json", &set.Momentum); err != nil {
		return nil, err
	}
	if err := set.Momentum.validate(); err != nil {
		return nil, fmt.Errorf("momentum.json: %w", err)
	}

	if err := loadArtifact(dir, "volatility.json", &set.Volatility); err != nil {
		return nil, err
	}
	if err := set.Volatility.validate(); err != nil {
		return nil, fmt.Errorf("volatility.json: %w", err)
	}

	if err := loadArtifact(dir, "momentum_scaler.json", &set.MomentumScaler); err != nil {
		return nil, err
	}
	if err := set.MomentumScaler.validate(); err != nil {
		return nil, fmt.Errorf("momentum_scaler.json: %w", err)
	}

	if err := loadArtifact(dir, "volatility_scaler.json", &set.VolatilityScaler); err != nil {
		return nil, err
	}
	if err := set.VolatilityScaler.validate(); err != nil {
		return nil, fmt.Errorf("volatility_scaler.json: %w", err)
	}

	return &set, nil
}

func loadArtifact(dir, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("load model artifact %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse model artifact %s: %w", name, err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Tabular classifier
// ————————————————————————————————————————————————————————————————————————

// TabularClassifier scores one feature row per class with a linear model
// and predicts the argmax class. Features names the columns the model was
// trained on, in order.
type TabularClassifier struct {
	Classes    []string    `json:"classes"`
	Features   []string    `json:"features"`
	Weights    [][]float64 `json:"weights"` // [class][feature]
	Intercepts []float64   `json:"intercepts"`
}

func (m *TabularClassifier) validate() error {
	if len(m.Classes) == 0 {
		return fmt.Errorf("no classes")
	}
	if len(m.Weights) != len(m.Classes) || len(m.Intercepts) != len(m.Classes) {
		return fmt.Errorf("weights/intercepts do not match %d classes", len(m.Classes))
	}
	for i, row := range m.Weights {
		if len(row) != len(m.Features) {
			return fmt.Errorf("class %d has %d weights, want %d", i, len(row), len(m.Features))
		}
	}
	return nil
}

// PredictSingle implements Inferer. The result is the index of the highest
// scoring class.
func (m *TabularClassifier) PredictSingle(features []float64) (float64, error) {
	if len(features) != len(m.Features) {
		return 0, fmt.Errorf("got %d features, want %d", len(features), len(m.Features))
	}

	best := 0
	bestScore := math.Inf(-1)
	for c := range m.Classes {
		score := m.Intercepts[c]
		for f, w := range m.Weights[c] {
			score += w * features[f]
		}
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	return float64(best), nil
}

// PredictSequence implements Inferer.
func (m *TabularClassifier) PredictSequence(seq [][]float64) (float64, error) {
	return 0, fmt.Errorf("tabular classifier cannot score sequences")
}

// Class maps a prediction back to its label.
func (m *TabularClassifier) Class(index float64) (string, error) {
	i := int(index)
	if i < 0 || i >= len(m.Classes) {
		return "", fmt.Errorf("class index %d out of range (%d classes)", i, len(m.Classes))
	}
	return m.Classes[i], nil
}

// ————————————————————————————————————————————————————————————————————————
// Sequence classifier
// ————————————————————————————————————————————————————————————————————————

// SequenceClassifier scores a scaled look-back window with one weight per
// timestep and feature, squashed through a sigmoid.
type SequenceClassifier struct {
	LookBack int         `json:"look_back"`
	Weights  [][]float64 `json:"weights"` // [timestep][feature]
	Bias     float64     `json:"bias"`
}

func (m *SequenceClassifier) validate() error {
	if m.LookBack <= 0 {
		return fmt.Errorf("look_back must be > 0")
	}
	if len(m.Weights) != m.LookBack {
		return fmt.Errorf("have weights for %d timesteps, want %d", len(m.Weights), m.LookBack)
	}
	if len(m.Weights) > 0 && len(m.Weights[0]) == 0 {
		return fmt.Errorf("no feature weights")
	}
	return nil
}

// PredictSingle implements Inferer.
func (m *SequenceClassifier) PredictSingle(features []float64) (float64, error) {
	return 0, fmt.Errorf("sequence classifier cannot score single rows")
}

// PredictSequence implements Inferer.
func (m *SequenceClassifier) PredictSequence(seq [][]float64) (float64, error) {
	if len(seq) != m.LookBack {
		return 0, fmt.Errorf("got %d timesteps, want %d", len(seq), m.LookBack)
	}

	sum := m.Bias
	for t, row := range seq {
		if len(row) != len(m.Weights[t]) {
			return 0, fmt.Errorf("timestep %d has %d features, want %d", t, len(row), len(m.Weights[t]))
		}
		for f, w := range m.Weights[t] {
			sum += w * row[f]
		}
	}
	return sigmoid(sum), nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// ————————————————————————————————————————————————————————————————————————
// Standard scaler
// ————————————————————————————————————————————————————————————————————————

// Scaler normalizes feature columns to zero mean and unit variance using
// the statistics captured at training time. Features names the columns in
// the order the paired sequence model expects them.
type Scaler struct {
	Features []string  `json:"features"`
	Mean     []float64 `json:"mean"`
	Scale    []float64 `json:"scale"`
}

func (s *Scaler) validate() error {
	if len(s.Features) == 0 {
		return fmt.Errorf("no features")
	}
	if len(s.Mean) != len(s.Features) || len(s.Scale) != len(s.Features) {
		return fmt.Errorf("mean/scale do not match %d features", len(s.Features))
	}
	for i, v := range s.Scale {
		if v == 0 {
			return fmt.Errorf("feature %q has zero scale", s.Features[i])
		}
	}
	return nil
}

// Transform scales each row in place order: out[t][f] = (in[t][f] - mean[f]) / scale[f].
func (s *Scaler) Transform(rows [][]float64) ([][]float64, error) {
	out := make([][]float64, len(rows))
	for t, row := range rows {
		if len(row) != len(s.Features) {
			return nil, fmt.Errorf("row %d has %d values, want %d", t, len(row), len(s.Features))
		}
		scaled := make([]float64, len(row))
		for f, v := range row {
			scaled[f] = (v - s.Mean[f]) / s.Scale[f]
		}
		out[t] = scaled
	}
	return out, nil
}
