package anomaly

import (
	"encoding/json"
	"fmt"
	"os"
)

// modelSchemaVersion is bumped whenever the on-disk layout changes in a way
// that makes old artifacts unreadable.
const modelSchemaVersion = 1

// Model is the versioned, explicit-array ensemble artifact: a standard
// scaler, a PCA projection, and two independent one-class models. Every
// field is a plain float slice loaded straight from JSON — no pickling, no
// arbitrary code execution on load, per the house rule against
// deserializing untrusted model blobs into live objects.
type Model struct {
	Version int `json:"version"`

	// FeatureDim must equal anomaly.FeatureDim; a mismatch is a load error.
	FeatureDim int `json:"feature_dim"`

	// Scaler: standard scaling, one mean/scale pair per feature.
	ScalerMean  []float64 `json:"scaler_mean"`
	ScalerScale []float64 `json:"scaler_scale"`

	// PCA: projection matrix, PCADim rows of FeatureDim columns.
	PCAComponents [][]float64 `json:"pca_components"`
	PCAMean       []float64   `json:"pca_mean"`

	// IsolationForest: a flattened ensemble represented as per-axis split
	// thresholds and depths sufficient to reproduce an anomaly margin
	// without needing real tree traversal structures.
	ForestSplits     [][]float64 `json:"forest_splits"`      // [tree][axis] threshold
	ForestDepthScale float64     `json:"forest_depth_scale"` // normalizes path length to [0,1]

	// OneClassSVM: a linear decision function over the PCA-projected
	// vector, trained offline (kernel already applied during training).
	SVMWeights []float64 `json:"svm_weights"`
	SVMRho     float64   `json:"svm_rho"`

	// Score normalization: training-time min/max margins used to rescale
	// raw model output into [0, 100].
	ForestMargin MinMax `json:"forest_margin_range"`
	SVMMargin    MinMax `json:"svm_margin_range"`

	// AnomalyThreshold is the averaged-score cutoff above which a sample is
	// flagged even when the two models disagree. Configurable, default 60.
	AnomalyThreshold float64 `json:"anomaly_threshold"`
}

// MinMax is a training-time margin range used to rescale a raw score into
// [0, 100].
type MinMax struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// LoadModel reads and validates a Model from path. A version mismatch,
// dimension mismatch, or malformed file is returned as an error; callers
// must treat that as "the detector stays un-fitted", never as fatal.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("anomaly: read model %q: %w", path, err)
	}

	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("anomaly: parse model %q: %w", path, err)
	}

	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("anomaly: invalid model %q: %w", path, err)
	}

	return &m, nil
}

func (m *Model) validate() error {
	if m.Version != modelSchemaVersion {
		return fmt.Errorf("schema version %d, want %d", m.Version, modelSchemaVersion)
	}
	if m.FeatureDim != FeatureDim {
		return fmt.Errorf("feature_dim %d, want %d", m.FeatureDim, FeatureDim)
	}
	if len(m.ScalerMean) != FeatureDim || len(m.ScalerScale) != FeatureDim {
		return fmt.Errorf("scaler arrays must have length %d", FeatureDim)
	}
	if len(m.PCAComponents) == 0 {
		return fmt.Errorf("pca_components must not be empty")
	}
	for i, row := range m.PCAComponents {
		if len(row) != FeatureDim {
			return fmt.Errorf("pca_components[%d] has length %d, want %d", i, len(row), FeatureDim)
		}
	}
	pcaDim := len(m.PCAComponents)
	if len(m.SVMWeights) != pcaDim {
		return fmt.Errorf("svm_weights has length %d, want %d (pca dim)", len(m.SVMWeights), pcaDim)
	}
	for i, row := range m.ForestSplits {
		if len(row) != pcaDim {
			return fmt.Errorf("forest_splits[%d] has length %d, want %d (pca dim)", i, len(row), pcaDim)
		}
	}
	if m.AnomalyThreshold == 0 {
		m.AnomalyThreshold = 60
	}
	return nil
}
