package predict

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/lazypower/tether/internal/config"
)

// Artifact is the versioned JSON model file produced by the trainer.
type Artifact struct {
	Version        string             `json:"version"`
	Kind           string             `json:"kind"` // logistic, trend, heuristic
	Intercept      float64            `json:"intercept,omitempty"`
	Weights        map[string]float64 `json:"weights,omitempty"`
	ThresholdDBm   float64            `json:"threshold_dbm,omitempty"`
	HorizonSeconds float64            `json:"horizon_seconds,omitempty"`
}

// ParseArtifact decodes and validates an artifact.
func ParseArtifact(data []byte) (Model, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if a.Version == "" {
		return nil, fmt.Errorf("artifact has no version")
	}

	switch a.Kind {
	case "logistic":
		if len(a.Weights) == 0 {
			return nil, fmt.Errorf("logistic artifact %s has no weights", a.Version)
		}
		m, err := NewLogistic(a.Version, a.Intercept, a.Weights)
		if err != nil {
			return nil, fmt.Errorf("artifact %s: %w", a.Version, err)
		}
		return m, nil
	case "trend":
		horizon := time.Duration(a.HorizonSeconds * float64(time.Second))
		return NewTrend(a.Version, a.ThresholdDBm, horizon), nil
	case "heuristic":
		h := NewHeuristic(a.ThresholdDBm)
		return &versioned{Model: h, tag: a.Version}, nil
	default:
		return nil, fmt.Errorf("artifact %s: unknown kind %q", a.Version, a.Kind)
	}
}

// LoadArtifact reads a model artifact from disk.
func LoadArtifact(path string) (Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model artifact: %w", err)
	}
	return ParseArtifact(data)
}

// NewModel builds the configured model. An artifact path wins over the
// named built-in; "none" yields no model.
func NewModel(cfg config.PredictConfig) (Model, error) {
	if cfg.ModelPath != "" {
		return LoadArtifact(cfg.ModelPath)
	}
	switch cfg.Model {
	case "", "logistic":
		return DefaultLogistic(), nil
	case "trend":
		return NewTrend("", cfg.FallbackThresholdDBm, cfg.Horizon), nil
	case "heuristic":
		return NewHeuristic(cfg.FallbackThresholdDBm), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown prediction model: %q", cfg.Model)
	}
}

// versioned overrides the version tag of a built-in model.
type versioned struct {
	Model
	tag string
}

func (v *versioned) Version() string { return v.tag }
