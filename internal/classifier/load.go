package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lox/agrilink/internal/models"
)

// Fixed file names inside an artifact directory.
const (
	ScalerFile = "scaler.json"
	ModelFile  = "model.json"
	LabelsFile = "labels.json"
)

// LoadError reports an artifact that is missing, unreadable or inconsistent.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load artifact %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

type scalerFile struct {
	Kind  string    `json:"kind"`
	Mean  []float64 `json:"mean"`
	Min   []float64 `json:"min"`
	Scale []float64 `json:"scale"`
}

type modelFile struct {
	Kind      string      `json:"kind"`
	Coef      [][]float64 `json:"coef"`
	Intercept []float64   `json:"intercept"`
	K         int         `json:"k"`
	Points    [][]float64 `json:"points"`
	Classes   []int       `json:"classes"`
}

// Load reads scaler.json, model.json and labels.json from dir and checks
// that they agree with each other and with the six-feature input.
func Load(dir string) (*Artifact, error) {
	var labels Labels
	if err := readJSON(dir, LabelsFile, &labels); err != nil {
		return nil, err
	}
	if err := validateLabels(labels); err != nil {
		return nil, &LoadError{File: LabelsFile, Err: err}
	}

	var sf scalerFile
	if err := readJSON(dir, ScalerFile, &sf); err != nil {
		return nil, err
	}
	scaler, err := buildScaler(sf)
	if err != nil {
		return nil, &LoadError{File: ScalerFile, Err: err}
	}

	var mf modelFile
	if err := readJSON(dir, ModelFile, &mf); err != nil {
		return nil, err
	}
	model, err := buildModel(mf, len(labels))
	if err != nil {
		return nil, &LoadError{File: ModelFile, Err: err}
	}

	return New(scaler, model, labels), nil
}

func readJSON(dir, name string, v any) error {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return &LoadError{File: name, Err: err}
	}
	if err := json.Unmarshal(b, v); err != nil {
		return &LoadError{File: name, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

func validateLabels(labels Labels) error {
	if len(labels) < 2 {
		return fmt.Errorf("need at least 2 labels, got %d", len(labels))
	}
	for i, l := range labels {
		if strings.TrimSpace(l) == "" {
			return fmt.Errorf("label %d is blank", i)
		}
	}
	return nil
}

func buildScaler(sf scalerFile) (Scaler, error) {
	switch sf.Kind {
	case "standard":
		if len(sf.Mean) != models.FeatureCount || len(sf.Scale) != models.FeatureCount {
			return nil, fmt.Errorf("standard scaler needs %d means and scales, got %d and %d",
				models.FeatureCount, len(sf.Mean), len(sf.Scale))
		}
		return StandardScaler{Mean: sf.Mean, Scale: sf.Scale}, nil
	case "minmax":
		if len(sf.Min) != models.FeatureCount || len(sf.Scale) != models.FeatureCount {
			return nil, fmt.Errorf("minmax scaler needs %d mins and scales, got %d and %d",
				models.FeatureCount, len(sf.Min), len(sf.Scale))
		}
		return MinMaxScaler{Min: sf.Min, Scale: sf.Scale}, nil
	}
	return nil, fmt.Errorf("unknown scaler kind %q", sf.Kind)
}

func buildModel(mf modelFile, nLabels int) (Model, error) {
	switch mf.Kind {
	case "logistic":
		rows := len(mf.Coef)
		if rows != nLabels && !(rows == 1 && nLabels == 2) {
			return nil, fmt.Errorf("logistic has %d coefficient rows for %d labels", rows, nLabels)
		}
		if len(mf.Intercept) != rows {
			return nil, fmt.Errorf("logistic has %d intercepts for %d rows", len(mf.Intercept), rows)
		}
		for i, row := range mf.Coef {
			if len(row) != models.FeatureCount {
				return nil, fmt.Errorf("coefficient row %d has %d features, want %d", i, len(row), models.FeatureCount)
			}
		}
		return Logistic{Coef: mf.Coef, Intercept: mf.Intercept}, nil

	case "knn":
		if len(mf.Points) == 0 {
			return nil, errors.New("knn has no points")
		}
		if len(mf.Classes) != len(mf.Points) {
			return nil, fmt.Errorf("knn has %d classes for %d points", len(mf.Classes), len(mf.Points))
		}
		if mf.K < 1 || mf.K > len(mf.Points) {
			return nil, fmt.Errorf("knn k=%d out of range [1,%d]", mf.K, len(mf.Points))
		}
		for i, p := range mf.Points {
			if len(p) != models.FeatureCount {
				return nil, fmt.Errorf("point %d has %d features, want %d", i, len(p), models.FeatureCount)
			}
			if c := mf.Classes[i]; c < 0 || c >= nLabels {
				return nil, fmt.Errorf("point %d has class %d outside %d labels", i, c, nLabels)
			}
		}
		return KNN{K: mf.K, Points: mf.Points, Classes: mf.Classes, NClasses: nLabels}, nil
	}
	return nil, fmt.Errorf("unknown model kind %q", mf.Kind)
}
