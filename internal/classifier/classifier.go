// Package classifier holds the pre-trained crop classification artifact: a
// fitted feature scaler, a classifier producing a class index and a
// probability distribution, and a label decoder mapping indices to crop
// names.
//
// An Artifact is immutable once built and is safe for concurrent use.
package classifier

import (
	"fmt"
	"math"
)

type Scaler interface {
	Transform(x []float64) ([]float64, error)
}

type Model interface {
	// Predict returns the predicted class index and the probability of
	// every class.
	Predict(x []float64) (int, []float64, error)
}

type Decoder interface {
	Decode(index int) (string, bool)
}

type Artifact struct {
	scaler  Scaler
	model   Model
	decoder Decoder
}

func New(scaler Scaler, model Model, decoder Decoder) *Artifact {
	return &Artifact{scaler: scaler, model: model, decoder: decoder}
}

func (a *Artifact) Scale(x []float64) ([]float64, error) {
	return a.scaler.Transform(x)
}

func (a *Artifact) Predict(scaled []float64) (int, []float64, error) {
	return a.model.Predict(scaled)
}

func (a *Artifact) Decode(index int) (string, bool) {
	return a.decoder.Decode(index)
}

// Labels decodes a class index by position.
type Labels []string

func (l Labels) Decode(index int) (string, bool) {
	if index < 0 || index >= len(l) {
		return "", false
	}
	return l[index], true
}

func checkFinite(v []float64) error {
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("non-finite value at index %d", i)
		}
	}
	return nil
}
