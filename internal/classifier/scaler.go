package classifier

import "fmt"

// StandardScaler computes (x - mean) / scale per feature.
type StandardScaler struct {
	Mean  []float64
	Scale []float64
}

func (s StandardScaler) Transform(x []float64) ([]float64, error) {
	if len(x) != len(s.Mean) {
		return nil, fmt.Errorf("standard scaler: got %d features, fitted on %d", len(x), len(s.Mean))
	}
	if len(s.Scale) != len(s.Mean) {
		return nil, fmt.Errorf("standard scaler: %d scales for %d means", len(s.Scale), len(s.Mean))
	}
	out := make([]float64, len(x))
	for i, v := range x {
		scale := s.Scale[i]
		// Zero-variance features are fitted with scale 1.
		if scale == 0 {
			scale = 1
		}
		out[i] = (v - s.Mean[i]) / scale
	}
	if err := checkFinite(out); err != nil {
		return nil, fmt.Errorf("standard scaler: %w", err)
	}
	return out, nil
}

// MinMaxScaler computes x*scale + min per feature.
type MinMaxScaler struct {
	Min   []float64
	Scale []float64
}

func (s MinMaxScaler) Transform(x []float64) ([]float64, error) {
	if len(x) != len(s.Min) {
		return nil, fmt.Errorf("minmax scaler: got %d features, fitted on %d", len(x), len(s.Min))
	}
	if len(s.Scale) != len(s.Min) {
		return nil, fmt.Errorf("minmax scaler: %d scales for %d mins", len(s.Scale), len(s.Min))
	}
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v*s.Scale[i] + s.Min[i]
	}
	if err := checkFinite(out); err != nil {
		return nil, fmt.Errorf("minmax scaler: %w", err)
	}
	return out, nil
}
