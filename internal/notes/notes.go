// Package notes writes the free-text notes attached to a recommendation.
package notes

import (
	"context"
	"fmt"
	"strings"

	"github.com/lox/agrilink/internal/models"
)

type Input struct {
	Crop       models.CropReference
	Features   models.Features
	Humidity   *float64
	Confidence float64
}

type Writer interface {
	Write(ctx context.Context, in Input) (string, error)
}

// TemplateWriter produces Template output and never fails.
type TemplateWriter struct{}

func (TemplateWriter) Write(_ context.Context, in Input) (string, error) {
	return Template(in), nil
}

// Template is the deterministic summary line followed by a remark for every
// measured value outside the crop's catalog range.
func Template(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Based on your soil parameters, %s is recommended with %.2f confidence.", in.Crop.Name, in.Confidence)

	remarks := RangeRemarks(in.Crop, in.Features)
	if len(remarks) > 0 {
		b.WriteString(" ")
		b.WriteString(strings.Join(remarks, " "))
	}
	return b.String()
}

// RangeRemarks lists each feature that falls outside the crop's optimal range.
func RangeRemarks(crop models.CropReference, f models.Features) []string {
	checks := []struct {
		label string
		value float64
		r     models.Range
	}{
		{"Nitrogen", f.Nitrogen, crop.Nitrogen},
		{"Phosphorus", f.Phosphorus, crop.Phosphorus},
		{"Potassium", f.Potassium, crop.Potassium},
		{"Temperature", f.Temperature, crop.Temperature},
		{"Rainfall", f.Rainfall, crop.Rainfall},
		{"pH", f.PH, crop.PH},
	}

	var remarks []string
	for _, c := range checks {
		if c.r.Contains(c.value) {
			continue
		}
		if c.r.Min.Valid && c.value < c.r.Min.Float64 {
			remarks = append(remarks, fmt.Sprintf("%s %.1f is below the optimal %s.", c.label, c.value, describe(c.r)))
		} else {
			remarks = append(remarks, fmt.Sprintf("%s %.1f is above the optimal %s.", c.label, c.value, describe(c.r)))
		}
	}
	return remarks
}

func describe(r models.Range) string {
	switch {
	case r.Min.Valid && r.Max.Valid:
		return fmt.Sprintf("range %.1f to %.1f", r.Min.Float64, r.Max.Float64)
	case r.Min.Valid:
		return fmt.Sprintf("minimum %.1f", r.Min.Float64)
	default:
		return fmt.Sprintf("maximum %.1f", r.Max.Float64)
	}
}
