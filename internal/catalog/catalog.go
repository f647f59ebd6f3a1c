// Package catalog parses crop reference seed files.
package catalog

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lox/agrilink/internal/models"
)

//go:embed crops.yaml
var defaultCrops []byte

type bounds struct {
	Min *float64 `yaml:"min"`
	Max *float64 `yaml:"max"`
}

func (b *bounds) toRange() models.Range {
	var r models.Range
	if b == nil {
		return r
	}
	if b.Min != nil {
		r.Min = sql.NullFloat64{Float64: *b.Min, Valid: true}
	}
	if b.Max != nil {
		r.Max = sql.NullFloat64{Float64: *b.Max, Valid: true}
	}
	return r
}

type seedCrop struct {
	Name          string   `yaml:"name"`
	Description   string   `yaml:"description"`
	GrowingSeason string   `yaml:"growing_season"`
	GrowingDays   int      `yaml:"growing_days"`
	AverageYield  *float64 `yaml:"average_yield"`
	Nitrogen      *bounds  `yaml:"nitrogen"`
	Phosphorus    *bounds  `yaml:"phosphorus"`
	Potassium     *bounds  `yaml:"potassium"`
	PH            *bounds  `yaml:"ph"`
	Temperature   *bounds  `yaml:"temperature"`
	Rainfall      *bounds  `yaml:"rainfall"`
}

type seedFile struct {
	Crops []seedCrop `yaml:"crops"`
}

// Default returns the built-in catalog.
func Default() ([]models.CropReference, error) {
	return parse(defaultCrops)
}

// ReadFile parses a YAML seed file.
func ReadFile(path string) ([]models.CropReference, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parse(b)
}

func parse(b []byte) ([]models.CropReference, error) {
	var sf seedFile
	if err := yaml.Unmarshal(b, &sf); err != nil {
		return nil, fmt.Errorf("parse crop catalog: %w", err)
	}
	if len(sf.Crops) == 0 {
		return nil, errors.New("crop catalog is empty")
	}

	seen := make(map[string]bool, len(sf.Crops))
	crops := make([]models.CropReference, 0, len(sf.Crops))
	for i, sc := range sf.Crops {
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			return nil, fmt.Errorf("crop %d: name required", i)
		}
		key := strings.ToLower(name)
		if seen[key] {
			return nil, fmt.Errorf("crop %q listed twice", name)
		}
		seen[key] = true

		c := models.CropReference{
			Name:        name,
			Description: sc.Description,
			Nitrogen:    sc.Nitrogen.toRange(),
			Phosphorus:  sc.Phosphorus.toRange(),
			Potassium:   sc.Potassium.toRange(),
			PH:          sc.PH.toRange(),
			Temperature: sc.Temperature.toRange(),
			Rainfall:    sc.Rainfall.toRange(),
		}
		if sc.GrowingSeason != "" {
			c.GrowingSeason = sql.NullString{String: sc.GrowingSeason, Valid: true}
		}
		if sc.GrowingDays > 0 {
			c.GrowingDays = sql.NullInt64{Int64: int64(sc.GrowingDays), Valid: true}
		}
		if y := sc.AverageYield; y != nil {
			if *y < 0 {
				return nil, fmt.Errorf("crop %q: negative average_yield", name)
			}
			c.AverageYield = sql.NullFloat64{Float64: *y, Valid: true}
		}
		for field, r := range map[string]models.Range{
			"nitrogen": c.Nitrogen, "phosphorus": c.Phosphorus, "potassium": c.Potassium,
			"ph": c.PH, "temperature": c.Temperature, "rainfall": c.Rainfall,
		} {
			if r.Min.Valid && r.Max.Valid && r.Min.Float64 > r.Max.Float64 {
				return nil, fmt.Errorf("crop %q: %s min %.1f exceeds max %.1f", name, field, r.Min.Float64, r.Max.Float64)
			}
		}
		crops = append(crops, c)
	}
	return crops, nil
}
