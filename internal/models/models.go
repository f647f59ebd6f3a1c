package models

import (
	"database/sql"
	"time"
)

// CropReference is a catalog entry with the optimal growing ranges for a crop.
type CropReference struct {
	ID            int64
	Name          string
	Description   string
	GrowingSeason sql.NullString
	GrowingDays   sql.NullInt64
	AverageYield  sql.NullFloat64 // per acre
	Nitrogen      Range
	Phosphorus    Range
	Potassium     Range
	PH            Range
	Temperature   Range // °C
	Rainfall      Range // mm
	CreatedAt     time.Time
}

// Range is an optimal interval. Either bound may be missing.
type Range struct {
	Min sql.NullFloat64
	Max sql.NullFloat64
}

// Contains reports whether v is inside the range. Missing bounds are open.
func (r Range) Contains(v float64) bool {
	if r.Min.Valid && v < r.Min.Float64 {
		return false
	}
	if r.Max.Valid && v > r.Max.Float64 {
		return false
	}
	return true
}

type SoilSample struct {
	ID           int64
	UserID       string
	LocationName string
	Latitude     sql.NullFloat64
	Longitude    sql.NullFloat64
	Nitrogen     float64
	Phosphorus   float64
	Potassium    float64
	PH           float64
	Rainfall     sql.NullFloat64 // mm
	Temperature  sql.NullFloat64 // °C
	Humidity     sql.NullFloat64 // %
	CreatedAt    time.Time
}

type Recommendation struct {
	ID           int64
	UserID       string
	SoilSampleID int64
	CropID       int64
	CropName     string
	Confidence   float64
	Notes        string
	CreatedAt    time.Time
}

// Features is the classifier input, in the order the model was trained on.
type Features struct {
	Nitrogen    float64
	Phosphorus  float64
	Potassium   float64
	Temperature float64
	Rainfall    float64
	PH          float64
}

const FeatureCount = 6

// Vector returns the features as N, P, K, temperature, rainfall, pH.
func (f Features) Vector() []float64 {
	return []float64{f.Nitrogen, f.Phosphorus, f.Potassium, f.Temperature, f.Rainfall, f.PH}
}

// FeatureNames matches the order of Features.Vector.
var FeatureNames = [FeatureCount]string{"nitrogen", "phosphorus", "potassium", "temperature", "rainfall", "ph"}
