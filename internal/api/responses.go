package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/lox/agrilink/internal/models"
)

type rangeJSON struct {
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
}

type cropJSON struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	GrowingSeason string     `json:"growing_season,omitempty"`
	GrowingDays   *int64     `json:"growing_days,omitempty"`
	AverageYield  *float64   `json:"average_yield"`
	Nitrogen      rangeJSON  `json:"nitrogen"`
	Phosphorus    rangeJSON  `json:"phosphorus"`
	Potassium     rangeJSON  `json:"potassium"`
	PH            rangeJSON  `json:"ph"`
	Temperature   rangeJSON  `json:"temperature"`
	Rainfall      rangeJSON  `json:"rainfall"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
}

type soilSampleJSON struct {
	ID           int64     `json:"id"`
	LocationName string    `json:"location_name,omitempty"`
	Latitude     *float64  `json:"latitude"`
	Longitude    *float64  `json:"longitude"`
	Nitrogen     float64   `json:"nitrogen"`
	Phosphorus   float64   `json:"phosphorus"`
	Potassium    float64   `json:"potassium"`
	PH           float64   `json:"ph_level"`
	Rainfall     *float64  `json:"rainfall"`
	Temperature  *float64  `json:"temperature"`
	Humidity     *float64  `json:"humidity"`
	CreatedAt    time.Time `json:"created_at"`
}

type recommendationJSON struct {
	ID           int64     `json:"id"`
	SoilSampleID int64     `json:"soil_sample_id"`
	CropID       int64     `json:"crop_id"`
	Crop         string    `json:"crop"`
	Confidence   float64   `json:"confidence_score"`
	Notes        string    `json:"notes"`
	CreatedAt    time.Time `json:"created_at"`
}

type recommendJSON struct {
	Recommendation recommendationJSON `json:"recommendation"`
	SoilSample     soilSampleJSON     `json:"soil_sample"`
	Crop           cropJSON           `json:"crop"`
}

type errorBody struct {
	Code         string `json:"code"`
	Category     string `json:"category,omitempty"`
	Message      string `json:"message"`
	SoilSampleID int64  `json:"soil_sample_id,omitempty"`
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func toRange(r models.Range) rangeJSON {
	return rangeJSON{Min: nullable(r.Min), Max: nullable(r.Max)}
}

func toCrop(c models.CropReference) cropJSON {
	out := cropJSON{
		ID:            c.ID,
		Name:          c.Name,
		Description:   c.Description,
		GrowingSeason: c.GrowingSeason.String,
		Nitrogen:      toRange(c.Nitrogen),
		Phosphorus:    toRange(c.Phosphorus),
		Potassium:     toRange(c.Potassium),
		PH:            toRange(c.PH),
		Temperature:   toRange(c.Temperature),
		Rainfall:      toRange(c.Rainfall),
		AverageYield:  nullable(c.AverageYield),
	}
	if c.GrowingDays.Valid {
		d := c.GrowingDays.Int64
		out.GrowingDays = &d
	}
	if !c.CreatedAt.IsZero() {
		t := c.CreatedAt
		out.CreatedAt = &t
	}
	return out
}

func toSoilSample(ss models.SoilSample) soilSampleJSON {
	return soilSampleJSON{
		ID:           ss.ID,
		LocationName: ss.LocationName,
		Latitude:     nullable(ss.Latitude),
		Longitude:    nullable(ss.Longitude),
		Nitrogen:     ss.Nitrogen,
		Phosphorus:   ss.Phosphorus,
		Potassium:    ss.Potassium,
		PH:           ss.PH,
		Rainfall:     nullable(ss.Rainfall),
		Temperature:  nullable(ss.Temperature),
		Humidity:     nullable(ss.Humidity),
		CreatedAt:    ss.CreatedAt,
	}
}

func toRecommendation(r models.Recommendation) recommendationJSON {
	return recommendationJSON{
		ID:           r.ID,
		SoilSampleID: r.SoilSampleID,
		CropID:       r.CropID,
		Crop:         r.CropName,
		Confidence:   r.Confidence,
		Notes:        r.Notes,
		CreatedAt:    r.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, map[string]errorBody{"error": body})
}
