// Package recommend maps a soil sample and the local weather to a crop
// recommendation using the pre-trained classification artifact.
package recommend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/lox/agrilink/internal/classifier"
	"github.com/lox/agrilink/internal/logging"
	"github.com/lox/agrilink/internal/metrics"
	"github.com/lox/agrilink/internal/models"
	"github.com/lox/agrilink/internal/notes"
	"github.com/lox/agrilink/internal/weather"
)

type WeatherSource interface {
	Current(ctx context.Context, lat, lon float64) (*weather.Conditions, error)
}

type Store interface {
	FindCropByName(ctx context.Context, name string) (*models.CropReference, error)
	InsertSoilSample(ctx context.Context, ss *models.SoilSample) error
	SaveRecommendation(ctx context.Context, ss *models.SoilSample, rec *models.Recommendation) error
}

// Input is one recommendation request. Optional values are pointers.
type Input struct {
	UserID       string   `json:"-" validate:"required"`
	LocationName string   `json:"location_name" validate:"max=100"`
	Latitude     *float64 `json:"latitude" validate:"omitempty,gte=-90,lte=90"`
	Longitude    *float64 `json:"longitude" validate:"omitempty,gte=-180,lte=180"`
	Nitrogen     float64  `json:"nitrogen" validate:"gte=0"`
	Phosphorus   float64  `json:"phosphorus" validate:"gte=0"`
	Potassium    float64  `json:"potassium" validate:"gte=0"`
	PH           float64  `json:"ph_level" validate:"gte=0,lte=14"`
	Rainfall     *float64 `json:"rainfall" validate:"omitempty,gte=0"`
	Temperature  *float64 `json:"temperature" validate:"omitempty,gte=-60,lte=60"`
	Humidity     *float64 `json:"humidity" validate:"omitempty,gte=0,lte=100"`
}

type Result struct {
	Sample         models.SoilSample
	Recommendation models.Recommendation
	Crop           models.CropReference
}

// Engine is safe for concurrent use. The artifact is shared read-only.
type Engine struct {
	artifact *classifier.Artifact
	loadErr  error
	weather  WeatherSource
	store    Store
	notes    notes.Writer
	validate *validator.Validate
	log      zerolog.Logger
}

type Option func(*Engine)

// WithNotes replaces the template notes writer. Failures of w fall back to
// notes.Template.
func WithNotes(w notes.Writer) Option {
	return func(e *Engine) { e.notes = w }
}

func NewEngine(artifact *classifier.Artifact, ws WeatherSource, st Store, opts ...Option) *Engine {
	e := &Engine{
		artifact: artifact,
		weather:  ws,
		store:    st,
		notes:    notes.TemplateWriter{},
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      logging.With("recommend"),
	}
	if artifact == nil {
		e.loadErr = errors.New("no artifact")
	}
	for _, o := range opts {
		o(e)
	}
	metrics.ArtifactLoaded.Set(boolGauge(e.artifact != nil))
	return e
}

// NewUnavailable returns an engine that answers every call with
// ErrUnavailable wrapping loadErr.
func NewUnavailable(loadErr error) *Engine {
	e := NewEngine(nil, nil, nil)
	e.loadErr = loadErr
	return e
}

// Available reports whether the artifact loaded. When it did not, the
// returned error is the load failure.
func (e *Engine) Available() (bool, error) {
	if e.artifact == nil {
		return false, e.loadErr
	}
	return true, nil
}

func (e *Engine) Recommend(ctx context.Context, in Input) (*Result, error) {
	res, err := e.recommend(ctx, in)
	if err != nil {
		var re *Error
		if !errors.As(err, &re) {
			re = &Error{Kind: ErrStorage, Err: err}
			err = re
		}
		metrics.RecommendationsTotal.WithLabelValues(re.Code()).Inc()
		ev := e.log.Info()
		if re.Category() == CategoryInternal || re.Category() == CategoryTransient {
			ev = e.log.Warn()
		}
		ev.Err(err).Str("user", in.UserID).Str("code", re.Code()).Int64("soil_sample", re.SoilSampleID).Msg("recommendation failed")
		return nil, err
	}

	metrics.RecommendationsTotal.WithLabelValues("ok").Inc()
	metrics.RecommendationConfidence.Observe(res.Recommendation.Confidence)
	e.log.Info().
		Str("user", in.UserID).
		Str("crop", res.Crop.Name).
		Float64("confidence", res.Recommendation.Confidence).
		Int64("soil_sample", res.Sample.ID).
		Msg("recommendation created")
	return res, nil
}

func (e *Engine) recommend(ctx context.Context, in Input) (*Result, error) {
	if e.artifact == nil {
		return nil, &Error{Kind: ErrUnavailable, Err: e.loadErr}
	}
	if err := e.validate.Struct(in); err != nil {
		return nil, &Error{Kind: ErrInvalidInput, Err: err}
	}

	sample := sampleFromInput(in)
	if in.Temperature == nil || in.Rainfall == nil {
		if in.Latitude == nil || in.Longitude == nil {
			return nil, &Error{Kind: ErrMissingLocation}
		}
		cond, err := e.weather.Current(ctx, *in.Latitude, *in.Longitude)
		if err != nil {
			return nil, weatherError(err)
		}
		fillWeather(&sample, cond)
	}

	features := models.Features{
		Nitrogen:    sample.Nitrogen,
		Phosphorus:  sample.Phosphorus,
		Potassium:   sample.Potassium,
		Temperature: sample.Temperature.Float64,
		Rainfall:    sample.Rainfall.Float64,
		PH:          sample.PH,
	}

	start := time.Now()
	name, confidence, err := e.infer(features)
	metrics.InferenceLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	crop, err := e.store.FindCropByName(ctx, name)
	if err != nil {
		return nil, &Error{Kind: ErrStorage, Err: fmt.Errorf("find crop: %w", err)}
	}
	if crop == nil {
		if err := e.store.InsertSoilSample(ctx, &sample); err != nil {
			return nil, &Error{Kind: ErrStorage, Err: err}
		}
		return nil, &Error{Kind: ErrUnknownCrop, Crop: name, SoilSampleID: sample.ID}
	}

	ni := notes.Input{Crop: *crop, Features: features, Confidence: confidence}
	if sample.Humidity.Valid {
		h := sample.Humidity.Float64
		ni.Humidity = &h
	}
	text, err := e.notes.Write(ctx, ni)
	if err != nil {
		e.log.Warn().Err(err).Msg("notes writer failed, using template")
		text = notes.Template(ni)
	}

	rec := models.Recommendation{
		CropID:     crop.ID,
		CropName:   crop.Name,
		Confidence: confidence,
		Notes:      text,
	}
	if err := e.store.SaveRecommendation(ctx, &sample, &rec); err != nil {
		return nil, &Error{Kind: ErrStorage, Err: err}
	}

	return &Result{Sample: sample, Recommendation: rec, Crop: *crop}, nil
}

// infer scales the features, runs the classifier and decodes the label.
func (e *Engine) infer(f models.Features) (string, float64, error) {
	scaled, err := e.artifact.Scale(f.Vector())
	if err != nil {
		return "", 0, &Error{Kind: ErrScaling, Err: err}
	}
	idx, proba, err := e.artifact.Predict(scaled)
	if err != nil {
		return "", 0, &Error{Kind: ErrInference, Err: err}
	}
	confidence, err := maxProbability(idx, proba)
	if err != nil {
		return "", 0, &Error{Kind: ErrInference, Err: err}
	}
	name, ok := e.artifact.Decode(idx)
	if !ok {
		return "", 0, &Error{Kind: ErrInference, Err: fmt.Errorf("no label for class %d", idx)}
	}
	return strings.TrimSpace(name), confidence, nil
}

func maxProbability(idx int, proba []float64) (float64, error) {
	if len(proba) == 0 {
		return 0, errors.New("empty probability distribution")
	}
	if idx < 0 || idx >= len(proba) {
		return 0, fmt.Errorf("class %d outside distribution of %d", idx, len(proba))
	}
	best := 0.0
	for i, p := range proba {
		if math.IsNaN(p) || p < 0 || p > 1 {
			return 0, fmt.Errorf("probability %v at class %d outside [0,1]", p, i)
		}
		best = math.Max(best, p)
	}
	return best, nil
}

func weatherError(err error) error {
	if errors.Is(err, weather.ErrFormat) {
		return &Error{Kind: ErrWeatherFormat, Err: err}
	}
	return &Error{Kind: ErrWeatherFetch, Err: err}
}

func sampleFromInput(in Input) models.SoilSample {
	ss := models.SoilSample{
		UserID:       in.UserID,
		LocationName: strings.TrimSpace(in.LocationName),
		Nitrogen:     in.Nitrogen,
		Phosphorus:   in.Phosphorus,
		Potassium:    in.Potassium,
		PH:           in.PH,
		Latitude:     nullFloat(in.Latitude),
		Longitude:    nullFloat(in.Longitude),
		Rainfall:     nullFloat(in.Rainfall),
		Temperature:  nullFloat(in.Temperature),
		Humidity:     nullFloat(in.Humidity),
	}
	return ss
}

// fillWeather sets only the values the caller did not supply.
func fillWeather(ss *models.SoilSample, c *weather.Conditions) {
	if !ss.Temperature.Valid {
		ss.Temperature = sql.NullFloat64{Float64: c.Temperature, Valid: true}
	}
	if !ss.Rainfall.Valid {
		ss.Rainfall = sql.NullFloat64{Float64: c.Rainfall, Valid: true}
	}
	if !ss.Humidity.Valid {
		ss.Humidity = sql.NullFloat64{Float64: c.Humidity, Valid: true}
	}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
