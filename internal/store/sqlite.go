package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lox/agrilink/internal/models"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const cropColumns = `id, name, description, growing_season, growing_days,
	min_nitrogen, max_nitrogen, min_phosphorus, max_phosphorus, min_potassium, max_potassium,
	min_ph, max_ph, min_temperature, max_temperature, min_rainfall, max_rainfall, average_yield, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanCrop(row scanner) (*models.CropReference, error) {
	var c models.CropReference
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.GrowingSeason, &c.GrowingDays,
		&c.Nitrogen.Min, &c.Nitrogen.Max, &c.Phosphorus.Min, &c.Phosphorus.Max, &c.Potassium.Min, &c.Potassium.Max,
		&c.PH.Min, &c.PH.Max, &c.Temperature.Min, &c.Temperature.Max, &c.Rainfall.Min, &c.Rainfall.Max, &c.AverageYield, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertCrop inserts a catalog entry or refreshes the one with the same
// (case-insensitive) name. The stored ID is written back to c.
func (s *Store) UpsertCrop(ctx context.Context, c *models.CropReference) error {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return errors.New("crop name required")
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO crops (name, description, growing_season, growing_days,
			min_nitrogen, max_nitrogen, min_phosphorus, max_phosphorus, min_potassium, max_potassium,
			min_ph, max_ph, min_temperature, max_temperature, min_rainfall, max_rainfall, average_yield, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			growing_season = excluded.growing_season,
			growing_days = excluded.growing_days,
			min_nitrogen = excluded.min_nitrogen,
			max_nitrogen = excluded.max_nitrogen,
			min_phosphorus = excluded.min_phosphorus,
			max_phosphorus = excluded.max_phosphorus,
			min_potassium = excluded.min_potassium,
			max_potassium = excluded.max_potassium,
			min_ph = excluded.min_ph,
			max_ph = excluded.max_ph,
			min_temperature = excluded.min_temperature,
			max_temperature = excluded.max_temperature,
			min_rainfall = excluded.min_rainfall,
			max_rainfall = excluded.max_rainfall,
			average_yield = excluded.average_yield
		RETURNING id
	`, name, c.Description, c.GrowingSeason, c.GrowingDays,
		c.Nitrogen.Min, c.Nitrogen.Max, c.Phosphorus.Min, c.Phosphorus.Max, c.Potassium.Min, c.Potassium.Max,
		c.PH.Min, c.PH.Max, c.Temperature.Min, c.Temperature.Max, c.Rainfall.Min, c.Rainfall.Max,
		c.AverageYield, time.Now().UTC()).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("upsert crop %q: %w", name, err)
	}
	c.Name = name
	return nil
}

func (s *Store) ListCrops(ctx context.Context) ([]models.CropReference, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cropColumns+` FROM crops ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var crops []models.CropReference
	for rows.Next() {
		c, err := scanCrop(rows)
		if err != nil {
			return nil, err
		}
		crops = append(crops, *c)
	}
	return crops, rows.Err()
}

// GetCrop returns nil if no crop has the given ID.
func (s *Store) GetCrop(ctx context.Context, id int64) (*models.CropReference, error) {
	c, err := scanCrop(s.db.QueryRowContext(ctx, `SELECT `+cropColumns+` FROM crops WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// FindCropByName matches the name exactly, ignoring case and surrounding
// whitespace. Returns nil if the catalog has no such crop.
func (s *Store) FindCropByName(ctx context.Context, name string) (*models.CropReference, error) {
	c, err := scanCrop(s.db.QueryRowContext(ctx,
		`SELECT `+cropColumns+` FROM crops WHERE name = ? COLLATE NOCASE`, strings.TrimSpace(name)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

const sampleColumns = `id, user_id, location_name, latitude, longitude, nitrogen, phosphorus, potassium,
	ph_level, rainfall, temperature, humidity, created_at`

func scanSample(row scanner) (*models.SoilSample, error) {
	var ss models.SoilSample
	err := row.Scan(&ss.ID, &ss.UserID, &ss.LocationName, &ss.Latitude, &ss.Longitude,
		&ss.Nitrogen, &ss.Phosphorus, &ss.Potassium, &ss.PH, &ss.Rainfall, &ss.Temperature, &ss.Humidity, &ss.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &ss, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSample(ctx context.Context, ex execer, ss *models.SoilSample) error {
	if ss.CreatedAt.IsZero() {
		ss.CreatedAt = time.Now().UTC()
	}
	res, err := ex.ExecContext(ctx, `
		INSERT INTO soil_samples (user_id, location_name, latitude, longitude, nitrogen, phosphorus, potassium,
			ph_level, rainfall, temperature, humidity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ss.UserID, ss.LocationName, ss.Latitude, ss.Longitude, ss.Nitrogen, ss.Phosphorus, ss.Potassium,
		ss.PH, ss.Rainfall, ss.Temperature, ss.Humidity, ss.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert soil sample: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	ss.ID = id
	return nil
}

// InsertSoilSample stores a sample on its own and sets its ID.
func (s *Store) InsertSoilSample(ctx context.Context, ss *models.SoilSample) error {
	return insertSample(ctx, s.db, ss)
}

// SaveRecommendation stores a sample and its recommendation in one transaction.
// Both IDs are written back.
func (s *Store) SaveRecommendation(ctx context.Context, ss *models.SoilSample, rec *models.Recommendation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertSample(ctx, tx, ss); err != nil {
		return err
	}

	rec.SoilSampleID = ss.ID
	rec.UserID = ss.UserID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = ss.CreatedAt
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO recommendations (user_id, soil_sample_id, crop_id, confidence_score, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.UserID, rec.SoilSampleID, rec.CropID, rec.Confidence, rec.Notes, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert recommendation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit recommendation: %w", err)
	}
	rec.ID = id
	return nil
}

// GetSoilSample returns the sample only if it belongs to userID, else nil.
func (s *Store) GetSoilSample(ctx context.Context, userID string, id int64) (*models.SoilSample, error) {
	ss, err := scanSample(s.db.QueryRowContext(ctx,
		`SELECT `+sampleColumns+` FROM soil_samples WHERE id = ? AND user_id = ?`, id, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ss, err
}

// ListSoilSamples returns the user's samples, newest first.
func (s *Store) ListSoilSamples(ctx context.Context, userID string, limit int) ([]models.SoilSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sampleColumns+`
		FROM soil_samples
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []models.SoilSample
	for rows.Next() {
		ss, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, *ss)
	}
	return samples, rows.Err()
}

// ListRecommendations returns the user's recommendations, newest first.
func (s *Store) ListRecommendations(ctx context.Context, userID string, limit int) ([]models.Recommendation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.user_id, r.soil_sample_id, r.crop_id, c.name, r.confidence_score, r.notes, r.created_at
		FROM recommendations r
		JOIN crops c ON c.id = r.crop_id
		WHERE r.user_id = ?
		ORDER BY r.created_at DESC, r.id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []models.Recommendation
	for rows.Next() {
		var r models.Recommendation
		if err := rows.Scan(&r.ID, &r.UserID, &r.SoilSampleID, &r.CropID, &r.CropName, &r.Confidence, &r.Notes, &r.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// RecommendationForSample returns nil if the sample has no recommendation.
func (s *Store) RecommendationForSample(ctx context.Context, sampleID int64) (*models.Recommendation, error) {
	var r models.Recommendation
	err := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.user_id, r.soil_sample_id, r.crop_id, c.name, r.confidence_score, r.notes, r.created_at
		FROM recommendations r
		JOIN crops c ON c.id = r.crop_id
		WHERE r.soil_sample_id = ?
	`, sampleID).Scan(&r.ID, &r.UserID, &r.SoilSampleID, &r.CropID, &r.CropName, &r.Confidence, &r.Notes, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Counts is used by the health endpoint.
type Counts struct {
	Crops           int
	SoilSamples     int
	Recommendations int
}

func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM crops),
			(SELECT COUNT(*) FROM soil_samples),
			(SELECT COUNT(*) FROM recommendations)
	`).Scan(&c.Crops, &c.SoilSamples, &c.Recommendations)
	return c, err
}
