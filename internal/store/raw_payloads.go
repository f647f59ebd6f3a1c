package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// WeatherPayload is a stored weather provider response body.
type WeatherPayload struct {
	ID                int64
	FetchedAt         time.Time
	Source            string
	Endpoint          string
	LocationID        sql.NullString
	HTTPStatus        int
	PayloadCompressed []byte
	PayloadHash       string
}

// RecordWeatherPayload satisfies weather.PayloadRecorder.
func (s *Store) RecordWeatherPayload(ctx context.Context, source, endpoint, locationID string, status int, body []byte) error {
	_, err := s.StoreWeatherPayload(ctx, source, endpoint, locationID, status, body)
	return err
}

// StoreWeatherPayload gzips and stores a response body.
// Returns the payload ID, or 0 if an identical body was already stored.
func (s *Store) StoreWeatherPayload(ctx context.Context, source, endpoint, locationID string, status int, payload []byte) (int64, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return 0, fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("close gzip: %w", err)
	}

	hash := sha256.Sum256(payload)
	hashHex := hex.EncodeToString(hash[:])

	var loc sql.NullString
	if locationID != "" {
		loc = sql.NullString{String: locationID, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO weather_payloads
		(fetched_at, source, endpoint, location_id, http_status, payload_compressed, payload_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(payload_hash) DO NOTHING
	`, time.Now().UTC(), source, endpoint, loc, status, buf.Bytes(), hashHex)
	if err != nil {
		return 0, fmt.Errorf("insert weather payload: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return result.LastInsertId()
}

// GetWeatherPayload returns the decompressed body for id.
func (s *Store) GetWeatherPayload(ctx context.Context, id int64) ([]byte, error) {
	var compressed []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload_compressed FROM weather_payloads WHERE id = ?`, id).
		Scan(&compressed)
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer gz.Close()

	return io.ReadAll(gz)
}

// CleanupOldWeatherPayloads deletes payloads older than retentionDays and
// returns how many were removed.
func (s *Store) CleanupOldWeatherPayloads(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	result, err := s.db.ExecContext(ctx, `DELETE FROM weather_payloads WHERE fetched_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
