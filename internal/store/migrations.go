package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/agrilink/internal/logging"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS crops (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE COLLATE NOCASE,
    description TEXT NOT NULL DEFAULT '',
    growing_season TEXT,
    growing_days INTEGER,
    min_nitrogen REAL,
    max_nitrogen REAL,
    min_phosphorus REAL,
    max_phosphorus REAL,
    min_potassium REAL,
    max_potassium REAL,
    min_ph REAL,
    max_ph REAL,
    min_temperature REAL,
    max_temperature REAL,
    min_rainfall REAL,
    max_rainfall REAL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS soil_samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    location_name TEXT NOT NULL DEFAULT '',
    latitude REAL,
    longitude REAL,
    nitrogen REAL NOT NULL,
    phosphorus REAL NOT NULL,
    potassium REAL NOT NULL,
    ph_level REAL NOT NULL,
    rainfall REAL,
    temperature REAL,
    humidity REAL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS recommendations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    soil_sample_id INTEGER NOT NULL UNIQUE REFERENCES soil_samples(id) ON DELETE CASCADE,
    crop_id INTEGER NOT NULL REFERENCES crops(id),
    confidence_score REAL NOT NULL CHECK (confidence_score >= 0 AND confidence_score <= 1),
    notes TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_samples_user_time ON soil_samples(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_recs_user_time ON recommendations(user_id, created_at);
`,
	},
	{
		Version:     2,
		Description: "Add weather_payloads for raw provider responses",
		SQL: `
CREATE TABLE IF NOT EXISTS weather_payloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    fetched_at DATETIME NOT NULL,
    source TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    location_id TEXT,
    http_status INTEGER,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_weather_payloads_fetched ON weather_payloads(fetched_at);
CREATE INDEX IF NOT EXISTS idx_weather_payloads_source ON weather_payloads(source, fetched_at);
`,
	},
	{
		Version:     3,
		Description: "Add average_yield to crops",
		SQL:         `ALTER TABLE crops ADD COLUMN average_yield REAL CHECK (average_yield IS NULL OR average_yield >= 0);`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		logging.Info().Int("version", m.Version).Str("description", m.Description).Msg("applying migration")

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		logging.Info().Int("version", m.Version).Msg("migration complete")
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
