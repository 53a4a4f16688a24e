// Package history provides the run-history store for the Testrun core. It
// records one row per completed or aborted test run in an SQLite database
// under local/, so past verdicts survive report retention and can be listed
// without walking the report folders.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"testrun/internal/models"
)

// DB is the run-history database connection.
type DB struct {
	*sql.DB
	Path   string
	logger *zerolog.Logger
	sync.Mutex
}

// Run is one recorded test run.
type Run struct {
	ID           string           `json:"id"`
	MAC          string           `json:"mac"`
	Manufacturer string           `json:"manufacturer"`
	Model        string           `json:"model"`
	Firmware     string           `json:"firmware,omitempty"`
	Status       string           `json:"status"`
	Started      models.Timestamp `json:"started"`
	Finished     models.Timestamp `json:"finished"`
	TotalTests   int              `json:"total_tests"`
	Report       string           `json:"report,omitempty"`
}

// New opens the run-history database, creating it and its directory when
// absent.
func New(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports only one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	logger := log.With().Str("component", "history").Logger()
	instance := &DB{
		DB:     db,
		Path:   path,
		logger: &logger,
	}

	if err := instance.initializeDB(); err != nil {
		db.Close()
		return nil, err
	}
	if err := instance.optimizeDB(); err != nil {
		logger.Warn().Err(err).Msg("Failed to set some database optimization parameters")
	}
	return instance, nil
}

func (db *DB) initializeDB() error {
	db.logger.Info().Msg("Initializing run-history schema")

	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		mac TEXT NOT NULL,
		manufacturer TEXT NOT NULL,
		model TEXT NOT NULL,
		firmware TEXT,
		status TEXT NOT NULL,
		started TIMESTAMP NOT NULL,
		finished TIMESTAMP,
		total_tests INTEGER DEFAULT 0,
		report TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_mac ON runs(mac);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize run-history schema: %w", err)
	}
	return nil
}

func (db *DB) optimizeDB() error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return err
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=10000"); err != nil {
		db.logger.Warn().Err(err).Msg("Failed to set busy_timeout PRAGMA")
	}
	return nil
}

// RecordRun inserts one row for a finished run and returns its generated ID.
func (db *DB) RecordRun(report *models.Report) (string, error) {
	db.Lock()
	defer db.Unlock()

	id := uuid.New().String()
	_, err := db.Exec(
		`INSERT INTO runs (id, mac, manufacturer, model, firmware, status,
			started, finished, total_tests, report)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		report.Device.MACAddr,
		report.Device.Manufacturer,
		report.Device.Model,
		report.Device.Firmware,
		report.Status,
		report.Started.Format(models.TimestampFormat),
		report.Finished.Format(models.TimestampFormat),
		report.Tests.Total,
		report.ReportURL,
	)
	if err != nil {
		return "", fmt.Errorf("failed to record run: %w", err)
	}

	db.logger.Info().
		Str("id", id).
		Str("mac", report.Device.MACAddr).
		Str("status", report.Status).
		Msg("Run recorded")
	return id, nil
}

// GetRun fetches one run by ID.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.QueryRow(
		`SELECT id, mac, manufacturer, model, firmware, status,
			started, finished, total_tests, report
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", id)
	}
	return run, err
}

// RunsForDevice lists a device's runs, most recent first.
func (db *DB) RunsForDevice(mac string) ([]*Run, error) {
	rows, err := db.Query(
		`SELECT id, mac, manufacturer, model, firmware, status,
			started, finished, total_tests, report
		 FROM runs WHERE mac = ? ORDER BY started DESC`, mac)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// RecentRuns lists the most recent runs across all devices.
func (db *DB) RecentRuns(limit int) ([]*Run, error) {
	rows, err := db.Query(
		`SELECT id, mac, manufacturer, model, firmware, status,
			started, finished, total_tests, report
		 FROM runs ORDER BY started DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// DeleteRunsForDevice removes every run recorded for a MAC, returning the
// number deleted. Used when the device profile itself is deleted.
func (db *DB) DeleteRunsForDevice(mac string) (int, error) {
	db.Lock()
	defer db.Unlock()

	result, err := db.Exec(`DELETE FROM runs WHERE mac = ?`, mac)
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var firmware, finished, report sql.NullString
	var started string
	err := row.Scan(&run.ID, &run.MAC, &run.Manufacturer, &run.Model,
		&firmware, &run.Status, &started, &finished, &run.TotalTests, &report)
	if err != nil {
		return nil, err
	}
	run.Firmware = firmware.String
	run.Report = report.String

	if parsed, err := time.Parse(models.TimestampFormat, started); err == nil {
		run.Started = models.Timestamp{Time: parsed}
	}
	if finished.Valid {
		if parsed, err := time.Parse(models.TimestampFormat, finished.String); err == nil {
			run.Finished = models.Timestamp{Time: parsed}
		}
	}
	return &run, nil
}

func collectRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
