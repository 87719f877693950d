// Package journal records posttrade fetch outcomes in a SQLite database so
// operators can inspect partial days without scanning the Parquet tree. The
// Parquet tree stays the source of truth; the journal is advisory.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// File statuses.
const (
	FileFetched = "fetched"
	FileEmpty   = "empty"
	FileFailed  = "failed"
)

// Day statuses.
const (
	DayComplete = "complete"
	DayPartial  = "partial"
)

// Journal wraps the fetch-journal database.
type Journal struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS file_fetches (
	venue      TEXT NOT NULL,
	date       TEXT NOT NULL,
	filename   TEXT NOT NULL,
	status     TEXT NOT NULL,
	rows       INTEGER NOT NULL DEFAULT 0,
	error      TEXT,
	fetched_at TEXT NOT NULL,
	PRIMARY KEY (venue, date, filename)
);
CREATE TABLE IF NOT EXISTS day_outcomes (
	venue      TEXT NOT NULL,
	date       TEXT NOT NULL,
	status     TEXT NOT NULL,
	files      INTEGER NOT NULL DEFAULT 0,
	failures   INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (venue, date)
);
`

// Open opens (or creates) the journal database in the working directory.
func Open(root string) (*Journal, error) {
	db, err := sql.Open("sqlite", filepath.Join(root, "journal.db"))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordFile upserts one file's fetch outcome.
func (j *Journal) RecordFile(ctx context.Context, venue, date, filename, status string, rows int, fetchErr error) error {
	msg := ""
	if fetchErr != nil {
		msg = fetchErr.Error()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO file_fetches (venue, date, filename, status, rows, error, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (venue, date, filename) DO UPDATE SET
			status = excluded.status,
			rows = excluded.rows,
			error = excluded.error,
			fetched_at = excluded.fetched_at`,
		venue, date, filename, status, rows, msg, time.Now().UTC().Format(time.RFC3339))
	return err
}

// RecordDay upserts a day's overall outcome.
func (j *Journal) RecordDay(ctx context.Context, venue, date, status string, files, failures int) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO day_outcomes (venue, date, status, files, failures, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (venue, date) DO UPDATE SET
			status = excluded.status,
			files = excluded.files,
			failures = excluded.failures,
			updated_at = excluded.updated_at`,
		venue, date, status, files, failures, time.Now().UTC().Format(time.RFC3339))
	return err
}

// DayOutcome is one row of day_outcomes.
type DayOutcome struct {
	Venue     string
	Date      string
	Status    string
	Files     int
	Failures  int
	UpdatedAt string
}

// PartialDays lists days recorded as partial for a venue, oldest first.
func (j *Journal) PartialDays(ctx context.Context, venue string) ([]DayOutcome, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT venue, date, status, files, failures, updated_at
		FROM day_outcomes
		WHERE venue = ? AND status = ?
		ORDER BY date`, venue, DayPartial)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DayOutcome
	for rows.Next() {
		var d DayOutcome
		if err := rows.Scan(&d.Venue, &d.Date, &d.Status, &d.Files, &d.Failures, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Days lists every recorded day outcome for a venue, oldest first.
func (j *Journal) Days(ctx context.Context, venue string) ([]DayOutcome, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT venue, date, status, files, failures, updated_at
		FROM day_outcomes
		WHERE venue = ?
		ORDER BY date`, venue)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DayOutcome
	for rows.Next() {
		var d DayOutcome
		if err := rows.Scan(&d.Venue, &d.Date, &d.Status, &d.Files, &d.Failures, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
