// Package history keeps a ledger of finished recordings in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bryanchriswhite/PresentationRecorder/internal/logger"
	_ "modernc.org/sqlite"
)

// Entry is one finished recording.
type Entry struct {
	ID         int64     `json:"id" yaml:"id"`
	SessionID  string    `json:"session_id" yaml:"session_id"`
	OutputPath string    `json:"output_path" yaml:"output_path"`
	Encoder    string    `json:"encoder" yaml:"encoder"`
	Level      string    `json:"level" yaml:"level"`
	Width      int       `json:"width" yaml:"width"`
	Height     int       `json:"height" yaml:"height"`
	FrameRate  int       `json:"frame_rate" yaml:"frame_rate"`
	BitRate    int       `json:"bit_rate" yaml:"bit_rate"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	StoppedAt  time.Time `json:"stopped_at" yaml:"stopped_at"`
	Reason     string    `json:"reason" yaml:"reason"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Duration is how long the recording ran.
func (e Entry) Duration() time.Duration {
	return e.StoppedAt.Sub(e.StartedAt)
}

// Store is the recordings database.
type Store struct {
	db *sql.DB
}

const schema = `
	CREATE TABLE IF NOT EXISTS recordings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL UNIQUE,
		output_path TEXT NOT NULL,
		encoder TEXT,
		level TEXT,
		width INTEGER,
		height INTEGER,
		frame_rate INTEGER,
		bit_rate INTEGER,
		started_at INTEGER,
		stopped_at INTEGER,
		reason TEXT,
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS recordings_started_at ON recordings (started_at);
`

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history tables: %w", err)
	}

	logger.WithComponent("history").Debug().Str("path", path).Msg("History database opened")
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores a finished recording and returns its row id.
func (s *Store) Record(ctx context.Context, e Entry) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO recordings (session_id, output_path, encoder, level, width, height,
			frame_rate, bit_rate, started_at, stopped_at, reason, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.OutputPath, e.Encoder, e.Level, e.Width, e.Height,
		e.FrameRate, e.BitRate, e.StartedAt.UnixMilli(), e.StoppedAt.UnixMilli(), e.Reason, e.Error)
	if err != nil {
		return 0, fmt.Errorf("failed to record session %s: %w", e.SessionID, err)
	}
	return res.LastInsertId()
}

// List returns the most recent recordings first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `
		SELECT id, session_id, output_path, encoder, level, width, height,
			frame_rate, bit_rate, started_at, stopped_at, reason, error
		FROM recordings ORDER BY started_at DESC, id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var started, stopped int64
		var encoder, level, reason, errText sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.OutputPath, &encoder, &level, &e.Width, &e.Height,
			&e.FrameRate, &e.BitRate, &started, &stopped, &reason, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan recording: %w", err)
		}
		e.Encoder, e.Level, e.Reason, e.Error = encoder.String, level.String, reason.String, errText.String
		e.StartedAt = time.UnixMilli(started)
		e.StoppedAt = time.UnixMilli(stopped)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
