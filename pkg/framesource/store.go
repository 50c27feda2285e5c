package framesource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/abworrall/starfield-align/pkg/starfield"
)

// A Store keeps the archive's index in sqlite, so the index pages only
// need scraping for entries newer than the ones we have.
type Store struct {
	DB *sql.DB
}

// OpenStore opens (or creates) the database at path and ensures schema.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store '%s': %w", path, err)
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entries (
            unix_ts INTEGER PRIMARY KEY,
            url TEXT NOT NULL,
            exposure TEXT,
            fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS downloads (
            unix_ts INTEGER PRIMARY KEY,
            path TEXT NOT NULL,
            bytes INTEGER,
            error_message TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// AddEntries inserts entries, replacing any with the same timestamp.
func (s *Store) AddEntries(ctx context.Context, entries []Entry) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, e := range entries {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO entries (unix_ts, url, exposure) VALUES (?, ?, ?)`,
			e.Timestamp.Unix(), e.URL, e.Exposure)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("insert %s: %w", e, err)
		}
	}
	return tx.Commit()
}

// Newest returns the most recent entry, and false if the store is empty.
func (s *Store) Newest(ctx context.Context) (Entry, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT unix_ts, url, exposure FROM entries ORDER BY unix_ts DESC LIMIT 1`)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	} else if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Entries returns the entries in the window, oldest first.
func (s *Store) Entries(ctx context.Context, window starfield.TimeRange) ([]Entry, error) {
	from, to := int64(0), int64(1<<62)
	if !window.From.IsZero() {
		from = window.From.Unix()
	}
	if !window.To.IsZero() {
		to = window.To.Unix()
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT unix_ts, url, exposure FROM entries WHERE unix_ts >= ? AND unix_ts < ? ORDER BY unix_ts`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordDownload notes the outcome of fetching an entry's image.
func (s *Store) RecordDownload(ctx context.Context, e Entry, path string, bytes int64, dlErr error) error {
	msg := sql.NullString{}
	if dlErr != nil {
		msg = sql.NullString{String: dlErr.Error(), Valid: true}
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT OR REPLACE INTO downloads (unix_ts, path, bytes, error_message) VALUES (?, ?, ?, ?)`,
		e.Timestamp.Unix(), path, bytes, msg)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var unix int64
	var exposure sql.NullString
	e := Entry{}
	if err := sc.Scan(&unix, &e.URL, &exposure); err != nil {
		return Entry{}, err
	}
	e.Timestamp = time.Unix(unix, 0).UTC()
	e.Exposure = exposure.String
	return e, nil
}
