package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the SQLite-backed persistence layer for hospitals, doctors,
// patients, appointments and call records. It is safe for concurrent use:
// all access goes through a single connection, so identifier generation
// inside a transaction never races.
type Store struct {
	DB  *sql.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{DB: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// SetClock replaces the clock used for created_at and identifier years.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) migrate() error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS hospitals (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			phone TEXT NOT NULL DEFAULT '',
			instructions TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT 'Asia/Kolkata',
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_hospitals_phone ON hospitals(phone);`,
		`CREATE TABLE IF NOT EXISTS doctors (
			id TEXT PRIMARY KEY,
			hospital_id TEXT NOT NULL REFERENCES hospitals(id),
			name TEXT NOT NULL,
			specialty TEXT NOT NULL DEFAULT '',
			available_days TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_doctors_hospital ON doctors(hospital_id);`,
		`CREATE TABLE IF NOT EXISTS patients (
			id TEXT PRIMARY KEY,
			patient_code TEXT NOT NULL UNIQUE,
			hospital_id TEXT NOT NULL REFERENCES hospitals(id),
			full_name TEXT NOT NULL,
			age INTEGER NOT NULL,
			phone TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_patients_hospital ON patients(hospital_id);`,
		`CREATE TABLE IF NOT EXISTS appointments (
			id TEXT PRIMARY KEY,
			appointment_code TEXT NOT NULL UNIQUE,
			hospital_id TEXT NOT NULL REFERENCES hospitals(id),
			doctor_id TEXT NOT NULL REFERENCES doctors(id),
			patient_id TEXT NOT NULL REFERENCES patients(id),
			reason TEXT NOT NULL,
			scheduled_at TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			stream_id TEXT NOT NULL DEFAULT '',
			hospital_id TEXT NOT NULL DEFAULT '',
			caller_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			language TEXT NOT NULL DEFAULT '',
			transcript TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			ended_at INTEGER
		);`,
	}
	for _, q := range stmts {
		if _, err := s.DB.Exec(q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// notFound maps sql.ErrNoRows to ErrNotFound.
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// rowsAffected returns ErrNotFound when an update touched nothing.
func rowsAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
