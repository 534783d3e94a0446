package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type Hospital struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Phone        string `json:"phone,omitempty"`
	Instructions string `json:"-"`
	Timezone     string `json:"timezone,omitempty"`
}

type Doctor struct {
	ID            string `json:"id"`
	HospitalID    string `json:"hospital_id"`
	Name          string `json:"name"`
	Specialty     string `json:"specialty"`
	AvailableDays string `json:"available_days,omitempty"`
}

// CreateHospital inserts h, generating an ID when it is empty.
func (s *Store) CreateHospital(ctx context.Context, h Hospital) (*Hospital, error) {
	if strings.TrimSpace(h.Name) == "" {
		return nil, fmt.Errorf("hospital name required")
	}
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.Timezone == "" {
		h.Timezone = "Asia/Kolkata"
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO hospitals(id, name, phone, instructions, timezone, created_at) VALUES(?,?,?,?,?,?)`,
		h.ID, h.Name, h.Phone, h.Instructions, h.Timezone, s.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("insert hospital: %w", err)
	}
	return &h, nil
}

func (s *Store) GetHospital(ctx context.Context, id string) (*Hospital, error) {
	var h Hospital
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, name, phone, instructions, timezone FROM hospitals WHERE id = ?`, id).
		Scan(&h.ID, &h.Name, &h.Phone, &h.Instructions, &h.Timezone)
	if err != nil {
		return nil, notFound(err, "hospital "+id)
	}
	return &h, nil
}

// FindHospitalByPhone returns the hospital whose published number is phone.
func (s *Store) FindHospitalByPhone(ctx context.Context, phone string) (*Hospital, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, fmt.Errorf("hospital by phone: %w", ErrNotFound)
	}
	var h Hospital
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, name, phone, instructions, timezone FROM hospitals WHERE phone = ? LIMIT 1`, phone).
		Scan(&h.ID, &h.Name, &h.Phone, &h.Instructions, &h.Timezone)
	if err != nil {
		return nil, notFound(err, "hospital by phone")
	}
	return &h, nil
}

// CreateDoctor inserts d, generating an ID when it is empty.
func (s *Store) CreateDoctor(ctx context.Context, d Doctor) (*Doctor, error) {
	if strings.TrimSpace(d.Name) == "" || d.HospitalID == "" {
		return nil, fmt.Errorf("doctor name and hospital required")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO doctors(id, hospital_id, name, specialty, available_days, created_at) VALUES(?,?,?,?,?,?)`,
		d.ID, d.HospitalID, d.Name, d.Specialty, d.AvailableDays, s.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("insert doctor: %w", err)
	}
	return &d, nil
}

func (s *Store) GetDoctor(ctx context.Context, id string) (*Doctor, error) {
	var d Doctor
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, hospital_id, name, specialty, available_days FROM doctors WHERE id = ?`, id).
		Scan(&d.ID, &d.HospitalID, &d.Name, &d.Specialty, &d.AvailableDays)
	if err != nil {
		return nil, notFound(err, "doctor "+id)
	}
	return &d, nil
}

// ListDoctors returns every doctor of the hospital ordered by name.
func (s *Store) ListDoctors(ctx context.Context, hospitalID string) ([]Doctor, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, hospital_id, name, specialty, available_days FROM doctors WHERE hospital_id = ? ORDER BY name`, hospitalID)
	if err != nil {
		return nil, fmt.Errorf("list doctors: %w", err)
	}
	return scanDoctors(rows)
}

// SearchDoctors matches query against name or specialty, case-insensitively.
func (s *Store) SearchDoctors(ctx context.Context, hospitalID, query string, limit int) ([]Doctor, error) {
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(query))) + "%"
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, hospital_id, name, specialty, available_days FROM doctors
		 WHERE hospital_id = ? AND (LOWER(name) LIKE ? ESCAPE '\' OR LOWER(specialty) LIKE ? ESCAPE '\')
		 ORDER BY name LIMIT ?`, hospitalID, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search doctors: %w", err)
	}
	return scanDoctors(rows)
}

func scanDoctors(rows *sql.Rows) ([]Doctor, error) {
	defer rows.Close()
	out := []Doctor{}
	for rows.Next() {
		var d Doctor
		if err := rows.Scan(&d.ID, &d.HospitalID, &d.Name, &d.Specialty, &d.AvailableDays); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
