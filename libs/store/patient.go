package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Patient struct {
	ID         string    `json:"id"`
	Code       string    `json:"patient_id"`
	HospitalID string    `json:"hospital_id"`
	FullName   string    `json:"full_name"`
	Age        int       `json:"age"`
	Phone      string    `json:"phone,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type Appointment struct {
	ID          string    `json:"id"`
	Code        string    `json:"appointment_id"`
	HospitalID  string    `json:"hospital_id"`
	DoctorID    string    `json:"doctor_id"`
	PatientID   string    `json:"patient_id"`
	Reason      string    `json:"reason"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// AppointmentScheduled is the status of a freshly booked appointment.
const AppointmentScheduled = "scheduled"

// CreatePatient inserts p with a fresh internal ID and the next
// P-YYYY-NNNNNN code for the current year.
func (s *Store) CreatePatient(ctx context.Context, p Patient) (*Patient, error) {
	if p.HospitalID == "" || strings.TrimSpace(p.FullName) == "" {
		return nil, fmt.Errorf("patient name and hospital required")
	}
	now := s.now()
	p.ID = uuid.NewString()
	p.CreatedAt = time.Unix(now.Unix(), 0)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		code, err := nextCode(ctx, tx, "patients", "patient_code", PatientPrefix, now.Year())
		if err != nil {
			return err
		}
		p.Code = code
		_, err = tx.ExecContext(ctx,
			`INSERT INTO patients(id, patient_code, hospital_id, full_name, age, phone, reason, created_at) VALUES(?,?,?,?,?,?,?,?)`,
			p.ID, p.Code, p.HospitalID, p.FullName, p.Age, p.Phone, p.Reason, now.Unix())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create patient: %w", err)
	}
	return &p, nil
}

func (s *Store) GetPatient(ctx context.Context, id string) (*Patient, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, patient_code, hospital_id, full_name, age, phone, reason, created_at FROM patients WHERE id = ?`, id)
	p, err := scanPatient(row)
	if err != nil {
		return nil, notFound(err, "patient "+id)
	}
	return p, nil
}

// GetPatientByCode looks up a patient by its human-readable code within a hospital.
func (s *Store) GetPatientByCode(ctx context.Context, hospitalID, code string) (*Patient, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, patient_code, hospital_id, full_name, age, phone, reason, created_at FROM patients
		 WHERE hospital_id = ? AND patient_code = ?`, hospitalID, strings.ToUpper(strings.TrimSpace(code)))
	p, err := scanPatient(row)
	if err != nil {
		return nil, notFound(err, "patient "+code)
	}
	return p, nil
}

func scanPatient(row *sql.Row) (*Patient, error) {
	var p Patient
	var created int64
	if err := row.Scan(&p.ID, &p.Code, &p.HospitalID, &p.FullName, &p.Age, &p.Phone, &p.Reason, &created); err != nil {
		return nil, err
	}
	p.CreatedAt = time.Unix(created, 0)
	return &p, nil
}

// CreateAppointment inserts a with a fresh internal ID and the next
// A-YYYY-NNNNNN code for the current year.
func (s *Store) CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	if a.HospitalID == "" || a.DoctorID == "" || a.PatientID == "" {
		return nil, fmt.Errorf("appointment hospital, doctor and patient required")
	}
	now := s.now()
	a.ID = uuid.NewString()
	a.CreatedAt = time.Unix(now.Unix(), 0)
	if a.Status == "" {
		a.Status = AppointmentScheduled
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		code, err := nextCode(ctx, tx, "appointments", "appointment_code", AppointmentPrefix, now.Year())
		if err != nil {
			return err
		}
		a.Code = code
		_, err = tx.ExecContext(ctx,
			`INSERT INTO appointments(id, appointment_code, hospital_id, doctor_id, patient_id, reason, scheduled_at, status, created_at)
			 VALUES(?,?,?,?,?,?,?,?,?)`,
			a.ID, a.Code, a.HospitalID, a.DoctorID, a.PatientID, a.Reason,
			a.ScheduledAt.Format(time.RFC3339), a.Status, now.Unix())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create appointment: %w", err)
	}
	return &a, nil
}

func (s *Store) GetAppointmentByCode(ctx context.Context, code string) (*Appointment, error) {
	var a Appointment
	var scheduled string
	var created int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, appointment_code, hospital_id, doctor_id, patient_id, reason, scheduled_at, status, created_at
		 FROM appointments WHERE appointment_code = ?`, code).
		Scan(&a.ID, &a.Code, &a.HospitalID, &a.DoctorID, &a.PatientID, &a.Reason, &scheduled, &a.Status, &created)
	if err != nil {
		return nil, notFound(err, "appointment "+code)
	}
	if a.ScheduledAt, err = time.Parse(time.RFC3339, scheduled); err != nil {
		return nil, fmt.Errorf("parse scheduled_at: %w", err)
	}
	a.CreatedAt = time.Unix(created, 0)
	return &a, nil
}
