package store

import (
	"context"
	"fmt"
)

// Call status values.
const (
	CallActive = "active"
	CallEnded  = "ended"
)

type Call struct {
	ID         string
	StreamID   string
	HospitalID string
	CallerID   string
}

// StartCall records a new active call.
func (s *Store) StartCall(ctx context.Context, c Call) error {
	if c.ID == "" {
		return fmt.Errorf("call id required")
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO calls(id, stream_id, hospital_id, caller_id, status, created_at) VALUES(?,?,?,?,?,?)`,
		c.ID, c.StreamID, c.HospitalID, c.CallerID, CallActive, s.now().Unix())
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

// EndCall marks the call ended and stores the detected language and the
// transcript (JSON).
func (s *Store) EndCall(ctx context.Context, id, language, transcript string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE calls SET status = ?, language = ?, transcript = ?, ended_at = ? WHERE id = ?`,
		CallEnded, language, transcript, s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("end call: %w", err)
	}
	return rowsAffected(res, "call "+id)
}

func (s *Store) UpdateCallSummary(ctx context.Context, id, summary string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE calls SET summary = ? WHERE id = ?`, summary, id)
	if err != nil {
		return fmt.Errorf("update call summary: %w", err)
	}
	return rowsAffected(res, "call "+id)
}

// CallStatus returns the status and summary of a call.
func (s *Store) CallStatus(ctx context.Context, id string) (status, summary string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT status, summary FROM calls WHERE id = ?`, id).Scan(&status, &summary)
	if err != nil {
		return "", "", notFound(err, "call "+id)
	}
	return status, summary, nil
}
