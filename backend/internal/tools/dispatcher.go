// Package tools executes the function calls the conversational backend makes
// against the hospital store. Every call returns {ok:true,...} or
// {ok:false,message}; nothing is ever raised into the backend protocol.
package tools

import (
	"context"
	"errors"
	"strings"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jacky-htg/hospital-voice-bridge/backend/internal/metrics"
	"github.com/jacky-htg/hospital-voice-bridge/libs/store"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 20
)

// Store is the persistence the dispatcher needs.
type Store interface {
	GetPatient(ctx context.Context, id string) (*store.Patient, error)
	GetPatientByCode(ctx context.Context, hospitalID, code string) (*store.Patient, error)
	CreatePatient(ctx context.Context, p store.Patient) (*store.Patient, error)
	GetDoctor(ctx context.Context, id string) (*store.Doctor, error)
	ListDoctors(ctx context.Context, hospitalID string) ([]store.Doctor, error)
	SearchDoctors(ctx context.Context, hospitalID, query string, limit int) ([]store.Doctor, error)
	CreateAppointment(ctx context.Context, a store.Appointment) (*store.Appointment, error)
}

// Call is the session context a tool runs in.
type Call struct {
	HospitalID string
	// CallerID is the caller's number or "unknown".
	CallerID string
	Timezone string
}

// Result is the response payload sent back to the backend.
type Result map[string]any

func (r Result) OK() bool {
	ok, _ := r["ok"].(bool)
	return ok
}

func fail(msg string) Result { return Result{"ok": false, "message": msg} }

type Dispatcher struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

func New(s Store, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{store: s, log: log, now: time.Now}
}

// SetClock replaces the clock used to reject appointments in the past.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Dispatch runs the named tool. It is safe for concurrent use.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call, name string, args map[string]any) Result {
	if args == nil {
		args = map[string]any{}
	}
	start := time.Now()
	var res Result
	var err error
	switch name {
	case LookupPatient:
		res, err = d.lookupPatient(ctx, call, args)
	case CreatePatient:
		res, err = d.createPatient(ctx, call, args)
	case ListDoctors:
		res, err = d.listDoctors(ctx, call)
	case SearchDoctors:
		res, err = d.searchDoctors(ctx, call, args)
	case CreateAppointment:
		res, err = d.createAppointment(ctx, call, args)
	default:
		res = fail("unknown tool " + name)
	}
	if err != nil {
		res = d.failure(name, err)
	}
	metrics.ToolCall(name, res.OK(), time.Since(start))
	d.log.Info("tool call",
		zap.String("tool", name),
		zap.String("hospital_id", call.HospitalID),
		zap.Bool("ok", res.OK()),
		zap.Duration("took", time.Since(start)))
	return res
}

// failure turns err into a message the model can act on. Validation and
// not-found errors are passed through; anything else is logged and hidden.
func (d *Dispatcher) failure(tool string, err error) Result {
	var ae *argError
	if errors.As(err, &ae) {
		return fail(ae.msg)
	}
	if errors.Is(err, store.ErrNotFound) {
		return fail("not found")
	}
	d.log.Error("tool failed", zap.String("tool", tool), zap.Error(err))
	return fail("the hospital system could not complete the request, please try again")
}

func (d *Dispatcher) lookupPatient(ctx context.Context, call Call, args map[string]any) (Result, error) {
	code, err := requiredString(args, "patient_id")
	if err != nil {
		return nil, err
	}
	p, err := d.store.GetPatientByCode(ctx, call.HospitalID, code)
	if errors.Is(err, store.ErrNotFound) {
		return fail("no patient with id " + strings.ToUpper(code) + " at this hospital"), nil
	}
	if err != nil {
		return nil, err
	}
	return Result{"ok": true, "patient": patientSummary(p)}, nil
}

func (d *Dispatcher) createPatient(ctx context.Context, call Call, args map[string]any) (Result, error) {
	name, err := requiredString(args, "full_name")
	if err != nil {
		return nil, err
	}
	age, err := nonNegativeInt(args, "age")
	if err != nil {
		return nil, err
	}
	reason, err := requiredString(args, "reason")
	if err != nil {
		return nil, err
	}
	phone := call.CallerID
	if phone == "" || phone == "unknown" {
		phone, _ = optionalString(args, "phone")
	}

	p, err := d.store.CreatePatient(ctx, store.Patient{
		HospitalID: call.HospitalID,
		FullName:   name,
		Age:        age,
		Phone:      phone,
		Reason:     reason,
	})
	if err != nil {
		return nil, err
	}
	return Result{"ok": true, "patient": patientSummary(p)}, nil
}

func (d *Dispatcher) listDoctors(ctx context.Context, call Call) (Result, error) {
	docs, err := d.store.ListDoctors(ctx, call.HospitalID)
	if err != nil {
		return nil, err
	}
	return Result{"ok": true, "doctors": doctorSummaries(docs), "count": len(docs)}, nil
}

func (d *Dispatcher) searchDoctors(ctx context.Context, call Call, args map[string]any) (Result, error) {
	query, err := requiredString(args, "query")
	if err != nil {
		return nil, err
	}
	limit, err := optionalLimit(args, "limit", defaultSearchLimit, maxSearchLimit)
	if err != nil {
		return nil, err
	}
	docs, err := d.store.SearchDoctors(ctx, call.HospitalID, query, limit)
	if err != nil {
		return nil, err
	}
	return Result{"ok": true, "doctors": doctorSummaries(docs), "count": len(docs)}, nil
}

func (d *Dispatcher) createAppointment(ctx context.Context, call Call, args map[string]any) (Result, error) {
	doctorID, err := requiredString(args, "doctor_id")
	if err != nil {
		return nil, err
	}
	patientID, err := requiredString(args, "patient_id")
	if err != nil {
		return nil, err
	}
	reason, err := requiredString(args, "reason")
	if err != nil {
		return nil, err
	}
	raw, err := requiredString(args, "datetime")
	if err != nil {
		return nil, err
	}
	loc := location(call.Timezone)
	when, err := parseDateTime(raw, loc)
	if err != nil {
		return nil, err
	}
	if when.Before(d.now().Add(-time.Minute)) {
		return fail("datetime is in the past, ask the caller for a future date"), nil
	}

	var doc *store.Doctor
	var pat *store.Patient
	var docErr, patErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		doc, docErr = d.store.GetDoctor(gctx, doctorID)
		return docErr
	})
	g.Go(func() error {
		pat, patErr = d.store.GetPatient(gctx, patientID)
		return patErr
	})
	if err := g.Wait(); err != nil {
		switch {
		case errors.Is(docErr, store.ErrNotFound):
			return fail("doctor " + doctorID + " not found"), nil
		case errors.Is(patErr, store.ErrNotFound):
			return fail("patient " + patientID + " not found"), nil
		}
		return nil, err
	}
	if doc.HospitalID != call.HospitalID {
		return fail("doctor does not belong to this hospital"), nil
	}
	if pat.HospitalID != call.HospitalID {
		return fail("patient does not belong to this hospital"), nil
	}

	a, err := d.store.CreateAppointment(ctx, store.Appointment{
		HospitalID:  call.HospitalID,
		DoctorID:    doc.ID,
		PatientID:   pat.ID,
		Reason:      reason,
		ScheduledAt: when,
	})
	if err != nil {
		return nil, err
	}
	return Result{"ok": true, "appointment": map[string]any{
		"appointment_id": a.Code,
		"id":             a.ID,
		"doctor_name":    doc.Name,
		"specialty":      doc.Specialty,
		"patient_id":     pat.Code,
		"patient_name":   pat.FullName,
		"reason":         a.Reason,
		"scheduled_at":   a.ScheduledAt.In(loc).Format("2006-01-02 15:04"),
		"status":         a.Status,
	}}, nil
}

func location(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

func patientSummary(p *store.Patient) map[string]any {
	return map[string]any{
		"id":         p.ID,
		"patient_id": p.Code,
		"full_name":  p.FullName,
		"age":        p.Age,
		"reason":     p.Reason,
	}
}

func doctorSummaries(docs []store.Doctor) []map[string]any {
	out := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		out = append(out, map[string]any{
			"id":             d.ID,
			"name":           d.Name,
			"specialty":      d.Specialty,
			"available_days": d.AvailableDays,
		})
	}
	return out
}
