package tools

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jacky-htg/hospital-voice-bridge/libs/store"
)

var fixedNow = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store    *store.Store
	d        *Dispatcher
	call     Call
	doctor   *store.Doctor
	patient  *store.Patient
	otherDoc *store.Doctor
	otherPat *store.Patient
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "tools.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	s.SetClock(func() time.Time { return fixedNow })

	h1, err := s.CreateHospital(ctx, store.Hospital{ID: "h1", Name: "City Care"})
	require.NoError(t, err)
	h2, err := s.CreateHospital(ctx, store.Hospital{ID: "h2", Name: "Lake View"})
	require.NoError(t, err)

	f := &fixture{store: s, call: Call{HospitalID: h1.ID, CallerID: "+919812345678", Timezone: "Asia/Kolkata"}}
	f.doctor, err = s.CreateDoctor(ctx, store.Doctor{HospitalID: h1.ID, Name: "Dr. Asha Rao", Specialty: "General Surgery", AvailableDays: "Mon-Fri"})
	require.NoError(t, err)
	_, err = s.CreateDoctor(ctx, store.Doctor{HospitalID: h1.ID, Name: "Dr. Vikram Shah", Specialty: "Cardiology"})
	require.NoError(t, err)
	f.otherDoc, err = s.CreateDoctor(ctx, store.Doctor{HospitalID: h2.ID, Name: "Dr. Lake", Specialty: "General Surgery"})
	require.NoError(t, err)
	f.patient, err = s.CreatePatient(ctx, store.Patient{HospitalID: h1.ID, FullName: "Ravi Kumar", Age: 45, Reason: "piles"})
	require.NoError(t, err)
	f.otherPat, err = s.CreatePatient(ctx, store.Patient{HospitalID: h2.ID, FullName: "Meera", Age: 30, Reason: "fever"})
	require.NoError(t, err)

	f.d = New(s, zaptest.NewLogger(t))
	f.d.SetClock(func() time.Time { return fixedNow })
	return f
}

var appointmentCode = regexp.MustCompile(`^A-\d{4}-\d{6}$`)

func TestCreateAppointmentSameHospital(t *testing.T) {
	f := setup(t)
	res := f.d.Dispatch(context.Background(), f.call, CreateAppointment, map[string]any{
		"doctor_id":  f.doctor.ID,
		"patient_id": f.patient.ID,
		"reason":     "piles",
		"datetime":   "2025-03-20 11:30",
	})
	require.True(t, res.OK(), "%v", res)

	appt := res["appointment"].(map[string]any)
	assert.Regexp(t, appointmentCode, appt["appointment_id"])
	assert.Equal(t, "Dr. Asha Rao", appt["doctor_name"])
	assert.Equal(t, "2025-03-20 11:30", appt["scheduled_at"])

	stored, err := f.store.GetAppointmentByCode(context.Background(), appt["appointment_id"].(string))
	require.NoError(t, err)
	ist, _ := time.LoadLocation("Asia/Kolkata")
	assert.True(t, stored.ScheduledAt.Equal(time.Date(2025, 3, 20, 11, 30, 0, 0, ist)))
}

func TestCreateAppointmentRejectsCrossHospital(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res := f.d.Dispatch(ctx, f.call, CreateAppointment, map[string]any{
		"doctor_id": f.doctor.ID, "patient_id": f.otherPat.ID, "reason": "piles", "datetime": "2025-03-20T11:30:00+05:30",
	})
	assert.False(t, res.OK())
	assert.Contains(t, res["message"], "patient does not belong")

	res = f.d.Dispatch(ctx, f.call, CreateAppointment, map[string]any{
		"doctor_id": f.otherDoc.ID, "patient_id": f.patient.ID, "reason": "piles", "datetime": "2025-03-20T11:30:00+05:30",
	})
	assert.False(t, res.OK())
	assert.Contains(t, res["message"], "doctor does not belong")
}

func TestCreateAppointmentValidation(t *testing.T) {
	f := setup(t)
	base := func() map[string]any {
		return map[string]any{"doctor_id": f.doctor.ID, "patient_id": f.patient.ID, "reason": "piles", "datetime": "2025-03-20 11:30"}
	}
	cases := map[string]func(map[string]any){
		"missing doctor":  func(a map[string]any) { delete(a, "doctor_id") },
		"unknown doctor":  func(a map[string]any) { a["doctor_id"] = "nope" },
		"unknown patient": func(a map[string]any) { a["patient_id"] = "nope" },
		"empty reason":    func(a map[string]any) { a["reason"] = "  " },
		"bad datetime":    func(a map[string]any) { a["datetime"] = "next tuesday" },
		"past datetime":   func(a map[string]any) { a["datetime"] = "2025-03-01 09:00" },
		"numeric reason":  func(a map[string]any) { a["reason"] = map[string]any{} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			args := base()
			mutate(args)
			res := f.d.Dispatch(context.Background(), f.call, CreateAppointment, args)
			assert.False(t, res.OK())
			assert.NotEmpty(t, res["message"])
		})
	}
}

func TestAppointmentCodesAreGapFree(t *testing.T) {
	f := setup(t)
	var seqs []int
	for i := 0; i < 2; i++ {
		res := f.d.Dispatch(context.Background(), f.call, CreateAppointment, map[string]any{
			"doctor_id": f.doctor.ID, "patient_id": f.patient.ID, "reason": "checkup", "datetime": "2025-04-01 10:00",
		})
		require.True(t, res.OK())
		_, _, seq, err := store.ParseCode(res["appointment"].(map[string]any)["appointment_id"].(string))
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}
	assert.Equal(t, seqs[0]+1, seqs[1])
}

func TestCreatePatient(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res := f.d.Dispatch(ctx, f.call, CreatePatient, map[string]any{
		"full_name": "Sunita Devi", "age": "52", "reason": "knee pain", "phone": "000",
	})
	require.True(t, res.OK(), "%v", res)
	p := res["patient"].(map[string]any)
	assert.Regexp(t, `^P-2025-\d{6}$`, p["patient_id"])
	assert.NotEmpty(t, p["id"])

	stored, err := f.store.GetPatient(ctx, p["id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "+919812345678", stored.Phone, "caller id wins over model text")
	assert.Equal(t, 52, stored.Age)

	anon := f.call
	anon.CallerID = "unknown"
	res = f.d.Dispatch(ctx, anon, CreatePatient, map[string]any{
		"full_name": "Anon", "age": float64(20), "reason": "fever", "phone": "+911111",
	})
	require.True(t, res.OK())
	stored, err = f.store.GetPatient(ctx, res["patient"].(map[string]any)["id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "+911111", stored.Phone)
}

func TestCreatePatientRejectsBadAge(t *testing.T) {
	f := setup(t)
	for _, age := range []any{-1.0, 4.5, "abc", nil, true} {
		res := f.d.Dispatch(context.Background(), f.call, CreatePatient, map[string]any{
			"full_name": "X", "age": age, "reason": "y",
		})
		assert.False(t, res.OK(), "age %v", age)
	}
}

func TestLookupPatientIsHospitalScoped(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res := f.d.Dispatch(ctx, f.call, LookupPatient, map[string]any{"patient_id": f.patient.Code})
	require.True(t, res.OK())
	assert.Equal(t, "Ravi Kumar", res["patient"].(map[string]any)["full_name"])

	res = f.d.Dispatch(ctx, f.call, LookupPatient, map[string]any{"patient_id": f.otherPat.Code})
	assert.False(t, res.OK())

	res = f.d.Dispatch(ctx, f.call, LookupPatient, nil)
	assert.False(t, res.OK())
	assert.Equal(t, "patient_id is required", res["message"])
}

func TestDoctors(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res := f.d.Dispatch(ctx, f.call, ListDoctors, nil)
	require.True(t, res.OK())
	assert.Equal(t, 2, res["count"])

	res = f.d.Dispatch(ctx, f.call, SearchDoctors, map[string]any{"query": "cardio", "limit": 50})
	require.True(t, res.OK())
	docs := res["doctors"].([]map[string]any)
	require.Len(t, docs, 1)
	assert.Equal(t, "Dr. Vikram Shah", docs[0]["name"])

	res = f.d.Dispatch(ctx, f.call, SearchDoctors, map[string]any{"query": "dr", "limit": 200})
	require.True(t, res.OK(), res["message"])
	assert.Equal(t, 2, res["count"])

	res = f.d.Dispatch(ctx, f.call, SearchDoctors, map[string]any{"query": ""})
	assert.False(t, res.OK())
}

func TestUnknownTool(t *testing.T) {
	f := setup(t)
	res := f.d.Dispatch(context.Background(), f.call, "drop_tables", map[string]any{})
	assert.False(t, res.OK())
}

func TestDeclarationsCoverEveryTool(t *testing.T) {
	names := map[string]bool{}
	for _, d := range Declarations() {
		names[d.Name] = true
	}
	for _, n := range []string{LookupPatient, CreatePatient, ListDoctors, SearchDoctors, CreateAppointment} {
		assert.True(t, names[n], n)
	}
}
