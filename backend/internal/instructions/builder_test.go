package instructions

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacky-htg/hospital-voice-bridge/libs/store"
)

func TestBuildIncludesRosterAndDirectives(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "i.db"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.CreateHospital(ctx, store.Hospital{ID: "h1", Name: "City Care", Timezone: "UTC"})
	require.NoError(t, err)
	d, err := s.CreateDoctor(ctx, store.Doctor{HospitalID: "h1", Name: "Dr. Asha Rao", Specialty: "General Surgery", AvailableDays: "Mon-Fri"})
	require.NoError(t, err)

	b := New(s)
	b.now = func() time.Time { return time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC) }
	out, err := b.Build(ctx, "h1")
	require.NoError(t, err)

	assert.Contains(t, out, "phone receptionist of City Care")
	assert.Contains(t, out, "- Dr. Asha Rao (General Surgery), available Mon-Fri, id "+d.ID)
	assert.Contains(t, out, "Friday, 14 March 2025 09:30")
	assert.Contains(t, out, "Confirm you are speaking with a person")
	assert.Contains(t, out, "Detect the language")
}

func TestBuildUsesHospitalInstructions(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "i.db"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.CreateHospital(ctx, store.Hospital{ID: "h1", Name: "City Care", Instructions: "Always greet with Namaste."})
	require.NoError(t, err)

	out, err := New(s).Build(ctx, "h1")
	require.NoError(t, err)
	assert.Contains(t, out, "Always greet with Namaste.")
	assert.NotContains(t, out, "phone receptionist")
	assert.Contains(t, out, "no doctors are listed yet")

	_, err = New(s).Build(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
