// Package instructions renders the system instruction for a hospital.
package instructions

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/jacky-htg/hospital-voice-bridge/libs/store"
)

// Store is the persistence the builder reads.
type Store interface {
	GetHospital(ctx context.Context, id string) (*store.Hospital, error)
	ListDoctors(ctx context.Context, hospitalID string) ([]store.Doctor, error)
}

const defaultInstructions = `You are the phone receptionist of {{.Hospital.Name}}. Help callers register as patients, find the right doctor and book appointments. Keep every reply short and spoken-style: one or two sentences, no lists, no markdown.`

var baseTmpl = template.Must(template.New("base").Parse(defaultInstructions))

var tmpl = template.Must(template.New("system").Parse(`{{.Base}}

Today is {{.Today}} ({{.Timezone}}).

Doctors at {{.Hospital.Name}}:
{{- range .Doctors}}
- {{.Name}} ({{if .Specialty}}{{.Specialty}}{{else}}general{{end}}){{if .AvailableDays}}, available {{.AvailableDays}}{{end}}, id {{.ID}}
{{- else}}
- no doctors are listed yet; take the caller's details and say the hospital will call back.
{{- end}}

Rules:
- Use the tools for every patient, doctor and appointment fact. Never invent ids.
- Before create_patient or create_appointment, repeat the details and wait for the caller to confirm.
- Read patient and appointment ids back slowly, character by character.
- The caller's phone number is already known; do not ask for it.

Once, at the start of the call:
- Confirm you are speaking with a person. If the first thing you hear is a recording, a machine or silence, say goodbye politely.
- Detect the language of the caller's first sentence and answer in that language (Hindi, English or another Indian language) for the rest of the call, switching only if the caller switches.
`))

type Builder struct {
	store Store
	now   func() time.Time
}

func New(s Store) *Builder {
	return &Builder{store: s, now: time.Now}
}

// Build returns the system instruction for hospitalID.
func (b *Builder) Build(ctx context.Context, hospitalID string) (string, error) {
	h, err := b.store.GetHospital(ctx, hospitalID)
	if err != nil {
		return "", fmt.Errorf("load hospital: %w", err)
	}
	docs, err := b.store.ListDoctors(ctx, hospitalID)
	if err != nil {
		return "", fmt.Errorf("load doctors: %w", err)
	}

	loc, err := time.LoadLocation(h.Timezone)
	if err != nil {
		loc = time.UTC
	}
	base := strings.TrimSpace(h.Instructions)
	if base == "" {
		var sb strings.Builder
		if err := baseTmpl.Execute(&sb, map[string]any{"Hospital": h}); err != nil {
			return "", fmt.Errorf("render instructions: %w", err)
		}
		base = sb.String()
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, map[string]any{
		"Base":     base,
		"Hospital": h,
		"Doctors":  docs,
		"Today":    b.now().In(loc).Format("Monday, 2 January 2006 15:04"),
		"Timezone": loc.String(),
	})
	if err != nil {
		return "", fmt.Errorf("render instructions: %w", err)
	}
	return buf.String(), nil
}
