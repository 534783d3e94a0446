package tools

import "github.com/jacky-htg/hospital-voice-bridge/libs/vendors/gemini"

// Tool names exposed to the conversational backend.
const (
	LookupPatient     = "lookup_patient"
	CreatePatient     = "create_patient"
	ListDoctors       = "list_doctors"
	SearchDoctors     = "search_doctors"
	CreateAppointment = "create_appointment"
)

func str(desc string) *gemini.Schema { return &gemini.Schema{Type: "STRING", Description: desc} }
func num(desc string) *gemini.Schema { return &gemini.Schema{Type: "NUMBER", Description: desc} }
func object(props map[string]*gemini.Schema, required ...string) *gemini.Schema {
	return &gemini.Schema{Type: "OBJECT", Properties: props, Required: required}
}

// Declarations lists the callable operations for the setup message.
func Declarations() []gemini.FunctionDeclaration {
	return []gemini.FunctionDeclaration{
		{
			Name:        LookupPatient,
			Description: "Look up an existing patient of this hospital by patient ID such as P-2025-000123.",
			Parameters: object(map[string]*gemini.Schema{
				"patient_id": str("The patient ID the caller gives, format P-YYYY-NNNNNN."),
			}, "patient_id"),
		},
		{
			Name:        CreatePatient,
			Description: "Register a new patient. Call only after the caller confirmed name, age and reason.",
			Parameters: object(map[string]*gemini.Schema{
				"full_name": str("Patient full name."),
				"age":       num("Patient age in years."),
				"reason":    str("Reason for the visit in the caller's words."),
				"phone":     str("Contact number, only if the caller gives a different one."),
			}, "full_name", "age", "reason"),
		},
		{
			Name:        ListDoctors,
			Description: "List all doctors of this hospital with their specialty and available days.",
		},
		{
			Name:        SearchDoctors,
			Description: "Find doctors of this hospital by name or specialty.",
			Parameters: object(map[string]*gemini.Schema{
				"query": str("Doctor name or specialty, e.g. cardiology."),
				"limit": num("Maximum results, default 10, at most 20."),
			}, "query"),
		},
		{
			Name:        CreateAppointment,
			Description: "Book an appointment. Use the internal id values returned by the other tools for doctor and patient.",
			Parameters: object(map[string]*gemini.Schema{
				"doctor_id":  str("Internal doctor id."),
				"patient_id": str("Internal patient id (the id field, not the P- code)."),
				"reason":     str("Reason for the appointment."),
				"datetime":   str("Date and time, RFC 3339 or YYYY-MM-DD HH:MM in hospital local time."),
			}, "doctor_id", "patient_id", "reason", "datetime"),
		},
	}
}
