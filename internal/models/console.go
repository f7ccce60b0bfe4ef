package models

import "time"

// IntakeForm holds the free-text intake fields as a clinician types them.
type IntakeForm struct {
	PatientID          string `json:"patientId"`
	Symptoms           string `json:"symptoms"`
	MedicalHistory     string `json:"medicalHistory"`
	CurrentMedications string `json:"currentMedications"`
}

// ConsoleState is the single record a surface renders for one console.
type ConsoleState struct {
	ConsoleID string     `json:"consoleId"`
	Form      IntakeForm `json:"form"`
	SessionID string     `json:"sessionId,omitempty"`
	Session   *Session   `json:"session,omitempty"`
	Loading   bool       `json:"loading"`
	Polling   bool       `json:"polling"`
	Error     string     `json:"error,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// InputsLocked reports whether the intake form is read-only because a session is open.
func (s ConsoleState) InputsLocked() bool {
	return s.SessionID != ""
}

// CanSubmit mirrors the submit button gating: no open session, no request in flight,
// and both required fields filled in.
func (s ConsoleState) CanSubmit() bool {
	return !s.Loading && !s.InputsLocked() && s.Form.PatientID != "" && s.Form.Symptoms != ""
}

// CanDecide reports whether approve/reject controls are enabled.
func (s ConsoleState) CanDecide() bool {
	return !s.Loading && s.Session != nil && s.Session.Status == StatusAwaitingApproval
}
