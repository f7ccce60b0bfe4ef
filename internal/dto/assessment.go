package dto

import "github.com/noah-isme/health-assessment-client/internal/models"

// SymptomsRequest is the body of POST /symptoms. MedicalHistory is sent as
// null when empty and CurrentMedications as [] when there are none.
type SymptomsRequest struct {
	PatientID          string   `json:"patientId"`
	Symptoms           string   `json:"symptoms"`
	MedicalHistory     *string  `json:"medicalHistory"`
	CurrentMedications []string `json:"currentMedications"`
}

// NewSymptomsRequest converts an intake record into its wire form.
func NewSymptomsRequest(intake models.Intake) SymptomsRequest {
	req := SymptomsRequest{
		PatientID:          intake.PatientID,
		Symptoms:           intake.Symptoms,
		CurrentMedications: intake.CurrentMedications,
	}
	if intake.MedicalHistory != "" {
		history := intake.MedicalHistory
		req.MedicalHistory = &history
	}
	if req.CurrentMedications == nil {
		req.CurrentMedications = []string{}
	}
	return req
}

// ApprovalRequest is the body of POST /approve/{sessionId}.
type ApprovalRequest struct {
	Decision models.DecisionType `json:"decision"`
	Comments string              `json:"comments"`
}

// ServiceError is the error body returned by the assessment service on non-success responses.
type ServiceError struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message"`
}

// DecisionRequest is the gateway body for approving or rejecting a console's session.
type DecisionRequest struct {
	Decision string `json:"decision" binding:"required"`
	Comments string `json:"comments"`
}

// ConsoleResponse wraps console state with derived render hints for browser clients.
type ConsoleResponse struct {
	models.ConsoleState
	InputsLocked  bool           `json:"inputsLocked"`
	CanSubmit     bool           `json:"canSubmit"`
	CanDecide     bool           `json:"canDecide"`
	StatusVariant models.Variant `json:"statusVariant,omitempty"`
	RiskVariant   models.Variant `json:"riskVariant,omitempty"`
}

// NewConsoleResponse derives render hints from state.
func NewConsoleResponse(state models.ConsoleState) ConsoleResponse {
	resp := ConsoleResponse{
		ConsoleState: state,
		InputsLocked: state.InputsLocked(),
		CanSubmit:    state.CanSubmit(),
		CanDecide:    state.CanDecide(),
	}
	if state.Session != nil {
		resp.StatusVariant = models.StatusVariant(state.Session.Status)
		if level := state.Session.RiskLevel(); level != "" {
			resp.RiskVariant = models.RiskVariant(level)
		}
	}
	return resp
}

// BatchOutcome is one row of a batch submission report.
type BatchOutcome struct {
	PatientID string                  `json:"patientId"`
	SessionID string                  `json:"sessionId,omitempty"`
	Status    models.AssessmentStatus `json:"status,omitempty"`
	RiskLevel models.RiskLevel        `json:"riskLevel,omitempty"`
	Message   string                  `json:"message,omitempty"`
	Error     string                  `json:"error,omitempty"`
}
