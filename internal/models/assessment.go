package models

import (
	"encoding/json"
	"strings"
)

// AssessmentStatus is the lifecycle state reported by the assessment service.
type AssessmentStatus string

const (
	StatusProcessing       AssessmentStatus = "PROCESSING"
	StatusReprocessing     AssessmentStatus = "REPROCESSING"
	StatusAwaitingApproval AssessmentStatus = "AWAITING_APPROVAL"
	StatusCompleted        AssessmentStatus = "COMPLETED"
	StatusRejected         AssessmentStatus = "REJECTED"
	StatusError            AssessmentStatus = "ERROR"
)

// InFlight reports whether the service is still working on the session and polling should continue.
// REJECTED is stable here even though the service may follow it with a REPROCESSING cycle.
func (s AssessmentStatus) InFlight() bool {
	return s == StatusProcessing || s == StatusReprocessing
}

// Valid reports whether s is one of the known statuses.
func (s AssessmentStatus) Valid() bool {
	switch s {
	case StatusProcessing, StatusReprocessing, StatusAwaitingApproval, StatusCompleted, StatusRejected, StatusError:
		return true
	}
	return false
}

// RiskLevel is the triage outcome.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// DecisionType is the clinician's verdict on the generated document.
type DecisionType string

const (
	DecisionApproved DecisionType = "APPROVED"
	DecisionRejected DecisionType = "REJECTED"
)

// Valid reports whether d is APPROVED or REJECTED.
func (d DecisionType) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// ParseDecision normalises user input such as "approve" or "rejected".
func ParseDecision(raw string) (DecisionType, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "APPROVED", "APPROVE":
		return DecisionApproved, true
	case "REJECTED", "REJECT":
		return DecisionRejected, true
	}
	return "", false
}

// DefaultMaxReprocessingIterations is shown when the service omits the limit.
const DefaultMaxReprocessingIterations = 3

// Intake is a patient intake record as submitted to the service.
type Intake struct {
	PatientID          string   `json:"patientId" validate:"required"`
	Symptoms           string   `json:"symptoms" validate:"required"`
	MedicalHistory     string   `json:"medicalHistory,omitempty"`
	CurrentMedications []string `json:"currentMedications"`
}

// Decision is an approval verdict for one session. It is never retained.
type Decision struct {
	SessionID string       `json:"-" validate:"required"`
	Decision  DecisionType `json:"decision" validate:"required,oneof=APPROVED REJECTED"`
	Comments  string       `json:"comments"`
}

// Session is a complete snapshot of an assessment session. Snapshots always
// replace the previously held one; they are never merged.
type Session struct {
	SessionID    string           `json:"sessionId"`
	Status       AssessmentStatus `json:"status"`
	CurrentAgent string           `json:"currentAgent,omitempty"`
	Message      string           `json:"message,omitempty"`
	Data         *AssessmentData  `json:"data,omitempty"`
}

// Stable reports whether no further polling is needed.
func (s *Session) Stable() bool {
	return s != nil && !s.Status.InFlight()
}

// RiskLevel returns the triage risk level, or "" when no result is present.
func (s *Session) RiskLevel() RiskLevel {
	if s == nil || s.Data == nil {
		return ""
	}
	return s.Data.RiskLevel
}

// AssessmentData is the multi-agent result payload.
type AssessmentData struct {
	PatientID                 string          `json:"patientId,omitempty"`
	RiskLevel                 RiskLevel       `json:"riskLevel,omitempty"`
	SymptomsSummary           string          `json:"symptomsSummary,omitempty"`
	TriageRecommendations     string          `json:"triageRecommendations,omitempty"`
	RecommendedLabExams       []string        `json:"recommendedLabExams,omitempty"`
	RecommendedImagingExams   []string        `json:"recommendedImagingExams,omitempty"`
	ExamPriority              string          `json:"examPriority,omitempty"`
	ExamRecommendations       string          `json:"examRecommendations,omitempty"`
	DrugInteractions          []string        `json:"drugInteractions,omitempty"`
	Contraindications         []string        `json:"contraindications,omitempty"`
	PharmacistRecommendations string          `json:"pharmacistRecommendations,omitempty"`
	CommunicationText         string          `json:"communicationText,omitempty"`
	FHIRDocument              json.RawMessage `json:"fhirDocument,omitempty"`
	ApprovalStatus            string          `json:"approvalStatus,omitempty"`
	ApprovalComments          string          `json:"approvalComments,omitempty"`
	ReprocessingCount         int             `json:"reprocessingCount"`
	MaxReprocessingIterations int             `json:"maxReprocessingIterations,omitempty"`
	PhysicianFeedback         string          `json:"physicianFeedback,omitempty"`
	AssessmentHistory         []string        `json:"assessmentHistory,omitempty"`
	ErrorMessage              string          `json:"errorMessage,omitempty"`
}

// MaxIterations returns the reprocessing limit, falling back to the service default.
func (d *AssessmentData) MaxIterations() int {
	if d == nil || d.MaxReprocessingIterations <= 0 {
		return DefaultMaxReprocessingIterations
	}
	return d.MaxReprocessingIterations
}

// FHIRText returns the generated document as text. The service may send it
// either as a JSON object or as a JSON-encoded string.
func (d *AssessmentData) FHIRText() string {
	if d == nil || len(d.FHIRDocument) == 0 || string(d.FHIRDocument) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(d.FHIRDocument, &s); err == nil {
		return s
	}
	return string(d.FHIRDocument)
}
