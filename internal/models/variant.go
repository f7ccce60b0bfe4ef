package models

// Variant is the visual category a surface uses to render a status or risk badge.
type Variant string

const (
	VariantSuccess     Variant = "success"
	VariantDestructive Variant = "destructive"
	VariantWarning     Variant = "warning"
	VariantDefault     Variant = "default"
	VariantSecondary   Variant = "secondary"
	VariantOutline     Variant = "outline"
)

// StatusVariant maps a session status onto its badge category.
func StatusVariant(status AssessmentStatus) Variant {
	switch status {
	case StatusCompleted:
		return VariantSuccess
	case StatusRejected, StatusError:
		return VariantDestructive
	case StatusAwaitingApproval:
		return VariantWarning
	case StatusProcessing, StatusReprocessing:
		return VariantDefault
	default:
		return VariantOutline
	}
}

// RiskVariant maps a triage risk level onto its badge category.
func RiskVariant(level RiskLevel) Variant {
	switch level {
	case RiskCritical, RiskHigh:
		return VariantDestructive
	case RiskMedium:
		return VariantDefault
	case RiskLow:
		return VariantSecondary
	default:
		return VariantOutline
	}
}
