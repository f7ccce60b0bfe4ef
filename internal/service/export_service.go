package service

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/health-assessment-client/internal/models"
	appErrors "github.com/noah-isme/health-assessment-client/pkg/errors"
	"github.com/noah-isme/health-assessment-client/pkg/export"
)

// ReportFormat identifies a rendered report type.
type ReportFormat string

const (
	FormatCSV ReportFormat = "csv"
	FormatPDF ReportFormat = "pdf"
)

// ParseReportFormat accepts "csv" or "pdf" in any case. An empty value means PDF.
func ParseReportFormat(raw string) (ReportFormat, error) {
	switch ReportFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatPDF:
		return FormatPDF, nil
	case FormatCSV:
		return FormatCSV, nil
	}
	return "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported format %q", raw))
}

// Report is a rendered assessment report.
type Report struct {
	Filename    string
	ContentType string
	Data        []byte
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

const (
	columnField = "Field"
	columnValue = "Value"
)

// ExportService renders session snapshots as downloadable reports.
type ExportService struct {
	csv    csvRenderer
	pdf    pdfRenderer
	logger *zap.Logger
}

// NewExportService constructs an ExportService. Nil renderers fall back to the pkg/export defaults.
func NewExportService(logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{csv: csv, pdf: pdf, logger: logger}
}

// Render builds a report for session in the requested format.
func (s *ExportService) Render(session *models.Session, format ReportFormat) (*Report, error) {
	if session == nil || session.Data == nil {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "assessment has no results to export yet")
	}

	dataset := BuildReportDataset(session)
	base := fmt.Sprintf("assessment-%s", safeFilename(session.SessionID))

	var (
		data []byte
		err  error
	)
	report := &Report{}
	switch format {
	case FormatCSV:
		data, err = s.csv.Render(dataset)
		report.Filename = base + ".csv"
		report.ContentType = "text/csv"
	case FormatPDF:
		data, err = s.pdf.Render(dataset, fmt.Sprintf("Health Assessment %s", session.SessionID))
		report.Filename = base + ".pdf"
		report.ContentType = "application/pdf"
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported format %q", format))
	}
	if err != nil {
		s.logger.Error("report render failed", zap.String("session_id", session.SessionID), zap.String("format", string(format)), zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render report")
	}
	report.Data = data
	return report, nil
}

// BuildReportDataset flattens a snapshot into Field/Value rows. Empty fields are skipped.
func BuildReportDataset(session *models.Session) export.Dataset {
	ds := export.Dataset{Headers: []string{columnField, columnValue}}
	add := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		ds.Rows = append(ds.Rows, map[string]string{columnField: field, columnValue: value})
	}

	add("Session ID", session.SessionID)
	add("Status", string(session.Status))
	add("Current Agent", session.CurrentAgent)
	add("Message", session.Message)

	d := session.Data
	if d == nil {
		return ds
	}
	add("Patient ID", d.PatientID)
	add("Risk Level", string(d.RiskLevel))
	add("Symptoms Summary", d.SymptomsSummary)
	add("Triage Recommendations", d.TriageRecommendations)
	add("Exam Priority", d.ExamPriority)
	add("Laboratory Exams", strings.Join(d.RecommendedLabExams, "; "))
	add("Imaging Exams", strings.Join(d.RecommendedImagingExams, "; "))
	add("Exam Recommendations", d.ExamRecommendations)
	add("Drug Interactions", strings.Join(d.DrugInteractions, "; "))
	add("Contraindications", strings.Join(d.Contraindications, "; "))
	add("Pharmacist Recommendations", d.PharmacistRecommendations)
	add("Patient Communication", d.CommunicationText)
	add("Approval Status", d.ApprovalStatus)
	add("Approval Comments", d.ApprovalComments)
	if d.ReprocessingCount > 0 {
		add("Reprocessing Iteration", fmt.Sprintf("%d / %d", d.ReprocessingCount, d.MaxIterations()))
	}
	add("Physician Feedback", d.PhysicianFeedback)
	add("Assessment History", strings.Join(d.AssessmentHistory, "\n"))
	add("Error", d.ErrorMessage)
	return ds
}

func safeFilename(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "report"
	}
	return b.String()
}
