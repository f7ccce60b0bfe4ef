package service

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/health-assessment-client/internal/dto"
	"github.com/noah-isme/health-assessment-client/internal/models"
	appErrors "github.com/noah-isme/health-assessment-client/pkg/errors"
	"github.com/noah-isme/health-assessment-client/pkg/export"
	"github.com/noah-isme/health-assessment-client/pkg/jobs"
)

const batchJobType = "assessment_intake"

// BatchConfig tunes the batch worker pool.
type BatchConfig struct {
	Workers    int
	BufferSize int
}

// BatchService submits many intakes concurrently and follows each to a stable status.
type BatchService struct {
	client *AssessmentClient
	cfg    BatchConfig
	logger *zap.Logger
}

type batchItem struct {
	index int
	form  models.IntakeForm
}

// NewBatchService constructs a BatchService.
func NewBatchService(client *AssessmentClient, cfg BatchConfig, logger *zap.Logger) *BatchService {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchService{client: client, cfg: cfg, logger: logger}
}

// Run processes forms on a worker queue and returns one outcome per form, in input order.
// Individual failures are reported in the outcome rows; Run itself only fails on cancellation
// before every form could be queued.
func (s *BatchService) Run(ctx context.Context, forms []models.IntakeForm) ([]dto.BatchOutcome, error) {
	outcomes := make([]dto.BatchOutcome, len(forms))
	if len(forms) == 0 {
		return outcomes, nil
	}

	finished := make(chan struct{}, len(forms))
	queue := jobs.NewQueue("assessment-batch", func(jobCtx context.Context, job jobs.Job) error {
		item, ok := job.Payload.(batchItem)
		if !ok {
			return fmt.Errorf("unexpected payload %T", job.Payload)
		}
		outcomes[item.index] = s.process(jobCtx, item.form)
		if outcomes[item.index].Error != "" {
			return errors.New(outcomes[item.index].Error)
		}
		return nil
	}, jobs.QueueConfig{
		Workers:    s.cfg.Workers,
		BufferSize: s.cfg.BufferSize,
		MaxRetries: 0,
		OnDone:     func(jobs.Job, error) { finished <- struct{}{} },
		Logger:     s.logger,
	})
	queue.Start(ctx)
	// Stop waits for running jobs, so outcomes is not written after Run returns.
	defer queue.Stop()

	queued := 0
	var enqueueErr error
	for i, form := range forms {
		if err := queue.Enqueue(jobs.Job{Type: batchJobType, Payload: batchItem{index: i, form: form}}); err != nil {
			enqueueErr = err
			for j := i; j < len(forms); j++ {
				outcomes[j] = dto.BatchOutcome{PatientID: strings.TrimSpace(forms[j].PatientID), Error: "not submitted: batch cancelled"}
			}
			break
		}
		queued++
	}

	for n := 0; n < queued; n++ {
		select {
		case <-finished:
		case <-ctx.Done():
			return outcomes, appErrors.NetworkFailure(ctx.Err())
		}
	}

	if enqueueErr != nil {
		return outcomes, appErrors.NetworkFailure(enqueueErr)
	}
	return outcomes, nil
}

func (s *BatchService) process(ctx context.Context, form models.IntakeForm) dto.BatchOutcome {
	intake := models.Intake{
		PatientID:          form.PatientID,
		Symptoms:           form.Symptoms,
		MedicalHistory:     form.MedicalHistory,
		CurrentMedications: ParseMedications(form.CurrentMedications),
	}
	outcome := dto.BatchOutcome{PatientID: strings.TrimSpace(form.PatientID)}

	session, err := s.client.Submit(ctx, intake)
	if err != nil {
		outcome.Error = appErrors.Message(err)
		return outcome
	}
	last := *session

	if session.Status.InFlight() {
		// Updates run on the loop goroutine before Done closes.
		handle := s.client.Poll(ctx, session.SessionID, func(update models.Session) {
			last = update
		})
		<-handle.Done()
		switch err := handle.Err(); {
		case errors.Is(err, ErrPollTimeout):
			outcome.Error = err.Error()
		case errors.Is(err, context.Canceled):
			outcome.Error = "status polling cancelled"
		}
	}

	outcome.SessionID = session.SessionID
	outcome.Status = last.Status
	outcome.RiskLevel = last.RiskLevel()
	outcome.Message = last.Message
	if last.Status == models.StatusError && outcome.Error == "" {
		outcome.Error = last.Message
	}
	s.logger.Info("batch intake finished",
		zap.String("patient_id", outcome.PatientID),
		zap.String("session_id", outcome.SessionID),
		zap.String("status", string(outcome.Status)))
	return outcome
}

var batchColumns = []string{"patientId", "symptoms", "medicalHistory", "currentMedications"}

// ParseBatchCSV reads intake forms from CSV with a header row naming
// patientId, symptoms, medicalHistory and currentMedications. Only the
// first two columns are required.
func ParseBatchCSV(r io.Reader) ([]models.IntakeForm, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "batch file has no header row")
	}
	index := map[string]int{}
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}
	for _, required := range batchColumns[:2] {
		if _, ok := index[required]; !ok {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("batch file is missing column %q", required))
		}
	}

	column := func(record []string, name string) string {
		i, ok := index[name]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}

	var forms []models.IntakeForm
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid batch file")
		}
		forms = append(forms, models.IntakeForm{
			PatientID:          column(record, batchColumns[0]),
			Symptoms:           column(record, batchColumns[1]),
			MedicalHistory:     column(record, batchColumns[2]),
			CurrentMedications: column(record, batchColumns[3]),
		})
	}
	return forms, nil
}

// BatchOutcomeDataset converts outcomes into a dataset for the CSV exporter.
func BatchOutcomeDataset(outcomes []dto.BatchOutcome) export.Dataset {
	headers := []string{"patientId", "sessionId", "status", "riskLevel", "message", "error"}
	ds := export.Dataset{Headers: headers}
	for _, o := range outcomes {
		ds.Rows = append(ds.Rows, map[string]string{
			"patientId": o.PatientID,
			"sessionId": o.SessionID,
			"status":    string(o.Status),
			"riskLevel": string(o.RiskLevel),
			"message":   o.Message,
			"error":     o.Error,
		})
	}
	return ds
}
