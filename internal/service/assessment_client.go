package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/noah-isme/health-assessment-client/internal/dto"
	"github.com/noah-isme/health-assessment-client/internal/models"
	appErrors "github.com/noah-isme/health-assessment-client/pkg/errors"
	"github.com/noah-isme/health-assessment-client/pkg/middleware/requestid"
)

const (
	opSubmit = "submit"
	opStatus = "status"
	opDecide = "decide"

	maxResponseBytes = 4 << 20
)

// Fallback messages used when the service returns no parseable error body.
const (
	msgSubmitFailed   = "failed to submit symptoms"
	msgStatusFailed   = "failed to fetch assessment status"
	msgDecisionFailed = "failed to process approval decision"
)

// AssessmentClientConfig configures the assessment service client.
type AssessmentClientConfig struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	PollInterval      time.Duration
	PollTimeout       time.Duration
}

// AssessmentClient talks to the remote assessment service. Every call is a
// single request/response exchange; failures are returned, never retried.
type AssessmentClient struct {
	baseURL   string
	client    *http.Client
	limiter   *rate.Limiter
	validator *validator.Validate
	metrics   *MetricsService
	logger    *zap.Logger

	pollInterval time.Duration
	pollTimeout  time.Duration
}

// NewAssessmentClient constructs an AssessmentClient with sane defaults.
func NewAssessmentClient(cfg AssessmentClientConfig, metrics *MetricsService, logger *zap.Logger) *AssessmentClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 120 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &AssessmentClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		client:       &http.Client{Timeout: timeout},
		limiter:      limiter,
		validator:    newValidator(),
		metrics:      metrics,
		logger:       logger,
		pollInterval: cfg.PollInterval,
		pollTimeout:  cfg.PollTimeout,
	}
}

func newValidator() *validator.Validate {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return validate
}

// Submit sends a new intake record and returns the session the service opened for it.
// Callers start polling when the returned status is in flight.
func (c *AssessmentClient) Submit(ctx context.Context, intake models.Intake) (*models.Session, error) {
	intake.PatientID = strings.TrimSpace(intake.PatientID)
	intake.Symptoms = strings.TrimSpace(intake.Symptoms)
	intake.MedicalHistory = strings.TrimSpace(intake.MedicalHistory)
	if err := c.validate(intake); err != nil {
		c.metrics.ObserveUpstream(opSubmit, "invalid", 0)
		return nil, err
	}

	c.logger.Info("submitting symptoms", zap.String("patient_id", intake.PatientID), zap.Int("medications", len(intake.CurrentMedications)))
	return c.do(ctx, opSubmit, http.MethodPost, "/symptoms", dto.NewSymptomsRequest(intake), msgSubmitFailed)
}

// FetchStatus retrieves the full current snapshot of a session.
func (c *AssessmentClient) FetchStatus(ctx context.Context, sessionID string) (*models.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		c.metrics.ObserveUpstream(opStatus, "invalid", 0)
		return nil, appErrors.Clone(appErrors.ErrValidation, "sessionId is required")
	}
	return c.do(ctx, opStatus, http.MethodGet, "/status/"+url.PathEscape(sessionID), nil, msgStatusFailed)
}

// Decide posts an approval decision. The session's current status is not
// re-checked here; gating on AWAITING_APPROVAL is the caller's job.
func (c *AssessmentClient) Decide(ctx context.Context, sessionID string, decision models.DecisionType, comments string) (*models.Session, error) {
	d := models.Decision{SessionID: strings.TrimSpace(sessionID), Decision: decision, Comments: strings.TrimSpace(comments)}
	if err := c.validate(d); err != nil {
		c.metrics.ObserveUpstream(opDecide, "invalid", 0)
		return nil, err
	}

	c.logger.Info("submitting decision", zap.String("session_id", d.SessionID), zap.String("decision", string(d.Decision)))
	body := dto.ApprovalRequest{Decision: d.Decision, Comments: d.Comments}
	return c.do(ctx, opDecide, http.MethodPost, "/approve/"+url.PathEscape(d.SessionID), body, msgDecisionFailed)
}

func (c *AssessmentClient) validate(v interface{}) error {
	err := c.validator.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		msg := fmt.Sprintf("%s is required", fe.Field())
		if fe.Tag() == "oneof" {
			msg = fmt.Sprintf("%s must be one of %s", fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", "))
		}
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, msg)
	}
	return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
}

func (c *AssessmentClient) do(ctx context.Context, operation, method, path string, body interface{}, fallback string) (*models.Session, error) {
	start := time.Now()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.metrics.ObserveUpstream(operation, "network_failure", time.Since(start))
			return nil, appErrors.NetworkFailure(err)
		}
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	reqID := requestid.FromContext(ctx)
	req.Header.Set(requestid.HeaderKey, reqID)

	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.ObserveUpstream(operation, "network_failure", time.Since(start))
		c.logger.Warn("assessment request failed", zap.String("operation", operation), zap.String("request_id", reqID), zap.Error(err))
		return nil, appErrors.NetworkFailure(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.metrics.ObserveUpstream(operation, "network_failure", time.Since(start))
		return nil, appErrors.NetworkFailure(err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg := fallback
		var svcErr dto.ServiceError
		if err := json.Unmarshal(raw, &svcErr); err == nil && strings.TrimSpace(svcErr.Message) != "" {
			msg = svcErr.Message
		}
		c.metrics.ObserveUpstream(operation, "request_failed", time.Since(start))
		c.logger.Warn("assessment service returned error",
			zap.String("operation", operation),
			zap.String("request_id", reqID),
			zap.Int("status", resp.StatusCode),
			zap.String("message", msg))
		return nil, appErrors.RequestFailed(resp.StatusCode, msg, nil)
	}

	var session models.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		c.metrics.ObserveUpstream(operation, "request_failed", time.Since(start))
		return nil, appErrors.RequestFailed(resp.StatusCode, fallback, err)
	}

	c.metrics.ObserveUpstream(operation, "ok", time.Since(start))
	c.logger.Debug("assessment response",
		zap.String("operation", operation),
		zap.String("request_id", reqID),
		zap.String("session_id", session.SessionID),
		zap.String("status", string(session.Status)))
	return &session, nil
}
