package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/health-assessment-client/internal/dto"
	"github.com/noah-isme/health-assessment-client/internal/models"
	"github.com/noah-isme/health-assessment-client/internal/service"
	appErrors "github.com/noah-isme/health-assessment-client/pkg/errors"
)

type fakeUpstream struct {
	mu        sync.Mutex
	statuses  []models.Session
	approvals []dto.ApprovalRequest
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.URL.Path == "/symptoms":
		_ = json.NewEncoder(w).Encode(models.Session{SessionID: "s-1", Status: models.StatusProcessing, Message: "started"})
	case strings.HasPrefix(r.URL.Path, "/status/"):
		current := f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
		_ = json.NewEncoder(w).Encode(current)
	case strings.HasPrefix(r.URL.Path, "/approve/"):
		var req dto.ApprovalRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.approvals = append(f.approvals, req)
		_ = json.NewEncoder(w).Encode(models.Session{SessionID: "s-1", Status: models.StatusCompleted})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeUpstream) recordedApprovals() []dto.ApprovalRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dto.ApprovalRequest(nil), f.approvals...)
}

func newTestApp(t *testing.T, upstream http.Handler) (*app, *bytes.Buffer) {
	t.Helper()
	server := httptest.NewServer(upstream)
	t.Cleanup(server.Close)

	client := service.NewAssessmentClient(service.AssessmentClientConfig{
		BaseURL:      server.URL,
		PollInterval: 5 * time.Millisecond,
		PollTimeout:  time.Second,
	}, nil, nil)
	out := &bytes.Buffer{}
	return &app{
		client:  client,
		exports: service.NewExportService(nil, nil, nil),
		batch:   service.NewBatchService(client, service.BatchConfig{Workers: 2}, nil),
		stdin:   strings.NewReader(""),
		stdout:  out,
	}, out
}

func awaiting() models.Session {
	return models.Session{
		SessionID: "s-1",
		Status:    models.StatusAwaitingApproval,
		Data:      &models.AssessmentData{RiskLevel: models.RiskHigh, SymptomsSummary: "chest pain"},
	}
}

func TestSubmitWaitPrintsStatusChanges(t *testing.T) {
	upstream := &fakeUpstream{statuses: []models.Session{
		{SessionID: "s-1", Status: models.StatusProcessing},
		awaiting(),
	}}
	a, out := newTestApp(t, upstream)

	err := a.run(context.Background(), []string{"submit", "-patient", "P-1", "-symptoms", "chest pain", "-meds", "aspirin, warfarin", "-wait"})
	require.NoError(t, err)

	text := out.String()
	assert.Equal(t, 1, strings.Count(text, "PROCESSING"))
	assert.Contains(t, text, "s-1\tAWAITING_APPROVAL")
	assert.Contains(t, text, "Risk Level:")
}

func TestSubmitValidationIsUsageExit(t *testing.T) {
	a, _ := newTestApp(t, &fakeUpstream{})
	err := a.run(context.Background(), []string{"submit", "-patient", "P-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
	assert.Equal(t, 2, exitCode(err))
}

func TestApproveRequiresAwaitingApproval(t *testing.T) {
	upstream := &fakeUpstream{statuses: []models.Session{{SessionID: "s-1", Status: models.StatusProcessing}}}
	a, _ := newTestApp(t, upstream)

	err := a.run(context.Background(), []string{"approve", "s-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrPreconditionFailed))
	assert.Empty(t, upstream.recordedApprovals())
}

func TestRejectSendsComments(t *testing.T) {
	upstream := &fakeUpstream{statuses: []models.Session{awaiting()}}
	a, out := newTestApp(t, upstream)

	err := a.run(context.Background(), []string{"reject", "s-1", "-comments", "order an ECG"})
	require.NoError(t, err)
	approvals := upstream.recordedApprovals()
	require.Len(t, approvals, 1)
	assert.Equal(t, models.DecisionRejected, approvals[0].Decision)
	assert.Equal(t, "order an ECG", approvals[0].Comments)
	assert.Contains(t, out.String(), "COMPLETED")
}

func TestStatusJSONAndMissingSessionID(t *testing.T) {
	a, out := newTestApp(t, &fakeUpstream{statuses: []models.Session{awaiting()}})

	require.NoError(t, a.run(context.Background(), []string{"status", "-json", "s-1"}))
	var session models.Session
	require.NoError(t, json.Unmarshal(out.Bytes(), &session))
	assert.Equal(t, models.RiskHigh, session.RiskLevel())

	err := a.run(context.Background(), []string{"status"})
	assert.True(t, errors.Is(err, errUsage))
}

func TestWatchTimesOut(t *testing.T) {
	server := httptest.NewServer(&fakeUpstream{statuses: []models.Session{{SessionID: "s-1", Status: models.StatusProcessing}}})
	t.Cleanup(server.Close)
	a := &app{
		client: service.NewAssessmentClient(service.AssessmentClientConfig{
			BaseURL:      server.URL,
			PollInterval: 5 * time.Millisecond,
			PollTimeout:  40 * time.Millisecond,
		}, nil, nil),
		stdout: &bytes.Buffer{},
	}

	err := a.run(context.Background(), []string{"watch", "s-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, service.ErrPollTimeout))
	assert.Equal(t, 3, exitCode(err))
}

func TestExportWritesFile(t *testing.T) {
	a, out := newTestApp(t, &fakeUpstream{statuses: []models.Session{awaiting()}})
	path := filepath.Join(t.TempDir(), "report.csv")

	require.NoError(t, a.run(context.Background(), []string{"export", "s-1", "-format", "csv", "-o", path}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "Field,Value"))
	assert.Contains(t, out.String(), "wrote "+path)
}

func TestBatchPrintsOutcomeCSV(t *testing.T) {
	a, out := newTestApp(t, &fakeUpstream{statuses: []models.Session{awaiting()}})
	a.stdin = strings.NewReader("patientId,symptoms\nP-1,fever\n")

	require.NoError(t, a.run(context.Background(), []string{"batch"}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "P-1,s-1,AWAITING_APPROVAL,HIGH,,", lines[1])
}

func TestUnknownCommand(t *testing.T) {
	a, out := newTestApp(t, &fakeUpstream{})
	err := a.run(context.Background(), []string{"frobnicate"})
	assert.True(t, errors.Is(err, errUsage))
	assert.Contains(t, out.String(), "usage: assess")
}
