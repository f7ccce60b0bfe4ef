package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/noah-isme/health-assessment-client/internal/dto"
	"github.com/noah-isme/health-assessment-client/internal/models"
	appErrors "github.com/noah-isme/health-assessment-client/pkg/errors"
)

type decisionScript struct {
	reply models.Session
	then  []models.Session
}

// fakeAssessmentService replays scripted snapshots. The last queued status
// snapshot repeats once the queue is drained.
type fakeAssessmentService struct {
	mu          sync.Mutex
	submitReply models.Session
	submitCode  int
	statuses    []models.Session
	decisions   map[models.DecisionType]decisionScript
	approvals   []dto.ApprovalRequest
	approveGate chan struct{}
	arrived     chan struct{}
}

func (f *fakeAssessmentService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/symptoms":
		f.mu.Lock()
		code, reply := f.submitCode, f.submitReply
		f.mu.Unlock()
		if code != 0 {
			writeJSON(w, code, map[string]string{"message": "intake rejected"})
			return
		}
		writeJSON(w, http.StatusOK, reply)
	case strings.HasPrefix(r.URL.Path, "/status/"):
		f.mu.Lock()
		snapshot := f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, snapshot)
	case strings.HasPrefix(r.URL.Path, "/approve/"):
		var req dto.ApprovalRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if f.arrived != nil {
			f.arrived <- struct{}{}
		}
		if f.approveGate != nil {
			<-f.approveGate
		}
		f.mu.Lock()
		f.approvals = append(f.approvals, req)
		script := f.decisions[req.Decision]
		if len(script.then) > 0 {
			f.statuses = script.then
		}
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, script.reply)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeAssessmentService) recordedApprovals() []dto.ApprovalRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dto.ApprovalRequest(nil), f.approvals...)
}

func snapshot(status models.AssessmentStatus) models.Session {
	return models.Session{SessionID: "s-1", Status: status}
}

func awaitingHigh() models.Session {
	s := snapshot(models.StatusAwaitingApproval)
	s.CurrentAgent = "approval"
	s.Data = &models.AssessmentData{PatientID: "P-1", RiskLevel: models.RiskHigh}
	return s
}

func newTestConsole(t *testing.T, fake *fakeAssessmentService, cache *CacheService, opts ...PollOption) *ConsoleService {
	t.Helper()
	client, _ := newTestClient(t, fake, AssessmentClientConfig{})
	opts = append([]PollOption{WithPollInterval(5 * time.Millisecond)}, opts...)
	console := NewConsoleService("c-1", client, cache, nil, opts...)
	t.Cleanup(console.Close)
	return console
}

func waitPoll(t *testing.T, c *ConsoleService) {
	t.Helper()
	select {
	case <-c.PollDone():
	case <-time.After(2 * time.Second):
		t.Fatal("console poll loop did not finish")
	}
}

type stateRecorder struct {
	mu     sync.Mutex
	states []models.ConsoleState
}

func (r *stateRecorder) record(s models.ConsoleState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

// sessionStatuses returns observed snapshot statuses with consecutive repeats collapsed.
func (r *stateRecorder) sessionStatuses() []models.AssessmentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.AssessmentStatus
	for _, s := range r.states {
		if s.Session == nil {
			continue
		}
		if len(out) == 0 || out[len(out)-1] != s.Session.Status {
			out = append(out, s.Session.Status)
		}
	}
	return out
}

func fillForm(t *testing.T, c *ConsoleService) {
	t.Helper()
	_, err := c.UpdateForm(models.IntakeForm{PatientID: "P-1", Symptoms: "chest pain", CurrentMedications: "aspirin, warfarin"})
	require.NoError(t, err)
}

func TestConsoleSubmitPollsUntilAwaitingApproval(t *testing.T) {
	fake := &fakeAssessmentService{
		submitReply: snapshot(models.StatusProcessing),
		statuses:    []models.Session{snapshot(models.StatusProcessing), awaitingHigh()},
	}
	repo := newMemoryCacheRepo()
	console := newTestConsole(t, fake, NewCacheService(repo, nil, CacheConfig{Enabled: true}, nil))
	rec := &stateRecorder{}
	console.Subscribe(rec.record)
	fillForm(t, console)
	assert.True(t, console.State().CanSubmit())

	state, err := console.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s-1", state.SessionID)
	assert.True(t, state.InputsLocked())
	waitPoll(t, console)

	final := console.State()
	assert.Equal(t, models.StatusAwaitingApproval, final.Session.Status)
	assert.False(t, final.Polling)
	assert.True(t, final.CanDecide())
	assert.Equal(t, models.VariantDestructive, models.RiskVariant(final.Session.RiskLevel()))
	assert.Equal(t, []models.AssessmentStatus{models.StatusProcessing, models.StatusAwaitingApproval}, rec.sessionStatuses())
	assert.True(t, repo.has("assessment:session:s-1"))
}

func TestConsoleApproveCompletes(t *testing.T) {
	fake := &fakeAssessmentService{
		submitReply: awaitingHigh(),
		statuses:    []models.Session{snapshot(models.StatusCompleted)},
		decisions: map[models.DecisionType]decisionScript{
			models.DecisionApproved: {reply: snapshot(models.StatusCompleted)},
		},
	}
	console := newTestConsole(t, fake, nil)
	fillForm(t, console)
	_, err := console.Submit(context.Background())
	require.NoError(t, err)

	state, err := console.Decide(context.Background(), models.DecisionApproved, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, state.Session.Status)
	assert.False(t, state.Polling)
	assert.False(t, state.CanDecide())
	waitPoll(t, console)

	state, err = console.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, state.Session.Status)
	assert.False(t, state.Polling)

	approvals := fake.recordedApprovals()
	require.Len(t, approvals, 1)
	assert.Equal(t, models.DecisionApproved, approvals[0].Decision)
}

func TestConsoleRejectResumesPolling(t *testing.T) {
	reprocessing := snapshot(models.StatusReprocessing)
	reprocessing.Data = &models.AssessmentData{ReprocessingCount: 1, PhysicianFeedback: "check ECG"}
	fake := &fakeAssessmentService{
		submitReply: awaitingHigh(),
		statuses:    []models.Session{awaitingHigh()},
		decisions: map[models.DecisionType]decisionScript{
			models.DecisionRejected: {
				reply: reprocessing,
				then:  []models.Session{reprocessing, snapshot(models.StatusCompleted)},
			},
		},
	}
	console := newTestConsole(t, fake, nil)
	rec := &stateRecorder{}
	console.Subscribe(rec.record)
	fillForm(t, console)
	_, err := console.Submit(context.Background())
	require.NoError(t, err)

	state, err := console.Decide(context.Background(), models.DecisionRejected, " check ECG ")
	require.NoError(t, err)
	assert.Equal(t, models.StatusReprocessing, state.Session.Status)
	assert.Equal(t, 1, state.Session.Data.ReprocessingCount)
	assert.True(t, state.Polling)
	waitPoll(t, console)

	assert.Equal(t, models.StatusCompleted, console.State().Session.Status)
	assert.Equal(t, []models.AssessmentStatus{
		models.StatusAwaitingApproval,
		models.StatusReprocessing,
		models.StatusCompleted,
	}, rec.sessionStatuses())
	approvals := fake.recordedApprovals()
	require.Len(t, approvals, 1)
	assert.Equal(t, "check ECG", approvals[0].Comments)
}

func TestConsoleStableDeliveryEndsPollingInSameUpdate(t *testing.T) {
	fake := &fakeAssessmentService{
		submitReply: snapshot(models.StatusProcessing),
		statuses:    []models.Session{snapshot(models.StatusProcessing), awaitingHigh()},
	}
	console := newTestConsole(t, fake, nil)
	rec := &stateRecorder{}
	console.Subscribe(rec.record)
	fillForm(t, console)
	_, err := console.Submit(context.Background())
	require.NoError(t, err)
	waitPoll(t, console)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, s := range rec.states {
		if s.Session != nil && s.Session.Status == models.StatusAwaitingApproval {
			assert.False(t, s.Polling, "awaiting approval reported while still polling")
		}
	}
}

// Deciding straight from the update that ends polling must start a fresh loop
// for the reprocessing run.
func TestConsoleRejectAfterPolledApprovalResumesPolling(t *testing.T) {
	for i := 0; i < 25; i++ {
		reprocessing := snapshot(models.StatusReprocessing)
		reprocessing.Data = &models.AssessmentData{ReprocessingCount: 1}
		fake := &fakeAssessmentService{
			submitReply: snapshot(models.StatusProcessing),
			statuses:    []models.Session{snapshot(models.StatusProcessing), awaitingHigh()},
			decisions: map[models.DecisionType]decisionScript{
				models.DecisionRejected: {
					reply: reprocessing,
					then:  []models.Session{reprocessing, snapshot(models.StatusCompleted)},
				},
			},
		}
		console := newTestConsole(t, fake, nil)
		rec := &stateRecorder{}
		console.Subscribe(rec.record)
		awaiting := make(chan struct{}, 1)
		console.Subscribe(func(s models.ConsoleState) {
			if s.Session != nil && s.Session.Status == models.StatusAwaitingApproval {
				select {
				case awaiting <- struct{}{}:
				default:
				}
			}
		})
		fillForm(t, console)
		_, err := console.Submit(context.Background())
		require.NoError(t, err)

		select {
		case <-awaiting:
		case <-time.After(2 * time.Second):
			t.Fatal("session never reached awaiting approval")
		}
		assert.Equal(t, models.VariantDestructive, models.RiskVariant(console.State().Session.RiskLevel()))

		state, err := console.Decide(context.Background(), models.DecisionRejected, "repeat troponin")
		require.NoError(t, err)
		require.Equal(t, models.StatusReprocessing, state.Session.Status)
		require.True(t, state.Polling, "run %d: polling did not resume after reject", i)

		require.Eventually(t, func() bool {
			s := console.State()
			return s.Session.Status == models.StatusCompleted && !s.Polling
		}, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, []models.AssessmentStatus{
			models.StatusProcessing,
			models.StatusAwaitingApproval,
			models.StatusReprocessing,
			models.StatusCompleted,
		}, rec.sessionStatuses())
		console.Close()
	}
}

func TestConsoleDecideLogsFailedInvalidation(t *testing.T) {
	fake := &fakeAssessmentService{
		submitReply: awaitingHigh(),
		statuses:    []models.Session{snapshot(models.StatusCompleted)},
		decisions: map[models.DecisionType]decisionScript{
			models.DecisionApproved: {reply: snapshot(models.StatusCompleted)},
		},
	}
	repo := newMemoryCacheRepo()
	repo.delErr = errors.New("redis down")
	core, logs := observer.New(zapcore.DebugLevel)
	client, _ := newTestClient(t, fake, AssessmentClientConfig{})
	console := NewConsoleService("c-1", client, NewCacheService(repo, nil, CacheConfig{Enabled: true}, nil), zap.New(core))
	t.Cleanup(console.Close)
	fillForm(t, console)
	_, err := console.Submit(context.Background())
	require.NoError(t, err)

	state, err := console.Decide(context.Background(), models.DecisionApproved, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, state.Session.Status)

	entries := logs.FilterMessage("cached snapshot not invalidated").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "s-1", entries[0].ContextMap()["session_id"])
	assert.Equal(t, "redis down", entries[0].ContextMap()["error"])
}

func TestConsoleDecisionGating(t *testing.T) {
	fake := &fakeAssessmentService{
		submitReply: snapshot(models.StatusProcessing),
		statuses:    []models.Session{snapshot(models.StatusProcessing)},
	}
	console := newTestConsole(t, fake, nil, WithPollInterval(time.Hour))

	_, err := console.Decide(context.Background(), models.DecisionApproved, "")
	assert.True(t, errors.Is(err, appErrors.ErrPreconditionFailed))

	fillForm(t, console)
	_, err = console.Submit(context.Background())
	require.NoError(t, err)

	_, err = console.Decide(context.Background(), models.DecisionApproved, "")
	assert.True(t, errors.Is(err, appErrors.ErrPreconditionFailed))
	assert.Empty(t, fake.recordedApprovals())
}

func TestConsoleRejectsDuplicateDecision(t *testing.T) {
	fake := &fakeAssessmentService{
		submitReply: awaitingHigh(),
		statuses:    []models.Session{awaitingHigh()},
		decisions: map[models.DecisionType]decisionScript{
			models.DecisionApproved: {reply: snapshot(models.StatusCompleted)},
		},
		approveGate: make(chan struct{}),
		arrived:     make(chan struct{}, 1),
	}
	console := newTestConsole(t, fake, nil)
	fillForm(t, console)
	_, err := console.Submit(context.Background())
	require.NoError(t, err)

	firstErr := make(chan error, 1)
	go func() {
		_, err := console.Decide(context.Background(), models.DecisionApproved, "")
		firstErr <- err
	}()
	<-fake.arrived
	assert.True(t, console.State().Loading)

	_, err = console.Decide(context.Background(), models.DecisionApproved, "")
	assert.True(t, errors.Is(err, appErrors.ErrConflict))

	close(fake.approveGate)
	require.NoError(t, <-firstErr)
	assert.Len(t, fake.recordedApprovals(), 1)
	assert.False(t, console.State().Loading)
}

func TestConsoleLocksInputsWhileSessionOpen(t *testing.T) {
	fake := &fakeAssessmentService{
		submitReply: awaitingHigh(),
		statuses:    []models.Session{awaitingHigh()},
	}
	console := newTestConsole(t, fake, nil)
	fillForm(t, console)
	_, err := console.Submit(context.Background())
	require.NoError(t, err)

	_, err = console.UpdateForm(models.IntakeForm{PatientID: "P-2", Symptoms: "other"})
	assert.True(t, errors.Is(err, appErrors.ErrConflict))
	_, err = console.Submit(context.Background())
	assert.True(t, errors.Is(err, appErrors.ErrConflict))
	assert.Equal(t, "P-1", console.State().Form.PatientID)
}

func TestConsoleNewAssessmentStopsPolling(t *testing.T) {
	fake := &fakeAssessmentService{
		submitReply: snapshot(models.StatusProcessing),
		statuses:    []models.Session{snapshot(models.StatusProcessing)},
	}
	console := newTestConsole(t, fake, nil)
	fillForm(t, console)
	_, err := console.Submit(context.Background())
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	state := console.NewAssessment()
	assert.Empty(t, state.SessionID)
	assert.Nil(t, state.Session)
	assert.False(t, state.Polling)
	assert.Empty(t, state.Form.PatientID)

	time.Sleep(50 * time.Millisecond)
	after := console.State()
	assert.Nil(t, after.Session)
	assert.Empty(t, after.SessionID)
	assert.Equal(t, "c-1", after.ConsoleID)

	_, err = console.UpdateForm(models.IntakeForm{PatientID: "P-2", Symptoms: "rash"})
	assert.NoError(t, err)
}

func TestConsolePollTimeoutSetsError(t *testing.T) {
	fake := &fakeAssessmentService{
		submitReply: snapshot(models.StatusProcessing),
		statuses:    []models.Session{snapshot(models.StatusProcessing)},
	}
	console := newTestConsole(t, fake, nil, WithPollTimeout(40*time.Millisecond))
	fillForm(t, console)
	_, err := console.Submit(context.Background())
	require.NoError(t, err)
	waitPoll(t, console)

	state := console.State()
	assert.Equal(t, "status polling timed out", state.Error)
	assert.False(t, state.Polling)
	assert.Equal(t, models.StatusProcessing, state.Session.Status)
}

func TestConsoleRefreshResumesPolling(t *testing.T) {
	fake := &fakeAssessmentService{
		submitReply: snapshot(models.StatusProcessing),
		statuses:    []models.Session{snapshot(models.StatusProcessing)},
	}
	console := newTestConsole(t, fake, nil, WithPollTimeout(30*time.Millisecond))
	fillForm(t, console)
	_, err := console.Submit(context.Background())
	require.NoError(t, err)
	waitPoll(t, console)
	require.Equal(t, "status polling timed out", console.State().Error)

	fake.mu.Lock()
	fake.statuses = []models.Session{snapshot(models.StatusProcessing), snapshot(models.StatusCompleted)}
	fake.mu.Unlock()

	state, err := console.Refresh(context.Background())
	require.NoError(t, err)
	assert.Empty(t, state.Error)
	assert.True(t, state.Polling)
	waitPoll(t, console)
	assert.Equal(t, models.StatusCompleted, console.State().Session.Status)
}

func TestConsoleSubmitFailureRecordsError(t *testing.T) {
	fake := &fakeAssessmentService{submitCode: http.StatusBadRequest}
	console := newTestConsole(t, fake, nil)
	fillForm(t, console)

	state, err := console.Submit(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrRequestFailed))
	assert.Equal(t, "intake rejected", state.Error)
	assert.Empty(t, state.SessionID)
	assert.False(t, state.Loading)

	_, err = console.Refresh(context.Background())
	assert.True(t, errors.Is(err, appErrors.ErrPreconditionFailed))

	fake.mu.Lock()
	fake.submitCode = 0
	fake.submitReply = awaitingHigh()
	fake.statuses = []models.Session{awaitingHigh()}
	fake.mu.Unlock()

	state, err = console.Submit(context.Background())
	require.NoError(t, err)
	assert.Empty(t, state.Error)
}

func TestConsoleClose(t *testing.T) {
	fake := &fakeAssessmentService{
		submitReply: snapshot(models.StatusProcessing),
		statuses:    []models.Session{snapshot(models.StatusProcessing)},
	}
	console := newTestConsole(t, fake, nil)
	fillForm(t, console)
	_, err := console.Submit(context.Background())
	require.NoError(t, err)

	console.Close()
	console.Close()
	_, err = console.Refresh(context.Background())
	assert.True(t, errors.Is(err, appErrors.ErrConflict))
	select {
	case <-console.PollDone():
	default:
		t.Fatal("poll done channel should be closed after Close")
	}
}
