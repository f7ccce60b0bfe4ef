package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/health-assessment-client/internal/models"
	appErrors "github.com/noah-isme/health-assessment-client/pkg/errors"
)

var (
	errSessionOpen    = appErrors.Clone(appErrors.ErrConflict, "an assessment is already open; start a new assessment first")
	errRequestPending = appErrors.Clone(appErrors.ErrConflict, "a request is already in progress")
	errConsoleClosed  = appErrors.Clone(appErrors.ErrConflict, "console is closed")
	errNoSession      = appErrors.Clone(appErrors.ErrPreconditionFailed, "no assessment is open")
	errNotAwaiting    = appErrors.Clone(appErrors.ErrPreconditionFailed, "assessment is not awaiting approval")
)

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// ConsoleListener is notified with the full console state after every change.
// Listeners run synchronously and must not call back into the console.
type ConsoleListener func(models.ConsoleState)

// ConsoleService holds the state of one clinician console: the intake form,
// the open session and its latest snapshot. Snapshots are only ever replaced.
//
// Each poll loop is tagged with a generation; deliveries from a superseded
// loop are dropped. Poll handles are always cancelled outside c.mu because a
// delivery holds the handle's lock while it waits for c.mu.
type ConsoleService struct {
	client   *AssessmentClient
	cache    *CacheService
	logger   *zap.Logger
	pollOpts []PollOption

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      models.ConsoleState
	epoch      uint64
	pollGen    uint64
	poll       *PollHandle
	pollDone   chan struct{}
	closed     bool
	lastActive time.Time
	listeners  map[int]ConsoleListener
	nextID     int

	notifyMu sync.Mutex
}

// NewConsoleService creates an empty console. cache may be nil.
func NewConsoleService(consoleID string, client *AssessmentClient, cache *CacheService, logger *zap.Logger, opts ...PollOption) *ConsoleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()
	return &ConsoleService{
		client:     client,
		cache:      cache,
		logger:     logger.With(zap.String("console_id", consoleID)),
		pollOpts:   opts,
		ctx:        ctx,
		cancel:     cancel,
		state:      models.ConsoleState{ConsoleID: consoleID, UpdatedAt: now},
		lastActive: now,
		listeners:  map[int]ConsoleListener{},
	}
}

// ID returns the console identifier.
func (c *ConsoleService) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.ConsoleID
}

// State returns a copy of the current console state.
func (c *ConsoleService) State() models.ConsoleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Touch marks the console as in use without changing its state, so a client
// that only reads is not evicted as idle.
func (c *ConsoleService) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = time.Now().UTC()
}

// LastActive reports when a caller last interacted with the console.
func (c *ConsoleService) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// Subscribe registers a listener and returns a function that removes it.
func (c *ConsoleService) Subscribe(fn ConsoleListener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// PollDone returns a channel closed once the console has recorded the end of
// the current poll loop: its stable snapshot, timeout or cancellation. With no
// active loop it is already closed.
func (c *ConsoleService) PollDone() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pollDone == nil {
		return closedChan
	}
	return c.pollDone
}

// UpdateForm replaces the intake form. Inputs are read-only while a session is open.
func (c *ConsoleService) UpdateForm(form models.IntakeForm) (models.ConsoleState, error) {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return c.State(), err
	}
	if c.state.SessionID != "" {
		c.mu.Unlock()
		return c.State(), errSessionOpen
	}
	c.state.Form = form
	c.touchLocked()
	state := c.state
	c.mu.Unlock()

	c.notify()
	return state, nil
}

// Submit sends the intake form and opens a session, polling while it is in flight.
func (c *ConsoleService) Submit(ctx context.Context) (models.ConsoleState, error) {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return c.State(), err
	}
	if c.state.SessionID != "" {
		c.mu.Unlock()
		return c.State(), errSessionOpen
	}
	if c.state.Loading {
		c.mu.Unlock()
		return c.State(), errRequestPending
	}
	c.state.Loading = true
	c.touchLocked()
	form := c.state.Form
	epoch := c.epoch
	c.mu.Unlock()
	c.notify()

	session, err := c.client.Submit(ctx, models.Intake{
		PatientID:          form.PatientID,
		Symptoms:           form.Symptoms,
		MedicalHistory:     form.MedicalHistory,
		CurrentMedications: ParseMedications(form.CurrentMedications),
	})

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.logger.Debug("discarding submit result for a reset console")
		return c.State(), err
	}
	c.state.Loading = false
	if err != nil {
		c.state.Error = appErrors.Message(err)
	} else {
		c.state.Error = ""
		c.state.SessionID = session.SessionID
		c.state.Session = session
		if session.Status.InFlight() {
			c.startPollLocked(session.SessionID)
		}
	}
	c.touchLocked()
	state := c.state
	c.mu.Unlock()

	if err == nil {
		c.cacheSnapshot(*session)
		c.logger.Info("assessment submitted", zap.String("session_id", session.SessionID), zap.String("status", string(session.Status)))
	}
	c.notify()
	return state, err
}

// Refresh fetches the open session's status once and replaces the snapshot.
// Polling resumes if the session is in flight and no loop is running.
func (c *ConsoleService) Refresh(ctx context.Context) (models.ConsoleState, error) {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return c.State(), err
	}
	if c.state.SessionID == "" {
		c.mu.Unlock()
		return c.State(), errNoSession
	}
	if c.state.Loading {
		c.mu.Unlock()
		return c.State(), errRequestPending
	}
	c.state.Loading = true
	c.touchLocked()
	sessionID := c.state.SessionID
	epoch := c.epoch
	c.mu.Unlock()
	c.notify()

	session, err := c.client.FetchStatus(ctx, sessionID)
	return c.applyResult(epoch, session, err, false)
}

// Decide approves or rejects the open session. It is only allowed while the
// latest snapshot is AWAITING_APPROVAL and no other request is in flight.
func (c *ConsoleService) Decide(ctx context.Context, decision models.DecisionType, comments string) (models.ConsoleState, error) {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return c.State(), err
	}
	if c.state.Loading {
		c.mu.Unlock()
		return c.State(), errRequestPending
	}
	if c.state.Session == nil || c.state.Session.Status != models.StatusAwaitingApproval {
		c.mu.Unlock()
		return c.State(), errNotAwaiting
	}
	c.state.Loading = true
	c.touchLocked()
	sessionID := c.state.SessionID
	epoch := c.epoch
	c.mu.Unlock()
	c.notify()

	session, err := c.client.Decide(ctx, sessionID, decision, comments)
	if err == nil {
		if err := c.cache.InvalidateSession(c.ctx, sessionID); err != nil {
			c.logger.Debug("cached snapshot not invalidated", zap.String("session_id", sessionID), zap.Error(err))
		}
		c.logger.Info("decision recorded",
			zap.String("session_id", sessionID),
			zap.String("decision", string(decision)),
			zap.String("status", string(session.Status)))
	}
	return c.applyResult(epoch, session, err, true)
}

func (c *ConsoleService) applyResult(epoch uint64, session *models.Session, err error, keepSessionID bool) (models.ConsoleState, error) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return c.State(), err
	}
	c.state.Loading = false
	if err != nil {
		c.state.Error = appErrors.Message(err)
	} else {
		if keepSessionID && session.SessionID == "" {
			session.SessionID = c.state.SessionID
		}
		c.state.Error = ""
		c.state.Session = session
		if session.Status.InFlight() && !c.pollActiveLocked() {
			c.startPollLocked(c.state.SessionID)
		}
	}
	c.touchLocked()
	state := c.state
	c.mu.Unlock()

	if err == nil {
		c.cacheSnapshot(*session)
	}
	c.notify()
	return state, err
}

// NewAssessment stops any active poll loop and clears the session, error and
// form. No update from the previous session is applied after it returns.
func (c *ConsoleService) NewAssessment() models.ConsoleState {
	c.mu.Lock()
	handle := c.detachPollLocked()
	c.epoch++
	c.state = models.ConsoleState{ConsoleID: c.state.ConsoleID}
	c.touchLocked()
	state := c.state
	c.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}
	c.notify()
	return state
}

// Close stops polling and releases the console. Later calls fail with Conflict.
func (c *ConsoleService) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	handle := c.detachPollLocked()
	c.epoch++
	c.listeners = map[int]ConsoleListener{}
	c.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}
	c.cancel()
	c.logger.Debug("console closed")
}

func (c *ConsoleService) usableLocked() error {
	if c.closed {
		return errConsoleClosed
	}
	c.lastActive = time.Now().UTC()
	return nil
}

func (c *ConsoleService) touchLocked() {
	c.state.UpdatedAt = time.Now().UTC()
}

// detachPollLocked supersedes the active loop and returns its handle for the
// caller to cancel once c.mu is released.
func (c *ConsoleService) detachPollLocked() *PollHandle {
	handle := c.poll
	c.poll = nil
	c.pollGen++
	c.state.Polling = false
	if c.pollDone != nil {
		close(c.pollDone)
		c.pollDone = nil
	}
	return handle
}

// pollActiveLocked reports whether a loop is still running. A loop whose
// handle has already exited is finished here rather than waiting for watchPoll.
func (c *ConsoleService) pollActiveLocked() bool {
	if c.poll == nil {
		return false
	}
	select {
	case <-c.poll.Done():
		c.finishPollLocked()
		return false
	default:
		return true
	}
}

// finishPollLocked records that the current loop has ended on its own.
func (c *ConsoleService) finishPollLocked() {
	c.poll = nil
	c.state.Polling = false
	if c.pollDone != nil {
		close(c.pollDone)
		c.pollDone = nil
	}
}

func (c *ConsoleService) startPollLocked(sessionID string) {
	c.pollGen++
	gen := c.pollGen
	done := make(chan struct{})
	handle := c.client.Poll(c.ctx, sessionID, func(s models.Session) {
		c.deliver(gen, s)
	}, c.pollOpts...)

	c.poll = handle
	c.pollDone = done
	c.state.Polling = true

	go c.watchPoll(gen, handle)
}

func (c *ConsoleService) deliver(gen uint64, snapshot models.Session) {
	c.mu.Lock()
	if c.closed || gen != c.pollGen {
		c.mu.Unlock()
		return
	}
	c.state.Session = &snapshot
	// A stable snapshot is the loop's last delivery.
	if !snapshot.Status.InFlight() {
		c.finishPollLocked()
	}
	c.touchLocked()
	c.mu.Unlock()

	c.cacheSnapshot(snapshot)
	c.notify()
}

// watchPoll finishes a loop that exited without a stable delivery, such as
// on timeout.
func (c *ConsoleService) watchPoll(gen uint64, handle *PollHandle) {
	<-handle.Done()

	c.mu.Lock()
	if gen != c.pollGen || c.poll != handle {
		c.mu.Unlock()
		return
	}
	c.finishPollLocked()
	if errors.Is(handle.Err(), ErrPollTimeout) {
		c.state.Error = ErrPollTimeout.Error()
	}
	c.touchLocked()
	c.mu.Unlock()

	c.notify()
}

func (c *ConsoleService) cacheSnapshot(snapshot models.Session) {
	if err := c.cache.PutSession(c.ctx, snapshot); err != nil {
		c.logger.Debug("snapshot not cached", zap.String("session_id", snapshot.SessionID), zap.Error(err))
	}
}

// notify delivers the current state to listeners. Notifications are
// serialised so listeners never observe an older state after a newer one.
func (c *ConsoleService) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	state := c.state
	listeners := make([]ConsoleListener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}
