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

// ErrPollTimeout is reported by PollHandle.Err when the polling ceiling elapsed
// while the session was still in flight.
var ErrPollTimeout = errors.New("status polling timed out")

// UpdateFunc receives every snapshot a polling loop observes.
type UpdateFunc func(models.Session)

// PollOption customises a single polling loop.
type PollOption func(*pollOptions)

type pollOptions struct {
	interval time.Duration
	timeout  time.Duration
}

// WithPollInterval overrides the delay between the end of one update and the next fetch.
func WithPollInterval(d time.Duration) PollOption {
	return func(o *pollOptions) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithPollTimeout overrides the wall-clock ceiling for the whole loop.
func WithPollTimeout(d time.Duration) PollOption {
	return func(o *pollOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

type statusFetcher func(ctx context.Context, sessionID string) (*models.Session, error)

// PollHandle controls one running polling loop.
//
// onUpdate is invoked while the handle's delivery lock is held, so it must not
// call Cancel on its own handle.
type PollHandle struct {
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}

	mu      sync.Mutex
	stopped bool
	err     error
}

// Poll starts fetching the session status immediately and keeps going while
// the status is PROCESSING or REPROCESSING. The next fetch is scheduled only
// after onUpdate for the previous snapshot has returned, so fetches never
// overlap. A failed fetch is delivered as an ERROR snapshot carrying the
// failure message and ends the loop.
func (c *AssessmentClient) Poll(ctx context.Context, sessionID string, onUpdate UpdateFunc, opts ...PollOption) *PollHandle {
	o := pollOptions{interval: c.pollInterval, timeout: c.pollTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	loopCtx, cancel := context.WithTimeout(ctx, o.timeout)
	h := &PollHandle{
		sessionID: sessionID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	c.metrics.PollStarted()
	c.logger.Debug("polling started",
		zap.String("session_id", sessionID),
		zap.Duration("interval", o.interval),
		zap.Duration("timeout", o.timeout))

	go h.run(loopCtx, c.FetchStatus, onUpdate, o.interval, c.metrics, c.logger)
	return h
}

// SessionID returns the session this loop is polling.
func (h *PollHandle) SessionID() string {
	return h.sessionID
}

// Cancel stops the loop. Once Cancel returns no further update is delivered,
// and any request in flight is aborted. Calling it more than once is harmless.
func (h *PollHandle) Cancel() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.cancel()
}

// Done is closed when the loop has exited.
func (h *PollHandle) Done() <-chan struct{} {
	return h.done
}

// Err reports why the loop exited: nil for a stable status or a delivered
// failure, ErrPollTimeout when the ceiling elapsed, context.Canceled when it
// was cancelled. It is only meaningful after Done is closed.
func (h *PollHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *PollHandle) run(ctx context.Context, fetch statusFetcher, onUpdate UpdateFunc, interval time.Duration, metrics *MetricsService, logger *zap.Logger) {
	reason := PollReasonStable
	defer func() {
		h.finish(reason, metrics, logger)
	}()

	for {
		metrics.PollFetched()
		snapshot, err := fetch(ctx, h.sessionID)
		if ctx.Err() != nil {
			reason = h.exitReason(ctx)
			return
		}

		if err != nil {
			logger.Warn("status polling failed", zap.String("session_id", h.sessionID), zap.Error(err))
			failed := models.Session{
				SessionID: h.sessionID,
				Status:    models.StatusError,
				Message:   appErrors.Message(err),
			}
			if !h.deliver(ctx, onUpdate, failed) {
				reason = h.exitReason(ctx)
				return
			}
			reason = PollReasonError
			return
		}

		if !h.deliver(ctx, onUpdate, *snapshot) {
			reason = h.exitReason(ctx)
			return
		}
		if !snapshot.Status.InFlight() {
			reason = PollReasonStable
			return
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			reason = h.exitReason(ctx)
			return
		case <-timer.C:
		}
	}
}

// deliver invokes onUpdate unless the loop was cancelled or timed out.
func (h *PollHandle) deliver(ctx context.Context, onUpdate UpdateFunc, snapshot models.Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || ctx.Err() != nil {
		return false
	}
	if onUpdate != nil {
		onUpdate(snapshot)
	}
	return true
}

func (h *PollHandle) exitReason(ctx context.Context) string {
	h.mu.Lock()
	stopped := h.stopped
	h.mu.Unlock()
	if !stopped && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return PollReasonTimeout
	}
	return PollReasonCancelled
}

func (h *PollHandle) finish(reason string, metrics *MetricsService, logger *zap.Logger) {
	h.mu.Lock()
	switch reason {
	case PollReasonTimeout:
		h.err = ErrPollTimeout
	case PollReasonCancelled:
		h.err = context.Canceled
	}
	h.mu.Unlock()

	h.cancel()
	metrics.PollFinished(reason)
	if reason == PollReasonTimeout {
		logger.Warn("status polling timed out", zap.String("session_id", h.sessionID))
	} else {
		logger.Debug("polling stopped", zap.String("session_id", h.sessionID), zap.String("reason", reason))
	}
	close(h.done)
}
