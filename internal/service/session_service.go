package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/health-assessment-client/internal/models"
	appErrors "github.com/noah-isme/health-assessment-client/pkg/errors"
)

type statusReader interface {
	FetchStatus(ctx context.Context, sessionID string) (*models.Session, error)
}

// SessionService looks up session snapshots, serving from the snapshot cache when possible.
type SessionService struct {
	client statusReader
	cache  *CacheService
	logger *zap.Logger
}

// NewSessionService constructs a SessionService. cache may be nil.
func NewSessionService(client statusReader, cache *CacheService, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{client: client, cache: cache, logger: logger}
}

// Get returns the latest snapshot for sessionID and whether it came from the cache.
// Cache failures are logged and fall through to the assessment service.
func (s *SessionService) Get(ctx context.Context, sessionID string) (*models.Session, bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, false, appErrors.Clone(appErrors.ErrValidation, "sessionId is required")
	}

	if cached, hit, err := s.cache.GetSession(ctx, sessionID); err == nil && hit {
		return cached, true, nil
	}

	session, err := s.client.FetchStatus(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if err := s.cache.PutSession(ctx, *session); err != nil {
		s.logger.Debug("snapshot not cached", zap.String("session_id", sessionID), zap.Error(err))
	}
	return session, false, nil
}
