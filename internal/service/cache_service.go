package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/health-assessment-client/internal/models"
	appErrors "github.com/noah-isme/health-assessment-client/pkg/errors"
)

const sessionKeyPrefix = "assessment:session:"

// CacheRepository abstracts persistence for cached snapshots.
type CacheRepository interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// CacheConfig tunes snapshot cache lifetimes.
type CacheConfig struct {
	Enabled     bool
	TTL         time.Duration
	InFlightTTL time.Duration
}

// CacheService caches the latest snapshot per session. In-flight snapshots get a
// short TTL so readers never see a stale PROCESSING status for long.
type CacheService struct {
	repo    CacheRepository
	metrics *MetricsService
	logger  *zap.Logger
	cfg     CacheConfig
}

// NewCacheService constructs a cache service.
func NewCacheService(repo CacheRepository, metrics *MetricsService, cfg CacheConfig, logger *zap.Logger) *CacheService {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.InFlightTTL <= 0 {
		cfg.InFlightTTL = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheService{repo: repo, metrics: metrics, logger: logger, cfg: cfg}
}

// Enabled indicates whether caching is active.
func (s *CacheService) Enabled() bool {
	return s != nil && s.cfg.Enabled && s.repo != nil
}

func sessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

// GetSession returns the cached snapshot for sessionID. A miss returns (nil, false, nil).
func (s *CacheService) GetSession(ctx context.Context, sessionID string) (*models.Session, bool, error) {
	var session models.Session
	hit, err := s.get(ctx, sessionKey(sessionID), &session)
	if err != nil || !hit {
		return nil, false, err
	}
	return &session, true, nil
}

// PutSession stores a snapshot, choosing the TTL by its status.
func (s *CacheService) PutSession(ctx context.Context, session models.Session) error {
	if !s.Enabled() || session.SessionID == "" {
		return nil
	}
	ttl := s.cfg.TTL
	if session.Status.InFlight() {
		ttl = s.cfg.InFlightTTL
	}
	return s.set(ctx, sessionKey(session.SessionID), session, ttl)
}

// InvalidateSession drops the cached snapshot for sessionID.
func (s *CacheService) InvalidateSession(ctx context.Context, sessionID string) error {
	if !s.Enabled() {
		return nil
	}
	if err := s.repo.Delete(ctx, sessionKey(sessionID)); err != nil {
		s.logger.Warn("cache invalidate failed", zap.String("session_id", sessionID), zap.Error(err))
		return err
	}
	return nil
}

// Flush removes every cached snapshot.
func (s *CacheService) Flush(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	pattern := fmt.Sprintf("%s*", sessionKeyPrefix)
	if err := s.repo.DeleteByPattern(ctx, pattern); err != nil {
		s.logger.Warn("cache flush failed", zap.String("pattern", pattern), zap.Error(err))
		return err
	}
	return nil
}

func (s *CacheService) get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if !s.Enabled() {
		return false, nil
	}
	start := time.Now()
	err := s.repo.Get(ctx, key, dest)
	duration := time.Since(start)
	if err != nil {
		s.metrics.RecordCacheOperation(false, duration)
		if errors.Is(err, appErrors.ErrCacheMiss) {
			return false, nil
		}
		s.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return false, err
	}
	s.metrics.RecordCacheOperation(true, duration)
	return true, nil
}

func (s *CacheService) set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !s.Enabled() {
		return nil
	}
	start := time.Now()
	err := s.repo.Set(ctx, key, value, ttl)
	s.metrics.ObserveCacheWrite(time.Since(start))
	if err != nil {
		s.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
	return err
}
