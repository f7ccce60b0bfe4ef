package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/health-assessment-client/pkg/errors"
)

// WorkspaceConfig tunes console lifetimes.
type WorkspaceConfig struct {
	IdleTTL         time.Duration
	CleanupInterval time.Duration
}

// WorkspaceService keeps the open consoles of the gateway, keyed by console ID.
type WorkspaceService struct {
	client   *AssessmentClient
	cache    *CacheService
	logger   *zap.Logger
	cfg      WorkspaceConfig
	pollOpts []PollOption

	mu       sync.RWMutex
	consoles map[string]*ConsoleService
}

// NewWorkspaceService constructs a WorkspaceService.
func NewWorkspaceService(client *AssessmentClient, cache *CacheService, cfg WorkspaceConfig, logger *zap.Logger, opts ...PollOption) *WorkspaceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	return &WorkspaceService{
		client:   client,
		cache:    cache,
		logger:   logger,
		cfg:      cfg,
		pollOpts: opts,
		consoles: map[string]*ConsoleService{},
	}
}

// Create opens a new empty console.
func (s *WorkspaceService) Create() *ConsoleService {
	id := uuid.NewString()
	console := NewConsoleService(id, s.client, s.cache, s.logger, s.pollOpts...)

	s.mu.Lock()
	s.consoles[id] = console
	s.mu.Unlock()

	s.logger.Info("console created", zap.String("console_id", id))
	return console
}

// Get returns the console with the given ID and marks it active.
func (s *WorkspaceService) Get(id string) (*ConsoleService, error) {
	s.mu.RLock()
	console, ok := s.consoles[id]
	s.mu.RUnlock()
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "console not found")
	}
	console.Touch()
	return console, nil
}

// Delete closes and removes a console.
func (s *WorkspaceService) Delete(id string) error {
	s.mu.Lock()
	console, ok := s.consoles[id]
	delete(s.consoles, id)
	s.mu.Unlock()
	if !ok {
		return appErrors.Clone(appErrors.ErrNotFound, "console not found")
	}
	console.Close()
	s.logger.Info("console closed", zap.String("console_id", id))
	return nil
}

// IDs lists open console IDs in sorted order.
func (s *WorkspaceService) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.consoles))
	for id := range s.consoles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StartCleanup boots a goroutine that closes consoles idle longer than IdleTTL.
func (s *WorkspaceService) StartCleanup(ctx context.Context) {
	if s.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.evictIdle(time.Now().UTC())
			}
		}
	}()
}

func (s *WorkspaceService) evictIdle(now time.Time) int {
	cutoff := now.Add(-s.cfg.IdleTTL)
	var idle []*ConsoleService

	s.mu.Lock()
	for id, console := range s.consoles {
		if console.LastActive().Before(cutoff) {
			idle = append(idle, console)
			delete(s.consoles, id)
		}
	}
	s.mu.Unlock()

	for _, console := range idle {
		console.Close()
		s.logger.Info("idle console evicted", zap.String("console_id", console.ID()))
	}
	return len(idle)
}

// CloseAll closes every console, typically on shutdown.
func (s *WorkspaceService) CloseAll() {
	s.mu.Lock()
	consoles := s.consoles
	s.consoles = map[string]*ConsoleService{}
	s.mu.Unlock()

	for _, console := range consoles {
		console.Close()
	}
}
