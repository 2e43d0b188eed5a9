package websocket

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/eon-voice/domain/repositories"
)

// CleanupConfig controls how often abandoned session records are swept
type CleanupConfig struct {
	// Interval between sweeps
	Interval time.Duration
	// InitialDelay before the first sweep
	InitialDelay time.Duration
	// StaleAfter is how long an active record may go without ending
	StaleAfter time.Duration
}

// DefaultCleanupConfig returns the production sweep schedule
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:     30 * time.Minute,
		InitialDelay: 1 * time.Minute,
		StaleAfter:   6 * time.Hour,
	}
}

// SessionCleanupService marks records of sessions that never ended (for
// example after a crash) as abandoned.
type SessionCleanupService struct {
	sessionRepo repositories.SessionRepository
	config      CleanupConfig
	logger      *zap.Logger
	stopChan    chan struct{}
	done        chan struct{}
}

// NewSessionCleanupService creates a new session cleanup service
func NewSessionCleanupService(sessionRepo repositories.SessionRepository, config CleanupConfig, logger *zap.Logger) *SessionCleanupService {
	return &SessionCleanupService{
		sessionRepo: sessionRepo,
		config:      config,
		logger:      logger,
		stopChan:    make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start begins the background cleanup process
func (s *SessionCleanupService) Start() {
	go s.cleanupLoop()
	s.logger.Info("Session cleanup service started",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("staleAfter", s.config.StaleAfter))
}

// Stop stops the cleanup loop and waits for a running sweep to finish
func (s *SessionCleanupService) Stop() {
	close(s.stopChan)
	<-s.done
	s.logger.Info("Session cleanup service stopped")
}

func (s *SessionCleanupService) cleanupLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	initialTimer := time.NewTimer(s.config.InitialDelay)
	defer initialTimer.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-initialTimer.C:
			s.runCleanup()
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

func (s *SessionCleanupService) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	expired, err := s.sessionRepo.ExpireStale(ctx, s.config.StaleAfter)
	if err != nil {
		s.logger.Error("Failed to expire sessions", zap.Error(err))
		return
	}

	s.logger.Info("Session cleanup completed", zap.Int64("expired", expired))
}
