package adapters

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/satriahrh/eon-voice/domain"
	"github.com/satriahrh/eon-voice/domain/entities"
	"github.com/satriahrh/eon-voice/domain/repositories"
)

var _ repositories.SessionRepository = (*MemorySessionRepository)(nil)

// MemorySessionRepository keeps the session ledger in process memory.
// It is the default when no MongoDB URI is configured.
type MemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]*entities.SessionRecord
}

// NewMemorySessionRepository creates an empty in-memory ledger
func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[string]*entities.SessionRecord),
	}
}

// Create implements repositories.SessionRepository
func (m *MemorySessionRepository) Create(ctx context.Context, record *entities.SessionRecord) error {
	if record == nil {
		return errors.New("session cannot be nil")
	}
	if err := record.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[record.ID]; exists {
		return errors.New("session with this ID already exists")
	}

	recordCopy := *record
	m.sessions[record.ID] = &recordCopy
	return nil
}

// GetByID implements repositories.SessionRepository
func (m *MemorySessionRepository) GetByID(ctx context.Context, id string) (*entities.SessionRecord, error) {
	if id == "" {
		return nil, errors.New("session ID cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	record, exists := m.sessions[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}

	// Return a copy to prevent external modifications
	recordCopy := *record
	return &recordCopy, nil
}

// End implements repositories.SessionRepository
func (m *MemorySessionRepository) End(ctx context.Context, record *entities.SessionRecord) error {
	if record == nil {
		return errors.New("session cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.sessions[record.ID]
	if !exists {
		return domain.ErrSessionNotFound
	}

	existing.Status = record.Status
	existing.EndedAt = record.EndedAt
	existing.EndReason = record.EndReason
	existing.FunctionCalls = record.FunctionCalls
	existing.Errors = record.Errors
	return nil
}

// ExpireStale implements repositories.SessionRepository
func (m *MemorySessionRepository) ExpireStale(ctx context.Context, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired int64
	now := time.Now()
	for _, record := range m.sessions {
		if !record.IsStale(ttl) {
			continue
		}
		record.Status = entities.SessionStatusAbandoned
		record.EndedAt = &now
		expired++
	}
	return expired, nil
}
