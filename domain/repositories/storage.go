package repositories

import (
	"context"
	"time"

	"github.com/satriahrh/eon-voice/domain/entities"
)

// SessionRepository stores the session ledger
type SessionRepository interface {
	Create(ctx context.Context, record *entities.SessionRecord) error
	GetByID(ctx context.Context, id string) (*entities.SessionRecord, error)
	// End closes an active record with the given reason and final counters
	End(ctx context.Context, record *entities.SessionRecord) error
	// ExpireStale marks active records older than ttl as abandoned and
	// returns how many were changed
	ExpireStale(ctx context.Context, ttl time.Duration) (int64, error)
}
