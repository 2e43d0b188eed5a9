package entities

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the status of a session record
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusEnded     SessionStatus = "ended"
	SessionStatusAbandoned SessionStatus = "abandoned"
)

// EndReason records why a session was torn down
type EndReason string

const (
	EndReasonClientClosed  EndReason = "client_closed"
	EndReasonConfiguration EndReason = "configuration_error"
	EndReasonConnection    EndReason = "connection_error"
	EndReasonRuntime       EndReason = "runtime_error"
	EndReasonShutdown      EndReason = "shutdown"
)

// SessionRecord is the ledger entry for one bridge session. It tracks the
// lifecycle only; transcripts and audio are never stored.
type SessionRecord struct {
	ID            string        `json:"id" bson:"_id"`
	UserID        string        `json:"user_id" bson:"user_id"`
	Adapter       string        `json:"adapter" bson:"adapter"`
	Model         string        `json:"model" bson:"model"`
	Status        SessionStatus `json:"status" bson:"status"`
	StartedAt     time.Time     `json:"started_at" bson:"started_at"`
	EndedAt       *time.Time    `json:"ended_at,omitempty" bson:"ended_at,omitempty"`
	EndReason     EndReason     `json:"end_reason,omitempty" bson:"end_reason,omitempty"`
	FunctionCalls int           `json:"function_calls" bson:"function_calls"`
	Errors        int           `json:"errors" bson:"errors"`
}

// NewSessionRecord creates an active record with a fresh ID
func NewSessionRecord(userID, adapter, model string) *SessionRecord {
	return &SessionRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		Adapter:   adapter,
		Model:     model,
		Status:    SessionStatusActive,
		StartedAt: time.Now(),
	}
}

// End marks the record as finished
func (s *SessionRecord) End(reason EndReason) {
	now := time.Now()
	s.EndedAt = &now
	s.EndReason = reason
	s.Status = SessionStatusEnded
}

// IsStale reports whether an active record has outlived ttl, which happens
// when the owning process died before it could end the session.
func (s *SessionRecord) IsStale(ttl time.Duration) bool {
	return s.Status == SessionStatusActive && time.Since(s.StartedAt) > ttl
}

// Duration returns how long the session lasted, or has lasted so far
func (s *SessionRecord) Duration() time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

// Validate validates the record
func (s *SessionRecord) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.UserID == "" {
		return errors.New("user_id is required")
	}
	switch s.Status {
	case SessionStatusActive, SessionStatusEnded, SessionStatusAbandoned:
	default:
		return errors.New("invalid session status")
	}
	return nil
}
