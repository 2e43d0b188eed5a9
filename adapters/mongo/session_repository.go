package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/satriahrh/eon-voice/domain"
	"github.com/satriahrh/eon-voice/domain/entities"
	"github.com/satriahrh/eon-voice/domain/repositories"
)

const sessionsCollection = "voice_sessions"

var _ repositories.SessionRepository = (*SessionRepository)(nil)

// SessionRepository stores the session ledger in MongoDB
type SessionRepository struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewSessionRepository creates a new MongoDB session repository
func NewSessionRepository(db *mongo.Database, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{
		collection: db.Collection(sessionsCollection),
		logger:     logger,
	}
}

// EnsureIndexes creates the indexes used by lookups and the stale sweep
func (r *SessionRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "started_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "started_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create session indexes: %w", err)
	}
	r.logger.Info("Session indexes created successfully")
	return nil
}

// Create implements repositories.SessionRepository
func (r *SessionRepository) Create(ctx context.Context, record *entities.SessionRecord) error {
	if record == nil {
		return errors.New("session cannot be nil")
	}
	if err := record.Validate(); err != nil {
		return err
	}

	if _, err := r.collection.InsertOne(ctx, record); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetByID implements repositories.SessionRepository
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*entities.SessionRecord, error) {
	if id == "" {
		return nil, errors.New("session ID cannot be empty")
	}

	var record entities.SessionRecord
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}

	return &record, nil
}

// End implements repositories.SessionRepository
func (r *SessionRepository) End(ctx context.Context, record *entities.SessionRecord) error {
	if record == nil {
		return errors.New("session cannot be nil")
	}

	update := bson.M{
		"$set": bson.M{
			"status":         record.Status,
			"ended_at":       record.EndedAt,
			"end_reason":     record.EndReason,
			"function_calls": record.FunctionCalls,
			"errors":         record.Errors,
		},
	}

	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": record.ID}, update)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if result.MatchedCount == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// ExpireStale implements repositories.SessionRepository
func (r *SessionRepository) ExpireStale(ctx context.Context, ttl time.Duration) (int64, error) {
	now := time.Now()
	filter := bson.M{
		"status":     entities.SessionStatusActive,
		"started_at": bson.M{"$lt": now.Add(-ttl)},
	}
	update := bson.M{
		"$set": bson.M{
			"status":   entities.SessionStatusAbandoned,
			"ended_at": now,
		},
	}

	result, err := r.collection.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}

	if result.ModifiedCount > 0 {
		r.logger.Info("Expired stale sessions", zap.Int64("count", result.ModifiedCount))
	}
	return result.ModifiedCount, nil
}
