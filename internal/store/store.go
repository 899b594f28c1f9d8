// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/tutorloop/internal/domain"
)

// Repository defines the interface for persisting learners, enrollments,
// sessions, messages and activity progress.
//
// Lookups of missing rows return an error wrapping domain.ErrNotFound; write
// failures wrap domain.ErrPersistenceFailure.
type Repository interface {
	// GetLearner retrieves a learner by ID.
	GetLearner(ctx context.Context, learnerID string) (*domain.Learner, error)

	// UpsertLearner creates or updates a learner record.
	UpsertLearner(ctx context.Context, learner *domain.Learner) error

	// StartSession returns the learner's active session for topicID, creating
	// the enrollment and a session positioned at first when none exists.
	StartSession(ctx context.Context, learnerID, topicID string, first domain.Position) (*domain.Session, error)

	// GetSession returns the session, its enrollment and up to recent of its
	// latest messages in chronological order.
	GetSession(ctx context.Context, sessionID string, recent int) (*domain.SessionSnapshot, error)

	// UpdateSessionPosition moves a session to pos.
	UpdateSessionPosition(ctx context.Context, sessionID string, pos domain.Position) error

	// EndSession stamps the session's end time. Sessions are never deleted.
	EndSession(ctx context.Context, sessionID string) error

	// ListIdleSessions returns active sessions untouched for longer than idle.
	ListIdleSessions(ctx context.Context, idle time.Duration) ([]domain.Session, error)

	// AppendMessages inserts messages. Rows whose ID already exists are skipped.
	AppendMessages(ctx context.Context, msgs []domain.Message) error

	// UpsertActivityProgress records one graded turn. Replaying the same TurnID
	// leaves the row unchanged.
	UpsertActivityProgress(ctx context.Context, u domain.ProgressUpdate) (*domain.ActivityProgress, error)

	// GetActivityProgress returns the progress row with its evidence.
	GetActivityProgress(ctx context.Context, enrollmentID, activityID string) (*domain.ActivityProgress, error)

	// CountCompletedActivities counts completed activities for an enrollment.
	CountCompletedActivities(ctx context.Context, enrollmentID string) (int, error)

	// ListCompletedActivityIDs lists completed activity IDs for an enrollment.
	ListCompletedActivityIDs(ctx context.Context, enrollmentID string) ([]string, error)

	// GetEnrollment retrieves an enrollment by ID.
	GetEnrollment(ctx context.Context, enrollmentID string) (*domain.Enrollment, error)

	// UpdateEnrollmentProgress persists a recomputed percentage and its stamps.
	UpdateEnrollmentProgress(ctx context.Context, p domain.EnrollmentProgress) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
