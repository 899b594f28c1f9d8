// Package progress recomputes enrollment completion and moves sessions forward
// after a verified answer.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ashureev/tutorloop/internal/domain"
	"github.com/ashureev/tutorloop/internal/metrics"
	"github.com/ashureev/tutorloop/internal/navigator"
)

// Store is the persistence the tracker needs.
type Store interface {
	GetEnrollment(ctx context.Context, enrollmentID string) (*domain.Enrollment, error)
	CountCompletedActivities(ctx context.Context, enrollmentID string) (int, error)
	UpdateEnrollmentProgress(ctx context.Context, p domain.EnrollmentProgress) error
	UpdateSessionPosition(ctx context.Context, sessionID string, pos domain.Position) error
}

// Percentage returns round(100*completed/total), 0 when total is 0, capped at 100.
func Percentage(completed, total int) int {
	if total <= 0 || completed <= 0 {
		return 0
	}
	pct := int(math.Round(100 * float64(completed) / float64(total)))
	if pct > 100 {
		return 100
	}
	return pct
}

// Tracker updates enrollment progress and session position.
type Tracker struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source used for start and completion stamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a progress tracker.
func NewTracker(store Store, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{store: store, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Recompute derives the enrollment's percentage from its completed activities
// and the activity count of tree, and persists it. The start stamp is set on the
// first nonzero percentage and the completion stamp once it reaches 100; neither
// is overwritten afterwards.
func (t *Tracker) Recompute(ctx context.Context, enrollmentID string, tree *domain.Topic) (int, error) {
	total := navigator.CountActivities(tree)

	completed, err := t.store.CountCompletedActivities(ctx, enrollmentID)
	if err != nil {
		return 0, fmt.Errorf("count completed activities: %w", err)
	}
	enrollment, err := t.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return 0, fmt.Errorf("get enrollment: %w", err)
	}

	pct := Percentage(completed, total)
	update := domain.EnrollmentProgress{
		EnrollmentID: enrollmentID,
		Percentage:   pct,
		StartedAt:    enrollment.StartedAt,
		CompletedAt:  enrollment.CompletedAt,
	}
	now := t.now()
	if pct > 0 && update.StartedAt == nil {
		update.StartedAt = &now
	}
	if pct >= 100 && update.CompletedAt == nil {
		update.CompletedAt = &now
	}

	if err := t.store.UpdateEnrollmentProgress(ctx, update); err != nil {
		return 0, fmt.Errorf("update enrollment progress: %w", err)
	}

	t.logger.Debug("Enrollment progress recomputed",
		"enrollment_id", enrollmentID,
		"completed", completed,
		"total", total,
		"percentage", pct,
	)
	return pct, nil
}

// Advance moves session to the activity after its current one and returns the
// new position. At the last activity the session stays put and advanced is false.
func (t *Tracker) Advance(ctx context.Context, session *domain.Session, tree *domain.Topic) (pos domain.Position, advanced bool, err error) {
	current, err := navigator.Locate(tree, session.Position)
	if err != nil {
		return domain.Position{}, false, fmt.Errorf("locate current activity: %w", err)
	}

	next, ok, err := navigator.NextActivity(tree, current.Moment.ID, current.Activity.ID)
	if err != nil {
		return domain.Position{}, false, fmt.Errorf("next activity: %w", err)
	}
	if !ok {
		t.logger.Info("Session reached the last activity",
			"session_id", session.ID,
			"activity_id", current.Activity.ID,
		)
		return current.Position(), false, nil
	}

	pos = next.Position()
	if err := t.store.UpdateSessionPosition(ctx, session.ID, pos); err != nil {
		return domain.Position{}, false, fmt.Errorf("update session position: %w", err)
	}
	metrics.Advancements.Inc()

	t.logger.Info("Session advanced",
		"session_id", session.ID,
		"from_activity", current.Activity.ID,
		"to_activity", pos.ActivityID,
	)
	return pos, true, nil
}
