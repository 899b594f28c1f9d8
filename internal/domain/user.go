package domain

import (
	"time"
)

// Learner is an anonymous per-device identity that owns enrollments and sessions.
type Learner struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Idle returns how long the learner has been inactive relative to now.
func (l *Learner) Idle(now time.Time) time.Duration {
	if l.LastSeenAt.IsZero() {
		return 0
	}
	d := now.Sub(l.LastSeenAt)
	if d < 0 {
		return 0
	}
	return d
}
