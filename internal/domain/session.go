package domain

import (
	"time"
)

// Position identifies where a session stands in a topic's content tree.
// ClassID is empty for topics without classes.
type Position struct {
	ClassID    string `json:"class_id,omitempty"`
	MomentID   string `json:"moment_id"`
	ActivityID string `json:"activity_id"`
}

// IsZero reports whether no position has been recorded yet.
func (p Position) IsZero() bool {
	return p.ClassID == "" && p.MomentID == "" && p.ActivityID == ""
}

// Session ties a learner and an enrollment to a live position.
type Session struct {
	ID             string     `json:"id"`
	LearnerID      string     `json:"learner_id"`
	EnrollmentID   string     `json:"enrollment_id"`
	TopicID        string     `json:"topic_id"`
	Position       Position   `json:"position"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// IsActive returns true until the session has been ended.
func (s *Session) IsActive() bool {
	return s.EndedAt == nil
}

// Enrollment is a learner's registration in a topic and its aggregate progress.
type Enrollment struct {
	ID          string     `json:"id"`
	LearnerID   string     `json:"learner_id"`
	TopicID     string     `json:"topic_id"`
	Percentage  int        `json:"percentage"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Message roles.
const (
	RoleStudent    = "student"
	RoleInstructor = "instructor"
)

// Message is an immutable conversation entry.
type Message struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	TurnID       string    `json:"turn_id"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	Position     Position  `json:"position"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// MessageEpsilon separates the instructor message of a turn from its student message
// so the pair keeps a total order even when both are stamped in the same instant.
const MessageEpsilon = time.Microsecond

// SessionSnapshot is everything the orchestrator reads at the start of a turn.
type SessionSnapshot struct {
	Session        *Session
	Enrollment     *Enrollment
	RecentMessages []Message
}

// Progress statuses. Transitions only move forward.
const (
	StatusNotStarted = "not_started"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// StatusRank orders statuses so writers can refuse backward transitions.
func StatusRank(status string) int {
	switch status {
	case StatusInProgress:
		return 1
	case StatusCompleted:
		return 2
	default:
		return 0
	}
}

// Evidence is one graded student answer.
type Evidence struct {
	TurnID        string    `json:"turn_id"`
	StudentAnswer string    `json:"student_answer"`
	Completeness  int       `json:"completeness"`
	CriteriaMet   []string  `json:"criteria_met,omitempty"`
	Understanding string    `json:"understanding,omitempty"`
	Passed        bool      `json:"passed"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// ActivityProgress is one row per (enrollment, activity).
type ActivityProgress struct {
	EnrollmentID string     `json:"enrollment_id"`
	ActivityID   string     `json:"activity_id"`
	Status       string     `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	Passed       bool       `json:"passed"`
	Grader       string     `json:"grader,omitempty"`
	Evidence     []Evidence `json:"evidence,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ProgressUpdate is the write applied by the verification path for a single turn.
// TurnID keys the evidence row, which makes the write safe to retry.
type ProgressUpdate struct {
	EnrollmentID string
	ActivityID   string
	TurnID       string
	Grader       string
	Evidence     Evidence
}

// EnrollmentProgress is the write applied by the progress tracker.
type EnrollmentProgress struct {
	EnrollmentID string
	Percentage   int
	StartedAt    *time.Time
	CompletedAt  *time.Time
}
