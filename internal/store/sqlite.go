package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashureev/tutorloop/internal/domain"
	"github.com/ashureev/tutorloop/internal/shared"
)

// RetryPolicy controls retries of writes that hit SQLITE_BUSY or a locked database.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryPolicy retries three times with 100ms, 200ms, 400ms delays.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond}
}

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	retry  RetryPolicy
	now    func() time.Time
	logger *slog.Logger
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, retry RetryPolicy, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if retry.MaxRetries <= 0 {
		retry = DefaultRetryPolicy()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency. Pragmas go in the DSN so
	// every pooled connection gets them.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: retry, now: time.Now, logger: logger}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS learners (
		learner_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS enrollments (
		enrollment_id TEXT PRIMARY KEY,
		learner_id TEXT NOT NULL,
		topic_id TEXT NOT NULL,
		percentage INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER,
		completed_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(learner_id, topic_id)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		learner_id TEXT NOT NULL,
		enrollment_id TEXT NOT NULL REFERENCES enrollments(enrollment_id),
		topic_id TEXT NOT NULL,
		class_id TEXT,
		moment_id TEXT,
		activity_id TEXT,
		last_activity_at INTEGER NOT NULL,
		ended_at INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions(enrollment_id) WHERE ended_at IS NULL;

	CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(session_id),
		turn_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		class_id TEXT,
		moment_id TEXT,
		activity_id TEXT,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS activity_progress (
		enrollment_id TEXT NOT NULL REFERENCES enrollments(enrollment_id),
		activity_id TEXT NOT NULL,
		status TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		passed INTEGER NOT NULL DEFAULT 0,
		grader TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (enrollment_id, activity_id)
	);

	CREATE TABLE IF NOT EXISTS progress_evidence (
		enrollment_id TEXT NOT NULL,
		activity_id TEXT NOT NULL,
		turn_id TEXT NOT NULL,
		evidence_json TEXT NOT NULL,
		recorded_at INTEGER NOT NULL,
		PRIMARY KEY (enrollment_id, activity_id, turn_id)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry runs op, retrying with exponential backoff while it fails with a
// SQLite conflict. Other errors return immediately.
func (s *SQLiteStore) withRetry(ctx context.Context, name string, op func() error) error {
	var err error
	for i := 0; i < s.retry.MaxRetries; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == s.retry.MaxRetries-1 {
			break
		}

		delay := s.retry.BaseDelay * time.Duration(1<<i)
		s.logger.Debug("SQLite write conflict, retrying",
			"op", name,
			"attempt", i+1,
			"delay", delay,
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", domain.ErrPersistenceFailure, name, ctx.Err())
		case <-time.After(delay):
		}
	}
	if errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrPersistenceFailure, name, err)
}

// GetLearner retrieves a learner by ID.
func (s *SQLiteStore) GetLearner(ctx context.Context, learnerID string) (*domain.Learner, error) {
	query := `
		SELECT learner_id, display_name, last_seen_at, created_at, updated_at
		FROM learners WHERE learner_id = ?`

	var l domain.Learner
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, learnerID).Scan(
		&l.ID, &l.DisplayName, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("learner %s: %w", learnerID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan learner row: %w", err)
	}

	l.LastSeenAt = fromNanos(lastSeen)
	l.CreatedAt = fromNanos(createdAt)
	l.UpdatedAt = fromNanos(updatedAt)
	return &l, nil
}

// UpsertLearner creates or updates a learner record.
func (s *SQLiteStore) UpsertLearner(ctx context.Context, learner *domain.Learner) error {
	query := `
	INSERT INTO learners (learner_id, display_name, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(learner_id) DO UPDATE SET
		display_name = excluded.display_name,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	now := s.now()
	created := learner.CreatedAt
	if created.IsZero() {
		created = now
	}
	lastSeen := learner.LastSeenAt
	if lastSeen.IsZero() {
		lastSeen = now
	}

	return s.withRetry(ctx, "upsert learner", func() error {
		_, err := s.db.ExecContext(ctx, query,
			learner.ID, learner.DisplayName, lastSeen.UnixNano(), created.UnixNano(), now.UnixNano(),
		)
		return err
	})
}

// StartSession returns the active session for (learnerID, topicID), creating
// the enrollment and the session if needed. A new session starts at the
// position of the enrollment's latest session, or at first when there is none.
func (s *SQLiteStore) StartSession(ctx context.Context, learnerID, topicID string, first domain.Position) (*domain.Session, error) {
	var sessionID string
	err := s.withRetry(ctx, "start session", func() error {
		var err error
		sessionID, err = s.startSessionOnce(ctx, learnerID, topicID, first)
		return err
	})
	if err != nil {
		return nil, err
	}
	snap, err := s.GetSession(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	return snap.Session, nil
}

func (s *SQLiteStore) startSessionOnce(ctx context.Context, learnerID, topicID string, first domain.Position) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UnixNano()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO enrollments (enrollment_id, learner_id, topic_id, percentage, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(learner_id, topic_id) DO NOTHING`,
		uuid.NewString(), learnerID, topicID, now, now,
	); err != nil {
		return "", fmt.Errorf("insert enrollment: %w", err)
	}

	var enrollmentID string
	if err := tx.QueryRowContext(ctx,
		`SELECT enrollment_id FROM enrollments WHERE learner_id = ? AND topic_id = ?`,
		learnerID, topicID,
	).Scan(&enrollmentID); err != nil {
		return "", fmt.Errorf("select enrollment: %w", err)
	}

	var sessionID string
	err = tx.QueryRowContext(ctx, `
		SELECT session_id FROM sessions
		WHERE enrollment_id = ? AND ended_at IS NULL
		ORDER BY created_at DESC LIMIT 1`,
		enrollmentID,
	).Scan(&sessionID)
	switch {
	case err == nil:
		return sessionID, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("select active session: %w", err)
	}

	// A returning learner picks up where their last session left off.
	pos := first
	var classID, momentID, activityID sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT class_id, moment_id, activity_id FROM sessions
		WHERE enrollment_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		enrollmentID,
	).Scan(&classID, &momentID, &activityID)
	switch {
	case err == nil:
		pos = domain.Position{ClassID: classID.String, MomentID: momentID.String, ActivityID: activityID.String}
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("select last position: %w", err)
	}

	sessionID = uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, learner_id, enrollment_id, topic_id,
			class_id, moment_id, activity_id, last_activity_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, learnerID, enrollmentID, topicID,
		nullString(pos.ClassID), nullString(pos.MomentID), nullString(pos.ActivityID),
		now, now,
	); err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return sessionID, nil
}

// GetSession returns the session snapshot.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string, recent int) (*domain.SessionSnapshot, error) {
	query := `
		SELECT session_id, learner_id, enrollment_id, topic_id,
		       class_id, moment_id, activity_id, last_activity_at, ended_at, created_at
		FROM sessions WHERE session_id = ?`

	var sess domain.Session
	var classID, momentID, activityID sql.NullString
	var lastActivity, createdAt int64
	var endedAt sql.NullInt64

	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&sess.ID, &sess.LearnerID, &sess.EnrollmentID, &sess.TopicID,
		&classID, &momentID, &activityID, &lastActivity, &endedAt, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.Position = domain.Position{
		ClassID:    classID.String,
		MomentID:   momentID.String,
		ActivityID: activityID.String,
	}
	sess.LastActivityAt = fromNanos(lastActivity)
	sess.CreatedAt = fromNanos(createdAt)
	sess.EndedAt = nullTime(endedAt)

	enrollment, err := s.GetEnrollment(ctx, sess.EnrollmentID)
	if err != nil {
		return nil, err
	}

	msgs, err := s.recentMessages(ctx, sessionID, recent)
	if err != nil {
		return nil, err
	}

	return &domain.SessionSnapshot{Session: &sess, Enrollment: enrollment, RecentMessages: msgs}, nil
}

func (s *SQLiteStore) recentMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
		SELECT message_id, session_id, turn_id, role, content,
		       class_id, moment_id, activity_id, input_tokens, output_tokens, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close message rows", "error", closeErr)
		}
	}()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var classID, momentID, activityID sql.NullString
		var createdAt int64
		if err := rows.Scan(
			&m.ID, &m.SessionID, &m.TurnID, &m.Role, &m.Content,
			&classID, &momentID, &activityID, &m.InputTokens, &m.OutputTokens, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Position = domain.Position{ClassID: classID.String, MomentID: momentID.String, ActivityID: activityID.String}
		m.CreatedAt = fromNanos(createdAt)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Rows come newest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// UpdateSessionPosition moves a session to pos.
func (s *SQLiteStore) UpdateSessionPosition(ctx context.Context, sessionID string, pos domain.Position) error {
	query := `
		UPDATE sessions SET class_id = ?, moment_id = ?, activity_id = ?, last_activity_at = ?
		WHERE session_id = ?`

	return s.withRetry(ctx, "update session position", func() error {
		result, err := s.db.ExecContext(ctx, query,
			nullString(pos.ClassID), nullString(pos.MomentID), nullString(pos.ActivityID),
			s.now().UnixNano(), sessionID,
		)
		if err != nil {
			return err
		}
		return requireRow(result, "session "+sessionID)
	})
}

// EndSession stamps ended_at once; ending an ended session is a no-op.
func (s *SQLiteStore) EndSession(ctx context.Context, sessionID string) error {
	return s.withRetry(ctx, "end session", func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET ended_at = COALESCE(ended_at, ?) WHERE session_id = ?`,
			s.now().UnixNano(), sessionID,
		)
		if err != nil {
			return err
		}
		return requireRow(result, "session "+sessionID)
	})
}

// ListIdleSessions returns active sessions whose last activity is older than idle.
func (s *SQLiteStore) ListIdleSessions(ctx context.Context, idle time.Duration) ([]domain.Session, error) {
	cutoff := s.now().Add(-idle).UnixNano()
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, learner_id, enrollment_id, topic_id, last_activity_at, created_at
		FROM sessions
		WHERE ended_at IS NULL AND last_activity_at < ?
		ORDER BY last_activity_at`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		var sess domain.Session
		var lastActivity, createdAt int64
		if err := rows.Scan(&sess.ID, &sess.LearnerID, &sess.EnrollmentID, &sess.TopicID, &lastActivity, &createdAt); err != nil {
			return nil, fmt.Errorf("scan idle session: %w", err)
		}
		sess.LastActivityAt = fromNanos(lastActivity)
		sess.CreatedAt = fromNanos(createdAt)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// AppendMessages inserts messages in one transaction and bumps the session's
// last activity time.
func (s *SQLiteStore) AppendMessages(ctx context.Context, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.withRetry(ctx, "append messages", func() error {
		return s.appendMessagesOnce(ctx, msgs)
	})
}

func (s *SQLiteStore) appendMessagesOnce(ctx context.Context, msgs []domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO messages (message_id, session_id, turn_id, role, content,
			class_id, moment_id, activity_id, input_tokens, output_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert message: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	latest := map[string]int64{}
	for _, m := range msgs {
		created := m.CreatedAt.UnixNano()
		if _, err := stmt.ExecContext(ctx,
			m.ID, m.SessionID, m.TurnID, m.Role, m.Content,
			nullString(m.Position.ClassID), nullString(m.Position.MomentID), nullString(m.Position.ActivityID),
			m.InputTokens, m.OutputTokens, created,
		); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
		if created > latest[m.SessionID] {
			latest[m.SessionID] = created
		}
	}

	for sessionID, ts := range latest {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET last_activity_at = MAX(last_activity_at, ?) WHERE session_id = ?`,
			ts, sessionID,
		); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// UpsertActivityProgress records the evidence of one turn and folds it into the
// progress row. The evidence insert is keyed by turn ID; when it already exists
// the row is returned unchanged, so retries never count an attempt twice.
// Status only moves forward and passed stays true once set.
func (s *SQLiteStore) UpsertActivityProgress(ctx context.Context, u domain.ProgressUpdate) (*domain.ActivityProgress, error) {
	err := s.withRetry(ctx, "upsert activity progress", func() error {
		return s.upsertProgressOnce(ctx, u)
	})
	if err != nil {
		return nil, err
	}
	return s.GetActivityProgress(ctx, u.EnrollmentID, u.ActivityID)
}

func (s *SQLiteStore) upsertProgressOnce(ctx context.Context, u domain.ProgressUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	ev := u.Evidence
	if ev.TurnID == "" {
		ev.TurnID = u.TurnID
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = now
	}
	evJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO progress_evidence (enrollment_id, activity_id, turn_id, evidence_json, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.EnrollmentID, u.ActivityID, u.TurnID, string(evJSON), ev.RecordedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if inserted == 0 {
		s.logger.Debug("Evidence already recorded for turn, skipping progress update",
			"enrollment_id", u.EnrollmentID,
			"activity_id", u.ActivityID,
			"turn_id", u.TurnID,
		)
		return tx.Commit()
	}

	status := domain.StatusInProgress
	if ev.Passed {
		status = domain.StatusCompleted
	}

	var curStatus string
	var curPassed bool
	err = tx.QueryRowContext(ctx,
		`SELECT status, passed FROM activity_progress WHERE enrollment_id = ? AND activity_id = ?`,
		u.EnrollmentID, u.ActivityID,
	).Scan(&curStatus, &curPassed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("select progress: %w", err)
	default:
		if domain.StatusRank(curStatus) > domain.StatusRank(status) {
			status = curStatus
		}
	}
	passed := curPassed || ev.Passed

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO activity_progress (enrollment_id, activity_id, status, attempt_count, passed, grader, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(enrollment_id, activity_id) DO UPDATE SET
			status = excluded.status,
			attempt_count = activity_progress.attempt_count + 1,
			passed = excluded.passed,
			grader = excluded.grader,
			updated_at = excluded.updated_at`,
		u.EnrollmentID, u.ActivityID, status, passed, u.Grader, now.UnixNano(),
	); err != nil {
		return fmt.Errorf("upsert progress: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetActivityProgress returns the progress row and its evidence, oldest first.
func (s *SQLiteStore) GetActivityProgress(ctx context.Context, enrollmentID, activityID string) (*domain.ActivityProgress, error) {
	p := domain.ActivityProgress{EnrollmentID: enrollmentID, ActivityID: activityID}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT status, attempt_count, passed, grader, updated_at
		FROM activity_progress WHERE enrollment_id = ? AND activity_id = ?`,
		enrollmentID, activityID,
	).Scan(&p.Status, &p.AttemptCount, &p.Passed, &p.Grader, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("progress %s/%s: %w", enrollmentID, activityID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan progress row: %w", err)
	}
	p.UpdatedAt = fromNanos(updatedAt)

	rows, err := s.db.QueryContext(ctx, `
		SELECT evidence_json FROM progress_evidence
		WHERE enrollment_id = ? AND activity_id = ?
		ORDER BY recorded_at, turn_id`,
		enrollmentID, activityID,
	)
	if err != nil {
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close evidence rows", "error", closeErr)
		}
	}()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan evidence row: %w", err)
		}
		var ev domain.Evidence
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("decode evidence: %w", err)
		}
		p.Evidence = append(p.Evidence, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evidence: %w", err)
	}
	return &p, nil
}

// CountCompletedActivities counts completed activities for an enrollment.
func (s *SQLiteStore) CountCompletedActivities(ctx context.Context, enrollmentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM activity_progress WHERE enrollment_id = ? AND status = ?`,
		enrollmentID, domain.StatusCompleted,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count completed activities: %w", err)
	}
	return n, nil
}

// ListCompletedActivityIDs lists completed activity IDs for an enrollment.
func (s *SQLiteStore) ListCompletedActivityIDs(ctx context.Context, enrollmentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT activity_id FROM activity_progress WHERE enrollment_id = ? AND status = ? ORDER BY updated_at`,
		enrollmentID, domain.StatusCompleted,
	)
	if err != nil {
		return nil, fmt.Errorf("query completed activities: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close completed activity rows", "error", closeErr)
		}
	}()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan activity id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completed activities: %w", err)
	}
	return ids, nil
}

// GetEnrollment retrieves an enrollment by ID.
func (s *SQLiteStore) GetEnrollment(ctx context.Context, enrollmentID string) (*domain.Enrollment, error) {
	query := `
		SELECT enrollment_id, learner_id, topic_id, percentage,
		       started_at, completed_at, created_at, updated_at
		FROM enrollments WHERE enrollment_id = ?`

	var e domain.Enrollment
	var startedAt, completedAt sql.NullInt64
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, enrollmentID).Scan(
		&e.ID, &e.LearnerID, &e.TopicID, &e.Percentage,
		&startedAt, &completedAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("enrollment %s: %w", enrollmentID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan enrollment row: %w", err)
	}

	e.StartedAt = nullTime(startedAt)
	e.CompletedAt = nullTime(completedAt)
	e.CreatedAt = fromNanos(createdAt)
	e.UpdatedAt = fromNanos(updatedAt)
	return &e, nil
}

// UpdateEnrollmentProgress persists a recomputed percentage. Existing start and
// completion stamps are never cleared.
func (s *SQLiteStore) UpdateEnrollmentProgress(ctx context.Context, p domain.EnrollmentProgress) error {
	query := `
		UPDATE enrollments SET
			percentage = ?,
			started_at = COALESCE(started_at, ?),
			completed_at = COALESCE(completed_at, ?),
			updated_at = ?
		WHERE enrollment_id = ?`

	return s.withRetry(ctx, "update enrollment progress", func() error {
		result, err := s.db.ExecContext(ctx, query,
			p.Percentage, nullNanos(p.StartedAt), nullNanos(p.CompletedAt),
			s.now().UnixNano(), p.EnrollmentID,
		)
		if err != nil {
			return err
		}
		return requireRow(result, "enrollment "+p.EnrollmentID)
	})
}

func requireRow(result sql.Result, what string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromNanos(v.Int64)
	return &t
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n)
}
