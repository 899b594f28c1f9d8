package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/tutorloop/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "tutor.db"), RetryPolicy{}, nil)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var firstPos = domain.Position{MomentID: "m1", ActivityID: "a1"}

func TestStartSessionIsIdempotentWhileActive(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.StartSession(ctx, "learner-1", "fractions", firstPos)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if sess.Position != firstPos || !sess.IsActive() || sess.EnrollmentID == "" {
		t.Fatalf("unexpected session %+v", sess)
	}

	again, err := s.StartSession(ctx, "learner-1", "fractions", firstPos)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if again.ID != sess.ID {
		t.Fatalf("expected active session %s to be reused, got %s", sess.ID, again.ID)
	}

	later := domain.Position{MomentID: "m2", ActivityID: "a3"}
	if err := s.UpdateSessionPosition(ctx, sess.ID, later); err != nil {
		t.Fatalf("UpdateSessionPosition failed: %v", err)
	}
	if err := s.EndSession(ctx, sess.ID); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	next, err := s.StartSession(ctx, "learner-1", "fractions", firstPos)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if next.ID == sess.ID {
		t.Fatal("expected a new session after the previous one ended")
	}
	if next.EnrollmentID != sess.EnrollmentID {
		t.Fatal("enrollment must be shared across sessions of the same topic")
	}
	if next.Position != later {
		t.Fatalf("new session position = %+v, want %+v", next.Position, later)
	}

	snap, err := s.GetSession(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if snap.Session.IsActive() {
		t.Fatal("ended session must stay ended")
	}
}

func TestStartSessionResumesLastPosition(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.StartSession(ctx, "learner-1", "fractions", firstPos)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if _, err := s.UpsertActivityProgress(ctx, domain.ProgressUpdate{
		EnrollmentID: first.EnrollmentID, ActivityID: "a1", TurnID: "t1", Grader: "g",
		Evidence: domain.Evidence{StudentAnswer: "partes iguales", Completeness: 90, Passed: true},
	}); err != nil {
		t.Fatalf("UpsertActivityProgress failed: %v", err)
	}

	// Each ended session leaves the learner further along.
	positions := []domain.Position{
		{MomentID: "m2", ActivityID: "a3"},
		{MomentID: "m3", ActivityID: "a5"},
	}
	sess := first
	for _, pos := range positions {
		if err := s.UpdateSessionPosition(ctx, sess.ID, pos); err != nil {
			t.Fatalf("UpdateSessionPosition failed: %v", err)
		}
		if err := s.EndSession(ctx, sess.ID); err != nil {
			t.Fatalf("EndSession failed: %v", err)
		}
		sess, err = s.StartSession(ctx, "learner-1", "fractions", firstPos)
		if err != nil {
			t.Fatalf("StartSession failed: %v", err)
		}
		if sess.Position != pos {
			t.Fatalf("resumed at %+v, want %+v", sess.Position, pos)
		}
	}

	done, err := s.ListCompletedActivityIDs(ctx, first.EnrollmentID)
	if err != nil {
		t.Fatalf("ListCompletedActivityIDs failed: %v", err)
	}
	if len(done) != 1 || done[0] != "a1" {
		t.Fatalf("completed activities = %v, want [a1]", done)
	}

	// Another topic still starts at the beginning.
	other, err := s.StartSession(ctx, "learner-1", "decimals", firstPos)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if other.Position != firstPos {
		t.Fatalf("new enrollment position = %+v, want %+v", other.Position, firstPos)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "missing", 10)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.EndSession(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from EndSession, got %v", err)
	}
	if err := s.UpdateSessionPosition(context.Background(), "missing", firstPos); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from UpdateSessionPosition, got %v", err)
	}
}

func TestUpdateSessionPosition(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	sess, err := s.StartSession(ctx, "learner-1", "fractions", domain.Position{})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if !sess.Position.IsZero() {
		t.Fatalf("expected empty position, got %+v", sess.Position)
	}

	pos := domain.Position{ClassID: "c1", MomentID: "m2", ActivityID: "a2"}
	if err := s.UpdateSessionPosition(ctx, sess.ID, pos); err != nil {
		t.Fatalf("UpdateSessionPosition failed: %v", err)
	}
	snap, err := s.GetSession(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if snap.Session.Position != pos {
		t.Fatalf("expected %+v, got %+v", pos, snap.Session.Position)
	}
}

func TestAppendMessagesOrderAndIdempotency(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	sess, err := s.StartSession(ctx, "learner-1", "fractions", firstPos)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	var msgs []domain.Message
	for i := 0; i < 4; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		turn := fmt.Sprintf("turn-%d", i)
		msgs = append(msgs,
			domain.Message{ID: turn + "-s", SessionID: sess.ID, TurnID: turn, Role: domain.RoleStudent, Content: fmt.Sprintf("q%d", i), Position: firstPos, CreatedAt: ts},
			domain.Message{ID: turn + "-i", SessionID: sess.ID, TurnID: turn, Role: domain.RoleInstructor, Content: fmt.Sprintf("r%d", i), Position: firstPos, OutputTokens: 12, CreatedAt: ts.Add(domain.MessageEpsilon)},
		)
	}
	if err := s.AppendMessages(ctx, msgs); err != nil {
		t.Fatalf("AppendMessages failed: %v", err)
	}
	if err := s.AppendMessages(ctx, msgs[6:]); err != nil {
		t.Fatalf("replayed AppendMessages failed: %v", err)
	}

	snap, err := s.GetSession(ctx, sess.ID, 4)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	got := snap.RecentMessages
	if len(got) != 4 {
		t.Fatalf("expected 4 recent messages, got %d", len(got))
	}
	want := []string{"q2", "r2", "q3", "r3"}
	for i, m := range got {
		if m.Content != want[i] {
			t.Fatalf("message %d = %q, want %q", i, m.Content, want[i])
		}
	}
	if got[3].OutputTokens != 12 || got[3].Position != firstPos {
		t.Fatalf("message fields not round-tripped: %+v", got[3])
	}
	if !snap.Session.LastActivityAt.Equal(msgs[7].CreatedAt) {
		t.Fatalf("last activity %v, want %v", snap.Session.LastActivityAt, msgs[7].CreatedAt)
	}
}

func TestUpsertActivityProgress(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	sess, err := s.StartSession(ctx, "learner-1", "fractions", firstPos)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	eid := sess.EnrollmentID

	fail := domain.ProgressUpdate{
		EnrollmentID: eid, ActivityID: "a1", TurnID: "t1", Grader: "g",
		Evidence: domain.Evidence{StudentAnswer: "no sé", Completeness: 20},
	}
	p, err := s.UpsertActivityProgress(ctx, fail)
	if err != nil {
		t.Fatalf("UpsertActivityProgress failed: %v", err)
	}
	if p.Status != domain.StatusInProgress || p.AttemptCount != 1 || p.Passed {
		t.Fatalf("unexpected progress after failed attempt: %+v", p)
	}

	// Replaying the same turn must not count another attempt.
	p, err = s.UpsertActivityProgress(ctx, fail)
	if err != nil {
		t.Fatalf("replayed UpsertActivityProgress failed: %v", err)
	}
	if p.AttemptCount != 1 || len(p.Evidence) != 1 {
		t.Fatalf("replay changed progress: %+v", p)
	}

	pass := domain.ProgressUpdate{
		EnrollmentID: eid, ActivityID: "a1", TurnID: "t2", Grader: "g",
		Evidence: domain.Evidence{StudentAnswer: "partes iguales", Completeness: 90, Passed: true},
	}
	p, err = s.UpsertActivityProgress(ctx, pass)
	if err != nil {
		t.Fatalf("UpsertActivityProgress failed: %v", err)
	}
	if p.Status != domain.StatusCompleted || p.AttemptCount != 2 || !p.Passed {
		t.Fatalf("unexpected progress after pass: %+v", p)
	}

	// A later failed answer never moves status backward or clears passed.
	later := domain.ProgressUpdate{
		EnrollmentID: eid, ActivityID: "a1", TurnID: "t3", Grader: "g",
		Evidence: domain.Evidence{StudentAnswer: "?", Completeness: 0},
	}
	p, err = s.UpsertActivityProgress(ctx, later)
	if err != nil {
		t.Fatalf("UpsertActivityProgress failed: %v", err)
	}
	if p.Status != domain.StatusCompleted || !p.Passed || p.AttemptCount != 3 {
		t.Fatalf("progress moved backward: %+v", p)
	}
	if len(p.Evidence) != 3 || p.Evidence[0].TurnID != "t1" {
		t.Fatalf("unexpected evidence: %+v", p.Evidence)
	}

	n, err := s.CountCompletedActivities(ctx, eid)
	if err != nil || n != 1 {
		t.Fatalf("CountCompletedActivities = %d, %v", n, err)
	}
	ids, err := s.ListCompletedActivityIDs(ctx, eid)
	if err != nil || len(ids) != 1 || ids[0] != "a1" {
		t.Fatalf("ListCompletedActivityIDs = %v, %v", ids, err)
	}
}

func TestUpsertActivityProgressConcurrentTurns(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	sess, err := s.StartSession(ctx, "learner-1", "fractions", firstPos)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.UpsertActivityProgress(ctx, domain.ProgressUpdate{
				EnrollmentID: sess.EnrollmentID,
				ActivityID:   "a1",
				TurnID:       fmt.Sprintf("t%d", i),
				Evidence:     domain.Evidence{Completeness: 10},
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent upsert failed: %v", err)
		}
	}

	p, err := s.GetActivityProgress(ctx, sess.EnrollmentID, "a1")
	if err != nil {
		t.Fatalf("GetActivityProgress failed: %v", err)
	}
	if p.AttemptCount != 10 {
		t.Fatalf("expected 10 attempts, got %d", p.AttemptCount)
	}
}

func TestUpdateEnrollmentProgressKeepsStamps(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	sess, err := s.StartSession(ctx, "learner-1", "fractions", firstPos)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	started := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := s.UpdateEnrollmentProgress(ctx, domain.EnrollmentProgress{EnrollmentID: sess.EnrollmentID, Percentage: 40, StartedAt: &started}); err != nil {
		t.Fatalf("UpdateEnrollmentProgress failed: %v", err)
	}
	later := started.Add(time.Hour)
	if err := s.UpdateEnrollmentProgress(ctx, domain.EnrollmentProgress{EnrollmentID: sess.EnrollmentID, Percentage: 100, StartedAt: &later, CompletedAt: &later}); err != nil {
		t.Fatalf("UpdateEnrollmentProgress failed: %v", err)
	}

	e, err := s.GetEnrollment(ctx, sess.EnrollmentID)
	if err != nil {
		t.Fatalf("GetEnrollment failed: %v", err)
	}
	if e.Percentage != 100 || !e.StartedAt.Equal(started) || e.CompletedAt == nil || !e.CompletedAt.Equal(later) {
		t.Fatalf("unexpected enrollment %+v", e)
	}

	err = s.UpdateEnrollmentProgress(ctx, domain.EnrollmentProgress{EnrollmentID: "missing"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLearnerRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetLearner(ctx, "l1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	seen := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	if err := s.UpsertLearner(ctx, &domain.Learner{ID: "l1", DisplayName: "Ana", LastSeenAt: seen}); err != nil {
		t.Fatalf("UpsertLearner failed: %v", err)
	}
	l, err := s.GetLearner(ctx, "l1")
	if err != nil {
		t.Fatalf("GetLearner failed: %v", err)
	}
	if l.DisplayName != "Ana" || !l.LastSeenAt.Equal(seen) {
		t.Fatalf("unexpected learner %+v", l)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestListIdleSessions(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time { return clock }

	stale, err := s.StartSession(ctx, "learner-1", "fractions", firstPos)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	clock = base.Add(90 * time.Minute)
	fresh, err := s.StartSession(ctx, "learner-2", "fractions", firstPos)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	ended, err := s.StartSession(ctx, "learner-3", "fractions", firstPos)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if err := s.EndSession(ctx, ended.ID); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	clock = base.Add(2 * time.Hour)
	idle, err := s.ListIdleSessions(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ListIdleSessions failed: %v", err)
	}
	if len(idle) != 1 || idle[0].ID != stale.ID {
		t.Fatalf("idle sessions = %+v, want only %s", idle, stale.ID)
	}
	if idle[0].ID == fresh.ID {
		t.Fatal("fresh session reported idle")
	}
}
