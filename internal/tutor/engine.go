package tutor

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/tutorloop/internal/convlog"
	"github.com/ashureev/tutorloop/internal/domain"
	"github.com/ashureev/tutorloop/internal/intent"
	"github.com/ashureev/tutorloop/internal/llm"
	"github.com/ashureev/tutorloop/internal/metrics"
	"github.com/ashureev/tutorloop/internal/moderation"
	"github.com/ashureev/tutorloop/internal/navigator"
	"github.com/ashureev/tutorloop/internal/progress"
	"github.com/ashureev/tutorloop/internal/prompt"
	"github.com/ashureev/tutorloop/internal/verification"
)

var tracer = otel.Tracer("github.com/ashureev/tutorloop/internal/tutor")

// Store is the session persistence a turn reads and writes.
type Store interface {
	progress.Store
	GetSession(ctx context.Context, sessionID string, recent int) (*domain.SessionSnapshot, error)
	ListCompletedActivityIDs(ctx context.Context, enrollmentID string) ([]string, error)
	AppendMessages(ctx context.Context, msgs []domain.Message) error
	UpsertActivityProgress(ctx context.Context, u domain.ProgressUpdate) (*domain.ActivityProgress, error)
}

// Moderator screens student input.
type Moderator interface {
	Check(ctx context.Context, text string) moderation.Verdict
}

// IntentClassifier labels student input.
type IntentClassifier interface {
	Classify(ctx context.Context, text string, activity *domain.Activity, cctx intent.Context) intent.Result
}

// Grader scores a verification answer.
type Grader interface {
	Evaluate(ctx context.Context, act *domain.Activity, answer string, history []domain.Message) verification.Result
}

// Topics loads topic bundles.
type Topics interface {
	Load(ctx context.Context, topicID string) (*domain.TopicBundle, error)
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Store      Store
	Topics     Topics
	Moderator  Moderator
	Classifier IntentClassifier
	Grader     Grader
	Assembler  *prompt.Assembler
	Streamer   *Streamer
	Tracker    *progress.Tracker
	Pool       *Pool
	// Transcript is optional.
	Transcript convlog.Logger
	Logger     *slog.Logger
}

// Config tunes an Engine.
type Config struct {
	// HistoryMessages is how many recent messages are read per turn.
	HistoryMessages int
}

type channelKey struct{}

// WithChannel tags the turns started with ctx by transport (sse, websocket)
// in the conversation transcript.
func WithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, channelKey{}, channel)
}

func channelFrom(ctx context.Context) string {
	if v, ok := ctx.Value(channelKey{}).(string); ok {
		return v
	}
	return ""
}

// Engine runs tutoring turns.
type Engine struct {
	deps   Deps
	cfg    Config
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(deps Deps, cfg Config) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Transcript == nil {
		deps.Transcript = convlog.Nop{}
	}
	if cfg.HistoryMessages <= 0 {
		cfg.HistoryMessages = 12
	}
	return &Engine{
		deps:   deps,
		cfg:    cfg,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: deps.Logger,
	}
}

// turn is the state shared by the stages of one turn.
type turn struct {
	id         string
	channel    string
	start      time.Time
	text       string
	snapshot   *domain.SessionSnapshot
	bundle     *domain.TopicBundle
	loc        navigator.Location
	verdict    moderation.Verdict
	classified intent.Result
}

// StartTurn runs one student message through the pipeline and returns the
// client-visible event sequence. The sequence always ends with exactly one
// terminal event unless the consumer stops early or ctx is cancelled.
//
// Errors before generation (missing session, broken content) end the sequence
// with an error event and no provider call for the reply is made. Persistence,
// grading and advancement are submitted to the background pool once the reply
// has been fully generated.
func (e *Engine) StartTurn(ctx context.Context, sessionID, text string) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		t := &turn{id: e.newID(), start: e.now(), text: text, channel: channelFrom(ctx)}
		ctx, span := tracer.Start(ctx, "tutor.turn",
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("session_id", sessionID), attribute.String("turn_id", t.id)),
		)
		defer span.End()

		outcome := "cancelled"
		defer func() {
			metrics.Turns.WithLabelValues(outcome).Inc()
			metrics.TurnDuration.Observe(time.Since(t.start).Seconds())
		}()

		if err := e.prepare(ctx, sessionID, t); err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.logger.Warn("Turn aborted before generation", "session_id", sessionID, "turn_id", t.id, "error", err)
			yield(errorEvent(t.id, err))
			return
		}

		if !t.verdict.Safe {
			outcome = "guardrail"
			e.guardrail(t, yield)
			return
		}

		p, err := e.buildPrompt(ctx, t)
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.logger.Error("Prompt assembly failed", "session_id", sessionID, "turn_id", t.id, "error", err)
			yield(errorEvent(t.id, err))
			return
		}

		params := StreamParams{
			TurnID:    t.id,
			System:    p.Blocks(),
			Messages:  []llm.Message{{Role: llm.RoleUser, Content: text}},
			MaxTokens: prompt.ResponseBudget(t.loc.Activity),
			Start:     t.start,
		}
		onComplete := func(c Completion) {
			e.submitCompletion(t, c)
		}
		for ev := range e.deps.Streamer.Stream(ctx, params, onComplete) {
			switch ev.Type {
			case EventDone:
				outcome = "ok"
			case EventError:
				outcome = "error"
				e.deps.Transcript.Log(e.transcriptEvent(t, convlog.EventTurnError, "", map[string]any{"code": ev.Code}))
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// prepare loads the session and topic, resolves the active activity and joins
// the moderation and intent checks.
func (e *Engine) prepare(ctx context.Context, sessionID string, t *turn) error {
	snap, err := e.deps.Store.GetSession(ctx, sessionID, e.cfg.HistoryMessages)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if snap.Session == nil || !snap.Session.IsActive() {
		return fmt.Errorf("session %s is not active: %w", sessionID, domain.ErrNotFound)
	}
	t.snapshot = snap

	bundle, err := e.deps.Topics.Load(ctx, snap.Session.TopicID)
	if err != nil {
		return err
	}
	t.bundle = bundle

	loc, err := navigator.Locate(bundle.Topic, snap.Session.Position)
	if err != nil {
		return fmt.Errorf("locate session position: %w", err)
	}
	t.loc = loc

	cctx := intent.Context{
		MomentTitle:           loc.Moment.Title,
		InstructorSpecialty:   bundle.Instructor.Specialty,
		LastInstructorMessage: lastInstructorMessage(snap.RecentMessages),
	}

	// Both checks degrade instead of failing, so the group never returns an error.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t.verdict = e.deps.Moderator.Check(gctx, t.text)
		return nil
	})
	g.Go(func() error {
		t.classified = e.deps.Classifier.Classify(gctx, t.text, loc.Activity, cctx)
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	e.logger.Debug("Turn classified",
		"turn_id", t.id,
		"safe", t.verdict.Safe,
		"moderation_source", t.verdict.Source,
		"intent", t.classified.Intent,
		"intent_source", t.classified.Source,
	)
	return nil
}

func (e *Engine) guardrail(t *turn, yield func(Event) bool) {
	redirect := prompt.RenderRedirect(t.loc.Activity.Guardrails, t.bundle.Instructor.Specialty, t.loc.Moment.Title)
	e.logger.Info("Turn blocked by moderation",
		"session_id", t.snapshot.Session.ID,
		"turn_id", t.id,
		"severity", t.verdict.Severity,
		"violations", t.verdict.Violations,
	)
	e.deps.Transcript.Log(e.transcriptEvent(t, convlog.EventGuardrail, redirect, map[string]any{
		"severity":   string(t.verdict.Severity),
		"violations": t.verdict.Violations,
	}))

	msgs := e.messagePair(t, redirect, llm.Usage{})
	e.deps.Pool.Submit(Job{
		Name:   "persist_guardrail",
		TurnID: t.id,
		Run: func(ctx context.Context) error {
			return e.deps.Store.AppendMessages(ctx, msgs)
		},
	})

	for ev := range e.deps.Streamer.Guardrail(t.id, redirect) {
		if !yield(ev) {
			return
		}
	}
}

func (e *Engine) buildPrompt(ctx context.Context, t *turn) (prompt.Prompt, error) {
	completed, err := e.deps.Store.ListCompletedActivityIDs(ctx, t.snapshot.Enrollment.ID)
	if err != nil {
		e.logger.Warn("Completed activities unavailable, continuing without them",
			"enrollment_id", t.snapshot.Enrollment.ID,
			"error", err,
		)
		completed = nil
	}

	return e.deps.Assembler.Build(prompt.Input{
		Bundle:          t.bundle,
		Moment:          t.loc.Moment,
		Activity:        t.loc.Activity,
		History:         t.snapshot.RecentMessages,
		CompletedIDs:    completed,
		TotalActivities: navigator.CountActivities(t.bundle.Topic),
		Signal: &prompt.TurnSignal{
			Intent:    string(t.classified.Intent),
			Strategy:  t.classified.SuggestedStrategy,
			OnTopic:   t.classified.IsOnTopic,
			Relevance: t.classified.RelevanceScore,
		},
	})
}

// messagePair returns the student and instructor messages of a turn. IDs are
// derived from the turn so a retried append does not duplicate rows.
func (e *Engine) messagePair(t *turn, reply string, usage llm.Usage) []domain.Message {
	studentAt := t.start
	instructorAt := e.now()
	if !instructorAt.After(studentAt) {
		instructorAt = studentAt.Add(domain.MessageEpsilon)
	}
	pos := t.loc.Position()
	sessionID := t.snapshot.Session.ID
	return []domain.Message{
		{
			ID:        t.id + ":student",
			SessionID: sessionID,
			TurnID:    t.id,
			Role:      domain.RoleStudent,
			Content:   t.text,
			Position:  pos,
			CreatedAt: studentAt,
		},
		{
			ID:           t.id + ":instructor",
			SessionID:    sessionID,
			TurnID:       t.id,
			Role:         domain.RoleInstructor,
			Content:      reply,
			Position:     pos,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			CreatedAt:    instructorAt,
		},
	}
}

func (e *Engine) submitCompletion(t *turn, c Completion) {
	msgs := e.messagePair(t, c.Text, c.Usage)
	e.deps.Transcript.Log(e.transcriptEvent(t, convlog.EventStudentMessage, t.text, nil))
	e.deps.Transcript.Log(e.transcriptEvent(t, convlog.EventInstructorMessage, c.Text, map[string]any{
		"input_tokens":  c.Usage.InputTokens,
		"output_tokens": c.Usage.OutputTokens,
		"model":         c.Model,
	}))

	verify := t.classified.Intent == intent.AnswerVerification
	var graded *verification.Result

	e.deps.Pool.Submit(Job{
		Name:   "finish_turn",
		TurnID: t.id,
		Run: func(ctx context.Context) error {
			if err := e.deps.Store.AppendMessages(ctx, msgs); err != nil {
				return fmt.Errorf("append turn messages: %w", err)
			}
			if !verify {
				return nil
			}
			// Grading is not repeated when a later write is retried.
			if graded == nil {
				r := e.deps.Grader.Evaluate(ctx, t.loc.Activity, t.text, t.snapshot.RecentMessages)
				graded = &r
			}
			return e.recordVerification(ctx, t, *graded)
		},
	})
}

// recordVerification writes the graded attempt and, when the answer passes,
// recomputes enrollment progress and advances the session.
func (e *Engine) recordVerification(ctx context.Context, t *turn, r verification.Result) error {
	act := t.loc.Activity
	enrollmentID := t.snapshot.Enrollment.ID

	e.deps.Transcript.Log(e.transcriptEvent(t, convlog.EventVerification, "", map[string]any{
		"completeness":     r.Completeness,
		"criteria_missing": r.CriteriaMissing,
		"understanding":    r.UnderstandingLevel,
		"ready_to_advance": r.ReadyToAdvance,
	}))

	if _, err := e.deps.Store.UpsertActivityProgress(ctx, domain.ProgressUpdate{
		EnrollmentID: enrollmentID,
		ActivityID:   act.ID,
		TurnID:       t.id,
		Grader:       r.Grader,
		Evidence: domain.Evidence{
			TurnID:        t.id,
			StudentAnswer: t.text,
			Completeness:  r.Completeness,
			CriteriaMet:   r.CriteriaMet,
			Understanding: r.UnderstandingLevel,
			Passed:        r.ReadyToAdvance,
			RecordedAt:    e.now(),
		},
	}); err != nil {
		return fmt.Errorf("upsert activity progress: %w", err)
	}
	if !r.ReadyToAdvance {
		return nil
	}

	pct, err := e.deps.Tracker.Recompute(ctx, enrollmentID, t.bundle.Topic)
	if err != nil {
		return fmt.Errorf("recompute progress: %w", err)
	}
	pos, advanced, err := e.deps.Tracker.Advance(ctx, t.snapshot.Session, t.bundle.Topic)
	if err != nil {
		return fmt.Errorf("advance session: %w", err)
	}

	e.logger.Info("Activity passed",
		"session_id", t.snapshot.Session.ID,
		"activity_id", act.ID,
		"percentage", pct,
		"advanced", advanced,
		"next_activity_id", pos.ActivityID,
	)
	e.deps.Transcript.Log(e.transcriptEvent(t, convlog.EventAdvancement, "", map[string]any{
		"percentage":       pct,
		"advanced":         advanced,
		"next_moment_id":   pos.MomentID,
		"next_activity_id": pos.ActivityID,
	}))
	return nil
}

func (e *Engine) transcriptEvent(t *turn, eventType, content string, meta map[string]any) convlog.Event {
	ev := convlog.Event{
		TurnID:     t.id,
		Channel:    t.channel,
		EventType:  eventType,
		ContentRaw: content,
		Meta:       meta,
	}
	if t.snapshot != nil && t.snapshot.Session != nil {
		ev.LearnerID = t.snapshot.Session.LearnerID
		ev.SessionID = t.snapshot.Session.ID
	}
	if t.loc.Activity != nil {
		ev.ActivityID = t.loc.Activity.ID
	}
	return ev
}

func lastInstructorMessage(history []domain.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == domain.RoleInstructor {
			return history[i].Content
		}
	}
	return ""
}
