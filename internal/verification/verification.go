// Package verification grades a student's answer against an activity's
// success criteria and decides whether the student may advance.
package verification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/tutorloop/internal/domain"
	"github.com/ashureev/tutorloop/internal/llm"
	"github.com/ashureev/tutorloop/internal/metrics"
)

// Result is a rubric judgment.
type Result struct {
	Completeness       int      `json:"completeness_percentage"`
	CriteriaMet        []string `json:"criteria_met"`
	CriteriaMissing    []string `json:"criteria_missing"`
	UnderstandingLevel string   `json:"understanding_level"`
	ReadyToAdvance     bool     `json:"ready_to_advance"`
	Grader             string   `json:"grader"`
}

// GraderFallback marks a judgment produced without a successful grading call.
const GraderFallback = "fallback"

// ReadyToAdvance applies the advancement rule to a graded answer. Completeness
// below the minimum always blocks; an activity requiring applied understanding
// also rejects a memorised answer.
func ReadyToAdvance(criteria domain.SuccessCriteria, completeness int, level string) bool {
	if completeness < criteria.MinCompleteness {
		return false
	}
	if criteria.RequiresApplied() && strings.EqualFold(strings.TrimSpace(level), domain.UnderstandingMemorized) {
		return false
	}
	return true
}

// Conservative returns the judgment used when grading fails: nothing met,
// nothing passed.
func Conservative(act *domain.Activity) Result {
	missing := []string{}
	if act != nil {
		missing = append(missing, act.Verification.SuccessCriteria.RequiredFacts...)
	}
	return Result{
		Completeness:       0,
		CriteriaMet:        []string{},
		CriteriaMissing:    missing,
		UnderstandingLevel: domain.UnderstandingMemorized,
		ReadyToAdvance:     false,
		Grader:             GraderFallback,
	}
}

// Config configures the grading call.
type Config struct {
	Model     string
	Timeout   time.Duration
	MaxTokens int
	// HistoryMessages is how many recent messages are shown to the grader.
	HistoryMessages int
}

// Evaluator grades verification answers with a model.
type Evaluator struct {
	client llm.Completer
	cfg    Config
	logger *slog.Logger
}

// NewEvaluator creates an evaluator.
func NewEvaluator(client llm.Completer, cfg Config, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 400
	}
	if cfg.HistoryMessages <= 0 {
		cfg.HistoryMessages = 4
	}
	return &Evaluator{client: client, cfg: cfg, logger: logger}
}

type rubricReply struct {
	Completeness    *float64 `json:"completeness_percentage"`
	CriteriaMet     []string `json:"criteria_met"`
	CriteriaMissing []string `json:"criteria_missing"`
	Understanding   string   `json:"understanding_level"`
}

// Evaluate grades answer for act. It never returns an error: any failure of
// the grading call or its output yields Conservative(act).
func (e *Evaluator) Evaluate(ctx context.Context, act *domain.Activity, answer string, history []domain.Message) Result {
	if act == nil {
		return Conservative(nil)
	}
	res, err := e.grade(ctx, act, answer, history)
	if err != nil {
		e.logger.Warn("Verification grading failed, blocking advancement",
			"activity_id", act.ID,
			"error", err,
		)
		return Conservative(act)
	}
	return res
}

func (e *Evaluator) grade(ctx context.Context, act *domain.Activity, answer string, history []domain.Message) (Result, error) {
	if e.client == nil {
		return Result{}, fmt.Errorf("no grading client configured")
	}
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	resp, err := e.client.Complete(ctx, llm.Request{
		Model:       e.cfg.Model,
		Temperature: 0,
		MaxTokens:   e.cfg.MaxTokens,
		System:      []llm.Block{{Text: rubricInstructions(act)}},
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: e.gradingInput(answer, history)}},
	})
	if err != nil {
		metrics.ProviderCalls.WithLabelValues("verification", "error").Inc()
		return Result{}, fmt.Errorf("grading call: %w", err)
	}
	metrics.ProviderCalls.WithLabelValues("verification", "ok").Inc()

	var raw rubricReply
	if err := llm.DecodeJSON(resp.Content, &raw); err != nil {
		return Result{}, err
	}
	if raw.Completeness == nil {
		return Result{}, fmt.Errorf("rubric reply missing completeness_percentage")
	}

	level, err := parseLevel(raw.Understanding)
	if err != nil {
		return Result{}, err
	}
	completeness := clampPercent(*raw.Completeness)
	criteria := act.Verification.SuccessCriteria

	res := Result{
		Completeness:       completeness,
		CriteriaMet:        nonNil(raw.CriteriaMet),
		CriteriaMissing:    nonNil(raw.CriteriaMissing),
		UnderstandingLevel: level,
		ReadyToAdvance:     ReadyToAdvance(criteria, completeness, level),
		Grader:             resp.Model,
	}
	if res.Grader == "" {
		res.Grader = e.cfg.Model
	}
	return res, nil
}

func (e *Evaluator) gradingInput(answer string, history []domain.Message) string {
	var sb strings.Builder
	if n := len(history); n > 0 {
		start := 0
		if n > e.cfg.HistoryMessages {
			start = n - e.cfg.HistoryMessages
		}
		sb.WriteString("Recent conversation:\n")
		for _, m := range history[start:] {
			fmt.Fprintf(&sb, "%s: %s\n", m.Role, strings.TrimSpace(m.Content))
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Student answer to grade:\n%s\n", strings.TrimSpace(answer))
	return sb.String()
}

func rubricInstructions(act *domain.Activity) string {
	v := act.Verification
	var sb strings.Builder
	sb.WriteString("You grade a student's answer in a tutoring session. Be strict and fair.\n")
	fmt.Fprintf(&sb, "Question asked: %s\n", v.Question)
	if len(v.SuccessCriteria.RequiredFacts) > 0 {
		sb.WriteString("Required facts:\n")
		for _, f := range v.SuccessCriteria.RequiredFacts {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
	}
	if lvl := v.SuccessCriteria.UnderstandingLevel; lvl != "" {
		fmt.Fprintf(&sb, "Expected understanding level: %s\n", lvl)
	}
	sb.WriteString(`Understanding levels: "memorized" repeats a definition, "understood" explains it in own words, "applied" uses it in an example.
Respond with ONLY a JSON object, no prose:
{"completeness_percentage": 0-100, "criteria_met": ["..."], "criteria_missing": ["..."], "understanding_level": "memorized"|"understood"|"applied"}`)
	return sb.String()
}

func parseLevel(s string) (string, error) {
	switch lvl := strings.ToLower(strings.TrimSpace(s)); lvl {
	case domain.UnderstandingMemorized, domain.UnderstandingUnderstood, domain.UnderstandingApplied:
		return lvl, nil
	case "memorised":
		return domain.UnderstandingMemorized, nil
	default:
		return "", fmt.Errorf("unknown understanding level %q", s)
	}
}

func clampPercent(f float64) int {
	switch {
	case f < 0:
		return 0
	case f > 100:
		return 100
	default:
		return int(f)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
