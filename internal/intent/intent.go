// Package intent decides what a student message is trying to do.
//
// Match resolves common cases with pattern families and never calls the
// provider. Classifier falls through to a fast model when Match has no answer,
// and defaults to treating the message as an on-topic verification answer when
// that call fails.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/tutorloop/internal/domain"
	"github.com/ashureev/tutorloop/internal/llm"
	"github.com/ashureev/tutorloop/internal/metrics"
)

// Intent labels.
type Intent string

// Intent values.
const (
	AnswerVerification Intent = "answer_verification"
	Continuation       Intent = "continuation"
	Clarification      Intent = "clarification"
	Question           Intent = "question"
	OffTopic           Intent = "off_topic"
)

// Suggested strategies handed to the prompt assembler.
const (
	StrategyEvaluateAnswer = "evaluate_answer"
	StrategyAdvance        = "advance"
	StrategyClarify        = "clarify"
	StrategyAnswerQuestion = "answer_question"
	StrategyRedirect       = "redirect"
)

// Result sources.
const (
	SourcePattern  = "pattern"
	SourceModel    = "model"
	SourceFallback = "fallback"
)

// Result is a classified intent.
type Result struct {
	Intent            Intent  `json:"intent"`
	IsOnTopic         bool    `json:"is_on_topic"`
	RelevanceScore    float64 `json:"relevance_score"`
	SuggestedStrategy string  `json:"suggested_strategy"`
	Confidence        float64 `json:"confidence"`
	Reasoning         string  `json:"reasoning,omitempty"`
	Source            string  `json:"-"`
}

// Fallback is the optimistic default used when classification fails.
func Fallback() Result {
	return Result{
		Intent:            AnswerVerification,
		IsOnTopic:         true,
		RelevanceScore:    1,
		SuggestedStrategy: StrategyEvaluateAnswer,
		Source:            SourceFallback,
	}
}

type family struct {
	intent   Intent
	strategy string
	maxWords int
	patterns []*regexp.Regexp
}

// families are tried in order; the first match wins.
var families = []family{
	{
		// Acknowledgements reply to the instructor's verification prompt.
		intent:   AnswerVerification,
		strategy: StrategyEvaluateAnswer,
		maxWords: 4,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`^(s[ií]|ok(ay)?|vale|claro|listo|lista|entendido|entiendo|de acuerdo|perfecto|correcto|exacto|ya|yes|yeah|yep|sure|got it|understood|i see)( (s[ií]|gracias|thanks|claro|entendido|perfecto))*$`),
		},
	},
	{
		intent:   Continuation,
		strategy: StrategyAdvance,
		maxWords: 5,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`^(siguiente|continua|continuemos|continuar|sigue|sigamos|seguimos|adelante|dale|pasemos|next|continue|go on|keep going|let'?s continue|move on)( (por favor|please|tema|paso|actividad))?$`),
		},
	},
	{
		intent:   Clarification,
		strategy: StrategyClarify,
		maxWords: 14,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\bno (lo )?(entiendo|entend[ií]|comprendo|comprend[ií])`),
			regexp.MustCompile(`\b(puedes|podr[ií]as|me puedes) (repetir|explicar|aclarar)`),
			regexp.MustCompile(`\bexpl[ií]ca(me|lo)? (otra vez|de nuevo|mejor|m[aá]s)`),
			regexp.MustCompile(`\bqu[eé] (significa|quiere decir|quieres decir)\b`),
			regexp.MustCompile(`\b(i don'?t|i do not) (understand|get it)\b`),
			regexp.MustCompile(`\b(what do you mean|can you (repeat|explain|clarify)|say that again)\b`),
		},
	},
	{
		intent:   Question,
		strategy: StrategyAnswerQuestion,
		maxWords: 14,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`^¿`),
			regexp.MustCompile(`\?$`),
			regexp.MustCompile(`^(qu[eé]|c[oó]mo|por qu[eé]|cu[aá]l(es)?|cu[aá]ndo|d[oó]nde|qui[eé]n(es)?|cu[aá]nto|what|how|why|which|when|where|who)(\s|\?|$)`),
		},
	},
}

var spaceRun = regexp.MustCompile(`\s+`)

// normalize lowercases, drops commas and trailing sentence punctuation (keeping
// a final question mark) and collapses whitespace.
func normalize(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.ReplaceAll(s, ",", " ")
	s = spaceRun.ReplaceAllString(s, " ")
	s = strings.TrimRight(s, ".!¡,; ")
	s = strings.TrimLeft(s, "¡ ")
	return s
}

// Match resolves the intent with pattern families alone. ok is false when no
// family matches and a remote classification is needed.
func Match(text string) (Result, bool) {
	s := normalize(text)
	if s == "" {
		return Result{}, false
	}
	words := len(strings.Fields(s))
	for _, f := range families {
		if words > f.maxWords {
			continue
		}
		for _, p := range f.patterns {
			if p.MatchString(s) {
				return Result{
					Intent:            f.intent,
					IsOnTopic:         true,
					RelevanceScore:    1,
					SuggestedStrategy: f.strategy,
					Confidence:        0.9,
					Reasoning:         "pattern:" + string(f.intent),
					Source:            SourcePattern,
				}, true
			}
		}
	}
	return Result{}, false
}

// Context is the conversational state visible to the classifier.
type Context struct {
	MomentTitle           string
	InstructorSpecialty   string
	LastInstructorMessage string
}

// Config configures the remote tier.
type Config struct {
	Model     string
	Timeout   time.Duration
	MaxTokens int
}

// Classifier runs the two-tier intent classification.
type Classifier struct {
	client llm.Completer
	cfg    Config
	logger *slog.Logger
}

// NewClassifier creates an intent classifier over the fast model.
func NewClassifier(client llm.Completer, cfg Config, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 200
	}
	return &Classifier{client: client, cfg: cfg, logger: logger}
}

// Classify never fails: a remote error or an unusable verdict yields Fallback().
func (c *Classifier) Classify(ctx context.Context, text string, activity *domain.Activity, cctx Context) Result {
	if r, ok := Match(text); ok {
		metrics.Classifications.WithLabelValues("intent", SourcePattern).Inc()
		return r
	}

	r, err := c.remote(ctx, text, activity, cctx)
	if err != nil {
		c.logger.Warn("Intent classification failed, assuming verification answer", "error", err)
		metrics.Classifications.WithLabelValues("intent", SourceFallback).Inc()
		return Fallback()
	}
	metrics.Classifications.WithLabelValues("intent", SourceModel).Inc()
	return r
}

type remoteResult struct {
	Intent            string   `json:"intent"`
	IsOnTopic         *bool    `json:"is_on_topic"`
	RelevanceScore    *float64 `json:"relevance_score"`
	SuggestedStrategy string   `json:"suggested_strategy"`
	Confidence        float64  `json:"confidence"`
	Reasoning         string   `json:"reasoning"`
}

func (c *Classifier) remote(ctx context.Context, text string, activity *domain.Activity, cctx Context) (Result, error) {
	if c.client == nil {
		return Result{}, fmt.Errorf("no intent client configured")
	}
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	resp, err := c.client.Complete(ctx, llm.Request{
		Model:       c.cfg.Model,
		Temperature: 0,
		MaxTokens:   c.cfg.MaxTokens,
		System:      []llm.Block{{Text: classifierInstructions(activity, cctx)}},
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: text}},
	})
	if err != nil {
		metrics.ProviderCalls.WithLabelValues("intent", "error").Inc()
		return Result{}, fmt.Errorf("intent call: %w", err)
	}
	metrics.ProviderCalls.WithLabelValues("intent", "ok").Inc()

	var raw remoteResult
	if err := llm.DecodeJSON(resp.Content, &raw); err != nil {
		return Result{}, err
	}
	return validate(raw)
}

func validate(raw remoteResult) (Result, error) {
	in := Intent(strings.ToLower(strings.TrimSpace(raw.Intent)))
	strategy := ""
	switch in {
	case AnswerVerification:
		strategy = StrategyEvaluateAnswer
	case Continuation:
		strategy = StrategyAdvance
	case Clarification:
		strategy = StrategyClarify
	case Question:
		strategy = StrategyAnswerQuestion
	case OffTopic:
		strategy = StrategyRedirect
	default:
		return Result{}, fmt.Errorf("unknown intent %q", raw.Intent)
	}

	r := Result{
		Intent:            in,
		IsOnTopic:         in != OffTopic,
		RelevanceScore:    1,
		SuggestedStrategy: strategy,
		Confidence:        clamp01(raw.Confidence),
		Reasoning:         raw.Reasoning,
		Source:            SourceModel,
	}
	if raw.IsOnTopic != nil && in != OffTopic {
		r.IsOnTopic = *raw.IsOnTopic
	}
	if raw.RelevanceScore != nil {
		r.RelevanceScore = clamp01(*raw.RelevanceScore)
	}
	if s := strings.TrimSpace(raw.SuggestedStrategy); s != "" {
		r.SuggestedStrategy = s
	}
	return r, nil
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

func classifierInstructions(activity *domain.Activity, cctx Context) string {
	var b strings.Builder
	b.WriteString("You classify a student's message in a one-on-one tutoring session.\n")
	if cctx.InstructorSpecialty != "" {
		fmt.Fprintf(&b, "The instructor specializes in %s.\n", cctx.InstructorSpecialty)
	}
	if cctx.MomentTitle != "" {
		fmt.Fprintf(&b, "Current lesson: %s.\n", cctx.MomentTitle)
	}
	if activity != nil {
		if activity.Title != "" {
			fmt.Fprintf(&b, "Current activity: %s.\n", activity.Title)
		}
		if q := activity.Verification.Question; q != "" {
			fmt.Fprintf(&b, "The student is expected to answer: %s\n", q)
		}
		if g := activity.Guardrails; g != nil && len(g.ProhibitedTopics) > 0 {
			fmt.Fprintf(&b, "Out of scope topics: %s.\n", strings.Join(g.ProhibitedTopics, ", "))
		}
	}
	if cctx.LastInstructorMessage != "" {
		fmt.Fprintf(&b, "The instructor last said: %q\n", truncate(cctx.LastInstructorMessage, 400))
	}
	b.WriteString(`Intents:
- answer_verification: the student answers or attempts to answer the question
- continuation: the student asks to move on
- clarification: the student did not understand and asks for it again
- question: the student asks a new question about the lesson
- off_topic: the message is unrelated to the lesson
Respond with ONLY a JSON object, no prose:
{"intent": "...", "is_on_topic": true|false, "relevance_score": 0.0-1.0, "suggested_strategy": "...", "confidence": 0.0-1.0, "reasoning": "..."}`)
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
