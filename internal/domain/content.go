// Package domain contains core domain types for the tutoring engine.
package domain

import "strings"

// Topic is the immutable content tree for one topic version.
// A topic carries either Classes (each holding moments) or a flat list of Moments.
type Topic struct {
	ID         string   `json:"id" yaml:"id"`
	Title      string   `json:"title" yaml:"title"`
	Version    string   `json:"version,omitempty" yaml:"version,omitempty"`
	Objectives []string `json:"objectives,omitempty" yaml:"objectives,omitempty"`
	Classes    []Class  `json:"classes,omitempty" yaml:"classes,omitempty"`
	Moments    []Moment `json:"moments,omitempty" yaml:"moments,omitempty"`
}

// HasClasses reports whether the topic is organised into classes.
func (t *Topic) HasClasses() bool {
	return len(t.Classes) > 0
}

// Class groups moments.
type Class struct {
	ID      string   `json:"id" yaml:"id"`
	Title   string   `json:"title" yaml:"title"`
	Moments []Moment `json:"moments" yaml:"moments"`
}

// Moment is an ordered group of activities.
type Moment struct {
	ID         string     `json:"id" yaml:"id"`
	Title      string     `json:"title" yaml:"title"`
	Activities []Activity `json:"activities" yaml:"activities"`
}

// Activity is the smallest unit of instruction: a teach phase and a verify phase.
type Activity struct {
	ID           string           `json:"id" yaml:"id"`
	Title        string           `json:"title,omitempty" yaml:"title,omitempty"`
	Teaching     Teaching         `json:"teaching" yaml:"teaching"`
	Verification Verification     `json:"verification" yaml:"verification"`
	Reprompt     RepromptStrategy `json:"reprompt" yaml:"reprompt"`
	Guardrails   *Guardrails      `json:"guardrails,omitempty" yaml:"guardrails,omitempty"`
	Metadata     ActivityMetadata `json:"metadata" yaml:"metadata"`
}

// Teaching holds the teach-phase instructions.
type Teaching struct {
	Instructions    string   `json:"instructions" yaml:"instructions"`
	TargetWords     int      `json:"target_words,omitempty" yaml:"target_words,omitempty"`
	SuggestedImages []string `json:"suggested_images,omitempty" yaml:"suggested_images,omitempty"`
}

// Verification holds the verify-phase question and rubric.
type Verification struct {
	Question        string          `json:"question" yaml:"question"`
	SuccessCriteria SuccessCriteria `json:"success_criteria" yaml:"success_criteria"`
}

// Understanding levels a rubric can demand or report.
const (
	UnderstandingMemorized  = "memorized"
	UnderstandingUnderstood = "understood"
	UnderstandingApplied    = "applied"
)

// SuccessCriteria is the rubric an answer is graded against.
type SuccessCriteria struct {
	RequiredFacts      []string `json:"required_facts" yaml:"required_facts"`
	MinCompleteness    int      `json:"min_completeness" yaml:"min_completeness"`
	UnderstandingLevel string   `json:"understanding_level,omitempty" yaml:"understanding_level,omitempty"`
}

// RequiresApplied reports whether the rubric rejects memorized-only answers.
func (c SuccessCriteria) RequiresApplied() bool {
	return strings.EqualFold(strings.TrimSpace(c.UnderstandingLevel), UnderstandingApplied)
}

// RepromptStrategy is activity-specific guidance for weak answers.
type RepromptStrategy struct {
	Incomplete    string   `json:"incomplete,omitempty" yaml:"incomplete,omitempty"`
	MemorizedOnly string   `json:"memorized_only,omitempty" yaml:"memorized_only,omitempty"`
	Incorrect     string   `json:"incorrect,omitempty" yaml:"incorrect,omitempty"`
	Hints         []string `json:"hints,omitempty" yaml:"hints,omitempty"`
}

// Guardrails restrict what the instructor may discuss during an activity.
// ViolationResponse may contain {instructor_specialty} and {moment_title} placeholders.
type Guardrails struct {
	ProhibitedTopics  []string `json:"prohibited_topics,omitempty" yaml:"prohibited_topics,omitempty"`
	ViolationResponse string   `json:"violation_response,omitempty" yaml:"violation_response,omitempty"`
}

// Difficulty values used by ActivityMetadata.
const (
	DifficultyBasic        = "basic"
	DifficultyIntermediate = "intermediate"
	DifficultyAdvanced     = "advanced"
)

// ActivityMetadata carries pacing hints.
type ActivityMetadata struct {
	EstimatedMinutes int    `json:"estimated_minutes,omitempty" yaml:"estimated_minutes,omitempty"`
	Difficulty       string `json:"difficulty,omitempty" yaml:"difficulty,omitempty"`
	MaxReprompts     int    `json:"max_reprompts,omitempty" yaml:"max_reprompts,omitempty"`
}

// Instructor describes the persona the model plays for a topic.
type Instructor struct {
	Name      string `json:"name" yaml:"name"`
	Specialty string `json:"specialty" yaml:"specialty"`
	Style     string `json:"style,omitempty" yaml:"style,omitempty"`
	Language  string `json:"language,omitempty" yaml:"language,omitempty"`
}

// Image is one entry of a topic's image manifest.
type Image struct {
	ID          string   `json:"id" yaml:"id"`
	URL         string   `json:"url" yaml:"url"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// TopicBundle is what the content store returns for a topic.
type TopicBundle struct {
	Topic      *Topic     `json:"topic" yaml:"topic"`
	Instructor Instructor `json:"instructor" yaml:"instructor"`
	Images     []Image    `json:"images,omitempty" yaml:"images,omitempty"`
}
