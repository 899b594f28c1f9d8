// Package tutor runs a tutoring turn end to end.
//
// StartTurn loads the session and its topic, screens and classifies the
// message concurrently, assembles the prompt and streams the instructor reply.
// Persistence, grading and advancement run afterwards on a background pool so
// the client stream closes as soon as its terminal event is sent.
package tutor

import "github.com/ashureev/tutorloop/internal/domain"

// EventType tags events in a turn stream.
type EventType string

// Event types. Every stream ends with exactly one of done, guardrail or error.
const (
	EventChunk     EventType = "chunk"
	EventDone      EventType = "done"
	EventGuardrail EventType = "guardrail"
	EventError     EventType = "error"
)

// Event is one element of a turn stream.
type Event struct {
	Type         EventType `json:"type"`
	TurnID       string    `json:"turn_id,omitempty"`
	Text         string    `json:"text,omitempty"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
	ElapsedMs    int64     `json:"elapsed_ms,omitempty"`
	Code         string    `json:"code,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type != EventChunk
}

// ApologyText replaces the reply when a turn fails.
const ApologyText = "Lo siento, tuve un problema para responder. ¿Puedes intentarlo de nuevo en un momento?"

func errorEvent(turnID string, err error) Event {
	return Event{
		Type:   EventError,
		TurnID: turnID,
		Text:   ApologyText,
		Code:   domain.ErrorCode(err),
	}
}
