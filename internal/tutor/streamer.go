package tutor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/tutorloop/internal/domain"
	"github.com/ashureev/tutorloop/internal/llm"
	"github.com/ashureev/tutorloop/internal/metrics"
)

// StreamParams is one instructor generation.
type StreamParams struct {
	TurnID    string
	System    []llm.Block
	Messages  []llm.Message
	MaxTokens int
	// Start is when the turn began; elapsed time on the done event is measured
	// from it. Zero means the start of the stream.
	Start time.Time
}

// Completion is the accumulated reply handed to the completion callback.
type Completion struct {
	Text  string
	Usage llm.Usage
	Model string
}

// Streamer forwards generated text as chunk events.
type Streamer struct {
	client      llm.Streamer
	model       string
	temperature float64
	now         func() time.Time
	logger      *slog.Logger
}

// NewStreamer creates a streamer over the main instructor model.
func NewStreamer(client llm.Streamer, model string, temperature float64, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{client: client, model: model, temperature: temperature, now: time.Now, logger: logger}
}

// Stream yields a chunk event per text delta and ends with a done event carrying
// usage and elapsed time. onComplete runs with the full reply right before the
// done event; it never runs for a failed or abandoned stream.
//
// A provider error ends the stream with an error event. When the consumer stops
// early or ctx is cancelled the provider stream is closed and nothing else is
// emitted. The sequence is single-pass.
func (s *Streamer) Stream(ctx context.Context, p StreamParams, onComplete func(Completion)) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		start := p.Start
		if start.IsZero() {
			start = s.now()
		}

		req := llm.Request{
			Model:       s.model,
			Temperature: s.temperature,
			MaxTokens:   p.MaxTokens,
			System:      p.System,
			Messages:    p.Messages,
		}

		var text strings.Builder
		var usage llm.Usage
		for chunk, err := range s.client.Stream(ctx, req) {
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					s.logger.Info("Turn stream cancelled", "turn_id", p.TurnID)
					metrics.ProviderCalls.WithLabelValues("stream", "cancelled").Inc()
					return
				}
				s.logger.Error("Turn stream failed", "turn_id", p.TurnID, "error", err)
				metrics.ProviderCalls.WithLabelValues("stream", "error").Inc()
				if !errors.Is(err, domain.ErrProviderUnavailable) {
					err = fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err)
				}
				yield(errorEvent(p.TurnID, err))
				return
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
				if !yield(Event{Type: EventChunk, TurnID: p.TurnID, Text: chunk.Text}) {
					s.logger.Info("Turn stream consumer went away", "turn_id", p.TurnID)
					return
				}
			}
			if chunk.Done {
				usage = chunk.Usage
				break
			}
		}
		if ctx.Err() != nil {
			return
		}
		metrics.ProviderCalls.WithLabelValues("stream", "ok").Inc()

		if onComplete != nil {
			onComplete(Completion{Text: text.String(), Usage: usage, Model: s.model})
		}
		yield(Event{
			Type:         EventDone,
			TurnID:       p.TurnID,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			ElapsedMs:    s.now().Sub(start).Milliseconds(),
		})
	}
}

// Guardrail yields the single terminal event of a blocked turn. No model
// connection is opened.
func (s *Streamer) Guardrail(turnID, redirect string) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		yield(Event{Type: EventGuardrail, TurnID: turnID, Text: redirect})
	}
}
