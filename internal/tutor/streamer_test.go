package tutor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ashureev/tutorloop/internal/llm"
	"github.com/ashureev/tutorloop/internal/llm/llmtest"
)

func TestStreamForwardsChunksThenDone(t *testing.T) {
	t.Parallel()

	mock := &llmtest.MockClient{
		Chunks:      []string{"Una ", "fracción ", "es..."},
		StreamUsage: llm.Usage{InputTokens: 900, OutputTokens: 12},
	}
	s := NewStreamer(mock, "main", 0.5, nil)
	clock := time.Unix(100, 0)
	s.now = func() time.Time { return clock }

	var completed Completion
	calls := 0
	var events []Event
	for ev := range s.Stream(context.Background(), StreamParams{
		TurnID:    "t1",
		MaxTokens: 240,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "hola"}},
		Start:     clock.Add(-1500 * time.Millisecond),
	}, func(c Completion) {
		calls++
		completed = c
	}) {
		events = append(events, ev)
	}

	if len(events) != 4 {
		t.Fatalf("expected 3 chunks and done, got %d", len(events))
	}
	done := events[3]
	if done.Type != EventDone || done.InputTokens != 900 || done.OutputTokens != 12 || done.ElapsedMs != 1500 {
		t.Fatalf("unexpected done event %+v", done)
	}
	if calls != 1 || completed.Text != "Una fracción es..." || completed.Model != "main" {
		t.Fatalf("unexpected completion %+v (calls %d)", completed, calls)
	}

	req := mock.StreamCalls()[0]
	if req.Model != "main" || req.Temperature != 0.5 || req.MaxTokens != 240 {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestStreamProviderErrorEndsWithErrorEvent(t *testing.T) {
	t.Parallel()

	mock := &llmtest.MockClient{Chunks: []string{"Una "}, StreamErr: errors.New("connection reset")}
	s := NewStreamer(mock, "main", 0, nil)

	called := false
	var events []Event
	for ev := range s.Stream(context.Background(), StreamParams{TurnID: "t1"}, func(Completion) { called = true }) {
		events = append(events, ev)
	}

	if len(events) != 2 {
		t.Fatalf("expected chunk and error, got %+v", events)
	}
	last := events[1]
	if last.Type != EventError || last.Code != "provider_unavailable" || last.Text != ApologyText {
		t.Fatalf("unexpected error event %+v", last)
	}
	if called {
		t.Fatal("completion callback must not run for a failed stream")
	}
}

func TestStreamCancelledContextEmitsNothingFurther(t *testing.T) {
	t.Parallel()

	mock := &llmtest.MockClient{Chunks: []string{"a", "b", "c"}, ChunkDelay: 50 * time.Millisecond}
	s := NewStreamer(mock, "main", 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	called := false
	var events []Event
	for ev := range s.Stream(ctx, StreamParams{TurnID: "t1"}, func(Completion) { called = true }) {
		events = append(events, ev)
		cancel()
	}

	if len(events) != 1 || events[0].Type != EventChunk {
		t.Fatalf("expected a single chunk before cancellation, got %+v", events)
	}
	if called || !mock.StreamClosed() {
		t.Fatal("cancelled stream must close without completing")
	}
}

func TestGuardrailYieldsSingleEvent(t *testing.T) {
	t.Parallel()

	mock := &llmtest.MockClient{}
	s := NewStreamer(mock, "main", 0, nil)

	var events []Event
	for ev := range s.Guardrail("t1", "Volvamos a la lección.") {
		events = append(events, ev)
	}
	if len(events) != 1 || events[0].Type != EventGuardrail || events[0].Text != "Volvamos a la lección." || !events[0].Terminal() {
		t.Fatalf("unexpected events %+v", events)
	}
	if len(mock.StreamCalls()) != 0 {
		t.Fatal("guardrail must not open a provider stream")
	}
}
