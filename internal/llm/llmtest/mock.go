// Package llmtest provides a scriptable in-memory llm.Client for tests.
package llmtest

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/ashureev/tutorloop/internal/llm"
)

// MockClient is a thread-safe mock generation client.
//
// Complete returns Responses in sequence (the last one repeats), or Err when set.
// CompleteFunc, when set, takes precedence over both.
// Stream yields Chunks, then StreamErr if set, otherwise a Done chunk with StreamUsage.
//
//	mock := &llmtest.MockClient{
//	    Responses: []*llm.Response{{Content: `{"safe": true}`}},
//	    Chunks:    []string{"Hola", ", ", "mundo"},
//	}
type MockClient struct {
	mu sync.Mutex

	Responses    []*llm.Response
	Err          error
	CompleteFunc func(req llm.Request) (*llm.Response, error)

	Chunks      []string
	StreamErr   error
	StreamUsage llm.Usage
	// ChunkDelay pauses between chunks, honouring ctx cancellation.
	ChunkDelay time.Duration

	completeCalls []llm.Request
	streamCalls   []llm.Request
	responseIndex int
	streamClosed  bool
}

var _ llm.Client = (*MockClient)(nil)

// Complete implements llm.Completer.
func (m *MockClient) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.completeCalls = append(m.completeCalls, req)

	if m.CompleteFunc != nil {
		return m.CompleteFunc(req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return &llm.Response{Model: req.Model}, nil
	}
	resp := m.Responses[m.responseIndex]
	if m.responseIndex < len(m.Responses)-1 {
		m.responseIndex++
	}
	return resp, nil
}

// Stream implements llm.Streamer.
func (m *MockClient) Stream(ctx context.Context, req llm.Request) iter.Seq2[*llm.Chunk, error] {
	m.mu.Lock()
	m.streamCalls = append(m.streamCalls, req)
	chunks := append([]string(nil), m.Chunks...)
	streamErr := m.StreamErr
	usage := m.StreamUsage
	delay := m.ChunkDelay
	m.mu.Unlock()

	return func(yield func(*llm.Chunk, error) bool) {
		defer m.markClosed()
		for _, text := range chunks {
			if delay > 0 {
				select {
				case <-ctx.Done():
					yield(nil, ctx.Err())
					return
				case <-time.After(delay):
				}
			}
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			if !yield(&llm.Chunk{Text: text}, nil) {
				return
			}
		}
		if streamErr != nil {
			yield(nil, streamErr)
			return
		}
		yield(&llm.Chunk{Done: true, Usage: usage}, nil)
	}
}

func (m *MockClient) markClosed() {
	m.mu.Lock()
	m.streamClosed = true
	m.mu.Unlock()
}

// CompleteCalls returns a copy of every request passed to Complete.
func (m *MockClient) CompleteCalls() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.completeCalls...)
}

// StreamCalls returns a copy of every request passed to Stream.
func (m *MockClient) StreamCalls() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.streamCalls...)
}

// CompleteCallCount returns how many times Complete was called.
func (m *MockClient) CompleteCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.completeCalls)
}

// StreamClosed reports whether the last stream returned.
func (m *MockClient) StreamClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamClosed
}

// Reset clears recorded calls and the response cursor.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completeCalls = nil
	m.streamCalls = nil
	m.responseIndex = 0
	m.streamClosed = false
}
