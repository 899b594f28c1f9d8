package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicVersion        = "2023-06-01"
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultMaxTokens        = 1024
)

// AnthropicConfig configures the HTTP client for the Anthropic Messages API.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// AnthropicClient implements Client over the Anthropic Messages API.
type AnthropicClient struct {
	apiKey  string
	url     string
	http    *http.Client
	logger  *slog.Logger
	timeout time.Duration
}

// NewAnthropicClient creates an Anthropic client. Timeout bounds Complete calls
// only; streams are bounded by their context.
func NewAnthropicClient(cfg AnthropicConfig, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = defaultAnthropicBaseURL
	}
	return &AnthropicClient{
		apiKey:  cfg.APIKey,
		url:     base + "/v1/messages",
		http:    &http.Client{},
		logger:  logger,
		timeout: cfg.Timeout,
	}
}

type anthropicCacheControl struct {
	Type string `json:"type"`
}

type anthropicSystemBlock struct {
	Type         string                 `json:"type"`
	Text         string                 `json:"text"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string                 `json:"model"`
	MaxTokens   int                    `json:"max_tokens"`
	Temperature float64                `json:"temperature"`
	System      []anthropicSystemBlock `json:"system,omitempty"`
	Messages    []anthropicMessage     `json:"messages"`
	Stream      bool                   `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func buildAnthropicRequest(req Request, stream bool) anthropicRequest {
	out := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}
	for _, b := range req.System {
		block := anthropicSystemBlock{Type: "text", Text: b.Text}
		if b.Cacheable {
			block.CacheControl = &anthropicCacheControl{Type: "ephemeral"}
		}
		out.System = append(out.System, block)
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func (c *AnthropicClient) post(ctx context.Context, body anthropicRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("marshal anthropic request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build anthropic request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if c.apiKey != "" {
		httpReq.Header.Set("x-api-key", c.apiKey)
	}
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, unavailable(fmt.Errorf("anthropic request: %w", err), ctx.Err() == nil)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

// statusError classifies a non-200 reply: rate limits, overload and 5xx are transient.
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	var apiErr anthropicError
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Type + ": " + apiErr.Error.Message
	}
	err := fmt.Errorf("anthropic status %d: %s", resp.StatusCode, msg)
	transient := resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == 529 ||
		resp.StatusCode >= 500
	return unavailable(err, transient)
}

// Complete issues a non-streaming Messages call.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.post(ctx, buildAnthropicRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, unavailable(fmt.Errorf("decode anthropic response: %w", err), false)
	}

	var text strings.Builder
	for _, block := range decoded.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &Response{
		Content:    text.String(),
		Model:      decoded.Model,
		StopReason: decoded.StopReason,
		Usage: Usage{
			InputTokens:  decoded.Usage.InputTokens,
			OutputTokens: decoded.Usage.OutputTokens,
		},
	}, nil
}

// Stream issues a streaming Messages call and yields text deltas as they arrive.
func (c *AnthropicClient) Stream(ctx context.Context, req Request) iter.Seq2[*Chunk, error] {
	return func(yield func(*Chunk, error) bool) {
		resp, err := c.post(ctx, buildAnthropicRequest(req, true))
		if err != nil {
			yield(nil, err)
			return
		}
		defer resp.Body.Close()

		var usage Usage
		finished := false
		stoppedByConsumer := false

		err = readSSE(resp.Body, func(_, data string) error {
			var ev anthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				c.logger.Debug("Skipping undecodable stream event", "error", err)
				return nil
			}
			switch ev.Type {
			case "message_start":
				usage.InputTokens = ev.Message.Usage.InputTokens
			case "content_block_delta":
				if ev.Delta.Text == "" {
					return nil
				}
				if !yield(&Chunk{Text: ev.Delta.Text}, nil) {
					stoppedByConsumer = true
					return errStopStream
				}
			case "message_delta":
				if ev.Usage.OutputTokens > 0 {
					usage.OutputTokens = ev.Usage.OutputTokens
				}
			case "message_stop":
				finished = true
				return errStopStream
			case "error":
				transient := ev.Error.Type == "overloaded_error" || ev.Error.Type == "api_error"
				return unavailable(fmt.Errorf("anthropic stream %s: %s", ev.Error.Type, ev.Error.Message), transient)
			}
			return nil
		})

		if stoppedByConsumer {
			return
		}
		if err != nil {
			var te *TransientError
			var fe *FatalError
			if !errors.As(err, &te) && !errors.As(err, &fe) {
				err = unavailable(fmt.Errorf("read anthropic stream: %w", err), ctx.Err() == nil)
			}
			yield(nil, err)
			return
		}
		if !finished {
			yield(nil, unavailable(errors.New("anthropic stream ended before message_stop"), true))
			return
		}
		yield(&Chunk{Done: true, Usage: usage}, nil)
	}
}
