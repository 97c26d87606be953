package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "maestro/internal/errors"
	"maestro/internal/logging"
)

// OpenAIClient talks to one OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     logging.Logger
}

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(o *OpenAIClient) { o.httpClient = c }
}

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) OpenAIOption {
	return func(o *OpenAIClient) { o.logger = l }
}

// NewOpenAIClient creates a client for one endpoint.
func NewOpenAIClient(baseURL, apiKey, model string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 300 * time.Second},
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the configured model name.
func (c *OpenAIClient) Model() string { return c.model }

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model         string        `json:"model"`
	Messages      []wireMessage `json:"messages"`
	Temperature   float64       `json:"temperature,omitempty"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens     int `json:"total_tokens"`
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *OpenAIClient) newRequest(ctx context.Context, body any) (*http.Request, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *OpenAIClient) wireReq(req ChatRequest, stream bool) wireRequest {
	model := req.Model
	if model == "" {
		model = c.model
	}
	wr := wireRequest{
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	for _, m := range req.Messages {
		wr.Messages = append(wr.Messages, wireMessage(m))
	}
	if stream {
		wr.StreamOptions = &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true}
	}
	return wr
}

// classifyHTTP maps an HTTP failure to the error taxonomy so the retry layer
// can decide.
func classifyHTTP(status int, body string) error {
	err := fmt.Errorf("llm endpoint returned status %d: %s", status, truncate(body, 300))
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return apperrors.NewTransientError(err, "model backend is temporarily unavailable")
	default:
		return apperrors.NewPermanentError(err, "model backend rejected the request")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Chat performs a blocking completion.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	httpReq, err := c.newRequest(ctx, c.wireReq(req, false))
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.NewTransientError(err, "model backend unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewTransientError(err, "reading model response failed")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTP(resp.StatusCode, string(raw))
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode model response: %w", err)
	}
	if wire.Error != nil {
		return nil, apperrors.NewPermanentError(fmt.Errorf("%s", wire.Error.Message), "model backend error")
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("model response has no choices")
	}

	visible, thinking := StripThinking(wire.Choices[0].Message.Content)
	out := &ChatResponse{Content: visible, Thinking: thinking}
	if wire.Usage != nil {
		out.Usage = Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		}
	} else {
		out.Usage = estimateUsage(req.Messages, wire.Choices[0].Message.Content)
	}
	c.logger.Debug("chat completed: model=%s tokens=%d elapsed=%v", c.model, out.Usage.TotalTokens, time.Since(start))
	return out, nil
}

// ChatStream streams a completion. Reasoning tags are stripped before deltas
// reach the handler; handler errors abort the stream.
func (c *OpenAIClient) ChatStream(ctx context.Context, req ChatRequest, handler StreamHandler) (*ChatResponse, error) {
	httpReq, err := c.newRequest(ctx, c.wireReq(req, true))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.NewTransientError(err, "model backend unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, classifyHTTP(resp.StatusCode, string(raw))
	}

	stripper := NewThinkStripper()
	var assembled strings.Builder
	var rawCompletion strings.Builder
	var usage *Usage

	emit := func(delta string) error {
		if delta == "" {
			return nil
		}
		assembled.WriteString(delta)
		if handler != nil {
			return handler(StreamChunk{Delta: delta})
		}
		return nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var wire wireResponse
		if err := json.Unmarshal([]byte(payload), &wire); err != nil {
			c.logger.Warn("skipping malformed stream chunk: %v", err)
			continue
		}
		if wire.Usage != nil {
			usage = &Usage{
				PromptTokens:     wire.Usage.PromptTokens,
				CompletionTokens: wire.Usage.CompletionTokens,
				TotalTokens:      wire.Usage.TotalTokens,
			}
		}
		if len(wire.Choices) == 0 {
			continue
		}
		delta := wire.Choices[0].Delta.Content
		rawCompletion.WriteString(delta)
		if err := emit(stripper.Feed(delta)); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.NewTransientError(err, "model stream interrupted")
	}
	if err := emit(stripper.Flush()); err != nil {
		return nil, err
	}

	out := &ChatResponse{
		Content:  strings.TrimSpace(assembled.String()),
		Thinking: stripper.Thinking(),
	}
	if usage != nil {
		out.Usage = *usage
	} else {
		out.Usage = estimateUsage(req.Messages, rawCompletion.String())
	}

	if handler != nil {
		if err := handler(StreamChunk{Done: true, Usage: out.Usage}); err != nil {
			return nil, err
		}
	}
	return out, nil
}
