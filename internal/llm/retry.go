package llm

import (
	"context"

	apperrors "maestro/internal/errors"
	"maestro/internal/logging"
)

// RetryClient wraps a Client with transient-failure retries. Streaming
// requests retry only if no delta reached the handler yet; a stream that
// broke mid-flight is surfaced so the engine can decide at stage level.
type RetryClient struct {
	inner  Client
	config apperrors.RetryConfig
	logger logging.Logger
}

// NewRetryClient wraps inner with the given retry policy.
func NewRetryClient(inner Client, config apperrors.RetryConfig, logger logging.Logger) *RetryClient {
	return &RetryClient{inner: inner, config: config, logger: logging.OrNop(logger)}
}

// Model returns the wrapped client's model name.
func (r *RetryClient) Model() string { return r.inner.Model() }

// Chat retries transient failures with exponential backoff.
func (r *RetryClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return apperrors.RetryWithResultAndLog(ctx, r.config, func(ctx context.Context) (*ChatResponse, error) {
		return r.inner.Chat(ctx, req)
	}, r.logger)
}

// ChatStream retries until the first delta is emitted, then stops retrying.
func (r *RetryClient) ChatStream(ctx context.Context, req ChatRequest, handler StreamHandler) (*ChatResponse, error) {
	started := false
	wrapped := func(chunk StreamChunk) error {
		started = true
		if handler != nil {
			return handler(chunk)
		}
		return nil
	}

	return apperrors.RetryWithResultAndLog(ctx, r.config, func(ctx context.Context) (*ChatResponse, error) {
		out, err := r.inner.ChatStream(ctx, req, wrapped)
		if err != nil && started {
			// Already streamed output; wrapping as permanent stops the
			// retry loop from replaying a half-delivered stream.
			return nil, apperrors.NewPermanentError(err, "stream interrupted after output started")
		}
		return out, err
	}, r.logger)
}
