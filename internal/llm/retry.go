package llm

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// RetryingCompleter retries a provider a fixed number of times with no
// backoff. It satisfies the engine's completion interface.
type RetryingCompleter struct {
	client   ChatCompleter
	attempts int
}

// NewRetryingCompleter wraps client. attempts below 1 is treated as 1.
func NewRetryingCompleter(client ChatCompleter, attempts int) *RetryingCompleter {
	if attempts < 1 {
		attempts = 1
	}
	return &RetryingCompleter{client: client, attempts: attempts}
}

// Complete returns the first successful reply. An empty reply counts as a
// failed attempt. Once all attempts fail the error wraps ErrCompletionFailed.
func (r *RetryingCompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %v", ErrCompletionFailed, err)
		}

		text, err := r.client.Chat(ctx, req)
		if err == nil && text != "" {
			return text, nil
		}
		if err == nil {
			err = fmt.Errorf("empty completion")
		}
		lastErr = err
		log.WithError(err).WithFields(log.Fields{
			"attempt": attempt,
			"model":   r.client.GetModel(),
		}).Warn("completion attempt failed")
	}
	return "", fmt.Errorf("%w after %d attempts: %v", ErrCompletionFailed, r.attempts, lastErr)
}

// GetModel returns the wrapped client's model.
func (r *RetryingCompleter) GetModel() string {
	return r.client.GetModel()
}
