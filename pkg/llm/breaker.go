package llm

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerProvider wraps an LLMProvider in a circuit breaker so a flapping
// backend stops being hammered. Callers see an open circuit as an ordinary
// generation failure.
type BreakerProvider struct {
	inner LLMProvider
	cb    *gobreaker.CircuitBreaker
}

var _ LLMProvider = &BreakerProvider{}

func NewBreakerProvider(inner LLMProvider, name string) *BreakerProvider {
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &BreakerProvider{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker(settings),
	}
}

func (b *BreakerProvider) Chat(ctx context.Context, history []Message, opts ...Option) (string, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Chat(ctx, history, opts...)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (b *BreakerProvider) ChatStream(ctx context.Context, history []Message, onToken TokenHandler, opts ...Option) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.inner.ChatStream(ctx, history, onToken, opts...)
	})
	return err
}
