// v3
// internal/circuitbreaker/kafkacb.go
package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

// kafkaMessageWriter mirrors the subset of kafka.Writer used by the wrapper.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPolicy bounds each guarded write: per-attempt timeout, retries and back-off.
type KafkaPolicy struct {
	Attempts int
	Timeout  time.Duration
	Backoff  time.Duration
}

// CBKafkaWriter wraps a kafka.Writer with circuit-breaker protection.
type CBKafkaWriter struct {
	breaker *Breaker
	policy  KafkaPolicy
	writer  kafkaMessageWriter
}

// NewCBKafkaWriter wires breaker protections around the provided kafka writer.
// A nil breaker passes writes straight through.
func NewCBKafkaWriter(writer kafkaMessageWriter, breaker *Breaker, policy KafkaPolicy) *CBKafkaWriter {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	return &CBKafkaWriter{writer: writer, breaker: breaker, policy: policy}
}

// WriteMessages publishes messages with retry/back-off driven by the policy.
// An open breaker is returned immediately instead of retried.
func (w *CBKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w == nil || w.writer == nil {
		return errors.New("nil kafka writer")
	}
	if w.breaker == nil {
		return w.writer.WriteMessages(ctx, msgs...)
	}
	var err error
	for attempt := 1; attempt <= w.policy.Attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attemptCtx, cancel := w.withAttemptContext(ctx)
		err = w.breaker.Execute(attemptCtx, func(execCtx context.Context) error {
			return w.writer.WriteMessages(execCtx, msgs...)
		})
		cancel()
		if err == nil || errors.Is(err, ErrOpen) {
			return err
		}
		if attempt < w.policy.Attempts {
			if waitErr := w.waitBackoff(ctx); waitErr != nil {
				return waitErr
			}
		}
	}
	return err
}

func (w *CBKafkaWriter) withAttemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.policy.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, w.policy.Timeout)
}

func (w *CBKafkaWriter) waitBackoff(ctx context.Context) error {
	if w.policy.Backoff <= 0 {
		return nil
	}
	timer := time.NewTimer(w.policy.Backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
