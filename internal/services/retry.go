package services

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	stripego "github.com/stripe/stripe-go/v78"
)

// linearBackOff ждет step * attempt между попытками.
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.step
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

// retryLinear выполняет op до attempts раз с линейной паузой.
func retryLinear(ctx context.Context, attempts int, step time.Duration, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(&linearBackOff{step: step}, uint64(attempts-1)), ctx)
	return backoff.Retry(op, bo)
}

// retryExponential повторяет вызовы к Stripe; неповторяемые ошибки
// прекращают попытки сразу.
func retryExponential(ctx context.Context, maxRetries uint64, initial time.Duration, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = time.Minute
	bo.Reset()

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !isRetryableStripeError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx))
}

// isRetryableStripeError проверяет, является ли ошибка Stripe подходящей для повторной попытки
func isRetryableStripeError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var stripeErr *stripego.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == http.StatusTooManyRequests {
			return true
		}
		if stripeErr.Type == stripego.ErrorType("api_connection_error") {
			return true
		}
		// 501 обычно не retryable
		if stripeErr.HTTPStatusCode >= 500 && stripeErr.HTTPStatusCode != http.StatusNotImplemented {
			return true
		}
	}
	return false
}
