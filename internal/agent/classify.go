package agent

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/time/rate"

	"medscribe/internal/errors"
)

func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// classifyStatus maps a provider HTTP status onto the error taxonomy. Rate
// limits, timeouts and server errors are worth retrying, other client errors
// are not.
func classifyStatus(provider string, status int, body string) error {
	if len(body) > 256 {
		body = body[:256]
	}
	cause := fmt.Errorf("%s returned %d: %s", provider, status, body)
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= 500:
		return errors.Transient("agent", provider, cause)
	default:
		return errors.New(cause).
			Component("agent").
			Category(errors.CategoryValidation).
			Context("provider", provider).
			Context("status", status).
			Build()
	}
}

// classifyTransport marks network failures as transient. Cancellation of the
// caller's context is passed through unchanged.
func classifyTransport(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return errors.Transient("agent", provider, err)
}
