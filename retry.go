package httppool

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// SendRequestWithRetry issues the request against the manager's base
// destination, retrying failed attempts with exponential backoff.
// retries is the number of additional attempts after the first (0 = no
// retries, -1 = retry until the context fires). Only establishment and
// transport failures are retried; invalid requests and timeouts are
// surfaced immediately.
func (m *Manager) SendRequestWithRetry(ctx context.Context, spec *RequestSpec, retries int) (*Response, error) {
	return m.SendRequestToWithRetry(ctx, m.config.Base, spec, retries)
}

// SendRequestToWithRetry is SendRequestWithRetry against an explicit
// destination.
func (m *Manager) SendRequestToWithRetry(ctx context.Context, dest *Destination, spec *RequestSpec, retries int) (*Response, error) {
	if retries == 0 {
		return m.SendRequestTo(ctx, dest, spec)
	}

	if retries < -1 {
		return nil, oops.
			Code(CodeInvalidRequest).
			In("httppool").
			With("retries", retries).
			Errorf("retries must be >= -1 (-1 = retry until cancelled, 0 = no retries)")
	}

	return m.executeRetryLoop(ctx, dest, spec, retries)
}

// executeRetryLoop performs the main retry logic with exponential backoff.
func (m *Manager) executeRetryLoop(ctx context.Context, dest *Destination, spec *RequestSpec, maxRetries int) (*Response, error) {
	attempt := 0

	for {
		resp, err := m.SendRequestTo(ctx, dest, spec)
		if err == nil {
			m.logSuccessAfterRetries(dest, attempt)
			return resp, nil
		}

		if !m.shouldRetryRequest(attempt, maxRetries, err) {
			return nil, m.wrapRetryError(dest, err, attempt+1)
		}

		if waitErr := m.waitForRetry(ctx, attempt); waitErr != nil {
			return nil, m.wrapRetryError(dest, waitErr, attempt+1)
		}

		attempt++
		m.logRetryAttempt(dest, attempt, err)
	}
}

// logSuccessAfterRetries logs a request that succeeded after retries.
func (m *Manager) logSuccessAfterRetries(dest *Destination, attempt int) {
	if attempt > 0 {
		log.WithFields(logrus.Fields{
			"attempts":    attempt + 1,
			"destination": dest.Key(),
		}).Info("request succeeded after retries")
	}
}

// shouldRetryRequest determines if a failed request should be retried
// based on attempt count and error class.
func (m *Manager) shouldRetryRequest(attempt, maxRetries int, err error) bool {
	// Check maximum retry limit (-1 means retry until the context fires)
	if maxRetries != -1 && attempt >= maxRetries {
		return false
	}

	// Only network-level failures are worth retrying; a malformed request
	// or an exhausted timeout will not improve on the next attempt.
	return IsConnectionError(err) || IsTransportError(err)
}

// waitForRetry implements exponential backoff delay before a retry attempt.
func (m *Manager) waitForRetry(ctx context.Context, attempt int) error {
	if m.config.RetryBackoff <= 0 {
		return nil // No delay configured
	}

	// Calculate exponential backoff delay: backoff * (2^attempt)
	// Cap at 30 seconds to prevent excessive delays
	delay := time.Duration(float64(m.config.RetryBackoff) * math.Pow(2, float64(attempt)))
	maxDelay := 30 * time.Second
	if delay > maxDelay {
		delay = maxDelay
	}

	log.WithFields(logrus.Fields{
		"attempt": attempt + 1,
		"delay":   delay,
	}).Debug("waiting before request retry")

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// logRetryAttempt logs information about the retry attempt.
func (m *Manager) logRetryAttempt(dest *Destination, attempt int, lastErr error) {
	log.WithFields(logrus.Fields{
		"attempt":     attempt + 1,
		"destination": dest.Key(),
		"last_error":  lastErr.Error(),
	}).Warn("request failed, retrying")
}

// wrapRetryError wraps the final error with retry context information,
// preserving the underlying error code.
func (m *Manager) wrapRetryError(dest *Destination, err error, totalAttempts int) error {
	code := errCode(err)
	if code == "" {
		// Context errors from the backoff wait carry no code of their own.
		if errors.Is(err, context.DeadlineExceeded) {
			code = CodeTimeoutError
		} else {
			code = CodeTransportError
		}
	}

	return oops.
		Code(code).
		In("httppool").
		With("total_attempts", totalAttempts).
		With("destination", dest.Key()).
		Wrapf(err, "request failed after %d attempts", totalAttempts)
}
