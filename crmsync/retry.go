package crmsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mmdatafocus/salonsync_backend/utils"
)

// APIResponse is the transport-level result a call hands to the retry
// policy for classification. The policy is the only layer allowed to
// interpret status codes.
type APIResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// ErrAuthExpired signals a 401. The policy never retries it; the client
// layer refreshes credentials and retries the call once.
var ErrAuthExpired = errors.New("authorization expired")

// SkipError reports a 422: the target considers the record a duplicate (or
// otherwise unprocessable in a benign way). Recorded as skipped, never as a
// failure.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string {
	return "skipped: " + e.Reason
}

// ValidationError reports a 400 with the response's error detail extracted
// for operator visibility. Counted as failed, does not abort the batch.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Detail
}

// APIError is any other non-retryable HTTP failure. Fatal for the record,
// never for the pass.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Detail)
}

// RetryPolicy wraps one outbound call and decides retry behavior from the
// response. Retry state lives in function-local counters.
type RetryPolicy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxJitter     time.Duration
	MaxRetryAfter time.Duration

	// Injection points for tests; nil means real clock/sleep/jitter.
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
	jitter func(max time.Duration) time.Duration
}

// NewRetryPolicy builds the default policy: 3 retries, 1s base doubling per
// attempt plus up to 500ms jitter, Retry-After honored up to a clamp
// (default 60s; LEADPULSE_MAX_RETRY_AFTER_SECONDS overrides). A Retry-After
// beyond the clamp fails the call immediately rather than stalling.
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		MaxJitter:     500 * time.Millisecond,
		MaxRetryAfter: time.Duration(utils.IntFromEnv("LEADPULSE_MAX_RETRY_AFTER_SECONDS", 60)) * time.Second,
	}
}

// Do executes call, classifying failures in precedence order:
// 401, 429, transient (502/503/520 + connection errors), 422, 400, other.
func (p *RetryPolicy) Do(ctx context.Context, desc string, call func(ctx context.Context) (*APIResponse, error)) (*APIResponse, error) {
	attempt := 0
	for {
		res, err := call(ctx)

		var wait time.Duration
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%s: %w", desc, ctx.Err())
			}
			if !isConnectionError(err) {
				return nil, fmt.Errorf("%s: %w", desc, err)
			}
			if attempt >= p.MaxRetries {
				return nil, fmt.Errorf("%s: retries exhausted after %d attempts: %w", desc, attempt, err)
			}
			wait = p.backoff(attempt)

		case res.Status >= 200 && res.Status < 300:
			return res, nil

		case res.Status == http.StatusUnauthorized:
			return nil, ErrAuthExpired

		case res.Status == http.StatusTooManyRequests:
			if attempt >= p.MaxRetries {
				return nil, fmt.Errorf("%s: retries exhausted after %d attempts: %w", desc, attempt,
					&APIError{Status: res.Status, Detail: "rate limited"})
			}
			retryAfter, ok := p.parseRetryAfter(res.Header.Get("Retry-After"))
			if ok {
				if retryAfter > p.MaxRetryAfter {
					return nil, fmt.Errorf("%s: Retry-After %s exceeds bound %s", desc, retryAfter, p.MaxRetryAfter)
				}
				wait = retryAfter
			} else {
				wait = p.backoff(attempt)
			}

		case res.Status == http.StatusBadGateway ||
			res.Status == http.StatusServiceUnavailable ||
			res.Status == 520:
			if attempt >= p.MaxRetries {
				return nil, fmt.Errorf("%s: retries exhausted after %d attempts: %w", desc, attempt,
					&APIError{Status: res.Status, Detail: "transient upstream failure"})
			}
			wait = p.backoff(attempt)

		case res.Status == http.StatusUnprocessableEntity:
			return nil, &SkipError{Reason: extractErrorDetail(res.Body, "likely duplicate")}

		case res.Status == http.StatusBadRequest:
			return nil, &ValidationError{Detail: extractErrorDetail(res.Body, "invalid payload")}

		default:
			return nil, &APIError{Status: res.Status, Detail: extractErrorDetail(res.Body, "unclassified error")}
		}

		if err := p.doSleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("%s: %w", desc, err)
		}
		attempt++
	}
}

// backoff returns 2^attempt seconds plus jitter: 1s, 2s, 4s for the default
// base. Monotonic across attempts even at maximum jitter.
func (p *RetryPolicy) backoff(attempt int) time.Duration {
	delay := p.BaseDelay * time.Duration(1<<attempt)
	if p.jitter != nil {
		return delay + p.jitter(p.MaxJitter)
	}
	if p.MaxJitter > 0 {
		return delay + time.Duration(rand.Int63n(int64(p.MaxJitter)))
	}
	return delay
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func (p *RetryPolicy) parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(p.timeNow())
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func (p *RetryPolicy) timeNow() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

func (p *RetryPolicy) doSleep(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isConnectionError covers the connection-level failures the policy treats
// as transient: timeouts, resets, refused/aborted connections, DNS failures
// and truncated responses.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// extractErrorDetail pulls a human-readable cause out of a JSON error body.
// Falls back to the raw body (trimmed) or the provided default.
func extractErrorDetail(body []byte, fallback string) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return fallback
	}

	var envelope struct {
		Message string          `json:"message"`
		Error   string          `json:"error"`
		Errors  json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Message != "" {
			return envelope.Message
		}
		if envelope.Error != "" {
			return envelope.Error
		}
		if len(envelope.Errors) > 0 {
			var list []string
			if err := json.Unmarshal(envelope.Errors, &list); err == nil && len(list) > 0 {
				return strings.Join(list, "; ")
			}
			var objs []struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(envelope.Errors, &objs); err == nil && len(objs) > 0 {
				parts := make([]string, 0, len(objs))
				for _, o := range objs {
					if o.Message != "" {
						parts = append(parts, o.Message)
					}
				}
				if len(parts) > 0 {
					return strings.Join(parts, "; ")
				}
			}
		}
	}

	if len(trimmed) > 500 {
		trimmed = trimmed[:500]
	}
	return trimmed
}
