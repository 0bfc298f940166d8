package crmsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"syscall"
	"testing"
	"time"
)

func testPolicy(sleeps *[]time.Duration) *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		MaxJitter:     0,
		MaxRetryAfter: 60 * time.Second,
		sleep: func(ctx context.Context, d time.Duration) error {
			*sleeps = append(*sleeps, d)
			return nil
		},
		now: func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func respond(status int, body string, header http.Header) *APIResponse {
	if header == nil {
		header = http.Header{}
	}
	return &APIResponse{Status: status, Header: header, Body: []byte(body)}
}

func TestDoSuccessFirstAttempt(t *testing.T) {
	var sleeps []time.Duration
	p := testPolicy(&sleeps)

	calls := 0
	res, err := p.Do(context.Background(), "POST /v1/contacts", func(ctx context.Context) (*APIResponse, error) {
		calls++
		return respond(200, `{"id":"c-1"}`, nil), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if res.Status != 200 {
		t.Fatalf("expected status 200, got %d", res.Status)
	}
	if len(sleeps) != 0 {
		t.Fatalf("expected no sleeps, got %v", sleeps)
	}
}

func TestDoUnauthorizedNeverRetried(t *testing.T) {
	var sleeps []time.Duration
	p := testPolicy(&sleeps)

	calls := 0
	_, err := p.Do(context.Background(), "POST /v1/contacts", func(ctx context.Context) (*APIResponse, error) {
		calls++
		return respond(401, "", nil), nil
	})
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("401 must not be retried by the policy, got %d calls", calls)
	}
}

func TestDoTransientRetriedThreeTimes(t *testing.T) {
	var sleeps []time.Duration
	p := testPolicy(&sleeps)

	calls := 0
	_, err := p.Do(context.Background(), "POST /v1/contacts", func(ctx context.Context) (*APIResponse, error) {
		calls++
		return respond(503, "", nil), nil
	})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if calls != 4 {
		t.Fatalf("expected initial call plus 3 retries, got %d calls", calls)
	}
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	if len(sleeps) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), sleeps)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Fatalf("sleep %d: expected %s, got %s", i, want[i], sleeps[i])
		}
	}
}

func TestDoTransientRecoversMidway(t *testing.T) {
	var sleeps []time.Duration
	p := testPolicy(&sleeps)

	calls := 0
	res, err := p.Do(context.Background(), "PUT /v1/products/p-1", func(ctx context.Context) (*APIResponse, error) {
		calls++
		if calls < 3 {
			return respond(502, "", nil), nil
		}
		return respond(200, `{"id":"p-1"}`, nil), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if res.Status != 200 {
		t.Fatalf("expected recovery, got status %d", res.Status)
	}
}

func TestDoConnectionErrorRetried(t *testing.T) {
	var sleeps []time.Duration
	p := testPolicy(&sleeps)

	calls := 0
	res, err := p.Do(context.Background(), "GET /v1/contacts", func(ctx context.Context) (*APIResponse, error) {
		calls++
		if calls == 1 {
			return nil, fmt.Errorf("dial tcp: %w", syscall.ECONNRESET)
		}
		return respond(200, `{"data":[]}`, nil), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected a retry after connection reset, got %d calls", calls)
	}
	if res == nil {
		t.Fatal("expected a response")
	}
}

func TestDoRateLimitedHonorsRetryAfterSeconds(t *testing.T) {
	var sleeps []time.Duration
	p := testPolicy(&sleeps)

	calls := 0
	_, err := p.Do(context.Background(), "POST /v1/contacts", func(ctx context.Context) (*APIResponse, error) {
		calls++
		if calls == 1 {
			h := http.Header{}
			h.Set("Retry-After", "7")
			return respond(429, "", h), nil
		}
		return respond(201, `{"id":"c-2"}`, nil), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sleeps) != 1 || sleeps[0] != 7*time.Second {
		t.Fatalf("expected one 7s sleep, got %v", sleeps)
	}
}

func TestDoRateLimitedHonorsRetryAfterDate(t *testing.T) {
	var sleeps []time.Duration
	p := testPolicy(&sleeps)

	calls := 0
	_, err := p.Do(context.Background(), "POST /v1/contacts", func(ctx context.Context) (*APIResponse, error) {
		calls++
		if calls == 1 {
			h := http.Header{}
			h.Set("Retry-After", p.now().Add(30*time.Second).UTC().Format(http.TimeFormat))
			return respond(429, "", h), nil
		}
		return respond(200, `{"id":"c-3"}`, nil), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sleeps) != 1 {
		t.Fatalf("expected one sleep, got %v", sleeps)
	}
	if sleeps[0] < 29*time.Second || sleeps[0] > 31*time.Second {
		t.Fatalf("expected roughly 30s sleep, got %s", sleeps[0])
	}
}

func TestDoRateLimitedBeyondBoundFailsImmediately(t *testing.T) {
	var sleeps []time.Duration
	p := testPolicy(&sleeps)

	calls := 0
	_, err := p.Do(context.Background(), "POST /v1/contacts", func(ctx context.Context) (*APIResponse, error) {
		calls++
		h := http.Header{}
		h.Set("Retry-After", "600")
		return respond(429, "", h), nil
	})
	if err == nil {
		t.Fatal("expected immediate failure for out-of-bound Retry-After")
	}
	if !strings.Contains(err.Error(), "exceeds bound") {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected no retry, got %d calls", calls)
	}
	if len(sleeps) != 0 {
		t.Fatalf("expected no sleep, got %v", sleeps)
	}
}

func TestDoRateLimitedGarbageHeaderFallsBackToBackoff(t *testing.T) {
	var sleeps []time.Duration
	p := testPolicy(&sleeps)

	calls := 0
	_, err := p.Do(context.Background(), "POST /v1/contacts", func(ctx context.Context) (*APIResponse, error) {
		calls++
		if calls == 1 {
			h := http.Header{}
			h.Set("Retry-After", "soon-ish")
			return respond(429, "", h), nil
		}
		return respond(200, `{"id":"c-4"}`, nil), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sleeps) != 1 || sleeps[0] != 1*time.Second {
		t.Fatalf("expected fallback to 1s backoff, got %v", sleeps)
	}
}

func TestDoUnprocessableBecomesSkip(t *testing.T) {
	var sleeps []time.Duration
	p := testPolicy(&sleeps)

	_, err := p.Do(context.Background(), "POST /v1/contacts", func(ctx context.Context) (*APIResponse, error) {
		return respond(422, `{"message":"contact already exists"}`, nil), nil
	})
	var skip *SkipError
	if !errors.As(err, &skip) {
		t.Fatalf("expected SkipError, got %v", err)
	}
	if skip.Reason != "contact already exists" {
		t.Fatalf("unexpected skip reason: %q", skip.Reason)
	}
}

func TestDoBadRequestBecomesValidationError(t *testing.T) {
	var sleeps []time.Duration
	p := testPolicy(&sleeps)

	calls := 0
	_, err := p.Do(context.Background(), "POST /v1/contacts", func(ctx context.Context) (*APIResponse, error) {
		calls++
		return respond(400, `{"errors":["name is required","phone is malformed"]}`, nil), nil
	})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Detail != "name is required; phone is malformed" {
		t.Fatalf("unexpected detail: %q", ve.Detail)
	}
	if calls != 1 {
		t.Fatalf("400 must not be retried, got %d calls", calls)
	}
}

func TestDoOtherStatusBecomesAPIError(t *testing.T) {
	var sleeps []time.Duration
	p := testPolicy(&sleeps)

	_, err := p.Do(context.Background(), "DELETE /v1/contacts/c-9", func(ctx context.Context) (*APIResponse, error) {
		return respond(500, `{"error":"boom"}`, nil), nil
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != 500 || apiErr.Detail != "boom" {
		t.Fatalf("unexpected APIError: %+v", apiErr)
	}
}

func TestBackoffMonotonicWithMaxJitter(t *testing.T) {
	p := &RetryPolicy{
		BaseDelay: time.Second,
		MaxJitter: 500 * time.Millisecond,
		jitter:    func(max time.Duration) time.Duration { return max },
	}
	prev := time.Duration(0)
	for attempt := 0; attempt < 3; attempt++ {
		d := p.backoff(attempt)
		if d <= prev {
			t.Fatalf("backoff not monotonic at attempt %d: %s <= %s", attempt, d, prev)
		}
		prev = d
	}
}

func TestExtractErrorDetail(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"message field", `{"message":"bad phone"}`, "bad phone"},
		{"error field", `{"error":"nope"}`, "nope"},
		{"error objects", `{"errors":[{"message":"a"},{"message":"b"}]}`, "a; b"},
		{"empty body", ``, "fallback"},
		{"plain text", `service exploded`, "service exploded"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := extractErrorDetail([]byte(tc.body), "fallback")
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestIsConnectionError(t *testing.T) {
	if isConnectionError(nil) {
		t.Fatal("nil is not a connection error")
	}
	if !isConnectionError(syscall.ECONNREFUSED) {
		t.Fatal("ECONNREFUSED should be retryable")
	}
	if isConnectionError(errors.New("schema mismatch")) {
		t.Fatal("arbitrary errors must not be retried")
	}
}
