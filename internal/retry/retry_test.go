package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

type statusErr struct {
	status int
	hint   time.Duration
	hasHint bool
}

func (e *statusErr) Error() string   { return "status error" }
func (e *statusErr) HTTPStatus() int { return e.status }
func (e *statusErr) RetryAfterHint() (time.Duration, bool) {
	return e.hint, e.hasHint
}

func newTestRetrier(policy Policy) (*Retrier, *[]time.Duration) {
	r := New(policy)
	var waits []time.Duration
	r.SetSleep(func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	})
	r.SetJitter(func(d time.Duration) time.Duration { return 0 })
	return r, &waits
}

func TestRetrier_EventualSuccess(t *testing.T) {
	r, waits := newTestRetrier(Policy{
		MaxAttempts: 6,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
	})

	failures := 5
	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls <= failures {
			return &statusErr{status: 429}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 6 {
		t.Errorf("Expected 6 calls, got %d", calls)
	}
	if len(*waits) != 5 {
		t.Fatalf("Expected 5 backoff waits, got %d", len(*waits))
	}

	// Delays double each attempt and never exceed MaxDelay.
	prev := time.Duration(0)
	for i, w := range *waits {
		if w <= prev {
			t.Errorf("Wait %d (%v) not strictly increasing over %v", i, w, prev)
		}
		if w > time.Minute {
			t.Errorf("Wait %d (%v) exceeds max delay", i, w)
		}
		prev = w
	}
	if (*waits)[0] != time.Second || (*waits)[4] != 16*time.Second {
		t.Errorf("Unexpected delay progression: %v", *waits)
	}
}

func TestRetrier_FatalFailsImmediately(t *testing.T) {
	r, waits := newTestRetrier(Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute})

	cause := &statusErr{status: 401}
	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return cause
	})
	if !errors.Is(err, error(cause)) {
		t.Fatalf("Expected original error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected a single attempt, got %d", calls)
	}
	if len(*waits) != 0 {
		t.Errorf("Expected no waits for fatal error, got %v", *waits)
	}
}

func TestRetrier_Exhausted(t *testing.T) {
	r, _ := newTestRetrier(Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute})

	cause := &statusErr{status: 503}
	err := r.Do(context.Background(), func(ctx context.Context) error {
		return cause
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Expected ErrExhausted, got %v", err)
	}
	// The last underlying error is preserved.
	var se *statusErr
	if !errors.As(err, &se) {
		t.Error("Expected last cause to be wrapped in exhaustion error")
	}
}

func TestRetrier_ServerHintPreferred(t *testing.T) {
	r, waits := newTestRetrier(Policy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: time.Minute})

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &statusErr{status: 429, hint: 7 * time.Second, hasHint: true}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(*waits) != 1 || (*waits)[0] != 7*time.Second {
		t.Errorf("Expected single 7s wait from hint, got %v", *waits)
	}
}

func TestRetrier_InsaneHintIgnored(t *testing.T) {
	r, waits := newTestRetrier(Policy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: time.Minute})

	calls := 0
	_ = r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &statusErr{status: 429, hint: time.Hour, hasHint: true}
		}
		return nil
	})
	if len(*waits) != 1 || (*waits)[0] != time.Second {
		t.Errorf("Expected computed backoff when hint exceeds max, got %v", *waits)
	}
}

func TestRetrier_ContextCancelDuringWait(t *testing.T) {
	r := New(Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute})
	r.SetJitter(func(d time.Duration) time.Duration { return 0 })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Do(ctx, func(ctx context.Context) error {
		return &statusErr{status: 500}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestRetriable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"RateLimitStatus", &statusErr{status: 429}, true},
		{"ServerError", &statusErr{status: 502}, true},
		{"AuthError", &statusErr{status: 401}, false},
		{"ValidationError", &statusErr{status: 422}, false},
		{"RateLimitText", errors.New("openai: rate_limit_exceeded on TPM"), true},
		{"ConnReset", errors.New("read tcp: connection reset by peer"), true},
		{"Unknown", errors.New("model does not exist"), false},
		{"Cancelled", context.Canceled, false},
		{"Nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Retriable(tc.err); got != tc.want {
				t.Errorf("Retriable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
