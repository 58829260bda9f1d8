package broadcast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"
	"time"

	kit "massdm/internal/transport"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		err   error
		kind  Kind
		retry time.Duration
	}{
		{name: "nil", err: nil, kind: Delivered},
		{name: "forbidden", err: &kit.SendError{Code: 403, Description: "bot was blocked by the user"}, kind: Refused},
		{name: "too many requests", err: &kit.SendError{Code: 429, RetryAfter: 3 * time.Second}, kind: RateLimited, retry: 3 * time.Second},
		{name: "429 without hint", err: &kit.SendError{Code: 429}, kind: RateLimited},
		{name: "retry hint wins over 5xx", err: &kit.SendError{Code: 502, RetryAfter: time.Second}, kind: RateLimited, retry: time.Second},
		{name: "wrapped 429", err: fmt.Errorf("send: %w", &kit.SendError{Code: 429, RetryAfter: 7 * time.Second}), kind: RateLimited, retry: 7 * time.Second},
		{name: "bad request", err: &kit.SendError{Code: 400, Description: "chat not found"}, kind: TransportError},
		{name: "server error", err: &kit.SendError{Code: 500}, kind: TransportError},
		{name: "wrapped bad gateway", err: fmt.Errorf("send: %w", &kit.SendError{Code: 502, Description: "Bad Gateway"}), kind: TransportError},
		{name: "net error", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, kind: TransportError},
		{name: "url error", err: &url.Error{Op: "Post", URL: "https://api.telegram.org", Err: errors.New("eof")}, kind: TransportError},
		{name: "deadline", err: context.DeadlineExceeded, kind: TransportError},
		{name: "unknown", err: errors.New("boom"), kind: UnexpectedError},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tc.err)
			if got.Kind != tc.kind {
				t.Fatalf("kind=%s want %s", got.Kind, tc.kind)
			}
			if got.RetryAfter != tc.retry {
				t.Fatalf("retry=%s want %s", got.RetryAfter, tc.retry)
			}
			if tc.err != nil && got.Detail == "" {
				t.Fatalf("expected detail for %v", tc.err)
			}
		})
	}
}

func TestPacer(t *testing.T) {
	t.Parallel()
	p := Pacer{InterSend: DefaultInterSendDelay, RetryFallback: DefaultRetryFallback}

	if got := p.InterSendDelay(); got != 2*time.Second {
		t.Fatalf("inter send=%s", got)
	}
	if got := p.ResolveRetryDelay(3 * time.Second); got != 3*time.Second {
		t.Fatalf("hinted retry=%s", got)
	}
	if got := p.ResolveRetryDelay(0); got != 5*time.Second {
		t.Fatalf("fallback retry=%s", got)
	}
	if got := p.ResolveRetryDelay(-time.Second); got != 5*time.Second {
		t.Fatalf("negative hint retry=%s", got)
	}
	if got := (Pacer{InterSend: -1}).InterSendDelay(); got != 0 {
		t.Fatalf("negative inter send=%s", got)
	}
}

func TestReportSummary(t *testing.T) {
	t.Parallel()

	r := Finalize(Counters{Success: 0, Failure: 1}, 0, false)
	if r.Total != 1 {
		t.Fatalf("total=%d", r.Total)
	}
	if got, want := r.Summary(), "Mass DM completed:\n- Successful: 0\n- Failed: 1"; got != want {
		t.Fatalf("summary=%q want %q", got, want)
	}

	r = Finalize(Counters{Success: 4, Failure: 2}, 3, true)
	if got, want := r.Summary(), "Mass DM completed:\n- Successful: 4\n- Failed: 2\n- Stopped early: canceled"; got != want {
		t.Fatalf("canceled summary=%q want %q", got, want)
	}
}
