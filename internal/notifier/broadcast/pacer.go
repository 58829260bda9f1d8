package broadcast

import (
	"context"
	"time"
)

const (
	DefaultInterSendDelay = 2 * time.Second
	DefaultRetryFallback  = 5 * time.Second
)

// Pacer decides how long the loop pauses after a send.
//
// Both delays are fixed: no growth, no cap, no jitter.
type Pacer struct {
	InterSend     time.Duration
	RetryFallback time.Duration
}

// InterSendDelay is applied after every delivered message.
func (p Pacer) InterSendDelay() time.Duration {
	if p.InterSend < 0 {
		return 0
	}
	return p.InterSend
}

// ResolveRetryDelay returns hint when the transport supplied a positive one,
// else the configured fallback.
func (p Pacer) ResolveRetryDelay(hint time.Duration) time.Duration {
	if hint > 0 {
		return hint
	}
	if p.RetryFallback < 0 {
		return 0
	}
	return p.RetryFallback
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
