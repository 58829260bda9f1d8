package broadcast

import (
	"context"
	"fmt"
	"runtime/debug"

	kit "massdm/internal/transport"
	logx "massdm/pkg/logx"
)

// runLoop delivers j.Text to every non-skipped member of j.Audience, in order,
// once each. It returns early only when ctx is done.
func (s *Service) runLoop(ctx context.Context, r *run, j Job, p Pacer, every int) (Counters, int, bool) {
	var (
		c       Counters
		skipped int
	)
	last := lastSendable(j.Audience, j.Exclude)
	for i, m := range j.Audience {
		if skip(m, j.Exclude) {
			skipped++
			r.update(func(st *JobStatus) { st.Skipped = skipped })
			continue
		}
		if ctx.Err() != nil {
			return c, skipped, true
		}

		err := s.sendOne(ctx, m, j.Text)
		out := Classify(err)
		if out.Failed() && ctx.Err() != nil {
			// aborted by cancellation; not an attempt
			return c, skipped, true
		}
		c.record(out)
		st := r.update(func(st *JobStatus) {
			st.Success = c.Success
			st.Failure = c.Failure
		})
		s.obs.Outcome(st, m, out)
		if c.Processed()%every == 0 {
			s.obs.Progress(st)
		}

		if i == last {
			// nobody left to pace against
			continue
		}
		var pause error
		switch out.Kind {
		case Delivered:
			pause = s.sleep(ctx, p.InterSendDelay())
		case RateLimited:
			// The recipient that hit the limit is not retried.
			pause = s.sleep(ctx, p.ResolveRetryDelay(out.RetryAfter))
		}
		if pause != nil {
			return c, skipped, true
		}
	}
	return c, skipped, false
}

// sendOne isolates one recipient: a panicking transport becomes an error.
func (s *Service) sendOne(ctx context.Context, m kit.Member, text string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("panic in send", logx.Int64("user_id", m.UserID), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("send panicked: %v", rec)
		}
	}()
	return s.send.SendDirect(ctx, m, text)
}

func lastSendable(audience []kit.Member, exclude kit.Member) int {
	for i := len(audience) - 1; i >= 0; i-- {
		if !skip(audience[i], exclude) {
			return i
		}
	}
	return -1
}

func skip(m, exclude kit.Member) bool {
	if m.IsBot {
		return true
	}
	return exclude.UserID != 0 && m.UserID == exclude.UserID
}
