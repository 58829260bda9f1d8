package broadcast

import (
	"context"
	"time"

	"massdm/internal/eventbus"
	kit "massdm/internal/transport"
	logx "massdm/pkg/logx"
)

type Option func(*Service)

// WithBus publishes massdm.* events to b.
func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

func WithAudit(a AuditSink) Option { return func(s *Service) { s.audit = a } }

// WithSleep replaces the pause implementation (tests use a fake clock).
func WithSleep(fn SleepFunc) Option { return func(s *Service) { s.sleep = fn } }

// WithObserver replaces the default log + bus observer.
func WithObserver(o Observer) Option { return func(s *Service) { s.obs = o } }

func New(cfg Config, send Sender, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:   cfg,
		send:  send,
		log:   log,
		sleep: sleepCtx,
		now:   time.Now,
		runs:  map[int64]*run{},
		last:  map[int64]JobStatus{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.obs == nil {
		s.obs = &logObserver{log: s.log, bus: s.bus}
	}
	return s
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. Runs already in progress keep the pacing they started with.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.log.Debug("config applied",
		logx.Bool("enabled", cfg.Enabled),
		logx.Duration("inter_send_delay", cfg.InterSendDelay),
		logx.Duration("retry_fallback", cfg.RetryFallback),
		logx.Int("progress_every", cfg.progressEvery()),
	)
}

// Stop cancels every active run and waits for them to report, or for ctx.
// New runs are rejected afterwards.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	s.stopped = true
	active := len(s.runs)
	for _, r := range s.runs {
		r.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("service stopped", logx.Int("canceled_runs", active), logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		s.log.Warn("stop timed out; runs still finishing", logx.Int("active", active))
	}
}

// logObserver logs run events and publishes them on the bus.
type logObserver struct {
	log logx.Logger
	bus eventbus.Bus
}

const (
	EventStarted  = "massdm.started"
	EventProgress = "massdm.progress"
	EventFinished = "massdm.finished"
)

func (o *logObserver) publish(typ string, st JobStatus) {
	if o.bus != nil {
		o.bus.Publish(eventbus.Event{Type: typ, Data: st})
	}
}

func (o *logObserver) RunStarted(st JobStatus) {
	o.log.Info("mass dm started",
		logx.String("run", st.ID),
		logx.String("chat", st.Name),
		logx.Int64("chat_id", st.ChatID),
		logx.Int("audience", st.Audience),
	)
	o.publish(EventStarted, st)
}

func (o *logObserver) Outcome(st JobStatus, m kit.Member, out Outcome) {
	fields := []logx.Field{
		logx.String("run", st.ID),
		logx.String("user", m.Label()),
		logx.Int64("user_id", m.UserID),
		logx.String("outcome", out.Kind.String()),
	}
	switch out.Kind {
	case Delivered:
		o.log.Info("message sent", fields...)
	case RateLimited:
		fields = append(fields, logx.Duration("retry_after", out.RetryAfter), logx.String("detail", out.Detail))
		o.log.Warn("rate limited", fields...)
	case Refused:
		fields = append(fields, logx.String("detail", out.Detail))
		o.log.Warn("recipient refused direct message", fields...)
	default:
		fields = append(fields, logx.String("detail", out.Detail))
		o.log.Error("send failed", fields...)
	}
}

func (o *logObserver) Progress(st JobStatus) {
	o.log.Info("mass dm progress",
		logx.String("run", st.ID),
		logx.Int("success", st.Success),
		logx.Int("failure", st.Failure),
	)
	o.publish(EventProgress, st)
}

func (o *logObserver) RunFinished(st JobStatus, r Report) {
	fields := []logx.Field{
		logx.String("run", st.ID),
		logx.Int64("chat_id", st.ChatID),
		logx.Int("success", r.Success),
		logx.Int("failure", r.Failure),
		logx.Int("total", r.Total),
		logx.Int("skipped", r.Skipped),
		logx.Bool("canceled", r.Canceled),
		logx.Duration("dur", st.DoneAt.Sub(st.StartedAt)),
	}
	if r.Failure > 0 || r.Canceled {
		o.log.Warn("mass dm finished with failures", fields...)
	} else {
		o.log.Info("mass dm finished", fields...)
	}
	o.publish(EventFinished, st)
}
