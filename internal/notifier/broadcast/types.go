package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"massdm/internal/eventbus"
	"massdm/internal/storage"
	kit "massdm/internal/transport"
	logx "massdm/pkg/logx"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrRunActive    = errors.New("a mass DM is already running in this chat")
	ErrDisabled     = errors.New("mass DM is disabled")
	ErrStopped      = errors.New("dispatcher is stopped")
)

const DefaultProgressEvery = 10

type Config struct {
	Enabled        bool
	InterSendDelay time.Duration
	RetryFallback  time.Duration
	// ProgressEvery is the processed-recipient interval between progress events.
	ProgressEvery int
	// RunTimeout bounds a whole run; 0 disables it.
	RunTimeout time.Duration
}

func (c Config) pacer() Pacer {
	return Pacer{InterSend: c.InterSendDelay, RetryFallback: c.RetryFallback}
}

func (c Config) progressEvery() int {
	if c.ProgressEvery <= 0 {
		return DefaultProgressEvery
	}
	return c.ProgressEvery
}

// Sender delivers one direct message.
type Sender interface {
	SendDirect(ctx context.Context, to kit.Member, text string) error
}

// AuditSink receives one entry per finished run.
type AuditSink interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Job is one dispatch request.
type Job struct {
	ChatID int64
	// Name is the chat title, used for logs and the audit trail.
	Name     string
	Audience []kit.Member
	// Exclude is never messaged (normally the bot itself). Zero UserID disables it.
	Exclude kit.Member
	Text    string
	ActorID int64
}

// JobStatus is a point-in-time copy of a run's progress.
type JobStatus struct {
	ID        string
	ChatID    int64
	Name      string
	Audience  int
	Success   int
	Failure   int
	Skipped   int
	StartedAt time.Time
	DoneAt    time.Time
	Running   bool
	Canceled  bool
}

// Processed is the number of non-skipped recipients handled so far.
func (st JobStatus) Processed() int { return st.Success + st.Failure }

// Observer receives run events in audience order.
type Observer interface {
	RunStarted(st JobStatus)
	Outcome(st JobStatus, m kit.Member, o Outcome)
	Progress(st JobStatus)
	RunFinished(st JobStatus, r Report)
}

type run struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	status JobStatus
}

func (r *run) snapshot() JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *run) update(fn func(st *JobStatus)) JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.status)
	return r.status
}

type Service struct {
	mu sync.Mutex

	cfg   Config
	send  Sender
	log   logx.Logger
	bus   eventbus.Bus
	audit AuditSink
	sleep SleepFunc
	obs   Observer
	now   func() time.Time

	stopped bool
	runs    map[int64]*run
	last    map[int64]JobStatus
	wg      sync.WaitGroup
}
