package broadcast

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"massdm/internal/storage"
	logx "massdm/pkg/logx"
)

// Run dispatches one job and blocks until it finishes or is canceled.
// Per-recipient failures never surface as errors; they are counted in the Report.
func (s *Service) Run(ctx context.Context, j Job) (Report, error) {
	if strings.TrimSpace(j.Text) == "" {
		return Report{}, ErrEmptyMessage
	}

	s.mu.Lock()
	cfg := s.cfg
	switch {
	case s.stopped:
		s.mu.Unlock()
		return Report{}, ErrStopped
	case !cfg.Enabled:
		s.mu.Unlock()
		return Report{}, ErrDisabled
	}
	if _, busy := s.runs[j.ChatID]; busy {
		s.mu.Unlock()
		return Report{}, ErrRunActive
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if cfg.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	r := &run{
		cancel: cancel,
		status: JobStatus{
			ID:        uuid.NewString(),
			ChatID:    j.ChatID,
			Name:      j.Name,
			Audience:  len(j.Audience),
			StartedAt: s.now(),
			Running:   true,
		},
	}
	s.runs[j.ChatID] = r
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	defer cancel()

	s.obs.RunStarted(r.snapshot())
	c, skipped, canceled := s.runLoop(runCtx, r, j, cfg.pacer(), cfg.progressEvery())
	rep := Finalize(c, skipped, canceled)

	st := r.update(func(st *JobStatus) {
		st.Running = false
		st.Canceled = canceled
		st.DoneAt = s.now()
	})
	s.mu.Lock()
	delete(s.runs, j.ChatID)
	s.last[j.ChatID] = st
	s.mu.Unlock()

	s.obs.RunFinished(st, rep)
	s.appendAudit(j, st, rep)
	return rep, nil
}

func (s *Service) appendAudit(j Job, st JobStatus, rep Report) {
	if s.audit == nil {
		return
	}
	// The run context may already be canceled; the audit write must not be.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.audit.AppendAudit(ctx, storage.AuditEntry{
		At:       st.DoneAt,
		RunID:    st.ID,
		ActorID:  j.ActorID,
		ChatID:   j.ChatID,
		ChatName: j.Name,
		Action:   "massdm",
		OK:       rep.Success,
		Fail:     rep.Failure,
		Skipped:  rep.Skipped,
		Canceled: rep.Canceled,
		TookMS:   st.DoneAt.Sub(st.StartedAt).Milliseconds(),
	})
	if err != nil {
		s.log.Warn("audit append failed", logx.String("run", st.ID), logx.Err(err))
	}
}

// Cancel stops the active run in chatID. It reports whether one was running.
func (s *Service) Cancel(chatID int64) bool {
	s.mu.Lock()
	r, ok := s.runs[chatID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel()
	return true
}

// Active returns the live status of the run in chatID.
func (s *Service) Active(chatID int64) (JobStatus, bool) {
	s.mu.Lock()
	r, ok := s.runs[chatID]
	s.mu.Unlock()
	if !ok {
		return JobStatus{}, false
	}
	return r.snapshot(), true
}

// Last returns the status of the most recently finished run in chatID.
func (s *Service) Last(chatID int64) (JobStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.last[chatID]
	return st, ok
}
