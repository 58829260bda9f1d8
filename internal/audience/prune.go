package audience

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "massdm/pkg/logx"
)

type PruneConfig struct {
	// Schedule is a cron spec or descriptor ("@daily"). Empty disables pruning.
	Schedule string
	// TTL is how long a member may go unseen before removal.
	TTL time.Duration
}

// Pruner removes members not seen within TTL on a cron schedule.
type Pruner struct {
	reg    *Registry
	log    logx.Logger
	parser cron.Parser

	mu      sync.Mutex
	cfg     PruneConfig
	c       *cron.Cron
	entryID cron.EntryID
	running bool
}

func NewPruner(reg *Registry, cfg PruneConfig, log logx.Logger) *Pruner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pruner{
		reg:    reg,
		log:    log,
		cfg:    cfg,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate reports whether cfg can be scheduled.
func (p *Pruner) Validate(cfg PruneConfig) error {
	if strings.TrimSpace(cfg.Schedule) == "" {
		return nil
	}
	if _, err := p.parser.Parse(cfg.Schedule); err != nil {
		return fmt.Errorf("prune schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.TTL <= 0 {
		return fmt.Errorf("member ttl must be > 0 when pruning is scheduled")
	}
	return nil
}

func (p *Pruner) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.c = cron.New(cron.WithParser(p.parser))
	if err := p.scheduleLocked(); err != nil {
		return err
	}
	p.c.Start()
	p.running = true
	p.log.Info("service started", logx.String("schedule", p.cfg.Schedule), logx.Duration("ttl", p.cfg.TTL))
	return nil
}

// Apply reschedules with cfg. It is safe to call before Start.
func (p *Pruner) Apply(cfg PruneConfig) error {
	if err := p.Validate(cfg); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	if !p.running {
		return nil
	}
	if p.entryID != 0 {
		p.c.Remove(p.entryID)
		p.entryID = 0
	}
	return p.scheduleLocked()
}

func (p *Pruner) scheduleLocked() error {
	spec := strings.TrimSpace(p.cfg.Schedule)
	if spec == "" || p.cfg.TTL <= 0 {
		p.log.Debug("member pruning disabled")
		return nil
	}
	id, err := p.c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := p.RunOnce(ctx); err != nil {
			p.log.Warn("member prune failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("prune schedule %q: %w", spec, err)
	}
	p.entryID = id
	return nil
}

// RunOnce prunes immediately and returns the number of members removed.
func (p *Pruner) RunOnce(ctx context.Context) (int, error) {
	p.mu.Lock()
	ttl := p.cfg.TTL
	p.mu.Unlock()
	if ttl <= 0 {
		return 0, nil
	}
	cutoff := p.reg.now().Add(-ttl)
	n, err := p.reg.store.PruneMembers(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	p.reg.forgetCache(cutoff)
	if n > 0 {
		p.log.Info("stale members pruned", logx.Int("count", n), logx.Duration("ttl", ttl))
	}
	return n, nil
}

func (p *Pruner) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	c := p.c
	p.running = false
	p.entryID = 0
	p.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	p.log.Info("service stopped")
}
