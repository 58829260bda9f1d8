package router

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"massdm/internal/runtime/supervisor"
	kit "massdm/internal/transport"
	logx "massdm/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Name is the command word without the slash, e.g. "massdm".
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	// GroupOnly commands reply GroupOnlyText outside group chats.
	GroupOnly bool
	// Detach runs the handler in its own goroutine instead of the worker
	// pool; long-running commands must not block short ones.
	Detach  bool
	Timeout time.Duration // optional per-command override
	Handle  HandlerFunc
}

const (
	UnauthorizedText = "unauthorized"
	BusyText         = "busy, try again"
	GroupOnlyText    = "This command must be used in a group."
)

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	ChatRef kit.Chat
	From    kit.Member
	Command string
	Args    []string
	// RawArgs is the message text after the command word, trimmed but otherwise untouched.
	RawArgs string
	ReqID   string

	Adapter kit.Adapter
	Logger  logx.Logger
	Owners  []int64
}

// Reply sends text back to the chat (and topic) the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// IsOwner reports whether the sender is a configured owner.
func (r *Request) IsOwner() bool { return isOwner(r.From.UserID, r.Owners) }

// TapFunc observes every update before routing.
type TapFunc func(ctx context.Context, up kit.Update)

type CommandManager struct {
	mu sync.RWMutex

	cmds  map[string]Command // name and aliases -> command
	order []Command

	owners []int64
	tap    TapFunc

	log     logx.Logger
	adapter kit.Adapter

	// busy limits "busy" replies so a flood of commands does not become a flood of replies.
	busy *rate.Limiter

	runMu sync.Mutex
	sup   *supervisor.Supervisor // nil when not dispatching

	jobs chan func(ctx context.Context)
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, owners []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		cmds:    map[string]Command{},
		owners:  append([]int64(nil), owners...),
		log:     log,
		adapter: adapter,
		busy:    rate.NewLimiter(rate.Every(2*time.Second), 1),
		jobs:    make(chan func(ctx context.Context), 256),
	}
}

// SetOwners updates the owner list used for AccessOwnerOnly checks.
// Safe to call during hot-reload.
func (m *CommandManager) SetOwners(owners []int64) {
	ownCopy := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = ownCopy
	m.mu.Unlock()
}

func (m *CommandManager) ownersSnapshot() []int64 {
	m.mu.RLock()
	cp := append([]int64(nil), m.owners...)
	m.mu.RUnlock()
	return cp
}

// SetTap installs an observer that sees every update, commands or not.
func (m *CommandManager) SetTap(fn TapFunc) {
	m.mu.Lock()
	m.tap = fn
	m.mu.Unlock()
}

// SetCommands replaces the command set. A /help command is always added.
func (m *CommandManager) SetCommands(ctx context.Context, cmds []Command) {
	cmds = append(cmds, Command{
		Name:        "help",
		Description: "list commands",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.IsOwner()))
		},
	})

	table := map[string]Command{}
	order := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		table[name] = c
		order = append(order, c)
		for _, a := range c.Aliases {
			if sa := sanitizeTelegramCommand(a); sa != "" {
				if _, exists := table[sa]; !exists {
					table[sa] = c
				}
			}
		}
	}

	m.mu.Lock()
	m.cmds = table
	m.order = order
	m.mu.Unlock()

	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		menu := buildMenuCommands(order)
		go func() {
			mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(mctx, menu); err != nil {
				m.log.Warn("menu update failed", logx.Err(err))
			}
		}()
	}
}

func (m *CommandManager) lookup(word string) (Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cmds[strings.ToLower(word)]
	return c, ok
}

// DispatchLoop routes updates until ctx is done or updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	sup := supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		supervisor.WithCancelOnError(false),
	)
	m.runMu.Lock()
	m.sup = sup
	m.runMu.Unlock()

	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					m.drain(idx)
					return nil
				case job := <-m.jobs:
					if c.Err() != nil {
						m.runDrained(idx, job)
						continue
					}
					m.runJob(c, idx, job)
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		m.runMu.Lock()
		m.sup = nil
		m.runMu.Unlock()
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := sup.Wait(wctx); errors.Is(err, context.DeadlineExceeded) {
			m.log.Warn("command handlers still running", logx.Any("names", sup.Running()))
		}
		cancel()
		// workers that never got scheduled leave their share of the queue behind
		m.drain(-1)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.mu.RLock()
			tap := m.tap
			m.mu.RUnlock()
			if tap != nil {
				tap(ctx, up)
			}
			if up.Kind == kit.UpdateMessage {
				m.routeMessage(ctx, up)
			}
		}
	}
}

// drainTimeout bounds each job run after the dispatcher context is gone.
const drainTimeout = 10 * time.Second

// drain runs jobs accepted before shutdown so no request goes unanswered.
// The dispatcher context is already canceled, so each job gets a fresh deadline.
func (m *CommandManager) drain(worker int) {
	for {
		select {
		case job := <-m.jobs:
			m.runDrained(worker, job)
		default:
			return
		}
	}
}

func (m *CommandManager) runDrained(worker int, job func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	m.runJob(ctx, worker, job)
}

func (m *CommandManager) runJob(ctx context.Context, worker int, job func(ctx context.Context)) {
	if job == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job(ctx)
}

func (m *CommandManager) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	word, rest, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	cmd, ok := m.lookup(word)
	if !ok {
		// unknown commands are ignored; groups often host several bots
		return
	}
	to := kit.ChatTarget{ChatID: up.Chat.ID, ThreadID: msg.ThreadID}

	owners := m.ownersSnapshot()
	if cmd.Access == AccessOwnerOnly && !isOwner(msg.From.UserID, owners) {
		_, _ = m.adapter.SendText(ctx, to, UnauthorizedText, nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    to,
		ChatRef: up.Chat,
		From:    msg.From,
		Command: cmd.Name,
		Args:    strings.Fields(rest),
		RawArgs: rest,
		ReqID:   rid,
		Adapter: m.adapter,
		Owners:  owners,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", up.Chat.ID),
			logx.Int64("from_id", msg.From.UserID),
			logx.String("cmd", cmd.Name),
		),
	}

	final := Chain(
		cmd.Handle,
		MWRequestLog(m.log),
		MWErrorReply(),
		MWPanicRecover(m.log),
		MWGroupOnly(cmd.GroupOnly),
		MWTimeout(cmd.Timeout),
	)

	if cmd.Detach {
		m.runMu.Lock()
		sup := m.sup
		m.runMu.Unlock()
		if sup != nil {
			sup.Go0("command.detached."+cmd.Name, func(c context.Context) { _ = final(c, req) })
			return
		}
	}
	if !m.tryEnqueue(func(c context.Context) { _ = final(c, req) }) && m.busy.Allow() {
		_, _ = m.adapter.SendText(ctx, to, BusyText, nil)
	}
}

func (m *CommandManager) tryEnqueue(fn func(ctx context.Context)) bool {
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
