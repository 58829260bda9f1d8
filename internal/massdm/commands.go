// Package massdm binds the mass DM dispatcher to bot commands.
package massdm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"massdm/internal/notifier/broadcast"
	kit "massdm/internal/transport"
	"massdm/internal/transport/telegram/router"
	logx "massdm/pkg/logx"
)

const (
	UsageText      = "Please provide a message to send. Usage: /massdm <message>"
	RunActiveText  = "A mass DM is already running in this chat. Use /massdm_stop to cancel it."
	DisabledText   = "Mass DM is disabled."
	NotRunningText = "No mass DM is running in this chat."
	StoppingText   = "Stopping mass DM..."
)

// Dispatcher runs and tracks dispatch jobs.
type Dispatcher interface {
	Run(ctx context.Context, j broadcast.Job) (broadcast.Report, error)
	Cancel(chatID int64) bool
	Active(chatID int64) (broadcast.JobStatus, bool)
	Last(chatID int64) (broadcast.JobStatus, bool)
}

// Audience enumerates the members of a chat.
type Audience interface {
	MembersOf(ctx context.Context, chatID int64) ([]kit.Member, error)
}

type Commands struct {
	disp Dispatcher
	aud  Audience
	self func() kit.Member
	log  logx.Logger
}

// New wires the command handlers. self returns the bot's own account,
// which is never messaged.
func New(disp Dispatcher, aud Audience, self func() kit.Member, log logx.Logger) *Commands {
	if log.IsZero() {
		log = logx.Nop()
	}
	if self == nil {
		self = func() kit.Member { return kit.Member{} }
	}
	return &Commands{disp: disp, aud: aud, self: self, log: log}
}

// Commands returns the router entries. ownerOnly restricts all of them to owners.
func (c *Commands) Commands(ownerOnly bool) []router.Command {
	access := router.AccessEveryone
	if ownerOnly {
		access = router.AccessOwnerOnly
	}
	return []router.Command{
		{
			Name:        "massdm",
			Description: "DM every known member of this group",
			Usage:       "/massdm <message>",
			Access:      access,
			Detach:      true,
			Handle:      c.MassNotify,
		},
		{
			Name:        "massdm_status",
			Description: "show the running mass DM",
			Usage:       "/massdm_status",
			Access:      access,
			GroupOnly:   true,
			Handle:      c.Status,
		},
		{
			Name:        "massdm_stop",
			Description: "cancel the running mass DM",
			Usage:       "/massdm_stop",
			Access:      access,
			GroupOnly:   true,
			Handle:      c.Stop,
		},
	}
}

// MassNotify sends req's text to every member of the group it was issued in
// and replies with the summary.
func (c *Commands) MassNotify(ctx context.Context, req *router.Request) error {
	text := req.RawArgs
	if strings.TrimSpace(text) == "" {
		req.Logger.Warn("mass dm rejected", logx.String("reason", "empty message"), logx.Int64("chat_id", req.ChatRef.ID))
		return req.Reply(ctx, UsageText)
	}
	if !req.ChatRef.IsGroup() {
		req.Logger.Warn("mass dm rejected", logx.String("reason", "not a group"),
			logx.Int64("chat_id", req.ChatRef.ID), logx.String("chat_kind", string(req.ChatRef.Kind)))
		return req.Reply(ctx, router.GroupOnlyText)
	}

	members, err := c.aud.MembersOf(ctx, req.ChatRef.ID)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	req.Logger.Info("mass dm requested",
		logx.String("chat", req.ChatRef.Title),
		logx.Int("members", len(members)),
	)

	rep, err := c.disp.Run(ctx, broadcast.Job{
		ChatID:   req.ChatRef.ID,
		Name:     req.ChatRef.Title,
		Audience: members,
		Exclude:  c.self(),
		Text:     text,
		ActorID:  req.From.UserID,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		req.Logger.Warn("mass dm rejected", logx.String("reason", err.Error()))
	}
	switch {
	case errors.Is(err, broadcast.ErrRunActive):
		return req.Reply(ctx, RunActiveText)
	case errors.Is(err, broadcast.ErrDisabled), errors.Is(err, broadcast.ErrStopped):
		return req.Reply(ctx, DisabledText)
	case errors.Is(err, broadcast.ErrEmptyMessage):
		return req.Reply(ctx, UsageText)
	case err != nil:
		return err
	}

	// the run may have been canceled together with ctx; the summary still goes out
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	return req.Reply(rctx, rep.Summary())
}

func (c *Commands) Status(ctx context.Context, req *router.Request) error {
	if st, ok := c.disp.Active(req.ChatRef.ID); ok {
		remaining := st.Audience - st.Processed() - st.Skipped
		return req.Reply(ctx, fmt.Sprintf(
			"Mass DM in progress:\n- Successful: %d\n- Failed: %d\n- Remaining: %d\n- Running for: %s",
			st.Success, st.Failure, remaining, time.Since(st.StartedAt).Truncate(time.Second),
		))
	}
	if st, ok := c.disp.Last(req.ChatRef.ID); ok {
		rep := broadcast.Finalize(broadcast.Counters{Success: st.Success, Failure: st.Failure}, st.Skipped, st.Canceled)
		return req.Reply(ctx, "No mass DM running. Last run:\n"+rep.Summary())
	}
	return req.Reply(ctx, NotRunningText)
}

func (c *Commands) Stop(ctx context.Context, req *router.Request) error {
	if !c.disp.Cancel(req.ChatRef.ID) {
		return req.Reply(ctx, NotRunningText)
	}
	req.Logger.Info("mass dm cancel requested")
	return req.Reply(ctx, StoppingText)
}
