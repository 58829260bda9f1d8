package transport

import (
	"context"
	"fmt"
	"time"
)

type UpdateKind string

const (
	UpdateMessage      UpdateKind = "message"
	UpdateMemberJoined UpdateKind = "member_joined"
	UpdateMemberLeft   UpdateKind = "member_left"
)

type ChatKind string

const (
	ChatPrivate    ChatKind = "private"
	ChatGroup      ChatKind = "group"
	ChatSuperGroup ChatKind = "supergroup"
	ChatChannel    ChatKind = "channel"
)

type Update struct {
	Kind    UpdateKind
	Chat    Chat
	Message *Message
	// Members is set for join/leave updates.
	Members []Member
}

type Chat struct {
	ID    int64
	Kind  ChatKind
	Title string
}

// IsGroup reports whether the chat has a member list the bot can observe.
func (c Chat) IsGroup() bool {
	return c.Kind == ChatGroup || c.Kind == ChatSuperGroup
}

type Message struct {
	ID       int
	ThreadID int // telegram forum topic thread id (0 if none)
	From     Member
	Text     string
}

// Member is one user as seen by the transport.
type Member struct {
	UserID   int64
	Username string
	Name     string
	IsBot    bool
}

// Label is a human-readable identifier for logs.
func (m Member) Label() string {
	switch {
	case m.Username != "":
		return "@" + m.Username
	case m.Name != "":
		return m.Name
	default:
		return fmt.Sprintf("user:%d", m.UserID)
	}
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// SendError is a transport-level delivery failure with enough structure
// to tell refusals and rate limits apart from other failures.
type SendError struct {
	// Code is the HTTP-equivalent status reported by the platform (403, 429, 5xx...).
	Code int
	// RetryAfter is the platform-advertised wait before sending again (0 if none).
	RetryAfter  time.Duration
	Description string
	Err         error
}

func (e *SendError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("send failed (code=%d retry_after=%s): %s", e.Code, e.RetryAfter, e.Description)
	}
	return fmt.Sprintf("send failed (code=%d): %s", e.Code, e.Description)
}

func (e *SendError) Unwrap() error { return e.Err }

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	// Self is the account the adapter is logged in as.
	Self() Member

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	// SendDirect sends text as a one-to-one message. Failures reported by the
	// platform are returned as *SendError.
	SendDirect(ctx context.Context, to Member, text string) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
