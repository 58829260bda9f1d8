package adapter

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "massdm/internal/transport"
)

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks Telegram accepts,
// preferring newline boundaries.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// avoid tiny chunks
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := tele.ChatID(to.ChatID)

	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ParseMode(opt.ParseMode),
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, wrapSendError(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendDirect sends text to the member's private chat. A user who never
// started the bot, blocked it, or was deactivated yields a 403 *SendError.
func (a *Adapter) SendDirect(ctx context.Context, to kit.Member, text string) error {
	if to.UserID == 0 {
		return errors.New("recipient has no user id")
	}
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: to.UserID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// SendLog implements logx.ChatSender.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// untypedAPIError matches the error telebot builds for API failures whose
// description it does not recognise.
var untypedAPIError = regexp.MustCompile(`(?s)^telegram: (.*) \((\d+)\)$`)

// wrapSendError converts telebot API errors into *kit.SendError so callers can
// classify them without importing telebot. Network errors pass through unchanged.
func wrapSendError(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &kit.SendError{
			Code:        http.StatusTooManyRequests,
			RetryAfter:  time.Duration(flood.RetryAfter) * time.Second,
			Description: err.Error(),
			Err:         err,
		}
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return &kit.SendError{Code: apiErr.Code, Description: apiErr.Description, Err: err}
	}
	var groupErr tele.GroupError
	if errors.As(err, &groupErr) {
		return &kit.SendError{Code: http.StatusBadRequest, Description: groupErr.Error(), Err: err}
	}
	if m := untypedAPIError.FindStringSubmatch(err.Error()); m != nil {
		if code, convErr := strconv.Atoi(m[2]); convErr == nil {
			return &kit.SendError{Code: code, Description: m[1], Err: err}
		}
	}
	return err
}
