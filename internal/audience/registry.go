// Package audience tracks which users belong to each group chat.
//
// The Telegram Bot API cannot enumerate group members, so the registry learns
// them from traffic: message authors and join/leave service updates. Members
// are persisted through storage and returned in first-seen order.
package audience

import (
	"context"
	"errors"
	"sync"
	"time"

	"massdm/internal/storage"
	kit "massdm/internal/transport"
	logx "massdm/pkg/logx"
)

// DefaultTouchEvery limits how often an active author's last-seen time is rewritten.
const DefaultTouchEvery = 5 * time.Minute

type Registry struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time

	touchEvery time.Duration

	mu   sync.Mutex
	seen map[seenKey]time.Time // last persisted touch
}

type seenKey struct {
	chat int64
	user int64
}

func NewRegistry(store storage.Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		store:      store,
		log:        log,
		now:        time.Now,
		touchEvery: DefaultTouchEvery,
		seen:       map[seenKey]time.Time{},
	}
}

// Observe records what u reveals about group membership. Non-group updates
// are ignored.
func (r *Registry) Observe(ctx context.Context, u kit.Update) error {
	if !u.Chat.IsGroup() {
		return nil
	}
	switch u.Kind {
	case kit.UpdateMessage:
		if u.Message == nil || u.Message.From.UserID == 0 {
			return nil
		}
		return r.touch(ctx, u.Chat.ID, u.Message.From, false)
	case kit.UpdateMemberJoined:
		var errs []error
		for _, m := range u.Members {
			if err := r.touch(ctx, u.Chat.ID, m, true); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	case kit.UpdateMemberLeft:
		var errs []error
		for _, m := range u.Members {
			if err := r.forget(ctx, u.Chat.ID, m.UserID); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	return nil
}

func (r *Registry) touch(ctx context.Context, chatID int64, m kit.Member, force bool) error {
	if m.UserID == 0 {
		return nil
	}
	now := r.now()
	k := seenKey{chat: chatID, user: m.UserID}

	r.mu.Lock()
	last, ok := r.seen[k]
	if ok && !force && now.Sub(last) < r.touchEvery {
		r.mu.Unlock()
		return nil
	}
	r.seen[k] = now
	r.mu.Unlock()

	err := r.store.UpsertMember(ctx, storage.MemberRecord{
		ChatID:   chatID,
		UserID:   m.UserID,
		Username: m.Username,
		Name:     m.Name,
		IsBot:    m.IsBot,
		LastSeen: now,
	})
	if err != nil {
		r.mu.Lock()
		delete(r.seen, k)
		r.mu.Unlock()
		return err
	}
	if !ok {
		r.log.Debug("member recorded", logx.Int64("chat_id", chatID), logx.String("user", m.Label()), logx.Bool("bot", m.IsBot))
	}
	return nil
}

func (r *Registry) forget(ctx context.Context, chatID, userID int64) error {
	r.mu.Lock()
	delete(r.seen, seenKey{chat: chatID, user: userID})
	r.mu.Unlock()
	if err := r.store.RemoveMember(ctx, chatID, userID); err != nil {
		return err
	}
	r.log.Debug("member removed", logx.Int64("chat_id", chatID), logx.Int64("user_id", userID))
	return nil
}

// MembersOf returns the known members of chatID in first-seen order.
// Bots and the bot itself are included; the dispatcher skips them.
func (r *Registry) MembersOf(ctx context.Context, chatID int64) ([]kit.Member, error) {
	recs, err := r.store.ListMembers(ctx, chatID)
	if err != nil {
		return nil, err
	}
	out := make([]kit.Member, 0, len(recs))
	for _, rec := range recs {
		out = append(out, kit.Member{
			UserID:   rec.UserID,
			Username: rec.Username,
			Name:     rec.Name,
			IsBot:    rec.IsBot,
		})
	}
	return out, nil
}

// forgetCache drops touch state for members the store no longer has.
func (r *Registry) forgetCache(before time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, t := range r.seen {
		if t.Before(before) {
			delete(r.seen, k)
		}
	}
}
