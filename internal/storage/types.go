package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// If Driver is empty, the memory driver is used.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the audience registry and the dispatcher.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error

	// UpsertMember inserts or refreshes a member. FirstSeen is kept from the
	// existing row; the remaining fields are overwritten.
	UpsertMember(ctx context.Context, m MemberRecord) error
	RemoveMember(ctx context.Context, chatID, userID int64) error
	// ListMembers returns the chat's members ordered by FirstSeen, then UserID.
	ListMembers(ctx context.Context, chatID int64) ([]MemberRecord, error)
	// PruneMembers deletes members whose LastSeen is before the cutoff.
	PruneMembers(ctx context.Context, before time.Time) (int, error)

	Close() error
}

// AuditEntry records one mass DM run.
type AuditEntry struct {
	At       time.Time `json:"at"`
	RunID    string    `json:"run_id"`
	ActorID  int64     `json:"actor_id"`
	ChatID   int64     `json:"chat_id"`
	ChatName string    `json:"chat_name,omitempty"`
	Action   string    `json:"action"`
	OK       int       `json:"ok"`
	Fail     int       `json:"fail"`
	Skipped  int       `json:"skipped"`
	Canceled bool      `json:"canceled,omitempty"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms"`
}

// MemberRecord is one user observed in a group chat.
type MemberRecord struct {
	ChatID    int64     `json:"chat_id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	Name      string    `json:"name,omitempty"`
	IsBot     bool      `json:"is_bot,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

type memberKey struct {
	chat int64
	user int64
}
