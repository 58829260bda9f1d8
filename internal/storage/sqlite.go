package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "massdm/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, run_id, actor_id, chat_id, chat_name, action, ok, fail, skipped, canceled, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), nullStr(e.RunID), e.ActorID, e.ChatID, nullStr(e.ChatName),
		e.Action, e.OK, e.Fail, e.Skipped, boolInt(e.Canceled), nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqliteStore) UpsertMember(ctx context.Context, m MemberRecord) error {
	if m.LastSeen.IsZero() {
		m.LastSeen = time.Now()
	}
	if m.FirstSeen.IsZero() {
		m.FirstSeen = m.LastSeen
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO members(chat_id, user_id, username, name, is_bot, first_seen, last_seen)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(chat_id, user_id) DO UPDATE SET
		   username = excluded.username,
		   name = excluded.name,
		   is_bot = excluded.is_bot,
		   last_seen = excluded.last_seen`,
		m.ChatID, m.UserID, nullStr(m.Username), nullStr(m.Name), boolInt(m.IsBot),
		m.FirstSeen.UnixNano(), m.LastSeen.UnixNano(),
	)
	return err
}

func (s *sqliteStore) RemoveMember(ctx context.Context, chatID, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM members WHERE chat_id = ? AND user_id = ?`, chatID, userID)
	return err
}

func (s *sqliteStore) ListMembers(ctx context.Context, chatID int64) ([]MemberRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, username, name, is_bot, first_seen, last_seen
		 FROM members WHERE chat_id = ? ORDER BY first_seen, user_id`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]MemberRecord, 0)
	for rows.Next() {
		var (
			m              MemberRecord
			username, name sql.NullString
			isBot          int
			first, last    int64
		)
		if err := rows.Scan(&m.UserID, &username, &name, &isBot, &first, &last); err != nil {
			return nil, err
		}
		m.ChatID = chatID
		m.Username = username.String
		m.Name = name.String
		m.IsBot = isBot != 0
		m.FirstSeen = time.Unix(0, first)
		m.LastSeen = time.Unix(0, last)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneMembers(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM members WHERE last_seen < ?`, before.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
