package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "massdm/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl            (append-only JSON Lines)
//   - <prefix>.members.snapshot.json  (periodic snapshot)
//   - <prefix>.members.journal.jsonl  (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes and
// after each prune.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	members      memberSet

	writes int
}

const compactEvery = 1000

type journalOp string

const (
	opUpsert journalOp = "upsert"
	opRemove journalOp = "remove"
)

type journalRecord struct {
	Op     journalOp    `json:"op"`
	Member MemberRecord `json:"member"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".members.snapshot.json"
	journalPath := prefix + ".members.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	members := memberSet{}
	if err := loadSnapshot(snapPath, members); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("member snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, members); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("member journal replay incomplete", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("members", len(members)))
	return &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		members:      members,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.journalFile != nil {
		if s.writes > 0 {
			if err := s.compactLocked(); err != nil {
				s.log.Debug("member compact on close failed", logx.Err(err))
			}
		}
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) UpsertMember(_ context.Context, m MemberRecord) error {
	if m.LastSeen.IsZero() {
		m.LastSeen = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	m = s.members.upsert(m)
	return s.journalLocked(journalRecord{Op: opUpsert, Member: m})
}

func (s *fileStore) RemoveMember(_ context.Context, chatID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	k := memberKey{chat: chatID, user: userID}
	if _, ok := s.members[k]; !ok {
		return nil
	}
	delete(s.members, k)
	return s.journalLocked(journalRecord{Op: opRemove, Member: MemberRecord{ChatID: chatID, UserID: userID}})
}

func (s *fileStore) ListMembers(_ context.Context, chatID int64) ([]MemberRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	return s.members.list(chatID), nil
}

func (s *fileStore) PruneMembers(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return 0, ErrClosed
	}
	gone := s.members.prune(before)
	if len(gone) == 0 {
		return 0, nil
	}
	return len(gone), s.compactLocked()
}

func (s *fileStore) journalLocked(r journalRecord) error {
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("member compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	all := make([]MemberRecord, 0, len(s.members))
	for _, m := range s.members {
		all = append(all, m)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(all); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	s.writes = 0
	return err
}

func loadSnapshot(path string, out memberSet) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var all []MemberRecord
	if err := json.NewDecoder(f).Decode(&all); err != nil {
		return err
	}
	for _, m := range all {
		out[memberKey{chat: m.ChatID, user: m.UserID}] = m
	}
	return nil
}

func replayJournal(path string, out memberSet) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// torn tail write
			continue
		}
		k := memberKey{chat: r.Member.ChatID, user: r.Member.UserID}
		switch r.Op {
		case opUpsert:
			out[k] = r.Member
		case opRemove:
			delete(out, k)
		}
	}
	return sc.Err()
}
