package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memberSet is the in-memory member table shared by the memory and file drivers.
type memberSet map[memberKey]MemberRecord

func (ms memberSet) upsert(m MemberRecord) MemberRecord {
	k := memberKey{chat: m.ChatID, user: m.UserID}
	if old, ok := ms[k]; ok && !old.FirstSeen.IsZero() {
		m.FirstSeen = old.FirstSeen
	}
	if m.FirstSeen.IsZero() {
		m.FirstSeen = m.LastSeen
	}
	ms[k] = m
	return m
}

func (ms memberSet) list(chatID int64) []MemberRecord {
	out := make([]MemberRecord, 0)
	for k, m := range ms {
		if k.chat == chatID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (ms memberSet) prune(before time.Time) []memberKey {
	var gone []memberKey
	for k, m := range ms {
		if m.LastSeen.Before(before) {
			gone = append(gone, k)
			delete(ms, k)
		}
	}
	return gone
}

// memoryStore keeps everything in process memory. Audit entries are capped.
type memoryStore struct {
	mu      sync.Mutex
	closed  bool
	members memberSet
	audit   []AuditEntry
}

const memoryAuditMax = 500

// NewMemory returns an empty process-local store.
func NewMemory() Store {
	return &memoryStore{members: memberSet{}}
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.audit = append(s.audit, e)
	if len(s.audit) > memoryAuditMax {
		s.audit = append([]AuditEntry(nil), s.audit[len(s.audit)-memoryAuditMax:]...)
	}
	return nil
}

// Audit returns a copy of the retained audit entries, oldest first.
func (s *memoryStore) Audit() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.audit...)
}

func (s *memoryStore) UpsertMember(_ context.Context, m MemberRecord) error {
	if m.LastSeen.IsZero() {
		m.LastSeen = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.members.upsert(m)
	return nil
}

func (s *memoryStore) RemoveMember(_ context.Context, chatID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.members, memberKey{chat: chatID, user: userID})
	return nil
}

func (s *memoryStore) ListMembers(_ context.Context, chatID int64) ([]MemberRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.members.list(chatID), nil
}

func (s *memoryStore) PruneMembers(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return len(s.members.prune(before)), nil
}
