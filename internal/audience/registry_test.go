package audience

import (
	"context"
	"testing"
	"time"

	"massdm/internal/storage"
	kit "massdm/internal/transport"
	logx "massdm/pkg/logx"
)

type countingStore struct {
	storage.Store
	upserts int
}

func (s *countingStore) UpsertMember(ctx context.Context, m storage.MemberRecord) error {
	s.upserts++
	return s.Store.UpsertMember(ctx, m)
}

func group(id int64) kit.Chat { return kit.Chat{ID: id, Kind: kit.ChatSuperGroup, Title: "g"} }

func msgFrom(chat kit.Chat, m kit.Member) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Chat: chat, Message: &kit.Message{From: m, Text: "hi"}}
}

func newTestRegistry(store storage.Store, now *time.Time) *Registry {
	r := NewRegistry(store, logx.Nop())
	r.now = func() time.Time { return *now }
	return r
}

func TestObserveBuildsOrderedAudience(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	r := newTestRegistry(storage.NewMemory(), &now)
	g := group(-100)

	alice := kit.Member{UserID: 1, Username: "alice"}
	helper := kit.Member{UserID: 2, Username: "helper_bot", IsBot: true}
	carol := kit.Member{UserID: 3, Name: "Carol"}

	_ = r.Observe(ctx, msgFrom(g, alice))
	now = now.Add(time.Second)
	_ = r.Observe(ctx, kit.Update{Kind: kit.UpdateMemberJoined, Chat: g, Members: []kit.Member{helper, carol}})
	now = now.Add(time.Second)
	_ = r.Observe(ctx, msgFrom(g, alice))
	// private chats never contribute
	_ = r.Observe(ctx, msgFrom(kit.Chat{ID: 5, Kind: kit.ChatPrivate}, kit.Member{UserID: 9}))

	got, err := r.MembersOf(ctx, g.ID)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(got) != 3 || got[0].UserID != 1 || got[1].UserID != 2 || got[2].UserID != 3 {
		t.Fatalf("members=%+v", got)
	}
	if !got[1].IsBot {
		t.Fatalf("bot flag lost: %+v", got[1])
	}
	if other, _ := r.MembersOf(ctx, 5); len(other) != 0 {
		t.Fatalf("private chat recorded: %+v", other)
	}
}

func TestObserveMemberLeft(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	r := newTestRegistry(storage.NewMemory(), &now)
	g := group(-1)

	_ = r.Observe(ctx, msgFrom(g, kit.Member{UserID: 1}))
	_ = r.Observe(ctx, msgFrom(g, kit.Member{UserID: 2}))
	if err := r.Observe(ctx, kit.Update{Kind: kit.UpdateMemberLeft, Chat: g, Members: []kit.Member{{UserID: 1}}}); err != nil {
		t.Fatalf("left: %v", err)
	}
	got, _ := r.MembersOf(ctx, g.ID)
	if len(got) != 1 || got[0].UserID != 2 {
		t.Fatalf("members=%+v", got)
	}
}

func TestObserveThrottlesTouches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	store := &countingStore{Store: storage.NewMemory()}
	r := newTestRegistry(store, &now)
	g := group(-1)
	m := kit.Member{UserID: 1}

	for i := 0; i < 5; i++ {
		_ = r.Observe(ctx, msgFrom(g, m))
		now = now.Add(time.Second)
	}
	if store.upserts != 1 {
		t.Fatalf("upserts=%d want 1", store.upserts)
	}
	now = now.Add(DefaultTouchEvery)
	_ = r.Observe(ctx, msgFrom(g, m))
	if store.upserts != 2 {
		t.Fatalf("upserts=%d want 2", store.upserts)
	}
}

func TestPrunerRemovesStaleMembers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	r := newTestRegistry(storage.NewMemory(), &now)
	g := group(-1)

	_ = r.Observe(ctx, msgFrom(g, kit.Member{UserID: 1}))
	now = now.Add(48 * time.Hour)
	_ = r.Observe(ctx, msgFrom(g, kit.Member{UserID: 2}))

	p := NewPruner(r, PruneConfig{Schedule: "@daily", TTL: 24 * time.Hour}, logx.Nop())
	n, err := p.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("pruned=%d err=%v", n, err)
	}
	got, _ := r.MembersOf(ctx, g.ID)
	if len(got) != 1 || got[0].UserID != 2 {
		t.Fatalf("members=%+v", got)
	}

	// a pruned member who speaks again is recorded again immediately
	_ = r.Observe(ctx, msgFrom(g, kit.Member{UserID: 1}))
	if got, _ := r.MembersOf(ctx, g.ID); len(got) != 2 {
		t.Fatalf("members after return=%+v", got)
	}
}

func TestPrunerValidate(t *testing.T) {
	t.Parallel()
	p := NewPruner(NewRegistry(storage.NewMemory(), logx.Nop()), PruneConfig{}, logx.Nop())

	cases := []struct {
		cfg     PruneConfig
		wantErr bool
	}{
		{cfg: PruneConfig{}, wantErr: false},
		{cfg: PruneConfig{Schedule: "@daily", TTL: time.Hour}, wantErr: false},
		{cfg: PruneConfig{Schedule: "0 3 * * *", TTL: time.Hour}, wantErr: false},
		{cfg: PruneConfig{Schedule: "not a spec", TTL: time.Hour}, wantErr: true},
		{cfg: PruneConfig{Schedule: "@daily"}, wantErr: true},
	}
	for _, tc := range cases {
		if err := p.Validate(tc.cfg); (err != nil) != tc.wantErr {
			t.Fatalf("Validate(%+v) err=%v wantErr=%v", tc.cfg, err, tc.wantErr)
		}
	}

	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Apply(PruneConfig{Schedule: "@hourly", TTL: time.Hour}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Stop(ctx)
}
