package massdm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"massdm/internal/audience"
	"massdm/internal/notifier/broadcast"
	"massdm/internal/storage"
	kit "massdm/internal/transport"
	"massdm/internal/transport/telegram/router"
	logx "massdm/pkg/logx"
)

type fakeAdapter struct {
	mu      sync.Mutex
	replies []string
	dms     []int64
	fail    map[int64]error
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }
func (f *fakeAdapter) Self() kit.Member                               { return kit.Member{UserID: 1, Username: "massdm_bot", IsBot: true} }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.replies = append(f.replies, text)
	f.mu.Unlock()
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) SendDirect(_ context.Context, to kit.Member, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dms = append(f.dms, to.UserID)
	return f.fail[to.UserID]
}

type fixture struct {
	ad   *fakeAdapter
	reg  *audience.Registry
	disp *broadcast.Service
	cmds *Commands
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ad := &fakeAdapter{fail: map[int64]error{}}
	reg := audience.NewRegistry(storage.NewMemory(), logx.Nop())
	disp := broadcast.New(broadcast.Config{Enabled: true}, ad, logx.Nop())
	return &fixture{ad: ad, reg: reg, disp: disp, cmds: New(disp, reg, ad.Self, logx.Nop())}
}

var testGroup = kit.Chat{ID: -100, Kind: kit.ChatSuperGroup, Title: "Team"}

func (f *fixture) seed(t *testing.T, members ...kit.Member) {
	t.Helper()
	for _, m := range members {
		up := kit.Update{Kind: kit.UpdateMemberJoined, Chat: testGroup, Members: []kit.Member{m}}
		if err := f.reg.Observe(context.Background(), up); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}
}

func (f *fixture) request(chat kit.Chat, raw string) *router.Request {
	return &router.Request{
		Chat:    kit.ChatTarget{ChatID: chat.ID},
		ChatRef: chat,
		From:    kit.Member{UserID: 42},
		Command: "massdm",
		RawArgs: raw,
		Adapter: f.ad,
		Logger:  logx.Nop(),
	}
}

func TestMassNotifyDeliversAndReportsSummary(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t,
		kit.Member{UserID: 10, Name: "A"},
		kit.Member{UserID: 11, Name: "B", IsBot: true},
		f.ad.Self(),
		kit.Member{UserID: 12, Name: "C"},
		kit.Member{UserID: 13, Name: "D"},
	)
	f.ad.fail[13] = &kit.SendError{Code: 403, Description: "Forbidden: bot was blocked by the user"}

	if err := f.cmds.MassNotify(context.Background(), f.request(testGroup, "hello\nteam")); err != nil {
		t.Fatalf("mass notify: %v", err)
	}
	if len(f.ad.dms) != 3 || f.ad.dms[0] != 10 || f.ad.dms[1] != 12 || f.ad.dms[2] != 13 {
		t.Fatalf("dms=%v", f.ad.dms)
	}
	want := "Mass DM completed:\n- Successful: 2\n- Failed: 1"
	if len(f.ad.replies) != 1 || f.ad.replies[0] != want {
		t.Fatalf("replies=%q", f.ad.replies)
	}
}

func TestMassNotifyInvocationErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		chat kit.Chat
		raw    string
		want   string
		reason string
	}{
		{name: "empty message", chat: testGroup, raw: "", want: UsageText, reason: "empty message"},
		{name: "blank message", chat: testGroup, raw: "   ", want: UsageText, reason: "empty message"},
		{name: "private chat", chat: kit.Chat{ID: 42, Kind: kit.ChatPrivate}, raw: "hi", want: "This command must be used in a group.", reason: "not a group"},
		{name: "channel", chat: kit.Chat{ID: -5, Kind: kit.ChatChannel}, raw: "hi", want: "This command must be used in a group.", reason: "not a group"},
		{name: "empty and private", chat: kit.Chat{ID: 42, Kind: kit.ChatPrivate}, raw: "", want: UsageText, reason: "empty message"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.seed(t, kit.Member{UserID: 10})

			var logs bytes.Buffer
			req := f.request(tc.chat, tc.raw)
			req.Logger = logx.NewWriter(&logs, "debug")
			if err := f.cmds.MassNotify(context.Background(), req); err != nil {
				t.Fatalf("mass notify: %v", err)
			}
			var entry map[string]any
			if err := json.Unmarshal(logs.Bytes(), &entry); err != nil {
				t.Fatalf("expected one log entry, got %q: %v", logs.String(), err)
			}
			if entry["level"] != "warn" || entry["message"] != "mass dm rejected" || entry["reason"] != tc.reason {
				t.Fatalf("log entry=%v", entry)
			}
			if len(f.ad.dms) != 0 {
				t.Fatalf("unexpected sends: %v", f.ad.dms)
			}
			if len(f.ad.replies) != 1 || f.ad.replies[0] != tc.want {
				t.Fatalf("replies=%q want %q", f.ad.replies, tc.want)
			}
		})
	}
}

func TestMassNotifyEmptyAudience(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.cmds.MassNotify(context.Background(), f.request(testGroup, "hi")); err != nil {
		t.Fatalf("mass notify: %v", err)
	}
	if want := "Mass DM completed:\n- Successful: 0\n- Failed: 0"; len(f.ad.replies) != 1 || f.ad.replies[0] != want {
		t.Fatalf("replies=%q", f.ad.replies)
	}
}

func TestMassNotifyDisabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, kit.Member{UserID: 10})
	f.disp.Apply(broadcast.Config{Enabled: false})

	if err := f.cmds.MassNotify(context.Background(), f.request(testGroup, "hi")); err != nil {
		t.Fatalf("mass notify: %v", err)
	}
	if len(f.ad.dms) != 0 || len(f.ad.replies) != 1 || f.ad.replies[0] != DisabledText {
		t.Fatalf("dms=%v replies=%q", f.ad.dms, f.ad.replies)
	}
}

type failingAudience struct{}

func (failingAudience) MembersOf(context.Context, int64) ([]kit.Member, error) {
	return nil, errors.New("database is locked")
}

func TestMassNotifyAudienceError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cmds := New(f.disp, failingAudience{}, f.ad.Self, logx.Nop())

	err := cmds.MassNotify(context.Background(), f.request(testGroup, "hi"))
	if err == nil || err.Error() != "list members: database is locked" {
		t.Fatalf("err=%v", err)
	}
}

func TestStatusAndStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	req := f.request(testGroup, "")

	if err := f.cmds.Stop(ctx, req); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := f.cmds.Status(ctx, req); err != nil {
		t.Fatalf("status: %v", err)
	}

	f.seed(t, kit.Member{UserID: 10})
	if err := f.cmds.MassNotify(ctx, f.request(testGroup, "hi")); err != nil {
		t.Fatalf("mass notify: %v", err)
	}
	if err := f.cmds.Status(ctx, req); err != nil {
		t.Fatalf("status: %v", err)
	}

	want := []string{
		NotRunningText,
		NotRunningText,
		"Mass DM completed:\n- Successful: 1\n- Failed: 0",
		"No mass DM running. Last run:\nMass DM completed:\n- Successful: 1\n- Failed: 0",
	}
	if len(f.ad.replies) != len(want) {
		t.Fatalf("replies=%q", f.ad.replies)
	}
	for i := range want {
		if f.ad.replies[i] != want[i] {
			t.Fatalf("reply[%d]=%q want %q", i, f.ad.replies[i], want[i])
		}
	}
}

func TestCommandsAccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, c := range f.cmds.Commands(true) {
		if c.Access != router.AccessOwnerOnly {
			t.Fatalf("%s not owner-only", c.Name)
		}
	}
	cmds := f.cmds.Commands(false)
	if len(cmds) != 3 || cmds[0].Name != "massdm" || !cmds[0].Detach || cmds[0].Access != router.AccessEveryone {
		t.Fatalf("commands=%+v", cmds)
	}
}
