package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestParseFormats(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{name: "config.json", body: `{"telegram":{"token":"t","owner_user_ids":[42]},"massdm":{"inter_send_delay":"3s","progress_every":5},"storage":{"driver":"file","path":"./state.db"}}`},
		{name: "config.yaml", body: "telegram:\n  token: t\n  owner_user_ids: [42]\nmassdm:\n  inter_send_delay: 3s\n  progress_every: 5\nstorage:\n  driver: file\n  path: ./state.db\n"},
		{name: "config.toml", body: "[telegram]\ntoken = \"t\"\nowner_user_ids = [42]\n\n[massdm]\ninter_send_delay = \"3s\"\nprogress_every = 5\n\n[storage]\ndriver = \"file\"\npath = \"./state.db\"\n"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := writeFile(t, t.TempDir(), tc.name, tc.body)
			cfg, err := NewConfigManager(p).Parse()
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if cfg.Telegram.Token != "t" || len(cfg.Telegram.OwnerUserIDs) != 1 || cfg.Telegram.OwnerUserIDs[0] != 42 {
				t.Fatalf("telegram=%+v", cfg.Telegram)
			}
			md, err := cfg.MassDM.Resolve()
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if md.InterSendDelay != 3*time.Second || md.ProgressEvery != 5 || md.RetryFallback != DefaultRetryFallback {
				t.Fatalf("massdm=%+v", md)
			}
			if err := cfg.Validate(true); err != nil {
				t.Fatalf("validate: %v", err)
			}
		})
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for name, body := range map[string]string{
		"a.json": `{"telegram":{"tokn":"x"}}`,
		"b.yaml": "massdm:\n  delay: 2s\n",
		"c.toml": "[plugins]\necho = true\n",
	} {
		if _, err := NewConfigManager(writeFile(t, dir, name, body)).Parse(); err == nil {
			t.Fatalf("%s: expected unknown field error", name)
		}
	}
}

func TestMassDMDefaults(t *testing.T) {
	t.Parallel()
	md, err := MassDMConfig{}.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := MassDM{Enabled: true, OwnerOnly: true, InterSendDelay: 2 * time.Second, RetryFallback: 5 * time.Second, ProgressEvery: 10}
	if md != want {
		t.Fatalf("defaults=%+v want %+v", md, want)
	}

	off := false
	md, err = MassDMConfig{Enabled: &off, InterSendDelay: "0s"}.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if md.Enabled || md.InterSendDelay != 0 {
		t.Fatalf("explicit values=%+v", md)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		token   bool
		wantErr string
	}{
		{name: "missing token", cfg: Config{}, token: true, wantErr: "telegram.token"},
		{name: "offline ok", cfg: Config{}, token: false},
		{name: "bad delay", cfg: Config{MassDM: MassDMConfig{InterSendDelay: "soon"}}, wantErr: "massdm.inter_send_delay"},
		{name: "negative delay", cfg: Config{MassDM: MassDMConfig{RetryFallback: "-1s"}}, wantErr: "massdm.retry_fallback"},
		{name: "file without path", cfg: Config{Storage: StorageConfig{Driver: "file"}}, wantErr: "storage.path"},
		{name: "unknown driver", cfg: Config{Storage: StorageConfig{Driver: "redis"}}, wantErr: "storage.driver"},
		{name: "bad group log", cfg: Config{Telegram: TelegramConfig{GroupLog: "@logs"}}, wantErr: "telegram.group_log"},
		{name: "log sink without chat", cfg: Config{Logging: LoggingConfig{Telegram: LoggingTelegram{Enabled: true}}}, wantErr: "group_log"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate(tc.token)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestStorageResolve(t *testing.T) {
	t.Parallel()
	st, err := StorageConfig{}.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if st.Driver != "memory" || st.PruneSchedule != DefaultPruneSchedule || st.MemberTTL != DefaultMemberTTL {
		t.Fatalf("defaults=%+v", st)
	}
	st, _ = StorageConfig{PruneSchedule: "off"}.Resolve()
	if st.PruneSchedule != "" {
		t.Fatalf("off schedule=%q", st.PruneSchedule)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a"}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "a"}, MassDM: MassDMConfig{InterSendDelay: "1s"}}

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) != 1 || changed[0] != "massdm" {
		t.Fatalf("changed=%v", changed)
	}
	if r := RequiresRestart(oldCfg, newCfg); len(r) != 0 {
		t.Fatalf("restart=%v", r)
	}
	newCfg.Telegram.Token = "b"
	if r := RequiresRestart(oldCfg, newCfg); len(r) != 1 {
		t.Fatalf("restart=%v", r)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", "massdm:\n  progress_every: 5\n")

	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error { return cfg.Validate(false) })
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// an invalid edit is rejected, then a valid one is published
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	writes := 0
	for {
		select {
		case cfg := <-sub:
			if cfg.MassDM.ProgressEvery != 7 {
				t.Fatalf("published invalid or stale config: %+v", cfg.MassDM)
			}
			if got := m.Get(); got.MassDM.ProgressEvery != 7 {
				t.Fatalf("committed=%+v", got.MassDM)
			}
			return
		case <-tick.C:
			// rewrite until the watcher is up and has seen both edits
			writes++
			if writes%2 == 1 {
				writeFile(t, dir, "config.yaml", "massdm:\n  progress_every: -1\n")
			} else {
				writeFile(t, dir, "config.yaml", "massdm:\n  progress_every: 7\n")
			}
		case <-deadline:
			t.Fatalf("no config published")
		}
	}
}
