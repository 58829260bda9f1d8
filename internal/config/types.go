package config

// Config is the whole on-disk configuration (.json, .yaml/.yml or .toml).
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	MassDM   MassDMConfig   `json:"massdm"`
	Storage  StorageConfig  `json:"storage"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id receiving log lines when logging.telegram is enabled.
	GroupLog string `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// MassDMConfig controls the /massdm command and the dispatcher.
//
// All durations are Go duration strings (e.g. "500ms", "2s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - owner_only: true
//   - inter_send_delay: "2s"
//   - retry_fallback: "5s"
//   - progress_every: 10
//   - run_timeout: "0s" (disabled)
type MassDMConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	OwnerOnly      *bool  `json:"owner_only,omitempty"`
	InterSendDelay string `json:"inter_send_delay,omitempty"`
	RetryFallback  string `json:"retry_fallback,omitempty"`
	ProgressEvery  int    `json:"progress_every,omitempty"`
	RunTimeout     string `json:"run_timeout,omitempty"`
}

// StorageConfig controls persistence of the observed audience.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/massdm.sqlite", "member_ttl": "720h" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	// PruneSchedule is a cron spec for removing stale members (default "@daily"); "off" disables it.
	PruneSchedule string `json:"prune_schedule,omitempty"`
	// MemberTTL is how long a member may stay unseen before pruning.
	MemberTTL string `json:"member_ttl,omitempty"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func (c MassDMConfig) IsEnabled() bool   { return boolOr(c.Enabled, true) }
func (c MassDMConfig) IsOwnerOnly() bool { return boolOr(c.OwnerOnly, true) }
