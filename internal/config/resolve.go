package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPollTimeout    = 10 * time.Second
	DefaultInterSendDelay = 2 * time.Second
	DefaultRetryFallback  = 5 * time.Second
	DefaultProgressEvery  = 10
	DefaultPruneSchedule  = "@daily"
	DefaultMemberTTL      = 30 * 24 * time.Hour
)

// MassDM is the parsed form of MassDMConfig.
type MassDM struct {
	Enabled        bool
	OwnerOnly      bool
	InterSendDelay time.Duration
	RetryFallback  time.Duration
	ProgressEvery  int
	RunTimeout     time.Duration
}

func (c MassDMConfig) Resolve() (MassDM, error) {
	out := MassDM{
		Enabled:       c.IsEnabled(),
		OwnerOnly:     c.IsOwnerOnly(),
		ProgressEvery: c.ProgressEvery,
	}
	var err error
	// "0s" is an explicit zero pause; only an omitted field takes the default.
	if out.InterSendDelay, err = durationOrDefaultIfEmpty("massdm.inter_send_delay", c.InterSendDelay, DefaultInterSendDelay); err != nil {
		return MassDM{}, err
	}
	if out.RetryFallback, err = durationOrDefaultIfEmpty("massdm.retry_fallback", c.RetryFallback, DefaultRetryFallback); err != nil {
		return MassDM{}, err
	}
	if out.RunTimeout, err = ParseDurationField("massdm.run_timeout", c.RunTimeout); err != nil {
		return MassDM{}, err
	}
	if out.ProgressEvery < 0 {
		return MassDM{}, errors.New("massdm.progress_every must be >= 0")
	}
	if out.ProgressEvery == 0 {
		out.ProgressEvery = DefaultProgressEvery
	}
	return out, nil
}

// Storage is the parsed form of StorageConfig.
type Storage struct {
	Driver        string
	Path          string
	BusyTimeout   time.Duration
	PruneSchedule string
	MemberTTL     time.Duration
}

func (c StorageConfig) Resolve() (Storage, error) {
	out := Storage{
		Driver:        strings.ToLower(strings.TrimSpace(c.Driver)),
		Path:          strings.TrimSpace(c.Path),
		PruneSchedule: strings.TrimSpace(c.PruneSchedule),
	}
	switch out.Driver {
	case "", "memory":
		out.Driver = "memory"
	case "file", "sqlite", "sqlite3":
		if out.Path == "" {
			return Storage{}, fmt.Errorf("storage.path is required for driver %q", out.Driver)
		}
	default:
		return Storage{}, fmt.Errorf("storage.driver: unknown driver %q", c.Driver)
	}
	var err error
	if out.BusyTimeout, err = ParseDurationField("storage.busy_timeout", c.BusyTimeout); err != nil {
		return Storage{}, err
	}
	if out.MemberTTL, err = ParseDurationOrDefault("storage.member_ttl", c.MemberTTL, DefaultMemberTTL); err != nil {
		return Storage{}, err
	}
	if c.PruneSchedule == "" {
		out.PruneSchedule = DefaultPruneSchedule
	}
	if out.PruneSchedule == "off" {
		out.PruneSchedule = ""
	}
	return out, nil
}

func (c TelegramConfig) PollTimeoutOrDefault() (time.Duration, error) {
	return ParseDurationOrDefault("telegram.poll_timeout", c.PollTimeout, DefaultPollTimeout)
}

// GroupLogID parses telegram.group_log. It returns 0 when unset.
func (c TelegramConfig) GroupLogID() (int64, error) {
	s := strings.TrimSpace(c.GroupLog)
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram.group_log: invalid chat id %q", c.GroupLog)
	}
	return id, nil
}

// Validate checks every field that can be checked without network access.
// requireToken is false for offline commands.
func (c *Config) Validate(requireToken bool) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if requireToken && strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if _, err := c.Telegram.PollTimeoutOrDefault(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Telegram.GroupLogID(); err != nil {
		errs = append(errs, err)
	}
	if c.Logging.Telegram.Enabled && strings.TrimSpace(c.Telegram.GroupLog) == "" {
		errs = append(errs, errors.New("logging.telegram.enabled requires telegram.group_log"))
	}
	if _, err := c.MassDM.Resolve(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Storage.Resolve(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseDurationField parses a non-negative Go duration; "" yields 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for 0.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// durationOrDefaultIfEmpty keeps an explicit "0s" and defaults only an omitted value.
func durationOrDefaultIfEmpty(path, raw string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return ParseDurationField(path, raw)
}
