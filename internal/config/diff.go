package config

import (
	"reflect"
	"strings"

	logx "massdm/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured fields for logging. The bot token is never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token) ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	om, nm := oldCfg.MassDM, newCfg.MassDM
	if om.IsEnabled() != nm.IsEnabled() || om.IsOwnerOnly() != nm.IsOwnerOnly() ||
		om.InterSendDelay != nm.InterSendDelay || om.RetryFallback != nm.RetryFallback ||
		om.ProgressEvery != nm.ProgressEvery || om.RunTimeout != nm.RunTimeout {
		changed = append(changed, "massdm")
		attrs = append(attrs,
			logx.Bool("massdm.enabled", nm.IsEnabled()),
			logx.Bool("massdm.owner_only", nm.IsOwnerOnly()),
			logx.String("massdm.inter_send_delay", nm.InterSendDelay),
			logx.String("massdm.retry_fallback", nm.RetryFallback),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.prune_schedule", newCfg.Storage.PruneSchedule),
		)
	}

	return changed, attrs
}

// RequiresRestart reports sections whose changes only take effect after a restart.
func RequiresRestart(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token) ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) {
		out = append(out, "telegram.token/poll_timeout")
	}
	ost, nst := oldCfg.Storage, newCfg.Storage
	if ost.Driver != nst.Driver || ost.Path != nst.Path || ost.BusyTimeout != nst.BusyTimeout {
		out = append(out, "storage.driver/path")
	}
	return out
}
