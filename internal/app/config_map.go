package app

import (
	"massdm/internal/audience"
	"massdm/internal/config"
	"massdm/internal/notifier/broadcast"
	"massdm/internal/storage"
	logx "massdm/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// mapMassDM returns the dispatcher config and whether commands are owner-only.
func mapMassDM(cfg *config.Config) (broadcast.Config, bool, error) {
	m, err := cfg.MassDM.Resolve()
	if err != nil {
		return broadcast.Config{}, false, err
	}
	return broadcast.Config{
		Enabled:        m.Enabled,
		InterSendDelay: m.InterSendDelay,
		RetryFallback:  m.RetryFallback,
		ProgressEvery:  m.ProgressEvery,
		RunTimeout:     m.RunTimeout,
	}, m.OwnerOnly, nil
}

func mapStorage(cfg *config.Config) (storage.Config, audience.PruneConfig, error) {
	s, err := cfg.Storage.Resolve()
	if err != nil {
		return storage.Config{}, audience.PruneConfig{}, err
	}
	return storage.Config{
			Driver:      s.Driver,
			Path:        s.Path,
			BusyTimeout: s.BusyTimeout,
		}, audience.PruneConfig{
			Schedule: s.PruneSchedule,
			TTL:      s.MemberTTL,
		}, nil
}
