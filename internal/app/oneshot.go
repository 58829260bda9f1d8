package app

import (
	"context"
	"fmt"

	"massdm/internal/audience"
	"massdm/internal/config"
	"massdm/internal/notifier/broadcast"
	"massdm/internal/storage"
	kit "massdm/internal/transport"
	telegram "massdm/internal/transport/telegram/adapter"
	logx "massdm/pkg/logx"
)

// loadOffline parses cfgPath and opens its store without touching Telegram.
func loadOffline(cfgPath string, requireToken bool, log logx.Logger) (*config.Config, storage.Store, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(requireToken); err != nil {
		return nil, nil, err
	}
	sc, _, err := mapStorage(cfg)
	if err != nil {
		return nil, nil, err
	}
	if sc.Driver == "memory" {
		log.Warn("storage.driver is memory; the stored audience is always empty outside the running bot")
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

// ListMembers returns the stored audience of chatID in send order.
func ListMembers(ctx context.Context, cfgPath string, chatID int64, log logx.Logger) ([]kit.Member, error) {
	_, store, err := loadOffline(cfgPath, false, log)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return audience.NewRegistry(store, log).MembersOf(ctx, chatID)
}

// SendOnce runs a single dispatch to the stored audience of chatID, without polling
// for updates. actorID is recorded in the audit trail.
func SendOnce(ctx context.Context, cfgPath string, chatID, actorID int64, text string, log logx.Logger) (broadcast.Report, error) {
	cfg, store, err := loadOffline(cfgPath, true, log)
	if err != nil {
		return broadcast.Report{}, err
	}
	defer store.Close()

	members, err := audience.NewRegistry(store, log).MembersOf(ctx, chatID)
	if err != nil {
		return broadcast.Report{}, fmt.Errorf("list members: %w", err)
	}

	pollTimeout, err := cfg.Telegram.PollTimeoutOrDefault()
	if err != nil {
		return broadcast.Report{}, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return broadcast.Report{}, err
	}
	self := ad.Self()
	log.Info(fmt.Sprintf("Logged in as %s (%d)", self.Label(), self.UserID))

	bc, _, err := mapMassDM(cfg)
	if err != nil {
		return broadcast.Report{}, err
	}
	disp := broadcast.New(bc, ad, log.With(logx.String("comp", "massdm")), broadcast.WithAudit(store))
	return disp.Run(ctx, broadcast.Job{
		ChatID:   chatID,
		Name:     fmt.Sprintf("chat %d", chatID),
		Audience: members,
		Exclude:  self,
		Text:     text,
		ActorID:  actorID,
	})
}
