package app

import (
	"context"
	"fmt"
	"io"

	"lovebot/internal/compose"
	"lovebot/internal/config"
	"lovebot/internal/storage"
	"lovebot/internal/transport"
	"lovebot/internal/transport/telegram"
	logx "lovebot/pkg/logx"
)

func mapLogConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    lc.Alert.Enabled,
			MinLevel:   lc.Alert.MinLevel,
			RatePerSec: lc.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(r *config.Resolved) storage.Config {
	return storage.Config{
		Driver:      r.StorageDriver,
		Path:        r.StoragePath,
		BusyTimeout: r.StorageBusyTimeout,
	}
}

func mapTelegramConfig(tc config.TelegramConfig, r *config.Resolved) telegram.Config {
	return telegram.Config{
		Token:          tc.Token,
		ChatID:         tc.ChatID,
		ThreadID:       tc.ThreadID,
		ParseMode:      tc.ParseMode,
		DisablePreview: tc.DisablePreview,
		RatePerSec:     tc.RatePerSec,
		HTTPTimeout:    r.SendTimeout,
	}
}

// validateReload rejects a changed config that would leave nothing to send,
// e.g. a messages file edited down to comments.
func validateReload(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	n, err := compose.NewRotation(cfg.Messages.List, cfg.Messages.File, nil).Count()
	if err != nil {
		return err
	}
	if n == 0 {
		return compose.ErrNoMessages
	}
	return nil
}

// alertingSender is a delivery transport that can also carry log alerts.
type alertingSender interface {
	transport.Sender
	logx.AlertSender
}

func newSender(cfg *config.Config, r *config.Resolved, stdout io.Writer, log logx.Logger) (alertingSender, error) {
	switch r.Transport {
	case config.TransportConsole:
		return transport.NewConsole(stdout), nil
	case config.TransportTelegram:
		return telegram.New(mapTelegramConfig(cfg.Telegram, r), log)
	default:
		return nil, fmt.Errorf("unknown transport %q", r.Transport)
	}
}
