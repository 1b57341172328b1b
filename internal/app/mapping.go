package app

import (
	"strings"
	"time"

	"yinchabot/internal/config"
	"yinchabot/internal/listener"
	"yinchabot/internal/storage"
	"yinchabot/internal/trigger"
	logx "yinchabot/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, true, nil
}

func mapTriggerConfig(cfg *config.Config) (trigger.Config, error) {
	window, err := config.ParseDurationOrDefault("trigger.window", cfg.Trigger.Window, trigger.DefaultWindow)
	if err != nil {
		return trigger.Config{}, err
	}
	return trigger.Config{
		Schedule: cfg.Trigger.Schedule,
		Timezone: cfg.Trigger.Timezone,
		Window:   window,
	}, nil
}

func mapListenerConfig(cfg *config.Config) (listener.Config, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, config.DefaultPollTimeout)
	if err != nil {
		return listener.Config{}, err
	}
	backoff, err := config.ParseDurationOrDefault("telegram.error_backoff", cfg.Telegram.ErrorBackoff, config.DefaultErrorBackoff)
	if err != nil {
		return listener.Config{}, err
	}
	return listener.Config{
		Timeout:        timeout,
		Limit:          cfg.Telegram.PollLimit,
		AllowedUpdates: cfg.Telegram.AllowedUpdates,
		RepeatInWindow: cfg.Trigger.RepeatInWindow,
		ErrorBackoff:   backoff,
	}, nil
}

// mapLogConfig converts the logging section. The Telegram sink stays off
// when group_log is not a chat id; Validate reports that case separately.
func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	out := logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
	if id, err := cfg.Telegram.GroupLogID(); err == nil {
		out.Telegram.ChatID = id
	} else {
		out.Telegram.Enabled = false
	}
	return out
}

// stopGrace bounds the graceful listener stop: the in-flight long poll plus
// the drain fetch.
func stopGrace(lc listener.Config) time.Duration {
	return lc.Timeout + 5*time.Second
}
