package config

import (
	"slices"
	"strings"

	logx "yinchabot/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// fields for logging. Secrets (the token) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		ot.PollLimit != nt.PollLimit ||
		!slices.Equal(ot.AllowedUpdates, nt.AllowedUpdates) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
		strings.TrimSpace(ot.APIURL) != strings.TrimSpace(nt.APIURL) ||
		ot.ErrorBackoff != nt.ErrorBackoff ||
		ot.RemoveWebhook != nt.RemoveWebhook ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.poll_limit", nt.PollLimit),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	ol, nl := oldCfg.Logging, newCfg.Logging
	if ol != nl {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", nl.Level),
			logx.Bool("logging.console", nl.Console),
			logx.Bool("logging.file_enabled", nl.File.Enabled),
			logx.Bool("logging.telegram_enabled", nl.Telegram.Enabled),
		)
	}

	if oldCfg.Trigger != newCfg.Trigger {
		tr := newCfg.Trigger
		changed = append(changed, "trigger")
		attrs = append(attrs,
			logx.String("trigger.schedule", tr.Schedule),
			logx.String("trigger.timezone", tr.Timezone),
			logx.String("trigger.window", tr.Window),
			logx.Bool("trigger.repeat_in_window", tr.RepeatInWindow),
		)
	}

	if oldCfg.Subscribers != newCfg.Subscribers {
		changed = append(changed, "subscribers")
	}

	om, nm := oldCfg.Media, newCfg.Media
	if om.VoiceDir != nm.VoiceDir || om.RatePerSec != nm.RatePerSec || !slices.Equal(om.Extensions, nm.Extensions) {
		changed = append(changed, "media")
		attrs = append(attrs, logx.String("media.voice_dir", nm.VoiceDir))
	}

	if oldCfg.Commands != newCfg.Commands {
		changed = append(changed, "commands")
		attrs = append(attrs, logx.Bool("commands.debug", newCfg.Commands.Debug))
	}

	if derefStorage(oldCfg.Storage) != derefStorage(newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", derefStorage(newCfg.Storage).Driver))
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect on restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "telegram", "subscribers", "media", "commands", "storage", "systemd":
			out = append(out, s)
		}
	}
	return out
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
