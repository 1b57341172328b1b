package config

import "strings"

// Environment variables that override the file.
const (
	EnvToken    = "TELOXIDE_TOKEN"
	EnvBotToken = "BOT_TOKEN"
	EnvVoiceDir = "BOT_VOICE_DIR"
)

// ApplyEnv overlays environment values onto cfg. TELOXIDE_TOKEN wins over
// BOT_TOKEN. It returns the names of the variables that were applied.
func ApplyEnv(cfg *Config, getenv func(string) string) []string {
	var applied []string
	for _, k := range []string{EnvToken, EnvBotToken} {
		if v := strings.TrimSpace(getenv(k)); v != "" {
			cfg.Telegram.Token = v
			applied = append(applied, k)
			break
		}
	}
	if v := strings.TrimSpace(getenv(EnvVoiceDir)); v != "" {
		cfg.Media.VoiceDir = v
		applied = append(applied, EnvVoiceDir)
	}
	return applied
}
