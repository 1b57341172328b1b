package config

// Config is the on-disk configuration (JSON, or YAML converted to JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Trigger     TriggerConfig     `json:"trigger"`
	Subscribers SubscribersConfig `json:"subscribers"`
	Media       MediaConfig       `json:"media"`
	Commands    CommandsConfig    `json:"commands"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Systemd     SystemdConfig     `json:"systemd"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via TELOXIDE_TOKEN or BOT_TOKEN.
	Token string `json:"token"`
	// APIURL overrides https://api.telegram.org (local bot-api server).
	APIURL string `json:"api_url,omitempty"`
	// GroupLog is the chat id receiving log lines when logging.telegram is on.
	GroupLog string `json:"group_log"`
	// PollTimeout is the getUpdates long-poll timeout (default "10s").
	PollTimeout string `json:"poll_timeout"`
	// PollLimit caps updates per fetch, 1..100 (0 = server default).
	PollLimit      int      `json:"poll_limit,omitempty"`
	AllowedUpdates []string `json:"allowed_updates,omitempty"`
	// ErrorBackoff delays the fetch after a failed one (default "1s", doubling).
	ErrorBackoff  string `json:"error_backoff,omitempty"`
	RemoveWebhook bool   `json:"remove_webhook,omitempty"`
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

// TriggerConfig controls the daily scheduled delivery.
//
// Defaults: schedule "0 15 * * *", timezone "UTC+8", window "11s".
type TriggerConfig struct {
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Window   string `json:"window,omitempty"`
	// RepeatInWindow injects the occurrence on every poll inside the window
	// instead of once. Delivery is still deduplicated per chat.
	RepeatInWindow bool `json:"repeat_in_window,omitempty"`
}

type SubscribersConfig struct {
	// Path defaults to <user config dir>/YinChaBot/Settings.json.
	Path string `json:"path,omitempty"`
	// Watch reloads the file when it is edited by hand.
	Watch bool `json:"watch"`
}

type MediaConfig struct {
	// VoiceDir may also come from BOT_VOICE_DIR.
	VoiceDir   string   `json:"voice_dir"`
	Extensions []string `json:"extensions,omitempty"`
	RatePerSec float64  `json:"rate_per_sec,omitempty"`
}

type CommandsConfig struct {
	// Subscribe is the subscription command (default "/subscribe").
	Subscribe string `json:"subscribe,omitempty"`
	// Debug enables /test.
	Debug bool `json:"debug,omitempty"`
}

// StorageConfig controls the optional delivery ledger.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./yinchabot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type SystemdConfig struct {
	// Notify sends READY/STOPPING/WATCHDOG to systemd when NOTIFY_SOCKET is set.
	Notify bool `json:"notify"`
}
