package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPollTimeout  = 10 * time.Second
	DefaultErrorBackoff = time.Second
	maxPollLimit        = 100
)

// Validate checks field syntax and ranges. Semantic checks that need other
// packages (cron expressions, zones) are done by the app's validator.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		add(errors.New("telegram.token: required (or set TELOXIDE_TOKEN)"))
	}
	_, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout)
	add(err)
	_, err = ParseDurationField("telegram.error_backoff", c.Telegram.ErrorBackoff)
	add(err)
	if l := c.Telegram.PollLimit; l < 0 || l > maxPollLimit {
		add(fmt.Errorf("telegram.poll_limit: %d out of range 0..%d", l, maxPollLimit))
	}
	if c.Logging.Telegram.Enabled {
		if _, err := c.Telegram.GroupLogID(); err != nil {
			add(err)
		}
	}

	_, err = ParseDurationField("trigger.window", c.Trigger.Window)
	add(err)

	if strings.TrimSpace(c.Media.VoiceDir) == "" {
		add(errors.New("media.voice_dir: required (or set BOT_VOICE_DIR)"))
	}
	if c.Media.RatePerSec < 0 {
		add(errors.New("media.rate_per_sec: must be >= 0"))
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(fmt.Errorf("storage.path: required for driver %q", s.Driver))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown %q", s.Driver))
		}
		_, err = ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
	}
	return errors.Join(errs...)
}

// GroupLogID parses telegram.group_log.
func (t TelegramConfig) GroupLogID() (int64, error) {
	s := strings.TrimSpace(t.GroupLog)
	if s == "" {
		return 0, errors.New("telegram.group_log: required when logging.telegram.enabled")
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram.group_log: invalid chat id %q", t.GroupLog)
	}
	return id, nil
}
