// Package trigger decides when the daily scheduled delivery fires.
//
// A Clock is a pure function of the wall-clock time: it is due while the
// current time lies inside [occurrence, occurrence+window) for some
// occurrence of its cron schedule, evaluated in a fixed zone.
package trigger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultSchedule = "0 15 * * *"
	DefaultTimezone = "UTC+8"
	DefaultWindow   = 11 * time.Second
)

type Config struct {
	// Schedule is a cron expression with an optional leading seconds field,
	// or a descriptor such as @daily.
	Schedule string
	// Timezone accepts UTC, UTC+8, UTC-03:30, +08:00 or an IANA name.
	Timezone string
	Window   time.Duration
}

type Clock struct {
	spec   string
	sched  cron.Schedule
	loc    *time.Location
	window time.Duration
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New builds a Clock; empty fields take the defaults.
func New(cfg Config) (*Clock, error) {
	spec := strings.TrimSpace(cfg.Schedule)
	if spec == "" {
		spec = DefaultSchedule
	}
	if strings.HasPrefix(spec, "CRON_TZ=") || strings.HasPrefix(spec, "TZ=") {
		return nil, fmt.Errorf("trigger: schedule %q: set the zone through timezone, not the expression", spec)
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("trigger: schedule %q: %w", spec, err)
	}
	tz := strings.TrimSpace(cfg.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := ParseZone(tz)
	if err != nil {
		return nil, err
	}
	window := cfg.Window
	if window == 0 {
		window = DefaultWindow
	}
	if window < time.Second {
		return nil, fmt.Errorf("trigger: window %s must be at least 1s", window)
	}
	return &Clock{spec: spec, sched: sched, loc: loc, window: window}, nil
}

// Due reports whether now falls inside a firing window and returns that
// window's occurrence (in the clock's zone).
func (c *Clock) Due(now time.Time) (time.Time, bool) {
	occ := c.sched.Next(now.In(c.loc).Add(-c.window))
	if occ.IsZero() || occ.After(now) {
		return time.Time{}, false
	}
	return occ, true
}

// Next returns the first occurrence strictly after now.
func (c *Clock) Next(now time.Time) time.Time {
	return c.sched.Next(now.In(c.loc))
}

func (c *Clock) Window() time.Duration    { return c.window }
func (c *Clock) Location() *time.Location { return c.loc }

func (c *Clock) String() string {
	return fmt.Sprintf("%s (%s, window %s)", c.spec, c.loc, c.window)
}

var offsetRe = regexp.MustCompile(`^(?i:UTC|GMT)?([+-])(\d{1,2})(?::?(\d{2}))?$`)

// ParseZone resolves a zone label. Offsets keep the label as the zone name.
func ParseZone(s string) (*time.Location, error) {
	s = strings.TrimSpace(s)
	switch strings.ToUpper(s) {
	case "", "UTC", "GMT", "Z":
		return time.UTC, nil
	}
	if m := offsetRe.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[2])
		mins := 0
		if m[3] != "" {
			mins, _ = strconv.Atoi(m[3])
		}
		if h > 14 || mins > 59 {
			return nil, fmt.Errorf("trigger: timezone %q: offset out of range", s)
		}
		off := h*3600 + mins*60
		if m[1] == "-" {
			off = -off
		}
		return time.FixedZone(s, off), nil
	}
	loc, err := time.LoadLocation(s)
	if err != nil {
		return nil, fmt.Errorf("trigger: timezone %q: %w", s, err)
	}
	return loc, nil
}
