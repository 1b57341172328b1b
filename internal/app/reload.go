package app

import (
	"context"
	"strings"

	"yinchabot/internal/config"
	"yinchabot/internal/trigger"
	logx "yinchabot/pkg/logx"
)

// reloadLoop applies hot-reloadable sections (logging, trigger) and warns
// about the rest.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			next = latest(next, sub)
			a.applyConfig(last, next)
			last = next
		}
	}
}

// latest drains queued configs so a burst of edits is applied once.
func latest(cfg *config.Config, sub <-chan *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok {
				return cfg
			}
			if newer != nil {
				cfg = newer
			}
		default:
			return cfg
		}
	}
}

func (a *App) applyConfig(prev, next *config.Config) {
	changed, attrs := config.SummarizeConfigChange(prev, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(next))

	if tcfg, err := mapTriggerConfig(next); err != nil {
		a.log.Warn("invalid trigger config; keeping previous", logx.Err(err))
	} else if clk, err := trigger.New(tcfg); err != nil {
		a.log.Warn("invalid trigger config; keeping previous", logx.Err(err))
	} else if a.clock.Swap(clk) {
		a.log.Info("trigger updated", logx.String("trigger", clk.String()))
		warnWindow(a.log, clk, a.lstCfg.Timeout)
	}

	if restart := config.RestartRequired(changed); len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
