package subscriber

import (
	"context"
	"errors"

	"yinchabot/internal/fswatch"
	logx "yinchabot/pkg/logx"
)

// Watch reloads the store whenever the settings file is edited on disk. A
// corrupt edit is logged and ignored; the previous list stays in effect.
// It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	return fswatch.Watch(ctx, s.path, fswatch.Options{Log: s.log}, func() {
		changed, err := s.Reload()
		switch {
		case errors.Is(err, ErrCorrupt):
			s.log.Error("settings edit rejected; keeping previous subscribers", logx.Err(err))
		case err != nil:
			s.log.Warn("settings reload failed", logx.Err(err))
		case changed:
			s.log.Info("subscribers reloaded", logx.Int("count", s.Len()))
		}
	})
}
